// Package services – AccessService
//
// AccessService manages permanent access grants: standing owner→target
// permissions re-applied to every channel the owner provisions. Writes go to
// the database first and are then mirrored into the in-memory index the
// worker reads.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/go-voice-queue/internal/domain"
	"github.com/tbourn/go-voice-queue/internal/registry"
	"github.com/tbourn/go-voice-queue/internal/repo"
)

// AccessService provides grant/revoke/list over permanent access.
type AccessService struct {
	DB    *gorm.DB
	Index *registry.Access
}

// Grant stores g and adds it to the index.
func (s *AccessService) Grant(ctx context.Context, g domain.PermanentAccess) (*domain.PermanentAccess, error) {
	g.ID = 0
	g.GuildID = strings.TrimSpace(g.GuildID)
	g.OwnerID = strings.TrimSpace(g.OwnerID)
	g.TargetID = strings.TrimSpace(g.TargetID)
	if g.TargetType == "" {
		g.TargetType = domain.OverwriteMember
	}
	switch {
	case g.GuildID == "" || g.OwnerID == "" || g.TargetID == "":
		return nil, fmt.Errorf("%w: guild, owner and target are required", ErrInvalidGrant)
	case g.OwnerID == g.TargetID && g.TargetType == domain.OverwriteMember:
		return nil, fmt.Errorf("%w: owner cannot grant themselves", ErrInvalidGrant)
	case g.TargetType != domain.OverwriteMember && g.TargetType != domain.OverwriteRole:
		return nil, fmt.Errorf("%w: unknown target type %q", ErrInvalidGrant, g.TargetType)
	}
	if err := repo.CreatePermanentAccess(ctx, s.DB, &g); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, ErrGrantExists
		}
		return nil, err
	}
	if s.Index != nil {
		s.Index.Add(g)
	}
	return &g, nil
}

// Revoke deletes the grant and drops it from the index.
func (s *AccessService) Revoke(ctx context.Context, guildID, ownerID, targetID string) error {
	if err := repo.DeletePermanentAccess(ctx, s.DB, guildID, ownerID, targetID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrGrantNotFound
		}
		return err
	}
	if s.Index != nil {
		s.Index.Remove(guildID, ownerID, targetID)
	}
	return nil
}

// List returns the owner's grants in the guild from the database.
func (s *AccessService) List(ctx context.Context, guildID, ownerID string) ([]domain.PermanentAccess, error) {
	return repo.ListOwnerAccess(ctx, s.DB, guildID, ownerID)
}
