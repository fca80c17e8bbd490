// Package services – SettingsService
//
// This file implements SettingsService, which resolves the per-guild
// interface channels and categories used by the queue. It is a thin lookup
// over the guild_settings table; caching is unnecessary at the call rates the
// worker and event handlers produce.
package services

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/go-voice-queue/internal/domain"
	"github.com/tbourn/go-voice-queue/internal/repo"
)

// SettingsService provides read access to guild settings.
type SettingsService struct {
	DB *gorm.DB
}

// Get returns the guild's settings or ErrGuildNotConfigured.
func (s *SettingsService) Get(ctx context.Context, guildID string) (*domain.GuildSettings, error) {
	gs, err := repo.GetGuildSettings(ctx, s.DB, guildID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrGuildNotConfigured
	}
	return gs, err
}

// InterfaceChannel returns the channel a member must be connected to for a
// request of type t to be honoured.
func (s *SettingsService) InterfaceChannel(ctx context.Context, guildID string, t domain.RequestType) (string, error) {
	gs, err := s.Get(ctx, guildID)
	if err != nil {
		return "", err
	}
	id := gs.InterfaceFor(t)
	if id == "" {
		return "", ErrInterfaceNotConfigured
	}
	return id, nil
}

// Save upserts the guild's settings.
func (s *SettingsService) Save(ctx context.Context, gs *domain.GuildSettings) error {
	if gs == nil || strings.TrimSpace(gs.GuildID) == "" {
		return ErrInvalidSettings
	}
	return repo.SaveGuildSettings(ctx, s.DB, gs)
}
