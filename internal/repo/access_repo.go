// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for permanent access
// grants and per-guild settings.
package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-voice-queue/internal/domain"
)

// ListPermanentAccess returns every grant, used to rebuild the in-memory index.
func ListPermanentAccess(ctx context.Context, db *gorm.DB) ([]domain.PermanentAccess, error) {
	var out []domain.PermanentAccess
	err := db.WithContext(ctx).Order("id asc").Find(&out).Error
	return out, err
}

// ListOwnerAccess returns grants for one owner in one guild.
func ListOwnerAccess(ctx context.Context, db *gorm.DB, guildID, ownerID string) ([]domain.PermanentAccess, error) {
	var out []domain.PermanentAccess
	err := db.WithContext(ctx).
		Where("guild_id = ? AND owner_id = ?", guildID, ownerID).
		Order("id asc").
		Find(&out).Error
	return out, err
}

// CreatePermanentAccess inserts g, or returns ErrDuplicate if the grant exists.
func CreatePermanentAccess(ctx context.Context, db *gorm.DB, g *domain.PermanentAccess) error {
	if err := db.WithContext(ctx).Create(g).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// DeletePermanentAccess removes a grant. It returns ErrNotFound if none matched.
func DeletePermanentAccess(ctx context.Context, db *gorm.DB, guildID, ownerID, targetID string) error {
	res := db.WithContext(ctx).
		Where("guild_id = ? AND owner_id = ? AND target_id = ?", guildID, ownerID, targetID).
		Delete(&domain.PermanentAccess{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetGuildSettings returns the settings row for guildID or ErrNotFound.
func GetGuildSettings(ctx context.Context, db *gorm.DB, guildID string) (*domain.GuildSettings, error) {
	var s domain.GuildSettings
	if err := db.WithContext(ctx).Where("guild_id = ?", guildID).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveGuildSettings inserts or fully replaces the settings row.
func SaveGuildSettings(ctx context.Context, db *gorm.DB, s *domain.GuildSettings) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "guild_id"}},
		UpdateAll: true,
	}).Create(s).Error
}
