// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for provisioned
// voice channels (ActiveChannel, TeamChannel) and their dependent
// ChannelPermission rows.
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-voice-queue/internal/domain"
)

// SaveChannel upserts the row describing a provisioned channel. Team records
// go to team_channels, everything else to active_channels.
func SaveChannel(ctx context.Context, db *gorm.DB, rec domain.ChannelRecord, userLimit int) error {
	upsert := clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"guild_id", "owner_id", "updated_at"}),
	}
	if rec.IsTeam {
		row := &domain.TeamChannel{
			ChannelID: rec.ChannelID,
			GuildID:   rec.GuildID,
			OwnerID:   rec.OwnerID,
			TeamType:  rec.TeamType,
			UserLimit: userLimit,
		}
		return db.WithContext(ctx).Clauses(upsert).Create(row).Error
	}
	row := &domain.ActiveChannel{
		ChannelID: rec.ChannelID,
		GuildID:   rec.GuildID,
		OwnerID:   rec.OwnerID,
		UserLimit: userLimit,
	}
	return db.WithContext(ctx).Clauses(upsert).Create(row).Error
}

// ListChannelRecords returns every provisioned channel, plain and team.
func ListChannelRecords(ctx context.Context, db *gorm.DB) ([]domain.ChannelRecord, error) {
	var plain []domain.ActiveChannel
	if err := db.WithContext(ctx).Order("created_at asc").Find(&plain).Error; err != nil {
		return nil, err
	}
	var team []domain.TeamChannel
	if err := db.WithContext(ctx).Order("created_at asc").Find(&team).Error; err != nil {
		return nil, err
	}
	out := make([]domain.ChannelRecord, 0, len(plain)+len(team))
	for _, c := range plain {
		out = append(out, c.Record())
	}
	for _, c := range team {
		out = append(out, c.Record())
	}
	return out, nil
}

// ListGuildChannelRecords returns provisioned channels for one guild.
func ListGuildChannelRecords(ctx context.Context, db *gorm.DB, guildID string) ([]domain.ChannelRecord, error) {
	var plain []domain.ActiveChannel
	if err := db.WithContext(ctx).Where("guild_id = ?", guildID).Order("created_at asc").Find(&plain).Error; err != nil {
		return nil, err
	}
	var team []domain.TeamChannel
	if err := db.WithContext(ctx).Where("guild_id = ?", guildID).Order("created_at asc").Find(&team).Error; err != nil {
		return nil, err
	}
	out := make([]domain.ChannelRecord, 0, len(plain)+len(team))
	for _, c := range plain {
		out = append(out, c.Record())
	}
	for _, c := range team {
		out = append(out, c.Record())
	}
	return out, nil
}

// GetChannelRecord looks a channel up in both tables, or returns ErrNotFound.
func GetChannelRecord(ctx context.Context, db *gorm.DB, channelID string) (*domain.ChannelRecord, error) {
	var plain domain.ActiveChannel
	err := db.WithContext(ctx).Where("channel_id = ?", channelID).First(&plain).Error
	if err == nil {
		rec := plain.Record()
		return &rec, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	var team domain.TeamChannel
	if err := db.WithContext(ctx).Where("channel_id = ?", channelID).First(&team).Error; err != nil {
		return nil, err
	}
	rec := team.Record()
	return &rec, nil
}

// DeleteChannel removes a channel row and its permission rows atomically.
// Deleting an already-missing channel is not an error.
func DeleteChannel(ctx context.Context, db *gorm.DB, channelID string, isTeam bool) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("channel_id = ?", channelID).Delete(&domain.ChannelPermission{}).Error; err != nil {
			return err
		}
		if isTeam {
			return tx.Where("channel_id = ?", channelID).Delete(&domain.TeamChannel{}).Error
		}
		return tx.Where("channel_id = ?", channelID).Delete(&domain.ActiveChannel{}).Error
	})
}

// AddChannelPermission records a permit/ban for target on channelID,
// replacing an existing entry for the same target.
func AddChannelPermission(ctx context.Context, db *gorm.DB, p *domain.ChannelPermission) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel_id"}, {Name: "target_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"target_type", "permission"}),
	}).Create(p).Error
}

// ListChannelPermissions returns the permission rows for channelID.
func ListChannelPermissions(ctx context.Context, db *gorm.DB, channelID string) ([]domain.ChannelPermission, error) {
	var out []domain.ChannelPermission
	err := db.WithContext(ctx).Where("channel_id = ?", channelID).Order("id asc").Find(&out).Error
	return out, err
}
