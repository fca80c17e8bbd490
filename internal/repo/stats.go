// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// by the queue stats endpoint and the CLI.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-voice-queue/internal/domain"
)

// RequestStats summarizes the request store.
type RequestStats struct {
	ByStatus       map[domain.RequestStatus]int64 `json:"by_status"`
	Active         int64                          `json:"active"`
	OldestActiveAt *time.Time                     `json:"oldest_active_at,omitempty"`
	Channels       int64                          `json:"channels"`
	TeamChannels   int64                          `json:"team_channels"`
}

// QueueStats returns per-status request counts, the number of active
// requests and the creation time of the oldest one, and channel row counts.
//
// Every status appears in ByStatus, with zero when no row has it.
func QueueStats(ctx context.Context, db *gorm.DB) (*RequestStats, error) {
	var rows []struct {
		Status domain.RequestStatus
		N      int64
	}
	err := db.WithContext(ctx).
		Model(&domain.CreationRequest{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	st := &RequestStats{ByStatus: make(map[domain.RequestStatus]int64, 7)}
	for _, s := range domain.ActiveStatuses {
		st.ByStatus[s] = 0
	}
	for _, s := range domain.TerminalStatuses {
		st.ByStatus[s] = 0
	}
	for _, r := range rows {
		st.ByStatus[r.Status] = r.N
		if r.Status.IsActive() {
			st.Active += r.N
		}
	}

	if st.Active > 0 {
		// Get oldest created_at (avoid MIN() -> TEXT in SQLite)
		var row struct {
			CreatedAt time.Time
		}
		err = db.WithContext(ctx).
			Model(&domain.CreationRequest{}).
			Where("status IN ?", domain.ActiveStatuses).
			Select("created_at").
			Order("created_at asc").
			Limit(1).
			Scan(&row).Error
		if err != nil {
			return nil, err
		}
		st.OldestActiveAt = &row.CreatedAt
	}

	if err := db.WithContext(ctx).Model(&domain.ActiveChannel{}).Count(&st.Channels).Error; err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Model(&domain.TeamChannel{}).Count(&st.TeamChannels).Error; err != nil {
		return nil, err
	}
	return st, nil
}
