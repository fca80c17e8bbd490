// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// CreationRequest model (the durable request store).
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only
// persistence and query composition. State-machine rules live in
// services.QueueService; this layer only guarantees that a transition is
// applied conditionally on the current status.
//
// Error semantics:
//   - Missing rows yield ErrNotFound (alias of gorm.ErrRecordNotFound).
//   - A unique-index violation on insert yields ErrDuplicate.
//   - A conditional update that matched no row because the status moved on
//     yields ErrStaleState.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-voice-queue/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates a unique-index violation, e.g. a second active
// request for the same (guild, user) pair.
var ErrDuplicate = errors.New("duplicate")

// ErrStaleState indicates a conditional transition found the row in a
// status other than the expected ones.
var ErrStaleState = errors.New("request status changed concurrently")

// isUniqueViolation detects unique-index errors across drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key value")
}

// CreateRequest inserts r. It returns ErrDuplicate when another active
// request already holds r.ActiveKey.
func CreateRequest(ctx context.Context, db *gorm.DB, r *domain.CreationRequest) error {
	if err := db.WithContext(ctx).Create(r).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetRequest fetches a request by id or returns ErrNotFound.
func GetRequest(ctx context.Context, db *gorm.DB, id string) (*domain.CreationRequest, error) {
	var r domain.CreationRequest
	if err := db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// FindActiveRequest returns the non-terminal request for (userID, guildID),
// or ErrNotFound.
func FindActiveRequest(ctx context.Context, db *gorm.DB, userID, guildID string) (*domain.CreationRequest, error) {
	var r domain.CreationRequest
	err := db.WithContext(ctx).
		Where("user_id = ? AND guild_id = ? AND status IN ?", userID, guildID, domain.ActiveStatuses).
		Order("created_at desc").
		First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListReadyRequests returns up to limit requests that may be dispatched now:
// PENDING, or RETRYING with next_retry_at due, and not past expires_at.
// Rows are ordered by priority ascending then creation time.
func ListReadyRequests(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.CreationRequest, error) {
	var out []domain.CreationRequest
	err := db.WithContext(ctx).
		Where("(status = ? OR (status = ? AND next_retry_at <= ?)) AND expires_at > ?",
			domain.StatusPending, domain.StatusRetrying, now, now).
		Order("priority asc").
		Order("created_at asc").
		Order("id asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// TransitionRequest applies updates to request id only if its status is one
// of from. It returns ErrNotFound when the row is missing and ErrStaleState
// when the status did not match.
func TransitionRequest(ctx context.Context, db *gorm.DB, id string, from []domain.RequestStatus, updates map[string]any) error {
	res := db.WithContext(ctx).
		Model(&domain.CreationRequest{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return ErrDuplicate
		}
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var n int64
	if err := db.WithContext(ctx).Model(&domain.CreationRequest{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrStaleState
}

// CountAhead returns how many other non-terminal requests are ordered strictly
// before r by (priority, created_at).
func CountAhead(ctx context.Context, db *gorm.DB, r *domain.CreationRequest) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.CreationRequest{}).
		Where("status IN ? AND id <> ?", domain.ActiveStatuses, r.ID).
		Where("priority < ? OR (priority = ? AND created_at < ?)", r.Priority, r.Priority, r.CreatedAt).
		Count(&n).Error
	return n, err
}

// ExpireRequests moves every non-terminal request whose expires_at has passed
// to EXPIRED and releases its active key. It returns the affected row count.
func ExpireRequests(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.CreationRequest{}).
		Where("status IN ? AND expires_at <= ?", domain.ActiveStatuses, now).
		Updates(map[string]any{
			"status":     domain.StatusExpired,
			"active_key": nil,
			"updated_at": now,
		})
	return res.RowsAffected, res.Error
}

// ResetProcessing moves PROCESSING rows that have not expired back to
// PENDING, leaving the ids in except alone. Used at startup after a crash and
// by the worker for rows whose terminal write was lost.
func ResetProcessing(ctx context.Context, db *gorm.DB, now time.Time, except ...string) (int64, error) {
	q := db.WithContext(ctx).
		Model(&domain.CreationRequest{}).
		Where("status = ? AND expires_at > ?", domain.StatusProcessing, now)
	if len(except) > 0 {
		q = q.Where("id NOT IN ?", except)
	}
	res := q.Updates(map[string]any{
		"status":     domain.StatusPending,
		"updated_at": now,
	})
	return res.RowsAffected, res.Error
}

// ListRecoverableRequests returns all non-terminal, non-expired requests in
// dispatch order.
func ListRecoverableRequests(ctx context.Context, db *gorm.DB, now time.Time) ([]domain.CreationRequest, error) {
	var out []domain.CreationRequest
	err := db.WithContext(ctx).
		Where("status IN ? AND expires_at > ?", domain.ActiveStatuses, now).
		Order("priority asc").
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// RequestFilter narrows ListRequestsPage and CountRequests.
type RequestFilter struct {
	GuildID string
	UserID  string
	Status  domain.RequestStatus
}

func (f RequestFilter) apply(q *gorm.DB) *gorm.DB {
	if f.GuildID != "" {
		q = q.Where("guild_id = ?", f.GuildID)
	}
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	return q
}

// CountRequests returns the number of requests matching f.
func CountRequests(ctx context.Context, db *gorm.DB, f RequestFilter) (int64, error) {
	var n int64
	err := f.apply(db.WithContext(ctx).Model(&domain.CreationRequest{})).Count(&n).Error
	return n, err
}

// ListRequestsPage returns a page of requests matching f, newest first.
func ListRequestsPage(ctx context.Context, db *gorm.DB, f RequestFilter, offset, limit int) ([]domain.CreationRequest, error) {
	var out []domain.CreationRequest
	err := f.apply(db.WithContext(ctx)).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
