// Package handlers implements the admin API endpoints.
//
// Handlers depend on small service contracts rather than concrete types so
// tests can substitute fakes. All methods must honour the request context.
package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-voice-queue/internal/domain"
	"github.com/tbourn/go-voice-queue/internal/reconcile"
	"github.com/tbourn/go-voice-queue/internal/repo"
	"github.com/tbourn/go-voice-queue/internal/services"
	"github.com/tbourn/go-voice-queue/internal/utils"
)

// QueueService is the request lifecycle surface used by the API.
type QueueService interface {
	CreateRequest(ctx context.Context, in services.NewRequest) (*domain.CreationRequest, bool, error)
	GetRequest(ctx context.Context, id string) (*domain.CreationRequest, error)
	GetQueuePosition(ctx context.Context, id string) (int64, error)
	CancelRequest(ctx context.Context, userID, guildID string) (*domain.CreationRequest, error)
	ListPage(ctx context.Context, f repo.RequestFilter, page, pageSize int) ([]domain.CreationRequest, int64, error)
	Stats(ctx context.Context) (*repo.RequestStats, error)
}

// SettingsService reads and writes guild settings.
type SettingsService interface {
	Get(ctx context.Context, guildID string) (*domain.GuildSettings, error)
	Save(ctx context.Context, gs *domain.GuildSettings) error
}

// AccessService manages permanent access grants.
type AccessService interface {
	Grant(ctx context.Context, g domain.PermanentAccess) (*domain.PermanentAccess, error)
	Revoke(ctx context.Context, guildID, ownerID, targetID string) error
	List(ctx context.Context, guildID, ownerID string) ([]domain.PermanentAccess, error)
}

// ChannelSource is the in-process channel registry.
type ChannelSource interface {
	Guild(guildID string) []domain.ChannelRecord
	All() []domain.ChannelRecord
}

// Reconciler runs an on-demand sweep.
type Reconciler interface {
	Sweep(ctx context.Context) (*reconcile.Report, error)
}

// WorkerStatus exposes the pool's rate-limit pause.
type WorkerStatus interface {
	PausedUntil() time.Time
}

// Deps groups the services behind the admin API. Nil members disable the
// endpoints that need them (they answer 503).
type Deps struct {
	Queue      QueueService
	Settings   SettingsService
	Access     AccessService
	Channels   ChannelSource
	Reconciler Reconciler
	Worker     WorkerStatus
}

// Handlers groups the admin API endpoints.
type Handlers struct {
	d   Deps
	now func() time.Time
}

// New constructs Handlers bound to d.
func New(d Deps) *Handlers {
	return &Handlers{d: d, now: time.Now}
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

// clampPagination parses and bounds page and page_size query params.
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.Clamp(utils.AtoiDefault(c.Query("page_size"), defaultPageSize), 1, maxPageSize)
	return
}
