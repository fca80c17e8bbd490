// Package services – QueueService
//
// This file implements QueueService, the query and state-transition layer
// over the durable request store. It deduplicates enqueues per (user, guild),
// selects the next dispatchable request in (priority, created_at) order,
// drives the request state machine, computes retry backoff with a sliding
// TTL, and recovers in-flight work after a crash.
//
// Claiming: GetNextRequest and NextEligible hand out each request at most once
// per process by recording it in an in-memory claim set until Release is
// called. This only guards a single worker process; running several workers
// against one store would need the claim to move into a conditional UPDATE.
//
// Observability: public methods are OpenTelemetry-instrumented and update the
// Prometheus collectors in the metrics package.
package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/tbourn/go-voice-queue/internal/domain"
	"github.com/tbourn/go-voice-queue/internal/metrics"
	"github.com/tbourn/go-voice-queue/internal/repo"
	"github.com/tbourn/go-voice-queue/internal/utils"
)

const (
	// DefaultRequestTTL is the sliding lifetime of a non-terminal request.
	DefaultRequestTTL = 24 * time.Hour
	// DefaultPriority is used when an enqueue does not specify one.
	DefaultPriority = 5
	// DefaultBatchSize bounds how many ready rows are scanned per fetch.
	DefaultBatchSize = 10
	// UnlimitedRetries is stored as max_retries: retries end only at expiry.
	UnlimitedRetries = math.MaxInt32

	maxChannelNameRunes = 100
	defaultMaxErrorLen  = 500
)

// NewRequest is the enqueue input.
type NewRequest struct {
	UserID      string
	GuildID     string
	Type        domain.RequestType
	Priority    *int // nil selects DefaultPriority
	ChannelName string
	ParentID    string
	Permissions domain.PermissionSet
}

// QueueService coordinates the creation-request lifecycle.
type QueueService struct {
	DB  *gorm.DB
	Log zerolog.Logger

	// Now is the clock; tests replace it.
	Now func() time.Time

	TTL         time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	BatchSize   int
	MaxErrorLen int

	mu      sync.Mutex
	claimed map[string]struct{}
}

// NewQueueService constructs a QueueService with the default timings.
func NewQueueService(db *gorm.DB, log zerolog.Logger) *QueueService {
	return &QueueService{
		DB:          db,
		Log:         log.With().Str("component", "queue").Logger(),
		Now:         func() time.Time { return time.Now().UTC() },
		TTL:         DefaultRequestTTL,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		BatchSize:   DefaultBatchSize,
		MaxErrorLen: defaultMaxErrorLen,
		claimed:     make(map[string]struct{}),
	}
}

func (s *QueueService) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *QueueService) tracer() trace.Tracer { return otel.Tracer("services/QueueService") }

// CreateRequest enqueues a creation request. If the user already has an
// active request in the guild, that request is returned unchanged and created
// is false; callers must not assume a fresh request was made.
func (s *QueueService) CreateRequest(ctx context.Context, in NewRequest) (req *domain.CreationRequest, created bool, err error) {
	ctx, span := s.tracer().Start(ctx, "CreateRequest",
		trace.WithAttributes(
			attribute.String("guild.id", in.GuildID),
			attribute.String("user.id", in.UserID),
			attribute.String("request.type", string(in.Type)),
		),
	)
	defer span.End()

	if strings.TrimSpace(in.UserID) == "" || strings.TrimSpace(in.GuildID) == "" {
		return nil, false, fmt.Errorf("%w: user and guild are required", ErrInvalidRequest)
	}
	if !in.Type.Valid() {
		return nil, false, fmt.Errorf("%w: unknown request type %q", ErrInvalidRequest, in.Type)
	}
	name := NormalizeChannelName(in.ChannelName)
	if name == "" {
		return nil, false, fmt.Errorf("%w: channel name is empty", ErrInvalidRequest)
	}
	payload, err := domain.EncodePermissionSet(in.Permissions)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	now := s.now()
	existing, err := s.activeFor(ctx, in.UserID, in.GuildID, now)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	priority := DefaultPriority
	if in.Priority != nil {
		priority = *in.Priority
	}
	key := domain.ActiveKeyFor(in.GuildID, in.UserID)
	r := &domain.CreationRequest{
		ID:             uuid.NewString(),
		UserID:         in.UserID,
		GuildID:        in.GuildID,
		ActiveKey:      &key,
		RequestType:    in.Type,
		Status:         domain.StatusPending,
		Priority:       priority,
		MaxRetries:     UnlimitedRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.ttl()),
		ChannelName:    name,
		ParentID:       in.ParentID,
		PermissionData: payload,
	}
	if err := repo.CreateRequest(ctx, s.DB, r); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			// Lost a race with a concurrent enqueue for the same pair.
			existing, ferr := repo.FindActiveRequest(ctx, s.DB, in.UserID, in.GuildID)
			if ferr != nil {
				return nil, false, ferr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	metrics.RequestsEnqueued.WithLabelValues(string(in.Type)).Inc()
	s.Log.Info().
		Str("request_id", r.ID).
		Str("guild_id", r.GuildID).
		Str("user_id", r.UserID).
		Str("type", string(r.RequestType)).
		Int("priority", r.Priority).
		Msg("request enqueued")
	return r, true, nil
}

// activeFor returns the user's active request, expiring it first if its TTL
// has already elapsed so it does not block a fresh enqueue.
func (s *QueueService) activeFor(ctx context.Context, userID, guildID string, now time.Time) (*domain.CreationRequest, error) {
	r, err := repo.FindActiveRequest(ctx, s.DB, userID, guildID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if r.ExpiresAt.After(now) {
		return r, nil
	}
	err = repo.TransitionRequest(ctx, s.DB, r.ID, domain.ActiveStatuses, map[string]any{
		"status":     domain.StatusExpired,
		"active_key": nil,
		"updated_at": now,
	})
	if err != nil && !errors.Is(err, repo.ErrStaleState) {
		return nil, err
	}
	metrics.RequestsFinished.WithLabelValues(string(domain.StatusExpired)).Inc()
	return nil, nil
}

// GetNextRequest returns the first ready request not already claimed by this
// process, or nil when nothing is ready. The returned request is claimed
// until Release is called.
func (s *QueueService) GetNextRequest(ctx context.Context) (*domain.CreationRequest, error) {
	return s.NextEligible(ctx, nil)
}

// NextEligible is GetNextRequest with an extra filter; rows for which
// eligible returns false are skipped without being claimed. The worker uses
// it to pass over guilds that are at their concurrency cap.
func (s *QueueService) NextEligible(ctx context.Context, eligible func(*domain.CreationRequest) bool) (*domain.CreationRequest, error) {
	ctx, span := s.tracer().Start(ctx, "GetNextRequest")
	defer span.End()

	batch := s.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	rows, err := repo.ListReadyRequests(ctx, s.DB, s.now(), batch)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed == nil {
		s.claimed = make(map[string]struct{})
	}
	for i := range rows {
		r := &rows[i]
		if _, busy := s.claimed[r.ID]; busy {
			continue
		}
		if eligible != nil && !eligible(r) {
			continue
		}
		s.claimed[r.ID] = struct{}{}
		span.SetAttributes(attribute.String("request.id", r.ID))
		return r, nil
	}
	return nil, nil
}

// Release drops the in-memory claim on id.
func (s *QueueService) Release(id string) {
	s.mu.Lock()
	delete(s.claimed, id)
	s.mu.Unlock()
}

// Claimed reports whether id is currently claimed by this process.
func (s *QueueService) Claimed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.claimed[id]
	return ok
}

// MarkProcessing moves a PENDING or RETRYING request to PROCESSING.
func (s *QueueService) MarkProcessing(ctx context.Context, id string) error {
	now := s.now()
	return s.transition(ctx, id, []domain.RequestStatus{domain.StatusPending, domain.StatusRetrying}, map[string]any{
		"status":     domain.StatusProcessing,
		"updated_at": now,
	})
}

// AttachChannel records the external channel on a PROCESSING request before
// it completes, so a crash between creation and completion is recovered
// without creating a second channel.
func (s *QueueService) AttachChannel(ctx context.Context, id, channelID string) error {
	return s.transition(ctx, id, []domain.RequestStatus{domain.StatusProcessing}, map[string]any{
		"channel_id": channelID,
		"updated_at": s.now(),
	})
}

// MarkCompleted records channelID and moves the request to COMPLETED.
func (s *QueueService) MarkCompleted(ctx context.Context, id, channelID string) error {
	now := s.now()
	err := s.transition(ctx, id, domain.ActiveStatuses, map[string]any{
		"status":       domain.StatusCompleted,
		"channel_id":   channelID,
		"completed_at": now,
		"active_key":   nil,
		"updated_at":   now,
	})
	if err == nil {
		metrics.RequestsFinished.WithLabelValues(string(domain.StatusCompleted)).Inc()
	}
	return err
}

// MarkFailedAndRetry schedules another attempt: retry_count is incremented,
// next_retry_at is set by RetryDelay, expires_at slides forward by the TTL,
// and the (truncated) error is stored. It returns the scheduled delay.
func (s *QueueService) MarkFailedAndRetry(ctx context.Context, id string, cause error) (time.Duration, error) {
	ctx, span := s.tracer().Start(ctx, "MarkFailedAndRetry", trace.WithAttributes(attribute.String("request.id", id)))
	defer span.End()

	r, err := repo.GetRequest(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, ErrRequestNotFound
		}
		return 0, err
	}
	if !r.Status.IsActive() {
		return 0, ErrRequestNotActive
	}

	now := s.now()
	count := r.RetryCount + 1
	delay := RetryDelay(count, s.BaseDelay, s.MaxDelay)
	next := now.Add(delay)
	msg := s.truncateError(cause)
	err = s.transition(ctx, id, domain.ActiveStatuses, map[string]any{
		"status":        domain.StatusRetrying,
		"retry_count":   count,
		"next_retry_at": next,
		"expires_at":    now.Add(s.ttl()),
		"last_error":    msg,
		"updated_at":    now,
	})
	if err != nil {
		return 0, err
	}
	metrics.RequestsFinished.WithLabelValues(string(domain.StatusRetrying)).Inc()
	s.Log.Warn().
		Str("request_id", id).
		Int("retry_count", count).
		Dur("delay", delay).
		Str("error", msg).
		Msg("request scheduled for retry")
	return delay, nil
}

// MarkFailed moves a request to the terminal FAILED state. Used only for
// errors classified as permanent.
func (s *QueueService) MarkFailed(ctx context.Context, id string, cause error) error {
	now := s.now()
	err := s.transition(ctx, id, domain.ActiveStatuses, map[string]any{
		"status":     domain.StatusFailed,
		"last_error": s.truncateError(cause),
		"active_key": nil,
		"updated_at": now,
	})
	if err == nil {
		metrics.RequestsFinished.WithLabelValues(string(domain.StatusFailed)).Inc()
	}
	return err
}

// MarkCancelled moves request id to CANCELLED with an operator-facing reason.
func (s *QueueService) MarkCancelled(ctx context.Context, id, reason string) error {
	now := s.now()
	updates := map[string]any{
		"status":     domain.StatusCancelled,
		"active_key": nil,
		"updated_at": now,
	}
	if reason != "" {
		updates["last_error"] = reason
	}
	err := s.transition(ctx, id, domain.ActiveStatuses, updates)
	if err == nil {
		metrics.RequestsFinished.WithLabelValues(string(domain.StatusCancelled)).Inc()
	}
	return err
}

// CancelRequest cancels the user's active request in the guild. It returns
// ErrRequestNotFound when there is none.
func (s *QueueService) CancelRequest(ctx context.Context, userID, guildID string) (*domain.CreationRequest, error) {
	r, err := repo.FindActiveRequest(ctx, s.DB, userID, guildID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.MarkCancelled(ctx, r.ID, "cancelled by user"); err != nil {
		return nil, err
	}
	r.Status = domain.StatusCancelled
	r.ActiveKey = nil
	return r, nil
}

// GetRequest returns a request by id.
func (s *QueueService) GetRequest(ctx context.Context, id string) (*domain.CreationRequest, error) {
	r, err := repo.GetRequest(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrRequestNotFound
	}
	return r, err
}

// GetQueuePosition returns how many active requests are ordered before id.
// It is for display only and plays no part in scheduling.
func (s *QueueService) GetQueuePosition(ctx context.Context, id string) (int64, error) {
	r, err := s.GetRequest(ctx, id)
	if err != nil {
		return 0, err
	}
	if !r.Status.IsActive() {
		return 0, ErrRequestNotActive
	}
	return repo.CountAhead(ctx, s.DB, r)
}

// CleanupExpired expires every non-terminal request past its TTL.
func (s *QueueService) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := repo.ExpireRequests(ctx, s.DB, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.RequestsFinished.WithLabelValues(string(domain.StatusExpired)).Add(float64(n))
		s.Log.Info().Int64("count", n).Msg("expired stale requests")
	}
	return n, nil
}

// LoadPendingRequests is startup recovery: requests left PROCESSING by a
// previous process are reset to PENDING so they restart from scratch, the
// claim set is cleared, and all non-terminal, non-expired requests are
// returned in dispatch order.
func (s *QueueService) LoadPendingRequests(ctx context.Context) ([]domain.CreationRequest, error) {
	ctx, span := s.tracer().Start(ctx, "LoadPendingRequests")
	defer span.End()

	now := s.now()
	reset, err := repo.ResetProcessing(ctx, s.DB, now)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.claimed = make(map[string]struct{})
	s.mu.Unlock()

	rows, err := repo.ListRecoverableRequests(ctx, s.DB, now)
	if err != nil {
		return nil, err
	}
	s.Log.Info().Int64("reset", reset).Int("pending", len(rows)).Msg("pending requests loaded")
	return rows, nil
}

// RecoverOrphaned resets PROCESSING requests that no goroutine of this
// process holds a claim on back to PENDING. Such rows are left behind when
// the write that should have moved them on failed. Since only one worker
// process runs, an unclaimed PROCESSING row can never be in flight.
func (s *QueueService) RecoverOrphaned(ctx context.Context) (int64, error) {
	s.mu.Lock()
	held := make([]string, 0, len(s.claimed))
	for id := range s.claimed {
		held = append(held, id)
	}
	s.mu.Unlock()

	n, err := repo.ResetProcessing(ctx, s.DB, s.now(), held...)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.Log.Warn().Int64("count", n).Msg("orphaned processing requests reset")
	}
	return n, nil
}

// Stats returns aggregate queue statistics.
func (s *QueueService) Stats(ctx context.Context) (*repo.RequestStats, error) {
	return repo.QueueStats(ctx, s.DB)
}

// ListPage returns a page of requests matching f and the total count.
func (s *QueueService) ListPage(ctx context.Context, f repo.RequestFilter, page, pageSize int) ([]domain.CreationRequest, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	total, err := repo.CountRequests(ctx, s.DB, f)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.CreationRequest{}, 0, nil
	}
	items, err := repo.ListRequestsPage(ctx, s.DB, f, utils.PageOffset(page, pageSize), pageSize)
	return items, total, err
}

func (s *QueueService) transition(ctx context.Context, id string, from []domain.RequestStatus, updates map[string]any) error {
	err := repo.TransitionRequest(ctx, s.DB, id, from, updates)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return ErrRequestNotFound
	case errors.Is(err, repo.ErrStaleState):
		return ErrStateConflict
	default:
		return err
	}
}

func (s *QueueService) ttl() time.Duration {
	if s.TTL <= 0 {
		return DefaultRequestTTL
	}
	return s.TTL
}

func (s *QueueService) truncateError(err error) string {
	if err == nil {
		return ""
	}
	max := s.MaxErrorLen
	if max <= 0 {
		max = defaultMaxErrorLen
	}
	msg := err.Error()
	if utf8.RuneCountInString(msg) > max {
		msg = string([]rune(msg)[:max])
	}
	return msg
}

// NormalizeChannelName applies NFKC normalization, collapses whitespace, and
// clips to the platform's 100-rune channel name limit.
func NormalizeChannelName(s string) string {
	s = norm.NFKC.String(s)
	s = whitespaceRE.ReplaceAllString(strings.TrimSpace(s), " ")
	if utf8.RuneCountInString(s) > maxChannelNameRunes {
		s = strings.TrimSpace(string([]rune(s)[:maxChannelNameRunes]))
	}
	return s
}

// whitespaceRE collapses consecutive whitespace to a single space.
var whitespaceRE = regexp.MustCompile(`\s+`)
