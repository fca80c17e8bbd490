// Package worker – Pool
//
// Pool is the polling dispatcher for creation requests. Each tick it:
//
//  1. skips entirely while a platform rate-limit pause is in force;
//  2. expires stale requests and resets PROCESSING rows nothing holds;
//  3. while below the global cap and not paused, claims the next ready
//     request whose guild is below the per-guild cap and processes it on its
//     own goroutine.
//
// Processing re-checks the member's presence in the interface channel before
// any external call, honours a channel id recorded by a previous attempt
// instead of creating a second channel, and hands follow-up work (interface
// message, permanent access grants, audit) to a PostCreateQueue so it can
// never affect the request's outcome.
//
// Counters (global, per guild) are incremented before the goroutine starts
// and released in a defer, so no path can leak them.
//
// State writes that end an attempt are retried a few times. If they still
// fail the row stays PROCESSING, and the next tick returns it to PENDING.
// Channels created by an attempt are remembered in memory until the request
// completes, so a retry after a lost write completes with that channel
// instead of creating another.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-voice-queue/internal/audit"
	"github.com/tbourn/go-voice-queue/internal/bridge"
	"github.com/tbourn/go-voice-queue/internal/domain"
	"github.com/tbourn/go-voice-queue/internal/executor"
	"github.com/tbourn/go-voice-queue/internal/metrics"
	"github.com/tbourn/go-voice-queue/internal/registry"
	"github.com/tbourn/go-voice-queue/internal/repo"
	"github.com/tbourn/go-voice-queue/internal/services"
)

// Defaults for Options.
const (
	DefaultPollInterval    = time.Second
	DefaultGlobalCap       = 3
	DefaultPerGuildCap     = 2
	DefaultCooldown        = 60 * time.Second
	cancelReasonLeft       = "member left the interface channel"
	cancelReasonNoGuild    = "guild unavailable"
	accessTaskPriority     = 3
	writeAttempts          = 3
	writeBackoff           = 50 * time.Millisecond
	interfaceMessageFormat = "<@%s> your voice channel <#%s> is ready."
)

// Options tunes the pool.
type Options struct {
	PollInterval time.Duration
	GlobalCap    int
	PerGuildCap  int
	// DefaultCooldown applies when a rate-limit error carries no hint.
	DefaultCooldown time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.GlobalCap <= 0 {
		o.GlobalCap = DefaultGlobalCap
	}
	if o.PerGuildCap <= 0 {
		o.PerGuildCap = DefaultPerGuildCap
	}
	if o.DefaultCooldown <= 0 {
		o.DefaultCooldown = DefaultCooldown
	}
	return o
}

// Settings resolves per-guild interface configuration.
type Settings interface {
	Get(ctx context.Context, guildID string) (*domain.GuildSettings, error)
}

// Deps are the collaborators a Pool needs. Audit and Post may be nil.
type Deps struct {
	DB       *gorm.DB
	Queue    *services.QueueService
	Settings Settings
	Bridge   bridge.Bridge
	State    bridge.State
	Channels *registry.Channels
	Access   *registry.Access
	Exec     *executor.Executor
	Audit    audit.Sink
	Post     *PostCreateQueue
}

// Pool dispatches creation requests.
type Pool struct {
	Deps
	opt Options
	log zerolog.Logger

	// Now is the clock used for rate-limit pauses; tests replace it.
	Now func() time.Time

	mu          sync.Mutex
	inFlight    int
	perGuild    map[string]int
	pausedUntil time.Time
	// created maps request id to a channel created for it that is not yet
	// known to be recorded on the request row.
	created map[string]string

	wg sync.WaitGroup
}

// New constructs a Pool.
func New(d Deps, opt Options, log zerolog.Logger) *Pool {
	if d.Audit == nil {
		d.Audit = audit.Nop{}
	}
	return &Pool{
		Deps:     d,
		opt:      opt.withDefaults(),
		log:      log.With().Str("component", "worker").Logger(),
		Now:      func() time.Time { return time.Now().UTC() },
		perGuild: make(map[string]int),
		created:  make(map[string]string),
	}
}

func (p *Pool) tracer() trace.Tracer { return otel.Tracer("worker/Pool") }

func (p *Pool) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC()
	}
	return p.Now()
}

// Run polls until ctx is done, then waits for in-flight requests.
func (p *Pool) Run(ctx context.Context) error {
	t := time.NewTicker(p.opt.PollInterval)
	defer t.Stop()
	p.log.Info().
		Dur("interval", p.opt.PollInterval).
		Int("global_cap", p.opt.GlobalCap).
		Int("guild_cap", p.opt.PerGuildCap).
		Msg("worker pool started")
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			p.log.Info().Msg("worker pool stopped")
			return nil
		case <-t.C:
			p.Tick(ctx)
		}
	}
}

// Tick performs one poll. It is exported for tests and for callers that
// drive the pool manually.
func (p *Pool) Tick(ctx context.Context) {
	if p.Paused() {
		return
	}
	if _, err := p.Queue.CleanupExpired(ctx); err != nil {
		p.log.Error().Err(err).Msg("cleanup expired failed")
	}
	if _, err := p.Queue.RecoverOrphaned(ctx); err != nil {
		p.log.Error().Err(err).Msg("recover orphaned requests failed")
	}
	// A request dispatched earlier in this tick may have paused the pool.
	for p.canDispatch() {
		r, err := p.Queue.NextEligible(ctx, p.guildBelowCap)
		if err != nil {
			p.log.Error().Err(err).Msg("fetch next request failed")
			return
		}
		if r == nil {
			return
		}
		p.dispatch(ctx, r)
	}
}

// Wait blocks until every dispatched request has finished processing.
func (p *Pool) Wait() { p.wg.Wait() }

// ---- counters and pause ----

// canDispatch reports whether a slot is free and no pause is in force.
func (p *Pool) canDispatch() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight < p.opt.GlobalCap && !p.now().Before(p.pausedUntil)
}

func (p *Pool) guildBelowCap(r *domain.CreationRequest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.perGuild[r.GuildID] < p.opt.PerGuildCap
}

// InFlight returns the global and per-guild in-flight counts.
func (p *Pool) InFlight(guildID string) (global, guild int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight, p.perGuild[guildID]
}

// Paused reports whether a rate-limit pause is in force.
func (p *Pool) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now().Before(p.pausedUntil)
}

// PausedUntil returns the end of the current pause (zero if never paused).
func (p *Pool) PausedUntil() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pausedUntil
}

// PauseFor suspends polling for d. An existing longer pause is kept.
func (p *Pool) PauseFor(d time.Duration) {
	p.mu.Lock()
	until := p.now().Add(d)
	if until.After(p.pausedUntil) {
		p.pausedUntil = until
	}
	p.mu.Unlock()
	metrics.RateLimitPauses.Inc()
	p.log.Warn().Dur("cooldown", d).Msg("rate limited; worker pool paused")
}

func (p *Pool) dispatch(ctx context.Context, r *domain.CreationRequest) {
	p.mu.Lock()
	p.inFlight++
	p.perGuild[r.GuildID]++
	p.mu.Unlock()
	metrics.RequestsInFlight.Inc()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.release(r)
		p.process(ctx, r)
	}()
}

func (p *Pool) release(r *domain.CreationRequest) {
	p.mu.Lock()
	p.inFlight--
	if n := p.perGuild[r.GuildID] - 1; n > 0 {
		p.perGuild[r.GuildID] = n
	} else {
		delete(p.perGuild, r.GuildID)
	}
	p.mu.Unlock()
	metrics.RequestsInFlight.Dec()
	p.Queue.Release(r.ID)
}

// ---- created channels ----

func (p *Pool) remember(requestID, channelID string) {
	p.mu.Lock()
	p.created[requestID] = channelID
	p.mu.Unlock()
}

func (p *Pool) forget(requestID string) {
	p.mu.Lock()
	delete(p.created, requestID)
	p.mu.Unlock()
}

func (p *Pool) createdFor(requestID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.created[requestID]
	return id, ok
}

// persist runs a state write, retrying briefly on storage errors. State
// conflicts are returned at once: another path already moved the request.
func (p *Pool) persist(ctx context.Context, write func(context.Context) error) error {
	var err error
	for i := 0; i < writeAttempts; i++ {
		err = write(ctx)
		if err == nil ||
			errors.Is(err, services.ErrStateConflict) ||
			errors.Is(err, services.ErrRequestNotFound) ||
			errors.Is(err, services.ErrRequestNotActive) {
			return err
		}
		if i == writeAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(writeBackoff << i):
		}
	}
	return err
}

// ---- processing ----

func (p *Pool) process(ctx context.Context, r *domain.CreationRequest) {
	start := time.Now()
	ctx, span := p.tracer().Start(ctx, "ProcessRequest",
		trace.WithAttributes(
			attribute.String("request.id", r.ID),
			attribute.String("guild.id", r.GuildID),
			attribute.String("request.type", string(r.RequestType)),
		),
	)
	defer span.End()

	outcome := p.attempt(ctx, r)
	span.SetAttributes(attribute.String("outcome", outcome))
	if outcome == "retry" || outcome == "failed" {
		span.SetStatus(codes.Error, outcome)
	}
	metrics.ProcessingDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// attempt runs one processing attempt and returns its outcome label.
func (p *Pool) attempt(ctx context.Context, r *domain.CreationRequest) string {
	log := p.log.With().Str("request_id", r.ID).Str("guild_id", r.GuildID).Str("user_id", r.UserID).Logger()

	if err := p.Queue.MarkProcessing(ctx, r.ID); err != nil {
		if errors.Is(err, services.ErrStateConflict) || errors.Is(err, services.ErrRequestNotFound) {
			log.Debug().Err(err).Msg("request changed state before processing")
			return "skipped"
		}
		log.Error().Err(err).Msg("mark processing failed")
		return "error"
	}

	if !r.HasChannel() {
		if id, ok := p.createdFor(r.ID); ok {
			r.ChannelID = &id
		}
	}
	if r.HasChannel() {
		return p.completeExisting(ctx, r, log)
	}

	gs, err := p.Settings.Get(ctx, r.GuildID)
	if err != nil {
		if errors.Is(err, services.ErrGuildNotConfigured) {
			return p.failPermanently(ctx, r, err, log)
		}
		return p.retry(ctx, r, err, log)
	}
	iface := gs.InterfaceFor(r.RequestType)
	if iface == "" {
		return p.failPermanently(ctx, r, services.ErrInterfaceNotConfigured, log)
	}

	current, err := p.State.MemberVoiceChannel(ctx, r.GuildID, r.UserID)
	switch {
	case errors.Is(err, bridge.ErrGuildUnavailable):
		return p.cancel(ctx, r, cancelReasonNoGuild, log)
	case err != nil:
		// includes bridge.ErrGuildLoading: member state is not known yet
		return p.retry(ctx, r, err, log)
	case current != iface:
		return p.cancel(ctx, r, cancelReasonLeft, log)
	}

	perms, err := domain.DecodePermissionSet(r.PermissionData)
	if err != nil {
		return p.failPermanently(ctx, r, fmt.Errorf("%w: %v", services.ErrInvalidPayload, err), log)
	}

	parent := r.ParentID
	if parent == "" {
		parent = gs.CategoryFor(r.RequestType)
	}
	team := r.RequestType.TeamType()
	channelID, err := p.Bridge.CreateVC(ctx, bridge.CreateParams{
		GuildID:     r.GuildID,
		OwnerID:     r.UserID,
		ChannelName: r.ChannelName,
		ParentID:    parent,
		Overwrites:  perms.Overwrites,
		IsTeam:      r.RequestType.IsTeam(),
		TeamType:    team,
		UserLimit:   team.UserLimit(),
	})
	if err != nil {
		return p.handleFailure(ctx, r, err, log)
	}
	log = log.With().Str("channel_id", channelID).Logger()

	// Record the channel before anything else so a retry never creates a
	// second one.
	p.remember(r.ID, channelID)
	if err := p.persist(ctx, func(ctx context.Context) error {
		return p.Queue.AttachChannel(ctx, r.ID, channelID)
	}); err != nil {
		log.Error().Err(err).Msg("attach channel failed; channel kept in memory")
	}
	rec := p.record(r, channelID)
	if err := repo.SaveChannel(ctx, p.DB, rec, team.UserLimit()); err != nil {
		return p.retry(ctx, r, fmt.Errorf("save channel: %w", err), log)
	}
	p.Channels.Register(rec)

	if err := p.State.MoveMember(ctx, r.GuildID, r.UserID, channelID); err != nil {
		log.Warn().Err(err).Msg("move member failed")
	}

	if err := p.complete(ctx, r.ID, channelID); err != nil {
		log.Error().Err(err).Msg("mark completed failed")
		return "error"
	}
	log.Info().Msg("request completed")
	p.afterCreate(r, rec, gs)
	return "completed"
}

// completeExisting finishes a request whose channel was created by an earlier
// attempt. The channel row and registry entry are upserted in case the
// earlier attempt stopped before writing them.
func (p *Pool) completeExisting(ctx context.Context, r *domain.CreationRequest, log zerolog.Logger) string {
	channelID := *r.ChannelID
	rec := p.record(r, channelID)
	if err := repo.SaveChannel(ctx, p.DB, rec, r.RequestType.TeamType().UserLimit()); err != nil {
		return p.retry(ctx, r, fmt.Errorf("save channel: %w", err), log)
	}
	p.Channels.Register(rec)
	if err := p.complete(ctx, r.ID, channelID); err != nil {
		log.Error().Err(err).Msg("mark completed failed")
		return "error"
	}
	log.Info().Str("channel_id", channelID).Msg("request completed from recorded channel")
	p.Audit.Emit(ctx, audit.Event{
		Kind: audit.KindRequestCompleted, GuildID: r.GuildID, UserID: r.UserID,
		RequestID: r.ID, ChannelID: channelID, Detail: "recovered",
	})
	return "completed"
}

func (p *Pool) complete(ctx context.Context, requestID, channelID string) error {
	err := p.persist(ctx, func(ctx context.Context) error {
		return p.Queue.MarkCompleted(ctx, requestID, channelID)
	})
	// Only a storage failure leaves the request waiting for this channel.
	if err == nil || errors.Is(err, services.ErrStateConflict) || errors.Is(err, services.ErrRequestNotFound) {
		p.forget(requestID)
	}
	return err
}

func (p *Pool) record(r *domain.CreationRequest, channelID string) domain.ChannelRecord {
	return domain.ChannelRecord{
		ChannelID: channelID,
		GuildID:   r.GuildID,
		OwnerID:   r.UserID,
		IsTeam:    r.RequestType.IsTeam(),
		TeamType:  r.RequestType.TeamType(),
	}
}

func (p *Pool) handleFailure(ctx context.Context, r *domain.CreationRequest, err error, log zerolog.Logger) string {
	switch bridge.Classify(err) {
	case bridge.KindRateLimited:
		d, _ := bridge.RetryAfter(err, p.opt.DefaultCooldown)
		p.PauseFor(d)
		return p.retry(ctx, r, err, log)
	case bridge.KindPermanent, bridge.KindForbidden:
		return p.failPermanently(ctx, r, err, log)
	}
	return p.retry(ctx, r, err, log)
}

func (p *Pool) retry(ctx context.Context, r *domain.CreationRequest, cause error, log zerolog.Logger) string {
	var delay time.Duration
	err := p.persist(ctx, func(ctx context.Context) error {
		var err error
		delay, err = p.Queue.MarkFailedAndRetry(ctx, r.ID, cause)
		return err
	})
	if err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("schedule retry failed")
		return "error"
	}
	p.Audit.Emit(ctx, audit.Event{
		Kind: audit.KindRequestRetry, GuildID: r.GuildID, UserID: r.UserID,
		RequestID: r.ID, Detail: fmt.Sprintf("retry in %s: %v", delay, cause),
	})
	return "retry"
}

func (p *Pool) failPermanently(ctx context.Context, r *domain.CreationRequest, cause error, log zerolog.Logger) string {
	if err := p.persist(ctx, func(ctx context.Context) error {
		return p.Queue.MarkFailed(ctx, r.ID, cause)
	}); err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("mark failed failed")
		return "error"
	}
	log.Warn().Err(cause).Msg("request failed permanently")
	p.Audit.Emit(ctx, audit.Event{
		Kind: audit.KindRequestFailed, GuildID: r.GuildID, UserID: r.UserID,
		RequestID: r.ID, Detail: cause.Error(),
	})
	return "failed"
}

func (p *Pool) cancel(ctx context.Context, r *domain.CreationRequest, reason string, log zerolog.Logger) string {
	if err := p.persist(ctx, func(ctx context.Context) error {
		return p.Queue.MarkCancelled(ctx, r.ID, reason)
	}); err != nil {
		log.Error().Err(err).Msg("mark cancelled failed")
		return "error"
	}
	log.Info().Str("reason", reason).Msg("request cancelled")
	p.Audit.Emit(ctx, audit.Event{
		Kind: audit.KindRequestCancelled, GuildID: r.GuildID, UserID: r.UserID,
		RequestID: r.ID, Detail: reason,
	})
	return "cancelled"
}

// ---- post-creation ----

func (p *Pool) afterCreate(r *domain.CreationRequest, rec domain.ChannelRecord, gs *domain.GuildSettings) {
	if p.Post == nil {
		p.Audit.Emit(context.Background(), completedEvent(r, rec.ChannelID))
		return
	}
	if gs.InterfaceTextID != "" {
		text := gs.InterfaceTextID
		p.Post.Submit(JobInterfaceMessage, func(ctx context.Context) error {
			return p.State.SendMessage(ctx, text, fmt.Sprintf(interfaceMessageFormat, r.UserID, rec.ChannelID))
		})
	}
	if p.Access != nil && p.Exec != nil {
		if grants := p.Access.For(r.GuildID, r.UserID); len(grants) > 0 {
			p.Post.Submit(JobPermanentAccess, func(ctx context.Context) error {
				return p.applyAccess(ctx, rec, grants)
			})
		}
	}
	p.Post.Submit(JobAudit, func(ctx context.Context) error {
		p.Audit.Emit(ctx, completedEvent(r, rec.ChannelID))
		return nil
	})
}

func completedEvent(r *domain.CreationRequest, channelID string) audit.Event {
	return audit.Event{
		Kind: audit.KindRequestCompleted, GuildID: r.GuildID, UserID: r.UserID,
		RequestID: r.ID, ChannelID: channelID,
	}
}

// applyAccess re-applies the owner's standing grants to a new channel. All
// edits share the channel's route so they never race on its overwrite list.
func (p *Pool) applyAccess(ctx context.Context, rec domain.ChannelRecord, grants []domain.PermanentAccess) error {
	route := "perm:" + rec.ChannelID
	tasks := make([]executor.Task, 0, len(grants))
	for _, g := range grants {
		g := g
		tasks = append(tasks, executor.Task{
			Route:    route,
			Priority: accessTaskPriority,
			Run: func(ctx context.Context) error {
				err := p.Bridge.EditPermission(ctx, bridge.EditParams{
					GuildID:    rec.GuildID,
					ChannelID:  rec.ChannelID,
					TargetID:   g.TargetID,
					TargetType: g.TargetType,
					Allow:      domain.PermViewChannel | domain.PermConnect,
				})
				if err != nil {
					return err
				}
				return repo.AddChannelPermission(ctx, p.DB, &domain.ChannelPermission{
					ChannelID:  rec.ChannelID,
					TargetID:   g.TargetID,
					TargetType: g.TargetType,
					Permission: domain.ChannelPermit,
				})
			},
		})
	}
	var failed int
	var first error
	for _, err := range p.Exec.ExecuteParallel(ctx, tasks) {
		if err != nil {
			failed++
			if first == nil {
				first = err
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d access grants failed: %w", failed, len(tasks), first)
	}
	return nil
}
