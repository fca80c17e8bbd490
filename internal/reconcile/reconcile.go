// Package reconcile converges the three views of provisioned channels: the
// database rows, the live platform, and the in-process registry.
//
// Per row, a sweep resolves the live channel and decides:
//
//	resolve failed, definitive (not found / forbidden) → remove row
//	resolve failed, transient                          → skip, retry next sweep
//	found, not a voice channel                         → remove row
//	found, no human occupants, older than MinAge       → delete on platform, then row, then registry
//	found, occupied, not registered                    → register
//	found, occupied, registered                        → keep
//
// The zombie path deletes externally first so an interruption leaves at most a
// dangling row, which the next sweep removes. Registry entries with no row are
// dropped at the end of each sweep, unless they were registered after the
// sweep started.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/tbourn/go-voice-queue/internal/audit"
	"github.com/tbourn/go-voice-queue/internal/bridge"
	"github.com/tbourn/go-voice-queue/internal/domain"
	"github.com/tbourn/go-voice-queue/internal/metrics"
	"github.com/tbourn/go-voice-queue/internal/registry"
	"github.com/tbourn/go-voice-queue/internal/repo"
	"github.com/tbourn/go-voice-queue/internal/services"
)

const (
	// DefaultInterval is the period between sweeps.
	DefaultInterval = 5 * time.Minute
	// DefaultMinAge protects channels the worker just created, whose owner
	// may not have been moved in yet, from being swept as empty.
	DefaultMinAge = 30 * time.Second
)

// Action is the decision taken for one channel.
type Action string

const (
	ActionKeep         Action = "keep"
	ActionReregister   Action = "reregister"
	ActionRemoveRow    Action = "remove_row"
	ActionDeleteZombie Action = "delete_zombie"
	ActionSkip         Action = "skip"
)

// Report summarises one sweep.
type Report struct {
	Checked int               `json:"checked"`
	Actions map[Action]int    `json:"actions"`
	Errors  int               `json:"errors"`
	Pruned  int               `json:"pruned"`
	Took    time.Duration     `json:"took_ns"`
	ByID    map[string]Action `json:"-"`
}

func newReport() *Report {
	return &Report{Actions: make(map[Action]int), ByID: make(map[string]Action)}
}

func (r *Report) add(id string, a Action) {
	r.Actions[a]++
	r.ByID[id] = a
	metrics.ReconcileActions.WithLabelValues(string(a)).Inc()
}

// StartupReport is returned by Startup.
type StartupReport struct {
	Pending int     `json:"pending"`
	Grants  int     `json:"grants"`
	Sweep   *Report `json:"sweep"`
}

// Deps are the collaborators a Reconciler needs. Audit may be nil.
type Deps struct {
	DB       *gorm.DB
	Queue    *services.QueueService
	State    bridge.State
	Bridge   bridge.Bridge
	Channels *registry.Channels
	Access   *registry.Access
	Audit    audit.Sink
}

// Reconciler owns recovery and periodic sweeps. Sweeps never overlap.
type Reconciler struct {
	Deps
	Interval time.Duration
	MinAge   time.Duration
	Now      func() time.Time

	log zerolog.Logger
	mu  sync.Mutex
}

// New constructs a Reconciler sweeping every interval.
func New(d Deps, interval time.Duration, log zerolog.Logger) *Reconciler {
	if d.Audit == nil {
		d.Audit = audit.Nop{}
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		Deps:     d,
		Interval: interval,
		MinAge:   DefaultMinAge,
		Now:      time.Now,
		log:      log.With().Str("component", "reconcile").Logger(),
	}
}

// Startup performs crash recovery: requests left PROCESSING are reset,
// permanent access grants are reloaded, and a first sweep rebuilds the
// registry from the database.
func (r *Reconciler) Startup(ctx context.Context) (*StartupReport, error) {
	ctx, span := otel.Tracer("reconcile/Reconciler").Start(ctx, "Startup")
	defer span.End()

	pending, err := r.Queue.LoadPendingRequests(ctx)
	if err != nil {
		return nil, err
	}
	grants, err := repo.ListPermanentAccess(ctx, r.DB)
	if err != nil {
		return nil, err
	}
	r.Access.Load(grants)

	rep, err := r.Sweep(ctx)
	if err != nil {
		return nil, err
	}
	out := &StartupReport{Pending: len(pending), Grants: len(grants), Sweep: rep}
	r.log.Info().Int("pending", out.Pending).Int("grants", out.Grants).Int("registered", r.Channels.Len()).Msg("startup recovery complete")
	return out, nil
}

// Run sweeps every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	t := time.NewTicker(r.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// Sweep reconciles every persisted channel once.
func (r *Reconciler) Sweep(ctx context.Context) (*Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, span := otel.Tracer("reconcile/Reconciler").Start(ctx, "Sweep")
	defer span.End()
	// Entries registered after this point may belong to rows the listing
	// below does not see yet; pruning leaves them alone.
	start := time.Now()

	recs, err := repo.ListChannelRecords(ctx, r.DB)
	if err != nil {
		return nil, err
	}
	rep := newReport()
	known := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		known[rec.ChannelID] = struct{}{}
		rep.Checked++
		a, err := r.reconcile(ctx, rec)
		if err != nil {
			rep.Errors++
			r.log.Warn().Err(err).Str("channel_id", rec.ChannelID).Str("action", string(a)).Msg("reconcile action failed")
		}
		rep.add(rec.ChannelID, a)
	}

	for _, rec := range r.Channels.All() {
		if _, ok := known[rec.ChannelID]; ok {
			continue
		}
		if r.Channels.UnregisterIfBefore(rec.GuildID, rec.ChannelID, start) {
			rep.Pruned++
		}
	}

	rep.Took = time.Since(start)
	span.SetAttributes(attribute.Int("channels.checked", rep.Checked), attribute.Int("errors", rep.Errors))
	r.log.Info().
		Int("checked", rep.Checked).
		Int("removed", rep.Actions[ActionRemoveRow]).
		Int("zombies", rep.Actions[ActionDeleteZombie]).
		Int("reregistered", rep.Actions[ActionReregister]).
		Int("skipped", rep.Actions[ActionSkip]).
		Int("pruned", rep.Pruned).
		Dur("took", rep.Took).
		Msg("sweep complete")
	return rep, nil
}

// Decide resolves the live channel and returns the action to take.
func (r *Reconciler) Decide(ctx context.Context, rec domain.ChannelRecord) Action {
	info, err := r.State.ResolveChannel(ctx, rec.ChannelID)
	if err != nil {
		if bridge.Classify(err).Definitive() {
			return ActionRemoveRow
		}
		r.log.Debug().Err(err).Str("channel_id", rec.ChannelID).Msg("transient resolve failure")
		return ActionSkip
	}
	switch {
	case !info.Voice:
		return ActionRemoveRow
	case info.Occupants == 0 && r.oldEnough(rec):
		return ActionDeleteZombie
	case r.Channels.Has(rec.GuildID, rec.ChannelID):
		return ActionKeep
	}
	return ActionReregister
}

func (r *Reconciler) oldEnough(rec domain.ChannelRecord) bool {
	if r.MinAge <= 0 || rec.CreatedAt.IsZero() {
		return true
	}
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	return now.Sub(rec.CreatedAt) >= r.MinAge
}

func (r *Reconciler) reconcile(ctx context.Context, rec domain.ChannelRecord) (Action, error) {
	a := r.Decide(ctx, rec)
	switch a {
	case ActionRemoveRow:
		if err := r.removeRow(ctx, rec); err != nil {
			return a, err
		}
		r.emit(ctx, audit.KindChannelRemoved, rec, "platform channel gone")
	case ActionDeleteZombie:
		if err := r.Bridge.DeleteVC(ctx, rec.GuildID, rec.ChannelID, rec.IsTeam); err != nil {
			if bridge.Classify(err) != bridge.KindNotFound {
				return ActionSkip, err
			}
		}
		if err := r.removeRow(ctx, rec); err != nil {
			return a, err
		}
		r.emit(ctx, audit.KindChannelDeleted, rec, "empty channel deleted")
	case ActionReregister:
		r.Channels.Register(rec)
		r.emit(ctx, audit.KindChannelReregistered, rec, "")
	}
	return a, nil
}

func (r *Reconciler) removeRow(ctx context.Context, rec domain.ChannelRecord) error {
	if err := repo.DeleteChannel(ctx, r.DB, rec.ChannelID, rec.IsTeam); err != nil {
		return err
	}
	r.Channels.Unregister(rec.GuildID, rec.ChannelID)
	return nil
}

func (r *Reconciler) emit(ctx context.Context, kind string, rec domain.ChannelRecord, detail string) {
	r.Audit.Emit(ctx, audit.Event{
		Kind:      kind,
		GuildID:   rec.GuildID,
		UserID:    rec.OwnerID,
		ChannelID: rec.ChannelID,
		Detail:    detail,
	})
}
