// Package audit emits structured, fire-and-forget records of queue and
// reconciliation outcomes. Sinks must not block the caller for long and never
// return errors: an audit failure is logged and dropped.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Event kinds.
const (
	KindRequestCompleted    = "request_completed"
	KindRequestRetry        = "request_retry"
	KindRequestFailed       = "request_failed"
	KindRequestCancelled    = "request_cancelled"
	KindChannelRemoved      = "channel_removed"
	KindChannelDeleted      = "channel_deleted"
	KindChannelReregistered = "channel_reregistered"
)

// Event is one audit record.
type Event struct {
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"`
	GuildID   string    `json:"guild_id"`
	UserID    string    `json:"user_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Sink receives audit events.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Multi fans an event out to every sink.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}

// LogSink writes events as zerolog records.
type LogSink struct {
	Log zerolog.Logger
}

// NewLogSink returns a LogSink scoped to the audit component.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{Log: log.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Emit(_ context.Context, ev Event) {
	stamp(&ev)
	s.Log.Info().
		Time("at", ev.Time).
		Str("kind", ev.Kind).
		Str("guild_id", ev.GuildID).
		Str("user_id", ev.UserID).
		Str("request_id", ev.RequestID).
		Str("channel_id", ev.ChannelID).
		Str("detail", ev.Detail).
		Msg("audit")
}

func stamp(ev *Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
}
