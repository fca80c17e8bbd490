// Package bot turns platform voice-state events into queue operations.
//
// Joining a configured interface channel enqueues a creation request for the
// member; leaving it cancels the member's active request. Everything else,
// including provisioning and moving the member, happens in the worker pool.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-voice-queue/internal/domain"
	"github.com/tbourn/go-voice-queue/internal/registry"
	"github.com/tbourn/go-voice-queue/internal/services"
	"github.com/tbourn/go-voice-queue/internal/sysutil"
)

// DefaultTimeout bounds the queue work done for one event.
const DefaultTimeout = 10 * time.Second

// OwnerAllow is granted to the requesting member on the new channel.
const OwnerAllow = domain.PermViewChannel | domain.PermConnect | domain.PermSpeak |
	domain.PermStream | domain.PermManageChannels | domain.PermMoveMembers | domain.PermMuteMembers

// Queue is the subset of the queue service the handler drives.
type Queue interface {
	CreateRequest(ctx context.Context, in services.NewRequest) (*domain.CreationRequest, bool, error)
	CancelRequest(ctx context.Context, userID, guildID string) (*domain.CreationRequest, error)
}

// Settings resolves guild configuration.
type Settings interface {
	Get(ctx context.Context, guildID string) (*domain.GuildSettings, error)
}

// VoiceEvent is a platform-neutral voice-state change. Before and After are
// channel ids; "" means not connected.
type VoiceEvent struct {
	GuildID     string
	UserID      string
	DisplayName string
	Bot         bool
	Before      string
	After       string
}

// Outcome names what the handler did with an event.
type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeEnqueued  Outcome = "enqueued"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeCancelled Outcome = "cancelled"
)

// Handler maps voice events onto the queue.
type Handler struct {
	Queue    Queue
	Settings Settings
	Channels *registry.Channels
	Timeout  time.Duration

	log zerolog.Logger
}

// NewHandler returns a Handler. channels may be nil.
func NewHandler(q Queue, s Settings, channels *registry.Channels, log zerolog.Logger) *Handler {
	return &Handler{
		Queue:    q,
		Settings: s,
		Channels: channels,
		Timeout:  DefaultTimeout,
		log:      log.With().Str("component", "bot").Logger(),
	}
}

// HandleVoiceState applies one event. Leaving an interface is handled before
// joining one, so hopping between interfaces replaces the request.
func (h *Handler) HandleVoiceState(ctx context.Context, ev VoiceEvent) (Outcome, error) {
	if ev.Bot || ev.GuildID == "" || ev.UserID == "" || ev.Before == ev.After {
		return OutcomeIgnored, nil
	}
	gs, err := h.Settings.Get(ctx, ev.GuildID)
	if errors.Is(err, services.ErrGuildNotConfigured) {
		return OutcomeIgnored, nil
	}
	if err != nil {
		return OutcomeIgnored, err
	}

	out := OutcomeIgnored
	if _, ok := gs.RequestTypeForInterface(ev.Before); ok && !h.ownsChannel(ev.GuildID, ev.UserID, ev.After) {
		if _, err := h.Queue.CancelRequest(ctx, ev.UserID, ev.GuildID); err == nil {
			out = OutcomeCancelled
			h.log.Info().Str("guild_id", ev.GuildID).Str("user_id", ev.UserID).Msg("request cancelled: member left interface")
		} else if !errors.Is(err, services.ErrRequestNotFound) {
			return out, err
		}
	}

	t, ok := gs.RequestTypeForInterface(ev.After)
	if !ok {
		return out, nil
	}
	r, created, err := h.Queue.CreateRequest(ctx, services.NewRequest{
		UserID:      ev.UserID,
		GuildID:     ev.GuildID,
		Type:        t,
		ChannelName: ChannelName(ev.DisplayName, t),
		ParentID:    gs.CategoryFor(t),
		Permissions: OwnerPermissions(ev.UserID),
	})
	if err != nil {
		return out, fmt.Errorf("enqueue: %w", err)
	}
	if !created {
		return OutcomeDuplicate, nil
	}
	h.log.Info().
		Str("guild_id", ev.GuildID).
		Str("user_id", ev.UserID).
		Str("request_id", r.ID).
		Str("type", string(t)).
		Msg("request enqueued from interface")
	return OutcomeEnqueued, nil
}

// ownsChannel reports whether channelID is a channel provisioned for userID;
// the worker moving an owner out of the interface must not cancel anything.
func (h *Handler) ownsChannel(guildID, userID, channelID string) bool {
	if h.Channels == nil || channelID == "" {
		return false
	}
	owner, ok := h.Channels.Owner(guildID, channelID)
	return ok && owner == userID
}

// ChannelName derives the new channel's name from the member's display name.
func ChannelName(display string, t domain.RequestType) string {
	display = strings.TrimSpace(display)
	if display == "" {
		display = "Member"
	}
	switch tt := t.TeamType(); tt {
	case "":
		return display + "'s channel"
	default:
		return display + "'s " + strings.ToLower(string(tt))
	}
}

// OwnerPermissions is the payload enqueued for a member's own channel.
func OwnerPermissions(userID string) domain.PermissionSet {
	return domain.PermissionSet{
		Version: domain.PermissionSchemaVersion,
		Overwrites: []domain.Overwrite{
			{ID: userID, Type: domain.OverwriteMember, Allow: OwnerAllow},
		},
	}
}

// Attach registers the handler on a discordgo session.
func (h *Handler) Attach(s *discordgo.Session) func() {
	return s.AddHandler(func(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
		ev := FromDiscord(vs)
		ctx, cancel := context.WithTimeout(context.Background(), h.Timeout)
		defer cancel()
		out, err := h.HandleVoiceState(ctx, ev)
		if err != nil {
			h.log.Error().Err(err).Str("guild_id", ev.GuildID).Str("user_id", ev.UserID).Msg("voice state handling failed")
			return
		}
		h.log.Debug().Str("outcome", string(out)).Str("guild_id", ev.GuildID).Str("user_id", ev.UserID).Msg("voice state")
	})
}

// FromDiscord converts a gateway voice-state update.
func FromDiscord(vs *discordgo.VoiceStateUpdate) VoiceEvent {
	ev := VoiceEvent{}
	if vs == nil || vs.VoiceState == nil {
		return ev
	}
	ev.GuildID = vs.GuildID
	ev.UserID = vs.UserID
	ev.After = vs.ChannelID
	if vs.BeforeUpdate != nil {
		ev.Before = vs.BeforeUpdate.ChannelID
	}
	if m := vs.Member; m != nil {
		ev.DisplayName = m.Nick
		if u := m.User; u != nil {
			ev.Bot = u.Bot
			if ev.DisplayName == "" {
				ev.DisplayName = sysutil.FirstNonEmpty(u.GlobalName, u.Username)
			}
		}
	}
	return ev
}
