package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-voice-queue/internal/domain"
)

// Platform JSON error codes the mapping cares about.
const (
	codeUnknownChannel     = 10003
	codeUnknownGuild       = 10004
	codeUnknownMember      = 10007
	codeMissingAccess      = 50001
	codeMissingPermissions = 50013
	codeInvalidFormBody    = 50035
)

// Discord implements Bridge and State over a discordgo session.
//
// The session's own rate-limit retry is disabled: 429s surface as
// *RateLimitError so the worker can pause the whole pool instead of sleeping
// inside a single request.
type Discord struct {
	S   *discordgo.Session
	Log zerolog.Logger
}

var (
	_ Bridge = (*Discord)(nil)
	_ State  = (*Discord)(nil)
)

// NewDiscord creates a bot session for token. The gateway is not opened;
// call Open once event handlers are attached.
func NewDiscord(token string, log zerolog.Logger) (*Discord, error) {
	if token == "" {
		return nil, errors.New("discord: bot token is required")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: new session: %w", err)
	}
	s.ShouldRetryOnRateLimit = false
	s.StateEnabled = true
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMembers
	return &Discord{S: s, Log: log.With().Str("component", "discord").Logger()}, nil
}

// Open connects the gateway.
func (d *Discord) Open() error { return d.S.Open() }

// Close disconnects the gateway.
func (d *Discord) Close() error { return d.S.Close() }

// CreateVC implements Bridge.
func (d *Discord) CreateVC(ctx context.Context, p CreateParams) (string, error) {
	ows := make([]*discordgo.PermissionOverwrite, 0, len(p.Overwrites))
	for _, o := range p.Overwrites {
		ows = append(ows, &discordgo.PermissionOverwrite{
			ID:    o.ID,
			Type:  overwriteType(o.Type),
			Allow: int64(o.Allow),
			Deny:  int64(o.Deny),
		})
	}
	ch, err := d.S.GuildChannelCreateComplex(p.GuildID, discordgo.GuildChannelCreateData{
		Name:                 p.ChannelName,
		Type:                 discordgo.ChannelTypeGuildVoice,
		ParentID:             p.ParentID,
		UserLimit:            p.UserLimit,
		PermissionOverwrites: ows,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", mapError(err)
	}
	d.Log.Debug().Str("guild_id", p.GuildID).Str("channel_id", ch.ID).Msg("voice channel created")
	return ch.ID, nil
}

// DeleteVC implements Bridge.
func (d *Discord) DeleteVC(ctx context.Context, guildID, channelID string, isTeam bool) error {
	if _, err := d.S.ChannelDelete(channelID, discordgo.WithContext(ctx)); err != nil {
		return mapError(err)
	}
	d.Log.Debug().Str("guild_id", guildID).Str("channel_id", channelID).Bool("team", isTeam).Msg("voice channel deleted")
	return nil
}

// EditPermission implements Bridge.
func (d *Discord) EditPermission(ctx context.Context, p EditParams) error {
	err := d.S.ChannelPermissionSet(p.ChannelID, p.TargetID, overwriteType(p.TargetType),
		int64(p.Allow), int64(p.Deny), discordgo.WithContext(ctx))
	return mapError(err)
}

// MemberVoiceChannel implements State.
func (d *Discord) MemberVoiceChannel(_ context.Context, guildID, userID string) (string, error) {
	if _, err := d.cachedGuild(guildID); err != nil {
		return "", err
	}
	vs, err := d.S.State.VoiceState(guildID, userID)
	if errors.Is(err, discordgo.ErrStateNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return vs.ChannelID, nil
}

// ResolveChannel implements State.
func (d *Discord) ResolveChannel(ctx context.Context, channelID string) (ChannelInfo, error) {
	ch, err := d.S.State.Channel(channelID)
	if err != nil {
		ch, err = d.S.Channel(channelID, discordgo.WithContext(ctx))
		if err != nil {
			return ChannelInfo{}, mapError(err)
		}
	}
	info := ChannelInfo{
		ID:      ch.ID,
		GuildID: ch.GuildID,
		Voice:   ch.Type == discordgo.ChannelTypeGuildVoice || ch.Type == discordgo.ChannelTypeGuildStageVoice,
	}
	if !info.Voice {
		return info, nil
	}
	n, err := d.occupants(ch.GuildID, ch.ID)
	if err != nil {
		return ChannelInfo{}, err
	}
	info.Occupants = n
	return info, nil
}

// occupants counts non-bot members connected to channelID. Occupancy is only
// known from the gateway cache, so a missing guild is a transient error.
func (d *Discord) occupants(guildID, channelID string) (int, error) {
	g, err := d.cachedGuild(guildID)
	if err != nil {
		return 0, err
	}

	type conn struct {
		userID string
		bot    bool
		known  bool
	}
	d.S.State.RLock()
	conns := make([]conn, 0, 4)
	for _, vs := range g.VoiceStates {
		if vs.ChannelID != channelID {
			continue
		}
		c := conn{userID: vs.UserID}
		if vs.Member != nil && vs.Member.User != nil {
			c.bot, c.known = vs.Member.User.Bot, true
		}
		conns = append(conns, c)
	}
	d.S.State.RUnlock()

	n := 0
	for _, c := range conns {
		if !c.known {
			if m, err := d.S.State.Member(guildID, c.userID); err == nil && m.User != nil {
				c.bot = m.User.Bot
			}
		}
		if !c.bot {
			n++
		}
	}
	return n, nil
}

// cachedGuild returns guildID from the gateway cache. READY only seeds
// unavailable stubs without voice states; until the guild's GUILD_CREATE
// lands it is reported as ErrGuildLoading.
func (d *Discord) cachedGuild(guildID string) (*discordgo.Guild, error) {
	g, err := d.S.State.Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("guild %s not cached: %w", guildID, ErrGuildUnavailable)
	}
	d.S.State.RLock()
	unavailable := g.Unavailable
	d.S.State.RUnlock()
	if unavailable {
		return nil, fmt.Errorf("guild %s: %w", guildID, ErrGuildLoading)
	}
	return g, nil
}

// pendingGuilds counts cached guilds still waiting for their GUILD_CREATE.
func (d *Discord) pendingGuilds() int {
	d.S.State.RLock()
	defer d.S.State.RUnlock()
	n := 0
	for _, g := range d.S.State.Guilds {
		if g.Unavailable {
			n++
		}
	}
	return n
}

// WaitGuilds blocks until every guild announced in READY has been fully
// loaded, ctx is done, or timeout elapses. It reports how many guilds were
// still unavailable when it returned.
func (d *Discord) WaitGuilds(ctx context.Context, timeout, poll time.Duration) int {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		n := d.pendingGuilds()
		if n == 0 {
			return 0
		}
		select {
		case <-ctx.Done():
			return n
		case <-deadline.C:
			return n
		case <-t.C:
		}
	}
}

// MoveMember implements State.
func (d *Discord) MoveMember(ctx context.Context, guildID, userID, channelID string) error {
	return mapError(d.S.GuildMemberMove(guildID, userID, &channelID, discordgo.WithContext(ctx)))
}

// SendMessage implements State.
func (d *Discord) SendMessage(ctx context.Context, channelID, content string) error {
	_, err := d.S.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	return mapError(err)
}

func overwriteType(t domain.OverwriteType) discordgo.PermissionOverwriteType {
	if t == domain.OverwriteMember {
		return discordgo.PermissionOverwriteTypeMember
	}
	return discordgo.PermissionOverwriteTypeRole
}

// mapError converts discordgo errors into the bridge taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) && rl.RateLimit != nil && rl.TooManyRequests != nil {
		return &RateLimitError{RetryAfter: rl.RetryAfter, Message: rl.Message}
	}
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return err
	}
	status, code := 0, 0
	if rest.Response != nil {
		status = rest.Response.StatusCode
	}
	if rest.Message != nil {
		code = rest.Message.Code
	}
	switch {
	case status == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfterHeader(rest.Response), Message: string(rest.ResponseBody)}
	case code == codeUnknownChannel || code == codeUnknownGuild || code == codeUnknownMember || status == http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case code == codeMissingAccess || code == codeMissingPermissions || status == http.StatusForbidden:
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	case code == codeInvalidFormBody || status == http.StatusBadRequest:
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	return err
}

func retryAfterHeader(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v, err := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64)
	if err != nil || v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}
