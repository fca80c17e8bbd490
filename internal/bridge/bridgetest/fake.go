// Package bridgetest provides an in-memory platform for tests of packages that
// drive the bridge.
package bridgetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/tbourn/go-voice-queue/internal/bridge"
)

// Platform fakes both bridge.Bridge and bridge.State. Zero value is not
// usable; call New.
type Platform struct {
	mu sync.Mutex

	// CreateErr, when non-nil, is returned by the next CreateVC calls until
	// cleared. CreateErrs is consumed first, one error per call.
	CreateErr  error
	CreateErrs []error
	DeleteErr  error
	EditErr    error
	MoveErr    error
	ResolveErr map[string]error
	// OnResolve, when set, runs at the start of every ResolveChannel call
	// without the platform lock held.
	OnResolve func(channelID string)

	// Voice maps guild → user → connected channel.
	Voice map[string]map[string]string
	// Channels holds the live channels by id.
	Channels map[string]bridge.ChannelInfo
	// Unavailable lists guilds missing from the cache.
	Unavailable map[string]bool
	// Loading lists guilds whose GUILD_CREATE has not arrived.
	Loading map[string]bool

	Created  []bridge.CreateParams
	Deleted  []string
	Edits    []bridge.EditParams
	Moves    []string
	Messages []string

	seq int
}

var (
	_ bridge.Bridge = (*Platform)(nil)
	_ bridge.State  = (*Platform)(nil)
)

// New returns an empty platform.
func New() *Platform {
	return &Platform{
		Voice:       make(map[string]map[string]string),
		Channels:    make(map[string]bridge.ChannelInfo),
		Unavailable: make(map[string]bool),
		Loading:     make(map[string]bool),
		ResolveErr:  make(map[string]error),
	}
}

// Connect places userID in channelID.
func (p *Platform) Connect(guildID, userID, channelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Voice[guildID] == nil {
		p.Voice[guildID] = make(map[string]string)
	}
	p.Voice[guildID][userID] = channelID
}

// Disconnect removes userID from voice.
func (p *Platform) Disconnect(guildID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.Voice[guildID], userID)
}

// AddChannel registers a live channel.
func (p *Platform) AddChannel(info bridge.ChannelInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Channels[info.ID] = info
}

// CreateCount returns how many CreateVC calls succeeded.
func (p *Platform) CreateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Created)
}

// DeletedIDs returns a copy of deleted channel ids.
func (p *Platform) DeletedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Deleted...)
}

// EditCount returns how many EditPermission calls succeeded.
func (p *Platform) EditCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Edits)
}

// MessageCount returns how many messages were sent.
func (p *Platform) MessageCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Messages)
}

// CreateVC implements bridge.Bridge.
func (p *Platform) CreateVC(_ context.Context, cp bridge.CreateParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.CreateErrs) > 0 {
		err := p.CreateErrs[0]
		p.CreateErrs = p.CreateErrs[1:]
		if err != nil {
			return "", err
		}
	} else if p.CreateErr != nil {
		return "", p.CreateErr
	}
	p.seq++
	id := fmt.Sprintf("C%d", p.seq)
	p.Created = append(p.Created, cp)
	p.Channels[id] = bridge.ChannelInfo{ID: id, GuildID: cp.GuildID, Voice: true}
	return id, nil
}

// DeleteVC implements bridge.Bridge.
func (p *Platform) DeleteVC(_ context.Context, _, channelID string, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.DeleteErr != nil {
		return p.DeleteErr
	}
	if _, ok := p.Channels[channelID]; !ok {
		return fmt.Errorf("delete %s: %w", channelID, bridge.ErrNotFound)
	}
	delete(p.Channels, channelID)
	p.Deleted = append(p.Deleted, channelID)
	return nil
}

// EditPermission implements bridge.Bridge.
func (p *Platform) EditPermission(_ context.Context, ep bridge.EditParams) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.EditErr != nil {
		return p.EditErr
	}
	p.Edits = append(p.Edits, ep)
	return nil
}

// MemberVoiceChannel implements bridge.State.
func (p *Platform) MemberVoiceChannel(_ context.Context, guildID, userID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Unavailable[guildID] {
		return "", bridge.ErrGuildUnavailable
	}
	if p.Loading[guildID] {
		return "", bridge.ErrGuildLoading
	}
	return p.Voice[guildID][userID], nil
}

// ResolveChannel implements bridge.State. Occupants are counted from Voice
// when the stored info does not carry a count.
func (p *Platform) ResolveChannel(_ context.Context, channelID string) (bridge.ChannelInfo, error) {
	if p.OnResolve != nil {
		p.OnResolve(channelID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ResolveErr[channelID]; err != nil {
		return bridge.ChannelInfo{}, err
	}
	info, ok := p.Channels[channelID]
	if !ok {
		return bridge.ChannelInfo{}, fmt.Errorf("resolve %s: %w", channelID, bridge.ErrNotFound)
	}
	if p.Loading[info.GuildID] {
		return bridge.ChannelInfo{}, fmt.Errorf("resolve %s: %w", channelID, bridge.ErrGuildLoading)
	}
	n := 0
	for _, ch := range p.Voice[info.GuildID] {
		if ch == channelID {
			n++
		}
	}
	if n > info.Occupants {
		info.Occupants = n
	}
	return info, nil
}

// MoveMember implements bridge.State.
func (p *Platform) MoveMember(_ context.Context, guildID, userID, channelID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.MoveErr != nil {
		return p.MoveErr
	}
	if p.Voice[guildID] == nil {
		p.Voice[guildID] = make(map[string]string)
	}
	p.Voice[guildID][userID] = channelID
	p.Moves = append(p.Moves, userID+"->"+channelID)
	return nil
}

// SendMessage implements bridge.State.
func (p *Platform) SendMessage(_ context.Context, channelID, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Messages = append(p.Messages, channelID+": "+content)
	return nil
}
