// Package registry holds the in-process mirrors of provisioned channels and
// permanent access grants.
//
// Both are caches over the database: they are built by replaying the store at
// startup, patched by the worker on creation and by reconciliation on cleanup,
// and can be rebuilt from the database at any time. Nothing treats them as the
// source of truth. All methods are safe for concurrent use.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/tbourn/go-voice-queue/internal/domain"
)

// Channels maps guild → channel → record with a reverse (guild, owner) index.
type Channels struct {
	mu      sync.RWMutex
	byGuild map[string]map[string]domain.ChannelRecord
	byOwner map[ownerKey]map[string]struct{}
	// since records when each channel was (re)registered.
	since map[string]time.Time
}

type ownerKey struct{ guild, owner string }

// NewChannels returns an empty registry.
func NewChannels() *Channels {
	return &Channels{
		byGuild: make(map[string]map[string]domain.ChannelRecord),
		byOwner: make(map[ownerKey]map[string]struct{}),
		since:   make(map[string]time.Time),
	}
}

// Register inserts or replaces rec.
func (c *Channels) Register(rec domain.ChannelRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(rec.GuildID, rec.ChannelID)
	g, ok := c.byGuild[rec.GuildID]
	if !ok {
		g = make(map[string]domain.ChannelRecord)
		c.byGuild[rec.GuildID] = g
	}
	g[rec.ChannelID] = rec
	k := ownerKey{rec.GuildID, rec.OwnerID}
	set, ok := c.byOwner[k]
	if !ok {
		set = make(map[string]struct{})
		c.byOwner[k] = set
	}
	set[rec.ChannelID] = struct{}{}
	c.since[rec.ChannelID] = time.Now()
}

// Unregister removes the channel, reporting whether it was present.
func (c *Channels) Unregister(guildID, channelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(guildID, channelID)
}

func (c *Channels) removeLocked(guildID, channelID string) bool {
	g, ok := c.byGuild[guildID]
	if !ok {
		return false
	}
	rec, ok := g[channelID]
	if !ok {
		return false
	}
	delete(g, channelID)
	delete(c.since, channelID)
	if len(g) == 0 {
		delete(c.byGuild, guildID)
	}
	k := ownerKey{guildID, rec.OwnerID}
	if set, ok := c.byOwner[k]; ok {
		delete(set, channelID)
		if len(set) == 0 {
			delete(c.byOwner, k)
		}
	}
	return true
}

// Get returns the record for channelID in guildID.
func (c *Channels) Get(guildID, channelID string) (domain.ChannelRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.byGuild[guildID][channelID]
	return rec, ok
}

// Has reports whether the channel is registered.
func (c *Channels) Has(guildID, channelID string) bool {
	_, ok := c.Get(guildID, channelID)
	return ok
}

// RegisteredAt returns when channelID was last registered in guildID.
func (c *Channels) RegisteredAt(guildID, channelID string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.byGuild[guildID][channelID]; !ok {
		return time.Time{}, false
	}
	return c.since[channelID], true
}

// UnregisterIfBefore removes the channel unless it was registered after t.
// It reports whether the channel was removed.
func (c *Channels) UnregisterIfBefore(guildID, channelID string, t time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byGuild[guildID][channelID]; !ok {
		return false
	}
	if c.since[channelID].After(t) {
		return false
	}
	return c.removeLocked(guildID, channelID)
}

// Owner returns the owner of channelID in guildID.
func (c *Channels) Owner(guildID, channelID string) (string, bool) {
	rec, ok := c.Get(guildID, channelID)
	return rec.OwnerID, ok
}

// OwnedBy returns the channels ownerID holds in guildID, sorted by id.
func (c *Channels) OwnedBy(guildID, ownerID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set := c.byOwner[ownerKey{guildID, ownerID}]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Guild returns a snapshot of the guild's records sorted by channel id.
func (c *Channels) Guild(guildID string) []domain.ChannelRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g := c.byGuild[guildID]
	out := make([]domain.ChannelRecord, 0, len(g))
	for _, rec := range g {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// All returns a snapshot of every record, sorted by guild then channel id.
func (c *Channels) All() []domain.ChannelRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.ChannelRecord, 0)
	for _, g := range c.byGuild {
		for _, rec := range g {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GuildID != out[j].GuildID {
			return out[i].GuildID < out[j].GuildID
		}
		return out[i].ChannelID < out[j].ChannelID
	})
	return out
}

// Len returns the number of registered channels.
func (c *Channels) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, g := range c.byGuild {
		n += len(g)
	}
	return n
}

// Replace discards the current contents and loads recs.
func (c *Channels) Replace(recs []domain.ChannelRecord) {
	c.mu.Lock()
	c.byGuild = make(map[string]map[string]domain.ChannelRecord)
	c.byOwner = make(map[ownerKey]map[string]struct{})
	c.since = make(map[string]time.Time)
	c.mu.Unlock()
	for _, r := range recs {
		c.Register(r)
	}
}
