package registry

import (
	"sync"

	"github.com/tbourn/go-voice-queue/internal/domain"
)

// Access indexes permanent access grants by (guild, owner).
type Access struct {
	mu     sync.RWMutex
	grants map[ownerKey][]domain.PermanentAccess
}

// NewAccess returns an empty index.
func NewAccess() *Access {
	return &Access{grants: make(map[ownerKey][]domain.PermanentAccess)}
}

// Load replaces the index with grants.
func (a *Access) Load(grants []domain.PermanentAccess) {
	m := make(map[ownerKey][]domain.PermanentAccess, len(grants))
	for _, g := range grants {
		k := ownerKey{g.GuildID, g.OwnerID}
		m[k] = append(m[k], g)
	}
	a.mu.Lock()
	a.grants = m
	a.mu.Unlock()
}

// Add appends one grant, ignoring an exact duplicate target.
func (a *Access) Add(g domain.PermanentAccess) {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := ownerKey{g.GuildID, g.OwnerID}
	for _, cur := range a.grants[k] {
		if cur.TargetID == g.TargetID {
			return
		}
	}
	a.grants[k] = append(a.grants[k], g)
}

// Remove drops the grant for targetID.
func (a *Access) Remove(guildID, ownerID, targetID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := ownerKey{guildID, ownerID}
	cur := a.grants[k]
	out := cur[:0]
	for _, g := range cur {
		if g.TargetID != targetID {
			out = append(out, g)
		}
	}
	if len(out) == 0 {
		delete(a.grants, k)
		return
	}
	a.grants[k] = out
}

// For returns a copy of the owner's grants in the guild.
func (a *Access) For(guildID, ownerID string) []domain.PermanentAccess {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cur := a.grants[ownerKey{guildID, ownerID}]
	out := make([]domain.PermanentAccess, len(cur))
	copy(out, cur)
	return out
}

// Len returns the number of grants held.
func (a *Access) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, g := range a.grants {
		n += len(g)
	}
	return n
}
