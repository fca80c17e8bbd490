package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/go-voice-queue/internal/domain"
)

func rec(guild, channel, owner string) domain.ChannelRecord {
	return domain.ChannelRecord{GuildID: guild, ChannelID: channel, OwnerID: owner}
}

func TestChannels_RegisterLookupUnregister(t *testing.T) {
	c := NewChannels()
	c.Register(rec("G", "C2", "U"))
	c.Register(rec("G", "C1", "U"))
	c.Register(rec("H", "C3", "V"))

	if !c.Has("G", "C1") || c.Has("H", "C1") {
		t.Fatal("lookup must be scoped by guild")
	}
	if owner, ok := c.Owner("G", "C2"); !ok || owner != "U" {
		t.Fatalf("owner = %q %v", owner, ok)
	}
	if got := c.OwnedBy("G", "U"); len(got) != 2 || got[0] != "C1" || got[1] != "C2" {
		t.Fatalf("OwnedBy = %v", got)
	}
	if got := c.Guild("G"); len(got) != 2 || got[0].ChannelID != "C1" {
		t.Fatalf("Guild = %+v", got)
	}
	if all := c.All(); len(all) != 3 || all[2].GuildID != "H" || c.Len() != 3 {
		t.Fatalf("All = %+v", all)
	}

	if !c.Unregister("G", "C1") || c.Unregister("G", "C1") {
		t.Fatal("unregister must report presence once")
	}
	if got := c.OwnedBy("G", "U"); len(got) != 1 || got[0] != "C2" {
		t.Fatalf("owner index not updated: %v", got)
	}
}

func TestChannels_ReRegisterMovesOwner(t *testing.T) {
	c := NewChannels()
	c.Register(rec("G", "C1", "U"))
	c.Register(rec("G", "C1", "V"))

	if got := c.OwnedBy("G", "U"); len(got) != 0 {
		t.Fatalf("stale owner entry: %v", got)
	}
	if got := c.OwnedBy("G", "V"); len(got) != 1 {
		t.Fatalf("new owner missing: %v", got)
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d", c.Len())
	}
}

func TestChannels_Replace(t *testing.T) {
	c := NewChannels()
	c.Register(rec("G", "OLD", "U"))
	c.Replace([]domain.ChannelRecord{rec("G", "N1", "U"), rec("H", "N2", "V")})
	if c.Has("G", "OLD") || !c.Has("G", "N1") || !c.Has("H", "N2") {
		t.Fatalf("replace: %+v", c.All())
	}
}

func TestChannels_UnregisterIfBefore(t *testing.T) {
	c := NewChannels()
	c.Register(rec("G", "C1", "U"))
	at, ok := c.RegisteredAt("G", "C1")
	if !ok || at.IsZero() {
		t.Fatalf("RegisteredAt = %v %v", at, ok)
	}

	if c.UnregisterIfBefore("G", "C1", at.Add(-time.Second)) {
		t.Fatal("entry registered after the cutoff was removed")
	}
	if !c.UnregisterIfBefore("G", "C1", at.Add(time.Second)) || c.Has("G", "C1") {
		t.Fatal("entry registered before the cutoff was kept")
	}
	if _, ok := c.RegisteredAt("G", "C1"); ok {
		t.Fatal("registration time survived removal")
	}
}

func TestChannels_ConcurrentUse(t *testing.T) {
	c := NewChannels()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := fmt.Sprintf("C%d-%d", i, j)
				c.Register(rec("G", id, "U"))
				_ = c.OwnedBy("G", "U")
				if j%2 == 0 {
					c.Unregister("G", id)
				}
			}
		}(i)
	}
	wg.Wait()
	if c.Len() != 8*50 {
		t.Fatalf("len = %d", c.Len())
	}
}

func TestAccess_Index(t *testing.T) {
	a := NewAccess()
	a.Load([]domain.PermanentAccess{
		{GuildID: "G", OwnerID: "O", TargetID: "T1"},
		{GuildID: "G", OwnerID: "O", TargetID: "T2"},
		{GuildID: "H", OwnerID: "O", TargetID: "T1"},
	})
	if a.Len() != 3 || len(a.For("G", "O")) != 2 {
		t.Fatalf("load: len=%d", a.Len())
	}

	a.Add(domain.PermanentAccess{GuildID: "G", OwnerID: "O", TargetID: "T1"})
	if len(a.For("G", "O")) != 2 {
		t.Fatal("duplicate target added")
	}

	got := a.For("G", "O")
	got[0].TargetID = "mutated"
	if a.For("G", "O")[0].TargetID == "mutated" {
		t.Fatal("For must return a copy")
	}

	a.Remove("G", "O", "T1")
	a.Remove("G", "O", "T2")
	if len(a.For("G", "O")) != 0 || a.Len() != 1 {
		t.Fatalf("remove: len=%d", a.Len())
	}
	a.Remove("X", "Y", "Z")
}
