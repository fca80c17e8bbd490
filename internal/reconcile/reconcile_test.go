package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-voice-queue/internal/bridge"
	"github.com/tbourn/go-voice-queue/internal/bridge/bridgetest"
	"github.com/tbourn/go-voice-queue/internal/domain"
	"github.com/tbourn/go-voice-queue/internal/registry"
	"github.com/tbourn/go-voice-queue/internal/repo"
	"github.com/tbourn/go-voice-queue/internal/repo/repotest"
	"github.com/tbourn/go-voice-queue/internal/services"
)

type fixture struct {
	db       *gorm.DB
	plat     *bridgetest.Platform
	channels *registry.Channels
	access   *registry.Access
	queue    *services.QueueService
	rec      *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := repotest.NewDB(t)
	f := &fixture{
		db:       db,
		plat:     bridgetest.New(),
		channels: registry.NewChannels(),
		access:   registry.NewAccess(),
		queue:    services.NewQueueService(db, zerolog.Nop()),
	}
	f.rec = New(Deps{
		DB:       db,
		Queue:    f.queue,
		State:    f.plat,
		Bridge:   f.plat,
		Channels: f.channels,
		Access:   f.access,
	}, time.Minute, zerolog.Nop())
	f.rec.MinAge = 0
	return f
}

func (f *fixture) row(t *testing.T, id string, team bool) domain.ChannelRecord {
	t.Helper()
	rec := domain.ChannelRecord{ChannelID: id, GuildID: "G", OwnerID: "U-" + id, IsTeam: team}
	if team {
		rec.TeamType = domain.TeamTrio
	}
	if err := repo.SaveChannel(context.Background(), f.db, rec, 0); err != nil {
		t.Fatalf("save %s: %v", id, err)
	}
	return rec
}

func (f *fixture) exists(t *testing.T, id string) bool {
	t.Helper()
	_, err := repo.GetChannelRecord(context.Background(), f.db, id)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("lookup %s: %v", id, err)
	}
	return err == nil
}

func (f *fixture) sweep(t *testing.T) *Report {
	t.Helper()
	rep, err := f.rec.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	return rep
}

func TestSweep_DeletesZombie(t *testing.T) {
	f := newFixture(t)
	rec := f.row(t, "C1", false)
	f.channels.Register(rec)
	f.plat.AddChannel(bridge.ChannelInfo{ID: "C1", GuildID: "G", Voice: true})

	rep := f.sweep(t)

	if rep.ByID["C1"] != ActionDeleteZombie {
		t.Fatalf("action=%s", rep.ByID["C1"])
	}
	if f.exists(t, "C1") {
		t.Fatalf("row survived")
	}
	if d := f.plat.DeletedIDs(); len(d) != 1 || d[0] != "C1" {
		t.Fatalf("deleted=%v", d)
	}
	if f.channels.Has("G", "C1") {
		t.Fatalf("registry still has C1")
	}
}

func TestSweep_DeletesTeamZombieAndPermissionRows(t *testing.T) {
	f := newFixture(t)
	f.row(t, "T1", true)
	if err := repo.AddChannelPermission(context.Background(), f.db, &domain.ChannelPermission{
		ChannelID: "T1", TargetID: "X", TargetType: domain.OverwriteMember, Permission: domain.ChannelPermit,
	}); err != nil {
		t.Fatalf("add permission: %v", err)
	}
	f.plat.AddChannel(bridge.ChannelInfo{ID: "T1", GuildID: "G", Voice: true})

	f.sweep(t)

	if f.exists(t, "T1") {
		t.Fatalf("team row survived")
	}
	perms, err := repo.ListChannelPermissions(context.Background(), f.db, "T1")
	if err != nil || len(perms) != 0 {
		t.Fatalf("permission rows=%d err=%v", len(perms), err)
	}
}

func TestSweep_ReregistersOccupiedChannel(t *testing.T) {
	f := newFixture(t)
	f.row(t, "C2", false)
	f.plat.AddChannel(bridge.ChannelInfo{ID: "C2", GuildID: "G", Voice: true})
	f.plat.Connect("G", "someone", "C2")

	rep := f.sweep(t)

	if rep.ByID["C2"] != ActionReregister {
		t.Fatalf("action=%s", rep.ByID["C2"])
	}
	if owner, ok := f.channels.Owner("G", "C2"); !ok || owner != "U-C2" {
		t.Fatalf("registry owner=%q ok=%v", owner, ok)
	}
	if !f.exists(t, "C2") {
		t.Fatalf("row touched")
	}
	if len(f.plat.DeletedIDs()) != 0 {
		t.Fatalf("occupied channel deleted")
	}

	// Second sweep is a no-op.
	if rep := f.sweep(t); rep.ByID["C2"] != ActionKeep {
		t.Fatalf("second sweep action=%s", rep.ByID["C2"])
	}
}

func TestSweep_RemovesRowWhenChannelGone(t *testing.T) {
	f := newFixture(t)
	rec := f.row(t, "C3", false)
	f.channels.Register(rec)

	rep := f.sweep(t)

	if rep.ByID["C3"] != ActionRemoveRow {
		t.Fatalf("action=%s", rep.ByID["C3"])
	}
	if f.exists(t, "C3") || f.channels.Has("G", "C3") {
		t.Fatalf("C3 not cleaned")
	}
	if len(f.plat.DeletedIDs()) != 0 {
		t.Fatalf("DeleteVC called for missing channel")
	}
}

func TestSweep_ForbiddenIsDefinitive(t *testing.T) {
	f := newFixture(t)
	f.row(t, "C4", false)
	f.plat.ResolveErr["C4"] = fmt.Errorf("fetch: %w", bridge.ErrForbidden)

	if rep := f.sweep(t); rep.ByID["C4"] != ActionRemoveRow {
		t.Fatalf("action=%s", rep.ByID["C4"])
	}
	if f.exists(t, "C4") {
		t.Fatalf("row survived")
	}
}

func TestSweep_TransientFailureLeavesRow(t *testing.T) {
	f := newFixture(t)
	rec := f.row(t, "C5", false)
	f.channels.Register(rec)
	f.plat.ResolveErr["C5"] = errors.New("i/o timeout")

	rep := f.sweep(t)

	if rep.ByID["C5"] != ActionSkip {
		t.Fatalf("action=%s", rep.ByID["C5"])
	}
	if !f.exists(t, "C5") || !f.channels.Has("G", "C5") {
		t.Fatalf("transient failure drove cleanup")
	}
}

func TestSweep_RateLimitedResolveIsTransient(t *testing.T) {
	f := newFixture(t)
	f.row(t, "C6", false)
	f.plat.ResolveErr["C6"] = &bridge.RateLimitError{RetryAfter: time.Second}

	if rep := f.sweep(t); rep.ByID["C6"] != ActionSkip {
		t.Fatalf("action=%s", rep.ByID["C6"])
	}
	if !f.exists(t, "C6") {
		t.Fatalf("row removed on rate limit")
	}
}

func TestSweep_NonVoiceChannelRemovesRow(t *testing.T) {
	f := newFixture(t)
	f.row(t, "C7", false)
	f.plat.AddChannel(bridge.ChannelInfo{ID: "C7", GuildID: "G", Voice: false})

	if rep := f.sweep(t); rep.ByID["C7"] != ActionRemoveRow {
		t.Fatalf("action=%s", rep.ByID["C7"])
	}
	if len(f.plat.DeletedIDs()) != 0 {
		t.Fatalf("non-voice channel deleted on platform")
	}
}

func TestSweep_ZombieDeleteFailureKeepsRow(t *testing.T) {
	f := newFixture(t)
	f.row(t, "C8", false)
	f.plat.AddChannel(bridge.ChannelInfo{ID: "C8", GuildID: "G", Voice: true})
	f.plat.DeleteErr = errors.New("502 bad gateway")

	rep := f.sweep(t)

	if rep.ByID["C8"] != ActionSkip || rep.Errors != 1 {
		t.Fatalf("action=%s errors=%d", rep.ByID["C8"], rep.Errors)
	}
	if !f.exists(t, "C8") {
		t.Fatalf("row deleted although platform delete failed")
	}
}

func TestSweep_YoungEmptyChannelIsKept(t *testing.T) {
	f := newFixture(t)
	f.rec.MinAge = time.Hour
	f.row(t, "C9", false)
	f.plat.AddChannel(bridge.ChannelInfo{ID: "C9", GuildID: "G", Voice: true})

	rep := f.sweep(t)

	if rep.ByID["C9"] != ActionReregister {
		t.Fatalf("action=%s", rep.ByID["C9"])
	}
	if !f.exists(t, "C9") || len(f.plat.DeletedIDs()) != 0 {
		t.Fatalf("young channel swept")
	}

	f.rec.Now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if rep := f.sweep(t); rep.ByID["C9"] != ActionDeleteZombie {
		t.Fatalf("aged action=%s", rep.ByID["C9"])
	}
}

func TestSweep_PrunesRegistryEntriesWithoutRows(t *testing.T) {
	f := newFixture(t)
	f.channels.Register(domain.ChannelRecord{ChannelID: "ghost", GuildID: "G", OwnerID: "U"})

	rep := f.sweep(t)

	if rep.Pruned != 1 || f.channels.Len() != 0 {
		t.Fatalf("pruned=%d len=%d", rep.Pruned, f.channels.Len())
	}
}

func TestSweep_KeepsEntriesRegisteredDuringSweep(t *testing.T) {
	f := newFixture(t)
	f.row(t, "C1", false)
	f.plat.AddChannel(bridge.ChannelInfo{ID: "C1", GuildID: "G", Voice: true, Occupants: 1})
	fresh := domain.ChannelRecord{ChannelID: "C2", GuildID: "G", OwnerID: "U2"}
	f.plat.OnResolve = func(string) { f.channels.Register(fresh) }

	rep := f.sweep(t)

	if rep.Pruned != 0 {
		t.Fatalf("pruned=%d, want 0", rep.Pruned)
	}
	if !f.channels.Has("G", "C2") {
		t.Fatalf("channel registered mid-sweep was pruned")
	}
	if !f.channels.Has("G", "C1") {
		t.Fatalf("occupied row not registered")
	}
}

func TestStartup_RecoversRequestsGrantsAndRegistry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, _, err := f.queue.CreateRequest(ctx, services.NewRequest{
		UserID: "U", GuildID: "G", Type: domain.RequestPVC, ChannelName: "room",
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if err := f.queue.MarkProcessing(ctx, r.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := repo.CreatePermanentAccess(ctx, f.db, &domain.PermanentAccess{
		GuildID: "G", OwnerID: "U", TargetID: "F", TargetType: domain.OverwriteMember,
	}); err != nil {
		t.Fatalf("CreatePermanentAccess: %v", err)
	}
	f.row(t, "LIVE", false)
	f.plat.AddChannel(bridge.ChannelInfo{ID: "LIVE", GuildID: "G", Voice: true})
	f.plat.Connect("G", "someone", "LIVE")

	rep, err := f.rec.Startup(ctx)
	if err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if rep.Pending != 1 || rep.Grants != 1 {
		t.Fatalf("report=%+v", rep)
	}
	got, _ := f.queue.GetRequest(ctx, r.ID)
	if got.Status != domain.StatusPending {
		t.Fatalf("request status=%s", got.Status)
	}
	if len(f.access.For("G", "U")) != 1 {
		t.Fatalf("grants not loaded")
	}
	if !f.channels.Has("G", "LIVE") {
		t.Fatalf("registry not rebuilt")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.rec.Interval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.rec.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}
