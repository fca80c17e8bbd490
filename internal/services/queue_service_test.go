package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-voice-queue/internal/domain"
	"github.com/tbourn/go-voice-queue/internal/repo"
	"github.com/tbourn/go-voice-queue/internal/repo/repotest"
)

// clock is a manually advanced time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newQueue(t *testing.T) (*QueueService, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewQueueService(repotest.NewDB(t), zerolog.Nop())
	s.Now = clk.Now
	return s, clk
}

func enqueue(t *testing.T, s *QueueService, user, guild string, prio *int) *domain.CreationRequest {
	t.Helper()
	r, created, err := s.CreateRequest(context.Background(), NewRequest{
		UserID: user, GuildID: guild, Type: domain.RequestPVC, Priority: prio, ChannelName: user + "'s channel",
	})
	if err != nil {
		t.Fatalf("CreateRequest(%s,%s): %v", user, guild, err)
	}
	if !created {
		t.Fatalf("CreateRequest(%s,%s): expected created", user, guild)
	}
	return r
}

func intp(v int) *int { return &v }

func TestCreateRequest_Validation(t *testing.T) {
	s, _ := newQueue(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   NewRequest
		want error
	}{
		{"no user", NewRequest{GuildID: "G", Type: domain.RequestPVC, ChannelName: "x"}, ErrInvalidRequest},
		{"no guild", NewRequest{UserID: "U", Type: domain.RequestPVC, ChannelName: "x"}, ErrInvalidRequest},
		{"bad type", NewRequest{UserID: "U", GuildID: "G", Type: "DUO", ChannelName: "x"}, ErrInvalidRequest},
		{"blank name", NewRequest{UserID: "U", GuildID: "G", Type: domain.RequestPVC, ChannelName: "   "}, ErrInvalidRequest},
		{"bad payload", NewRequest{UserID: "U", GuildID: "G", Type: domain.RequestPVC, ChannelName: "x",
			Permissions: domain.PermissionSet{Version: 99}}, ErrInvalidPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := s.CreateRequest(ctx, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestCreateRequest_DedupPerUserGuild(t *testing.T) {
	s, _ := newQueue(t)
	ctx := context.Background()
	first := enqueue(t, s, "U", "G", nil)

	again, created, err := s.CreateRequest(ctx, NewRequest{UserID: "U", GuildID: "G", Type: domain.RequestTeamDuo, ChannelName: "other"})
	if err != nil || created || again.ID != first.ID {
		t.Fatalf("duplicate enqueue: id=%v created=%v err=%v", again, created, err)
	}
	if again.RequestType != domain.RequestPVC {
		t.Fatalf("existing request must be returned unchanged, got %s", again.RequestType)
	}

	// Same user in another guild is independent.
	enqueue(t, s, "U", "H", nil)

	// After a terminal state a new request may be created.
	if _, err := s.CancelRequest(ctx, "U", "G"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if fresh := enqueue(t, s, "U", "G", nil); fresh.ID == first.ID {
		t.Fatal("expected a new request after cancel")
	}
}

func TestCreateRequest_ExpiredActiveDoesNotBlock(t *testing.T) {
	s, clk := newQueue(t)
	s.TTL = time.Minute
	old := enqueue(t, s, "U", "G", nil)

	clk.Advance(2 * time.Minute)
	fresh := enqueue(t, s, "U", "G", nil)
	if fresh.ID == old.ID {
		t.Fatal("expired request blocked a new enqueue")
	}
	got, err := s.GetRequest(context.Background(), old.ID)
	if err != nil || got.Status != domain.StatusExpired {
		t.Fatalf("old request: %+v err=%v", got, err)
	}
}

func TestCreateRequest_NormalizesName(t *testing.T) {
	s, _ := newQueue(t)
	r, _, err := s.CreateRequest(context.Background(), NewRequest{
		UserID: "U", GuildID: "G", Type: domain.RequestPVC, ChannelName: "  Ａda's \t\n channel  ",
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.ChannelName != "Ada's channel" {
		t.Fatalf("name = %q", r.ChannelName)
	}
	if r.Priority != DefaultPriority || r.MaxRetries != UnlimitedRetries {
		t.Fatalf("defaults not applied: prio=%d max=%d", r.Priority, r.MaxRetries)
	}
}

func TestNextEligible_OrderAndClaims(t *testing.T) {
	s, clk := newQueue(t)
	ctx := context.Background()

	a := enqueue(t, s, "A", "G", nil)
	clk.Advance(time.Second)
	b := enqueue(t, s, "B", "G", intp(1))
	clk.Advance(time.Second)
	c := enqueue(t, s, "C", "H", nil)

	// Lower priority number first, then FIFO.
	want := []string{b.ID, a.ID, c.ID}
	for i, id := range want {
		got, err := s.GetNextRequest(ctx)
		if err != nil || got == nil || got.ID != id {
			t.Fatalf("pick %d: got %v err=%v, want %s", i, got, err, id)
		}
		if !s.Claimed(id) {
			t.Fatalf("pick %d not claimed", i)
		}
	}
	if got, _ := s.GetNextRequest(ctx); got != nil {
		t.Fatalf("everything claimed, got %s", got.ID)
	}

	s.Release(a.ID)
	if got, _ := s.GetNextRequest(ctx); got == nil || got.ID != a.ID {
		t.Fatalf("released request not handed out again: %v", got)
	}

	s.Release(c.ID)
	got, _ := s.NextEligible(ctx, func(r *domain.CreationRequest) bool { return r.GuildID != "H" })
	if got != nil {
		t.Fatalf("ineligible guild handed out: %s", got.ID)
	}
	if s.Claimed(c.ID) {
		t.Fatal("skipped row must not be claimed")
	}
}

func TestLifecycle_RetryThenComplete(t *testing.T) {
	s, clk := newQueue(t)
	ctx := context.Background()
	s.BaseDelay = 10 * time.Second
	s.MaxErrorLen = 8

	r := enqueue(t, s, "U", "G", nil)
	if err := s.MarkProcessing(ctx, r.ID); err != nil {
		t.Fatalf("processing: %v", err)
	}
	if err := s.MarkProcessing(ctx, r.ID); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("double processing: %v", err)
	}

	delay, err := s.MarkFailedAndRetry(ctx, r.ID, errors.New("discord exploded loudly"))
	if err != nil || delay != 10*time.Second {
		t.Fatalf("retry: delay=%v err=%v", delay, err)
	}
	got, _ := s.GetRequest(ctx, r.ID)
	if got.Status != domain.StatusRetrying || got.RetryCount != 1 || got.LastError == nil || *got.LastError != "discord " {
		t.Fatalf("after retry: %+v", got)
	}
	if !got.ExpiresAt.Equal(clk.Now().Add(DefaultRequestTTL)) {
		t.Fatalf("ttl did not slide: %v", got.ExpiresAt)
	}

	// Not ready until the delay passes.
	if n, _ := s.GetNextRequest(ctx); n != nil {
		t.Fatalf("retrying request dispatched early")
	}
	clk.Advance(11 * time.Second)
	if n, _ := s.GetNextRequest(ctx); n == nil || n.ID != r.ID {
		t.Fatalf("retrying request not dispatched after delay")
	}

	if err := s.MarkProcessing(ctx, r.ID); err != nil {
		t.Fatalf("processing again: %v", err)
	}
	if err := s.AttachChannel(ctx, r.ID, "C1"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := s.MarkCompleted(ctx, r.ID, "C1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ = s.GetRequest(ctx, r.ID)
	if got.Status != domain.StatusCompleted || !got.HasChannel() || got.CompletedAt == nil || got.ActiveKey != nil {
		t.Fatalf("after complete: %+v", got)
	}
	if _, err := s.MarkFailedAndRetry(ctx, r.ID, errors.New("late")); !errors.Is(err, ErrRequestNotActive) {
		t.Fatalf("retry on terminal: %v", err)
	}
	if _, err := s.GetQueuePosition(ctx, r.ID); !errors.Is(err, ErrRequestNotActive) {
		t.Fatalf("position on terminal: %v", err)
	}
}

func TestMarkFailed_IsTerminal(t *testing.T) {
	s, _ := newQueue(t)
	ctx := context.Background()
	r := enqueue(t, s, "U", "G", nil)
	if err := s.MarkFailed(ctx, r.ID, errors.New("missing permissions")); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkCancelled(ctx, r.ID, "x"); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("cancel after failed: %v", err)
	}
	if err := s.MarkCompleted(ctx, "nope", "C"); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("unknown id: %v", err)
	}
}

func TestCancelRequest(t *testing.T) {
	s, _ := newQueue(t)
	ctx := context.Background()
	if _, err := s.CancelRequest(ctx, "U", "G"); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("cancel with none: %v", err)
	}
	r := enqueue(t, s, "U", "G", nil)
	got, err := s.CancelRequest(ctx, "U", "G")
	if err != nil || got.ID != r.ID || got.Status != domain.StatusCancelled {
		t.Fatalf("cancel: %+v err=%v", got, err)
	}
	stored, _ := s.GetRequest(ctx, r.ID)
	if stored.LastError == nil || !strings.Contains(*stored.LastError, "cancelled") {
		t.Fatalf("reason not stored: %+v", stored.LastError)
	}
}

func TestGetQueuePosition(t *testing.T) {
	s, clk := newQueue(t)
	ctx := context.Background()
	a := enqueue(t, s, "A", "G", nil)
	clk.Advance(time.Second)
	b := enqueue(t, s, "B", "G", nil)
	clk.Advance(time.Second)
	urgent := enqueue(t, s, "C", "G", intp(0))

	for id, want := range map[string]int64{urgent.ID: 0, a.ID: 1, b.ID: 2} {
		if got, err := s.GetQueuePosition(ctx, id); err != nil || got != want {
			t.Fatalf("position(%s) = %d err=%v, want %d", id, got, err, want)
		}
	}
	if _, err := s.GetQueuePosition(ctx, "missing"); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("missing: %v", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	s, clk := newQueue(t)
	ctx := context.Background()
	s.TTL = time.Minute
	enqueue(t, s, "A", "G", nil)
	clk.Advance(30 * time.Second)
	b := enqueue(t, s, "B", "G", nil)
	clk.Advance(45 * time.Second)

	n, err := s.CleanupExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expired %d err=%v", n, err)
	}
	if got, _ := s.GetRequest(ctx, b.ID); got.Status != domain.StatusPending {
		t.Fatalf("fresh request expired: %s", got.Status)
	}
}

func TestLoadPendingRequests_ResetsProcessing(t *testing.T) {
	s, _ := newQueue(t)
	ctx := context.Background()
	a := enqueue(t, s, "A", "G", nil)
	b := enqueue(t, s, "B", "G", nil)
	if _, err := s.GetNextRequest(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkProcessing(ctx, a.ID); err != nil {
		t.Fatal(err)
	}

	rows, err := s.LoadPendingRequests(ctx)
	if err != nil || len(rows) != 2 {
		t.Fatalf("rows=%d err=%v", len(rows), err)
	}
	got, _ := s.GetRequest(ctx, a.ID)
	if got.Status != domain.StatusPending {
		t.Fatalf("processing not reset: %s", got.Status)
	}
	if s.Claimed(a.ID) || s.Claimed(b.ID) {
		t.Fatal("claims survive recovery")
	}
}

func TestRecoverOrphaned_SkipsClaimedRequests(t *testing.T) {
	s, _ := newQueue(t)
	ctx := context.Background()
	a := enqueue(t, s, "A", "G", nil)
	b := enqueue(t, s, "B", "G", nil)
	for range 2 {
		if r, err := s.GetNextRequest(ctx); err != nil || r == nil {
			t.Fatalf("claim: %v %v", r, err)
		}
	}
	for _, id := range []string{a.ID, b.ID} {
		if err := s.MarkProcessing(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	s.Release(a.ID)

	n, err := s.RecoverOrphaned(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reset=%d err=%v", n, err)
	}
	if got, _ := s.GetRequest(ctx, a.ID); got.Status != domain.StatusPending {
		t.Fatalf("orphan status=%s", got.Status)
	}
	if got, _ := s.GetRequest(ctx, b.ID); got.Status != domain.StatusProcessing {
		t.Fatalf("claimed request reset: %s", got.Status)
	}
}

func TestListPageAndStats(t *testing.T) {
	s, clk := newQueue(t)
	ctx := context.Background()
	for _, u := range []string{"A", "B", "C"} {
		enqueue(t, s, u, "G", nil)
		clk.Advance(time.Second)
	}
	enqueue(t, s, "D", "H", nil)
	if _, err := s.CancelRequest(ctx, "A", "G"); err != nil {
		t.Fatal(err)
	}

	items, total, err := s.ListPage(ctx, repo.RequestFilter{GuildID: "G"}, 1, 2)
	if err != nil || total != 3 || len(items) != 2 || items[0].UserID != "C" {
		t.Fatalf("page: total=%d items=%d err=%v", total, len(items), err)
	}
	items, total, _ = s.ListPage(ctx, repo.RequestFilter{Status: domain.StatusCancelled}, 0, 0)
	if total != 1 || len(items) != 1 || items[0].UserID != "A" {
		t.Fatalf("cancelled filter: total=%d", total)
	}
	if items, total, _ := s.ListPage(ctx, repo.RequestFilter{GuildID: "none"}, 1, 10); total != 0 || items == nil {
		t.Fatalf("empty page must be non-nil")
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Active != 3 || st.ByStatus[domain.StatusCancelled] != 1 || st.ByStatus[domain.StatusPending] != 3 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestNormalizeChannelName_Clips(t *testing.T) {
	long := strings.Repeat("é", 150)
	if got := NormalizeChannelName(long); len([]rune(got)) != 100 {
		t.Fatalf("runes = %d", len([]rune(got)))
	}
	if got := NormalizeChannelName("a   b"); got != "a b" {
		t.Fatalf("collapse: %q", got)
	}
}
