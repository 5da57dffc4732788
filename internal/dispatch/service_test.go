package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"castdeck/internal/domain"
	"castdeck/internal/eventbus"
	"castdeck/internal/publisher"
	"castdeck/internal/store"
	"castdeck/pkg/logx"
)

func testConfig() Config {
	return Config{
		Enabled:        true,
		PollInterval:   time.Hour, // cycles are driven manually in tests
		Workers:        1,
		RetryMax:       3,
		RetryBase:      time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
		PublishTimeout: time.Second,
		ClaimTimeout:   time.Minute,
	}
}

type fixture struct {
	st    store.Store
	fake  *publisher.Fake
	owner domain.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	u, err := st.GetOrCreateUser(context.Background(), 1, "alice", "Alice", "")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	return &fixture{st: st, fake: &publisher.Fake{}, owner: u}
}

// schedule creates a draft plus a pending schedule due at the given time.
func (f *fixture) schedule(t *testing.T, content string, at time.Time) domain.ScheduledPost {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	d := domain.Draft{
		ID: store.NewID(), OwnerID: f.owner.ID, Content: content,
		Status: domain.DraftDraft, CreatedAt: now, UpdatedAt: now,
	}
	if err := f.st.CreateDraft(ctx, d); err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	sp := domain.ScheduledPost{
		ID: store.NewID(), DraftID: d.ID, OwnerID: f.owner.ID,
		ScheduledTime: at.UTC(), Status: domain.SchedulePending,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := f.st.ScheduleDraft(ctx, sp); err != nil {
		t.Fatalf("ScheduleDraft: %v", err)
	}
	return sp
}

func TestRunCyclePublishesOverduePost(t *testing.T) {
	f := newFixture(t)
	sp := f.schedule(t, "Hello Farcaster", time.Now().UTC().Add(-time.Minute))

	svc := New(testConfig(), f.st, f.fake, nil, logx.Nop())
	stats, err := svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if stats.Due != 1 || stats.Claimed != 1 || stats.Posted != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if calls := f.fake.Calls(); len(calls) != 1 || calls[0] != "Hello Farcaster" {
		t.Fatalf("published = %v", calls)
	}

	got, err := f.st.GetScheduled(context.Background(), f.owner.ID, sp.ID)
	if err != nil {
		t.Fatalf("GetScheduled: %v", err)
	}
	if got.Status != domain.SchedulePosted {
		t.Fatalf("schedule status = %s, want posted", got.Status)
	}
	d, _ := f.st.GetDraft(context.Background(), f.owner.ID, sp.DraftID)
	if d.Status != domain.DraftPosted {
		t.Fatalf("draft status = %s, want posted", d.Status)
	}

	// A second cycle finds nothing; the cast must not go out twice.
	stats, err = svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if stats.Due != 0 || f.fake.Attempts() != 1 {
		t.Fatalf("second cycle republished: stats=%+v attempts=%d", stats, f.fake.Attempts())
	}
}

func TestFuturePostIsNotTouched(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, "later", time.Now().UTC().Add(time.Hour))

	svc := New(testConfig(), f.st, f.fake, nil, logx.Nop())
	stats, err := svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if stats.Due != 0 || f.fake.Attempts() != 0 {
		t.Fatalf("future post dispatched: stats=%+v", stats)
	}
}

func TestTransientFailureRetriesToCeiling(t *testing.T) {
	f := newFixture(t)
	f.fake.FailAlways = true
	sp := f.schedule(t, "never lands", time.Now().UTC().Add(-time.Minute))

	cfg := testConfig()
	svc := New(cfg, f.st, f.fake, nil, logx.Nop())

	// Attempts 1 and 2 are retried; attempt 3 hits the ceiling.
	for i := 1; i <= cfg.RetryMax; i++ {
		time.Sleep(5 * time.Millisecond) // let the pushed-forward time pass
		stats, err := svc.RunCycle(context.Background())
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		got, _ := f.st.GetScheduled(context.Background(), f.owner.ID, sp.ID)
		if got.AttemptCount != i {
			t.Fatalf("cycle %d: attempts = %d, want %d", i, got.AttemptCount, i)
		}
		if i < cfg.RetryMax {
			if stats.Retried != 1 || got.Status != domain.SchedulePending {
				t.Fatalf("cycle %d: stats=%+v status=%s", i, stats, got.Status)
			}
		} else {
			if stats.Failed != 1 || got.Status != domain.ScheduleFailed {
				t.Fatalf("final cycle: stats=%+v status=%s", stats, got.Status)
			}
		}
	}

	got, _ := f.st.GetScheduled(context.Background(), f.owner.ID, sp.ID)
	if got.AttemptCount != cfg.RetryMax {
		t.Fatalf("terminal attempts = %d, want %d", got.AttemptCount, cfg.RetryMax)
	}
	if got.LastError == "" {
		t.Fatal("terminal row lost its last error")
	}
	d, _ := f.st.GetDraft(context.Background(), f.owner.ID, sp.DraftID)
	if d.Status != domain.DraftFailed {
		t.Fatalf("draft status = %s, want failed", d.Status)
	}
}

func TestTerminalErrorFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	f.fake.FailAlways = true
	f.fake.Terminal = true
	sp := f.schedule(t, "rejected", time.Now().UTC().Add(-time.Minute))

	svc := New(testConfig(), f.st, f.fake, nil, logx.Nop())
	stats, err := svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if stats.Failed != 1 || stats.Retried != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	got, _ := f.st.GetScheduled(context.Background(), f.owner.ID, sp.ID)
	if got.Status != domain.ScheduleFailed || got.AttemptCount != 1 {
		t.Fatalf("status=%s attempts=%d", got.Status, got.AttemptCount)
	}
}

func TestTransientThenSuccess(t *testing.T) {
	f := newFixture(t)
	f.fake.FailFirst = 1
	sp := f.schedule(t, "second try", time.Now().UTC().Add(-time.Minute))

	svc := New(testConfig(), f.st, f.fake, nil, logx.Nop())
	if stats, _ := svc.RunCycle(context.Background()); stats.Retried != 1 {
		t.Fatalf("first cycle stats = %+v", stats)
	}
	time.Sleep(5 * time.Millisecond)
	if stats, _ := svc.RunCycle(context.Background()); stats.Posted != 1 {
		t.Fatalf("second cycle stats = %+v", stats)
	}
	got, _ := f.st.GetScheduled(context.Background(), f.owner.ID, sp.ID)
	if got.Status != domain.SchedulePosted || got.AttemptCount != 1 {
		t.Fatalf("status=%s attempts=%d", got.Status, got.AttemptCount)
	}
}

func TestConcurrentCyclesPublishOnce(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, "contested", time.Now().UTC().Add(-time.Minute))

	// Two replicas over the same store, racing full cycles.
	a := New(testConfig(), f.st, f.fake, nil, logx.Nop())
	b := New(testConfig(), f.st, f.fake, nil, logx.Nop())

	var wg sync.WaitGroup
	for _, svc := range []*Service{a, b} {
		wg.Add(1)
		go func(s *Service) {
			defer wg.Done()
			if _, err := s.RunCycle(context.Background()); err != nil {
				t.Errorf("RunCycle: %v", err)
			}
		}(svc)
	}
	wg.Wait()

	if n := f.fake.Attempts(); n != 1 {
		t.Fatalf("publish attempts = %d, want 1", n)
	}
}

func TestTiesPublishInCreationOrder(t *testing.T) {
	f := newFixture(t)
	at := time.Now().UTC().Add(-time.Minute)
	f.schedule(t, "first", at)
	f.schedule(t, "second", at)

	svc := New(testConfig(), f.st, f.fake, nil, logx.Nop())
	if _, err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	calls := f.fake.Calls()
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Fatalf("publish order = %v", calls)
	}
}

// draftGoneStore simulates a draft deleted between claim and publish.
type draftGoneStore struct {
	store.Store
	goneID string
}

func (s *draftGoneStore) GetDraft(ctx context.Context, ownerID, id string) (domain.Draft, error) {
	if id == s.goneID {
		return domain.Draft{}, domain.NotFoundf("draft %s", id)
	}
	return s.Store.GetDraft(ctx, ownerID, id)
}

func TestDeletedDraftCancelsSilently(t *testing.T) {
	f := newFixture(t)
	sp := f.schedule(t, "ghost", time.Now().UTC().Add(-time.Minute))

	svc := New(testConfig(), &draftGoneStore{Store: f.st, goneID: sp.DraftID}, f.fake, nil, logx.Nop())
	stats, err := svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if stats.Cancelled != 1 || stats.Posted != 0 || stats.Failed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if f.fake.Attempts() != 0 {
		t.Fatal("published a deleted draft")
	}
	got, _ := f.st.GetScheduled(context.Background(), f.owner.ID, sp.ID)
	if got.Status != domain.ScheduleCancelled {
		t.Fatalf("schedule status = %s, want cancelled", got.Status)
	}
}

func TestStaleClaimIsReclaimedAndPublished(t *testing.T) {
	f := newFixture(t)
	sp := f.schedule(t, "orphaned", time.Now().UTC().Add(-time.Minute))

	// Simulate a claimer that died mid-flight.
	if ok, _ := f.st.ClaimSchedule(context.Background(), sp.ID); !ok {
		t.Fatal("setup claim refused")
	}

	cfg := testConfig()
	cfg.ClaimTimeout = time.Millisecond
	time.Sleep(5 * time.Millisecond)

	svc := New(cfg, f.st, f.fake, nil, logx.Nop())
	stats, err := svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if stats.Reclaimed != 1 || stats.Posted != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	got, _ := f.st.GetScheduled(context.Background(), f.owner.ID, sp.ID)
	if got.Status != domain.SchedulePosted {
		t.Fatalf("schedule status = %s, want posted", got.Status)
	}
	// The interrupted attempt is charged.
	if got.AttemptCount != 1 {
		t.Fatalf("attempts = %d, want 1", got.AttemptCount)
	}
}

func TestDispatchEventsOnBus(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, "observed", time.Now().UTC().Add(-time.Minute))

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	svc := New(testConfig(), f.st, f.fake, bus, logx.Nop())
	if _, err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	if len(types) != 2 || types[0] != eventbus.TypeCastClaimed || types[1] != eventbus.TypeCastPosted {
		t.Fatalf("event types = %v", types)
	}
}

func TestStartStopApply(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig()
	svc := New(cfg, f.st, f.fake, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.Start(ctx)
	if !svc.Enabled() {
		t.Fatal("service not enabled after start")
	}

	cfg.Enabled = false
	svc.Apply(cfg)
	if svc.Enabled() {
		t.Fatal("service still enabled after disable")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	svc.Stop(stopCtx)
}

func TestApplyRestartKeepsRunContext(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig()
	svc := New(cfg, f.st, f.fake, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	// Shrink the poll interval so the restarted trigger actually fires.
	cfg.PollInterval = 20 * time.Millisecond
	svc.Apply(cfg)

	f.schedule(t, "after restart", time.Now().UTC().Add(-time.Minute))
	waitForCond(t, func() bool { return len(f.fake.Calls()) == 1 })

	// Cancelling the context from Start must still silence the trigger
	// after a reload-driven restart.
	cancel()
	f.schedule(t, "after cancel", time.Now().UTC().Add(-time.Minute))
	time.Sleep(150 * time.Millisecond)
	if calls := f.fake.Calls(); len(calls) != 1 {
		t.Fatalf("published after cancel: %v", calls)
	}
}

func waitForCond(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
