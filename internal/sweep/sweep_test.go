package sweep_test

import (
	"context"
	"testing"
	"time"

	"bidline/internal/config"
	"bidline/internal/db"
	"bidline/internal/domain"
	"bidline/internal/engine"
	"bidline/internal/migrate"
	"bidline/internal/notify"
	"bidline/internal/sweep"
)

type fakeAllocator struct {
	assigned []string
	fail     bool
}

func (f *fakeAllocator) AssignPair(ctx context.Context, bidID string, customer, helper domain.Actor) error {
	if f.fail {
		return context.DeadlineExceeded
	}
	f.assigned = append(f.assigned, bidID)
	return nil
}

func (f *fakeAllocator) UnassignPair(ctx context.Context, bidID string) error { return nil }

type fakeLessor struct {
	cutoff   time.Time
	released int
}

func (f *fakeLessor) Expire(ctx context.Context, cutoff time.Time) (int, error) {
	f.cutoff = cutoff
	return f.released, nil
}

type testEnv struct {
	Engine   engine.Engine
	Sweeper  *sweep.Sweeper
	Ctx      context.Context
	Notifier *notify.Recorder
	Alloc    *fakeAllocator
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		Ctx: context.Background(),
		now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return env.now }
	eng.Ledger.Now = eng.Now
	env.Notifier = &notify.Recorder{}
	env.Alloc = &fakeAllocator{}
	eng.Notifier = env.Notifier
	eng.Safety = env.Alloc
	env.Engine = eng
	env.Sweeper = sweep.New(eng)

	for _, opts := range []engine.ActorCreateOptions{
		{ID: "cust-1", Name: "Customer", Mobile: "01011112222"},
		{ID: "help-1", Name: "Helper", Mobile: "01033334444", IsHelper: true},
	} {
		if _, err := eng.CreateActor(env.Ctx, opts); err != nil {
			t.Fatalf("create actor %s: %v", opts.ID, err)
		}
	}
	return env
}

func (env *testEnv) advance(d time.Duration) { env.now = env.now.Add(d) }

func (env *testEnv) openMission(t *testing.T, typeCode string) domain.Mission {
	t.Helper()
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		CustomerID: "cust-1", TypeCode: typeCode, AmountLow: 5000, AmountHigh: 20000,
	})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	m, err = env.Engine.RequestMission(env.Ctx, m.ID, "cust-1")
	if err != nil {
		t.Fatalf("request mission: %v", err)
	}
	return m
}

func (env *testEnv) submit(t *testing.T, missionID string) domain.Bid {
	t.Helper()
	b, err := env.Engine.SubmitBid(env.Ctx, engine.BidSubmitOptions{
		MissionID: missionID, HelperID: "help-1", Amount: 10000,
	})
	if err != nil {
		t.Fatalf("submit bid: %v", err)
	}
	return b
}

func TestPassReleasesExpiredLocks(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t, "remote")
	b := env.submit(t, m.ID)
	if _, err := env.Engine.LockBid(env.Ctx, b.ID, "cust-1"); err != nil {
		t.Fatalf("lock: %v", err)
	}

	env.advance(5 * time.Minute)
	rep := env.Sweeper.Pass(env.Ctx)
	if rep.LocksReleased != 0 {
		t.Fatalf("released = %d before the TTL, want 0", rep.LocksReleased)
	}

	env.advance(6 * time.Minute)
	rep = env.Sweeper.Pass(env.Ctx)
	if rep.LocksReleased != 1 {
		t.Fatalf("released = %d, want 1", rep.LocksReleased)
	}
	got, err := env.Engine.Repo.GetBid(env.Ctx, b.ID)
	if err != nil {
		t.Fatalf("get bid: %v", err)
	}
	if got.Locked() {
		t.Fatalf("bid still locked after sweep")
	}
}

func TestPassObservesTimeoutExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t, "errand")
	env.submit(t, m.ID)

	env.advance(31 * time.Minute)
	rep := env.Sweeper.Pass(env.Ctx)
	if rep.TimeoutsMarked != 1 {
		t.Fatalf("timeouts = %d, want 1", rep.TimeoutsMarked)
	}
	got, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if got.TimeoutSeen == nil {
		t.Fatalf("timeout_seen not stamped")
	}
	if got.SavedState != domain.StateTimeoutCanceled {
		t.Fatalf("stored state = %s, want timeout_canceled", got.SavedState)
	}

	rep = env.Sweeper.Pass(env.Ctx)
	if rep.TimeoutsMarked != 0 {
		t.Fatalf("timeouts on second pass = %d, want 0", rep.TimeoutsMarked)
	}
	if got := env.Notifier.ByTemplate(notify.TplMissionTimeout); len(got) != 1 {
		t.Fatalf("timeout notifications = %d, want exactly 1", len(got))
	}
}

func TestPassRepairsDriftedState(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t, "remote")
	b := env.submit(t, m.ID)

	// Simulate a crashed writer that left a stale state column behind.
	b.SavedState = domain.StateUnknown
	if err := env.Engine.Repo.UpdateBid(env.Ctx, nil, b); err != nil {
		t.Fatalf("update bid: %v", err)
	}

	rep := env.Sweeper.Pass(env.Ctx)
	if rep.StatesRepaired == 0 {
		t.Fatalf("no states repaired")
	}
	got, err := env.Engine.Repo.GetBid(env.Ctx, b.ID)
	if err != nil {
		t.Fatalf("get bid: %v", err)
	}
	if got.SavedState != domain.StateApplied {
		t.Fatalf("stored state = %s, want applied", got.SavedState)
	}
}

func TestPassRestoresMissingPairs(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t, "remote")
	b := env.submit(t, m.ID)

	// The carrier is down when the award runs; the bid proceeds bare.
	env.Alloc.fail = true
	if _, err := env.Engine.WinBid(env.Ctx, b.ID, "cust-1"); err != nil {
		t.Fatalf("win: %v", err)
	}
	if len(env.Alloc.assigned) != 0 {
		t.Fatalf("pair assigned despite outage")
	}

	env.Alloc.fail = false
	rep := env.Sweeper.Pass(env.Ctx)
	if rep.PairsRestored != 1 {
		t.Fatalf("restored = %d, want 1", rep.PairsRestored)
	}
	if len(env.Alloc.assigned) != 1 || env.Alloc.assigned[0] != b.ID {
		t.Fatalf("assigned = %v, want [%s]", env.Alloc.assigned, b.ID)
	}
}

func TestPassExpiresOldLeases(t *testing.T) {
	env := newTestEnv(t)
	lessor := &fakeLessor{released: 2}
	env.Sweeper.Lessor = lessor

	rep := env.Sweeper.Pass(env.Ctx)
	if rep.LeasesExpired != 2 {
		t.Fatalf("expired = %d, want 2", rep.LeasesExpired)
	}
	want := env.now.Add(-30 * 24 * time.Hour)
	if !lessor.cutoff.Equal(want) {
		t.Fatalf("cutoff = %s, want %s", lessor.cutoff, want)
	}
}
