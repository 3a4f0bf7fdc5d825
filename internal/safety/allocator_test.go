package safety_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"bidline/internal/config"
	"bidline/internal/db"
	"bidline/internal/domain"
	"bidline/internal/migrate"
	"bidline/internal/repo"
	"bidline/internal/safety"
)

// fakeCarrier records calls and can be told to fail.
type fakeCarrier struct {
	assigned   map[string]string
	unassigned []string
	failAssign bool
	failLogin  bool
}

func newFakeCarrier() *fakeCarrier {
	return &fakeCarrier{assigned: map[string]string{}}
}

func (f *fakeCarrier) Login() error {
	if f.failLogin {
		return errors.New("login refused")
	}
	return nil
}
func (f *fakeCarrier) HealthCheck() error { return nil }
func (f *fakeCarrier) AssignNumber(safetyNumber, phoneNumber string) error {
	if f.failAssign {
		return errors.New("assign refused")
	}
	f.assigned[safetyNumber] = phoneNumber
	return nil
}
func (f *fakeCarrier) UnassignNumber(safetyNumber string) error {
	f.unassigned = append(f.unassigned, safetyNumber)
	return nil
}
func (f *fakeCarrier) PauseNumber(string) error  { return nil }
func (f *fakeCarrier) ResumeNumber(string) error { return nil }

type testEnv struct {
	Alloc    *safety.Allocator
	Carrier  *fakeCarrier
	Repo     repo.Repo
	Ctx      context.Context
	Customer domain.Actor
	Helper   domain.Actor
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	customer := domain.Actor{ID: "cust-1", Name: "Customer", Mobile: "01011112222", CreatedAt: now}
	helper := domain.Actor{ID: "help-1", Name: "Helper", Mobile: "01033334444", IsHelper: true, CreatedAt: now}
	for _, a := range []domain.Actor{customer, helper} {
		if err := r.InsertActor(ctx, nil, a); err != nil {
			t.Fatalf("insert actor: %v", err)
		}
	}
	if err := r.InsertMission(ctx, nil, domain.Mission{
		ID: "mis-1", Code: "M-1", Kind: domain.KindSingle, CustomerID: customer.ID,
		TypeCode: "errand", CreatedAt: now, SavedState: domain.StateDraft,
	}); err != nil {
		t.Fatalf("insert mission: %v", err)
	}
	if err := r.InsertBid(ctx, nil, domain.Bid{
		ID: "bid-1", MissionID: "mis-1", HelperID: helper.ID,
		CreatedAt: now, SavedState: domain.StateNotApplied,
	}); err != nil {
		t.Fatalf("insert bid: %v", err)
	}

	carrier := newFakeCarrier()
	alloc := safety.New(r, carrier, config.Default().Safety)
	alloc.Now = func() time.Time { return now }
	return testEnv{Alloc: alloc, Carrier: carrier, Repo: r, Ctx: ctx, Customer: customer, Helper: helper}
}

func TestAssignPairSharesSuffix(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Alloc.AssignPair(env.Ctx, "bid-1", env.Customer, env.Helper); err != nil {
		t.Fatalf("assign pair: %v", err)
	}

	leases, err := env.Repo.ListActiveLeasesByBid(env.Ctx, "bid-1")
	if err != nil {
		t.Fatalf("list leases: %v", err)
	}
	if len(leases) != 2 {
		t.Fatalf("leases = %d, want 2", len(leases))
	}
	var custNum, helpNum string
	for _, n := range leases {
		switch n.Role {
		case domain.RoleCustomer:
			custNum = n.AssignedNumber
		case domain.RoleHelper:
			helpNum = n.AssignedNumber
		}
	}
	if !strings.HasPrefix(custNum, "05084896") {
		t.Fatalf("customer number %q not in customer sub-range", custNum)
	}
	if !strings.HasPrefix(helpNum, "05084897") {
		t.Fatalf("helper number %q not in helper sub-range", helpNum)
	}
	if custNum[8:] != helpNum[8:] {
		t.Fatalf("pair suffixes differ: %q vs %q", custNum, helpNum)
	}
	if got := env.Carrier.assigned[custNum]; got != env.Customer.Mobile {
		t.Fatalf("carrier saw %q for customer, want %q", got, env.Customer.Mobile)
	}
}

func TestAssignFailureLeavesLeaseInert(t *testing.T) {
	env := newTestEnv(t)
	env.Carrier.failAssign = true

	if err := env.Alloc.AssignPair(env.Ctx, "bid-1", env.Customer, env.Helper); err == nil {
		t.Fatal("expected assign error")
	}

	active, err := env.Repo.ListActiveLeasesByBid(env.Ctx, "bid-1")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("active leases = %d, want 0 after carrier failure", len(active))
	}
	// The inert row still reserves its number against concurrent draws.
	all, err := env.Repo.ListLeasesByBid(env.Ctx, "bid-1")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) == 0 {
		t.Fatal("expected a pending lease row despite carrier failure")
	}
}

func TestUnassignPairIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Alloc.AssignPair(env.Ctx, "bid-1", env.Customer, env.Helper); err != nil {
		t.Fatalf("assign pair: %v", err)
	}
	if err := env.Alloc.UnassignPair(env.Ctx, "bid-1"); err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if len(env.Carrier.unassigned) != 2 {
		t.Fatalf("carrier releases = %d, want 2", len(env.Carrier.unassigned))
	}
	// Second release finds nothing live and does not touch the carrier.
	if err := env.Alloc.UnassignPair(env.Ctx, "bid-1"); err != nil {
		t.Fatalf("second unassign: %v", err)
	}
	if len(env.Carrier.unassigned) != 2 {
		t.Fatalf("carrier releases after repeat = %d, want 2", len(env.Carrier.unassigned))
	}
}

func TestExpireReleasesOldLeases(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Alloc.AssignPair(env.Ctx, "bid-1", env.Customer, env.Helper); err != nil {
		t.Fatalf("assign pair: %v", err)
	}

	cutoff := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	released, err := env.Alloc.Expire(env.Ctx, cutoff)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if released != 2 {
		t.Fatalf("released = %d, want 2", released)
	}
	active, err := env.Repo.ListActiveLeasesByBid(env.Ctx, "bid-1")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("active leases after expiry = %d, want 0", len(active))
	}
}
