package engine_test

import (
	"errors"
	"testing"
	"time"

	"bidline/internal/domain"
	"bidline/internal/engine"
	"bidline/internal/ledger"
)

func TestInteractionMutualExclusion(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	won := env.award(t, m.ID)

	first, err := env.Engine.CreateInteraction(env.Ctx, won.ID, domain.InteractionCancel, "", "cust-1")
	if err != nil {
		t.Fatalf("first interaction: %v", err)
	}
	if _, err := env.Engine.CreateInteraction(env.Ctx, won.ID, domain.InteractionComplete, "", "help-1"); !errors.Is(err, engine.ErrConflictingRequest) {
		t.Fatalf("second interaction err = %v, want ErrConflictingRequest", err)
	}

	// Resolution frees the slot.
	if _, err := env.Engine.RejectInteraction(env.Ctx, first.ID, "help-1"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := env.Engine.CreateInteraction(env.Ctx, won.ID, domain.InteractionComplete, "", "help-1"); err != nil {
		t.Fatalf("interaction after resolution: %v", err)
	}
}

func TestInteractionPartyRules(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	won := env.award(t, m.ID)

	if _, err := env.Engine.CreateInteraction(env.Ctx, won.ID, domain.InteractionCancel, "", "help-2"); !errors.Is(err, engine.ErrNotCounterparty) {
		t.Fatalf("outsider create err = %v, want ErrNotCounterparty", err)
	}

	i, err := env.Engine.CreateInteraction(env.Ctx, won.ID, domain.InteractionCancel, "", "cust-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// The requester cannot answer their own request.
	if _, err := env.Engine.AcceptInteraction(env.Ctx, i.ID, "cust-1"); !errors.Is(err, engine.ErrNotCounterparty) {
		t.Fatalf("self accept err = %v, want ErrNotCounterparty", err)
	}
	// Only the requester withdraws.
	if _, err := env.Engine.CancelInteraction(env.Ctx, i.ID, "help-1"); !errors.Is(err, engine.ErrNotCounterparty) {
		t.Fatalf("counterparty withdraw err = %v, want ErrNotCounterparty", err)
	}
	withdrawn, err := env.Engine.CancelInteraction(env.Ctx, i.ID, "cust-1")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if withdrawn.State() != domain.InteractionCanceled {
		t.Fatalf("state = %s, want canceled", withdrawn.State())
	}
	if _, err := env.Engine.AcceptInteraction(env.Ctx, withdrawn.ID, "help-1"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("accept after withdraw err = %v, want ErrInvalidTransition", err)
	}
}

func TestAcceptCancelInteraction(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	won := env.award(t, m.ID)

	i, err := env.Engine.CreateInteraction(env.Ctx, won.ID, domain.InteractionCancel, "", "cust-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	accepted, err := env.Engine.AcceptInteraction(env.Ctx, i.ID, "help-1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.State() != domain.InteractionAccepted {
		t.Fatalf("state = %s, want accepted", accepted.State())
	}
	view, err := env.Engine.ViewMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.Bids[0].State != domain.StateWonAndCanceled {
		t.Fatalf("bid state = %s, want won_and_canceled", view.Bids[0].State)
	}
	if len(env.Chat.Closed) != 1 {
		t.Fatalf("chat closed = %v, want one entry", env.Chat.Closed)
	}
	if len(env.Alloc.unassigned) != 1 {
		t.Fatalf("safety released = %d, want 1", len(env.Alloc.unassigned))
	}
}

func TestAcceptCancelWithFailedReversalStaysOpen(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	won := env.award(t, m.ID)

	i, err := env.Engine.CreateInteraction(env.Ctx, won.ID, domain.InteractionCancel, "", "cust-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	env.Gateway.failReverse = true
	if _, err := env.Engine.AcceptInteraction(env.Ctx, i.ID, "help-1"); !errors.Is(err, engine.ErrExternalDependency) {
		t.Fatalf("accept err = %v, want ErrExternalDependency", err)
	}

	// The acceptance rolled back with its side effect.
	got, err := env.Engine.ListInteractions(env.Ctx, won.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got[0].State() != domain.InteractionRequested {
		t.Fatalf("interaction state = %s, want requested", got[0].State())
	}
	view, err := env.Engine.ViewMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.State != domain.StateInAction {
		t.Fatalf("mission state = %s, want in_action untouched", view.State)
	}
}

func TestAcceptReschedule(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	won := env.award(t, m.ID)

	due := time.Date(2024, 5, 3, 18, 0, 0, 0, time.UTC)
	i, err := env.Engine.CreateInteraction(env.Ctx, won.ID, domain.InteractionReschedule, due.Format(time.RFC3339), "help-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.AcceptInteraction(env.Ctx, i.ID, "cust-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	b, err := env.Engine.Repo.GetBid(env.Ctx, won.ID)
	if err != nil {
		t.Fatalf("get bid: %v", err)
	}
	if b.AdjustedDueAt == nil || !b.AdjustedDueAt.Equal(due) {
		t.Fatalf("adjusted due = %v, want %v", b.AdjustedDueAt, due)
	}
	if got := b.ActiveDue(); got == nil || !got.Equal(due) {
		t.Fatalf("active due = %v, want the renegotiated time", got)
	}
}

func TestRescheduleRequiresParsableDetail(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	won := env.award(t, m.ID)

	if _, err := env.Engine.CreateInteraction(env.Ctx, won.ID, domain.InteractionReschedule, "tomorrow-ish", "help-1"); err == nil {
		t.Fatal("expected error for unparsable reschedule detail")
	}
}

func TestAcceptCompleteSettles(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	won := env.award(t, m.ID)

	i, err := env.Engine.CreateInteraction(env.Ctx, won.ID, domain.InteractionComplete, "", "help-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.AcceptInteraction(env.Ctx, i.ID, "cust-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	view, err := env.Engine.ViewMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.State != domain.StateDone {
		t.Fatalf("mission state = %s, want done", view.State)
	}
	cash, err := env.Engine.Ledger.Balance(env.Ctx, ledger.AccountCash+":help-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if cash != 9000 {
		t.Fatalf("cash = %d, want 9000", cash)
	}
}

func TestInteractionRequiresActiveAward(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	b := env.submit(t, m.ID, "help-1", 10000)

	if _, err := env.Engine.CreateInteraction(env.Ctx, b.ID, domain.InteractionCancel, "", "cust-1"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("interaction on applied bid err = %v, want ErrInvalidTransition", err)
	}

	won, err := env.Engine.WinBid(env.Ctx, b.ID, "cust-1")
	if err != nil {
		t.Fatalf("win: %v", err)
	}
	if _, err := env.Engine.Finish(env.Ctx, won.ID, "cust-1"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := env.Engine.CreateInteraction(env.Ctx, won.ID, domain.InteractionCancel, "", "cust-1"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("interaction on done bid err = %v, want ErrInvalidTransition", err)
	}
}
