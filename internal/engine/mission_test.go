package engine_test

import (
	"errors"
	"testing"
	"time"

	"bidline/internal/domain"
	"bidline/internal/engine"
)

func TestCompositeMissionAwardsIndependently(t *testing.T) {
	env := newTestEnv(t)
	parent, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		CustomerID: "cust-1",
		TypeCode:   "errand",
		Content:    "flyers in two districts",
		AreaIDs:    []int64{11, 12},
		AmountLow:  5000,
		AmountHigh: 20000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if parent.Kind != domain.KindMulti {
		t.Fatalf("kind = %s, want multi", parent.Kind)
	}
	requested, err := env.Engine.RequestMission(env.Ctx, parent.ID, "cust-1")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	children, err := env.Engine.Repo.ListChildMissions(env.Ctx, parent.ID)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("children = %d, want 2", len(children))
	}
	for _, c := range children {
		if c.Kind != domain.KindArea {
			t.Fatalf("child kind = %s, want area", c.Kind)
		}
		if c.RequestedAt == nil || !c.RequestedAt.Equal(*requested.RequestedAt) {
			t.Fatalf("child request time not shared with parent")
		}
	}

	// Award the first sub-job; the second stays open.
	b := env.submit(t, children[0].ID, "help-1", 10000)
	if _, err := env.Engine.WinBid(env.Ctx, b.ID, "cust-1"); err != nil {
		t.Fatalf("win sub-job: %v", err)
	}
	first, err := env.Engine.ViewMission(env.Ctx, children[0].ID)
	if err != nil {
		t.Fatalf("view first: %v", err)
	}
	if first.State != domain.StateInAction {
		t.Fatalf("first sub-job state = %s, want in_action", first.State)
	}
	second, err := env.Engine.ViewMission(env.Ctx, children[1].ID)
	if err != nil {
		t.Fatalf("view second: %v", err)
	}
	if second.State != domain.StateBidding {
		t.Fatalf("second sub-job state = %s, want bidding", second.State)
	}

	// The awarded helper of a sub-job may step off.
	out, err := env.Engine.CancelBidding(env.Ctx, b.ID, "help-1")
	if err != nil {
		t.Fatalf("cancel sub-job award: %v", err)
	}
	if out.SavedState != domain.StateWonAndCanceled {
		t.Fatalf("state = %s, want won_and_canceled", out.SavedState)
	}

	// The sub-job returns to bidding and can be awarded to someone else.
	first, err = env.Engine.ViewMission(env.Ctx, children[0].ID)
	if err != nil {
		t.Fatalf("view first after cancel: %v", err)
	}
	if first.State != domain.StateBidding {
		t.Fatalf("first sub-job state = %s, want bidding", first.State)
	}
	b2 := env.submit(t, children[0].ID, "help-2", 9000)
	if _, err := env.Engine.WinBid(env.Ctx, b2.ID, "cust-1"); err != nil {
		t.Fatalf("re-award sub-job: %v", err)
	}
}

func TestSubJobReopensAfterAdminCancel(t *testing.T) {
	env := newTestEnv(t)
	parent, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		CustomerID: "cust-1",
		TypeCode:   "errand",
		Content:    "posters in two districts",
		AreaIDs:    []int64{21, 22},
		AmountLow:  5000,
		AmountHigh: 20000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.RequestMission(env.Ctx, parent.ID, "cust-1"); err != nil {
		t.Fatalf("request: %v", err)
	}
	children, err := env.Engine.Repo.ListChildMissions(env.Ctx, parent.ID)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	b := env.submit(t, children[0].ID, "help-1", 10000)
	if _, err := env.Engine.WinBid(env.Ctx, b.ID, "cust-1"); err != nil {
		t.Fatalf("win sub-job: %v", err)
	}

	if _, err := env.Engine.AdminCancel(env.Ctx, b.ID, "helper unreachable", "admin-1"); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	sub, err := env.Engine.ViewMission(env.Ctx, children[0].ID)
	if err != nil {
		t.Fatalf("view sub-job: %v", err)
	}
	if sub.State != domain.StateBidding {
		t.Fatalf("sub-job state = %s, want bidding", sub.State)
	}
	if sub.Mission.BidClosedAt != nil {
		t.Fatalf("sub-job bid_closed still set after admin cancel")
	}
}

func TestDirectedOfferFlow(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		CustomerID: "cust-1", TypeCode: "remote", AmountLow: 5000, AmountHigh: 20000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.RequestMission(env.Ctx, m.ID, "cust-1"); err != nil {
		t.Fatalf("request: %v", err)
	}
	directed, err := env.Engine.AssignBid(env.Ctx, m.ID, "help-1", "cust-1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	view, err := env.Engine.ViewMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.State != domain.StateWaitingAssignee {
		t.Fatalf("mission state = %s, want waiting_assignee", view.State)
	}

	// Another helper cannot squeeze into a reserved mission.
	if _, err := env.Engine.SubmitBid(env.Ctx, engine.BidSubmitOptions{
		MissionID: m.ID, HelperID: "help-2", Amount: 9000,
	}); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("outsider submit err = %v, want ErrInvalidTransition", err)
	}

	// The designated helper's submit is an acceptance straight to award.
	won, err := env.Engine.SubmitBid(env.Ctx, engine.BidSubmitOptions{
		MissionID: m.ID, HelperID: "help-1", Amount: 9000,
	})
	if err != nil {
		t.Fatalf("designated submit: %v", err)
	}
	if won.ID != directed.ID {
		t.Fatalf("submit created a new bid instead of accepting the offer")
	}
	if won.SavedState != domain.StateInAction {
		t.Fatalf("state = %s, want in_action", won.SavedState)
	}
}

func TestDirectedOfferRevertsToBroadcast(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		CustomerID: "cust-1", TypeCode: "remote", AmountLow: 5000, AmountHigh: 20000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.RequestMission(env.Ctx, m.ID, "cust-1"); err != nil {
		t.Fatalf("request: %v", err)
	}
	directed, err := env.Engine.AssignBid(env.Ctx, m.ID, "help-1", "cust-1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	// The designated helper turning the offer down reopens the window.
	if _, err := env.Engine.CancelBidding(env.Ctx, directed.ID, "help-1"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	view, err := env.Engine.ViewMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.State != domain.StateBidding {
		t.Fatalf("mission state = %s, want bidding after decline", view.State)
	}
	if _, err := env.Engine.SubmitBid(env.Ctx, engine.BidSubmitOptions{
		MissionID: m.ID, HelperID: "help-2", Amount: 9000,
	}); err != nil {
		t.Fatalf("broadcast submit after decline: %v", err)
	}
}

func TestRequestRejectsPastDue(t *testing.T) {
	env := newTestEnv(t)
	due := env.now.Add(-time.Hour)
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		CustomerID: "cust-1", TypeCode: "errand", AmountLow: 5000, AmountHigh: 20000, DueAt: &due,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.RequestMission(env.Ctx, m.ID, "cust-1"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("request err = %v, want ErrInvalidTransition", err)
	}
}

func TestRequestTwiceRejected(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	if _, err := env.Engine.RequestMission(env.Ctx, m.ID, "cust-1"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("second request err = %v, want ErrInvalidTransition", err)
	}
}
