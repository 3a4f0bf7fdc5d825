package state_test

import (
	"testing"
	"time"

	"bidline/internal/domain"
	"bidline/internal/state"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func tp(t time.Time) *time.Time { return &t }

func requestedMission() domain.Mission {
	return domain.Mission{
		ID:          "m1",
		Kind:        domain.KindSingle,
		RequestedAt: tp(now.Add(-time.Hour)),
		BidLimitAt:  tp(now.Add(30 * time.Minute)),
	}
}

func TestBidLadderPrecedence(t *testing.T) {
	m := requestedMission()
	cases := []struct {
		name string
		bid  domain.Bid
		want domain.State
	}{
		{"lock wins over everything", domain.Bid{LockedAt: tp(now), DoneAt: tp(now), CanceledAt: tp(now)}, domain.StateApplied},
		{"done", domain.Bid{AppliedAt: tp(now), WonAt: tp(now), DoneAt: tp(now)}, domain.StateDone},
		{"done then canceled", domain.Bid{AppliedAt: tp(now), WonAt: tp(now), DoneAt: tp(now), CanceledAt: tp(now)}, domain.StateDoneAndCanceled},
		{"admin canceled after apply", domain.Bid{AppliedAt: tp(now), CanceledAt: tp(now), CanceledByAdmin: true}, domain.StateAdminCanceled},
		{"admin canceled before apply", domain.Bid{IsAssigned: true, CanceledAt: tp(now), CanceledByAdmin: true}, domain.StateNotApplied},
		{"won then canceled", domain.Bid{AppliedAt: tp(now), WonAt: tp(now), CanceledAt: tp(now)}, domain.StateWonAndCanceled},
		{"helper withdrew", domain.Bid{AppliedAt: tp(now), CanceledAt: tp(now)}, domain.StateBidAndCanceled},
		{"in action", domain.Bid{AppliedAt: tp(now), WonAt: tp(now)}, domain.StateInAction},
		{"applied", domain.Bid{AppliedAt: tp(now)}, domain.StateApplied},
		{"waiting assignee", domain.Bid{IsAssigned: true}, domain.StateWaitingAssignee},
		{"unknown", domain.Bid{}, domain.StateUnknown},
	}
	for _, tc := range cases {
		if got := state.ForBid(tc.bid, m, now); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestBidMissionCancelPropagates(t *testing.T) {
	m := requestedMission()
	m.CanceledAt = tp(now)
	b := domain.Bid{AppliedAt: tp(now.Add(-time.Minute))}
	if got := state.ForBid(b, m, now); got != domain.StateUserCanceled {
		t.Fatalf("got %s, want user_canceled", got)
	}
}

func TestBidFailedWhenClosedWithoutWin(t *testing.T) {
	m := requestedMission()
	m.BidClosedAt = tp(now)
	b := domain.Bid{AppliedAt: tp(now.Add(-time.Minute))}
	if got := state.ForBid(b, m, now); got != domain.StateFailed {
		t.Fatalf("got %s, want failed", got)
	}
	// A directed offer never reads as failed on close.
	b.IsAssigned = true
	if got := state.ForBid(b, m, now); got != domain.StateApplied {
		t.Fatalf("assigned bid: got %s, want applied", got)
	}
}

func TestBidTimeout(t *testing.T) {
	m := requestedMission()
	m.BidLimitAt = tp(now.Add(-time.Minute))
	b := domain.Bid{AppliedAt: tp(now.Add(-time.Hour))}
	if got := state.ForBid(b, m, now); got != domain.StateTimeoutCanceled {
		t.Fatalf("got %s, want timeout_canceled", got)
	}
}

func TestMissionLadder(t *testing.T) {
	draft := domain.Mission{}
	if got := state.ForMission(draft, nil, now); got != domain.StateDraft {
		t.Fatalf("draft: got %s", got)
	}

	m := requestedMission()
	if got := state.ForMission(m, nil, now); got != domain.StateBidding {
		t.Fatalf("bidding: got %s", got)
	}

	m.CanceledAt = tp(now)
	if got := state.ForMission(m, nil, now); got != domain.StateUserCanceled {
		t.Fatalf("user_canceled: got %s", got)
	}

	m = requestedMission()
	m.BidLimitAt = tp(now.Add(-time.Minute))
	if got := state.ForMission(m, nil, now); got != domain.StateTimeoutCanceled {
		t.Fatalf("timeout: got %s", got)
	}
}

func TestMissionDelegatesToWinner(t *testing.T) {
	m := requestedMission()
	m.BidClosedAt = tp(now)
	winner := domain.Bid{ID: "b1", AppliedAt: tp(now.Add(-time.Minute)), WonAt: tp(now)}
	loser := domain.Bid{ID: "b2", AppliedAt: tp(now.Add(-time.Minute))}
	got := state.ForMission(m, []domain.Bid{loser, winner}, now)
	if got != domain.StateInAction {
		t.Fatalf("got %s, want in_action", got)
	}
	winner.DoneAt = tp(now)
	got = state.ForMission(m, []domain.Bid{loser, winner}, now)
	if got != domain.StateDone {
		t.Fatalf("got %s, want done", got)
	}
}

func TestMissionWaitingAssignee(t *testing.T) {
	m := requestedMission()
	m.BidClosedAt = tp(now)
	directed := domain.Bid{ID: "b1", IsAssigned: true}
	if got := state.ForMission(m, []domain.Bid{directed}, now); got != domain.StateWaitingAssignee {
		t.Fatalf("got %s, want waiting_assignee", got)
	}
	m.BidLimitAt = tp(now.Add(-time.Minute))
	if got := state.ForMission(m, []domain.Bid{directed}, now); got != domain.StateTimeoutCanceled {
		t.Fatalf("got %s, want timeout_canceled", got)
	}
}

func TestProjectionIdempotent(t *testing.T) {
	m := requestedMission()
	b := domain.Bid{AppliedAt: tp(now), WonAt: tp(now)}
	first := state.ForBid(b, m, now)
	second := state.ForBid(b, m, now)
	if first != second {
		t.Fatalf("projection not stable: %s then %s", first, second)
	}
	ms1 := state.ForMission(m, []domain.Bid{b}, now)
	ms2 := state.ForMission(m, []domain.Bid{b}, now)
	if ms1 != ms2 {
		t.Fatalf("mission projection not stable: %s then %s", ms1, ms2)
	}
}
