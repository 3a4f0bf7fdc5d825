// Package state computes entity states as pure projections of persisted
// facts. Nothing here touches storage or the clock beyond the now argument,
// so a projection can be replayed at any point and must always agree with
// itself (see the idempotence test).
package state

import (
	"time"

	"bidline/internal/domain"
)

// ForBid projects a bid's state from its own facts plus its mission's.
// The ladder is evaluated top-down and is the authoritative tie-break
// policy: facts recorded later in the lifecycle (completion, cancellation)
// always beat earlier ones (win, submission).
func ForBid(b domain.Bid, m domain.Mission, now time.Time) domain.State {
	if b.Locked() {
		// An award in progress must keep reading as applied so a concurrent
		// reader never observes the bid as lost mid-selection.
		return domain.StateApplied
	}
	if b.DoneAt != nil {
		if bidCanceled(b, m) {
			return domain.StateDoneAndCanceled
		}
		return domain.StateDone
	}
	if bidCanceled(b, m) {
		if b.CanceledByAdmin {
			if b.AppliedAt != nil {
				return domain.StateAdminCanceled
			}
			return domain.StateNotApplied
		}
		if b.WonAt != nil {
			return domain.StateWonAndCanceled
		}
		if m.CanceledAt != nil {
			return domain.StateUserCanceled
		}
		return domain.StateBidAndCanceled
	}
	if b.WonAt != nil {
		return domain.StateInAction
	}
	if b.AppliedAt != nil {
		if m.BidClosedAt != nil && !b.IsAssigned {
			return domain.StateFailed
		}
		if m.TimedOut(now) {
			return domain.StateTimeoutCanceled
		}
		return domain.StateApplied
	}
	if b.IsAssigned {
		return domain.StateWaitingAssignee
	}
	return domain.StateUnknown
}

// ForMission projects a mission's state from its facts and its bids.
// After bidding closes the mission delegates to its winning bid.
func ForMission(m domain.Mission, bids []domain.Bid, now time.Time) domain.State {
	if !m.Requested() {
		return domain.StateDraft
	}
	if m.BidClosedAt == nil {
		if m.CanceledAt != nil {
			return domain.StateUserCanceled
		}
		if m.TimedOut(now) {
			return domain.StateTimeoutCanceled
		}
		return domain.StateBidding
	}
	if active := ActiveBid(bids); active != nil {
		return ForBid(*active, m, now)
	}
	if won := lastWon(bids); won != nil {
		return ForBid(*won, m, now)
	}
	if hasAssigned(bids) {
		if m.TimedOut(now) {
			return domain.StateTimeoutCanceled
		}
		if m.CanceledAt != nil {
			return domain.StateUserCanceled
		}
		return domain.StateWaitingAssignee
	}
	return domain.StateUnknown
}

// ActiveBid returns the awarded, not-canceled bid if one exists.
func ActiveBid(bids []domain.Bid) *domain.Bid {
	var found *domain.Bid
	for i := range bids {
		b := &bids[i]
		if b.WonAt != nil && b.CanceledAt == nil {
			found = b
		}
	}
	return found
}

func lastWon(bids []domain.Bid) *domain.Bid {
	var found *domain.Bid
	for i := range bids {
		if bids[i].WonAt != nil {
			found = &bids[i]
		}
	}
	return found
}

func hasAssigned(bids []domain.Bid) bool {
	for i := range bids {
		if bids[i].IsAssigned {
			return true
		}
	}
	return false
}

// bidCanceled treats a mission-level cancellation before award and a
// bid-level cancellation after award as the same fact: this bid is off.
func bidCanceled(b domain.Bid, m domain.Mission) bool {
	return b.CanceledAt != nil || m.CanceledAt != nil
}

// CanceledAt resolves the effective cancellation timestamp for a bid, which
// may live on the mission when the customer canceled before award.
func CanceledAt(b domain.Bid, m domain.Mission) *time.Time {
	if b.CanceledAt != nil {
		return b.CanceledAt
	}
	return m.CanceledAt
}
