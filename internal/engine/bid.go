package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bidline/internal/domain"
	"bidline/internal/events"
	"bidline/internal/ledger"
	"bidline/internal/notify"
	"bidline/internal/payment"
	"bidline/internal/repo"
	"bidline/internal/state"
)

// BidSubmitOptions are parameters for a helper's offer.
type BidSubmitOptions struct {
	ID        string
	MissionID string
	HelperID  string
	Amount    int64
	Message   string
	DueAt     *time.Time
}

// SubmitBid places or refreshes a helper's offer. A repeat submit by the
// same helper updates the open bid instead of stacking a second one. On a
// directed mission the designated helper's submit goes straight to award.
func (e Engine) SubmitBid(ctx context.Context, opts BidSubmitOptions) (domain.Bid, error) {
	m, err := e.Repo.GetMission(ctx, opts.MissionID)
	if err != nil {
		return domain.Bid{}, err
	}
	bids, err := e.Repo.ListBidsByMission(ctx, opts.MissionID)
	if err != nil {
		return domain.Bid{}, err
	}
	now := e.now()
	current := state.ForMission(m, bids, now)
	if current != domain.StateBidding && current != domain.StateWaitingAssignee {
		return domain.Bid{}, invalidTransition(current, domain.StateApplied)
	}
	if m.TimedOut(now) {
		return domain.Bid{}, invalidTransition(domain.StateTimeoutCanceled, domain.StateApplied)
	}
	helper, err := e.Repo.GetActor(ctx, opts.HelperID)
	if err != nil {
		return domain.Bid{}, err
	}
	if !helper.IsHelper {
		return domain.Bid{}, fmt.Errorf("actor %s is not a helper", helper.ID)
	}
	if m.CustomerID == opts.HelperID {
		return domain.Bid{}, errors.New("cannot bid on own mission")
	}
	if err := e.checkAmount(m, opts.Amount); err != nil {
		return domain.Bid{}, err
	}

	b, err := e.Repo.GetUnresolvedBidByHelper(ctx, opts.MissionID, opts.HelperID)
	fresh := errors.Is(err, repo.ErrNotFound)
	if err != nil && !fresh {
		return domain.Bid{}, err
	}
	if current == domain.StateWaitingAssignee && (fresh || !b.IsAssigned) {
		return domain.Bid{}, fmt.Errorf("%w: mission is reserved for its designated helper", ErrInvalidTransition)
	}
	if fresh {
		b = domain.Bid{
			ID:        opts.ID,
			MissionID: opts.MissionID,
			HelperID:  opts.HelperID,
			CreatedAt: now,
		}
		if b.ID == "" {
			b.ID = e.newID()
		}
	}
	b.Amount = opts.Amount
	b.Message = opts.Message
	b.DueAt = opts.DueAt
	b.AppliedAt = &now
	b.SavedState = domain.StateApplied

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return b, err
	}
	defer tx.Rollback()
	if fresh {
		err = e.Repo.InsertBid(ctx, tx, b)
	} else {
		err = e.Repo.UpdateBid(ctx, tx, b)
	}
	if err != nil {
		return b, err
	}
	if err := e.Events.Append(ctx, tx, "bid.submitted", "bid", b.ID, opts.HelperID, events.EventPayload{
		"mission_id": b.MissionID, "amount": b.Amount,
	}); err != nil {
		return b, err
	}
	if err := tx.Commit(); err != nil {
		return b, err
	}
	if e.Metrics != nil {
		e.Metrics.RecordBidSubmitted()
	}
	e.notifySafe(notify.Recipient{UserID: m.CustomerID}, notify.TplBidSubmitted,
		[]any{m.Code, helper.Name}, map[string]string{"bid_id": b.ID})

	// A designated helper's submit is an acceptance.
	if b.IsAssigned {
		return e.WinBid(ctx, b.ID, opts.HelperID)
	}
	return b, nil
}

func (e Engine) checkAmount(m domain.Mission, amount int64) error {
	if mt, ok := e.Config.MissionTypes[m.TypeCode]; ok && amount < mt.MinimumAmount {
		return fmt.Errorf("%w: %d below type minimum %d", ErrAmountOutOfRange, amount, mt.MinimumAmount)
	}
	if m.AmountHigh > 0 && (amount < m.AmountLow || amount > m.AmountHigh) {
		return fmt.Errorf("%w: %d outside [%d, %d]", ErrAmountOutOfRange, amount, m.AmountLow, m.AmountHigh)
	}
	return nil
}

// AssignBid drafts a directed offer: the customer hands the mission to one
// helper, who accepts by submitting.
func (e Engine) AssignBid(ctx context.Context, missionID, helperID, actorID string) (domain.Bid, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return domain.Bid{}, err
	}
	helper, err := e.Repo.GetActor(ctx, helperID)
	if err != nil {
		return domain.Bid{}, err
	}
	if !helper.IsHelper {
		return domain.Bid{}, fmt.Errorf("actor %s is not a helper", helper.ID)
	}
	now := e.now()
	b := domain.Bid{
		ID:         e.newID(),
		MissionID:  m.ID,
		HelperID:   helperID,
		IsAssigned: true,
		CreatedAt:  now,
		SavedState: domain.StateWaitingAssignee,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return b, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBid(ctx, tx, b); err != nil {
		return b, err
	}
	// A directed mission has no broadcast window; it waits on its helper.
	if m.BidClosedAt == nil {
		m.BidClosedAt = &now
		if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
			return b, err
		}
	}
	if _, err := e.reprojectTx(ctx, tx, m.ID); err != nil {
		return b, err
	}
	if err := e.Events.Append(ctx, tx, "bid.assigned", "bid", b.ID, actorID, events.EventPayload{
		"mission_id": m.ID, "helper_id": helperID,
	}); err != nil {
		return b, err
	}
	if err := tx.Commit(); err != nil {
		return b, err
	}
	e.notifySafe(notify.Recipient{UserID: helperID}, notify.TplMissionOpen,
		[]any{m.Code}, map[string]string{"mission_id": m.ID, "bid_id": b.ID})
	return b, nil
}

// Unassign clears a directed offer and reopens the mission to broadcast.
func (e Engine) Unassign(ctx context.Context, bidID, actorID string) error {
	b, err := e.Repo.GetBid(ctx, bidID)
	if err != nil {
		return err
	}
	if !b.IsAssigned {
		return fmt.Errorf("%w: bid %s is not a directed offer", ErrInvalidTransition, bidID)
	}
	m, err := e.Repo.GetMission(ctx, b.MissionID)
	if err != nil {
		return err
	}
	now := e.now()
	b.IsAssigned = false
	b.CanceledAt = &now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateBid(ctx, tx, b); err != nil {
		return err
	}
	// Reopen the broadcast window the directed offer had closed.
	if m.BidClosedAt != nil && b.WonAt == nil {
		m.BidClosedAt = nil
		if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
			return err
		}
	}
	if _, err := e.reprojectTx(ctx, tx, m.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "bid.unassigned", "bid", b.ID, actorID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.fanOutOpen(ctx, m)
	return nil
}

// LockBid takes the short advisory award lock. Only one bid per mission may
// hold it; expiry is the sweep's job.
func (e Engine) LockBid(ctx context.Context, bidID, actorID string) (domain.Bid, error) {
	b, err := e.Repo.GetBid(ctx, bidID)
	if err != nil {
		return b, err
	}
	m, err := e.Repo.GetMission(ctx, b.MissionID)
	if err != nil {
		return b, err
	}
	now := e.now()
	if current := state.ForBid(b, m, now); current != domain.StateApplied {
		return b, invalidTransition(current, "locked")
	}
	if b.Locked() {
		return b, fmt.Errorf("%w: bid already locked", ErrConflictingRequest)
	}
	if m.TimedOut(now) {
		return b, invalidTransition(domain.StateTimeoutCanceled, "locked")
	}
	siblings, err := e.Repo.ListBidsByMission(ctx, m.ID)
	if err != nil {
		return b, err
	}
	for _, s := range siblings {
		if s.ID != b.ID && s.Locked() {
			return b, fmt.Errorf("%w: mission has a lock in progress", ErrConflictingRequest)
		}
	}
	b.LockedAt = &now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return b, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateBid(ctx, tx, b); err != nil {
		return b, err
	}
	if err := e.Events.Append(ctx, tx, "bid.locked", "bid", b.ID, actorID, nil); err != nil {
		return b, err
	}
	return b, tx.Commit()
}

// UnlockBid releases the award lock without awarding.
func (e Engine) UnlockBid(ctx context.Context, bidID, actorID string) (domain.Bid, error) {
	b, err := e.Repo.GetBid(ctx, bidID)
	if err != nil {
		return b, err
	}
	if !b.Locked() {
		return b, nil
	}
	b.LockedAt = nil

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return b, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateBid(ctx, tx, b); err != nil {
		return b, err
	}
	if err := e.Events.Append(ctx, tx, "bid.unlocked", "bid", b.ID, actorID, nil); err != nil {
		return b, err
	}
	return b, tx.Commit()
}

// WinBid awards the mission to one bid. The charge is captured in the same
// transaction and a capture failure aborts the award. Chat and masked
// numbers follow after commit; the numbers fail open.
func (e Engine) WinBid(ctx context.Context, bidID, actorID string) (domain.Bid, error) {
	b, err := e.Repo.GetBid(ctx, bidID)
	if err != nil {
		return b, err
	}
	m, err := e.Repo.GetMission(ctx, b.MissionID)
	if err != nil {
		return b, err
	}
	siblings, err := e.Repo.ListBidsByMission(ctx, m.ID)
	if err != nil {
		return b, err
	}
	now := e.now()
	if m.TimedOut(now) {
		return b, invalidTransition(domain.StateTimeoutCanceled, domain.StateInAction)
	}
	// A sibling winner is a conflict, not a bad transition, so it is
	// checked before the state ladder.
	if winner := state.ActiveBid(siblings); winner != nil && winner.ID != b.ID {
		return b, fmt.Errorf("%w: mission already has a winner", ErrConflictingRequest)
	}
	for _, s := range siblings {
		if s.ID != b.ID && s.Locked() {
			return b, fmt.Errorf("%w: another award is in progress", ErrConflictingRequest)
		}
	}
	// Locked projects as applied, so clear our own lock before checking.
	unlocked := b
	unlocked.LockedAt = nil
	if current := state.ForBid(unlocked, m, now); current != domain.StateApplied && current != domain.StateWaitingAssignee {
		return b, invalidTransition(current, domain.StateInAction)
	}

	b.WonAt = &now
	b.LockedAt = nil
	if m.BidClosedAt == nil {
		m.BidClosedAt = &now
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return b, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateBid(ctx, tx, b); err != nil {
		return b, err
	}
	if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
		return b, err
	}
	if b.Amount > 0 {
		if _, err := e.Payments.Capture(ctx, tx, b.ID, b.Amount); err != nil {
			return b, externalFailure("payment capture", err)
		}
	}
	if _, err := e.reprojectTx(ctx, tx, m.ID); err != nil {
		return b, err
	}
	if err := e.Events.Append(ctx, tx, "bid.won", "bid", b.ID, actorID, events.EventPayload{
		"mission_id": m.ID, "amount": b.Amount,
	}); err != nil {
		return b, err
	}
	if err := tx.Commit(); err != nil {
		return b, err
	}

	if e.Chat != nil {
		if err := e.Chat.Open(b.ID, m.CustomerID, b.HelperID); err != nil {
			e.logger().Printf("chat: open for bid %s: %v", b.ID, err)
		}
	}
	e.assignSafetyPair(ctx, b, m)
	e.notifySafe(notify.Recipient{UserID: b.HelperID}, notify.TplBidWon,
		[]any{m.Code}, map[string]string{"bid_id": b.ID})
	for _, s := range siblings {
		if s.ID != b.ID && s.AppliedAt != nil && s.CanceledAt == nil {
			e.notifySafe(notify.Recipient{UserID: s.HelperID}, notify.TplBidFailed,
				[]any{m.Code}, map[string]string{"mission_id": m.ID})
		}
	}
	if e.Metrics != nil {
		e.Metrics.RecordBidWon()
	}
	return e.Repo.GetBid(ctx, b.ID)
}

// CancelBidding is the helper withdrawing an offer, or the awarded helper of
// a composite sub-job stepping off. A directed offer reverts the mission to
// open broadcast instead.
func (e Engine) CancelBidding(ctx context.Context, bidID, actorID string) (domain.Bid, error) {
	b, err := e.Repo.GetBid(ctx, bidID)
	if err != nil {
		return b, err
	}
	if b.IsAssigned {
		return b, e.Unassign(ctx, bidID, actorID)
	}
	m, err := e.Repo.GetMission(ctx, b.MissionID)
	if err != nil {
		return b, err
	}
	now := e.now()
	current := state.ForBid(b, m, now)
	switch current {
	case domain.StateApplied:
	case domain.StateInAction:
		if m.Kind != domain.KindArea {
			return b, invalidTransition(current, domain.StateWonAndCanceled)
		}
	default:
		return b, invalidTransition(current, domain.StateBidAndCanceled)
	}

	b.CanceledAt = &now
	b.LockedAt = nil

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return b, err
	}
	defer tx.Rollback()
	if current == domain.StateInAction {
		if err := e.Payments.Reverse(ctx, tx, b.ID); err != nil && !errors.Is(err, payment.ErrNothingToReverse) {
			return b, externalFailure("payment reversal", err)
		}
		// The sub-job goes back to bidding when its awarded helper steps off.
		if m.BidClosedAt != nil {
			m.BidClosedAt = nil
			if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
				return b, err
			}
		}
	}
	if err := e.Repo.UpdateBid(ctx, tx, b); err != nil {
		return b, err
	}
	if _, err := e.reprojectTx(ctx, tx, m.ID); err != nil {
		return b, err
	}
	if err := e.Events.Append(ctx, tx, "bid.canceled", "bid", b.ID, actorID, nil); err != nil {
		return b, err
	}
	if err := tx.Commit(); err != nil {
		return b, err
	}
	if current == domain.StateInAction {
		e.unassignSafetyPair(ctx, b.ID)
		e.closeChat(b.ID)
	}
	return e.Repo.GetBid(ctx, b.ID)
}

// AdminCancel force-cancels a bid from any non-terminal state. On an awarded
// or finished bid the charge must come back first; a reversal failure stops
// everything. A finished bid additionally gets its payout compensated.
func (e Engine) AdminCancel(ctx context.Context, bidID, detail, actorID string) (domain.Bid, error) {
	b, err := e.Repo.GetBid(ctx, bidID)
	if err != nil {
		return b, err
	}
	m, err := e.Repo.GetMission(ctx, b.MissionID)
	if err != nil {
		return b, err
	}
	now := e.now()
	current := state.ForBid(b, m, now)
	if current.Canceled() {
		return b, invalidTransition(current, domain.StateAdminCanceled)
	}
	wasDone := current == domain.StateDone
	needsReversal := wasDone || current == domain.StateInAction

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return b, err
	}
	defer tx.Rollback()
	if needsReversal {
		if err := e.Payments.Reverse(ctx, tx, b.ID); err != nil && !errors.Is(err, payment.ErrNothingToReverse) {
			return b, externalFailure("payment reversal", err)
		}
	}
	if wasDone {
		if err := e.unfinishTx(ctx, tx, &b, actorID, false); err != nil {
			return b, err
		}
	}
	b.CanceledAt = &now
	b.CanceledByAdmin = true
	b.LockedAt = nil
	missionDirty := false
	if detail != "" && m.CancelDetail == "" {
		m.CancelDetail = detail
		missionDirty = true
	}
	// Canceling the awarded bid of a composite sub-job reopens its bidding.
	if m.Kind == domain.KindArea && b.WonAt != nil && m.BidClosedAt != nil {
		m.BidClosedAt = nil
		missionDirty = true
	}
	if missionDirty {
		if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
			return b, err
		}
	}
	if err := e.Repo.UpdateBid(ctx, tx, b); err != nil {
		return b, err
	}
	if _, err := e.reprojectTx(ctx, tx, m.ID); err != nil {
		return b, err
	}
	if err := e.Events.Append(ctx, tx, "bid.admin_canceled", "bid", b.ID, actorID, events.EventPayload{
		"detail": detail, "was_done": wasDone,
	}); err != nil {
		return b, err
	}
	if err := tx.Commit(); err != nil {
		return b, err
	}

	e.closeChat(b.ID)
	e.unassignSafetyPair(ctx, b.ID)
	e.notifySafe(notify.Recipient{UserID: b.HelperID}, notify.TplMissionCanceled,
		[]any{m.Code}, map[string]string{"bid_id": b.ID})
	return e.Repo.GetBid(ctx, b.ID)
}

func (e Engine) closeChat(bidID string) {
	if e.Chat == nil {
		return
	}
	if err := e.Chat.Close(bidID); err != nil {
		e.logger().Printf("chat: close for bid %s: %v", bidID, err)
	}
}

// feeRate resolves the payout fee: the helper's personal override wins over
// the mission type's charge rate.
func (e Engine) feeRate(helper domain.Actor, m domain.Mission) int {
	if helper.FeeRate != nil {
		return *helper.FeeRate
	}
	return m.ChargeRate
}

func bidMemo(bidID string) string { return "bid:" + bidID }

// Finish settles a won bid: helper payout net of the fee, customer reward
// points, referrer grant, milestone notifications. Runs once; the payout
// entry id on the bid is the guard.
func (e Engine) Finish(ctx context.Context, bidID, actorID string) (domain.Bid, error) {
	b, err := e.Repo.GetBid(ctx, bidID)
	if err != nil {
		return b, err
	}
	m, err := e.Repo.GetMission(ctx, b.MissionID)
	if err != nil {
		return b, err
	}
	now := e.now()
	if current := state.ForBid(b, m, now); current != domain.StateInAction {
		return b, invalidTransition(current, domain.StateDone)
	}
	if b.CashEntryID != nil {
		return b, fmt.Errorf("%w: bid already settled", ErrConflictingRequest)
	}
	helper, err := e.Repo.GetActor(ctx, b.HelperID)
	if err != nil {
		return b, err
	}
	customer, err := e.Repo.GetActor(ctx, m.CustomerID)
	if err != nil {
		return b, err
	}
	doneBefore, err := e.Repo.CountDoneMissions(ctx, m.CustomerID)
	if err != nil {
		return b, err
	}

	fee := e.feeRate(helper, m)
	cash := b.Amount * int64(100-fee) / 100
	points := int64(0)
	if e.Config.Rewards.FinishRate > 0 {
		points = b.Amount * int64(e.Config.Rewards.FinishRate) / 100
	}
	memo := bidMemo(b.ID)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return b, err
	}
	defer tx.Rollback()

	cashID, err := e.Ledger.Post(ctx, tx, ledger.AccountCash+":"+helper.ID, cash, memo)
	if err != nil {
		return b, err
	}
	if feeAmount := b.Amount - cash; feeAmount > 0 {
		if _, err := e.Ledger.Post(ctx, tx, ledger.AccountFee+":platform", feeAmount, memo); err != nil {
			return b, err
		}
	}
	b.CashEntryID = &cashID
	if points > 0 {
		pointID, err := e.Ledger.Post(ctx, tx, ledger.AccountPoint+":"+customer.ID, points, memo)
		if err != nil {
			return b, err
		}
		b.PointEntryID = &pointID
	}
	referrerGranted, err := e.grantReferrerReward(ctx, tx, customer, doneBefore, memo)
	if err != nil {
		return b, err
	}

	b.DoneAt = &now
	b.LockedAt = nil
	if err := e.Repo.UpdateBid(ctx, tx, b); err != nil {
		return b, err
	}
	if _, err := e.reprojectTx(ctx, tx, m.ID); err != nil {
		return b, err
	}
	if err := e.Events.Append(ctx, tx, "bid.finished", "bid", b.ID, actorID, events.EventPayload{
		"cash": cash, "fee_rate": fee, "points": points, "referrer_rewarded": referrerGranted,
	}); err != nil {
		return b, err
	}
	if err := tx.Commit(); err != nil {
		return b, err
	}

	e.closeChat(b.ID)
	e.unassignSafetyPair(ctx, b.ID)
	e.notifySafe(notify.Recipient{UserID: customer.ID}, notify.TplMissionDone,
		[]any{m.Code}, map[string]string{"bid_id": b.ID})
	switch doneBefore {
	case 0, 1:
		e.notifySafe(notify.Recipient{UserID: customer.ID}, notify.TplRewardGranted,
			[]any{doneBefore + 1}, map[string]string{"milestone": fmt.Sprint(doneBefore + 1)})
	}
	if e.Metrics != nil {
		e.Metrics.RecordMissionDone()
		if referrerGranted {
			e.Metrics.RecordRewardGranted()
		}
	}
	return e.Repo.GetBid(ctx, b.ID)
}

// grantReferrerReward pays the customer's referrer, with the higher first
// tier on the customer's first completed mission and a hard cap on grants
// per referrer.
func (e Engine) grantReferrerReward(ctx context.Context, tx *sql.Tx, customer domain.Actor, doneBefore int, memo string) (bool, error) {
	if customer.ReferrerID == nil {
		return false, nil
	}
	amount := e.Config.Rewards.ReferrerAmount
	if doneBefore == 0 && e.Config.Rewards.ReferrerFirstAmount > 0 {
		amount = e.Config.Rewards.ReferrerFirstAmount
	}
	if amount <= 0 {
		return false, nil
	}
	account := ledger.AccountReferral + ":" + *customer.ReferrerID
	if limit := e.Config.Rewards.ReferrerMaxGrants; limit > 0 {
		n, err := e.Ledger.CountCredits(ctx, tx, account)
		if err != nil {
			return false, err
		}
		if n >= limit {
			return false, nil
		}
	}
	if _, err := e.Ledger.Post(ctx, tx, account, amount, memo); err != nil {
		return false, err
	}
	e.notifySafe(notify.Recipient{UserID: *customer.ReferrerID}, notify.TplRewardGranted,
		[]any{amount}, nil)
	return true, nil
}

// unfinishTx books the equal-and-opposite entries for a settled bid and
// clears its settlement guard. clearDone additionally walks the completion
// fact back; an admin cancellation keeps it so the bid reads
// done_and_canceled. Runs inside the caller's transaction.
func (e Engine) unfinishTx(ctx context.Context, tx *sql.Tx, b *domain.Bid, actorID string, clearDone bool) error {
	if b.CashEntryID == nil {
		return fmt.Errorf("%w: bid was not settled", ErrInvalidTransition)
	}
	entries, err := e.Ledger.EntriesByMemo(ctx, tx, bidMemo(b.ID))
	if err != nil {
		return err
	}
	// The payout is the first entry of a settlement, so its id floors the
	// current cycle. Entries below it belong to an earlier settlement that
	// was already compensated.
	floor := *b.CashEntryID
	memo := "unfinish " + bidMemo(b.ID)
	reversed := 0
	for _, entry := range entries {
		if entry.ID < floor || entry.Amount <= 0 {
			continue
		}
		if _, err := e.Ledger.Post(ctx, tx, entry.Account, -entry.Amount, memo); err != nil {
			return err
		}
		reversed++
	}
	if clearDone {
		b.DoneAt = nil
	}
	b.CashEntryID = nil
	b.PointEntryID = nil
	if err := e.Repo.UpdateBid(ctx, tx, *b); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "bid.unfinished", "bid", b.ID, actorID, events.EventPayload{
		"reversed_entries": reversed,
	})
}

// Unfinish walks a settled bid back to in_action: every positive entry gets
// a matching negative one, the chat reopens, numbers come back.
func (e Engine) Unfinish(ctx context.Context, bidID, actorID string) (domain.Bid, error) {
	b, err := e.Repo.GetBid(ctx, bidID)
	if err != nil {
		return b, err
	}
	m, err := e.Repo.GetMission(ctx, b.MissionID)
	if err != nil {
		return b, err
	}
	now := e.now()
	if current := state.ForBid(b, m, now); current != domain.StateDone {
		return b, invalidTransition(current, domain.StateInAction)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return b, err
	}
	defer tx.Rollback()
	if err := e.unfinishTx(ctx, tx, &b, actorID, true); err != nil {
		return b, err
	}
	if _, err := e.reprojectTx(ctx, tx, m.ID); err != nil {
		return b, err
	}
	if err := tx.Commit(); err != nil {
		return b, err
	}

	if e.Chat != nil {
		if err := e.Chat.Reopen(b.ID); err != nil {
			e.logger().Printf("chat: reopen for bid %s: %v", b.ID, err)
		}
	}
	e.assignSafetyPair(ctx, b, m)
	return e.Repo.GetBid(ctx, b.ID)
}
