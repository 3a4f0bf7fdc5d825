package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bidline/internal/domain"
	"bidline/internal/events"
	"bidline/internal/notify"
	"bidline/internal/state"
)

// MissionCreateOptions are parameters for drafting a mission. AreaIDs with
// more than one entry makes a composite mission: one parent plus a sub-job
// per area, awarded independently.
type MissionCreateOptions struct {
	ID         string
	CustomerID string
	TypeCode   string
	Content    string
	AreaIDs    []int64
	AmountLow  int64
	AmountHigh int64
	DueAt      *time.Time
}

func (e Engine) CreateMission(ctx context.Context, opts MissionCreateOptions) (domain.Mission, error) {
	if e.Config == nil {
		return domain.Mission{}, errors.New("config not loaded")
	}
	if opts.CustomerID == "" {
		return domain.Mission{}, errors.New("customer is required")
	}
	mt, ok := e.Config.MissionTypes[opts.TypeCode]
	if !ok {
		return domain.Mission{}, fmt.Errorf("unknown mission type %s", opts.TypeCode)
	}
	if opts.AmountLow > opts.AmountHigh {
		return domain.Mission{}, fmt.Errorf("%w: low %d above high %d", ErrAmountOutOfRange, opts.AmountLow, opts.AmountHigh)
	}
	if opts.AmountLow < mt.MinimumAmount {
		return domain.Mission{}, fmt.Errorf("%w: below type minimum %d", ErrAmountOutOfRange, mt.MinimumAmount)
	}
	if _, err := e.Repo.GetActor(ctx, opts.CustomerID); err != nil {
		return domain.Mission{}, err
	}

	now := e.now()
	m := domain.Mission{
		ID:         opts.ID,
		Code:       newCode(),
		Kind:       domain.KindSingle,
		CustomerID: opts.CustomerID,
		TypeCode:   opts.TypeCode,
		Content:    opts.Content,
		AmountLow:  opts.AmountLow,
		AmountHigh: opts.AmountHigh,
		ChargeRate: mt.ChargeRate,
		DueAt:      opts.DueAt,
		CreatedAt:  now,
		SavedState: domain.StateDraft,
	}
	if m.ID == "" {
		m.ID = e.newID()
	}
	if len(opts.AreaIDs) == 1 {
		m.AreaID = &opts.AreaIDs[0]
	}
	if len(opts.AreaIDs) > 1 {
		m.Kind = domain.KindMulti
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertMission(ctx, tx, m); err != nil {
		return m, err
	}
	if m.Kind == domain.KindMulti {
		for i := range opts.AreaIDs {
			child := m
			child.ID = e.newID()
			child.Code = newCode()
			child.ParentID = &m.ID
			child.Kind = domain.KindArea
			child.AreaID = &opts.AreaIDs[i]
			if err := e.Repo.InsertMission(ctx, tx, child); err != nil {
				return m, err
			}
		}
	}
	if err := e.Events.Append(ctx, tx, "mission.created", "mission", m.ID, opts.CustomerID, events.EventPayload{
		"code": m.Code, "type": m.TypeCode, "kind": string(m.Kind),
	}); err != nil {
		return m, err
	}
	return m, tx.Commit()
}

// RequestMission opens the bidding window. Sub-jobs of a composite mission
// share the parent's request timestamp and deadline.
func (e Engine) RequestMission(ctx context.Context, missionID, actorID string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return m, err
	}
	if m.Requested() {
		return m, invalidTransition(m.SavedState, domain.StateBidding)
	}
	now := e.now()
	if m.DueAt != nil && m.DueAt.Before(now) {
		return m, fmt.Errorf("%w: due time already passed", ErrInvalidTransition)
	}

	m.RequestedAt = &now
	if window, ok := e.Config.BiddingWindow(m.TypeCode); ok {
		limit := now.Add(window)
		m.BidLimitAt = &limit
	}
	m.SavedState = domain.StateBidding

	// Read before the tx opens: a second connection cannot see past the
	// write lock the tx itself holds.
	children, err := e.Repo.ListChildMissions(ctx, m.ID)
	if err != nil {
		return m, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
		return m, err
	}
	for _, child := range children {
		child.RequestedAt = m.RequestedAt
		child.BidLimitAt = m.BidLimitAt
		child.SavedState = domain.StateBidding
		if err := e.Repo.UpdateMission(ctx, tx, child); err != nil {
			return m, err
		}
	}
	if err := e.Events.Append(ctx, tx, "mission.requested", "mission", m.ID, actorID, events.EventPayload{
		"bid_limit_at": formatOptional(m.BidLimitAt),
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}

	e.fanOutOpen(ctx, m)
	for _, child := range children {
		e.fanOutOpen(ctx, child)
	}
	if e.Metrics != nil {
		e.Metrics.RecordMissionOpened()
	}
	return m, nil
}

// fanOutOpen tells candidate helpers about a fresh bidding window. Directed
// missions (one pre-assigned bid) notify that helper alone.
func (e Engine) fanOutOpen(ctx context.Context, m domain.Mission) {
	if m.Kind == domain.KindMulti {
		// The parent of a composite mission is not itself biddable.
		return
	}
	bids, err := e.Repo.ListBidsByMission(ctx, m.ID)
	if err != nil {
		e.logger().Printf("fan-out: list bids for %s: %v", m.ID, err)
		return
	}
	for _, b := range bids {
		if b.IsAssigned && b.CanceledAt == nil {
			e.notifySafe(notify.Recipient{UserID: b.HelperID}, notify.TplMissionOpen,
				[]any{m.Code}, map[string]string{"mission_id": m.ID})
			return
		}
	}
	if m.AreaID != nil {
		e.notifySafe(notify.Recipient{AreaIDs: []int64{*m.AreaID}}, notify.TplMissionOpen,
			[]any{m.Code}, map[string]string{"mission_id": m.ID})
		return
	}
	e.notifySafe(notify.Recipient{Cohort: "helpers"}, notify.TplMissionOpen,
		[]any{m.Code}, map[string]string{"mission_id": m.ID})
}

// CloseBidding stamps the window shut and re-projects: applied bids that did
// not win become failed.
func (e Engine) CloseBidding(ctx context.Context, missionID, actorID string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return m, err
	}
	if !m.Requested() || m.BidClosedAt != nil {
		return m, invalidTransition(m.SavedState, "closed")
	}
	now := e.now()
	m.BidClosedAt = &now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
		return m, err
	}
	if _, err := e.reprojectTx(ctx, tx, m.ID); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, "mission.bidding_closed", "mission", m.ID, actorID, nil); err != nil {
		return m, err
	}
	return m, tx.Commit()
}

// CancelMission is the customer backing out before anyone was awarded.
func (e Engine) CancelMission(ctx context.Context, missionID, detail, actorID string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return m, err
	}
	bids, err := e.Repo.ListBidsByMission(ctx, missionID)
	if err != nil {
		return m, err
	}
	now := e.now()
	current := state.ForMission(m, bids, now)
	if current != domain.StateBidding && current != domain.StateWaitingAssignee {
		return m, invalidTransition(current, domain.StateUserCanceled)
	}

	m.CanceledAt = &now
	m.CancelDetail = detail

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
		return m, err
	}
	if _, err := e.reprojectTx(ctx, tx, m.ID); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, "mission.canceled", "mission", m.ID, actorID, events.EventPayload{
		"detail": detail,
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}

	for _, b := range bids {
		if b.AppliedAt != nil && b.CanceledAt == nil {
			e.notifySafe(notify.Recipient{UserID: b.HelperID}, notify.TplMissionCanceled,
				[]any{m.Code}, map[string]string{"mission_id": m.ID})
		}
	}
	return m, nil
}

// MissionView is a mission with its live projection and bids.
type MissionView struct {
	Mission domain.Mission
	State   domain.State
	Bids    []BidView
}

// BidView is a bid with its live projection.
type BidView struct {
	Bid   domain.Bid
	State domain.State
}

// ViewMission loads and projects one mission. Nothing is written; the
// stored state may lag until the next operation or sweep pass.
func (e Engine) ViewMission(ctx context.Context, missionID string) (MissionView, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return MissionView{}, err
	}
	bids, err := e.Repo.ListBidsByMission(ctx, missionID)
	if err != nil {
		return MissionView{}, err
	}
	now := e.now()
	v := MissionView{Mission: m, State: state.ForMission(m, bids, now)}
	for _, b := range bids {
		v.Bids = append(v.Bids, BidView{Bid: b, State: state.ForBid(b, m, now)})
	}
	return v, nil
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
