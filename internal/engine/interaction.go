package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bidline/internal/domain"
	"bidline/internal/events"
	"bidline/internal/notify"
	"bidline/internal/payment"
	"bidline/internal/state"
)

// counterparty returns who must answer an interaction opened by createdBy.
func counterparty(m domain.Mission, b domain.Bid, createdBy string) (string, error) {
	switch createdBy {
	case m.CustomerID:
		return b.HelperID, nil
	case b.HelperID:
		return m.CustomerID, nil
	}
	return "", fmt.Errorf("%w: %s is not a party to bid %s", ErrNotCounterparty, createdBy, b.ID)
}

// CreateInteraction opens a two-party request on an awarded bid. Only one
// may be unresolved at a time.
func (e Engine) CreateInteraction(ctx context.Context, bidID string, kind domain.InteractionKind, detail, actorID string) (domain.Interaction, error) {
	b, err := e.Repo.GetBid(ctx, bidID)
	if err != nil {
		return domain.Interaction{}, err
	}
	m, err := e.Repo.GetMission(ctx, b.MissionID)
	if err != nil {
		return domain.Interaction{}, err
	}
	now := e.now()
	if current := state.ForBid(b, m, now); current != domain.StateInAction {
		return domain.Interaction{}, invalidTransition(current, string(kind)+" requested")
	}
	if _, err := counterparty(m, b, actorID); err != nil {
		return domain.Interaction{}, err
	}
	switch kind {
	case domain.InteractionCancel, domain.InteractionComplete:
	case domain.InteractionReschedule:
		if _, err := time.Parse(time.RFC3339, detail); err != nil {
			return domain.Interaction{}, fmt.Errorf("reschedule detail must be an RFC3339 time: %w", err)
		}
	default:
		return domain.Interaction{}, fmt.Errorf("unknown interaction kind %s", kind)
	}
	pending, err := e.Repo.HasUnresolvedInteraction(ctx, bidID)
	if err != nil {
		return domain.Interaction{}, err
	}
	if pending {
		return domain.Interaction{}, fmt.Errorf("%w: bid %s", ErrConflictingRequest, bidID)
	}

	i := domain.Interaction{
		ID:          e.newID(),
		BidID:       bidID,
		Kind:        kind,
		Detail:      detail,
		CreatedBy:   actorID,
		RequestedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return i, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertInteraction(ctx, tx, i); err != nil {
		return i, err
	}
	if err := e.Events.Append(ctx, tx, "interaction.requested", "interaction", i.ID, actorID, events.EventPayload{
		"bid_id": bidID, "kind": string(kind),
	}); err != nil {
		return i, err
	}
	if err := tx.Commit(); err != nil {
		return i, err
	}

	to, _ := counterparty(m, b, actorID)
	e.notifySafe(notify.Recipient{UserID: to}, notify.TplInteractionAsked,
		[]any{string(kind)}, map[string]string{"interaction_id": i.ID, "bid_id": bidID})
	return i, nil
}

// AcceptInteraction resolves a request in the requester's favor. The side
// effect runs in the same transaction as the acceptance: if it cannot be
// applied, the interaction stays unresolved.
func (e Engine) AcceptInteraction(ctx context.Context, interactionID, actorID string) (domain.Interaction, error) {
	i, err := e.Repo.GetInteraction(ctx, interactionID)
	if err != nil {
		return i, err
	}
	if i.Resolved() {
		return i, invalidTransition(i.State(), domain.InteractionAccepted)
	}
	b, err := e.Repo.GetBid(ctx, i.BidID)
	if err != nil {
		return i, err
	}
	m, err := e.Repo.GetMission(ctx, b.MissionID)
	if err != nil {
		return i, err
	}
	answerer, err := counterparty(m, b, i.CreatedBy)
	if err != nil {
		return i, err
	}
	if actorID != answerer {
		return i, fmt.Errorf("%w: only %s may answer", ErrNotCounterparty, answerer)
	}

	now := e.now()
	i.AcceptedAt = &now

	switch i.Kind {
	case domain.InteractionComplete:
		// Settlement has its own transaction and guards; record the
		// acceptance after it succeeds.
		if _, err := e.Finish(ctx, b.ID, actorID); err != nil {
			i.AcceptedAt = nil
			return i, err
		}
		if err := e.resolveInteraction(ctx, i, "interaction.accepted", actorID); err != nil {
			return i, err
		}
	case domain.InteractionCancel:
		if err := e.acceptCancel(ctx, i, b, m, actorID); err != nil {
			i.AcceptedAt = nil
			return i, err
		}
		e.unassignSafetyPair(ctx, b.ID)
		e.closeChat(b.ID)
	case domain.InteractionReschedule:
		due, err := time.Parse(time.RFC3339, i.Detail)
		if err != nil {
			return i, fmt.Errorf("reschedule detail: %w", err)
		}
		b.AdjustedDueAt = &due
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return i, err
		}
		defer tx.Rollback()
		if err := e.Repo.UpdateBid(ctx, tx, b); err != nil {
			return i, err
		}
		if err := e.Repo.UpdateInteraction(ctx, tx, i); err != nil {
			return i, err
		}
		if err := e.Events.Append(ctx, tx, "interaction.accepted", "interaction", i.ID, actorID, events.EventPayload{
			"kind": string(i.Kind), "due_at": i.Detail,
		}); err != nil {
			return i, err
		}
		if err := tx.Commit(); err != nil {
			return i, err
		}
	}

	e.notifySafe(notify.Recipient{UserID: i.CreatedBy}, notify.TplInteractionClosed,
		[]any{string(i.Kind), "accepted"}, map[string]string{"interaction_id": i.ID})
	return i, nil
}

// acceptCancel reverses the charge and cancels the bid atomically with the
// acceptance. Reversal failure is a hard stop.
func (e Engine) acceptCancel(ctx context.Context, i domain.Interaction, b domain.Bid, m domain.Mission, actorID string) error {
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Payments.Reverse(ctx, tx, b.ID); err != nil && !errors.Is(err, payment.ErrNothingToReverse) {
		return externalFailure("payment reversal", err)
	}
	b.CanceledAt = &now
	if err := e.Repo.UpdateBid(ctx, tx, b); err != nil {
		return err
	}
	if err := e.Repo.UpdateInteraction(ctx, tx, i); err != nil {
		return err
	}
	if _, err := e.reprojectTx(ctx, tx, m.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "interaction.accepted", "interaction", i.ID, actorID, events.EventPayload{
		"kind": string(i.Kind),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) resolveInteraction(ctx context.Context, i domain.Interaction, evtType, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateInteraction(ctx, tx, i); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, evtType, "interaction", i.ID, actorID, events.EventPayload{
		"kind": string(i.Kind),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RejectInteraction resolves a request against the requester. No side
// effects beyond the notification.
func (e Engine) RejectInteraction(ctx context.Context, interactionID, actorID string) (domain.Interaction, error) {
	i, err := e.Repo.GetInteraction(ctx, interactionID)
	if err != nil {
		return i, err
	}
	if i.Resolved() {
		return i, invalidTransition(i.State(), domain.InteractionRejected)
	}
	b, err := e.Repo.GetBid(ctx, i.BidID)
	if err != nil {
		return i, err
	}
	m, err := e.Repo.GetMission(ctx, b.MissionID)
	if err != nil {
		return i, err
	}
	answerer, err := counterparty(m, b, i.CreatedBy)
	if err != nil {
		return i, err
	}
	if actorID != answerer {
		return i, fmt.Errorf("%w: only %s may answer", ErrNotCounterparty, answerer)
	}
	now := e.now()
	i.RejectedAt = &now
	if err := e.resolveInteraction(ctx, i, "interaction.rejected", actorID); err != nil {
		return i, err
	}
	e.notifySafe(notify.Recipient{UserID: i.CreatedBy}, notify.TplInteractionClosed,
		[]any{string(i.Kind), "rejected"}, map[string]string{"interaction_id": i.ID})
	return i, nil
}

// CancelInteraction withdraws a request. Only the requester may.
func (e Engine) CancelInteraction(ctx context.Context, interactionID, actorID string) (domain.Interaction, error) {
	i, err := e.Repo.GetInteraction(ctx, interactionID)
	if err != nil {
		return i, err
	}
	if i.Resolved() {
		return i, invalidTransition(i.State(), domain.InteractionCanceled)
	}
	if actorID != i.CreatedBy {
		return i, fmt.Errorf("%w: only the requester may withdraw", ErrNotCounterparty)
	}
	now := e.now()
	i.CanceledAt = &now
	if err := e.resolveInteraction(ctx, i, "interaction.canceled", actorID); err != nil {
		return i, err
	}
	return i, nil
}

// ListInteractions returns a bid's interaction history, oldest first.
func (e Engine) ListInteractions(ctx context.Context, bidID string) ([]domain.Interaction, error) {
	return e.Repo.ListInteractionsByBid(ctx, bidID)
}
