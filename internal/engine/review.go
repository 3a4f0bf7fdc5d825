package engine

import (
	"context"
	"errors"
	"fmt"

	"bidline/internal/domain"
	"bidline/internal/events"
	"bidline/internal/notify"
	"bidline/internal/repo"
	"bidline/internal/state"
)

// ReviewOptions carry the two category star ratings and free text.
type ReviewOptions struct {
	BidID   string
	Stars   [2]int
	Content string
	ActorID string
}

func validStars(stars [2]int) error {
	for _, s := range stars {
		if s < 1 || s > 5 {
			return fmt.Errorf("stars must be 1-5, got %d", s)
		}
	}
	return nil
}

// CreateReview rates a completed bid. Each party writes at most one; a
// repeat create within the edit window updates it instead.
func (e Engine) CreateReview(ctx context.Context, opts ReviewOptions) (domain.Review, error) {
	if err := validStars(opts.Stars); err != nil {
		return domain.Review{}, err
	}
	b, err := e.Repo.GetBid(ctx, opts.BidID)
	if err != nil {
		return domain.Review{}, err
	}
	m, err := e.Repo.GetMission(ctx, b.MissionID)
	if err != nil {
		return domain.Review{}, err
	}
	now := e.now()
	if current := state.ForBid(b, m, now); current != domain.StateDone {
		return domain.Review{}, invalidTransition(current, "reviewed")
	}
	if _, err := counterparty(m, b, opts.ActorID); err != nil {
		return domain.Review{}, err
	}

	existing, err := e.Repo.GetReviewByAuthor(ctx, opts.BidID, opts.ActorID)
	if err == nil {
		return e.updateReview(ctx, existing, opts)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Review{}, err
	}

	v := domain.Review{
		ID:        e.newID(),
		BidID:     opts.BidID,
		Stars:     opts.Stars,
		Content:   opts.Content,
		CreatedBy: opts.ActorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return v, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertReview(ctx, tx, v); err != nil {
		return v, err
	}
	if err := e.Events.Append(ctx, tx, "review.created", "bid", b.ID, opts.ActorID, events.EventPayload{
		"stars": opts.Stars,
	}); err != nil {
		return v, err
	}
	if err := tx.Commit(); err != nil {
		return v, err
	}

	to, _ := counterparty(m, b, opts.ActorID)
	e.notifySafe(notify.Recipient{UserID: to}, notify.TplReviewReceived,
		[]any{m.Code}, map[string]string{"bid_id": b.ID})
	return v, nil
}

// updateReview rewrites an existing review inside its edit window.
func (e Engine) updateReview(ctx context.Context, v domain.Review, opts ReviewOptions) (domain.Review, error) {
	now := e.now()
	if window := e.Config.ReviewEditWindow(); window > 0 && now.Sub(v.CreatedAt) > window {
		return v, fmt.Errorf("%w: created %s", ErrEditWindowClosed, v.CreatedAt.Format("2006-01-02"))
	}
	v.Stars = opts.Stars
	v.Content = opts.Content
	v.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return v, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateReview(ctx, tx, v); err != nil {
		return v, err
	}
	if err := e.Events.Append(ctx, tx, "review.updated", "bid", v.BidID, opts.ActorID, events.EventPayload{
		"stars": opts.Stars,
	}); err != nil {
		return v, err
	}
	return v, tx.Commit()
}

// ListReviews returns a bid's reviews, oldest first.
func (e Engine) ListReviews(ctx context.Context, bidID string) ([]domain.Review, error) {
	return e.Repo.ListReviewsByBid(ctx, bidID)
}
