// Package payment abstracts the charge processor. Money operations fail
// closed: an error from the gateway aborts the lifecycle operation that
// needed it.
package payment

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"bidline/internal/domain"
	"bidline/internal/repo"
)

// ErrNothingToReverse means no live capture exists for the bid.
var ErrNothingToReverse = errors.New("payment: no capture to reverse")

// Gateway captures and reverses charges against a bid.
type Gateway interface {
	Capture(ctx context.Context, tx *sql.Tx, bidID string, amount int64) (int64, error)
	Reverse(ctx context.Context, tx *sql.Tx, bidID string) error
}

// LocalGateway books charges in the payments table only. It is the default
// for single-binary deployments where settlement happens out of band.
type LocalGateway struct {
	Repo repo.Repo
	Now  func() time.Time
}

func NewLocal(r repo.Repo) *LocalGateway {
	return &LocalGateway{Repo: r, Now: func() time.Time { return time.Now().UTC() }}
}

func (g *LocalGateway) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}

func (g *LocalGateway) Capture(ctx context.Context, tx *sql.Tx, bidID string, amount int64) (int64, error) {
	return g.Repo.InsertPayment(ctx, tx, domain.Payment{
		BidID:      bidID,
		Amount:     amount,
		CapturedAt: g.now(),
	})
}

func (g *LocalGateway) Reverse(ctx context.Context, tx *sql.Tx, bidID string) error {
	payments, err := g.Repo.ListPaymentsByBid(ctx, tx, bidID)
	if err != nil {
		return err
	}
	for _, p := range payments {
		if p.ReversedAt == nil {
			return g.Repo.MarkPaymentReversed(ctx, tx, p.ID, g.now().Format(time.RFC3339))
		}
	}
	return ErrNothingToReverse
}
