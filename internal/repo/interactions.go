package repo

import (
	"context"
	"database/sql"

	"bidline/internal/domain"
)

const interactionCols = `id, bid_id, kind, detail, created_by, requested_at, accepted_at, rejected_at, canceled_at`

func scanInteraction(row interface{ Scan(...any) error }) (domain.Interaction, error) {
	var i domain.Interaction
	var requestedAt string
	var acceptedAt, rejectedAt, canceledAt sql.NullString
	var kind string
	err := row.Scan(&i.ID, &i.BidID, &kind, &i.Detail, &i.CreatedBy, &requestedAt,
		&acceptedAt, &rejectedAt, &canceledAt)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	if err != nil {
		return i, err
	}
	i.Kind = domain.InteractionKind(kind)
	i.RequestedAt = mustTime(requestedAt)
	i.AcceptedAt = scanTime(acceptedAt)
	i.RejectedAt = scanTime(rejectedAt)
	i.CanceledAt = scanTime(canceledAt)
	return i, nil
}

func (r Repo) InsertInteraction(ctx context.Context, tx *sql.Tx, i domain.Interaction) error {
	_, err := r.execer(tx).ExecContext(ctx, `INSERT INTO interactions(`+interactionCols+`)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		i.ID, i.BidID, string(i.Kind), i.Detail, i.CreatedBy, formatTime(&i.RequestedAt),
		formatTime(i.AcceptedAt), formatTime(i.RejectedAt), formatTime(i.CanceledAt))
	return err
}

func (r Repo) UpdateInteraction(ctx context.Context, tx *sql.Tx, i domain.Interaction) error {
	_, err := r.execer(tx).ExecContext(ctx, `UPDATE interactions SET
		detail=?, accepted_at=?, rejected_at=?, canceled_at=? WHERE id=?`,
		i.Detail, formatTime(i.AcceptedAt), formatTime(i.RejectedAt), formatTime(i.CanceledAt), i.ID)
	return err
}

func (r Repo) GetInteraction(ctx context.Context, id string) (domain.Interaction, error) {
	return scanInteraction(r.DB.QueryRowContext(ctx,
		`SELECT `+interactionCols+` FROM interactions WHERE id=?`, id))
}

func (r Repo) ListInteractionsByBid(ctx context.Context, bidID string) ([]domain.Interaction, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+interactionCols+` FROM interactions WHERE bid_id=? ORDER BY requested_at`, bidID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Interaction
	for rows.Next() {
		i, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// HasUnresolvedInteraction reports whether any interaction on the bid is
// still awaiting resolution, regardless of kind.
func (r Repo) HasUnresolvedInteraction(ctx context.Context, bidID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions
		WHERE bid_id=? AND accepted_at IS NULL AND rejected_at IS NULL AND canceled_at IS NULL`,
		bidID).Scan(&n)
	return n > 0, err
}
