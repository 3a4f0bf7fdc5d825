package repo

import (
	"context"
	"database/sql"

	"bidline/internal/domain"
)

const paymentCols = `id, bid_id, amount, captured_at, reversed_at`

func scanPayment(row interface{ Scan(...any) error }) (domain.Payment, error) {
	var p domain.Payment
	var capturedAt string
	var reversedAt sql.NullString
	err := row.Scan(&p.ID, &p.BidID, &p.Amount, &capturedAt, &reversedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.CapturedAt = mustTime(capturedAt)
	p.ReversedAt = scanTime(reversedAt)
	return p, nil
}

func (r Repo) InsertPayment(ctx context.Context, tx *sql.Tx, p domain.Payment) (int64, error) {
	res, err := r.execer(tx).ExecContext(ctx, `INSERT INTO payments
		(bid_id, amount, captured_at, reversed_at) VALUES (?,?,?,?)`,
		p.BidID, p.Amount, formatTime(&p.CapturedAt), formatTime(p.ReversedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) MarkPaymentReversed(ctx context.Context, tx *sql.Tx, id int64, at string) error {
	_, err := r.execer(tx).ExecContext(ctx,
		`UPDATE payments SET reversed_at=? WHERE id=?`, at, id)
	return err
}

func (r Repo) ListPaymentsByBid(ctx context.Context, tx *sql.Tx, bidID string) ([]domain.Payment, error) {
	rows, err := r.querier(tx).QueryContext(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE bid_id=? ORDER BY id`, bidID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
