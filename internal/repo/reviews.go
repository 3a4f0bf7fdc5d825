package repo

import (
	"context"
	"database/sql"

	"bidline/internal/domain"
)

const reviewCols = `id, bid_id, stars_1, stars_2, content, created_by, created_at, updated_at`

func scanReview(row interface{ Scan(...any) error }) (domain.Review, error) {
	var v domain.Review
	var createdAt, updatedAt string
	err := row.Scan(&v.ID, &v.BidID, &v.Stars[0], &v.Stars[1], &v.Content,
		&v.CreatedBy, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.CreatedAt = mustTime(createdAt)
	v.UpdatedAt = mustTime(updatedAt)
	return v, nil
}

func (r Repo) InsertReview(ctx context.Context, tx *sql.Tx, v domain.Review) error {
	_, err := r.execer(tx).ExecContext(ctx, `INSERT INTO reviews
		(id, bid_id, stars_1, stars_2, content, created_by, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		v.ID, v.BidID, v.Stars[0], v.Stars[1], v.Content, v.CreatedBy,
		formatTime(&v.CreatedAt), formatTime(&v.UpdatedAt))
	return err
}

func (r Repo) UpdateReview(ctx context.Context, tx *sql.Tx, v domain.Review) error {
	_, err := r.execer(tx).ExecContext(ctx, `UPDATE reviews SET
		stars_1=?, stars_2=?, content=?, updated_at=? WHERE id=?`,
		v.Stars[0], v.Stars[1], v.Content, formatTime(&v.UpdatedAt), v.ID)
	return err
}

func (r Repo) GetReview(ctx context.Context, id string) (domain.Review, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+reviewCols+` FROM reviews WHERE id=?`, id)
	return scanReview(row)
}

// GetReviewByAuthor returns the one review the given actor wrote on a bid.
func (r Repo) GetReviewByAuthor(ctx context.Context, bidID, createdBy string) (domain.Review, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+reviewCols+` FROM reviews WHERE bid_id=? AND created_by=?`, bidID, createdBy)
	return scanReview(row)
}

func (r Repo) ListReviewsByBid(ctx context.Context, bidID string) ([]domain.Review, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+reviewCols+` FROM reviews WHERE bid_id=? ORDER BY created_at`, bidID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Review
	for rows.Next() {
		v, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
