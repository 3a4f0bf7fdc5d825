package repo

import (
	"context"
	"database/sql"

	"bidline/internal/domain"
)

const safetyCols = `id, bid_id, user_id, role, number, assigned_number, assigned_at, unassigned_at, created_at`

func scanSafetyNumber(row interface{ Scan(...any) error }) (domain.SafetyNumber, error) {
	var n domain.SafetyNumber
	var assignedAt, unassignedAt sql.NullString
	var createdAt, role string
	err := row.Scan(&n.ID, &n.BidID, &n.UserID, &role, &n.Number, &n.AssignedNumber,
		&assignedAt, &unassignedAt, &createdAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	n.Role = domain.SafetyRole(role)
	n.AssignedAt = scanTime(assignedAt)
	n.UnassignedAt = scanTime(unassignedAt)
	n.CreatedAt = mustTime(createdAt)
	return n, nil
}

func (r Repo) InsertSafetyNumber(ctx context.Context, tx *sql.Tx, n domain.SafetyNumber) (int64, error) {
	res, err := r.execer(tx).ExecContext(ctx, `INSERT INTO safety_numbers
		(bid_id, user_id, role, number, assigned_number, assigned_at, unassigned_at, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		n.BidID, n.UserID, string(n.Role), n.Number, n.AssignedNumber,
		formatTime(n.AssignedAt), formatTime(n.UnassignedAt), formatTime(&n.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) UpdateSafetyNumber(ctx context.Context, tx *sql.Tx, n domain.SafetyNumber) error {
	_, err := r.execer(tx).ExecContext(ctx, `UPDATE safety_numbers SET
		assigned_at=?, unassigned_at=? WHERE id=?`,
		formatTime(n.AssignedAt), formatTime(n.UnassignedAt), n.ID)
	return err
}

func (r Repo) listSafetyNumbers(ctx context.Context, query string, args ...any) ([]domain.SafetyNumber, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SafetyNumber
	for rows.Next() {
		n, err := scanSafetyNumber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ListActiveLeasesByBid returns the currently live masked-number pair for a bid.
func (r Repo) ListActiveLeasesByBid(ctx context.Context, bidID string) ([]domain.SafetyNumber, error) {
	return r.listSafetyNumbers(ctx, `SELECT `+safetyCols+` FROM safety_numbers
		WHERE bid_id=? AND assigned_at IS NOT NULL AND unassigned_at IS NULL`, bidID)
}

// ListLeasesByBid returns every lease row for a bid, inert ones included.
func (r Repo) ListLeasesByBid(ctx context.Context, bidID string) ([]domain.SafetyNumber, error) {
	return r.listSafetyNumbers(ctx,
		`SELECT `+safetyCols+` FROM safety_numbers WHERE bid_id=? ORDER BY id`, bidID)
}

// ListLeasesOlderThan returns active leases assigned before the cutoff, for
// the sweep's 30-day force expiry.
func (r Repo) ListLeasesOlderThan(ctx context.Context, cutoffRFC3339 string) ([]domain.SafetyNumber, error) {
	return r.listSafetyNumbers(ctx, `SELECT `+safetyCols+` FROM safety_numbers
		WHERE assigned_at IS NOT NULL AND assigned_at < ? AND unassigned_at IS NULL`, cutoffRFC3339)
}

// CountActiveLeases returns how many leases are live across all bids.
func (r Repo) CountActiveLeases(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM safety_numbers
		WHERE assigned_at IS NOT NULL AND unassigned_at IS NULL`).Scan(&n)
	return n, err
}

// ActiveAssignedNumbers returns every masked number currently leased (or
// pending relay confirmation) in the given sub-range prefix. Rows without an
// assigned_at are included: they were inserted ahead of a relay call and
// their number must not be handed out twice.
func (r Repo) ActiveAssignedNumbers(ctx context.Context, prefix string) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT assigned_number FROM safety_numbers
		WHERE unassigned_at IS NULL AND assigned_number LIKE ?`, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	used := map[string]bool{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		used[n] = true
	}
	return used, rows.Err()
}
