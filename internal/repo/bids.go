package repo

import (
	"context"
	"database/sql"

	"bidline/internal/domain"
)

const bidCols = `id, mission_id, helper_id, amount, message, is_assigned, due_at, adjusted_due_at,
	applied_at, won_at, canceled_at, canceled_by_admin, done_at, chat_closed_at, locked_at,
	cash_entry_id, point_entry_id, created_at, saved_state`

func scanBid(row interface{ Scan(...any) error }) (domain.Bid, error) {
	var b domain.Bid
	var dueAt, adjustedDueAt, appliedAt, wonAt, canceledAt, doneAt, chatClosedAt, lockedAt sql.NullString
	var cashEntry, pointEntry sql.NullInt64
	var createdAt, state string
	err := row.Scan(&b.ID, &b.MissionID, &b.HelperID, &b.Amount, &b.Message, &b.IsAssigned,
		&dueAt, &adjustedDueAt, &appliedAt, &wonAt, &canceledAt, &b.CanceledByAdmin, &doneAt,
		&chatClosedAt, &lockedAt, &cashEntry, &pointEntry, &createdAt, &state)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.DueAt = scanTime(dueAt)
	b.AdjustedDueAt = scanTime(adjustedDueAt)
	b.AppliedAt = scanTime(appliedAt)
	b.WonAt = scanTime(wonAt)
	b.CanceledAt = scanTime(canceledAt)
	b.DoneAt = scanTime(doneAt)
	b.ChatClosedAt = scanTime(chatClosedAt)
	b.LockedAt = scanTime(lockedAt)
	b.CashEntryID = scanInt64Ptr(cashEntry)
	b.PointEntryID = scanInt64Ptr(pointEntry)
	b.CreatedAt = mustTime(createdAt)
	b.SavedState = domain.State(state)
	return b, nil
}

func (r Repo) InsertBid(ctx context.Context, tx *sql.Tx, b domain.Bid) error {
	_, err := r.execer(tx).ExecContext(ctx, `INSERT INTO bids(`+bidCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.MissionID, b.HelperID, b.Amount, b.Message, b.IsAssigned,
		formatTime(b.DueAt), formatTime(b.AdjustedDueAt), formatTime(b.AppliedAt),
		formatTime(b.WonAt), formatTime(b.CanceledAt), b.CanceledByAdmin, formatTime(b.DoneAt),
		formatTime(b.ChatClosedAt), formatTime(b.LockedAt), nullableInt64(b.CashEntryID),
		nullableInt64(b.PointEntryID), formatTime(&b.CreatedAt), string(b.SavedState))
	return err
}

func (r Repo) UpdateBid(ctx context.Context, tx *sql.Tx, b domain.Bid) error {
	_, err := r.execer(tx).ExecContext(ctx, `UPDATE bids SET
		mission_id=?, helper_id=?, amount=?, message=?, is_assigned=?, due_at=?, adjusted_due_at=?,
		applied_at=?, won_at=?, canceled_at=?, canceled_by_admin=?, done_at=?, chat_closed_at=?,
		locked_at=?, cash_entry_id=?, point_entry_id=?, saved_state=?
		WHERE id=?`,
		b.MissionID, b.HelperID, b.Amount, b.Message, b.IsAssigned, formatTime(b.DueAt),
		formatTime(b.AdjustedDueAt), formatTime(b.AppliedAt), formatTime(b.WonAt),
		formatTime(b.CanceledAt), b.CanceledByAdmin, formatTime(b.DoneAt), formatTime(b.ChatClosedAt),
		formatTime(b.LockedAt), nullableInt64(b.CashEntryID), nullableInt64(b.PointEntryID),
		string(b.SavedState), b.ID)
	return err
}

func (r Repo) GetBid(ctx context.Context, id string) (domain.Bid, error) {
	return scanBid(r.DB.QueryRowContext(ctx, `SELECT `+bidCols+` FROM bids WHERE id=?`, id))
}

// GetBidForUpdate reads a bid inside a transaction so lock acquisition sees
// a consistent row.
func (r Repo) GetBidForUpdate(ctx context.Context, tx *sql.Tx, id string) (domain.Bid, error) {
	return scanBid(tx.QueryRowContext(ctx, `SELECT `+bidCols+` FROM bids WHERE id=?`, id))
}

func (r Repo) listBids(ctx context.Context, query string, args ...any) ([]domain.Bid, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var bids []domain.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

func (r Repo) ListBidsByMission(ctx context.Context, missionID string) ([]domain.Bid, error) {
	return r.listBids(ctx, `SELECT `+bidCols+` FROM bids WHERE mission_id=? ORDER BY created_at`, missionID)
}

// ListBidsByMissionTx reads through the transaction so in-flight writes are
// seen, as re-projection inside an operation requires.
func (r Repo) ListBidsByMissionTx(ctx context.Context, tx *sql.Tx, missionID string) ([]domain.Bid, error) {
	rows, err := r.querier(tx).QueryContext(ctx,
		`SELECT `+bidCols+` FROM bids WHERE mission_id=? ORDER BY created_at`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var bids []domain.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

func (r Repo) ListBidsByHelper(ctx context.Context, helperID string) ([]domain.Bid, error) {
	return r.listBids(ctx, `SELECT `+bidCols+` FROM bids WHERE helper_id=? ORDER BY created_at`, helperID)
}

func (r Repo) ListBidsByState(ctx context.Context, states ...domain.State) ([]domain.Bid, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query := `SELECT ` + bidCols + ` FROM bids WHERE saved_state IN (?` +
		repeat(",?", len(states)-1) + `) ORDER BY created_at`
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = string(s)
	}
	return r.listBids(ctx, query, args...)
}

// GetUnresolvedBidByHelper returns the helper's live (not canceled) bid on a
// mission if one exists; duplicates update in place rather than piling up.
func (r Repo) GetUnresolvedBidByHelper(ctx context.Context, missionID, helperID string) (domain.Bid, error) {
	return scanBid(r.DB.QueryRowContext(ctx, `SELECT `+bidCols+` FROM bids
		WHERE mission_id=? AND helper_id=? AND canceled_at IS NULL
		ORDER BY created_at DESC LIMIT 1`, missionID, helperID))
}

// ListExpiredLocks returns bids whose award lock is older than the cutoff.
func (r Repo) ListExpiredLocks(ctx context.Context, cutoffRFC3339 string) ([]domain.Bid, error) {
	return r.listBids(ctx,
		`SELECT `+bidCols+` FROM bids WHERE locked_at IS NOT NULL AND locked_at <= ?`, cutoffRFC3339)
}

// ListInActionBids returns bids that are awarded but neither finished nor
// canceled, the set whose masked numbers must be live.
func (r Repo) ListInActionBids(ctx context.Context) ([]domain.Bid, error) {
	return r.listBids(ctx, `SELECT `+bidCols+` FROM bids
		WHERE won_at IS NOT NULL AND canceled_at IS NULL AND done_at IS NULL`)
}

// CountDoneMissions returns how many of a customer's missions have completed,
// used for the first-mission reward tier.
func (r Repo) CountDoneMissions(ctx context.Context, customerID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM missions m
		WHERE m.customer_id=? AND EXISTS (
			SELECT 1 FROM bids b WHERE b.mission_id=m.id AND b.done_at IS NOT NULL AND b.canceled_at IS NULL
		)`, customerID).Scan(&n)
	return n, err
}
