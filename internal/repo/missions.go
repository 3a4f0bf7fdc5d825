package repo

import (
	"context"
	"database/sql"

	"bidline/internal/domain"
)

const missionCols = `id, code, parent_id, kind, customer_id, type_code, content, area_id,
	amount_low, amount_high, charge_rate, due_at, created_at, requested_at, canceled_at,
	cancel_detail, bid_closed_at, bid_limit_at, timeout_seen, saved_state`

func scanMission(row interface{ Scan(...any) error }) (domain.Mission, error) {
	var m domain.Mission
	var parentID, dueAt, requestedAt, canceledAt, bidClosedAt, bidLimitAt, timeoutSeen sql.NullString
	var areaID sql.NullInt64
	var createdAt, kind, state string
	err := row.Scan(&m.ID, &m.Code, &parentID, &kind, &m.CustomerID, &m.TypeCode, &m.Content, &areaID,
		&m.AmountLow, &m.AmountHigh, &m.ChargeRate, &dueAt, &createdAt, &requestedAt, &canceledAt,
		&m.CancelDetail, &bidClosedAt, &bidLimitAt, &timeoutSeen, &state)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.ParentID = scanStringPtr(parentID)
	m.Kind = domain.MissionKind(kind)
	m.AreaID = scanInt64Ptr(areaID)
	m.DueAt = scanTime(dueAt)
	m.CreatedAt = mustTime(createdAt)
	m.RequestedAt = scanTime(requestedAt)
	m.CanceledAt = scanTime(canceledAt)
	m.BidClosedAt = scanTime(bidClosedAt)
	m.BidLimitAt = scanTime(bidLimitAt)
	m.TimeoutSeen = scanTime(timeoutSeen)
	m.SavedState = domain.State(state)
	return m, nil
}

func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := r.execer(tx).ExecContext(ctx, `INSERT INTO missions(`+missionCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Code, nullableStringPtr(m.ParentID), string(m.Kind), m.CustomerID, m.TypeCode, m.Content,
		nullableInt64(m.AreaID), m.AmountLow, m.AmountHigh, m.ChargeRate, formatTime(m.DueAt),
		formatTime(&m.CreatedAt), formatTime(m.RequestedAt), formatTime(m.CanceledAt), m.CancelDetail,
		formatTime(m.BidClosedAt), formatTime(m.BidLimitAt), formatTime(m.TimeoutSeen), string(m.SavedState))
	return err
}

func (r Repo) UpdateMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := r.execer(tx).ExecContext(ctx, `UPDATE missions SET
		code=?, parent_id=?, kind=?, customer_id=?, type_code=?, content=?, area_id=?,
		amount_low=?, amount_high=?, charge_rate=?, due_at=?, requested_at=?, canceled_at=?,
		cancel_detail=?, bid_closed_at=?, bid_limit_at=?, timeout_seen=?, saved_state=?
		WHERE id=?`,
		m.Code, nullableStringPtr(m.ParentID), string(m.Kind), m.CustomerID, m.TypeCode, m.Content,
		nullableInt64(m.AreaID), m.AmountLow, m.AmountHigh, m.ChargeRate, formatTime(m.DueAt),
		formatTime(m.RequestedAt), formatTime(m.CanceledAt), m.CancelDetail,
		formatTime(m.BidClosedAt), formatTime(m.BidLimitAt), formatTime(m.TimeoutSeen),
		string(m.SavedState), m.ID)
	return err
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return scanMission(r.DB.QueryRowContext(ctx, `SELECT `+missionCols+` FROM missions WHERE id=?`, id))
}

// GetMissionTx reads through the transaction so in-flight writes are seen.
func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	return scanMission(r.querier(tx).QueryRowContext(ctx, `SELECT `+missionCols+` FROM missions WHERE id=?`, id))
}

func (r Repo) GetMissionByCode(ctx context.Context, code string) (domain.Mission, error) {
	return scanMission(r.DB.QueryRowContext(ctx,
		`SELECT `+missionCols+` FROM missions WHERE code=? ORDER BY created_at DESC LIMIT 1`, code))
}

func (r Repo) listMissions(ctx context.Context, query string, args ...any) ([]domain.Mission, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var missions []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		missions = append(missions, m)
	}
	return missions, rows.Err()
}

func (r Repo) ListMissions(ctx context.Context) ([]domain.Mission, error) {
	return r.listMissions(ctx, `SELECT `+missionCols+` FROM missions ORDER BY created_at`)
}

func (r Repo) ListMissionsByCustomer(ctx context.Context, customerID string) ([]domain.Mission, error) {
	return r.listMissions(ctx,
		`SELECT `+missionCols+` FROM missions WHERE customer_id=? ORDER BY created_at`, customerID)
}

func (r Repo) ListMissionsByState(ctx context.Context, states ...domain.State) ([]domain.Mission, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query := `SELECT ` + missionCols + ` FROM missions WHERE saved_state IN (?` +
		repeat(",?", len(states)-1) + `) ORDER BY created_at`
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = string(s)
	}
	return r.listMissions(ctx, query, args...)
}

// ListTimedOutBidding returns requested, still-open missions whose bidding
// deadline passed and whose timeout has not yet been observed by the sweep.
func (r Repo) ListTimedOutBidding(ctx context.Context, nowRFC3339 string) ([]domain.Mission, error) {
	return r.listMissions(ctx, `SELECT `+missionCols+` FROM missions
		WHERE requested_at IS NOT NULL AND canceled_at IS NULL AND bid_closed_at IS NULL
		AND timeout_seen IS NULL AND bid_limit_at IS NOT NULL AND bid_limit_at <= ?`, nowRFC3339)
}

func (r Repo) ListChildMissions(ctx context.Context, parentID string) ([]domain.Mission, error) {
	return r.listMissions(ctx,
		`SELECT `+missionCols+` FROM missions WHERE parent_id=? ORDER BY created_at`, parentID)
}

func nullableStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
