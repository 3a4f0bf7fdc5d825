package repo

import (
	"context"
	"database/sql"

	"bidline/internal/domain"
)

const actorCols = `id, name, mobile, is_helper, fee_rate, referrer_id, area_ids, created_at`

func scanActor(row interface{ Scan(...any) error }) (domain.Actor, error) {
	var a domain.Actor
	var feeRate sql.NullInt64
	var referrer, areas sql.NullString
	var createdAt string
	err := row.Scan(&a.ID, &a.Name, &a.Mobile, &a.IsHelper, &feeRate, &referrer, &areas, &createdAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.FeeRate = scanIntPtr(feeRate)
	a.ReferrerID = scanStringPtr(referrer)
	if areas.Valid {
		a.AreaIDs = splitIDs(areas.String)
	}
	a.CreatedAt = mustTime(createdAt)
	return a, nil
}

func (r Repo) InsertActor(ctx context.Context, tx *sql.Tx, a domain.Actor) error {
	_, err := r.execer(tx).ExecContext(ctx, `INSERT INTO actors
		(id, name, mobile, is_helper, fee_rate, referrer_id, area_ids, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.Mobile, a.IsHelper, nullableIntPtr(a.FeeRate),
		nullableStringPtr(a.ReferrerID), joinIDs(a.AreaIDs), formatTime(&a.CreatedAt))
	return err
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actorCols+` FROM actors WHERE id=?`, id)
	return scanActor(row)
}

// ListHelpersByArea returns helpers whose service areas include the given
// area, for new-mission fan-out notifications.
func (r Repo) ListHelpersByArea(ctx context.Context, areaID int64) ([]domain.Actor, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+actorCols+` FROM actors WHERE is_helper=1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		for _, id := range a.AreaIDs {
			if id == areaID {
				out = append(out, a)
				break
			}
		}
	}
	return out, rows.Err()
}
