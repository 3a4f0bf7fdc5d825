package repo

import (
	"context"
	"database/sql"

	"bidline/internal/domain"
)

const eventCols = `id, ts, type, entity_kind, entity_id, actor_id, payload_json`

func scanEvent(row interface{ Scan(...any) error }) (domain.Event, error) {
	var e domain.Event
	var ts string
	var entityID sql.NullString
	err := row.Scan(&e.ID, &ts, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &e.Payload)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.TS = mustTime(ts)
	e.EntityID = entityID.String
	return e, nil
}

// ListEventsByEntity is the audit timeline for one mission, bid or
// interaction, oldest first.
func (r Repo) ListEventsByEntity(ctx context.Context, kind, id string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventCols+` FROM events
		WHERE entity_kind=? AND entity_id=? ORDER BY id`, kind, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListRecentEvents returns the newest events across all entities.
func (r Repo) ListRecentEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+eventCols+` FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
