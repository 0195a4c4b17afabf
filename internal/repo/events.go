package repo

import (
	"context"
	"database/sql"

	"joatu/internal/domain"
)

const eventColumns = `id, ts, type, entity_kind, COALESCE(entity_id,''), actor_id, COALESCE(payload_json,'')`

// EventsAfter returns up to limit events with id greater than afterID, in id order.
func (r Repo) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.listEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
}

// LatestEvents returns the newest events, newest first, optionally for one entity.
func (r Repo) LatestEvents(ctx context.Context, entityKind, entityID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + eventColumns + ` FROM events`
	var args []any
	if entityKind != "" {
		query += ` WHERE entity_kind=?`
		args = append(args, entityKind)
		if entityID != "" {
			query += ` AND entity_id=?`
			args = append(args, entityID)
		}
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.listEvents(ctx, query, args...)
}

func (r Repo) listEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// Cursor returns the last event id delivered by the named relay; ok is false
// when the relay never stored one.
func (r Repo) Cursor(ctx context.Context, name string) (id int64, ok bool, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM notification_cursors WHERE name=?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	return id, err == nil, err
}

func (r Repo) SetCursor(ctx context.Context, name string, lastEventID int64, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notification_cursors(name,last_event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at`, name, lastEventID, now)
	return err
}
