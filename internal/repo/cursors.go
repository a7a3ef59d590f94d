package repo

import (
	"context"
	"database/sql"
	"time"
)

// RelayCursor returns the last event ID delivered to target. ok is false when the
// target has never stored a cursor.
func (r Repo) RelayCursor(ctx context.Context, target string) (id int64, ok bool, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT event_id FROM relay_cursors WHERE target=?`, target).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (r Repo) SetRelayCursor(ctx context.Context, target string, id int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO relay_cursors(target,event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(target) DO UPDATE SET event_id=excluded.event_id, updated_at=excluded.updated_at`,
		target, id, time.Now().UTC().Format(time.RFC3339))
	return err
}
