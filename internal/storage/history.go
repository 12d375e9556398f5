package storage

import (
	"database/sql"
	"time"
)

// HistoryRow is one finished call as remembered locally.
type HistoryRow struct {
	CallID       string
	CallType     string
	Status       string
	InitiatorID  string
	Title        string
	Participants int
	StartedAt    time.Time
	EndedAt      *time.Time
}

// RecordCall stores or replaces the history row for a finished call.
// Terminal statuses win over anything recorded earlier for the same id.
func (d *DB) RecordCall(row HistoryRow) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var endedAt any
	if row.EndedAt != nil {
		endedAt = row.EndedAt.UTC()
	}
	_, err := d.db.Exec(`
		INSERT INTO _call_history
			(call_id, call_type, status, initiator_id, title, participants, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			status       = excluded.status,
			title        = excluded.title,
			participants = excluded.participants,
			ended_at     = excluded.ended_at,
			recorded_at  = CURRENT_TIMESTAMP`,
		row.CallID, row.CallType, row.Status, row.InitiatorID, row.Title,
		row.Participants, row.StartedAt.UTC(), endedAt,
	)
	return err
}

// History returns the most recent rows, newest first.
func (d *DB) History(limit int) ([]HistoryRow, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT call_id, call_type, status, initiator_id, title, participants, started_at, ended_at
		FROM _call_history
		ORDER BY recorded_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var r HistoryRow
		var ended sql.NullTime
		if err := rows.Scan(&r.CallID, &r.CallType, &r.Status, &r.InitiatorID,
			&r.Title, &r.Participants, &r.StartedAt, &ended); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			r.EndedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
