package storage

import (
	"time"
)

// CallRecord mirrors one call_history row locally.
type CallRecord struct {
	ID              string
	ConversationID  string
	CallerID        string
	CallType        string
	Status          string
	DurationSeconds int
	StartedAt       time.Time
	EndedAt         time.Time
}

// UpsertCallRecord mirrors a call history row; replaying the same row is
// harmless (the feed is at-least-once).
func (d *DB) UpsertCallRecord(r CallRecord) error {
	var started any
	if !r.StartedAt.IsZero() {
		started = r.StartedAt.UTC().Format(sqliteTimeLayout)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _call_history
			(id, conversation_id, caller_id, call_type, status, duration_seconds, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status           = excluded.status,
			duration_seconds = excluded.duration_seconds,
			started_at       = excluded.started_at,
			ended_at         = excluded.ended_at`,
		r.ID, r.ConversationID, r.CallerID, r.CallType, r.Status,
		r.DurationSeconds, started, r.EndedAt.UTC().Format(sqliteTimeLayout),
	)
	return err
}

// RecentCalls returns the newest records, most recently ended first.
func (d *DB) RecentCalls(limit int) ([]CallRecord, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT id, conversation_id, caller_id, call_type, status,
		       duration_seconds, started_at, ended_at
		FROM _call_history ORDER BY ended_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []CallRecord
	for rows.Next() {
		var r CallRecord
		var started *string
		var ended string
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.CallerID, &r.CallType,
			&r.Status, &r.DurationSeconds, &started, &ended); err != nil {
			return nil, err
		}
		if started != nil {
			r.StartedAt, _ = time.Parse(sqliteTimeLayout, *started)
		}
		r.EndedAt, _ = time.Parse(sqliteTimeLayout, ended)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
