package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	relayerrors "github.com/odvcencio/browserrelay/pkg/errors"
	"github.com/odvcencio/browserrelay/pkg/telemetry"
)

// SessionRecord is the journaled history of one relay session.
type SessionRecord struct {
	ID           string     `json:"id"`
	StartURL     string     `json:"startUrl,omitempty"`
	Viewport     string     `json:"viewport,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	ClosedAt     *time.Time `json:"closedAt,omitempty"`
	CloseReason  string     `json:"closeReason,omitempty"`
	AttachCount  int        `json:"attachCount"`
	PreemptCount int        `json:"preemptCount"`
	DetachCount  int        `json:"detachCount"`
	LastEvent    string     `json:"lastEvent"`
	LastEventAt  time.Time  `json:"lastEventAt"`
}

// EventRecord is one journaled lifecycle event.
type EventRecord struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"sessionId"`
	ConnID    string         `json:"connId,omitempty"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// ReasonAbandoned marks sessions left open by a previous process.
const ReasonAbandoned = "abandoned"

// Record appends ev to the journal and folds it into the session row.
// Events without a session id are ignored.
func (s *Store) Record(ctx context.Context, ev telemetry.Event) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	if ev.SessionID == "" {
		return nil
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	data := []byte("{}")
	if len(ev.Data) > 0 {
		encoded, err := json.Marshal(ev.Data)
		if err != nil {
			return relayerrors.Wrap(err, relayerrors.ErrCodeStorageWrite, "encode event data")
		}
		data = encoded
	}

	err := withBusyRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO relay_events (session_id, conn_id, type, data, created_at) VALUES (?, ?, ?, ?, ?)`,
			ev.SessionID, ev.ConnID, string(ev.Type), string(data), at,
		); err != nil {
			return err
		}
		if err := applySessionEvent(ctx, tx, ev, at); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return relayerrors.Wrap(err, relayerrors.ErrCodeStorageWrite, "record session event").
			WithContext("session_id", ev.SessionID).
			WithContext("type", string(ev.Type))
	}
	return nil
}

func applySessionEvent(ctx context.Context, tx *sql.Tx, ev telemetry.Event, at time.Time) error {
	// Every event makes sure a row exists so a journal started mid-session
	// still tracks it.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO relay_sessions (id, created_at, last_event, last_event_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_event = excluded.last_event, last_event_at = excluded.last_event_at`,
		ev.SessionID, at, string(ev.Type), at,
	); err != nil {
		return err
	}

	var (
		query string
		args  []any
	)
	switch ev.Type {
	case telemetry.EventSessionCreated:
		query = `UPDATE relay_sessions SET start_url = ?, viewport = ?, created_at = ? WHERE id = ?`
		args = []any{stringField(ev.Data, "url"), stringField(ev.Data, "viewport"), at, ev.SessionID}
	case telemetry.EventSessionAttached:
		query = `UPDATE relay_sessions SET attach_count = attach_count + 1 WHERE id = ?`
		args = []any{ev.SessionID}
	case telemetry.EventSessionPreempted:
		query = `UPDATE relay_sessions SET preempt_count = preempt_count + 1 WHERE id = ?`
		args = []any{ev.SessionID}
	case telemetry.EventSessionDetached:
		query = `UPDATE relay_sessions SET detach_count = detach_count + 1 WHERE id = ?`
		args = []any{ev.SessionID}
	case telemetry.EventSessionClosing:
		query = `UPDATE relay_sessions SET close_reason = ? WHERE id = ? AND close_reason = ''`
		args = []any{stringField(ev.Data, "reason"), ev.SessionID}
	case telemetry.EventSessionClosed:
		query = `UPDATE relay_sessions SET closed_at = ?, close_reason = COALESCE(NULLIF(?, ''), close_reason) WHERE id = ?`
		args = []any{at, stringField(ev.Data, "reason"), ev.SessionID}
	default:
		return nil
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func stringField(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

const sessionColumns = `id, start_url, viewport, created_at, closed_at, close_reason,
	attach_count, preempt_count, detach_count, last_event, last_event_at`

// GetSession returns the journaled session, or nil if it was never recorded.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM relay_sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, relayerrors.Wrap(err, relayerrors.ErrCodeStorageRead, "load session").WithContext("session_id", id)
	}
	return rec, nil
}

// ListSessions returns recently active sessions, newest first. With
// openOnly set, closed sessions are skipped.
func (s *Store) ListSessions(ctx context.Context, limit int, openOnly bool) ([]SessionRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + sessionColumns + ` FROM relay_sessions`
	if openOnly {
		query += ` WHERE closed_at IS NULL`
	}
	query += ` ORDER BY last_event_at DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, relayerrors.Wrap(err, relayerrors.ErrCodeStorageRead, "list sessions")
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, relayerrors.Wrap(err, relayerrors.ErrCodeStorageRead, "scan session")
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, relayerrors.Wrap(err, relayerrors.ErrCodeStorageRead, "list sessions")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var (
		rec    SessionRecord
		closed sql.NullTime
	)
	if err := row.Scan(
		&rec.ID,
		&rec.StartURL,
		&rec.Viewport,
		&rec.CreatedAt,
		&closed,
		&rec.CloseReason,
		&rec.AttachCount,
		&rec.PreemptCount,
		&rec.DetachCount,
		&rec.LastEvent,
		&rec.LastEventAt,
	); err != nil {
		return nil, err
	}
	if closed.Valid {
		t := closed.Time
		rec.ClosedAt = &t
	}
	return &rec, nil
}

// SessionEvents returns the events recorded for a session in order.
func (s *Store) SessionEvents(ctx context.Context, sessionID string, limit int) ([]EventRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, conn_id, type, data, created_at FROM relay_events
		 WHERE session_id = ? ORDER BY id LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, relayerrors.Wrap(err, relayerrors.ErrCodeStorageRead, "list events")
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			rec  EventRecord
			data string
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.ConnID, &rec.Type, &data, &rec.CreatedAt); err != nil {
			return nil, relayerrors.Wrap(err, relayerrors.ErrCodeStorageRead, "scan event")
		}
		if data != "" && data != "{}" {
			if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
				return nil, relayerrors.Wrap(err, relayerrors.ErrCodeStorageRead, "decode event data").
					WithContext("event_id", rec.ID)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, relayerrors.Wrap(err, relayerrors.ErrCodeStorageRead, "list events")
	}
	return out, nil
}

// CloseAbandoned marks every session still open in the journal as closed.
// Browser handles do not survive a restart, so this runs at startup.
func (s *Store) CloseAbandoned(ctx context.Context, at time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrStoreClosed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE relay_sessions SET closed_at = ?, close_reason = ? WHERE closed_at IS NULL`,
		at.UTC(), ReasonAbandoned,
	)
	if err != nil {
		return 0, relayerrors.Wrap(err, relayerrors.ErrCodeStorageWrite, "close abandoned sessions")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// PruneBefore deletes closed sessions and their events older than cutoff.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrStoreClosed
	}
	var removed int64
	err := withBusyRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM relay_events WHERE session_id IN
			 (SELECT id FROM relay_sessions WHERE closed_at IS NOT NULL AND closed_at < ?)`,
			cutoff.UTC(),
		); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM relay_sessions WHERE closed_at IS NOT NULL AND closed_at < ?`, cutoff.UTC())
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return tx.Commit()
	})
	if err != nil {
		return 0, relayerrors.Wrap(err, relayerrors.ErrCodeStorageWrite, "prune journal")
	}
	return removed, nil
}
