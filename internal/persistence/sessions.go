package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/optad/internal/protocol"
)

// SessionState is what a restarting daemon needs to resume a session.
// Seqs in (MaxSeq, Reserved] were handed out to a previous process but never
// journaled, so the next epoch starts at Reserved+1.
type SessionState struct {
	ID        string     `json:"id"`
	Reserved  uint64     `json:"reserved_seq"`
	MaxSeq    uint64     `json:"max_seq"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

func (s SessionState) Closed() bool { return s.ClosedAt != nil }

// EnsureSession creates the session row if needed and returns its state.
func (s *Store) EnsureSession(ctx context.Context, sessionID string) (SessionState, error) {
	if sessionID == "" {
		return SessionState{}, fmt.Errorf("session_id is required")
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, created_at)
			VALUES (?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO NOTHING;
		`, sessionID)
		return err
	})
	if err != nil {
		return SessionState{}, fmt.Errorf("insert session: %w", err)
	}
	return s.GetSession(ctx, sessionID)
}

// ErrSessionNotFound is returned by GetSession for unknown ids.
var ErrSessionNotFound = errors.New("persistence: session not found")

func (s *Store) GetSession(ctx context.Context, sessionID string) (SessionState, error) {
	st := SessionState{ID: sessionID}
	var closed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT s.reserved_seq, s.created_at, s.closed_at,
			COALESCE((SELECT MAX(seq) FROM session_events e WHERE e.session_id = s.id), 0)
		FROM sessions s
		WHERE s.id = ?;
	`, sessionID).Scan(&st.Reserved, &st.CreatedAt, &closed, &st.MaxSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionState{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return SessionState{}, fmt.Errorf("read session: %w", err)
	}
	if closed.Valid {
		t := closed.Time
		st.ClosedAt = &t
	}
	return st, nil
}

// ReserveSeq raises the session's reservation high-water mark to upTo.
// It never lowers it.
func (s *Store) ReserveSeq(ctx context.Context, sessionID string, upTo uint64) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET reserved_seq = MAX(reserved_seq, ?) WHERE id = ?;
		`, upTo, sessionID)
		if err != nil {
			return fmt.Errorf("reserve seq: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil
	})
}

func (s *Store) MarkSessionClosed(ctx context.Context, sessionID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET closed_at = CURRENT_TIMESTAMP
			WHERE id = ? AND closed_at IS NULL;
		`, sessionID)
		if err != nil {
			return fmt.Errorf("close session: %w", err)
		}
		return nil
	})
}

// ListSessions returns the most recently created sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionState, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.reserved_seq, s.created_at, s.closed_at,
			COALESCE((SELECT MAX(seq) FROM session_events e WHERE e.session_id = s.id), 0)
		FROM sessions s
		ORDER BY s.created_at DESC, s.id ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionState
	for rows.Next() {
		var st SessionState
		var closed sql.NullTime
		if err := rows.Scan(&st.ID, &st.Reserved, &st.CreatedAt, &closed, &st.MaxSeq); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if closed.Valid {
			t := closed.Time
			st.ClosedAt = &t
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessions rows: %w", err)
	}
	return out, nil
}

// InsertEvents journals envelopes in one transaction. Rows already present
// are ignored, so replaying a batch is harmless.
func (s *Store) InsertEvents(ctx context.Context, events []protocol.Envelope) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	var inserted int64
	err := retryOnBusy(ctx, 5, func() error {
		inserted = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin journal tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ensure, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO sessions (id) VALUES (?);`)
		if err != nil {
			return fmt.Errorf("prepare session insert: %w", err)
		}
		defer ensure.Close()
		insert, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO session_events (session_id, seq, event, daemon_id, ts, payload)
			VALUES (?, ?, ?, ?, ?, ?);
		`)
		if err != nil {
			return fmt.Errorf("prepare event insert: %w", err)
		}
		defer insert.Close()

		seen := make(map[string]bool)
		for _, ev := range events {
			if !seen[ev.SessionID] {
				seen[ev.SessionID] = true
				if _, err := ensure.ExecContext(ctx, ev.SessionID); err != nil {
					return fmt.Errorf("ensure session %s: %w", ev.SessionID, err)
				}
			}
			res, err := insert.ExecContext(ctx, ev.SessionID, ev.Seq, string(ev.Event), ev.DaemonID, ev.TS, string(ev.Payload))
			if err != nil {
				return fmt.Errorf("insert event %s/%d: %w", ev.SessionID, ev.Seq, err)
			}
			n, _ := res.RowsAffected()
			inserted += n
		}
		return tx.Commit()
	})
	return inserted, err
}

// EventsBetween returns journaled events with after < seq < before, ascending.
// before == 0 means no upper bound.
func (s *Store) EventsBetween(ctx context.Context, sessionID string, after, before uint64) ([]protocol.Envelope, error) {
	q := `
		SELECT seq, event, daemon_id, ts, payload
		FROM session_events
		WHERE session_id = ? AND seq > ?`
	args := []any{sessionID, after}
	if before > 0 {
		q += ` AND seq < ?`
		args = append(args, before)
	}
	q += ` ORDER BY seq ASC;`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	var out []protocol.Envelope
	for rows.Next() {
		env := protocol.Envelope{V: protocol.Version, SessionID: sessionID}
		var kind, payload string
		if err := rows.Scan(&env.Seq, &kind, &env.DaemonID, &env.TS, &payload); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		env.Event = protocol.Kind(kind)
		env.Payload = []byte(payload)
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session events rows: %w", err)
	}
	return out, nil
}

// PermissionDecision is the durable record of one resolved request.
type PermissionDecision struct {
	RequestID   string
	SessionID   string
	TurnID      string
	ToolName    string
	Risk        string
	Decision    string
	ResolvedBy  string
	RequestedAt time.Time
}

func (s *Store) RecordPermissionDecision(ctx context.Context, d PermissionDecision) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO permission_decisions
				(request_id, session_id, turn_id, tool_name, risk, decision, resolved_by, requested_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, d.RequestID, d.SessionID, d.TurnID, d.ToolName, d.Risk, d.Decision, d.ResolvedBy, d.RequestedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert permission decision: %w", err)
		}
		return nil
	})
}

// PermissionDecisions lists recorded decisions for a session, oldest first.
func (s *Store) PermissionDecisions(ctx context.Context, sessionID string) ([]PermissionDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, session_id, turn_id, tool_name, risk, decision, resolved_by, requested_at
		FROM permission_decisions
		WHERE session_id = ?
		ORDER BY requested_at ASC, request_id ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query permission decisions: %w", err)
	}
	defer rows.Close()

	var out []PermissionDecision
	for rows.Next() {
		var d PermissionDecision
		if err := rows.Scan(&d.RequestID, &d.SessionID, &d.TurnID, &d.ToolName, &d.Risk, &d.Decision, &d.ResolvedBy, &d.RequestedAt); err != nil {
			return nil, fmt.Errorf("scan permission decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
