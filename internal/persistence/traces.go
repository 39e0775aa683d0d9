package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TurnTrace is the minimal record kept for every committed turn.
type TurnTrace struct {
	SessionID     string    `json:"session_id"`
	TurnID        string    `json:"turn_id"`
	TerminalKind  string    `json:"terminal_kind"`
	CommitID      string    `json:"commit_id,omitempty"`
	CommitOutcome string    `json:"commit_outcome,omitempty"`
	IntentCount   int       `json:"intent_count"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// SaveTurnTrace records a turn trace. A second save for the same turn
// replaces the first.
func (s *Store) SaveTurnTrace(ctx context.Context, tr TurnTrace) error {
	if tr.SessionID == "" || tr.TurnID == "" {
		return fmt.Errorf("turn trace requires session_id and turn_id")
	}
	started := tr.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO turn_traces (session_id, turn_id, terminal_kind, commit_id, commit_outcome, intent_count, error, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, turn_id) DO UPDATE SET
				terminal_kind = excluded.terminal_kind,
				commit_id = excluded.commit_id,
				commit_outcome = excluded.commit_outcome,
				intent_count = excluded.intent_count,
				error = excluded.error;
		`, tr.SessionID, tr.TurnID, tr.TerminalKind, nullString(tr.CommitID), nullString(tr.CommitOutcome),
			tr.IntentCount, nullString(tr.Error), started.UTC())
		return execErr
	})
	if err != nil {
		return fmt.Errorf("save turn trace %s/%s: %w", tr.SessionID, tr.TurnID, err)
	}
	return nil
}

// ListTurnTraces returns a session's traces, oldest first.
func (s *Store) ListTurnTraces(ctx context.Context, sessionID string, limit int) ([]TurnTrace, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, turn_id, terminal_kind, commit_id, commit_outcome, intent_count, error, started_at, created_at
		FROM turn_traces WHERE session_id = ?
		ORDER BY trace_id ASC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list turn traces: %w", err)
	}
	defer rows.Close()

	var out []TurnTrace
	for rows.Next() {
		var (
			tr                           TurnTrace
			commitID, outcome, errString sql.NullString
		)
		if err := rows.Scan(&tr.SessionID, &tr.TurnID, &tr.TerminalKind, &commitID, &outcome, &tr.IntentCount, &errString, &tr.StartedAt, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn trace: %w", err)
		}
		tr.CommitID = commitID.String
		tr.CommitOutcome = outcome.String
		tr.Error = errString.String
		out = append(out, tr)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
