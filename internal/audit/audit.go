// Package audit keeps an append-only trail of commit outcomes and lifecycle
// rejections, as JSON lines under <home>/logs/audit.jsonl and, when a
// database is attached, rows in audit_log.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/turnstream/internal/shared"
)

// Outcomes recorded in the trail.
const (
	OutcomeAllow      = "allow"
	OutcomeReject     = "reject"
	OutcomeOK         = "ok"
	OutcomeFailClosed = "fail_closed"
	OutcomeError      = "error"
	OutcomeFatal      = "fatal"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Outcome   string `json:"outcome"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	SessionID string `json:"session_id,omitempty"`
	TurnID    string `json:"turn_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu          sync.Mutex
	file        *os.File
	db          *sql.DB
	rejectCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB attaches the database whose audit_log table mirrors the file.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// RejectCount returns the number of reject and fail_closed outcomes since
// startup.
func RejectCount() int64 {
	return rejectCount.Load()
}

// Record appends one entry. Secrets in reason and detail are redacted.
// Recording never fails the caller; write errors are dropped.
func Record(outcome, action, reason, sessionID, turnID, detail string) {
	if outcome == OutcomeReject || outcome == OutcomeFailClosed {
		rejectCount.Add(1)
	}
	reason = shared.Redact(reason)
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		b, err := json.Marshal(entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Outcome:   outcome,
			Action:    action,
			Reason:    reason,
			SessionID: sessionID,
			TurnID:    turnID,
			Detail:    detail,
		})
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (session_id, turn_id, action, outcome, reason, detail)
			VALUES (?, ?, ?, ?, ?, ?);
		`, sessionID, turnID, action, outcome, reason, detail)
	}
}
