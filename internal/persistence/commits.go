package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/turnstream/internal/commit"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// CommitRow is a persisted commit artifact.
type CommitRow struct {
	CommitID  string          `json:"commit_id"`
	SessionID string          `json:"session_id"`
	TurnID    string          `json:"turn_id"`
	Digest    string          `json:"commit_digest"`
	Outcome   commit.Outcome  `json:"commit_outcome"`
	Issues    []string        `json:"issues"`
	Intents   []commit.Intent `json:"intents"`
	CreatedAt time.Time       `json:"created_at"`
}

// Artifact converts the row back to the artifact it was written from.
func (r *CommitRow) Artifact() commit.Artifact {
	return commit.Artifact{
		CommitID:  r.CommitID,
		SessionID: r.SessionID,
		TurnID:    r.TurnID,
		Digest:    r.Digest,
		Outcome:   r.Outcome,
		Issues:    r.Issues,
		Intents:   r.Intents,
	}
}

// Record rebuilds the authoritative record of a stored commit. Only the
// sqlite reference is known here, so other writers' refs are not listed.
func (r *CommitRow) Record() commit.Record {
	issues := r.Issues
	if issues == nil {
		issues = []string{}
	}
	return commit.Record{
		Authoritative: true,
		Digest:        r.Digest,
		Outcome:       r.Outcome,
		Issues:        issues,
		ArtifactRefs:  []string{CommitRef(r.CommitID)},
		CommitID:      r.CommitID,
	}
}

// CommitRef is the artifact reference returned for a stored commit.
func CommitRef(commitID string) string {
	return "sqlite:commits/" + commitID
}

// WriteArtifact stores a commit artifact. Rewriting the same artifact is a
// no-op; a different digest or outcome under a stored commit_id fails with
// commit.ErrArtifactConflict and leaves the stored row untouched.
func (s *Store) WriteArtifact(ctx context.Context, a commit.Artifact) (string, error) {
	issues := a.Issues
	if issues == nil {
		issues = []string{}
	}
	intents := a.Intents
	if intents == nil {
		intents = []commit.Intent{}
	}
	issuesJSON, err := json.Marshal(issues)
	if err != nil {
		return "", fmt.Errorf("encode issues: %w", err)
	}
	intentsJSON, err := json.Marshal(intents)
	if err != nil {
		return "", fmt.Errorf("encode intents: %w", err)
	}

	var inserted int64
	err = retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO commits (commit_id, session_id, turn_id, commit_digest, commit_outcome, issues, intents)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, a.CommitID, a.SessionID, a.TurnID, a.Digest, string(a.Outcome), string(issuesJSON), string(intentsJSON))
		if execErr != nil {
			return execErr
		}
		inserted, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return "", fmt.Errorf("insert commit %s: %w", a.CommitID, err)
	}
	if inserted == 0 {
		stored, err := s.GetCommit(ctx, a.CommitID)
		if err != nil {
			return "", fmt.Errorf("load stored commit %s: %w", a.CommitID, err)
		}
		if !a.Matches(stored.Artifact()) {
			return "", fmt.Errorf("%w: %s", commit.ErrArtifactConflict, a.CommitID)
		}
	}
	return CommitRef(a.CommitID), nil
}

// GetCommit loads one commit by id.
func (s *Store) GetCommit(ctx context.Context, commitID string) (*CommitRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT commit_id, session_id, turn_id, commit_digest, commit_outcome, issues, intents, created_at
		FROM commits WHERE commit_id = ?;
	`, commitID)
	c, err := scanCommit(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("commit %s: %w", commitID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetCommitByTurn loads the commit stored for one turn.
func (s *Store) GetCommitByTurn(ctx context.Context, sessionID, turnID string) (*CommitRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT commit_id, session_id, turn_id, commit_digest, commit_outcome, issues, intents, created_at
		FROM commits WHERE session_id = ? AND turn_id = ?
		ORDER BY created_at DESC LIMIT 1;
	`, sessionID, turnID)
	c, err := scanCommit(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("commit for turn %s: %w", turnID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListCommits returns a session's commits, oldest first.
func (s *Store) ListCommits(ctx context.Context, sessionID string, limit int) ([]CommitRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT commit_id, session_id, turn_id, commit_digest, commit_outcome, issues, intents, created_at
		FROM commits WHERE session_id = ?
		ORDER BY created_at ASC, commit_id ASC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	defer rows.Close()

	var out []CommitRow
	for rows.Next() {
		c, err := scanCommit(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CommitCount returns the total number of stored commits.
func (s *Store) CommitCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM commits;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count commits: %w", err)
	}
	return n, nil
}

func scanCommit(scanFn func(dest ...any) error) (*CommitRow, error) {
	var (
		c           CommitRow
		outcome     string
		issuesJSON  string
		intentsJSON string
	)
	if err := scanFn(&c.CommitID, &c.SessionID, &c.TurnID, &c.Digest, &outcome, &issuesJSON, &intentsJSON, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan commit: %w", err)
	}
	c.Outcome = commit.Outcome(outcome)
	if err := json.Unmarshal([]byte(issuesJSON), &c.Issues); err != nil {
		return nil, fmt.Errorf("decode commit issues: %w", err)
	}
	if err := json.Unmarshal([]byte(intentsJSON), &c.Intents); err != nil {
		return nil, fmt.Errorf("decode commit intents: %w", err)
	}
	return &c, nil
}
