// Package commit turns a finished turn's intents into its single
// authoritative commit record.
package commit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/turnstream/internal/events"
	"github.com/basket/turnstream/internal/shared"
)

// IntentType classifies a commit intent.
type IntentType string

const (
	IntentToolResult   IntentType = "tool_result"
	IntentDecision     IntentType = "decision"
	IntentTurnFinalize IntentType = "turn_finalize"
)

// FailClosedPrefix marks a decision intent ref as an unresolved issue. The
// remainder of the ref is the issue id.
const FailClosedPrefix = "fail_closed:"

// Outcome is the commit verdict.
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeFailClosed Outcome = "fail_closed"
)

const commitIDPrefix = "c_"

// Intent is one thing a producer asks the commit to cover.
type Intent struct {
	Type          IntentType `json:"type"`
	Ref           string     `json:"ref"`
	PayloadDigest string     `json:"payload_digest,omitempty"`
}

// Valid reports whether the intent type is known.
func (i Intent) Valid() bool {
	switch i.Type {
	case IntentToolResult, IntentDecision, IntentTurnFinalize:
		return true
	}
	return false
}

// FinalizeIntent is the default intent recorded when a turn registered none.
func FinalizeIntent() Intent {
	return Intent{Type: IntentTurnFinalize, Ref: "turn"}
}

// Record is the immutable result of committing a turn.
type Record struct {
	Authoritative bool     `json:"authoritative"`
	Digest        string   `json:"commit_digest"`
	Outcome       Outcome  `json:"commit_outcome"`
	Issues        []string `json:"issues"`
	ArtifactRefs  []string `json:"artifact_refs"`
	CommitID      string   `json:"commit_id"`
}

// Payload renders the record as a commit_final event payload.
func (r Record) Payload() map[string]any {
	issues := r.Issues
	if issues == nil {
		issues = []string{}
	}
	refs := r.ArtifactRefs
	if refs == nil {
		refs = []string{}
	}
	return map[string]any{
		events.PayloadAuthoritative: r.Authoritative,
		events.PayloadCommitDigest:  r.Digest,
		events.PayloadCommitOutcome: string(r.Outcome),
		events.PayloadIssues:        issues,
		events.PayloadArtifactRefs:  refs,
		events.PayloadCommitID:      r.CommitID,
	}
}

// Artifact is what gets persisted for a commit.
type Artifact struct {
	CommitID  string   `json:"commit_id"`
	SessionID string   `json:"session_id"`
	TurnID    string   `json:"turn_id"`
	Digest    string   `json:"commit_digest"`
	Outcome   Outcome  `json:"commit_outcome"`
	Issues    []string `json:"issues"`
	Intents   []Intent `json:"intents"`
}

// ArtifactWriter persists a commit artifact and returns a reference to it.
// Writing the same artifact twice must succeed and return the same ref;
// a different artifact under a stored commit_id fails with
// ErrArtifactConflict.
type ArtifactWriter interface {
	WriteArtifact(ctx context.Context, a Artifact) (string, error)
}

// ErrArtifactConflict is returned when a commit_id is already stored with
// a different digest or outcome.
var ErrArtifactConflict = errors.New("commit id already holds a different artifact")

// Matches reports whether stored describes the same commit as a.
func (a Artifact) Matches(stored Artifact) bool {
	return a.CommitID == stored.CommitID &&
		a.SessionID == stored.SessionID &&
		a.TurnID == stored.TurnID &&
		a.Digest == stored.Digest &&
		a.Outcome == stored.Outcome
}

func conflict(a Artifact) error {
	return fmt.Errorf("%w: %s", ErrArtifactConflict, a.CommitID)
}

var ErrInvalidIntent = errors.New("invalid commit intent")

// Digest hashes the canonical JSON form of {session_id, turn_id, intents}.
// It depends on nothing but its arguments.
func Digest(sessionID, turnID string, intents []Intent) (string, error) {
	if intents == nil {
		intents = []Intent{}
	}
	canon, err := shared.CanonicalJSON(map[string]any{
		"session_id": sessionID,
		"turn_id":    turnID,
		"intents":    intents,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize commit: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// CommitID derives the short commit identifier from a digest.
func CommitID(digest string) string {
	if len(digest) > 16 {
		digest = digest[:16]
	}
	return commitIDPrefix + digest
}

// Issues returns the fail-closed issue ids named by decision intents, in
// intent order.
func Issues(intents []Intent) []string {
	issues := []string{}
	for _, in := range intents {
		if in.Type != IntentDecision {
			continue
		}
		if id, ok := strings.CutPrefix(in.Ref, FailClosedPrefix); ok {
			issues = append(issues, id)
		}
	}
	return issues
}

// Orchestrator computes commit records and persists their artifacts.
type Orchestrator struct {
	writers []ArtifactWriter
	logger  *slog.Logger
}

// NewOrchestrator returns an Orchestrator writing through every writer in
// order. A nil logger falls back to slog.Default().
func NewOrchestrator(logger *slog.Logger, writers ...ArtifactWriter) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{writers: writers, logger: logger}
}

// Commit produces the authoritative record for a turn.
func (o *Orchestrator) Commit(ctx context.Context, sessionID, turnID string, intents []Intent) (Record, error) {
	for i, in := range intents {
		if !in.Valid() {
			return Record{}, fmt.Errorf("%w: intent %d has type %q", ErrInvalidIntent, i, in.Type)
		}
	}
	digest, err := Digest(sessionID, turnID, intents)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		Authoritative: true,
		Digest:        digest,
		Outcome:       OutcomeOK,
		Issues:        Issues(intents),
		ArtifactRefs:  []string{},
		CommitID:      CommitID(digest),
	}
	if len(rec.Issues) > 0 {
		rec.Outcome = OutcomeFailClosed
	}

	art := Artifact{
		CommitID:  rec.CommitID,
		SessionID: sessionID,
		TurnID:    turnID,
		Digest:    digest,
		Outcome:   rec.Outcome,
		Issues:    rec.Issues,
		Intents:   append([]Intent{}, intents...),
	}
	for _, w := range o.writers {
		ref, err := w.WriteArtifact(ctx, art)
		if err != nil {
			return Record{}, fmt.Errorf("write commit artifact %s: %w", rec.CommitID, err)
		}
		rec.ArtifactRefs = append(rec.ArtifactRefs, ref)
	}

	o.logger.Info("turn committed",
		"session_id", sessionID,
		"turn_id", turnID,
		"commit_id", rec.CommitID,
		"outcome", rec.Outcome,
		"intents", len(intents),
	)
	return rec, nil
}
