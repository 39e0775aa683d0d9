package interaction

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/turnstream/internal/audit"
	"github.com/basket/turnstream/internal/commit"
	"github.com/basket/turnstream/internal/events"
	tsotel "github.com/basket/turnstream/internal/otel"
	"github.com/basket/turnstream/internal/persistence"
)

// issueCommitFailed is reported when the orchestrator could not produce or
// persist a record. The turn still gets a commit_final, failed closed.
const issueCommitFailed = "commit_failed"

func (m *Manager) runCommit(t *turn) {
	defer m.wg.Done()
	defer close(t.commitDone)

	<-t.terminalDone

	ctx, span := tsotel.StartSpan(context.Background(), m.tracer, "turn.commit",
		tsotel.AttrSessionID.String(t.sessionID), tsotel.AttrTurnID.String(t.id))
	defer span.End()

	m.mu.Lock()
	intents := append([]commit.Intent(nil), t.intents...)
	terminal := t.terminal
	finalizedAt := t.finalizedAt
	m.mu.Unlock()
	if len(intents) == 0 {
		intents = []commit.Intent{commit.FinalizeIntent()}
	}

	rec, commitErr := m.committer.Commit(ctx, t.sessionID, t.id, intents)
	if commitErr != nil {
		span.RecordError(commitErr)
		m.logger.Error("commit failed", "session_id", t.sessionID, "turn_id", t.id, "error", commitErr)
		rec = failedRecord(t.sessionID, t.id, intents)
	}
	span.SetAttributes(tsotel.AttrCommitID.String(rec.CommitID))

	if _, err := m.publishTurn(t, events.KindCommitFinal, rec.Payload()); err != nil {
		span.RecordError(err)
		m.logger.Warn("commit_final not published", "session_id", t.sessionID, "turn_id", t.id, "error", err)
	}
	m.retire(t)

	tr := persistence.TurnTrace{
		SessionID:     t.sessionID,
		TurnID:        t.id,
		TerminalKind:  string(terminal),
		CommitID:      rec.CommitID,
		CommitOutcome: string(rec.Outcome),
		IntentCount:   len(intents),
		StartedAt:     t.createdAt,
	}
	if commitErr != nil {
		tr.Error = commitErr.Error()
	}
	if m.traces != nil {
		if err := m.traces.SaveTurnTrace(ctx, tr); err != nil {
			m.logger.Error("save turn trace failed", "session_id", t.sessionID, "turn_id", t.id, "error", err)
		}
	}

	outcome := audit.OutcomeOK
	if rec.Outcome == commit.OutcomeFailClosed {
		outcome = audit.OutcomeFailClosed
	}
	if commitErr != nil {
		outcome = audit.OutcomeError
	}
	audit.Record(outcome, "turn.commit", string(rec.Outcome), t.sessionID, t.id, rec.CommitID)

	if m.metrics != nil {
		m.metrics.Commits.Add(ctx, 1, metric.WithAttributes(tsotel.AttrOutcome.String(string(rec.Outcome))))
		m.metrics.CommitDuration.Record(ctx, m.now().Sub(finalizedAt).Seconds())
		m.metrics.ActiveTurns.Add(ctx, -1)
	}

	m.mu.Lock()
	t.record = &rec
	if commitErr != nil {
		t.commitErr = fmt.Errorf("commit turn %s: %w", t.id, commitErr)
	}
	m.forget(t)
	m.commits++
	m.mu.Unlock()

	m.logger.Info("turn commit finished",
		"session_id", t.sessionID,
		"turn_id", t.id,
		"terminal", terminal,
		"commit_id", rec.CommitID,
		"outcome", rec.Outcome,
	)
}

// failedRecord is the fail-closed record published when the orchestrator
// errored. Its digest is still the deterministic digest of the turn.
func failedRecord(sessionID, turnID string, intents []commit.Intent) commit.Record {
	digest, err := commit.Digest(sessionID, turnID, intents)
	if err != nil {
		digest = ""
	}
	return commit.Record{
		Authoritative: true,
		Digest:        digest,
		Outcome:       commit.OutcomeFailClosed,
		Issues:        []string{issueCommitFailed},
		ArtifactRefs:  []string{},
		CommitID:      commit.CommitID(digest),
	}
}
