package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/basket/turnstream/internal/audit"
	"github.com/basket/turnstream/internal/interaction"
	"github.com/basket/turnstream/internal/persistence"
	"github.com/basket/turnstream/internal/producer"
	"github.com/basket/turnstream/internal/shared"
	"github.com/basket/turnstream/internal/telemetry"
)

const (
	defaultCommitWait = 30 * time.Second
	maxCommitWait     = 5 * time.Minute

	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

var errDraining = errors.New("gateway is draining")

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams("invalid params: " + err.Error())
	}
	return nil
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalidParams(name + " is required")
	}
	return nil
}

func handleSessionStart(_ context.Context, s *Server, _ *client, raw json.RawMessage) (any, error) {
	var p struct {
		Params map[string]any `json:"params"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	sid, err := s.cfg.Manager.Start(p.Params)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session_id": sid}, nil
}

func handleSessionSubscribe(_ context.Context, s *Server, c *client, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"session_id"`
		Verify    *bool  `json:"verify,omitempty"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireField("session_id", p.SessionID); err != nil {
		return nil, err
	}
	verify := s.cfg.VerifyStream
	if p.Verify != nil {
		verify = *p.Verify
	}
	added, err := s.subscribe(c, p.SessionID, verify)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session_id": p.SessionID, "subscribed": true, "new": added}, nil
}

func handleSessionUnsubscribe(_ context.Context, s *Server, c *client, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireField("session_id", p.SessionID); err != nil {
		return nil, err
	}
	return map[string]any{"session_id": p.SessionID, "unsubscribed": s.unsubscribe(c, p.SessionID)}, nil
}

func handleSessionClose(ctx context.Context, s *Server, _ *client, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireField("session_id", p.SessionID); err != nil {
		return nil, err
	}
	if err := s.cfg.Manager.Close(ctx, p.SessionID); err != nil {
		return nil, err
	}
	return map[string]any{"session_id": p.SessionID, "closed": true}, nil
}

func handleTurnBegin(ctx context.Context, s *Server, _ *client, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string         `json:"session_id"`
		Input     string         `json:"input"`
		Params    map[string]any `json:"params"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireField("session_id", p.SessionID); err != nil {
		return nil, err
	}

	s.turnsMu.Lock()
	if s.draining {
		s.turnsMu.Unlock()
		return nil, errDraining
	}
	s.turnsWG.Add(1)
	s.turnsMu.Unlock()

	tid, err := s.cfg.Manager.BeginTurn(ctx, p.SessionID, p.Input, p.Params)
	if err != nil {
		s.turnsWG.Done()
		return nil, err
	}
	if s.cfg.Bridge == nil {
		s.turnsWG.Done()
		return map[string]any{"session_id": p.SessionID, "turn_id": tid, "driven": false}, nil
	}
	s.launchTurn(ctx, p.SessionID, tid)
	return map[string]any{"session_id": p.SessionID, "turn_id": tid, "driven": true}, nil
}

// launchTurn runs the provider for a turn already counted in turnsWG. The
// run outlives the request, so it keeps only the request's trace id.
func (s *Server) launchTurn(reqCtx context.Context, sessionID, turnID string) {
	s.turnsMu.Lock()
	s.turns[turnID] = sessionID
	draining := s.draining
	s.turnsMu.Unlock()

	ctx := shared.WithTraceID(context.Background(), shared.TraceID(reqCtx))
	ctx = shared.WithSessionID(ctx, sessionID)
	ctx = shared.WithTurnID(ctx, turnID)
	if draining {
		_, _ = s.cfg.Manager.Cancel(ctx, turnID)
	}

	go func() {
		defer s.turnsWG.Done()
		defer func() {
			s.turnsMu.Lock()
			delete(s.turns, turnID)
			s.turnsMu.Unlock()
		}()
		if err := producer.RunTurn(ctx, s.cfg.Manager, s.cfg.Bridge, sessionID, turnID, producer.Request{}); err != nil {
			telemetry.ForRequest(ctx, s.logger).Warn("turn run ended with error", "error", err)
		}
	}()
}

func handleTurnCancel(ctx context.Context, s *Server, _ *client, raw json.RawMessage) (any, error) {
	var p struct {
		Target string `json:"target"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireField("target", p.Target); err != nil {
		return nil, err
	}
	sessionID, turnID, err := s.cfg.Manager.Resolve(p.Target)
	if err != nil {
		return nil, err
	}
	result := map[string]any{"target": p.Target, "turn_id": turnID, "canceled": false}
	if turnID == "" {
		return result, nil
	}
	canceled, err := s.cfg.Manager.Cancel(ctx, turnID)
	if err != nil && !canceled {
		return nil, err
	}
	if err != nil {
		s.logger.Warn("turn canceled with publish error", "target", p.Target, "error", err)
	}
	result["canceled"] = canceled

	// Launched turns are finalized by their run; client-driven ones here.
	if canceled && !s.launched(turnID) {
		handle, err := s.cfg.Manager.Finalize(ctx, sessionID, turnID)
		if err != nil {
			return nil, err
		}
		result["commit"] = handle
	}
	return result, nil
}

func (s *Server) launched(turnID string) bool {
	s.turnsMu.Lock()
	defer s.turnsMu.Unlock()
	_, ok := s.turns[turnID]
	return ok
}

type turnRef struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

func (p turnRef) validate() error {
	if err := requireField("session_id", p.SessionID); err != nil {
		return err
	}
	return requireField("turn_id", p.TurnID)
}

func handleTurnFinalize(ctx context.Context, s *Server, _ *client, raw json.RawMessage) (any, error) {
	var p turnRef
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return s.cfg.Manager.Finalize(ctx, p.SessionID, p.TurnID)
}

// handleTurnCommit waits for a finalized turn's commit record.
func handleTurnCommit(ctx context.Context, s *Server, _ *client, raw json.RawMessage) (any, error) {
	var p turnRef
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	wait := defaultCommitWait
	if p.TimeoutMS > 0 {
		wait = min(time.Duration(p.TimeoutMS)*time.Millisecond, maxCommitWait)
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	rec, err := s.cfg.Manager.AwaitCommit(ctx, p.SessionID, p.TurnID)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, &rpcError{Code: ErrCodeConflict, Message: "commit not finished for turn " + p.TurnID}
	}
	if err != nil && s.cfg.Store != nil &&
		(errors.Is(err, interaction.ErrUnknownTurn) || errors.Is(err, interaction.ErrUnknownSession) || errors.Is(err, interaction.ErrSessionClosed)) {
		// The manager no longer holds the turn; the store may.
		row, lookupErr := s.cfg.Store.GetCommitByTurn(ctx, p.SessionID, p.TurnID)
		if lookupErr == nil {
			return row.Record(), nil
		}
		if !errors.Is(lookupErr, persistence.ErrNotFound) {
			return nil, lookupErr
		}
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// handleSessionHistory lists a session's persisted turn traces and commits,
// plus its live state while the manager still holds it.
func handleSessionHistory(ctx context.Context, s *Server, _ *client, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"session_id"`
		Limit     int    `json:"limit,omitempty"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireField("session_id", p.SessionID); err != nil {
		return nil, err
	}
	if s.cfg.Store == nil {
		return nil, invalidParams("session history needs a persistent store")
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)
	traces, err := s.cfg.Store.ListTurnTraces(ctx, p.SessionID, limit)
	if err != nil {
		return nil, err
	}
	commits, err := s.cfg.Store.ListCommits(ctx, p.SessionID, limit)
	if err != nil {
		return nil, err
	}
	if traces == nil {
		traces = []persistence.TurnTrace{}
	}
	if commits == nil {
		commits = []persistence.CommitRow{}
	}
	result := map[string]any{"session_id": p.SessionID, "traces": traces, "commits": commits}
	if info, err := s.cfg.Manager.Session(p.SessionID); err == nil {
		result["live"] = info
	}
	return result, nil
}

func handleSystemStatus(ctx context.Context, s *Server, _ *client, _ json.RawMessage) (any, error) {
	status := map[string]any{
		"stats":              s.cfg.Manager.Stats(),
		"clients":            s.ClientCount(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"verify_stream":      s.cfg.VerifyStream,
		"audit_rejects":      audit.RejectCount(),
	}
	if s.cfg.Bus != nil {
		status["bus_limits"] = s.cfg.Bus.Limits()
		status["bus_active_turns"] = s.cfg.Bus.ActiveTurns()
	}
	if s.cfg.Bridge != nil {
		status["provider"] = s.cfg.Bridge.Provider().Health(ctx)
	}
	if s.cfg.Store != nil {
		if n, err := s.cfg.Store.CommitCount(ctx); err == nil {
			status["persisted_commits"] = n
		}
	}
	if s.cfg.Retention != nil {
		runs, lastRun, last := s.cfg.Retention.Status()
		ret := map[string]any{"runs": runs, "last_result": last}
		if !lastRun.IsZero() {
			ret["last_run"] = lastRun
		}
		if next, err := s.cfg.Retention.NextRun(time.Now()); err == nil {
			ret["next_run"] = next
		}
		status["retention"] = ret
	}
	if s.cfg.MetricsSource != nil {
		if snap, err := s.cfg.MetricsSource.Snapshot(ctx); err == nil {
			status["metrics"] = snap
		} else {
			s.logger.Warn("metrics snapshot failed", "error", err)
		}
	}
	s.turnsMu.Lock()
	status["running_turns"] = len(s.turns)
	s.turnsMu.Unlock()
	return status, nil
}

// Drain stops admitting turns over RPC, cancels the turns it launched and
// waits for their runs to finalize them.
func (s *Server) Drain(ctx context.Context) error {
	s.turnsMu.Lock()
	s.draining = true
	running := make([]string, 0, len(s.turns))
	for tid := range s.turns {
		running = append(running, tid)
	}
	s.turnsMu.Unlock()

	for _, tid := range running {
		if _, err := s.cfg.Manager.Cancel(ctx, tid); err != nil {
			s.logger.Warn("drain: cancel failed", "turn_id", tid, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.turnsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("gateway drained", "canceled_turns", len(running))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
