package interaction

import (
	"context"
	"fmt"

	"github.com/basket/turnstream/internal/bus"
	"github.com/basket/turnstream/internal/commit"
	"github.com/basket/turnstream/internal/events"
)

// Context is the producer-facing handle for one turn.
type Context struct {
	m *Manager
	t *turn
}

// CreateContext binds a producer handle to a turn.
func (m *Manager) CreateContext(sessionID, turnID string) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookupTurn(sessionID, turnID)
	if err != nil {
		return nil, err
	}
	return &Context{m: m, t: t}, nil
}

func (c *Context) SessionID() string { return c.t.sessionID }
func (c *Context) TurnID() string    { return c.t.id }

// Input returns the input the turn was begun with.
func (c *Context) Input() string { return c.t.input }

// Params returns a copy of the turn params.
func (c *Context) Params() map[string]any { return cloneMap(c.t.params) }

// EmitEvent publishes a progress event for the turn. Terminal kinds and
// commit_final belong to the manager and are refused, as is anything after
// the turn reached its terminal event. A best-effort event dropped under
// backpressure returns (nil, nil).
func (c *Context) EmitEvent(kind events.Kind, payload map[string]any) (*events.Event, error) {
	if kind.Terminal() || kind == events.KindCommitFinal || kind == events.KindTurnAccepted {
		return nil, fmt.Errorf("%w: %s", ErrReservedKind, kind)
	}
	c.m.mu.Lock()
	terminal := c.t.terminal
	c.m.mu.Unlock()
	if terminal != "" {
		return nil, fmt.Errorf("%w: %s after %s in turn %s", bus.ErrStateViolation, kind, terminal, c.t.id)
	}
	return c.m.publishTurn(c.t, kind, payload)
}

// publishTurn publishes under the turn's publish gate so nothing can
// recreate the turn's bus counters after retire removed them.
func (m *Manager) publishTurn(t *turn, kind events.Kind, payload map[string]any) (*events.Event, error) {
	t.pubMu.RLock()
	defer t.pubMu.RUnlock()
	if t.retired {
		return nil, fmt.Errorf("%w: turn %s is retired", bus.ErrStateViolation, t.id)
	}
	return m.bus.Publish(t.sessionID, t.id, kind, payload)
}

// retire removes the turn's bus counters once nothing more may be
// published for it.
func (m *Manager) retire(t *turn) {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	if t.retired {
		return
	}
	t.retired = true
	m.bus.ClearTurn(t.sessionID, t.id)
}

// RequestCommit adds an intent to the turn's pending list. Intents are
// refused once the commit has been scheduled.
func (c *Context) RequestCommit(intent commit.Intent) error {
	if !intent.Valid() {
		return fmt.Errorf("%w: type %q", commit.ErrInvalidIntent, intent.Type)
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.t.commitScheduled {
		return fmt.Errorf("%w: %s", ErrCommitScheduled, c.t.id)
	}
	c.t.intents = append(c.t.intents, intent)
	return nil
}

// IsCanceled reports whether the turn's cancellation signal has fired.
func (c *Context) IsCanceled() bool {
	return c.t.ctx.Err() != nil
}

// AwaitCancel blocks until the turn is canceled (nil) or ctx ends.
func (c *Context) AwaitCancel(ctx context.Context) error {
	select {
	case <-c.t.ctx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the turn is canceled.
func (c *Context) Done() <-chan struct{} {
	return c.t.ctx.Done()
}

// ToolCall describes a tool invocation starting inside a turn.
type ToolCall struct {
	CallID string         `json:"call_id"`
	Name   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
}

// ToolResult describes a finished (or interrupted) tool invocation.
// Canceled marks a call the producer abandoned before it completed.
type ToolResult struct {
	CallID                     string `json:"call_id"`
	Name                       string `json:"tool"`
	Output                     any    `json:"output,omitempty"`
	Error                      string `json:"error,omitempty"`
	Canceled                   bool   `json:"canceled"`
	SideEffectsMayHaveOccurred bool   `json:"side_effects_may_have_occurred"`
}

// MarkToolStarted publishes tool_call_started for the turn.
func (m *Manager) MarkToolStarted(ctx context.Context, sessionID, turnID string, call ToolCall) (*events.Event, error) {
	t, err := m.toolTurn(ctx, "tool.started", sessionID, turnID)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"call_id": call.CallID, "tool": call.Name}
	if call.Args != nil {
		payload["args"] = cloneMap(call.Args)
	}
	return m.publishTurn(t, events.KindToolCallStarted, payload)
}

// MarkToolResult publishes tool_call_result. Unless the call or its turn
// was canceled, side_effects_may_have_occurred is forced to false.
func (m *Manager) MarkToolResult(ctx context.Context, sessionID, turnID string, res ToolResult) (*events.Event, error) {
	t, err := m.toolTurn(ctx, "tool.result", sessionID, turnID)
	if err != nil {
		return nil, err
	}
	canceled := res.Canceled || t.ctx.Err() != nil
	sideEffects := res.SideEffectsMayHaveOccurred
	if !canceled {
		sideEffects = false
	}
	payload := map[string]any{
		"call_id":                        res.CallID,
		"tool":                           res.Name,
		"canceled":                       canceled,
		"side_effects_may_have_occurred": sideEffects,
	}
	if res.Output != nil {
		payload["output"] = res.Output
	}
	if res.Error != "" {
		payload["error"] = res.Error
	}
	return m.publishTurn(t, events.KindToolCallResult, payload)
}

func (m *Manager) toolTurn(ctx context.Context, action, sessionID, turnID string) (*turn, error) {
	m.mu.Lock()
	t, err := m.lookupTurn(sessionID, turnID)
	m.mu.Unlock()
	if err != nil {
		m.reject(ctx, action, sessionID, turnID, err)
		return nil, err
	}
	return t, nil
}
