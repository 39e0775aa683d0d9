// Package interaction owns the per-session turn lifecycle: it admits turns
// under the Linear Turn Policy, routes cancellation, records the single
// terminal event of each turn and schedules its commit exactly once.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/turnstream/internal/audit"
	"github.com/basket/turnstream/internal/bus"
	"github.com/basket/turnstream/internal/commit"
	"github.com/basket/turnstream/internal/events"
	tsotel "github.com/basket/turnstream/internal/otel"
	"github.com/basket/turnstream/internal/persistence"
	"github.com/basket/turnstream/internal/shared"
)

var (
	ErrSessionClosed    = errors.New("session closed")
	ErrTurnActive       = errors.New("session already has an active turn")
	ErrUnknownSession   = errors.New("unknown session")
	ErrUnknownTurn      = errors.New("unknown turn")
	ErrCommitScheduled  = errors.New("commit already scheduled for turn")
	ErrReservedKind     = errors.New("event kind is reserved for the interaction manager")
	ErrManagerShutdown  = errors.New("interaction manager shut down")
	errCommitIncomplete = errors.New("commit did not produce a record")
)

// Committer produces the authoritative record for a turn.
type Committer interface {
	Commit(ctx context.Context, sessionID, turnID string, intents []commit.Intent) (commit.Record, error)
}

// TraceStore persists the minimal per-turn trace written after a commit.
type TraceStore interface {
	SaveTurnTrace(ctx context.Context, tr persistence.TurnTrace) error
}

// CommitHandle is returned by Finalize before the commit runs.
type CommitHandle struct {
	SessionID   string    `json:"session_id"`
	TurnID      string    `json:"turn_id"`
	Status      string    `json:"status"`
	RequestedAt time.Time `json:"requested_at"`
}

// CommitStatusPending is the only status Finalize reports; the outcome
// arrives as a commit_final event.
const CommitStatusPending = "pending"

type session struct {
	id        string
	params    map[string]any
	active    *turn
	turns     map[string]*turn
	createdAt time.Time
}

type turn struct {
	id        string
	sessionID string
	input     string
	params    map[string]any
	createdAt time.Time

	// ctx is the one-shot cancellation signal; cancel fires it.
	ctx    context.Context
	cancel context.CancelFunc

	terminal        events.Kind
	commitScheduled bool
	intents         []commit.Intent

	// terminalDone closes once the terminal event has been published, so
	// commit_final can never overtake it.
	terminalDone chan struct{}
	commitDone   chan struct{}
	record       *commit.Record
	commitErr    error
	finalizedAt  time.Time

	// pubMu gates progress publishes against retire; retired is set once
	// the turn's bus counters are gone.
	pubMu   sync.RWMutex
	retired bool
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

func WithMetrics(mt *tsotel.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithTraceStore persists a trace record after every commit.
func WithTraceStore(s TraceStore) Option {
	return func(m *Manager) { m.traces = s }
}

// WithRetention bounds how many committed turns stay addressable by id
// and how many closed session ids keep answering ErrSessionClosed.
func WithRetention(turns, closedSessions int) Option {
	return func(m *Manager) {
		m.retainTurns = turns
		m.retainSessions = closedSessions
	}
}

// WithNow overrides the wall clock used for timestamps on handles and
// traces.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager is the session and turn state machine. Its state is guarded by
// mu, which is never held while publishing to the bus or calling the
// committer.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	closed   *recentSet[struct{}]
	turnIdx  map[string]*turn
	// finished holds committed turns, so late Finalize, Cancel and
	// AwaitCommit calls still resolve them.
	finished *recentSet[*turn]
	shutdown bool

	retainTurns    int
	retainSessions int

	bus       *bus.Bus
	committer Committer
	traces    TraceStore
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *tsotel.Metrics
	now       func() time.Time

	wg      sync.WaitGroup
	commits int64
}

// NewManager returns a Manager publishing on b and committing through c.
func NewManager(b *bus.Bus, c Committer, opts ...Option) *Manager {
	m := &Manager{
		sessions:       make(map[string]*session),
		turnIdx:        make(map[string]*turn),
		bus:            b,
		committer:      c,
		now:            time.Now,
		retainTurns:    defaultRetainedTurns,
		retainSessions: defaultRetainedSessions,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.closed = newRecentSet[struct{}](m.retainSessions)
	m.finished = newRecentSet[*turn](m.retainTurns)
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.tracer == nil {
		m.tracer = nooptrace.NewTracerProvider().Tracer(tsotel.TracerName)
	}
	return m
}

// Start creates a session with no turn.
func (m *Manager) Start(params map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return "", ErrManagerShutdown
	}
	id := shared.NewSessionID()
	m.sessions[id] = &session{
		id:        id,
		params:    cloneMap(params),
		turns:     make(map[string]*turn),
		createdAt: m.now(),
	}
	m.logger.Info("session started", "session_id", id)
	return id, nil
}

// lookupSession must be called with mu held.
func (m *Manager) lookupSession(sessionID string) (*session, error) {
	if s, ok := m.sessions[sessionID]; ok {
		return s, nil
	}
	if _, ok := m.closed.get(sessionID); ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
}

// lookupTurn must be called with mu held.
func (m *Manager) lookupTurn(sessionID, turnID string) (*turn, error) {
	s, err := m.lookupSession(sessionID)
	if err != nil {
		return nil, err
	}
	if t, ok := s.turns[turnID]; ok {
		return t, nil
	}
	if t, ok := m.finished.get(turnID); ok && t.sessionID == sessionID {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s in session %s", ErrUnknownTurn, turnID, sessionID)
}

// reapAbandoned drops turns that ended without a commit being scheduled,
// such as a canceled turn that was never finalized. Only turns whose
// terminal event is already published are dropped. Must be called with mu
// held; the caller retires the returned turns after unlocking.
func (m *Manager) reapAbandoned(s *session) []*turn {
	var reaped []*turn
	for id, t := range s.turns {
		if t.terminal == "" || t.commitScheduled {
			continue
		}
		select {
		case <-t.terminalDone:
		default:
			continue
		}
		delete(s.turns, id)
		delete(m.turnIdx, id)
		if s.active == t {
			s.active = nil
		}
		reaped = append(reaped, t)
	}
	return reaped
}

// forget moves a committed turn out of the live indexes. Must be called
// with mu held.
func (m *Manager) forget(t *turn) {
	if s, ok := m.sessions[t.sessionID]; ok {
		if s.active == t {
			s.active = nil
		}
		delete(s.turns, t.id)
	}
	delete(m.turnIdx, t.id)
	t.intents = nil
	m.finished.put(t.id, t)
}

// BeginTurn admits a new turn and publishes turn_accepted. It fails with
// ErrTurnActive while the session's current turn has no terminal event.
func (m *Manager) BeginTurn(ctx context.Context, sessionID, input string, params map[string]any) (string, error) {
	ctx, span := tsotel.StartSpan(ctx, m.tracer, "turn.begin", tsotel.AttrSessionID.String(sessionID))
	defer span.End()

	m.mu.Lock()
	s, err := m.lookupSession(sessionID)
	if err == nil && s.active != nil && s.active.terminal == "" {
		err = fmt.Errorf("%w: %s in session %s", ErrTurnActive, s.active.id, sessionID)
	}
	if err != nil {
		m.mu.Unlock()
		m.reject(ctx, "turn.begin", sessionID, "", err)
		return "", err
	}

	tctx, cancel := context.WithCancel(context.Background())
	t := &turn{
		id:           shared.NewTurnID(),
		sessionID:    sessionID,
		input:        input,
		params:       cloneMap(params),
		createdAt:    m.now(),
		ctx:          tctx,
		cancel:       cancel,
		terminalDone: make(chan struct{}),
		commitDone:   make(chan struct{}),
	}
	reaped := m.reapAbandoned(s)
	s.active = t
	s.turns[t.id] = t
	m.turnIdx[t.id] = t
	m.mu.Unlock()

	for _, old := range reaped {
		m.retire(old)
		if m.metrics != nil {
			m.metrics.ActiveTurns.Add(ctx, -1)
		}
		m.logger.Info("abandoned turn dropped", "session_id", sessionID, "turn_id", old.id, "terminal", old.terminal)
	}

	span.SetAttributes(tsotel.AttrTurnID.String(t.id))
	payload := map[string]any{
		"input":                     input,
		"params":                    cloneMap(params),
		events.PayloadAuthoritative: false,
	}
	if _, err := m.publishTurn(t, events.KindTurnAccepted, payload); err != nil {
		span.RecordError(err)
		m.mu.Lock()
		_, live := m.sessions[sessionID]
		if s.active == t {
			s.active = nil
		}
		delete(s.turns, t.id)
		delete(m.turnIdx, t.id)
		m.mu.Unlock()
		cancel()
		m.retire(t)
		if !live {
			return "", fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
		}
		return "", fmt.Errorf("publish turn_accepted: %w", err)
	}

	if m.metrics != nil {
		m.metrics.TurnsStarted.Add(ctx, 1)
		m.metrics.ActiveTurns.Add(ctx, 1)
	}
	m.logger.Info("turn accepted", "session_id", sessionID, "turn_id", t.id, "trace_id", shared.TraceID(ctx))
	return t.id, nil
}

// Subscribe attaches a new sink to the session's event stream.
func (m *Manager) Subscribe(sessionID string) (*bus.Subscription, error) {
	m.mu.Lock()
	_, err := m.lookupSession(sessionID)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	sub := m.bus.Subscribe(sessionID)

	// Close may have run between the check and the registration.
	m.mu.Lock()
	_, live := m.sessions[sessionID]
	m.mu.Unlock()
	if !live {
		m.bus.Unsubscribe(sub)
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
	}
	return sub, nil
}

// Unsubscribe detaches a sink returned by Subscribe.
func (m *Manager) Unsubscribe(sub *bus.Subscription) {
	m.bus.Unsubscribe(sub)
}

// Resolve maps a cancel target to its session and turn. A session target
// yields its active turn, or an empty turn id when it has none.
func (m *Manager) Resolve(target string) (sessionID, turnID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[target]; ok {
		if s.active != nil {
			return s.id, s.active.id, nil
		}
		return s.id, "", nil
	}
	if t, ok := m.turnIdx[target]; ok {
		return t.sessionID, t.id, nil
	}
	if t, ok := m.finished.get(target); ok {
		return t.sessionID, t.id, nil
	}
	_, err = m.lookupSession(target)
	if shared.IsTurnID(target) {
		err = fmt.Errorf("%w: %s", ErrUnknownTurn, target)
	}
	return "", "", err
}

// Cancel interrupts the active turn of a session, or a turn named directly.
// It reports whether this call produced the turn_interrupted event; a turn
// that already has a terminal event is left alone.
func (m *Manager) Cancel(ctx context.Context, target string) (bool, error) {
	ctx, span := tsotel.StartSpan(ctx, m.tracer, "turn.cancel", attribute.String("target", target))
	defer span.End()

	m.mu.Lock()
	var t *turn
	if s, ok := m.sessions[target]; ok {
		t = s.active
	} else if tt, ok := m.turnIdx[target]; ok {
		t = tt
	} else if tt, ok := m.finished.get(target); ok {
		t = tt
	} else {
		_, err := m.lookupSession(target)
		if shared.IsTurnID(target) {
			err = fmt.Errorf("%w: %s", ErrUnknownTurn, target)
		}
		m.mu.Unlock()
		m.reject(ctx, "turn.cancel", "", "", err)
		return false, err
	}
	if t == nil || t.terminal != "" {
		m.mu.Unlock()
		return false, nil
	}
	t.cancel()
	t.terminal = events.KindTurnInterrupted
	m.mu.Unlock()

	defer close(t.terminalDone)
	if _, err := m.publishTurn(t, events.KindTurnInterrupted, map[string]any{
		"reason":                    "canceled",
		events.PayloadAuthoritative: false,
	}); err != nil {
		span.RecordError(err)
		return true, fmt.Errorf("publish turn_interrupted: %w", err)
	}
	if m.metrics != nil {
		m.metrics.TurnsCanceled.Add(ctx, 1)
	}
	m.logger.Info("turn canceled", "session_id", t.sessionID, "turn_id", t.id)
	return true, nil
}

// Finalize records turn_final if the turn has no terminal event yet and
// schedules its commit once. It returns without waiting for the commit.
func (m *Manager) Finalize(ctx context.Context, sessionID, turnID string) (CommitHandle, error) {
	ctx, span := tsotel.StartSpan(ctx, m.tracer, "turn.finalize",
		tsotel.AttrSessionID.String(sessionID), tsotel.AttrTurnID.String(turnID))
	defer span.End()

	m.mu.Lock()
	t, err := m.lookupTurn(sessionID, turnID)
	if err != nil {
		m.mu.Unlock()
		m.reject(ctx, "turn.finalize", sessionID, turnID, err)
		return CommitHandle{}, err
	}
	emit := false
	if t.terminal == "" {
		t.terminal = events.KindTurnFinal
		emit = true
	}
	schedule := false
	if !t.commitScheduled {
		t.commitScheduled = true
		t.finalizedAt = m.now()
		schedule = true
		m.wg.Add(1)
	}
	handle := CommitHandle{
		SessionID:   sessionID,
		TurnID:      turnID,
		Status:      CommitStatusPending,
		RequestedAt: t.finalizedAt,
	}
	m.mu.Unlock()

	if emit {
		_, err := m.publishTurn(t, events.KindTurnFinal, map[string]any{
			events.PayloadAuthoritative: false,
		})
		close(t.terminalDone)
		if err != nil {
			span.RecordError(err)
			m.logger.Error("publish turn_final failed", "session_id", sessionID, "turn_id", turnID, "error", err)
		}
	}
	if schedule {
		go m.runCommit(t)
	}
	return handle, nil
}

// AwaitCommit blocks until the turn's commit finished or ctx ends.
func (m *Manager) AwaitCommit(ctx context.Context, sessionID, turnID string) (commit.Record, error) {
	m.mu.Lock()
	t, err := m.lookupTurn(sessionID, turnID)
	m.mu.Unlock()
	if err != nil {
		return commit.Record{}, err
	}
	select {
	case <-t.commitDone:
	case <-ctx.Done():
		return commit.Record{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.record == nil {
		if t.commitErr != nil {
			return commit.Record{}, t.commitErr
		}
		return commit.Record{}, errCommitIncomplete
	}
	return *t.record, nil
}

// Close ends a session: its active turn is canceled without an event, its
// bus counters are discarded and its subscriptions close.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, err := m.lookupSession(sessionID)
	if err != nil {
		m.mu.Unlock()
		if errors.Is(err, ErrSessionClosed) {
			return nil
		}
		m.reject(ctx, "session.close", sessionID, "", err)
		return err
	}
	delete(m.sessions, sessionID)
	m.closed.put(sessionID, struct{}{})
	turns := make([]*turn, 0, len(s.turns))
	var uncommitted int64
	for id, t := range s.turns {
		turns = append(turns, t)
		delete(m.turnIdx, id)
		if t.terminal == "" {
			t.cancel()
		}
		if !t.commitScheduled {
			uncommitted++
		}
	}
	s.active = nil
	m.mu.Unlock()

	if m.metrics != nil && uncommitted > 0 {
		m.metrics.ActiveTurns.Add(ctx, -uncommitted)
	}
	for _, t := range turns {
		m.retire(t)
	}
	m.bus.CloseSession(sessionID)
	m.logger.Info("session closed", "session_id", sessionID, "turns", len(turns))
	return nil
}

// Wait blocks until every scheduled commit has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown stops admitting sessions, cancels live turns and waits for
// scheduled commits until ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	for _, s := range m.sessions {
		if s.active != nil && s.active.terminal == "" {
			s.active.cancel()
		}
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("interaction manager drained cleanly")
		return nil
	case <-ctx.Done():
		m.logger.Warn("interaction manager drain timeout", "error", ctx.Err())
		return ctx.Err()
	}
}

// Stats is a point-in-time view for status endpoints.
type Stats struct {
	Sessions    int   `json:"sessions"`
	ActiveTurns int   `json:"active_turns"`
	Commits     int64 `json:"commits"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Sessions: len(m.sessions), Commits: m.commits}
	for _, s := range m.sessions {
		if s.active != nil {
			st.ActiveTurns++
		}
	}
	return st
}

// CommitCount returns how many commits have completed.
func (m *Manager) CommitCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// SessionInfo describes one live session.
type SessionInfo struct {
	SessionID    string         `json:"session_id"`
	Params       map[string]any `json:"params,omitempty"`
	ActiveTurnID string         `json:"active_turn_id,omitempty"`
	TerminalKind events.Kind    `json:"terminal_kind,omitempty"`
	Turns        int            `json:"turns"`
	CreatedAt    time.Time      `json:"created_at"`
}

func (m *Manager) Session(sessionID string) (SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookupSession(sessionID)
	if err != nil {
		return SessionInfo{}, err
	}
	info := SessionInfo{
		SessionID: s.id,
		Params:    cloneMap(s.params),
		Turns:     len(s.turns),
		CreatedAt: s.createdAt,
	}
	if s.active != nil {
		info.ActiveTurnID = s.active.id
		info.TerminalKind = s.active.terminal
	}
	return info, nil
}

func (m *Manager) reject(ctx context.Context, action, sessionID, turnID string, err error) {
	reason := "rejected"
	switch {
	case errors.Is(err, ErrTurnActive):
		reason = "turn_active"
	case errors.Is(err, ErrSessionClosed):
		reason = "session_closed"
	case errors.Is(err, ErrUnknownSession):
		reason = "unknown_session"
	case errors.Is(err, ErrUnknownTurn):
		reason = "unknown_turn"
	}
	audit.Record(audit.OutcomeReject, action, reason, sessionID, turnID, err.Error())
	if m.metrics != nil {
		m.metrics.LifecycleRejects.Add(ctx, 1, metric.WithAttributes(tsotel.AttrReason.String(reason)))
	}
	m.logger.Warn("lifecycle operation rejected", "action", action, "session_id", sessionID, "turn_id", turnID, "reason", reason)
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
