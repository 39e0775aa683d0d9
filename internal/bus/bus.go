package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/turnstream/internal/events"
)

// Default per-turn budgets.
const (
	DefaultBestEffortMaxEventsPerTurn = 256
	DefaultBoundedMaxEventsPerTurn    = 128
	DefaultMaxBytesPerTurnQueue       = 1_000_000
)

var (
	// ErrStateViolation is returned when a non-commit event is published
	// after the turn already emitted a terminal kind.
	ErrStateViolation = errors.New("turn state violation")
	// ErrCapacityExceeded is returned when a bounded event would exceed the
	// turn's event or byte budget.
	ErrCapacityExceeded = errors.New("turn capacity exceeded")
)

// Config holds the per-turn backpressure limits. Must-deliver kinds are
// outside every budget.
type Config struct {
	BestEffortMaxEventsPerTurn int `yaml:"best_effort_max_events_per_turn" json:"best_effort_max_events_per_turn"`
	BoundedMaxEventsPerTurn    int `yaml:"bounded_max_events_per_turn" json:"bounded_max_events_per_turn"`
	MaxBytesPerTurnQueue       int `yaml:"max_bytes_per_turn_queue" json:"max_bytes_per_turn_queue"`
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		BestEffortMaxEventsPerTurn: DefaultBestEffortMaxEventsPerTurn,
		BoundedMaxEventsPerTurn:    DefaultBoundedMaxEventsPerTurn,
		MaxBytesPerTurnQueue:       DefaultMaxBytesPerTurnQueue,
	}
}

func (c Config) normalized() Config {
	if c.BestEffortMaxEventsPerTurn <= 0 {
		c.BestEffortMaxEventsPerTurn = DefaultBestEffortMaxEventsPerTurn
	}
	if c.BoundedMaxEventsPerTurn <= 0 {
		c.BoundedMaxEventsPerTurn = DefaultBoundedMaxEventsPerTurn
	}
	if c.MaxBytesPerTurnQueue <= 0 {
		c.MaxBytesPerTurnQueue = DefaultMaxBytesPerTurnQueue
	}
	return c
}

// Clock supplies wall time. Monotonic timestamps are derived from the
// difference between successive Now readings and the bus origin.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Observer receives publish outcomes, typically for metrics.
type Observer interface {
	Published(kind events.Kind)
	Dropped(kind events.Kind)
	Rejected(kind events.Kind)
}

// Option configures a Bus.
type Option func(*Bus)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(b *Bus) { b.clock = c }
}

// WithObserver attaches a publish observer.
func WithObserver(o Observer) Option {
	return func(b *Bus) { b.observer = o }
}

// WithLogger sets the logger used for drop and rejection diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

type turnKey struct {
	sessionID string
	turnID    string
}

type turnState struct {
	nextSeq    int64
	terminal   bool
	dropped    []events.DroppedRange
	bestEffort int
	bounded    int
	bytes      int
	lastMono   int64
}

// Bus assigns per-turn order, applies the delivery-class policy and fans
// events out to per-session subscriptions.
//
// State is guarded by mu. Fan-out runs after mu is released; deliverMu is
// taken before mu is dropped so every subscription sees events in seq order
// even with concurrent publishers.
type Bus struct {
	mu     sync.Mutex
	cfg    Config
	subs   map[string]map[int]*Subscription
	turns  map[turnKey]*turnState
	nextID int

	deliverMu sync.Mutex

	clock    Clock
	origin   time.Time
	observer Observer
	logger   *slog.Logger
}

// New creates a Bus with the given limits. Zero limits take the defaults.
func New(cfg Config, opts ...Option) *Bus {
	b := &Bus{
		cfg:   cfg.normalized(),
		subs:  make(map[string]map[int]*Subscription),
		turns: make(map[turnKey]*turnState),
		clock: systemClock{},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.origin = b.clock.Now()
	return b
}

// Limits returns the active limits.
func (b *Bus) Limits() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// SetLimits replaces the limits for subsequent publishes. Counters already
// accumulated by live turns are kept.
func (b *Bus) SetLimits(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg.normalized()
}

// Subscribe registers a new sink for every event published in sessionID.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := newSubscription(b.nextID, sessionID)
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[int]*Subscription)
		b.subs[sessionID] = set
	}
	set[sub.id] = sub
	return sub
}

// Unsubscribe removes a sink and closes its channel without delivering
// anything still queued.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if set, ok := b.subs[sub.sessionID]; ok {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(b.subs, sub.sessionID)
		}
	}
	b.mu.Unlock()
	sub.stop()
}

// CloseSession detaches every sink of sessionID. Queued events are still
// delivered before each channel closes.
func (b *Bus) CloseSession(sessionID string) {
	b.mu.Lock()
	set := b.subs[sessionID]
	delete(b.subs, sessionID)
	b.mu.Unlock()

	// Wait for in-flight fan-out so nothing is pushed after closeSend.
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()
	for _, sub := range set {
		sub.closeSend()
	}
}

// SubscriberCount returns the number of sinks attached to sessionID.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}

// ClearTurn discards a turn's counters. Safe to call repeatedly.
func (b *Bus) ClearTurn(sessionID, turnID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.turns, turnKey{sessionID: sessionID, turnID: turnID})
}

// ActiveTurns returns the number of turns with live counters.
func (b *Bus) ActiveTurns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.turns)
}

// Publish sequences and delivers one event. It returns (nil, nil) when a
// best-effort event was dropped for backpressure; the drop is reported on
// the next delivered event of the turn.
func (b *Bus) Publish(sessionID, turnID string, kind events.Kind, payload map[string]any) (*events.Event, error) {
	class, err := kind.Class()
	if err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	size, err := events.PayloadSize(payload)
	if err != nil {
		return nil, fmt.Errorf("publish %s: %w", kind, err)
	}

	b.mu.Lock()
	key := turnKey{sessionID: sessionID, turnID: turnID}
	st, ok := b.turns[key]
	if !ok {
		st = &turnState{}
		b.turns[key] = st
	}

	if st.terminal && kind != events.KindCommitFinal {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s after terminal event in turn %s", ErrStateViolation, kind, turnID)
	}

	switch class {
	case events.ClassBestEffort:
		if st.bestEffort >= b.cfg.BestEffortMaxEventsPerTurn || st.bytes+size > b.cfg.MaxBytesPerTurnQueue {
			seq := st.nextSeq
			st.nextSeq++
			st.dropped = events.MergeDropped(st.dropped, seq)
			b.mu.Unlock()
			b.logger.Debug("bus: best-effort event dropped", "session_id", sessionID, "turn_id", turnID, "event_type", kind, "seq", seq)
			if b.observer != nil {
				b.observer.Dropped(kind)
			}
			return nil, nil
		}
	case events.ClassBounded:
		if st.bounded >= b.cfg.BoundedMaxEventsPerTurn || st.bytes+size > b.cfg.MaxBytesPerTurnQueue {
			b.mu.Unlock()
			if b.observer != nil {
				b.observer.Rejected(kind)
			}
			return nil, fmt.Errorf("%w: %s in turn %s (bounded=%d bytes=%d)", ErrCapacityExceeded, kind, turnID, st.bounded, st.bytes+size)
		}
	}

	now := b.clock.Now()
	mono := now.Sub(b.origin).Milliseconds()
	if mono < st.lastMono {
		mono = st.lastMono
	}
	st.lastMono = mono
	wall := now.UTC().Format(time.RFC3339Nano)

	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	if len(st.dropped) > 0 {
		out[events.PayloadDroppedSeqRanges] = st.dropped
		st.dropped = nil
	}

	ev := &events.Event{
		SchemaVersion: events.SchemaVersion,
		SessionID:     sessionID,
		TurnID:        turnID,
		Seq:           st.nextSeq,
		MonoTSMillis:  mono,
		WallTS:        &wall,
		Type:          kind,
		Payload:       out,
	}
	st.nextSeq++

	switch class {
	case events.ClassBestEffort:
		st.bestEffort++
		st.bytes += size
	case events.ClassBounded:
		st.bounded++
		st.bytes += size
	}
	if kind.Terminal() {
		st.terminal = true
	}

	set := b.subs[sessionID]
	sinks := make([]*Subscription, 0, len(set))
	for _, sub := range set {
		sinks = append(sinks, sub)
	}

	b.deliverMu.Lock()
	b.mu.Unlock()
	for _, sub := range sinks {
		sub.push(*ev)
	}
	b.deliverMu.Unlock()

	if b.observer != nil {
		b.observer.Published(kind)
	}
	return ev, nil
}
