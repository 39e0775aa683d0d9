package interaction

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/turnstream/internal/bus"
	"github.com/basket/turnstream/internal/commit"
	"github.com/basket/turnstream/internal/events"
	"github.com/basket/turnstream/internal/laws"
	"github.com/basket/turnstream/internal/persistence"
)

type countingCommitter struct {
	inner Committer
	err   error
	calls atomic.Int32
}

func (c *countingCommitter) Commit(ctx context.Context, sid, tid string, intents []commit.Intent) (commit.Record, error) {
	c.calls.Add(1)
	if c.err != nil {
		return commit.Record{}, c.err
	}
	return c.inner.Commit(ctx, sid, tid, intents)
}

type memTraces struct {
	mu     sync.Mutex
	traces []persistence.TurnTrace
}

func (s *memTraces) SaveTurnTrace(_ context.Context, tr persistence.TurnTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, tr)
	return nil
}

func (s *memTraces) all() []persistence.TurnTrace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]persistence.TurnTrace(nil), s.traces...)
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *countingCommitter, *commit.MemoryWriter) {
	t.Helper()
	mem := commit.NewMemoryWriter()
	cc := &countingCommitter{inner: commit.NewOrchestrator(nil, mem)}
	m := NewManager(bus.New(bus.DefaultConfig()), cc, opts...)
	return m, cc, mem
}

func startSubscribed(t *testing.T, m *Manager) (string, *bus.Subscription) {
	t.Helper()
	sid, err := m.Start(nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	sub, err := m.Subscribe(sid)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { m.Unsubscribe(sub) })
	return sid, sub
}

// collectUntil reads events of one turn until stop matches or the timeout
// elapses.
func collectUntil(t *testing.T, sub *bus.Subscription, turnID string, stop events.Kind) []events.Event {
	t.Helper()
	var got []events.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Ch():
			if !ok {
				t.Fatalf("subscription closed before %s (got %d events)", stop, len(got))
			}
			if ev.TurnID != turnID {
				continue
			}
			got = append(got, ev)
			if ev.Type == stop {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s (got %d events)", stop, len(got))
		}
	}
}

func countKind(evs []events.Event, kind events.Kind) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == kind {
			n++
		}
	}
	return n
}

func awaitCommit(t *testing.T, m *Manager, sid, tid string) commit.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := m.AwaitCommit(ctx, sid, tid)
	if err != nil {
		t.Fatalf("await commit: %v", err)
	}
	return rec
}

func TestBeginTurn_PublishesAccepted(t *testing.T) {
	m, _, _ := newTestManager(t)
	sid, sub := startSubscribed(t, m)

	tid, err := m.BeginTurn(context.Background(), sid, "hello", map[string]any{"model": "m1"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	got := collectUntil(t, sub, tid, events.KindTurnAccepted)
	ev := got[0]
	if ev.Seq != 0 || ev.SessionID != sid {
		t.Fatalf("turn_accepted = %+v", ev)
	}
	if auth, _ := ev.Payload[events.PayloadAuthoritative].(bool); auth {
		t.Fatal("turn_accepted must not be authoritative")
	}
	if ev.Payload["input"] != "hello" {
		t.Fatalf("input = %v", ev.Payload["input"])
	}

	info, err := m.Session(sid)
	if err != nil {
		t.Fatal(err)
	}
	if info.ActiveTurnID != tid || info.TerminalKind != "" {
		t.Fatalf("session info = %+v", info)
	}
}

func TestBeginTurn_LinearTurnPolicy(t *testing.T) {
	m, _, _ := newTestManager(t)
	sid, _ := startSubscribed(t, m)
	ctx := context.Background()

	first, err := m.BeginTurn(ctx, sid, "one", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.BeginTurn(ctx, sid, "two", nil); !errors.Is(err, ErrTurnActive) {
		t.Fatalf("second begin err = %v, want ErrTurnActive", err)
	}

	// A terminal event frees the session even before the commit lands.
	if _, err := m.Finalize(ctx, sid, first); err != nil {
		t.Fatal(err)
	}
	second, err := m.BeginTurn(ctx, sid, "two", nil)
	if err != nil {
		t.Fatalf("begin after terminal: %v", err)
	}
	if second == first {
		t.Fatal("turn ids must be unique")
	}
	m.Wait()
}

func TestFinalize_TwiceCommitsOnce(t *testing.T) {
	m, cc, mem := newTestManager(t)
	sid, sub := startSubscribed(t, m)
	ctx := context.Background()
	tid, err := m.BeginTurn(ctx, sid, "x", nil)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := m.Finalize(ctx, sid, tid)
			if err != nil {
				t.Errorf("finalize: %v", err)
				return
			}
			if h.Status != CommitStatusPending || h.TurnID != tid {
				t.Errorf("handle = %+v", h)
			}
		}()
	}
	wg.Wait()
	m.Wait()

	if err := m.Close(ctx, sid); err != nil {
		t.Fatal(err)
	}
	var got []events.Event
	for ev := range sub.Ch() {
		got = append(got, ev)
	}
	if n := countKind(got, events.KindTurnFinal); n != 1 {
		t.Fatalf("turn_final count = %d, want 1", n)
	}
	if n := countKind(got, events.KindCommitFinal); n != 1 {
		t.Fatalf("commit_final count = %d, want 1", n)
	}
	if n := cc.calls.Load(); n != 1 {
		t.Fatalf("commit executions = %d, want 1", n)
	}
	if mem.Writes() != 1 || m.CommitCount() != 1 {
		t.Fatalf("writes=%d commits=%d", mem.Writes(), m.CommitCount())
	}
	if err := laws.New().ConsumeAll(got); err != nil {
		t.Fatalf("stream laws: %v", err)
	}
}

func TestCancel_AfterFinalIsNoop(t *testing.T) {
	m, _, _ := newTestManager(t)
	sid, sub := startSubscribed(t, m)
	ctx := context.Background()
	tid, _ := m.BeginTurn(ctx, sid, "x", nil)
	if _, err := m.Finalize(ctx, sid, tid); err != nil {
		t.Fatal(err)
	}

	for _, target := range []string{sid, tid} {
		did, err := m.Cancel(ctx, target)
		if err != nil || did {
			t.Fatalf("cancel %s = (%v, %v), want no-op", target, did, err)
		}
	}

	got := collectUntil(t, sub, tid, events.KindCommitFinal)
	if n := countKind(got, events.KindTurnInterrupted); n != 0 {
		t.Fatalf("turn_interrupted after turn_final: %d", n)
	}
	m.Wait()

	// Still a no-op once the commit landed and the turn is no longer active.
	if did, err := m.Cancel(ctx, tid); err != nil || did {
		t.Fatalf("cancel after commit = (%v, %v)", did, err)
	}
}

func TestCancel_InterruptsActiveTurn(t *testing.T) {
	traces := &memTraces{}
	m, _, _ := newTestManager(t, WithTraceStore(traces))
	sid, sub := startSubscribed(t, m)
	ctx := context.Background()
	tid, _ := m.BeginTurn(ctx, sid, "x", nil)
	ic, err := m.CreateContext(sid, tid)
	if err != nil {
		t.Fatal(err)
	}
	if ic.IsCanceled() {
		t.Fatal("fresh turn reports canceled")
	}

	did, err := m.Cancel(ctx, sid)
	if err != nil || !did {
		t.Fatalf("cancel = (%v, %v)", did, err)
	}
	if !ic.IsCanceled() {
		t.Fatal("IsCanceled false after cancel")
	}
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := ic.AwaitCancel(waitCtx); err != nil {
		t.Fatalf("await cancel: %v", err)
	}
	if did, _ := m.Cancel(ctx, tid); did {
		t.Fatal("second cancel produced another event")
	}
	if _, err := ic.EmitEvent(events.KindTokenDelta, map[string]any{"text": "late"}); !errors.Is(err, bus.ErrStateViolation) {
		t.Fatalf("emit after cancel err = %v", err)
	}

	if _, err := m.Finalize(ctx, sid, tid); err != nil {
		t.Fatal(err)
	}
	got := collectUntil(t, sub, tid, events.KindCommitFinal)
	if countKind(got, events.KindTurnFinal) != 0 {
		t.Fatal("turn_final published after turn_interrupted")
	}
	interrupted := got[1]
	if interrupted.Type != events.KindTurnInterrupted || interrupted.Payload["reason"] != "canceled" {
		t.Fatalf("second event = %+v", interrupted)
	}
	if err := laws.New().ConsumeAll(got); err != nil {
		t.Fatalf("stream laws: %v", err)
	}

	m.Wait()
	tr := traces.all()
	if len(tr) != 1 || tr[0].TerminalKind != string(events.KindTurnInterrupted) || tr[0].CommitOutcome != "ok" {
		t.Fatalf("traces = %+v", tr)
	}
}

func TestCancel_UnknownTargets(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Cancel(ctx, "s_missing"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("unknown session err = %v", err)
	}
	if _, err := m.Cancel(ctx, "t_missing"); !errors.Is(err, ErrUnknownTurn) {
		t.Fatalf("unknown turn err = %v", err)
	}
	sid, _ := m.Start(nil)
	if did, err := m.Cancel(ctx, sid); err != nil || did {
		t.Fatalf("cancel idle session = (%v, %v)", did, err)
	}
	if _, err := m.Finalize(ctx, sid, "t_missing"); !errors.Is(err, ErrUnknownTurn) {
		t.Fatalf("finalize unknown turn err = %v", err)
	}
	if _, err := m.BeginTurn(ctx, "s_missing", "x", nil); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("begin unknown session err = %v", err)
	}
}

func TestTurnStream_SatisfiesLaws(t *testing.T) {
	m, _, mem := newTestManager(t)
	sid, sub := startSubscribed(t, m)
	ctx := context.Background()
	tid, _ := m.BeginTurn(ctx, sid, "x", nil)
	ic, _ := m.CreateContext(sid, tid)

	if _, err := ic.EmitEvent(events.KindModelSelected, map[string]any{"model": "m1"}); err != nil {
		t.Fatal(err)
	}
	for _, tok := range []string{"a", "b", "c"} {
		if _, err := ic.EmitEvent(events.KindTokenDelta, map[string]any{"text": tok}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.MarkToolStarted(ctx, sid, tid, ToolCall{CallID: "c1", Name: "search"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.MarkToolResult(ctx, sid, tid, ToolResult{CallID: "c1", Name: "search", Output: "ok"}); err != nil {
		t.Fatal(err)
	}
	if err := ic.RequestCommit(commit.Intent{Type: commit.IntentToolResult, Ref: "c1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Finalize(ctx, sid, tid); err != nil {
		t.Fatal(err)
	}

	got := collectUntil(t, sub, tid, events.KindCommitFinal)
	if len(got) != 9 {
		t.Fatalf("got %d events, want 9", len(got))
	}
	if err := laws.New().ConsumeAll(got); err != nil {
		t.Fatalf("stream laws: %v", err)
	}

	last := got[len(got)-1]
	if last.Payload[events.PayloadCommitOutcome] != "ok" {
		t.Fatalf("outcome = %v", last.Payload[events.PayloadCommitOutcome])
	}
	rec := awaitCommit(t, m, sid, tid)
	art, ok := mem.Get(rec.CommitID)
	if !ok || len(art.Intents) != 1 || art.Intents[0].Ref != "c1" {
		t.Fatalf("artifact = %+v ok=%v", art, ok)
	}
	if err := ic.RequestCommit(commit.FinalizeIntent()); !errors.Is(err, ErrCommitScheduled) {
		t.Fatalf("request after finalize err = %v", err)
	}
}

func TestEmitEvent_ReservedKinds(t *testing.T) {
	m, _, _ := newTestManager(t)
	sid, _ := m.Start(nil)
	tid, _ := m.BeginTurn(context.Background(), sid, "x", nil)
	ic, _ := m.CreateContext(sid, tid)
	for _, k := range []events.Kind{events.KindTurnAccepted, events.KindTurnFinal, events.KindTurnInterrupted, events.KindCommitFinal} {
		if _, err := ic.EmitEvent(k, nil); !errors.Is(err, ErrReservedKind) {
			t.Fatalf("emit %s err = %v", k, err)
		}
	}
	if err := ic.RequestCommit(commit.Intent{Type: "bogus"}); !errors.Is(err, commit.ErrInvalidIntent) {
		t.Fatalf("invalid intent err = %v", err)
	}
}

func TestRequestCommit_FailClosedDecision(t *testing.T) {
	m, _, _ := newTestManager(t)
	sid, sub := startSubscribed(t, m)
	ctx := context.Background()
	tid, _ := m.BeginTurn(ctx, sid, "x", nil)
	ic, _ := m.CreateContext(sid, tid)
	if err := ic.RequestCommit(commit.Intent{Type: commit.IntentDecision, Ref: commit.FailClosedPrefix + "unverified_claim"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Finalize(ctx, sid, tid); err != nil {
		t.Fatal(err)
	}
	got := collectUntil(t, sub, tid, events.KindCommitFinal)
	final := got[len(got)-1]
	if final.Payload[events.PayloadCommitOutcome] != string(commit.OutcomeFailClosed) {
		t.Fatalf("outcome = %v", final.Payload[events.PayloadCommitOutcome])
	}
	issues, _ := final.Payload[events.PayloadIssues].([]string)
	if len(issues) != 1 || issues[0] != "unverified_claim" {
		t.Fatalf("issues = %v", final.Payload[events.PayloadIssues])
	}
}

func TestCommitFailure_PublishesFailClosed(t *testing.T) {
	m, cc, _ := newTestManager(t)
	cc.err = errors.New("disk on fire")
	sid, sub := startSubscribed(t, m)
	ctx := context.Background()
	tid, _ := m.BeginTurn(ctx, sid, "x", nil)
	if _, err := m.Finalize(ctx, sid, tid); err != nil {
		t.Fatal(err)
	}

	got := collectUntil(t, sub, tid, events.KindCommitFinal)
	if err := laws.New().ConsumeAll(got); err != nil {
		t.Fatalf("stream laws: %v", err)
	}
	rec := awaitCommit(t, m, sid, tid)
	want, _ := commit.Digest(sid, tid, []commit.Intent{commit.FinalizeIntent()})
	if rec.Outcome != commit.OutcomeFailClosed || rec.Digest != want {
		t.Fatalf("record = %+v", rec)
	}
	if len(rec.Issues) != 1 || rec.Issues[0] != issueCommitFailed || len(rec.ArtifactRefs) != 0 {
		t.Fatalf("record = %+v", rec)
	}
	if st := m.Stats(); st.ActiveTurns != 0 || st.Commits != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMarkToolResult_SideEffects(t *testing.T) {
	m, _, _ := newTestManager(t)
	sid, _ := m.Start(nil)
	ctx := context.Background()
	tid, _ := m.BeginTurn(ctx, sid, "x", nil)

	ev, err := m.MarkToolResult(ctx, sid, tid, ToolResult{CallID: "c1", Name: "write", SideEffectsMayHaveOccurred: true})
	if err != nil {
		t.Fatal(err)
	}
	if ev.Payload["side_effects_may_have_occurred"] != false || ev.Payload["canceled"] != false {
		t.Fatalf("completed call payload = %v", ev.Payload)
	}

	ev, err = m.MarkToolResult(ctx, sid, tid, ToolResult{CallID: "c2", Name: "write", Canceled: true, SideEffectsMayHaveOccurred: true})
	if err != nil {
		t.Fatal(err)
	}
	if ev.Payload["side_effects_may_have_occurred"] != true || ev.Payload["canceled"] != true {
		t.Fatalf("canceled call payload = %v", ev.Payload)
	}

	if _, err := m.Cancel(ctx, tid); err != nil {
		t.Fatal(err)
	}
	if _, err := m.MarkToolResult(ctx, sid, tid, ToolResult{CallID: "c3", Name: "write"}); !errors.Is(err, bus.ErrStateViolation) {
		t.Fatalf("tool result after terminal err = %v", err)
	}
	if _, err := m.MarkToolStarted(ctx, sid, "t_missing", ToolCall{CallID: "c4"}); !errors.Is(err, ErrUnknownTurn) {
		t.Fatalf("unknown turn err = %v", err)
	}
}

func TestBoundedCapacityIsFatal(t *testing.T) {
	cfg := bus.DefaultConfig()
	cfg.BoundedMaxEventsPerTurn = 1
	m := NewManager(bus.New(cfg), commit.NewOrchestrator(nil))
	sid, _ := m.Start(nil)
	ctx := context.Background()
	tid, _ := m.BeginTurn(ctx, sid, "x", nil)
	if _, err := m.MarkToolStarted(ctx, sid, tid, ToolCall{CallID: "c1", Name: "a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.MarkToolStarted(ctx, sid, tid, ToolCall{CallID: "c2", Name: "a"}); !errors.Is(err, bus.ErrCapacityExceeded) {
		t.Fatalf("err = %v, want ErrCapacityExceeded", err)
	}
}

func TestClose(t *testing.T) {
	m, _, _ := newTestManager(t)
	sid, sub := startSubscribed(t, m)
	ctx := context.Background()
	tid, _ := m.BeginTurn(ctx, sid, "x", nil)
	ic, _ := m.CreateContext(sid, tid)

	if err := m.Close(ctx, sid); err != nil {
		t.Fatal(err)
	}
	if !ic.IsCanceled() {
		t.Fatal("active turn not canceled on close")
	}

	var got []events.Event
	timeout := time.After(2 * time.Second)
drain:
	for {
		select {
		case ev, ok := <-sub.Ch():
			if !ok {
				break drain
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("subscription did not close")
		}
	}
	if len(got) != 1 || got[0].Type != events.KindTurnAccepted {
		t.Fatalf("events = %+v", got)
	}

	if _, err := m.BeginTurn(ctx, sid, "y", nil); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("begin after close err = %v", err)
	}
	if _, err := m.Subscribe(sid); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("subscribe after close err = %v", err)
	}
	if _, err := m.Cancel(ctx, sid); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("cancel after close err = %v", err)
	}
	if err := m.Close(ctx, sid); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := m.Close(ctx, "s_missing"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("close unknown err = %v", err)
	}
	if _, err := ic.EmitEvent(events.KindTokenDelta, nil); !errors.Is(err, bus.ErrStateViolation) {
		t.Fatalf("emit after close err = %v", err)
	}
}

func TestShutdown(t *testing.T) {
	m, _, _ := newTestManager(t)
	sid, _ := m.Start(nil)
	ctx := context.Background()
	tid, _ := m.BeginTurn(ctx, sid, "x", nil)
	ic, _ := m.CreateContext(sid, tid)
	if _, err := m.Finalize(ctx, sid, tid); err != nil {
		t.Fatal(err)
	}

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := m.Shutdown(sctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if m.CommitCount() != 1 {
		t.Fatalf("commit count = %d", m.CommitCount())
	}
	if ic.IsCanceled() {
		t.Fatal("finalized turn canceled by shutdown")
	}
	if _, err := m.Start(nil); !errors.Is(err, ErrManagerShutdown) {
		t.Fatalf("start after shutdown err = %v", err)
	}
}

func TestWithNow_StampsHandleAndTrace(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	traces := &memTraces{}
	m, _, _ := newTestManager(t, WithTraceStore(traces), WithNow(func() time.Time { return fixed }))
	ctx := context.Background()
	sid, err := m.Start(nil)
	if err != nil {
		t.Fatal(err)
	}
	tid, err := m.BeginTurn(ctx, sid, "x", nil)
	if err != nil {
		t.Fatal(err)
	}
	h, err := m.Finalize(ctx, sid, tid)
	if err != nil {
		t.Fatal(err)
	}
	if !h.RequestedAt.Equal(fixed) {
		t.Fatalf("requested_at = %v, want %v", h.RequestedAt, fixed)
	}
	awaitCommit(t, m, sid, tid)
	m.Wait()

	tr := traces.all()
	if len(tr) != 1 || !tr[0].StartedAt.Equal(fixed) {
		t.Fatalf("traces = %+v", tr)
	}
}

func TestRetention_CommittedTurnsAreReleased(t *testing.T) {
	m, _, _ := newTestManager(t, WithRetention(8, 4))
	ctx := context.Background()
	sid, err := m.Start(nil)
	if err != nil {
		t.Fatal(err)
	}
	var first, last string
	for i := 0; i < 200; i++ {
		tid, err := m.BeginTurn(ctx, sid, "x", nil)
		if err != nil {
			t.Fatalf("begin %d: %v", i, err)
		}
		if _, err := m.Finalize(ctx, sid, tid); err != nil {
			t.Fatal(err)
		}
		awaitCommit(t, m, sid, tid)
		if i == 0 {
			first = tid
		}
		last = tid
	}
	m.Wait()

	m.mu.Lock()
	live, indexed, retained := len(m.sessions[sid].turns), len(m.turnIdx), m.finished.len()
	m.mu.Unlock()
	if live != 0 || indexed != 0 || retained != 8 {
		t.Fatalf("live=%d indexed=%d retained=%d", live, indexed, retained)
	}
	if _, err := m.AwaitCommit(ctx, sid, first); !errors.Is(err, ErrUnknownTurn) {
		t.Fatalf("await evicted turn err = %v", err)
	}
	if rec := awaitCommit(t, m, sid, last); rec.CommitID == "" {
		t.Fatalf("recent record = %+v", rec)
	}
	if h, err := m.Finalize(ctx, sid, last); err != nil || h.TurnID != last {
		t.Fatalf("finalize committed turn = (%+v, %v)", h, err)
	}

	for i := 0; i < 50; i++ {
		id, _ := m.Start(nil)
		if err := m.Close(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	m.mu.Lock()
	closed := m.closed.len()
	m.mu.Unlock()
	if closed != 4 {
		t.Fatalf("closed sessions retained = %d, want 4", closed)
	}
}

func TestBeginTurn_DropsAbandonedPredecessor(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	m := NewManager(b, commit.NewOrchestrator(nil, commit.NewMemoryWriter()))
	ctx := context.Background()
	sid, _ := m.Start(nil)
	old, _ := m.BeginTurn(ctx, sid, "x", nil)
	if did, err := m.Cancel(ctx, old); err != nil || !did {
		t.Fatalf("cancel = (%v, %v)", did, err)
	}

	next, err := m.BeginTurn(ctx, sid, "y", nil)
	if err != nil {
		t.Fatalf("begin after cancel: %v", err)
	}
	if _, err := m.Finalize(ctx, sid, old); !errors.Is(err, ErrUnknownTurn) {
		t.Fatalf("finalize abandoned turn err = %v", err)
	}
	if n := b.ActiveTurns(); n != 1 {
		t.Fatalf("bus turns = %d, want only %s", n, next)
	}
	info, _ := m.Session(sid)
	if info.Turns != 1 || info.ActiveTurnID != next {
		t.Fatalf("session = %+v", info)
	}
}
