// Package laws verifies that a received turn-event stream honored the bus
// contract: ordering, drop accounting, terminal exclusivity and commit
// placement. It is run by consumers (tests, stream verification in the
// gateway), never by the bus itself.
package laws

import (
	"fmt"

	"github.com/basket/turnstream/internal/events"
)

// Rule identifies which stream law a violation broke.
type Rule string

const (
	RuleNoDuplicateSeq      Rule = "no_duplicate_seq"
	RuleMonotonicSeq        Rule = "monotonic_seq"
	RuleDropAccounting      Rule = "drop_accounting"
	RuleMonotonicClock      Rule = "monotonic_clock"
	RuleTerminalExclusivity Rule = "terminal_exclusivity"
	RuleDuplicateCommit     Rule = "duplicate_commit"
	RuleExactlyOneTerminal  Rule = "exactly_one_terminal"
	RuleCommitPayload       Rule = "commit_payload"
	RuleCommitAfterTerminal Rule = "commit_after_terminal"
)

// Violation is returned by Consume when an event breaks a law.
type Violation struct {
	Rule      Rule
	SessionID string
	TurnID    string
	Seq       int64
	Detail    string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("stream law %s violated at %s/%s seq=%d: %s", v.Rule, v.SessionID, v.TurnID, v.Seq, v.Detail)
}

type turnKey struct {
	sessionID string
	turnID    string
}

type turnState struct {
	started      bool
	lastSeq      int64
	seen         map[int64]struct{}
	terminalKind events.Kind
	terminalSeq  int64
	commitSeen   bool
	lastMono     int64
}

// Option configures a Checker.
type Option func(*Checker)

// JoinMidTurn lets the first observed event of a turn set the baseline
// instead of requiring the stream to start at seq 0. Use it for observers
// that subscribe after a turn began.
func JoinMidTurn() Option {
	return func(c *Checker) { c.joinMidTurn = true }
}

// Checker tracks per-turn state across consumed events. It is not safe for
// concurrent use; give each stream its own Checker.
type Checker struct {
	turns       map[turnKey]*turnState
	joinMidTurn bool
}

// New returns an empty Checker.
func New(opts ...Option) *Checker {
	c := &Checker{turns: make(map[turnKey]*turnState)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reset forgets everything known about a turn.
func (c *Checker) Reset(sessionID, turnID string) {
	delete(c.turns, turnKey{sessionID: sessionID, turnID: turnID})
}

// ConsumeAll feeds events in order and stops at the first violation.
func (c *Checker) ConsumeAll(evs []events.Event) error {
	for _, ev := range evs {
		if err := c.Consume(ev); err != nil {
			return err
		}
	}
	return nil
}

// Consume checks one event against everything seen so far for its turn.
// A rejected event does not advance the turn state.
func (c *Checker) Consume(ev events.Event) error {
	key := turnKey{sessionID: ev.SessionID, turnID: ev.TurnID}
	st, ok := c.turns[key]
	if !ok {
		st = &turnState{lastSeq: -1, seen: make(map[int64]struct{})}
		c.turns[key] = st
	}
	fail := func(rule Rule, format string, args ...any) error {
		return &Violation{Rule: rule, SessionID: ev.SessionID, TurnID: ev.TurnID, Seq: ev.Seq, Detail: fmt.Sprintf(format, args...)}
	}

	if _, dup := st.seen[ev.Seq]; dup {
		return fail(RuleNoDuplicateSeq, "seq already delivered")
	}
	if st.started && ev.Seq <= st.lastSeq {
		return fail(RuleMonotonicSeq, "seq not greater than last seen %d", st.lastSeq)
	}

	if ev.Type.Terminal() && st.terminalKind != "" {
		return fail(RuleExactlyOneTerminal, "%s after %s at seq %d", ev.Type, st.terminalKind, st.terminalSeq)
	}
	if st.terminalKind != "" && ev.Type != events.KindCommitFinal {
		return fail(RuleTerminalExclusivity, "%s after terminal %s", ev.Type, st.terminalKind)
	}
	if ev.Type == events.KindCommitFinal {
		if st.commitSeen {
			return fail(RuleDuplicateCommit, "second commit_final")
		}
		if err := checkCommitPayload(ev.Payload); err != "" {
			return fail(RuleCommitPayload, "%s", err)
		}
		if st.terminalKind == "" {
			return fail(RuleCommitAfterTerminal, "commit_final before any terminal event")
		}
		if ev.Seq <= st.terminalSeq {
			return fail(RuleCommitAfterTerminal, "commit_final seq not after terminal seq %d", st.terminalSeq)
		}
	}

	if detail := c.checkDropAccounting(st, ev); detail != "" {
		return fail(RuleDropAccounting, "%s", detail)
	}

	if st.started && ev.MonoTSMillis < st.lastMono {
		return fail(RuleMonotonicClock, "mono_ts_ms %d before %d", ev.MonoTSMillis, st.lastMono)
	}

	st.started = true
	st.lastSeq = ev.Seq
	st.seen[ev.Seq] = struct{}{}
	st.lastMono = ev.MonoTSMillis
	if ev.Type.Terminal() {
		st.terminalKind = ev.Type
		st.terminalSeq = ev.Seq
	}
	if ev.Type == events.KindCommitFinal {
		st.commitSeen = true
	}
	return nil
}

// checkDropAccounting requires the event's dropped_seq_ranges to cover the
// gap since the last delivered seq exactly.
func (c *Checker) checkDropAccounting(st *turnState, ev events.Event) string {
	ranges, err := events.DroppedRanges(ev.Payload)
	if err != nil {
		return err.Error()
	}

	if !st.started && c.joinMidTurn {
		return ""
	}
	lo, hi := st.lastSeq+1, ev.Seq-1

	prevEnd := int64(-1)
	for i, r := range ranges {
		if r.StartSeq > r.EndSeq {
			return fmt.Sprintf("range %d has start_seq %d > end_seq %d", i, r.StartSeq, r.EndSeq)
		}
		if i > 0 && r.StartSeq <= prevEnd {
			return fmt.Sprintf("range %d overlaps or is out of order", i)
		}
		if r.StartSeq < lo || r.EndSeq > hi {
			return fmt.Sprintf("range [%d,%d] reaches outside gap [%d,%d]", r.StartSeq, r.EndSeq, lo, hi)
		}
		prevEnd = r.EndSeq
	}

	// Ranges are ordered, disjoint and inside the gap, so exact coverage is
	// a length comparison.
	var covered int64
	for _, r := range ranges {
		covered += r.EndSeq - r.StartSeq + 1
	}
	if gap := hi - lo + 1; gap > 0 && covered != gap {
		return fmt.Sprintf("gap [%d,%d] has %d missing seqs, %d reported as dropped", lo, hi, gap, covered)
	}
	return ""
}

func checkCommitPayload(p map[string]any) string {
	for _, key := range []string{
		events.PayloadAuthoritative,
		events.PayloadCommitDigest,
		events.PayloadCommitOutcome,
		events.PayloadIssues,
		events.PayloadArtifactRefs,
	} {
		if _, ok := p[key]; !ok {
			return "missing " + key
		}
	}
	if auth, ok := p[events.PayloadAuthoritative].(bool); !ok || !auth {
		return "authoritative must be true"
	}
	switch outcome := fmt.Sprint(p[events.PayloadCommitOutcome]); outcome {
	case "ok", "fail_closed":
	default:
		return fmt.Sprintf("commit_outcome %q not ok|fail_closed", outcome)
	}
	return ""
}
