package events

import "fmt"

// Kind names an event type on the wire.
type Kind string

const (
	KindTurnAccepted    Kind = "turn_accepted"
	KindModelSelected   Kind = "model_selected"
	KindModelLoading    Kind = "model_loading"
	KindModelReady      Kind = "model_ready"
	KindTokenDelta      Kind = "token_delta"
	KindToolCallStarted Kind = "tool_call_started"
	KindToolCallResult  Kind = "tool_call_result"
	KindTurnInterrupted Kind = "turn_interrupted"
	KindTurnFinal       Kind = "turn_final"
	KindCommitFinal     Kind = "commit_final"
)

// Class is the backpressure policy applied to a kind.
type Class string

const (
	ClassMustDeliver Class = "must_deliver"
	ClassBestEffort  Class = "best_effort"
	ClassBounded     Class = "bounded"
)

var classes = map[Kind]Class{
	KindTurnAccepted:    ClassMustDeliver,
	KindTurnInterrupted: ClassMustDeliver,
	KindTurnFinal:       ClassMustDeliver,
	KindCommitFinal:     ClassMustDeliver,
	KindTokenDelta:      ClassBestEffort,
	KindModelLoading:    ClassBestEffort,
	KindModelSelected:   ClassBestEffort,
	KindModelReady:      ClassBestEffort,
	KindToolCallStarted: ClassBounded,
	KindToolCallResult:  ClassBounded,
}

// AllKinds returns the vocabulary in declaration order.
func AllKinds() []Kind {
	return []Kind{
		KindTurnAccepted, KindModelSelected, KindModelLoading, KindModelReady,
		KindTokenDelta, KindToolCallStarted, KindToolCallResult,
		KindTurnInterrupted, KindTurnFinal, KindCommitFinal,
	}
}

// Valid reports whether k is part of the vocabulary.
func (k Kind) Valid() bool {
	_, ok := classes[k]
	return ok
}

// Class returns the delivery class of k. Unknown kinds are an error so a
// typo never silently lands in a lenient class.
func (k Kind) Class() (Class, error) {
	c, ok := classes[k]
	if !ok {
		return "", fmt.Errorf("unknown event kind %q", string(k))
	}
	return c, nil
}

// Terminal reports whether k ends the content phase of a turn.
func (k Kind) Terminal() bool {
	return k == KindTurnFinal || k == KindTurnInterrupted
}
