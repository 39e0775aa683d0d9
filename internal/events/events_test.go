package events

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestKindClass(t *testing.T) {
	cases := map[Kind]Class{
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
	for kind, want := range cases {
		got, err := kind.Class()
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if got != want {
			t.Fatalf("%s class = %s, want %s", kind, got, want)
		}
	}
	if len(AllKinds()) != len(cases) {
		t.Fatalf("AllKinds has %d entries, want %d", len(AllKinds()), len(cases))
	}
	if _, err := Kind("bogus").Class(); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestKindTerminal(t *testing.T) {
	for _, k := range AllKinds() {
		want := k == KindTurnFinal || k == KindTurnInterrupted
		if k.Terminal() != want {
			t.Fatalf("%s terminal = %v", k, k.Terminal())
		}
	}
}

func TestMergeDropped(t *testing.T) {
	var r []DroppedRange
	for _, seq := range []int64{3, 4, 5, 8, 9, 12} {
		r = MergeDropped(r, seq)
	}
	want := []DroppedRange{{3, 5}, {8, 9}, {12, 12}}
	if !reflect.DeepEqual(r, want) {
		t.Fatalf("ranges = %v, want %v", r, want)
	}
	// Re-adding a seq already covered is a no-op.
	r = MergeDropped(r, 12)
	if !reflect.DeepEqual(r, want) {
		t.Fatalf("ranges after repeat = %v", r)
	}
}

func TestDroppedRanges_TypedAndWire(t *testing.T) {
	typed := map[string]any{PayloadDroppedSeqRanges: []DroppedRange{{1, 2}}}
	got, err := DroppedRanges(typed)
	if err != nil || !reflect.DeepEqual(got, []DroppedRange{{1, 2}}) {
		t.Fatalf("typed: %v %v", got, err)
	}

	raw, err := json.Marshal(typed)
	if err != nil {
		t.Fatal(err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatal(err)
	}
	got, err = DroppedRanges(generic)
	if err != nil || !reflect.DeepEqual(got, []DroppedRange{{1, 2}}) {
		t.Fatalf("wire: %v %v", got, err)
	}

	if got, err := DroppedRanges(map[string]any{}); err != nil || got != nil {
		t.Fatalf("missing key: %v %v", got, err)
	}
	if _, err := DroppedRanges(map[string]any{PayloadDroppedSeqRanges: "nope"}); err == nil {
		t.Fatal("expected error for malformed ranges")
	}
}

func TestEventWireShape(t *testing.T) {
	ev := Event{
		SchemaVersion: SchemaVersion,
		SessionID:     "s",
		TurnID:        "t",
		Seq:           0,
		MonoTSMillis:  5,
		Type:          KindTurnAccepted,
		Payload:       map[string]any{},
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	for _, key := range []string{`"schema_version":"1.0"`, `"wall_ts":null`, `"event_type":"turn_accepted"`, `"mono_ts_ms":5`, `"seq":0`} {
		if !strings.Contains(s, key) {
			t.Fatalf("wire %s missing %s", s, key)
		}
	}
	back, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Type != KindTurnAccepted || back.WallTS != nil {
		t.Fatalf("decoded = %+v", back)
	}
	if _, err := Decode([]byte(`{"event_type":"nope"}`)); err == nil {
		t.Fatal("expected error for unknown event_type")
	}
}
