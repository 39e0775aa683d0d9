package events

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// SchemaVersion is stamped on every delivered event.
const SchemaVersion = "1.0"

// Payload keys with protocol meaning.
const (
	PayloadDroppedSeqRanges = "dropped_seq_ranges"

	PayloadAuthoritative = "authoritative"
	PayloadCommitDigest  = "commit_digest"
	PayloadCommitOutcome = "commit_outcome"
	PayloadIssues        = "issues"
	PayloadArtifactRefs  = "artifact_refs"
	PayloadCommitID      = "commit_id"
)

// Event is the wire record for one delivered turn event.
type Event struct {
	SchemaVersion string         `json:"schema_version"`
	SessionID     string         `json:"session_id"`
	TurnID        string         `json:"turn_id"`
	Seq           int64          `json:"seq"`
	MonoTSMillis  int64          `json:"mono_ts_ms"`
	WallTS        *string        `json:"wall_ts"`
	Type          Kind           `json:"event_type"`
	Payload       map[string]any `json:"payload"`
}

// DroppedRange is an inclusive run of sequence numbers that were never
// delivered because of best-effort backpressure.
type DroppedRange struct {
	StartSeq int64 `json:"start_seq"`
	EndSeq   int64 `json:"end_seq"`
}

// Contains reports whether seq falls inside r.
func (r DroppedRange) Contains(seq int64) bool {
	return seq >= r.StartSeq && seq <= r.EndSeq
}

// MergeDropped extends ranges with seq. A seq contiguous with (or inside)
// the last range extends it; anything else starts a new range. Sequence
// numbers are allocated in ascending order so only the tail needs checking.
func MergeDropped(ranges []DroppedRange, seq int64) []DroppedRange {
	if n := len(ranges); n > 0 {
		last := &ranges[n-1]
		if seq >= last.StartSeq && seq <= last.EndSeq+1 {
			if seq > last.EndSeq {
				last.EndSeq = seq
			}
			return ranges
		}
	}
	return append(ranges, DroppedRange{StartSeq: seq, EndSeq: seq})
}

// DroppedRanges extracts dropped_seq_ranges from a payload. It accepts the
// typed form attached by the bus and the generic form produced by decoding
// wire JSON. A missing key yields nil.
func DroppedRanges(payload map[string]any) ([]DroppedRange, error) {
	raw, ok := payload[PayloadDroppedSeqRanges]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []DroppedRange:
		return v, nil
	case []any:
		out := make([]DroppedRange, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("dropped_seq_ranges[%d]: not an object", i)
			}
			start, err := toInt64(m["start_seq"])
			if err != nil {
				return nil, fmt.Errorf("dropped_seq_ranges[%d].start_seq: %w", i, err)
			}
			end, err := toInt64(m["end_seq"])
			if err != nil {
				return nil, fmt.Errorf("dropped_seq_ranges[%d].end_seq: %w", i, err)
			}
			out = append(out, DroppedRange{StartSeq: start, EndSeq: end})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("dropped_seq_ranges: unexpected type %T", raw)
	}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("non-integer %v", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

// PayloadSize is the serialized JSON size of a payload, the unit of the
// per-turn byte budget.
func PayloadSize(payload map[string]any) (int, error) {
	if len(payload) == 0 {
		return len("{}"), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}
	return len(b), nil
}

// Decode parses one wire event.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if !ev.Type.Valid() {
		return Event{}, fmt.Errorf("decode event: unknown event_type %q", ev.Type)
	}
	return ev, nil
}
