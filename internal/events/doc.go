// Package events defines the frozen turn-event vocabulary and its wire shape.
//
// Every event belongs to exactly one delivery class, derived from its kind:
//
//   - must-deliver: turn_accepted, turn_interrupted, turn_final, commit_final.
//     Never dropped and never rejected for capacity.
//   - best-effort: model_selected, model_loading, model_ready, token_delta.
//     May be dropped under load; drops are reported on the next delivered
//     event as dropped_seq_ranges.
//   - bounded: tool_call_started, tool_call_result. Never dropped silently;
//     exceeding the per-turn budget is a fatal publish error.
//
// turn_final and turn_interrupted are terminal: after either one only a
// single commit_final may follow within the same turn.
package events
