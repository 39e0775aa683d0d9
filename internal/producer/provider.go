// Package producer adapts streaming model providers onto a turn. A
// Provider yields a lazy stream of provider events; the Bridge maps them
// onto turn events, watches for cancellation and registers the finalize
// intent once generation stops.
package producer

import (
	"context"
	"errors"
)

// EventKind is the provider-side event vocabulary.
type EventKind string

const (
	EventSelected   EventKind = "selected"
	EventLoading    EventKind = "loading"
	EventReady      EventKind = "ready"
	EventTokenDelta EventKind = "token_delta"
	EventStopped    EventKind = "stopped"
	EventError      EventKind = "error"
)

var (
	// ErrProviderFailed wraps every failure reported by a provider stream.
	ErrProviderFailed = errors.New("provider failed")
	// ErrTurnStarted is returned when a provider turn id is reused.
	ErrTurnStarted = errors.New("provider turn already started")
)

// ProviderEvent is one item of a provider stream. Text is set for
// token_delta, Model for selected/loading/ready, Reason for stopped and
// Err for error.
type ProviderEvent struct {
	Kind   EventKind
	Model  string
	Text   string
	Reason string
	Err    error
}

// Request starts one provider turn.
type Request struct {
	TurnID string
	Input  string
	Model  string
	Params map[string]any
}

// Health is a provider's self-reported readiness.
type Health struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	Healthy  bool   `json:"healthy"`
	Detail   string `json:"detail,omitempty"`
}

// Provider generates content for a turn. The channel returned by
// StartTurn is closed after a stopped or error event (or when ctx ends)
// and cannot be restarted.
type Provider interface {
	StartTurn(ctx context.Context, req Request) (<-chan ProviderEvent, error)
	Cancel(ctx context.Context, providerTurnID string) error
	Health(ctx context.Context) Health
	Prewarm(ctx context.Context, modelID string) error
}

// send delivers ev unless ctx ends first.
func send(ctx context.Context, out chan<- ProviderEvent, ev ProviderEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
