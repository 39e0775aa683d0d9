package producer

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ScriptedProvider replays a fixed token list. It is deterministic apart
// from the optional per-token delay, which makes it the provider used in
// tests and when no model is configured.
type ScriptedProvider struct {
	Model  string
	Tokens []string
	// Delay is slept before each token.
	Delay time.Duration
	// Deadline bounds a whole turn; once exceeded the stream ends with an
	// error event.
	Deadline time.Duration

	mu      sync.Mutex
	started map[string]context.CancelFunc
	warm    map[string]bool
}

// NewScriptedProvider returns a provider streaming tokens under model.
func NewScriptedProvider(model string, tokens []string) *ScriptedProvider {
	if model == "" {
		model = "scripted"
	}
	return &ScriptedProvider{Model: model, Tokens: tokens}
}

func (p *ScriptedProvider) StartTurn(ctx context.Context, req Request) (<-chan ProviderEvent, error) {
	p.mu.Lock()
	if p.started == nil {
		p.started = make(map[string]context.CancelFunc)
	}
	if _, ok := p.started[req.TurnID]; ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTurnStarted, req.TurnID)
	}
	ctx, cancel := context.WithCancel(ctx)
	p.started[req.TurnID] = cancel
	p.mu.Unlock()

	model := req.Model
	if model == "" {
		model = p.Model
	}
	out := make(chan ProviderEvent)
	go func() {
		defer close(out)
		defer func() {
			cancel()
			p.mu.Lock()
			delete(p.started, req.TurnID)
			p.mu.Unlock()
		}()
		p.run(ctx, model, out)
	}()
	return out, nil
}

func (p *ScriptedProvider) run(ctx context.Context, model string, out chan<- ProviderEvent) {
	var deadline <-chan time.Time
	if p.Deadline > 0 {
		timer := time.NewTimer(p.Deadline)
		defer timer.Stop()
		deadline = timer.C
	}

	for _, kind := range []EventKind{EventSelected, EventLoading, EventReady} {
		if !send(ctx, out, ProviderEvent{Kind: kind, Model: model}) {
			return
		}
	}
	for _, tok := range p.Tokens {
		if p.Delay > 0 {
			select {
			case <-time.After(p.Delay):
			case <-deadline:
				send(ctx, out, ProviderEvent{Kind: EventError, Err: fmt.Errorf("deadline of %s exceeded", p.Deadline)})
				return
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-deadline:
			send(ctx, out, ProviderEvent{Kind: EventError, Err: fmt.Errorf("deadline of %s exceeded", p.Deadline)})
			return
		default:
		}
		if !send(ctx, out, ProviderEvent{Kind: EventTokenDelta, Text: tok}) {
			return
		}
	}
	send(ctx, out, ProviderEvent{Kind: EventStopped, Reason: "end_of_script"})
}

// Cancel stops a running turn. Unknown or finished turns are ignored.
func (p *ScriptedProvider) Cancel(_ context.Context, providerTurnID string) error {
	p.mu.Lock()
	cancel, ok := p.started[providerTurnID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (p *ScriptedProvider) Health(context.Context) Health {
	return Health{Provider: "scripted", Model: p.Model, Healthy: true}
}

func (p *ScriptedProvider) Prewarm(_ context.Context, modelID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.warm == nil {
		p.warm = make(map[string]bool)
	}
	p.warm[modelID] = true
	return nil
}

// Warm reports whether Prewarm ran for modelID.
func (p *ScriptedProvider) Warm(modelID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.warm[modelID]
}
