package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/turnstream/internal/bus"
	"github.com/basket/turnstream/internal/commit"
	"github.com/basket/turnstream/internal/events"
	"github.com/basket/turnstream/internal/interaction"
	tsotel "github.com/basket/turnstream/internal/otel"
)

// TurnContext is the slice of interaction.Context the bridge drives.
type TurnContext interface {
	SessionID() string
	TurnID() string
	Input() string
	Params() map[string]any
	EmitEvent(kind events.Kind, payload map[string]any) (*events.Event, error)
	RequestCommit(intent commit.Intent) error
	IsCanceled() bool
	Done() <-chan struct{}
}

var kindMap = map[EventKind]events.Kind{
	EventSelected:   events.KindModelSelected,
	EventLoading:    events.KindModelLoading,
	EventReady:      events.KindModelReady,
	EventTokenDelta: events.KindTokenDelta,
}

const defaultCancelTimeout = 5 * time.Second

type BridgeOption func(*Bridge)

func WithBridgeLogger(l *slog.Logger) BridgeOption {
	return func(b *Bridge) { b.logger = l }
}

func WithBridgeTracer(t trace.Tracer) BridgeOption {
	return func(b *Bridge) { b.tracer = t }
}

func WithBridgeMetrics(m *tsotel.Metrics) BridgeOption {
	return func(b *Bridge) { b.metrics = m }
}

// Bridge runs one provider stream against one turn.
type Bridge struct {
	provider      Provider
	logger        *slog.Logger
	tracer        trace.Tracer
	metrics       *tsotel.Metrics
	cancelTimeout time.Duration
}

func NewBridge(p Provider, opts ...BridgeOption) *Bridge {
	b := &Bridge{provider: p, cancelTimeout: defaultCancelTimeout}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.tracer == nil {
		b.tracer = nooptrace.NewTracerProvider().Tracer(tsotel.TracerName)
	}
	return b
}

// Provider returns the wrapped provider.
func (b *Bridge) Provider() Provider { return b.provider }

// Run streams the provider into the turn until it stops, fails or the turn
// is canceled. Cancellation returns nil. A stopped stream registers the
// turn_finalize intent; finalizing the turn is left to the caller.
func (b *Bridge) Run(ctx context.Context, ic TurnContext, req Request) error {
	if req.TurnID == "" {
		req.TurnID = ic.TurnID()
	}
	if req.Input == "" {
		req.Input = ic.Input()
	}
	if req.Params == nil {
		req.Params = ic.Params()
	}
	if req.Model == "" {
		if m, ok := req.Params["model"].(string); ok {
			req.Model = m
		}
	}

	ctx, span := tsotel.StartClientSpan(ctx, b.tracer, "provider.turn",
		tsotel.AttrSessionID.String(ic.SessionID()),
		tsotel.AttrTurnID.String(ic.TurnID()),
		tsotel.AttrModel.String(req.Model),
	)
	defer span.End()

	ctx, stop := context.WithCancel(ctx)
	stream, err := b.provider.StartTurn(ctx, req)
	if err != nil {
		stop()
		span.RecordError(err)
		return fmt.Errorf("%w: start turn %s: %w", ErrProviderFailed, req.TurnID, err)
	}

	// The watcher forwards the turn's cancellation to the provider while the
	// loop below is blocked on the stream.
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-ic.Done():
		case <-ctx.Done():
			if !ic.IsCanceled() {
				return
			}
		}
		cctx, ccancel := context.WithTimeout(context.Background(), b.cancelTimeout)
		if err := b.provider.Cancel(cctx, req.TurnID); err != nil {
			b.logger.Warn("provider cancel failed", "turn_id", req.TurnID, "error", err)
		}
		ccancel()
		stop()
	}()
	defer func() {
		stop()
		<-watchDone
	}()

	for {
		select {
		case pe, ok := <-stream:
			if ic.IsCanceled() {
				return nil
			}
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: stream for %s ended without stopping", ErrProviderFailed, req.TurnID)
			}
			done, err := b.handle(ctx, ic, pe)
			if err != nil {
				if errors.Is(err, bus.ErrStateViolation) && ic.IsCanceled() {
					return nil
				}
				span.RecordError(err)
				return err
			}
			if done {
				return nil
			}
		case <-ic.Done():
			return nil
		case <-ctx.Done():
			if ic.IsCanceled() {
				return nil
			}
			return ctx.Err()
		}
	}
}

func (b *Bridge) handle(ctx context.Context, ic TurnContext, pe ProviderEvent) (bool, error) {
	switch pe.Kind {
	case EventStopped:
		if err := ic.RequestCommit(commit.FinalizeIntent()); err != nil && !errors.Is(err, interaction.ErrCommitScheduled) {
			return true, fmt.Errorf("request finalize intent: %w", err)
		}
		b.logger.Debug("provider stopped", "turn_id", ic.TurnID(), "reason", pe.Reason)
		return true, nil
	case EventError:
		if pe.Err == nil {
			return true, fmt.Errorf("%w: error event without cause", ErrProviderFailed)
		}
		return true, fmt.Errorf("%w: %w", ErrProviderFailed, pe.Err)
	}

	kind, ok := kindMap[pe.Kind]
	if !ok {
		b.logger.Warn("unknown provider event ignored", "turn_id", ic.TurnID(), "kind", pe.Kind)
		return false, nil
	}
	payload := map[string]any{}
	if pe.Kind == EventTokenDelta {
		payload["text"] = pe.Text
		if b.metrics != nil {
			b.metrics.ProviderTokens.Add(ctx, 1)
		}
	} else if pe.Model != "" {
		payload["model"] = pe.Model
	}
	if _, err := ic.EmitEvent(kind, payload); err != nil {
		return true, fmt.Errorf("emit %s: %w", kind, err)
	}
	return false, nil
}

// issueProviderFailed marks the commit of a turn whose provider errored.
const issueProviderFailed = "provider_failed"

// RunTurn binds a producer context to the turn, runs the bridge and
// finalizes the turn whatever the outcome. A provider failure is recorded
// as a fail-closed decision so the commit reflects it.
func RunTurn(ctx context.Context, mgr *interaction.Manager, b *Bridge, sessionID, turnID string, req Request) error {
	ic, err := mgr.CreateContext(sessionID, turnID)
	if err != nil {
		return err
	}
	runErr := b.Run(ctx, ic, req)
	if runErr != nil {
		b.logger.Error("provider turn failed", "session_id", sessionID, "turn_id", turnID, "error", runErr)
		failed := commit.Intent{Type: commit.IntentDecision, Ref: commit.FailClosedPrefix + issueProviderFailed}
		if err := ic.RequestCommit(failed); err != nil && !errors.Is(err, interaction.ErrCommitScheduled) {
			b.logger.Warn("fail-closed intent not recorded", "turn_id", turnID, "error", err)
		}
	}
	if _, err := mgr.Finalize(ctx, sessionID, turnID); err != nil {
		return errors.Join(runErr, fmt.Errorf("finalize turn %s: %w", turnID, err))
	}
	return runErr
}
