package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/turnstream/internal/events"
)

// Metrics holds the engine's instruments.
type Metrics struct {
	EventsPublished  metric.Int64Counter
	EventsDropped    metric.Int64Counter
	CapacityRejects  metric.Int64Counter
	TurnsStarted     metric.Int64Counter
	TurnsCanceled    metric.Int64Counter
	ActiveTurns      metric.Int64UpDownCounter
	Commits          metric.Int64Counter
	CommitDuration   metric.Float64Histogram
	LawViolations    metric.Int64Counter
	ProviderTokens   metric.Int64Counter
	RequestDuration  metric.Float64Histogram
	LifecycleRejects metric.Int64Counter
}

// Attribute keys used on metric points.
var (
	AttrEventType = attribute.Key("turnstream.event.type")
	AttrOutcome   = attribute.Key("turnstream.commit.outcome")
	AttrRule      = attribute.Key("turnstream.law.rule")
	AttrMethod    = attribute.Key("turnstream.rpc.method")
	AttrReason    = attribute.Key("turnstream.reject.reason")
)

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.EventsPublished, "turnstream.bus.published", "Events delivered by the stream bus"},
		{&m.EventsDropped, "turnstream.bus.dropped", "Best-effort events dropped under backpressure"},
		{&m.CapacityRejects, "turnstream.bus.capacity_rejects", "Bounded events rejected for exceeding turn capacity"},
		{&m.TurnsStarted, "turnstream.turns.started", "Turns accepted"},
		{&m.TurnsCanceled, "turnstream.turns.canceled", "Turns interrupted by cancellation"},
		{&m.Commits, "turnstream.commits", "Commit records produced"},
		{&m.LawViolations, "turnstream.laws.violations", "Stream law violations observed on forwarded streams"},
		{&m.ProviderTokens, "turnstream.provider.tokens", "Token deltas received from providers"},
		{&m.LifecycleRejects, "turnstream.lifecycle.rejects", "Lifecycle operations rejected"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.ActiveTurns, err = meter.Int64UpDownCounter("turnstream.turns.active",
		metric.WithDescription("Turns that have not committed yet"),
	)
	if err != nil {
		return nil, err
	}

	m.CommitDuration, err = meter.Float64Histogram("turnstream.commit.duration",
		metric.WithDescription("Time from finalize to commit_final in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("turnstream.rpc.duration",
		metric.WithDescription("Gateway RPC duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// BusObserver feeds bus publish outcomes into the metrics.
type BusObserver struct {
	m *Metrics
}

// NewBusObserver returns an observer recording into m.
func NewBusObserver(m *Metrics) *BusObserver {
	return &BusObserver{m: m}
}

func (o *BusObserver) Published(kind events.Kind) {
	o.m.EventsPublished.Add(context.Background(), 1, metric.WithAttributes(AttrEventType.String(string(kind))))
}

func (o *BusObserver) Dropped(kind events.Kind) {
	o.m.EventsDropped.Add(context.Background(), 1, metric.WithAttributes(AttrEventType.String(string(kind))))
}

func (o *BusObserver) Rejected(kind events.Kind) {
	o.m.CapacityRejects.Add(context.Background(), 1, metric.WithAttributes(AttrEventType.String(string(kind))))
}
