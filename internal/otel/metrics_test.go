package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/turnstream/internal/events"
)

func sumOf(t *testing.T, p *Provider, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := p.Reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T, not an int64 sum", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.EventsPublished == nil || m.EventsDropped == nil || m.CapacityRejects == nil {
		t.Fatal("bus instruments missing")
	}
	if m.Commits == nil || m.CommitDuration == nil || m.ActiveTurns == nil {
		t.Fatal("commit instruments missing")
	}
	if m.LawViolations == nil || m.RequestDuration == nil || m.LifecycleRejects == nil || m.ProviderTokens == nil {
		t.Fatal("gateway/provider instruments missing")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	NewBusObserver(m).Published(events.KindTokenDelta)
}

func TestBusObserver_Counts(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatal(err)
	}

	obs := NewBusObserver(m)
	obs.Published(events.KindTurnAccepted)
	obs.Published(events.KindTokenDelta)
	obs.Dropped(events.KindTokenDelta)
	obs.Rejected(events.KindToolCallStarted)

	if got := sumOf(t, p, "turnstream.bus.published"); got != 2 {
		t.Fatalf("published = %d, want 2", got)
	}
	if got := sumOf(t, p, "turnstream.bus.dropped"); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
	if got := sumOf(t, p, "turnstream.bus.capacity_rejects"); got != 1 {
		t.Fatalf("rejects = %d, want 1", got)
	}
}

func TestInit_MetricsDisabled(t *testing.T) {
	off := false
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", MetricsEnabled: &off})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
	if p.Reader != nil {
		t.Fatal("expected no metric reader when metrics are disabled")
	}
	if p.TracerProvider == nil {
		t.Fatal("tracing should stay enabled")
	}
}

func TestProvider_Snapshot(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(ctx)
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatal(err)
	}
	NewBusObserver(m).Published(events.KindTurnFinal)
	m.ActiveTurns.Add(ctx, 2)
	m.ActiveTurns.Add(ctx, -1)
	m.CommitDuration.Record(ctx, 0.5)
	m.CommitDuration.Record(ctx, 1.5)

	snap, err := p.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap["turnstream.bus.published"] != int64(1) || snap["turnstream.turns.active"] != int64(1) {
		t.Fatalf("snapshot = %+v", snap)
	}
	h, ok := snap["turnstream.commit.duration"].(HistogramSnapshot)
	if !ok || h.Count != 2 || h.Sum != 2.0 {
		t.Fatalf("commit duration = %+v", snap["turnstream.commit.duration"])
	}

	off, err := Init(ctx, Config{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	if snap, err := off.Snapshot(ctx); err != nil || len(snap) != 0 {
		t.Fatalf("disabled snapshot = (%v, %v)", snap, err)
	}
}
