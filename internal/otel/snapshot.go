package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// HistogramSnapshot summarizes one histogram across its attribute sets.
type HistogramSnapshot struct {
	Count uint64  `json:"count"`
	Sum   float64 `json:"sum"`
}

// Snapshot collects the in-process reader and returns one value per
// instrument: the total for counters and count/sum for histograms.
// It returns an empty map when metrics are disabled.
func (p *Provider) Snapshot(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	if p == nil || p.Reader == nil {
		return out, nil
	}
	var rm metricdata.ResourceMetrics
	if err := p.Reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				out[m.Name] = total
			case metricdata.Sum[float64]:
				var total float64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				out[m.Name] = total
			case metricdata.Histogram[float64]:
				var h HistogramSnapshot
				for _, dp := range data.DataPoints {
					h.Count += dp.Count
					h.Sum += dp.Sum
				}
				out[m.Name] = h
			}
		}
	}
	return out, nil
}
