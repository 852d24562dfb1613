package audio

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestRegisterMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	stats := SessionStats{
		Frames:     42,
		Automaton:  AutomatonStats{Utterances: 3, Discarded: 2},
		Dispatcher: DispatcherStats{DroppedEvents: 5, DroppedUtterances: 1},
	}
	reg, err := RegisterMetrics(provider.Meter("test"), func() SessionStats { return stats })
	if err != nil {
		t.Fatalf("register metrics: %v", err)
	}
	t.Cleanup(func() { _ = reg.Unregister() })

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is not an int64 sum", m.Name)
			}
			for _, dp := range sum.DataPoints {
				got[m.Name] += dp.Value
			}
		}
	}

	want := map[string]int64{
		"listen.capture.frames":           42,
		"listen.vad.utterances":           3,
		"listen.vad.utterances.discarded": 2,
		"listen.capture.events.dropped":   6,
	}
	for name, value := range want {
		if got[name] != value {
			t.Fatalf("%s = %d, want %d", name, got[name], value)
		}
	}
}
