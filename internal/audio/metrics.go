package audio

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RegisterMetrics exposes capture counters as observable instruments read
// from stats at collection time, keeping the callback free of metric calls.
func RegisterMetrics(meter metric.Meter, stats func() SessionStats) (metric.Registration, error) {
	frames, err := meter.Int64ObservableCounter("listen.capture.frames",
		metric.WithDescription("Audio callbacks processed"))
	if err != nil {
		return nil, fmt.Errorf("create frames counter: %w", err)
	}
	faults, err := meter.Int64ObservableCounter("listen.capture.faults",
		metric.WithDescription("Audio callbacks dropped after a fault"))
	if err != nil {
		return nil, fmt.Errorf("create faults counter: %w", err)
	}
	utterances, err := meter.Int64ObservableCounter("listen.vad.utterances",
		metric.WithDescription("Utterances finalized by the VAD"))
	if err != nil {
		return nil, fmt.Errorf("create utterances counter: %w", err)
	}
	discarded, err := meter.Int64ObservableCounter("listen.vad.utterances.discarded",
		metric.WithDescription("Utterances dropped because the trimmed audio was too short"))
	if err != nil {
		return nil, fmt.Errorf("create discarded counter: %w", err)
	}
	dropped, err := meter.Int64ObservableCounter("listen.capture.events.dropped",
		metric.WithDescription("Events dropped on a full queue"))
	if err != nil {
		return nil, fmt.Errorf("create dropped counter: %w", err)
	}

	combined := metric.WithAttributes(attribute.String("queue", "events"))
	legacy := metric.WithAttributes(attribute.String("queue", "utterances"))

	return meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		s := stats()
		obs.ObserveInt64(frames, int64(s.Frames))
		obs.ObserveInt64(faults, int64(s.Faults))
		obs.ObserveInt64(utterances, int64(s.Automaton.Utterances))
		obs.ObserveInt64(discarded, int64(s.Automaton.Discarded))
		obs.ObserveInt64(dropped, int64(s.Dispatcher.DroppedEvents), combined)
		obs.ObserveInt64(dropped, int64(s.Dispatcher.DroppedUtterances), legacy)
		return nil
	}, frames, faults, utterances, discarded, dropped)
}
