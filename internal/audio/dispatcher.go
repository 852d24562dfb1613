package audio

import (
	"sync"
	"sync/atomic"
)

// DefaultQueueCapacity bounds both dispatcher queues.
const DefaultQueueCapacity = 100

// Dispatcher hands events from the capture callback to consumer goroutines
// through two bounded queues: Events carries every event kind, Utterances
// carries only finalized utterances. Sends never block; when a queue is full
// the event is dropped and counted.
//
// Receivers must treat PCM slices as read-only since the same utterance may
// be delivered on both queues.
type Dispatcher struct {
	events     chan Event
	utterances chan SpeechEnded

	closed    atomic.Bool
	closeOnce sync.Once

	sentEvents        atomic.Uint64
	droppedEvents     atomic.Uint64
	droppedUtterances atomic.Uint64
}

// DispatcherStats is a point-in-time snapshot of queue counters.
type DispatcherStats struct {
	Sent              uint64
	DroppedEvents     uint64
	DroppedUtterances uint64
}

func NewDispatcher(capacity int) *Dispatcher {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Dispatcher{
		events:     make(chan Event, capacity),
		utterances: make(chan SpeechEnded, capacity),
	}
}

// TrySend offers evt to the combined queue and, for SpeechEnded, to the
// utterance queue. It reports whether the combined queue accepted it.
func (d *Dispatcher) TrySend(evt Event) bool {
	if d.closed.Load() {
		return false
	}

	if ended, ok := evt.(SpeechEnded); ok {
		select {
		case d.utterances <- ended:
		default:
			d.droppedUtterances.Add(1)
		}
	}

	select {
	case d.events <- evt:
		d.sentEvents.Add(1)
		return true
	default:
		d.droppedEvents.Add(1)
		return false
	}
}

// Events returns the combined queue. It is closed by Close.
func (d *Dispatcher) Events() <-chan Event { return d.events }

// Utterances returns the queue of finalized utterances. It is closed by Close.
func (d *Dispatcher) Utterances() <-chan SpeechEnded { return d.utterances }

// Close disconnects both queues so consumers drain and exit. The producer
// must have stopped sending before Close is called.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.events)
		close(d.utterances)
	})
}

func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Sent:              d.sentEvents.Load(),
		DroppedEvents:     d.droppedEvents.Load(),
		DroppedUtterances: d.droppedUtterances.Load(),
	}
}
