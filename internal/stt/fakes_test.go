package stt

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// scriptedRecognizer replays texts in order and records every call. Once the
// script runs out it repeats the last entry.
type scriptedRecognizer struct {
	mu      sync.Mutex
	texts   []string
	errs    map[int]error
	calls   int
	lengths []int
	inputs  [][]float32
	options []DecodeOptions
}

func (r *scriptedRecognizer) Decode(_ context.Context, pcm []float32, opts DecodeOptions) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.calls
	r.calls++
	r.lengths = append(r.lengths, len(pcm))
	r.inputs = append(r.inputs, append([]float32(nil), pcm...))
	r.options = append(r.options, opts)
	if err := r.errs[idx]; err != nil {
		return "", err
	}
	if len(r.texts) == 0 {
		return "", nil
	}
	if idx >= len(r.texts) {
		idx = len(r.texts) - 1
	}
	return r.texts[idx], nil
}

type published struct {
	subject string
	data    []byte
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []published
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, published{subject: subject, data: append([]byte(nil), data...)})
	return nil
}

func (p *recordingPublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.messages))
	for _, m := range p.messages {
		out = append(out, m.subject)
	}
	return out
}

type timelineEntry struct {
	eventType   string
	utteranceID string
}

type recordingTimeline struct {
	entries []timelineEntry
}

func (t *recordingTimeline) Record(_ context.Context, eventType, utteranceID string, _ any) error {
	t.entries = append(t.entries, timelineEntry{eventType: eventType, utteranceID: utteranceID})
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func samples(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i%100) / 100
	}
	return out
}
