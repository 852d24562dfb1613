package stt

import (
	"context"
	"strings"
)

const (
	DefaultWindowMS = 5000
	DefaultBufferMS = 15000
)

type StreamingConfig struct {
	WindowMS      int
	BufferMS      int
	Language      string
	InitialPrompt string
}

// StreamingResult is one sliding-window decode. Text is the raw hypothesis;
// Confirmed is the stabilized prefix accumulated for the current utterance.
type StreamingResult struct {
	Text          string
	Confirmed     string
	ConfirmedGrew bool
}

// StreamingTranscriber decodes the most recent window of an in-progress
// utterance from scratch on every call. It is owned by a single consumer
// goroutine.
type StreamingTranscriber struct {
	rec           Recognizer
	cfg           StreamingConfig
	buf           *ringBuffer
	windowSamples int
	agreement     *Agreement
	consumed      int
	scratch       []float32
}

func NewStreamingTranscriber(rec Recognizer, cfg StreamingConfig) *StreamingTranscriber {
	if cfg.WindowMS <= 0 {
		cfg.WindowMS = DefaultWindowMS
	}
	if cfg.BufferMS < cfg.WindowMS {
		cfg.BufferMS = DefaultBufferMS
		if cfg.BufferMS < cfg.WindowMS {
			cfg.BufferMS = cfg.WindowMS
		}
	}
	window := SampleRate * cfg.WindowMS / 1000
	return &StreamingTranscriber{
		rec:           rec,
		cfg:           cfg,
		buf:           newRingBuffer(SampleRate * cfg.BufferMS / 1000),
		windowSamples: window,
		agreement:     NewAgreement(),
		scratch:       make([]float32, 0, window),
	}
}

// PushAudio appends fresh 16 kHz samples, evicting the oldest beyond the
// buffer capacity.
func (s *StreamingTranscriber) PushAudio(samples []float32) {
	s.buf.push(samples)
	s.consumed += len(samples)
}

// PushUtterance accepts the cumulative utterance carried by a streaming chunk
// and appends only the part not yet seen.
func (s *StreamingTranscriber) PushUtterance(pcm []float32) {
	if len(pcm) < s.consumed {
		// The capture side started over without a terminal event reaching us.
		s.Reset()
	}
	s.PushAudio(pcm[s.consumed:])
}

// Transcribe decodes the current window. An empty buffer yields an empty
// result without touching the recognizer. On error the stabilizer keeps its
// previous state.
func (s *StreamingTranscriber) Transcribe(ctx context.Context) (StreamingResult, error) {
	if s.buf.len() == 0 {
		return StreamingResult{Confirmed: s.agreement.Confirmed()}, nil
	}
	s.scratch = s.buf.tail(s.scratch, s.windowSamples)

	text, err := s.rec.Decode(ctx, s.scratch, DecodeOptions{
		Language:          s.cfg.Language,
		SuppressNonSpeech: true,
		InitialPrompt:     s.cfg.InitialPrompt,
	})
	if err != nil {
		return StreamingResult{}, err
	}
	text = strings.TrimSpace(text)
	grew := s.agreement.Apply(text)
	return StreamingResult{
		Text:          text,
		Confirmed:     s.agreement.Confirmed(),
		ConfirmedGrew: grew,
	}, nil
}

func (s *StreamingTranscriber) Confirmed() string { return s.agreement.Confirmed() }

// Reset clears audio and agreement state between utterances. The configured
// prompt survives.
func (s *StreamingTranscriber) Reset() {
	s.buf.reset()
	s.agreement.Reset()
	s.consumed = 0
}
