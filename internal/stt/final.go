package stt

import (
	"context"
	"strings"
)

// FinalTranscriber decodes one complete, trimmed utterance in a single
// pass. It holds no state between calls.
type FinalTranscriber struct {
	rec      Recognizer
	language string
}

func NewFinalTranscriber(rec Recognizer, language string) *FinalTranscriber {
	return &FinalTranscriber{rec: rec, language: language}
}

func (f *FinalTranscriber) Transcribe(ctx context.Context, samples []float32) (string, error) {
	if len(samples) == 0 {
		return "", nil
	}
	text, err := f.rec.Decode(ctx, samples, DecodeOptions{
		SingleSegment:     true,
		Language:          f.language,
		SuppressNonSpeech: true,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}
