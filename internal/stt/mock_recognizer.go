package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a backend that describes the audio it was given
// instead of decoding it. Useful on hosts without a model.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Decode(ctx context.Context, pcm []float32, _ DecodeOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(pcm) == 0 {
		return "", nil
	}
	return fmt.Sprintf("mock transcript %dms", len(pcm)*1000/SampleRate), nil
}
