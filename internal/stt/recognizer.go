package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/loqalabs/loqa-listener/internal/config"
)

// SampleRate is the only rate the recognizers accept.
const SampleRate = 16000

// DecodeOptions are the per-call knobs every backend understands.
type DecodeOptions struct {
	// SingleSegment is a decoding hint. Backends return the text of every
	// segment the engine produced either way.
	SingleSegment     bool
	Language          string // "auto" or empty lets the engine detect
	SuppressNonSpeech bool
	InitialPrompt     string
}

// Recognizer abstracts STT backends. Implementations receive mono 16 kHz PCM
// and must be safe for sequential reuse; callers never decode concurrently on
// the same instance.
type Recognizer interface {
	Decode(ctx context.Context, pcm []float32, opts DecodeOptions) (string, error)
}

// NewRecognizer builds the backend selected by cfg.Mode.
func NewRecognizer(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "whisper":
		return NewWhisperRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

// Close releases backend resources when the recognizer holds any.
func Close(rec Recognizer) error {
	if c, ok := rec.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

var nonSpeechToken = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)|♪+`)

// cleanTranscript drops bracketed annotations such as [BLANK_AUDIO] or
// (music) and collapses whitespace.
func cleanTranscript(text string, suppressNonSpeech bool) string {
	if suppressNonSpeech {
		text = nonSpeechToken.ReplaceAllString(text, " ")
	}
	return strings.Join(strings.Fields(text), " ")
}

// Trivial reports whether a decoded text carries no usable content.
func Trivial(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" || text == "." || text == "..." {
		return true
	}
	return len([]rune(text)) <= 1
}

// joinSegments drains a segment iterator until io.EOF and joins every
// segment, whatever the decode options asked of the engine.
func joinSegments(next func() (string, error)) (string, error) {
	var segments []string
	for {
		text, err := next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		segments = append(segments, text)
	}
	return strings.Join(segments, " "), nil
}
