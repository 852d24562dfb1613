//go:build !whisper

package stt

import (
	"errors"

	"github.com/loqalabs/loqa-listener/internal/config"
)

// ErrWhisperUnavailable is returned when the binary was built without the
// whisper build tag.
var ErrWhisperUnavailable = errors.New("whisper backend not compiled in; rebuild with -tags whisper")

func NewWhisperRecognizer(config.STTConfig) (Recognizer, error) {
	return nil, ErrWhisperUnavailable
}
