//go:build whisper

package stt

import (
	"context"
	"fmt"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-listener/internal/config"
)

// whisperRecognizer keeps one model and one decoding context for the life of
// the process. whisper.cpp contexts are not reentrant, hence the mutex.
type whisperRecognizer struct {
	model whisper.Model
	wctx  whisper.Context
	mu    sync.Mutex
}

func NewWhisperRecognizer(cfg config.STTConfig) (Recognizer, error) {
	model, err := whisper.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %q: %w", cfg.ModelPath, err)
	}
	wctx, err := model.NewContext()
	if err != nil {
		_ = model.Close()
		return nil, fmt.Errorf("create whisper context: %w", err)
	}
	if cfg.Threads > 0 {
		wctx.SetThreads(uint(cfg.Threads))
	}
	wctx.SetTranslate(false)
	return &whisperRecognizer{model: model, wctx: wctx}, nil
}

func (r *whisperRecognizer) Decode(ctx context.Context, pcm []float32, opts DecodeOptions) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	lang := opts.Language
	if lang == "" {
		lang = "auto"
	}
	if err := r.wctx.SetLanguage(lang); err != nil {
		return "", fmt.Errorf("set language %q: %w", lang, err)
	}
	r.wctx.SetInitialPrompt(opts.InitialPrompt)

	if err := r.wctx.Process(pcm, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper process: %w", err)
	}

	text, err := joinSegments(func() (string, error) {
		seg, err := r.wctx.NextSegment()
		return seg.Text, err
	})
	if err != nil {
		return "", fmt.Errorf("whisper next segment: %w", err)
	}
	return cleanTranscript(text, opts.SuppressNonSpeech), nil
}

func (r *whisperRecognizer) Close() error {
	return r.model.Close()
}
