package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-listener/internal/audio"
	"github.com/loqalabs/loqa-listener/internal/config"
	"github.com/loqalabs/loqa-listener/internal/eventstore"
	"github.com/loqalabs/loqa-listener/internal/protocol"
	"github.com/loqalabs/loqa-listener/internal/wakeword"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/loqalabs/loqa-listener/stt"

// Publisher sends one message on a subject. *bus.Client implements it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Timeline appends pipeline events for the current session.
// *eventstore.Timeline implements it.
type Timeline interface {
	Record(ctx context.Context, eventType, utteranceID string, payload any) error
}

type Options struct {
	SessionID string
	Streaming config.StreamingConfig
	STT       config.STTConfig
	Wake      config.WakeConfig
	Publisher Publisher // optional
	Timeline  Timeline  // optional
}

// Service is the single consumer of capture events. It owns the streaming
// transcriber, the stabilizer and the final pass, and runs every decode
// synchronously on its own goroutine.
type Service struct {
	opts      Options
	rec       Recognizer
	streaming *StreamingTranscriber
	final     *FinalTranscriber
	wake      *wakeword.Detector
	log       *slog.Logger
	tracer    trace.Tracer

	decodeDuration metric.Float64Histogram
	decodeErrors   metric.Int64Counter
	transcripts    metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  atomic.Bool

	utteranceID  string
	wakeDetected bool
	// current is the capture-side number of the utterance whose state is
	// held; active is false once that state has been reset.
	current uint64
	active  bool
}

func NewService(parent context.Context, opts Options, rec Recognizer, logger *slog.Logger) (*Service, error) {
	if rec == nil {
		return nil, errors.New("stt service requires a recognizer")
	}
	meter := otel.Meter(instrumentation)
	decodeDuration, err := meter.Float64Histogram("listen.stt.decode.duration",
		metric.WithDescription("Wall time of one recognizer call"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create decode duration histogram: %w", err)
	}
	decodeErrors, err := meter.Int64Counter("listen.stt.decode.errors",
		metric.WithDescription("Recognizer calls that returned an error"))
	if err != nil {
		return nil, fmt.Errorf("create decode error counter: %w", err)
	}
	transcripts, err := meter.Int64Counter("listen.stt.transcripts",
		metric.WithDescription("Transcripts published by kind"))
	if err != nil {
		return nil, fmt.Errorf("create transcript counter: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		opts: opts,
		rec:  rec,
		streaming: NewStreamingTranscriber(rec, StreamingConfig{
			WindowMS:      opts.Streaming.WindowMS,
			BufferMS:      opts.Streaming.BufferMS,
			Language:      opts.STT.Language,
			InitialPrompt: opts.Streaming.InitialPrompt,
		}),
		final:          NewFinalTranscriber(rec, opts.STT.Language),
		log:            logger.With(slog.String("component", "stt")),
		tracer:         otel.Tracer(instrumentation),
		decodeDuration: decodeDuration,
		decodeErrors:   decodeErrors,
		transcripts:    transcripts,
		ctx:            ctx,
		cancel:         cancel,
		utteranceID:    uuid.NewString(),
	}
	if opts.Wake.Enabled {
		s.wake = wakeword.New(opts.Wake.Phrases)
	}
	return s, nil
}

// Start consumes events on a background goroutine until the channel closes
// or Close is called.
func (s *Service) Start(events <-chan audio.Event) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Run(s.ctx, events); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("stt consumer stopped", slogError(err))
		}
	}()
}

// Wait blocks until the consumer goroutine has returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready.Load()
}

// Run is the pull loop. It returns nil when events is closed and ctx.Err()
// when cancelled.
func (s *Service) Run(ctx context.Context, events <-chan audio.Event) error {
	s.ready.Store(true)
	defer s.ready.Store(false)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				s.log.Info("capture queue closed")
				return nil
			}
			switch e := evt.(type) {
			case audio.StreamingChunk:
				s.follow(e.Utterance)
				s.handleChunk(ctx, e)
			case audio.SpeechEnded:
				s.follow(e.Utterance)
				s.handleSpeechEnded(ctx, e)
			}
		}
	}
}

func (s *Service) handleChunk(ctx context.Context, chunk audio.StreamingChunk) {
	if !s.opts.Streaming.Enabled {
		return
	}
	s.streaming.PushUtterance(chunk.PCM)

	var result StreamingResult
	err := s.decode(ctx, "streaming", len(chunk.PCM), func(ctx context.Context) error {
		var err error
		result, err = s.streaming.Transcribe(ctx)
		return err
	})
	if err != nil {
		return
	}
	if Trivial(result.Text) {
		return
	}

	if s.wake != nil && !s.wakeDetected && s.wake.Contains(result.Text) {
		s.wakeDetected = true
		s.publishWake(ctx, result.Text, false)
	}

	s.publishTranscript(protocol.SubjectTranscriptPartial, "partial", protocol.Transcript{
		Text:       result.Text,
		Partial:    true,
		DurationMS: audio.Duration(chunk.PCM).Milliseconds(),
	})
	if result.ConfirmedGrew {
		s.publishTranscript(protocol.SubjectTranscriptStable, "stable", protocol.Transcript{
			Text:       result.Confirmed,
			Partial:    true,
			Stable:     true,
			DurationMS: audio.Duration(chunk.PCM).Milliseconds(),
		})
	}
}

func (s *Service) handleSpeechEnded(ctx context.Context, ended audio.SpeechEnded) {
	defer s.nextUtterance()

	duration := audio.Duration(ended.PCM)
	var text string
	err := s.decode(ctx, "final", len(ended.PCM), func(ctx context.Context) error {
		var err error
		text, err = s.final.Transcribe(ctx, ended.PCM)
		return err
	})
	if err != nil {
		s.record(ctx, eventstore.TypeTranscriptionFailed, map[string]any{
			"duration_ms": duration.Milliseconds(),
			"error":       err.Error(),
		})
		return
	}
	if Trivial(text) {
		s.log.Debug("final transcript empty", slog.Duration("duration", duration))
		return
	}

	s.log.Info("utterance transcribed",
		slog.String("utterance_id", s.utteranceID),
		slog.Duration("duration", duration),
		slog.String("text", text))
	s.record(ctx, eventstore.TypeUtteranceTranscribed, map[string]any{
		"duration_ms": duration.Milliseconds(),
		"text":        text,
		"confirmed":   s.streaming.Confirmed(),
	})

	if s.wake != nil {
		if command, ok := s.wake.ExtractCommand(text); ok {
			if !s.wakeDetected {
				s.wakeDetected = true
				s.publishWake(ctx, text, true)
			}
			s.publishCommand(ctx, command, text)
		}
	}

	s.publishTranscript(protocol.SubjectTranscriptFinal, "final", protocol.Transcript{
		Text:       text,
		DurationMS: duration.Milliseconds(),
	})
}

// decode wraps one recognizer call in a span and records its latency. Errors
// are logged and counted here; callers only need to skip the cycle.
func (s *Service) decode(ctx context.Context, pass string, samples int, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "stt.decode", trace.WithAttributes(
		attribute.String("stt.pass", pass),
		attribute.String("stt.utterance_id", s.utteranceID),
		attribute.Int("stt.samples", samples),
	))
	defer span.End()

	passAttr := metric.WithAttributes(attribute.String("pass", pass))
	start := time.Now()
	err := fn(ctx)
	s.decodeDuration.Record(ctx, time.Since(start).Seconds(), passAttr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		s.decodeErrors.Add(ctx, 1, passAttr)
		s.log.Warn("transcription failed",
			slog.String("pass", pass),
			slog.String("utterance_id", s.utteranceID),
			slogError(err))
	}
	return err
}

// follow drops state left by an utterance that never produced SpeechEnded,
// either discarded as too short or lost to a full queue.
func (s *Service) follow(utterance uint64) {
	if s.active && utterance != s.current {
		s.log.Debug("utterance abandoned before finalization",
			slog.String("utterance_id", s.utteranceID))
		s.nextUtterance()
	}
	s.current = utterance
	s.active = true
}

func (s *Service) nextUtterance() {
	s.active = false
	s.streaming.Reset()
	s.wakeDetected = false
	s.utteranceID = uuid.NewString()
}

func (s *Service) publishTranscript(subject, kind string, msg protocol.Transcript) {
	msg.SessionID = s.opts.SessionID
	msg.UtteranceID = s.utteranceID
	msg.Timestamp = time.Now().UTC()
	s.transcripts.Add(s.ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	s.publish(subject, msg)
}

func (s *Service) publishWake(ctx context.Context, text string, late bool) {
	s.log.Info("wake phrase detected",
		slog.String("utterance_id", s.utteranceID),
		slog.Bool("late", late))
	s.record(ctx, eventstore.TypeWakeDetected, map[string]any{"text": text, "late": late})
	s.publish(protocol.SubjectWakeDetected, protocol.WakeDetected{
		SessionID:   s.opts.SessionID,
		UtteranceID: s.utteranceID,
		Text:        text,
		Late:        late,
		Timestamp:   time.Now().UTC(),
	})
}

func (s *Service) publishCommand(ctx context.Context, command, transcript string) {
	s.log.Info("command extracted",
		slog.String("utterance_id", s.utteranceID),
		slog.String("command", command))
	s.record(ctx, eventstore.TypeCommandExtracted, map[string]any{"command": command})
	s.publish(protocol.SubjectCommand, protocol.Command{
		SessionID:   s.opts.SessionID,
		UtteranceID: s.utteranceID,
		Text:        command,
		Transcript:  transcript,
		Timestamp:   time.Now().UTC(),
	})
}

func (s *Service) publish(subject string, msg any) {
	if s.opts.Publisher == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("failed to marshal message", slog.String("subject", subject), slogError(err))
		return
	}
	if err := s.opts.Publisher.Publish(subject, data); err != nil {
		s.log.Warn("failed to publish message", slog.String("subject", subject), slogError(err))
	}
}

func (s *Service) record(ctx context.Context, eventType string, payload any) {
	if s.opts.Timeline == nil {
		return
	}
	if err := s.opts.Timeline.Record(ctx, eventType, s.utteranceID, payload); err != nil {
		s.log.Warn("failed to record timeline event", slog.String("type", eventType), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
