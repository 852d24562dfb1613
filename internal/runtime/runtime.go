package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-listener/internal/audio"
	"github.com/loqalabs/loqa-listener/internal/bus"
	"github.com/loqalabs/loqa-listener/internal/config"
	"github.com/loqalabs/loqa-listener/internal/eventstore"
	"github.com/loqalabs/loqa-listener/internal/natsserver"
	"github.com/loqalabs/loqa-listener/internal/presence"
	"github.com/loqalabs/loqa-listener/internal/protocol"
	"github.com/loqalabs/loqa-listener/internal/stt"
	"github.com/loqalabs/loqa-listener/internal/wakeword"
	"go.opentelemetry.io/otel"
)

const (
	statsInterval = 30 * time.Second
	drainTimeout  = 5 * time.Second
)

// Runtime wires capture, transcription, the bus and the HTTP surface for one
// listener process.
type Runtime struct {
	cfg     config.Config
	version string
	logger  *slog.Logger

	listDevices func() ([]audio.DeviceInfo, error)
	stats       func() audio.SessionStats
	timeline    sessionReader
	components  []func() bool
	metrics     http.Handler

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:         cfg,
		version:     version,
		logger:      logger,
		listDevices: audio.ListInputDevices,
	}
}

// Start runs the listener until ctx is cancelled. Device and backend failures
// during startup are returned without retry.
func (r *Runtime) Start(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.metrics = tel.metrics
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	busClient, stopBus, err := r.connectBus(ctx)
	if err != nil {
		return err
	}
	defer stopBus()

	rec, err := stt.NewRecognizer(r.cfg.STT)
	if err != nil {
		return fmt.Errorf("create recognizer: %w", err)
	}
	defer func() {
		if err := stt.Close(rec); err != nil {
			r.logger.Warn("recognizer close failed", slog.String("error", err.Error()))
		}
	}()

	session, err := audio.Open(audio.SessionConfig{
		Device: r.cfg.Capture.Device,
		VAD: audio.VADConfig{
			SpeechThreshold:   float32(r.cfg.Capture.SpeechThreshold),
			SilenceDurationMS: r.cfg.Capture.SilenceDurationMS,
		},
		FramesPerBuffer: r.cfg.Capture.FramesPerBuffer,
		QueueCapacity:   r.cfg.Capture.QueueCapacity,
	}, r.logger)
	if err != nil {
		return fmt.Errorf("open capture session: %w", err)
	}
	r.stats = session.Stats

	reg, err := audio.RegisterMetrics(otel.Meter("github.com/loqalabs/loqa-listener/audio"), session.Stats)
	if err != nil {
		_ = session.Stop()
		return fmt.Errorf("register capture metrics: %w", err)
	}
	defer reg.Unregister()

	sessionID := uuid.NewString()
	device := session.Device()
	if err := store.StartSession(ctx, eventstore.Session{ID: sessionID, Device: device.Name, NativeRate: session.NativeRate()}); err != nil {
		r.logger.Warn("failed to record session start", slog.String("error", err.Error()))
	}
	timeline := store.Timeline(sessionID)
	r.timeline = sessionTimeline{store: store, id: sessionID}
	_ = timeline.Record(ctx, eventstore.TypeSessionStarted, "", device)

	opts := stt.Options{
		SessionID: sessionID,
		Streaming: r.cfg.Streaming,
		STT:       r.cfg.STT,
		Wake:      r.cfg.Wake,
		Timeline:  timeline,
	}
	if busClient != nil {
		opts.Publisher = busClient
	}
	svc, err := stt.NewService(context.WithoutCancel(ctx), opts, rec, r.logger)
	if err != nil {
		_ = session.Stop()
		return fmt.Errorf("create stt service: %w", err)
	}

	r.components = []func() bool{session.Recording, svc.Healthy}
	if busClient != nil {
		r.components = append(r.components, busClient.Healthy)
	}

	statsCtx, stopStats := context.WithCancel(ctx)
	defer stopStats()
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.recordUtterances(session.Dispatcher().Utterances(), timeline)
	}()
	go func() {
		defer r.wg.Done()
		r.logStats(statsCtx, session.Stats)
	}()

	svc.Start(session.Dispatcher().Events())
	if err := session.Start(); err != nil {
		_ = session.Stop()
		svc.Close()
		stopStats()
		r.wg.Wait()
		return fmt.Errorf("start capture: %w", err)
	}

	if busClient != nil {
		announcer, err := presence.Start(ctx, r.nodeConfig(), sessionID,
			r.capabilities(device, session.NativeRate()), presenceStatus(session), busClient, r.logger)
		if err != nil {
			r.logger.Warn("presence disabled", slog.String("error", err.Error()))
		} else {
			defer announcer.Close()
		}
	}

	httpServer := r.serveHTTP()
	r.ready.Store(true)
	r.logger.Info("listener started",
		slog.String("session_id", sessionID),
		slog.String("device", device.Name),
		slog.String("stt_mode", r.cfg.STT.Mode),
		slog.String("addr", httpServer.Addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("listener stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}

	if err := session.Stop(); err != nil {
		r.logger.Warn("capture stop failed", slog.String("error", err.Error()))
	}
	// The closed queue ends the consumer once it has drained; give it a
	// bounded grace period before cancelling an in-flight decode.
	drained := make(chan struct{})
	go func() {
		svc.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		r.logger.Warn("stt consumer did not drain in time")
	}
	svc.Close()
	r.wg.Wait()

	_ = timeline.Record(shutdownCtx, eventstore.TypeSessionStopped, "", session.Stats())
	if err := store.StopSession(shutdownCtx, sessionID); err != nil {
		r.logger.Warn("failed to record session stop", slog.String("error", err.Error()))
	}
	return nil
}

// connectBus starts the embedded broker when configured and connects to it.
// The returned stop func is always safe to call.
func (r *Runtime) connectBus(ctx context.Context) (*bus.Client, func(), error) {
	if !r.cfg.Bus.Enabled {
		r.logger.Info("bus disabled; transcripts are only logged")
		return nil, func() {}, nil
	}

	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("start embedded nats: %w", err)
	}
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		embedded.Shutdown()
		return nil, nil, fmt.Errorf("connect bus: %w", err)
	}

	if busCfg.Stream != "" {
		maxAge := time.Duration(busCfg.StreamMaxAge) * time.Hour
		subjects := []string{protocol.SubjectTranscriptFinal, protocol.SubjectCommand}
		if err := client.EnsureStream(busCfg.Stream, subjects, maxAge); err != nil {
			r.logger.Warn("jetstream unavailable; finals are not retained", slog.String("error", err.Error()))
		}
	}

	return client, func() {
		client.Close()
		embedded.Shutdown()
	}, nil
}

// nodeConfig fills the node id from the host name when none is configured.
func (r *Runtime) nodeConfig() config.NodeConfig {
	node := r.cfg.Node
	if node.ID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "unknown"
		}
		node.ID = r.cfg.RuntimeName + "-" + host
	}
	return node
}

func (r *Runtime) capabilities(device audio.DeviceInfo, nativeRate int) []presence.Capability {
	caps := []presence.Capability{
		{Name: "audio.capture", Attributes: map[string]string{
			"device":      device.Name,
			"native_rate": strconv.Itoa(nativeRate),
		}},
		{Name: "stt", Attributes: map[string]string{
			"mode":      r.cfg.STT.Mode,
			"language":  r.cfg.STT.Language,
			"streaming": strconv.FormatBool(r.cfg.Streaming.Enabled),
		}},
	}
	if r.cfg.Wake.Enabled {
		caps = append(caps, presence.Capability{Name: "wake", Attributes: map[string]string{
			"phrases": strings.Join(wakeword.New(r.cfg.Wake.Phrases).Phrases(), "|"),
		}})
	}
	return caps
}

func presenceStatus(session *audio.Session) func() presence.Status {
	return func() presence.Status {
		s := session.Stats()
		return presence.Status{
			Recording:         session.Recording(),
			Utterances:        s.Automaton.Utterances,
			DroppedEvents:     s.Dispatcher.DroppedEvents,
			DroppedUtterances: s.Dispatcher.DroppedUtterances,
		}
	}
}

// recordUtterances drains the legacy utterance queue into the timeline.
func (r *Runtime) recordUtterances(utterances <-chan audio.SpeechEnded, timeline *eventstore.Timeline) {
	for u := range utterances {
		payload := map[string]any{
			"samples":     len(u.PCM),
			"duration_ms": audio.Duration(u.PCM).Milliseconds(),
		}
		if err := timeline.Record(context.Background(), eventstore.TypeUtteranceCaptured, "", payload); err != nil {
			r.logger.Warn("failed to record utterance", slog.String("error", err.Error()))
		}
	}
}

// logStats reports capture counters off the audio thread. Drops are logged at
// warn the first time they grow in an interval.
func (r *Runtime) logStats(ctx context.Context, stats func() audio.SessionStats) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	var last audio.SessionStats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := stats()
			attrs := []any{
				slog.Uint64("frames", cur.Frames),
				slog.Uint64("faults", cur.Faults),
				slog.Uint64("utterances", cur.Automaton.Utterances),
				slog.Uint64("discarded", cur.Automaton.Discarded),
				slog.Uint64("dropped_events", cur.Dispatcher.DroppedEvents),
				slog.Uint64("dropped_utterances", cur.Dispatcher.DroppedUtterances),
			}
			if cur.Dispatcher.DroppedEvents > last.Dispatcher.DroppedEvents ||
				cur.Dispatcher.DroppedUtterances > last.Dispatcher.DroppedUtterances ||
				cur.Faults > last.Faults {
				r.logger.Warn("capture is dropping work", attrs...)
			} else {
				r.logger.Debug("capture stats", attrs...)
			}
			last = cur
		}
	}
}

func (r *Runtime) serveHTTP() *http.Server {
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	return server
}
