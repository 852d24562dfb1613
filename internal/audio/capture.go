package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

// SessionConfig is captured by value when a session opens.
type SessionConfig struct {
	Device          string // empty selects the host default
	VAD             VADConfig
	FramesPerBuffer int // 0 lets the driver choose
	QueueCapacity   int
}

// Session owns one PortAudio input stream and drives the
// mixer -> VAD -> resampler pipeline inside the driver callback.
type Session struct {
	cfg        SessionConfig
	device     *portaudio.DeviceInfo
	channels   int
	nativeRate int
	log        *slog.Logger

	dispatcher *Dispatcher
	automaton  *Automaton
	mono       []float32

	recording atomic.Bool
	frames    atomic.Uint64
	faults    atomic.Uint64

	mu      sync.Mutex
	stream  *portaudio.Stream
	stopped bool
}

// SessionStats aggregates the counters of the capture path.
type SessionStats struct {
	Frames     uint64
	Faults     uint64
	Automaton  AutomatonStats
	Dispatcher DispatcherStats
}

// Open resolves the input device and prepares the VAD pipeline. Device or
// host failures are returned immediately; there is no retry.
func Open(cfg SessionConfig, logger *slog.Logger) (*Session, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize audio host: %w", err)
	}

	dev, err := resolveInputDevice(cfg.Device)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}

	nativeRate := int(dev.DefaultSampleRate)
	if nativeRate <= 0 {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("device %q reports invalid sample rate %v", dev.Name, dev.DefaultSampleRate)
	}
	channels := dev.MaxInputChannels
	if channels > 2 {
		channels = 2
	}

	dispatcher := NewDispatcher(cfg.QueueCapacity)
	automaton, err := NewAutomaton(cfg.VAD, nativeRate, dispatcher)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}

	scratch := cfg.FramesPerBuffer
	if scratch <= 0 {
		scratch = 4096
	}

	return &Session{
		cfg:        cfg,
		device:     dev,
		channels:   channels,
		nativeRate: nativeRate,
		log:        logger.With(slog.String("component", "capture")),
		dispatcher: dispatcher,
		automaton:  automaton,
		mono:       make([]float32, 0, scratch),
	}, nil
}

// Start opens the input stream and begins delivering callbacks.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		return nil
	}
	if s.stopped {
		return fmt.Errorf("capture session already stopped")
	}

	framesPerBuffer := s.cfg.FramesPerBuffer
	if framesPerBuffer <= 0 {
		framesPerBuffer = portaudio.FramesPerBufferUnspecified
	}
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   s.device,
			Channels: s.channels,
			Latency:  s.device.DefaultLowInputLatency,
		},
		SampleRate:      float64(s.nativeRate),
		FramesPerBuffer: framesPerBuffer,
	}

	s.recording.Store(true)
	stream, err := portaudio.OpenStream(params, s.onFrame)
	if err != nil {
		s.recording.Store(false)
		return fmt.Errorf("open input stream on %q: %w", s.device.Name, err)
	}
	if err := stream.Start(); err != nil {
		s.recording.Store(false)
		_ = stream.Close()
		return fmt.Errorf("start input stream on %q: %w", s.device.Name, err)
	}
	s.stream = stream

	s.log.Info("capture started",
		slog.String("device", s.device.Name),
		slog.Int("native_rate", s.nativeRate),
		slog.Int("channels", s.channels),
		slog.Float64("speech_threshold", float64(s.cfg.VAD.SpeechThreshold)),
		slog.Int("silence_duration_ms", s.cfg.VAD.SilenceDurationMS))
	return nil
}

// onFrame runs on the driver's real-time thread. It must not block, log or
// take locks; faults are counted and the frame is dropped.
func (s *Session) onFrame(in []float32) {
	if !s.recording.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.faults.Add(1)
		}
	}()
	s.frames.Add(1)
	s.mono = Downmix(s.mono, in, s.channels)
	s.automaton.Process(s.mono)
}

// Stop halts callbacks, releases the stream and disconnects the queues.
// PortAudio's Stop returns only after the last callback has completed, so
// closing the dispatcher afterwards cannot race a send.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.recording.Store(false)

	var firstErr error
	if s.stream != nil {
		if err := s.stream.Stop(); err != nil {
			firstErr = fmt.Errorf("stop input stream: %w", err)
		}
		if err := s.stream.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close input stream: %w", err)
		}
		s.stream = nil
	}
	s.dispatcher.Close()
	if err := portaudio.Terminate(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("terminate audio host: %w", err)
	}
	s.log.Info("capture stopped", slog.String("device", s.device.Name))
	return firstErr
}

func (s *Session) Dispatcher() *Dispatcher { return s.dispatcher }

func (s *Session) Device() DeviceInfo {
	return DeviceInfo{
		Name:       s.device.Name,
		IsDefault:  s.cfg.Device == "",
		Channels:   s.channels,
		SampleRate: float64(s.nativeRate),
	}
}

func (s *Session) NativeRate() int { return s.nativeRate }

func (s *Session) Recording() bool { return s.recording.Load() }

func (s *Session) Stats() SessionStats {
	return SessionStats{
		Frames:     s.frames.Load(),
		Faults:     s.faults.Load(),
		Automaton:  s.automaton.Stats(),
		Dispatcher: s.dispatcher.Stats(),
	}
}
