package audio

import (
	"fmt"
	"math"
	"sync/atomic"
)

const (
	// TargetSampleRate is the rate every emitted event is resampled to.
	TargetSampleRate = 16000

	MinSpeechDurationMS = 400
	MaxSpeechDurationMS = 10000
	StreamingChunkMS    = 600

	DefaultSpeechThreshold   = 0.006
	DefaultSilenceDurationMS = 1000
)

// VADConfig tunes the energy detector. It is captured by value when a session
// opens.
type VADConfig struct {
	SpeechThreshold   float32
	SilenceDurationMS int
}

func DefaultVADConfig() VADConfig {
	return VADConfig{
		SpeechThreshold:   DefaultSpeechThreshold,
		SilenceDurationMS: DefaultSilenceDurationMS,
	}
}

// Sink receives events without blocking. *Dispatcher implements it.
type Sink interface {
	TrySend(Event) bool
}

// Automaton turns mono energy measurements at the native rate into utterance
// boundaries. It is owned by exactly one capture callback and is not safe for
// concurrent Process calls; only its counters may be read from elsewhere.
type Automaton struct {
	cfg        VADConfig
	nativeRate int
	ratio      float64
	sink       Sink

	silenceSamples        int
	minSpeechSamples      int
	maxSpeechSamples      int
	streamingChunkSamples int
	trailingKeepSamples   int
	idleCapSamples        int

	buffer                []float32
	speechStarted         bool
	silenceCounter        int
	samplesSinceLastChunk int
	seq                   uint64

	utterances atomic.Uint64
	discarded  atomic.Uint64
}

// AutomatonStats counts finalization outcomes.
type AutomatonStats struct {
	Utterances uint64
	Discarded  uint64
}

func NewAutomaton(cfg VADConfig, nativeRate int, sink Sink) (*Automaton, error) {
	if nativeRate <= 0 {
		return nil, fmt.Errorf("native sample rate must be positive, got %d", nativeRate)
	}
	if sink == nil {
		return nil, fmt.Errorf("vad automaton requires an event sink")
	}
	a := &Automaton{
		cfg:                   cfg,
		nativeRate:            nativeRate,
		ratio:                 ResampleRatio(nativeRate, TargetSampleRate),
		sink:                  sink,
		silenceSamples:        nativeRate * cfg.SilenceDurationMS / 1000,
		minSpeechSamples:      nativeRate * MinSpeechDurationMS / 1000,
		maxSpeechSamples:      nativeRate * MaxSpeechDurationMS / 1000,
		streamingChunkSamples: nativeRate * StreamingChunkMS / 1000,
		trailingKeepSamples:   nativeRate / 10,
		idleCapSamples:        nativeRate,
	}
	// One second of headroom past the forced cut so a typical callback never
	// grows the buffer.
	a.buffer = make([]float32, 0, a.maxSpeechSamples+nativeRate)
	return a, nil
}

// Process feeds one mono chunk through the detector and emits any resulting
// events to the sink.
func (a *Automaton) Process(mono []float32) {
	if len(mono) == 0 {
		return
	}

	isSpeech := rms(mono) > a.cfg.SpeechThreshold

	a.buffer = append(a.buffer, mono...)
	a.samplesSinceLastChunk += len(mono)

	if isSpeech {
		if !a.speechStarted {
			a.seq++
		}
		a.silenceCounter = 0
		a.speechStarted = true
	} else if a.speechStarted {
		a.silenceCounter += len(mono)
	}

	if a.speechStarted && a.samplesSinceLastChunk >= a.streamingChunkSamples {
		a.sink.TrySend(StreamingChunk{Utterance: a.seq, PCM: Resample(a.buffer, a.ratio)})
		a.samplesSinceLastChunk = 0
	}

	shouldSend := a.speechStarted &&
		((a.silenceCounter >= a.silenceSamples && len(a.buffer) >= a.minSpeechSamples) ||
			len(a.buffer) >= a.maxSpeechSamples)

	if shouldSend {
		trim := a.silenceCounter - a.trailingKeepSamples
		if trim < 0 {
			trim = 0
		}
		end := len(a.buffer) - trim
		if end < 0 {
			end = 0
		}
		if end >= a.minSpeechSamples {
			a.sink.TrySend(SpeechEnded{Utterance: a.seq, PCM: Resample(a.buffer[:end], a.ratio)})
			a.utterances.Add(1)
		} else {
			a.discarded.Add(1)
		}
		a.Reset()
	}

	if !a.speechStarted && len(a.buffer) > a.idleCapSamples {
		a.buffer = a.buffer[:0]
	}
}

// Reset drops the in-progress utterance. The utterance sequence keeps
// counting so consumers can tell the next onset apart.
func (a *Automaton) Reset() {
	a.buffer = a.buffer[:0]
	a.speechStarted = false
	a.silenceCounter = 0
	a.samplesSinceLastChunk = 0
}

func (a *Automaton) Stats() AutomatonStats {
	return AutomatonStats{
		Utterances: a.utterances.Load(),
		Discarded:  a.discarded.Load(),
	}
}

func rms(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}
