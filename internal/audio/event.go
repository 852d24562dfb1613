package audio

import "time"

// Event is emitted by the VAD automaton. It is one of StreamingChunk or
// SpeechEnded; consumers switch on the concrete type.
type Event interface {
	isEvent()
}

// StreamingChunk carries the whole in-progress utterance so far, resampled to
// TargetSampleRate. Successive chunks of one utterance share a prefix.
type StreamingChunk struct {
	// Utterance numbers the utterance this chunk belongs to. It increases by
	// one at every speech onset, including utterances later discarded.
	Utterance uint64
	PCM       []float32
}

// SpeechEnded carries one finalized utterance with trailing silence trimmed,
// resampled to TargetSampleRate.
type SpeechEnded struct {
	Utterance uint64
	PCM       []float32
}

func (StreamingChunk) isEvent() {}
func (SpeechEnded) isEvent()    {}

// Duration reports how long pcm lasts at TargetSampleRate.
func Duration(pcm []float32) time.Duration {
	return time.Duration(len(pcm)) * time.Second / TargetSampleRate
}
