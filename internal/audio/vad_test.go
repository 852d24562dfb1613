package audio

import (
	"math"
	"testing"
)

type recordingSink struct {
	events []Event
}

func (r *recordingSink) TrySend(evt Event) bool {
	r.events = append(r.events, evt)
	return true
}

func (r *recordingSink) ended() []SpeechEnded {
	var out []SpeechEnded
	for _, evt := range r.events {
		if e, ok := evt.(SpeechEnded); ok {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingSink) chunks() []StreamingChunk {
	var out []StreamingChunk
	for _, evt := range r.events {
		if c, ok := evt.(StreamingChunk); ok {
			out = append(out, c)
		}
	}
	return out
}

func tone(samples, rate int, amplitude float64) []float32 {
	out := make([]float32, samples)
	for i := range out {
		out[i] = float32(amplitude * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return out
}

func silence(samples int) []float32 {
	return make([]float32, samples)
}

func feed(a *Automaton, signal []float32, chunk int) {
	for start := 0; start < len(signal); start += chunk {
		end := start + chunk
		if end > len(signal) {
			end = len(signal)
		}
		a.Process(signal[start:end])
	}
}

func newTestAutomaton(t *testing.T, rate int) (*Automaton, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	a, err := NewAutomaton(DefaultVADConfig(), rate, sink)
	if err != nil {
		t.Fatalf("new automaton: %v", err)
	}
	return a, sink
}

func TestNewAutomatonRejectsInvalidRate(t *testing.T) {
	if _, err := NewAutomaton(DefaultVADConfig(), 0, &recordingSink{}); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
	if _, err := NewAutomaton(DefaultVADConfig(), 16000, nil); err == nil {
		t.Fatal("expected error for missing sink")
	}
}

func TestAutomatonThresholds(t *testing.T) {
	a, _ := newTestAutomaton(t, 48000)
	if a.silenceSamples != 48000 || a.minSpeechSamples != 19200 || a.maxSpeechSamples != 480000 {
		t.Fatalf("unexpected thresholds: silence=%d min=%d max=%d", a.silenceSamples, a.minSpeechSamples, a.maxSpeechSamples)
	}
	if a.streamingChunkSamples != 28800 || a.trailingKeepSamples != 4800 {
		t.Fatalf("unexpected chunk=%d keep=%d", a.streamingChunkSamples, a.trailingKeepSamples)
	}
	if a.ratio != 3 {
		t.Fatalf("ratio = %v, want 3", a.ratio)
	}
}

func TestIdleBufferIsCapped(t *testing.T) {
	const rate = 16000
	a, sink := newTestAutomaton(t, rate)

	quiet := tone(1600, rate, 0.001)
	for i := 0; i < 50; i++ {
		a.Process(quiet)
		if len(a.buffer) > rate {
			t.Fatalf("idle buffer grew to %d samples after %d chunks", len(a.buffer), i+1)
		}
		if a.speechStarted || a.silenceCounter != 0 {
			t.Fatalf("silence must not start speech or advance the silence counter")
		}
	}
	if len(sink.events) != 0 {
		t.Fatalf("expected no events, got %d", len(sink.events))
	}
}

func TestEmptyChunkIsIgnored(t *testing.T) {
	a, sink := newTestAutomaton(t, 16000)
	a.Process(nil)
	a.Process([]float32{})
	if len(a.buffer) != 0 || a.samplesSinceLastChunk != 0 || len(sink.events) != 0 {
		t.Fatal("empty chunks must not change state")
	}
}

func TestThresholdIsStrict(t *testing.T) {
	a, _ := newTestAutomaton(t, 16000)
	level := DefaultVADConfig().SpeechThreshold
	a.Process([]float32{level, level, level, level})
	if a.speechStarted {
		t.Fatal("RMS equal to the threshold is not speech")
	}
	a.Process([]float32{level * 2, level * 2, level * 2, level * 2})
	if !a.speechStarted {
		t.Fatal("RMS above the threshold is speech")
	}
}

func TestToneThenSilenceYieldsOneUtterance(t *testing.T) {
	const rate = 16000
	a, sink := newTestAutomaton(t, rate)

	speech := tone(rate/2, rate, 0.1)
	quiet := silence(rate * 11 / 10)
	feed(a, speech, rate/10)
	feed(a, quiet, rate/10)

	ended := sink.ended()
	if len(ended) != 1 {
		t.Fatalf("expected exactly one SpeechEnded, got %d", len(ended))
	}
	untrimmed := len(speech) + a.silenceSamples
	got := len(ended[0].PCM)
	if got < a.minSpeechSamples || got > untrimmed {
		t.Fatalf("utterance length %d outside [%d, %d]", got, a.minSpeechSamples, untrimmed)
	}
	// 500ms of speech plus the 100ms of retained trailing context.
	if got != 9600 {
		t.Fatalf("utterance length = %d, want 9600", got)
	}

	last := sink.events[len(sink.events)-1]
	if _, ok := last.(SpeechEnded); !ok {
		t.Fatalf("streaming chunks must precede the terminal SpeechEnded")
	}
	if a.speechStarted {
		t.Fatal("automaton should be reset after finalization")
	}
}

func TestUtteranceIsResampledFromNativeRate(t *testing.T) {
	const rate = 48000
	a, sink := newTestAutomaton(t, rate)

	feed(a, tone(rate/2, rate, 0.1), rate/10)
	feed(a, silence(rate*11/10), rate/10)

	ended := sink.ended()
	if len(ended) != 1 {
		t.Fatalf("expected one SpeechEnded, got %d", len(ended))
	}
	if got := len(ended[0].PCM); got != 9600 {
		t.Fatalf("resampled utterance length = %d, want 9600", got)
	}
}

func TestContinuousSpeechForcesFinalization(t *testing.T) {
	const rate = 16000
	a, sink := newTestAutomaton(t, rate)

	feed(a, tone(rate*12, rate, 0.1), rate/10)

	ended := sink.ended()
	if len(ended) != 1 {
		t.Fatalf("expected one forced SpeechEnded, got %d", len(ended))
	}
	if got := len(ended[0].PCM); got != a.maxSpeechSamples {
		t.Fatalf("forced utterance length = %d, want %d", got, a.maxSpeechSamples)
	}
	// The next utterance started right after the reset.
	if !a.speechStarted || len(a.buffer) != 2*rate {
		t.Fatalf("expected a fresh 2s utterance in progress, got started=%v len=%d", a.speechStarted, len(a.buffer))
	}
	if got := a.Stats().Utterances; got != 1 {
		t.Fatalf("utterance counter = %d, want 1", got)
	}
}

func TestStreamingChunksCarryWholeUtterance(t *testing.T) {
	const rate = 16000
	a, sink := newTestAutomaton(t, rate)

	feed(a, tone(rate*3, rate, 0.1), rate/10)

	chunks := sink.chunks()
	if len(chunks) != 5 {
		t.Fatalf("expected 5 streaming chunks in 3s, got %d", len(chunks))
	}
	step := rate * StreamingChunkMS / 1000
	for i, c := range chunks {
		if want := (i + 1) * step; len(c.PCM) != want {
			t.Fatalf("chunk %d has %d samples, want %d", i, len(c.PCM), want)
		}
		if i > 0 && c.PCM[0] != chunks[0].PCM[0] {
			t.Fatalf("chunk %d does not start at the utterance start", i)
		}
	}
}

func TestShortBlipIsDiscarded(t *testing.T) {
	const rate = 16000
	a, sink := newTestAutomaton(t, rate)

	feed(a, tone(rate/10, rate, 0.1), rate/10)
	feed(a, silence(rate*12/10), rate/10)

	if len(sink.ended()) != 0 {
		t.Fatal("a 100ms blip must not produce an utterance")
	}
	if got := a.Stats().Discarded; got != 1 {
		t.Fatalf("discarded = %d, want 1", got)
	}
	if a.speechStarted {
		t.Fatal("automaton should reset after a discarded utterance")
	}
}

func TestUtteranceNumberAdvancesPastDiscardedBlip(t *testing.T) {
	const rate = 16000
	a, sink := newTestAutomaton(t, rate)

	feed(a, tone(rate/10, rate, 0.1), rate/10)
	feed(a, silence(rate*12/10), rate/10)
	blipChunks := len(sink.chunks())
	if blipChunks == 0 {
		t.Fatal("expected the blip to stream at least one chunk")
	}

	feed(a, tone(rate, rate, 0.1), rate/10)
	feed(a, silence(rate*12/10), rate/10)

	for i, c := range sink.chunks() {
		want := uint64(2)
		if i < blipChunks {
			want = 1
		}
		if c.Utterance != want {
			t.Fatalf("chunk %d tagged utterance %d, want %d", i, c.Utterance, want)
		}
	}
	ended := sink.ended()
	if len(ended) != 1 || ended[0].Utterance != 2 {
		t.Fatalf("expected one utterance tagged 2, got %+v", ended)
	}
	if stats := a.Stats(); stats.Discarded != 1 || stats.Utterances != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSilenceCounterOnlyAdvancesDuringSpeech(t *testing.T) {
	a, _ := newTestAutomaton(t, 16000)
	a.Process(silence(800))
	if a.silenceCounter != 0 {
		t.Fatalf("silence counter advanced before speech: %d", a.silenceCounter)
	}
	a.Process(tone(800, 16000, 0.1))
	a.Process(silence(800))
	if a.silenceCounter != 800 {
		t.Fatalf("silence counter = %d, want 800", a.silenceCounter)
	}
	a.Process(tone(800, 16000, 0.1))
	if a.silenceCounter != 0 {
		t.Fatalf("speech should clear the silence counter")
	}
}
