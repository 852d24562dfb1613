package stt

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listener/internal/audio"
	"github.com/loqalabs/loqa-listener/internal/config"
	"github.com/loqalabs/loqa-listener/internal/eventstore"
	"github.com/loqalabs/loqa-listener/internal/protocol"
)

func testOptions(pub Publisher, tl Timeline) Options {
	cfg := config.Default()
	return Options{
		SessionID: "session-1",
		Streaming: cfg.Streaming,
		STT:       cfg.STT,
		Wake:      cfg.Wake,
		Publisher: pub,
		Timeline:  tl,
	}
}

func runEvents(t *testing.T, svc *Service, events ...audio.Event) {
	t.Helper()
	ch := make(chan audio.Event, len(events))
	for _, evt := range events {
		ch <- evt
	}
	close(ch)
	if err := svc.Run(context.Background(), ch); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestServiceStreamsThenFinalizes(t *testing.T) {
	rec := &scriptedRecognizer{texts: []string{
		"ok robert open",
		"ok robert open the",
		"ok robert open the notes",
		"OK Robert, open the notes.",
	}}
	pub := &recordingPublisher{}
	tl := &recordingTimeline{}
	svc, err := NewService(context.Background(), testOptions(pub, tl), rec, discardLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	utterance := samples(30000)
	runEvents(t, svc,
		audio.StreamingChunk{PCM: utterance[:9600]},
		audio.StreamingChunk{PCM: utterance[:19200]},
		audio.StreamingChunk{PCM: utterance[:28800]},
		audio.SpeechEnded{PCM: utterance},
	)

	want := []string{
		protocol.SubjectWakeDetected,
		protocol.SubjectTranscriptPartial,
		protocol.SubjectTranscriptPartial,
		protocol.SubjectTranscriptPartial,
		protocol.SubjectTranscriptStable,
		protocol.SubjectCommand,
		protocol.SubjectTranscriptFinal,
	}
	got := pub.subjects()
	if len(got) != len(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("message %d on %q, want %q (all: %v)", i, got[i], want[i], got)
		}
	}

	var stable protocol.Transcript
	if err := json.Unmarshal(pub.messages[4].data, &stable); err != nil {
		t.Fatalf("decode stable: %v", err)
	}
	if !stable.Stable || stable.Text != "ok robert open the" {
		t.Fatalf("unexpected stable transcript: %+v", stable)
	}

	var cmd protocol.Command
	if err := json.Unmarshal(pub.messages[5].data, &cmd); err != nil {
		t.Fatalf("decode command: %v", err)
	}
	if cmd.Text != "open the notes." || cmd.SessionID != "session-1" {
		t.Fatalf("unexpected command: %+v", cmd)
	}

	var final protocol.Transcript
	if err := json.Unmarshal(pub.messages[6].data, &final); err != nil {
		t.Fatalf("decode final: %v", err)
	}
	if final.Partial || final.Text != "OK Robert, open the notes." || final.UtteranceID != cmd.UtteranceID {
		t.Fatalf("unexpected final transcript: %+v", final)
	}

	// The window received only fresh audio despite cumulative chunks.
	if rec.lengths[2] != 28800 || rec.lengths[3] != 30000 {
		t.Fatalf("unexpected decode lengths: %v", rec.lengths)
	}
	if svc.streaming.Confirmed() != "" || svc.wakeDetected {
		t.Fatal("state must reset after the final pass")
	}

	wantTypes := []string{eventstore.TypeWakeDetected, eventstore.TypeUtteranceTranscribed, eventstore.TypeCommandExtracted}
	if len(tl.entries) != len(wantTypes) {
		t.Fatalf("timeline entries = %+v", tl.entries)
	}
	for i, typ := range wantTypes {
		if tl.entries[i].eventType != typ || tl.entries[i].utteranceID != cmd.UtteranceID {
			t.Fatalf("timeline entry %d = %+v, want %s", i, tl.entries[i], typ)
		}
	}
}

func TestServiceLateWakeDetection(t *testing.T) {
	rec := &scriptedRecognizer{texts: []string{"hey robert stop recording"}}
	pub := &recordingPublisher{}
	opts := testOptions(pub, nil)
	opts.Streaming.Enabled = false
	svc, err := NewService(context.Background(), opts, rec, discardLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	runEvents(t, svc,
		audio.StreamingChunk{PCM: samples(9600)},
		audio.SpeechEnded{PCM: samples(12000)},
	)

	if rec.calls != 1 {
		t.Fatalf("streaming disabled should skip chunk decodes, got %d calls", rec.calls)
	}
	got := pub.subjects()
	want := []string{protocol.SubjectWakeDetected, protocol.SubjectCommand, protocol.SubjectTranscriptFinal}
	if len(got) != len(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
	var wake protocol.WakeDetected
	if err := json.Unmarshal(pub.messages[0].data, &wake); err != nil {
		t.Fatalf("decode wake: %v", err)
	}
	if !wake.Late {
		t.Fatal("wake heard only by the final pass should be marked late")
	}
}

func TestServiceSkipsFailedAndTrivialDecodes(t *testing.T) {
	rec := &scriptedRecognizer{
		texts: []string{"", ".", "", "hello there"},
		errs:  map[int]error{2: errors.New("decoder stalled")},
	}
	pub := &recordingPublisher{}
	tl := &recordingTimeline{}
	svc, err := NewService(context.Background(), testOptions(pub, tl), rec, discardLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	runEvents(t, svc,
		audio.StreamingChunk{PCM: samples(9600)},
		audio.StreamingChunk{PCM: samples(19200)},
		audio.SpeechEnded{PCM: samples(20000)},
		audio.SpeechEnded{PCM: samples(20000)},
	)

	got := pub.subjects()
	if len(got) != 1 || got[0] != protocol.SubjectTranscriptFinal {
		t.Fatalf("published %v, want only the second final", got)
	}
	if len(tl.entries) != 2 || tl.entries[0].eventType != eventstore.TypeTranscriptionFailed {
		t.Fatalf("unexpected timeline: %+v", tl.entries)
	}
	if tl.entries[0].utteranceID == tl.entries[1].utteranceID {
		t.Fatal("each SpeechEnded must start a new utterance id")
	}
}

type collectingSink struct {
	events []audio.Event
}

func (c *collectingSink) TrySend(evt audio.Event) bool {
	c.events = append(c.events, evt)
	return true
}

func toneChunk(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.1 * math.Sin(2*math.Pi*440*float64(i)/SampleRate))
	}
	return out
}

func TestServiceResetsAfterDiscardedUtterance(t *testing.T) {
	sink := &collectingSink{}
	automaton, err := audio.NewAutomaton(audio.DefaultVADConfig(), SampleRate, sink)
	if err != nil {
		t.Fatalf("new automaton: %v", err)
	}
	const chunk = 1600
	feed := func(n int, speech bool) {
		for i := 0; i < n; i++ {
			if speech {
				automaton.Process(toneChunk(chunk))
			} else {
				automaton.Process(make([]float32, chunk))
			}
		}
	}
	feed(12, false)
	feed(1, true) // 100ms blip
	feed(10, false)
	feed(9, false)
	feed(10, true)
	feed(12, false)

	if stats := automaton.Stats(); stats.Discarded != 1 || stats.Utterances != 1 {
		t.Fatalf("unexpected automaton stats %+v", stats)
	}

	var chunks []audio.StreamingChunk
	for _, evt := range sink.events {
		if c, ok := evt.(audio.StreamingChunk); ok {
			chunks = append(chunks, c)
		}
	}
	texts := make([]string, len(chunks), len(chunks)+1)
	for i := range texts {
		texts[i] = "ok robert"
	}
	texts = append(texts, "")

	rec := &scriptedRecognizer{texts: texts}
	pub := &recordingPublisher{}
	svc, err := NewService(context.Background(), testOptions(pub, nil), rec, discardLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	runEvents(t, svc, sink.events...)

	if rec.calls != len(chunks)+1 {
		t.Fatalf("decodes = %d, want %d", rec.calls, len(chunks)+1)
	}
	for i, c := range chunks {
		got := rec.inputs[i]
		if len(got) > len(c.PCM) {
			t.Fatalf("chunk %d: window holds %d samples, chunk only %d", i, len(got), len(c.PCM))
		}
		want := c.PCM[len(c.PCM)-len(got):]
		for j := range got {
			if got[j] != want[j] {
				t.Fatalf("chunk %d (utterance %d): window differs from chunk at sample %d", i, c.Utterance, j)
			}
		}
	}

	wakes := 0
	for _, subject := range pub.subjects() {
		if subject == protocol.SubjectWakeDetected {
			wakes++
		}
	}
	if wakes != 2 {
		t.Fatalf("expected a wake per utterance, got %d", wakes)
	}
}

func TestServiceStopsOnCancel(t *testing.T) {
	svc, err := NewService(context.Background(), testOptions(nil, nil), NewMockRecognizer(), discardLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	events := make(chan audio.Event)
	svc.Start(events)

	deadline := time.Now().Add(time.Second)
	for !svc.Healthy() {
		if time.Now().After(deadline) {
			t.Fatal("service never became healthy")
		}
		time.Sleep(5 * time.Millisecond)
	}
	svc.Close()
	if svc.Healthy() {
		t.Fatal("service should report unhealthy after Close")
	}
}

func TestNewServiceRequiresRecognizer(t *testing.T) {
	if _, err := NewService(context.Background(), testOptions(nil, nil), nil, discardLogger()); err == nil {
		t.Fatal("expected error without recognizer")
	}
}
