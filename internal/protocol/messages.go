package protocol

import "time"

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID   string    `json:"session_id"`
	UtteranceID string    `json:"utterance_id"`
	Text        string    `json:"text"`
	Partial     bool      `json:"partial"`
	Stable      bool      `json:"stable,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	Timestamp   time.Time `json:"timestamp"`
}

// WakeDetected is published once per utterance when a wake phrase is heard.
type WakeDetected struct {
	SessionID   string    `json:"session_id"`
	UtteranceID string    `json:"utterance_id"`
	Text        string    `json:"text"`
	Late        bool      `json:"late,omitempty"` // only the final pass heard it
	Timestamp   time.Time `json:"timestamp"`
}

// Command carries the words spoken after a wake phrase.
type Command struct {
	SessionID   string    `json:"session_id"`
	UtteranceID string    `json:"utterance_id"`
	Text        string    `json:"text"`
	Transcript  string    `json:"transcript"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptStable  = "stt.text.stable"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectWakeDetected      = "listen.wake.detected"
	SubjectCommand           = "listen.command"
)
