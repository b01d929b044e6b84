package protocol

import "time"

// MessageType tags a transcript sent to the browser.
type MessageType string

const (
	MessagePartial MessageType = "partial"
	MessageFinal   MessageType = "final"
)

// TranscriptMessage is the JSON text frame written to the client socket.
type TranscriptMessage struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// Control commands accepted as text frames.
const (
	CommandStart = "start"
	CommandStop  = "stop"
)

// Transcript represents relay output broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
)

// Journal event types.
const (
	EventSessionOpen     = "session.open"
	EventRecordingStart  = "recording.start"
	EventTranscriptFinal = "transcript.final"
	EventRecordingStop   = "recording.stop"
	EventSessionClose    = "session.close"
)
