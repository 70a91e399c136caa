package protocol

import (
	"time"

	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/store"
)

// EventType identifies a server event
type EventType string

// Server events
const (
	EventStartRecording    EventType = "start_recording"
	EventPauseRecording    EventType = "pause_recording"
	EventResumeRecording   EventType = "resume_recording"
	EventFinishRecording   EventType = "finish_recording"
	EventTranscript        EventType = "transcript"
	EventInterimTranscript EventType = "interim_transcript"
	EventNoteGenerated     EventType = "note_generated"
	EventError             EventType = "error"
	EventPong              EventType = "pong"
)

// StatusReady is sent to the recording owner once the speech stream is open
const StatusReady = "ready"

// Event is a message delivered to client connections. WasRequested is set per
// delivery and is true only for the connection whose action produced the event.
type Event struct {
	Type         EventType      `json:"type"`
	Data         map[string]any `json:"data,omitempty"`
	WasRequested bool           `json:"was_requested"`
}

// Ready is the signal sent when the remote speech connection is established
type Ready struct {
	Status  string `json:"status"`
	VisitID string `json:"visit_id,omitempty"`
}

// ForConnection returns a copy of the event tagged for one recipient
func (e Event) ForConnection(requested bool) Event {
	e.WasRequested = requested
	return e
}

// NewVisitEvent builds a recording state event carrying the visit snapshot
func NewVisitEvent(eventType EventType, visit *store.Visit) Event {
	data := map[string]any{
		"visit_id":           visit.ID,
		"status":             visit.Status,
		"recording_duration": store.FormatDuration(visit.RecordingDuration),
	}
	if visit.RecordingStartedAt != nil {
		data["recording_started_at"] = visit.RecordingStartedAt.UTC().Format(time.RFC3339)
	}
	if visit.RecordingFinishedAt != nil {
		data["recording_finished_at"] = visit.RecordingFinishedAt.UTC().Format(time.RFC3339)
	}
	if eventType == EventFinishRecording {
		data["transcript"] = visit.Transcript
	}
	return Event{Type: eventType, Data: data}
}

// NewTranscriptEvent builds the event for one stored transcript line
func NewTranscriptEvent(visitID, line string, ts time.Time) Event {
	return Event{
		Type: EventTranscript,
		Data: map[string]any{
			"visit_id":  visitID,
			"line":      line,
			"timestamp": ts.UTC().Format(time.RFC3339),
		},
	}
}

// NewInterimEvent builds the event for a provisional transcript fragment
func NewInterimEvent(visitID, text string) Event {
	return Event{
		Type: EventInterimTranscript,
		Data: map[string]any{
			"visit_id": visitID,
			"text":     text,
		},
	}
}

// NewNoteEvent builds the event sent once a note has been generated
func NewNoteEvent(visitID, note string, generatedAt time.Time) Event {
	return Event{
		Type: EventNoteGenerated,
		Data: map[string]any{
			"visit_id":          visitID,
			"status":            store.StatusFinished,
			"note":              note,
			"note_generated_at": generatedAt.UTC().Format(time.RFC3339),
		},
	}
}

// NewErrorEvent builds an error event. visitID may be empty.
func NewErrorEvent(visitID, message string) Event {
	data := map[string]any{"message": message}
	if visitID != "" {
		data["visit_id"] = visitID
	}
	return Event{Type: EventError, Data: data}
}
