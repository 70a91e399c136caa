package recording

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/metrics"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/protocol"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/speech"
)

// AudioStream is the live speech connection of one recording session
type AudioStream interface {
	Connect(ctx context.Context) error
	SendAudio(frame []byte) bool
	Disconnect()
	Info() speech.SessionInfo
}

// StreamFactory creates an unconnected stream for a visit
type StreamFactory func(visitID string, handler speech.Handler) AudioStream

// NewSpeechStreamFactory returns a factory creating speech.Stream values for provider
func NewSpeechStreamFactory(provider speech.Provider, config speech.StreamConfig, logger *slog.Logger, m *metrics.Metrics) StreamFactory {
	return func(visitID string, handler speech.Handler) AudioStream {
		return speech.NewStream(visitID, provider, config, handler, logger, m)
	}
}

// Broadcaster delivers events to a user's connections
type Broadcaster interface {
	Broadcast(requestingConnectionID, userID string, event protocol.Event) int
	Send(connectionID, userID string, v any) error
}

// UtteranceStore persists finalized utterances
type UtteranceStore interface {
	Store(ctx context.Context, visitID, text string, ts time.Time) (string, bool)
}

// NoteGenerator starts note generation for a finished visit without blocking.
// An enabled generator moves the visit from GENERATING_NOTE to FINISHED.
type NoteGenerator interface {
	Enabled() bool
	Generate(visitID, userID, requestingConnectionID string)
}

// Request identifies who asked for a transition
type Request struct {
	VisitID      string
	UserID       string
	ConnectionID string
}

// SessionInfo describes an active recording session
type SessionInfo struct {
	VisitID      string             `json:"visit_id"`
	UserID       string             `json:"user_id"`
	ConnectionID string             `json:"connection_id"`
	StartedAt    time.Time          `json:"started_at"`
	Stream       speech.SessionInfo `json:"stream"`
}

// session is one active recording: the visit, its owner and its stream
type session struct {
	visitID      string
	userID       string
	connectionID string
	startedAt    time.Time
	stream       AudioStream
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		VisitID:      s.visitID,
		UserID:       s.userID,
		ConnectionID: s.connectionID,
		StartedAt:    s.startedAt,
		Stream:       s.stream.Info(),
	}
}

// owner is the connection that last started or resumed a visit. It outlives
// the session when the stream is abandoned so a disconnect still pauses it.
type owner struct {
	userID       string
	connectionID string
}

// visitLocks serializes transitions per visit
type visitLocks struct {
	mu    sync.Mutex
	locks map[string]*visitLock
}

type visitLock struct {
	mu   sync.Mutex
	refs int
}

func newVisitLocks() *visitLocks {
	return &visitLocks{locks: make(map[string]*visitLock)}
}

// lock acquires the lock for visitID and returns its release function
func (l *visitLocks) lock(visitID string) func() {
	l.mu.Lock()
	vl, ok := l.locks[visitID]
	if !ok {
		vl = &visitLock{}
		l.locks[visitID] = vl
	}
	vl.refs++
	l.mu.Unlock()

	vl.mu.Lock()

	return func() {
		vl.mu.Unlock()

		l.mu.Lock()
		vl.refs--
		if vl.refs == 0 {
			delete(l.locks, visitID)
		}
		l.mu.Unlock()
	}
}

// elapsed returns the time between startedAt and now, clamped to zero. A
// missing anchor counts as no elapsed time.
func elapsed(startedAt *time.Time, now time.Time) time.Duration {
	if startedAt == nil {
		return 0
	}
	d := now.Sub(*startedAt)
	if d <= 0 {
		return 0
	}
	return d
}
