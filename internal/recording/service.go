package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/metrics"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/protocol"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/speech"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/store"
)

var (
	// ErrInvalidTransition is returned when the visit status does not allow the action
	ErrInvalidTransition = errors.New("invalid recording transition")

	// ErrAlreadyActive is returned when a visit already has a live speech stream
	ErrAlreadyActive = errors.New("recording already active")

	// ErrForbidden is returned when the visit belongs to another user
	ErrForbidden = errors.New("visit belongs to another user")

	// ErrNoActiveSession is returned when audio arrives for a visit that is not recording
	ErrNoActiveSession = errors.New("no active recording session")
)

// StreamLostMessage is the error text broadcast when a speech stream is abandoned
const StreamLostMessage = "Transcription connection lost. Please restart the recording."

// Transition outcomes recorded in metrics
const (
	outcomeOK       = "ok"
	outcomeRejected = "rejected"
	outcomeError    = "error"
)

// Config contains configuration for the recording service
type Config struct {
	// Timeout bounds each store operation of a transition
	Timeout time.Duration
	// Now defaults to time.Now
	Now func() time.Time
}

// Service runs the recording state machine for all visits
type Service struct {
	store       store.VisitStore
	streams     StreamFactory
	broadcaster Broadcaster
	utterances  UtteranceStore
	notes       NoteGenerator
	logger      *slog.Logger
	metrics     *metrics.Metrics
	config      Config

	locks *visitLocks

	mu       sync.Mutex
	sessions map[string]*session
	owners   map[string]owner
}

// NewService creates a recording service. notes may be nil.
func NewService(visits store.VisitStore, streams StreamFactory, broadcaster Broadcaster, utterances UtteranceStore, notes NoteGenerator, logger *slog.Logger, m *metrics.Metrics, config Config) *Service {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Service{
		store:       visits,
		streams:     streams,
		broadcaster: broadcaster,
		utterances:  utterances,
		notes:       notes,
		logger:      logger,
		metrics:     m,
		config:      config,
		locks:       newVisitLocks(),
		sessions:    make(map[string]*session),
		owners:      make(map[string]owner),
	}
}

// Start begins recording a visit that has not been recorded yet
func (s *Service) Start(ctx context.Context, req Request) (*store.Visit, error) {
	unlock := s.locks.lock(req.VisitID)
	defer unlock()

	visit, err := s.load(ctx, req, protocol.EventStartRecording)
	if err != nil {
		return nil, err
	}
	if s.active(req.VisitID) {
		return nil, s.reject(protocol.EventStartRecording, fmt.Errorf("start visit %s: %w", req.VisitID, ErrAlreadyActive))
	}
	if visit.Status != store.StatusNotStarted {
		return nil, s.reject(protocol.EventStartRecording, invalid("start", visit))
	}

	now := s.config.Now().UTC()
	updated, err := s.update(ctx, protocol.EventStartRecording, req.VisitID, store.VisitUpdate{
		Status:             store.StatusPtr(store.StatusRecording),
		RecordingStartedAt: store.TimePtr(now),
	})
	if err != nil {
		return nil, err
	}

	s.open(ctx, req, now)
	s.finishTransition(protocol.EventStartRecording, req, updated)

	return updated, nil
}

// Pause stops a recording visit, adding the elapsed time to its duration
func (s *Service) Pause(ctx context.Context, req Request) (*store.Visit, error) {
	unlock := s.locks.lock(req.VisitID)
	defer unlock()

	return s.pause(ctx, req)
}

// Resume restarts a paused visit with a fresh duration anchor
func (s *Service) Resume(ctx context.Context, req Request) (*store.Visit, error) {
	unlock := s.locks.lock(req.VisitID)
	defer unlock()

	visit, err := s.load(ctx, req, protocol.EventResumeRecording)
	if err != nil {
		return nil, err
	}
	if visit.Status != store.StatusPaused {
		return nil, s.reject(protocol.EventResumeRecording, invalid("resume", visit))
	}
	if s.active(req.VisitID) {
		return nil, s.reject(protocol.EventResumeRecording, fmt.Errorf("resume visit %s: %w", req.VisitID, ErrAlreadyActive))
	}

	now := s.config.Now().UTC()
	updated, err := s.update(ctx, protocol.EventResumeRecording, req.VisitID, store.VisitUpdate{
		Status:             store.StatusPtr(store.StatusRecording),
		RecordingStartedAt: store.TimePtr(now),
	})
	if err != nil {
		return nil, err
	}

	s.open(ctx, req, now)
	s.finishTransition(protocol.EventResumeRecording, req, updated)

	return updated, nil
}

// Finish ends the recording of a visit. With note generation enabled the
// visit waits in GENERATING_NOTE until the note is stored.
func (s *Service) Finish(ctx context.Context, req Request) (*store.Visit, error) {
	unlock := s.locks.lock(req.VisitID)
	defer unlock()

	visit, err := s.load(ctx, req, protocol.EventFinishRecording)
	if err != nil {
		return nil, err
	}
	if visit.Status != store.StatusRecording && visit.Status != store.StatusPaused {
		return nil, s.reject(protocol.EventFinishRecording, invalid("finish", visit))
	}

	s.close(req.VisitID)

	generating := s.notes != nil && s.notes.Enabled()
	status := store.StatusFinished
	if generating {
		status = store.StatusGeneratingNote
	}

	now := s.config.Now().UTC()
	update := store.VisitUpdate{
		Status:              store.StatusPtr(status),
		RecordingFinishedAt: store.TimePtr(now),
	}
	if visit.Status == store.StatusRecording {
		update.RecordingDuration = store.DurationPtr(visit.RecordingDuration + elapsed(visit.RecordingStartedAt, now))
	}

	updated, err := s.update(ctx, protocol.EventFinishRecording, req.VisitID, update)
	if err != nil {
		return nil, err
	}

	s.finishTransition(protocol.EventFinishRecording, req, updated)

	if generating {
		s.notes.Generate(req.VisitID, req.UserID, req.ConnectionID)
	}

	return updated, nil
}

// SendAudio forwards one audio frame to the visit's speech stream. Frames
// the stream cannot deliver are dropped silently.
func (s *Service) SendAudio(visitID, userID string, frame []byte) error {
	s.mu.Lock()
	sess, ok := s.sessions[visitID]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("audio for visit %s: %w", visitID, ErrNoActiveSession)
	}
	if sess.userID != userID {
		return fmt.Errorf("audio for visit %s: %w", visitID, ErrForbidden)
	}

	sess.stream.SendAudio(frame)
	return nil
}

// HandleDisconnect pauses every visit still recording on behalf of a closed
// client connection
func (s *Service) HandleDisconnect(ctx context.Context, connectionID, userID string) {
	for _, visitID := range s.ownedBy(connectionID) {
		req := Request{VisitID: visitID, UserID: userID, ConnectionID: connectionID}
		s.implicitPause(ctx, req, "Pausing recording after client disconnect")
	}
}

// Stop pauses every recording visit and closes all speech streams
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	reqs := make([]Request, 0, len(s.owners))
	for visitID, o := range s.owners {
		reqs = append(reqs, Request{VisitID: visitID, UserID: o.userID, ConnectionID: o.connectionID})
	}
	s.mu.Unlock()

	for _, req := range reqs {
		s.implicitPause(ctx, req, "Pausing recording on shutdown")
	}

	s.logger.Info("Recording service stopped",
		slog.Int("paused", len(reqs)),
	)
}

// Sessions returns the active recording sessions ordered by visit id
func (s *Service) Sessions() []SessionInfo {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].VisitID < infos[j].VisitID
	})

	return infos
}

// Session returns the active session for a visit
func (s *Service) Session(visitID string) (SessionInfo, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[visitID]
	s.mu.Unlock()

	if !ok {
		return SessionInfo{}, false
	}
	return sess.info(), true
}

// Count returns the number of active sessions
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) implicitPause(ctx context.Context, req Request, msg string) {
	unlock := s.locks.lock(req.VisitID)
	defer unlock()

	s.mu.Lock()
	o, ok := s.owners[req.VisitID]
	s.mu.Unlock()
	if !ok || o.connectionID != req.ConnectionID {
		return
	}

	s.logger.Info(msg,
		slog.String("visit_id", req.VisitID),
		slog.String("connection_id", req.ConnectionID),
	)

	if _, err := s.pause(ctx, req); err != nil {
		s.logger.Warn("Implicit pause failed",
			slog.String("visit_id", req.VisitID),
			slog.String("error", err.Error()),
		)
		// The stream must not outlive its owner even if the visit could not be updated
		s.close(req.VisitID)
	}
}

// pause must be called with the visit lock held
func (s *Service) pause(ctx context.Context, req Request) (*store.Visit, error) {
	visit, err := s.load(ctx, req, protocol.EventPauseRecording)
	if err != nil {
		return nil, err
	}
	if visit.Status != store.StatusRecording {
		return nil, s.reject(protocol.EventPauseRecording, invalid("pause", visit))
	}

	s.close(req.VisitID)

	now := s.config.Now().UTC()
	duration := visit.RecordingDuration + elapsed(visit.RecordingStartedAt, now)

	updated, err := s.update(ctx, protocol.EventPauseRecording, req.VisitID, store.VisitUpdate{
		Status:            store.StatusPtr(store.StatusPaused),
		RecordingDuration: store.DurationPtr(duration),
	})
	if err != nil {
		return nil, err
	}

	s.finishTransition(protocol.EventPauseRecording, req, updated)

	return updated, nil
}

// load reads the visit and checks that the requester owns it
func (s *Service) load(ctx context.Context, req Request, action protocol.EventType) (*store.Visit, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	visit, err := s.store.GetVisit(ctx, req.VisitID)
	if err != nil {
		s.metrics.RecordTransition(string(action), outcomeError)
		return nil, fmt.Errorf("load visit: %w", err)
	}
	if visit.UserID != "" && visit.UserID != req.UserID {
		return nil, s.reject(action, fmt.Errorf("%s visit %s: %w", action, req.VisitID, ErrForbidden))
	}

	return visit, nil
}

func (s *Service) update(ctx context.Context, action protocol.EventType, visitID string, update store.VisitUpdate) (*store.Visit, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	visit, err := s.store.UpdateVisit(ctx, visitID, update)
	if err != nil {
		s.metrics.RecordTransition(string(action), outcomeError)
		return nil, fmt.Errorf("update visit: %w", err)
	}
	return visit, nil
}

func (s *Service) reject(action protocol.EventType, err error) error {
	s.metrics.RecordTransition(string(action), outcomeRejected)
	s.logger.Debug("Rejected recording transition",
		slog.String("action", string(action)),
		slog.String("error", err.Error()),
	)
	return err
}

func (s *Service) finishTransition(action protocol.EventType, req Request, visit *store.Visit) {
	s.metrics.RecordTransition(string(action), outcomeOK)

	delivered := s.broadcaster.Broadcast(req.ConnectionID, req.UserID, protocol.NewVisitEvent(action, visit))

	s.logger.Info("Recording transition",
		slog.String("action", string(action)),
		slog.String("visit_id", visit.ID),
		slog.String("status", string(visit.Status)),
		slog.Duration("recording_duration", visit.RecordingDuration),
		slog.Int("delivered", delivered),
	)
}

func (s *Service) active(visitID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[visitID]
	return ok
}

func (s *Service) ownedBy(connectionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var visitIDs []string
	for visitID, o := range s.owners {
		if o.connectionID == connectionID {
			visitIDs = append(visitIDs, visitID)
		}
	}
	sort.Strings(visitIDs)
	return visitIDs
}

// open creates and connects the speech stream for a visit. It must be called
// with the visit lock held and no session registered.
func (s *Service) open(ctx context.Context, req Request, now time.Time) {
	sess := &session{
		visitID:      req.VisitID,
		userID:       req.UserID,
		connectionID: req.ConnectionID,
		startedAt:    now,
	}
	sess.stream = s.streams(req.VisitID, s.handler(sess))

	s.mu.Lock()
	s.sessions[req.VisitID] = sess
	s.owners[req.VisitID] = owner{userID: req.UserID, connectionID: req.ConnectionID}
	count := len(s.sessions)
	s.mu.Unlock()

	s.metrics.SetActiveRecordings(count)

	if err := sess.stream.Connect(ctx); err != nil {
		s.logger.Error("Failed to open speech stream",
			slog.String("visit_id", req.VisitID),
			slog.String("error", err.Error()),
		)
	}
}

// close disconnects the visit's stream, if any, and waits for buffered
// utterances to be stored
func (s *Service) close(visitID string) {
	s.mu.Lock()
	sess, ok := s.sessions[visitID]
	delete(s.sessions, visitID)
	delete(s.owners, visitID)
	count := len(s.sessions)
	s.mu.Unlock()

	s.metrics.SetActiveRecordings(count)

	if ok {
		sess.stream.Disconnect()
	}
}

// handler binds stream output to the session's visit and owner
func (s *Service) handler(sess *session) speech.Handler {
	return speech.Handler{
		OnOpen: func() {
			ready := protocol.Ready{Status: protocol.StatusReady, VisitID: sess.visitID}
			if err := s.broadcaster.Send(sess.connectionID, sess.userID, ready); err != nil {
				s.logger.Debug("Could not deliver ready signal",
					slog.String("visit_id", sess.visitID),
					slog.String("error", err.Error()),
				)
			}
		},
		OnInterim: func(text string) {
			s.broadcaster.Broadcast("", sess.userID, protocol.NewInterimEvent(sess.visitID, text))
		},
		OnUtterance: func(text string, ts time.Time) {
			line, ok := s.utterances.Store(context.Background(), sess.visitID, text, ts)
			if !ok {
				return
			}
			s.broadcaster.Broadcast("", sess.userID, protocol.NewTranscriptEvent(sess.visitID, line, ts))
		},
		OnFailure: func(err error) {
			// Runs on the stream's dispatch goroutine, which Disconnect waits for
			go s.handleStreamFailure(sess, err)
		},
	}
}

// handleStreamFailure drops an abandoned session and tells the user. The
// visit status is left unchanged.
func (s *Service) handleStreamFailure(sess *session, err error) {
	s.mu.Lock()
	current := s.sessions[sess.visitID] == sess
	if current {
		delete(s.sessions, sess.visitID)
	}
	count := len(s.sessions)
	s.mu.Unlock()

	if !current {
		return
	}

	s.metrics.SetActiveRecordings(count)
	sess.stream.Disconnect()

	s.logger.Error("Recording session lost its speech stream",
		slog.String("visit_id", sess.visitID),
		slog.String("error", err.Error()),
	)

	s.broadcaster.Broadcast(sess.connectionID, sess.userID, protocol.NewErrorEvent(sess.visitID, StreamLostMessage))
}

func invalid(action string, visit *store.Visit) error {
	return fmt.Errorf("%w: cannot %s visit %s in status %s", ErrInvalidTransition, action, visit.ID, visit.Status)
}
