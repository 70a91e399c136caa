package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/metrics"
)

var (
	// ErrStreamClosed is returned when connecting a stream that was disconnected
	ErrStreamClosed = errors.New("speech stream closed")

	// ErrReconnectExhausted is reported to Handler.OnFailure once every
	// reconnection attempt has failed
	ErrReconnectExhausted = errors.New("speech stream reconnection attempts exhausted")

	errRemoteClosed = errors.New("remote stream closed")
)

const queueSize = 256

// Handler receives stream output. Callbacks run on the stream's dispatch
// goroutine one at a time and must not call Disconnect synchronously.
type Handler struct {
	// OnOpen is called each time the remote connection is established
	OnOpen func()
	// OnInterim is called with provisional text that is not buffered
	OnInterim func(text string)
	// OnUtterance is called with each finalized utterance
	OnUtterance func(text string, ts time.Time)
	// OnFailure is called once when the stream is abandoned
	OnFailure func(err error)
}

// StreamConfig contains configuration for a speech stream
type StreamConfig struct {
	Options      Options
	KeepAlive    KeepAlivePolicy // zero uses the provider default
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	CloseTimeout time.Duration

	// Now and Wait default to time.Now and SleepContext
	Now  func() time.Time
	Wait func(ctx context.Context, d time.Duration) error
}

func (c *StreamConfig) applyDefaults(provider Provider) {
	if c.Options.SampleRate == 0 {
		c.Options = DefaultOptions()
	}
	if c.KeepAlive.Interval <= 0 {
		c.KeepAlive = provider.KeepAlive()
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Wait == nil {
		c.Wait = SleepContext
	}
}

// SessionInfo is a snapshot of stream state for monitoring APIs
type SessionInfo struct {
	VisitID           string        `json:"visit_id"`
	Provider          string        `json:"provider"`
	Connected         bool          `json:"connected"`
	Reconnecting      bool          `json:"reconnecting"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
	ReconnectDelay    time.Duration `json:"reconnect_delay"`
	LastAudioSentAt   time.Time     `json:"last_audio_sent_at"`
	Failed            bool          `json:"failed"`
	Closed            bool          `json:"closed"`
}

type itemKind int

const (
	itemEvent itemKind = iota
	itemOpen
	itemDropped
	itemFailed
	itemStop
)

// item is one entry of the stream's event queue
type item struct {
	kind  itemKind
	gen   uint64
	event Event
	err   error
}

// Stream is one recording session's connection to the speech service
type Stream struct {
	visitID  string
	provider Provider
	config   StreamConfig
	handler  Handler
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu                sync.Mutex
	conn              Conn
	generation        uint64
	started           bool
	connected         bool
	reconnecting      bool
	reconnectAttempts int
	reconnectDelay    time.Duration
	lastAudioSentAt   time.Time
	failed            bool
	closed            bool
	keepAliveCancel   context.CancelFunc

	// fragments is only touched by the dispatch goroutine
	fragments []string

	queue      chan item
	done       chan struct{}
	forwarders sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewStream creates a stream for visitID. Nothing is dialed until Connect.
func NewStream(visitID string, provider Provider, config StreamConfig, handler Handler, logger *slog.Logger, m *metrics.Metrics) *Stream {
	config.applyDefaults(provider)
	ctx, cancel := context.WithCancel(context.Background())

	return &Stream{
		visitID:        visitID,
		provider:       provider,
		config:         config,
		handler:        handler,
		logger:         logger.With(slog.String("visit_id", visitID), slog.String("provider", provider.Name())),
		metrics:        m,
		reconnectDelay: config.BaseDelay,
		queue:          make(chan item, queueSize),
		done:           make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Connect opens the remote stream. A failed dial is not returned to the
// caller; the stream enters reconnection instead. Connect only fails when
// the stream has already been disconnected.
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	if !s.started {
		s.started = true
		go s.dispatchLoop()
	}
	if s.connected || s.reconnecting || s.failed {
		s.mu.Unlock()
		return nil
	}
	s.reconnecting = true
	s.mu.Unlock()

	if err := s.dial(ctx); err != nil {
		if errors.Is(err, ErrStreamClosed) {
			return err
		}
		s.logger.Warn("Speech stream connect failed, reconnecting",
			slog.String("error", err.Error()),
		)
		go s.reconnectLoop(nil)
	}

	return nil
}

// SendAudio forwards one frame to the remote stream. It returns false when
// the frame was dropped because the stream is not connected or the send
// failed; in both cases reconnection is triggered if possible.
func (s *Stream) SendAudio(frame []byte) bool {
	s.mu.Lock()
	if s.closed || s.failed {
		s.mu.Unlock()
		s.metrics.RecordAudioFrame(len(frame), false)
		return false
	}
	if !s.connected {
		s.mu.Unlock()
		s.metrics.RecordAudioFrame(len(frame), false)
		s.triggerReconnect(nil)
		return false
	}
	conn := s.conn
	gen := s.generation
	s.mu.Unlock()

	if err := conn.SendAudio(frame); err != nil {
		s.metrics.RecordAudioFrame(len(frame), false)
		s.handleDrop(gen, fmt.Errorf("send audio: %w", err))
		return false
	}

	s.mu.Lock()
	s.lastAudioSentAt = s.config.Now()
	s.mu.Unlock()

	s.metrics.RecordAudioFrame(len(frame), true)
	return true
}

// Disconnect stops the keep-alive loop, closes the remote stream and waits
// for queued events to be applied. Final fragments still buffered are
// flushed as one last utterance. Disconnect is idempotent.
func (s *Stream) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	wasConnected := s.connected
	s.connected = false
	if s.keepAliveCancel != nil {
		s.keepAliveCancel()
		s.keepAliveCancel = nil
	}
	started := s.started
	s.mu.Unlock()

	// Abort reconnect waits and in-flight dials
	s.cancel()

	if conn != nil {
		s.closeConn(conn)
	}
	if wasConnected {
		s.metrics.SpeechStreamClosed()
	}

	s.forwarders.Wait()

	if started {
		s.enqueue(item{kind: itemStop})
		<-s.done
	}

	s.logger.Info("Speech stream disconnected")
}

// Info returns a snapshot of the stream state
func (s *Stream) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionInfo{
		VisitID:           s.visitID,
		Provider:          s.provider.Name(),
		Connected:         s.connected,
		Reconnecting:      s.reconnecting,
		ReconnectAttempts: s.reconnectAttempts,
		ReconnectDelay:    s.reconnectDelay,
		LastAudioSentAt:   s.lastAudioSentAt,
		Failed:            s.failed,
		Closed:            s.closed,
	}
}

// dial opens one connection and starts its forwarder and keep-alive loop.
// The caller must hold the reconnecting guard; it is released on success.
func (s *Stream) dial(ctx context.Context) error {
	conn, err := s.provider.Dial(ctx, s.config.Options)
	s.metrics.RecordSpeechConnect(s.provider.Name(), err == nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.provider.Name(), err)
	}

	s.mu.Lock()
	if s.closed {
		s.reconnecting = false
		s.mu.Unlock()
		s.closeConn(conn)
		return ErrStreamClosed
	}
	s.generation++
	gen := s.generation
	s.conn = conn
	s.connected = true
	s.reconnecting = false
	s.reconnectAttempts = 0
	s.reconnectDelay = s.config.BaseDelay
	s.lastAudioSentAt = s.config.Now()
	keepAliveCtx, keepAliveCancel := context.WithCancel(s.ctx)
	s.keepAliveCancel = keepAliveCancel
	s.forwarders.Add(1)
	s.mu.Unlock()

	s.metrics.SpeechStreamOpened()

	s.enqueue(item{kind: itemOpen, gen: gen})
	go s.forward(gen, conn)
	go s.keepAliveLoop(keepAliveCtx, gen, conn)

	s.logger.Info("Speech stream connected",
		slog.Uint64("generation", gen),
	)

	return nil
}

// triggerReconnect starts the reconnect loop unless one is already running
func (s *Stream) triggerReconnect(stale Conn) {
	s.mu.Lock()
	if s.closed || s.failed || s.reconnecting || s.connected {
		s.mu.Unlock()
		if stale != nil {
			s.closeConn(stale)
		}
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	go s.reconnectLoop(stale)
}

// reconnectLoop makes up to MaxAttempts attempts, waiting Backoff(n) before
// attempt n. When every attempt fails the stream is abandoned and
// Handler.OnFailure is notified.
func (s *Stream) reconnectLoop(stale Conn) {
	if stale != nil {
		s.closeConn(stale)
	}

	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		delay := Backoff(attempt, s.config.BaseDelay, s.config.MaxDelay)

		s.mu.Lock()
		if s.closed {
			s.reconnecting = false
			s.mu.Unlock()
			return
		}
		s.reconnectAttempts = attempt
		s.reconnectDelay = delay
		s.mu.Unlock()

		s.logger.Info("Reconnecting speech stream",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", s.config.MaxAttempts),
			slog.Duration("delay", delay),
		)

		if err := s.config.Wait(s.ctx, delay); err != nil {
			s.mu.Lock()
			s.reconnecting = false
			s.mu.Unlock()
			return
		}

		s.metrics.RecordReconnectAttempt()

		err := s.dial(s.ctx)
		if err == nil {
			return
		}
		if errors.Is(err, ErrStreamClosed) {
			return
		}

		s.logger.Warn("Speech stream reconnect failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	if s.closed {
		s.reconnecting = false
		s.mu.Unlock()
		return
	}
	s.failed = true
	s.reconnecting = false
	s.mu.Unlock()

	s.metrics.RecordReconnectExhausted()
	s.logger.Error("Speech stream abandoned",
		slog.Int("attempts", s.config.MaxAttempts),
	)

	s.enqueue(item{
		kind: itemFailed,
		err:  fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, s.config.MaxAttempts),
	})
}

// handleDrop marks the connection of generation gen as lost and triggers
// reconnection. Drops reported for an older connection are ignored.
func (s *Stream) handleDrop(gen uint64, cause error) {
	s.mu.Lock()
	if s.closed || !s.connected || gen != s.generation {
		s.mu.Unlock()
		return
	}
	stale := s.conn
	s.conn = nil
	s.connected = false
	if s.keepAliveCancel != nil {
		s.keepAliveCancel()
		s.keepAliveCancel = nil
	}
	s.mu.Unlock()

	s.metrics.SpeechStreamClosed()
	s.logger.Warn("Speech stream connection lost",
		slog.Uint64("generation", gen),
		slog.String("error", cause.Error()),
	)

	s.triggerReconnect(stale)
}

// forward copies vendor events into the stream queue
func (s *Stream) forward(gen uint64, conn Conn) {
	defer s.forwarders.Done()

	for event := range conn.Events() {
		s.enqueue(item{kind: itemEvent, gen: gen, event: event})
	}
	s.enqueue(item{kind: itemDropped, gen: gen})
}

// keepAliveLoop sends silence while the connection is idle
func (s *Stream) keepAliveLoop(ctx context.Context, gen uint64, conn Conn) {
	ticker := time.NewTicker(s.config.KeepAlive.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			s.mu.Lock()
			idle := s.config.Now().Sub(s.lastAudioSentAt)
			current := s.connected && gen == s.generation
			s.mu.Unlock()

			if !current {
				return
			}
			if s.config.KeepAlive.IdleThreshold > 0 && idle <= s.config.KeepAlive.IdleThreshold {
				continue
			}

			if err := conn.KeepAlive(); err != nil {
				s.handleDrop(gen, fmt.Errorf("keep-alive: %w", err))
				return
			}

			s.mu.Lock()
			s.lastAudioSentAt = s.config.Now()
			s.mu.Unlock()

			s.metrics.RecordKeepAlive()
			s.logger.Debug("Sent speech keep-alive",
				slog.Duration("idle", idle),
			)
		}
	}
}

// enqueue adds an item unless the dispatch loop has already exited
func (s *Stream) enqueue(it item) {
	select {
	case s.queue <- it:
	case <-s.done:
	}
}

// dispatchLoop is the single consumer of the stream queue
func (s *Stream) dispatchLoop() {
	defer close(s.done)

	for it := range s.queue {
		switch it.kind {
		case itemStop:
			s.flush()
			return

		case itemOpen:
			if s.handler.OnOpen != nil {
				s.handler.OnOpen()
			}

		case itemEvent:
			s.apply(it.event)

		case itemDropped:
			s.handleDrop(it.gen, errRemoteClosed)

		case itemFailed:
			s.flush()
			if s.handler.OnFailure != nil {
				s.handler.OnFailure(it.err)
			}
		}
	}
}

// apply handles one vendor event
func (s *Stream) apply(event Event) {
	switch event.Type {
	case EventTranscript:
		if !event.IsFinal {
			if event.Text != "" && s.handler.OnInterim != nil {
				s.handler.OnInterim(event.Text)
			}
			return
		}

		if event.Text != "" {
			s.fragments = append(s.fragments, event.Text)
		}
		if event.SpeechFinal {
			s.flush()
		}

	case EventUtteranceEnd:
		s.flush()

	case EventError:
		msg := "unknown error"
		if event.Err != nil {
			msg = event.Err.Error()
		}
		s.logger.Warn("Speech service reported an error",
			slog.String("error", msg),
		)
	}
}

// flush joins buffered final fragments into one utterance
func (s *Stream) flush() {
	if len(s.fragments) == 0 {
		return
	}

	text := strings.Join(s.fragments, " ")
	s.fragments = nil

	if s.handler.OnUtterance != nil {
		s.handler.OnUtterance(text, s.config.Now().UTC())
	}
}

// closeConn closes a connection, waiting at most CloseTimeout for the vendor
// to finish the stream
func (s *Stream) closeConn(conn Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.CloseTimeout)
	defer cancel()

	if err := conn.Close(ctx); err != nil {
		s.logger.Debug("Error closing speech connection",
			slog.String("error", err.Error()),
		)
	}
}
