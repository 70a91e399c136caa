package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/protocol"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/recording"
)

const (
	userIDHeader   = "X-User-ID"
	maxMessageSize = 1 << 20
)

var errConnClosed = errors.New("connection closed")

// clientConn is a client WebSocket registered with the broadcast manager.
// Writes are serialized; Closed reports a lost or closed transport.
type clientConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func newClientConn(conn *websocket.Conn, writeTimeout time.Duration) *clientConn {
	return &clientConn{conn: conn, writeTimeout: writeTimeout}
}

// Send writes one JSON message
func (c *clientConn) Send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return errConnClosed
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		c.closed.Store(true)
		return err
	}
	return nil
}

// Close sends a close frame and closes the socket; repeated calls are no-ops
func (c *clientConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeTimeout))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

// Closed reports whether the connection is no longer usable
func (c *clientConn) Closed() bool {
	return c.closed.Load()
}

func (c *clientConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return errConnClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// keepAlive pings the client until ctx is done. A failed ping marks the
// connection closed so the health check prunes it.
func (c *clientConn) keepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.closed.Store(true)
				return
			}
		}
	}
}

// userID extracts the caller's user id. Authentication happens upstream.
func userID(r *http.Request) string {
	if id := r.URL.Query().Get("user_id"); id != "" {
		return id
	}
	return r.Header.Get(userIDHeader)
}

func (h *HTTPServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.config.Server.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.config.Server.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// prepare sets read limits and the pong deadline on an upgraded connection.
// A zero pong wait means pings are disabled and reads never time out.
func (h *HTTPServer) prepare(conn *websocket.Conn) time.Duration {
	conn.SetReadLimit(maxMessageSize)

	pongWait := 2 * h.config.Broadcast.GetPingIntervalDuration()
	if pongWait <= 0 {
		return 0
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return pongWait
}

func extendDeadline(conn *websocket.Conn, pongWait time.Duration) {
	if pongWait > 0 {
		conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// handleControl implements the /ws control endpoint
func (h *HTTPServer) handleControl(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		http.Error(w, "user_id required", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("error", err.Error()),
		)
		return
	}

	connectionID := uuid.New().String()
	conn := newClientConn(ws, h.config.Broadcast.GetWriteTimeoutDuration())
	pongWait := h.prepare(ws)

	h.clients.Connect(conn, connectionID, user)

	ctx, cancel := context.WithCancel(context.Background())
	go conn.keepAlive(ctx, h.config.Broadcast.GetPingIntervalDuration())

	defer func() {
		cancel()
		h.clients.Disconnect(connectionID, user)
		h.recordings.HandleDisconnect(context.Background(), connectionID, user)
	}()

	for {
		messageType, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Info("Client connection lost",
					slog.String("connection_id", connectionID),
					slog.String("user_id", user),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		extendDeadline(ws, pongWait)
		h.clients.Touch(connectionID, user)

		if messageType != websocket.TextMessage {
			continue
		}

		h.handleCommand(ctx, conn, connectionID, user, payload)
	}
}

// handleCommand executes one control command. Errors are reported only to
// the requesting connection.
func (h *HTTPServer) handleCommand(ctx context.Context, conn *clientConn, connectionID, user string, payload []byte) {
	cmd, err := protocol.ParseCommand(payload)
	if cmd == nil {
		h.sendError(conn, "", err)
		return
	}
	if err != nil {
		h.sendError(conn, cmd.Data.VisitID, err)
		return
	}

	req := recording.Request{
		VisitID:      cmd.Data.VisitID,
		UserID:       user,
		ConnectionID: connectionID,
	}

	switch cmd.Type {
	case protocol.CommandPing:
		conn.Send(protocol.Event{Type: protocol.EventPong, WasRequested: true})

	case protocol.CommandStartRecording:
		_, err = h.recordings.Start(ctx, req)

	case protocol.CommandPauseRecording:
		_, err = h.recordings.Pause(ctx, req)

	case protocol.CommandResumeRecording:
		_, err = h.recordings.Resume(ctx, req)

	case protocol.CommandFinishRecording:
		_, err = h.recordings.Finish(ctx, req)

	case protocol.CommandAudioChunk:
		var frame []byte
		frame, err = cmd.AudioFrame()
		if err == nil {
			err = h.forwardAudio(cmd.Data.VisitID, user, frame)
		}
		if errors.Is(err, recording.ErrNoActiveSession) {
			h.metrics.RecordAudioFrame(len(frame), false)
			err = nil
		}
	}

	if err != nil {
		h.sendError(conn, cmd.Data.VisitID, err)
	}
}

// forwardAudio validates a frame and hands it to the visit's recording.
// Misaligned frames are dropped.
func (h *HTTPServer) forwardAudio(visitID, user string, frame []byte) error {
	if err := h.format.ValidateFrame(frame); err != nil {
		h.metrics.RecordAudioFrame(len(frame), false)
		h.logger.Debug("Dropping invalid audio frame",
			slog.String("visit_id", visitID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return h.recordings.SendAudio(visitID, user, frame)
}

func (h *HTTPServer) sendError(conn *clientConn, visitID string, err error) {
	h.logger.Debug("Command rejected",
		slog.String("visit_id", visitID),
		slog.String("error", err.Error()),
	)
	event := protocol.NewErrorEvent(visitID, err.Error()).ForConnection(true)
	if sendErr := conn.Send(event); sendErr != nil {
		h.logger.Debug("Could not deliver error event",
			slog.String("error", sendErr.Error()),
		)
	}
}

// handleAudio implements the /ws/audio/{visit_id} endpoint
func (h *HTTPServer) handleAudio(w http.ResponseWriter, r *http.Request) {
	visitID := strings.Trim(r.URL.Path[len("/ws/audio/"):], "/")
	if visitID == "" {
		http.Error(w, "Visit ID required", http.StatusBadRequest)
		return
	}
	user := userID(r)
	if user == "" {
		http.Error(w, "user_id required", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("error", err.Error()),
		)
		return
	}

	conn := newClientConn(ws, h.config.Broadcast.GetWriteTimeoutDuration())
	defer conn.Close()
	pongWait := h.prepare(ws)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.keepAlive(ctx, h.config.Broadcast.GetPingIntervalDuration())

	h.logger.Info("Audio stream opened",
		slog.String("visit_id", visitID),
		slog.String("user_id", user),
	)

	var frames int
	for {
		messageType, payload, err := ws.ReadMessage()
		if err != nil {
			h.logger.Info("Audio stream closed",
				slog.String("visit_id", visitID),
				slog.Int("frames", frames),
			)
			return
		}

		extendDeadline(ws, pongWait)

		if messageType != websocket.BinaryMessage {
			continue
		}
		frames++

		err = h.forwardAudio(visitID, user, payload)
		if errors.Is(err, recording.ErrForbidden) {
			h.logger.Warn("Rejecting audio for a visit owned by another user",
				slog.String("visit_id", visitID),
				slog.String("user_id", user),
			)
			return
		}
		if err != nil {
			h.metrics.RecordAudioFrame(len(payload), false)
		}
	}
}
