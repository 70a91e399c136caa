package speech

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteTimeout = 10 * time.Second
	eventBufferSize     = 64
)

// ParseFunc converts one vendor text message into stream events. done reports
// that the vendor has terminated the session and no more messages follow.
type ParseFunc func(payload []byte) (events []Event, done bool)

// WSConnConfig describes a vendor's WebSocket framing
type WSConnConfig struct {
	Parse          ParseFunc
	CloseMessage   []byte // text message asking the vendor to finish the stream
	KeepAliveFrame []byte // binary frame sent as keep-alive
	WriteTimeout   time.Duration
}

// WSConn adapts a gorilla WebSocket connection to Conn. Writes are
// serialized; a single goroutine reads vendor messages.
type WSConn struct {
	conn   *websocket.Conn
	config WSConnConfig

	events chan Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closing   atomic.Bool
}

// NewWSConn wraps an established connection and starts its read loop
func NewWSConn(conn *websocket.Conn, config WSConnConfig) *WSConn {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaultWriteTimeout
	}

	c := &WSConn{
		conn:   conn,
		config: config,
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
	}

	go c.readLoop()

	return c
}

// Events returns the channel of parsed vendor events
func (c *WSConn) Events() <-chan Event {
	return c.events
}

// SendAudio writes one binary audio frame
func (c *WSConn) SendAudio(frame []byte) error {
	return c.write(websocket.BinaryMessage, frame)
}

// KeepAlive writes the vendor keep-alive frame
func (c *WSConn) KeepAlive() error {
	return c.write(websocket.BinaryMessage, c.config.KeepAliveFrame)
}

// Close sends the vendor close message, waits for the vendor to end the
// session or for ctx to expire, then closes the socket
func (c *WSConn) Close(ctx context.Context) error {
	var closeErr error

	c.closeOnce.Do(func() {
		c.closing.Store(true)

		if len(c.config.CloseMessage) > 0 {
			if err := c.write(websocket.TextMessage, c.config.CloseMessage); err != nil {
				closeErr = fmt.Errorf("send close message: %w", err)
			}
		}

		if closeErr == nil {
			select {
			case <-c.done:
			case <-ctx.Done():
			}
		}

		c.conn.Close()
	})

	<-c.done
	return closeErr
}

func (c *WSConn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func (c *WSConn) readLoop() {
	defer func() {
		close(c.events)
		close(c.done)
	}()

	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closing.Load() && !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				c.events <- Event{Type: EventError, Err: fmt.Errorf("read: %w", err)}
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		events, done := c.config.Parse(payload)
		for _, event := range events {
			c.events <- event
		}
		if done {
			return
		}
	}
}
