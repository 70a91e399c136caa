package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/metrics"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/protocol"
)

// ErrConnectionNotFound is returned by Send for an unregistered connection
var ErrConnectionNotFound = errors.New("connection not found")

// DefaultHealthCheckInterval is used when Config.HealthCheckInterval is zero
const DefaultHealthCheckInterval = 30 * time.Second

// Conn is a client transport able to deliver JSON messages
type Conn interface {
	// Send delivers one message; an error means the connection is unusable
	Send(v any) error
	// Close closes the transport; it must tolerate repeated calls
	Close() error
	// Closed reports whether the transport has been closed or lost
	Closed() bool
}

// Config contains configuration for the broadcast manager
type Config struct {
	HealthCheckInterval time.Duration
}

// client is one registered connection
type client struct {
	conn         Conn
	connectedAt  time.Time
	lastActivity time.Time
}

// ConnectionInfo describes a registered connection for monitoring APIs
type ConnectionInfo struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Manager is the registry of open client connections keyed by user
type Manager struct {
	clients map[string]map[string]*client // userID -> connectionID -> client
	mu      sync.RWMutex
	logger  *slog.Logger
	metrics *metrics.Metrics

	interval time.Duration
	now      func() time.Time

	// Health check management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a new broadcast manager and starts its health check loop
func NewManager(logger *slog.Logger, m *metrics.Metrics, config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	interval := config.HealthCheckInterval
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}

	mgr := &Manager{
		clients:  make(map[string]map[string]*client),
		logger:   logger,
		metrics:  m,
		interval: interval,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go mgr.startHealthCheckRoutine()

	return mgr
}

// Connect registers a connection under userID
func (m *Manager) Connect(conn Conn, connectionID, userID string) {
	now := m.now()

	m.mu.Lock()
	userClients, exists := m.clients[userID]
	if !exists {
		userClients = make(map[string]*client)
		m.clients[userID] = userClients
	}
	userClients[connectionID] = &client{
		conn:         conn,
		connectedAt:  now,
		lastActivity: now,
	}
	userCount := len(userClients)
	total := m.countLocked()
	m.mu.Unlock()

	m.metrics.RecordConnectionOpened()
	m.metrics.SetActiveConnections(total)

	m.logger.Info("Client connected",
		slog.String("connection_id", connectionID),
		slog.String("user_id", userID),
		slog.Int("user_connections", userCount),
	)
}

// Disconnect removes a connection and closes its transport. Removing an
// unknown or already closed connection is a no-op.
func (m *Manager) Disconnect(connectionID, userID string) {
	c := m.remove(connectionID, userID, nil)
	if c == nil {
		return
	}

	if err := c.conn.Close(); err != nil {
		m.logger.Debug("Connection already closed",
			slog.String("connection_id", connectionID),
			slog.String("error", err.Error()),
		)
	}

	m.logger.Info("Client disconnected",
		slog.String("connection_id", connectionID),
		slog.String("user_id", userID),
	)
}

// Broadcast delivers event to every connection registered under userID. Only
// the copy sent to requestingConnectionID has WasRequested set. Connections
// whose delivery fails are removed. Returns the number of successful deliveries.
func (m *Manager) Broadcast(requestingConnectionID, userID string, event protocol.Event) int {
	type target struct {
		id     string
		client *client
	}

	m.mu.RLock()
	targets := make([]target, 0, len(m.clients[userID]))
	for id, c := range m.clients[userID] {
		targets = append(targets, target{id: id, client: c})
	}
	m.mu.RUnlock()

	delivered := 0
	failed := 0
	for _, t := range targets {
		msg := event.ForConnection(t.id == requestingConnectionID)
		if err := t.client.conn.Send(msg); err != nil {
			failed++
			m.logger.Warn("Removing failed connection",
				slog.String("connection_id", t.id),
				slog.String("user_id", userID),
				slog.String("event_type", string(event.Type)),
				slog.String("error", err.Error()),
			)
			if removed := m.remove(t.id, userID, t.client); removed != nil {
				removed.conn.Close()
			}
			continue
		}
		delivered++
		m.touch(t.id, userID, t.client)
	}

	m.metrics.RecordBroadcast(string(event.Type), delivered, failed)

	m.logger.Debug("Event broadcast",
		slog.String("event_type", string(event.Type)),
		slog.String("user_id", userID),
		slog.Int("delivered", delivered),
		slog.Int("failed", failed),
	)

	return delivered
}

// Send delivers a message to a single connection. A failed delivery removes
// the connection like Broadcast does.
func (m *Manager) Send(connectionID, userID string, v any) error {
	m.mu.RLock()
	c, exists := m.clients[userID][connectionID]
	m.mu.RUnlock()

	if !exists {
		return ErrConnectionNotFound
	}

	if err := c.conn.Send(v); err != nil {
		m.logger.Warn("Removing failed connection",
			slog.String("connection_id", connectionID),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		if removed := m.remove(connectionID, userID, c); removed != nil {
			removed.conn.Close()
		}
		return err
	}

	m.touch(connectionID, userID, c)
	return nil
}

// Touch records activity on a connection
func (m *Manager) Touch(connectionID, userID string) {
	m.touch(connectionID, userID, nil)
}

// Count returns the total number of registered connections
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countLocked()
}

// UserCount returns the number of connections registered under userID
func (m *Manager) UserCount(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients[userID])
}

// Connections returns a snapshot of all registered connections
func (m *Manager) Connections() []ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]ConnectionInfo, 0, m.countLocked())
	for userID, userClients := range m.clients {
		for id, c := range userClients {
			infos = append(infos, ConnectionInfo{
				ConnectionID: id,
				UserID:       userID,
				ConnectedAt:  c.connectedAt,
				LastActivity: c.lastActivity,
			})
		}
	}

	return infos
}

// Stop stops the health check loop and closes every registered connection
func (m *Manager) Stop() {
	m.logger.Info("Stopping broadcast manager...")

	m.cancel()
	<-m.cleanup

	m.mu.Lock()
	closing := make([]Conn, 0, m.countLocked())
	for _, userClients := range m.clients {
		for _, c := range userClients {
			closing = append(closing, c.conn)
		}
	}
	m.clients = make(map[string]map[string]*client)
	m.mu.Unlock()

	for _, conn := range closing {
		conn.Close()
	}
	m.metrics.SetActiveConnections(0)

	m.logger.Info("Broadcast manager stopped",
		slog.Int("closed_connections", len(closing)),
	)
}

// startHealthCheckRoutine periodically prunes connections that are no longer open
func (m *Manager) startHealthCheckRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("Connection health check routine started",
		slog.Duration("check_interval", m.interval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Connection health check routine stopping")
			return

		case <-ticker.C:
			m.checkConnections()
		}
	}
}

// checkConnections removes every connection whose transport reports closed.
// Returns the number of removed connections.
func (m *Manager) checkConnections() int {
	type dead struct {
		id     string
		userID string
		client *client
	}

	m.mu.RLock()
	var stale []dead
	for userID, userClients := range m.clients {
		for id, c := range userClients {
			if c.conn.Closed() {
				stale = append(stale, dead{id: id, userID: userID, client: c})
			}
		}
	}
	m.mu.RUnlock()

	removed := 0
	for _, d := range stale {
		if m.remove(d.id, d.userID, d.client) != nil {
			removed++
			m.metrics.RecordHealthCheckRemoval()
		}
	}

	if removed > 0 {
		m.logger.Info("Pruned dead connections",
			slog.Int("removed_count", removed),
		)
	}

	return removed
}

// remove deletes a registration. When expected is non-nil the entry is only
// removed if it still refers to the same client, so a reconnect that reused
// the connection ID is left in place.
func (m *Manager) remove(connectionID, userID string, expected *client) *client {
	m.mu.Lock()
	userClients, exists := m.clients[userID]
	if !exists {
		m.mu.Unlock()
		return nil
	}

	c, exists := userClients[connectionID]
	if !exists || (expected != nil && c != expected) {
		m.mu.Unlock()
		return nil
	}

	delete(userClients, connectionID)
	if len(userClients) == 0 {
		delete(m.clients, userID)
	}
	total := m.countLocked()
	m.mu.Unlock()

	m.metrics.RecordConnectionClosed()
	m.metrics.SetActiveConnections(total)

	return c
}

func (m *Manager) touch(connectionID, userID string, expected *client) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.clients[userID][connectionID]
	if !exists || (expected != nil && c != expected) {
		return
	}
	c.lastActivity = now
}

func (m *Manager) countLocked() int {
	total := 0
	for _, userClients := range m.clients {
		total += len(userClients)
	}
	return total
}
