package broadcast

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/metrics"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/protocol"
)

// fakeConn records delivered messages and can be told to fail
type fakeConn struct {
	mu       sync.Mutex
	messages []any
	failSend bool
	closed   bool
	closes   int
}

func (c *fakeConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return errors.New("broken pipe")
	}
	c.messages = append(c.messages, v)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.closed {
		return errors.New("already closed")
	}
	c.closed = true
	return nil
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) events() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := make([]protocol.Event, 0, len(c.messages))
	for _, m := range c.messages {
		if e, ok := m.(protocol.Event); ok {
			events = append(events, e)
		}
	}
	return events
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	mgr := NewManager(logger, metrics.NewMetrics(prometheus.NewRegistry()), Config{HealthCheckInterval: time.Hour})
	t.Cleanup(mgr.Stop)
	return mgr
}

func TestConnectAndDisconnect(t *testing.T) {
	mgr := newTestManager(t)
	conn := &fakeConn{}

	mgr.Connect(conn, "c1", "u1")
	if mgr.Count() != 1 {
		t.Errorf("Expected 1 connection, got %d", mgr.Count())
	}

	mgr.Disconnect("c1", "u1")
	if mgr.Count() != 0 {
		t.Errorf("Expected 0 connections, got %d", mgr.Count())
	}
	if !conn.Closed() {
		t.Error("Expected disconnect to close the connection")
	}

	// Unknown and repeated disconnects are tolerated
	mgr.Disconnect("c1", "u1")
	mgr.Disconnect("missing", "nobody")
}

func TestDisconnectToleratesClosedHandle(t *testing.T) {
	mgr := newTestManager(t)
	conn := &fakeConn{closed: true}

	mgr.Connect(conn, "c1", "u1")
	mgr.Disconnect("c1", "u1")

	if mgr.Count() != 0 {
		t.Errorf("Expected 0 connections, got %d", mgr.Count())
	}
}

func TestBroadcastTagsRequestingConnection(t *testing.T) {
	mgr := newTestManager(t)
	tabA := &fakeConn{}
	tabB := &fakeConn{}

	mgr.Connect(tabA, "tab-a", "u1")
	mgr.Connect(tabB, "tab-b", "u1")

	delivered := mgr.Broadcast("tab-a", "u1", protocol.Event{Type: protocol.EventPauseRecording})
	if delivered != 2 {
		t.Fatalf("Expected 2 deliveries, got %d", delivered)
	}

	aEvents := tabA.events()
	bEvents := tabB.events()
	if len(aEvents) != 1 || len(bEvents) != 1 {
		t.Fatalf("Expected one event per tab, got %d and %d", len(aEvents), len(bEvents))
	}
	if !aEvents[0].WasRequested {
		t.Error("Expected was_requested=true on the requesting tab")
	}
	if bEvents[0].WasRequested {
		t.Error("Expected was_requested=false on the other tab")
	}
	if aEvents[0].Type != protocol.EventPauseRecording || bEvents[0].Type != protocol.EventPauseRecording {
		t.Error("Expected pause_recording on both tabs")
	}
}

func TestBroadcastIsolatesUsers(t *testing.T) {
	mgr := newTestManager(t)
	mine := &fakeConn{}
	theirs := &fakeConn{}

	mgr.Connect(mine, "c1", "u1")
	mgr.Connect(theirs, "c2", "u2")

	mgr.Broadcast("c1", "u1", protocol.Event{Type: protocol.EventStartRecording})

	if len(theirs.events()) != 0 {
		t.Errorf("Expected no events for another user, got %d", len(theirs.events()))
	}
	if len(mine.events()) != 1 {
		t.Errorf("Expected 1 event, got %d", len(mine.events()))
	}
}

func TestBroadcastWithoutRequester(t *testing.T) {
	mgr := newTestManager(t)
	conn := &fakeConn{}
	mgr.Connect(conn, "c1", "u1")

	mgr.Broadcast("", "u1", protocol.NewErrorEvent("v1", "stream lost"))

	events := conn.events()
	if len(events) != 1 || events[0].WasRequested {
		t.Errorf("Expected one unrequested event, got %+v", events)
	}
}

func TestBroadcastRemovesFailedConnection(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	m := metrics.NewMetrics(prometheus.NewRegistry())
	mgr := NewManager(logger, m, Config{HealthCheckInterval: time.Hour})
	defer mgr.Stop()

	healthy := &fakeConn{}
	broken := &fakeConn{failSend: true}
	mgr.Connect(healthy, "ok", "u1")
	mgr.Connect(broken, "bad", "u1")

	delivered := mgr.Broadcast("ok", "u1", protocol.Event{Type: protocol.EventResumeRecording})
	if delivered != 1 {
		t.Errorf("Expected 1 delivery, got %d", delivered)
	}
	if mgr.UserCount("u1") != 1 {
		t.Errorf("Expected failed connection to be removed, got %d connections", mgr.UserCount("u1"))
	}
	if !broken.Closed() {
		t.Error("Expected failed connection to be closed")
	}

	// The failed connection is not attempted again
	broken.mu.Lock()
	broken.failSend = false
	broken.mu.Unlock()

	mgr.Broadcast("ok", "u1", protocol.Event{Type: protocol.EventPauseRecording})
	if len(broken.events()) != 0 {
		t.Errorf("Expected no delivery to removed connection, got %d", len(broken.events()))
	}
	if len(healthy.events()) != 2 {
		t.Errorf("Expected 2 events on healthy connection, got %d", len(healthy.events()))
	}

	if got := testutil.ToFloat64(m.BroadcastFailures); got != 1 {
		t.Errorf("Expected 1 recorded failure, got %v", got)
	}
}

func TestSendSingleConnection(t *testing.T) {
	mgr := newTestManager(t)
	owner := &fakeConn{}
	other := &fakeConn{}
	mgr.Connect(owner, "c1", "u1")
	mgr.Connect(other, "c2", "u1")

	if err := mgr.Send("c1", "u1", protocol.Ready{Status: protocol.StatusReady}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	owner.mu.Lock()
	count := len(owner.messages)
	owner.mu.Unlock()
	if count != 1 {
		t.Errorf("Expected 1 message for owner, got %d", count)
	}

	other.mu.Lock()
	count = len(other.messages)
	other.mu.Unlock()
	if count != 0 {
		t.Errorf("Expected no message for other connection, got %d", count)
	}

	if err := mgr.Send("missing", "u1", "x"); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("Expected ErrConnectionNotFound, got %v", err)
	}
}

func TestHealthCheckRemovesClosedConnections(t *testing.T) {
	mgr := newTestManager(t)
	alive := &fakeConn{}
	dead := &fakeConn{}

	mgr.Connect(alive, "alive", "u1")
	mgr.Connect(dead, "dead", "u1")

	// Transport died without a failed write
	dead.mu.Lock()
	dead.closed = true
	dead.mu.Unlock()

	if removed := mgr.checkConnections(); removed != 1 {
		t.Errorf("Expected 1 removal, got %d", removed)
	}
	if mgr.UserCount("u1") != 1 {
		t.Errorf("Expected 1 remaining connection, got %d", mgr.UserCount("u1"))
	}
}

func TestHealthCheckRoutineRuns(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	mgr := NewManager(logger, nil, Config{HealthCheckInterval: 10 * time.Millisecond})
	defer mgr.Stop()

	mgr.Connect(&fakeConn{closed: true}, "dead", "u1")

	deadline := time.Now().Add(2 * time.Second)
	for mgr.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Expected health check routine to prune the closed connection")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReusedConnectionIDNotRemovedByStaleFailure(t *testing.T) {
	mgr := newTestManager(t)
	old := &fakeConn{}
	mgr.Connect(old, "c1", "u1")

	mgr.mu.RLock()
	stale := mgr.clients["u1"]["c1"]
	mgr.mu.RUnlock()

	replacement := &fakeConn{}
	mgr.Connect(replacement, "c1", "u1")

	if mgr.remove("c1", "u1", stale) != nil {
		t.Error("Expected stale removal to be ignored")
	}
	if mgr.UserCount("u1") != 1 {
		t.Errorf("Expected replacement to stay registered")
	}
}

func TestConcurrentBroadcastAndConnect(t *testing.T) {
	mgr := newTestManager(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", n)
			mgr.Connect(&fakeConn{failSend: n%3 == 0}, id, "u1")
			mgr.Touch(id, "u1")
		}(i)
		go func() {
			defer wg.Done()
			mgr.Broadcast("", "u1", protocol.Event{Type: protocol.EventTranscript})
		}()
	}
	wg.Wait()

	mgr.Broadcast("", "u1", protocol.Event{Type: protocol.EventTranscript})

	// Connections 0, 3, 6, 9 fail and are pruned
	if mgr.UserCount("u1") != 6 {
		t.Errorf("Expected 6 healthy connections, got %d", mgr.UserCount("u1"))
	}
	if len(mgr.Connections()) != 6 {
		t.Errorf("Expected 6 connection infos, got %d", len(mgr.Connections()))
	}
}
