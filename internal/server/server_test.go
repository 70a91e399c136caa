package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/broadcast"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/config"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/metrics"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/notes"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/protocol"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/recording"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/speech"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/store"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/transcript"
)

// fakeStream collects frames forwarded by the recording service
type fakeStream struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeStream) Connect(ctx context.Context) error { return nil }
func (f *fakeStream) Disconnect()                       {}
func (f *fakeStream) Info() speech.SessionInfo          { return speech.SessionInfo{Provider: "fake"} }

func (f *fakeStream) SendAudio(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeStream) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

type testServer struct {
	http    *httptest.Server
	store   *store.MemoryStore
	service *recording.Service

	mu      sync.Mutex
	streams map[string]*fakeStream
}

func (ts *testServer) stream(visitID string) *fakeStream {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.streams[visitID]
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	cfg := config.Default()
	cfg.Speech.APIKey = "secret"

	visits := store.NewMemoryStore()
	visits.Put(&store.Visit{ID: "v1", UserID: "u1"})

	clients := broadcast.NewManager(logger, m, broadcast.Config{HealthCheckInterval: time.Hour})
	t.Cleanup(clients.Stop)

	ts := &testServer{store: visits, streams: make(map[string]*fakeStream)}
	factory := func(visitID string, handler speech.Handler) recording.AudioStream {
		s := &fakeStream{}
		ts.mu.Lock()
		ts.streams[visitID] = s
		ts.mu.Unlock()
		return s
	}

	runner := notes.NewRunner(nil, visits, clients, logger, m, notes.RunnerConfig{})
	assembler := transcript.NewAssembler(visits, logger, m, time.Second)
	ts.service = recording.NewService(visits, factory, clients, assembler, runner, logger, m, recording.Config{Timeout: time.Second})

	srv := NewHTTPServer(cfg, logger, clients, ts.service, runner, m, reg)
	ts.http = httptest.NewServer(srv.Handler())
	t.Cleanup(ts.http.Close)

	return ts
}

func (ts *testServer) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial %s failed: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event protocol.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	return event
}

func sendCommand(t *testing.T, conn *websocket.Conn, cmdType protocol.CommandType, visitID string) {
	t.Helper()
	cmd := protocol.Command{Type: cmdType, Data: protocol.CommandData{VisitID: visitID}}
	if err := conn.WriteJSON(cmd); err != nil {
		t.Fatalf("Failed to send command: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.http.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", body["status"])
	}
}

func TestMonitoringEndpoints(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name           string
		method         string
		path           string
		expectedStatus int
	}{
		{"root", http.MethodGet, "/", http.StatusOK},
		{"unknown path", http.MethodGet, "/nope", http.StatusNotFound},
		{"sessions", http.MethodGet, "/sessions", http.StatusOK},
		{"missing session", http.MethodGet, "/sessions/v1", http.StatusNotFound},
		{"session without id", http.MethodGet, "/sessions/", http.StatusBadRequest},
		{"stats", http.MethodGet, "/stats", http.StatusOK},
		{"config", http.MethodGet, "/config", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"wrong method", http.MethodPost, "/health", http.StatusMethodNotAllowed},
		{"control without user", http.MethodGet, "/ws", http.StatusUnauthorized},
		{"audio without visit", http.MethodGet, "/ws/audio/", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, ts.http.URL+tt.path, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			resp.Body.Close()

			if resp.StatusCode != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, resp.StatusCode)
			}
		})
	}
}

func TestConfigOmitsSecrets(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.http.URL + "/config")
	if err != nil {
		t.Fatalf("GET /config failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if _, ok := body["speech"]["api_key"]; ok {
		t.Error("Expected speech api key to be omitted")
	}
	if body["speech"]["provider"] != config.ProviderDeepgram {
		t.Errorf("Expected provider deepgram, got %v", body["speech"]["provider"])
	}
}

func TestRecordingOverWebSocket(t *testing.T) {
	ts := newTestServer(t)

	tabA := ts.dial(t, "/ws?user_id=u1")

	sendCommand(t, tabA, protocol.CommandStartRecording, "v1")

	event := readEvent(t, tabA)
	if event.Type != protocol.EventStartRecording || !event.WasRequested {
		t.Errorf("Expected requested start_recording, got %+v", event)
	}
	if event.Data["status"] != string(store.StatusRecording) {
		t.Errorf("Expected status RECORDING, got %v", event.Data["status"])
	}

	resp, err := http.Get(ts.http.URL + "/sessions/v1")
	if err != nil {
		t.Fatalf("GET /sessions/v1 failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected active session, got status %d", resp.StatusCode)
	}

	sendCommand(t, tabA, protocol.CommandPauseRecording, "v1")
	event = readEvent(t, tabA)
	if event.Type != protocol.EventPauseRecording || !event.WasRequested {
		t.Errorf("Expected requested pause_recording, got %+v", event)
	}
}

func TestSecondTabReceivesUnrequestedEvent(t *testing.T) {
	ts := newTestServer(t)

	tabA := ts.dial(t, "/ws?user_id=u1")
	tabB := ts.dial(t, "/ws?user_id=u1")

	// Both tabs must be registered before the command is sent
	sendCommand(t, tabB, protocol.CommandPing, "")
	readEvent(t, tabB)
	sendCommand(t, tabA, protocol.CommandPing, "")
	readEvent(t, tabA)

	sendCommand(t, tabA, protocol.CommandStartRecording, "v1")

	eventA := readEvent(t, tabA)
	eventB := readEvent(t, tabB)
	if !eventA.WasRequested {
		t.Error("Expected was_requested=true on tab A")
	}
	if eventB.Type != protocol.EventStartRecording || eventB.WasRequested {
		t.Errorf("Expected unrequested start_recording on tab B, got %+v", eventB)
	}
}

func TestInvalidCommandReturnsError(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "/ws?user_id=u1")

	tests := []struct {
		name    string
		payload string
	}{
		{"malformed json", `{"type":`},
		{"unknown type", `{"type":"dance","data":{}}`},
		{"missing visit", `{"type":"start_recording","data":{}}`},
		{"invalid transition", `{"type":"pause_recording","data":{"visit_id":"v1"}}`},
		{"unknown visit", `{"type":"start_recording","data":{"visit_id":"missing"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.payload)); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			event := readEvent(t, conn)
			if event.Type != protocol.EventError || !event.WasRequested {
				t.Errorf("Expected requested error event, got %+v", event)
			}
			if event.Data["message"] == "" {
				t.Error("Expected error message")
			}
		})
	}
}

func TestAudioEndpointForwardsFrames(t *testing.T) {
	ts := newTestServer(t)
	control := ts.dial(t, "/ws?user_id=u1")

	sendCommand(t, control, protocol.CommandStartRecording, "v1")
	readEvent(t, control)

	audioConn := ts.dial(t, "/ws/audio/v1?user_id=u1")
	audioConn.WriteMessage(websocket.BinaryMessage, make([]byte, 320))
	audioConn.WriteMessage(websocket.BinaryMessage, make([]byte, 321))
	audioConn.WriteMessage(websocket.BinaryMessage, make([]byte, 640))

	waitFor(t, func() bool { return ts.stream("v1").frameCount() == 2 })

	chunk := protocol.Command{
		Type: protocol.CommandAudioChunk,
		Data: protocol.CommandData{VisitID: "v1", Audio: base64.StdEncoding.EncodeToString(make([]byte, 160))},
	}
	if err := control.WriteJSON(chunk); err != nil {
		t.Fatalf("Failed to send audio chunk: %v", err)
	}

	waitFor(t, func() bool { return ts.stream("v1").frameCount() == 3 })
}

func TestAudioEndpointRejectsOtherUser(t *testing.T) {
	ts := newTestServer(t)
	control := ts.dial(t, "/ws?user_id=u1")
	sendCommand(t, control, protocol.CommandStartRecording, "v1")
	readEvent(t, control)

	intruder := ts.dial(t, "/ws/audio/v1?user_id=u2")
	intruder.WriteMessage(websocket.BinaryMessage, make([]byte, 320))

	intruder.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := intruder.ReadMessage(); err == nil {
		t.Error("Expected audio connection of another user to be closed")
	}
	if ts.stream("v1").frameCount() != 0 {
		t.Error("Expected no frames from another user")
	}
}

func TestDisconnectPausesRecording(t *testing.T) {
	ts := newTestServer(t)
	control := ts.dial(t, "/ws?user_id=u1")

	sendCommand(t, control, protocol.CommandStartRecording, "v1")
	readEvent(t, control)

	control.Close()

	waitFor(t, func() bool {
		visit, err := ts.store.GetVisit(context.Background(), "v1")
		return err == nil && visit.Status == store.StatusPaused
	})
	if len(ts.service.Sessions()) != 0 {
		t.Error("Expected session to be closed after disconnect")
	}
}
