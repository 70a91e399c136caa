package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/audio"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/broadcast"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/config"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/metrics"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/notes"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/recording"
)

const (
	serviceName    = "halo-backend"
	serviceVersion = "1.0.0"
)

// HTTPServer provides the client WebSocket endpoints and the monitoring API
type HTTPServer struct {
	server     *http.Server
	handler    http.Handler
	logger     *slog.Logger
	config     *config.Config
	clients    *broadcast.Manager
	recordings *recording.Service
	notes      *notes.Runner
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer

	upgrader websocket.Upgrader
	format   audio.Format

	// Server state
	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server. gatherer serves /metrics.
func NewHTTPServer(appConfig *config.Config, logger *slog.Logger, clients *broadcast.Manager,
	recordings *recording.Service, noteRunner *notes.Runner, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		logger:     logger,
		config:     appConfig,
		clients:    clients,
		recordings: recordings,
		notes:      noteRunner,
		metrics:    m,
		gatherer:   gatherer,
		format: audio.Format{
			SampleRate: appConfig.Speech.SampleRate,
			Channels:   appConfig.Speech.Channels,
			BitDepth:   16,
		},
		startTime: time.Now(),
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", appConfig.Server.Address, appConfig.Server.Port),
		Handler:      mux,
		ReadTimeout:  appConfig.Server.GetReadTimeoutDuration(),
		WriteTimeout: appConfig.Server.GetWriteTimeoutDuration(),
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Client endpoints
	mux.HandleFunc("/ws", h.withMetrics("/ws", h.handleControl))
	mux.HandleFunc("/ws/audio/", h.withMetrics("/ws/audio/{visit_id}", h.handleAudio))

	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Recording session monitoring endpoints
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{visit_id}", h.handleSessionDetail))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the server's request router
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the wrapper
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server. Hijacked WebSocket connections are
// not tracked by Shutdown and are closed by the broadcast manager.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]interface{}{
			"broadcast": map[string]interface{}{
				"status":             "running",
				"active_connections": h.clients.Count(),
			},
			"recording": map[string]interface{}{
				"status":          "running",
				"active_sessions": h.recordings.Count(),
				"speech_provider": h.config.Speech.Provider,
			},
			"notes": map[string]interface{}{
				"enabled": h.notes.Enabled(),
			},
		},
	}

	writeJSON(w, health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.recordings.Sessions()

	writeJSON(w, map[string]interface{}{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	})
}

// handleSessionDetail implements the /sessions/{visit_id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	visitID := strings.Trim(r.URL.Path[len("/sessions/"):], "/")
	if visitID == "" {
		http.Error(w, "Visit ID required", http.StatusBadRequest)
		return
	}

	session, exists := h.recordings.Session(visitID)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, session)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// API keys and the store URI are omitted
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"address":          h.config.Server.Address,
			"port":             h.config.Server.Port,
			"read_timeout":     h.config.Server.ReadTimeout,
			"write_timeout":    h.config.Server.WriteTimeout,
			"shutdown_timeout": h.config.Server.ShutdownTimeout,
			"allowed_origins":  h.config.Server.AllowedOrigins,
		},
		"speech": map[string]interface{}{
			"provider":         h.config.Speech.Provider,
			"base_url":         h.config.Speech.BaseURL,
			"model":            h.config.Speech.Model,
			"language":         h.config.Speech.Language,
			"sample_rate":      h.config.Speech.SampleRate,
			"channels":         h.config.Speech.Channels,
			"encoding":         h.config.Speech.Encoding,
			"diarize":          h.config.Speech.Diarize,
			"utterance_end_ms": h.config.Speech.UtteranceEndMs,
			"close_timeout":    h.config.Speech.CloseTimeout,
			"keep_alive": map[string]interface{}{
				"interval":       h.config.Speech.KeepAlive.Interval,
				"idle_threshold": h.config.Speech.KeepAlive.IdleThreshold,
			},
			"reconnect": map[string]interface{}{
				"max_attempts": h.config.Speech.Reconnect.MaxAttempts,
				"base_delay":   h.config.Speech.Reconnect.BaseDelay,
				"max_delay":    h.config.Speech.Reconnect.MaxDelay,
			},
		},
		"broadcast": map[string]interface{}{
			"health_check_interval": h.config.Broadcast.HealthCheckInterval,
			"ping_interval":         h.config.Broadcast.PingInterval,
			"write_timeout":         h.config.Broadcast.WriteTimeout,
		},
		"store": map[string]interface{}{
			"backend":    h.config.Store.Backend,
			"database":   h.config.Store.Database,
			"collection": h.config.Store.Collection,
			"timeout":    h.config.Store.Timeout,
		},
		"notes": map[string]interface{}{
			"enabled":        h.config.Notes.Enabled,
			"endpoint":       h.config.Notes.Endpoint,
			"model":          h.config.Notes.Model,
			"max_tokens":     h.config.Notes.MaxTokens,
			"timeout":        h.config.Notes.Timeout,
			"max_retries":    h.config.Notes.MaxRetries,
			"max_concurrent": h.config.Notes.MaxConcurrent,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"connections": map[string]interface{}{
			"active_count": h.clients.Count(),
			"connections":  h.clients.Connections(),
		},
		"sessions": map[string]interface{}{
			"active_count": h.recordings.Count(),
		},
		"notes": h.notes.Stats(),
	}

	writeJSON(w, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Halo Recording Session Service",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                    "API documentation",
			"GET /ws?user_id=":         "Control WebSocket: recording commands and events",
			"GET /ws/audio/{visit_id}": "Audio WebSocket: binary linear16 PCM frames",
			"GET /health":              "Service health check",
			"GET /sessions":            "List active recording sessions",
			"GET /sessions/{visit_id}": "Get recording session details",
			"GET /config":              "Get service configuration",
			"GET /stats":               "Get service statistics",
			"GET /metrics":             "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, apiDoc)
}
