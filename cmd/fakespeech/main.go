// Command fakespeech is a local stand-in for the Deepgram live listen API.
// It accepts linear16 audio on /v1/listen and answers with scripted interim
// and final results, so the backend can be exercised without an API key:
//
//	go run ./cmd/fakespeech -addr :9090
//
// then set speech.base_url to http://localhost:9090/v1 with any API key.
package main

import (
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/audio"
)

var phrases = []string{
	"Patient reports headache for two days",
	"No fever or chills",
	"Blood pressure is one twenty over eighty",
	"Recommend ibuprofen and follow up in one week",
}

type alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

type result struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []alternative `json:"alternatives"`
	} `json:"channel"`
}

type metadata struct {
	Type      string  `json:"type"`
	RequestID string  `json:"request_id"`
	Duration  float64 `json:"duration"`
}

type server struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	phrase   time.Duration
	sessions atomic.Int64
}

func newResult(text string, isFinal, speechFinal bool) result {
	r := result{Type: "Results", IsFinal: isFinal, SpeechFinal: speechFinal}
	r.Channel.Alternatives = []alternative{{Transcript: text, Confidence: 0.97}}
	return r
}

// script splits a phrase into the growing interim hypotheses followed by the
// final result that closes the turn
func script(phrase string) []result {
	words := strings.Fields(phrase)
	results := make([]result, 0, len(words)+1)
	for i := 1; i < len(words); i++ {
		results = append(results, newResult(strings.Join(words[:i], " "), false, false))
	}
	return append(results, newResult(phrase, true, true))
}

func (s *server) handleListen(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Token ") {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	format := audio.DefaultFormat()
	if rate, err := strconv.Atoi(r.URL.Query().Get("sample_rate")); err == nil && rate > 0 {
		format.SampleRate = rate
	}
	if channels, err := strconv.Atoi(r.URL.Query().Get("channels")); err == nil && channels > 0 {
		format.Channels = channels
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	requestID := uuid.New().String()
	s.sessions.Add(1)
	defer s.sessions.Add(-1)

	s.logger.Info("Session opened",
		slog.String("request_id", requestID),
		slog.String("model", r.URL.Query().Get("model")),
		slog.Int("sample_rate", format.SampleRate),
		slog.Int64("active_sessions", s.sessions.Load()),
	)

	var (
		received time.Duration
		next     int
		pending  []result
	)
	step := s.phrase / 8
	if step <= 0 {
		step = 100 * time.Millisecond
	}

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("Session closed",
				slog.String("request_id", requestID),
				slog.Duration("audio", received),
			)
			return
		}

		if messageType == websocket.TextMessage {
			var control struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(payload, &control) == nil && control.Type == "CloseStream" {
				// Flush the turn in progress before closing
				if len(pending) > 0 {
					conn.WriteJSON(pending[len(pending)-1])
				}
				conn.WriteJSON(metadata{Type: "Metadata", RequestID: requestID, Duration: received.Seconds()})
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			continue
		}

		before := received
		received += format.FrameDuration(len(payload))

		// One interim every step of audio, a new phrase every s.phrase
		if received/step == before/step {
			continue
		}
		if len(pending) == 0 {
			pending = script(phrases[next%len(phrases)])
			next++
		}

		if err := conn.WriteJSON(pending[0]); err != nil {
			s.logger.Warn("Write failed", slog.String("error", err.Error()))
			return
		}
		pending = pending[1:]
		if len(pending) == 0 {
			conn.WriteJSON(map[string]interface{}{"type": "UtteranceEnd"})
		}
	}
}

func main() {
	addr := flag.String("addr", ":9090", "Listen address")
	phrase := flag.Duration("phrase", 4*time.Second, "Audio duration per scripted phrase")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	s := &server{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		phrase: *phrase,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/listen", s.handleListen)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "healthy",
			"sessions": s.sessions.Load(),
		})
	})

	logger.Info("Fake speech server starting", slog.String("addr", *addr))
	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
