// Package assemblyai implements the AssemblyAI Universal Streaming protocol.
package assemblyai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/audio"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/speech"
)

const (
	// ProviderName identifies AssemblyAI in logs and metrics
	ProviderName = "assemblyai"

	defaultBaseURL = "wss://streaming.assemblyai.com/v3/ws"

	// keepAliveDuration of silence sent every tick; the service expects
	// chunks of 50 to 1000 ms
	keepAliveDuration = 50 * time.Millisecond
)

// Config controls AssemblyAI websocket settings
type Config struct {
	APIKey           string
	BaseURL          string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Provider implements speech.Provider for AssemblyAI
type Provider struct {
	cfg    Config
	dialer *websocket.Dialer
}

// NewProvider creates an AssemblyAI provider
func NewProvider(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	return &Provider{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Name returns the provider name
func (p *Provider) Name() string {
	return ProviderName
}

// KeepAlive sends silence at a fixed one second cadence
func (p *Provider) KeepAlive() speech.KeepAlivePolicy {
	return speech.KeepAlivePolicy{
		Interval: 1 * time.Second,
	}
}

// Dial opens a Universal Streaming websocket
func (p *Provider) Dial(ctx context.Context, opts speech.Options) (speech.Conn, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, errors.New("assemblyai api key is not configured")
	}

	wsURL, err := buildStreamURL(p.cfg.BaseURL, opts)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", p.cfg.APIKey)

	conn, resp, err := p.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("assemblyai connection failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("assemblyai connection failed: %w", err)
	}

	return speech.NewWSConn(conn, speech.WSConnConfig{
		Parse:          parseMessage,
		CloseMessage:   []byte(`{"type":"Terminate"}`),
		KeepAliveFrame: opts.Format().Silence(keepAliveDuration),
		WriteTimeout:   p.cfg.WriteTimeout,
	}), nil
}

// message covers the Universal Streaming message types the stream consumes
type message struct {
	Type            string `json:"type"`
	Transcript      string `json:"transcript"`
	EndOfTurn       bool   `json:"end_of_turn"`
	TurnIsFormatted bool   `json:"turn_is_formatted"`
	TurnOrder       int    `json:"turn_order"`
	Error           string `json:"error"`
}

// parseMessage maps one AssemblyAI message to stream events. With
// format_turns enabled a turn ends twice: first unformatted, then formatted.
// Only the formatted end of turn is final.
func parseMessage(payload []byte) ([]speech.Event, bool) {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, false
	}

	if msg.Error != "" {
		return []speech.Event{{Type: speech.EventError, Err: errors.New(msg.Error)}}, false
	}

	switch msg.Type {
	case "Turn":
		text := strings.TrimSpace(msg.Transcript)
		if msg.EndOfTurn && msg.TurnIsFormatted {
			return []speech.Event{{
				Type:        speech.EventTranscript,
				Text:        text,
				IsFinal:     true,
				SpeechFinal: true,
			}}, false
		}
		if text == "" {
			return nil, false
		}
		return []speech.Event{{Type: speech.EventTranscript, Text: text}}, false

	case "Termination":
		return nil, true

	default:
		// Begin
		return nil, false
	}
}

// buildStreamURL adds the stream parameters to the websocket URL
func buildStreamURL(base string, opts speech.Options) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		base = defaultBaseURL
	}

	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	streamURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid assemblyai base url: %w", err)
	}

	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.DefaultSampleRate
	}

	query := streamURL.Query()
	query.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	query.Set("encoding", "pcm_s16le")
	query.Set("format_turns", "true")
	if opts.UtteranceEndMs > 0 {
		query.Set("min_end_of_turn_silence_when_confident", strconv.Itoa(opts.UtteranceEndMs))
	}
	streamURL.RawQuery = query.Encode()

	return streamURL.String(), nil
}
