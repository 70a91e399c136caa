// Package deepgram implements the Deepgram live transcription protocol.
package deepgram

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
	// ProviderName identifies Deepgram in logs and metrics
	ProviderName = "deepgram"

	defaultBaseURL = "https://api.deepgram.com/v1"
	defaultModel   = "nova-3-medical"
)

// Config controls Deepgram websocket settings
type Config struct {
	APIKey           string
	BaseURL          string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Provider implements speech.Provider for Deepgram
type Provider struct {
	cfg    Config
	dialer *websocket.Dialer
}

// NewProvider creates a Deepgram provider
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

// KeepAlive checks every second and sends silence after two idle seconds
func (p *Provider) KeepAlive() speech.KeepAlivePolicy {
	return speech.KeepAlivePolicy{
		Interval:      1 * time.Second,
		IdleThreshold: 2 * time.Second,
	}
}

// Dial opens a live transcription websocket
func (p *Provider) Dial(ctx context.Context, opts speech.Options) (speech.Conn, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, errors.New("deepgram api key is not configured")
	}

	wsURL, err := buildListenURL(p.cfg.BaseURL, opts)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.cfg.APIKey)

	conn, resp, err := p.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram connection failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("deepgram connection failed: %w", err)
	}

	// Eight samples of linear16 silence
	silence := opts.Format().SilenceSamples(8)

	return speech.NewWSConn(conn, speech.WSConnConfig{
		Parse:          parseMessage,
		CloseMessage:   []byte(`{"type":"CloseStream"}`),
		KeepAliveFrame: silence,
		WriteTimeout:   p.cfg.WriteTimeout,
	}), nil
}

// response covers the Deepgram message types the stream consumes
type response struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

// parseMessage maps one Deepgram message to stream events
func parseMessage(payload []byte) ([]speech.Event, bool) {
	var msg response
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, false
	}

	switch msg.Type {
	case "Results":
		text := ""
		if len(msg.Channel.Alternatives) > 0 {
			text = strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
		}
		// An empty speech_final result still closes the turn
		if text == "" && !msg.SpeechFinal {
			return nil, false
		}
		return []speech.Event{{
			Type:        speech.EventTranscript,
			Text:        text,
			IsFinal:     msg.IsFinal,
			SpeechFinal: msg.SpeechFinal,
		}}, false

	case "UtteranceEnd":
		return []speech.Event{{Type: speech.EventUtteranceEnd}}, false

	case "Error":
		message := strings.TrimSpace(msg.Description)
		if message == "" {
			message = strings.TrimSpace(msg.Message)
		}
		if message == "" {
			message = "deepgram returned an unknown error"
		}
		return []speech.Event{{Type: speech.EventError, Err: errors.New(message)}}, false

	default:
		// Metadata, SpeechStarted
		return nil, false
	}
}

// buildListenURL converts the REST base URL into the /listen websocket URL
func buildListenURL(base string, opts speech.Options) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		base = defaultBaseURL
	}

	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid deepgram base url: %w", err)
	}

	if opts.Encoding == "" {
		opts.Encoding = audio.EncodingLinear16
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.DefaultSampleRate
	}
	if opts.Channels <= 0 {
		opts.Channels = audio.DefaultChannels
	}
	if opts.Model == "" {
		opts.Model = defaultModel
	}

	query := listenURL.Query()
	query.Set("model", opts.Model)
	query.Set("encoding", opts.Encoding)
	query.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	query.Set("channels", strconv.Itoa(opts.Channels))
	query.Set("interim_results", "true")
	query.Set("punctuate", "true")
	query.Set("smart_format", "true")
	query.Set("no_delay", "true")
	if opts.Diarize {
		query.Set("diarize", "true")
	}
	if opts.UtteranceEndMs > 0 {
		query.Set("utterance_end_ms", strconv.Itoa(opts.UtteranceEndMs))
	}
	if opts.Language != "" {
		query.Set("language", opts.Language)
	}
	listenURL.RawQuery = query.Encode()

	return listenURL.String(), nil
}
