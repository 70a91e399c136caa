package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that may supply secrets instead of the YAML file
const (
	EnvDeepgramAPIKey  = "DEEPGRAM_API_KEY"
	EnvAssemblyAPIKey  = "ASSEMBLY_API_KEY"
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvMongoURL        = "MONGODB_URL"
)

// Supported speech providers
const (
	ProviderDeepgram   = "deepgram"
	ProviderAssemblyAI = "assemblyai"
)

// Supported store backends
const (
	StoreMemory = "memory"
	StoreMongo  = "mongo"
)

// Config represents the complete service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Speech    SpeechConfig    `yaml:"speech"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Store     StoreConfig     `yaml:"store"`
	Notes     NotesConfig     `yaml:"notes"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP and WebSocket server configuration
type ServerConfig struct {
	Address         string   `yaml:"address"`
	Port            int      `yaml:"port"`
	ReadTimeout     int      `yaml:"read_timeout"`     // seconds
	WriteTimeout    int      `yaml:"write_timeout"`    // seconds
	ShutdownTimeout int      `yaml:"shutdown_timeout"` // seconds
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// SpeechConfig contains the speech-to-text streaming configuration
type SpeechConfig struct {
	Provider       string          `yaml:"provider"`
	APIKey         string          `yaml:"api_key"`
	BaseURL        string          `yaml:"base_url"`
	Model          string          `yaml:"model"`
	Language       string          `yaml:"language"`
	SampleRate     int             `yaml:"sample_rate"`
	Channels       int             `yaml:"channels"`
	Encoding       string          `yaml:"encoding"`
	Diarize        bool            `yaml:"diarize"`
	UtteranceEndMs int             `yaml:"utterance_end_ms"`
	CloseTimeout   int             `yaml:"close_timeout"` // milliseconds
	KeepAlive      KeepAliveConfig `yaml:"keep_alive"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
}

// KeepAliveConfig overrides the provider's keep-alive policy. When Interval
// is zero the provider default is used.
type KeepAliveConfig struct {
	Interval      int `yaml:"interval"`       // milliseconds
	IdleThreshold int `yaml:"idle_threshold"` // milliseconds, 0 sends on every tick
}

// Override reports whether the keep-alive policy was configured explicitly
func (k *KeepAliveConfig) Override() bool {
	return k.Interval > 0
}

// ReconnectConfig controls the bounded exponential backoff
type ReconnectConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelay   int `yaml:"base_delay"` // milliseconds
	MaxDelay    int `yaml:"max_delay"`  // milliseconds
}

// BroadcastConfig contains client connection registry configuration
type BroadcastConfig struct {
	HealthCheckInterval int `yaml:"health_check_interval"` // seconds
	PingInterval        int `yaml:"ping_interval"`         // seconds
	WriteTimeout        int `yaml:"write_timeout"`         // seconds
}

// StoreConfig contains visit persistence configuration
type StoreConfig struct {
	Backend    string `yaml:"backend"`
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
	Timeout    int    `yaml:"timeout"` // seconds
}

// NotesConfig contains note generation API configuration
type NotesConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	MaxTokens     int    `yaml:"max_tokens"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.ApplyEnv(os.Getenv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// LoadEnvFiles loads variables from .env files into the process environment.
// Missing files are ignored; variables already set are not overridden.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}

	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
	}

	return nil
}

// Default returns a configuration populated with the service defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15,
			WriteTimeout:    15,
			ShutdownTimeout: 10,
		},
		Speech: SpeechConfig{
			Provider:       ProviderDeepgram,
			Model:          "nova-3-medical",
			Language:       "en-US",
			SampleRate:     16000,
			Channels:       1,
			Encoding:       "linear16",
			UtteranceEndMs: 1000,
			CloseTimeout:   2000,
			Reconnect: ReconnectConfig{
				MaxAttempts: 5,
				BaseDelay:   1000,
				MaxDelay:    30000,
			},
		},
		Broadcast: BroadcastConfig{
			HealthCheckInterval: 30,
			PingInterval:        20,
			WriteTimeout:        10,
		},
		Store: StoreConfig{
			Backend:    StoreMemory,
			Database:   "halo",
			Collection: "visits",
			Timeout:    10,
		},
		Notes: NotesConfig{
			Endpoint:      "https://api.anthropic.com/v1/messages",
			Model:         "claude-sonnet-4-20250514",
			MaxTokens:     4096,
			Timeout:       120,
			MaxRetries:    3,
			MaxConcurrent: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// ApplyEnv fills empty secrets from the environment using lookup
func (c *Config) ApplyEnv(lookup func(string) string) {
	if c.Speech.APIKey == "" {
		switch c.Speech.Provider {
		case ProviderDeepgram:
			c.Speech.APIKey = lookup(EnvDeepgramAPIKey)
		case ProviderAssemblyAI:
			c.Speech.APIKey = lookup(EnvAssemblyAPIKey)
		}
	}

	if c.Notes.APIKey == "" {
		c.Notes.APIKey = lookup(EnvAnthropicAPIKey)
	}

	if c.Store.URI == "" {
		c.Store.URI = lookup(EnvMongoURL)
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Speech.Validate(); err != nil {
		return fmt.Errorf("speech config: %w", err)
	}

	if err := c.Broadcast.Validate(); err != nil {
		return fmt.Errorf("broadcast config: %w", err)
	}

	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store config: %w", err)
	}

	if err := c.Notes.Validate(); err != nil {
		return fmt.Errorf("notes config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.ReadTimeout < 0 || s.WriteTimeout < 0 {
		return fmt.Errorf("read_timeout and write_timeout cannot be negative")
	}

	if s.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", s.ShutdownTimeout)
	}

	return nil
}

// Validate validates speech configuration
func (s *SpeechConfig) Validate() error {
	if s.Provider != ProviderDeepgram && s.Provider != ProviderAssemblyAI {
		return fmt.Errorf("provider must be '%s' or '%s', got '%s'", ProviderDeepgram, ProviderAssemblyAI, s.Provider)
	}

	if s.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	if s.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", s.SampleRate)
	}

	if s.Channels < 1 || s.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", s.Channels)
	}

	if s.Encoding != "linear16" {
		return fmt.Errorf("encoding must be 'linear16', got '%s'", s.Encoding)
	}

	if s.UtteranceEndMs < 0 {
		return fmt.Errorf("utterance_end_ms cannot be negative, got %d", s.UtteranceEndMs)
	}

	if s.CloseTimeout < 0 {
		return fmt.Errorf("close_timeout cannot be negative, got %d", s.CloseTimeout)
	}

	if s.KeepAlive.Interval < 0 {
		return fmt.Errorf("keep_alive.interval cannot be negative, got %d", s.KeepAlive.Interval)
	}

	if s.KeepAlive.IdleThreshold < 0 {
		return fmt.Errorf("keep_alive.idle_threshold cannot be negative, got %d", s.KeepAlive.IdleThreshold)
	}

	if s.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("reconnect.max_attempts must be at least 1, got %d", s.Reconnect.MaxAttempts)
	}

	if s.Reconnect.BaseDelay < 1 {
		return fmt.Errorf("reconnect.base_delay must be at least 1ms, got %d", s.Reconnect.BaseDelay)
	}

	if s.Reconnect.MaxDelay < s.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay (%d) must not be less than reconnect.base_delay (%d)",
			s.Reconnect.MaxDelay, s.Reconnect.BaseDelay)
	}

	return nil
}

// Validate validates broadcast configuration
func (b *BroadcastConfig) Validate() error {
	if b.HealthCheckInterval < 1 {
		return fmt.Errorf("health_check_interval must be at least 1 second, got %d", b.HealthCheckInterval)
	}

	if b.PingInterval < 0 {
		return fmt.Errorf("ping_interval cannot be negative, got %d", b.PingInterval)
	}

	if b.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", b.WriteTimeout)
	}

	return nil
}

// Validate validates store configuration
func (s *StoreConfig) Validate() error {
	switch s.Backend {
	case StoreMemory:
	case StoreMongo:
		if s.URI == "" {
			return fmt.Errorf("uri cannot be empty for the mongo backend")
		}
		if s.Database == "" || s.Collection == "" {
			return fmt.Errorf("database and collection cannot be empty for the mongo backend")
		}
	default:
		return fmt.Errorf("backend must be '%s' or '%s', got '%s'", StoreMemory, StoreMongo, s.Backend)
	}

	if s.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", s.Timeout)
	}

	return nil
}

// Validate validates note generation configuration
func (n *NotesConfig) Validate() error {
	if !n.Enabled {
		return nil
	}

	if n.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if n.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	if n.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if n.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be at least 1, got %d", n.MaxTokens)
	}

	if n.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", n.Timeout)
	}

	if n.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", n.MaxRetries)
	}

	if n.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", n.MaxConcurrent)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(l.Level)] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Any other output value is treated as a file path
	return nil
}

// GetReadTimeoutDuration returns the read timeout as a time.Duration
func (s *ServerConfig) GetReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// GetWriteTimeoutDuration returns the write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetShutdownTimeoutDuration returns the shutdown timeout as a time.Duration
func (s *ServerConfig) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetCloseTimeoutDuration returns the stream close timeout as a time.Duration
func (s *SpeechConfig) GetCloseTimeoutDuration() time.Duration {
	return time.Duration(s.CloseTimeout) * time.Millisecond
}

// GetIntervalDuration returns the keep-alive check interval as a time.Duration
func (k *KeepAliveConfig) GetIntervalDuration() time.Duration {
	return time.Duration(k.Interval) * time.Millisecond
}

// GetIdleThresholdDuration returns the keep-alive idle threshold as a time.Duration
func (k *KeepAliveConfig) GetIdleThresholdDuration() time.Duration {
	return time.Duration(k.IdleThreshold) * time.Millisecond
}

// GetBaseDelayDuration returns the reconnect base delay as a time.Duration
func (r *ReconnectConfig) GetBaseDelayDuration() time.Duration {
	return time.Duration(r.BaseDelay) * time.Millisecond
}

// GetMaxDelayDuration returns the reconnect delay cap as a time.Duration
func (r *ReconnectConfig) GetMaxDelayDuration() time.Duration {
	return time.Duration(r.MaxDelay) * time.Millisecond
}

// GetHealthCheckIntervalDuration returns the health check interval as a time.Duration
func (b *BroadcastConfig) GetHealthCheckIntervalDuration() time.Duration {
	return time.Duration(b.HealthCheckInterval) * time.Second
}

// GetPingIntervalDuration returns the client ping interval as a time.Duration
func (b *BroadcastConfig) GetPingIntervalDuration() time.Duration {
	return time.Duration(b.PingInterval) * time.Second
}

// GetWriteTimeoutDuration returns the client write timeout as a time.Duration
func (b *BroadcastConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(b.WriteTimeout) * time.Second
}

// GetTimeoutDuration returns the store operation timeout as a time.Duration
func (s *StoreConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// GetTimeoutDuration returns the note generation timeout as a time.Duration
func (n *NotesConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(n.Timeout) * time.Second
}
