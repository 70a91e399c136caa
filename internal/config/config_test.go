package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Speech.APIKey = "test-key"
	return cfg
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid configuration",
			mutate:      func(c *Config) {},
			expectError: false,
		},
		{
			name:        "invalid server port",
			mutate:      func(c *Config) { c.Server.Port = 70000 },
			expectError: true,
			errorMsg:    "port must be between 1 and 65535",
		},
		{
			name:        "unknown speech provider",
			mutate:      func(c *Config) { c.Speech.Provider = "whisper" },
			expectError: true,
			errorMsg:    "provider must be",
		},
		{
			name:        "missing speech api key",
			mutate:      func(c *Config) { c.Speech.APIKey = "" },
			expectError: true,
			errorMsg:    "api_key cannot be empty",
		},
		{
			name:        "non linear16 encoding",
			mutate:      func(c *Config) { c.Speech.Encoding = "opus" },
			expectError: true,
			errorMsg:    "encoding must be 'linear16'",
		},
		{
			name:        "zero reconnect attempts",
			mutate:      func(c *Config) { c.Speech.Reconnect.MaxAttempts = 0 },
			expectError: true,
			errorMsg:    "reconnect.max_attempts",
		},
		{
			name: "max delay below base delay",
			mutate: func(c *Config) {
				c.Speech.Reconnect.BaseDelay = 5000
				c.Speech.Reconnect.MaxDelay = 1000
			},
			expectError: true,
			errorMsg:    "reconnect.max_delay",
		},
		{
			name:        "mongo backend without uri",
			mutate:      func(c *Config) { c.Store.Backend = StoreMongo },
			expectError: true,
			errorMsg:    "uri cannot be empty",
		},
		{
			name:        "unknown store backend",
			mutate:      func(c *Config) { c.Store.Backend = "redis" },
			expectError: true,
			errorMsg:    "backend must be",
		},
		{
			name:        "enabled notes without api key",
			mutate:      func(c *Config) { c.Notes.Enabled = true },
			expectError: true,
			errorMsg:    "notes config: api_key cannot be empty",
		},
		{
			name:        "disabled notes are not validated",
			mutate:      func(c *Config) { c.Notes.Endpoint = "" },
			expectError: false,
		},
		{
			name:        "zero health check interval",
			mutate:      func(c *Config) { c.Broadcast.HealthCheckInterval = 0 },
			expectError: true,
			errorMsg:    "health_check_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config file",
			configYAML: `
server:
  address: "127.0.0.1"
  port: 9090
speech:
  provider: "assemblyai"
  api_key: "test-key"
  reconnect:
    max_attempts: 3
    base_delay: 500
    max_delay: 4000
logging:
  level: "debug"
  format: "text"
  output: "stderr"
`,
			expectError: false,
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
server:
  port: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "empty address",
			configYAML: `
server:
  address: ""
speech:
  api_key: "test-key"
`,
			expectError: true,
			errorMsg:    "address cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if config.Server.Port != 9090 {
				t.Errorf("Expected port 9090, got %d", config.Server.Port)
			}
			if config.Speech.Provider != ProviderAssemblyAI {
				t.Errorf("Expected provider assemblyai, got %s", config.Speech.Provider)
			}
			// Unset fields keep their defaults
			if config.Speech.SampleRate != 16000 {
				t.Errorf("Expected default sample rate 16000, got %d", config.Speech.SampleRate)
			}
			if config.Speech.Reconnect.MaxAttempts != 3 {
				t.Errorf("Expected 3 reconnect attempts, got %d", config.Speech.Reconnect.MaxAttempts)
			}
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatalf("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvDeepgramAPIKey:  "dg-key",
		EnvAssemblyAPIKey:  "aai-key",
		EnvAnthropicAPIKey: "llm-key",
		EnvMongoURL:        "mongodb://localhost:27017",
	}
	lookup := func(key string) string { return env[key] }

	cfg := Default()
	cfg.ApplyEnv(lookup)

	if cfg.Speech.APIKey != "dg-key" {
		t.Errorf("Expected deepgram key from env, got %q", cfg.Speech.APIKey)
	}
	if cfg.Notes.APIKey != "llm-key" {
		t.Errorf("Expected notes key from env, got %q", cfg.Notes.APIKey)
	}
	if cfg.Store.URI != "mongodb://localhost:27017" {
		t.Errorf("Expected mongo uri from env, got %q", cfg.Store.URI)
	}

	cfg = Default()
	cfg.Speech.Provider = ProviderAssemblyAI
	cfg.ApplyEnv(lookup)
	if cfg.Speech.APIKey != "aai-key" {
		t.Errorf("Expected assemblyai key from env, got %q", cfg.Speech.APIKey)
	}

	// Values from the file win over the environment
	cfg = Default()
	cfg.Speech.APIKey = "from-file"
	cfg.ApplyEnv(lookup)
	if cfg.Speech.APIKey != "from-file" {
		t.Errorf("Expected file value to be kept, got %q", cfg.Speech.APIKey)
	}
}

func TestLoadEnvFiles(t *testing.T) {
	tempDir := t.TempDir()
	envPath := filepath.Join(tempDir, ".env")
	if err := os.WriteFile(envPath, []byte("HALO_TEST_ENV_VALUE=loaded\n"), 0644); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("HALO_TEST_ENV_VALUE") })

	if err := LoadEnvFiles(filepath.Join(tempDir, "missing.env"), envPath); err != nil {
		t.Fatalf("Expected missing files to be ignored, got: %v", err)
	}

	if got := os.Getenv("HALO_TEST_ENV_VALUE"); got != "loaded" {
		t.Errorf("Expected HALO_TEST_ENV_VALUE=loaded, got %q", got)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()

	if cfg.Server.GetShutdownTimeoutDuration() != 10*time.Second {
		t.Errorf("Expected 10 seconds, got %v", cfg.Server.GetShutdownTimeoutDuration())
	}

	if cfg.Speech.Reconnect.GetBaseDelayDuration() != time.Second {
		t.Errorf("Expected 1 second, got %v", cfg.Speech.Reconnect.GetBaseDelayDuration())
	}

	if cfg.Speech.Reconnect.GetMaxDelayDuration() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", cfg.Speech.Reconnect.GetMaxDelayDuration())
	}

	if cfg.Speech.GetCloseTimeoutDuration() != 2*time.Second {
		t.Errorf("Expected 2 seconds, got %v", cfg.Speech.GetCloseTimeoutDuration())
	}

	keepAlive := KeepAliveConfig{Interval: 1000, IdleThreshold: 2000}
	if !keepAlive.Override() {
		t.Errorf("Expected explicit keep-alive to override provider default")
	}
	if keepAlive.GetIdleThresholdDuration() != 2*time.Second {
		t.Errorf("Expected 2 seconds, got %v", keepAlive.GetIdleThresholdDuration())
	}

	if cfg.Broadcast.GetHealthCheckIntervalDuration() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", cfg.Broadcast.GetHealthCheckIntervalDuration())
	}
}

func TestLoggingConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config LoggingConfig
		valid  bool
	}{
		{
			name:   "valid json to stdout",
			config: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
			valid:  true,
		},
		{
			name:   "valid text to file",
			config: LoggingConfig{Level: "debug", Format: "text", Output: "/var/log/halo.log"},
			valid:  true,
		},
		{
			name:   "invalid log level",
			config: LoggingConfig{Level: "trace", Format: "json", Output: "stdout"},
			valid:  false,
		},
		{
			name:   "invalid format",
			config: LoggingConfig{Level: "info", Format: "xml", Output: "stdout"},
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected valid config but got error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Errorf("Expected invalid config but got no error")
			}
		})
	}
}
