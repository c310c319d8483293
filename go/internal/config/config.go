package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names the environment variable holding an optional YAML
// config file path.
const ConfigFileEnv = "CONFIG_FILE"

// Config is the server configuration. Values are layered: defaults, then the
// YAML file, then environment variables.
type Config struct {
	Port          int      `yaml:"port" env:"PORT"`
	ClientOrigins []string `yaml:"client_origins" env:"CLIENT_ORIGIN" envSeparator:","`
	LogLevel      string   `yaml:"log_level" env:"LOG_LEVEL"`

	NATS      NATSConfig      `yaml:"nats"`
	Session   SessionConfig   `yaml:"session"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type NATSConfig struct {
	// Empty disables the relay.
	URL           string `yaml:"url" env:"NATS_URL"`
	SubjectPrefix string `yaml:"subject_prefix" env:"NATS_SUBJECT_PREFIX"`
}

type SessionConfig struct {
	// Zero disables eviction.
	IdleTTL       time.Duration `yaml:"idle_ttl" env:"SESSION_IDLE_TTL"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SESSION_SWEEP_INTERVAL"`
	VoteSecrecy   bool          `yaml:"vote_secrecy" env:"VOTE_SECRECY"`
}

type WebSocketConfig struct {
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"WS_WRITE_TIMEOUT"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"WS_READ_TIMEOUT"`
	PingInterval   time.Duration `yaml:"ping_interval" env:"WS_PING_INTERVAL"`
	MaxMessageSize int64         `yaml:"max_message_size" env:"WS_MAX_MESSAGE_SIZE"`
}

type TelemetryConfig struct {
	// OTLP/HTTP endpoint; empty disables tracing.
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTEL_ENDPOINT"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:     5050,
		LogLevel: "info",
		NATS: NATSConfig{
			SubjectPrefix: "estimateflow.sessions",
		},
		Session: SessionConfig{
			IdleTTL:       6 * time.Hour,
			SweepInterval: 5 * time.Minute,
			VoteSecrecy:   true,
		},
		WebSocket: WebSocketConfig{
			WriteTimeout:   10 * time.Second,
			ReadTimeout:    60 * time.Second,
			PingInterval:   30 * time.Second,
			MaxMessageSize: 8192,
		},
	}
}

// Load builds the configuration from defaults, the file named by
// CONFIG_FILE and the process environment.
func Load() (Config, error) {
	return LoadFrom(env.ToMap(os.Environ()))
}

// LoadFrom is Load with an explicit environment.
func LoadFrom(environ map[string]string) (Config, error) {
	cfg := Default()

	if path := environ[ConfigFileEnv]; path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.ClientOrigins = normalizeOrigins(cfg.ClientOrigins)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	if c.Session.IdleTTL < 0 {
		return fmt.Errorf("session idle ttl must not be negative")
	}
	if c.Session.IdleTTL > 0 && c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session sweep interval must be positive")
	}
	if c.WebSocket.WriteTimeout <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("websocket timeouts must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ReadTimeout {
		return fmt.Errorf("websocket ping interval %s must be shorter than read timeout %s",
			c.WebSocket.PingInterval, c.WebSocket.ReadTimeout)
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("websocket max message size must be positive")
	}
	return nil
}

// Level returns the zerolog level for LogLevel, falling back to info.
func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// RelayEnabled reports whether snapshots are mirrored to NATS.
func (c Config) RelayEnabled() bool {
	return strings.TrimSpace(c.NATS.URL) != ""
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin != "" {
			out = append(out, origin)
		}
	}
	return out
}
