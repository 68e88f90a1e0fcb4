package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	API       APIConfig
	Storage   StorageConfig
	Log       LogConfig
	Session   SessionConfig
	Queue     QueueConfig
	Transport TransportConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Port int
}

// APIConfig points at the tables REST API the queues deliver to.
type APIConfig struct {
	BaseURL string
	Token   string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// SessionConfig is the dashboard user the agent acts for.
type SessionConfig struct {
	UserID string
	Email  string
	Role   string
}

type QueueConfig struct {
	GoalsTick        string
	GoalsMaxAttempts int
	AvatarsTick      string
}

type TransportConfig struct {
	RatePerSec float64
}

type MetricsConfig struct {
	Enabled bool
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		API: APIConfig{
			BaseURL: "http://localhost:8080",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Queue: QueueConfig{
			GoalsTick:        "10s",
			GoalsMaxAttempts: 8,
			AvatarsTick:      "12s",
		},
		Transport: TransportConfig{
			RatePerSec: 5,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.ascmsync.agent) and
// secrets fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/ascmsync/config.json
// and secrets come from environment variables or the secrets file.
//
// Environment variables (ASCMSYNC_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

// Keychain abstracts secret storage for testing.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

const keychainService = "ascmsync"

func loadWith(b Backend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.API.Token == "" && kc != nil {
		if tok, err := kc.Get(keychainService, "api_token"); err == nil && tok != "" {
			cfg.API.Token = tok
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return fmt.Errorf("missing required config: api.base_url. Set it with `ascmsync config set api.base_url <url>` or ASCMSYNC_API_BASE_URL")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("missing required config: storage.data_dir")
	}
	return nil
}

// GoalsTickInterval parses queue.goals.tick, falling back to 10s.
func (c Config) GoalsTickInterval() time.Duration {
	return parseInterval("queue.goals.tick", c.Queue.GoalsTick, 10*time.Second)
}

// AvatarsTickInterval parses queue.avatars.tick, falling back to 12s.
func (c Config) AvatarsTickInterval() time.Duration {
	return parseInterval("queue.avatars.tick", c.Queue.AvatarsTick, 12*time.Second)
}

// SlogLevel maps log.level to a slog level. Unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseInterval(key, raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		fmt.Fprintf(os.Stderr, "[WARN] invalid duration for %s=%q. Using default %s.\n", key, raw, def)
		return def
	}
	return d
}
