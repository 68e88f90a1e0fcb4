package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "ASCMSYNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "api.base_url", typ: kString, env: "ASCMSYNC_API_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.API.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.API.BaseURL },
	},
	{
		key: "api.token", typ: kString, env: "ASCMSYNC_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ASCMSYNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "ASCMSYNC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "session.user_id", typ: kString, env: "ASCMSYNC_SESSION_USER_ID",
		apply:   func(cfg *Config, v any) { cfg.Session.UserID = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.UserID },
	},
	{
		key: "session.email", typ: kString, env: "ASCMSYNC_SESSION_EMAIL",
		apply:   func(cfg *Config, v any) { cfg.Session.Email = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.Email },
	},
	{
		key: "session.role", typ: kString, env: "ASCMSYNC_SESSION_ROLE",
		apply:   func(cfg *Config, v any) { cfg.Session.Role = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.Role },
	},
	{
		key: "queue.goals.tick", typ: kString, env: "ASCMSYNC_QUEUE_GOALS_TICK",
		apply:   func(cfg *Config, v any) { cfg.Queue.GoalsTick = v.(string) },
		extract: func(cfg Config) any { return cfg.Queue.GoalsTick },
	},
	{
		key: "queue.goals.max_attempts", typ: kInt, env: "ASCMSYNC_QUEUE_GOALS_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Queue.GoalsMaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.GoalsMaxAttempts },
	},
	{
		key: "queue.avatars.tick", typ: kString, env: "ASCMSYNC_QUEUE_AVATARS_TICK",
		apply:   func(cfg *Config, v any) { cfg.Queue.AvatarsTick = v.(string) },
		extract: func(cfg Config) any { return cfg.Queue.AvatarsTick },
	},
	{
		key: "transport.rate_per_sec", typ: kFloat, env: "ASCMSYNC_TRANSPORT_RATE_PER_SEC",
		apply:   func(cfg *Config, v any) { cfg.Transport.RatePerSec = v.(float64) },
		extract: func(cfg Config) any { return cfg.Transport.RatePerSec },
	},
	{
		key: "metrics.enabled", typ: kBool, env: "ASCMSYNC_METRICS_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Metrics.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Metrics.Enabled },
	},
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

// applyBackend copies stored keys into cfg. A malformed stored integer is an
// error; other malformed values keep their default with a warning.
func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := b.Lookup(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			if s.typ == kInt {
				return fmt.Errorf("invalid value for %s: %w", s.key, err)
			}
			fmt.Fprintf(os.Stderr, "[WARN] config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if s.env == "" || raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
