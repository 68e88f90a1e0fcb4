package config

import (
	"fmt"
	"os"
)

// KeyInfo is one row of "config show".
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	// FromEnv reports that EnvVar is set and wins over the stored value.
	FromEnv bool
}

// ShowAll lists every key with its effective value. Secrets render as
// (set) or (unset).
func ShowAll(cfg Config) []KeyInfo {
	out := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		info := KeyInfo{Key: s.key, EnvVar: s.env, FromEnv: os.Getenv(s.env) != ""}
		switch v := fmt.Sprint(s.extract(cfg)); {
		case !s.secret:
			info.Value = v
		case v == "":
			info.Value = "(unset)"
		default:
			info.Value = "(set)"
		}
		out = append(out, info)
	}
	return out
}

// SetKey writes a config key to the platform backend.
func SetKey(key, value string) error {
	return setKeyWith(newPlatformBackend(), key, value)
}

func setKeyWith(b Backend, key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
		}
		v, err := parseValue(s.typ, value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return b.Store(key, fmt.Sprint(v))
	}
	return fmt.Errorf("unknown config key: %q", key)
}

// ValidKeys lists the keys "config set" accepts.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
