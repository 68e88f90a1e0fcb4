package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Backend persists non-secret keys as strings. Parsing into typed fields
// happens in keys.go.
type Backend interface {
	Lookup(key string) (value string, ok bool, err error)
	Store(key, value string) error
	Delete(key string) error
}

// fileStore is a flat JSON object of string values kept at a 0600 path.
// It backs config on non-darwin platforms and the secrets file there.
type fileStore struct {
	mu     sync.Mutex
	path   string
	values map[string]string
}

func openFileStore(path string) *fileStore {
	s := &fileStore{path: path, values: map[string]string{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read %s: %v. Using default values.\n", path, err)
		}
		return s
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse %s: %v. Using default values.\n", path, err)
		return s
	}
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			s.values[k] = val
		case float64:
			s.values[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			s.values[k] = strconv.FormatBool(val)
		}
	}
	return s
}

func (s *fileStore) Lookup(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *fileStore) Store(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return s.flush()
}

func (s *fileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return s.flush()
}

// flush writes through a temp file so a crash never leaves half a document.
func (s *fileStore) flush() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(s.path), err)
	}
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// xdgDir resolves an XDG base directory, falling back to ~/<fallback>.
func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, fallback)
	}
	return "."
}
