package queue

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/kalambet/ascmsync/internal/storage"
)

// Slots is the local key-value area a queue persists into.
type Slots interface {
	GetSlot(key string) (string, error)
	SetSlot(key, value string) error
}

// Store reads and writes one queue as a single JSON array under one slot.
// Every write replaces the whole collection.
type Store[P any] struct {
	slots   Slots
	key     string
	logger  *slog.Logger
	onWrite func([]Item[P])
}

// NewStore creates a Store over key. onWrite, if set, runs after every
// successful write.
func NewStore[P any](slots Slots, key string, logger *slog.Logger, onWrite func([]Item[P])) *Store[P] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store[P]{slots: slots, key: key, logger: logger, onWrite: onWrite}
}

// Key returns the slot name.
func (s *Store[P]) Key() string {
	return s.key
}

// Read returns the persisted items. Missing or unreadable data reads as an
// empty queue.
func (s *Store[P]) Read() []Item[P] {
	raw, err := s.slots.GetSlot(s.key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("reading queue slot failed", "slot", s.key, "error", err)
		}
		return []Item[P]{}
	}
	var items []Item[P]
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		s.logger.Warn("queue slot is corrupt, treating as empty", "slot", s.key, "error", err)
		return []Item[P]{}
	}
	out := items[:0]
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		out = append(out, it)
	}
	return out
}

// Write replaces the persisted collection. Failures are logged, not returned.
func (s *Store[P]) Write(items []Item[P]) {
	if items == nil {
		items = []Item[P]{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		s.logger.Error("encoding queue failed", "slot", s.key, "error", err)
		return
	}
	if err := s.slots.SetSlot(s.key, string(data)); err != nil {
		s.logger.Error("writing queue slot failed", "slot", s.key, "error", err)
		return
	}
	if s.onWrite != nil {
		s.onWrite(items)
	}
}
