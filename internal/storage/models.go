package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Slot is one named value in the local key-value area. Values are opaque
// strings; every write replaces the whole value and bumps Revision.
type Slot struct {
	Key       string
	Value     string
	Revision  int64
	UpdatedAt time.Time
}
