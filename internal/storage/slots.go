package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const slotColumns = `key, value, revision, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(r rowScanner) (Slot, error) {
	var (
		slot Slot
		ts   string
	)
	if err := r.Scan(&slot.Key, &slot.Value, &slot.Revision, &ts); err != nil {
		return Slot{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Slot{}, fmt.Errorf("slot %s: bad updated_at %q", slot.Key, ts)
	}
	slot.UpdatedAt = t
	return slot, nil
}

// GetSlot returns the raw value stored under key, or ErrNotFound.
func (s *Store) GetSlot(key string) (string, error) {
	slot, err := s.GetSlotInfo(key)
	return slot.Value, err
}

// GetSlotInfo returns the slot with its revision metadata.
func (s *Store) GetSlotInfo(key string) (Slot, error) {
	slot, err := scanSlot(s.db.QueryRow(`SELECT `+slotColumns+` FROM slots WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return Slot{}, ErrNotFound
	}
	return slot, err
}

// SetSlot replaces the value stored under key and bumps its revision.
func (s *Store) SetSlot(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO slots (`+slotColumns+`) VALUES (?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			revision = slots.revision + 1,
			updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// DeleteSlot removes key. Deleting a missing key returns ErrNotFound.
func (s *Store) DeleteSlot(key string) error {
	res, err := s.db.Exec(`DELETE FROM slots WHERE key = ?`, key)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSlots returns every slot ordered by key.
func (s *Store) ListSlots() ([]Slot, error) {
	rows, err := s.db.Query(`SELECT ` + slotColumns + ` FROM slots ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Slot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, slot)
	}
	return out, rows.Err()
}
