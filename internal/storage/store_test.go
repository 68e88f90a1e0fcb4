package storage

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
	if s2.Dir() != dir {
		t.Errorf("Dir() = %q, want %q", s2.Dir(), dir)
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", "idx_slots_updated").Scan(&count)
	if err != nil {
		t.Fatalf("querying sqlite_master: %v", err)
	}
	if count != 1 {
		t.Errorf("index idx_slots_updated not found in sqlite_master")
	}
}

func TestOpen_FileUsesWAL(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestLoadMigrations_Ordered(t *testing.T) {
	ms, err := loadMigrations()
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) == 0 || ms[0].version != 1 {
		t.Fatalf("migrations = %+v", ms)
	}
	for i := 1; i < len(ms); i++ {
		if ms[i].version <= ms[i-1].version {
			t.Errorf("migrations out of order: %+v", ms)
		}
	}
}

func TestGetSlot_Missing(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetSlot("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSlot(missing) err = %v, want ErrNotFound", err)
	}
}

func TestSetSlot_ReplacesAndBumpsRevision(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetSlot("goals_queue_v1", `[]`); err != nil {
		t.Fatalf("SetSlot: %v", err)
	}
	if err := s.SetSlot("goals_queue_v1", `[{"id":"a"}]`); err != nil {
		t.Fatalf("SetSlot: %v", err)
	}

	slot, err := s.GetSlotInfo("goals_queue_v1")
	if err != nil {
		t.Fatalf("GetSlotInfo: %v", err)
	}
	if slot.Value != `[{"id":"a"}]` {
		t.Errorf("Value = %q, want replaced value", slot.Value)
	}
	if slot.Revision != 2 {
		t.Errorf("Revision = %d, want 2", slot.Revision)
	}
	if slot.UpdatedAt.IsZero() {
		t.Error("UpdatedAt is zero")
	}
}

func TestDeleteSlot(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetSlot("k", "v"); err != nil {
		t.Fatalf("SetSlot: %v", err)
	}
	if err := s.DeleteSlot("k"); err != nil {
		t.Fatalf("DeleteSlot: %v", err)
	}
	if err := s.DeleteSlot("k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteSlot err = %v, want ErrNotFound", err)
	}
}

func TestListSlots_Ordered(t *testing.T) {
	s := openTestStore(t)

	for _, k := range []string{"b", "c", "a"} {
		if err := s.SetSlot(k, k+"-value"); err != nil {
			t.Fatalf("SetSlot(%s): %v", k, err)
		}
	}

	slots, err := s.ListSlots()
	if err != nil {
		t.Fatalf("ListSlots: %v", err)
	}
	if len(slots) != 3 {
		t.Fatalf("got %d slots, want 3", len(slots))
	}
	for i, want := range []string{"a", "b", "c"} {
		if slots[i].Key != want {
			t.Errorf("slots[%d].Key = %q, want %q", i, slots[i].Key, want)
		}
	}
}

func TestSetSlot_Concurrent(t *testing.T) {
	s := openTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.SetSlot("shared", fmt.Sprintf("v%d", i)); err != nil {
				t.Errorf("SetSlot %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	slot, err := s.GetSlotInfo("shared")
	if err != nil {
		t.Fatalf("GetSlotInfo: %v", err)
	}
	if slot.Revision != 20 {
		t.Errorf("Revision = %d, want 20", slot.Revision)
	}
}
