package notify

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/kalambet/ascmsync/internal/queue"
	"github.com/kalambet/ascmsync/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func receive(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg := <-sub.Ch():
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	return Message{}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := NewBus()
	goals := b.Subscribe("goals_")
	defer b.Unsubscribe(goals)
	all := b.Subscribe("")
	defer b.Unsubscribe(all)

	b.Publish(Message{Type: TypeGoalsUpdated})
	b.Publish(Message{Type: TypeAvatarsQueueUpdate})

	if msg := receive(t, goals); msg.Type != TypeGoalsUpdated {
		t.Errorf("goals sub got %q", msg.Type)
	}
	select {
	case msg := <-goals.Ch():
		t.Fatalf("unexpected message on goals sub: %v", msg.Type)
	case <-time.After(50 * time.Millisecond):
	}

	receive(t, all)
	receive(t, all)
}

func TestBus_NonBlockingAndUnsubscribe(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("")

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(Message{Type: TypeGoalsUpdated})
	}
	if got := len(sub.Ch()); got != defaultBufferSize {
		t.Errorf("buffered = %d, want %d", got, defaultBufferSize)
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d after unsubscribe", b.SubscriberCount())
	}
}

func TestMessage_InlinesSummary(t *testing.T) {
	msg := Message{
		Type:    TypeGoalsQueueUpdate,
		Summary: &queue.Summary{Queued: 2, Retrying: 1, Total: 3, Size: 3, TS: 10},
		At:      42,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["type"] != "goals_queue_update" || raw["queued"] != float64(2) || raw["at"] != float64(42) {
		t.Errorf("encoded message = %s", data)
	}

	var back Message
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Summary == nil || back.Retrying != 1 {
		t.Errorf("decoded message = %+v", back)
	}

	marker, _ := json.Marshal(Message{Type: TypeGoalsUpdated, At: 1})
	if strings.Contains(string(marker), "queued") {
		t.Errorf("marker message carries summary fields: %s", marker)
	}
}

func TestNotifier_PublishSummaryWritesSlotAndBroadcasts(t *testing.T) {
	store := openTestStore(t)
	b := NewBus()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	n := NewNotifier(store, b, nil)
	n.PublishSummary("goals", queue.Summary{Queued: 1, Total: 1, Size: 1})

	raw, err := store.GetSlot("goals_queue_summary")
	if err != nil {
		t.Fatalf("GetSlot: %v", err)
	}
	var s queue.Summary
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		t.Fatalf("summary slot is not JSON: %v", err)
	}
	if s.Queued != 1 {
		t.Errorf("slot Queued = %d, want 1", s.Queued)
	}

	msg := receive(t, sub)
	if msg.Type != TypeGoalsQueueUpdate || msg.Summary == nil || msg.Queued != 1 || msg.At == 0 {
		t.Errorf("message = %+v", msg)
	}
}

func TestNotifier_RelayAndDataUpdatedSkipStorage(t *testing.T) {
	store := openTestStore(t)
	b := NewBus()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	n := NewNotifier(store, b, nil)
	n.RelaySummary("avatars", queue.Summary{Queued: 3})
	n.DataUpdated("goals")

	if msg := receive(t, sub); msg.Type != TypeAvatarsQueueUpdate {
		t.Errorf("first message = %q", msg.Type)
	}
	if msg := receive(t, sub); msg.Type != TypeGoalsUpdated || msg.Summary != nil {
		t.Errorf("second message = %+v", msg)
	}
	if _, err := store.GetSlot("avatars_queue_summary"); err == nil {
		t.Error("RelaySummary wrote the summary slot")
	}
}

func TestWatcher_FiresOnDatabaseWrites(t *testing.T) {
	dir := t.TempDir()
	var fired atomic.Int32
	w := NewWatcher(dir, nil, func() { fired.Add(1) })
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register the directory.
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if n := fired.Load(); n != 0 {
		t.Fatalf("handler fired %d times for an unrelated file", n)
	}

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(filepath.Join(dir, storage.DBFileName+"-wal"), []byte{byte(i)}, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for fired.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := fired.Load(); n > 2 {
		t.Errorf("handler fired %d times for one burst, want debounced", n)
	}
}

func TestWatcher_MissingDirectory(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "missing"), nil)
	if err := w.Run(context.Background()); err == nil {
		t.Error("Run() on a missing directory returned nil")
	}
}

func TestHub_StreamsSnapshotThenMessages(t *testing.T) {
	b := NewBus()
	hub := NewHub(b, func() []Message {
		return []Message{{Type: TypeGoalsQueueUpdate, Summary: &queue.Summary{Queued: 5}, At: 1}}
	}, nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first Message
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	if first.Type != TypeGoalsQueueUpdate || first.Summary == nil || first.Queued != 5 {
		t.Errorf("snapshot message = %+v", first)
	}

	// The subscription is registered before the snapshot is written.
	b.Publish(Message{Type: TypeGoalsUpdated, At: 2})

	var second Message
	if err := wsjson.Read(ctx, conn, &second); err != nil {
		t.Fatalf("reading broadcast: %v", err)
	}
	if second.Type != TypeGoalsUpdated || second.At != 2 {
		t.Errorf("broadcast message = %+v", second)
	}
	if hub.Clients() != 1 {
		t.Errorf("Clients() = %d, want 1", hub.Clients())
	}
}
