package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/ascmsync/internal/payload"
	"github.com/kalambet/ascmsync/internal/session"
)

type staticPrefix string

func (p staticPrefix) Resolve(context.Context) string { return string(p) }

type countingRecorder struct {
	mu    sync.Mutex
	kinds map[string]int
}

func (r *countingRecorder) RecordRequest(_ context.Context, kind string, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.kinds == nil {
		r.kinds = make(map[string]int)
	}
	r.kinds[kind]++
}

func (r *countingRecorder) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kinds[kind]
}

var fixedNow = time.Date(2025, 1, 31, 9, 30, 0, 0, time.UTC)

func newTestClient(t *testing.T, srv *httptest.Server, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		HTTPClient:  srv.Client(),
		WarmupPause: time.Millisecond,
		RatePerSec:  1000,
		Now:         func() time.Time { return fixedNow },
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewClient(staticPrefix(srv.URL+"/tables/"), opts)
}

func testSnapshot() payload.GoalSnapshot {
	return payload.GoalSnapshot{
		Month:  "2025-01",
		Weeks:  4,
		Values: map[string]map[string]float64{"calls": {"ae": 100}},
	}
}

func TestPublishGoalSnapshot_SendsBodyAndHeaders(t *testing.T) {
	var got goalSnapshotBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tables/goals_snapshots" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("_ts") != "1738315800000" {
			t.Errorf("_ts = %q", r.URL.Query().Get("_ts"))
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Actor-Id") != "u-1" || r.Header.Get("X-Actor-Role") != "manager" {
			t.Errorf("actor headers = %q/%q", r.Header.Get("X-Actor-Id"), r.Header.Get("X-Actor-Role"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"x"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, func(o *Options) {
		o.Token = "secret"
		o.Identity = session.Identity{ID: "u-1", Role: "manager"}
	})
	snap := testSnapshot()
	snap.UserID = "u-1"
	if err := c.PublishGoalSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("PublishGoalSnapshot() error = %v", err)
	}

	if got.Month != "2025-01" || got.Weeks != 4 || got.Values["calls"]["ae"] != 100 || got.UserID != "u-1" {
		t.Errorf("body = %+v", got)
	}
	if got.UpdatedAt != "2025-01-31T09:30:00Z" {
		t.Errorf("updated_at = %q", got.UpdatedAt)
	}
}

func TestPublishGoalSnapshot_WarmsUpAfterProxyBlock(t *testing.T) {
	var posts, warmups atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/tables/users":
			warmups.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"data":[]}`))
		case r.Method == http.MethodPost:
			if posts.Add(1) == 1 {
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte("<html><body>Access denied</body></html>"))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer srv.Close()

	rec := &countingRecorder{}
	c := newTestClient(t, srv, func(o *Options) { o.Recorder = rec })
	if err := c.PublishGoalSnapshot(context.Background(), testSnapshot()); err != nil {
		t.Fatalf("PublishGoalSnapshot() error = %v", err)
	}
	if n := warmups.Load(); n != 1 {
		t.Errorf("warm-up requests = %d, want 1", n)
	}
	if n := posts.Load(); n != 2 {
		t.Errorf("POST requests = %d, want 2", n)
	}
	if n := rec.count("goal_snapshot") + rec.count("warmup"); n != 3 {
		t.Errorf("recorded physical requests = %d, want 3", n)
	}
}

func TestPublishGoalSnapshot_HTMLSuccessIsSoftBlock(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>login</html>"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	err := c.PublishGoalSnapshot(context.Background(), testSnapshot())
	if !errors.Is(err, ErrSoftBlock) {
		t.Fatalf("error = %v, want ErrSoftBlock", err)
	}
	if IsPermanent(err) {
		t.Error("soft block reported as permanent")
	}
	if n := posts.Load(); n != 3 {
		t.Errorf("POST requests = %d, want 3 (1 + 2 inner retries)", n)
	}
}

func TestPublishGoalSnapshot_HardFailureTruncatesBody(t *testing.T) {
	var posts atomic.Int32
	long := strings.Repeat("e", 500)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"` + long + `"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	err := c.PublishGoalSnapshot(context.Background(), testSnapshot())

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if se.Status != http.StatusInternalServerError {
		t.Errorf("Status = %d", se.Status)
	}
	if len(se.Body) != maxBodyInError {
		t.Errorf("len(Body) = %d, want %d", len(se.Body), maxBodyInError)
	}
	if IsPermanent(err) {
		t.Error("500 reported as permanent")
	}
	if n := posts.Load(); n != 1 {
		t.Errorf("POST requests = %d, want 1 (no inner retry)", n)
	}
}

// A rejected write is an ordinary failure: the queue's attempt ceiling
// decides when to give up, not the status code.
func TestPublishGoalSnapshot_ClientErrorsAreRetryable(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
	}{
		{"json 422", http.StatusUnprocessableEntity, "application/json", `{"error":"invalid month"}`},
		{"json 404", http.StatusNotFound, "application/json", `{"error":"not found"}`},
		{"html 404 from proxy", http.StatusNotFound, "text/html", "<html>proxy: upstream not found</html>"},
		{"json 400", http.StatusBadRequest, "application/json", `{"error":"bad"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := newTestClient(t, srv, nil)
			err := c.PublishGoalSnapshot(context.Background(), testSnapshot())
			if err == nil {
				t.Fatal("expected error")
			}
			if IsPermanent(err) {
				t.Errorf("IsPermanent(%v) = true, want false", err)
			}
		})
	}
}

func TestPublishGoalSnapshot_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(t, srv, nil)
	srv.Close()

	err := c.PublishGoalSnapshot(context.Background(), testSnapshot())
	if err == nil {
		t.Fatal("expected error for closed server")
	}
	if IsPermanent(err) || errors.Is(err, ErrSoftBlock) {
		t.Errorf("network error misclassified: %v", err)
	}
}

func TestPublishGoalSnapshot_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv, func(o *Options) { o.Timeout = 50 * time.Millisecond })
	start := time.Now()
	err := c.PublishGoalSnapshot(context.Background(), testSnapshot())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("request took %v, timeout not applied", elapsed)
	}
}

func TestUpdateAvatar_PatchesUser(t *testing.T) {
	var got avatarBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/tables/users/u 7" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		b, _ := io.ReadAll(r.Body)
		json.Unmarshal(b, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	err := c.UpdateAvatar(context.Background(), payload.AvatarUpdate{
		UserID:      "u 7",
		AvatarURL:   "https://cdn.example.com/a.png",
		LinkedInURL: "https://linkedin.com/in/a",
	})
	if err != nil {
		t.Fatalf("UpdateAvatar() error = %v", err)
	}
	if got.AvatarURL != "https://cdn.example.com/a.png" || got.LinkedInURL != "https://linkedin.com/in/a" {
		t.Errorf("body = %+v", got)
	}
}

func TestUpdateAvatar_MissingUserIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	err := c.UpdateAvatar(context.Background(), payload.AvatarUpdate{AvatarURL: "https://x.y/a.png"})
	if !IsPermanent(err) {
		t.Errorf("IsPermanent(%v) = false", err)
	}
	if !errors.Is(err, payload.ErrMissingUserID) {
		t.Errorf("error chain lost ErrMissingUserID: %v", err)
	}
	if hits.Load() != 0 {
		t.Error("request sent for invalid avatar update")
	}
}

func TestTruncateBody(t *testing.T) {
	s := strings.Repeat("ж", 300)
	got := truncateBody([]byte(s))
	if n := len([]rune(got)); n != maxBodyInError {
		t.Errorf("rune count = %d, want %d", n, maxBodyInError)
	}
	if got := truncateBody([]byte("short")); got != "short" {
		t.Errorf("truncateBody(short) = %q", got)
	}
}
