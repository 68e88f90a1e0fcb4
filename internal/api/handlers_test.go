package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/ascmsync/internal/payload"
	"github.com/kalambet/ascmsync/internal/queue"
	"github.com/kalambet/ascmsync/internal/storage"
)

const testToken = "test-token-12345"

type testQueues struct {
	goals   *queue.Queue[payload.GoalSnapshot]
	avatars *queue.Queue[payload.AvatarUpdate]
}

func (q testQueues) controllers() map[string]queue.Controller {
	return map[string]queue.Controller{"goals": q.goals, "avatars": q.avatars}
}

// newTestQueues builds unstarted queues over an in-memory store. Items stay
// queued until a test calls RunOnce.
func newTestQueues(t *testing.T, deliverErr error) testQueues {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return testQueues{
		goals: queue.New(queue.Config[payload.GoalSnapshot]{
			Name:  "goals",
			Slots: store,
			Deliverer: queue.DeliverFunc[payload.GoalSnapshot](func(context.Context, queue.Item[payload.GoalSnapshot]) error {
				return deliverErr
			}),
			Policy:   queue.Policy{MaxAttempts: 1, KeepSucceeded: true},
			Sanitize: payload.SanitizeGoalSnapshot,
		}),
		avatars: queue.New(queue.Config[payload.AvatarUpdate]{
			Name:  "avatars",
			Slots: store,
			Deliverer: queue.DeliverFunc[payload.AvatarUpdate](func(context.Context, queue.Item[payload.AvatarUpdate]) error {
				return deliverErr
			}),
			Policy: queue.Policy{MaxAttempts: 1},
		}),
	}
}

func setupAppHandler(t *testing.T, deliverErr error) (http.Handler, testQueues) {
	t.Helper()
	qs := newTestQueues(t, deliverErr)
	handler := NewAppHandler(AppDeps{
		Goals:   qs.goals,
		Avatars: qs.avatars,
		Queues:  qs.controllers(),
		Token:   testToken,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "# metrics\n")
		}),
	})
	return handler, qs
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAuth_RejectsMissingAndWrongToken(t *testing.T) {
	h, _ := setupAppHandler(t, nil)

	for _, token := range []string{"", "wrong"} {
		rr := serve(h, authReq(http.MethodGet, "/queues/goals/summary", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "authentication_error") {
			t.Errorf("token %q: body = %s", token, rr.Body.String())
		}
	}
}

func TestHealthAndMetrics_NoAuth(t *testing.T) {
	h, _ := setupAppHandler(t, nil)

	rr := serve(h, authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("health = %d %s", rr.Code, rr.Body.String())
	}
	rr = serve(h, authReq(http.MethodGet, "/metrics", "", ""))
	if rr.Code != http.StatusOK || !strings.HasPrefix(rr.Body.String(), "# metrics") {
		t.Errorf("metrics = %d %s", rr.Code, rr.Body.String())
	}
}

func TestEnqueueGoal(t *testing.T) {
	h, qs := setupAppHandler(t, nil)

	body := `{"month":"2025-03-01","weeks":"5","values":{"calls":{"ae":"120","sdr":300}},"user_id":"u1"}`
	rr := serve(h, authReq(http.MethodPost, "/goals/snapshots", body, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}

	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["id"] == "" || resp["status"] != "queued" {
		t.Errorf("response = %v", resp)
	}

	items := qs.goals.List()
	if len(items) != 1 {
		t.Fatalf("queued items = %d, want 1", len(items))
	}
	p := items[0].Payload
	if p.Month != "2025-03" || p.Weeks != 5 || p.UserID != "u1" || p.Values["calls"]["ae"] != 120 {
		t.Errorf("payload = %+v", p)
	}
}

func TestEnqueueGoal_Invalid(t *testing.T) {
	h, qs := setupAppHandler(t, nil)

	tests := []struct{ name, body string }{
		{"malformed", `{"month":`},
		{"not an object", `null`},
		{"missing month", `{"weeks":4}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(h, authReq(http.MethodPost, "/goals/snapshots", tt.body, testToken))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
			}
		})
	}
	if n := len(qs.goals.List()); n != 0 {
		t.Errorf("queued items = %d, want 0", n)
	}
}

func TestEnqueueAvatar_WithoutUserIsQueued(t *testing.T) {
	h, qs := setupAppHandler(t, nil)

	rr := serve(h, authReq(http.MethodPost, "/avatars", `{"avatar_url":"https://cdn.example.com/a.png"}`, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if n := len(qs.avatars.List()); n != 1 {
		t.Errorf("queued items = %d, want 1", n)
	}
}

func TestQueueEndpoints(t *testing.T) {
	h, qs := setupAppHandler(t, queue.Permanent(io.ErrUnexpectedEOF))

	qs.goals.Enqueue(payload.GoalSnapshot{Month: "2025-01", Weeks: 4})
	qs.goals.Enqueue(payload.GoalSnapshot{Month: "2025-02", Weeks: 4})
	qs.goals.RunOnce(context.Background())

	rr := serve(h, authReq(http.MethodGet, "/queues/goals/summary", "", testToken))
	var s queue.Summary
	if err := json.NewDecoder(rr.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	if s.Failed != 2 || s.Total != 2 {
		t.Fatalf("summary = %+v", s)
	}

	rr = serve(h, authReq(http.MethodGet, "/queues/goals?status=failed", "", testToken))
	var items []map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("listed items = %d, want 2", len(items))
	}
	if p, ok := items[0]["payload"].(map[string]any); !ok || p["month"] != "2025-01" {
		t.Errorf("first item payload = %v", items[0]["payload"])
	}
	firstID, _ := items[0]["id"].(string)

	rr = serve(h, authReq(http.MethodDelete, "/queues/goals/items/"+firstID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Errorf("delete item = %d", rr.Code)
	}
	rr = serve(h, authReq(http.MethodDelete, "/queues/goals/items/"+firstID, "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", rr.Code)
	}

	rr = serve(h, authReq(http.MethodPost, "/queues/goals/retry-failed", "", testToken))
	if !strings.Contains(rr.Body.String(), `"reset":1`) {
		t.Errorf("retry-failed body = %s", rr.Body.String())
	}
	if got := qs.goals.Summary(); got.Queued != 1 || got.Failed != 0 {
		t.Errorf("after retry summary = %+v", got)
	}

	qs.goals.RunOnce(context.Background())
	rr = serve(h, authReq(http.MethodDelete, "/queues/goals/failed", "", testToken))
	if !strings.Contains(rr.Body.String(), `"removed":1`) {
		t.Errorf("clear failed body = %s", rr.Body.String())
	}

	rr = serve(h, authReq(http.MethodPost, "/queues/goals/kick", "", testToken))
	if rr.Code != http.StatusAccepted {
		t.Errorf("kick = %d", rr.Code)
	}
}

func TestQueueEndpoints_UnknownKind(t *testing.T) {
	h, _ := setupAppHandler(t, nil)

	rr := serve(h, authReq(http.MethodGet, "/queues/invoices/summary", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "avatars") {
		t.Errorf("body does not list known queues: %s", rr.Body.String())
	}
}

func TestListQueues(t *testing.T) {
	h, qs := setupAppHandler(t, nil)
	qs.avatars.Enqueue(payload.AvatarUpdate{UserID: "u1"})

	rr := serve(h, authReq(http.MethodGet, "/queues", "", testToken))
	var out map[string]queue.Summary
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["avatars"].Queued != 1 || out["goals"].Total != 0 {
		t.Errorf("summaries = %+v", out)
	}
}
