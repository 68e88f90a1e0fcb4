package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/ascmsync/internal/payload"
	"github.com/kalambet/ascmsync/internal/queue"
)

const maxRequestBodySize = 1 << 20 // 1MB

// GoalEnqueuer accepts goal snapshots for delivery.
type GoalEnqueuer interface {
	Enqueue(s payload.GoalSnapshot) string
}

// AvatarEnqueuer accepts avatar updates for delivery.
type AvatarEnqueuer interface {
	Enqueue(a payload.AvatarUpdate) string
}

// AppDeps holds dependencies for the local HTTP API.
type AppDeps struct {
	Goals   GoalEnqueuer
	Avatars AvatarEnqueuer
	Queues  map[string]queue.Controller
	Token   string
	// Events serves the websocket broadcast stream; nil disables /events.
	Events http.Handler
	// Metrics serves the Prometheus scrape endpoint; nil disables /metrics.
	Metrics http.Handler
	Logger  *slog.Logger
}

// NewAppHandler returns the agent's local API. Everything except /health and
// /metrics requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/goals/snapshots", handleEnqueueGoal(deps))
		r.Post("/avatars", handleEnqueueAvatar(deps))

		r.Get("/queues", handleListQueues(deps))
		r.Route("/queues/{kind}", func(r chi.Router) {
			r.Get("/", handleListItems(deps))
			r.Get("/summary", handleSummary(deps))
			r.Post("/kick", handleKick(deps))
			r.Post("/retry-failed", handleRetryFailed(deps))
			r.Delete("/failed", handleClearFailed(deps))
			r.Delete("/terminal", handleClearTerminal(deps))
			r.Delete("/items/{id}", handleRemoveItem(deps))
		})

		if deps.Events != nil {
			r.Method(http.MethodGet, "/events", deps.Events)
		}
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// decodeObject reads a JSON object body. Field types are coerced later by
// the payload constructors, so callers may send numbers as strings.
func decodeObject(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return nil, false
	}
	if raw == nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "request body must be a JSON object")
		return nil, false
	}
	return raw, true
}

func handleEnqueueGoal(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := decodeObject(w, r)
		if !ok {
			return
		}
		snap := payload.GoalSnapshotFromMap(raw)
		if snap.Month == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "month is required")
			return
		}

		id := deps.Goals.Enqueue(snap)
		deps.Logger.Info("goal snapshot accepted", "item_id", id, "month", snap.Month)
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(queue.StatusQueued)})
	}
}

func handleEnqueueAvatar(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := decodeObject(w, r)
		if !ok {
			return
		}
		// An update without a user id is still queued; it fails on its first
		// attempt and stays visible in the dead-letter list.
		id := deps.Avatars.Enqueue(payload.AvatarUpdateFromMap(raw))
		deps.Logger.Info("avatar update accepted", "item_id", id)
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(queue.StatusQueued)})
	}
}

func handleListQueues(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]queue.Summary, len(deps.Queues))
		for name, c := range deps.Queues {
			out[name] = c.Summary()
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// controller resolves {kind} or writes a 404.
func controller(deps AppDeps, w http.ResponseWriter, r *http.Request) (queue.Controller, bool) {
	kind := chi.URLParam(r, "kind")
	c, ok := deps.Queues[kind]
	if !ok {
		names := make([]string, 0, len(deps.Queues))
		for n := range deps.Queues {
			names = append(names, n)
		}
		sort.Strings(names)
		httpError(w, http.StatusNotFound, "not_found", "unknown queue %q (have %v)", kind, names)
		return nil, false
	}
	return c, true
}

func handleListItems(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controller(deps, w, r)
		if !ok {
			return
		}
		items := c.ListRaw()
		if status := r.URL.Query().Get("status"); status != "" {
			filtered := items[:0]
			for _, it := range items {
				if string(it.Status) == status {
					filtered = append(filtered, it)
				}
			}
			items = filtered
		}
		if items == nil {
			items = []queue.Item[json.RawMessage]{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func handleSummary(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controller(deps, w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, c.Summary())
	}
}

func handleKick(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controller(deps, w, r)
		if !ok {
			return
		}
		c.Kick()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "kicked"})
	}
}

func handleRetryFailed(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controller(deps, w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"reset": c.RetryFailed()})
	}
}

func handleClearFailed(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controller(deps, w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": c.ClearFailed()})
	}
}

func handleClearTerminal(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controller(deps, w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": c.ClearTerminal()})
	}
}

func handleRemoveItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controller(deps, w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		if !c.Remove(id) {
			httpError(w, http.StatusNotFound, "not_found", "item %s not found", id)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
