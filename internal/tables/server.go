// Package tables is an in-memory stand-in for the tables REST API. It serves
// the same routes the agent writes to, upserts goal snapshots by user and
// month like the real backend, and can imitate a WAF that answers writes
// with an HTML block page.
package tables

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Row is one stored record.
type Row map[string]any

var monthPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// Options tunes the simulated backend.
type Options struct {
	// BlockWrites answers this many write requests with an HTML 403 before
	// letting writes through.
	BlockWrites int
	// RequireWarmup keeps blocking writes after BlockWrites is used up until
	// a GET on the table collection has been seen.
	RequireWarmup bool
	Logger        *slog.Logger
	Now           func() time.Time
}

// Server holds the tables.
type Server struct {
	mu      sync.Mutex
	tables  map[string]map[string]Row
	order   map[string][]string
	blocked int
	warmed  bool
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// NewServer creates an empty backend.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		tables: make(map[string]map[string]Row),
		order:  make(map[string][]string),
		opts:   opts,
		logger: logger,
		now:    now,
	}
}

// Handler mounts the API under /tables. Every other path answers with an
// HTML page, the way a single-page app host does.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Route("/tables", func(r chi.Router) {
		r.Use(s.waf)
		r.Get("/{table}", s.handleList)
		r.Post("/{table}", s.handleCreate)
		r.Get("/{table}/{id}", s.handleGet)
		r.Put("/{table}/{id}", s.handleReplace)
		r.Patch("/{table}/{id}", s.handlePatch)
		r.Delete("/{table}/{id}", s.handleDelete)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<!doctype html><html><body><div id=\"app\"></div></body></html>")
	})

	return r
}

// Seed inserts rows directly, bypassing the WAF.
func (s *Server) Seed(table string, rows ...Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.insertLocked(table, row)
	}
}

// Rows returns a copy of a table in insertion order.
func (s *Server) Rows(table string) []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Row, 0, len(s.order[table]))
	for _, id := range s.order[table] {
		out = append(out, cloneRow(s.tables[table][id]))
	}
	return out
}

// Blocked returns how many requests the WAF rejected.
func (s *Server) Blocked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}

func (s *Server) waf(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		if r.Method == http.MethodGet {
			s.warmed = true
			s.mu.Unlock()
			next.ServeHTTP(w, r)
			return
		}
		block := s.blocked < s.opts.BlockWrites || (s.opts.RequireWarmup && !s.warmed)
		if block {
			s.blocked++
			s.warmed = false
		}
		s.mu.Unlock()

		if block {
			s.logger.Debug("waf blocked write", "method", r.Method, "path", r.URL.Path)
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, "<html><head><title>Access denied</title></head><body>Request blocked.</body></html>")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	limit := queryInt(r, "limit", 100)
	page := queryInt(r, "page", 1)

	s.mu.Lock()
	ids := s.order[table]
	total := len(ids)
	start := (page - 1) * limit
	data := []Row{}
	for i := start; i >= 0 && i < total && i < start+limit; i++ {
		data = append(data, cloneRow(s.tables[table][ids[i]]))
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  data,
		"total": total,
		"page":  page,
		"limit": limit,
		"table": table,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	table, id := chi.URLParam(r, "table"), chi.URLParam(r, "id")

	s.mu.Lock()
	row, ok := s.tables[table][id]
	if ok {
		row = cloneRow(row)
	}
	s.mu.Unlock()

	if !ok {
		httpError(w, http.StatusNotFound, "not_found", "%s/%s not found", table, id)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	row, ok := decodeRow(w, r)
	if !ok {
		return
	}

	if table == "goals_snapshots" {
		month, _ := row["month"].(string)
		if !monthPattern.MatchString(month) {
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "month must be YYYY-MM, got %q", month)
			return
		}
	}

	s.mu.Lock()
	var out Row
	status := http.StatusCreated
	if existing := s.findSnapshotLocked(table, row); existing != nil {
		for k, v := range row {
			if k != "id" && k != "created_at" {
				existing[k] = v
			}
		}
		existing["updated_at"] = s.now().UnixMilli()
		out = cloneRow(existing)
		status = http.StatusOK
	} else {
		out = cloneRow(s.insertLocked(table, row))
	}
	s.mu.Unlock()

	writeJSON(w, status, out)
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	table, id := chi.URLParam(r, "table"), chi.URLParam(r, "id")
	row, ok := decodeRow(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	existing, found := s.tables[table][id]
	if !found {
		s.mu.Unlock()
		httpError(w, http.StatusNotFound, "not_found", "%s/%s not found", table, id)
		return
	}
	row["id"] = id
	row["created_at"] = existing["created_at"]
	row["updated_at"] = s.now().UnixMilli()
	s.tables[table][id] = row
	out := cloneRow(row)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	table, id := chi.URLParam(r, "table"), chi.URLParam(r, "id")
	fields, ok := decodeRow(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	existing, found := s.tables[table][id]
	if !found {
		s.mu.Unlock()
		httpError(w, http.StatusNotFound, "not_found", "%s/%s not found", table, id)
		return
	}
	for k, v := range fields {
		if k != "id" && k != "created_at" {
			existing[k] = v
		}
	}
	existing["updated_at"] = s.now().UnixMilli()
	out := cloneRow(existing)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	table, id := chi.URLParam(r, "table"), chi.URLParam(r, "id")

	s.mu.Lock()
	_, found := s.tables[table][id]
	if found {
		delete(s.tables[table], id)
		ids := s.order[table]
		for i, v := range ids {
			if v == id {
				s.order[table] = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if !found {
		httpError(w, http.StatusNotFound, "not_found", "%s/%s not found", table, id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// findSnapshotLocked returns the goal snapshot sharing (userId, month) with row.
func (s *Server) findSnapshotLocked(table string, row Row) Row {
	if table != "goals_snapshots" {
		return nil
	}
	user, _ := row["userId"].(string)
	month, _ := row["month"].(string)
	for _, id := range s.order[table] {
		existing := s.tables[table][id]
		u, _ := existing["userId"].(string)
		m, _ := existing["month"].(string)
		if u == user && m == month {
			return existing
		}
	}
	return nil
}

func (s *Server) insertLocked(table string, row Row) Row {
	if s.tables[table] == nil {
		s.tables[table] = make(map[string]Row)
	}
	id, _ := row["id"].(string)
	if id == "" {
		id = uuid.New().String()
	}
	now := s.now().UnixMilli()
	row = cloneRow(row)
	row["id"] = id
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = now
	}
	row["updated_at"] = now
	if _, exists := s.tables[table][id]; !exists {
		s.order[table] = append(s.order[table], id)
	}
	s.tables[table][id] = row
	return row
}

func decodeRow(w http.ResponseWriter, r *http.Request) (Row, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var row Row
	if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return nil, false
	}
	if row == nil {
		row = Row{}
	}
	return row, true
}

func cloneRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// SortedTables lists the table names that hold rows.
func (s *Server) SortedTables() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 1 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
