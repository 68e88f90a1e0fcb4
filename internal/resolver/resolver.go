// Package resolver detects which path prefix the tables API answers on. A
// deployment may expose the API relative to the app base or only at the
// origin root, and a reverse proxy may answer the wrong one with an HTML page.
package resolver

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const probeTimeout = 5 * time.Second

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Resolver caches the first candidate prefix whose probe returns JSON.
type Resolver struct {
	client     Doer
	candidates []string
	logger     *slog.Logger

	group singleflight.Group

	mu     sync.RWMutex
	prefix string
}

// New creates a Resolver for baseURL. Candidates are tried in order: the
// canonical "tables/" under baseURL, then the rooted "/tables/" on its origin.
func New(baseURL string, client Doer, logger *slog.Logger) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		client:     client,
		candidates: Candidates(baseURL),
		logger:     logger,
	}
}

// Candidates returns the ordered, de-duplicated prefix candidates for baseURL.
// Every candidate ends with a slash.
func Candidates(baseURL string) []string {
	base := strings.TrimSpace(baseURL)
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	canonical := base + "tables/"

	rooted := "/tables/"
	if u, err := url.Parse(base); err == nil && u.Scheme != "" && u.Host != "" {
		rooted = u.Scheme + "://" + u.Host + "/tables/"
	}

	if rooted == canonical {
		return []string{canonical}
	}
	return []string{canonical, rooted}
}

// Resolve returns the cached prefix, probing the candidates on first use.
// When no candidate qualifies the first one is kept, so Resolve always
// returns a usable prefix.
func (r *Resolver) Resolve(ctx context.Context) string {
	r.mu.RLock()
	p := r.prefix
	r.mu.RUnlock()
	if p != "" {
		return p
	}

	v, _, _ := r.group.Do("resolve", func() (any, error) {
		r.mu.RLock()
		cached := r.prefix
		r.mu.RUnlock()
		if cached != "" {
			return cached, nil
		}

		chosen := r.detect(ctx)
		r.mu.Lock()
		r.prefix = chosen
		r.mu.Unlock()
		return chosen, nil
	})
	return v.(string)
}

// Reset forgets the cached prefix.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.prefix = ""
	r.mu.Unlock()
}

// Refresh forgets the cached prefix and resolves again.
func (r *Resolver) Refresh(ctx context.Context) string {
	r.Reset()
	return r.Resolve(ctx)
}

// Cached returns the current prefix without probing. Empty means unresolved.
func (r *Resolver) Cached() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prefix
}

func (r *Resolver) detect(ctx context.Context) string {
	for _, c := range r.candidates {
		if r.probe(ctx, c) {
			r.logger.Debug("api prefix resolved", "prefix", c)
			return c
		}
	}
	r.logger.Warn("no api prefix answered with JSON, using default", "prefix", r.candidates[0])
	return r.candidates[0]
}

func (r *Resolver) probe(ctx context.Context, prefix string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, prefix+"users?limit=1", nil)
	if err != nil {
		r.logger.Debug("probe request invalid", "prefix", prefix, "error", err)
		return false
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Debug("probe failed", "prefix", prefix, "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.logger.Debug("probe rejected", "prefix", prefix, "status", resp.StatusCode)
		return false
	}
	return IsJSON(resp.Header.Get("Content-Type"))
}

// IsJSON reports whether a Content-Type header denotes a JSON body.
func IsJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// IsHTML reports whether a Content-Type header denotes an HTML page.
func IsHTML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "text/html")
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}
