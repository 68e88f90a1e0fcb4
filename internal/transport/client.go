// Package transport delivers queued payloads to the tables REST API. It
// recognizes proxy block pages and works around them with a warm-up request
// before giving the failure back to the queue.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/ascmsync/internal/payload"
	"github.com/kalambet/ascmsync/internal/resolver"
	"github.com/kalambet/ascmsync/internal/session"
)

const (
	defaultTimeout      = 12 * time.Second
	timeoutStep         = 1 * time.Second
	defaultInnerRetries = 2
	defaultWarmupPause  = 800 * time.Millisecond
	defaultRatePerSec   = 5
	maxResponseBody     = 1 << 20
)

// PrefixResolver yields the path prefix requests are issued against.
type PrefixResolver interface {
	Resolve(ctx context.Context) string
}

// Recorder counts physical HTTP requests.
type Recorder interface {
	RecordRequest(ctx context.Context, kind string, status int)
}

// Options configures a Client. Zero values select the defaults.
type Options struct {
	HTTPClient   *http.Client
	Token        string
	Identity     session.Identity
	RatePerSec   float64
	InnerRetries int
	Timeout      time.Duration
	WarmupPause  time.Duration
	Recorder     Recorder
	Logger       *slog.Logger
	// Now stamps updated_at and the cache-busting parameter.
	Now func() time.Time
}

// Client issues writes against the resolved tables prefix.
type Client struct {
	resolver     PrefixResolver
	httpClient   *http.Client
	token        string
	identity     session.Identity
	limiter      *rate.Limiter
	innerRetries int
	timeout      time.Duration
	warmupPause  time.Duration
	recorder     Recorder
	logger       *slog.Logger
	now          func() time.Time
}

// NewClient creates a Client. The default HTTP client keeps a cookie jar so
// session cookies set by the API or proxy are replayed on later requests.
func NewClient(r PrefixResolver, opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		jar, _ := cookiejar.New(nil)
		hc = &http.Client{Jar: jar}
	}
	rps := opts.RatePerSec
	if rps <= 0 {
		rps = defaultRatePerSec
	}
	inner := opts.InnerRetries
	if inner < 0 {
		inner = 0
	} else if inner == 0 {
		inner = defaultInnerRetries
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	pause := opts.WarmupPause
	if pause <= 0 {
		pause = defaultWarmupPause
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		resolver:     r,
		httpClient:   hc,
		token:        opts.Token,
		identity:     opts.Identity,
		limiter:      rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		innerRetries: inner,
		timeout:      timeout,
		warmupPause:  pause,
		recorder:     opts.Recorder,
		logger:       logger,
		now:          now,
	}
}

type goalSnapshotBody struct {
	Month     string                        `json:"month"`
	Weeks     int                           `json:"weeks"`
	Values    map[string]map[string]float64 `json:"values"`
	UserID    string                        `json:"userId,omitempty"`
	UpdatedAt string                        `json:"updated_at"`
}

type avatarBody struct {
	AvatarURL   string `json:"avatar_url"`
	LinkedInURL string `json:"linkedin_url"`
}

// PublishGoalSnapshot posts a snapshot to goals_snapshots. The server upserts
// by (userId, month), so repeating the call is harmless.
func (c *Client) PublishGoalSnapshot(ctx context.Context, snap payload.GoalSnapshot) error {
	values := snap.Values
	if values == nil {
		values = map[string]map[string]float64{}
	}
	body := goalSnapshotBody{
		Month:     snap.Month,
		Weeks:     snap.Weeks,
		Values:    values,
		UserID:    snap.UserID,
		UpdatedAt: c.now().UTC().Format(time.RFC3339),
	}
	return c.write(ctx, "goal_snapshot", http.MethodPost, "goals_snapshots", body)
}

// UpdateAvatar patches the avatar fields of one user.
func (c *Client) UpdateAvatar(ctx context.Context, upd payload.AvatarUpdate) error {
	if err := upd.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	body := avatarBody{AvatarURL: upd.AvatarURL, LinkedInURL: upd.LinkedInURL}
	return c.write(ctx, "avatar", http.MethodPatch, "users/"+url.PathEscape(upd.UserID), body)
}

// write performs one outer delivery attempt: the request itself plus up to
// innerRetries warm-up retries when a proxy block page comes back.
func (c *Client) write(ctx context.Context, kind, method, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: marshaling %s: %w", ErrPermanent, kind, err)
	}

	prefix := c.resolver.Resolve(ctx)

	var lastErr error
	for try := 0; try <= c.innerRetries; try++ {
		if try > 0 {
			c.warmUp(ctx, prefix)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.warmupPause):
			}
		}

		timeout := c.timeout + time.Duration(try)*timeoutStep
		err := c.send(ctx, kind, method, prefix+path, data, timeout)
		if err == nil {
			if try > 0 {
				c.logger.Info("request passed after warm-up", "kind", kind, "inner_retries", try)
			}
			return nil
		}

		var se *StatusError
		if !errors.As(err, &se) || !se.Soft() {
			return err
		}
		lastErr = err
		c.logger.Warn("soft block, warming up", "kind", kind, "status", se.Status, "try", try+1)
	}

	return fmt.Errorf("%w after %d warm-up retries: %w", ErrSoftBlock, c.innerRetries, lastErr)
}

func (c *Client) send(ctx context.Context, kind, method, target string, data []byte, timeout time.Duration) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if data != nil {
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.cacheBust(target), body)
	if err != nil {
		return fmt.Errorf("creating %s request: %w", kind, err)
	}
	c.setHeaders(req, data != nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(ctx, kind, 0)
		return fmt.Errorf("executing %s request: %w", kind, err)
	}
	defer resp.Body.Close()
	c.record(ctx, kind, resp.StatusCode)

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	ct := resp.Header.Get("Content-Type")

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 && !resolver.IsHTML(ct) {
		return nil
	}
	return &StatusError{
		Method:      method,
		URL:         target,
		Status:      resp.StatusCode,
		ContentType: ct,
		Body:        truncateBody(respBody),
	}
}

// warmUp issues a cheap read so the proxy can re-establish routing or a
// session cookie. Its outcome is ignored.
func (c *Client) warmUp(ctx context.Context, prefix string) {
	err := c.send(ctx, "warmup", http.MethodGet, prefix+"users?limit=1", nil, c.timeout)
	if err != nil {
		c.logger.Debug("warm-up request failed", "error", err)
	}
}

func (c *Client) cacheBust(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set("_ts", strconv.FormatInt(c.now().UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) setHeaders(req *http.Request, hasBody bool) {
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if !c.identity.Anonymous() {
		req.Header.Set("X-Actor-Id", c.identity.ID)
	}
	if c.identity.Role != "" {
		req.Header.Set("X-Actor-Role", c.identity.Role)
	}
}

func (c *Client) record(ctx context.Context, kind string, status int) {
	if c.recorder != nil {
		c.recorder.RecordRequest(ctx, kind, status)
	}
}

func isSoftBlock(status int, contentType string) bool {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return true
	}
	return status >= 200 && status <= 299 && resolver.IsHTML(contentType)
}
