// Package payload defines the domain objects carried by the publish queues and
// the sanitizers that bring caller input into an allow-listed, clamped shape
// before it is persisted.
//
// Sanitizers never reject input: a best-effort payload is always produced,
// and every sanitizer is a pure function of its argument.
package payload

import (
	"errors"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	monthLen        = 7 // "YYYY-MM"
	minWeeks        = 1
	maxWeeks        = 6
	defaultWeeks    = 4
	maxKeyLen       = 64
	maxUserIDLen    = 64
	maxURLLen       = 2048
	maxMetricCount  = 32
	maxRolesPerGoal = 16
)

// ErrMissingUserID marks an avatar update that can never be delivered.
var ErrMissingUserID = errors.New("avatar update has no user id")

// GoalSnapshot is one month of published goals: per-metric, per-role targets.
type GoalSnapshot struct {
	Month  string                        `json:"month"`
	Weeks  int                           `json:"weeks"`
	Values map[string]map[string]float64 `json:"values"`
	UserID string                        `json:"userId,omitempty"`
}

// AvatarUpdate carries the profile image and LinkedIn link of one user.
type AvatarUpdate struct {
	UserID      string `json:"userId"`
	AvatarURL   string `json:"avatar_url"`
	LinkedInURL string `json:"linkedin_url"`
}

// SanitizeGoalSnapshot truncates month to "YYYY-MM", clamps weeks to [1,6]
// and drops blank keys and non-finite values.
func SanitizeGoalSnapshot(s GoalSnapshot) GoalSnapshot {
	out := GoalSnapshot{
		Month:  clip(s.Month, monthLen),
		Weeks:  clampWeeks(s.Weeks),
		Values: make(map[string]map[string]float64),
		UserID: clip(s.UserID, maxUserIDLen),
	}
	// Sorted iteration keeps the result independent of map order when
	// trimmed keys collide or the caps cut entries.
	for _, metric := range sortedKeys(s.Values) {
		roles := s.Values[metric]
		m := clip(metric, maxKeyLen)
		if m == "" {
			continue
		}
		if _, seen := out.Values[m]; !seen && len(out.Values) >= maxMetricCount {
			continue
		}
		clean := make(map[string]float64)
		for _, role := range sortedKeys(roles) {
			v := roles[role]
			r := clip(role, maxKeyLen)
			if r == "" || math.IsNaN(v) || math.IsInf(v, 0) || len(clean) >= maxRolesPerGoal {
				continue
			}
			if v < 0 {
				v = 0
			}
			clean[r] = v
		}
		if existing, ok := out.Values[m]; ok {
			for _, r := range sortedKeys(clean) {
				if _, ok := existing[r]; ok || len(existing) < maxRolesPerGoal {
					existing[r] = clean[r]
				}
			}
			continue
		}
		out.Values[m] = clean
	}
	return out
}

// SanitizeAvatarUpdate trims fields and blanks any URL that is not http(s).
func SanitizeAvatarUpdate(a AvatarUpdate) AvatarUpdate {
	return AvatarUpdate{
		UserID:      clip(a.UserID, maxUserIDLen),
		AvatarURL:   cleanURL(a.AvatarURL),
		LinkedInURL: cleanURL(a.LinkedInURL),
	}
}

// Validate reports whether the update can be addressed at all.
func (a AvatarUpdate) Validate() error {
	if strings.TrimSpace(a.UserID) == "" {
		return ErrMissingUserID
	}
	return nil
}

// GoalSnapshotFromMap builds a snapshot from loosely typed input (decoded JSON,
// MCP arguments). Unknown fields are ignored; numbers may arrive as strings.
func GoalSnapshotFromMap(raw map[string]any) GoalSnapshot {
	s := GoalSnapshot{
		Month:  asString(raw["month"]),
		Weeks:  int(asNumber(raw["weeks"])),
		UserID: asString(firstOf(raw, "userId", "user_id")),
		Values: make(map[string]map[string]float64),
	}
	if values, ok := raw["values"].(map[string]any); ok {
		for metric, rv := range values {
			roles, ok := rv.(map[string]any)
			if !ok {
				continue
			}
			m := make(map[string]float64, len(roles))
			for role, v := range roles {
				if n, ok := parseNumber(v); ok {
					m[role] = n
				}
			}
			s.Values[metric] = m
		}
	}
	return SanitizeGoalSnapshot(s)
}

// AvatarUpdateFromMap is the loosely typed counterpart of SanitizeAvatarUpdate.
func AvatarUpdateFromMap(raw map[string]any) AvatarUpdate {
	return SanitizeAvatarUpdate(AvatarUpdate{
		UserID:      asString(firstOf(raw, "userId", "user_id")),
		AvatarURL:   asString(raw["avatar_url"]),
		LinkedInURL: asString(raw["linkedin_url"]),
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func clampWeeks(w int) int {
	if w == 0 {
		return defaultWeeks
	}
	if w < minWeeks {
		return minWeeks
	}
	if w > maxWeeks {
		return maxWeeks
	}
	return w
}

func cleanURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxURLLen {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return raw
}

// clip trims s and cuts it to at most n runes. The cut can expose trailing
// space, so it trims again; clip(clip(s, n), n) == clip(s, n).
func clip(s string, n int) string {
	return strings.TrimSpace(truncate(strings.TrimSpace(s), n))
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

func firstOf(raw map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}

func asNumber(v any) float64 {
	n, _ := parseNumber(v)
	return n
}

func parseNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
