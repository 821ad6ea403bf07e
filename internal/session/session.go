// Package session models the credential bundle the guide backend accepts and
// persists accepted sessions between runs.
package session

import (
	"errors"
	"fmt"
	"maps"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNoCacheID = errors.New("session: cache id missing or malformed")
	ErrExpired   = errors.New("session: expired")
)

// Session is an authenticated context for guide requests. After creation the
// only permitted change is merging cookies set by the backend.
type Session struct {
	Cookies    map[string]string `json:"cookies,omitempty"`
	Bearer     string            `json:"bearer,omitempty"`
	CacheID    string            `json:"cache_id"`
	CacheURL   string            `json:"cache_url,omitempty"` // base URL returned by the token endpoint
	ExpiresAt  time.Time         `json:"expires_at,omitzero"` // zero = unknown
	Source     string            `json:"source,omitempty"`
	AcquiredAt time.Time         `json:"acquired_at,omitzero"`
}

// Validate checks the cache id and expiry against now.
func (s *Session) Validate(now time.Time) error {
	if s == nil {
		return ErrNoCacheID
	}
	id := strings.TrimSpace(s.CacheID)
	if id == "" {
		return ErrNoCacheID
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrNoCacheID, id)
	}
	if !s.ExpiresAt.IsZero() && !s.ExpiresAt.After(now) {
		return fmt.Errorf("%w at %s", ErrExpired, s.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// MergeCookies records cookies set by a response. Empty values delete.
func (s *Session) MergeCookies(cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	if s.Cookies == nil {
		s.Cookies = make(map[string]string, len(cookies))
	}
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		if c.Value == "" || c.MaxAge < 0 {
			delete(s.Cookies, c.Name)
			continue
		}
		s.Cookies[c.Name] = c.Value
	}
}

// CookieHeader renders the cookies as a Cookie request header value, sorted by name.
func (s *Session) CookieHeader() string {
	if s == nil || len(s.Cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(s.Cookies))
	for k := range s.Cookies {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+"="+s.Cookies[n])
	}
	return strings.Join(parts, "; ")
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Cookies = maps.Clone(s.Cookies)
	return &c
}

// ParseCookieString parses "name=value; name2=value2".
func ParseCookieString(raw string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		idx := strings.Index(part, "=")
		if idx <= 0 {
			continue
		}
		name := strings.TrimSpace(part[:idx])
		value := strings.TrimSpace(part[idx+1:])
		if name != "" && value != "" {
			out[name] = value
		}
	}
	return out
}

// FilterCookies keeps only the named cookies. An empty names list keeps all.
func FilterCookies(cookies []*http.Cookie, names []string) []*http.Cookie {
	if len(names) == 0 {
		return cookies
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.TrimSpace(n)] = true
	}
	out := cookies[:0:0]
	for _, c := range cookies {
		if c != nil && want[c.Name] {
			out = append(out, c)
		}
	}
	return out
}
