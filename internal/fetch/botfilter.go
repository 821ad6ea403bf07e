package fetch

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
)

// ErrBotFilter describes a response that an anti-bot layer produced instead
// of the backend. The same request usually succeeds from inside the browser.
type ErrBotFilter struct {
	URL    string
	Status int
	Reason string
}

func (e *ErrBotFilter) Error() string {
	return fmt.Sprintf("bot filter on %s (status %d): %s", e.URL, e.Status, e.Reason)
}

// botFilterHeaders are response headers set by CDN bot-management layers.
var botFilterHeaders = []string{
	"CF-RAY",
	"CF-Mitigated",
	"X-Amzn-Waf-Action",
	"X-Akamai-Bot",
}

// challengeMarkers are body fragments of interstitial challenge pages.
var challengeMarkers = [][]byte{
	[]byte("Just a moment..."),
	[]byte("cf-challenge"),
	[]byte("captcha"),
	[]byte("Access Denied"),
}

// detectBotFilter reports why a plain HTTP response looks rejected by an
// anti-bot layer, or "" when it does not.
func detectBotFilter(status int, h http.Header, body []byte) string {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Sprintf("status %d", status)
	}
	if status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests {
		for _, name := range botFilterHeaders {
			if v := h.Get(name); v != "" {
				return fmt.Sprintf("status %d with %s: %s", status, name, v)
			}
		}
	}
	if status == http.StatusOK && strings.Contains(strings.ToLower(h.Get("Content-Type")), "html") {
		head := body[:min(len(body), 4096)]
		for _, m := range challengeMarkers {
			if bytes.Contains(head, m) {
				return fmt.Sprintf("challenge page (%q)", m)
			}
		}
	}
	return ""
}
