// Package browser drives a real browser for the parts of a harvest that plain
// HTTP cannot do: letting the site establish its own session, reading what it
// stored, and replaying API calls from inside the page.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrClosed is returned by a Driver after Close.
var ErrClosed = errors.New("browser: closed")

// Driver is the browser-automation capability the harvest needs. One Driver
// is one browser instance; at most one exists per run.
type Driver interface {
	// Open navigates the page to url.
	Open(ctx context.Context, url string) error
	// WaitFor blocks until selector is ready or timeout elapses.
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	// ReadStorage returns the page's localStorage (then sessionStorage) value for key, or "".
	ReadStorage(ctx context.Context, key string) (string, error)
	// Cookies returns every cookie the browser holds for the current page.
	Cookies(ctx context.Context) ([]*http.Cookie, error)
	// Execute evaluates script in the page, awaiting a returned promise, and
	// JSON-decodes the result into out (which may be nil).
	Execute(ctx context.Context, script string, out any) error
	// Close shuts the browser down. Safe to call more than once.
	Close() error
}

// Factory starts a new Driver.
type Factory func(ctx context.Context) (Driver, error)

// Response is the result of a request replayed inside the page.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        string `json:"body"`
}

// FetchRequest is the argument object passed to fetchScript.
type FetchRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// fetchScript runs fetch() with the page's own cookies and origin. The request
// object is appended as a JSON literal.
const fetchScript = `(async (req) => {
  const r = await fetch(req.url, {method: req.method, headers: req.headers || {}, credentials: "include"});
  return {status: r.status, contentType: r.headers.get("content-type") || "", body: await r.text()};
})(%s)`

// Fetch performs an HTTP request from inside the page's JavaScript context.
func Fetch(ctx context.Context, d Driver, req FetchRequest) (*Response, error) {
	if d == nil {
		return nil, errors.New("browser fetch: no driver")
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	arg, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := d.Execute(ctx, fmt.Sprintf(fetchScript, arg), &resp); err != nil {
		return nil, fmt.Errorf("browser fetch %s: %w", req.URL, err)
	}
	return &resp, nil
}

// storageScript reads key from localStorage, then sessionStorage.
func storageScript(key string) string {
	k, _ := json.Marshal(key)
	return fmt.Sprintf(`(() => { const k = %s; return window.localStorage.getItem(k) ?? window.sessionStorage.getItem(k) ?? ""; })()`, k)
}
