// Package browsertest provides an in-memory browser.Driver for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/snapetech/epgharvest/internal/browser"
)

// Fake records calls and answers from canned data.
type Fake struct {
	mu sync.Mutex

	Storage    map[string]string
	CookieList []*http.Cookie
	OpenErr    error
	WaitErr    error
	// FetchFunc answers requests issued through browser.Fetch.
	FetchFunc func(req browser.FetchRequest) (*browser.Response, error)
	// ExecFunc answers any other Execute call.
	ExecFunc func(script string) (any, error)

	Opened  []string
	Fetched []browser.FetchRequest
	Closes  int
}

var _ browser.Driver = (*Fake)(nil)

// Factory returns a browser.Factory that always hands out f.
func (f *Fake) Factory() browser.Factory {
	return func(context.Context) (browser.Driver, error) { return f, nil }
}

func (f *Fake) Open(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Opened = append(f.Opened, url)
	return f.OpenErr
}

func (f *Fake) WaitFor(context.Context, string, time.Duration) error { return f.WaitErr }

func (f *Fake) ReadStorage(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Storage[key], nil
}

func (f *Fake) Cookies(context.Context) ([]*http.Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CookieList, nil
}

func (f *Fake) Execute(_ context.Context, script string, out any) error {
	var (
		res any
		err error
	)
	if req, ok := fetchArgs(script); ok && f.FetchFunc != nil {
		f.mu.Lock()
		f.Fetched = append(f.Fetched, req)
		f.mu.Unlock()
		res, err = f.FetchFunc(req)
	} else if f.ExecFunc != nil {
		res, err = f.ExecFunc(script)
	}
	if err != nil || out == nil || res == nil {
		return err
	}
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closes++
	return nil
}

// CloseCount reports how many times Close was called.
func (f *Fake) CloseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Closes
}

// fetchArgs extracts the request object appended to the in-page fetch script.
func fetchArgs(script string) (browser.FetchRequest, bool) {
	var req browser.FetchRequest
	i := strings.LastIndex(script, "})(")
	if i < 0 || !strings.HasSuffix(script, ")") {
		return req, false
	}
	arg := script[i+3 : len(script)-1]
	if err := json.Unmarshal([]byte(arg), &req); err != nil || req.URL == "" {
		return req, false
	}
	return req, true
}
