package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy controls when to retry after a response. Used by DoWithRetry.
type RetryPolicy struct {
	// Retry429: on 429 Too Many Requests, wait Retry-After (capped at Max429Wait) and retry once.
	Retry429   bool
	Max429Wait time.Duration
	// Retry5xx: on 5xx, wait Backoff5xx and retry once.
	Retry5xx   bool
	Backoff5xx time.Duration
}

// DefaultRetryPolicy retries 429 (cap 60s) and 5xx (1s backoff).
var DefaultRetryPolicy = RetryPolicy{
	Retry429:   true,
	Max429Wait: 60 * time.Second,
	Retry5xx:   true,
	Backoff5xx: 1 * time.Second,
}

// DoWithRetry performs req and on 429/5xx (when policy allows) waits and retries once.
// Other statuses, including 406, are returned to the caller untouched; the
// final response is returned even when it is still a 429 or 5xx.
// Caller must close resp.Body when err == nil.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, policy RetryPolicy) (*http.Response, error) {
	if client == nil {
		client = Default()
	}
	const maxTries = 2
	attempt := 0
	op := func() (*http.Response, error) {
		attempt++
		r := req
		if attempt > 1 {
			r = req.Clone(ctx)
			r.Body = nil
		}
		resp, err := client.Do(r)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		code := resp.StatusCode
		retry429 := code == http.StatusTooManyRequests && policy.Retry429
		retry5xx := code >= 500 && policy.Retry5xx
		if attempt >= maxTries || (!retry429 && !retry5xx) {
			return resp, nil
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if retry429 {
			wait := parseRetryAfter(resp.Header.Get("Retry-After"), policy.Max429Wait)
			return nil, backoff.RetryAfter(int(wait / time.Second))
		}
		return nil, fmt.Errorf("upstream status %d", code)
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(policy.Backoff5xx)),
		backoff.WithMaxTries(maxTries),
	)
}

// parseRetryAfter parses Retry-After (seconds or HTTP-date); returns duration capped at max.
func parseRetryAfter(s string, max time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 1 * time.Second
	}
	if sec, err := strconv.Atoi(s); err == nil && sec >= 0 {
		d := time.Duration(sec) * time.Second
		if d > max {
			return max
		}
		return d
	}
	t, err := time.Parse(time.RFC1123, s)
	if err != nil {
		return 1 * time.Second
	}
	until := time.Until(t)
	if until <= 0 {
		return 0
	}
	if until > max {
		return max
	}
	return until
}
