package httpclient

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"

	"golang.org/x/net/publicsuffix"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 8
)

var defaultClient *http.Client

func init() {
	defaultClient = &http.Client{
		Timeout: DefaultTimeout,
		Transport: &DecodingTransport{Base: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: MaxIdleConnsPerHost,
			IdleConnTimeout:     DefaultIdleConnTimeout,
			ForceAttemptHTTP2:   true,
		}},
	}
}

// Default returns the shared tuned HTTP client for token exchange, identity checks and guide fetches.
func Default() *http.Client {
	return defaultClient
}

// WithTimeout returns a client with the given timeout and a clone of the Default transport.
func WithTimeout(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: cloneTransport(),
	}
}

// NewJarClient returns a WithTimeout client that keeps cookies per registrable
// domain, so cookies set by the site are replayed to its API hosts.
func NewJarClient(timeout time.Duration) (*http.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	c := WithTimeout(timeout)
	c.Jar = jar
	return c, nil
}

func cloneTransport() http.RoundTripper {
	dt, ok := defaultClient.Transport.(*DecodingTransport)
	if !ok {
		return http.DefaultTransport
	}
	base, ok := dt.Base.(*http.Transport)
	if !ok {
		return &DecodingTransport{Base: dt.Base}
	}
	return &DecodingTransport{Base: base.Clone()}
}
