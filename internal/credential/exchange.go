package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/snapetech/epgharvest/internal/browser"
	"github.com/snapetech/epgharvest/internal/httpclient"
	"github.com/snapetech/epgharvest/internal/session"
)

// TokenError is a non-200 answer from the token endpoint.
type TokenError struct {
	Status int
	Body   string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("token endpoint status %d: %s", e.Status, e.Body)
}

// Exchanger trades a bearer for a cache id at the token endpoint.
type Exchanger struct {
	TokenURL string
	Client   *http.Client
	Profile  httpclient.BrowserProfile
	Retry    httpclient.RetryPolicy
}

type tokenFields struct {
	UUID       string `json:"uuid"`
	CacheID    string `json:"cacheId"`
	Expiration any    `json:"expiration"`
	CacheURL   string `json:"cacheUrl"`
}

// tokenResponse accepts {"token":{...}} as well as the same fields at top level.
type tokenResponse struct {
	Token json.RawMessage `json:"token"`
	tokenFields
}

func decodeUseNumber(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// parseToken builds a session from a token endpoint body.
func parseToken(body []byte, bearer string) (*session.Session, error) {
	var tr tokenResponse
	if err := decodeUseNumber(body, &tr); err != nil {
		return nil, fmt.Errorf("token parse: %w", err)
	}
	f := tr.tokenFields
	if raw := bytes.TrimSpace(tr.Token); len(raw) > 0 && raw[0] == '{' {
		if err := decodeUseNumber(raw, &f); err != nil {
			return nil, fmt.Errorf("token parse: %w", err)
		}
	}
	id := f.UUID
	if id == "" {
		id = f.CacheID
	}
	if id == "" {
		return nil, errors.New("token response carries no uuid")
	}
	exp, err := session.ParseExpiration(f.Expiration)
	if err != nil {
		return nil, err
	}
	if exp.IsZero() {
		exp, _ = session.BearerExpiry(bearer)
	}
	return &session.Session{
		Bearer:    bearer,
		CacheID:   strings.TrimSpace(id),
		CacheURL:  strings.TrimSpace(f.CacheURL),
		ExpiresAt: exp,
		Cookies:   map[string]string{},
	}, nil
}

func bearerValue(bearer string) string {
	bearer = strings.TrimSpace(bearer)
	if strings.HasPrefix(strings.ToLower(bearer), "bearer ") {
		return bearer
	}
	return "Bearer " + bearer
}

// Exchange calls the token endpoint over plain HTTP with bearer and cookies.
func (e *Exchanger) Exchange(ctx context.Context, bearer string, cookies map[string]string) (*session.Session, error) {
	if e == nil || e.TokenURL == "" {
		return nil, fmt.Errorf("no token url: %w", ErrDeclined)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.TokenURL, nil)
	if err != nil {
		return nil, err
	}
	e.Profile.Apply(req)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Authorization", bearerValue(bearer))

	client := e.Client
	if client == nil {
		client = httpclient.Default()
	}
	attachCookies(client, req, cookies)
	resp, err := httpclient.DoWithRetry(ctx, client, req, e.Retry)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &TokenError{Status: resp.StatusCode, Body: snippet(data)}
	}
	sess, err := parseToken(data, bearer)
	if err != nil {
		return nil, err
	}
	for k, v := range cookies {
		sess.Cookies[k] = v
	}
	sess.MergeCookies(resp.Cookies())
	return sess, nil
}

// ExchangeInBrowser performs the same call from inside the page, inheriting
// its cookies and network fingerprint.
func (e *Exchanger) ExchangeInBrowser(ctx context.Context, d browser.Driver, bearer string) (*session.Session, error) {
	if e == nil || e.TokenURL == "" {
		return nil, fmt.Errorf("no token url: %w", ErrDeclined)
	}
	headers := e.Profile.Headers()
	headers["Accept"] = "application/json, text/plain, */*"
	headers["Authorization"] = bearerValue(bearer)
	resp, err := browser.Fetch(ctx, d, browser.FetchRequest{URL: e.TokenURL, Headers: headers})
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, &TokenError{Status: resp.Status, Body: snippet([]byte(resp.Body))}
	}
	return parseToken([]byte(resp.Body), bearer)
}

// attachCookies seeds the client's jar when it has one, so cookies the
// endpoint sets are kept for later calls; otherwise it sets the header.
func attachCookies(client *http.Client, req *http.Request, cookies map[string]string) {
	if len(cookies) == 0 {
		return
	}
	if client.Jar != nil {
		list := make([]*http.Cookie, 0, len(cookies))
		for k, v := range cookies {
			list = append(list, &http.Cookie{Name: k, Value: v})
		}
		client.Jar.SetCookies(req.URL, list)
		return
	}
	if ck := (&session.Session{Cookies: cookies}).CookieHeader(); ck != "" {
		req.Header.Set("Cookie", ck)
	}
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
