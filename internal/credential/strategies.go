package credential

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/snapetech/epgharvest/internal/browser"
	"github.com/snapetech/epgharvest/internal/log"
	"github.com/snapetech/epgharvest/internal/session"
)

const (
	liveName     = "live"
	exchangeName = "exchange"
	staticName   = "static"
)

// ─── Live ────────────────────────────────────────────────────────────────────

// Live loads the site in a real browser, lets its scripts initialize, then
// reads the bearer, cache id and cookies they leave behind.
type Live struct {
	SiteURL string
	Factory browser.Factory
	// Settle is how long to let client-side initialization run after load.
	Settle time.Duration
	// WaitTimeout bounds the wait for the page body.
	WaitTimeout time.Duration
	BearerKeys  []string
	CacheIDKeys []string
	// CookieNames limits which cookies are kept; empty keeps all.
	CookieNames []string
	// Exchanger turns a bearer into a cache id when storage has none.
	Exchanger *Exchanger
	// KeepOpen hands the browser to the resolver instead of closing it.
	KeepOpen bool
}

func (l *Live) Name() string { return liveName }

func (l *Live) Acquire(ctx context.Context, h *Hints) (*session.Session, error) {
	if l.Factory == nil || l.SiteURL == "" {
		return nil, fmt.Errorf("no browser configured: %w", ErrDeclined)
	}
	lg := log.FromContext(ctx, "credential")
	d, err := l.Factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}
	keep := false
	defer func() {
		if !keep {
			_ = d.Close()
		}
	}()

	if err := d.Open(ctx, l.SiteURL); err != nil {
		return nil, fmt.Errorf("open %s: %w", l.SiteURL, err)
	}
	if err := d.WaitFor(ctx, "body", l.WaitTimeout); err != nil {
		return nil, fmt.Errorf("wait for page: %w", err)
	}
	if err := sleepCtx(ctx, l.Settle); err != nil {
		return nil, err
	}

	bearer := l.readFirst(ctx, d, l.BearerKeys)
	cacheID := l.readFirst(ctx, d, l.CacheIDKeys)
	cookies, err := d.Cookies(ctx)
	if err != nil {
		lg.Warn().Err(err).Msg("read browser cookies")
	}
	if len(l.CookieNames) > 0 {
		cookies = session.FilterCookies(cookies, l.CookieNames)
	}
	jar := cookieMap(cookies)
	lg.Info().Bool("bearer", bearer != "").Bool("cache_id", cacheID != "").Int("cookies", len(jar)).Msg("browser storage read")

	// Later strategies can reuse what the page produced even if this one fails.
	if bearer != "" {
		h.Bearer = bearer
	}
	if h.Cookies == nil {
		h.Cookies = map[string]string{}
	}
	maps.Copy(h.Cookies, jar)
	if l.KeepOpen {
		keep = true
		h.Browser = d
	}

	if cacheID != "" {
		exp, _ := session.BearerExpiry(bearer)
		return &session.Session{Cookies: jar, Bearer: bearer, CacheID: cacheID, ExpiresAt: exp, Source: liveName}, nil
	}
	if bearer == "" {
		return nil, errors.New("page storage has neither bearer nor cache id")
	}
	if l.Exchanger == nil {
		return nil, errors.New("page storage has a bearer but no token endpoint is configured")
	}

	sess, err := l.Exchanger.Exchange(ctx, bearer, jar)
	var te *TokenError
	if errors.As(err, &te) {
		lg.Warn().Int("status", te.Status).Msg("token exchange rejected, replaying in browser")
		sess, err = l.Exchanger.ExchangeInBrowser(ctx, d, bearer)
		if sess != nil {
			maps.Copy(sess.Cookies, jar)
		}
	}
	if err != nil {
		return nil, err
	}
	sess.Source = liveName
	return sess, nil
}

func (l *Live) readFirst(ctx context.Context, d browser.Driver, keys []string) string {
	for _, k := range keys {
		v, err := d.ReadStorage(ctx, k)
		if err != nil {
			lg := log.FromContext(ctx, "credential")
			lg.Debug().Err(err).Str("key", k).Msg("read storage")
			continue
		}
		if v = unquote(v); v != "" {
			return v
		}
	}
	return ""
}

// unquote strips the JSON string quoting some sites apply to storage values.
func unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		v = v[1 : len(v)-1]
	}
	return strings.TrimSpace(v)
}

func cookieMap(cookies []*http.Cookie) map[string]string {
	m := make(map[string]string, len(cookies))
	for _, c := range cookies {
		if c != nil && c.Name != "" && c.Value != "" {
			m[c.Name] = c.Value
		}
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ─── Exchange ────────────────────────────────────────────────────────────────

// Exchange calls the token endpoint with a bearer taken from, in order: an
// earlier strategy, configuration, the last stored session.
type Exchange struct {
	Exchanger *Exchanger
	Bearer    string
	Store     *session.Store
}

func (e *Exchange) Name() string { return exchangeName }

func (e *Exchange) Acquire(ctx context.Context, h *Hints) (*session.Session, error) {
	if e.Exchanger == nil || e.Exchanger.TokenURL == "" {
		return nil, fmt.Errorf("no token url: %w", ErrDeclined)
	}
	bearers := e.bearers(ctx, h)
	if len(bearers) == 0 {
		return nil, fmt.Errorf("no bearer available: %w", ErrDeclined)
	}
	lg := log.FromContext(ctx, "credential")
	var errs []error
	for _, b := range bearers {
		sess, err := e.Exchanger.Exchange(ctx, b.value, h.Cookies)
		if err != nil {
			lg.Warn().Str("bearer_from", b.from).Err(err).Msg("token exchange failed")
			errs = append(errs, fmt.Errorf("bearer from %s: %w", b.from, err))
			continue
		}
		sess.Source = exchangeName
		return sess, nil
	}
	return nil, errors.Join(errs...)
}

type bearerSource struct {
	from  string
	value string
}

func (e *Exchange) bearers(ctx context.Context, h *Hints) []bearerSource {
	var out []bearerSource
	seen := map[string]bool{}
	add := func(from, v string) {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			return
		}
		seen[v] = true
		out = append(out, bearerSource{from: from, value: v})
	}
	if h != nil {
		add("browser", h.Bearer)
	}
	add("config", e.Bearer)
	if e.Store != nil {
		prev, err := e.Store.Latest(ctx)
		if err != nil {
			lg := log.FromContext(ctx, "credential")
			lg.Debug().Err(err).Msg("load previous session")
		} else if prev != nil {
			add("previous run", prev.Bearer)
		}
	}
	return out
}

// ─── Static ──────────────────────────────────────────────────────────────────

// Static supplies an operator-configured cache id and cookies. The guide
// requests never carry the bearer, so its expiry says nothing about the cache
// id; ExpiresAt is left zero (unknown) unless the operator sets it.
type Static struct {
	CacheID   string
	CacheURL  string
	Bearer    string
	Cookies   map[string]string
	ExpiresAt time.Time
}

func (s *Static) Name() string { return staticName }

func (s *Static) Acquire(_ context.Context, h *Hints) (*session.Session, error) {
	if strings.TrimSpace(s.CacheID) == "" {
		return nil, fmt.Errorf("no static cache id: %w", ErrDeclined)
	}
	cookies := maps.Clone(s.Cookies)
	if cookies == nil {
		cookies = map[string]string{}
	}
	if h == nil {
		h = &Hints{}
	}
	// Configured cookies win over anything a browser produced.
	for k, v := range h.Cookies {
		if _, ok := cookies[k]; !ok {
			cookies[k] = v
		}
	}
	return &session.Session{
		Cookies:   cookies,
		Bearer:    s.Bearer,
		CacheID:   strings.TrimSpace(s.CacheID),
		CacheURL:  s.CacheURL,
		ExpiresAt: s.ExpiresAt,
		Source:    staticName,
	}, nil
}
