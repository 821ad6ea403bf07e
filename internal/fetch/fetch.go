// Package fetch retrieves one channel's guide pages from the backend: URL
// building, Accept negotiation, in-browser fallback, raw persistence and
// pagination.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapetech/epgharvest/internal/browser"
	"github.com/snapetech/epgharvest/internal/catalog"
	"github.com/snapetech/epgharvest/internal/httpclient"
	"github.com/snapetech/epgharvest/internal/log"
	"github.com/snapetech/epgharvest/internal/normalize"
	"github.com/snapetech/epgharvest/internal/rawstore"
	"github.com/snapetech/epgharvest/internal/safeurl"
	"github.com/snapetech/epgharvest/internal/session"
)

const (
	acceptXML  = "application/xml, text/xml, */*"
	acceptJSON = "application/json, text/plain, */*"

	maxBodyBytes = 32 << 20
)

// AcceptFor returns the Accept header that asks for kind.
func AcceptFor(kind catalog.PayloadKind) string {
	if kind == catalog.KindJSON {
		return acceptJSON
	}
	return acceptXML
}

// ─── Configuration ───────────────────────────────────────────────────────────

// Config drives a Client. Zero values are replaced with defaults by New.
type Config struct {
	// BaseURL is the guide service root used when the session has no CacheURL.
	BaseURL string
	// PathTemplate is appended to the base; {cacheId}, {channelId} and
	// {lineupId} are substituted. Default: /api/epgcache/list/{cacheId}/{channelId}/{lineupId}.
	PathTemplate string

	// Preferred is the payload kind asked for first. Default: XML.
	Preferred catalog.PayloadKind

	// MaxPages caps pagination per channel. Default: 20.
	MaxPages int

	Profile httpclient.BrowserProfile
	Retry   httpclient.RetryPolicy

	// Client may be nil to use a 15s client from httpclient.
	Client *http.Client

	// Browser, when set, is used for requests the backend rejects over plain
	// HTTP. With PreferBrowser every request goes through it.
	Browser       browser.Driver
	PreferBrowser bool

	// Raw receives every response before it is parsed. Required.
	Raw *rawstore.Store

	// Normalizer counts items for pagination.
	Normalizer normalize.Normalizer

	// OnResponse, if set, observes every persisted response.
	OnResponse func(catalog.RawPayload)
}

func (c *Config) applyDefaults() {
	if c.PathTemplate == "" {
		c.PathTemplate = "/api/epgcache/list/{cacheId}/{channelId}/{lineupId}"
	}
	if c.Preferred == catalog.KindUnknown {
		c.Preferred = catalog.KindXML
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 20
	}
	if c.Client == nil {
		c.Client = httpclient.WithTimeout(15 * time.Second)
	}
	if c.Retry == (httpclient.RetryPolicy{}) {
		c.Retry = httpclient.DefaultRetryPolicy
	}
}

// ─── Client ──────────────────────────────────────────────────────────────────

// Client fetches guide pages. It is used from one goroutine at a time.
type Client struct {
	cfg Config
	log zerolog.Logger
}

// New returns a Client for cfg.
func New(cfg Config) (*Client, error) {
	cfg.applyDefaults()
	if cfg.Raw == nil {
		return nil, errors.New("fetch: Config.Raw is required")
	}
	return &Client{cfg: cfg, log: log.WithComponent("fetch")}, nil
}

// Preferred is the kind requested first.
func (c *Client) Preferred() catalog.PayloadKind { return c.cfg.Preferred }

// SetBrowser attaches (or detaches, with nil) the in-browser fallback.
func (c *Client) SetBrowser(d browser.Driver) { c.cfg.Browser = d }

// URL builds the guide URL for q under sess.
func (c *Client) URL(sess *session.Session, q catalog.ChannelQuery) (string, error) {
	base := c.cfg.BaseURL
	if sess != nil && sess.CacheURL != "" {
		base = sess.CacheURL
	}
	if !safeurl.IsHTTPOrHTTPS(base) {
		return "", fmt.Errorf("fetch: no usable guide base URL (%q)", base)
	}
	var cacheID string
	if sess != nil {
		cacheID = sess.CacheID
	}
	path := strings.NewReplacer(
		"{cacheId}", url.PathEscape(cacheID),
		"{channelId}", url.PathEscape(q.ChannelID),
		"{lineupId}", url.PathEscape(q.LineupID),
	).Replace(c.cfg.PathTemplate)

	v := url.Values{}
	v.Set("page", strconv.Itoa(q.Page))
	v.Set("size", strconv.Itoa(q.PageSize))
	v.Set("dateFrom", strconv.FormatInt(q.FromMS, 10))
	v.Set("dateTo", strconv.FormatInt(q.ToMS, 10))
	return safeurl.Join(base, path) + "?" + v.Encode(), nil
}

// Fetch retrieves one page asking for the preferred kind first.
func (c *Client) Fetch(ctx context.Context, sess *session.Session, q catalog.ChannelQuery) catalog.RawPayload {
	return c.FetchAs(ctx, sess, q, c.cfg.Preferred)
}

// FetchAs retrieves one page asking for kind first. A 406 is retried once
// with the alternate kind; a bot-filter rejection is replayed in the browser
// when one is attached. Every response is persisted before this returns.
// The returned payload is Failed when no attempt produced a 2xx.
func (c *Client) FetchAs(ctx context.Context, sess *session.Session, q catalog.ChannelQuery, kind catalog.PayloadKind) catalog.RawPayload {
	target, err := c.URL(sess, q)
	if err != nil {
		return catalog.RawPayload{ChannelID: q.ChannelID, Page: q.Page, Failed: true, Err: err.Error()}
	}

	p, rejected := c.attempt(ctx, sess, q, target, kind)
	if p.Status == http.StatusNotAcceptable {
		kind = kind.Alternate()
		c.log.Info().Str("channel", q.ChannelID).Int("page", q.Page).Str("accept", kind.String()).Msg("406 not acceptable, retrying with alternate format")
		p, rejected = c.attempt(ctx, sess, q, target, kind)
	}
	if rejected != "" && p.Via == "http" && c.cfg.Browser != nil {
		c.log.Warn().Str("channel", q.ChannelID).Int("page", q.Page).Str("reason", rejected).Msg("direct request rejected, replaying in browser")
		p = c.viaBrowser(ctx, q, target, kind)
		c.persist(&p)
	}
	if p.Status < 200 || p.Status > 299 {
		p.Failed = true
		if p.Err == "" {
			p.Err = fmt.Sprintf("status %d", p.Status)
		}
	}
	return p
}

// attempt performs one request (HTTP or browser per configuration), persists
// the response and reports a bot-filter reason for HTTP rejections.
func (c *Client) attempt(ctx context.Context, sess *session.Session, q catalog.ChannelQuery, target string, kind catalog.PayloadKind) (catalog.RawPayload, string) {
	if c.cfg.PreferBrowser && c.cfg.Browser != nil {
		p := c.viaBrowser(ctx, q, target, kind)
		c.persist(&p)
		return p, ""
	}
	p, h := c.viaHTTP(ctx, sess, q, target, kind)
	if p.Err != "" && p.Status == 0 {
		return p, ""
	}
	c.persist(&p)
	return p, detectBotFilter(p.Status, h, p.Body)
}

func (c *Client) viaHTTP(ctx context.Context, sess *session.Session, q catalog.ChannelQuery, target string, kind catalog.PayloadKind) (catalog.RawPayload, http.Header) {
	accept := AcceptFor(kind)
	p := catalog.RawPayload{ChannelID: q.ChannelID, Page: q.Page, Accept: accept, Via: "http"}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		p.Failed, p.Err = true, err.Error()
		return p, nil
	}
	c.cfg.Profile.Apply(req)
	req.Header.Set("Accept", accept)
	if ck := sess.CookieHeader(); ck != "" {
		req.Header.Set("Cookie", ck)
	}

	resp, err := httpclient.DoWithRetry(ctx, c.cfg.Client, req, c.cfg.Retry)
	if err != nil {
		p.Failed, p.Err = true, err.Error()
		c.log.Warn().Err(err).Str("channel", q.ChannelID).Int("page", q.Page).Msg("request failed")
		return p, nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		p.Failed, p.Err = true, fmt.Sprintf("read body: %v", err)
	}
	if sess != nil {
		sess.MergeCookies(resp.Cookies())
	}
	p.Status = resp.StatusCode
	p.ContentType = resp.Header.Get("Content-Type")
	p.Body = body
	p.Kind = normalize.Sniff(p.ContentType, body)
	return p, resp.Header
}

func (c *Client) viaBrowser(ctx context.Context, q catalog.ChannelQuery, target string, kind catalog.PayloadKind) catalog.RawPayload {
	accept := AcceptFor(kind)
	p := catalog.RawPayload{ChannelID: q.ChannelID, Page: q.Page, Accept: accept, Via: "browser"}
	headers := c.cfg.Profile.Headers()
	headers["Accept"] = accept
	resp, err := browser.Fetch(ctx, c.cfg.Browser, browser.FetchRequest{URL: target, Headers: headers})
	if err != nil {
		p.Failed, p.Err = true, err.Error()
		c.log.Warn().Err(err).Str("channel", q.ChannelID).Int("page", q.Page).Msg("browser request failed")
		return p
	}
	p.Status = resp.Status
	p.ContentType = resp.ContentType
	p.Body = []byte(resp.Body)
	p.Kind = normalize.Sniff(p.ContentType, p.Body)
	return p
}

func (c *Client) persist(p *catalog.RawPayload) {
	if p.Status == 0 && len(p.Body) == 0 {
		return
	}
	if err := c.cfg.Raw.Persist(p); err != nil {
		c.log.Error().Err(err).Str("channel", p.ChannelID).Msg("persist raw response")
	}
	if c.cfg.OnResponse != nil {
		c.cfg.OnResponse(*p)
	}
}

// FetchAll retrieves pages while each one comes back full: a page whose item
// count equals the page size is followed by the next page, up to MaxPages.
// Pagination stops at the first failed page, which is included in the result.
func (c *Client) FetchAll(ctx context.Context, sess *session.Session, q catalog.ChannelQuery, kind catalog.PayloadKind) []catalog.RawPayload {
	var pages []catalog.RawPayload
	for {
		p := c.FetchAs(ctx, sess, q, kind)
		pages = append(pages, p)
		if p.HardError() || q.SinglePage || ctx.Err() != nil {
			break
		}
		n := c.cfg.Normalizer.ItemCount(p)
		c.log.Debug().Str("channel", q.ChannelID).Int("page", q.Page).Int("items", n).Msg("page fetched")
		if n == 0 || n != q.PageSize {
			break
		}
		if q.Page+1 >= c.cfg.MaxPages {
			c.log.Warn().Str("channel", q.ChannelID).Int("max_pages", c.cfg.MaxPages).Msg("page limit reached")
			break
		}
		// Later pages keep whatever format the backend accepted.
		if p.Accept != AcceptFor(kind) {
			kind = kind.Alternate()
		}
		q = q.NextPage()
	}
	return pages
}
