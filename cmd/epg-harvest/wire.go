package main

import (
	"fmt"
	"time"

	"github.com/snapetech/epgharvest/internal/browser"
	"github.com/snapetech/epgharvest/internal/catalog"
	"github.com/snapetech/epgharvest/internal/config"
	"github.com/snapetech/epgharvest/internal/credential"
	"github.com/snapetech/epgharvest/internal/fetch"
	"github.com/snapetech/epgharvest/internal/harvest"
	"github.com/snapetech/epgharvest/internal/httpclient"
	"github.com/snapetech/epgharvest/internal/metrics"
	"github.com/snapetech/epgharvest/internal/normalize"
	"github.com/snapetech/epgharvest/internal/rawstore"
	"github.com/snapetech/epgharvest/internal/safeurl"
	"github.com/snapetech/epgharvest/internal/session"
	"github.com/snapetech/epgharvest/internal/xmltv"
)

func buildProfile(cfg *config.Config) httpclient.BrowserProfile {
	p := httpclient.DefaultProfile(safeurl.Origin(cfg.SiteURL))
	if cfg.UserAgent != "" {
		p.UserAgent = cfg.UserAgent
	}
	if cfg.AcceptLanguage != "" {
		p.AcceptLanguage = cfg.AcceptLanguage
	}
	p.Extra = cfg.ExtraHeaders
	return p
}

// buildResolver assembles live -> exchange -> static. keepBrowser hands the
// live browser to the caller for in-page fallback requests.
func buildResolver(cfg *config.Config, store *session.Store, keepBrowser bool) (*credential.Resolver, error) {
	client, err := httpclient.NewJarClient(cfg.HTTPTimeout)
	if err != nil {
		return nil, err
	}
	staticExp, err := cfg.StaticExpiry()
	if err != nil {
		return nil, err
	}
	profile := buildProfile(cfg)
	ex := &credential.Exchanger{
		TokenURL: cfg.TokenURL,
		Client:   client,
		Profile:  profile,
		Retry:    httpclient.DefaultRetryPolicy,
	}

	var strategies []credential.Strategy
	if cfg.Browser {
		strategies = append(strategies, &credential.Live{
			SiteURL: cfg.SiteURL,
			Factory: browser.ChromeFactory(browser.Options{
				Headless:  cfg.Headless,
				UserAgent: profile.UserAgent,
				ExecPath:  cfg.ChromePath,
			}),
			Settle:      cfg.BrowserSettle,
			WaitTimeout: cfg.BrowserWait,
			BearerKeys:  cfg.BearerKeys,
			CacheIDKeys: cfg.CacheIDKeys,
			CookieNames: cfg.CookieNames,
			Exchanger:   ex,
			KeepOpen:    keepBrowser,
		})
	}
	strategies = append(strategies,
		&credential.Exchange{Exchanger: ex, Bearer: cfg.Bearer, Store: store},
		&credential.Static{
			CacheID:   cfg.StaticCacheID,
			CacheURL:  cfg.GuideBaseURL,
			Bearer:    cfg.Bearer,
			Cookies:   session.ParseCookieString(cfg.StaticCookies),
			ExpiresAt: staticExp,
		},
	)

	r := &credential.Resolver{Strategies: strategies, Store: store}
	if cfg.IdentityURL != "" {
		r.Identity = &credential.Identity{URL: cfg.IdentityURL, Client: client, Profile: profile}
	}
	return r, nil
}

func buildNormalizer(cfg *config.Config) normalize.Normalizer {
	return normalize.Normalizer{Namespace: cfg.XMLNamespace}
}

func buildFetcher(cfg *config.Config, raw *rawstore.Store, m *metrics.Metrics) (*fetch.Client, error) {
	fc := fetch.Config{
		BaseURL:       cfg.GuideBaseURL,
		PathTemplate:  cfg.GuidePath,
		Preferred:     catalog.ParseKind(cfg.Format),
		MaxPages:      cfg.MaxPages,
		Profile:       buildProfile(cfg),
		Client:        httpclient.WithTimeout(cfg.HTTPTimeout),
		Retry:         httpclient.DefaultRetryPolicy,
		PreferBrowser: cfg.BrowserFetch,
		Raw:           raw,
		Normalizer:    buildNormalizer(cfg),
	}
	if m != nil {
		fc.OnResponse = m.Response
	}
	return fetch.New(fc)
}

func buildAssembler(cfg *config.Config) *xmltv.Assembler {
	return &xmltv.Assembler{
		Offset:       xmltv.OffsetHours(cfg.UTCOffset),
		Generator:    cfg.Generator,
		GeneratorURL: cfg.GeneratorURL,
		Lang:         cfg.Lang,
		Untitled:     cfg.UntitledTitle,
	}
}

// buildHarvester wires the full pipeline. The returned close func releases
// the session store.
func buildHarvester(cfg *config.Config) (*harvest.Harvester, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	store, err := session.Open(cfg.SessionDBPath())
	if err != nil {
		return nil, nil, err
	}
	raw, err := rawstore.New(cfg.RawDir)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	m := metrics.New()
	resolver, err := buildResolver(cfg, store, cfg.Browser)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	fetcher, err := buildFetcher(cfg, raw, m)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	h := &harvest.Harvester{
		Config: harvest.Config{
			Channels:     cfg.Channels,
			SmokeChannel: cfg.SmokeChannelID(),
			LineupID:     cfg.LineupID,
			Window:       cfg.Window,
			PageSize:     cfg.PageSize,
			SinglePage:   cfg.SinglePage,
			ChannelDelay: cfg.ChannelDelay,
			OutputPath:   cfg.OutputPath,
			CatalogPath:  cfg.CatalogPath(),
			LockPath:     cfg.LockPath(),
			MetricsFile:  cfg.MetricsFile,
		},
		Resolver:   resolver,
		Fetcher:    fetcher,
		Normalizer: buildNormalizer(cfg),
		Assembler:  buildAssembler(cfg),
		Store:      store,
		Metrics:    m,
	}
	return h, func() { store.Close() }, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Local().Format(time.RFC3339)
}
