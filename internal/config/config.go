package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snapetech/epgharvest/internal/safeurl"
	"github.com/snapetech/epgharvest/internal/session"
)

// Config holds every setting of a harvest run. Sources, lowest precedence
// first: built-in defaults, the YAML file passed to Load, environment
// (EPG_HARVEST_*). Call LoadEnvFile(".env") before Load to use a .env file.
type Config struct {
	// Backend endpoints
	SiteURL      string `yaml:"site_url"`       // page that establishes a browser session
	TokenURL     string `yaml:"token_url"`      // bearer -> cache id exchange
	IdentityURL  string `yaml:"identity_url"`   // optional corroboration endpoint
	GuideBaseURL string `yaml:"guide_base_url"` // used when the session carries no cache URL
	GuidePath    string `yaml:"guide_path"`     // template with {cacheId} {channelId} {lineupId}

	// What to harvest
	Channels     []string      `yaml:"channels"`
	LineupID     string        `yaml:"lineup_id"`
	SmokeChannel string        `yaml:"smoke_channel"` // "" = first of Channels
	Window       time.Duration `yaml:"window"`        // guide span starting now
	PageSize     int           `yaml:"page_size"`
	MaxPages     int           `yaml:"max_pages"`
	SinglePage   bool          `yaml:"single_page"`
	Format       string        `yaml:"format"` // preferred payload format: xml | json
	ChannelDelay time.Duration `yaml:"channel_delay"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`

	// Credentials
	Bearer         string            `yaml:"bearer"`            // known bearer for direct exchange
	StaticCacheID  string            `yaml:"static_cache_id"`   // last-resort cache id
	StaticCookies  string            `yaml:"static_cookies"`    // "name=value; name2=value2"
	StaticExpires  string            `yaml:"static_expires_at"` // RFC 3339 or epoch; "" = unknown
	CookieNames    []string          `yaml:"cookie_names"`      // browser cookies to keep; empty = all
	BearerKeys     []string          `yaml:"bearer_keys"`       // storage keys that may hold the bearer
	CacheIDKeys    []string          `yaml:"cache_id_keys"`     // storage keys that may hold the cache id
	UserAgent      string            `yaml:"user_agent"`
	AcceptLanguage string            `yaml:"accept_language"`
	ExtraHeaders   map[string]string `yaml:"extra_headers"`

	// Browser
	Browser       bool          `yaml:"browser"` // enable live acquisition
	Headless      bool          `yaml:"headless"`
	ChromePath    string        `yaml:"chrome_path"`
	BrowserSettle time.Duration `yaml:"browser_settle"` // wait after page ready for scripts to store tokens
	BrowserWait   time.Duration `yaml:"browser_wait"`   // page ready timeout
	BrowserFetch  bool          `yaml:"browser_fetch"`  // do every guide request inside the page

	// Output
	OutputPath    string  `yaml:"output"`
	RawDir        string  `yaml:"raw_dir"`
	StateDir      string  `yaml:"state_dir"` // session db, run lock, catalog snapshot
	MetricsFile   string  `yaml:"metrics_file"`
	UTCOffset     float64 `yaml:"utc_offset"` // hours
	Generator     string  `yaml:"generator"`
	GeneratorURL  string  `yaml:"generator_url"`
	Lang          string  `yaml:"lang"`
	UntitledTitle string  `yaml:"untitled_title"`
	XMLNamespace  string  `yaml:"xml_namespace"` // "" = match element local names only

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config with every built-in default set.
func Defaults() *Config {
	return &Config{
		GuidePath:     "/api/epgcache/list/{cacheId}/{channelId}/{lineupId}",
		LineupID:      "220",
		Window:        24 * time.Hour,
		PageSize:      100,
		MaxPages:      20,
		Format:        "xml",
		ChannelDelay:  time.Second,
		HTTPTimeout:   15 * time.Second,
		CookieNames:   []string{"JSESSIONID", "AWSALB", "AWSALBCORS"},
		BearerKeys:    []string{"token", "access_token", "authToken"},
		CacheIDKeys:   []string{"cacheId", "uuid"},
		Headless:      true,
		BrowserSettle: 15 * time.Second,
		BrowserWait:   30 * time.Second,
		OutputPath:    "epg.xml",
		RawDir:        "raw",
		StateDir:      ".",
		Generator:     "epg-harvest",
		UntitledTitle: "Untitled",
		LogLevel:      "info",
	}
}

// Load builds the config from defaults, the YAML file at path (skipped when
// path is empty) and the environment.
func Load(path string) (*Config, error) {
	c := Defaults()
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	c.applyEnv()
	return c, nil
}

func (c *Config) applyEnv() {
	c.SiteURL = getEnv("EPG_HARVEST_SITE_URL", c.SiteURL)
	c.TokenURL = getEnv("EPG_HARVEST_TOKEN_URL", c.TokenURL)
	c.IdentityURL = getEnv("EPG_HARVEST_IDENTITY_URL", c.IdentityURL)
	c.GuideBaseURL = getEnv("EPG_HARVEST_GUIDE_BASE_URL", c.GuideBaseURL)
	c.GuidePath = getEnv("EPG_HARVEST_GUIDE_PATH", c.GuidePath)

	c.Channels = getEnvList("EPG_HARVEST_CHANNELS", c.Channels)
	c.LineupID = getEnv("EPG_HARVEST_LINEUP_ID", c.LineupID)
	c.SmokeChannel = getEnv("EPG_HARVEST_SMOKE_CHANNEL", c.SmokeChannel)
	c.Window = getEnvDuration("EPG_HARVEST_WINDOW", c.Window)
	c.PageSize = getEnvInt("EPG_HARVEST_PAGE_SIZE", c.PageSize)
	c.MaxPages = getEnvInt("EPG_HARVEST_MAX_PAGES", c.MaxPages)
	c.SinglePage = getEnvBool("EPG_HARVEST_SINGLE_PAGE", c.SinglePage)
	c.Format = strings.ToLower(getEnv("EPG_HARVEST_FORMAT", c.Format))
	c.ChannelDelay = getEnvDuration("EPG_HARVEST_CHANNEL_DELAY", c.ChannelDelay)
	c.HTTPTimeout = getEnvDuration("EPG_HARVEST_HTTP_TIMEOUT", c.HTTPTimeout)

	c.Bearer = getEnv("EPG_HARVEST_BEARER", c.Bearer)
	c.StaticCacheID = getEnv("EPG_HARVEST_STATIC_CACHE_ID", c.StaticCacheID)
	c.StaticCookies = getEnv("EPG_HARVEST_STATIC_COOKIES", c.StaticCookies)
	c.StaticExpires = getEnv("EPG_HARVEST_STATIC_EXPIRES_AT", c.StaticExpires)
	c.CookieNames = getEnvList("EPG_HARVEST_COOKIE_NAMES", c.CookieNames)
	c.BearerKeys = getEnvList("EPG_HARVEST_BEARER_KEYS", c.BearerKeys)
	c.CacheIDKeys = getEnvList("EPG_HARVEST_CACHE_ID_KEYS", c.CacheIDKeys)
	c.UserAgent = getEnv("EPG_HARVEST_USER_AGENT", c.UserAgent)
	c.AcceptLanguage = getEnv("EPG_HARVEST_ACCEPT_LANGUAGE", c.AcceptLanguage)

	c.Browser = getEnvBool("EPG_HARVEST_BROWSER", c.Browser)
	c.Headless = getEnvBool("EPG_HARVEST_HEADLESS", c.Headless)
	c.ChromePath = getEnv("EPG_HARVEST_CHROME_PATH", c.ChromePath)
	c.BrowserSettle = getEnvDuration("EPG_HARVEST_BROWSER_SETTLE", c.BrowserSettle)
	c.BrowserWait = getEnvDuration("EPG_HARVEST_BROWSER_WAIT", c.BrowserWait)
	c.BrowserFetch = getEnvBool("EPG_HARVEST_BROWSER_FETCH", c.BrowserFetch)

	c.OutputPath = getEnv("EPG_HARVEST_OUTPUT", c.OutputPath)
	c.RawDir = getEnv("EPG_HARVEST_RAW_DIR", c.RawDir)
	c.StateDir = getEnv("EPG_HARVEST_STATE_DIR", c.StateDir)
	c.MetricsFile = getEnv("EPG_HARVEST_METRICS_FILE", c.MetricsFile)
	c.UTCOffset = getEnvFloat("EPG_HARVEST_UTC_OFFSET", c.UTCOffset)
	c.Generator = getEnv("EPG_HARVEST_GENERATOR", c.Generator)
	c.GeneratorURL = getEnv("EPG_HARVEST_GENERATOR_URL", c.GeneratorURL)
	c.Lang = getEnv("EPG_HARVEST_LANG", c.Lang)
	c.UntitledTitle = getEnv("EPG_HARVEST_UNTITLED_TITLE", c.UntitledTitle)
	c.XMLNamespace = getEnv("EPG_HARVEST_XML_NAMESPACE", c.XMLNamespace)

	c.LogLevel = getEnv("EPG_HARVEST_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("EPG_HARVEST_LOG_FORMAT", c.LogFormat)
}

// Validate reports every problem that would make a run fail before it starts.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Channels) == 0 {
		errs = append(errs, errors.New("channels: at least one channel id is required"))
	}
	if c.GuideBaseURL == "" && c.TokenURL == "" {
		errs = append(errs, errors.New("guide_base_url or token_url is required"))
	}
	for name, u := range map[string]string{
		"site_url":       c.SiteURL,
		"token_url":      c.TokenURL,
		"identity_url":   c.IdentityURL,
		"guide_base_url": c.GuideBaseURL,
	} {
		if u != "" && !safeurl.IsHTTPOrHTTPS(u) {
			errs = append(errs, fmt.Errorf("%s: %q is not an http(s) URL", name, u))
		}
	}
	if c.Browser && c.SiteURL == "" {
		errs = append(errs, errors.New("browser: site_url is required"))
	}
	if _, err := c.StaticExpiry(); err != nil {
		errs = append(errs, fmt.Errorf("static_expires_at: %w", err))
	}
	if c.Format != "xml" && c.Format != "json" {
		errs = append(errs, fmt.Errorf("format: %q (want xml or json)", c.Format))
	}
	if c.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("page_size: %d must be positive", c.PageSize))
	}
	if c.UTCOffset < -14 || c.UTCOffset > 14 {
		errs = append(errs, fmt.Errorf("utc_offset: %v out of range", c.UTCOffset))
	}
	for _, ph := range []string{"{cacheId}", "{channelId}"} {
		if !strings.Contains(c.GuidePath, ph) {
			errs = append(errs, fmt.Errorf("guide_path: missing %s", ph))
		}
	}
	return errors.Join(errs...)
}

// StaticExpiry parses StaticExpires. Zero means unknown.
func (c *Config) StaticExpiry() (time.Time, error) {
	return session.ParseExpiration(c.StaticExpires)
}

// SmokeChannelID returns the channel used for the pre-flight check.
func (c *Config) SmokeChannelID() string {
	if c.SmokeChannel != "" {
		return c.SmokeChannel
	}
	if len(c.Channels) > 0 {
		return c.Channels[0]
	}
	return ""
}

// SessionDBPath is the SQLite session store inside StateDir.
func (c *Config) SessionDBPath() string { return filepath.Join(c.StateDir, "sessions.db") }

// LockPath is the single-run lock file inside StateDir.
func (c *Config) LockPath() string { return filepath.Join(c.StateDir, "epg-harvest.lock") }

// CatalogPath is the JSON snapshot of the last run's records.
func (c *Config) CatalogPath() string { return filepath.Join(c.StateDir, "catalog.json") }

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvList splits a comma-separated value, dropping empty items.
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
