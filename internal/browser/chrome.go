package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/snapetech/epgharvest/internal/log"
)

// Options configures a Chrome instance.
type Options struct {
	Headless  bool
	UserAgent string
	ExecPath  string // empty = look up chrome on PATH
	Width     int
	Height    int
}

// Chrome is a Driver backed by a local Chrome/Chromium through the DevTools protocol.
type Chrome struct {
	ctx         context.Context
	cancelAlloc context.CancelFunc
	cancelTab   context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// ChromeFactory returns a Factory that launches Chrome with opts.
func ChromeFactory(opts Options) Factory {
	return func(ctx context.Context) (Driver, error) {
		return NewChrome(ctx, opts)
	}
}

// NewChrome launches a browser. Its lifetime is independent of ctx, which only
// bounds the launch; call Close to shut it down.
func NewChrome(ctx context.Context, opts Options) (*Chrome, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = 1366, 900
	}
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(opts.Width, opts.Height),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	actx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	bctx, cancelTab := chromedp.NewContext(actx)

	c := &Chrome{ctx: bctx, cancelAlloc: cancelAlloc, cancelTab: cancelTab}
	// The first Run starts the browser process.
	if err := c.run(ctx, chromedp.Navigate("about:blank")); err != nil {
		c.Close()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	lg := log.WithComponent("browser")
	lg.Debug().Bool("headless", opts.Headless).Msg("chrome started")
	return c, nil
}

// run executes actions in the tab, cancelled when either ctx or the browser ends.
func (c *Chrome) run(ctx context.Context, actions ...chromedp.Action) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	rctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(rctx, actions...)
}

func (c *Chrome) Open(ctx context.Context, url string) error {
	return c.run(ctx, chromedp.Navigate(url))
}

func (c *Chrome) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return c.run(ctx, chromedp.WaitReady(selector, chromedp.ByQuery))
}

func (c *Chrome) ReadStorage(ctx context.Context, key string) (string, error) {
	var v string
	if err := c.run(ctx, chromedp.Evaluate(storageScript(key), &v)); err != nil {
		return "", err
	}
	return v, nil
}

func (c *Chrome) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	var raw []*network.Cookie
	err := c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	out := make([]*http.Cookie, 0, len(raw))
	for _, rc := range raw {
		hc := &http.Cookie{
			Name:     rc.Name,
			Value:    rc.Value,
			Domain:   rc.Domain,
			Path:     rc.Path,
			Secure:   rc.Secure,
			HttpOnly: rc.HTTPOnly,
		}
		if rc.Expires > 0 {
			sec, frac := math.Modf(rc.Expires)
			hc.Expires = time.Unix(int64(sec), int64(frac*1e9)).UTC()
		}
		out = append(out, hc)
	}
	return out, nil
}

func (c *Chrome) Execute(ctx context.Context, script string, out any) error {
	var raw []byte
	awaitPromise := func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}
	if err := c.run(ctx, chromedp.Evaluate(script, &raw, awaitPromise)); err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *Chrome) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := chromedp.Cancel(c.ctx)
	c.cancelTab()
	c.cancelAlloc()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close chrome: %w", err)
	}
	lg := log.WithComponent("browser")
	lg.Debug().Msg("chrome closed")
	return nil
}
