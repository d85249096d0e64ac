package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
)

// ChromeOptions configures the headless browser.
type ChromeOptions struct {
	Headless  bool
	UserAgent string
	ProxyURL  string
	// Settle is how long to wait after a navigation for client-side
	// rendering to finish.
	Settle time.Duration
	// Timeout bounds every browser action.
	Timeout time.Duration
}

// ChromeDriver drives a real Chrome tab through the DevTools protocol.
type ChromeDriver struct {
	opts        ChromeOptions
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

var _ Driver = (*ChromeDriver)(nil)

// NewChromeDriver launches a browser and opens a tab.
func NewChromeDriver(opts ChromeOptions) (*ChromeDriver, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ProxyURL != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.ProxyURL))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	tabCtx, cancel := chromedp.NewContext(allocCtx)

	// The first Run starts the browser.
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		allocCancel()
		return nil, eris.Wrap(err, "session: launch browser")
	}

	return &ChromeDriver{opts: opts, ctx: tabCtx, cancel: cancel, allocCancel: allocCancel}, nil
}

// ChromeDriverFactory returns a factory that launches a new browser per
// session.
func ChromeDriverFactory(opts ChromeOptions) DriverFactory {
	return func(context.Context) (Driver, error) {
		return NewChromeDriver(opts)
	}
}

// run executes actions on the tab, bounded by both ctx and the driver
// timeout.
func (d *ChromeDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(d.ctx, d.opts.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// Navigate implements Driver.
func (d *ChromeDriver) Navigate(ctx context.Context, url string) error {
	err := d.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(d.opts.Settle),
	)
	return eris.Wrapf(err, "session: navigate %s", url)
}

// Reload implements Driver.
func (d *ChromeDriver) Reload(ctx context.Context) error {
	err := d.run(ctx,
		chromedp.Reload(),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(d.opts.Settle),
	)
	return eris.Wrap(err, "session: reload")
}

// SetLocalStorage implements Driver.
func (d *ChromeDriver) SetLocalStorage(ctx context.Context, key, value string) error {
	return eris.Wrap(d.setStorage(ctx, "localStorage", key, value), "session: set local storage")
}

// SetSessionStorage implements Driver.
func (d *ChromeDriver) SetSessionStorage(ctx context.Context, key, value string) error {
	return eris.Wrap(d.setStorage(ctx, "sessionStorage", key, value), "session: set session storage")
}

func (d *ChromeDriver) setStorage(ctx context.Context, area, key, value string) error {
	k, _ := json.Marshal(key)
	v, _ := json.Marshal(value)
	var ok bool
	return d.run(ctx, chromedp.Evaluate(fmt.Sprintf("(%s.setItem(%s, %s), true)", area, k, v), &ok))
}

// SetCookie implements Driver.
func (d *ChromeDriver) SetCookie(ctx context.Context, c Cookie) error {
	path := c.Path
	if path == "" {
		path = "/"
	}
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		p := network.SetCookie(c.Name, c.Value).
			WithDomain(c.Domain).
			WithPath(path).
			WithSecure(c.Secure).
			WithHTTPOnly(c.HTTPOnly)
		if !c.Expires.IsZero() {
			exp := cdp.TimeSinceEpoch(c.Expires)
			p = p.WithExpires(&exp)
		}
		return p.Do(ctx)
	}))
	return eris.Wrapf(err, "session: set cookie %s", c.Name)
}

const storageScript = `JSON.stringify({
	local: Object.assign({}, window.localStorage),
	session: Object.assign({}, window.sessionStorage)
})`

// Storage implements Driver.
func (d *ChromeDriver) Storage(ctx context.Context) (StorageSnapshot, error) {
	var (
		raw     string
		cookies []*network.Cookie
	)
	err := d.run(ctx,
		chromedp.Evaluate(storageScript, &raw),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().Do(ctx)
			return err
		}),
	)
	if err != nil {
		return StorageSnapshot{}, eris.Wrap(err, "session: read storage")
	}

	var areas struct {
		Local   map[string]string `json:"local"`
		Session map[string]string `json:"session"`
	}
	if err := json.Unmarshal([]byte(raw), &areas); err != nil {
		return StorageSnapshot{}, eris.Wrap(err, "session: decode storage")
	}

	snap := StorageSnapshot{Local: areas.Local, Session: areas.Session}
	for _, c := range cookies {
		snap.Cookies = append(snap.Cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	return snap, nil
}

// Content implements Driver.
func (d *ChromeDriver) Content(ctx context.Context) (string, error) {
	var html string
	if err := d.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", eris.Wrap(err, "session: read content")
	}
	return html, nil
}

// Fetch implements Driver. The browser renders feeds as markup, so the
// payload is the page's outer HTML rather than the raw document.
func (d *ChromeDriver) Fetch(ctx context.Context, url string) ([]byte, error) {
	if err := d.Navigate(ctx, url); err != nil {
		return nil, err
	}
	html, err := d.Content(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(html), nil
}

// Close implements Driver.
func (d *ChromeDriver) Close() error {
	d.cancel()
	d.allocCancel()
	return nil
}
