package session

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/community-pulse/internal/fetcher"
)

// HTTPDriver emulates a browsing context over plain HTTP. Cookies live in
// the fetcher's jar; local and session storage are in-memory maps that are
// only visible to verification.
type HTTPDriver struct {
	fetch *fetcher.HTTPFetcher

	mu      sync.Mutex
	current *url.URL
	content []byte
	local   map[string]string
	session map[string]string
	closed  bool
}

var _ Driver = (*HTTPDriver)(nil)

// NewHTTPDriver wraps f. Each driver should own its fetcher so cookie
// jars are never shared between sessions.
func NewHTTPDriver(f *fetcher.HTTPFetcher) *HTTPDriver {
	return &HTTPDriver{
		fetch:   f,
		local:   make(map[string]string),
		session: make(map[string]string),
	}
}

// HTTPDriverFactory returns a factory that builds an HTTPDriver with a new
// fetcher from opts on every call.
func HTTPDriverFactory(opts fetcher.HTTPOptions) DriverFactory {
	return func(context.Context) (Driver, error) {
		opts.Jar = nil
		f, err := fetcher.NewHTTPFetcher(opts)
		if err != nil {
			return nil, eris.Wrap(err, "session: create http driver")
		}
		return NewHTTPDriver(f), nil
	}
}

// Navigate implements Driver.
func (d *HTTPDriver) Navigate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return eris.Wrapf(err, "session: parse url %s", rawURL)
	}
	body, err := d.get(ctx, rawURL)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.current = u
	d.content = body
	d.mu.Unlock()
	return nil
}

// Reload implements Driver.
func (d *HTTPDriver) Reload(ctx context.Context) error {
	d.mu.Lock()
	cur := d.current
	d.mu.Unlock()
	if cur == nil {
		return eris.New("session: reload before navigate")
	}
	return d.Navigate(ctx, cur.String())
}

// SetLocalStorage implements Driver.
func (d *HTTPDriver) SetLocalStorage(_ context.Context, key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.local[key] = value
	return nil
}

// SetSessionStorage implements Driver.
func (d *HTTPDriver) SetSessionStorage(_ context.Context, key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.session[key] = value
	return nil
}

// SetCookie implements Driver.
func (d *HTTPDriver) SetCookie(_ context.Context, c Cookie) error {
	target, err := d.cookieURL(c.Domain)
	if err != nil {
		return err
	}
	path := c.Path
	if path == "" {
		path = "/"
	}
	d.fetch.Jar().SetCookies(target, []*http.Cookie{{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     path,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
		Expires:  c.Expires,
	}})
	return nil
}

// Storage implements Driver.
func (d *HTTPDriver) Storage(context.Context) (StorageSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := StorageSnapshot{
		Local:   make(map[string]string, len(d.local)),
		Session: make(map[string]string, len(d.session)),
	}
	for k, v := range d.local {
		snap.Local[k] = v
	}
	for k, v := range d.session {
		snap.Session[k] = v
	}
	if d.current != nil {
		for _, c := range d.fetch.Jar().Cookies(d.current) {
			snap.Cookies = append(snap.Cookies, Cookie{Name: c.Name, Value: c.Value})
		}
	}
	return snap, nil
}

// Content implements Driver.
func (d *HTTPDriver) Content(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return "", eris.New("session: no page loaded")
	}
	return string(d.content), nil
}

// Fetch implements Driver.
func (d *HTTPDriver) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	return d.get(ctx, rawURL)
}

// Close implements Driver.
func (d *HTTPDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		d.fetch.Client().CloseIdleConnections()
	}
	return nil
}

func (d *HTTPDriver) get(ctx context.Context, rawURL string) ([]byte, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, eris.New("session: driver closed")
	}
	return d.fetch.Get(ctx, rawURL, nil)
}

// cookieURL picks the URL a cookie for domain is stored under.
func (d *HTTPDriver) cookieURL(domain string) (*url.URL, error) {
	d.mu.Lock()
	cur := d.current
	d.mu.Unlock()
	if cur != nil && (domain == "" || strings.HasSuffix("."+cur.Hostname(), "."+strings.TrimPrefix(domain, "."))) {
		return cur, nil
	}
	if domain == "" {
		return nil, eris.New("session: cookie without domain before navigate")
	}
	return &url.URL{Scheme: "https", Host: strings.TrimPrefix(domain, "."), Path: "/"}, nil
}
