package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/community-pulse/internal/resilience"
)

func newTestFetcher(t *testing.T) *HTTPFetcher {
	t.Helper()
	f, err := NewHTTPFetcher(HTTPOptions{
		UserAgent: "test-agent",
		Timeout:   5 * time.Second,
		Retry:     resilience.RetryConfig{MaxAttempts: 3, Delay: time.Millisecond},
	})
	require.NoError(t, err)
	return f
}

func TestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "abc", r.Header.Get("X-Token"))
		_, _ = w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	body, err := f.Get(context.Background(), srv.URL+"/data", map[string]string{"X-Token": "abc"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))
}

func TestGet_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	body, err := f.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGet_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	_, err := f.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.True(t, resilience.IsRetryExhausted(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGet_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	_, err := f.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGet_CookiesPersist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/warmup" {
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "s1", Path: "/"})
			return
		}
		c, err := r.Cookie("sid")
		if err != nil {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(c.Value))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	_, err := f.Get(context.Background(), srv.URL+"/warmup", nil)
	require.NoError(t, err)

	body, err := f.Get(context.Background(), srv.URL+"/feed", nil)
	require.NoError(t, err)
	assert.Equal(t, "s1", string(body))

	u, _ := url.Parse(srv.URL)
	assert.Len(t, f.Jar().Cookies(u), 1)
}

func TestGet_DecodesCharset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		_, _ = w.Write([]byte{'c', 'a', 'f', 0xe9})
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	body, err := f.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "café", string(body))
}

func TestGet_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newTestFetcher(t)
	_, err := f.Get(ctx, srv.URL, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAdaptiveLimiter(t *testing.T) {
	lim := NewAdaptiveLimiter(10, 1)

	lim.OnRateLimit()
	assert.InDelta(t, 5.0, float64(lim.Limit()), 0.01)

	lim.OnRateLimit()
	lim.OnRateLimit()
	assert.InDelta(t, 2.5, float64(lim.Limit()), 0.01, "floor is initial/4")

	for i := 0; i < 20; i++ {
		lim.OnSuccess()
	}
	assert.InDelta(t, 20.0, float64(lim.Limit()), 0.01, "ceiling is 2x initial")
}

func TestLimiterFor(t *testing.T) {
	f, err := NewHTTPFetcher(HTTPOptions{Interval: 100 * time.Millisecond})
	require.NoError(t, err)

	a := f.limiterFor("linux.do")
	b := f.limiterFor("linux.do")
	c := f.limiterFor("www.reddit.com")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.InDelta(t, float64(rate.Every(100*time.Millisecond)), float64(a.Limit()), 0.01)

	unthrottled, err := NewHTTPFetcher(HTTPOptions{})
	require.NoError(t, err)
	assert.Nil(t, unthrottled.limiterFor("linux.do"))
}

func TestNewHTTPFetcher_BadProxy(t *testing.T) {
	_, err := NewHTTPFetcher(HTTPOptions{ProxyURL: "://bad"})
	assert.Error(t, err)
}
