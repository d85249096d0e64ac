// Package fetcher provides the rate-limited, retrying HTTP client used for
// every outbound scrape request.
package fetcher

import "context"

// Fetcher retrieves a remote document.
type Fetcher interface {
	// Get fetches the URL and returns the UTF-8 body. headers may be nil.
	Get(ctx context.Context, url string, headers map[string]string) ([]byte, error)
}

var _ Fetcher = (*HTTPFetcher)(nil)
