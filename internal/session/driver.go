// Package session establishes anonymous or token-authenticated sessions
// against content sources and verifies they reached the expected state.
package session

import (
	"context"
	"time"
)

// State is a step of the bootstrap state machine.
type State int

const (
	StateUnauthenticated State = iota
	StateConnecting
	StateCredentialInjected
	StateVerifying
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateConnecting:
		return "connecting"
	case StateCredentialInjected:
		return "credential_injected"
	case StateVerifying:
		return "verifying"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Cookie is a browser cookie in driver-neutral form.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Secure   bool
	HTTPOnly bool
	Expires  time.Time
}

// StorageSnapshot captures every storage surface a page can read
// credentials from.
type StorageSnapshot struct {
	Local   map[string]string
	Session map[string]string
	Cookies []Cookie
}

// Has reports whether key is present in at least one storage surface.
func (s StorageSnapshot) Has(key string) bool {
	if s.Local[key] != "" || s.Session[key] != "" {
		return true
	}
	for _, c := range s.Cookies {
		if c.Name == key && c.Value != "" {
			return true
		}
	}
	return false
}

// Driver is a browsing context: a real browser tab or an HTTP client that
// emulates one.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	SetLocalStorage(ctx context.Context, key, value string) error
	SetSessionStorage(ctx context.Context, key, value string) error
	SetCookie(ctx context.Context, c Cookie) error
	Storage(ctx context.Context) (StorageSnapshot, error)
	// Content returns the markup of the current page.
	Content(ctx context.Context) (string, error)
	// Fetch loads url within the session and returns its payload.
	Fetch(ctx context.Context, url string) ([]byte, error)
	Close() error
}

// DriverFactory opens a fresh driver.
type DriverFactory func(ctx context.Context) (Driver, error)
