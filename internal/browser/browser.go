// Package browser abstracts remote and local headless browser provisioning
// and driving. A Session is exclusively owned by the one task that created
// it and is never pooled or shared.
package browser

import (
	"context"
	"errors"
	"time"
)

// ErrSessionClosed indicates the underlying browser session is unusable
// (crashed, expired, released by the provider). Not retryable.
var ErrSessionClosed = errors.New("browser session closed")

// Session is one live remote/headless browser instance.
type Session struct {
	ID          string    `json:"id"`
	LiveViewURL string    `json:"live_view_url,omitempty"`
	ConnectURL  string    `json:"connect_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Provider provisions and releases browser sessions.
type Provider interface {
	CreateSession(ctx context.Context) (*Session, error)
	TerminateSession(ctx context.Context, sessionID string) error
	// LiveViewURL returns a URL a human can open to watch and, during
	// intervention, take over the session. Decisions pause; the session
	// itself keeps accepting input through this surface.
	LiveViewURL(ctx context.Context, sessionID string) (string, error)
}

// Page drives one session's active page.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Extract(ctx context.Context, selector string) (string, error)
	// Snapshot summarizes the current page state for the decision function.
	Snapshot(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

// Driver attaches a Page to an existing session.
type Driver interface {
	Connect(ctx context.Context, session *Session) (Page, error)
}
