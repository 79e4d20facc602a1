package browser

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
)

// LocalProvider launches headless Chromium on the local machine. It serves
// development and testing where no remote hosting provider is configured.
// There is no remote live view; LiveViewURL returns an empty string.
//
// LocalProvider implements both Provider and Driver: the session "connect"
// is a map lookup into the browsers it launched itself.
type LocalProvider struct {
	mu       sync.Mutex
	pw       *playwright.Playwright
	sessions map[string]playwright.Browser
	lifetime time.Duration
}

// NewLocalProvider starts the playwright runtime.
func NewLocalProvider() (*LocalProvider, error) {
	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return nil, fmt.Errorf("local browser: playwright install: %w", err)
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("local browser: playwright run: %w", err)
	}
	return &LocalProvider{
		pw:       pw,
		sessions: make(map[string]playwright.Browser),
		lifetime: time.Duration(DefaultSessionTimeoutSecs) * time.Second,
	}, nil
}

func (p *LocalProvider) CreateSession(ctx context.Context) (*Session, error) {
	headless := true
	b, err := p.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{Headless: &headless})
	if err != nil {
		return nil, fmt.Errorf("local browser: launch: %w", err)
	}

	id := uuid.New().String()
	p.mu.Lock()
	p.sessions[id] = b
	p.mu.Unlock()

	now := time.Now().UTC()
	return &Session{
		ID:        id,
		CreatedAt: now,
		ExpiresAt: now.Add(p.lifetime),
	}, nil
}

func (p *LocalProvider) TerminateSession(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	b, ok := p.sessions[sessionID]
	delete(p.sessions, sessionID)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return b.Close()
}

func (p *LocalProvider) LiveViewURL(ctx context.Context, sessionID string) (string, error) {
	return "", nil
}

func (p *LocalProvider) Connect(ctx context.Context, session *Session) (Page, error) {
	p.mu.Lock()
	b, ok := p.sessions[session.ID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("local browser: %w: session %s", ErrSessionClosed, session.ID)
	}

	bctx, err := b.NewContext()
	if err != nil {
		return nil, fmt.Errorf("local browser: context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("local browser: page: %w", err)
	}
	return &playwrightPage{browser: b, page: page}, nil
}

// Close tears down all live sessions and stops playwright.
func (p *LocalProvider) Close() error {
	p.mu.Lock()
	for id, b := range p.sessions {
		_ = b.Close()
		delete(p.sessions, id)
	}
	p.mu.Unlock()
	return p.pw.Stop()
}
