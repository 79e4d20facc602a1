package browser

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
)

const snapshotMaxLength = 4000

// PlaywrightDriver attaches to an already-provisioned remote session over the
// Chrome DevTools Protocol using the session's connect URL.
type PlaywrightDriver struct {
	pw *playwright.Playwright
}

// NewPlaywrightDriver installs the playwright runtime if needed and starts it.
func NewPlaywrightDriver() (*PlaywrightDriver, error) {
	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return nil, fmt.Errorf("playwright install: %w", err)
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("playwright run: %w", err)
	}
	return &PlaywrightDriver{pw: pw}, nil
}

// Connect dials the session's CDP endpoint and binds to its active page.
func (d *PlaywrightDriver) Connect(ctx context.Context, session *Session) (Page, error) {
	if session.ConnectURL == "" {
		return nil, fmt.Errorf("playwright connect: session %s has no connect URL", session.ID)
	}
	b, err := d.pw.Chromium.ConnectOverCDP(session.ConnectURL)
	if err != nil {
		return nil, fmt.Errorf("playwright connect to session %s: %w", session.ID, err)
	}

	contexts := b.Contexts()
	var bctx playwright.BrowserContext
	if len(contexts) > 0 {
		bctx = contexts[0]
	} else {
		bctx, err = b.NewContext()
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("playwright context for session %s: %w", session.ID, err)
		}
	}

	pages := bctx.Pages()
	var page playwright.Page
	if len(pages) > 0 {
		page = pages[0]
	} else {
		page, err = bctx.NewPage()
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("playwright page for session %s: %w", session.ID, err)
		}
	}
	return &playwrightPage{browser: b, page: page}, nil
}

// Close stops the playwright runtime.
func (d *PlaywrightDriver) Close() error {
	return d.pw.Stop()
}

// playwrightPage implements Page over a playwright page. Playwright calls do
// not take a context; deadlines are translated into per-call timeouts.
type playwrightPage struct {
	browser playwright.Browser
	page    playwright.Page
}

func timeoutMillis(ctx context.Context) *float64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	ms := float64(time.Until(deadline).Milliseconds())
	if ms < 1 {
		ms = 1
	}
	return &ms
}

func (p *playwrightPage) check(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "has been closed") || strings.Contains(msg, "Target closed") {
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	return err
}

func (p *playwrightPage) Navigate(ctx context.Context, url string) error {
	waitUntil := playwright.WaitUntilStateDomcontentloaded
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: waitUntil,
		Timeout:   timeoutMillis(ctx),
	})
	if err != nil {
		return p.check(fmt.Errorf("navigate to %s: %w", url, err))
	}
	return nil
}

func (p *playwrightPage) Click(ctx context.Context, selector string) error {
	err := p.page.Click(selector, playwright.PageClickOptions{Timeout: timeoutMillis(ctx)})
	if err != nil {
		return p.check(fmt.Errorf("click %q: %w", selector, err))
	}
	return nil
}

func (p *playwrightPage) Type(ctx context.Context, selector, text string) error {
	err := p.page.Fill(selector, text, playwright.PageFillOptions{Timeout: timeoutMillis(ctx)})
	if err != nil {
		return p.check(fmt.Errorf("type into %q: %w", selector, err))
	}
	return nil
}

func (p *playwrightPage) Extract(ctx context.Context, selector string) (string, error) {
	if selector == "" {
		selector = "body"
	}
	element, err := p.page.QuerySelector(selector)
	if err != nil {
		return "", p.check(fmt.Errorf("query %q: %w", selector, err))
	}
	if element == nil {
		return "", fmt.Errorf("no element matches selector %q", selector)
	}
	content, err := element.TextContent()
	if err != nil {
		return "", p.check(fmt.Errorf("extract text from %q: %w", selector, err))
	}
	return truncate(content, snapshotMaxLength), nil
}

func (p *playwrightPage) Snapshot(ctx context.Context) (string, error) {
	title, err := p.page.Title()
	if err != nil {
		return "", p.check(fmt.Errorf("snapshot title: %w", err))
	}
	url := p.page.URL()

	var body string
	if element, qerr := p.page.QuerySelector("body"); qerr == nil && element != nil {
		if text, terr := element.TextContent(); terr == nil {
			body = truncate(strings.TrimSpace(text), snapshotMaxLength)
		}
	}
	return fmt.Sprintf("title: %s\nurl: %s\n%s", title, url, body), nil
}

func (p *playwrightPage) Close(ctx context.Context) error {
	return p.browser.Close()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("\n[truncated, %d of %d characters shown]", max, len(s))
}
