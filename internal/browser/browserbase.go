package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"
)

const (
	DefaultBrowserbaseBaseURL = "https://api.browserbase.com/v1"
	// DefaultSessionTimeoutSecs is the provider-side session lifetime.
	DefaultSessionTimeoutSecs = 3600
)

// BrowserbaseProvider provisions sessions through the Browserbase REST API.
// Configuration comes from BROWSERBASE_API_KEY, BROWSERBASE_PROJECT_ID and
// optionally BROWSERBASE_BASE_URL and BROWSERBASE_SESSION_TIMEOUT.
type BrowserbaseProvider struct {
	apiKey      string
	projectID   string
	baseURL     string
	timeoutSecs int
	client      *http.Client
}

// NewBrowserbaseProvider builds a provider from the environment.
func NewBrowserbaseProvider() (*BrowserbaseProvider, error) {
	apiKey := os.Getenv("BROWSERBASE_API_KEY")
	projectID := os.Getenv("BROWSERBASE_PROJECT_ID")
	if apiKey == "" || projectID == "" {
		return nil, fmt.Errorf("browserbase: BROWSERBASE_API_KEY and BROWSERBASE_PROJECT_ID are required")
	}
	baseURL := os.Getenv("BROWSERBASE_BASE_URL")
	if baseURL == "" {
		baseURL = DefaultBrowserbaseBaseURL
	}
	timeoutSecs := DefaultSessionTimeoutSecs
	if v := os.Getenv("BROWSERBASE_SESSION_TIMEOUT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			timeoutSecs = parsed
		}
	}
	return &BrowserbaseProvider{
		apiKey:      apiKey,
		projectID:   projectID,
		baseURL:     baseURL,
		timeoutSecs: timeoutSecs,
		client:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type createSessionRequest struct {
	ProjectID string `json:"projectId"`
	KeepAlive bool   `json:"keepAlive"`
	Timeout   int    `json:"timeout,omitempty"`
}

type sessionResponse struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	ConnectURL string    `json:"connectUrl"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type updateSessionRequest struct {
	ProjectID string `json:"projectId"`
	Status    string `json:"status"`
}

type debugResponse struct {
	DebuggerFullscreenURL string `json:"debuggerFullscreenUrl"`
	DebuggerURL           string `json:"debuggerUrl"`
}

// CreateSession allocates one keep-alive session. KeepAlive lets the session
// survive agent pauses and human intervention windows.
func (p *BrowserbaseProvider) CreateSession(ctx context.Context) (*Session, error) {
	var resp sessionResponse
	err := p.do(ctx, http.MethodPost, "/sessions", createSessionRequest{
		ProjectID: p.projectID,
		KeepAlive: true,
		Timeout:   p.timeoutSecs,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("browserbase: create session: %w", err)
	}

	session := &Session{
		ID:          resp.ID,
		ConnectURL:  resp.ConnectURL,
		LiveViewURL: fmt.Sprintf("https://www.browserbase.com/sessions/%s", resp.ID),
		CreatedAt:   resp.CreatedAt,
		ExpiresAt:   resp.ExpiresAt,
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	if session.ExpiresAt.IsZero() {
		session.ExpiresAt = session.CreatedAt.Add(time.Duration(p.timeoutSecs) * time.Second)
	}
	log.Printf("browserbase: created session %s (expires %s)", session.ID, session.ExpiresAt.Format(time.RFC3339))
	return session, nil
}

// TerminateSession requests release of the session. Termination of an
// already-released session is not an error.
func (p *BrowserbaseProvider) TerminateSession(ctx context.Context, sessionID string) error {
	err := p.do(ctx, http.MethodPost, "/sessions/"+sessionID, updateSessionRequest{
		ProjectID: p.projectID,
		Status:    "REQUEST_RELEASE",
	}, nil)
	if err != nil {
		return fmt.Errorf("browserbase: terminate session %s: %w", sessionID, err)
	}
	log.Printf("browserbase: released session %s", sessionID)
	return nil
}

// LiveViewURL fetches the fullscreen debugger URL for the session, falling
// back to the public session page when the debug endpoint has no URL.
func (p *BrowserbaseProvider) LiveViewURL(ctx context.Context, sessionID string) (string, error) {
	var resp debugResponse
	if err := p.do(ctx, http.MethodGet, "/sessions/"+sessionID+"/debug", nil, &resp); err != nil {
		return "", fmt.Errorf("browserbase: live view for session %s: %w", sessionID, err)
	}
	if resp.DebuggerFullscreenURL != "" {
		return resp.DebuggerFullscreenURL, nil
	}
	if resp.DebuggerURL != "" {
		return resp.DebuggerURL, nil
	}
	return fmt.Sprintf("https://www.browserbase.com/sessions/%s", sessionID), nil
}

func (p *BrowserbaseProvider) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("x-bb-api-key", p.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(data))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
