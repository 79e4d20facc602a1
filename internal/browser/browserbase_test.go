package browser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T, handler http.Handler) *BrowserbaseProvider {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &BrowserbaseProvider{
		apiKey:      "test-key",
		projectID:   "test-project",
		baseURL:     srv.URL,
		timeoutSecs: 60,
		client:      srv.Client(),
	}
}

func TestBrowserbaseCreateSession(t *testing.T) {
	var gotAuth string
	var gotReq createSessionRequest

	provider := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sessions", r.URL.Path)
		gotAuth = r.Header.Get("x-bb-api-key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(sessionResponse{
			ID:         "sess-123",
			Status:     "RUNNING",
			ConnectURL: "wss://connect.example/sess-123",
			CreatedAt:  time.Now().UTC(),
			ExpiresAt:  time.Now().UTC().Add(time.Hour),
		})
	}))

	session, err := provider.CreateSession(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotAuth)
	assert.Equal(t, "test-project", gotReq.ProjectID)
	assert.True(t, gotReq.KeepAlive, "sessions must survive pauses and intervention windows")
	assert.Equal(t, "sess-123", session.ID)
	assert.Equal(t, "wss://connect.example/sess-123", session.ConnectURL)
	assert.Equal(t, "https://www.browserbase.com/sessions/sess-123", session.LiveViewURL)
	assert.False(t, session.ExpiresAt.IsZero())
}

func TestBrowserbaseCreateSessionServerError(t *testing.T) {
	provider := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no capacity"}`, http.StatusTooManyRequests)
	}))

	_, err := provider.CreateSession(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestBrowserbaseTerminateSession(t *testing.T) {
	var gotReq updateSessionRequest
	provider := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sessions/sess-123", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))

	require.NoError(t, provider.TerminateSession(context.Background(), "sess-123"))
	assert.Equal(t, "REQUEST_RELEASE", gotReq.Status)
	assert.Equal(t, "test-project", gotReq.ProjectID)
}

func TestBrowserbaseLiveViewURL(t *testing.T) {
	provider := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sessions/sess-123/debug", r.URL.Path)
		json.NewEncoder(w).Encode(debugResponse{
			DebuggerFullscreenURL: "https://live.example/fullscreen",
		})
	}))

	url, err := provider.LiveViewURL(context.Background(), "sess-123")
	require.NoError(t, err)
	assert.Equal(t, "https://live.example/fullscreen", url)
}

func TestBrowserbaseLiveViewURLFallback(t *testing.T) {
	provider := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(debugResponse{})
	}))

	url, err := provider.LiveViewURL(context.Background(), "sess-xyz")
	require.NoError(t, err)
	assert.Equal(t, "https://www.browserbase.com/sessions/sess-xyz", url)
}
