package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/asimhafeezz/pm-agent-sub000/internal/backend"
	"github.com/asimhafeezz/pm-agent-sub000/internal/config"
	"github.com/asimhafeezz/pm-agent-sub000/internal/integration"
	"github.com/asimhafeezz/pm-agent-sub000/internal/oauth"
	"github.com/asimhafeezz/pm-agent-sub000/internal/provider"
	"github.com/asimhafeezz/pm-agent-sub000/internal/proxy"
	"github.com/asimhafeezz/pm-agent-sub000/internal/secrets"
	"github.com/asimhafeezz/pm-agent-sub000/internal/store"
	"github.com/asimhafeezz/pm-agent-sub000/internal/testutils"
	"github.com/asimhafeezz/pm-agent-sub000/internal/tokens"
)

const callbackURL = "https://app.example.com/oauth/callback"

// newFakeBackend answers the authorize and token endpoints for linear and
// echoes proxied project-manager calls.
func newFakeBackend(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/integration/oauth/linear/authorize":
			_ = json.NewEncoder(w).Encode(map[string]string{
				"authorization_url": "https://linear.example/oauth/authorize?state=" + r.URL.Query().Get("state"),
			})
		case "/integration/oauth/linear/token":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"accessToken":  "linear-access",
				"refreshToken": "linear-refresh",
				"expiresIn":    3600,
				"scope":        "read write",
			})
		case "/integration/project-manager/linear/issues":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"method": r.Method,
				"token":  r.Header.Get(backend.ProviderTokenHeader),
				"team":   r.URL.Query().Get("team"),
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestRouter(t *testing.T, limit testLimit) http.Handler {
	t.Helper()

	logger := zaptest.NewLogger(t)
	db := testutils.NewTestDB(t)
	cipher, err := secrets.NewCipher("router-test-secret", secrets.AlgorithmAESGCM)
	require.NoError(t, err)

	connections := store.NewConnectionStore(db, cipher, logger)
	client := backend.New(newFakeBackend(t).URL, time.Second, logger)
	redirects, err := oauth.NewRedirectValidator([]string{callbackURL}, nil, false)
	require.NoError(t, err)

	flow := oauth.NewCoordinator(oauth.NewStateCodec("router-state-secret", 0), oauth.NewDBLedger(db), redirects, client, connections, logger)
	manager := tokens.NewManager(connections, client, 0, logger)
	svc := integration.NewService(connections, flow, proxy.New(manager, client, logger), logger)

	cfg := &config.Config{
		Environment: config.EnvDevelopment,
		CORSOrigins: []string{"http://localhost:3000"},
	}
	auth := NewAuthenticator(testSecret, nil, nil, logger)
	return NewRouter(cfg, svc, auth, nil, NewRateLimiter(limit.rps, limit.burst), logger)
}

type testLimit struct {
	rps   rate.Limit
	burst int
}

var generousLimit = testLimit{rps: rate.Inf, burst: 1}

func call(t *testing.T, h http.Handler, method, target, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+userToken(t, userID))
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	h := newTestRouter(t, generousLimit)

	rec := call(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestIntegrations_RequireAuthentication(t *testing.T) {
	h := newTestRouter(t, generousLimit)

	rec := call(t, h, http.MethodGet, "/api/integrations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, decode[errorResponse](t, rec).Error)
}

func TestTokenConnectionLifecycle(t *testing.T) {
	h := newTestRouter(t, generousLimit)

	rec := call(t, h, http.MethodPost, "/api/integrations/slack/token", "user-1", map[string]any{
		"accessToken": "xoxb-123",
		"metadata":    map[string]any{"teamId": "T1", "teamName": "Acme"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[store.StatusView](t, rec)
	assert.True(t, view.Connected)
	assert.False(t, view.Refreshable)
	assert.Equal(t, "T1", view.Metadata["teamId"])
	assert.NotContains(t, rec.Body.String(), "xoxb-123")

	rec = call(t, h, http.MethodGet, "/api/integrations", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	views := decode[[]store.StatusView](t, rec)
	require.Len(t, views, len(provider.All))
	for _, v := range views {
		assert.Equal(t, v.Provider == provider.Slack, v.Connected, v.Provider)
	}

	// Another user sees nothing.
	rec = call(t, h, http.MethodGet, "/api/integrations/slack", "user-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[store.StatusView](t, rec).Connected)

	rec = call(t, h, http.MethodDelete, "/api/integrations/slack", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	rec = call(t, h, http.MethodGet, "/api/integrations/slack", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[store.StatusView](t, rec).Connected)

	rec = call(t, h, http.MethodGet, "/api/integrations/events?limit=10", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, "disconnected", events[0]["action"])
	assert.Equal(t, "connected", events[1]["action"])
}

func TestConnectToken_BadRequests(t *testing.T) {
	h := newTestRouter(t, generousLimit)

	tests := []struct {
		name   string
		target string
		body   any
	}{
		{"unknown provider", "/api/integrations/dropbox/token", map[string]any{"accessToken": "tok"}},
		{"missing token", "/api/integrations/linear/token", map[string]any{}},
		{"unknown field", "/api/integrations/linear/token", map[string]any{"accessToken": "tok", "extra": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(t, h, http.MethodPost, tt.target, "user-1", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	rec := call(t, h, http.MethodGet, "/api/integrations/events?limit=zero", "user-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOAuthFlowThenProxy(t *testing.T) {
	h := newTestRouter(t, generousLimit)

	rec := call(t, h, http.MethodPost, "/api/integrations/linear/oauth/start", "user-1", StartOAuthRequest{RedirectURI: callbackURL + "/"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	start := decode[oauth.StartResult](t, rec)
	assert.Equal(t, callbackURL, start.RedirectURI)
	assert.Contains(t, start.AuthorizationURL, "https://linear.example/oauth/authorize")

	// The state is bound to the user who started the flow.
	rec = call(t, h, http.MethodPost, "/api/integrations/oauth/callback", "user-2", oauth.CallbackInput{
		Code:        "code-1",
		State:       start.State,
		RedirectURI: start.RedirectURI,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	rec = call(t, h, http.MethodPost, "/api/integrations/oauth/callback", "user-1", oauth.CallbackInput{
		Code:        "code-1",
		State:       start.State,
		RedirectURI: start.RedirectURI,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[store.StatusView](t, rec)
	assert.True(t, view.Connected)
	assert.True(t, view.Refreshable)
	assert.Equal(t, "read write", view.Scope)
	require.NotNil(t, view.ExpiresAt)

	// Replaying the same state fails.
	rec = call(t, h, http.MethodPost, "/api/integrations/oauth/callback", "user-1", oauth.CallbackInput{
		Code:        "code-1",
		State:       start.State,
		RedirectURI: start.RedirectURI,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())

	rec = call(t, h, http.MethodGet, "/api/integrations/project-manager/linear/issues?team=ENG", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"method":"GET","token":"linear-access","team":"ENG"}`, rec.Body.String())

	rec = call(t, h, http.MethodPost, "/api/integrations/project-manager/linear/issues", "user-1", map[string]any{"title": "Bug"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"method":"POST","token":"linear-access","team":""}`, rec.Body.String())

	// Linear is not a communication provider.
	rec = call(t, h, http.MethodGet, "/api/integrations/communication/linear/issues", "user-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Gmail is, but it is not connected.
	rec = call(t, h, http.MethodGet, "/api/integrations/communication/gmail/messages", "user-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOAuthStart_RejectsUnlistedRedirect(t *testing.T) {
	h := newTestRouter(t, generousLimit)

	rec := call(t, h, http.MethodPost, "/api/integrations/linear/oauth/start", "user-1", StartOAuthRequest{RedirectURI: "https://evil.example/cb"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOAuthEndpoints_AreRateLimited(t *testing.T) {
	h := newTestRouter(t, testLimit{rps: rate.Every(time.Hour), burst: 1})

	rec := call(t, h, http.MethodPost, "/api/integrations/linear/oauth/start", "user-1", StartOAuthRequest{RedirectURI: callbackURL})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, h, http.MethodPost, "/api/integrations/linear/oauth/start", "user-1", StartOAuthRequest{RedirectURI: callbackURL})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Other routes are not limited.
	rec = call(t, h, http.MethodGet, "/api/integrations", "user-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
