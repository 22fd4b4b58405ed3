package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/asimhafeezz/pm-agent-sub000/internal/apperror"
	"github.com/asimhafeezz/pm-agent-sub000/internal/backend"
	"github.com/asimhafeezz/pm-agent-sub000/internal/provider"
)

type fakeTokens struct {
	calls int
	token string
	err   error
}

func (f *fakeTokens) GetValidAccessToken(context.Context, string, provider.Provider) (string, error) {
	f.calls++
	return f.token, f.err
}

type fakeForwarder struct {
	calls int
	last  backend.ForwardRequest
	resp  json.RawMessage
	err   error
}

func (f *fakeForwarder) Forward(_ context.Context, req backend.ForwardRequest) (json.RawMessage, error) {
	f.calls++
	f.last = req
	return f.resp, f.err
}

func newTestProxy(t *testing.T) (*Proxy, *fakeTokens, *fakeForwarder) {
	tokens := &fakeTokens{token: "provider-token"}
	forwarder := &fakeForwarder{resp: json.RawMessage(`{"ok":true}`)}
	return New(tokens, forwarder, zaptest.NewLogger(t)), tokens, forwarder
}

func TestForward_CapabilityGatingHappensFirst(t *testing.T) {
	tests := []struct {
		capability provider.Capability
		provider   string
	}{
		{provider.ProjectManager, "slack"},
		{provider.ProjectManager, "notion"},
		{provider.Communication, "linear"},
		{provider.Communication, "google_docs"},
		{provider.DocumentSources, "gmail"},
		{provider.DocumentSources, "dropbox"},
		{provider.ProjectManager, "wiki"},
		{provider.Capability("admin"), "linear"},
	}

	for _, tt := range tests {
		t.Run(string(tt.capability)+"/"+tt.provider, func(t *testing.T) {
			p, tokens, forwarder := newTestProxy(t)

			_, err := p.Forward(context.Background(), Request{
				UserID:     "user-1",
				Provider:   tt.provider,
				Capability: tt.capability,
				Path:       "/anything",
			})
			require.ErrorIs(t, err, apperror.ErrValidation)
			assert.Zero(t, tokens.calls)
			assert.Zero(t, forwarder.calls)
		})
	}
}

func TestForwardProjectManager(t *testing.T) {
	p, tokens, forwarder := newTestProxy(t)

	resp, err := p.ForwardProjectManager(context.Background(), "user-1", "Linear", "issues/search", "post", nil, json.RawMessage(`{"q":"bug"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp))

	assert.Equal(t, 1, tokens.calls)
	assert.Equal(t, provider.ProjectManager, forwarder.last.Capability)
	assert.Equal(t, provider.Linear, forwarder.last.Provider)
	assert.Equal(t, "/issues/search", forwarder.last.Path)
	assert.Equal(t, http.MethodPost, forwarder.last.Method)
	assert.Equal(t, "provider-token", forwarder.last.AccessToken)
}

func TestForwardCommunication(t *testing.T) {
	p, _, forwarder := newTestProxy(t)

	for _, prov := range []string{"slack", "gmail"} {
		_, err := p.ForwardCommunication(context.Background(), "user-1", prov, "/messages", "", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, http.MethodGet, forwarder.last.Method)
	}
}

func TestForwardDocumentSource(t *testing.T) {
	p, _, forwarder := newTestProxy(t)

	_, err := p.ForwardDocumentSource(context.Background(), "user-1", "notion", "search", json.RawMessage(`{"query":"roadmap"}`))
	require.NoError(t, err)
	assert.Equal(t, "/search", forwarder.last.Path)
	assert.Equal(t, http.MethodPost, forwarder.last.Method)
	assert.Equal(t, provider.DocumentSources, forwarder.last.Capability)

	_, err = p.ForwardDocumentSource(context.Background(), "user-1", "google_docs", "delete", nil)
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestForward_RejectsPathTraversalAndMethods(t *testing.T) {
	p, tokens, _ := newTestProxy(t)
	ctx := context.Background()

	_, err := p.ForwardProjectManager(ctx, "user-1", "linear", "/../oauth/linear/token", "GET", nil, nil)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = p.ForwardProjectManager(ctx, "user-1", "linear", "/issues", "DELETE", nil, nil)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	assert.Zero(t, tokens.calls)
}

func TestForward_PropagatesErrors(t *testing.T) {
	p, tokens, forwarder := newTestProxy(t)
	ctx := context.Background()

	tokens.err = apperror.ErrNotFound
	_, err := p.ForwardCommunication(ctx, "user-1", "slack", "/channels", "GET", nil, nil)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	assert.Zero(t, forwarder.calls)

	tokens.err = nil
	forwarder.err = &backend.StatusError{StatusCode: http.StatusTooManyRequests, Detail: "rate limited"}
	_, err = p.ForwardCommunication(ctx, "user-1", "slack", "/channels", "GET", nil, nil)
	require.ErrorIs(t, err, apperror.ErrUpstream)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestCleanPath(t *testing.T) {
	for in, want := range map[string]string{
		"":             "",
		"/":            "",
		"issues":       "/issues",
		"/issues/":     "/issues",
		"//issues//42": "/issues/42",
	} {
		got, err := cleanPath(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}
