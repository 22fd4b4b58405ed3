// Package proxy forwards capability-scoped requests to the provider adapters
// in the integration backend, authenticated with the user's provider token.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/asimhafeezz/pm-agent-sub000/internal/apperror"
	"github.com/asimhafeezz/pm-agent-sub000/internal/backend"
	"github.com/asimhafeezz/pm-agent-sub000/internal/provider"
)

// Document source operations.
const (
	OpFetch  = "fetch"
	OpSearch = "search"
)

// TokenSource resolves a usable provider access token.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, userID string, p provider.Provider) (string, error)
}

// Forwarder sends the request to the backend.
type Forwarder interface {
	Forward(ctx context.Context, req backend.ForwardRequest) (json.RawMessage, error)
}

// Request is a proxied call on behalf of a user.
type Request struct {
	UserID     string
	Provider   string
	Capability provider.Capability
	Path       string
	Method     string
	Query      url.Values
	Body       json.RawMessage
}

// Proxy is the capability-gated boundary to the provider adapters.
type Proxy struct {
	tokens    TokenSource
	forwarder Forwarder
	logger    *zap.Logger
}

// New creates a proxy.
func New(tokens TokenSource, forwarder Forwarder, logger *zap.Logger) *Proxy {
	return &Proxy{
		tokens:    tokens,
		forwarder: forwarder,
		logger:    logger.With(zap.String("component", "provider-proxy")),
	}
}

// Forward checks that the provider may serve the capability, resolves a
// token and forwards the call. Gating happens before any store or network
// access.
func (p *Proxy) Forward(ctx context.Context, req Request) (json.RawMessage, error) {
	prov, err := provider.Parse(req.Provider)
	if err != nil {
		return nil, err
	}
	if err := req.Capability.Authorize(prov); err != nil {
		return nil, err
	}

	method, err := normalizeMethod(req.Method)
	if err != nil {
		return nil, err
	}
	subpath, err := cleanPath(req.Path)
	if err != nil {
		return nil, err
	}

	token, err := p.tokens.GetValidAccessToken(ctx, req.UserID, prov)
	if err != nil {
		return nil, err
	}

	resp, err := p.forwarder.Forward(ctx, backend.ForwardRequest{
		Capability:  req.Capability,
		Provider:    prov,
		Path:        subpath,
		Method:      method,
		Query:       req.Query,
		Body:        req.Body,
		AccessToken: token,
	})
	if err != nil {
		p.logger.Warn("Proxy request failed",
			zap.String("user_id", req.UserID),
			zap.String("capability", string(req.Capability)),
			zap.String("provider", string(prov)),
			zap.String("path", subpath),
			zap.Error(err),
		)
		return nil, err
	}
	return resp, nil
}

// ForwardProjectManager proxies an issue-tracker call.
func (p *Proxy) ForwardProjectManager(ctx context.Context, userID, prov, subpath, method string, query url.Values, body json.RawMessage) (json.RawMessage, error) {
	return p.Forward(ctx, Request{
		UserID:     userID,
		Provider:   prov,
		Capability: provider.ProjectManager,
		Path:       subpath,
		Method:     method,
		Query:      query,
		Body:       body,
	})
}

// ForwardCommunication proxies a mail or chat call.
func (p *Proxy) ForwardCommunication(ctx context.Context, userID, prov, subpath, method string, query url.Values, body json.RawMessage) (json.RawMessage, error) {
	return p.Forward(ctx, Request{
		UserID:     userID,
		Provider:   prov,
		Capability: provider.Communication,
		Path:       subpath,
		Method:     method,
		Query:      query,
		Body:       body,
	})
}

// ForwardDocumentSource runs a fetch or search against a document source.
func (p *Proxy) ForwardDocumentSource(ctx context.Context, userID, prov, op string, body json.RawMessage) (json.RawMessage, error) {
	op = strings.ToLower(strings.TrimSpace(op))
	if op != OpFetch && op != OpSearch {
		return nil, fmt.Errorf("%w: unknown document source operation %q", apperror.ErrValidation, op)
	}
	return p.Forward(ctx, Request{
		UserID:     userID,
		Provider:   prov,
		Capability: provider.DocumentSources,
		Path:       "/" + op,
		Method:     http.MethodPost,
		Body:       body,
	})
}

func normalizeMethod(method string) (string, error) {
	switch m := strings.ToUpper(strings.TrimSpace(method)); m {
	case "":
		return http.MethodGet, nil
	case http.MethodGet, http.MethodPost:
		return m, nil
	default:
		return "", fmt.Errorf("%w: method %s is not supported by the proxy", apperror.ErrValidation, method)
	}
}

// cleanPath keeps the forwarded path inside the provider's adapter prefix.
func cleanPath(raw string) (string, error) {
	if raw == "" || raw == "/" {
		return "", nil
	}
	for _, segment := range strings.Split(raw, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: invalid proxy path", apperror.ErrValidation)
		}
	}
	cleaned := path.Clean("/" + strings.TrimPrefix(raw, "/"))
	if cleaned == "/" {
		return "", nil
	}
	return cleaned, nil
}
