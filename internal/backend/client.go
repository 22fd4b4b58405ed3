// Package backend is the HTTP client for the integration backend, the
// downstream service that owns the real per-provider OAuth and API adapters.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/asimhafeezz/pm-agent-sub000/internal/apperror"
	"github.com/asimhafeezz/pm-agent-sub000/internal/provider"
)

// ProviderTokenHeader carries the provider access token to the backend
// adapters. It is never sent as this service's own Authorization header.
const ProviderTokenHeader = "X-Provider-Access-Token"

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 4 << 20
	maxErrorDetail  = 512
)

// Client talks to the integration backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a client for baseURL. A non-positive timeout uses 30s.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(zap.String("component", "integration-backend")),
	}
}

// AuthorizationURL asks the backend for the provider consent URL.
func (c *Client) AuthorizationURL(ctx context.Context, p provider.Provider, redirectURI, state string) (string, error) {
	query := url.Values{}
	query.Set("redirectUri", redirectURI)
	query.Set("state", state)

	endpoint := fmt.Sprintf("%s/integration/oauth/%s/authorize?%s", c.baseURL, p, query.Encode())
	body, err := c.do(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return "", err
	}

	var resp struct {
		AuthorizationURL      string `json:"authorizationUrl"`
		AuthorizationURLSnake string `json:"authorization_url"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: authorize response is not JSON", apperror.ErrUpstream)
	}
	if resp.AuthorizationURL != "" {
		return resp.AuthorizationURL, nil
	}
	return resp.AuthorizationURLSnake, nil
}

// ExchangeCode trades an authorization code for tokens. The raw response is
// returned for normalization by the caller.
func (c *Client) ExchangeCode(ctx context.Context, p provider.Provider, code, redirectURI string) (map[string]any, error) {
	payload := map[string]string{"code": code, "redirectUri": redirectURI}
	endpoint := fmt.Sprintf("%s/integration/oauth/%s/token", c.baseURL, p)
	return c.postForObject(ctx, endpoint, payload)
}

// Refresh trades a refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, p provider.Provider, refreshToken string) (map[string]any, error) {
	payload := map[string]string{"refreshToken": refreshToken}
	endpoint := fmt.Sprintf("%s/integration/oauth/%s/refresh", c.baseURL, p)
	return c.postForObject(ctx, endpoint, payload)
}

func (c *Client) postForObject(ctx context.Context, endpoint string, payload any) (map[string]any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, endpoint, data, nil)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: token response is not a JSON object", apperror.ErrUpstream)
	}
	return out, nil
}

// do sends one request and returns the body of a 2xx response. Transport
// failures map to ErrServiceUnavailable, non-2xx answers to ErrUpstream.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, header http.Header) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid backend request: %v", apperror.ErrConfiguration, err)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s %s: %v", apperror.ErrServiceUnavailable, method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", apperror.ErrServiceUnavailable, err)
	}

	c.logger.Debug("Backend request",
		zap.String("method", method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Detail: errorDetail(data)}
	}
	return data, nil
}

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("integration backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("integration backend returned status %d: %s", e.StatusCode, e.Detail)
}

// Unwrap lets callers match StatusError with errors.Is(err, apperror.ErrUpstream).
func (e *StatusError) Unwrap() error {
	return apperror.ErrUpstream
}

// errorDetail extracts the most useful message from an error body.
func errorDetail(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}

	var parsed map[string]any
	if json.Unmarshal(trimmed, &parsed) == nil {
		for _, key := range []string{"detail", "error_description", "error", "message"} {
			switch v := parsed[key].(type) {
			case string:
				if v != "" {
					return truncate(v)
				}
			case map[string]any:
				if msg, ok := v["message"].(string); ok && msg != "" {
					return truncate(msg)
				}
			}
		}
	}
	return truncate(string(trimmed))
}

func truncate(s string) string {
	if len(s) <= maxErrorDetail {
		return s
	}
	return s[:maxErrorDetail] + "..."
}
