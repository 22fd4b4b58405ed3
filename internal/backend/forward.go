package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/asimhafeezz/pm-agent-sub000/internal/provider"
)

// ForwardRequest is a capability-scoped call proxied to a provider adapter.
type ForwardRequest struct {
	Capability  provider.Capability
	Provider    provider.Provider
	Path        string
	Method      string
	Query       url.Values
	Body        json.RawMessage
	AccessToken string
}

// Forward sends req to {base}/integration/{capability}/{provider}{path}.
// When the base host is localhost and the first attempt fails, it is retried
// once against 127.0.0.1, since localhost may resolve to an IPv6 address the
// backend does not listen on.
func (c *Client) Forward(ctx context.Context, req ForwardRequest) (json.RawMessage, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	header := http.Header{}
	header.Set(ProviderTokenHeader, req.AccessToken)

	var body []byte
	if method != http.MethodGet && len(req.Body) > 0 {
		body = req.Body
	}

	data, err := c.do(ctx, method, forwardURL(c.baseURL, req), body, header)
	if err == nil {
		return json.RawMessage(data), nil
	}

	fallback, ok := ipv4LoopbackBase(c.baseURL)
	if !ok || ctx.Err() != nil {
		return nil, err
	}

	c.logger.Warn("Backend request failed, retrying over IPv4 loopback",
		zap.String("capability", string(req.Capability)),
		zap.String("provider", string(req.Provider)),
		zap.Error(err),
	)

	data, retryErr := c.do(ctx, method, forwardURL(fallback, req), body, header)
	if retryErr != nil {
		return nil, preferStatusError(retryErr, err)
	}
	return json.RawMessage(data), nil
}

// preferStatusError picks the attempt that reached the backend, since its
// answer carries the downstream detail. The retry wins a tie.
func preferStatusError(retryErr, firstErr error) error {
	var statusErr *StatusError
	if errors.As(retryErr, &statusErr) {
		return retryErr
	}
	if errors.As(firstErr, &statusErr) {
		return firstErr
	}
	return retryErr
}

func forwardURL(base string, req ForwardRequest) string {
	endpoint := fmt.Sprintf("%s/integration/%s/%s%s", base, req.Capability, req.Provider, req.Path)
	if len(req.Query) > 0 {
		endpoint += "?" + req.Query.Encode()
	}
	return endpoint
}

// ipv4LoopbackBase rewrites a localhost base URL to 127.0.0.1.
func ipv4LoopbackBase(base string) (string, bool) {
	u, err := url.Parse(base)
	if err != nil || u.Hostname() != "localhost" {
		return "", false
	}

	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort("127.0.0.1", port)
	} else {
		u.Host = "127.0.0.1"
	}
	return u.String(), true
}
