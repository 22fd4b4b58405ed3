// Package jwks caches the JSON Web Key Sets of trusted token issuers.
package jwks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// DefaultTTL is how long a fetched key set is trusted before refetching.
const DefaultTTL = time.Hour

const maxDocumentSize = 1 << 20

type entry struct {
	keys      keyfunc.Keyfunc
	fetchedAt time.Time
}

// Cache holds one key set per issuer and refreshes it lazily once it is older
// than the TTL. Concurrent misses for the same issuer may fetch twice; the
// last result wins and both are correct.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	ttl        time.Duration
	now        func() time.Time
	httpClient *http.Client
	guard      URLGuard
	logger     *zap.Logger
}

// URLGuard vets key set URLs published in discovery documents.
type URLGuard interface {
	Check(ctx context.Context, rawURL string) error
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the key set lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithHTTPClient replaces the client used for discovery and key fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) { c.httpClient = client }
}

// WithURLGuard rejects discovered jwks_uri values the guard refuses. The
// issuer's default key path is used instead.
func WithURLGuard(guard URLGuard) Option {
	return func(c *Cache) { c.guard = guard }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) { c.logger = logger.With(zap.String("component", "jwks-cache")) }
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[string]*entry),
		ttl:        DefaultTTL,
		now:        time.Now,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Keyfunc returns a jwt.Keyfunc backed by the issuer's current key set.
func (c *Cache) Keyfunc(ctx context.Context, issuer string) (jwt.Keyfunc, error) {
	issuer = strings.TrimRight(issuer, "/")

	c.mu.RLock()
	e, ok := c.entries[issuer]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.fetchedAt) < c.ttl {
		return e.keys.Keyfunc, nil
	}

	keys, err := c.fetch(ctx, issuer)
	if err != nil {
		if ok {
			// A stale key set beats rejecting every token while the issuer is down.
			c.logger.Warn("Using stale key set", zap.String("issuer", issuer), zap.Error(err))
			return e.keys.Keyfunc, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.entries[issuer] = &entry{keys: keys, fetchedAt: c.now()}
	c.mu.Unlock()

	return keys.Keyfunc, nil
}

// Invalidate drops the cached key set for issuer, for example after a token
// arrives with an unknown key id.
func (c *Cache) Invalidate(issuer string) {
	c.mu.Lock()
	delete(c.entries, strings.TrimRight(issuer, "/"))
	c.mu.Unlock()
}

// Close drops every cached key set.
func (c *Cache) Close() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}

func (c *Cache) fetch(ctx context.Context, issuer string) (keyfunc.Keyfunc, error) {
	jwksURL, err := c.discover(ctx, issuer)
	if err != nil {
		c.logger.Debug("OpenID discovery failed, using default JWKS path",
			zap.String("issuer", issuer),
			zap.Error(err),
		)
		jwksURL = issuer + "/.well-known/jwks.json"
	}

	raw, err := c.get(ctx, jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key set for %s: %w", issuer, err)
	}

	keys, err := keyfunc.NewJWKSetJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid key set for %s: %w", issuer, err)
	}

	c.logger.Info("Fetched key set", zap.String("issuer", issuer), zap.String("jwks_uri", jwksURL))
	return keys, nil
}

func (c *Cache) discover(ctx context.Context, issuer string) (string, error) {
	raw, err := c.get(ctx, issuer+"/.well-known/openid-configuration")
	if err != nil {
		return "", err
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("invalid discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("discovery document has no jwks_uri")
	}
	if c.guard != nil {
		if err := c.guard.Check(ctx, doc.JWKSURI); err != nil {
			return "", fmt.Errorf("jwks_uri rejected: %w", err)
		}
	}
	return doc.JWKSURI, nil
}

func (c *Cache) get(ctx context.Context, url string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}
