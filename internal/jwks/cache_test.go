package jwks

import (
	"context"
	"errors"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type issuerServer struct {
	*httptest.Server
	key          *rsa.PrivateKey
	discovery    bool
	jwksHits     atomic.Int32
	failKeyFetch atomic.Bool
}

func newIssuerServer(t *testing.T, discovery bool) *issuerServer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	s := &issuerServer{key: key, discovery: discovery}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *issuerServer) handle(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/.well-known/openid-configuration":
		if !s.discovery {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":   s.URL,
			"jwks_uri": s.URL + "/keys",
		})
	case "/keys", "/.well-known/jwks.json":
		s.jwksHits.Add(1)
		if s.failKeyFetch.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		pub := s.key.PublicKey
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "key-1",
				"alg": "RS256",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			}},
		})
	default:
		http.NotFound(w, r)
	}
}

func (s *issuerServer) sign(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    s.URL,
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	token.Header["kid"] = "key-1"
	signed, err := token.SignedString(s.key)
	require.NoError(t, err)
	return signed
}

func TestCache_VerifiesWithDiscoveredKeys(t *testing.T) {
	for _, discovery := range []bool{true, false} {
		srv := newIssuerServer(t, discovery)
		cache := New(WithLogger(zaptest.NewLogger(t)))
		defer cache.Close()

		kf, err := cache.Keyfunc(context.Background(), srv.URL)
		require.NoError(t, err)

		parsed, err := jwt.Parse(srv.sign(t), kf, jwt.WithValidMethods([]string{"RS256"}))
		require.NoError(t, err)
		sub, err := parsed.Claims.GetSubject()
		require.NoError(t, err)
		assert.Equal(t, "user-1", sub)
	}
}

func TestCache_RefetchesAfterTTL(t *testing.T) {
	srv := newIssuerServer(t, true)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := New(WithTTL(time.Hour), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := cache.Keyfunc(ctx, srv.URL)
	require.NoError(t, err)
	_, err = cache.Keyfunc(ctx, srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.jwksHits.Load())

	now = now.Add(59 * time.Minute)
	_, err = cache.Keyfunc(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.jwksHits.Load())

	now = now.Add(2 * time.Minute)
	_, err = cache.Keyfunc(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.jwksHits.Load())
}

func TestCache_ServesStaleKeysWhenIssuerFails(t *testing.T) {
	srv := newIssuerServer(t, true)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := cache.Keyfunc(ctx, srv.URL)
	require.NoError(t, err)

	srv.failKeyFetch.Store(true)
	now = now.Add(2 * time.Hour)

	kf, err := cache.Keyfunc(ctx, srv.URL)
	require.NoError(t, err)
	_, err = jwt.Parse(srv.sign(t), kf)
	assert.NoError(t, err)
}

func TestCache_InvalidateAndClose(t *testing.T) {
	srv := newIssuerServer(t, true)
	cache := New()
	ctx := context.Background()

	_, err := cache.Keyfunc(ctx, srv.URL)
	require.NoError(t, err)

	cache.Invalidate(srv.URL)
	_, err = cache.Keyfunc(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.jwksHits.Load())

	cache.Close()
	srv.failKeyFetch.Store(true)
	_, err = cache.Keyfunc(ctx, srv.URL)
	assert.Error(t, err)
}

type rejectAll struct{ seen []string }

func (g *rejectAll) Check(_ context.Context, rawURL string) error {
	g.seen = append(g.seen, rawURL)
	return errors.New("blocked")
}

func TestCache_GuardedJWKSURIFallsBackToDefaultPath(t *testing.T) {
	srv := newIssuerServer(t, true)
	guard := &rejectAll{}
	cache := New(WithURLGuard(guard))

	kf, err := cache.Keyfunc(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []string{srv.URL + "/keys"}, guard.seen)

	_, err = jwt.Parse(srv.sign(t), kf)
	assert.NoError(t, err)
}
