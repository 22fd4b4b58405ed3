package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/asimhafeezz/pm-agent-sub000/internal/apperror"
	"github.com/asimhafeezz/pm-agent-sub000/internal/jwks"
	"github.com/asimhafeezz/pm-agent-sub000/internal/oauth"
)

type contextKey string

const userContextKey contextKey = "user"

var asymmetricMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256", "PS384", "PS512"}

// Authenticator verifies user bearer tokens. Tokens from a trusted issuer
// are checked against that issuer's published keys; all others must be HS256
// tokens signed with the service secret.
type Authenticator struct {
	secret  []byte
	issuers map[string]struct{}
	keys    *jwks.Cache
	logger  *zap.Logger
}

// NewAuthenticator creates an authenticator. keys may be nil when no issuers
// are trusted.
func NewAuthenticator(secret string, issuers []string, keys *jwks.Cache, logger *zap.Logger) *Authenticator {
	trusted := make(map[string]struct{}, len(issuers))
	for _, iss := range issuers {
		trusted[strings.TrimRight(iss, "/")] = struct{}{}
	}
	return &Authenticator{
		secret:  []byte(secret),
		issuers: trusted,
		keys:    keys,
		logger:  logger.With(zap.String("component", "auth")),
	}
}

// Authenticate returns the user id carried by tokenString.
func (a *Authenticator) Authenticate(ctx context.Context, tokenString string) (string, error) {
	if tokenString == "" {
		return "", fmt.Errorf("%w: missing bearer token", apperror.ErrAuthorization)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return "", fmt.Errorf("%w: malformed bearer token", apperror.ErrAuthorization)
	}
	issuer, _ := claims.GetIssuer()
	issuer = strings.TrimRight(issuer, "/")

	var (
		keyfunc jwt.Keyfunc
		opts    = []jwt.ParserOption{jwt.WithExpirationRequired()}
	)
	if _, trusted := a.issuers[issuer]; trusted && a.keys != nil {
		kf, err := a.keys.Keyfunc(ctx, issuer)
		if err != nil {
			a.logger.Warn("Failed to load issuer keys", zap.String("issuer", issuer), zap.Error(err))
			return "", fmt.Errorf("%w: issuer keys unavailable", apperror.ErrServiceUnavailable)
		}
		keyfunc = kf
		opts = append(opts, jwt.WithValidMethods(asymmetricMethods), jwt.WithIssuer(issuer))
	} else {
		keyfunc = func(*jwt.Token) (interface{}, error) { return a.secret, nil }
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	}

	verified := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, verified, keyfunc, opts...)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: invalid bearer token", apperror.ErrAuthorization)
	}
	if isStateToken(verified) {
		a.logger.Warn("OAuth state presented as bearer token")
		return "", fmt.Errorf("%w: invalid bearer token", apperror.ErrAuthorization)
	}

	userID := subjectOf(verified)
	if userID == "" {
		return "", fmt.Errorf("%w: bearer token has no subject", apperror.ErrAuthorization)
	}
	return userID, nil
}

// isStateToken reports whether claims belong to an OAuth state rather than a
// user session.
func isStateToken(claims jwt.MapClaims) bool {
	if iss, _ := claims.GetIssuer(); iss == oauth.StateIssuer {
		return true
	}
	aud, _ := claims.GetAudience()
	for _, a := range aud {
		if a == oauth.StateAudience {
			return true
		}
	}
	return false
}

// subjectOf reads sub, falling back to user_id, which may be numeric.
func subjectOf(claims jwt.MapClaims) string {
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub
	}
	switch v := claims["user_id"].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

// Middleware rejects requests without a valid bearer token and stores the
// user id in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if authHeader == "" || tokenString == authHeader {
			respondError(w, r, fmt.Errorf("%w: missing or malformed authorization header", apperror.ErrAuthorization))
			return
		}

		userID, err := a.Authenticate(r.Context(), tokenString)
		if err != nil {
			respondError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserIDFromContext returns the authenticated user id.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userContextKey).(string)
	return userID, ok && userID != ""
}
