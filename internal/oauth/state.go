package oauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/asimhafeezz/pm-agent-sub000/internal/apperror"
	"github.com/asimhafeezz/pm-agent-sub000/internal/provider"
)

// StateIssuer and StateAudience mark a token as an OAuth state. Bearer
// authentication refuses tokens carrying either.
const (
	StateIssuer   = "integrations/oauth-state"
	StateAudience = "integrations/oauth-callback"
)

// DefaultStateTTL bounds the redirect round-trip to the provider.
const DefaultStateTTL = 10 * time.Minute

// ErrInvalidState is returned for any state that fails signature, expiry or
// structural checks.
var ErrInvalidState = fmt.Errorf("%w: invalid or expired OAuth state", apperror.ErrAuthorization)

// State is the verified content of a state token.
type State struct {
	UserID    string
	Provider  provider.Provider
	Nonce     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type stateClaims struct {
	Provider string `json:"provider"`
	jwt.RegisteredClaims
}

// StateCodec issues and verifies signed OAuth state tokens. Nothing is stored
// server-side; a state is valid purely by signature, expiry and shape.
type StateCodec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewStateCodec creates a codec signing with secret. A non-positive ttl
// falls back to DefaultStateTTL.
func NewStateCodec(secret string, ttl time.Duration) *StateCodec {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateCodec{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (c *StateCodec) WithClock(now func() time.Time) *StateCodec {
	c.now = now
	return c
}

// Issue returns a state token binding userID and p.
func (c *StateCodec) Issue(userID string, p provider.Provider) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", apperror.ErrValidation)
	}
	if !p.Valid() {
		return "", fmt.Errorf("%w: unsupported provider %q", apperror.ErrValidation, p)
	}

	issuedAt := c.now()
	claims := stateClaims{
		Provider: string(p),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    StateIssuer,
			Audience:  jwt.ClaimStrings{StateAudience},
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(c.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign OAuth state: %w", err)
	}
	return token, nil
}

// Verify checks the signature, expiry and structure of token.
func (c *StateCodec) Verify(token string) (*State, error) {
	if token == "" {
		return nil, ErrInvalidState
	}

	var claims stateClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(StateIssuer),
		jwt.WithAudience(StateAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: state expired", ErrInvalidState)
		}
		return nil, ErrInvalidState
	}
	if !parsed.Valid {
		return nil, ErrInvalidState
	}

	p := provider.Provider(claims.Provider)
	if claims.Subject == "" || claims.ID == "" || !p.Valid() {
		return nil, ErrInvalidState
	}

	state := &State{
		UserID:    claims.Subject,
		Provider:  p,
		Nonce:     claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		state.IssuedAt = claims.IssuedAt.Time
	}
	return state, nil
}
