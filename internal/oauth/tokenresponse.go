package oauth

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/oauth2"

	"github.com/asimhafeezz/pm-agent-sub000/internal/apperror"
	"github.com/asimhafeezz/pm-agent-sub000/internal/provider"
)

// TokenResponse is a token exchange or refresh response from the integration
// backend after field-name normalization.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	// ExpiresIn is zero when the response carried no lifetime, meaning the
	// token does not expire.
	ExpiresIn time.Duration
	Metadata  map[string]any
	Raw       map[string]any
}

// NormalizeTokenResponse reads a backend token response. Providers, and the
// adapters in front of them, disagree on casing, so every field is looked up
// by its camelCase key first and its snake_case key second. Both the code
// exchange and the refresh path go through here.
//
// expiresIn may be a JSON number or a numeric string. A response without an
// access token is rejected with ErrValidation.
func NormalizeTokenResponse(body map[string]any) (*TokenResponse, error) {
	if body == nil {
		return nil, fmt.Errorf("%w: empty token response", apperror.ErrValidation)
	}

	resp := &TokenResponse{
		AccessToken:  lookupString(body, "accessToken", "access_token"),
		RefreshToken: lookupString(body, "refreshToken", "refresh_token"),
		TokenType:    lookupString(body, "tokenType", "token_type"),
		Scope:        lookupString(body, "scope", "scope"),
		Metadata:     lookupObject(body, "metadata", "metadata"),
		Raw:          lookupObject(body, "raw", "raw"),
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response has no access token", apperror.ErrValidation)
	}

	if seconds, ok := lookupSeconds(body, "expiresIn", "expires_in"); ok && seconds > 0 {
		resp.ExpiresIn = time.Duration(seconds) * time.Second
	}

	return resp, nil
}

// ExpiresAt returns the absolute expiry relative to now, or nil for a
// non-expiring token.
func (r *TokenResponse) ExpiresAt(now time.Time) *time.Time {
	if r.ExpiresIn <= 0 {
		return nil
	}
	at := now.Add(r.ExpiresIn).UTC()
	return &at
}

// OAuth2Token converts the response into an oauth2.Token with an absolute
// expiry computed from now.
func (r *TokenResponse) OAuth2Token(now time.Time) *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
	}
	if at := r.ExpiresAt(now); at != nil {
		token.Expiry = *at
		token.ExpiresIn = int64(r.ExpiresIn / time.Second)
	}
	if r.Scope != "" {
		token = token.WithExtra(map[string]any{"scope": r.Scope})
	}
	return token
}

// ProviderMetadata extracts the whitelisted metadata keys for p. Values from
// the metadata object win over values found in the raw provider payload;
// each key is tried in camelCase and snake_case.
func (r *TokenResponse) ProviderMetadata(p provider.Provider) map[string]any {
	out := make(map[string]any)
	for _, key := range p.MetadataKeys() {
		snake := camelToSnake(key)
		if v, ok := lookup(r.Metadata, key, snake); ok && v != nil {
			out[key] = v
			continue
		}
		if v, ok := lookup(r.Raw, key, snake); ok && v != nil {
			out[key] = v
		}
	}
	return out
}

// lookup returns body[camel], falling back to body[snake].
func lookup(body map[string]any, camel, snake string) (any, bool) {
	if body == nil {
		return nil, false
	}
	if v, ok := body[camel]; ok && v != nil {
		return v, true
	}
	v, ok := body[snake]
	return v, ok
}

func lookupString(body map[string]any, camel, snake string) string {
	v, ok := lookup(body, camel, snake)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func lookupObject(body map[string]any, camel, snake string) map[string]any {
	v, ok := lookup(body, camel, snake)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

func lookupSeconds(body map[string]any, camel, snake string) (int64, bool) {
	v, ok := lookup(body, camel, snake)
	if !ok {
		return 0, false
	}

	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return int64(f), true
	default:
		return 0, false
	}
}

func camelToSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
