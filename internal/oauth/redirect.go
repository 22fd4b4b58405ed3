package oauth

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/asimhafeezz/pm-agent-sub000/internal/apperror"
	"github.com/asimhafeezz/pm-agent-sub000/internal/provider"
)

// RedirectValidator canonicalizes OAuth redirect URIs and checks them against
// an allow-list. A per-provider override, when configured, replaces whatever
// the caller sent.
type RedirectValidator struct {
	allowlist     map[string]struct{}
	overrides     map[provider.Provider]string
	allowUnlisted bool
}

// NewRedirectValidator canonicalizes the allow-list and overrides up front so
// a bad configuration fails at startup. allowUnlisted accepts any well-formed
// URL while the allow-list is empty; it is meant for local development only.
func NewRedirectValidator(allowlist []string, overrides map[provider.Provider]string, allowUnlisted bool) (*RedirectValidator, error) {
	v := &RedirectValidator{
		allowlist:     make(map[string]struct{}, len(allowlist)),
		overrides:     make(map[provider.Provider]string, len(overrides)),
		allowUnlisted: allowUnlisted,
	}

	for _, entry := range allowlist {
		canonical, err := CanonicalRedirectURI(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: redirect allow-list entry %q: %v", apperror.ErrConfiguration, entry, err)
		}
		v.allowlist[canonical] = struct{}{}
	}

	for p, override := range overrides {
		canonical, err := CanonicalRedirectURI(override)
		if err != nil {
			return nil, fmt.Errorf("%w: redirect override for %s: %v", apperror.ErrConfiguration, p, err)
		}
		v.overrides[p] = canonical
	}

	return v, nil
}

// Normalize returns the redirect URI to send to the provider for p.
func (v *RedirectValidator) Normalize(redirectURI string, p provider.Provider) (string, error) {
	if override, ok := v.overrides[p]; ok {
		return override, nil
	}

	if strings.TrimSpace(redirectURI) == "" {
		return "", fmt.Errorf("%w: redirectUri is required", apperror.ErrValidation)
	}

	canonical, err := CanonicalRedirectURI(redirectURI)
	if err != nil {
		return "", err
	}

	if len(v.allowlist) == 0 {
		if v.allowUnlisted {
			return canonical, nil
		}
		return "", fmt.Errorf("%w: no redirect allow-list is configured", apperror.ErrValidation)
	}

	if _, ok := v.allowlist[canonical]; !ok {
		return "", fmt.Errorf("%w: redirectUri %q is not allowed", apperror.ErrValidation, canonical)
	}
	return canonical, nil
}

// CanonicalRedirectURI parses raw as an absolute http(s) URL and returns its
// canonical form: lower-case scheme and host, no default port, no fragment,
// no trailing slash on the path.
func CanonicalRedirectURI(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: malformed redirectUri", apperror.ErrValidation)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: redirectUri must be an absolute http or https URL", apperror.ErrValidation)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: redirectUri must include a host", apperror.ErrValidation)
	}
	if u.User != nil {
		return "", fmt.Errorf("%w: redirectUri must not carry credentials", apperror.ErrValidation)
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	canonical := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     strings.TrimSuffix(u.Path, "/"),
		RawQuery: u.RawQuery,
	}
	return canonical.String(), nil
}
