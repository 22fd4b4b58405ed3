// Package provider holds the closed set of external providers a user can
// connect, the capability classes the proxy exposes, and which providers each
// capability may reach.
package provider

import (
	"fmt"
	"strings"

	"github.com/asimhafeezz/pm-agent-sub000/internal/apperror"
)

// Provider identifies an external account type.
type Provider string

const (
	Linear     Provider = "linear"
	Notion     Provider = "notion"
	Wiki       Provider = "wiki"
	GoogleDocs Provider = "google_docs"
	Gmail      Provider = "gmail"
	Slack      Provider = "slack"
)

// All lists every known provider in display order.
var All = []Provider{Linear, Notion, Wiki, GoogleDocs, Gmail, Slack}

// Capability is a proxy category restricted to specific providers.
type Capability string

const (
	ProjectManager  Capability = "project-manager"
	Communication   Capability = "communication"
	DocumentSources Capability = "document-sources"
)

// capabilityProviders is static and not user-configurable.
var capabilityProviders = map[Capability][]Provider{
	ProjectManager:  {Linear},
	Communication:   {Slack, Gmail},
	DocumentSources: {Notion, Wiki, GoogleDocs},
}

// metadataKeys whitelists the provider-specific metadata kept after an
// OAuth exchange.
var metadataKeys = map[Provider][]string{
	Linear:     {"organizationId", "organizationName", "urlKey", "viewerId", "viewerEmail"},
	Notion:     {"workspaceId", "workspaceName", "workspaceIcon", "botId", "ownerEmail"},
	Wiki:       {"siteUrl", "spaceKey", "spaceName", "accountId"},
	GoogleDocs: {"email", "name", "picture"},
	Gmail:      {"email", "name", "historyId"},
	Slack:      {"teamId", "teamName", "botUserId", "authedUserId", "appId"},
}

// Parse normalizes raw input (case, surrounding space, dashes) and checks it
// against the closed set.
func Parse(raw string) (Provider, error) {
	p := Provider(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_"))
	if !p.Valid() {
		return "", fmt.Errorf("%w: unsupported provider %q", apperror.ErrValidation, raw)
	}
	return p, nil
}

// Valid reports whether p is part of the closed set.
func (p Provider) Valid() bool {
	for _, known := range All {
		if p == known {
			return true
		}
	}
	return false
}

func (p Provider) String() string {
	return string(p)
}

// EnvSuffix returns the suffix used for per-provider environment variables,
// e.g. GOOGLE_DOCS.
func (p Provider) EnvSuffix() string {
	return strings.ToUpper(string(p))
}

// MetadataKeys returns the whitelisted metadata keys for p.
func (p Provider) MetadataKeys() []string {
	return metadataKeys[p]
}

// ParseCapability checks raw against the known capability classes.
func ParseCapability(raw string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := capabilityProviders[c]; !ok {
		return "", fmt.Errorf("%w: unknown capability %q", apperror.ErrValidation, raw)
	}
	return c, nil
}

// Providers returns the providers authorized for c.
func (c Capability) Providers() []Provider {
	return capabilityProviders[c]
}

// Allows reports whether p is authorized for c.
func (c Capability) Allows(p Provider) bool {
	for _, allowed := range capabilityProviders[c] {
		if allowed == p {
			return true
		}
	}
	return false
}

// Authorize returns an ErrValidation error when p is not authorized for c.
func (c Capability) Authorize(p Provider) error {
	if _, ok := capabilityProviders[c]; !ok {
		return fmt.Errorf("%w: unknown capability %q", apperror.ErrValidation, c)
	}
	if !c.Allows(p) {
		return fmt.Errorf("%w: provider %q is not available for %s", apperror.ErrValidation, p, c)
	}
	return nil
}
