package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/asimhafeezz/pm-agent-sub000/internal/apperror"
	"github.com/asimhafeezz/pm-agent-sub000/internal/models"
	"github.com/asimhafeezz/pm-agent-sub000/internal/provider"
	"github.com/asimhafeezz/pm-agent-sub000/internal/store"
)

// Flow stages, used as log fields.
const (
	stageStart            = "start"
	stageAuthorizing      = "authorizing"
	stageCallbackReceived = "callback_received"
	stageExchanged        = "exchanged"
	stageConnected        = "connected"
	stageFailed           = "failed"
)

// Backend is the part of the integration backend used by the flow.
type Backend interface {
	AuthorizationURL(ctx context.Context, p provider.Provider, redirectURI, state string) (string, error)
	ExchangeCode(ctx context.Context, p provider.Provider, code, redirectURI string) (map[string]any, error)
}

// ConnectionWriter persists the outcome of a completed flow.
type ConnectionWriter interface {
	Upsert(ctx context.Context, userID string, p provider.Provider, accessToken string, metadata map[string]any, details *store.TokenDetails) (*store.StatusView, error)
	RecordEvent(ctx context.Context, userID string, p provider.Provider, action, detail string) error
}

// StartResult is returned to the client, which redirects the user to
// AuthorizationURL.
type StartResult struct {
	AuthorizationURL string `json:"authorizationUrl"`
	State            string `json:"state"`
	RedirectURI      string `json:"redirectUri"`
}

// CallbackInput is what the client relays back from the provider redirect.
type CallbackInput struct {
	Code        string `json:"code" validate:"required"`
	State       string `json:"state" validate:"required"`
	RedirectURI string `json:"redirectUri"`
	Provider    string `json:"provider,omitempty"`
}

// Coordinator drives the authorization code flow for every provider.
type Coordinator struct {
	states      *StateCodec
	ledger      NonceLedger
	redirects   *RedirectValidator
	backend     Backend
	connections ConnectionWriter
	logger      *zap.Logger
	now         func() time.Time
}

// NewCoordinator creates a flow coordinator. A nil ledger disables replay
// protection.
func NewCoordinator(states *StateCodec, ledger NonceLedger, redirects *RedirectValidator, backend Backend, connections ConnectionWriter, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		states:      states,
		ledger:      ledger,
		redirects:   redirects,
		backend:     backend,
		connections: connections,
		logger:      logger.With(zap.String("component", "oauth-flow")),
		now:         time.Now,
	}
}

// WithClock replaces the time source used for token expiry, for tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// StartOAuth issues a state for (userID, provider) and asks the backend for
// the provider consent URL.
func (c *Coordinator) StartOAuth(ctx context.Context, userID, rawProvider, redirectURI string) (*StartResult, error) {
	log := c.logger.With(zap.String("user_id", userID), zap.String("provider", rawProvider))
	log.Debug("OAuth flow", zap.String("stage", stageStart))

	p, err := provider.Parse(rawProvider)
	if err != nil {
		return nil, c.fail(log, stageStart, err)
	}

	redirect, err := c.redirects.Normalize(redirectURI, p)
	if err != nil {
		return nil, c.fail(log, stageStart, err)
	}

	state, err := c.states.Issue(userID, p)
	if err != nil {
		return nil, c.fail(log, stageStart, err)
	}

	authURL, err := c.backend.AuthorizationURL(ctx, p, redirect, state)
	if err != nil {
		return nil, c.fail(log, stageAuthorizing, err)
	}
	if !usableURL(authURL) {
		return nil, c.fail(log, stageAuthorizing, fmt.Errorf("%w: integration backend returned no authorization URL for %s", apperror.ErrConfiguration, p))
	}

	log.Info("OAuth flow", zap.String("stage", stageAuthorizing))
	return &StartResult{
		AuthorizationURL: authURL,
		State:            state,
		RedirectURI:      redirect,
	}, nil
}

// CompleteOAuth verifies the callback, exchanges the code and stores the
// resulting credential.
func (c *Coordinator) CompleteOAuth(ctx context.Context, userID string, in CallbackInput) (*store.StatusView, error) {
	log := c.logger.With(zap.String("user_id", userID))

	if strings.TrimSpace(in.Code) == "" {
		return nil, c.fail(log, stageCallbackReceived, fmt.Errorf("%w: code is required", apperror.ErrValidation))
	}
	if strings.TrimSpace(in.State) == "" {
		return nil, c.fail(log, stageCallbackReceived, fmt.Errorf("%w: state is required", apperror.ErrValidation))
	}

	state, err := c.states.Verify(in.State)
	if err != nil {
		return nil, c.fail(log, stageCallbackReceived, err)
	}
	log = log.With(zap.String("provider", string(state.Provider)))

	if state.UserID != userID {
		return nil, c.fail(log, stageCallbackReceived, fmt.Errorf("%w: OAuth state was issued to another user: %w", apperror.ErrAuthorization, apperror.ErrForbidden))
	}

	if in.Provider != "" {
		explicit, err := provider.Parse(in.Provider)
		if err != nil {
			return nil, c.fail(log, stageCallbackReceived, err)
		}
		if explicit != state.Provider {
			return nil, c.fail(log, stageCallbackReceived, fmt.Errorf("%w: provider %q does not match OAuth state", apperror.ErrAuthorization, explicit))
		}
	}

	redirect, err := c.redirects.Normalize(in.RedirectURI, state.Provider)
	if err != nil {
		return nil, c.fail(log, stageCallbackReceived, err)
	}

	// Consumed only once the callback is known to be well-formed, so a
	// rejected request leaves the state usable for a corrected retry.
	if c.ledger != nil {
		if err := c.ledger.Consume(ctx, state); err != nil {
			return nil, c.fail(log, stageCallbackReceived, err)
		}
	}
	log.Debug("OAuth flow", zap.String("stage", stageCallbackReceived))

	body, err := c.backend.ExchangeCode(ctx, state.Provider, in.Code, redirect)
	if err != nil {
		return nil, c.fail(log, stageExchanged, err)
	}

	token, err := NormalizeTokenResponse(body)
	if err != nil {
		return nil, c.fail(log, stageExchanged, err)
	}
	log.Debug("OAuth flow", zap.String("stage", stageExchanged))

	now := c.now()
	metadata := token.ProviderMetadata(state.Provider)
	metadata["connectedAt"] = now.UTC().Format(time.RFC3339)

	view, err := c.connections.Upsert(ctx, userID, state.Provider, token.AccessToken, metadata, &store.TokenDetails{
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.ExpiresAt(now),
		TokenType:    token.TokenType,
		Scope:        token.Scope,
	})
	if err != nil {
		return nil, c.fail(log, stageConnected, err)
	}

	if err := c.connections.RecordEvent(ctx, userID, state.Provider, models.EventConnected, "oauth"); err != nil {
		log.Warn("Failed to record connection event", zap.Error(err))
	}

	log.Info("OAuth flow", zap.String("stage", stageConnected))
	return view, nil
}

// fail logs the failed transition and returns err unchanged.
func (c *Coordinator) fail(log *zap.Logger, stage string, err error) error {
	fields := []zap.Field{zap.String("stage", stageFailed), zap.String("failed_at", stage), zap.Error(err)}
	if errors.Is(err, apperror.ErrValidation) || errors.Is(err, apperror.ErrAuthorization) {
		log.Info("OAuth flow rejected", fields...)
	} else {
		log.Error("OAuth flow failed", fields...)
	}
	return err
}

func usableURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}
