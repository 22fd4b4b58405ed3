// Package tokens resolves usable provider access tokens, refreshing them
// transparently when they are about to expire.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/asimhafeezz/pm-agent-sub000/internal/apperror"
	"github.com/asimhafeezz/pm-agent-sub000/internal/models"
	"github.com/asimhafeezz/pm-agent-sub000/internal/oauth"
	"github.com/asimhafeezz/pm-agent-sub000/internal/provider"
	"github.com/asimhafeezz/pm-agent-sub000/internal/store"
)

// DefaultRefreshMargin is how long before expiry a token is treated as
// expired, so a request in flight does not outlive its token.
const DefaultRefreshMargin = time.Minute

// Refresher exchanges a refresh token at the integration backend.
type Refresher interface {
	Refresh(ctx context.Context, p provider.Provider, refreshToken string) (map[string]any, error)
}

// Connections is the part of the connection store the manager needs.
type Connections interface {
	Get(ctx context.Context, userID string, p provider.Provider) (*models.IntegrationConnection, error)
	UpdateTokens(ctx context.Context, conn *models.IntegrationConnection, update store.TokenUpdate) error
	AccessToken(conn *models.IntegrationConnection) (string, error)
	RefreshToken(conn *models.IntegrationConnection) (string, error)
	RecordEvent(ctx context.Context, userID string, p provider.Provider, action, detail string) error
}

// Manager hands out plaintext access tokens for the duration of one request.
// Refreshes for the same (user, provider) are collapsed into one backend call
// within this process; across replicas the last writer wins.
type Manager struct {
	connections Connections
	refresher   Refresher
	margin      time.Duration
	logger      *zap.Logger
	now         func() time.Time
	group       singleflight.Group
}

// NewManager creates a manager. A non-positive margin uses
// DefaultRefreshMargin.
func NewManager(connections Connections, refresher Refresher, margin time.Duration, logger *zap.Logger) *Manager {
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	return &Manager{
		connections: connections,
		refresher:   refresher,
		margin:      margin,
		logger:      logger.With(zap.String("component", "token-manager")),
		now:         time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// GetValidAccessToken returns a plaintext access token for (userID, p) that
// is not about to expire.
func (m *Manager) GetValidAccessToken(ctx context.Context, userID string, p provider.Provider) (string, error) {
	conn, err := m.load(ctx, userID, p)
	if err != nil {
		return "", err
	}

	if !m.expiringSoon(conn) {
		return m.connections.AccessToken(conn)
	}
	if !conn.HasRefreshToken() {
		return "", reconnectRequired(p)
	}

	key := userID + "|" + string(p)
	// The refresh outlives a cancelled caller so the other waiters still get
	// a result and the new token is persisted.
	token, err, shared := m.group.Do(key, func() (interface{}, error) {
		return m.refresh(context.WithoutCancel(ctx), userID, p)
	})
	if err != nil {
		return "", err
	}
	if shared {
		m.logger.Debug("Shared token refresh",
			zap.String("user_id", userID),
			zap.String("provider", string(p)),
		)
	}
	return token.(string), nil
}

// refresh reloads the connection, since another flight may have refreshed it
// in the meantime, and only then calls the backend.
func (m *Manager) refresh(ctx context.Context, userID string, p provider.Provider) (string, error) {
	conn, err := m.load(ctx, userID, p)
	if err != nil {
		return "", err
	}
	if !m.expiringSoon(conn) {
		return m.connections.AccessToken(conn)
	}
	if !conn.HasRefreshToken() {
		return "", reconnectRequired(p)
	}

	refreshToken, err := m.connections.RefreshToken(conn)
	if err != nil {
		return "", err
	}

	log := m.logger.With(zap.String("user_id", userID), zap.String("provider", string(p)))

	body, err := m.refresher.Refresh(ctx, p, refreshToken)
	if err != nil {
		return "", m.refreshFailed(ctx, log, userID, p, err)
	}

	resp, err := oauth.NormalizeTokenResponse(body)
	if err != nil {
		return "", m.refreshFailed(ctx, log, userID, p, fmt.Errorf("%w: refresh response carried no access token", apperror.ErrUpstream))
	}

	now := m.now()
	err = m.connections.UpdateTokens(ctx, conn, store.TokenUpdate{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    resp.ExpiresAt(now),
		TokenType:    resp.TokenType,
		Scope:        resp.Scope,
	})
	if err != nil {
		return "", fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	if err := m.connections.RecordEvent(ctx, userID, p, models.EventRefreshed, ""); err != nil {
		log.Warn("Failed to record refresh event", zap.Error(err))
	}

	log.Info("Access token refreshed",
		zap.Bool("rotated_refresh_token", resp.RefreshToken != ""),
		zap.Duration("expires_in", resp.ExpiresIn),
	)
	return resp.AccessToken, nil
}

func (m *Manager) refreshFailed(ctx context.Context, log *zap.Logger, userID string, p provider.Provider, err error) error {
	log.Warn("Access token refresh failed", zap.Error(err))

	if recordErr := m.connections.RecordEvent(ctx, userID, p, models.EventRefreshFailed, err.Error()); recordErr != nil {
		log.Warn("Failed to record refresh failure", zap.Error(recordErr))
	}

	if errors.Is(err, apperror.ErrUpstream) || errors.Is(err, apperror.ErrServiceUnavailable) {
		return fmt.Errorf("failed to refresh %s access token: %w", p, err)
	}
	return fmt.Errorf("%w: failed to refresh %s access token: %v", apperror.ErrUpstream, p, err)
}

func (m *Manager) load(ctx context.Context, userID string, p provider.Provider) (*models.IntegrationConnection, error) {
	conn, err := m.connections.Get(ctx, userID, p)
	if err != nil {
		return nil, err
	}
	if !conn.IsActive {
		return nil, fmt.Errorf("%w: %s connection is inactive; reconnect the integration", apperror.ErrNotFound, p)
	}
	return conn, nil
}

// expiringSoon reports whether the token expires within the margin. A
// connection without an expiry never expires.
func (m *Manager) expiringSoon(conn *models.IntegrationConnection) bool {
	if conn.AccessTokenExpiresAt == nil {
		return false
	}
	return !conn.AccessTokenExpiresAt.After(m.now().Add(m.margin))
}

func reconnectRequired(p provider.Provider) error {
	return fmt.Errorf("%w: %s access token has expired and cannot be refreshed; reconnect the integration", apperror.ErrAuthorization, p)
}
