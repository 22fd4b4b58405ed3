// Package integration exposes the operations the product boundary performs
// on a user's external account connections.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/asimhafeezz/pm-agent-sub000/internal/apperror"
	"github.com/asimhafeezz/pm-agent-sub000/internal/models"
	"github.com/asimhafeezz/pm-agent-sub000/internal/oauth"
	"github.com/asimhafeezz/pm-agent-sub000/internal/provider"
	"github.com/asimhafeezz/pm-agent-sub000/internal/proxy"
	"github.com/asimhafeezz/pm-agent-sub000/internal/store"
)

// Service ties the connection store, the OAuth flow and the proxy together.
type Service struct {
	connections *store.ConnectionStore
	flow        *oauth.Coordinator
	proxy       *proxy.Proxy
	logger      *zap.Logger
}

// NewService creates the facade.
func NewService(connections *store.ConnectionStore, flow *oauth.Coordinator, proxy *proxy.Proxy, logger *zap.Logger) *Service {
	return &Service{
		connections: connections,
		flow:        flow,
		proxy:       proxy,
		logger:      logger.With(zap.String("component", "integration-service")),
	}
}

// ConnectToken stores a token the user obtained out of band, such as a
// personal API key.
func (s *Service) ConnectToken(ctx context.Context, userID, rawProvider, accessToken string, metadata map[string]any) (*store.StatusView, error) {
	p, err := provider.Parse(rawProvider)
	if err != nil {
		return nil, err
	}
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return nil, fmt.Errorf("%w: accessToken is required", apperror.ErrValidation)
	}

	view, err := s.connections.Upsert(ctx, userID, p, accessToken, metadata, nil)
	if err != nil {
		return nil, err
	}
	s.recordEvent(ctx, userID, p, models.EventConnected, "token")
	return view, nil
}

// Disconnect hard-deletes the connection. Disconnecting a provider that is
// not connected succeeds.
func (s *Service) Disconnect(ctx context.Context, userID, rawProvider string) error {
	p, err := provider.Parse(rawProvider)
	if err != nil {
		return err
	}

	removed, err := s.connections.Remove(ctx, userID, p)
	if err != nil {
		return err
	}
	if removed {
		s.recordEvent(ctx, userID, p, models.EventDisconnected, "")
	}
	return nil
}

// ListStatuses returns one status per known provider.
func (s *Service) ListStatuses(ctx context.Context, userID string) ([]store.StatusView, error) {
	return s.connections.ListForUser(ctx, userID)
}

// GetStatus returns the status of one provider.
func (s *Service) GetStatus(ctx context.Context, userID, rawProvider string) (*store.StatusView, error) {
	p, err := provider.Parse(rawProvider)
	if err != nil {
		return nil, err
	}
	return s.connections.Status(ctx, userID, p)
}

// Events returns the user's recent connection events.
func (s *Service) Events(ctx context.Context, userID string, limit int) ([]models.ConnectionEvent, error) {
	return s.connections.ListEvents(ctx, userID, limit)
}

// StartOAuth begins an authorization code flow.
func (s *Service) StartOAuth(ctx context.Context, userID, rawProvider, redirectURI string) (*oauth.StartResult, error) {
	return s.flow.StartOAuth(ctx, userID, rawProvider, redirectURI)
}

// CompleteOAuth finishes an authorization code flow.
func (s *Service) CompleteOAuth(ctx context.Context, userID string, in oauth.CallbackInput) (*store.StatusView, error) {
	return s.flow.CompleteOAuth(ctx, userID, in)
}

// ForwardProjectManager proxies an issue-tracker call.
func (s *Service) ForwardProjectManager(ctx context.Context, userID, rawProvider, path, method string, query url.Values, body json.RawMessage) (json.RawMessage, error) {
	return s.proxy.ForwardProjectManager(ctx, userID, rawProvider, path, method, query, body)
}

// ForwardCommunication proxies a mail or chat call.
func (s *Service) ForwardCommunication(ctx context.Context, userID, rawProvider, path, method string, query url.Values, body json.RawMessage) (json.RawMessage, error) {
	return s.proxy.ForwardCommunication(ctx, userID, rawProvider, path, method, query, body)
}

// ForwardDocumentSource runs a fetch or search against a document source.
func (s *Service) ForwardDocumentSource(ctx context.Context, userID, rawProvider, op string, body json.RawMessage) (json.RawMessage, error) {
	return s.proxy.ForwardDocumentSource(ctx, userID, rawProvider, op, body)
}

func (s *Service) recordEvent(ctx context.Context, userID string, p provider.Provider, action, detail string) {
	if err := s.connections.RecordEvent(ctx, userID, p, action, detail); err != nil {
		s.logger.Warn("Failed to record connection event",
			zap.String("user_id", userID),
			zap.String("provider", string(p)),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}
