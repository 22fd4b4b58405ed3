// Package store persists integration connections and their audit trail.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/asimhafeezz/pm-agent-sub000/internal/apperror"
	"github.com/asimhafeezz/pm-agent-sub000/internal/models"
	"github.com/asimhafeezz/pm-agent-sub000/internal/provider"
	"github.com/asimhafeezz/pm-agent-sub000/internal/secrets"
)

// TokenDetails carries the optional parts of a credential supplied on
// connect. An empty RefreshToken keeps the stored one.
type TokenDetails struct {
	RefreshToken string
	ExpiresAt    *time.Time
	TokenType    string
	Scope        string
}

// TokenUpdate is the result of a refresh. An empty RefreshToken keeps the
// stored one; a nil ExpiresAt marks the new token as non-expiring.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	TokenType    string
	Scope        string
}

// StatusView is the client-facing view of a connection. It never carries
// tokens.
type StatusView struct {
	Provider    provider.Provider `json:"provider"`
	Connected   bool              `json:"connected"`
	TokenType   string            `json:"tokenType,omitempty"`
	Scope       string            `json:"scope,omitempty"`
	ExpiresAt   *time.Time        `json:"expiresAt,omitempty"`
	Refreshable bool              `json:"refreshable"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	ConnectedAt *time.Time        `json:"connectedAt,omitempty"`
	UpdatedAt   *time.Time        `json:"updatedAt,omitempty"`
}

// EventPublisher receives every recorded connection event.
type EventPublisher interface {
	PublishConnectionEvent(event models.ConnectionEvent)
}

// ConnectionStore is the durable per-(user, provider) credential record.
// Token columns are always written through the cipher.
type ConnectionStore struct {
	db        *gorm.DB
	cipher    *secrets.Cipher
	logger    *zap.Logger
	publisher EventPublisher
}

// NewConnectionStore creates a store.
func NewConnectionStore(db *gorm.DB, cipher *secrets.Cipher, logger *zap.Logger) *ConnectionStore {
	return &ConnectionStore{
		db:     db,
		cipher: cipher,
		logger: logger.With(zap.String("component", "connection-store")),
	}
}

// SetEventPublisher registers a publisher notified after each recorded event.
func (s *ConnectionStore) SetEventPublisher(publisher EventPublisher) {
	s.publisher = publisher
}

// Upsert creates or updates the connection for (userID, p). Metadata is
// shallow-merged with new keys winning, the access token is replaced, and
// the refresh token only changes when details carries a new one.
func (s *ConnectionStore) Upsert(ctx context.Context, userID string, p provider.Provider, accessToken string, metadata map[string]any, details *TokenDetails) (*StatusView, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", apperror.ErrValidation)
	}
	if !p.Valid() {
		return nil, fmt.Errorf("%w: unsupported provider %q", apperror.ErrValidation, p)
	}
	if accessToken == "" {
		return nil, fmt.Errorf("%w: accessToken is required", apperror.ErrValidation)
	}
	if details == nil {
		details = &TokenDetails{}
	}

	accessEnc, err := s.cipher.Encrypt(accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}

	var refreshEnc *string
	if details.RefreshToken != "" {
		enc, err := s.cipher.Encrypt(details.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		refreshEnc = &enc
	}

	apply := func(conn *models.IntegrationConnection) {
		if conn.Metadata == nil {
			conn.Metadata = datatypes.JSONMap{}
		}
		for k, v := range metadata {
			conn.Metadata[k] = v
		}

		conn.AccessTokenEnc = accessEnc
		if refreshEnc != nil {
			conn.RefreshTokenEnc = refreshEnc
		}
		conn.AccessTokenExpiresAt = utcPtr(details.ExpiresAt)
		if details.TokenType != "" {
			conn.TokenType = &details.TokenType
		}
		if details.Scope != "" {
			conn.Scope = &details.Scope
		}
		conn.IsActive = true
	}

	var conn models.IntegrationConnection
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ? AND provider = ?", userID, string(p)).First(&conn).Error
		switch {
		case err == nil:
			apply(&conn)
			return tx.Save(&conn).Error
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		conn = models.IntegrationConnection{
			ID:       uuid.NewString(),
			UserID:   userID,
			Provider: string(p),
			Metadata: datatypes.JSONMap{},
		}
		apply(&conn)
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider"}},
			DoNothing: true,
		}).Create(&conn)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		// A concurrent connect created the row first; merge into it.
		conn = models.IntegrationConnection{}
		if err := tx.Where("user_id = ? AND provider = ?", userID, string(p)).First(&conn).Error; err != nil {
			return err
		}
		apply(&conn)
		return tx.Save(&conn).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save connection: %w", err)
	}

	s.logger.Info("Connection saved",
		zap.String("user_id", userID),
		zap.String("provider", string(p)),
		zap.Bool("refreshable", conn.HasRefreshToken()),
	)

	view := toStatusView(p, &conn)
	return &view, nil
}

// Get loads the connection for (userID, p) or fails with ErrNotFound.
func (s *ConnectionStore) Get(ctx context.Context, userID string, p provider.Provider) (*models.IntegrationConnection, error) {
	var conn models.IntegrationConnection
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, string(p)).
		First(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notConnected(p)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	return &conn, nil
}

// Status returns the status of one provider, connected=false when absent.
func (s *ConnectionStore) Status(ctx context.Context, userID string, p provider.Provider) (*StatusView, error) {
	conn, err := s.Get(ctx, userID, p)
	if errors.Is(err, apperror.ErrNotFound) {
		return &StatusView{Provider: p}, nil
	}
	if err != nil {
		return nil, err
	}
	view := toStatusView(p, conn)
	return &view, nil
}

// ListForUser returns one entry per known provider.
func (s *ConnectionStore) ListForUser(ctx context.Context, userID string) ([]StatusView, error) {
	var conns []models.IntegrationConnection
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&conns).Error; err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}

	byProvider := make(map[string]*models.IntegrationConnection, len(conns))
	for i := range conns {
		byProvider[conns[i].Provider] = &conns[i]
	}

	views := make([]StatusView, 0, len(provider.All))
	for _, p := range provider.All {
		if conn, ok := byProvider[string(p)]; ok {
			views = append(views, toStatusView(p, conn))
			continue
		}
		views = append(views, StatusView{Provider: p})
	}
	return views, nil
}

// Remove deletes the connection. Removing an absent connection succeeds.
// It reports whether a row was deleted.
func (s *ConnectionStore) Remove(ctx context.Context, userID string, p provider.Provider) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, string(p)).
		Delete(&models.IntegrationConnection{})
	if result.Error != nil {
		return false, fmt.Errorf("failed to delete connection: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// UpdateTokens persists a refreshed credential on conn and updates conn in
// place.
func (s *ConnectionStore) UpdateTokens(ctx context.Context, conn *models.IntegrationConnection, update TokenUpdate) error {
	if update.AccessToken == "" {
		return fmt.Errorf("%w: accessToken is required", apperror.ErrValidation)
	}

	accessEnc, err := s.cipher.Encrypt(update.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	expiresAt := utcPtr(update.ExpiresAt)
	updates := map[string]interface{}{
		"access_token_enc":        accessEnc,
		"access_token_expires_at": expiresAt,
	}

	var refreshEnc *string
	if update.RefreshToken != "" {
		enc, err := s.cipher.Encrypt(update.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		refreshEnc = &enc
		updates["refresh_token_enc"] = enc
	}
	if update.TokenType != "" {
		updates["token_type"] = update.TokenType
	}
	if update.Scope != "" {
		updates["scope"] = update.Scope
	}

	result := s.db.WithContext(ctx).
		Model(&models.IntegrationConnection{}).
		Where("id = ?", conn.ID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update tokens: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return notConnected(provider.Provider(conn.Provider))
	}

	conn.AccessTokenEnc = accessEnc
	conn.AccessTokenExpiresAt = expiresAt
	if refreshEnc != nil {
		conn.RefreshTokenEnc = refreshEnc
	}
	if update.TokenType != "" {
		conn.TokenType = &update.TokenType
	}
	if update.Scope != "" {
		conn.Scope = &update.Scope
	}
	return nil
}

// AccessToken decrypts the stored access token.
func (s *ConnectionStore) AccessToken(conn *models.IntegrationConnection) (string, error) {
	return s.cipher.Decrypt(conn.AccessTokenEnc)
}

// RefreshToken decrypts the stored refresh token. It returns an empty string
// when none is stored.
func (s *ConnectionStore) RefreshToken(conn *models.IntegrationConnection) (string, error) {
	if !conn.HasRefreshToken() {
		return "", nil
	}
	return s.cipher.Decrypt(*conn.RefreshTokenEnc)
}

func toStatusView(p provider.Provider, conn *models.IntegrationConnection) StatusView {
	view := StatusView{
		Provider:    p,
		Connected:   conn.IsActive,
		ExpiresAt:   conn.AccessTokenExpiresAt,
		Refreshable: conn.HasRefreshToken(),
	}
	if conn.TokenType != nil {
		view.TokenType = *conn.TokenType
	}
	if conn.Scope != nil {
		view.Scope = *conn.Scope
	}
	if len(conn.Metadata) > 0 {
		view.Metadata = map[string]any(conn.Metadata)
	}
	if !conn.CreatedAt.IsZero() {
		createdAt := conn.CreatedAt
		view.ConnectedAt = &createdAt
	}
	if !conn.UpdatedAt.IsZero() {
		updatedAt := conn.UpdatedAt
		view.UpdatedAt = &updatedAt
	}
	return view
}

func notConnected(p provider.Provider) error {
	return fmt.Errorf("%w: %s is not connected; connect the integration and try again", apperror.ErrNotFound, p)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
