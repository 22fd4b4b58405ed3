package models

import (
	"time"

	"gorm.io/datatypes"
)

// IntegrationConnection is a stored, encrypted credential binding one user to
// one external provider. Token columns only ever hold cipher envelopes.
type IntegrationConnection struct {
	ID                   string            `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID               string            `json:"user_id" gorm:"not null;uniqueIndex:idx_connection_user_provider"`
	Provider             string            `json:"provider" gorm:"not null;uniqueIndex:idx_connection_user_provider"`
	AccessTokenEnc       string            `json:"-" gorm:"column:access_token_enc;not null"`
	RefreshTokenEnc      *string           `json:"-" gorm:"column:refresh_token_enc"`
	AccessTokenExpiresAt *time.Time        `json:"access_token_expires_at"`
	TokenType            *string           `json:"token_type"`
	Scope                *string           `json:"scope"`
	IsActive             bool              `json:"is_active" gorm:"not null;default:true"`
	Metadata             datatypes.JSONMap `json:"metadata"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// TableName specifies the table name for IntegrationConnection
func (IntegrationConnection) TableName() string {
	return "integration_connections"
}

// HasRefreshToken reports whether a refresh token envelope is stored
func (c *IntegrationConnection) HasRefreshToken() bool {
	return c.RefreshTokenEnc != nil && *c.RefreshTokenEnc != ""
}

// Connection event actions
const (
	EventConnected     = "connected"
	EventDisconnected  = "disconnected"
	EventRefreshed     = "refreshed"
	EventRefreshFailed = "refresh_failed"
)

// ConnectionEvent is an append-only audit record of connection lifecycle changes.
type ConnectionEvent struct {
	ID        int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID    string    `json:"user_id" gorm:"not null;index"`
	Provider  string    `json:"provider" gorm:"not null"`
	Action    string    `json:"action" gorm:"not null"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

// TableName specifies the table name for ConnectionEvent
func (ConnectionEvent) TableName() string {
	return "integration_connection_events"
}
