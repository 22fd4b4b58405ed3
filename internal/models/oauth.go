package models

import "time"

// OAuthStateNonce records a consumed OAuth state nonce so a captured state
// cannot be replayed before it expires.
type OAuthStateNonce struct {
	Nonce     string    `json:"nonce" gorm:"primaryKey;type:varchar(64)"`
	UserID    string    `json:"user_id" gorm:"not null"`
	Provider  string    `json:"provider" gorm:"not null"`
	ExpiresAt time.Time `json:"expires_at" gorm:"not null;index"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for OAuthStateNonce
func (OAuthStateNonce) TableName() string {
	return "oauth_state_nonces"
}

// All returns every model managed by this service, in migration order.
func All() []any {
	return []any{&IntegrationConnection{}, &ConnectionEvent{}, &OAuthStateNonce{}}
}
