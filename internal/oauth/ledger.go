package oauth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/asimhafeezz/pm-agent-sub000/internal/apperror"
	"github.com/asimhafeezz/pm-agent-sub000/internal/models"
)

// ErrStateReplayed is returned when a state nonce is presented a second time.
var ErrStateReplayed = fmt.Errorf("%w: OAuth state already used", apperror.ErrAuthorization)

// NonceLedger makes OAuth states single-use. Consume succeeds the first time
// a nonce is seen and fails with ErrStateReplayed afterwards, until the state
// would have expired anyway.
type NonceLedger interface {
	Consume(ctx context.Context, state *State) error
}

// DBLedger keeps consumed nonces in the oauth_state_nonces table.
type DBLedger struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDBLedger creates a database-backed ledger.
func NewDBLedger(db *gorm.DB) *DBLedger {
	return &DBLedger{db: db, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (l *DBLedger) WithClock(now func() time.Time) *DBLedger {
	l.now = now
	return l
}

// Consume records state.Nonce, failing if it was recorded before.
func (l *DBLedger) Consume(ctx context.Context, state *State) error {
	record := models.OAuthStateNonce{
		Nonce:     state.Nonce,
		UserID:    state.UserID,
		Provider:  string(state.Provider),
		ExpiresAt: state.ExpiresAt.UTC(),
		CreatedAt: l.now().UTC(),
	}

	result := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record)
	if result.Error != nil {
		return fmt.Errorf("failed to record OAuth state nonce: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStateReplayed
	}
	return nil
}

// RedisLedger keeps consumed nonces as Redis keys that expire with the state.
// It lets several service replicas share one ledger.
type RedisLedger struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisLedger creates a Redis-backed ledger.
func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client, prefix: "oauth:state-nonce:", now: time.Now}
}

// WithClock replaces the time source, for tests.
func (l *RedisLedger) WithClock(now func() time.Time) *RedisLedger {
	l.now = now
	return l
}

// Consume sets the nonce key only if absent.
func (l *RedisLedger) Consume(ctx context.Context, state *State) error {
	ttl := state.ExpiresAt.Sub(l.now())
	if ttl <= 0 {
		return fmt.Errorf("%w: state expired", ErrInvalidState)
	}

	ok, err := l.client.SetNX(ctx, l.prefix+state.Nonce, state.UserID, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: nonce ledger unavailable: %v", apperror.ErrServiceUnavailable, err)
	}
	if !ok {
		return ErrStateReplayed
	}
	return nil
}
