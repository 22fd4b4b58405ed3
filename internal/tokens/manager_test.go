package tokens

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/asimhafeezz/pm-agent-sub000/internal/apperror"
	"github.com/asimhafeezz/pm-agent-sub000/internal/models"
	"github.com/asimhafeezz/pm-agent-sub000/internal/provider"
	"github.com/asimhafeezz/pm-agent-sub000/internal/secrets"
	"github.com/asimhafeezz/pm-agent-sub000/internal/store"
	"github.com/asimhafeezz/pm-agent-sub000/internal/testutils"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeRefresher struct {
	calls    atomic.Int32
	delay    time.Duration
	response map[string]any
	err      error
	lastSeen atomic.Value
}

func (f *fakeRefresher) Refresh(_ context.Context, _ provider.Provider, refreshToken string) (map[string]any, error) {
	f.calls.Add(1)
	f.lastSeen.Store(refreshToken)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.response, f.err
}

type managerFixture struct {
	store     *store.ConnectionStore
	refresher *fakeRefresher
	now       time.Time
	manager   *Manager
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	cipher, err := secrets.NewCipher("manager-test-secret", secrets.AlgorithmAESGCM)
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)

	f := &managerFixture{
		store: store.NewConnectionStore(testutils.NewTestDB(t), cipher, logger),
		refresher: &fakeRefresher{response: map[string]any{
			"accessToken": "fresh-access",
			"expiresIn":   float64(3600),
		}},
		now: epoch,
	}
	f.manager = NewManager(f.store, f.refresher, 0, logger).WithClock(func() time.Time { return f.now })
	return f
}

func (f *managerFixture) connect(t *testing.T, refreshToken string, expiresAt *time.Time) {
	t.Helper()
	_, err := f.store.Upsert(context.Background(), "user-1", provider.Linear, "stored-access", nil, &store.TokenDetails{
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	})
	require.NoError(t, err)
}

func TestGetValidAccessToken_NonExpiring(t *testing.T) {
	f := newManagerFixture(t)
	f.connect(t, "", nil)
	f.now = epoch.Add(24 * 365 * time.Hour)

	token, err := f.manager.GetValidAccessToken(context.Background(), "user-1", provider.Linear)
	require.NoError(t, err)
	assert.Equal(t, "stored-access", token)
	assert.Zero(t, f.refresher.calls.Load())
}

func TestGetValidAccessToken_CachedBeforeMargin(t *testing.T) {
	f := newManagerFixture(t)
	expiresAt := epoch.Add(time.Hour)
	f.connect(t, "refresh-1", &expiresAt)
	f.now = expiresAt.Add(-DefaultRefreshMargin - time.Second)

	token, err := f.manager.GetValidAccessToken(context.Background(), "user-1", provider.Linear)
	require.NoError(t, err)
	assert.Equal(t, "stored-access", token)
	assert.Zero(t, f.refresher.calls.Load())
}

func TestGetValidAccessToken_RefreshesAtMargin(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	expiresAt := epoch.Add(time.Hour)
	f.connect(t, "refresh-1", &expiresAt)
	f.now = expiresAt.Add(-DefaultRefreshMargin)

	token, err := f.manager.GetValidAccessToken(ctx, "user-1", provider.Linear)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", token)
	assert.Equal(t, int32(1), f.refresher.calls.Load())
	assert.Equal(t, "refresh-1", f.refresher.lastSeen.Load())

	conn, err := f.store.Get(ctx, "user-1", provider.Linear)
	require.NoError(t, err)
	require.NotNil(t, conn.AccessTokenExpiresAt)
	assert.True(t, f.now.Add(time.Hour).Equal(*conn.AccessTokenExpiresAt))

	stored, err := f.store.AccessToken(conn)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", stored)

	refresh, err := f.store.RefreshToken(conn)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", refresh, "refresh token is kept when none is returned")

	// The refreshed token is now served from the store.
	token, err = f.manager.GetValidAccessToken(ctx, "user-1", provider.Linear)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", token)
	assert.Equal(t, int32(1), f.refresher.calls.Load())

	events, err := f.store.ListEvents(ctx, "user-1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, models.EventRefreshed, events[0].Action)
}

func TestGetValidAccessToken_RotatesRefreshToken(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	expiresAt := epoch
	f.connect(t, "refresh-1", &expiresAt)
	f.refresher.response = map[string]any{
		"access_token":  "fresh-access",
		"refresh_token": "refresh-2",
		"token_type":    "Bearer",
		"scope":         "read",
	}

	_, err := f.manager.GetValidAccessToken(ctx, "user-1", provider.Linear)
	require.NoError(t, err)

	conn, err := f.store.Get(ctx, "user-1", provider.Linear)
	require.NoError(t, err)
	refresh, err := f.store.RefreshToken(conn)
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", refresh)
	assert.Nil(t, conn.AccessTokenExpiresAt, "a response without expiresIn yields a non-expiring token")
	require.NotNil(t, conn.Scope)
	assert.Equal(t, "read", *conn.Scope)
}

func TestGetValidAccessToken_NoRefreshToken(t *testing.T) {
	f := newManagerFixture(t)
	expiresAt := epoch.Add(-time.Minute)
	f.connect(t, "", &expiresAt)

	_, err := f.manager.GetValidAccessToken(context.Background(), "user-1", provider.Linear)
	require.ErrorIs(t, err, apperror.ErrAuthorization)
	assert.Contains(t, err.Error(), "reconnect")
	assert.Zero(t, f.refresher.calls.Load())
}

func TestGetValidAccessToken_NotConnected(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.manager.GetValidAccessToken(context.Background(), "user-1", provider.Linear)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestGetValidAccessToken_RefreshFailure(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	expiresAt := epoch
	f.connect(t, "refresh-1", &expiresAt)
	f.refresher.err = errors.New("connection reset")

	_, err := f.manager.GetValidAccessToken(ctx, "user-1", provider.Linear)
	require.ErrorIs(t, err, apperror.ErrUpstream)

	events, err := f.store.ListEvents(ctx, "user-1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, models.EventRefreshFailed, events[0].Action)

	// No automatic retry; the next call tries again.
	f.refresher.err = nil
	token, err := f.manager.GetValidAccessToken(ctx, "user-1", provider.Linear)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", token)
	assert.Equal(t, int32(2), f.refresher.calls.Load())
}

func TestGetValidAccessToken_RefreshWithoutAccessToken(t *testing.T) {
	f := newManagerFixture(t)
	expiresAt := epoch
	f.connect(t, "refresh-1", &expiresAt)
	f.refresher.response = map[string]any{"token_type": "Bearer"}

	_, err := f.manager.GetValidAccessToken(context.Background(), "user-1", provider.Linear)
	assert.ErrorIs(t, err, apperror.ErrUpstream)
}

func TestGetValidAccessToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	f := newManagerFixture(t)
	expiresAt := epoch
	f.connect(t, "refresh-1", &expiresAt)
	f.refresher.delay = 50 * time.Millisecond

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = f.manager.GetValidAccessToken(context.Background(), "user-1", provider.Linear)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "fresh-access", tokens[i])
	}
	assert.Equal(t, int32(1), f.refresher.calls.Load())
}

func TestGetValidAccessToken_InactiveConnection(t *testing.T) {
	f := newManagerFixture(t)
	f.connect(t, "", nil)

	ctx := context.Background()
	conn, err := f.store.Get(ctx, "user-1", provider.Linear)
	require.NoError(t, err)
	conn.IsActive = false

	inactive := &inactiveStore{ConnectionStore: f.store, conn: conn}
	m := NewManager(inactive, f.refresher, 0, zaptest.NewLogger(t))

	_, err = m.GetValidAccessToken(ctx, "user-1", provider.Linear)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

type inactiveStore struct {
	*store.ConnectionStore
	conn *models.IntegrationConnection
}

func (s *inactiveStore) Get(context.Context, string, provider.Provider) (*models.IntegrationConnection, error) {
	return s.conn, nil
}
