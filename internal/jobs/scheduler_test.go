package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/asimhafeezz/pm-agent-sub000/internal/models"
	"github.com/asimhafeezz/pm-agent-sub000/internal/oauth"
	"github.com/asimhafeezz/pm-agent-sub000/internal/provider"
	"github.com/asimhafeezz/pm-agent-sub000/internal/secrets"
	"github.com/asimhafeezz/pm-agent-sub000/internal/store"
	"github.com/asimhafeezz/pm-agent-sub000/internal/testutils"
)

type fakePruner struct {
	cutoff time.Time
	err    error
}

func (f *fakePruner) PruneEvents(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 3, f.err
}

type fakeCleaner struct{ calls int }

func (f *fakeCleaner) CleanupIdle() int {
	f.calls++
	return 1
}

func TestPruneEvents_UsesRetention(t *testing.T) {
	pruner := &fakePruner{}
	s := NewScheduler(nil, pruner, nil, 24*time.Hour, zaptest.NewLogger(t))
	now := time.Date(2026, 5, 10, 3, 14, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.pruneEvents()
	assert.Equal(t, now.Add(-24*time.Hour), pruner.cutoff)

	// Errors are logged, not propagated
	pruner.err = errors.New("boom")
	s.pruneEvents()
}

func TestNewScheduler_DefaultRetention(t *testing.T) {
	s := NewScheduler(nil, nil, nil, 0, zaptest.NewLogger(t))
	assert.Equal(t, DefaultEventRetention, s.retention)
}

func TestStart_RegistersOnlyConfiguredJobs(t *testing.T) {
	cleaner := &fakeCleaner{}
	s := NewScheduler(nil, &fakePruner{}, cleaner, 0, zaptest.NewLogger(t))
	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Len(t, s.cron.Entries(), 2)

	s.cleanupLimiters()
	assert.Equal(t, 1, cleaner.calls)
}

func TestPurgeNonces_AgainstDatabase(t *testing.T) {
	db := testutils.NewTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	ledger := oauth.NewDBLedger(db).WithClock(func() time.Time { return now })
	require.NoError(t, ledger.Consume(ctx, &oauth.State{
		UserID:    "user-1",
		Provider:  provider.Linear,
		Nonce:     "expired",
		ExpiresAt: now.Add(-time.Minute),
	}))
	require.NoError(t, ledger.Consume(ctx, &oauth.State{
		UserID:    "user-1",
		Provider:  provider.Linear,
		Nonce:     "live",
		ExpiresAt: now.Add(time.Minute),
	}))

	NewScheduler(ledger, nil, nil, 0, zaptest.NewLogger(t)).purgeNonces()

	var remaining []models.OAuthStateNonce
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, "live", remaining[0].Nonce)
}

func TestPruneEvents_AgainstStore(t *testing.T) {
	db := testutils.NewTestDB(t)
	cipher, err := secrets.NewCipher("jobs-test-secret", secrets.AlgorithmAESGCM)
	require.NoError(t, err)
	connections := store.NewConnectionStore(db, cipher, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, connections.RecordEvent(ctx, "user-1", provider.Slack, models.EventConnected, "token"))
	old := time.Now().UTC().Add(-400 * 24 * time.Hour)
	require.NoError(t, db.Model(&models.ConnectionEvent{}).Where("1 = 1").Update("created_at", old).Error)
	require.NoError(t, connections.RecordEvent(ctx, "user-1", provider.Slack, models.EventDisconnected, ""))

	NewScheduler(nil, connections, nil, 0, zaptest.NewLogger(t)).pruneEvents()

	events, err := connections.ListEvents(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventDisconnected, events[0].Action)
}
