// Package testutils provides helpers shared by package tests.
package testutils

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/asimhafeezz/pm-agent-sub000/internal/database"
	"github.com/asimhafeezz/pm-agent-sub000/internal/models"
)

// NewTestDB returns an isolated in-memory sqlite database with every model
// migrated. A single connection is used so concurrent callers serialize
// instead of tripping sqlite table locks.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := database.Open(sqlite.Open(dsn), 1, 1)
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(models.All()...))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	return db
}
