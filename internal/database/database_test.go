package database

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradieflow/internal/config"
	"tradieflow/internal/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestOpen_SQLiteAndMigrate(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.SQLitePath = filepath.Join(t.TempDir(), "nested", "tradieflow.db")

	db, err := Open(cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	require.NoError(t, Migrate(db))
	for _, m := range models.All() {
		assert.True(t, db.Migrator().HasTable(m), "%T table missing", m)
	}

	rule := models.AutomationRule{UserID: "u1", Name: "r", TriggerType: models.TriggerJobCompleted, ActionType: models.ActionSendEmail}
	require.NoError(t, db.Create(&rule).Error)
	assert.NotZero(t, rule.ID)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}

func TestOpen_UnknownDriver(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Database.Driver = "oracle"
	_, err := Open(cfg, quietLogger())
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestClose_Nil(t *testing.T) {
	assert.NoError(t, Close(nil))
}
