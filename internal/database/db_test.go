package database

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMigratesTables(t *testing.T) {
	db, err := Open(&Config{
		Type:         "sqlite",
		DSN:          fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano()),
		MaxOpenConns: 1,
	}, logrus.New())
	require.NoError(t, err)

	for _, table := range []string{"runs", "run_documents", "output_ledgers", "span_ledgers"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
}

func TestSetupCreatesDirectory(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "nested", "qa.db")
	cfg := DefaultConfig()
	cfg.DSN = dsn

	require.NoError(t, Setup(cfg, logrus.New()))
	assert.NotNil(t, MustDB())
	assert.FileExists(t, dsn)

	require.NoError(t, Close())
	assert.Panics(t, func() { MustDB() })
}

func TestUnsupportedType(t *testing.T) {
	_, err := Open(&Config{Type: "oracle"}, nil)
	assert.Error(t, err)
}
