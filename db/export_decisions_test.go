package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/txguard/dbtypes"
	"github.com/ethpandaops/txguard/types"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()

	database, err := InitDB(context.Background(), &types.DatabaseConfig{
		Engine: "sqlite",
		Sqlite: &types.SqliteDatabaseConfig{
			File:         filepath.Join(t.TempDir(), "txguard.sqlite"),
			MaxOpenConns: 1,
		},
	})
	require.NoError(t, err)
	t.Cleanup(database.Close)

	require.NoError(t, database.ApplyEmbeddedDbSchema(-2))
	return database
}

func TestExportDecisionRoundTrip(t *testing.T) {
	database := newTestDatabase(t)
	ctx := context.Background()
	hash := []byte{0x01, 0x02, 0x03}

	decision, err := database.GetExportDecision(ctx, hash)
	require.NoError(t, err)
	assert.Nil(t, decision)

	require.NoError(t, database.SetExportDecision(ctx, &dbtypes.ExportDecision{
		ContentHash: hash,
		Approved:    true,
		DecidedAt:   100,
		Origin:      "https://app.example",
	}))
	require.NoError(t, database.SetExportDecision(ctx, &dbtypes.ExportDecision{
		ContentHash: hash,
		Approved:    false,
		DecidedAt:   200,
	}))

	decision, err = database.GetExportDecision(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.False(t, decision.Approved)
	assert.Equal(t, int64(200), decision.DecidedAt)

	deleted, err := database.DeleteExportDecisionsBefore(ctx, 300)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestInitDBUnknownEngine(t *testing.T) {
	_, err := InitDB(context.Background(), &types.DatabaseConfig{Engine: "mysql"})
	assert.Error(t, err)
}
