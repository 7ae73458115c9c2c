package catalog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-patchdb/internal/patcher"
)

func TestDisabledCatalog(t *testing.T) {
	c, err := Open(context.Background(), Config{})
	require.NoError(t, err)
	defer c.Close()

	assert.NoError(t, c.RecordRun(context.Background(), Run{RunID: "x"}))
	_, err = c.LastRun(context.Background(), "badger", "x")
	assert.ErrorIs(t, err, ErrNoRun)
}

func TestInvalidDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{DSN: "postgres://%zz"})
	assert.ErrorContains(t, err, "parse DSN")
}

func TestPostgresCatalog(t *testing.T) {
	dsn := os.Getenv("PATCHDB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PATCHDB_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := Open(ctx, Config{DSN: dsn})
	require.NoError(t, err)
	defer c.Close()

	strategy := "test_" + uuid.NewString()
	_, err = c.LastRun(ctx, "badger", strategy)
	assert.ErrorIs(t, err, ErrNoRun)

	start := time.Now().UTC().Truncate(time.Millisecond)
	run := Run{
		RunID:      uuid.NewString(),
		Store:      "badger",
		Strategy:   strategy,
		Author:     "patchdb/" + strategy,
		Write:      true,
		Stats:      patcher.RunStats{Total: 3, Patched: 3, Changed: 2, Saved: 2},
		StartedAt:  start,
		FinishedAt: start.Add(time.Second),
	}
	require.NoError(t, c.RecordRun(ctx, run))

	run.Stats.Failed = 1
	run.Error = "1 of 3 records failed"
	require.NoError(t, c.RecordRun(ctx, run))

	got, err := c.LastRun(ctx, "badger", strategy)
	require.NoError(t, err)
	assert.Equal(t, run.RunID, got.RunID)
	assert.Equal(t, run.Stats, got.Stats)
	assert.Equal(t, run.Error, got.Error)
	assert.True(t, run.FinishedAt.Equal(got.FinishedAt))
}
