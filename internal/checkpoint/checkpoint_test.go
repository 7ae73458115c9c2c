package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileManagerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{Enabled: true, Dir: dir})
	require.NoError(t, err)

	ctx := context.Background()
	key := Key("mem://records/_id", "remove_auction_date")

	_, err = m.Load(ctx, key)
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	cp := &Checkpoint{
		Store:     "mem://records/_id",
		Strategy:  "remove_auction_date",
		Cursor:    "2021-01-10T10:00:00.000000+02:00",
		UpdatedAt: time.Date(2021, 1, 10, 8, 0, 0, 0, time.UTC),
	}
	require.NoError(t, m.Save(ctx, cp))

	got, err := m.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, cp.Cursor, got.Cursor)
	assert.Equal(t, cp.Strategy, got.Strategy)
	assert.True(t, cp.UpdatedAt.Equal(got.UpdatedAt))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp file must be renamed away")
	assert.Equal(t, "checkpoint_mem_records__id_remove_auction_date.json", entries[0].Name())
}

func TestFileManagerCorrupt(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{Enabled: true, Dir: dir})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoint_k.json"), []byte("{"), 0644))
	_, err = m.Load(context.Background(), "k")
	assert.ErrorContains(t, err, "parse checkpoint file")
}

func TestNoopManager(t *testing.T) {
	m, err := NewManager(Config{})
	require.NoError(t, err)

	require.NoError(t, m.Save(context.Background(), &Checkpoint{Cursor: "1"}))
	_, err = m.Load(context.Background(), "any")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}
