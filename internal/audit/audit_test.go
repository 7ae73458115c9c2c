package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
)

func sampleEntries() []Entry {
	return []Entry{
		{Action: ActionChange, RecordID: "a1", DisplayID: "UA-2021-01-05-000010", Author: "patchdb/remove_auction_date",
			Changes: `[{"op":"remove","path":"/auctionPeriod/startDate"}]`, Saved: true},
		{Action: ActionCreate, RecordID: "b2", DisplayID: "UA-2021-01-05-000011", Author: "patchdb/clone_tender"},
	}
}

func newWriter(t *testing.T, format string) (*Writer, *blob.Bucket) {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	w := NewWriter(bucket, Config{Format: format, Prefix: "audit/", RunID: "run1", Strategy: "test", Part: "shard-0"})
	t.Cleanup(func() { w.Close() })
	return w, bucket
}

func readManifest(t *testing.T, bucket *blob.Bucket, w *Writer) Manifest {
	t.Helper()
	raw, err := bucket.ReadAll(context.Background(), w.ManifestKey())
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestFlushParquet(t *testing.T) {
	w, bucket := newWriter(t, FormatParquet)
	for _, e := range sampleEntries() {
		w.Record(e)
	}
	assert.Equal(t, 2, w.Len())

	m, err := w.Flush(context.Background())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "audit/run1/shard-0/journal.parquet", m.File)
	assert.Equal(t, int64(2), m.RowCount)
	assert.Zero(t, w.Len())

	data, err := bucket.ReadAll(context.Background(), m.File)
	require.NoError(t, err)
	assert.True(t, VerifyChecksum(data, m.Checksum))
	assert.Equal(t, m.Checksum, readManifest(t, bucket, w).Checksum)

	rows, err := parquet.Read[Entry](bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a1", rows[0].RecordID)
	assert.Equal(t, "run1", rows[0].RunID)
	assert.Equal(t, "test", rows[1].Strategy)
	assert.True(t, rows[0].Saved)
}

func TestFlushJSONL(t *testing.T) {
	w, bucket := newWriter(t, FormatJSONL)
	for _, e := range sampleEntries() {
		w.Record(e)
	}

	m, err := w.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "audit/run1/shard-0/journal.jsonl.zst", m.File)

	data, err := bucket.ReadAll(context.Background(), m.File)
	require.NoError(t, err)
	zr, err := zstd.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer zr.Close()

	dec := json.NewDecoder(zr)
	var got []Entry
	for {
		var e Entry
		err := dec.Decode(&e)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, ActionCreate, got[1].Action)
}

func TestFlushEmpty(t *testing.T) {
	w, bucket := newWriter(t, FormatParquet)
	m, err := w.Flush(context.Background())
	require.NoError(t, err)
	assert.Nil(t, m)

	exists, err := bucket.Exists(context.Background(), w.ManifestKey())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", ComputeChecksum(nil))
}
