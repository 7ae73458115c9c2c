package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-patchdb/internal/record"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	mem, err := New(ctx, Config{Backend: "docstore", URL: "mem://" + t.Name() + "/_id"})
	require.NoError(t, err)

	kv, err := New(ctx, Config{Backend: "badger"})
	require.NoError(t, err)

	t.Cleanup(func() {
		mem.Close()
		kv.Close()
	})
	return map[string]Store{"docstore": mem, "badger": kv}
}

func TestStoreCreateGetSave(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rev1, err := s.Save(ctx, record.Doc{"_id": "a1", "status": "draft", "n": 1})
			require.NoError(t, err)
			require.NotEmpty(t, rev1)

			doc, err := s.Get(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, rev1, doc["_rev"])
			assert.Equal(t, "draft", doc["status"])
			assert.Equal(t, float64(1), doc["n"])

			doc["status"] = "active"
			rev2, err := s.Save(ctx, doc)
			require.NoError(t, err)
			assert.NotEqual(t, rev1, rev2)

			got, err := s.Get(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, "active", got["status"])
			assert.Equal(t, rev2, got["_rev"])
		})
	}
}

func TestStoreConflicts(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Save(ctx, record.Doc{"_id": "c1", "v": "a"})
			require.NoError(t, err)

			// create over existing
			_, err = s.Save(ctx, record.Doc{"_id": "c1", "v": "b"})
			assert.True(t, IsConflict(err), "got %v", err)

			stale, err := s.Get(ctx, "c1")
			require.NoError(t, err)
			fresh := record.Clone(stale)

			fresh["v"] = "c"
			_, err = s.Save(ctx, fresh)
			require.NoError(t, err)

			stale["v"] = "d"
			_, err = s.Save(ctx, stale)
			assert.ErrorIs(t, err, ErrConflict)

			got, err := s.Get(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, "c", got["v"])
		})
	}
}

func TestStoreNotFound(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreListIDsPaginates(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 5; i >= 1; i-- {
				_, err := s.Save(ctx, record.Doc{"_id": fmt.Sprintf("id%02d", i)})
				require.NoError(t, err)
			}

			page, err := s.ListIDs(ctx, "", 2)
			require.NoError(t, err)
			assert.Equal(t, []string{"id01", "id02"}, page)

			page, err = s.ListIDs(ctx, "id02", 0)
			require.NoError(t, err)
			assert.Equal(t, []string{"id03", "id04", "id05"}, page)
		})
	}
}

func TestStoreChanges(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stamps := []string{
				"2021-01-01T00:00:00.000000+02:00",
				"2021-01-02T00:00:00.000000+02:00",
				"2021-01-03T00:00:00.000000+02:00",
			}
			for i, ts := range stamps {
				_, err := s.Save(ctx, record.Doc{"_id": fmt.Sprintf("d%d", i), "dateModified": ts})
				require.NoError(t, err)
			}

			ids, cursor, err := s.Changes(ctx, "", 2)
			require.NoError(t, err)
			assert.Equal(t, []string{"d0", "d1"}, ids)

			ids, cursor2, err := s.Changes(ctx, cursor, 10)
			require.NoError(t, err)
			assert.Equal(t, []string{"d2"}, ids)

			doc, err := s.Get(ctx, "d0")
			require.NoError(t, err)
			doc["dateModified"] = "2021-01-04T00:00:00.000000+02:00"
			_, err = s.Save(ctx, doc)
			require.NoError(t, err)

			ids, _, err = s.Changes(ctx, cursor2, 10)
			require.NoError(t, err)
			assert.Equal(t, []string{"d0"}, ids)
		})
	}
}

func TestStoreConcurrentSavesSingleWinner(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Save(ctx, record.Doc{"_id": "race"})
			require.NoError(t, err)
			base, err := s.Get(ctx, "race")
			require.NoError(t, err)

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				winners []int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					doc := record.Clone(base)
					doc["writer"] = float64(i)
					if _, err := s.Save(ctx, doc); err == nil {
						mu.Lock()
						winners = append(winners, i)
						mu.Unlock()
					} else {
						assert.ErrorIs(t, err, ErrConflict)
					}
				}(i)
			}
			wg.Wait()
			sort.Ints(winners)
			require.Len(t, winners, 1)
		})
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(context.Background(), Config{Backend: "couch"})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Backend: "docstore"})
	assert.Error(t, err)
}

func TestNextRevision(t *testing.T) {
	r1 := nextRevision("", []byte("a"))
	assert.Regexp(t, `^1-[0-9a-f]{16}$`, r1)
	assert.Regexp(t, `^8-`, nextRevision("7-abc", []byte("a")))
}

func TestDocstoreChangesOrderByInstant(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, Config{Backend: "docstore", URL: "mem://" + t.Name() + "/_id"})
	require.NoError(t, err)
	defer s.Close()

	// lexical order is d2, d1, d0; instant order is d0, d2, d1
	for id, ts := range map[string]string{
		"d0": "2021-01-01T10:00:00.000000+02:00",
		"d1": "2021-01-01T09:00:00Z",
		"d2": "2021-01-01T08:30:00.000000+00:00",
	} {
		_, err := s.Save(ctx, record.Doc{"_id": id, "dateModified": ts})
		require.NoError(t, err)
	}

	ids, cursor, err := s.Changes(ctx, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"d0", "d2"}, ids)
	assert.Equal(t, "2021-01-01T08:30:00.000000+00:00", cursor)

	ids, cursor, err = s.Changes(ctx, cursor, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, ids)
	assert.Equal(t, "2021-01-01T09:00:00.000000+00:00", cursor)

	ids, _, err = s.Changes(ctx, "2021-01-01T10:15:00+02:00", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"d2", "d1"}, ids)

	ids, next, err := s.Changes(ctx, cursor, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, cursor, next)
}
