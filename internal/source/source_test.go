package source

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	ids     []string
	changes [][]string
	listErr error
}

func (f *fakeLister) ListIDs(ctx context.Context, after string, limit int) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []string
	for _, id := range f.ids {
		if id > after && len(out) < limit {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeLister) Changes(ctx context.Context, since string, limit int) ([]string, string, error) {
	page := 0
	if since != "" {
		fmt.Sscanf(since, "%d", &page)
	}
	if page >= len(f.changes) {
		return nil, since, nil
	}
	return f.changes[page], fmt.Sprintf("%d", page+1), nil
}

func collect(t *testing.T, s Source) ([]string, error) {
	t.Helper()
	ids, errs := s.Stream(context.Background())
	var out []string
	for id := range ids {
		out = append(out, id)
	}
	return out, <-errs
}

func TestStreamAllPages(t *testing.T) {
	l := &fakeLister{ids: []string{"a", "b", "c", "d", "e"}}
	s, err := New(l, Config{Mode: ModeAll, PageSize: 2})
	require.NoError(t, err)

	ids, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids)
	assert.Empty(t, s.Cursor())
}

func TestStreamAllError(t *testing.T) {
	s, err := New(&fakeLister{listErr: errors.New("boom")}, Config{Mode: ModeAll})
	require.NoError(t, err)

	_, err = collect(t, s)
	assert.ErrorContains(t, err, "boom")
}

func TestStreamExplicit(t *testing.T) {
	s, err := New(nil, Config{Mode: ModeExplicit, IDs: []string{"x", "y"}})
	require.NoError(t, err)

	ids, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, ids)
}

func TestStreamChangesSnapshot(t *testing.T) {
	l := &fakeLister{changes: [][]string{{"a", "b"}, {"c", "a"}}}
	s, err := New(l, Config{Mode: ModeChanges})
	require.NoError(t, err)

	ids, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, "2", s.Cursor())
}

func TestStreamStopsOnCancel(t *testing.T) {
	l := &fakeLister{ids: []string{"a", "b", "c", "d"}}
	s, err := New(l, Config{Mode: ModeAll, PageSize: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ids, errs := s.Stream(ctx)
	<-ids
	cancel()
	for range ids {
	}
	assert.NoError(t, <-errs)
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Config{Mode: "follow"})
	assert.ErrorIs(t, err, ErrInvalidMode)

	_, err = New(nil, Config{Mode: ModeExplicit})
	assert.Error(t, err)

	_, err = New(nil, Config{Mode: ModeAll})
	assert.Error(t, err)
}
