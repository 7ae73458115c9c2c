package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"gocloud.dev/docstore"
	_ "gocloud.dev/docstore/memdocstore" // mem:// driver
	"gocloud.dev/gcerrors"

	"github.com/withObsrvr/obsrvr-patchdb/internal/record"
)

// DocstoreStore keeps documents in a gocloud.dev/docstore collection keyed
// by "_id". The driver's revision field is exposed as an opaque "_rev" token.
type DocstoreStore struct {
	coll     *docstore.Collection
	url      string
	revField string
}

var _ Store = (*DocstoreStore)(nil)

// OpenDocstore opens the collection at url. revField names the driver's
// revision field and defaults to docstore.DefaultRevisionField.
func OpenDocstore(ctx context.Context, url, revField string) (*DocstoreStore, error) {
	coll, err := docstore.OpenCollection(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", url, err)
	}
	if revField == "" {
		revField = docstore.DefaultRevisionField
	}
	return &DocstoreStore{coll: coll, url: url, revField: revField}, nil
}

// Get returns the document with the given id.
func (s *DocstoreStore) Get(ctx context.Context, id string) (record.Doc, error) {
	raw := map[string]any{record.FieldID: id}
	if err := s.coll.Get(ctx, raw); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", id, err)
	}

	rev := raw[s.revField]
	delete(raw, s.revField)

	doc, err := record.Normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	if rev != nil {
		token, err := s.coll.RevisionToString(rev)
		if err != nil {
			return nil, fmt.Errorf("get %s: encode revision: %w", id, err)
		}
		doc[record.FieldRev] = token
	}
	return doc, nil
}

// Save creates or replaces doc depending on whether it carries a revision.
func (s *DocstoreStore) Save(ctx context.Context, doc record.Doc) (string, error) {
	id, err := docID(doc)
	if err != nil {
		return "", err
	}

	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	token := record.String(doc, record.FieldRev)
	delete(out, record.FieldRev)

	if token == "" {
		if err := s.coll.Create(ctx, out); err != nil {
			if gcerrors.Code(err) == gcerrors.AlreadyExists {
				return "", fmt.Errorf("create %s: %w", id, ErrConflict)
			}
			return "", fmt.Errorf("create %s: %w", id, err)
		}
	} else {
		rev, err := s.coll.StringToRevision(token)
		if err != nil {
			return "", fmt.Errorf("save %s: bad revision %q: %w", id, token, ErrConflict)
		}
		out[s.revField] = rev
		if err := s.coll.Replace(ctx, out); err != nil {
			switch gcerrors.Code(err) {
			case gcerrors.FailedPrecondition, gcerrors.NotFound:
				return "", fmt.Errorf("save %s: %w", id, ErrConflict)
			}
			return "", fmt.Errorf("save %s: %w", id, err)
		}
	}

	newToken, err := s.coll.RevisionToString(out[s.revField])
	if err != nil {
		return "", fmt.Errorf("save %s: encode revision: %w", id, err)
	}
	return newToken, nil
}

// ListIDs returns document ids in ascending order.
func (s *DocstoreStore) ListIDs(ctx context.Context, after string, limit int) ([]string, error) {
	q := s.coll.Query().
		Where(record.FieldID, ">", after).
		OrderBy(record.FieldID, docstore.Ascending)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Get(ctx, record.FieldID)
	defer iter.Stop()

	var ids []string
	for {
		doc := map[string]any{}
		err := iter.Next(ctx, doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list ids: %w", err)
		}
		if id, ok := doc[record.FieldID].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// maxOffset bounds how far a stored local time may be from UTC.
const maxOffset = 14 * time.Hour

// wallClockLayout is the offset-free prefix of a stored timestamp.
const wallClockLayout = "2006-01-02T15:04:05"

// Changes uses dateModified, normalized to UTC, as the change cursor.
// Documents sharing the last timestamp of a page are always returned
// together so none is skipped.
//
// The query orders by the stored string, which follows local wall-clock
// time. A stored instant is never more than maxOffset away from its wall
// clock, so reading stops once the wall clock passes the page's upper bound
// by that margin.
func (s *DocstoreStore) Changes(ctx context.Context, since string, limit int) ([]string, string, error) {
	var after time.Time
	q := s.coll.Query()
	if since != "" {
		t, err := record.ParseTime(since)
		if err != nil {
			return nil, since, fmt.Errorf("bad change cursor %q: %w", since, err)
		}
		after = t.UTC()
		q = q.Where(record.FieldDateModified, ">=", after.Add(-maxOffset).Format(wallClockLayout))
	} else {
		q = q.Where(record.FieldDateModified, ">", "")
	}
	iter := q.OrderBy(record.FieldDateModified, docstore.Ascending).
		Get(ctx, record.FieldID, record.FieldDateModified)
	defer iter.Stop()

	type change struct {
		id string
		at time.Time
	}
	var changes []change
	var bound time.Time
	for {
		doc := map[string]any{}
		err := iter.Next(ctx, doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, since, fmt.Errorf("query changes: %w", err)
		}
		stamp, _ := doc[record.FieldDateModified].(string)
		if limit > 0 && len(changes) >= limit && len(stamp) >= len(wallClockLayout) {
			wall, err := time.Parse(wallClockLayout, stamp[:len(wallClockLayout)])
			if err == nil && wall.Add(-maxOffset).After(bound) {
				break
			}
		}
		at, err := record.ParseTime(stamp)
		if err != nil {
			continue
		}
		at = at.UTC()
		if !at.After(after) {
			continue
		}
		id, _ := doc[record.FieldID].(string)
		changes = append(changes, change{id: id, at: at})
		if len(changes) <= limit && at.After(bound) {
			bound = at
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		if !changes[i].at.Equal(changes[j].at) {
			return changes[i].at.Before(changes[j].at)
		}
		return changes[i].id < changes[j].id
	})

	cursor := since
	var last time.Time
	var ids []string
	for i, c := range changes {
		if limit > 0 && i >= limit && !c.at.Equal(last) {
			break
		}
		ids = append(ids, c.id)
		last = c.at
		cursor = record.FormatTime(c.at)
	}
	return ids, cursor, nil
}

// Name returns the collection URL.
func (s *DocstoreStore) Name() string {
	return s.url
}

// Close closes the collection.
func (s *DocstoreStore) Close() error {
	return s.coll.Close()
}
