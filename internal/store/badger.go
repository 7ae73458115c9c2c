package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/withObsrvr/obsrvr-patchdb/internal/record"
)

// Key layout:
//
//	doc/<id>    document JSON, including its "_rev"
//	rev/<id>    current revision token
//	seq/<n>     id of the document written at change sequence n
//	docseq/<id> latest change sequence of the document
const (
	prefixDoc    = "doc/"
	prefixRev    = "rev/"
	prefixSeq    = "seq/"
	prefixDocSeq = "docseq/"
	keySequence  = "meta/seq"

	txnAttempts = 5
)

// BadgerStore is an embedded store with a sequence-ordered change feed.
// A data directory can only be opened by one process at a time.
type BadgerStore struct {
	db   *badger.DB
	seq  *badger.Sequence
	path string
}

var _ Store = (*BadgerStore)(nil)

// OpenBadger opens (or creates) the store at path. An empty path keeps the
// data in memory.
func OpenBadger(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", path, err)
	}

	seq, err := db.GetSequence([]byte(keySequence), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open change sequence: %w", err)
	}

	return &BadgerStore{db: db, seq: seq, path: path}, nil
}

// Get returns the document with the given id.
func (s *BadgerStore) Get(ctx context.Context, id string) (record.Doc, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixDoc + id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}

	var doc record.Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	return doc, nil
}

// Save checks the revision token and writes doc inside one transaction.
// Transactions that lose a race to another writer are retried internally a
// few times before ErrTxnConflict is returned.
func (s *BadgerStore) Save(ctx context.Context, doc record.Doc) (string, error) {
	id, err := docID(doc)
	if err != nil {
		return "", err
	}
	token := record.String(doc, record.FieldRev)

	for attempt := 0; attempt < txnAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		var newRev string
		err := s.db.Update(func(txn *badger.Txn) error {
			current, err := getString(txn, prefixRev+id)
			if err != nil {
				return err
			}
			if current != token {
				return ErrConflict
			}

			out := make(record.Doc, len(doc))
			for k, v := range doc {
				out[k] = v
			}
			delete(out, record.FieldRev)
			body, err := json.Marshal(out)
			if err != nil {
				return fmt.Errorf("encode: %w", err)
			}
			newRev = nextRevision(current, body)
			out[record.FieldRev] = newRev
			if body, err = json.Marshal(out); err != nil {
				return fmt.Errorf("encode: %w", err)
			}

			n, err := s.seq.Next()
			if err != nil {
				return fmt.Errorf("next sequence: %w", err)
			}
			prev, err := getString(txn, prefixDocSeq+id)
			if err != nil {
				return err
			}
			if prev != "" {
				if err := txn.Delete([]byte(prefixSeq + prev)); err != nil {
					return err
				}
			}

			seqKey := formatSeq(n)
			for k, v := range map[string][]byte{
				prefixDoc + id:     body,
				prefixRev + id:     []byte(newRev),
				prefixSeq + seqKey: []byte(id),
				prefixDocSeq + id:  []byte(seqKey),
			} {
				if err := txn.Set([]byte(k), v); err != nil {
					return err
				}
			}
			return nil
		})

		switch {
		case err == nil:
			return newRev, nil
		case errors.Is(err, badger.ErrConflict):
			continue
		case errors.Is(err, ErrConflict):
			return "", fmt.Errorf("save %s: %w", id, ErrConflict)
		default:
			return "", fmt.Errorf("save %s: %w", id, err)
		}
	}
	return "", fmt.Errorf("save %s: %w", id, ErrTxnConflict)
}

// ListIDs returns document ids in ascending key order.
func (s *BadgerStore) ListIDs(ctx context.Context, after string, limit int) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixDoc)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefixDoc + after)); it.ValidForPrefix(opts.Prefix); it.Next() {
			id := strings.TrimPrefix(string(it.Item().Key()), prefixDoc)
			if id <= after {
				continue
			}
			ids = append(ids, id)
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list ids: %w", err)
	}
	return ids, nil
}

// Changes returns ids written after the sequence number since. Only the
// latest write of each document is kept in the feed.
func (s *BadgerStore) Changes(ctx context.Context, since string, limit int) ([]string, string, error) {
	start := uint64(0)
	if since != "" {
		n, err := strconv.ParseUint(since, 10, 64)
		if err != nil {
			return nil, since, fmt.Errorf("bad change cursor %q: %w", since, err)
		}
		start = n + 1
	}

	cursor := since
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixSeq)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefixSeq + formatSeq(start))); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			id, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			ids = append(ids, string(id))
			n, _ := strconv.ParseUint(strings.TrimPrefix(string(item.Key()), prefixSeq), 10, 64)
			cursor = strconv.FormatUint(n, 10)
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, since, fmt.Errorf("read changes: %w", err)
	}
	return ids, cursor, nil
}

// Name describes the data directory.
func (s *BadgerStore) Name() string {
	if s.path == "" {
		return "badger:memory"
	}
	return "badger:" + s.path
}

// Close releases the sequence lease and closes the database.
func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return fmt.Errorf("release sequence: %w", err)
	}
	return s.db.Close()
}

func getString(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func formatSeq(n uint64) string {
	return fmt.Sprintf("%020d", n)
}

// nextRevision returns "<n+1>-<hash>" for a document whose current token is
// "<n>-..." (or empty).
func nextRevision(current string, body []byte) string {
	n := 0
	if i := strings.IndexByte(current, '-'); i > 0 {
		n, _ = strconv.Atoi(current[:i])
	}
	sum := sha256.Sum256(body)
	return strconv.Itoa(n+1) + "-" + hex.EncodeToString(sum[:8])
}
