// Package store provides revision-checked access to the document collection.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/withObsrvr/obsrvr-patchdb/internal/record"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrConflict is returned when a save carries a stale revision token or
	// creates a document that already exists.
	ErrConflict = errors.New("document update conflict")

	// ErrTxnConflict is returned when a backend transaction lost a race with
	// a concurrent writer before the revision check could run. It is safe to
	// retry.
	ErrTxnConflict = errors.New("transaction conflict")
)

// IsConflict reports whether err is a revision conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// Store reads and writes documents with optimistic concurrency control.
type Store interface {
	// Get returns the document with the given id, including its current
	// revision token under "_rev".
	Get(ctx context.Context, id string) (record.Doc, error)

	// Save writes doc. When doc carries "_rev" it must match the stored
	// token; without "_rev" the document must not exist yet. It returns the
	// new revision token.
	Save(ctx context.Context, doc record.Doc) (string, error)

	// ListIDs returns up to limit document ids greater than after, in
	// ascending order.
	ListIDs(ctx context.Context, after string, limit int) ([]string, error)

	// Changes returns up to limit ids of documents changed after the
	// opaque cursor since, and the cursor to resume from.
	Changes(ctx context.Context, since string, limit int) ([]string, string, error)

	// Name returns a stable description of the collection for logs and
	// checkpoints.
	Name() string

	// Close releases any resources.
	Close() error
}

// Config configures the store backend.
type Config struct {
	Backend string // "docstore" | "badger"

	// docstore: any gocloud.dev/docstore URL, e.g. mem://records/_id
	URL string
	// Name of the driver's revision field. Defaults to "_rev".
	RevisionField string

	// badger: data directory; empty runs in memory.
	Path string
}

// New creates a store backend based on configuration.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "docstore":
		if cfg.URL == "" {
			return nil, fmt.Errorf("URL required for docstore backend")
		}
		return OpenDocstore(ctx, cfg.URL, cfg.RevisionField)
	case "badger":
		return OpenBadger(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}

func docID(doc record.Doc) (string, error) {
	id := record.String(doc, record.FieldID)
	if id == "" {
		return "", fmt.Errorf("document has no %s", record.FieldID)
	}
	return id, nil
}
