// Package source streams the ids of records a run should visit.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Lister is the subset of store.Store a Source pages through.
type Lister interface {
	ListIDs(ctx context.Context, after string, limit int) ([]string, error)
	Changes(ctx context.Context, since string, limit int) ([]string, string, error)
}

// Source streams record ids. Ids are delivered in store order.
type Source interface {
	Stream(ctx context.Context) (<-chan string, <-chan error)

	// Cursor returns the change cursor once the feed snapshot has been
	// delivered. It is empty for listing and explicit modes.
	Cursor() string
}

// Modes.
const (
	ModeAll      = "all"
	ModeChanges  = "changes"
	ModeExplicit = "explicit"
)

const defaultPageSize = 500

var ErrInvalidMode = errors.New("invalid source mode")

// Config configures a Source.
type Config struct {
	Mode     string
	IDs      []string // explicit mode
	Since    string   // changes mode start cursor
	PageSize int
}

// New constructs a Source for the configured mode.
func New(l Lister, cfg Config) (Source, error) {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	switch cfg.Mode {
	case ModeAll, ModeChanges:
		if l == nil {
			return nil, fmt.Errorf("%s mode needs a store", cfg.Mode)
		}
	case ModeExplicit:
		if len(cfg.IDs) == 0 {
			return nil, fmt.Errorf("explicit mode needs at least one id")
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, cfg.Mode)
	}
	return &pager{lister: l, cfg: cfg, cursor: cfg.Since, log: slog.With("component", "source", "mode", cfg.Mode)}, nil
}

type pager struct {
	lister Lister
	cfg    Config
	log    *slog.Logger

	mu     sync.Mutex
	cursor string
}

func (p *pager) Cursor() string {
	if p.cfg.Mode != ModeChanges {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

func (p *pager) setCursor(c string) {
	p.mu.Lock()
	p.cursor = c
	p.mu.Unlock()
}

// Stream implements Source. The id channel is closed when the source is
// exhausted, ctx is done or an error was sent.
func (p *pager) Stream(ctx context.Context) (<-chan string, <-chan error) {
	idCh := make(chan string, p.cfg.PageSize)
	errCh := make(chan error, 1)

	go func() {
		defer close(idCh)
		defer close(errCh)

		var err error
		switch p.cfg.Mode {
		case ModeExplicit:
			p.send(ctx, idCh, p.cfg.IDs)
		case ModeAll:
			err = p.streamAll(ctx, idCh)
		case ModeChanges:
			err = p.streamChanges(ctx, idCh)
		}
		if err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()

	return idCh, errCh
}

func (p *pager) streamAll(ctx context.Context, out chan<- string) error {
	after := ""
	count := 0
	for {
		ids, err := p.lister.ListIDs(ctx, after, p.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("list ids after %q: %w", after, err)
		}
		if len(ids) == 0 {
			p.log.Debug("listing complete", "ids", count)
			return nil
		}
		if !p.send(ctx, out, ids) {
			return ctx.Err()
		}
		count += len(ids)
		after = ids[len(ids)-1]
	}
}

// streamChanges snapshots the feed up to its current head before delivering,
// so records written by this run are not visited again.
func (p *pager) streamChanges(ctx context.Context, out chan<- string) error {
	since := p.cfg.Since
	var pending []string
	seen := make(map[string]bool)
	for {
		ids, next, err := p.lister.Changes(ctx, since, p.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("changes since %q: %w", since, err)
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				pending = append(pending, id)
			}
		}
		since = next
	}
	p.log.Debug("change feed snapshot", "ids", len(pending), "cursor", since)

	if !p.send(ctx, out, pending) {
		return ctx.Err()
	}
	p.setCursor(since)
	return nil
}

// send delivers ids in order and reports false if ctx ended first.
func (p *pager) send(ctx context.Context, out chan<- string, ids []string) bool {
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return false
		case out <- id:
		}
	}
	return true
}
