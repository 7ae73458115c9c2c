// Package patcher drives a patch strategy over a stream of records:
// claim, fetch, filter, patch, diff and save, sequentially, on a goroutine
// pool or across worker processes.
package patcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/withObsrvr/obsrvr-patchdb/internal/audit"
	"github.com/withObsrvr/obsrvr-patchdb/internal/filter"
	"github.com/withObsrvr/obsrvr-patchdb/internal/ident"
	"github.com/withObsrvr/obsrvr-patchdb/internal/logging"
	"github.com/withObsrvr/obsrvr-patchdb/internal/metrics"
	"github.com/withObsrvr/obsrvr-patchdb/internal/retry"
	"github.com/withObsrvr/obsrvr-patchdb/internal/source"
	"github.com/withObsrvr/obsrvr-patchdb/internal/store"
	"github.com/withObsrvr/obsrvr-patchdb/internal/strategy"
	"github.com/withObsrvr/obsrvr-patchdb/internal/verify"
)

var (
	// ErrValidation marks records that cannot be patched as stored.
	ErrValidation = errors.New("validation failed")

	// ErrOrdering is returned when a refreshed dateModified would not move
	// forward.
	ErrOrdering = errors.New("dateModified must increase")

	// ErrFailedRecords is returned by Run when records failed but the run
	// itself completed.
	ErrFailedRecords = errors.New("some records failed")
)

const (
	// ShutdownTimeout bounds the wait for workers after an interrupt.
	ShutdownTimeout = 30 * time.Second

	recordTries   = 3
	saveTries     = 3
	maxRetryDelay = 8 * time.Second
	queueSize     = 64
)

// Verifier checks records through the read API.
type Verifier interface {
	Probe(ctx context.Context) error
	Check(ctx context.Context, id, expected string) error
}

// Journal receives one entry per revision or created record.
type Journal interface {
	Record(e audit.Entry)
}

// Options tune a run.
type Options struct {
	Strategy strategy.Strategy
	// Label is the revision author suffix. Defaults to the strategy name.
	Label string

	Write        bool // persist changes; otherwise a dry run
	DateModified bool // refresh dateModified on save
	Limit        int  // stop dispatching after this many changed records
	Concurrency  int  // goroutine workers; 1 or less runs sequentially
	Shard        Shard

	ShowDiff bool
	Color    bool
	DiffOut  io.Writer

	Location   *time.Location
	RetryDelay time.Duration
	Clock      func() time.Time
}

// Deps are the collaborators of a run. Verifier, Journal and Idents are
// optional.
type Deps struct {
	Store    store.Store
	Source   source.Source
	Filter   *filter.Pipeline
	Idents   *ident.Generator
	Verifier Verifier
	Journal  Journal
}

// Patcher runs one strategy over one record stream.
type Patcher struct {
	opts     Options
	strategy strategy.Strategy
	author   string

	store    store.Store
	src      source.Source
	filter   *filter.Pipeline
	idents   *ident.Generator
	verifier Verifier
	journal  Journal

	stats   Stats
	state   atomic.Int32
	aborted atomic.Bool

	mu    sync.Mutex
	fatal error

	diffMu sync.Mutex
	log    *slog.Logger
}

// New validates opts and deps and returns an idle Patcher.
func New(opts Options, deps Deps) (*Patcher, error) {
	if opts.Strategy == nil {
		return nil, fmt.Errorf("no strategy")
	}
	if deps.Store == nil || deps.Source == nil {
		return nil, fmt.Errorf("store and source are required")
	}
	if deps.Filter == nil {
		f, err := filter.New(filter.Config{})
		if err != nil {
			return nil, err
		}
		deps.Filter = f
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.DiffOut == nil {
		opts.DiffOut = os.Stderr
	}

	return &Patcher{
		opts:     opts,
		strategy: opts.Strategy,
		author:   Author(opts.Label, opts.Strategy.Name()),
		store:    deps.Store,
		src:      deps.Source,
		filter:   deps.Filter,
		idents:   deps.Idents,
		verifier: deps.Verifier,
		journal:  deps.Journal,
		log:      slog.With("component", "patcher", "strategy", opts.Strategy.Name(), "shard", opts.Shard.String()),
	}, nil
}

// Author returns the revision author for label, falling back to the
// strategy name.
func Author(label, strategy string) string {
	if label == "" {
		label = strategy
	}
	return "patchdb/" + label
}

// Stats returns the live counters.
func (p *Patcher) Stats() RunStats {
	return p.stats.Snapshot()
}

// Run processes the stream until it is exhausted, the limit is reached, a
// fatal error occurs or ctx is canceled. It always returns the final
// counters. The error is non-nil when any record failed.
func (p *Patcher) Run(ctx context.Context) (RunStats, error) {
	start := time.Now()
	if id := logging.RunID(ctx); id != "" {
		p.log = p.log.With("run_id", id)
	}
	p.setState(StateInitializing)

	if p.verifier != nil {
		if err := p.verifier.Probe(ctx); err != nil {
			p.setState(StateStopped)
			return p.stats.Snapshot(), fmt.Errorf("init api: %w", err)
		}
	}

	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()
	ids, errs := p.src.Stream(streamCtx)
	f := &feed{ids: ids, errs: errs}

	p.setState(StateRunning)
	p.log.Info("starting run",
		"write", p.opts.Write,
		"concurrency", p.opts.Concurrency,
		"limit", p.opts.Limit,
		"author", p.author,
	)

	if p.opts.Concurrency > 1 {
		p.runPool(ctx, f)
	} else {
		p.runSequential(ctx, f)
	}
	stopStream()

	p.setState(StateStopped)
	snap := p.stats.Snapshot()
	p.log.Info(snap.String(), "duration", time.Since(start).String())
	return snap, p.result(snap)
}

func (p *Patcher) runSequential(ctx context.Context, f *feed) {
	log := logging.WorkerLogger(0)
	for {
		id, ok := p.next(ctx, f)
		if !ok {
			return
		}
		p.process(ctx, log, id)
	}
}

// feed is the id stream of a run.
type feed struct {
	ids  <-chan string
	errs <-chan error
}

// next returns the next claimed id, or false once dispatch must stop.
func (p *Patcher) next(ctx context.Context, f *feed) (string, bool) {
	for {
		if p.aborted.Load() {
			p.log.Info("exit due to previous error")
			return "", false
		}
		if err := ctx.Err(); err != nil {
			p.fail(fmt.Errorf("interrupted: %w", err))
			return "", false
		}
		if p.limitReached() {
			p.log.Info("stop after limit reached", "changed", p.stats.Changed())
			p.setState(StateDraining)
			return "", false
		}

		select {
		case <-ctx.Done():
			continue

		case err, ok := <-f.errs:
			if !ok {
				f.errs = nil
				continue
			}
			if err != nil {
				p.fail(fmt.Errorf("source: %w", err))
				return "", false
			}

		case id, ok := <-f.ids:
			if !ok {
				if f.errs != nil {
					if err := <-f.errs; err != nil {
						p.fail(fmt.Errorf("source: %w", err))
						return "", false
					}
				}
				p.setState(StateDraining)
				return "", false
			}
			if !p.opts.Shard.Claims(id) {
				continue
			}
			return id, true
		}
	}
}

func (p *Patcher) limitReached() bool {
	return p.opts.Limit > 0 && p.stats.Changed() >= int64(p.opts.Limit)
}

// stopped reports whether queued work should be skipped.
func (p *Patcher) stopped() bool {
	return p.aborted.Load() || p.limitReached()
}

// process runs one record to completion. The record's own I/O ignores
// cancellation so an interrupt never leaves it half written; the retry
// loop around it does not.
func (p *Patcher) process(ctx context.Context, wlog *slog.Logger, id string) {
	p.stats.total.Add(1)
	m := metrics.Get()
	if m != nil {
		m.IncRecordsSeen(p.strategy.Name())
		m.InFlightRecords.Inc()
		defer m.InFlightRecords.Dec()
	}
	start := time.Now()

	s := &session{p: p, id: id, base: logging.RecordLogger(wlog, id)}
	s.log = s.base
	err := retry.Do(ctx, retry.Policy{
		Tries:    recordTries,
		Delay:    p.opts.RetryDelay,
		Backoff:  2,
		MaxDelay: maxRetryDelay,
		Retryable: func(err error) bool {
			return !s.wrote && !isRecordLevel(err) && !errors.Is(err, ErrOrdering)
		},
		OnRetry: func(err error, attempt int, wait time.Duration) {
			s.log.Warn("record failed, retrying", "attempt", attempt, "wait", wait.String(), "error", err)
			if m != nil {
				m.IncRetryAttempts("record")
			}
		},
	}, func() error {
		return s.patch(context.WithoutCancel(ctx))
	})

	p.stats.publish(s.counts)
	if p.journal != nil {
		for _, e := range s.entries {
			p.journal.Record(e)
		}
	}
	if m != nil {
		m.ObserveRecordDuration(p.strategy.Name(), time.Since(start).Seconds())
		name := p.strategy.Name()
		for range s.counts.changed {
			m.IncRecordsChanged(name)
		}
		for range s.counts.created {
			m.IncRecordsCreated(name)
		}
		for range s.counts.saved {
			m.IncRecordsSaved(name)
		}
	}

	if err != nil {
		p.recordError(s, err)
	}
}

// isRecordLevel reports errors that fail one record without stopping the
// run.
func isRecordLevel(err error) bool {
	var cfgErr *strategy.ConfigError
	return errors.Is(err, store.ErrConflict) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ident.ErrFormat) ||
		errors.Is(err, verify.ErrMismatch) ||
		errors.Is(err, strategy.ErrNoRevert) ||
		errors.As(err, &cfgErr)
}

func (p *Patcher) recordError(s *session, err error) {
	p.stats.failed.Add(1)
	kind := "record"
	if isRecordLevel(err) {
		s.log.Error("record failed", "error", err)
	} else {
		kind = "fatal"
		s.log.Error("fatal error, stopping", "error", err)
		p.fail(err)
	}
	if m := metrics.Get(); m != nil {
		m.IncRecordsFailed(p.strategy.Name(), kind)
	}
}

// fail keeps the first fatal error and stops dispatch.
func (p *Patcher) fail(err error) {
	p.mu.Lock()
	if p.fatal == nil {
		p.fatal = err
	}
	p.mu.Unlock()
	p.aborted.Store(true)
	p.setState(StateAborting)
}

func (p *Patcher) result(s RunStats) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fatal != nil {
		return p.fatal
	}
	if s.Failed > 0 {
		return fmt.Errorf("%d of %d records: %w", s.Failed, s.Total, ErrFailedRecords)
	}
	return nil
}

// save writes doc, retrying transient failures but never conflicts.
func (p *Patcher) save(ctx context.Context, log *slog.Logger, doc map[string]any) (string, error) {
	start := time.Now()
	var rev string
	err := retry.Do(ctx, retry.Policy{
		Tries:   saveTries,
		Delay:   p.opts.RetryDelay,
		Backoff: 2,
		Retryable: func(err error) bool {
			return !store.IsConflict(err) && !errors.Is(err, store.ErrNotFound)
		},
		Logger: log,
	}, func() error {
		var err error
		rev, err = p.store.Save(ctx, doc)
		return err
	})
	if m := metrics.Get(); m != nil {
		m.ObserveSaveDuration(p.store.Name(), time.Since(start).Seconds())
	}
	return rev, err
}
