// Package catalog keeps a queryable history of patch runs in PostgreSQL.
package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-patchdb/internal/logging"
	"github.com/withObsrvr/obsrvr-patchdb/internal/patcher"
)

//go:embed schema.sql
var schemaSQL string

// ErrNoRun indicates the catalog holds no run for a store and strategy.
var ErrNoRun = errors.New("no previous run")

// Config configures Open.
type Config struct {
	// DSN is a PostgreSQL connection string. Empty disables the catalog.
	DSN string
}

// Run is one row of the catalog. Worker processes of one run record one
// row each, told apart by Shard.
type Run struct {
	RunID           string
	Shard           string
	Store           string
	Strategy        string
	Author          string
	Write           bool
	Stats           patcher.RunStats
	Error           string
	JournalFile     string
	Checksum        string
	EventHash       string
	ProducerVersion string
	ProducerGitSHA  string
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Catalog records runs.
type Catalog interface {
	RecordRun(ctx context.Context, run Run) error
	LastRun(ctx context.Context, store, strategy string) (*Run, error)
	Close()
}

// Open connects to cfg.DSN and creates the schema. An empty DSN returns a
// catalog that records nothing.
func Open(ctx context.Context, cfg Config) (Catalog, error) {
	if cfg.DSN == "" {
		return noopCatalog{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = 2
	poolCfg.MinConns = 0
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log := logging.Component("catalog")
	log.Info("connected to run catalog")
	return &PostgresCatalog{pool: pool, log: log}, nil
}

// PostgresCatalog implements Catalog on a pgx pool.
type PostgresCatalog struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// RecordRun inserts run, replacing an earlier row of the same run and shard.
func (c *PostgresCatalog) RecordRun(ctx context.Context, run Run) error {
	query := `
		INSERT INTO _patchdb_runs (
			run_id, shard, store, strategy, author, write,
			total, patched, changed, created, saved, failed,
			error, journal_file, checksum, event_hash,
			producer_version, producer_git_sha, started_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (run_id, shard)
		DO UPDATE SET
			total = EXCLUDED.total,
			patched = EXCLUDED.patched,
			changed = EXCLUDED.changed,
			created = EXCLUDED.created,
			saved = EXCLUDED.saved,
			failed = EXCLUDED.failed,
			error = EXCLUDED.error,
			journal_file = EXCLUDED.journal_file,
			checksum = EXCLUDED.checksum,
			event_hash = EXCLUDED.event_hash,
			finished_at = EXCLUDED.finished_at
	`
	s := run.Stats
	_, err := c.pool.Exec(ctx, query,
		run.RunID, run.Shard, run.Store, run.Strategy, run.Author, run.Write,
		s.Total, s.Patched, s.Changed, s.Created, s.Saved, s.Failed,
		run.Error, run.JournalFile, run.Checksum, run.EventHash,
		run.ProducerVersion, run.ProducerGitSHA, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	c.log.Debug("recorded run", "run_id", run.RunID, "shard", run.Shard)
	return nil
}

// LastRun returns the most recently finished run of strategy on store.
func (c *PostgresCatalog) LastRun(ctx context.Context, store, strategy string) (*Run, error) {
	query := `
		SELECT run_id, shard, store, strategy, author, write,
			total, patched, changed, created, saved, failed,
			error, journal_file, checksum, event_hash,
			producer_version, producer_git_sha, started_at, finished_at
		FROM _patchdb_runs
		WHERE store = $1 AND strategy = $2
		ORDER BY finished_at DESC
		LIMIT 1
	`
	var r Run
	err := c.pool.QueryRow(ctx, query, store, strategy).Scan(
		&r.RunID, &r.Shard, &r.Store, &r.Strategy, &r.Author, &r.Write,
		&r.Stats.Total, &r.Stats.Patched, &r.Stats.Changed, &r.Stats.Created, &r.Stats.Saved, &r.Stats.Failed,
		&r.Error, &r.JournalFile, &r.Checksum, &r.EventHash,
		&r.ProducerVersion, &r.ProducerGitSHA, &r.StartedAt, &r.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoRun
	}
	if err != nil {
		return nil, fmt.Errorf("last run: %w", err)
	}
	return &r, nil
}

// Close releases the pool.
func (c *PostgresCatalog) Close() {
	c.pool.Close()
}

type noopCatalog struct{}

func (noopCatalog) RecordRun(context.Context, Run) error { return nil }

func (noopCatalog) LastRun(context.Context, string, string) (*Run, error) {
	return nil, ErrNoRun
}

func (noopCatalog) Close() {}
