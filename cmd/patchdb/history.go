package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-patchdb/internal/audit"
	"github.com/withObsrvr/obsrvr-patchdb/internal/catalog"
	"github.com/withObsrvr/obsrvr-patchdb/internal/config"
	"github.com/withObsrvr/obsrvr-patchdb/internal/events"
	"github.com/withObsrvr/obsrvr-patchdb/internal/patcher"
)

// history publishes a finished run to the event chain and the run catalog.
type history struct {
	emitter events.Emitter
	catalog catalog.Catalog
	log     *slog.Logger
}

func openHistory(ctx context.Context, cfg config.Config, log *slog.Logger) (*history, error) {
	emitter, err := events.NewEmitter(events.Config{Dir: cfg.Events.Dir, Endpoint: cfg.Events.Endpoint})
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Open(ctx, catalog.Config{DSN: cfg.Catalog.DSN})
	if err != nil {
		return nil, err
	}
	return &history{emitter: emitter, catalog: cat, log: log}, nil
}

// announce logs the previous run of the same strategy, if any.
func (h *history) announce(ctx context.Context, store, strategy string) {
	last, err := h.catalog.LastRun(ctx, store, strategy)
	switch {
	case errors.Is(err, catalog.ErrNoRun):
	case err != nil:
		h.log.Warn("failed to read run catalog", "error", err)
	default:
		h.log.Info("previous run", "run_id", last.RunID, "finished_at", last.FinishedAt,
			"saved", last.Stats.Saved, "failed", last.Stats.Failed, "write", last.Write)
	}
}

// publish never fails the run; errors are logged.
func (h *history) publish(ctx context.Context, run events.RunInfo, stats patcher.RunStats,
	manifest *audit.Manifest, started time.Time) {
	evt := events.NewEvent(run, stats, manifest, events.ProducerInfo{Name: "patchdb", Version: Version, GitSHA: GitSHA})
	if err := h.emitter.Emit(ctx, evt); err != nil {
		h.log.Error("failed to emit run event", "error", err)
	}

	row := catalog.Run{
		RunID:           run.RunID,
		Shard:           run.Shard,
		Store:           run.Store,
		Strategy:        run.Strategy,
		Author:          run.Author,
		Write:           run.Write,
		Stats:           stats,
		Error:           run.Error,
		EventHash:       evt.Chain.EventHash,
		ProducerVersion: Version,
		ProducerGitSHA:  GitSHA,
		StartedAt:       started,
		FinishedAt:      time.Now().UTC(),
	}
	if manifest != nil {
		row.JournalFile = manifest.File
		row.Checksum = manifest.Checksum
	}
	if err := h.catalog.RecordRun(ctx, row); err != nil {
		h.log.Error("failed to record run", "error", err)
	}
}

func (h *history) Close() {
	h.catalog.Close()
}
