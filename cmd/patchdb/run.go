package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-patchdb/internal/audit"
	"github.com/withObsrvr/obsrvr-patchdb/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-patchdb/internal/config"
	"github.com/withObsrvr/obsrvr-patchdb/internal/events"
	"github.com/withObsrvr/obsrvr-patchdb/internal/filter"
	"github.com/withObsrvr/obsrvr-patchdb/internal/ident"
	"github.com/withObsrvr/obsrvr-patchdb/internal/logging"
	"github.com/withObsrvr/obsrvr-patchdb/internal/metrics"
	"github.com/withObsrvr/obsrvr-patchdb/internal/patcher"
	"github.com/withObsrvr/obsrvr-patchdb/internal/source"
	"github.com/withObsrvr/obsrvr-patchdb/internal/store"
	"github.com/withObsrvr/obsrvr-patchdb/internal/strategy"
	"github.com/withObsrvr/obsrvr-patchdb/internal/verify"
)

func runStrategy(cmd *cobra.Command, opts *RootOptions, st strategy.Strategy) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	applyFlags(&cfg, opts)

	closer, err := logging.Setup(logging.Config{
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
		Verbose: opts.Verbose,
		Quiet:   opts.Quiet,
		File:    opts.LogFile,
		Stderr:  opts.WorkerReport,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	runID := opts.RunID
	if runID == "" {
		runID = logging.GenerateRunID()
	}
	ctx = logging.WithRunID(ctx, runID)
	log := logging.Component("main").With("run_id", runID, "strategy", st.Name())
	log.Info("patchdb starting", "version", Version, "git_sha", GitSHA, "write", opts.Write)

	if cfg.Metrics.Address != "" && !opts.WorkerReport {
		metrics.Init(cfg.Metrics.Namespace)
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Address); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	if opts.Processes > 1 && !opts.WorkerReport {
		return coordinate(ctx, cmd, opts, runID)
	}

	shard := patcher.Shard{Modulus: opts.ShardCount, Remainder: opts.ShardIndex}
	stats, runErr := runWorker(ctx, cmd, cfg, opts, st, shard, runID, log)

	if opts.WorkerReport {
		if _, err := patcher.NewWorkerReport(shard, stats, runErr).WriteTo(cmd.OutOrStdout()); err != nil {
			return errors.Join(runErr, err)
		}
		return runErr
	}
	printSummary(cmd.OutOrStdout(), stats, opts.Write)
	return runErr
}

// applyFlags lets command line flags override the loaded configuration.
func applyFlags(cfg *config.Config, opts *RootOptions) {
	if opts.APIURL != "" {
		cfg.APIURL = opts.APIURL
	}
	if opts.AuditURL != "" {
		cfg.Audit.URL = opts.AuditURL
	}
	if opts.MetricsAddr != "" {
		cfg.Metrics.Address = opts.MetricsAddr
	}
}

// coordinate re-executes this binary once per shard and merges the reports.
func coordinate(ctx context.Context, cmd *cobra.Command, opts *RootOptions, runID string) error {
	launcher := &patcher.ExecLauncher{
		Args:   append(patcher.ChildArgs(os.Args[1:]), "--run-id", runID),
		Stderr: cmd.ErrOrStderr(),
	}
	stats, err := patcher.NewCoordinator(launcher, opts.Processes).Run(ctx)
	printSummary(cmd.OutOrStdout(), stats, opts.Write)
	return err
}

// runWorker opens the collaborators of one patcher and runs it.
func runWorker(ctx context.Context, cmd *cobra.Command, cfg config.Config, opts *RootOptions,
	st strategy.Strategy, shard patcher.Shard, runID string, log *slog.Logger) (patcher.RunStats, error) {
	var none patcher.RunStats
	started := time.Now().UTC()

	s, err := store.New(ctx, store.Config{
		Backend:       cfg.Store.Backend,
		URL:           cfg.Store.URL,
		RevisionField: cfg.Store.RevisionField,
		Path:          cfg.Store.Path,
	})
	if err != nil {
		return none, fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	hist, err := openHistory(ctx, cfg, log)
	if err != nil {
		return none, err
	}
	defer hist.Close()
	hist.announce(ctx, s.Name(), st.Name())

	cpStrategy := st.Name()
	if shard.Modulus > 1 {
		cpStrategy = fmt.Sprintf("%s_shard_%d_of_%d", st.Name(), shard.Remainder, shard.Modulus)
	}
	cpKey := checkpoint.Key(s.Name(), cpStrategy)
	cpm, err := checkpoint.NewManager(checkpoint.Config{
		Enabled: opts.Changes && cfg.Checkpoint.Dir != "",
		Dir:     cfg.Checkpoint.Dir,
	})
	if err != nil {
		return none, err
	}

	srcCfg := source.Config{Mode: source.ModeAll, Since: opts.Since}
	switch {
	case len(opts.IDs) > 0:
		srcCfg.Mode = source.ModeExplicit
		srcCfg.IDs = opts.IDs
	case opts.Changes:
		srcCfg.Mode = source.ModeChanges
		if srcCfg.Since == "" {
			cp, err := cpm.Load(ctx, cpKey)
			switch {
			case err == nil:
				srcCfg.Since = cp.Cursor
				log.Info("resuming change feed", "cursor", cp.Cursor, "previous_run", cp.RunID)
			case !errors.Is(err, checkpoint.ErrNoCheckpoint):
				return none, err
			}
		}
	}
	src, err := source.New(s, srcCfg)
	if err != nil {
		return none, err
	}

	flt, err := filter.New(filter.Config{
		DocType:    opts.DocType,
		After:      opts.After,
		Before:     opts.Before,
		DisplayIDs: opts.DisplayIDs,
		IDs:        opts.IDs,
		Except:     opts.Except,
		Statuses:   opts.Statuses,
		Methods:    opts.Procedures,
		Where:      opts.Where,
	})
	if err != nil {
		return none, err
	}

	deps := patcher.Deps{
		Store:  s,
		Source: src,
		Filter: flt,
		Idents: ident.New(s, ident.Config{Shard: cfg.ServerID, Persist: opts.Write}),
	}

	if v := verify.New(verify.Config{
		BaseURL: cfg.APIURL,
		Tries:   cfg.Verify.Tries,
		Delay:   cfg.Verify.Delay,
		Timeout: cfg.Verify.Timeout,
		RPS:     cfg.Verify.RPS,
	}); v != nil {
		deps.Verifier = v
	}

	var journal *audit.Writer
	if cfg.Audit.URL != "" {
		part := ""
		if shard.Modulus > 1 {
			part = fmt.Sprintf("shard-%d", shard.Remainder)
		}
		journal, err = audit.Open(ctx, audit.Config{
			URL:      cfg.Audit.URL,
			Format:   cfg.Audit.Format,
			Prefix:   cfg.Audit.Prefix,
			RunID:    runID,
			Strategy: st.Name(),
			Part:     part,
			Version:  Version,
		})
		if err != nil {
			return none, err
		}
		defer journal.Close()
		deps.Journal = journal
	}

	diffOut := cmd.ErrOrStderr()
	p, err := patcher.New(patcher.Options{
		Strategy:     st,
		Label:        opts.Label,
		Write:        opts.Write,
		DateModified: opts.DateModified,
		Limit:        opts.Limit,
		Concurrency:  opts.Concurrency,
		Shard:        shard,
		ShowDiff:     opts.ShowDiff,
		Color:        isTerminal(diffOut),
		DiffOut:      diffOut,
		Location:     cfg.Location(),
	}, deps)
	if err != nil {
		return none, err
	}

	stats, runErr := p.Run(ctx)

	// the journal is written even after an interrupt
	flushCtx := context.WithoutCancel(ctx)
	var manifest *audit.Manifest
	if journal != nil {
		if manifest, err = journal.Flush(flushCtx); err != nil {
			log.Error("failed to write journal", "error", err)
			runErr = errors.Join(runErr, err)
		}
	}
	if runErr == nil && srcCfg.Mode == source.ModeChanges {
		cp := &checkpoint.Checkpoint{
			Store:     s.Name(),
			Strategy:  cpStrategy,
			Cursor:    src.Cursor(),
			RunID:     runID,
			Stats:     stats,
			UpdatedAt: time.Now().UTC(),
		}
		if err := cpm.Save(flushCtx, cp); err != nil {
			log.Error("failed to save checkpoint", "error", err)
		} else {
			log.Info("change feed cursor", "cursor", cp.Cursor)
		}
	}

	run := events.RunInfo{
		RunID:    runID,
		Store:    s.Name(),
		Strategy: st.Name(),
		Author:   patcher.Author(opts.Label, st.Name()),
		Write:    opts.Write,
	}
	if shard.Modulus > 1 {
		run.Shard = shard.String()
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	hist.publish(flushCtx, run, stats, manifest, started)
	return stats, runErr
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func printSummary(w io.Writer, s patcher.RunStats, write bool) {
	mode := color.YellowString("dry run")
	if write {
		mode = color.GreenString("write")
	}
	fmt.Fprintf(w, "%s (%s)\n", s.String(), mode)
	if s.Failed > 0 {
		color.New(color.FgRed).Fprintf(w, "%d records failed\n", s.Failed)
	}
}
