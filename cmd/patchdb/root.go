package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-patchdb/internal/strategy"
)

// RootOptions holds the flags shared by every strategy command.
type RootOptions struct {
	ConfigPath  string
	Concurrency int
	Processes   int
	Verbose     int
	Quiet       int
	LogFile     string
	Label       string

	After      string
	Before     string
	DisplayIDs []string
	IDs        []string
	Except     []string
	Procedures []string
	Statuses   []string
	DocType    string
	Where      string

	Limit        int
	APIURL       string
	DateModified bool
	Write        bool
	Changes      bool
	Since        string
	ShowDiff     bool
	AuditURL     string
	MetricsAddr  string

	// set on worker processes only
	ShardIndex   int
	ShardCount   int
	WorkerReport bool
	RunID        string
}

// NewRootCommand creates the patchdb command with one subcommand per
// registered strategy.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "patchdb",
		Short: "Apply batch patches to stored records",
		Long: `patchdb walks a record collection and applies one patch strategy to every
selected record, appending a revision for each change.

Runs are dry by default; pass --write to persist.`,
		Version:       fmt.Sprintf("%s (%s)", Version, GitSHA),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Concurrency < 1 {
				return fmt.Errorf("--concurrency must be at least 1")
			}
			if opts.Processes < 0 {
				return fmt.Errorf("--processes must not be negative")
			}
			if opts.Processes > 1 && opts.Concurrency > 1 {
				return fmt.Errorf("--processes and --concurrency are mutually exclusive")
			}
			if opts.Limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}
			if opts.ShardCount > 0 && (opts.ShardIndex < 0 || opts.ShardIndex >= opts.ShardCount) {
				return fmt.Errorf("--shard-index must be in [0, %d)", opts.ShardCount)
			}
			return nil
		},
	}

	f := cmd.PersistentFlags()
	f.StringVarP(&opts.ConfigPath, "config", "c", "", "YAML config file")
	f.IntVarP(&opts.Concurrency, "concurrency", "r", 1, "goroutine workers per process")
	f.IntVarP(&opts.Processes, "processes", "P", 0, "worker processes; each owns one shard")
	f.CountVarP(&opts.Verbose, "verbose", "v", "more logging (repeatable)")
	f.CountVarP(&opts.Quiet, "quiet", "q", "less logging (repeatable)")
	f.StringVarP(&opts.LogFile, "log", "l", "", "append logs to this file")
	f.StringVarP(&opts.Label, "label", "L", "", "revision author label (default: strategy name)")

	f.StringVarP(&opts.After, "after", "a", "", "lowest display id to patch, inclusive")
	f.StringVarP(&opts.Before, "before", "b", "", "highest display id to patch, inclusive")
	f.StringSliceVarP(&opts.DisplayIDs, "tenderID", "t", nil, "only these display ids")
	f.StringSliceVarP(&opts.IDs, "id", "i", nil, "only these record ids")
	f.StringSliceVarP(&opts.Except, "except", "x", nil, "skip these record or display ids")
	f.StringSliceVarP(&opts.Procedures, "procedure", "p", nil, "only these procurement method types")
	f.StringSliceVarP(&opts.Statuses, "status", "s", nil, "only these statuses")
	f.StringVar(&opts.DocType, "doc-type", "Tender", "document type to patch; empty for any")
	f.StringVar(&opts.Where, "where", "", "expression the document must satisfy")

	f.IntVarP(&opts.Limit, "limit", "n", 0, "stop after this many changed records")
	f.StringVarP(&opts.APIURL, "api-url", "u", "", `read API used to verify records, or "disable"`)
	f.BoolVarP(&opts.DateModified, "dateModified", "m", false, "refresh dateModified on every change")
	f.BoolVar(&opts.Write, "write", false, "persist changes (default is a dry run)")
	f.BoolVar(&opts.Changes, "changes", false, "walk the change feed instead of all ids")
	f.StringVar(&opts.Since, "since", "", "change feed cursor to start after")
	f.BoolVar(&opts.ShowDiff, "show-diff", false, "print a textual diff of every change")
	f.StringVar(&opts.AuditURL, "audit-url", "", "bucket URL for the run journal")
	f.StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	f.IntVar(&opts.ShardIndex, "shard-index", 0, "")
	f.IntVar(&opts.ShardCount, "shard-count", 0, "")
	f.BoolVar(&opts.WorkerReport, "worker-report", false, "")
	f.StringVar(&opts.RunID, "run-id", "", "")
	for _, name := range []string{"shard-index", "shard-count", "worker-report", "run-id"} {
		_ = f.MarkHidden(name)
	}

	for _, name := range strategy.Names() {
		cmd.AddCommand(NewStrategyCommand(opts, name))
	}
	return cmd
}

// NewStrategyCommand creates the command running one strategy.
func NewStrategyCommand(opts *RootOptions, name string) *cobra.Command {
	st, err := strategy.Lookup(name)
	if err != nil {
		panic(err)
	}

	cmd := &cobra.Command{
		Use:     name,
		Short:   st.Describe(),
		Aliases: strategy.Aliases[name],
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return st.ValidateOptions()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStrategy(cmd, opts, st)
		},
	}
	st.DeclareOptions(cmd.Flags())
	return cmd
}
