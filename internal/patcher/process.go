package patcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// WorkerReport is what a worker process prints on stdout when it exits.
type WorkerReport struct {
	Shard Shard    `json:"shard"`
	Stats RunStats `json:"stats"`
	Error string   `json:"error,omitempty"`
	// Fatal is set when the worker stopped early rather than finishing
	// with failed records.
	Fatal bool `json:"fatal,omitempty"`
}

// NewWorkerReport builds the report for a finished run.
func NewWorkerReport(shard Shard, stats RunStats, err error) WorkerReport {
	r := WorkerReport{Shard: shard, Stats: stats}
	if err != nil {
		r.Error = err.Error()
		r.Fatal = !errors.Is(err, ErrFailedRecords)
	}
	return r
}

// WriteTo encodes the report as one JSON line.
func (r WorkerReport) WriteTo(w io.Writer) (int64, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(append(data, '\n'))
	return int64(n), err
}

// Launcher starts one worker for a shard and waits for its report.
type Launcher interface {
	Launch(ctx context.Context, shard Shard) (WorkerReport, error)
}

// ExecLauncher runs workers as child processes of the same binary.
type ExecLauncher struct {
	// Path is the executable; defaults to os.Executable().
	Path string
	// Args are passed before the shard flags.
	Args []string
	// Stderr receives the children's logs.
	Stderr io.Writer
	// WaitDelay is how long a child may take to exit after an interrupt
	// before it is killed.
	WaitDelay time.Duration
}

// Launch runs one child and parses the last line of its stdout.
func (l *ExecLauncher) Launch(ctx context.Context, shard Shard) (WorkerReport, error) {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return WorkerReport{}, fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}

	args := append(append([]string{}, l.Args...),
		"--shard-index", strconv.Itoa(shard.Remainder),
		"--shard-count", strconv.Itoa(shard.Modulus),
		"--worker-report",
	)

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = l.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = ShutdownTimeout
	}

	runErr := cmd.Run()
	report, err := parseReport(stdout.Bytes())
	if err != nil {
		if runErr != nil {
			return WorkerReport{}, fmt.Errorf("worker %s: %w", shard, runErr)
		}
		return WorkerReport{}, fmt.Errorf("worker %s: %w", shard, err)
	}
	return report, nil
}

func parseReport(out []byte) (WorkerReport, error) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return WorkerReport{}, fmt.Errorf("no report on stdout")
	}
	var r WorkerReport
	if err := json.Unmarshal([]byte(last), &r); err != nil {
		return WorkerReport{}, fmt.Errorf("decode report: %w", err)
	}
	return r, nil
}

// Coordinator fans a run out to one worker per shard and merges the
// reports.
type Coordinator struct {
	launcher Launcher
	count    int
	log      *slog.Logger
}

// NewCoordinator creates a coordinator for count shards.
func NewCoordinator(l Launcher, count int) *Coordinator {
	if count < 1 {
		count = 1
	}
	return &Coordinator{
		launcher: l,
		count:    count,
		log:      slog.With("component", "coordinator"),
	}
}

// Run starts all workers and waits for them. A fatal worker cancels the
// others. The merged stats are returned even on error.
func (c *Coordinator) Run(ctx context.Context) (RunStats, error) {
	g, gctx := errgroup.WithContext(ctx)

	var (
		mu     sync.Mutex
		total  RunStats
		failed bool
	)

	c.log.Info("starting workers", "processes", c.count)
	for i := range c.count {
		shard := Shard{Modulus: c.count, Remainder: i}
		g.Go(func() error {
			r, err := c.launcher.Launch(gctx, shard)
			if err != nil {
				return err
			}
			mu.Lock()
			total = total.Add(r.Stats)
			if r.Error != "" {
				failed = true
			}
			mu.Unlock()

			log := c.log.With("shard", shard.String())
			log.Info("worker finished", "stats", r.Stats.String())
			if r.Fatal {
				return fmt.Errorf("worker %s: %s", shard, r.Error)
			}
			if r.Error != "" {
				log.Warn("worker reported failures", "error", r.Error)
			}
			return nil
		})
	}

	err := g.Wait()
	c.log.Info(total.String())
	if err != nil {
		return total, err
	}
	if failed || total.Failed > 0 {
		return total, fmt.Errorf("%d of %d records: %w", total.Failed, total.Total, ErrFailedRecords)
	}
	return total, nil
}

// ChildArgs removes the process-count flag from args so a worker does not
// fan out again.
func ChildArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-P" || a == "--processes":
			i++
		case strings.HasPrefix(a, "--processes="), strings.HasPrefix(a, "-P"):
		default:
			out = append(out, a)
		}
	}
	return out
}
