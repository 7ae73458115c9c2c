package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-patchdb/internal/audit"
	"github.com/withObsrvr/obsrvr-patchdb/internal/logging"
	"github.com/withObsrvr/obsrvr-patchdb/internal/patcher"
	"github.com/withObsrvr/obsrvr-patchdb/internal/retry"
)

const defaultDir = "./patchdb-events"

// Config configures NewEmitter.
type Config struct {
	// Dir keeps event backups and chain heads.
	Dir string
	// Endpoint receives every event as a JSON POST.
	Endpoint string
	// Retry overrides the POST retry policy.
	Retry *retry.Policy
}

// Emitter publishes run events.
type Emitter interface {
	Emit(ctx context.Context, evt *Event) error
}

// NewEmitter returns a no-op emitter when neither Dir nor Endpoint is set.
func NewEmitter(cfg Config) (Emitter, error) {
	if cfg.Dir == "" && cfg.Endpoint == "" {
		return noopEmitter{}, nil
	}
	if cfg.Dir == "" {
		cfg.Dir = defaultDir
	}

	chain, err := NewChainTracker(cfg.Dir)
	if err != nil {
		return nil, err
	}
	policy := retry.Policy{Tries: 3, Delay: time.Second, Backoff: 2}
	if cfg.Retry != nil {
		policy = *cfg.Retry
	}
	log := logging.Component("events")
	policy.Logger = log

	return &chainEmitter{
		dir:      cfg.Dir,
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		chain:    chain,
		policy:   policy,
		log:      log,
	}, nil
}

// NewEvent describes a finished run. manifest may be nil when no journal
// was written.
func NewEvent(run RunInfo, stats patcher.RunStats, manifest *audit.Manifest, producer ProducerInfo) *Event {
	evt := &Event{Run: run, Stats: stats, Producer: producer}
	if manifest != nil {
		evt.Journal = &JournalInfo{
			File:     manifest.File,
			Checksum: manifest.Checksum,
			RowCount: manifest.RowCount,
			ByteSize: manifest.ByteSize,
		}
	}
	return evt
}

type chainEmitter struct {
	dir      string
	endpoint string
	client   *http.Client
	chain    *ChainTracker
	policy   retry.Policy
	log      *slog.Logger
}

func (e *chainEmitter) Emit(ctx context.Context, evt *Event) error {
	key := evt.Run.ChainKey()

	prev, err := e.chain.GetHead(key)
	if err != nil && !errors.Is(err, ErrNoChainHead) {
		return fmt.Errorf("get chain head: %w", err)
	}

	evt.Version = eventVersion
	evt.EventType = eventType
	evt.EventID = uuid.NewString()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.SetChainHashes(prev)

	log := e.log.With("chain", key, "event_id", evt.EventID)
	log.Info("emitting run event", "prev_hash", prev, "event_hash", evt.Chain.EventHash)

	if err := e.backup(evt); err != nil {
		if e.endpoint == "" {
			return err
		}
		log.Warn("event backup failed", "error", err)
	}

	if e.endpoint != "" {
		err := retry.Do(ctx, e.policy, func() error {
			return e.post(ctx, evt)
		})
		if err != nil {
			return fmt.Errorf("post event: %w", err)
		}
	}

	if err := e.chain.SetHead(key, evt.Chain.EventHash); err != nil {
		log.Warn("failed to update chain head", "error", err)
	}
	return nil
}

// backup writes evt to <dir>/<run_id>[_<shard>].json.
func (e *chainEmitter) backup(evt *Event) error {
	name := evt.Run.RunID
	if evt.Run.Shard != "" {
		name += "_" + evt.Run.Shard
	}
	path := filepath.Join(e.dir, unsafeChars.ReplaceAllString(name, "_")+".json")

	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	e.log.Debug("event backed up", "path", path)
	return nil
}

func (e *chainEmitter) post(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *Event) error { return nil }
