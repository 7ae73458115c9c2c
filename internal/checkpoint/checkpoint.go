// Package checkpoint persists the change-feed cursor between runs.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Checkpoint is the resumable state of a change-feed run.
type Checkpoint struct {
	Store     string    `json:"store"`
	Strategy  string    `json:"strategy"`
	Cursor    string    `json:"cursor"`
	RunID     string    `json:"run_id,omitempty"`
	Stats     any       `json:"stats,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key identifies the checkpoint of a store and strategy pair.
func (c *Checkpoint) Key() string {
	return Key(c.Store, c.Strategy)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Key builds a file-safe checkpoint key.
func Key(store, strategy string) string {
	return unsafeChars.ReplaceAllString(store, "_") + "_" + unsafeChars.ReplaceAllString(strategy, "_")
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the checkpoint stored under key.
	Load(ctx context.Context, key string) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool
	Dir     string
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{dir: cfg.Dir}, nil
}

// fileManager persists checkpoints to local files.
type fileManager struct {
	dir string
}

func (m *fileManager) checkpointPath(key string) string {
	return filepath.Join(m.dir, fmt.Sprintf("checkpoint_%s.json", key))
}

// Load reads the checkpoint from file.
func (m *fileManager) Load(ctx context.Context, key string) (*Checkpoint, error) {
	data, err := os.ReadFile(m.checkpointPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}

	return &cp, nil
}

// Save persists the checkpoint to file.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	path := m.checkpointPath(cp.Key())

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	// Write atomically
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	return nil
}

// noopManager is used when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context, key string) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}
