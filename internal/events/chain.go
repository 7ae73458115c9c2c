package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// ErrNoChainHead indicates no previous event exists for a chain.
var ErrNoChainHead = errors.New("no chain head found")

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ChainTracker persists the last event hash of every chain, one file per
// chain so worker processes never write the same file.
type ChainTracker struct {
	mu    sync.Mutex
	dir   string
	heads map[string]string
}

// NewChainTracker keeps chain heads under dir.
func NewChainTracker(dir string) (*ChainTracker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create chain tracker dir: %w", err)
	}
	return &ChainTracker{dir: dir, heads: make(map[string]string)}, nil
}

func (ct *ChainTracker) path(chainKey string) string {
	return filepath.Join(ct.dir, "chain_"+unsafeChars.ReplaceAllString(chainKey, "_")+".json")
}

type head struct {
	Chain     string `json:"chain"`
	EventHash string `json:"event_hash"`
}

// GetHead returns the last event hash of a chain.
func (ct *ChainTracker) GetHead(chainKey string) (string, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if h, ok := ct.heads[chainKey]; ok {
		return h, nil
	}
	data, err := os.ReadFile(ct.path(chainKey))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoChainHead
	}
	if err != nil {
		return "", fmt.Errorf("read chain head: %w", err)
	}
	var h head
	if err := json.Unmarshal(data, &h); err != nil {
		return "", fmt.Errorf("parse chain head: %w", err)
	}
	if h.EventHash == "" {
		return "", ErrNoChainHead
	}
	ct.heads[chainKey] = h.EventHash
	return h.EventHash, nil
}

// SetHead records eventHash as the head of a chain.
func (ct *ChainTracker) SetHead(chainKey, eventHash string) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	data, err := json.MarshalIndent(head{Chain: chainKey, EventHash: eventHash}, "", "  ")
	if err != nil {
		return err
	}
	path := ct.path(chainKey)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	ct.heads[chainKey] = eventHash
	return nil
}
