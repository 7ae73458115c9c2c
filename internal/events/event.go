// Package events emits a tamper-evident record of every finished run. Each
// event carries the hash of the previous event of the same chain.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/withObsrvr/obsrvr-patchdb/internal/patcher"
)

const (
	eventVersion = "1.0"
	eventType    = "patch_run"
)

// Event describes one finished run.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Run      RunInfo          `json:"run"`
	Stats    patcher.RunStats `json:"stats"`
	Journal  *JournalInfo     `json:"journal,omitempty"`
	Producer ProducerInfo     `json:"producer"`
	Chain    ChainInfo        `json:"chain"`
}

// RunInfo identifies the run.
type RunInfo struct {
	RunID    string `json:"run_id"`
	Store    string `json:"store"`
	Strategy string `json:"strategy"`
	Shard    string `json:"shard,omitempty"`
	Author   string `json:"author"`
	Write    bool   `json:"write"`
	Error    string `json:"error,omitempty"`
}

// ChainKey returns the chain this run belongs to. Worker processes of one
// run keep separate chains.
func (r RunInfo) ChainKey() string {
	key := r.Store + "/" + r.Strategy
	if r.Shard != "" {
		key += "/" + r.Shard
	}
	return key
}

// JournalInfo points at the journal written by the run.
type JournalInfo struct {
	File     string `json:"file"`
	Checksum string `json:"checksum"`
	RowCount int64  `json:"row_count"`
	ByteSize int64  `json:"byte_size"`
}

// ProducerInfo identifies the software that ran the patch.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo links an event to its predecessor.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ComputeEventHash hashes the JSON form of evt without its own event_hash.
func ComputeEventHash(evt *Event) string {
	c := *evt
	c.Chain.EventHash = ""

	canonical, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// SetChainHashes links evt to prev and computes its hash.
func (e *Event) SetChainHashes(prev string) {
	e.Chain.PrevEventHash = prev
	e.Chain.EventHash = ComputeEventHash(e)
}
