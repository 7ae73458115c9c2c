// Package ident issues human-facing display identifiers of the form
// PREFIX-YYYY-MM-DD-NNNNNN[-SHARD] from date-keyed counter documents.
package ident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-patchdb/internal/record"
	"github.com/withObsrvr/obsrvr-patchdb/internal/retry"
	"github.com/withObsrvr/obsrvr-patchdb/internal/store"
)

// ErrFormat is returned for display identifiers that do not match the
// expected layout.
var ErrFormat = errors.New("bad display identifier")

var pattern = regexp.MustCompile(`^([\w\-]{1,10}?-)(\d{4}-\d{2}-\d{2})-(\d{6})(?:-(\w{1,3}))?$`)

// DisplayID is a parsed display identifier.
type DisplayID struct {
	Prefix string // includes the trailing dash, e.g. "UA-"
	Date   string
	Seq    string
	Shard  string
}

// Parse splits s into its components.
func Parse(s string) (DisplayID, error) {
	m := pattern.FindStringSubmatch(s)
	if m == nil {
		return DisplayID{}, fmt.Errorf("%w: %q", ErrFormat, s)
	}
	return DisplayID{Prefix: m[1], Date: m[2], Seq: m[3], Shard: m[4]}, nil
}

// CounterKey returns the id of the counter document for a date and shard.
func CounterKey(date, shard string) string {
	if shard == "" {
		return "counter_" + date
	}
	return "counter_" + date + "_" + shard
}

// Format renders a display identifier.
func Format(prefix, date string, seq int64, shard string) string {
	s := fmt.Sprintf("%s%s-%06d", prefix, date, seq)
	if shard != "" {
		s += "-" + shard
	}
	return s
}

// Counters is the subset of store.Store the generator needs.
type Counters interface {
	Get(ctx context.Context, id string) (record.Doc, error)
	Save(ctx context.Context, doc record.Doc) (string, error)
}

// ShadowCache holds counter values and identifiers issued while persistence
// is off. It is owned by one generator for the lifetime of a run.
type ShadowCache struct {
	mu       sync.Mutex
	counters map[string]int64
	issued   map[string]string
}

// NewShadowCache returns an empty cache.
func NewShadowCache() *ShadowCache {
	return &ShadowCache{
		counters: make(map[string]int64),
		issued:   make(map[string]string),
	}
}

func (c *ShadowCache) counter(key string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.counters[key]
	return v, ok
}

func (c *ShadowCache) advance(key string, next int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if next > c.counters[key] {
		c.counters[key] = next
	}
}

func (c *ShadowCache) lookup(docKey string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.issued[docKey]
	return v, ok
}

func (c *ShadowCache) remember(docKey, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issued[docKey] = id
}

// Config configures a Generator.
type Config struct {
	// Shard overrides the shard embedded in source identifiers.
	Shard string
	// Persist enables writing counter documents. When false, issuance
	// only advances the shadow cache.
	Persist bool
	// Attempts and Delay bound the retry loop around one issuance.
	Attempts int
	Delay    time.Duration
}

// Generator issues strictly increasing sequence numbers per counter key.
type Generator struct {
	counters Counters
	cfg      Config
	shadow   *ShadowCache
	log      *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a generator backed by counters.
func New(counters Counters, cfg Config) *Generator {
	if cfg.Attempts < 1 {
		cfg.Attempts = 10
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 100 * time.Millisecond
	}
	return &Generator{
		counters: counters,
		cfg:      cfg,
		shadow:   NewShadowCache(),
		log:      slog.With("component", "ident"),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Shadow exposes the generator's shadow cache.
func (g *Generator) Shadow() *ShadowCache {
	return g.shadow
}

func (g *Generator) keyLock(key string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[key]
	if !ok {
		l = &sync.Mutex{}
		g.locks[key] = l
	}
	return l
}

// Next issues a new display identifier derived from source, the display
// identifier of the document being copied. docKey identifies the new
// document; while persistence is off, repeated calls with the same docKey
// return the same identifier.
func (g *Generator) Next(ctx context.Context, source, docKey string) (string, error) {
	parsed, err := Parse(source)
	if err != nil {
		return "", err
	}
	shard := g.cfg.Shard
	if shard == "" {
		shard = parsed.Shard
	}
	key := CounterKey(parsed.Date, shard)

	if !g.cfg.Persist && docKey != "" {
		if id, ok := g.shadow.lookup(docKey); ok {
			return id, nil
		}
	}

	lock := g.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	var seq int64
	err = retry.Do(ctx, retry.Policy{
		Tries:   g.cfg.Attempts,
		Delay:   g.cfg.Delay,
		Backoff: 1,
		Logger:  g.log.With("counter", key),
	}, func() error {
		var err error
		seq, err = g.issue(ctx, key, parsed.Date, shard)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("issue identifier for %s: %w", key, err)
	}

	id := Format(parsed.Prefix, parsed.Date, seq, shard)
	if !g.cfg.Persist && docKey != "" {
		g.shadow.remember(docKey, id)
	}
	return id, nil
}

// issue reads the counter, advances it and returns the pre-increment value.
func (g *Generator) issue(ctx context.Context, key, date, shard string) (int64, error) {
	doc, err := g.counters.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		doc = record.Doc{
			record.FieldID:      key,
			record.FieldDocType: record.TypeCounter,
			"dateKey":           date,
			"shardKey":          shard,
		}
	case err != nil:
		return 0, err
	}

	seq := int64(1)
	if v, ok := doc["sequence"].(float64); ok && v >= 1 {
		seq = int64(v)
	}
	if shadowed, ok := g.shadow.counter(key); ok && shadowed > seq {
		seq = shadowed
	}

	if g.cfg.Persist {
		doc["sequence"] = float64(seq + 1)
		if _, err := g.counters.Save(ctx, doc); err != nil {
			return 0, err
		}
	}
	g.shadow.advance(key, seq+1)
	return seq, nil
}
