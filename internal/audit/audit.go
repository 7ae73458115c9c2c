// Package audit exports the revisions a run produced to blob storage.
//
// Entries are buffered in memory and written once per run (or per worker
// process) as a single parquet or zstd-compressed JSON-lines object, next
// to a manifest carrying its checksum and row count.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
)

// Formats.
const (
	FormatParquet = "parquet"
	FormatJSONL   = "jsonl"
)

// Actions recorded in the journal.
const (
	ActionChange = "change"
	ActionCreate = "create"
)

// Entry is one journal row.
type Entry struct {
	RunID      string    `parquet:"run_id" json:"run_id"`
	Strategy   string    `parquet:"strategy" json:"strategy"`
	Action     string    `parquet:"action" json:"action"`
	RecordID   string    `parquet:"record_id" json:"record_id"`
	DisplayID  string    `parquet:"display_id" json:"display_id"`
	Author     string    `parquet:"author" json:"author"`
	Date       string    `parquet:"date" json:"date"`
	BaseRev    string    `parquet:"base_rev" json:"base_rev"`
	NewRev     string    `parquet:"new_rev" json:"new_rev"`
	Changes    string    `parquet:"changes" json:"changes"` // JSON patch
	Saved      bool      `parquet:"saved" json:"saved"`
	RecordedAt time.Time `parquet:"recorded_at,timestamp(millisecond)" json:"recorded_at"`
}

// Manifest describes a written journal object.
type Manifest struct {
	RunID     string       `json:"run_id"`
	Strategy  string       `json:"strategy"`
	Part      string       `json:"part,omitempty"`
	File      string       `json:"file"`
	Format    string       `json:"format"`
	Checksum  string       `json:"checksum"`
	RowCount  int64        `json:"row_count"`
	ByteSize  int64        `json:"byte_size"`
	Producer  ProducerInfo `json:"producer"`
	CreatedAt time.Time    `json:"created_at"`
}

// ProducerInfo describes the software that produced the journal.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Config configures a Writer.
type Config struct {
	URL      string // gocloud.dev/blob bucket URL
	Format   string
	Prefix   string
	RunID    string
	Strategy string
	// Part distinguishes journals of worker processes sharing a run.
	Part    string
	Version string
}

// Writer buffers entries and publishes them on Flush.
type Writer struct {
	bucket *blob.Bucket
	cfg    Config
	log    *slog.Logger

	mu      sync.Mutex
	entries []Entry
}

// Open opens the bucket at cfg.URL.
func Open(ctx context.Context, cfg Config) (*Writer, error) {
	bucket, err := blob.OpenBucket(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open audit bucket %s: %w", cfg.URL, err)
	}
	return NewWriter(bucket, cfg), nil
}

// NewWriter writes to an already opened bucket. Close closes it.
func NewWriter(bucket *blob.Bucket, cfg Config) *Writer {
	if cfg.Format == "" {
		cfg.Format = FormatParquet
	}
	return &Writer{
		bucket: bucket,
		cfg:    cfg,
		log:    slog.With("component", "audit", "run_id", cfg.RunID),
	}
}

// Record buffers e. It is safe for concurrent use.
func (w *Writer) Record(e Entry) {
	if e.RunID == "" {
		e.RunID = w.cfg.RunID
	}
	if e.Strategy == "" {
		e.Strategy = w.cfg.Strategy
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	w.mu.Lock()
	w.entries = append(w.entries, e)
	w.mu.Unlock()
}

// Len returns the number of buffered entries.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// DataKey returns the object key of the journal.
func (w *Writer) DataKey() string {
	ext := ".parquet"
	if w.cfg.Format == FormatJSONL {
		ext = ".jsonl.zst"
	}
	return w.dir() + "journal" + ext
}

// ManifestKey returns the object key of the manifest.
func (w *Writer) ManifestKey() string {
	return w.dir() + "_manifest.json"
}

func (w *Writer) dir() string {
	d := w.cfg.Prefix + w.cfg.RunID + "/"
	if w.cfg.Part != "" {
		d += w.cfg.Part + "/"
	}
	return d
}

// Flush writes the buffered entries and their manifest. An empty journal
// writes nothing and returns a nil manifest.
func (w *Writer) Flush(ctx context.Context) (*Manifest, error) {
	w.mu.Lock()
	entries := w.entries
	w.entries = nil
	w.mu.Unlock()

	if len(entries) == 0 {
		return nil, nil
	}

	var data []byte
	var err error
	switch w.cfg.Format {
	case FormatParquet:
		data, err = encodeParquet(entries)
	case FormatJSONL:
		data, err = encodeJSONL(entries)
	default:
		err = fmt.Errorf("unknown audit format: %s", w.cfg.Format)
	}
	if err != nil {
		return nil, err
	}

	key := w.DataKey()
	if err := w.put(ctx, key, data, contentType(w.cfg.Format)); err != nil {
		return nil, err
	}

	m := &Manifest{
		RunID:     w.cfg.RunID,
		Strategy:  w.cfg.Strategy,
		Part:      w.cfg.Part,
		File:      key,
		Format:    w.cfg.Format,
		Checksum:  ComputeChecksum(data),
		RowCount:  int64(len(entries)),
		ByteSize:  int64(len(data)),
		Producer:  ProducerInfo{Name: "patchdb", Version: w.cfg.Version},
		CreatedAt: time.Now().UTC(),
	}
	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := w.put(ctx, w.ManifestKey(), body, "application/json"); err != nil {
		return nil, err
	}

	w.log.Info("journal written", "key", key, "rows", m.RowCount, "bytes", m.ByteSize, "checksum", m.Checksum)
	return m, nil
}

// Close releases the bucket.
func (w *Writer) Close() error {
	if w.bucket != nil {
		return w.bucket.Close()
	}
	return nil
}

func (w *Writer) put(ctx context.Context, key string, data []byte, ctype string) error {
	bw, err := w.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: ctype})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	if _, err := bw.Write(data); err != nil {
		bw.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}

	if err := bw.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

func contentType(format string) string {
	if format == FormatJSONL {
		return "application/zstd"
	}
	return "application/vnd.apache.parquet"
}

func encodeParquet(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	pw := parquet.NewGenericWriter[Entry](&buf, parquet.Compression(&parquet.Zstd))
	if _, err := pw.Write(entries); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeJSONL(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	enc := json.NewEncoder(zw)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			zw.Close()
			return nil, fmt.Errorf("encode entry %s: %w", e.RecordID, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zstd encoder: %w", err)
	}
	return buf.Bytes(), nil
}
