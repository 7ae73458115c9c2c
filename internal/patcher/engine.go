package patcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-patchdb/internal/audit"
	"github.com/withObsrvr/obsrvr-patchdb/internal/metrics"
	"github.com/withObsrvr/obsrvr-patchdb/internal/record"
	"github.com/withObsrvr/obsrvr-patchdb/internal/revision"
)

// session is the engine a strategy sees while one record is processed.
// It is rebuilt for every attempt except for wrote, which survives retries.
type session struct {
	p    *Patcher
	id   string
	base *slog.Logger
	log  *slog.Logger

	wrote   bool
	creates int
	counts  counts
	entries []audit.Entry
}

// patch runs one attempt: fetch, filter, apply.
func (s *session) patch(ctx context.Context) error {
	p := s.p
	s.counts = counts{}
	s.creates = 0
	s.entries = nil
	s.log = s.base

	doc, err := p.store.Get(ctx, s.id)
	if err != nil {
		return fmt.Errorf("get %s: %w", s.id, err)
	}

	rec := record.View(doc)
	s.log = s.base.With("display_id", rec.DisplayID)

	if p.filter.MatchesType(rec) && rec.DisplayID == "" {
		return fmt.Errorf("record has no %s: %w", record.DisplayField(rec.DocType), ErrValidation)
	}

	if d := p.filter.Evaluate(rec, doc); !d.Selected {
		s.log.Debug("skip", "predicate", d.Predicate, "reason", d.Reason)
		if m := metrics.Get(); m != nil {
			m.IncRecordsSkipped(p.strategy.Name(), d.Predicate)
		}
		return nil
	}

	if err := p.strategy.Apply(ctx, s, rec, doc); err != nil {
		return err
	}

	p.stats.patched.Add(1)
	if m := metrics.Get(); m != nil {
		m.IncRecordsPatched(p.strategy.Name())
	}
	return nil
}

// SaveRecord appends a revision for the difference between old and new and
// persists the result when writes are enabled.
func (s *session) SaveRecord(ctx context.Context, rec *record.Record, old, new record.Doc) (bool, error) {
	p := s.p
	now := s.Now()

	rev := revision.Compute(old, new, p.author, rec.Rev, now)
	if rev == nil {
		s.log.Info("no changes made")
		return false, nil
	}

	doc := record.Clone(new)
	if err := s.followsLastRevision(doc, now); err != nil {
		return false, err
	}
	if err := record.AppendRevision(doc, rev); err != nil {
		return false, fmt.Errorf("append revision: %w", err)
	}
	if p.opts.DateModified {
		if err := s.touch(doc, rec.DateModified, now); err != nil {
			return false, err
		}
	}
	s.counts.changed++

	if p.opts.ShowDiff {
		s.preview(rec, old, doc)
	}

	changes, _ := json.Marshal(rev.Changes)
	entry := audit.Entry{
		Action:    audit.ActionChange,
		RecordID:  rec.ID,
		DisplayID: rec.DisplayID,
		Author:    p.author,
		Date:      rev.Date,
		BaseRev:   rec.Rev,
		Changes:   string(changes),
	}

	if !p.opts.Write {
		s.log.Info("not saved", "changes", len(rev.Changes))
		s.journal(entry)
		return false, nil
	}

	newRev, err := p.save(ctx, s.log, doc)
	if err != nil {
		return false, fmt.Errorf("save %s: %w", rec.ID, err)
	}
	s.wrote = true
	s.counts.saved++
	s.log.Info("saved", "rev", newRev, "changes", len(rev.Changes))

	entry.NewRev = newRev
	entry.Saved = true
	s.journal(entry)
	return true, nil
}

// touch moves dateModified forward to now. The new value must be strictly
// later than the stored one.
func (s *session) touch(doc record.Doc, prev string, now time.Time) error {
	if prev != "" {
		t, err := record.ParseTime(prev)
		if err != nil {
			return fmt.Errorf("dateModified: %v: %w", err, ErrValidation)
		}
		if !now.After(t) {
			return fmt.Errorf("%s is not after %s: %w", record.FormatTime(now), prev, ErrOrdering)
		}
	}
	doc[record.FieldDateModified] = record.FormatTime(now)
	return nil
}

// followsLastRevision checks that a revision dated now would be strictly
// later than the newest revision already in doc.
func (s *session) followsLastRevision(doc record.Doc, now time.Time) error {
	revs, _ := doc[record.FieldRevisions].([]any)
	if len(revs) == 0 {
		return nil
	}
	last, _ := revs[len(revs)-1].(record.Doc)
	date := record.String(last, "date")
	if date == "" {
		return nil
	}
	t, err := record.ParseTime(date)
	if err != nil {
		return fmt.Errorf("last revision: %v: %w", err, ErrValidation)
	}
	if !now.After(t) {
		return fmt.Errorf("revision %s is not after %s: %w", record.FormatTime(now), date, ErrOrdering)
	}
	return nil
}

// CreateRecord assigns a new id and display id to doc and stores it. Any
// revision token doc carries is dropped so the store sees a create.
func (s *session) CreateRecord(ctx context.Context, doc record.Doc) (bool, error) {
	p := s.p
	delete(doc, record.FieldRev)
	if p.idents == nil {
		return false, fmt.Errorf("no identifier generator configured")
	}

	field := record.DisplayField(record.String(doc, record.FieldDocType))
	source := record.String(doc, field)
	docKey := fmt.Sprintf("%s/%d", s.id, s.creates)
	s.creates++

	display, err := p.idents.Next(ctx, source, docKey)
	if err != nil {
		return false, err
	}
	newID := strings.ReplaceAll(uuid.NewString(), "-", "")
	doc[record.FieldID] = newID
	doc[field] = display
	if p.opts.DateModified {
		doc[record.FieldDateModified] = record.FormatTime(s.Now())
	}
	s.counts.created++

	log := s.log.With("new_id", newID, "new_display_id", display)
	entry := audit.Entry{
		Action:    audit.ActionCreate,
		RecordID:  newID,
		DisplayID: display,
		Author:    p.author,
		Date:      record.FormatTime(s.Now()),
	}

	if !p.opts.Write {
		log.Info("created, not saved", "source", source)
		s.journal(entry)
		return false, nil
	}

	newRev, err := p.save(ctx, log, doc)
	if err != nil {
		return false, fmt.Errorf("create %s: %w", newID, err)
	}
	s.wrote = true
	s.counts.saved++
	log.Info("created", "source", source, "rev", newRev)

	entry.NewRev = newRev
	entry.Saved = true
	s.journal(entry)
	return true, nil
}

// VerifyRecord asks the read API whether it serves expected for id.
func (s *session) VerifyRecord(ctx context.Context, id, expected string, afterWrite bool) error {
	p := s.p
	if p.verifier == nil {
		s.log.Debug("not checked", "check_id", id)
		return nil
	}
	if afterWrite && !p.opts.Write {
		return nil
	}
	if err := p.verifier.Check(ctx, id, expected); err != nil {
		if m := metrics.Get(); m != nil {
			m.IncVerifyErrors(p.strategy.Name())
		}
		return err
	}
	s.log.Debug("checked", "check_id", id)
	return nil
}

func (s *session) Now() time.Time {
	return s.p.opts.Clock().In(s.p.opts.Location)
}

func (s *session) Logger() *slog.Logger {
	return s.log
}

// journal buffers e until the record is finished so a retried attempt
// does not log twice.
func (s *session) journal(e audit.Entry) {
	e.Strategy = s.p.strategy.Name()
	e.RecordedAt = time.Now().UTC()
	s.entries = append(s.entries, e)
}

func (s *session) preview(rec *record.Record, old, new record.Doc) {
	text := revision.Preview(old, new, s.p.opts.Color)
	s.p.diffMu.Lock()
	defer s.p.diffMu.Unlock()
	fmt.Fprintf(s.p.opts.DiffOut, "--- %s %s\n%s\n", rec.ID, rec.DisplayID, text)
}
