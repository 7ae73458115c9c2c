package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/withObsrvr/obsrvr-patchdb/internal/record"
	"github.com/withObsrvr/obsrvr-patchdb/internal/revision"
)

// ErrNoRevert is returned when the last revision cannot be rolled back
// because it carries no inverse operations.
var ErrNoRevert = errors.New("revision has no revert operations")

// RollbackLastPatch reverts the most recent revision written by a given
// patch label.
type RollbackLastPatch struct {
	label      string
	dateAfter  string
	dateBefore string

	author string
}

func (s *RollbackLastPatch) Name() string { return "rollback_last_patch" }

func (s *RollbackLastPatch) Describe() string {
	return "Roll back the last revision written by a patch label"
}

func (s *RollbackLastPatch) DeclareOptions(fs *pflag.FlagSet) {
	fs.StringVar(&s.label, "patch-label", "", "label of the patch to roll back (required)")
	fs.StringVar(&s.dateAfter, "date-after", "", "min revision date, ISO format")
	fs.StringVar(&s.dateBefore, "date-before", "", "max revision date, ISO format")
}

func (s *RollbackLastPatch) ValidateOptions() error {
	if s.label == "" {
		return configErrorf(s.Name(), "--patch-label is required")
	}
	s.author = "patchdb/" + s.label
	return nil
}

func (s *RollbackLastPatch) Apply(ctx context.Context, eng Engine, rec *record.Record, doc record.Doc) error {
	revs, err := record.Revisions(doc)
	if err != nil {
		return fmt.Errorf("decode revisions: %w", err)
	}
	if len(revs) == 0 {
		return nil
	}
	last := revs[len(revs)-1]
	if last.Author != s.author {
		return nil
	}
	if s.dateAfter != "" && s.dateAfter > last.Date {
		return nil
	}
	if s.dateBefore != "" && s.dateBefore < last.Date {
		return nil
	}
	if len(last.Revert) == 0 {
		return fmt.Errorf("%s: %w", last.Date, ErrNoRevert)
	}

	new, err := revision.Apply(doc, last.Revert)
	if err != nil {
		return fmt.Errorf("revert %s: %w", last.Date, err)
	}
	return saveAndVerify(ctx, eng, rec, doc, new)
}
