package strategy

import (
	"context"

	"github.com/spf13/pflag"

	"github.com/withObsrvr/obsrvr-patchdb/internal/record"
)

const maxClones = 10

// CloneTender stores copies of a record under new identifiers.
type CloneTender struct {
	count int
}

func (s *CloneTender) Name() string { return "clone_tender" }

func (s *CloneTender) Describe() string {
	return "Create copies of the record with new ids and display ids"
}

func (s *CloneTender) DeclareOptions(fs *pflag.FlagSet) {
	fs.IntVar(&s.count, "clone-count", 1, "number of copies to create (1-10)")
}

func (s *CloneTender) ValidateOptions() error {
	if s.count < 1 || s.count > maxClones {
		return configErrorf(s.Name(), "--clone-count must be between 1 and %d, got %d", maxClones, s.count)
	}
	return nil
}

func (s *CloneTender) Apply(ctx context.Context, eng Engine, rec *record.Record, doc record.Doc) error {
	field := record.DisplayField(rec.DocType)
	for i := 0; i < s.count; i++ {
		clone := record.Clone(doc)
		delete(clone, record.FieldRev)
		if _, err := eng.CreateRecord(ctx, clone); err != nil {
			return err
		}
		newID := record.String(clone, record.FieldID)
		if err := eng.VerifyRecord(ctx, newID, record.String(clone, field), true); err != nil {
			return err
		}
	}
	return eng.VerifyRecord(ctx, rec.ID, rec.DisplayID, false)
}
