package strategy

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/withObsrvr/obsrvr-patchdb/internal/record"
)

// RemoveAuctionDate drops auction start dates planned on a given day so the
// auction gets rescheduled.
type RemoveAuctionDate struct {
	auctionDate string
}

var auctionStatuses = []string{"active.tendering", "active.auction"}

func (s *RemoveAuctionDate) Name() string { return "remove_auction_date" }

func (s *RemoveAuctionDate) Describe() string {
	return "Remove auctionPeriod.startDate planned on the given date"
}

func (s *RemoveAuctionDate) DeclareOptions(fs *pflag.FlagSet) {
	fs.StringVar(&s.auctionDate, "auction-date", "", "auction date to remove, YYYY-MM-DD (required)")
}

func (s *RemoveAuctionDate) ValidateOptions() error {
	if len(s.auctionDate) < 10 {
		return configErrorf(s.Name(), "--auction-date must be at least YYYY-MM-DD, got %q", s.auctionDate)
	}
	return nil
}

func (s *RemoveAuctionDate) Apply(ctx context.Context, eng Engine, rec *record.Record, doc record.Doc) error {
	if !slices.Contains(auctionStatuses, rec.Status) {
		eng.Logger().Debug("skip by status", "status", rec.Status)
		return nil
	}

	new := record.Clone(doc)
	removed := 0
	if lots, ok := new["lots"].([]any); ok && len(lots) > 0 {
		for _, l := range lots {
			if lot, ok := l.(record.Doc); ok && s.dropStartDate(lot) {
				removed++
			}
		}
	} else if s.dropStartDate(new) {
		removed++
	}
	if removed == 0 {
		eng.Logger().Debug("no auction on date", "auction_date", s.auctionDate)
		return nil
	}

	new["next_check"] = record.FormatTime(eng.Now().Add(10 * time.Minute))

	saved, err := eng.SaveRecord(ctx, rec, doc, new)
	if err != nil || !saved {
		return err
	}
	return eng.VerifyRecord(ctx, rec.ID, rec.DisplayID, false)
}

func (s *RemoveAuctionDate) dropStartDate(obj record.Doc) bool {
	period, ok := obj["auctionPeriod"].(record.Doc)
	if !ok {
		return false
	}
	start, _ := period["startDate"].(string)
	if start == "" || !strings.HasPrefix(start, s.auctionDate) {
		return false
	}
	delete(period, "startDate")
	return true
}

// RemoveAuctionOptions drops auctionOptions from records that are still open.
type RemoveAuctionOptions struct{}

var finalStatuses = []string{"complete", "unsuccessful", "cancelled"}

func (s *RemoveAuctionOptions) Name() string { return "remove_auction_options" }

func (s *RemoveAuctionOptions) Describe() string {
	return "Remove auctionOptions from records not in a final status"
}

func (s *RemoveAuctionOptions) DeclareOptions(fs *pflag.FlagSet) {}

func (s *RemoveAuctionOptions) ValidateOptions() error { return nil }

func (s *RemoveAuctionOptions) Apply(ctx context.Context, eng Engine, rec *record.Record, doc record.Doc) error {
	if slices.Contains(finalStatuses, rec.Status) {
		return nil
	}
	if !present(doc["auctionOptions"]) {
		return nil
	}
	new := record.Clone(doc)
	delete(new, "auctionOptions")
	return saveAndVerify(ctx, eng, rec, doc, new)
}

// RemoveAuctionPeriod drops auctionPeriod from belowThresholdRFP records and
// their lots.
type RemoveAuctionPeriod struct{}

func (s *RemoveAuctionPeriod) Name() string { return "remove_auction_period" }

func (s *RemoveAuctionPeriod) Describe() string {
	return "Remove auctionPeriod from belowThresholdRFP records"
}

func (s *RemoveAuctionPeriod) DeclareOptions(fs *pflag.FlagSet) {}

func (s *RemoveAuctionPeriod) ValidateOptions() error { return nil }

func (s *RemoveAuctionPeriod) Apply(ctx context.Context, eng Engine, rec *record.Record, doc record.Doc) error {
	if rec.Method != "belowThresholdRFP" {
		return nil
	}
	new := record.Clone(doc)
	changed := false
	if lots, ok := new["lots"].([]any); ok {
		for _, l := range lots {
			if lot, ok := l.(record.Doc); ok && present(lot["auctionPeriod"]) {
				delete(lot, "auctionPeriod")
				changed = true
			}
		}
	}
	if present(new["auctionPeriod"]) {
		delete(new, "auctionPeriod")
		changed = true
	}
	if !changed {
		return nil
	}
	return saveAndVerify(ctx, eng, rec, doc, new)
}

// present reports whether v holds a non-empty value. Empty objects,
// lists and strings, false, zero and null count as absent.
func present(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case []any:
		return len(x) > 0
	case record.Doc:
		return len(x) > 0
	}
	return true
}
