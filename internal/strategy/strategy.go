// Package strategy defines the patch strategies a run can apply and the
// engine surface they use to persist results.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/spf13/pflag"

	"github.com/withObsrvr/obsrvr-patchdb/internal/record"
)

// Engine is what a strategy may do with the records it patches.
type Engine interface {
	// SaveRecord diffs old against new, appends a revision when they
	// differ and persists new when writes are enabled. It reports whether
	// the record was written.
	SaveRecord(ctx context.Context, rec *record.Record, old, new record.Doc) (bool, error)

	// CreateRecord stores doc as a brand new record with a fresh id and
	// display id, both assigned into doc. doc must not carry a revision.
	CreateRecord(ctx context.Context, doc record.Doc) (bool, error)

	// VerifyRecord checks that the read API serves expected for id.
	// With afterWrite set the check is skipped on dry runs.
	VerifyRecord(ctx context.Context, id, expected string, afterWrite bool) error

	// Now returns the run clock in the configured time zone.
	Now() time.Time

	// Logger returns the record-scoped logger.
	Logger() *slog.Logger
}

// Strategy is one patch.
type Strategy interface {
	Name() string
	Describe() string
	// DeclareOptions registers the strategy's own flags.
	DeclareOptions(fs *pflag.FlagSet)
	// ValidateOptions checks the parsed flags; it returns a *ConfigError.
	ValidateOptions() error
	// Apply patches one selected record. doc must not be modified; work on
	// a copy and hand both to Engine.SaveRecord.
	Apply(ctx context.Context, eng Engine, rec *record.Record, doc record.Doc) error
}

// ConfigError reports invalid strategy options.
type ConfigError struct {
	Strategy string
	Msg      string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Strategy, e.Msg)
}

func configErrorf(strategy, format string, args ...any) error {
	return &ConfigError{Strategy: strategy, Msg: fmt.Sprintf(format, args...)}
}

// Registry maps strategy names to constructors.
var Registry = map[string]func() Strategy{
	"remove_auction_date":    func() Strategy { return &RemoveAuctionDate{} },
	"clone_tender":           func() Strategy { return &CloneTender{} },
	"remove_auction_options": func() Strategy { return &RemoveAuctionOptions{} },
	"remove_auction_period":  func() Strategy { return &RemoveAuctionPeriod{} },
	"replace_documents_url":  func() Strategy { return &ReplaceDocumentsURL{} },
	"rollback_last_patch":    func() Strategy { return &RollbackLastPatch{} },
	"update_ts_features":     func() Strategy { return &UpdateTSFeatures{} },
}

// Aliases maps alternative command names to registry names.
var Aliases = map[string][]string{
	"remove_auction_date": {"cancel_auction"},
}

// Names returns the registered strategy names in sorted order.
func Names() []string {
	names := make([]string, 0, len(Registry))
	for name := range Registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup creates the named strategy.
func Lookup(name string) (Strategy, error) {
	if ctor, ok := Registry[name]; ok {
		return ctor(), nil
	}
	for canonical, aliases := range Aliases {
		for _, a := range aliases {
			if a == name {
				return Registry[canonical](), nil
			}
		}
	}
	return nil, fmt.Errorf("unknown strategy %q", name)
}

// saveAndVerify is the common tail of most strategies: persist, then check
// the read API still serves the record.
func saveAndVerify(ctx context.Context, eng Engine, rec *record.Record, old, new record.Doc) error {
	if _, err := eng.SaveRecord(ctx, rec, old, new); err != nil {
		return err
	}
	return eng.VerifyRecord(ctx, rec.ID, rec.DisplayID, false)
}
