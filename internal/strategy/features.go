package strategy

import (
	"context"

	"github.com/spf13/pflag"

	"github.com/withObsrvr/obsrvr-patchdb/internal/record"
)

// UpdateTSFeatures normalizes features of aboveThresholdTS records.
type UpdateTSFeatures struct{}

func (s *UpdateTSFeatures) Name() string { return "update_ts_features" }

func (s *UpdateTSFeatures) Describe() string {
	return "Remove featureOf and relatedItem, default featureType to required in aboveThresholdTS"
}

func (s *UpdateTSFeatures) DeclareOptions(fs *pflag.FlagSet) {}

func (s *UpdateTSFeatures) ValidateOptions() error { return nil }

func (s *UpdateTSFeatures) Apply(ctx context.Context, eng Engine, rec *record.Record, doc record.Doc) error {
	if rec.Method != "aboveThresholdTS" {
		return nil
	}
	if features, _ := doc["features"].([]any); len(features) == 0 {
		return nil
	}

	new := record.Clone(doc)
	for _, f := range new["features"].([]any) {
		feature, ok := f.(record.Doc)
		if !ok {
			continue
		}
		delete(feature, "featureOf")
		delete(feature, "relatedItem")
		if _, ok := feature["featureType"]; !ok {
			feature["featureType"] = "required"
		}
	}
	return saveAndVerify(ctx, eng, rec, doc, new)
}
