package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-patchdb/internal/record"
	"github.com/withObsrvr/obsrvr-patchdb/internal/revision"
)

type saveCall struct {
	old, new record.Doc
}

// fakeEngine records what strategies ask for.
type fakeEngine struct {
	now      time.Time
	write    bool
	saves    []saveCall
	created  []record.Doc
	verified []string
	nextID   int
}

func (e *fakeEngine) SaveRecord(ctx context.Context, rec *record.Record, old, new record.Doc) (bool, error) {
	if len(revision.Diff(old, new)) == 0 {
		return false, nil
	}
	e.saves = append(e.saves, saveCall{old: old, new: new})
	return e.write, nil
}

func (e *fakeEngine) CreateRecord(ctx context.Context, doc record.Doc) (bool, error) {
	delete(doc, record.FieldRev)
	e.nextID++
	doc[record.FieldID] = fmt.Sprintf("new%d", e.nextID)
	doc["tenderID"] = fmt.Sprintf("UA-2021-01-05-%06d", 100+e.nextID)
	e.created = append(e.created, doc)
	return e.write, nil
}

func (e *fakeEngine) VerifyRecord(ctx context.Context, id, expected string, afterWrite bool) error {
	if afterWrite && !e.write {
		return nil
	}
	e.verified = append(e.verified, id+":"+expected)
	return nil
}

func (e *fakeEngine) Now() time.Time       { return e.now }
func (e *fakeEngine) Logger() *slog.Logger { return slog.Default() }

func newEngine(write bool) *fakeEngine {
	return &fakeEngine{now: time.Date(2021, 1, 10, 9, 0, 0, 0, time.UTC), write: write}
}

func configure(t *testing.T, s Strategy, args ...string) error {
	t.Helper()
	fs := pflag.NewFlagSet(s.Name(), pflag.ContinueOnError)
	s.DeclareOptions(fs)
	require.NoError(t, fs.Parse(args))
	return s.ValidateOptions()
}

func auctionTender() record.Doc {
	return record.Doc{
		"_id":      "a1",
		"_rev":     "1-x",
		"doc_type": "Tender",
		"tenderID": "UA-2021-01-05-000010",
		"status":   "active.tendering",
		"auctionPeriod": record.Doc{
			"startDate": "2021-01-10T10:00:00+02:00",
		},
	}
}

func TestRegistry(t *testing.T) {
	names := Names()
	assert.Len(t, names, 7)
	for _, n := range names {
		s, err := Lookup(n)
		require.NoError(t, err)
		assert.Equal(t, n, s.Name())
		assert.NotEmpty(t, s.Describe())
	}

	s, err := Lookup("cancel_auction")
	require.NoError(t, err)
	assert.Equal(t, "remove_auction_date", s.Name())

	_, err = Lookup("drop_db")
	assert.Error(t, err)
}

func TestRemoveAuctionDateOptions(t *testing.T) {
	err := configure(t, &RemoveAuctionDate{}, "--auction-date", "2021-01")
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)

	assert.NoError(t, configure(t, &RemoveAuctionDate{}, "--auction-date", "2021-01-10"))
}

func TestRemoveAuctionDate(t *testing.T) {
	s := &RemoveAuctionDate{}
	require.NoError(t, configure(t, s, "--auction-date", "2021-01-10"))

	doc := auctionTender()
	eng := newEngine(true)
	require.NoError(t, s.Apply(context.Background(), eng, record.View(doc), doc))

	require.Len(t, eng.saves, 1)
	saved := eng.saves[0].new
	assert.NotContains(t, saved["auctionPeriod"], "startDate")
	assert.Equal(t, "2021-01-10T09:10:00.000000+00:00", saved["next_check"])
	assert.Contains(t, doc["auctionPeriod"], "startDate", "input document must not change")
	assert.Equal(t, []string{"a1:UA-2021-01-05-000010"}, eng.verified)
}

func TestRemoveAuctionDateLotsAndSkips(t *testing.T) {
	s := &RemoveAuctionDate{}
	require.NoError(t, configure(t, s, "--auction-date", "2021-01-10"))

	doc := auctionTender()
	doc["lots"] = []any{
		record.Doc{"id": "l1", "auctionPeriod": record.Doc{"startDate": "2021-01-10T11:00:00+02:00"}},
		record.Doc{"id": "l2", "auctionPeriod": record.Doc{"startDate": "2021-01-11T11:00:00+02:00"}},
	}
	eng := newEngine(false)
	require.NoError(t, s.Apply(context.Background(), eng, record.View(doc), doc))
	require.Len(t, eng.saves, 1)
	lots := eng.saves[0].new["lots"].([]any)
	assert.NotContains(t, lots[0].(record.Doc)["auctionPeriod"], "startDate")
	assert.Contains(t, lots[1].(record.Doc)["auctionPeriod"], "startDate")
	// top level is untouched when lots exist
	assert.Contains(t, eng.saves[0].new["auctionPeriod"], "startDate")
	assert.Empty(t, eng.verified, "dry run is not verified")

	other := auctionTender()
	other["status"] = "complete"
	eng = newEngine(true)
	require.NoError(t, s.Apply(context.Background(), eng, record.View(other), other))
	assert.Empty(t, eng.saves)

	otherDay := auctionTender()
	otherDay["auctionPeriod"] = record.Doc{"startDate": "2021-01-12T10:00:00+02:00"}
	require.NoError(t, s.Apply(context.Background(), eng, record.View(otherDay), otherDay))
	assert.Empty(t, eng.saves)
}

func TestRemoveAuctionOptions(t *testing.T) {
	s := &RemoveAuctionOptions{}
	doc := auctionTender()
	doc["auctionOptions"] = record.Doc{"type": "english"}

	eng := newEngine(true)
	require.NoError(t, s.Apply(context.Background(), eng, record.View(doc), doc))
	require.Len(t, eng.saves, 1)
	assert.NotContains(t, eng.saves[0].new, "auctionOptions")

	doc["status"] = "cancelled"
	eng = newEngine(true)
	require.NoError(t, s.Apply(context.Background(), eng, record.View(doc), doc))
	assert.Empty(t, eng.saves)

	for _, empty := range []any{record.Doc{}, "", nil, []any{}} {
		doc := auctionTender()
		doc["auctionOptions"] = empty
		eng := newEngine(true)
		require.NoError(t, s.Apply(context.Background(), eng, record.View(doc), doc))
		assert.Empty(t, eng.saves, "%#v", empty)
	}
}

func TestRemoveAuctionPeriod(t *testing.T) {
	s := &RemoveAuctionPeriod{}
	doc := auctionTender()
	doc["procurementMethodType"] = "belowThresholdRFP"
	doc["lots"] = []any{
		record.Doc{"id": "l1", "auctionPeriod": record.Doc{"shouldStartAfter": "2021-01-09"}},
		record.Doc{"id": "l2", "auctionPeriod": record.Doc{}},
	}

	eng := newEngine(true)
	require.NoError(t, s.Apply(context.Background(), eng, record.View(doc), doc))
	require.Len(t, eng.saves, 1)
	assert.NotContains(t, eng.saves[0].new, "auctionPeriod")
	lots := eng.saves[0].new["lots"].([]any)
	assert.NotContains(t, lots[0], "auctionPeriod")
	assert.Equal(t, record.Doc{}, lots[1].(record.Doc)["auctionPeriod"], "empty values are left alone")

	empty := auctionTender()
	empty["procurementMethodType"] = "belowThresholdRFP"
	empty["auctionPeriod"] = record.Doc{}
	empty["lots"] = []any{record.Doc{"id": "l1", "auctionPeriod": record.Doc{}}}
	eng = newEngine(true)
	require.NoError(t, s.Apply(context.Background(), eng, record.View(empty), empty))
	assert.Empty(t, eng.saves)

	doc["procurementMethodType"] = "belowThreshold"
	eng = newEngine(true)
	require.NoError(t, s.Apply(context.Background(), eng, record.View(doc), doc))
	assert.Empty(t, eng.saves)
}

func TestCloneTender(t *testing.T) {
	s := &CloneTender{}
	assert.Error(t, configure(t, s, "--clone-count", "11"))
	assert.Error(t, configure(t, &CloneTender{}, "--clone-count", "0"))
	require.NoError(t, configure(t, s, "--clone-count", "2"))

	doc := auctionTender()
	eng := newEngine(true)
	require.NoError(t, s.Apply(context.Background(), eng, record.View(doc), doc))

	require.Len(t, eng.created, 2)
	assert.NotEqual(t, eng.created[0]["_id"], eng.created[1]["_id"])
	assert.NotEqual(t, eng.created[0]["tenderID"], eng.created[1]["tenderID"])
	assert.Equal(t, "a1", doc["_id"])
	assert.Equal(t, "1-x", doc["_rev"])
	assert.Equal(t, []string{
		"new1:UA-2021-01-05-000101",
		"new2:UA-2021-01-05-000102",
		"a1:UA-2021-01-05-000010",
	}, eng.verified)
}

func TestReplaceDocumentsURL(t *testing.T) {
	assert.Error(t, configure(t, &ReplaceDocumentsURL{}))
	assert.Error(t, configure(t, &ReplaceDocumentsURL{}, "--doc-url-search", "("))

	s := &ReplaceDocumentsURL{}
	require.NoError(t, configure(t, s,
		"--doc-url-search", `^https://old\.example/(.*)$`,
		"--doc-url-replace", `https://docs.example/${1}`,
		"--auction-url-search", `auction\.old`,
		"--auction-url-replace", "auction.new",
	))

	doc := auctionTender()
	doc["documents"] = []any{
		record.Doc{"id": "d1", "title": "a", "format": "pdf", "url": "https://old.example/d1"},
		record.Doc{"id": "d2", "title": "b", "url": "https://old.example/d2"},
	}
	doc["lots"] = []any{record.Doc{
		"id": "l1", "title": "lot", "value": record.Doc{}, "auctionUrl": "https://auction.old/l1",
		"documents": []any{record.Doc{"id": "d3", "title": "c", "format": "pdf", "url": "https://old.example/d3"}},
	}}

	eng := newEngine(true)
	require.NoError(t, s.Apply(context.Background(), eng, record.View(doc), doc))
	require.Len(t, eng.saves, 1)
	new := eng.saves[0].new

	docs := new["documents"].([]any)
	assert.Equal(t, "https://docs.example/d1", docs[0].(record.Doc)["url"])
	assert.Equal(t, "https://old.example/d2", docs[1].(record.Doc)["url"], "incomplete document is left alone")
	lot := new["lots"].([]any)[0].(record.Doc)
	assert.Equal(t, "https://auction.new/l1", lot["auctionUrl"])
	assert.Equal(t, "https://docs.example/d3", lot["documents"].([]any)[0].(record.Doc)["url"])
}

func TestRollbackLastPatch(t *testing.T) {
	assert.Error(t, configure(t, &RollbackLastPatch{}))

	s := &RollbackLastPatch{}
	require.NoError(t, configure(t, s, "--patch-label", "remove_auction_date", "--date-after", "2021-01-01"))

	old := auctionTender()
	patched := record.Clone(old)
	delete(patched["auctionPeriod"].(record.Doc), "startDate")
	rev := revision.Compute(old, patched, "patchdb/remove_auction_date", "1-x", time.Date(2021, 1, 10, 9, 0, 0, 0, time.UTC))
	require.NotNil(t, rev)
	require.NoError(t, record.AppendRevision(patched, rev))

	eng := newEngine(true)
	require.NoError(t, s.Apply(context.Background(), eng, record.View(patched), patched))
	require.Len(t, eng.saves, 1)
	assert.Equal(t, "2021-01-10T10:00:00+02:00", eng.saves[0].new["auctionPeriod"].(record.Doc)["startDate"])

	other := &RollbackLastPatch{}
	require.NoError(t, configure(t, other, "--patch-label", "clone_tender"))
	eng = newEngine(true)
	require.NoError(t, other.Apply(context.Background(), eng, record.View(patched), patched))
	assert.Empty(t, eng.saves)

	late := &RollbackLastPatch{}
	require.NoError(t, configure(t, late, "--patch-label", "remove_auction_date", "--date-before", "2021-01-09"))
	eng = newEngine(true)
	require.NoError(t, late.Apply(context.Background(), eng, record.View(patched), patched))
	assert.Empty(t, eng.saves)
}

func TestRollbackWithoutRevert(t *testing.T) {
	s := &RollbackLastPatch{}
	require.NoError(t, configure(t, s, "--patch-label", "legacy"))

	doc := auctionTender()
	doc["revisions"] = []any{record.Doc{"author": "patchdb/legacy", "date": "2020-01-01", "changes": []any{}}}
	err := s.Apply(context.Background(), newEngine(true), record.View(doc), doc)
	assert.ErrorIs(t, err, ErrNoRevert)
}

func TestUpdateTSFeatures(t *testing.T) {
	s := &UpdateTSFeatures{}
	doc := auctionTender()
	doc["procurementMethodType"] = "aboveThresholdTS"
	doc["features"] = []any{
		record.Doc{"code": "f1", "featureOf": "tenderer", "relatedItem": "x"},
		record.Doc{"code": "f2", "featureType": "optional"},
	}

	eng := newEngine(true)
	require.NoError(t, s.Apply(context.Background(), eng, record.View(doc), doc))
	require.Len(t, eng.saves, 1)
	features := eng.saves[0].new["features"].([]any)
	assert.Equal(t, record.Doc{"code": "f1", "featureType": "required"}, features[0])
	assert.Equal(t, record.Doc{"code": "f2", "featureType": "optional"}, features[1])

	doc["procurementMethodType"] = "aboveThresholdUA"
	eng = newEngine(true)
	require.NoError(t, s.Apply(context.Background(), eng, record.View(doc), doc))
	assert.Empty(t, eng.saves)
}
