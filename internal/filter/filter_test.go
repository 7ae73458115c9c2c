package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-patchdb/internal/record"
)

func tender(id, displayID, status, method string) (*record.Record, record.Doc) {
	doc := record.Doc{
		"_id":                   id,
		"doc_type":              "Tender",
		"tenderID":              displayID,
		"status":                status,
		"procurementMethodType": method,
		"lots":                  []any{record.Doc{"id": "l1"}},
	}
	return record.View(doc), doc
}

func TestEmptyPipelineSelectsEverything(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)
	r, doc := tender("a", "UA-2021-01-05-000001", "active", "belowThreshold")
	assert.True(t, p.Evaluate(r, doc).Selected)
	assert.Equal(t, 1, p.Len())
}

func TestCountersAreNeverSelected(t *testing.T) {
	counter := record.Doc{"_id": "counter_2021-01-05", "doc_type": "Counter", "dateKey": "2021-01-05", "sequence": float64(2)}
	r := record.View(counter)

	for _, docType := range []string{"", "Counter"} {
		p, err := New(Config{DocType: docType})
		require.NoError(t, err)
		d := p.Evaluate(r, counter)
		assert.False(t, d.Selected, docType)
		assert.Equal(t, "type", d.Predicate)
		assert.False(t, p.MatchesType(r))
	}
}

func TestPredicates(t *testing.T) {
	r, doc := tender("a1", "UA-2021-01-05-000010", "active.tendering", "belowThreshold")

	cases := []struct {
		name      string
		cfg       Config
		selected  bool
		predicate string
	}{
		{"type match", Config{DocType: "Tender"}, true, ""},
		{"type mismatch", Config{DocType: "Plan"}, false, "type"},
		{"after is inclusive", Config{After: "UA-2021-01-05-000010"}, true, ""},
		{"after", Config{After: "UA-2021-01-05-000011"}, false, "range"},
		{"before is inclusive", Config{Before: "UA-2021-01-05-000010"}, true, ""},
		{"before", Config{Before: "UA-2021-01-05-000009"}, false, "range"},
		{"date prefix bounds", Config{After: "UA-2021-01-05", Before: "UA-2021-01-06"}, true, ""},
		{"display id listed", Config{DisplayIDs: []string{"UA-2021-01-05-000010"}}, true, ""},
		{"display id unlisted", Config{DisplayIDs: []string{"UA-2021-01-05-000011"}}, false, "display_id"},
		{"id unlisted", Config{IDs: []string{"b2"}}, false, "id"},
		{"except id", Config{Except: []string{"a1"}}, false, "except"},
		{"except display id", Config{Except: []string{"UA-2021-01-05-000010"}}, false, "except"},
		{"status", Config{Statuses: []string{"active.auction", "active.tendering"}}, true, ""},
		{"status mismatch", Config{Statuses: []string{"complete"}}, false, "status"},
		{"method mismatch", Config{Methods: []string{"aboveThresholdTS"}}, false, "method"},
		{"where true", Config{Where: `len(lots) == 1 && status startsWith "active"`}, true, ""},
		{"where false", Config{Where: `status == "complete"`}, false, "where"},
		{"where undefined field", Config{Where: `missing == nil`}, true, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(tc.cfg)
			require.NoError(t, err)
			d := p.Evaluate(r, doc)
			assert.Equal(t, tc.selected, d.Selected)
			assert.Equal(t, tc.predicate, d.Predicate)
		})
	}
}

func TestFirstRejectingPredicateWins(t *testing.T) {
	r, doc := tender("a1", "UA-2021-01-05-000010", "complete", "belowThreshold")
	p, err := New(Config{
		DocType:  "Tender",
		IDs:      []string{"zz"},
		Statuses: []string{"active"},
	})
	require.NoError(t, err)
	assert.Equal(t, "id", p.Evaluate(r, doc).Predicate)
}

func TestMatchesType(t *testing.T) {
	r, _ := tender("a1", "", "active", "")
	p, err := New(Config{DocType: "Tender", Statuses: []string{"x"}})
	require.NoError(t, err)
	assert.True(t, p.MatchesType(r))

	p, err = New(Config{DocType: "Plan"})
	require.NoError(t, err)
	assert.False(t, p.MatchesType(r))
}

func TestBadExpression(t *testing.T) {
	_, err := New(Config{Where: "status =="})
	assert.Error(t, err)
}
