// Package record holds the document model shared by the store, the filters
// and the patch strategies.
package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// Doc is a JSON document as stored: objects are map[string]any, arrays []any
// and numbers float64.
type Doc = map[string]any

// Reserved document fields.
const (
	FieldID           = "_id"
	FieldRev          = "_rev"
	FieldDocType      = "doc_type"
	FieldStatus       = "status"
	FieldMethod       = "procurementMethodType"
	FieldDateModified = "dateModified"
	FieldRevisions    = "revisions"
)

// Document types understood by the filters.
const (
	TypeTender   = "Tender"
	TypePlan     = "Plan"
	TypeContract = "Contract"
	TypeAuction  = "Auction"
	TypeCounter  = "Counter"
)

// displayFields maps a document type to the field holding its human-facing id.
var displayFields = map[string]string{
	TypeTender:   "tenderID",
	TypePlan:     "planID",
	TypeContract: "contractID",
	TypeAuction:  "auctionID",
}

// DisplayField returns the display identifier field for docType.
func DisplayField(docType string) string {
	if f, ok := displayFields[docType]; ok {
		return f
	}
	return "tenderID"
}

// Patchable reports whether documents of docType are records a run may
// select. Counter documents and unknown types are bookkeeping, not records.
func Patchable(docType string) bool {
	if docType == "" {
		return true
	}
	_, ok := displayFields[docType]
	return ok
}

// Record is a read-only view over the bookkeeping fields of a Doc.
type Record struct {
	ID           string
	Rev          string
	DocType      string
	DisplayID    string
	Status       string
	Method       string
	DateModified string
	Revisions    int
}

// View extracts the typed bookkeeping fields of doc.
func View(doc Doc) *Record {
	r := &Record{
		ID:           String(doc, FieldID),
		Rev:          String(doc, FieldRev),
		DocType:      String(doc, FieldDocType),
		Status:       String(doc, FieldStatus),
		Method:       String(doc, FieldMethod),
		DateModified: String(doc, FieldDateModified),
	}
	if r.ID == "" {
		r.ID = String(doc, "id")
	}
	r.DisplayID = String(doc, DisplayField(r.DocType))

	switch r.DocType {
	case TypePlan:
		r.Status = "plan"
		if tender, ok := doc["tender"].(Doc); ok {
			r.Method = String(tender, FieldMethod)
		}
	case TypeContract:
		r.Method = "contract"
	}

	if revs, ok := doc[FieldRevisions].([]any); ok {
		r.Revisions = len(revs)
	}
	return r
}

// String returns doc[key] when it is a string.
func String(doc Doc, key string) string {
	s, _ := doc[key].(string)
	return s
}

// Clone returns a deep copy of doc.
func Clone(doc Doc) Doc {
	if doc == nil {
		return nil
	}
	return cloneValue(doc).(Doc)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// Normalize converts any JSON-encodable value into a Doc by a JSON round trip,
// so numbers and nested containers have their canonical decoded types.
func Normalize(v any) (Doc, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var doc Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("document is not a JSON object")
	}
	return doc, nil
}

// TimeLayout is the layout used for dateModified and revision dates.
const TimeLayout = "2006-01-02T15:04:05.000000-07:00"

// FormatTime renders t with TimeLayout.
func FormatTime(t time.Time) string {
	return t.Format(TimeLayout)
}

// ParseTime parses a timestamp written by FormatTime or any RFC 3339 value.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
