// Package revision computes structural diffs between document versions and
// builds the audit entries stored alongside them.
package revision

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/withObsrvr/obsrvr-patchdb/internal/record"
)

// Diff returns the RFC 6902 operations that turn old into new.
// Object keys are visited in sorted order; array tails are removed from the
// highest index down so every path stays valid while replaying.
func Diff(old, new record.Doc) []record.Op {
	var ops []record.Op
	diffObject("", old, new, &ops)
	return ops
}

func diffValue(path string, a, b any, ops *[]record.Op) {
	if reflect.DeepEqual(a, b) {
		return
	}
	switch av := a.(type) {
	case map[string]any:
		if bv, ok := b.(map[string]any); ok {
			diffObject(path, av, bv, ops)
			return
		}
	case []any:
		if bv, ok := b.([]any); ok {
			diffArray(path, av, bv, ops)
			return
		}
	}
	*ops = append(*ops, record.Op{Op: "replace", Path: path, Value: b})
}

func diffObject(path string, a, b map[string]any, ops *[]record.Op) {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		p := path + "/" + escape(k)
		av, inA := a[k]
		bv, inB := b[k]
		switch {
		case inA && !inB:
			*ops = append(*ops, record.Op{Op: "remove", Path: p})
		case !inA && inB:
			*ops = append(*ops, record.Op{Op: "add", Path: p, Value: bv})
		default:
			diffValue(p, av, bv, ops)
		}
	}
}

func diffArray(path string, a, b []any, ops *[]record.Op) {
	common := min(len(a), len(b))
	for i := 0; i < common; i++ {
		diffValue(path+"/"+strconv.Itoa(i), a[i], b[i], ops)
	}
	for i := common; i < len(b); i++ {
		*ops = append(*ops, record.Op{Op: "add", Path: path + "/" + strconv.Itoa(i), Value: b[i]})
	}
	for i := len(a) - 1; i >= common; i-- {
		*ops = append(*ops, record.Op{Op: "remove", Path: path + "/" + strconv.Itoa(i)})
	}
}

func escape(key string) string {
	key = strings.ReplaceAll(key, "~", "~0")
	return strings.ReplaceAll(key, "/", "~1")
}

// Apply replays ops against doc and returns the resulting document.
// doc is not modified.
func Apply(doc record.Doc, ops []record.Op) (record.Doc, error) {
	if len(ops) == 0 {
		return record.Clone(doc), nil
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	patch, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	src, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	out, err := patch.Apply(src)
	if err != nil {
		return nil, fmt.Errorf("apply patch: %w", err)
	}
	var res record.Doc
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("decode patched document: %w", err)
	}
	return res, nil
}

// Compute diffs old against new and, when anything changed, returns the
// revision entry to append. It returns nil when the documents are equal.
// The revisions list itself is ignored so an appended entry never shows up
// in the next diff.
func Compute(old, new record.Doc, author, baseRev string, at time.Time) *record.Revision {
	a, b := withoutRevisions(old), withoutRevisions(new)
	changes := Diff(a, b)
	if len(changes) == 0 {
		return nil
	}
	return &record.Revision{
		Author:  author,
		Date:    record.FormatTime(at),
		Changes: changes,
		Revert:  Diff(b, a),
		Rev:     baseRev,
	}
}

func withoutRevisions(doc record.Doc) record.Doc {
	if _, ok := doc[record.FieldRevisions]; !ok {
		return doc
	}
	out := make(record.Doc, len(doc))
	for k, v := range doc {
		if k != record.FieldRevisions {
			out[k] = v
		}
	}
	return out
}
