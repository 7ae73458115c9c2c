package revision

import (
	"encoding/json"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/withObsrvr/obsrvr-patchdb/internal/record"
)

// Preview renders a line-oriented textual diff of two documents. With color
// set, insertions and deletions are highlighted with ANSI escapes; otherwise
// they are wrapped in {+ +} and [- -] markers.
func Preview(old, new record.Doc, color bool) string {
	a, _ := json.MarshalIndent(withoutRevisions(old), "", "  ")
	b, _ := json.MarshalIndent(withoutRevisions(new), "", "  ")

	dmp := diffmatchpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(string(a), string(b))
	diffs := dmp.DiffMain(ca, cb, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)
	diffs = dmp.DiffCleanupSemantic(diffs)

	if color {
		return dmp.DiffPrettyText(diffs)
	}

	var sb strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			sb.WriteString("{+")
			sb.WriteString(d.Text)
			sb.WriteString("+}")
		case diffmatchpatch.DiffDelete:
			sb.WriteString("[-")
			sb.WriteString(d.Text)
			sb.WriteString("-]")
		}
	}
	return sb.String()
}
