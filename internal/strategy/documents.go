package strategy

import (
	"context"
	"regexp"

	"github.com/spf13/pflag"

	"github.com/withObsrvr/obsrvr-patchdb/internal/record"
)

var (
	documentFields = []string{"id", "title", "format", "url"}
	auctionFields  = []string{"id", "title", "value", "auctionUrl"}
)

// ReplaceDocumentsURL rewrites document and auction URLs anywhere in a
// record. Replacements use Go regexp expansion syntax (${1}).
type ReplaceDocumentsURL struct {
	docSearch, docReplace         string
	auctionSearch, auctionReplace string

	docRe, auctionRe *regexp.Regexp
}

func (s *ReplaceDocumentsURL) Name() string { return "replace_documents_url" }

func (s *ReplaceDocumentsURL) Describe() string {
	return "Replace domain in document or auction URLs"
}

func (s *ReplaceDocumentsURL) DeclareOptions(fs *pflag.FlagSet) {
	fs.StringVar(&s.docSearch, "doc-url-search", "", "document URL to search (regexp)")
	fs.StringVar(&s.docReplace, "doc-url-replace", "", "document URL replacement")
	fs.StringVar(&s.auctionSearch, "auction-url-search", "", "auction URL to search (regexp)")
	fs.StringVar(&s.auctionReplace, "auction-url-replace", "", "auction URL replacement")
}

func (s *ReplaceDocumentsURL) ValidateOptions() error {
	if s.docSearch == "" && s.auctionSearch == "" {
		return configErrorf(s.Name(), "nothing to search, set --doc-url-search or --auction-url-search")
	}
	var err error
	if s.docSearch != "" {
		if s.docRe, err = regexp.Compile(s.docSearch); err != nil {
			return configErrorf(s.Name(), "bad --doc-url-search: %v", err)
		}
	}
	if s.auctionSearch != "" {
		if s.auctionRe, err = regexp.Compile(s.auctionSearch); err != nil {
			return configErrorf(s.Name(), "bad --auction-url-search: %v", err)
		}
	}
	return nil
}

func (s *ReplaceDocumentsURL) Apply(ctx context.Context, eng Engine, rec *record.Record, doc record.Doc) error {
	new := record.Clone(doc)
	s.walk(new)
	return saveAndVerify(ctx, eng, rec, doc, new)
}

func (s *ReplaceDocumentsURL) walk(node any) {
	switch v := node.(type) {
	case map[string]any:
		if hasKeys(v, documentFields) {
			replaceField(v, "url", s.docRe, s.docReplace)
		}
		if hasKeys(v, auctionFields) {
			replaceField(v, "auctionUrl", s.auctionRe, s.auctionReplace)
		}
		for _, child := range v {
			s.walk(child)
		}
	case []any:
		for _, child := range v {
			s.walk(child)
		}
	}
}

func hasKeys(obj map[string]any, keys []string) bool {
	for _, k := range keys {
		if _, ok := obj[k]; !ok {
			return false
		}
	}
	return true
}

func replaceField(obj map[string]any, field string, re *regexp.Regexp, repl string) {
	if re == nil {
		return
	}
	v, ok := obj[field].(string)
	if !ok || !re.MatchString(v) {
		return
	}
	obj[field] = re.ReplaceAllString(v, repl)
}
