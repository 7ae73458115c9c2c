// Package filter selects which records a run patches.
package filter

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/withObsrvr/obsrvr-patchdb/internal/record"
)

// Config lists the selection criteria. Empty fields do not filter, but
// documents that are not patchable records are never selected.
type Config struct {
	DocType    string
	After      string   // lowest display id, inclusive
	Before     string   // highest display id, inclusive
	DisplayIDs []string // display id allow-list
	IDs        []string // record id allow-list
	Except     []string // record or display ids to skip
	Statuses   []string
	Methods    []string
	Where      string // expression evaluated against the document
}

// Decision is the outcome of evaluating one record.
type Decision struct {
	Selected  bool
	Predicate string
	Reason    string
}

type predicate struct {
	name string
	test func(r *record.Record, doc record.Doc) (bool, string)
}

// Pipeline evaluates predicates in a fixed order and stops at the first
// rejection.
type Pipeline struct {
	docType    string
	predicates []predicate
}

// New compiles cfg into a pipeline.
func New(cfg Config) (*Pipeline, error) {
	p := &Pipeline{docType: cfg.DocType}

	p.add("type", func(r *record.Record, _ record.Doc) (bool, string) {
		if !record.Patchable(r.DocType) {
			return false, "doc_type " + r.DocType + " is not patchable"
		}
		return cfg.DocType == "" || r.DocType == cfg.DocType, "doc_type " + r.DocType
	})
	if cfg.After != "" || cfg.Before != "" {
		p.add("range", func(r *record.Record, _ record.Doc) (bool, string) {
			if cfg.After != "" && r.DisplayID < cfg.After {
				return false, r.DisplayID + " before " + cfg.After
			}
			if cfg.Before != "" && r.DisplayID > cfg.Before {
				return false, r.DisplayID + " after " + cfg.Before
			}
			return true, ""
		})
	}
	if len(cfg.DisplayIDs) > 0 {
		allowed := toSet(cfg.DisplayIDs)
		p.add("display_id", func(r *record.Record, _ record.Doc) (bool, string) {
			return allowed[r.DisplayID], r.DisplayID + " not listed"
		})
	}
	if len(cfg.IDs) > 0 {
		allowed := toSet(cfg.IDs)
		p.add("id", func(r *record.Record, _ record.Doc) (bool, string) {
			return allowed[r.ID], r.ID + " not listed"
		})
	}
	if len(cfg.Except) > 0 {
		excluded := toSet(cfg.Except)
		p.add("except", func(r *record.Record, _ record.Doc) (bool, string) {
			if excluded[r.ID] || excluded[r.DisplayID] {
				return false, "excluded"
			}
			return true, ""
		})
	}
	if len(cfg.Statuses) > 0 {
		allowed := toSet(cfg.Statuses)
		p.add("status", func(r *record.Record, _ record.Doc) (bool, string) {
			return allowed[r.Status], "status " + r.Status
		})
	}
	if len(cfg.Methods) > 0 {
		allowed := toSet(cfg.Methods)
		p.add("method", func(r *record.Record, _ record.Doc) (bool, string) {
			return allowed[r.Method], "method " + r.Method
		})
	}
	if cfg.Where != "" {
		prog, err := expr.Compile(cfg.Where, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("compile filter expression: %w", err)
		}
		p.add("where", func(_ *record.Record, doc record.Doc) (bool, string) {
			return evalBool(prog, doc)
		})
	}
	return p, nil
}

func (p *Pipeline) add(name string, test func(*record.Record, record.Doc) (bool, string)) {
	p.predicates = append(p.predicates, predicate{name: name, test: test})
}

// Evaluate runs the predicates against r.
func (p *Pipeline) Evaluate(r *record.Record, doc record.Doc) Decision {
	for _, pr := range p.predicates {
		if ok, reason := pr.test(r, doc); !ok {
			return Decision{Predicate: pr.name, Reason: reason}
		}
	}
	return Decision{Selected: true}
}

// MatchesType reports whether r passes the document type predicate alone.
func (p *Pipeline) MatchesType(r *record.Record) bool {
	return record.Patchable(r.DocType) && (p.docType == "" || r.DocType == p.docType)
}

// Len returns the number of active predicates.
func (p *Pipeline) Len() int {
	return len(p.predicates)
}

func evalBool(prog *vm.Program, doc record.Doc) (bool, string) {
	out, err := expr.Run(prog, map[string]any(doc))
	if err != nil {
		return false, "expression error: " + err.Error()
	}
	ok, _ := out.(bool)
	return ok, "expression false"
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
