package record

import "encoding/json"

// Op is a single RFC 6902 patch operation.
type Op struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// MarshalJSON keeps an explicit null value on add/replace operations.
func (o Op) MarshalJSON() ([]byte, error) {
	if o.Op == "remove" {
		return json.Marshal(struct {
			Op   string `json:"op"`
			Path string `json:"path"`
		}{o.Op, o.Path})
	}
	return json.Marshal(struct {
		Op    string `json:"op"`
		Path  string `json:"path"`
		Value any    `json:"value"`
	}{o.Op, o.Path, o.Value})
}

// Revision is one audit entry appended to a document's revisions list.
// Changes replays the previous state into the new one, Revert the reverse.
type Revision struct {
	Author  string `json:"author"`
	Date    string `json:"date"`
	Changes []Op   `json:"changes"`
	Revert  []Op   `json:"revert,omitempty"`
	Rev     string `json:"rev,omitempty"`
}

// ToDoc converts the revision to its stored JSON form.
func (r *Revision) ToDoc() (Doc, error) {
	return Normalize(r)
}

// Revisions decodes the revisions list of doc.
func Revisions(doc Doc) ([]Revision, error) {
	raw, ok := doc[FieldRevisions]
	if !ok || raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var out []Revision
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AppendRevision appends rev to doc's revisions list.
func AppendRevision(doc Doc, rev *Revision) error {
	entry, err := rev.ToDoc()
	if err != nil {
		return err
	}
	revs, _ := doc[FieldRevisions].([]any)
	doc[FieldRevisions] = append(revs, any(entry))
	return nil
}
