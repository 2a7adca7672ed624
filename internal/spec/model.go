package spec

// Normalized API model shared by the orchestrator and the dependency catalog.

import "sort"

// Verb names are stored uppercase ("GET", "POST", ...).
var verbOrder = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS", "TRACE"}

// APIDefinition is the unified view over one or more parsed specification
// documents. Path keys are unique after normalization; iteration order is
// stable (insertion order for Normalize, left-to-right for Merge).
type APIDefinition struct {
	Title    string
	Version  string
	Servers  []string
	Warnings []Warning

	paths map[string]*APIPath
	order []string
}

// Warning records a document that was skipped rather than aborting the batch.
type Warning struct {
	Source string
	Reason string
}

// String renders the warning for operator-facing output.
func (w Warning) String() string {
	return w.Source + ": " + w.Reason
}

// NewAPIDefinition returns an empty definition.
func NewAPIDefinition() *APIDefinition {
	return &APIDefinition{paths: make(map[string]*APIPath)}
}

// Paths returns the definition's paths in stable order.
func (d *APIDefinition) Paths() []*APIPath {
	out := make([]*APIPath, 0, len(d.order))
	for _, p := range d.order {
		out = append(out, d.paths[p])
	}
	return out
}

// Path returns the APIPath for a normalized path key, or nil.
func (d *APIDefinition) Path(name string) *APIPath {
	return d.paths[name]
}

// Len reports the number of distinct normalized paths.
func (d *APIDefinition) Len() int { return len(d.order) }

// addPath inserts or returns the existing APIPath for key.
func (d *APIDefinition) addPath(key string) *APIPath {
	if p, ok := d.paths[key]; ok {
		return p
	}
	p := &APIPath{Path: key, verbs: make(map[string]*APIVerb)}
	d.paths[key] = p
	d.order = append(d.order, key)
	return p
}

// Merge unions the path maps of the given definitions into a new one. When
// two sides define the same normalized path their verb sets are unioned;
// the left-most verb wins a collision. Inputs are not modified.
func Merge(defs ...*APIDefinition) *APIDefinition {
	out := NewAPIDefinition()
	for _, d := range defs {
		if d == nil {
			continue
		}
		if out.Title == "" {
			out.Title = d.Title
		}
		if out.Version == "" {
			out.Version = d.Version
		}
		out.Servers = append(out.Servers, d.Servers...)
		out.Warnings = append(out.Warnings, d.Warnings...)
		for _, p := range d.Paths() {
			dst := out.addPath(p.Path)
			for _, v := range p.Verbs() {
				if dst.Verb(v.Method) != nil {
					continue
				}
				dst.addVerb(v.clone())
			}
		}
	}
	return out
}

// APIPath groups the verbs defined for one normalized path.
type APIPath struct {
	Path string

	verbs map[string]*APIVerb
	order []string
}

// Verbs returns the path's verbs in canonical method order, with any
// non-standard methods appended alphabetically.
func (p *APIPath) Verbs() []*APIVerb {
	ranked := make([]string, 0, len(p.order))
	seen := make(map[string]bool, len(p.order))
	for _, m := range verbOrder {
		if _, ok := p.verbs[m]; ok {
			ranked = append(ranked, m)
			seen[m] = true
		}
	}
	rest := make([]string, 0)
	for _, m := range p.order {
		if !seen[m] {
			rest = append(rest, m)
		}
	}
	sort.Strings(rest)
	ranked = append(ranked, rest...)

	out := make([]*APIVerb, 0, len(ranked))
	for _, m := range ranked {
		out = append(out, p.verbs[m])
	}
	return out
}

// Verb returns the APIVerb for an uppercase method name, or nil.
func (p *APIPath) Verb(method string) *APIVerb {
	return p.verbs[method]
}

func (p *APIPath) addVerb(v *APIVerb) {
	if _, ok := p.verbs[v.Method]; ok {
		return
	}
	p.verbs[v.Method] = v
	p.order = append(p.order, v.Method)
}

// APIVerb holds one operation's schema fragment in a serialization-safe
// form. Fragment is a deep copy of the source document's operation subtree;
// mutating the source document after Normalize cannot corrupt it.
type APIVerb struct {
	Method   string
	Path     string // normalized path this verb belongs to
	RawPath  string // path as written in the source document
	Fragment map[string]any
}

func (v *APIVerb) clone() *APIVerb {
	return &APIVerb{
		Method:   v.Method,
		Path:     v.Path,
		RawPath:  v.RawPath,
		Fragment: deepCopyMap(v.Fragment),
	}
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}
