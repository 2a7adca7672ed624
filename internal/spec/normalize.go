package spec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"gopkg.in/yaml.v3"
)

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithPrefixes adds path prefixes to strip during normalization, in addition
// to the default "/api".
func WithPrefixes(prefixes []string) Option {
	return func(n *Normalizer) {
		for _, p := range prefixes {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			n.prefixes = append(n.prefixes, p)
		}
	}
}

// WithHTTPTimeout bounds each document fetch when inputs are URLs.
func WithHTTPTimeout(d time.Duration) Option {
	return func(n *Normalizer) { n.httpTimeout = d }
}

// WithLogger sets the structured logger used for per-document warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Normalizer) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// Normalizer parses heterogeneous specification documents into a single
// APIDefinition. It accepts both the Swagger 2.0 "flat definitions" dialect
// and the OpenAPI 3.x "grouped components" dialect and produces identical
// path/verb shapes for either.
type Normalizer struct {
	prefixes    []string
	httpTimeout time.Duration
	logger      *slog.Logger
}

// NewNormalizer returns a Normalizer with the default prefix list ("/api").
func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{
		prefixes:    []string{"/api"},
		httpTimeout: 10 * time.Second,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize loads every input document and merges them into one definition.
// A document that fails to parse is skipped with a recorded warning; the
// batch only fails (with a ParseError) when no input yields a definition.
func (n *Normalizer) Normalize(ctx context.Context, inputs []string) (*APIDefinition, error) {
	if len(inputs) == 0 {
		return nil, &ParseError{Code: InputError, Message: "spec: no input documents"}
	}

	defs := make([]*APIDefinition, 0, len(inputs))
	var warnings []Warning
	var lastErr error
	for _, input := range inputs {
		doc, err := loadDocument(ctx, input, n.httpTimeout)
		if err != nil {
			n.logger.Warn("skipping document", "input", input, "error", err)
			warnings = append(warnings, Warning{Source: input, Reason: err.Error()})
			lastErr = err
			continue
		}
		def, err := n.build(doc)
		if err != nil {
			n.logger.Warn("skipping document", "input", input, "error", err)
			warnings = append(warnings, Warning{Source: input, Reason: err.Error()})
			lastErr = err
			continue
		}
		defs = append(defs, def)
	}

	if len(defs) == 0 {
		if pe, ok := lastErr.(*ParseError); ok {
			return nil, pe
		}
		return nil, &ParseError{Code: SyntaxError, Message: "spec: no document parsed under any supported dialect", Cause: lastErr}
	}

	merged := Merge(defs...)
	merged.Warnings = append(merged.Warnings, warnings...)
	return merged, nil
}

// build converts one v3 document into an APIDefinition with normalized,
// deep-copied path/verb entries.
func (n *Normalizer) build(doc *openapi3.T) (*APIDefinition, error) {
	if doc == nil {
		return nil, fmt.Errorf("nil document")
	}

	def := NewAPIDefinition()
	if doc.Info != nil {
		def.Title = doc.Info.Title
		def.Version = doc.Info.Version
	}
	for _, s := range doc.Servers {
		if s != nil && strings.TrimSpace(s.URL) != "" {
			def.Servers = append(def.Servers, s.URL)
		}
	}

	if doc.Paths == nil {
		return def, nil
	}

	// Sort raw paths so insertion order is stable across runs.
	rawPaths := make([]string, 0, len(doc.Paths))
	for p := range doc.Paths {
		rawPaths = append(rawPaths, p)
	}
	sort.Strings(rawPaths)

	for _, rawPath := range rawPaths {
		item := doc.Paths[rawPath]
		if item == nil {
			continue
		}
		normalized := n.NormalizePath(rawPath)
		apiPath := def.addPath(normalized)

		ops := []struct {
			method string
			op     *openapi3.Operation
		}{
			{"GET", item.Get},
			{"POST", item.Post},
			{"PUT", item.Put},
			{"PATCH", item.Patch},
			{"DELETE", item.Delete},
			{"HEAD", item.Head},
			{"OPTIONS", item.Options},
			{"TRACE", item.Trace},
		}
		for _, pair := range ops {
			if pair.op == nil {
				continue
			}
			fragment, err := operationFragment(pair.op)
			if err != nil {
				return nil, fmt.Errorf("extract %s %s: %w", pair.method, rawPath, err)
			}
			apiPath.addVerb(&APIVerb{
				Method:   pair.method,
				Path:     normalized,
				RawPath:  rawPath,
				Fragment: fragment,
			})
		}
	}
	return def, nil
}

var versionSegmentRe = regexp.MustCompile(`^v\d+$`)

// NormalizePath strips the configured prefixes and a leading version segment
// so the same logical endpoint merges across documents. The rule is
// deterministic: longest matching prefix first (segment-boundary matches
// only), then one version segment ("/v1", "/v2", ...) if present.
func (n *Normalizer) NormalizePath(path string) string {
	normalized := formatPath(path)
	if normalized == "" {
		return path
	}

	prefixes := make([]string, 0, len(n.prefixes))
	for _, p := range n.prefixes {
		if fp := formatPath(p); fp != "" {
			prefixes = append(prefixes, fp)
		}
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })

	for _, prefix := range prefixes {
		if startsWithSegment(normalized, prefix) {
			normalized = normalized[len(prefix):]
			break
		}
	}
	if normalized == "" {
		return "/"
	}

	segments := strings.Split(strings.TrimPrefix(normalized, "/"), "/")
	if len(segments) > 0 && versionSegmentRe.MatchString(segments[0]) {
		segments = segments[1:]
	}
	if len(segments) == 0 {
		return "/"
	}
	return "/" + strings.Join(segments, "/")
}

// RootPath returns the first segment of a normalized path ("/users/{id}"
// yields "/users"). Endpoints sharing a root path form one work unit.
func RootPath(path string) string {
	parts := strings.Split(strings.TrimPrefix(formatPath(path), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return "/"
	}
	return "/" + parts[0]
}

func formatPath(s string) string {
	parts := make([]string, 0, 4)
	for _, p := range strings.Split(s, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "/" + strings.Join(parts, "/")
}

func startsWithSegment(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// operationFragment deep-copies an operation subtree into plain maps via a
// JSON round trip, detaching it from the kin-openapi document.
func operationFragment(op *openapi3.Operation) (map[string]any, error) {
	raw, err := json.Marshal(op)
	if err != nil {
		return nil, err
	}
	var fragment map[string]any
	if err := json.Unmarshal(raw, &fragment); err != nil {
		return nil, err
	}
	return fragment, nil
}

// YAML renders the verb's fragment as a YAML snippet keyed by path and
// lowercase method, the shape generation prompts expect.
func (v *APIVerb) YAML() (string, error) {
	doc := map[string]any{
		v.Path: map[string]any{
			strings.ToLower(v.Method): v.Fragment,
		},
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal verb fragment: %w", err)
	}
	return string(out), nil
}
