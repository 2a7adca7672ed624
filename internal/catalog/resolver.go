package catalog

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/specforge/specforge/internal/oracle"
)

// Matcher decides which catalog file ids a set of identifier-like focus
// fields plausibly refers to. The default implementation delegates to the
// generation oracle; field-naming conventions vary too much across
// specifications for a fixed rule.
type Matcher interface {
	Match(ctx context.Context, focusFields []string, entries []oracle.CatalogEntry) ([]string, error)
}

// OracleMatcher delegates matching to oracle.ResolveDependencyCandidates.
type OracleMatcher struct {
	Oracle oracle.Oracle
}

func (m OracleMatcher) Match(ctx context.Context, focusFields []string, entries []oracle.CatalogEntry) ([]string, error) {
	return m.Oracle.ResolveDependencyCandidates(ctx, focusFields, entries)
}

// Resolver decides what additional artifacts must be loaded as context
// before the oracle can safely generate code referencing them. The matching
// heuristic is pluggable; the set algebra around it is mechanical and the
// result never names a file absent from the catalog.
type Resolver struct {
	matcher Matcher
	logger  *slog.Logger
}

// NewResolver builds a resolver around the given matcher.
func NewResolver(matcher Matcher, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{matcher: matcher, logger: logger}
}

// Resolve inspects the focus artifacts for foreign-resource identifier
// fields and returns the catalog file ids to load as context. The result is
// deterministic for a given (focus, catalog) pair: fields and ids are
// de-duplicated and sorted, and ids outside the catalog are dropped. An
// empty catalog or a focus without identifier fields short-circuits to an
// empty result; consulted reports whether the matcher was actually asked,
// so callers can meter matcher traffic.
func (r *Resolver) Resolve(ctx context.Context, focus []oracle.Artifact, cat *Catalog) (ids []string, consulted bool, err error) {
	if cat == nil || cat.Len() == 0 {
		return nil, false, nil
	}

	fields := identifierFields(focus)
	if len(fields) == 0 {
		return nil, false, nil
	}

	candidates, err := r.matcher.Match(ctx, fields, cat.Entries())
	if err != nil {
		return nil, true, err
	}

	known := cat.fileIDs()
	kept := make([]string, 0, len(candidates))
	for _, c := range candidates {
		id := FileID(c)
		if known[id] {
			kept = append(kept, id)
		} else if id != "" {
			r.logger.Debug("dropping invented dependency", "file", id)
		}
	}
	return sortedUnique(kept), true, nil
}

// identifierRe matches field or parameter names that plausibly reference
// another resource: a non-empty stem followed by an id suffix.
var identifierRe = regexp.MustCompile(`\b([A-Za-z][A-Za-z0-9]*?(?:Id|ID|_id))\b`)

// identifierFields harvests identifier-like names from the focus artifacts'
// contents, excluding bare "id" variants that reference the artifact itself.
func identifierFields(focus []oracle.Artifact) []string {
	var fields []string
	for _, a := range focus {
		for _, m := range identifierRe.FindAllString(a.Content, -1) {
			stem := strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(m, "_id"), "Id"), "ID")
			if stem == "" {
				continue
			}
			fields = append(fields, m)
		}
	}
	return sortedUnique(fields)
}
