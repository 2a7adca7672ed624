// Package catalog tracks previously generated artifacts by API path and
// decides which of them must be loaded as context for new generation.
package catalog

import (
	"sort"
	"strings"
	"sync"

	"github.com/specforge/specforge/internal/oracle"
)

// Catalog is the append-only index of generated artifacts, keyed by API
// path. Readers get a consistent snapshot that includes every unit
// completed before the read started.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string][]oracle.Artifact
	order   []string
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{entries: make(map[string][]oracle.Artifact)}
}

// Add appends artifacts under an API path. Existing artifacts for the path
// are kept; duplicates (same file path) are replaced in place.
func (c *Catalog) Add(apiPath string, artifacts []oracle.Artifact) {
	if len(artifacts) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.entries[apiPath]
	if !ok {
		c.order = append(c.order, apiPath)
	}
	for _, a := range artifacts {
		replaced := false
		for i := range existing {
			if existing[i].Path == a.Path {
				existing[i] = a
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, a)
		}
	}
	c.entries[apiPath] = existing
}

// Len reports the number of indexed API paths.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Entries returns read-only catalog descriptors in insertion order.
func (c *Catalog) Entries() []oracle.CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]oracle.CatalogEntry, 0, len(c.order))
	for _, p := range c.order {
		arts := c.entries[p]
		files := make([]string, 0, len(arts))
		for _, a := range arts {
			files = append(files, a.Label())
		}
		out = append(out, oracle.CatalogEntry{Path: p, Files: files})
	}
	return out
}

// Artifacts returns the artifacts whose file paths appear in fileIDs, in
// catalog order. Unknown ids are ignored.
func (c *Catalog) Artifacts(fileIDs []string) []oracle.Artifact {
	want := make(map[string]bool, len(fileIDs))
	for _, id := range fileIDs {
		want[id] = true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []oracle.Artifact
	for _, p := range c.order {
		for _, a := range c.entries[p] {
			if want[a.Path] {
				out = append(out, a)
			}
		}
	}
	return out
}

// fileIDs returns the set of all known artifact file paths.
func (c *Catalog) fileIDs() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make(map[string]bool)
	for _, arts := range c.entries {
		for _, a := range arts {
			ids[a.Path] = true
		}
	}
	return ids
}

// FileID extracts the file path from a "filePath - summary" descriptor.
func FileID(descriptor string) string {
	if i := strings.Index(descriptor, " - "); i >= 0 {
		return descriptor[:i]
	}
	return descriptor
}

func sortedUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
