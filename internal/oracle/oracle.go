// Package oracle defines the boundary to the external code-generation
// service. The orchestrator only depends on the Oracle interface; the
// concrete LLM client lives behind it.
package oracle

import (
	"context"
	"fmt"
)

// Kind tags what a generated artifact is.
type Kind string

const (
	KindRequestModel  Kind = "request-model"
	KindResponseModel Kind = "response-model"
	KindService       Kind = "service"
	KindTest          Kind = "test"
)

// Artifact is one generated source file: a logical path under the framework
// root, its content, and a short summary used as dependency context.
type Artifact struct {
	Path    string `json:"path" yaml:"path"`
	Content string `json:"content" yaml:"content"`
	Summary string `json:"summary,omitempty" yaml:"summary,omitempty"`
	Kind    Kind   `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// Label renders the "path — summary" descriptor used in catalog entries.
func (a Artifact) Label() string {
	if a.Summary == "" {
		return a.Path
	}
	return a.Path + " - " + a.Summary
}

// Diagnostic is one compiler/linter finding forwarded to FixFiles.
type Diagnostic struct {
	Path     string `json:"path"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

func (d Diagnostic) String() string {
	if d.Line > 0 {
		return fmt.Sprintf("%s(%d,%d): %s", d.Path, d.Line, d.Column, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Path, d.Message)
}

// CatalogEntry describes the artifacts already generated for one API path.
// It is read-only input for dependency resolution.
type CatalogEntry struct {
	Path  string   `json:"path"`
	Files []string `json:"files"` // "filePath - summary" descriptors
}

// Oracle is the external generation capability. Implementations must be
// retry-safe: calling any method twice with the same input is acceptable.
type Oracle interface {
	// GenerateModels produces request/response models and the service class
	// for one verb's schema fragment, given previously generated context.
	GenerateModels(ctx context.Context, verbSpec string, contextArtifacts []Artifact) ([]Artifact, error)

	// GenerateFirstTest produces the smoke test for a verb.
	GenerateFirstTest(ctx context.Context, verbSpec string, artifacts []Artifact) (Artifact, error)

	// GenerateAdditionalTests expands the smoke test into a regression suite.
	GenerateAdditionalTests(ctx context.Context, verbSpec string, firstTest Artifact, artifacts []Artifact) ([]Artifact, error)

	// FixFiles returns replacement content for exactly the given files,
	// patched against the diagnostics.
	FixFiles(ctx context.Context, files []Artifact, diagnostics []Diagnostic) ([]Artifact, error)

	// ResolveDependencyCandidates picks, from the catalog, the file ids a
	// set of identifier-like focus fields plausibly refers to.
	ResolveDependencyCandidates(ctx context.Context, focusFields []string, catalog []CatalogEntry) ([]string, error)
}

// Error is a typed failure of a generation call. The orchestrator catches
// it per work unit; it never aborts the whole pipeline.
type Error struct {
	Op      string // which oracle operation failed
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("oracle: %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("oracle: %s: %v", e.Op, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }
