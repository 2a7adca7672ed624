// Package fixloop runs the bounded self-healing cycle: check generated
// files with the external compiler, forward diagnostics to the oracle for a
// minimal patch, and repeat until clean or the retry budget is exhausted.
package fixloop

import (
	"context"
	"io"
	"log/slog"

	"github.com/specforge/specforge/internal/oracle"
)

// DefaultMaxRounds bounds the number of oracle fix calls per file set.
const DefaultMaxRounds = 3

// Checker is the external compiler/linter boundary. An empty diagnostics
// slice means the files are clean.
type Checker interface {
	Check(ctx context.Context, files []oracle.Artifact) ([]oracle.Diagnostic, error)
}

// Result carries the final candidate files out of a fix cycle. When Clean
// is false, Diagnostics holds the findings that survived the budget so the
// caller can surface them as a partial result.
type Result struct {
	Files       []oracle.Artifact
	Clean       bool
	Diagnostics []oracle.Diagnostic
	Rounds      int // oracle fix calls made
}

// Loop wires the checker and the oracle's fix operation together.
type Loop struct {
	checker   Checker
	oracle    oracle.Oracle
	maxRounds int
	logger    *slog.Logger
}

// New builds a Loop. maxRounds <= 0 selects DefaultMaxRounds.
func New(checker Checker, orc oracle.Oracle, maxRounds int, logger *slog.Logger) *Loop {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Loop{checker: checker, oracle: orc, maxRounds: maxRounds, logger: logger}
}

// Fix submits files to the checker and patches them through the oracle
// until the check is clean or the round budget runs out. Files not
// implicated by any diagnostic are never sent to the oracle and never
// rewritten. Zero diagnostics on the first check returns the input
// unchanged without an oracle call.
func (l *Loop) Fix(ctx context.Context, files []oracle.Artifact) (Result, error) {
	current := append([]oracle.Artifact(nil), files...)

	rounds := 0
	var diags []oracle.Diagnostic
	for {
		var err error
		diags, err = l.checker.Check(ctx, current)
		if err != nil {
			return Result{Files: current, Rounds: rounds}, err
		}
		if len(diags) == 0 {
			return Result{Files: current, Clean: true, Rounds: rounds}, nil
		}
		if rounds == l.maxRounds {
			break
		}

		implicated, offending := implicatedFiles(current, diags)
		if len(offending) == 0 {
			// Diagnostics point outside the candidate set; nothing we can patch.
			break
		}
		l.logger.Info("requesting fix", "round", rounds+1, "files", len(offending), "diagnostics", len(diags))

		patched, err := l.oracle.FixFiles(ctx, offending, diags)
		if err != nil {
			return Result{Files: current, Diagnostics: diags, Rounds: rounds}, err
		}
		rounds++
		for _, p := range patched {
			if !implicated[p.Path] {
				l.logger.Debug("ignoring patch for unimplicated file", "path", p.Path)
				continue
			}
			for i := range current {
				if current[i].Path == p.Path {
					current[i].Content = p.Content
					break
				}
			}
		}
	}

	return Result{Files: current, Diagnostics: diags, Rounds: rounds}, nil
}

// implicatedFiles splits out the subset of files named by at least one
// diagnostic, preserving input order.
func implicatedFiles(files []oracle.Artifact, diags []oracle.Diagnostic) (map[string]bool, []oracle.Artifact) {
	named := make(map[string]bool, len(diags))
	for _, d := range diags {
		named[d.Path] = true
	}
	implicated := make(map[string]bool, len(named))
	var offending []oracle.Artifact
	for _, f := range files {
		if named[f.Path] {
			implicated[f.Path] = true
			offending = append(offending, f)
		}
	}
	return implicated, offending
}
