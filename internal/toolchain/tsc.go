// Package toolchain adapts the external TypeScript compiler into the fix
// loop's Checker boundary: it persists candidate files, invokes tsc over
// them, and parses the diagnostics back into a structured form.
package toolchain

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/specforge/specforge/internal/oracle"
)

// Sink persists candidate files before a compiler run.
type Sink interface {
	WriteArtifact(a oracle.Artifact) error
}

// CommandRunner executes an external command in dir and returns combined
// output. A non-zero exit is not an error by itself; compilers exit non-zero
// whenever diagnostics exist.
type CommandRunner func(ctx context.Context, dir, name string, args ...string) (string, error)

// execRunner shells out via os/exec.
func execRunner(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if _, ok := err.(*exec.ExitError); ok {
		// Diagnostics are in the output; the parse decides what they mean.
		return string(out), nil
	}
	return string(out), err
}

// TSC runs `npx tsc --noEmit` over candidate files.
type TSC struct {
	dir    string // destination folder the compiler runs in
	sink   Sink
	run    CommandRunner
	logger *slog.Logger
}

// NewTSC builds the compiler adapter. runner may be nil to use os/exec.
func NewTSC(dir string, sink Sink, runner CommandRunner, logger *slog.Logger) *TSC {
	if runner == nil {
		runner = execRunner
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &TSC{dir: dir, sink: sink, run: runner, logger: logger}
}

// Check persists the candidate files and compiles exactly those files,
// returning any diagnostics tsc reports.
func (t *TSC) Check(ctx context.Context, files []oracle.Artifact) ([]oracle.Diagnostic, error) {
	for _, f := range files {
		if err := t.sink.WriteArtifact(f); err != nil {
			return nil, err
		}
	}
	args := compilerArgs(files)
	t.logger.Debug("running compiler", "files", len(files))
	out, err := t.run(ctx, t.dir, "npx", args...)
	if err != nil {
		return nil, err
	}
	return ParseDiagnostics(out), nil
}

// compilerArgs builds the per-file tsc invocation, pinned to the generated
// framework's compiler settings.
func compilerArgs(files []oracle.Artifact) []string {
	args := []string{"tsc"}
	for _, f := range files {
		args = append(args, f.Path)
	}
	return append(args,
		"--target", "ESNext",
		"--module", "nodenext",
		"--moduleResolution", "nodenext",
		"--esModuleInterop",
		"--skipLibCheck",
		"--isolatedModules",
		"--strict",
		"--noUnusedLocals",
		"--noUnusedParameters",
		"--noEmit",
	)
}

// tsc output: src/tests/users.spec.ts(12,5): error TS2304: Cannot find name 'foo'.
var diagnosticRe = regexp.MustCompile(`^(.+?)\((\d+),(\d+)\): (error|warning) (TS\d+): (.*)$`)

// bare form without position: src/models/User.ts: error TS1005: ...
var bareDiagnosticRe = regexp.MustCompile(`^(.+?\.tsx?): (error|warning) (TS\d+): (.*)$`)

// ParseDiagnostics extracts structured diagnostics from compiler output.
// Unrecognized lines are ignored.
func ParseDiagnostics(output string) []oracle.Diagnostic {
	var diags []oracle.Diagnostic
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if m := diagnosticRe.FindStringSubmatch(line); m != nil {
			lineNo, _ := strconv.Atoi(m[2])
			colNo, _ := strconv.Atoi(m[3])
			diags = append(diags, oracle.Diagnostic{
				Path:     m[1],
				Line:     lineNo,
				Column:   colNo,
				Severity: m[4],
				Message:  m[5] + ": " + m[6],
			})
			continue
		}
		if m := bareDiagnosticRe.FindStringSubmatch(line); m != nil {
			diags = append(diags, oracle.Diagnostic{
				Path:     m[1],
				Severity: m[2],
				Message:  m[3] + ": " + m[4],
			})
		}
	}
	return diags
}
