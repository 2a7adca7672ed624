package fixloop

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specforge/specforge/internal/oracle"
)

// checkerFunc adapts a function to the Checker interface.
type checkerFunc func(ctx context.Context, files []oracle.Artifact) ([]oracle.Diagnostic, error)

func (f checkerFunc) Check(ctx context.Context, files []oracle.Artifact) ([]oracle.Diagnostic, error) {
	return f(ctx, files)
}

// fixOracle implements only FixFiles; the loop never calls anything else.
type fixOracle struct {
	oracle.Oracle
	calls int
	fix   func(files []oracle.Artifact, diags []oracle.Diagnostic) ([]oracle.Artifact, error)
}

func (o *fixOracle) FixFiles(ctx context.Context, files []oracle.Artifact, diags []oracle.Diagnostic) ([]oracle.Artifact, error) {
	o.calls++
	return o.fix(files, diags)
}

func files(paths ...string) []oracle.Artifact {
	out := make([]oracle.Artifact, 0, len(paths))
	for _, p := range paths {
		out = append(out, oracle.Artifact{Path: p, Content: "broken"})
	}
	return out
}

func TestFix_CleanFirstCheckSkipsOracle(t *testing.T) {
	t.Parallel()
	orc := &fixOracle{fix: func([]oracle.Artifact, []oracle.Diagnostic) ([]oracle.Artifact, error) {
		return nil, nil
	}}
	loop := New(checkerFunc(func(context.Context, []oracle.Artifact) ([]oracle.Diagnostic, error) {
		return nil, nil
	}), orc, 3, nil)

	in := files("a.ts", "b.ts")
	res, err := loop.Fix(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, res.Clean)
	assert.Equal(t, 0, res.Rounds)
	assert.Equal(t, 0, orc.calls, "clean files must not trigger an oracle call")
	assert.Equal(t, in, res.Files)
}

func TestFix_PatchesOnlyImplicatedFiles(t *testing.T) {
	t.Parallel()

	checks := 0
	checker := checkerFunc(func(_ context.Context, fs []oracle.Artifact) ([]oracle.Diagnostic, error) {
		checks++
		if checks == 1 {
			return []oracle.Diagnostic{{Path: "a.ts", Line: 3, Message: "TS2304: Cannot find name"}}, nil
		}
		return nil, nil
	})

	var sent []string
	orc := &fixOracle{fix: func(fs []oracle.Artifact, _ []oracle.Diagnostic) ([]oracle.Artifact, error) {
		for _, f := range fs {
			sent = append(sent, f.Path)
		}
		// Patch the implicated file, and try to smuggle in an extra one.
		return []oracle.Artifact{
			{Path: "a.ts", Content: "fixed"},
			{Path: "b.ts", Content: "smuggled"},
		}, nil
	}}

	loop := New(checker, orc, 3, nil)
	res, err := loop.Fix(context.Background(), files("a.ts", "b.ts"))
	require.NoError(t, err)

	assert.True(t, res.Clean)
	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, []string{"a.ts"}, sent, "only implicated files go to the oracle")

	byPath := map[string]string{}
	for _, f := range res.Files {
		byPath[f.Path] = f.Content
	}
	assert.Equal(t, "fixed", byPath["a.ts"])
	assert.Equal(t, "broken", byPath["b.ts"], "unimplicated files must never be rewritten")
}

func TestFix_BudgetExhaustionKeepsDiagnostics(t *testing.T) {
	t.Parallel()

	stuck := []oracle.Diagnostic{{Path: "a.ts", Message: "TS1005: ';' expected"}}
	checker := checkerFunc(func(context.Context, []oracle.Artifact) ([]oracle.Diagnostic, error) {
		return stuck, nil
	})
	orc := &fixOracle{fix: func(fs []oracle.Artifact, _ []oracle.Diagnostic) ([]oracle.Artifact, error) {
		return fs, nil
	}}

	loop := New(checker, orc, 3, nil)
	res, err := loop.Fix(context.Background(), files("a.ts"))
	require.NoError(t, err)

	assert.False(t, res.Clean)
	assert.Equal(t, 3, res.Rounds)
	assert.Equal(t, 3, orc.calls, "oracle calls are bounded by the round budget")
	assert.Equal(t, stuck, res.Diagnostics, "surviving diagnostics must be reported")
}

func TestFix_DiagnosticsOutsideCandidateSet(t *testing.T) {
	t.Parallel()

	checker := checkerFunc(func(context.Context, []oracle.Artifact) ([]oracle.Diagnostic, error) {
		return []oracle.Diagnostic{{Path: "node_modules/lib.d.ts", Message: "TS2300: Duplicate identifier"}}, nil
	})
	orc := &fixOracle{fix: func([]oracle.Artifact, []oracle.Diagnostic) ([]oracle.Artifact, error) {
		return nil, nil
	}}

	loop := New(checker, orc, 3, nil)
	res, err := loop.Fix(context.Background(), files("a.ts"))
	require.NoError(t, err)
	assert.False(t, res.Clean)
	assert.Equal(t, 0, orc.calls, "nothing to patch when no candidate file is implicated")
	require.Len(t, res.Diagnostics, 1)
}

func TestFix_OracleErrorSurfaces(t *testing.T) {
	t.Parallel()

	boom := errors.New("oracle down")
	checker := checkerFunc(func(context.Context, []oracle.Artifact) ([]oracle.Diagnostic, error) {
		return []oracle.Diagnostic{{Path: "a.ts", Message: "TS2304"}}, nil
	})
	orc := &fixOracle{fix: func([]oracle.Artifact, []oracle.Diagnostic) ([]oracle.Artifact, error) {
		return nil, boom
	}}

	loop := New(checker, orc, 3, nil)
	res, err := loop.Fix(context.Background(), files("a.ts"))
	require.ErrorIs(t, err, boom)
	assert.NotEmpty(t, res.Diagnostics)
}

func TestNew_DefaultRounds(t *testing.T) {
	t.Parallel()
	loop := New(nil, nil, 0, nil)
	assert.Equal(t, DefaultMaxRounds, loop.maxRounds)
}
