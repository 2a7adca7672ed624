package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specforge/specforge/internal/checkpoint"
	"github.com/specforge/specforge/internal/oracle"
	"github.com/specforge/specforge/internal/spec"
	"github.com/specforge/specforge/internal/workspace"
)

const shopSpecYAML = `openapi: 3.0.0
info:
  title: Shop API
  version: "1.0"
servers:
  - url: https://shop.example.com
paths:
  /api/customers:
    post:
      summary: Create customer
      responses:
        "201":
          description: created
  /api/orders:
    get:
      summary: List orders
      responses:
        "200":
          description: ok
    post:
      summary: Create order
      responses:
        "201":
          description: created
`

func shopDefinition(t *testing.T) *spec.APIDefinition {
	t.Helper()
	p := filepath.Join(t.TempDir(), "api.yaml")
	require.NoError(t, os.WriteFile(p, []byte(shopSpecYAML), 0o600))
	def, err := spec.NewNormalizer().Normalize(context.Background(), []string{p})
	require.NoError(t, err)
	require.Equal(t, 2, def.Len())
	return def
}

// stubOracle is a deterministic in-process oracle. Models for /orders carry
// a customerId field so dependency resolution has something to chew on.
type stubOracle struct {
	mu sync.Mutex

	modelCalls   map[string]int
	firstCalls   int
	firstKeys    []string // "unit/method" per GenerateFirstTest call
	addCalls     int
	resolveCalls int
	fixCalls     int

	failModelsFor string // unit substring that makes GenerateModels fail
	failFirstFor  string // "unit/method" key that makes GenerateFirstTest fail
	plainModels   bool   // emit models without identifier fields
	candidates    []string

	lastTestContext []oracle.Artifact
}

func newStubOracle() *stubOracle {
	return &stubOracle{modelCalls: make(map[string]int)}
}

func unitOf(verbSpec string) string {
	if strings.Contains(verbSpec, "/customers") {
		return "customers"
	}
	return "orders"
}

func methodOf(verbSpec string) string {
	for _, m := range []string{"get:", "post:", "put:", "delete:"} {
		if strings.Contains(verbSpec, "\n    "+m) || strings.Contains(verbSpec, "\n  "+m) {
			return strings.TrimSuffix(m, ":")
		}
	}
	return "unknown"
}

func (o *stubOracle) GenerateModels(_ context.Context, verbSpec string, _ []oracle.Artifact) ([]oracle.Artifact, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	unit := unitOf(verbSpec)
	o.modelCalls[unit]++
	if o.failModelsFor != "" && strings.Contains(verbSpec, o.failModelsFor) {
		return nil, fmt.Errorf("synthetic model failure for %s", unit)
	}
	switch unit {
	case "customers":
		content := "export interface Customer { customerId: string; name: string }"
		if o.plainModels {
			content = "export interface Customer { name: string }"
		}
		return []oracle.Artifact{{
			Path:    "src/models/Customer.ts",
			Content: content,
			Summary: "customer model",
			Kind:    oracle.KindRequestModel,
		}}, nil
	default:
		content := "export interface Order { orderId: string; customerId: string }"
		if o.plainModels {
			content = "export interface Order { amount: number }"
		}
		return []oracle.Artifact{{
			Path:    "src/models/Order.ts",
			Content: content,
			Summary: "order model",
			Kind:    oracle.KindResponseModel,
		}}, nil
	}
}

func (o *stubOracle) GenerateFirstTest(_ context.Context, verbSpec string, artifacts []oracle.Artifact) (oracle.Artifact, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.firstCalls++
	o.lastTestContext = artifacts
	key := unitOf(verbSpec) + "/" + methodOf(verbSpec)
	if o.failFirstFor == key {
		return oracle.Artifact{}, fmt.Errorf("synthetic first-test failure for %s", key)
	}
	o.firstKeys = append(o.firstKeys, key)
	p := fmt.Sprintf("src/tests/%s.%s.spec.ts", unitOf(verbSpec), methodOf(verbSpec))
	return oracle.Artifact{Path: p, Content: "it('smokes', () => {})", Summary: "smoke test"}, nil
}

func (o *stubOracle) GenerateAdditionalTests(_ context.Context, verbSpec string, firstTest oracle.Artifact, _ []oracle.Artifact) ([]oracle.Artifact, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.addCalls++
	p := strings.Replace(firstTest.Path, ".spec.ts", ".more.spec.ts", 1)
	return []oracle.Artifact{{Path: p, Content: "it('regresses', () => {})", Summary: "regression test"}}, nil
}

func (o *stubOracle) FixFiles(_ context.Context, files []oracle.Artifact, _ []oracle.Diagnostic) ([]oracle.Artifact, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fixCalls++
	return files, nil
}

func (o *stubOracle) ResolveDependencyCandidates(_ context.Context, _ []string, _ []oracle.CatalogEntry) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resolveCalls++
	return o.candidates, nil
}

// stubChecker adapts a function to the fixloop Checker interface.
type stubChecker func(ctx context.Context, files []oracle.Artifact) ([]oracle.Diagnostic, error)

func (f stubChecker) Check(ctx context.Context, files []oracle.Artifact) ([]oracle.Diagnostic, error) {
	return f(ctx, files)
}

func cleanChecker() stubChecker {
	return func(context.Context, []oracle.Artifact) ([]oracle.Diagnostic, error) {
		return nil, nil
	}
}

func newHarness(t *testing.T, cfg Config, orc oracle.Oracle, checker stubChecker, fs billy.Filesystem) (*Orchestrator, *workspace.Workspace, *checkpoint.Store) {
	t.Helper()
	ws := workspace.New(fs, nil)
	store, err := checkpoint.Open(fs, workspace.LedgerFile, nil)
	require.NoError(t, err)
	return New(cfg, orc, checker, store, ws, nil), ws, store
}

func TestRun_FullDepthHappyPath(t *testing.T) {
	t.Parallel()
	def := shopDefinition(t)
	orc := newStubOracle()
	fs := memfs.New()
	o, ws, store := newHarness(t, Config{Depth: DepthFull}, orc, cleanChecker(), fs)

	summary, err := o.Run(context.Background(), def)
	require.NoError(t, err)

	require.Len(t, summary.Units, 2)
	for _, u := range summary.Units {
		assert.Equal(t, OutcomeComplete, u.Outcome, "unit %s", u.Path)
		assert.Equal(t, stateCompiledClean, u.State)
		assert.Empty(t, u.Err)
	}
	assert.Equal(t, []string{"/customers", "/orders"}, []string{summary.Units[0].Path, summary.Units[1].Path})

	// /customers: 1 verb; /orders: 2 verbs.
	assert.Equal(t, 1, orc.modelCalls["customers"])
	assert.Equal(t, 1, orc.modelCalls["orders"])
	assert.Equal(t, 3, orc.firstCalls)
	assert.Equal(t, 3, orc.addCalls)
	assert.Equal(t, 0, orc.fixCalls)

	// Generated files and the .env scaffold land in the workspace.
	for _, p := range []string{
		"src/models/Customer.ts",
		"src/models/Order.ts",
		"src/tests/orders.get.spec.ts",
		"src/tests/orders.get.more.spec.ts",
		".env",
	} {
		_, err := ws.ReadArtifact(p)
		assert.NoError(t, err, "expected %s to exist", p)
	}

	// Full success clears the ledger; framework state survives.
	assert.False(t, store.HasRecords())
	st, err := ws.LoadState()
	require.NoError(t, err)
	assert.True(t, st.ModelsGenerated("/customers"))
	assert.True(t, st.TestsGenerated("/orders", "GET"))
	assert.True(t, summary.Requests > 0)
}

func TestRun_DepthModelsSkipsTests(t *testing.T) {
	t.Parallel()
	def := shopDefinition(t)
	orc := newStubOracle()
	o, _, _ := newHarness(t, Config{Depth: DepthModels}, orc, cleanChecker(), memfs.New())

	summary, err := o.Run(context.Background(), def)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Count(OutcomeComplete))
	assert.Equal(t, 0, orc.firstCalls)
	assert.Equal(t, 0, orc.addCalls)
	for _, u := range summary.Units {
		assert.Zero(t, u.Tests)
		assert.NotZero(t, u.Models)
	}
}

func TestRun_PathFilter(t *testing.T) {
	t.Parallel()
	def := shopDefinition(t)
	orc := newStubOracle()
	o, _, _ := newHarness(t, Config{Depth: DepthModels, Paths: []string{"/orders"}}, orc, cleanChecker(), memfs.New())

	summary, err := o.Run(context.Background(), def)
	require.NoError(t, err)
	require.Len(t, summary.Units, 1)
	assert.Equal(t, "/orders", summary.Units[0].Path)
	assert.Zero(t, orc.modelCalls["customers"])
}

func TestRun_UnitFailureDoesNotAbortPipeline(t *testing.T) {
	t.Parallel()
	def := shopDefinition(t)
	orc := newStubOracle()
	orc.failModelsFor = "/customers"
	o, _, store := newHarness(t, Config{Depth: DepthSmoke}, orc, cleanChecker(), memfs.New())

	summary, err := o.Run(context.Background(), def)
	require.NoError(t, err, "unit-local failures must not surface as run errors")

	require.Len(t, summary.Units, 2)
	assert.Equal(t, OutcomeFailed, summary.Units[0].Outcome)
	assert.Contains(t, summary.Units[0].Err, "synthetic model failure")
	assert.Equal(t, OutcomeComplete, summary.Units[1].Outcome, "later units still run")

	// A failed unit keeps the ledger for the next attempt.
	assert.True(t, store.HasRecords())
}

func TestRun_CompileExhaustionIsPartial(t *testing.T) {
	t.Parallel()
	def := shopDefinition(t)
	orc := newStubOracle()
	stuck := stubChecker(func(_ context.Context, files []oracle.Artifact) ([]oracle.Diagnostic, error) {
		return []oracle.Diagnostic{{Path: files[0].Path, Message: "TS2304: Cannot find name"}}, nil
	})
	o, _, store := newHarness(t, Config{Depth: DepthModels, MaxFixRounds: 2}, orc, stuck, memfs.New())

	summary, err := o.Run(context.Background(), def)
	require.NoError(t, err)

	require.Len(t, summary.Units, 2)
	for _, u := range summary.Units {
		assert.Equal(t, OutcomePartial, u.Outcome)
		assert.Equal(t, stateCompiledWarn, u.State)
		assert.NotEmpty(t, u.Diagnostics)
	}
	assert.Equal(t, 4, orc.fixCalls, "two rounds per unit")

	// Partial is still a finished run: the ledger is cleared.
	assert.False(t, store.HasRecords())
}

func TestRun_ResumeSkipsCompletedStages(t *testing.T) {
	t.Parallel()
	def := shopDefinition(t)
	fs := memfs.New()

	failing := newStubOracle()
	failing.failModelsFor = "/orders"
	o1, _, _ := newHarness(t, Config{Depth: DepthSmoke}, failing, cleanChecker(), fs)

	summary, err := o1.Run(context.Background(), def)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Count(OutcomeFailed))
	assert.Equal(t, 1, failing.modelCalls["customers"])

	// Second run over the same tree: /customers stages replay from the
	// ledger, only /orders hits the oracle again.
	healed := newStubOracle()
	o2, _, store := newHarness(t, Config{Depth: DepthSmoke}, healed, cleanChecker(), fs)

	summary, err = o2.Run(context.Background(), def)
	require.NoError(t, err)
	assert.True(t, summary.Resumed)
	assert.Equal(t, 2, summary.Count(OutcomeComplete))

	assert.Zero(t, healed.modelCalls["customers"], "completed stage must replay, not regenerate")
	assert.Equal(t, 1, healed.resolveCalls, "only /orders resolves; /customers replays from the ledger")
	assert.Equal(t, 1, healed.modelCalls["orders"])

	assert.False(t, store.HasRecords(), "ledger is cleared after the successful resume")
}

func TestRun_DependencyContextFlowsIntoTests(t *testing.T) {
	t.Parallel()
	def := shopDefinition(t)
	orc := newStubOracle()
	orc.candidates = []string{"src/models/Customer.ts - customer model"}
	o, _, _ := newHarness(t, Config{Depth: DepthSmoke}, orc, cleanChecker(), memfs.New())

	_, err := o.Run(context.Background(), def)
	require.NoError(t, err)

	// The last first-test call belongs to /orders; its context must include
	// the /customers model picked by dependency resolution.
	var paths []string
	for _, a := range orc.lastTestContext {
		paths = append(paths, a.Path)
	}
	assert.Contains(t, paths, "src/models/Order.ts", "own models are always context")
	assert.Contains(t, paths, "src/models/Customer.ts", "resolved dependencies are loaded as context")
}

func TestRun_UseExistingResumeGeneratesRemainingVerbTests(t *testing.T) {
	t.Parallel()
	def := shopDefinition(t)
	fs := memfs.New()

	// Run 1 extends an existing tree and dies on the second verb of /orders,
	// after GET's smoke test already landed in the framework state.
	crashing := newStubOracle()
	crashing.failFirstFor = "orders/post"
	o1, _, _ := newHarness(t, Config{Depth: DepthSmoke, UseExisting: true}, crashing, cleanChecker(), fs)

	summary, err := o1.Run(context.Background(), def)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Count(OutcomeFailed))

	// Run 2 must pick the loop up at POST even though GET is now recorded in
	// state: the loop position is an index into the verb slice, so a shrunken
	// slice would silently skip the pending verb.
	healed := newStubOracle()
	o2, ws, store := newHarness(t, Config{Depth: DepthSmoke, UseExisting: true}, healed, cleanChecker(), fs)

	summary, err = o2.Run(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Count(OutcomeComplete))

	assert.Equal(t, 1, healed.firstCalls, "completed verbs replay or skip; only the pending one generates")
	assert.Equal(t, []string{"orders/post"}, healed.firstKeys)

	_, err = ws.ReadArtifact("src/tests/orders.post.spec.ts")
	assert.NoError(t, err, "the resumed run must produce the test the crash prevented")

	st, err := ws.LoadState()
	require.NoError(t, err)
	assert.True(t, st.TestsGenerated("/orders", "POST"), "state must record the POST test")
	assert.False(t, store.HasRecords())
}

func TestRun_RequestCountSkipsShortCircuitedResolves(t *testing.T) {
	t.Parallel()
	def := shopDefinition(t)
	orc := newStubOracle()
	orc.plainModels = true
	o, _, _ := newHarness(t, Config{Depth: DepthModels}, orc, cleanChecker(), memfs.New())

	summary, err := o.Run(context.Background(), def)
	require.NoError(t, err)

	// Models without identifier fields never reach the matcher, and the
	// metric must agree with the oracle's own accounting.
	assert.Zero(t, orc.resolveCalls)
	assert.Equal(t, 2, summary.Requests, "only the two model generations hit the oracle")
}
