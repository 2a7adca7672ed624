// Package orchestrator drives generation for each normalized endpoint
// group through fixed, checkpointed stages: models, dependency resolution,
// first test, additional tests, compile check. A resumed run re-enters at
// the first incomplete stage per unit; fully processed units are skipped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/specforge/specforge/internal/catalog"
	"github.com/specforge/specforge/internal/checkpoint"
	"github.com/specforge/specforge/internal/fixloop"
	"github.com/specforge/specforge/internal/oracle"
	"github.com/specforge/specforge/internal/spec"
	"github.com/specforge/specforge/internal/workspace"
)

// Depth selects how far generation goes for each work unit.
type Depth string

const (
	DepthModels Depth = "models" // request/response models and service only
	DepthSmoke  Depth = "smoke"  // models plus one smoke test per verb
	DepthFull   Depth = "full"   // models plus a full regression suite
)

// unitState tracks how far a work unit got through the stage sequence.
type unitState string

const (
	statePending         unitState = "PENDING"
	stateModels          unitState = "MODELS_GENERATED"
	stateDependencies    unitState = "DEPENDENCIES_RESOLVED"
	stateFirstTest       unitState = "FIRST_TEST_GENERATED"
	stateAdditionalTests unitState = "ADDITIONAL_TESTS_GENERATED"
	stateCompiledClean   unitState = "COMPILED_CLEAN"
	stateCompiledWarn    unitState = "COMPILED_WITH_WARNINGS"
)

// Outcome is the per-unit verdict reported in the run summary.
type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	OutcomePartial  Outcome = "partial"
	OutcomeFailed   Outcome = "failed"
)

// UnitResult is one work unit's entry in the run summary.
type UnitResult struct {
	Path        string
	Outcome     Outcome
	State       unitState
	Err         string
	Diagnostics []oracle.Diagnostic
	Models      int
	Tests       int
	Duration    time.Duration
}

// Summary enumerates per-unit outcomes for the whole run.
type Summary struct {
	Units    []UnitResult
	Duration time.Duration
	Requests int // oracle calls made during this run
	Resumed  bool
}

// Count tallies units with the given outcome.
func (s *Summary) Count(o Outcome) int {
	n := 0
	for _, u := range s.Units {
		if u.Outcome == o {
			n++
		}
	}
	return n
}

// Succeeded reports whether no unit failed outright.
func (s *Summary) Succeeded() bool { return s.Count(OutcomeFailed) == 0 }

// Config is the explicit configuration threaded into the orchestrator; the
// core never reads process environment state.
type Config struct {
	Depth        Depth
	Paths        []string // restrict the run to these normalized paths; empty means all
	Override     bool     // regenerate even when state says an endpoint is done
	UseExisting  bool     // extend an existing framework tree
	MaxFixRounds int
}

// Orchestrator sequences work units and owns their lifecycle.
type Orchestrator struct {
	cfg      Config
	oracle   oracle.Oracle
	resolver *catalog.Resolver
	cat      *catalog.Catalog
	store    *checkpoint.Store
	ws       *workspace.Workspace
	loop     *fixloop.Loop
	state    *workspace.State
	logger   *slog.Logger
	requests int
}

// New wires an orchestrator. checker is the external compiler boundary.
func New(cfg Config, orc oracle.Oracle, checker fixloop.Checker, store *checkpoint.Store, ws *workspace.Workspace, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Depth == "" {
		cfg.Depth = DepthSmoke
	}
	cat := catalog.New()
	return &Orchestrator{
		cfg:      cfg,
		oracle:   orc,
		resolver: catalog.NewResolver(catalog.OracleMatcher{Oracle: orc}, logger),
		cat:      cat,
		store:    store,
		ws:       ws,
		loop:     fixloop.New(checker, orc, cfg.MaxFixRounds, logger),
		logger:   logger,
	}
}

// Run processes every selected work unit in the definition's stable order
// and returns the run summary. Unit-local failures never abort the
// pipeline; only checkpoint integrity errors do. On full success the
// checkpoint ledger is cleared.
func (o *Orchestrator) Run(ctx context.Context, def *spec.APIDefinition) (*Summary, error) {
	started := time.Now()
	summary := &Summary{Resumed: o.store.HasRecords()}

	if err := o.prepare(def); err != nil {
		return summary, err
	}

	units := o.selectUnits(def)
	o.logger.Info("processing api definition", "title", def.Title, "units", len(units), "depth", string(o.cfg.Depth))

	for _, unit := range units {
		res, err := o.processUnit(ctx, unit)
		summary.Units = append(summary.Units, res)
		if err != nil {
			// Storage integrity errors are fatal; everything else was
			// already folded into the unit result.
			var ioErr *checkpoint.IOError
			if errors.As(err, &ioErr) {
				summary.Duration = time.Since(started)
				summary.Requests = o.requests
				return summary, err
			}
		}
	}

	summary.Duration = time.Since(started)
	summary.Requests = o.requests

	if summary.Succeeded() {
		if err := o.store.Clear(); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

// prepare loads (or initializes) the framework state, seeds the catalog
// with previously generated artifacts, and scaffolds the .env file.
func (o *Orchestrator) prepare(def *spec.APIDefinition) error {
	st, err := o.ws.LoadState()
	if err != nil {
		return err
	}
	o.state = st

	if o.cfg.UseExisting {
		preloaded, err := o.ws.PreloadedArtifacts(st)
		if err != nil {
			return err
		}
		for p, arts := range preloaded {
			o.cat.Add(p, arts)
		}
		if n := len(preloaded); n > 0 {
			o.logger.Info("loaded existing framework state", "endpoints", n)
		}
	}

	_, err = checkpoint.Run(o.store, "setup/env", func() (bool, error) {
		if err := o.ws.WriteEnvFile(def.Servers); err != nil {
			return false, err
		}
		return true, nil
	})
	return err
}

// selectUnits filters the definition's paths to the requested subset while
// preserving the definition's stable order.
func (o *Orchestrator) selectUnits(def *spec.APIDefinition) []*spec.APIPath {
	all := def.Paths()
	if len(o.cfg.Paths) == 0 {
		return all
	}
	want := make(map[string]bool, len(o.cfg.Paths))
	for _, p := range o.cfg.Paths {
		want[p] = true
	}
	var out []*spec.APIPath
	for _, p := range all {
		if want[p.Path] || want[spec.RootPath(p.Path)] {
			out = append(out, p)
		}
	}
	return out
}

// testAccumulator carries the test artifacts produced so far through a
// checkpointed iteration over a unit's verbs.
type testAccumulator struct {
	Files []oracle.Artifact `json:"files"`
}

// processUnit runs one endpoint group through the stage sequence. The
// returned error is non-nil only for failures that must stop the pipeline.
func (o *Orchestrator) processUnit(ctx context.Context, unit *spec.APIPath) (UnitResult, error) {
	started := time.Now()
	res := UnitResult{Path: unit.Path, State: statePending}
	log := o.logger.With("unit", unit.Path)

	fail := func(err error) (UnitResult, error) {
		res.Outcome = OutcomeFailed
		res.Err = err.Error()
		res.Duration = time.Since(started)
		var ioErr *checkpoint.IOError
		if errors.As(err, &ioErr) {
			log.Error("checkpoint storage failed", "error", err)
			return res, err
		}
		log.Error("unit failed", "state", string(res.State), "error", err)
		return res, nil
	}

	// Stage: models.
	models, err := checkpoint.Run(o.store, unit.Path+"/models", func() ([]oracle.Artifact, error) {
		return o.generateModels(ctx, unit)
	})
	if err != nil {
		return fail(err)
	}
	res.State = stateModels
	res.Models = len(models)
	o.cat.Add(unit.Path, models)
	o.state.UpdateModels(unit.Path, models)
	if err := o.ws.SaveState(o.state); err != nil {
		return fail(err)
	}

	// Stage: dependency resolution.
	depIDs, err := checkpoint.Run(o.store, unit.Path+"/dependencies", func() ([]string, error) {
		ids, consulted, rerr := o.resolver.Resolve(ctx, models, o.cat)
		if rerr != nil {
			return nil, rerr
		}
		if consulted {
			o.requests++
		}
		return ids, nil
	})
	if err != nil {
		return fail(err)
	}
	res.State = stateDependencies
	contextArtifacts := o.dependencyContext(models, depIDs)
	if len(contextArtifacts) > 0 {
		log.Info("resolved dependencies", "files", len(contextArtifacts))
	}

	if o.cfg.Depth != DepthModels {
		// Iterations always walk the unit's full verb slice. The checkpoint
		// records loop positions by index, so the slice must be identical on
		// every run; verbs whose tests already exist are skipped inside the
		// body instead of being filtered out up front.
		verbs := unit.Verbs()

		// Stage: first (smoke) test per verb.
		firstAcc, err := checkpoint.Iterate(o.store, unit.Path+"/first-tests", verbs, testAccumulator{},
			func(verb *spec.APIVerb, acc testAccumulator) (testAccumulator, error) {
				if o.verbDone(unit, verb) {
					return acc, nil
				}
				t, gerr := o.generateFirstTest(ctx, verb, models, contextArtifacts)
				if gerr != nil {
					return acc, gerr
				}
				acc.Files = append(acc.Files, t)
				o.state.UpdateTests(unit.Path, verb.Method, []string{t.Path})
				return acc, o.ws.SaveState(o.state)
			})
		if err != nil {
			return fail(err)
		}
		res.State = stateFirstTest
		res.Tests = len(firstAcc.Files)

		// Stage: expand to a regression suite.
		suite := firstAcc
		if o.cfg.Depth == DepthFull {
			suite, err = checkpoint.Iterate(o.store, unit.Path+"/additional-tests", verbs, firstAcc,
				func(verb *spec.APIVerb, acc testAccumulator) (testAccumulator, error) {
					if o.verbDone(unit, verb) {
						return acc, nil
					}
					first := firstTestFor(firstAcc.Files, verb)
					if first == nil {
						return acc, nil
					}
					more, gerr := o.generateAdditionalTests(ctx, verb, *first, models, contextArtifacts)
					if gerr != nil {
						return acc, gerr
					}
					acc.Files = append(acc.Files, more...)
					paths := make([]string, 0, len(more))
					for _, t := range more {
						paths = append(paths, t.Path)
					}
					o.state.UpdateTests(unit.Path, verb.Method, paths)
					return acc, o.ws.SaveState(o.state)
				})
			if err != nil {
				return fail(err)
			}
			res.State = stateAdditionalTests
			res.Tests = len(suite.Files)
		}

		models = append(models, suite.Files...)
	}

	// Stage: compile check and self-healing.
	fixRes, err := checkpoint.Run(o.store, unit.Path+"/compile", func() (fixResult, error) {
		r, ferr := o.loop.Fix(ctx, models)
		if ferr != nil {
			return fixResult{}, ferr
		}
		o.requests += r.Rounds
		if werr := o.ws.WriteArtifacts(r.Files); werr != nil {
			return fixResult{}, werr
		}
		return fixResult{Clean: r.Clean, Diagnostics: r.Diagnostics}, nil
	})
	if err != nil {
		return fail(err)
	}

	res.Duration = time.Since(started)
	if fixRes.Clean {
		res.State = stateCompiledClean
		res.Outcome = OutcomeComplete
		log.Info("unit complete", "models", res.Models, "tests", res.Tests, "duration", res.Duration)
	} else {
		res.State = stateCompiledWarn
		res.Outcome = OutcomePartial
		res.Diagnostics = fixRes.Diagnostics
		log.Warn("unit completed with diagnostics", "remaining", len(fixRes.Diagnostics))
	}
	return res, nil
}

// fixResult is the serializable slice of a fix loop outcome stored in the
// checkpoint ledger.
type fixResult struct {
	Clean       bool                `json:"clean"`
	Diagnostics []oracle.Diagnostic `json:"diagnostics,omitempty"`
}

// generateModels asks the oracle for the unit's request/response models and
// service class and persists them.
func (o *Orchestrator) generateModels(ctx context.Context, unit *spec.APIPath) ([]oracle.Artifact, error) {
	if o.cfg.UseExisting && !o.cfg.Override && o.state.ModelsGenerated(unit.Path) {
		o.logger.Info("models already generated, reusing", "unit", unit.Path)
		return o.cat.Artifacts(modelPaths(o.state, unit.Path)), nil
	}

	pathSpec, err := unitYAML(unit)
	if err != nil {
		return nil, err
	}
	arts, err := o.oracle.GenerateModels(ctx, pathSpec, nil)
	if err != nil {
		return nil, &oracle.Error{Op: "generateModels", Cause: err}
	}
	o.requests++
	if err := o.ws.WriteArtifacts(arts); err != nil {
		return nil, err
	}
	return arts, nil
}

func (o *Orchestrator) generateFirstTest(ctx context.Context, verb *spec.APIVerb, models, contextArtifacts []oracle.Artifact) (oracle.Artifact, error) {
	verbSpec, err := verb.YAML()
	if err != nil {
		return oracle.Artifact{}, err
	}
	t, err := o.oracle.GenerateFirstTest(ctx, verbSpec, append(append([]oracle.Artifact(nil), models...), contextArtifacts...))
	if err != nil {
		return oracle.Artifact{}, &oracle.Error{Op: "generateFirstTest", Cause: err}
	}
	o.requests++
	t.Kind = oracle.KindTest
	if err := o.ws.WriteArtifact(t); err != nil {
		return oracle.Artifact{}, err
	}
	return t, nil
}

func (o *Orchestrator) generateAdditionalTests(ctx context.Context, verb *spec.APIVerb, first oracle.Artifact, models, contextArtifacts []oracle.Artifact) ([]oracle.Artifact, error) {
	verbSpec, err := verb.YAML()
	if err != nil {
		return nil, err
	}
	more, err := o.oracle.GenerateAdditionalTests(ctx, verbSpec, first, append(append([]oracle.Artifact(nil), models...), contextArtifacts...))
	if err != nil {
		return nil, &oracle.Error{Op: "generateAdditionalTests", Cause: err}
	}
	o.requests++
	for i := range more {
		more[i].Kind = oracle.KindTest
	}
	if err := o.ws.WriteArtifacts(more); err != nil {
		return nil, err
	}
	return more, nil
}

// dependencyContext loads the resolved dependency files from the catalog,
// excluding the unit's own artifacts.
func (o *Orchestrator) dependencyContext(own []oracle.Artifact, depIDs []string) []oracle.Artifact {
	ownPaths := make(map[string]bool, len(own))
	for _, a := range own {
		ownPaths[a.Path] = true
	}
	kept := depIDs[:0:0]
	for _, id := range depIDs {
		if !ownPaths[id] {
			kept = append(kept, id)
		}
	}
	return o.cat.Artifacts(kept)
}

// verbDone reports whether the verb's tests already exist in the framework
// state and may be kept, honoring the override flag when extending an
// existing tree.
func (o *Orchestrator) verbDone(unit *spec.APIPath, v *spec.APIVerb) bool {
	if !o.cfg.UseExisting || o.cfg.Override {
		return false
	}
	if !o.state.TestsGenerated(unit.Path, v.Method) {
		return false
	}
	o.logger.Info("tests already generated, skipping", "unit", unit.Path, "verb", v.Method)
	return true
}

func firstTestFor(files []oracle.Artifact, verb *spec.APIVerb) *oracle.Artifact {
	needle := strings.ToLower(verb.Method)
	for i := range files {
		if strings.Contains(strings.ToLower(files[i].Path), needle) {
			return &files[i]
		}
	}
	if len(files) > 0 {
		return &files[0]
	}
	return nil
}

func modelPaths(st *workspace.State, path string) []string {
	ep, ok := st.Endpoints[path]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ep.Models))
	for _, m := range ep.Models {
		out = append(out, m.Path)
	}
	return out
}

// unitYAML renders every verb fragment of the unit as one YAML document.
func unitYAML(unit *spec.APIPath) (string, error) {
	var b strings.Builder
	for _, v := range unit.Verbs() {
		y, err := v.YAML()
		if err != nil {
			return "", fmt.Errorf("render %s %s: %w", v.Method, unit.Path, err)
		}
		b.WriteString(y)
	}
	return b.String(), nil
}
