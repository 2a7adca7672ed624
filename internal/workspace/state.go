package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/go-git/go-billy/v5/util"

	"github.com/specforge/specforge/internal/oracle"
)

// State records what has already been generated per endpoint so an existing
// framework tree can be extended without regenerating finished work.
type State struct {
	Endpoints map[string]*EndpointState `json:"endpoints"`
}

// EndpointState is one endpoint path's generation record.
type EndpointState struct {
	Path   string              `json:"path"`
	Models []ModelMeta         `json:"models,omitempty"`
	Tests  map[string][]string `json:"tests,omitempty"` // verb method to test file paths
}

// ModelMeta points at a generated model/service file and its summary.
type ModelMeta struct {
	Path    string      `json:"path"`
	Summary string      `json:"summary,omitempty"`
	Kind    oracle.Kind `json:"kind,omitempty"`
}

// NewState returns an empty state.
func NewState() *State {
	return &State{Endpoints: make(map[string]*EndpointState)}
}

// ModelsGenerated reports whether models exist for an endpoint path.
func (s *State) ModelsGenerated(path string) bool {
	ep, ok := s.Endpoints[path]
	return ok && len(ep.Models) > 0
}

// TestsGenerated reports whether tests exist for a path/verb pair.
func (s *State) TestsGenerated(path, method string) bool {
	ep, ok := s.Endpoints[path]
	if !ok {
		return false
	}
	return len(ep.Tests[method]) > 0
}

// UpdateModels records generated models for an endpoint path.
func (s *State) UpdateModels(path string, artifacts []oracle.Artifact) {
	ep := s.endpoint(path)
	for _, a := range artifacts {
		replaced := false
		for i := range ep.Models {
			if ep.Models[i].Path == a.Path {
				ep.Models[i] = ModelMeta{Path: a.Path, Summary: a.Summary, Kind: a.Kind}
				replaced = true
				break
			}
		}
		if !replaced {
			ep.Models = append(ep.Models, ModelMeta{Path: a.Path, Summary: a.Summary, Kind: a.Kind})
		}
	}
}

// UpdateTests records generated test files for a path/verb pair.
func (s *State) UpdateTests(path, method string, testPaths []string) {
	ep := s.endpoint(path)
	if ep.Tests == nil {
		ep.Tests = make(map[string][]string)
	}
	merged := append(ep.Tests[method], testPaths...)
	seen := make(map[string]bool, len(merged))
	out := merged[:0]
	for _, p := range merged {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	ep.Tests[method] = out
}

// PathsWithModels lists endpoint paths that already have models, sorted.
func (s *State) PathsWithModels() []string {
	var out []string
	for p, ep := range s.Endpoints {
		if len(ep.Models) > 0 {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (s *State) endpoint(path string) *EndpointState {
	ep, ok := s.Endpoints[path]
	if !ok {
		ep = &EndpointState{Path: path}
		s.Endpoints[path] = ep
	}
	return ep
}

// LoadState reads the framework state from the destination tree, returning
// an empty state when none exists yet.
func (w *Workspace) LoadState() (*State, error) {
	raw, err := util.ReadFile(w.fs, StateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return NewState(), nil
		}
		return nil, fmt.Errorf("workspace: read state: %w", err)
	}
	st := NewState()
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("workspace: decode state: %w", err)
	}
	if st.Endpoints == nil {
		st.Endpoints = make(map[string]*EndpointState)
	}
	return st, nil
}

// SaveState persists the framework state atomically.
func (w *Workspace) SaveState(st *State) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("workspace: encode state: %w", err)
	}
	return w.WriteArtifact(oracle.Artifact{Path: StateFile, Content: string(raw) + "\n"})
}

// PreloadedArtifacts re-reads every model file named in the state, grouped
// by endpoint path, so they can seed the dependency catalog.
func (w *Workspace) PreloadedArtifacts(st *State) (map[string][]oracle.Artifact, error) {
	out := make(map[string][]oracle.Artifact)
	for p, ep := range st.Endpoints {
		var arts []oracle.Artifact
		for _, m := range ep.Models {
			a, err := w.ReadArtifact(m.Path)
			if err != nil {
				w.logger.Warn("unable to load model file from state", "path", m.Path, "error", err)
				continue
			}
			a.Summary = m.Summary
			a.Kind = m.Kind
			arts = append(arts, a)
		}
		if len(arts) > 0 {
			out[p] = arts
		}
	}
	return out, nil
}
