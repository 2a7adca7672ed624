package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// request is the JSON document written to the oracle command's stdin. Op
// selects the operation; the remaining fields are populated as relevant.
type request struct {
	Op          string         `json:"op"`
	Spec        string         `json:"spec,omitempty"`
	Artifacts   []Artifact     `json:"artifacts,omitempty"`
	FirstTest   *Artifact      `json:"firstTest,omitempty"`
	Files       []Artifact     `json:"files,omitempty"`
	Diagnostics []Diagnostic   `json:"diagnostics,omitempty"`
	FocusFields []string       `json:"focusFields,omitempty"`
	Catalog     []CatalogEntry `json:"catalog,omitempty"`
}

// response is the JSON document the command writes to stdout.
type response struct {
	Artifacts  []Artifact `json:"artifacts,omitempty"`
	Candidates []string   `json:"candidates,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// CommandOracle implements Oracle by running an external command per call,
// with a JSON request on stdin and a JSON response on stdout. What sits
// behind the command is the operator's business.
type CommandOracle struct {
	argv   []string
	logger *slog.Logger
}

// NewCommandOracle builds a command-backed oracle from a shell-less argv.
func NewCommandOracle(argv []string, logger *slog.Logger) (*CommandOracle, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, fmt.Errorf("oracle: empty command")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CommandOracle{argv: argv, logger: logger}, nil
}

func (c *CommandOracle) call(ctx context.Context, req request) (*response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Op: req.Op, Cause: err}
	}

	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("oracle call", "op", req.Op, "bytes", len(payload))
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, &Error{Op: req.Op, Message: msg, Cause: err}
	}

	var resp response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, &Error{Op: req.Op, Message: "malformed oracle response", Cause: err}
	}
	if resp.Error != "" {
		return nil, &Error{Op: req.Op, Message: resp.Error}
	}
	return &resp, nil
}

func (c *CommandOracle) GenerateModels(ctx context.Context, verbSpec string, contextArtifacts []Artifact) ([]Artifact, error) {
	resp, err := c.call(ctx, request{Op: "generate-models", Spec: verbSpec, Artifacts: contextArtifacts})
	if err != nil {
		return nil, err
	}
	return resp.Artifacts, nil
}

func (c *CommandOracle) GenerateFirstTest(ctx context.Context, verbSpec string, artifacts []Artifact) (Artifact, error) {
	resp, err := c.call(ctx, request{Op: "generate-first-test", Spec: verbSpec, Artifacts: artifacts})
	if err != nil {
		return Artifact{}, err
	}
	if len(resp.Artifacts) == 0 {
		return Artifact{}, &Error{Op: "generate-first-test", Message: "oracle returned no test file"}
	}
	return resp.Artifacts[0], nil
}

func (c *CommandOracle) GenerateAdditionalTests(ctx context.Context, verbSpec string, firstTest Artifact, artifacts []Artifact) ([]Artifact, error) {
	resp, err := c.call(ctx, request{Op: "generate-additional-tests", Spec: verbSpec, FirstTest: &firstTest, Artifacts: artifacts})
	if err != nil {
		return nil, err
	}
	return resp.Artifacts, nil
}

func (c *CommandOracle) FixFiles(ctx context.Context, files []Artifact, diagnostics []Diagnostic) ([]Artifact, error) {
	resp, err := c.call(ctx, request{Op: "fix-files", Files: files, Diagnostics: diagnostics})
	if err != nil {
		return nil, err
	}
	return resp.Artifacts, nil
}

func (c *CommandOracle) ResolveDependencyCandidates(ctx context.Context, focusFields []string, catalog []CatalogEntry) ([]string, error) {
	resp, err := c.call(ctx, request{Op: "resolve-dependencies", FocusFields: focusFields, Catalog: catalog})
	if err != nil {
		return nil, err
	}
	return resp.Candidates, nil
}
