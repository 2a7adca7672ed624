// Package workspace is the file-system sink for generated artifacts. It
// writes the destination tree mirroring the target framework's model/test
// layout and keeps the persistent framework state that lets an existing
// tree be extended on later runs.
package workspace

import (
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/specforge/specforge/internal/oracle"
)

// MetaDir holds specforge bookkeeping inside the destination tree.
const MetaDir = ".specforge"

// StateFile records which endpoints already have generated models/tests.
const StateFile = MetaDir + "/state.json"

// LedgerFile is the checkpoint ledger location for resumable runs.
const LedgerFile = MetaDir + "/checkpoints.json"

// Workspace wraps a billy filesystem rooted at the destination folder.
type Workspace struct {
	fs     billy.Filesystem
	logger *slog.Logger
}

// New builds a workspace over an arbitrary filesystem (memfs in tests).
func New(fsys billy.Filesystem, logger *slog.Logger) *Workspace {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Workspace{fs: fsys, logger: logger}
}

// NewOS builds a workspace over the OS filesystem rooted at destRoot.
func NewOS(destRoot string, logger *slog.Logger) *Workspace {
	return New(osfs.New(destRoot), logger)
}

// FS exposes the underlying filesystem for collaborators (checkpoint store).
func (w *Workspace) FS() billy.Filesystem { return w.fs }

// WriteArtifact persists one artifact atomically (temp file plus rename),
// creating parent directories as needed.
func (w *Workspace) WriteArtifact(a oracle.Artifact) error {
	rel := path.Clean(strings.TrimPrefix(a.Path, "/"))
	if rel == "." || rel == "" {
		return fmt.Errorf("workspace: artifact has empty path")
	}
	if dir := path.Dir(rel); dir != "." {
		if err := w.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("workspace: mkdir %s: %w", dir, err)
		}
	}
	tmp := rel + ".tmp"
	if err := util.WriteFile(w.fs, tmp, []byte(a.Content), 0o644); err != nil {
		return fmt.Errorf("workspace: write %s: %w", rel, err)
	}
	if err := w.fs.Rename(tmp, rel); err != nil {
		_ = w.fs.Remove(tmp)
		return fmt.Errorf("workspace: rename %s: %w", rel, err)
	}
	w.logger.Debug("wrote artifact", "path", rel, "bytes", len(a.Content))
	return nil
}

// WriteArtifacts persists a batch in order.
func (w *Workspace) WriteArtifacts(artifacts []oracle.Artifact) error {
	for _, a := range artifacts {
		if err := w.WriteArtifact(a); err != nil {
			return err
		}
	}
	return nil
}

// ReadArtifact loads a previously written artifact's content.
func (w *Workspace) ReadArtifact(filePath string) (oracle.Artifact, error) {
	rel := path.Clean(strings.TrimPrefix(filePath, "/"))
	raw, err := util.ReadFile(w.fs, rel)
	if err != nil {
		return oracle.Artifact{}, fmt.Errorf("workspace: read %s: %w", rel, err)
	}
	return oracle.Artifact{Path: filePath, Content: string(raw)}, nil
}

// WriteEnvFile scaffolds a .env with the base URLs found in the definition.
// Existing .env files are left alone.
func (w *Workspace) WriteEnvFile(servers []string) error {
	if _, err := w.fs.Stat(".env"); err == nil {
		return nil
	}
	var b strings.Builder
	if len(servers) > 0 {
		fmt.Fprintf(&b, "BASEURL=%s\n", servers[0])
		for i, s := range servers[1:] {
			fmt.Fprintf(&b, "BASEURL_%d=%s\n", i+2, s)
		}
	} else {
		b.WriteString("BASEURL=\n")
	}
	return w.WriteArtifact(oracle.Artifact{Path: ".env", Content: b.String()})
}
