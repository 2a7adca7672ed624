package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// InitConfig captures the options for the init command.
type InitConfig struct {
	OutputPath string
	Force      bool
	Verbose    bool
}

var initRunner = runInit

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a sample specforge configuration file",
		Long:  "Scaffold a commented specforge configuration file that documents available options.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := cmd.Flags().GetString("out")
			if err != nil {
				return err
			}
			force, err := cmd.Flags().GetBool("force")
			if err != nil {
				return err
			}
			verbose, err := cmd.Flags().GetBool("verbose")
			if err != nil {
				return err
			}
			cfg := &InitConfig{
				OutputPath: out,
				Force:      force,
				Verbose:    verbose,
			}
			return initRunner(cmd.Context(), cfg)
		},
	}

	cmd.Flags().String("out", "specforge.yaml", "Where to write the sample config file")
	cmd.Flags().Bool("force", false, "Overwrite the target file if it already exists")

	return cmd
}

func runInit(ctx context.Context, cfg *InitConfig) error {
	_ = ctx

	out := strings.TrimSpace(cfg.OutputPath)
	if out == "" {
		out = "specforge.yaml"
	}
	absPath, err := filepath.Abs(out)
	if err != nil {
		return fmt.Errorf("init: resolve output path: %w", err)
	}

	if st, err := os.Stat(absPath); err == nil && !cfg.Force {
		if st.Mode().IsRegular() {
			return newUsageError(fmt.Sprintf("init: %q already exists (use --force to overwrite)", absPath))
		}
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return newUsageError(fmt.Sprintf("init: cannot create parent directory: %v", err))
	}

	content := strings.TrimSpace(sampleConfigYAML) + "\n"

	// Atomic write via temp + rename
	tmp := absPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return newUsageError(fmt.Sprintf("init: cannot write temp file: %v\nHint: choose a different --out or check directory permissions.", err))
	}
	if err := os.Rename(tmp, absPath); err != nil {
		_ = os.Remove(tmp)
		return newUsageError(fmt.Sprintf("init: cannot place file at %s: %v", absPath, err))
	}
	fmt.Fprintf(os.Stdout, "Wrote sample config to %s\n", absPath)
	return nil
}

// sampleConfigYAML is a commented example config documenting available options.
const sampleConfigYAML = `# specforge configuration (YAML)
# All fields are optional. Command-line flags override config values.

# Paths or URLs to Swagger/OpenAPI documents (http/https or local files).
# Multiple documents are merged into one definition.
# inputs:
#   - ./openapi.yaml
#   - https://example.com/swagger.json

# Destination directory. When omitted, derived from the spec title.
# out: ./api-tests

# Generation depth: models (models and services only), smoke (one test
# per verb), or full (a regression suite per verb). Defaults to smoke.
# depth: smoke

# Only process these normalized endpoint paths (comma-separated or list).
# paths: [/users, /orders]

# Path prefixes stripped during normalization. Defaults to /api.
# prefixes: [/api]

# Command implementing the generation oracle. It receives a JSON request
# on stdin and must write a JSON response to stdout.
# oracleCmd: oracle-client --profile default

# Oracle fix attempts per compile failure. Defaults to 3.
# maxFixRounds: 3

# Discard any previous checkpoint ledger and start over.
# fresh: false

# Extend an existing framework tree, skipping finished endpoints.
# useExisting: false

# With useExisting, regenerate endpoints even when already done.
# override: false

# Enable verbose logging.
# verbose: false
`
