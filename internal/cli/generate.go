package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/specforge/specforge/internal/checkpoint"
	"github.com/specforge/specforge/internal/oracle"
	"github.com/specforge/specforge/internal/orchestrator"
	genspec "github.com/specforge/specforge/internal/spec"
	"github.com/specforge/specforge/internal/toolchain"
	"github.com/specforge/specforge/internal/workspace"
)

// GenerateConfig captures all inputs that influence the generate command
// after merging defaults, config file values, and CLI overrides.
type GenerateConfig struct {
	Inputs       []string
	Out          string
	Depth        string
	Paths        []string
	Prefixes     []string
	OracleCmd    []string
	MaxFixRounds int
	Fresh        bool
	UseExisting  bool
	Override     bool
	ConfigPath   string
	Verbose      bool
}

func defaultGenerateConfig() GenerateConfig {
	return GenerateConfig{Depth: string(orchestrator.DepthSmoke)}
}

var generateRunner = runGenerate

func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an API test framework from OpenAPI/Swagger documents",
		Long: "Generate a TypeScript API test framework from one or more OpenAPI/Swagger documents. " +
			"Options can be provided via flags, config files, or defaults. Interrupted runs resume " +
			"from the last checkpoint unless --fresh is set.",
		Example: strings.TrimSpace(`  specforge generate --input api.yaml --out ./api-tests --oracle-cmd "oracle-client"
  specforge generate --input v2.json --input v3.yaml --depth full --paths /users
  specforge --config specforge.yaml generate --fresh`),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveGenerateConfig(cmd)
			if err != nil {
				return err
			}
			return generateRunner(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringSlice("input", nil, "Path or URL to a Swagger/OpenAPI document (repeatable)")
	flags.String("out", "", "Destination directory for the generated framework (derived from spec title when omitted)")
	flags.String("depth", "", "Generation depth: models, smoke, or full; defaults to smoke")
	flags.StringSlice("paths", nil, "Only process these normalized endpoint paths")
	flags.StringSlice("prefixes", nil, "Path prefixes stripped during normalization; defaults to /api")
	flags.String("oracle-cmd", "", "Command implementing the generation oracle (JSON over stdin/stdout)")
	flags.Int("max-fix-rounds", 0, "Oracle fix attempts per compile failure; defaults to 3")
	flags.Bool("fresh", false, "Discard any previous checkpoint ledger and start over")
	flags.Bool("use-existing", false, "Extend an existing framework tree, skipping finished endpoints")
	flags.Bool("override", false, "With --use-existing, regenerate endpoints even when already done")

	return cmd
}

func resolveGenerateConfig(cmd *cobra.Command) (*GenerateConfig, error) {
	cfg := defaultGenerateConfig()

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	configPath = strings.TrimSpace(configPath)
	if configPath != "" {
		cfg.ConfigPath = configPath
		if err := applyGenerateConfigFromFile(&cfg, configPath); err != nil {
			return nil, err
		}
	}

	if err := applyGenerateFlagOverrides(cmd.Flags(), &cfg); err != nil {
		return nil, err
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyGenerateFlagOverrides(flags *pflag.FlagSet, cfg *GenerateConfig) error {
	if flags.Changed("input") {
		value, err := flags.GetStringSlice("input")
		if err != nil {
			return err
		}
		cfg.Inputs = sanitizeList(value)
	}
	if flags.Changed("out") {
		value, err := flags.GetString("out")
		if err != nil {
			return err
		}
		cfg.Out = strings.TrimSpace(value)
	}
	if flags.Changed("depth") {
		value, err := flags.GetString("depth")
		if err != nil {
			return err
		}
		cfg.Depth = strings.TrimSpace(value)
	}
	if flags.Changed("paths") {
		value, err := flags.GetStringSlice("paths")
		if err != nil {
			return err
		}
		cfg.Paths = sanitizeList(value)
	}
	if flags.Changed("prefixes") {
		value, err := flags.GetStringSlice("prefixes")
		if err != nil {
			return err
		}
		cfg.Prefixes = sanitizeList(value)
	}
	if flags.Changed("oracle-cmd") {
		value, err := flags.GetString("oracle-cmd")
		if err != nil {
			return err
		}
		cfg.OracleCmd = strings.Fields(value)
	}
	if flags.Changed("max-fix-rounds") {
		value, err := flags.GetInt("max-fix-rounds")
		if err != nil {
			return err
		}
		cfg.MaxFixRounds = value
	}
	if flags.Changed("fresh") {
		value, err := flags.GetBool("fresh")
		if err != nil {
			return err
		}
		cfg.Fresh = value
	}
	if flags.Changed("use-existing") {
		value, err := flags.GetBool("use-existing")
		if err != nil {
			return err
		}
		cfg.UseExisting = value
	}
	if flags.Changed("override") {
		value, err := flags.GetBool("override")
		if err != nil {
			return err
		}
		cfg.Override = value
	}
	if flags.Changed("verbose") {
		value, err := flags.GetBool("verbose")
		if err != nil {
			return err
		}
		cfg.Verbose = value
	}

	return nil
}

func (c *GenerateConfig) normalize() {
	c.Inputs = sanitizeList(c.Inputs)
	c.Out = strings.TrimSpace(c.Out)
	c.Depth = strings.ToLower(strings.TrimSpace(c.Depth))
	c.Paths = sanitizeList(c.Paths)
	c.Prefixes = sanitizeList(c.Prefixes)
}

func (c *GenerateConfig) validate() error {
	if len(c.Inputs) == 0 {
		return newUsageError("generate: --input is required (set via flag or config file)")
	}

	switch c.Depth {
	case "", string(orchestrator.DepthModels), string(orchestrator.DepthSmoke), string(orchestrator.DepthFull):
		if c.Depth == "" {
			c.Depth = string(orchestrator.DepthSmoke)
		}
	default:
		return newUsageError(fmt.Sprintf("generate: unsupported --depth %q (allowed: models, smoke, full)", c.Depth))
	}

	if c.MaxFixRounds < 0 {
		return newUsageError("generate: --max-fix-rounds must not be negative")
	}
	if len(c.OracleCmd) == 0 {
		return newUsageError("generate: --oracle-cmd is required (set via flag or config file)")
	}
	if c.Override && !c.UseExisting {
		return newUsageError("generate: --override only makes sense together with --use-existing")
	}

	return nil
}

func runGenerate(ctx context.Context, cfg *GenerateConfig) error {
	logger := newLogger(cfg.Verbose)

	// 1) Normalize every input document into one merged API definition.
	var opts []genspec.Option
	if len(cfg.Prefixes) > 0 {
		opts = append(opts, genspec.WithPrefixes(cfg.Prefixes))
	}
	opts = append(opts, genspec.WithLogger(logger))
	def, err := genspec.NewNormalizer(opts...).Normalize(ctx, cfg.Inputs)
	if err != nil {
		var pe *genspec.ParseError
		if errors.As(err, &pe) {
			msg := fmt.Sprintf("spec: %s", pe.Message)
			if pe.Location != "" {
				msg = fmt.Sprintf("%s\nLocation: %s", msg, pe.Location)
			}
			return newUsageError(msg)
		}
		return err
	}
	for _, w := range def.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	if def.Len() == 0 {
		return newUsageError("generate: the provided documents contain no paths")
	}

	// 2) Destination directory, derived from the spec title when omitted.
	outDir := cfg.Out
	if outDir == "" {
		outDir = deriveOutDir(def.Title)
		if outDir == "" {
			outDir = "api-tests"
		}
	}
	absOut := outDir
	if ap, err := filepath.Abs(outDir); err == nil {
		absOut = ap
	}
	if err := os.MkdirAll(absOut, 0o755); err != nil {
		return newUsageError(fmt.Sprintf("generate: cannot create output directory %s: %v", absOut, err))
	}

	// 3) Wire workspace, checkpoint ledger, oracle, and compiler.
	ws := workspace.NewOS(absOut, logger)
	store, err := checkpoint.Open(ws.FS(), workspace.LedgerFile, logger)
	if err != nil {
		return err
	}
	if cfg.Fresh {
		if err := store.Clear(); err != nil {
			return err
		}
	} else if store.HasRecords() {
		logger.Info("resuming interrupted run", "ledger", workspace.LedgerFile)
	}

	orc, err := oracle.NewCommandOracle(cfg.OracleCmd, logger)
	if err != nil {
		return newUsageError(err.Error())
	}
	checker := toolchain.NewTSC(absOut, ws, nil, logger)

	// 4) Run the pipeline and render the summary.
	o := orchestrator.New(orchestrator.Config{
		Depth:        orchestrator.Depth(cfg.Depth),
		Paths:        cfg.Paths,
		Override:     cfg.Override,
		UseExisting:  cfg.UseExisting,
		MaxFixRounds: cfg.MaxFixRounds,
	}, orc, checker, store, ws, logger)

	summary, runErr := o.Run(ctx, def)
	fmt.Fprint(os.Stdout, renderSummary(absOut, summary))
	if runErr != nil {
		return runErr
	}
	if failed := summary.Count(orchestrator.OutcomeFailed); failed > 0 {
		return fmt.Errorf("generate: %d of %d endpoints failed; re-run to resume from the last checkpoint", failed, len(summary.Units))
	}
	return nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func deriveOutDir(title string) string {
	t := strings.TrimSpace(strings.ToLower(title))
	if t == "" {
		return ""
	}
	repl := strings.NewReplacer("/", " ", "_", " ", ".", " ", ",", " ", ":", " ")
	parts := strings.Fields(repl.Replace(t))
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "-") + "-tests"
}

func sanitizeList(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	result := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		if _, exists := seen[trimmed]; exists {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func applyGenerateConfigFromFile(cfg *GenerateConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return newUsageError(fmt.Sprintf("read config file %q: %v", path, err))
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return newUsageError(fmt.Sprintf("parse config file %q: %v", path, err))
	}

	for key, value := range raw {
		normalized := normalizeKey(key)
		switch normalized {
		case "input", "inputs":
			list, err := valueAsStringSlice(value)
			if err != nil {
				return newUsageError(fmt.Sprintf("config field %q: %v", key, err))
			}
			cfg.Inputs = sanitizeList(list)
		case "out":
			str, err := valueAsString(value)
			if err != nil {
				return newUsageError(fmt.Sprintf("config field %q: %v", key, err))
			}
			cfg.Out = str
		case "depth":
			str, err := valueAsString(value)
			if err != nil {
				return newUsageError(fmt.Sprintf("config field %q: %v", key, err))
			}
			cfg.Depth = str
		case "paths":
			list, err := valueAsStringSlice(value)
			if err != nil {
				return newUsageError(fmt.Sprintf("config field %q: %v", key, err))
			}
			cfg.Paths = sanitizeList(list)
		case "prefixes":
			list, err := valueAsStringSlice(value)
			if err != nil {
				return newUsageError(fmt.Sprintf("config field %q: %v", key, err))
			}
			cfg.Prefixes = sanitizeList(list)
		case "oraclecmd":
			str, err := valueAsString(value)
			if err != nil {
				return newUsageError(fmt.Sprintf("config field %q: %v", key, err))
			}
			cfg.OracleCmd = strings.Fields(str)
		case "maxfixrounds":
			n, err := valueAsInt(value)
			if err != nil {
				return newUsageError(fmt.Sprintf("config field %q: %v", key, err))
			}
			cfg.MaxFixRounds = n
		case "fresh":
			val, err := valueAsBool(value)
			if err != nil {
				return newUsageError(fmt.Sprintf("config field %q: %v", key, err))
			}
			cfg.Fresh = val
		case "useexisting":
			val, err := valueAsBool(value)
			if err != nil {
				return newUsageError(fmt.Sprintf("config field %q: %v", key, err))
			}
			cfg.UseExisting = val
		case "override":
			val, err := valueAsBool(value)
			if err != nil {
				return newUsageError(fmt.Sprintf("config field %q: %v", key, err))
			}
			cfg.Override = val
		case "verbose":
			val, err := valueAsBool(value)
			if err != nil {
				return newUsageError(fmt.Sprintf("config field %q: %v", key, err))
			}
			cfg.Verbose = val
		default:
			return newUsageError(fmt.Sprintf("config file %q: unknown field %q", path, key))
		}
	}

	return nil
}

func normalizeKey(raw string) string {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	lowered = strings.ReplaceAll(lowered, "-", "")
	lowered = strings.ReplaceAll(lowered, "_", "")
	return lowered
}

func valueAsString(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("expected string, got %T", v)
	}
}

func valueAsStringSlice(v any) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(val) == "" {
			return nil, nil
		}
		return splitAndTrim(val), nil
	case []any:
		items := make([]string, 0, len(val))
		for idx, elem := range val {
			str, err := valueAsString(elem)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", idx, err)
			}
			if str != "" {
				items = append(items, str)
			}
		}
		return items, nil
	default:
		return nil, fmt.Errorf("expected string or list, got %T", v)
	}
}

func valueAsBool(v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		trimmed := strings.ToLower(strings.TrimSpace(val))
		switch trimmed {
		case "true", "t", "1", "yes", "y":
			return true, nil
		case "false", "f", "0", "no", "n":
			return false, nil
		case "":
			return false, nil
		default:
			return false, fmt.Errorf("invalid boolean value %q", val)
		}
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("expected boolean, got %T", v)
	}
}

func valueAsInt(v any) (int, error) {
	switch val := v.(type) {
	case int:
		return val, nil
	case float64:
		return int(val), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func splitAndTrim(csv string) []string {
	parts := strings.Split(csv, ",")
	cleaned := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return cleaned
}
