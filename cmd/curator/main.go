// Package main implements the curator CLI: a thin driver over the
// rules/metadata/full operations described by the pipeline's external
// interface. Modeled on the teacher's cmd/ctxd cobra layout.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sortkeep/curator/internal/aiclient"
	"github.com/sortkeep/curator/internal/apperr"
	"github.com/sortkeep/curator/internal/config"
	"github.com/sortkeep/curator/internal/logging"
	"github.com/sortkeep/curator/internal/model"
	"github.com/sortkeep/curator/internal/orchestrator"
	"github.com/sortkeep/curator/internal/probe"
	"github.com/sortkeep/curator/internal/rules"
)

// Exit codes per spec §6.
const (
	exitSuccess            = 0
	exitConfigError        = 1
	exitInvariantViolation = 2
	exitAIUnreachable      = 3
)

var (
	rulesFile      string
	categoriesFile string
	version        = "dev"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		return exitCodeFor(err)
	}
	return exitSuccess
}

var rootCmd = &cobra.Command{
	Use:     "curator",
	Short:   "Classify and plan a deterministic reorganization of a file tree",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rulesFile, "rules", "rules.csv", "path to the rules CSV file")
	rootCmd.PersistentFlags().StringVar(&categoriesFile, "categories", "", "path to the categories allowlist file (optional)")
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(metadataCmd)
	rootCmd.AddCommand(fullCmd)
}

func exitCodeFor(err error) int {
	var cfgErr *apperr.ConfigError
	var invErr *apperr.InvariantViolation
	var aiErr *apperr.AIUnavailable
	switch {
	case errors.As(err, &invErr):
		return exitInvariantViolation
	case errors.As(err, &aiErr):
		return exitAIUnreachable
	case errors.As(err, &cfgErr):
		return exitConfigError
	default:
		return exitConfigError
	}
}

// rulesCmd loads and validates a rules file, reporting unreachable-rule
// warnings without running any pipeline stage.
var rulesCmd = &cobra.Command{
	Use:   "rules <path>",
	Short: "Load and validate a rules file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, warnings, err := rules.Load(args[0])
		if err != nil {
			return err
		}
		for _, w := range warnings {
			fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", w)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "loaded %d rule(s) from %s\n", engine.Len(), args[0])
		return nil
	},
}

// metadataCmd probes a single file and prints what the Metadata Probe
// would record for it, without touching the catalog.
var metadataCmd = &cobra.Command{
	Use:   "metadata <path>",
	Short: "Probe MIME type, EXIF, and document-head metadata for one file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		p := probe.NewDefaultProbe()

		mime, err := p.ProbeMIME(ctx, args[0])
		if err != nil {
			return apperr.NewProbeError(args[0], "mime sniff", err)
		}
		exif, _ := p.ProbeEXIF(ctx, args[0])
		docHead, _ := p.ProbeDocHead(ctx, args[0], 256)

		info, statErr := os.Stat(args[0])
		var size string
		if statErr == nil {
			size = humanize.Bytes(uint64(info.Size()))
		}

		fmt.Fprintf(cmd.OutOrStdout(), "path:     %s\n", args[0])
		fmt.Fprintf(cmd.OutOrStdout(), "size:     %s\n", size)
		fmt.Fprintf(cmd.OutOrStdout(), "mime:     %s\n", mime)
		if len(exif) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "exif:     %v\n", exif)
		}
		if docHead != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "doc-head: %s\n", docHead)
		}
		return nil
	},
}

var (
	noAI               bool
	jsonOut            string
	ollamaURL          string
	expectDisaggregate string
	expectKeep         string
)

func init() {
	fullCmd.Flags().BoolVar(&noAI, "no-ai", false, "disable the AI classifier stage")
	fullCmd.Flags().StringVar(&jsonOut, "json", "", "write the resulting plan as JSON to this file")
	fullCmd.Flags().StringVar(&ollamaURL, "ollama-url", "", "AI endpoint spec(s), comma-separated url|workers|model")
	fullCmd.Flags().StringVar(&expectDisaggregate, "expect-disaggregate", "", "fail if this top-level folder name is not classified disaggregate")
	fullCmd.Flags().StringVar(&expectKeep, "expect-keep", "", "fail if this top-level folder name is not classified keep")
}

// fullCmd runs the complete scan -> hash -> classify -> plan pipeline
// against path and optionally asserts the outcome of specific top-level
// folders, for scripted verification.
var fullCmd = &cobra.Command{
	Use:   "full <path>",
	Short: "Run the full classification and planning pipeline against a source tree",
	Args:  cobra.ExactArgs(1),
	RunE:  runFull,
}

func runFull(cmd *cobra.Command, args []string) error {
	root, err := filepath.Abs(args[0])
	if err != nil {
		return apperr.NewConfigError("resolving source path", err)
	}

	log, err := logging.New(logging.DefaultConfig())
	if err != nil {
		return apperr.NewConfigError("building logger", err)
	}
	defer log.Sync() //nolint:errcheck

	cfg := config.Defaults()
	cfg.Mode = config.ModeAll
	cfg.Scan.Roots = []string{root}
	cfg.Classify.RulesFile = rulesFile
	cfg.Classify.CategoriesFile = categoriesFile
	cfg.Classify.AIEnabled = !noAI
	cfg.Catalog.Path = filepath.Join(os.TempDir(), fmt.Sprintf("curator-%s.db", uuid.NewString()))
	if ollamaURL != "" {
		cfg.AI.Endpoints = []string{ollamaURL}
	}

	if cfg.Classify.AIEnabled && len(cfg.AI.Endpoints) > 0 {
		if err := checkAIReachable(cfg); err != nil {
			return err
		}
	}

	orch, err := orchestrator.New(cfg, log)
	if err != nil {
		return err
	}
	defer orch.Close()

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("classifying "+root),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWriter(cmd.OutOrStdout()),
	)
	done := make(chan struct{})
	go tickBar(bar, done)

	ctx := orchestrator.WithRunID(context.Background(), uuid.NewString())
	runErr := orch.Run(ctx)
	close(done)
	bar.Finish()

	if runErr != nil {
		return runErr
	}

	fmt.Fprintln(cmd.OutOrStdout(), "pipeline complete")

	if jsonOut != "" {
		if err := writePlanJSON(orch, jsonOut); err != nil {
			return apperr.NewConfigError("writing plan JSON", err)
		}
	}

	return checkExpectations(orch, root)
}

// writePlanJSON dumps every plan entry, sorted by source path (the order
// Planner already committed them in), to path.
func writePlanJSON(orch *orchestrator.Orchestrator, path string) error {
	entries, err := orch.Catalog().AllPlanEntries()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

// checkExpectations enforces --expect-disaggregate/--expect-keep against
// the top-level folders of root, for scripted verification. A mismatch is
// an invariant violation, the exit-code-2 case.
func checkExpectations(orch *orchestrator.Orchestrator, root string) error {
	if expectDisaggregate == "" && expectKeep == "" {
		return nil
	}
	folders, err := orch.Catalog().FoldersByDepthRange(0, 1<<30)
	if err != nil {
		return err
	}
	byName := make(map[string]model.FolderRecord, len(folders))
	for _, f := range folders {
		if filepath.Dir(f.Path) == root {
			byName[filepath.Base(f.Path)] = f
		}
	}

	if expectDisaggregate != "" {
		rec, ok := byName[expectDisaggregate]
		if !ok || rec.Action != model.ActionDisaggregate {
			return apperr.NewInvariantViolation(filepath.Join(root, expectDisaggregate),
				"expected disaggregate action")
		}
	}
	if expectKeep != "" {
		rec, ok := byName[expectKeep]
		if !ok || rec.Action != model.ActionKeep {
			return apperr.NewInvariantViolation(filepath.Join(root, expectKeep),
				"expected keep action")
		}
	}
	return nil
}

func tickBar(bar *progressbar.ProgressBar, done chan struct{}) {
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = bar.Add(1)
		}
	}
}

func checkAIReachable(cfg *config.Config) error {
	var endpoints []aiclient.EndpointSpec
	for _, raw := range cfg.AI.Endpoints {
		parsed, err := aiclient.ParseEndpoints(raw)
		if err != nil {
			return apperr.NewConfigError("parsing --ollama-url", err)
		}
		endpoints = append(endpoints, parsed...)
	}
	client, err := aiclient.New(aiclient.Config{
		Endpoints:      endpoints,
		RequestTimeout: cfg.AI.RequestTimeout,
		MaxRetries:     cfg.AI.MaxRetries,
		BaseBackoff:    cfg.AI.BaseBackoff,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.Ping(ctx)
}
