// Package config loads curator configuration from a YAML or TOML file overridden by
// environment variables, in the style of the teacher's own config loader:
// environment wins, then file, then hardcoded defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/sortkeep/curator/internal/apperr"
)

// Mode selects which stage(s) the Orchestrator runs for one invocation.
type Mode string

const (
	ModeScan     Mode = "scan"
	ModeHash     Mode = "hash"
	ModeClassify Mode = "classify"
	ModePlan     Mode = "plan"
	ModeAll      Mode = "all"
)

// ScanConfig controls the Scanner stage.
type ScanConfig struct {
	Roots       []string `koanf:"roots"`
	Workers     int      `koanf:"workers"`
	IgnoreFiles []string `koanf:"ignore_files"`
}

// HashConfig controls the Hasher stage.
type HashConfig struct {
	Workers   int    `koanf:"workers"`
	Algorithm string `koanf:"algorithm"` // "sha256" (default) or "sha512"
}

// ClassifyConfig controls the Classifier Chain.
type ClassifyConfig struct {
	RulesFile       string        `koanf:"rules_file"`
	CategoriesFile  string        `koanf:"categories_file"`
	AIEnabled       bool          `koanf:"ai_enabled"`
	WallClockBudget time.Duration `koanf:"wall_clock_budget"`
}

// AIConfig controls the AI Classifier Client.
type AIConfig struct {
	// Endpoints holds the raw OLLAMA_URL-style spec: "url|workers|model"
	// comma-separated entries.
	Endpoints      []string      `koanf:"endpoints"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	MaxRetries     int           `koanf:"max_retries"`
	BaseBackoff    time.Duration `koanf:"base_backoff"`
	BatchSize      int           `koanf:"batch_size"`
}

// CatalogConfig controls the Catalog Store.
type CatalogConfig struct {
	Path      string `koanf:"path"`
	BatchSize int    `koanf:"batch_size"`
}

// PlanConfig controls the Planner.
type PlanConfig struct {
	MoveWorkers int    `koanf:"move_workers"`
	OutputJSON  string `koanf:"output_json"`
}

// Config is the full curator configuration.
type Config struct {
	Mode     Mode           `koanf:"mode"`
	Scan     ScanConfig     `koanf:"scan"`
	Hash     HashConfig     `koanf:"hash"`
	Classify ClassifyConfig `koanf:"classify"`
	AI       AIConfig       `koanf:"ai"`
	Catalog  CatalogConfig  `koanf:"catalog"`
	Plan     PlanConfig     `koanf:"plan"`
}

// Defaults returns the hardcoded baseline configuration, the lowest-priority
// layer in the load order.
func Defaults() *Config {
	return &Config{
		Mode: ModeAll,
		Scan: ScanConfig{
			Workers:     8,
			IgnoreFiles: []string{".curatorignore"},
		},
		Hash: HashConfig{
			Workers:   8,
			Algorithm: "sha256",
		},
		Classify: ClassifyConfig{
			AIEnabled:       true,
			WallClockBudget: 30 * time.Minute,
		},
		AI: AIConfig{
			RequestTimeout: 120 * time.Second,
			MaxRetries:     2,
			BaseBackoff:    500 * time.Millisecond,
			BatchSize:      16,
		},
		Catalog: CatalogConfig{
			Path:      "curator-catalog.db",
			BatchSize: 500,
		},
		Plan: PlanConfig{
			MoveWorkers: 4,
		},
	}
}

// Load builds a Config from defaults, an optional YAML (or, with a .toml
// extension, TOML) file at configPath
// (skipped silently if configPath is empty or the file does not exist), and
// environment variables, in that priority order (env wins).
//
// Recognized environment variables mirror spec §6/§8's knobs:
// MODE, SCAN_WORKERS, HASH_WORKERS, OLLAMA_WORKERS (folded into AI.Endpoints
// worker counts), MOVE_WORKERS, OLLAMA_URL, RULES_FILE, CATEGORIES_FILE,
// CATALOG_PATH.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			parser := configParserFor(configPath)
			if err := k.Load(fileProvider{path: configPath}, parser); err != nil {
				return nil, apperr.NewConfigError(fmt.Sprintf("loading config file %s", configPath), err)
			}
		}
	}

	if err := k.Load(env.Provider("", ".", envKeyTransform), nil); err != nil {
		return nil, apperr.NewConfigError("loading environment overrides", err)
	}

	out := Defaults()
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           out,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}
	if err := k.UnmarshalWithConf("", out, unmarshalConf); err != nil {
		return nil, apperr.NewConfigError("unmarshaling configuration", err)
	}

	applyLegacyEnvAliases(out)

	if err := validate(out); err != nil {
		return nil, err
	}

	return out, nil
}

// configParserFor picks the YAML or TOML parser by file extension; YAML is
// the default for any other extension, matching the teacher's convention.
func configParserFor(path string) koanf.Parser {
	if strings.HasSuffix(path, ".toml") {
		return tomlParser{}
	}
	return yaml.Parser()
}

// envKeyTransform maps flat environment variable names to dotted koanf
// keys, e.g. SCAN_WORKERS -> scan.workers.
func envKeyTransform(s string) string {
	lower := strings.ToLower(s)
	switch lower {
	case "mode":
		return "mode"
	case "scan_workers":
		return "scan.workers"
	case "hash_workers":
		return "hash.workers"
	case "move_workers":
		return "plan.move_workers"
	case "rules_file":
		return "classify.rules_file"
	case "categories_file":
		return "classify.categories_file"
	case "catalog_path":
		return "catalog.path"
	default:
		return strings.ReplaceAll(lower, "_", ".")
	}
}

// applyLegacyEnvAliases handles the spec's OLLAMA_URL / OLLAMA_WORKERS
// environment contract directly, since its "spec1,spec2|workers|model"
// shape does not map cleanly onto a single koanf dotted key.
func applyLegacyEnvAliases(cfg *Config) {
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		cfg.AI.Endpoints = strings.Split(v, ",")
	}
	if v := os.Getenv("OLLAMA_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && len(cfg.AI.Endpoints) == 1 {
			spec := fmt.Sprintf("%s|%d", stripWorkerSuffix(cfg.AI.Endpoints[0]), n)
			if parts := strings.Split(cfg.AI.Endpoints[0], "|"); len(parts) > 2 {
				spec += "|" + parts[2] // keep the model segment
			}
			cfg.AI.Endpoints[0] = spec
		}
	}
	if v := os.Getenv("NO_AI"); v == "1" || v == "true" {
		cfg.Classify.AIEnabled = false
	}
}

func stripWorkerSuffix(spec string) string {
	parts := strings.SplitN(spec, "|", 2)
	return parts[0]
}

func validate(cfg *Config) error {
	switch cfg.Mode {
	case ModeScan, ModeHash, ModeClassify, ModePlan, ModeAll:
	default:
		return apperr.NewConfigError(fmt.Sprintf("unknown mode %q", cfg.Mode), nil)
	}
	if cfg.Classify.RulesFile == "" {
		return apperr.NewConfigError("classify.rules_file (or RULES_FILE) is required", nil)
	}
	if cfg.Scan.Workers <= 0 {
		return apperr.NewConfigError("scan.workers must be positive", nil)
	}
	if cfg.Hash.Workers <= 0 {
		return apperr.NewConfigError("hash.workers must be positive", nil)
	}
	return nil
}
