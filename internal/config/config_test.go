package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithRequiredEnv(t *testing.T) {
	t.Setenv("RULES_FILE", "/etc/curator/rules.csv")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ModeAll, cfg.Mode)
	require.Equal(t, "/etc/curator/rules.csv", cfg.Classify.RulesFile)
	require.Equal(t, 8, cfg.Scan.Workers)
}

func TestLoadMissingRulesFileFails(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("RULES_FILE", "/etc/curator/rules.csv")
	t.Setenv("SCAN_WORKERS", "16")
	t.Setenv("MODE", "scan")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 16, cfg.Scan.Workers)
	require.Equal(t, ModeScan, cfg.Mode)
}

func TestLoadUnknownModeFails(t *testing.T) {
	t.Setenv("RULES_FILE", "/etc/curator/rules.csv")
	t.Setenv("MODE", "nonsense")

	_, err := Load("")
	require.Error(t, err)
}

func TestOllamaURLEnvPopulatesEndpoints(t *testing.T) {
	t.Setenv("RULES_FILE", "/etc/curator/rules.csv")
	t.Setenv("OLLAMA_URL", "http://localhost:11434|4|llama3,http://gpu-box:11434|8|llama3")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Len(t, cfg.AI.Endpoints, 2)
	require.Equal(t, "http://localhost:11434|4|llama3", cfg.AI.Endpoints[0])
}

func TestNoAIEnvDisablesAI(t *testing.T) {
	t.Setenv("RULES_FILE", "/etc/curator/rules.csv")
	t.Setenv("NO_AI", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	require.False(t, cfg.Classify.AIEnabled)
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "curator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: classify\nscan:\n  workers: 3\nclassify:\n  rules_file: /data/rules.csv\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ModeClassify, cfg.Mode)
	require.Equal(t, 3, cfg.Scan.Workers)
	require.Equal(t, "/data/rules.csv", cfg.Classify.RulesFile)
}

func TestLoadFromTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "curator.toml")
	require.NoError(t, os.WriteFile(path, []byte("mode = \"classify\"\n\n[scan]\nworkers = 5\n\n[classify]\nrules_file = \"/data/rules.csv\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ModeClassify, cfg.Mode)
	require.Equal(t, 5, cfg.Scan.Workers)
	require.Equal(t, "/data/rules.csv", cfg.Classify.RulesFile)
}
