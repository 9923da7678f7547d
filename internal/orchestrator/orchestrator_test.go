package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sortkeep/curator/internal/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRunAllModeProducesPlanEntries(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	writeFile(t, filepath.Join(src, "invoice.pdf"), "pdf-bytes")
	writeFile(t, filepath.Join(src, "project", ".git", "config"), "git-config")

	rulesPath := filepath.Join(dir, "rules.csv")
	writeFile(t, rulesPath, "^.*/project$,*,System/Metadata,keep,final\n"+
		"\\.pdf$,*,Documents/Finance,keep,final\n")

	cfg := &config.Config{
		Mode: config.ModeAll,
		Scan: config.ScanConfig{Roots: []string{src}, Workers: 2},
		Hash: config.HashConfig{Workers: 2, Algorithm: "sha256"},
		Classify: config.ClassifyConfig{
			RulesFile: rulesPath,
			AIEnabled: false,
		},
		Catalog: config.CatalogConfig{Path: filepath.Join(dir, "catalog.db"), BatchSize: 10},
	}

	logger := zap.NewNop()
	orch, err := New(cfg, logger)
	require.NoError(t, err)
	defer orch.Close()

	ctx := WithRunID(context.Background(), "test-run")
	require.NoError(t, orch.Run(ctx))

	entries, err := orch.store.AllPlanEntries()
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var sawKeepUnit, sawPlace bool
	for _, e := range entries {
		switch e.Target {
		case "System/Metadata/project":
			sawKeepUnit = true
		case "Documents/Finance/invoice.pdf":
			sawPlace = true
		}
	}
	require.True(t, sawKeepUnit, "expected a keep-unit entry for the project folder")
	require.True(t, sawPlace, "expected a place entry for invoice.pdf")
}

func TestRunRejectsUnknownMode(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules.csv")
	writeFile(t, rulesPath, "^$,*,Nowhere,disaggregate,final\n")

	cfg := &config.Config{
		Mode:     config.Mode("bogus"),
		Scan:     config.ScanConfig{Roots: []string{dir}, Workers: 1},
		Hash:     config.HashConfig{Workers: 1, Algorithm: "sha256"},
		Classify: config.ClassifyConfig{RulesFile: rulesPath},
		Catalog:  config.CatalogConfig{Path: filepath.Join(dir, "catalog.db"), BatchSize: 10},
	}

	orch, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	defer orch.Close()

	err = orch.Run(context.Background())
	require.Error(t, err)
}
