package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sortkeep/curator/internal/apperr"
)

func TestRulesCommandReportsLoadedCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.csv")
	require.NoError(t, os.WriteFile(path, []byte(
		"^.*/project$,*,System/Metadata,keep,final\n"+
			"\\.pdf$,*,Documents/Finance,keep,final\n"), 0o644))

	var out bytes.Buffer
	rulesCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"rules", path})
	require.NoError(t, rulesCmd.Execute())
	require.Contains(t, out.String(), "loaded 2 rule(s)")
}

func TestMetadataCommandReportsMissingFile(t *testing.T) {
	var out bytes.Buffer
	metadataCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"metadata", filepath.Join(t.TempDir(), "missing.bin")})
	err := metadataCmd.Execute()
	require.Error(t, err)

	var probeErr *apperr.ProbeError
	require.ErrorAs(t, err, &probeErr)
}

func TestExitCodeForMapsErrorKinds(t *testing.T) {
	require.Equal(t, exitConfigError, exitCodeFor(apperr.NewConfigError("bad", nil)))
	require.Equal(t, exitInvariantViolation, exitCodeFor(apperr.NewInvariantViolation("/x", "dup")))
	require.Equal(t, exitAIUnreachable, exitCodeFor(apperr.NewAIUnavailable("http://x", "down", nil)))
}
