package ignorefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRootReadsPatterns(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".curatorignore"), []byte("# comment\nTemp/\nThumbs.db\n"), 0o644))

	p := NewParser([]string{".curatorignore"})
	patterns, err := p.ParseRoot(dir)
	require.NoError(t, err)
	require.True(t, patterns["Temp"])
	require.True(t, patterns["Thumbs.db"])
}

func TestParseRootMissingFileIsNotError(t *testing.T) {
	dir := t.TempDir()
	p := NewParser([]string{".curatorignore"})
	patterns, err := p.ParseRoot(dir)
	require.NoError(t, err)
	require.Empty(t, patterns)
}

func TestSkipChecksDefaultsAndExtras(t *testing.T) {
	require.True(t, Skip(".git", nil))
	require.False(t, Skip("Documents", nil))
	require.True(t, Skip("Temp", map[string]bool{"Temp": true}))
}
