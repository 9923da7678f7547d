package probe

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProbeMIMEFallsBackOnUnknownContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	require.NoError(t, os.WriteFile(path, []byte("just some plain text"), 0o644))

	p := NewDefaultProbe()
	mime, err := p.ProbeMIME(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, FallbackMIME, mime)
}

func TestProbeMIMEMissingFileIsNonFatal(t *testing.T) {
	p := NewDefaultProbe()
	mime, err := p.ProbeMIME(context.Background(), "/no/such/file")
	require.Error(t, err)
	require.Equal(t, FallbackMIME, mime)
}

func TestProbeMIMEDetectsPNG(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pixel.png")
	pngHeader := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	require.NoError(t, os.WriteFile(path, pngHeader, 0o644))

	p := NewDefaultProbe()
	mime, err := p.ProbeMIME(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "image/png", mime)
}

func TestProbeNeverReturnsError(t *testing.T) {
	p := NewDefaultProbe()
	res := Probe(context.Background(), p, "/no/such/file")
	require.Equal(t, FallbackMIME, res.MIME)
	require.Empty(t, res.DocHead)
}
