// Package probe defines the Metadata Probe capability-set interface and a
// default best-effort implementation.
//
// Physical content extraction — real EXIF parsing, PDF text layers, OCR —
// is an external adapter the curator core only consumes through this
// interface; see spec §4.2 and §1. Probe failures are always non-fatal:
// the caller records an apperr.ProbeError and continues with empty
// metadata.
package probe

import (
	"context"
	"os"

	"github.com/h2non/filetype"

	"github.com/sortkeep/curator/internal/apperr"
)

// FallbackMIME is returned when MIME sniffing fails or the file type is not
// recognized.
const FallbackMIME = "application/octet-stream"

// Result bundles everything one probe pass over a file can produce.
type Result struct {
	MIME    string
	EXIF    map[string]string
	DocHead string
}

// Prober is the capability-set interface the curator core consumes.
// Implementations wrap external tools; the core relies only on this shape.
// Probing happens at most once per file; the caller caches Result onto the
// FileRecord.
type Prober interface {
	ProbeMIME(ctx context.Context, path string) (string, error)
	ProbeEXIF(ctx context.Context, path string) (map[string]string, error)
	ProbeDocHead(ctx context.Context, path string, limit int) (string, error)
}

// DefaultProbe is a best-effort Prober: MIME sniffing via magic-byte
// detection (h2non/filetype), EXIF and document-head extraction stubbed to
// empty results since those require the external adapters described in the
// spec as out of core scope.
type DefaultProbe struct {
	// SniffBytes bounds how many leading bytes are read for MIME sniffing.
	SniffBytes int
}

// NewDefaultProbe constructs a DefaultProbe with a sensible sniff window.
func NewDefaultProbe() *DefaultProbe {
	return &DefaultProbe{SniffBytes: 261} // filetype needs at most 261 bytes
}

// ProbeMIME sniffs a file's MIME type from its leading bytes. A missing or
// unreadable file yields FallbackMIME together with an *apperr.ProbeError;
// unrecognized content yields FallbackMIME with a nil error.
func (p *DefaultProbe) ProbeMIME(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return FallbackMIME, apperr.NewProbeError(path, "open for MIME sniff", err)
	}
	defer f.Close()

	buf := make([]byte, p.SniffBytes)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return FallbackMIME, apperr.NewProbeError(path, "read for MIME sniff", err)
	}
	buf = buf[:n]

	kind, err := filetype.Match(buf)
	if err != nil || kind == filetype.Unknown {
		return FallbackMIME, nil
	}
	return kind.MIME.Value, nil
}

// ProbeEXIF returns an empty map: real EXIF extraction is an external
// adapter outside the curator core.
func (p *DefaultProbe) ProbeEXIF(ctx context.Context, path string) (map[string]string, error) {
	return map[string]string{}, nil
}

// ProbeDocHead returns an empty string: real document-text extraction
// (PDF layers, OCR) is an external adapter outside the curator core.
func (p *DefaultProbe) ProbeDocHead(ctx context.Context, path string, limit int) (string, error) {
	return "", nil
}

// Probe runs all three probe capabilities against path and returns a
// Result. It never returns an error: individual capability failures are
// absorbed per the non-fatal probe contract, leaving the corresponding
// Result field at its zero value.
func Probe(ctx context.Context, p Prober, path string) Result {
	var res Result

	if mime, err := p.ProbeMIME(ctx, path); err == nil {
		res.MIME = mime
	} else {
		res.MIME = FallbackMIME
	}

	if exif, err := p.ProbeEXIF(ctx, path); err == nil {
		res.EXIF = exif
	}

	if head, err := p.ProbeDocHead(ctx, path, 4096); err == nil {
		res.DocHead = head
	}

	return res
}
