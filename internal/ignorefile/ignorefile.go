// Package ignorefile parses gitignore-style exclude files that supplement
// the Scanner's built-in skip-directory set.
//
// This controls enumeration only — which paths the Scanner walks into —
// never classification. Classification decisions live exclusively in the
// rules file the Rules Engine loads; hardcoding path matching into
// classification code is forbidden by spec, but enumeration shortcuts
// (skip .git, node_modules, etc.) are an orthogonal, purely mechanical
// concern and are allowed a small built-in default.
//
// Adapted from the teacher's gitignore-style parser: same line-parsing
// shape, simplified to return exact directory-name patterns rather than
// doublestar globs, since the Scanner only needs to test "does this
// directory's basename match a skip pattern", not arbitrary glob matching.
package ignorefile

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// DefaultSkipDirs are directory basenames the Scanner always skips,
// regardless of any ignore file.
var DefaultSkipDirs = map[string]bool{
	".git":         true,
	".svn":         true,
	".hg":          true,
	"node_modules": true,
	"$RECYCLE.BIN": true,
	"System Volume Information": true,
}

// Parser reads ignore files and returns additional skip patterns.
type Parser struct {
	FileNames []string
}

// NewParser builds a Parser that looks for the given file names (e.g.
// ".curatorignore") at the root of each scanned source tree.
func NewParser(fileNames []string) *Parser {
	return &Parser{FileNames: fileNames}
}

// ParseRoot reads all configured ignore files under root and returns the
// combined set of extra skip patterns. Missing files are not an error.
func (p *Parser) ParseRoot(root string) (map[string]bool, error) {
	patterns := make(map[string]bool)
	for _, name := range p.FileNames {
		path := filepath.Join(root, name)
		filePatterns, err := parseFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, pat := range filePatterns {
			patterns[pat] = true
		}
	}
	return patterns, nil
}

func parseFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, strings.TrimSuffix(line, "/"))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return patterns, nil
}

// Skip reports whether a directory basename should be skipped, given the
// built-in defaults plus any extra patterns parsed from an ignore file.
func Skip(basename string, extra map[string]bool) bool {
	if DefaultSkipDirs[basename] {
		return true
	}
	return extra[basename]
}
