package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigErrorUnwrap(t *testing.T) {
	cause := errors.New("bad regex")
	err := NewConfigError("rules file", cause)

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "rules file")
}

func TestCatalogErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewCatalogError("/var/lib/curator/catalog.db", "commit failed", cause)

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "/var/lib/curator/catalog.db")
}

func TestInvariantViolationHasNoCause(t *testing.T) {
	err := NewInvariantViolation("/src/a/b", "descendant of KEEP was evaluated")
	require.Contains(t, err.Error(), "/src/a/b")
	require.Contains(t, err.Error(), "descendant of KEEP")
}
