// Package apperr defines the error kinds used across the curator pipeline.
//
// Each kind is a distinct Go type wrapping an underlying cause so callers can
// branch on failure class with errors.As while still printing (and logging)
// the original error text. Fatal kinds (ConfigError, CatalogError,
// InvariantViolation, PlanConflict) are expected to terminate the
// orchestrator; recoverable kinds (ProbeError, AIUnavailable) are recorded on
// the affected record and processing continues.
package apperr

import "fmt"

// ConfigError indicates a bad rules file, unknown mode, or missing required
// configuration. Fatal at startup.
type ConfigError struct {
	Reason string
	Cause  error
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("config error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// NewConfigError builds a ConfigError.
func NewConfigError(reason string, cause error) *ConfigError {
	return &ConfigError{Reason: reason, Cause: cause}
}

// ProbeError indicates an external probe tool was missing or a file was
// unreadable. Non-fatal; the affected record is marked with empty metadata
// and processing continues.
type ProbeError struct {
	Path   string
	Reason string
	Cause  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe error on %s: %s: %v", e.Path, e.Reason, e.Cause)
}

func (e *ProbeError) Unwrap() error { return e.Cause }

// NewProbeError builds a ProbeError.
func NewProbeError(path, reason string, cause error) *ProbeError {
	return &ProbeError{Path: path, Reason: reason, Cause: cause}
}

// CatalogError indicates a persistent store I/O failure or schema version
// mismatch. Fatal; the process should exit with a pointer to the catalog
// path.
type CatalogError struct {
	CatalogPath string
	Reason      string
	Cause       error
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("catalog error at %s: %s: %v", e.CatalogPath, e.Reason, e.Cause)
}

func (e *CatalogError) Unwrap() error { return e.Cause }

// NewCatalogError builds a CatalogError.
func NewCatalogError(catalogPath, reason string, cause error) *CatalogError {
	return &CatalogError{CatalogPath: catalogPath, Reason: reason, Cause: cause}
}

// AIUnavailable indicates the AI endpoint was unreachable, the timeout
// budget was exhausted, or the response was malformed after retry.
// Non-fatal; the classifier chain falls back to the default decision.
type AIUnavailable struct {
	Endpoint string
	Reason   string
	Cause    error
}

func (e *AIUnavailable) Error() string {
	return fmt.Sprintf("AI unavailable at %s: %s: %v", e.Endpoint, e.Reason, e.Cause)
}

func (e *AIUnavailable) Unwrap() error { return e.Cause }

// NewAIUnavailable builds an AIUnavailable error.
func NewAIUnavailable(endpoint, reason string, cause error) *AIUnavailable {
	return &AIUnavailable{Endpoint: endpoint, Reason: reason, Cause: cause}
}

// InvariantViolation indicates a folder is about to be classified twice, or
// a descendant of a KEEP folder is being evaluated. Fatal; the orchestrator
// aborts and should dump catalog state for inspection.
type InvariantViolation struct {
	Path   string
	Reason string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation at %s: %s", e.Path, e.Reason)
}

// NewInvariantViolation builds an InvariantViolation error.
func NewInvariantViolation(path, reason string) *InvariantViolation {
	return &InvariantViolation{Path: path, Reason: reason}
}

// PlanConflict indicates an unresolved target-path collision after
// deterministic suffixing. Should not happen in practice; reserved as a
// safety net. Fatal.
type PlanConflict struct {
	Target string
	Reason string
}

func (e *PlanConflict) Error() string {
	return fmt.Sprintf("plan conflict at %s: %s", e.Target, e.Reason)
}

// NewPlanConflict builds a PlanConflict error.
func NewPlanConflict(target, reason string) *PlanConflict {
	return &PlanConflict{Target: target, Reason: reason}
}
