package codelet

// ============================================================================
// Error taxonomy shared across the runtime:
// 1. ResolutionError - codelet identifier has no registered implementation
// 2. ValidationError - a document or field violates its contract
// 3. PolicyError     - a placement pattern does not compile
// All three are fail-fast: they surface synchronously at the offending call
// and leave no partial state behind.
// ============================================================================

import "fmt"

// ResolutionError reports a codelet identifier that could not be resolved
// against the registry.
type ResolutionError struct {
	ID string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("codelet %q is not registered", e.ID)
}

// ValidationError reports a document or field that violates its contract,
// such as a parameter document with the wrong root tag.
type ValidationError struct {
	What   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.What, e.Reason)
}

// PolicyError reports a malformed domain placement pattern.
type PolicyError struct {
	Pattern string
	Err     error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("bad domain pattern %q: %v", e.Pattern, e.Err)
}

func (e *PolicyError) Unwrap() error { return e.Err }
