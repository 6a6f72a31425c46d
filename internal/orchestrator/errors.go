package orchestrator

import "fmt"

// ValidationError rejects a request before any side effect is taken:
// unknown plan or region mappings, malformed subdomains, illegal lifecycle
// transitions.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Message
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown instance ID or external service ID
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("instance %s not found", e.ID)
}

// TokenMismatchError is the ready-callback authentication failure. It is
// returned for wrong tokens and for tokens that were already consumed.
type TokenMismatchError struct {
	InstanceID string
}

func (e *TokenMismatchError) Error() string {
	return fmt.Sprintf("ready callback for instance %s: token mismatch", e.InstanceID)
}
