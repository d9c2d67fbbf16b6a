package lifecycle

import "fmt"

// ValidationError reports a caller mistake: a bad scope, a malformed
// scope name, or a duplicate runner id.  These are never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TokenError reports a failure to obtain a registration token for a
// scope.  The underlying provider error is preserved for kind checks.
type TokenError struct {
	ScopeName string
	Err       error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("registration token for %s: %v", e.ScopeName, e.Err)
}

func (e *TokenError) Unwrap() error { return e.Err }

// ContainerError reports a compute backend failure during a runner
// operation.
type ContainerError struct {
	RunnerID string
	Op       string
	Err      error
}

func (e *ContainerError) Error() string {
	return fmt.Sprintf("runner %s: %s: %v", e.RunnerID, e.Op, e.Err)
}

func (e *ContainerError) Unwrap() error { return e.Err }

// NotFoundError reports an operation against a runner id that is not
// in the registry.
type NotFoundError struct {
	RunnerID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("runner %s not found", e.RunnerID)
}
