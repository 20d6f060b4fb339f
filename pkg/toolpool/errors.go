package toolpool

import "fmt"

// ConnectionError reports a transport-level connect or handshake failure,
// always scoped to a single server.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("toolpool: connect %q: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ToolInvocationError reports that a specific tool call failed against an
// otherwise-healthy connection.
type ToolInvocationError struct {
	Tool string
	Err  error
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("toolpool: tool %q: %v", e.Tool, e.Err)
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }

// ValidationError reports a structurally invalid ServerSpec, such as a
// command spec without a command.
type ValidationError struct {
	Server string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Server == "" {
		return "toolpool: " + e.Reason
	}
	return fmt.Sprintf("toolpool: server %q: %s", e.Server, e.Reason)
}

// ReconciliationError reports an unexpected failure inside the rebuild
// critical section that is not attributable to a single server. It forces the
// pool fingerprint back to the unknown sentinel so the next EnsureReady call
// retries instead of trusting possibly-corrupted bookkeeping.
type ReconciliationError struct {
	Generation string
	Err        error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("toolpool: reconciliation %s failed: %v", e.Generation, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }
