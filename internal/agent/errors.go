package agent

import (
	"fmt"
	"time"

	"github.com/haasonsaas/datachat/internal/bridge"
)

// ConnectionError indicates the analysis server session could not be
// established: handshake failure, unreachable endpoint, or setup timeout.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ToolExecutionError describes a single failed tool call. It is contained
// per-call: recorded as that call's tool-result message, never propagated
// out of the turn.
type ToolExecutionError struct {
	Tool   string
	Reason string
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Reason)
}

// TimeoutError indicates a bridged operation exceeded its local deadline.
// The remote operation may still complete server-side with no local
// observer.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return bridge.ErrTimeout }

// ModelCallError indicates the model endpoint itself failed. It aborts the
// turn; the caller renders it as the assistant's reply so the user sees an
// inline error.
type ModelCallError struct {
	Provider string
	Model    string
	Err      error
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("%s model call (%s) failed: %v", e.Provider, e.Model, e.Err)
}

func (e *ModelCallError) Unwrap() error { return e.Err }

// ValidationError indicates caller-supplied input was rejected before any
// remote call was made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
