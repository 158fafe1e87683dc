package workflow

import (
	"errors"
	"fmt"
)

// ErrVersionConflict is returned by stores when an optimistic version check
// fails. The caller should reload the entity and retry the transition.
var ErrVersionConflict = errors.New("version conflict: entity was modified concurrently")

// GraphStuckError indicates a condition node where no guarded edge matched
// and no unconditional edge exists. This is a configuration bug in the
// workflow definition and is never retried.
type GraphStuckError struct {
	RunID  string
	NodeID string
}

func (e *GraphStuckError) Error() string {
	return fmt.Sprintf("workflow run %s stuck at node %s: no matching edge and no fallback", e.RunID, e.NodeID)
}

// ToolInvocationError wraps a collaborator failure after the retry budget is
// exhausted. Transient by nature, but terminal for the run once surfaced.
type ToolInvocationError struct {
	Tool     string
	Attempts int
	Err      error
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("tool %s failed after %d attempts: %v", e.Tool, e.Attempts, e.Err)
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }

// TimeoutError marks a tool invocation that exceeded its deadline. Retried
// like any transient invocation failure.
type TimeoutError struct {
	Tool string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %s timed out", e.Tool)
}
