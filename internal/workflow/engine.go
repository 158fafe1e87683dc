package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ToolInvoker is the external collaborator that executes tool and audit
// nodes. Implementations must be idempotent-safe: the engine may call Invoke
// more than once per logical step when an attempt times out.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool string, params map[string]any) (map[string]any, error)
}

// Store is the narrow persistence interface the engine needs. The full
// database implements it.
type Store interface {
	UpdateRun(run *Run) error
	AppendTrace(entry *TraceEntry) error
	CreateAsset(asset *Asset) error
}

// GateRequester opens an approval item when a run pauses at an approval node.
type GateRequester interface {
	RequestGate(ctx context.Context, contextRef, gateType string) (string, error)
}

// RetryPolicy bounds retries against a flaky collaborator. Delays grow
// exponentially from BaseDelay between attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Timeout     time.Duration // Per-attempt deadline for tool invocations
}

// DefaultRetryPolicy matches the budget used for forge tool calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, Timeout: 120 * time.Second}
}

// Engine executes workflow graphs one transition at a time. Each Advance
// computes the next state, persists it with an optimistic version check, and
// appends a trace entry; the caller holds the run lease for the duration of a
// transition only.
type Engine struct {
	store Store
	gates GateRequester
	retry RetryPolicy
}

// NewEngine creates a workflow engine. gates may be nil when the graph
// contains no approval nodes.
func NewEngine(store Store, gates GateRequester, retry RetryPolicy) *Engine {
	if retry.MaxAttempts < 1 {
		retry = DefaultRetryPolicy()
	}
	return &Engine{store: store, gates: gates, retry: retry}
}

// NewRun creates a run positioned at the graph's entry node.
func NewRun(g *Graph, leadID string) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:             fmt.Sprintf("run-%s", uuid.New().String()[:8]),
		WorkflowID:     g.ID,
		LeadID:         leadID,
		CurrentNode:    g.Entry,
		Status:         RunStatusActive,
		IterationCount: 1,
		Context:        map[string]any{"iteration_count": 1, "lead_id": leadID},
		Visited:        map[string]bool{},
		StartedAt:      now,
		UpdatedAt:      now,
	}
}

// Drive advances a run until it reaches a terminal status or pauses at an
// approval gate. The cancellation flag is re-checked between transitions, so
// a cancel lands before the next external call rather than mid-flight.
func (e *Engine) Drive(ctx context.Context, g *Graph, run *Run, invoker ToolInvoker) error {
	const safetyLimit = 100 // transitions per drive, independent of the iteration budget

	for step := 0; step < safetyLimit; step++ {
		if run.Status.Terminal() || run.Status == RunStatusAwaitingApproval {
			return nil
		}
		if err := e.Advance(ctx, g, run, invoker); err != nil {
			return err
		}
	}
	return fmt.Errorf("workflow run %s exceeded %d transitions without terminating", run.ID, 100)
}

// Advance performs exactly one node transition.
func (e *Engine) Advance(ctx context.Context, g *Graph, run *Run, invoker ToolInvoker) error {
	if run.Status.Terminal() {
		return fmt.Errorf("workflow run %s already %s", run.ID, run.Status)
	}
	if run.CancelRequested {
		return e.finish(run, RunStatusCancelled, "cancelled by request")
	}

	node := g.Node(run.CurrentNode)
	if node == nil {
		return e.fail(run, fmt.Sprintf("current node %q not found in workflow %s", run.CurrentNode, g.ID))
	}

	ctx, span := otel.Tracer("factory/workflow").Start(ctx, "workflow.advance")
	span.SetAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("node.id", node.ID),
		attribute.String("node.type", string(node.Type)),
		attribute.Int("run.iteration", run.IterationCount),
	)
	defer span.End()

	log.Printf("[Workflow] Run %s executing node %s (%s, iteration %d)",
		run.ID, node.ID, node.Type, run.IterationCount)

	switch node.Type {
	case NodeTypeTool, NodeTypeAudit:
		return e.advanceInvocation(ctx, g, run, node, invoker)
	case NodeTypeCondition:
		return e.advanceCondition(g, run, node)
	case NodeTypeApproval:
		return e.advanceApproval(ctx, g, run, node)
	case NodeTypeEnd:
		return e.finish(run, RunStatusComplete, "")
	default:
		return e.fail(run, fmt.Sprintf("node %s has unknown type %q", node.ID, node.Type))
	}
}

// advanceInvocation runs a tool or audit node and follows its single
// unconditional edge. A collaborator failure after the retry budget marks the
// run failed; it never consumes an iteration, so infrastructure flakiness is
// not charged against the creative budget.
func (e *Engine) advanceInvocation(ctx context.Context, g *Graph, run *Run, node *Node, invoker ToolInvoker) error {
	params := make(map[string]any, len(node.Config)+len(run.Context))
	for k, v := range run.Context {
		params[k] = v
	}
	for k, v := range node.Config {
		params[k] = v
	}

	out, err := e.invokeWithRetry(ctx, invoker, node.Tool, params)
	if err != nil {
		log.Printf("[Workflow] Run %s node %s failed: %v", run.ID, node.ID, err)
		return e.fail(run, err.Error())
	}

	for k, v := range out {
		run.Context[k] = v
	}

	if node.Type == NodeTypeTool {
		run.Visited[node.ID] = true
		if err := e.recordAsset(run, out); err != nil {
			return fmt.Errorf("failed to record asset for run %s: %w", run.ID, err)
		}
	}

	edges := g.Outgoing(node.ID)
	if len(edges) == 0 {
		return e.fail(run, fmt.Sprintf("node %s has no outgoing edge", node.ID))
	}
	return e.moveTo(g, run, edges[0].Target)
}

// advanceCondition evaluates guarded outgoing edges in declaration order and
// takes the first match; guarded edges always outrank unconditional ones
// regardless of declaration order. No match with no fallback is a dead end:
// an exhausted iteration budget terminates the run as failed_quality_gate,
// anything else is a definition bug surfaced as GraphStuckError.
func (e *Engine) advanceCondition(g *Graph, run *Run, node *Node) error {
	edges := g.Outgoing(node.ID)

	for _, edge := range edges {
		if edge.Guarded() && Evaluate(edge.Conditions, run.Context) {
			return e.moveTo(g, run, edge.Target)
		}
	}
	for _, edge := range edges {
		if !edge.Guarded() {
			return e.moveTo(g, run, edge.Target)
		}
	}

	if run.IterationCount >= g.MaxIterations {
		log.Printf("[Workflow] Run %s exhausted quality gate budget at node %s (iteration %d/%d)",
			run.ID, node.ID, run.IterationCount, g.MaxIterations)
		return e.finish(run, RunStatusFailedQualityGate, "quality gate budget exhausted; needs manual review")
	}

	stuck := &GraphStuckError{RunID: run.ID, NodeID: node.ID}
	if err := e.fail(run, stuck.Error()); err != nil {
		return err
	}
	return stuck
}

// advanceApproval pauses the run when the quality score does not clear the
// threshold; a clearing score auto-approves, matching forge behavior.
func (e *Engine) advanceApproval(ctx context.Context, g *Graph, run *Run, node *Node) error {
	if score, ok := toFloat(run.Context["quality_score"]); ok && score >= float64(g.QualityThreshold) {
		log.Printf("[Workflow] Run %s auto-approved at node %s (quality %.0f >= %d)",
			run.ID, node.ID, score, g.QualityThreshold)
		edges := g.Outgoing(node.ID)
		if len(edges) == 0 {
			return e.fail(run, fmt.Sprintf("approval node %s has no outgoing edge", node.ID))
		}
		return e.moveTo(g, run, edges[0].Target)
	}

	if e.gates == nil {
		return e.fail(run, fmt.Sprintf("approval node %s reached but no gate manager configured", node.ID))
	}
	itemID, err := e.gates.RequestGate(ctx, run.ID, fmt.Sprintf("workflow:%s", node.ID))
	if err != nil {
		return e.fail(run, fmt.Sprintf("failed to open approval gate: %v", err))
	}
	run.Context["approval_item_id"] = itemID
	run.Status = RunStatusAwaitingApproval
	log.Printf("[Workflow] Run %s paused at approval node %s (item %s)", run.ID, node.ID, itemID)
	return e.persist(run)
}

// Resume continues a run paused at an approval node. An expired gate must be
// passed in as approved=false: expiry fails closed, identical to rejection.
func (e *Engine) Resume(g *Graph, run *Run, approved bool, reason string) error {
	if run.Status != RunStatusAwaitingApproval {
		return fmt.Errorf("workflow run %s is not awaiting approval (status %s)", run.ID, run.Status)
	}
	if !approved {
		return e.finish(run, RunStatusFailedQualityGate,
			fmt.Sprintf("approval rejected: %s", reason))
	}
	run.Status = RunStatusActive
	edges := g.Outgoing(run.CurrentNode)
	if len(edges) == 0 {
		return e.fail(run, fmt.Sprintf("approval node %s has no outgoing edge", run.CurrentNode))
	}
	return e.moveTo(g, run, edges[0].Target)
}

// moveTo repositions the run on target and persists the transition. Re-entry
// into an already-completed tool node opens a new generation cycle and
// consumes one unit of the iteration budget.
func (e *Engine) moveTo(g *Graph, run *Run, target string) error {
	next := g.Node(target)
	if next == nil {
		return e.fail(run, fmt.Sprintf("edge target %q not found", target))
	}

	if next.Type == NodeTypeTool && run.Visited[next.ID] {
		run.IterationCount++
		run.Context["iteration_count"] = run.IterationCount
		log.Printf("[Workflow] Run %s looping back to %s (iteration %d/%d)",
			run.ID, next.ID, run.IterationCount, g.MaxIterations)
		if run.IterationCount > g.MaxIterations {
			return e.finish(run, RunStatusFailedQualityGate, "iteration budget exceeded; needs manual review")
		}
	}

	run.CurrentNode = target
	if next.Type == NodeTypeEnd {
		return e.finish(run, RunStatusComplete, "")
	}
	return e.persist(run)
}

func (e *Engine) finish(run *Run, status RunStatus, detail string) error {
	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now
	if detail != "" {
		run.Error = detail
	}
	log.Printf("[Workflow] Run %s finished: %s (iteration %d)", run.ID, status, run.IterationCount)
	return e.persist(run)
}

func (e *Engine) fail(run *Run, detail string) error {
	now := time.Now().UTC()
	run.Status = RunStatusFailed
	run.Error = detail
	run.CompletedAt = &now
	log.Printf("[Workflow] Run %s failed: %s", run.ID, detail)
	return e.persist(run)
}

// persist writes the run and appends the trace entry for this transition.
func (e *Engine) persist(run *Run) error {
	run.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateRun(run); err != nil {
		return fmt.Errorf("failed to persist run %s: %w", run.ID, err)
	}

	snapshot := make(map[string]any, len(run.Context))
	for k, v := range run.Context {
		snapshot[k] = v
	}
	entry := &TraceEntry{
		ID:        fmt.Sprintf("trc-%s", uuid.New().String()[:8]),
		RunID:     run.ID,
		NodeID:    run.CurrentNode,
		Status:    run.Status,
		Iteration: run.IterationCount,
		Context:   snapshot,
		CreatedAt: run.UpdatedAt,
	}
	if err := e.store.AppendTrace(entry); err != nil {
		// Trace is observability, not state; a write failure must not wedge the run.
		log.Printf("[Workflow] Warning: failed to append trace for run %s: %v", run.ID, err)
	}
	return nil
}

// recordAsset versions the output of a generation tool. The parent link is a
// weak back-reference to the asset of the previous iteration.
func (e *Engine) recordAsset(run *Run, out map[string]any) error {
	preview, _ := out["preview_url"].(string)
	code, _ := out["code_url"].(string)
	if preview == "" && code == "" {
		return nil
	}

	parent, _ := run.Context["asset_id"].(string)
	asset := &Asset{
		ID:         fmt.Sprintf("ast-%s", uuid.New().String()[:8]),
		RunID:      run.ID,
		LeadID:     run.LeadID,
		Iteration:  run.IterationCount,
		ParentID:   parent,
		PreviewURL: preview,
		CodeURL:    code,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateAsset(asset); err != nil {
		return err
	}
	run.Context["asset_id"] = asset.ID
	return nil
}

// invokeWithRetry calls the collaborator with a per-attempt deadline and
// exponential backoff between attempts. Exhausting the budget surfaces a
// ToolInvocationError; the caller records it as a terminal run failure.
func (e *Engine) invokeWithRetry(ctx context.Context, invoker ToolInvoker, tool string, params map[string]any) (map[string]any, error) {
	var lastErr error
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := e.retry.BaseDelay * time.Duration(1<<uint(attempt-2))
			log.Printf("[Workflow] Retrying tool %s in %v (attempt %d/%d)", tool, delay, attempt, e.retry.MaxAttempts)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if e.retry.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, e.retry.Timeout)
		}
		out, err := invoker.Invoke(attemptCtx, tool, params)
		cancel()

		if err == nil {
			return out, nil
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			lastErr = &TimeoutError{Tool: tool}
		} else {
			lastErr = err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("[Workflow] Tool %s attempt %d failed: %v", tool, attempt, lastErr)
	}
	return nil, &ToolInvocationError{Tool: tool, Attempts: e.retry.MaxAttempts, Err: lastErr}
}
