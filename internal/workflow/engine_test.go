package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu      sync.Mutex
	updates int
	last    Run
	traces  []*TraceEntry
	assets  []*Asset
	failOn  int // fail the Nth update (0 = never)
}

func (s *memStore) UpdateRun(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	if s.failOn > 0 && s.updates == s.failOn {
		return errors.New("store unavailable")
	}
	s.last = *run
	return nil
}

func (s *memStore) AppendTrace(entry *TraceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, entry)
	return nil
}

func (s *memStore) CreateAsset(asset *Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets = append(s.assets, asset)
	return nil
}

// scriptedInvoker returns canned outputs per tool; audit scores are consumed
// in order across calls.
type scriptedInvoker struct {
	mu          sync.Mutex
	auditScores []int
	auditCalls  int
	toolCalls   map[string]int
	failTool    string
	failTimes   int
}

func (s *scriptedInvoker) Invoke(_ context.Context, tool string, _ map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.toolCalls == nil {
		s.toolCalls = map[string]int{}
	}
	s.toolCalls[tool]++

	if tool == s.failTool && s.toolCalls[tool] <= s.failTimes {
		return nil, fmt.Errorf("sandbox unreachable")
	}

	switch tool {
	case "vision_audit":
		score := 0
		if s.auditCalls < len(s.auditScores) {
			score = s.auditScores[s.auditCalls]
		}
		s.auditCalls++
		return map[string]any{"quality_score": score}, nil
	case "mockup_generate":
		return map[string]any{"preview_url": fmt.Sprintf("https://preview/%d", s.toolCalls[tool])}, nil
	default:
		return map[string]any{tool + "_done": true}, nil
	}
}

// gateGraph is the scenario graph: generate -> audit -> gate, with the gate
// routing to end on a clearing score and back to generate while the budget
// holds.
func gateGraph(maxIterations int) *Graph {
	g := &Graph{
		ID:               "wf-gate",
		Name:             "gate scenario",
		Entry:            "generate",
		QualityThreshold: 85,
		MaxIterations:    maxIterations,
		Nodes: []Node{
			{ID: "generate", Type: NodeTypeTool, Tool: "mockup_generate"},
			{ID: "audit", Type: NodeTypeAudit, Tool: "vision_audit"},
			{ID: "gate", Type: NodeTypeCondition},
			{ID: "end", Type: NodeTypeEnd},
		},
		Edges: []Edge{
			{Source: "generate", Target: "audit"},
			{Source: "audit", Target: "gate"},
			{Source: "gate", Target: "end", Conditions: []Condition{{Field: "quality_score", Op: ">=", Value: 85}}},
			{Source: "gate", Target: "generate", Conditions: []Condition{{Field: "iteration_count", Op: "<", Value: maxIterations}}},
		},
	}
	if err := g.Validate(); err != nil {
		panic(err)
	}
	return g
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Timeout: time.Second}
}

func TestEngine_QualityGatePassesOnSecondIteration(t *testing.T) {
	store := &memStore{}
	engine := NewEngine(store, nil, fastRetry())
	g := gateGraph(3)
	run := NewRun(g, "lead-1")
	inv := &scriptedInvoker{auditScores: []int{70, 90}}

	if err := engine.Drive(context.Background(), g, run, inv); err != nil {
		t.Fatalf("Drive failed: %v", err)
	}

	if run.Status != RunStatusComplete {
		t.Fatalf("status = %s, want %s", run.Status, RunStatusComplete)
	}
	if run.IterationCount != 2 {
		t.Errorf("iteration_count = %d, want 2", run.IterationCount)
	}
	if inv.toolCalls["mockup_generate"] != 2 {
		t.Errorf("generate called %d times, want 2", inv.toolCalls["mockup_generate"])
	}
	if len(store.assets) != 2 {
		t.Errorf("assets recorded = %d, want 2", len(store.assets))
	}
	if len(store.assets) == 2 && store.assets[1].ParentID != store.assets[0].ID {
		t.Error("second asset should link to the first via parent reference")
	}
}

func TestEngine_QualityGateExhaustsBudget(t *testing.T) {
	store := &memStore{}
	engine := NewEngine(store, nil, fastRetry())
	g := gateGraph(3)
	run := NewRun(g, "lead-1")
	inv := &scriptedInvoker{auditScores: []int{60, 60, 60}}

	if err := engine.Drive(context.Background(), g, run, inv); err != nil {
		t.Fatalf("Drive failed: %v", err)
	}

	if run.Status != RunStatusFailedQualityGate {
		t.Fatalf("status = %s, want %s", run.Status, RunStatusFailedQualityGate)
	}
	if run.IterationCount != 3 {
		t.Errorf("iteration_count = %d, want 3", run.IterationCount)
	}
	// Budget caps generation: never a fourth cycle.
	if inv.toolCalls["mockup_generate"] != 3 {
		t.Errorf("generate called %d times, want 3", inv.toolCalls["mockup_generate"])
	}
}

func TestEngine_IterationNeverExceedsBudget(t *testing.T) {
	store := &memStore{}
	engine := NewEngine(store, nil, fastRetry())
	g := gateGraph(5)
	run := NewRun(g, "lead-1")
	inv := &scriptedInvoker{auditScores: []int{10, 10, 10, 10, 10, 10, 10}}

	if err := engine.Drive(context.Background(), g, run, inv); err != nil {
		t.Fatalf("Drive failed: %v", err)
	}
	if !run.Status.Terminal() {
		t.Fatalf("run should be terminal, got %s", run.Status)
	}
	if run.IterationCount > g.MaxIterations {
		t.Errorf("iteration_count %d exceeded max_iterations %d before terminal state",
			run.IterationCount, g.MaxIterations)
	}
}

func TestEngine_GraphStuckIsFatal(t *testing.T) {
	g := &Graph{
		ID:            "wf-stuck",
		Entry:         "gate",
		MaxIterations: 3,
		Nodes: []Node{
			{ID: "gate", Type: NodeTypeCondition},
			{ID: "end", Type: NodeTypeEnd},
		},
		Edges: []Edge{
			{Source: "gate", Target: "end", Conditions: []Condition{{Field: "quality_score", Op: ">=", Value: 85}}},
		},
	}
	store := &memStore{}
	engine := NewEngine(store, nil, fastRetry())
	run := NewRun(g, "lead-1")

	err := engine.Advance(context.Background(), g, run, &scriptedInvoker{})
	var stuck *GraphStuckError
	if !errors.As(err, &stuck) {
		t.Fatalf("expected GraphStuckError, got %v", err)
	}
	if run.Status != RunStatusFailed {
		t.Errorf("status = %s, want %s", run.Status, RunStatusFailed)
	}
}

func TestEngine_ConditionalEdgeOutranksUnconditional(t *testing.T) {
	g := &Graph{
		ID:            "wf-priority",
		Entry:         "gate",
		MaxIterations: 1,
		Nodes: []Node{
			{ID: "gate", Type: NodeTypeCondition},
			{ID: "fallback", Type: NodeTypeEnd},
			{ID: "guarded", Type: NodeTypeEnd},
		},
		Edges: []Edge{
			// Unconditional edge declared first, guarded edge declared after.
			{Source: "gate", Target: "fallback"},
			{Source: "gate", Target: "guarded", Conditions: []Condition{{Field: "score", Op: ">=", Value: 1}}},
		},
	}
	store := &memStore{}
	engine := NewEngine(store, nil, fastRetry())
	run := NewRun(g, "lead-1")
	run.Context["score"] = 5

	if err := engine.Advance(context.Background(), g, run, &scriptedInvoker{}); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if run.CurrentNode != "guarded" {
		t.Errorf("took %q, want guarded edge regardless of declaration order", run.CurrentNode)
	}
}

func TestEngine_TransientToolFailureDoesNotConsumeIteration(t *testing.T) {
	store := &memStore{}
	engine := NewEngine(store, nil, fastRetry())
	g := gateGraph(3)
	run := NewRun(g, "lead-1")
	// Generation flakes twice, succeeds on the third attempt; audit clears.
	inv := &scriptedInvoker{auditScores: []int{90}, failTool: "mockup_generate", failTimes: 2}

	if err := engine.Drive(context.Background(), g, run, inv); err != nil {
		t.Fatalf("Drive failed: %v", err)
	}
	if run.Status != RunStatusComplete {
		t.Fatalf("status = %s, want complete", run.Status)
	}
	if run.IterationCount != 1 {
		t.Errorf("iteration_count = %d; infrastructure retries must not consume the budget", run.IterationCount)
	}
}

func TestEngine_ToolFailureAfterRetryBudgetIsTerminal(t *testing.T) {
	store := &memStore{}
	engine := NewEngine(store, nil, fastRetry())
	g := gateGraph(3)
	run := NewRun(g, "lead-1")
	inv := &scriptedInvoker{failTool: "mockup_generate", failTimes: 99}

	if err := engine.Drive(context.Background(), g, run, inv); err != nil {
		t.Fatalf("Drive failed: %v", err)
	}
	if run.Status != RunStatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if inv.toolCalls["mockup_generate"] != 3 {
		t.Errorf("tool called %d times, want retry budget of 3", inv.toolCalls["mockup_generate"])
	}
}

func TestEngine_CancellationShortCircuits(t *testing.T) {
	store := &memStore{}
	engine := NewEngine(store, nil, fastRetry())
	g := gateGraph(3)
	run := NewRun(g, "lead-1")
	run.CancelRequested = true

	inv := &scriptedInvoker{}
	if err := engine.Advance(context.Background(), g, run, inv); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if run.Status != RunStatusCancelled {
		t.Fatalf("status = %s, want cancelled", run.Status)
	}
	if len(inv.toolCalls) != 0 {
		t.Error("cancelled run must not invoke any tool")
	}
}

type recordingGates struct {
	mu       sync.Mutex
	requests []string
}

func (r *recordingGates) RequestGate(_ context.Context, contextRef, gateType string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, contextRef+"|"+gateType)
	return "apr-test", nil
}

func approvalGraph() *Graph {
	return &Graph{
		ID:               "wf-approval",
		Entry:            "review",
		QualityThreshold: 85,
		MaxIterations:    1,
		Nodes: []Node{
			{ID: "review", Type: NodeTypeApproval},
			{ID: "end", Type: NodeTypeEnd},
		},
		Edges: []Edge{{Source: "review", Target: "end"}},
	}
}

func TestEngine_ApprovalPausesBelowThreshold(t *testing.T) {
	store := &memStore{}
	gates := &recordingGates{}
	engine := NewEngine(store, gates, fastRetry())
	g := approvalGraph()
	run := NewRun(g, "lead-1")
	run.Context["quality_score"] = 60

	if err := engine.Drive(context.Background(), g, run, &scriptedInvoker{}); err != nil {
		t.Fatalf("Drive failed: %v", err)
	}
	if run.Status != RunStatusAwaitingApproval {
		t.Fatalf("status = %s, want awaiting_approval", run.Status)
	}
	if len(gates.requests) != 1 {
		t.Fatalf("gate requests = %d, want 1", len(gates.requests))
	}

	if err := engine.Resume(g, run, true, ""); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if run.Status != RunStatusComplete {
		t.Errorf("status after approval = %s, want complete", run.Status)
	}
}

func TestEngine_ApprovalAutoPassesAboveThreshold(t *testing.T) {
	store := &memStore{}
	engine := NewEngine(store, &recordingGates{}, fastRetry())
	g := approvalGraph()
	run := NewRun(g, "lead-1")
	run.Context["quality_score"] = 92

	if err := engine.Drive(context.Background(), g, run, &scriptedInvoker{}); err != nil {
		t.Fatalf("Drive failed: %v", err)
	}
	if run.Status != RunStatusComplete {
		t.Errorf("status = %s, want complete (auto-approved)", run.Status)
	}
}

func TestEngine_RejectionFailsClosed(t *testing.T) {
	store := &memStore{}
	engine := NewEngine(store, &recordingGates{}, fastRetry())
	g := approvalGraph()
	run := NewRun(g, "lead-1")
	run.Context["quality_score"] = 10

	if err := engine.Drive(context.Background(), g, run, &scriptedInvoker{}); err != nil {
		t.Fatalf("Drive failed: %v", err)
	}
	if err := engine.Resume(g, run, false, "gate expired"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if run.Status != RunStatusFailedQualityGate {
		t.Errorf("status = %s, want failed_quality_gate on rejection/expiry", run.Status)
	}
}

func TestEngine_TraceAppendedPerTransition(t *testing.T) {
	store := &memStore{}
	engine := NewEngine(store, nil, fastRetry())
	g := gateGraph(3)
	run := NewRun(g, "lead-1")
	inv := &scriptedInvoker{auditScores: []int{90}}

	if err := engine.Drive(context.Background(), g, run, inv); err != nil {
		t.Fatalf("Drive failed: %v", err)
	}
	// generate, audit, gate->end: one trace per persisted transition.
	if len(store.traces) < 3 {
		t.Fatalf("traces = %d, want >= 3", len(store.traces))
	}
	for _, tr := range store.traces {
		if tr.RunID != run.ID {
			t.Errorf("trace for wrong run: %s", tr.RunID)
		}
		if tr.Context == nil {
			t.Error("trace must carry a context snapshot")
		}
	}
}

func TestGraph_ValidateRejectsBrokenDefinitions(t *testing.T) {
	cases := []struct {
		name string
		g    Graph
	}{
		{"missing entry", Graph{ID: "w", MaxIterations: 1, Nodes: []Node{{ID: "end", Type: NodeTypeEnd}}, Entry: "nope"}},
		{"dangling edge", Graph{ID: "w", MaxIterations: 1, Entry: "end",
			Nodes: []Node{{ID: "end", Type: NodeTypeEnd}},
			Edges: []Edge{{Source: "end", Target: "ghost"}}}},
		{"non-terminal without edges", Graph{ID: "w", MaxIterations: 1, Entry: "t",
			Nodes: []Node{{ID: "t", Type: NodeTypeTool, Tool: "x"}}}},
		{"zero iterations", Graph{ID: "w", MaxIterations: 0, Entry: "end",
			Nodes: []Node{{ID: "end", Type: NodeTypeEnd}}}},
		{"unknown node type", Graph{ID: "w", MaxIterations: 1, Entry: "x",
			Nodes: []Node{{ID: "x", Type: "teleport"}}}},
		{"unreachable node", Graph{ID: "w", MaxIterations: 1, Entry: "end",
			Nodes: []Node{{ID: "end", Type: NodeTypeEnd}, {ID: "island", Type: NodeTypeEnd}}}},
	}
	for _, tc := range cases {
		if err := tc.g.Validate(); err == nil {
			t.Errorf("%s: Validate should fail", tc.name)
		}
	}
}
