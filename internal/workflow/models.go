package workflow

import (
	"fmt"
	"time"
)

// NodeType represents the type of workflow node
type NodeType string

const (
	NodeTypeTool      NodeType = "tool"      // Invokes an external tool
	NodeTypeAudit     NodeType = "audit"     // Runs a quality audit
	NodeTypeCondition NodeType = "condition" // Branches on guarded edges
	NodeTypeApproval  NodeType = "approval"  // Requires a human decision to proceed
	NodeTypeEnd       NodeType = "end"       // Terminal node
)

// RunStatus represents the status of a workflow run
type RunStatus string

const (
	RunStatusActive            RunStatus = "active"              // Currently advancing
	RunStatusAwaitingApproval  RunStatus = "awaiting_approval"   // Paused at an approval gate
	RunStatusComplete          RunStatus = "complete"            // Reached an end node
	RunStatusFailed            RunStatus = "failed"              // Collaborator or configuration failure
	RunStatusFailedQualityGate RunStatus = "failed_quality_gate" // Iteration budget exhausted; needs manual review
	RunStatusCancelled         RunStatus = "cancelled"           // Cooperatively cancelled between transitions
)

// Terminal reports whether a run in this status will never advance again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusComplete, RunStatusFailed, RunStatusFailedQualityGate, RunStatusCancelled:
		return true
	}
	return false
}

// Node is a single node in the workflow graph.
type Node struct {
	ID     string         `json:"id" yaml:"id"`
	Type   NodeType       `json:"type" yaml:"type"`
	Tool   string         `json:"tool,omitempty" yaml:"tool,omitempty"` // Tool name for tool/audit nodes
	Label  string         `json:"label,omitempty" yaml:"label,omitempty"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Edge connects a source node to a target node. An edge with a non-empty
// condition list is guarded; guarded edges from the same source are evaluated
// in declaration order and always take priority over unconditional edges.
type Edge struct {
	Source     string      `json:"source" yaml:"source"`
	Target     string      `json:"target" yaml:"target"`
	Label      string      `json:"label,omitempty" yaml:"label,omitempty"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Guarded reports whether the edge carries a condition guard.
func (e Edge) Guarded() bool {
	return len(e.Conditions) > 0
}

// Graph is an immutable-once-published workflow definition. A run holds its
// position as a node id; the graph is an arena looked up by id, so loops in
// the definition never create ownership cycles.
type Graph struct {
	ID               string `json:"id" yaml:"id"`
	Name             string `json:"name" yaml:"name"`
	Entry            string `json:"entry" yaml:"entry"`
	QualityThreshold int    `json:"quality_threshold" yaml:"quality_threshold"`
	MaxIterations    int    `json:"max_iterations" yaml:"max_iterations"`

	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`

	nodeIndex map[string]*Node
	outgoing  map[string][]Edge
}

// index builds the adjacency lookups. Called lazily by the accessors so a
// hand-constructed graph still works in tests.
func (g *Graph) index() {
	if g.nodeIndex != nil {
		return
	}
	g.nodeIndex = make(map[string]*Node, len(g.Nodes))
	g.outgoing = make(map[string][]Edge, len(g.Nodes))
	for i := range g.Nodes {
		g.nodeIndex[g.Nodes[i].ID] = &g.Nodes[i]
	}
	for _, e := range g.Edges {
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
	}
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) *Node {
	g.index()
	return g.nodeIndex[id]
}

// Outgoing returns the edges leaving a node, in declaration order.
func (g *Graph) Outgoing(id string) []Edge {
	g.index()
	return g.outgoing[id]
}

// Validate checks the structural invariants of a graph: the entry node
// exists, every edge references known nodes, every non-end node has at least
// one outgoing edge, every node is reachable from the entry, and the
// iteration budget is sane. A graph that fails validation must never run.
func (g *Graph) Validate() error {
	g.nodeIndex = nil
	g.index()

	if len(g.Nodes) == 0 {
		return fmt.Errorf("workflow %s: graph has no nodes", g.ID)
	}
	if g.MaxIterations < 1 {
		return fmt.Errorf("workflow %s: max_iterations must be >= 1, got %d", g.ID, g.MaxIterations)
	}
	if g.QualityThreshold < 0 || g.QualityThreshold > 100 {
		return fmt.Errorf("workflow %s: quality_threshold must be 0-100, got %d", g.ID, g.QualityThreshold)
	}
	if g.Node(g.Entry) == nil {
		return fmt.Errorf("workflow %s: entry node %q not found", g.ID, g.Entry)
	}

	for _, n := range g.Nodes {
		switch n.Type {
		case NodeTypeTool, NodeTypeAudit:
			if n.Tool == "" {
				return fmt.Errorf("workflow %s: node %q has type %s but no tool", g.ID, n.ID, n.Type)
			}
		case NodeTypeCondition, NodeTypeApproval, NodeTypeEnd:
		default:
			return fmt.Errorf("workflow %s: node %q has unknown type %q", g.ID, n.ID, n.Type)
		}
		if n.Type != NodeTypeEnd && len(g.Outgoing(n.ID)) == 0 {
			return fmt.Errorf("workflow %s: non-terminal node %q has no outgoing edges", g.ID, n.ID)
		}
	}

	for _, e := range g.Edges {
		if g.Node(e.Source) == nil {
			return fmt.Errorf("workflow %s: edge references unknown source %q", g.ID, e.Source)
		}
		if g.Node(e.Target) == nil {
			return fmt.Errorf("workflow %s: edge references unknown target %q", g.ID, e.Target)
		}
		for _, c := range e.Conditions {
			if err := c.validate(); err != nil {
				return fmt.Errorf("workflow %s: edge %s->%s: %w", g.ID, e.Source, e.Target, err)
			}
		}
	}

	// Reachability from entry
	seen := map[string]bool{g.Entry: true}
	stack := []string{g.Entry}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.Outgoing(id) {
			if !seen[e.Target] {
				seen[e.Target] = true
				stack = append(stack, e.Target)
			}
		}
	}
	for _, n := range g.Nodes {
		if !seen[n.ID] {
			return fmt.Errorf("workflow %s: node %q is unreachable from entry", g.ID, n.ID)
		}
	}

	return nil
}

// Run is one asset-generation attempt through a graph. The run's position is
// the current node id; all accumulated state lives in Context. Version is the
// optimistic concurrency token checked by the store on every update.
type Run struct {
	ID              string          `json:"id"`
	WorkflowID      string          `json:"workflow_id"`
	LeadID          string          `json:"lead_id"`
	CurrentNode     string          `json:"current_node"`
	Status          RunStatus       `json:"status"`
	IterationCount  int             `json:"iteration_count"` // Starts at 1
	Context         map[string]any  `json:"context"`
	Visited         map[string]bool `json:"visited"` // Tool nodes that completed at least once
	CancelRequested bool            `json:"cancel_requested"`
	Error           string          `json:"error,omitempty"`
	Version         int64           `json:"version"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TraceEntry is an immutable observability record appended on every run
// transition. The engine only writes these; it never reads them back.
type TraceEntry struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	NodeID    string         `json:"node_id"`
	Status    RunStatus      `json:"status"`
	Iteration int            `json:"iteration"`
	Context   map[string]any `json:"context"`
	CreatedAt time.Time      `json:"created_at"`
}

// Asset is the versioned output of a tool node. ParentID is a weak lineage
// back-reference to the previous iteration's asset; it is never used for
// cascading mutation.
type Asset struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	LeadID     string    `json:"lead_id"`
	Iteration  int       `json:"iteration"`
	ParentID   string    `json:"parent_id,omitempty"`
	PreviewURL string    `json:"preview_url,omitempty"`
	CodeURL    string    `json:"code_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
