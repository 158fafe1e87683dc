// Package worker runs the factory's room loops: forge runs, discovery
// follow-ups, the overdue sweep, and the bus event consumers.
package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/agos-io/factory/internal/database"
	"github.com/agos-io/factory/internal/metrics"
	"github.com/agos-io/factory/internal/negotiation"
	"github.com/agos-io/factory/internal/playbook"
	"github.com/agos-io/factory/internal/queue"
	"github.com/agos-io/factory/internal/workflow"
)

// LeadStore is the persistence surface shared by the room workers.
type LeadStore interface {
	GetLead(ctx context.Context, id string) (*database.Lead, error)
	UpdateLeadStatus(ctx context.Context, id, status string) error
	GetNegotiationByLead(ctx context.Context, leadID string) (*negotiation.Negotiation, error)
	GetNegotiation(ctx context.Context, id string) (*negotiation.Negotiation, error)
	CreateNegotiation(ctx context.Context, n *negotiation.Negotiation) error
	ListInteractions(ctx context.Context, negotiationID string, limit int) ([]negotiation.Interaction, error)
	CreateRun(run *workflow.Run) error
}

// PlaybookSource resolves the playbook governing a tenant's leads.
type PlaybookSource interface {
	Lookup(tenant string) *playbook.Playbook
}

// JobQueue hands a lead to the next room.
type JobQueue interface {
	Enqueue(ctx context.Context, queueName, leadID string) error
}

// ForgeWorker drives mockup-generation runs through the workflow engine and
// hands completed leads to the discovery room.
type ForgeWorker struct {
	store   LeadStore
	engine  *workflow.Engine
	invoker workflow.ToolInvoker
	books   PlaybookSource
	jobs    JobQueue
	graphs  map[string]*workflow.Graph
	metrics *metrics.Metrics
}

// NewForgeWorker builds a forge worker. graphs maps graph id to loaded
// definitions; when a playbook names none, the built-in forge graph is used.
// jobs may be nil when no downstream room consumes completions.
func NewForgeWorker(store LeadStore, engine *workflow.Engine, invoker workflow.ToolInvoker, books PlaybookSource, jobs JobQueue, graphs []*workflow.Graph, m *metrics.Metrics) *ForgeWorker {
	byID := make(map[string]*workflow.Graph, len(graphs))
	for _, g := range graphs {
		byID[g.ID] = g
	}
	return &ForgeWorker{
		store:   store,
		engine:  engine,
		invoker: invoker,
		books:   books,
		jobs:    jobs,
		graphs:  byID,
		metrics: m,
	}
}

// graphFor picks the graph for a lead's tenant playbook.
func (w *ForgeWorker) graphFor(pb *playbook.Playbook) *workflow.Graph {
	if g, ok := w.graphs["forge-"+pb.ID]; ok {
		return g
	}
	return workflow.DefaultForgeGraph(pb.QualityThreshold, pb.MaxIterations)
}

// HandleJob runs the forge graph for one lead: creates a run, drives it until
// it terminates or pauses at an approval gate, and moves the lead forward.
func (w *ForgeWorker) HandleJob(ctx context.Context, leadID string) error {
	lead, err := w.store.GetLead(ctx, leadID)
	if err != nil {
		return fmt.Errorf("failed to load lead %s: %w", leadID, err)
	}

	pb := w.books.Lookup(lead.Tenant)
	g := w.graphFor(pb)

	run := workflow.NewRun(g, lead.ID)
	if err := w.store.CreateRun(run); err != nil {
		return fmt.Errorf("failed to create run for lead %s: %w", leadID, err)
	}
	if err := w.store.UpdateLeadStatus(ctx, lead.ID, database.LeadStatusForging); err != nil {
		return fmt.Errorf("failed to mark lead %s forging: %w", leadID, err)
	}

	if w.metrics != nil {
		w.metrics.RunsStarted.WithLabelValues(g.ID).Inc()
	}
	log.Printf("[ForgeWorker] Started run %s for lead %s on graph %s", run.ID, lead.ID, g.ID)

	started := time.Now()
	if err := w.engine.Drive(ctx, g, run, w.invoker); err != nil {
		return fmt.Errorf("run %s failed to advance: %w", run.ID, err)
	}

	if w.metrics != nil && run.Status.Terminal() {
		w.metrics.RecordRunCompleted(g.ID, string(run.Status), run.IterationCount, time.Since(started).Seconds())
	}

	switch run.Status {
	case workflow.RunStatusComplete:
		if err := w.store.UpdateLeadStatus(ctx, lead.ID, database.LeadStatusMockupReady); err != nil {
			return fmt.Errorf("failed to mark lead %s mockup_ready: %w", leadID, err)
		}
		if w.jobs != nil {
			if err := w.jobs.Enqueue(ctx, queue.DiscoveryQueue, lead.ID); err != nil {
				return fmt.Errorf("failed to enqueue lead %s for discovery: %w", leadID, err)
			}
		}
		log.Printf("[ForgeWorker] Run %s complete, lead %s mockup ready", run.ID, lead.ID)
	case workflow.RunStatusAwaitingApproval:
		log.Printf("[ForgeWorker] Run %s paused awaiting approval", run.ID)
	default:
		log.Printf("[ForgeWorker] Run %s ended %s: %s", run.ID, run.Status, run.Error)
	}
	return nil
}
