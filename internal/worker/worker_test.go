package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agos-io/factory/internal/database"
	"github.com/agos-io/factory/internal/messagebus"
	"github.com/agos-io/factory/internal/negotiation"
	"github.com/agos-io/factory/internal/playbook"
	"github.com/agos-io/factory/internal/workflow"
)

// mockStore backs the room workers, the workflow engine, and the negotiation
// machine in one fixture.
type mockStore struct {
	mu            sync.Mutex
	leads         map[string]*database.Lead
	negotiations  map[string]*negotiation.Negotiation // by id
	byLead        map[string]*negotiation.Negotiation
	interactions  []negotiation.Interaction
	statusUpdates []string
	runs          []*workflow.Run
	due           []*negotiation.Negotiation
	listLimit     int
}

func newMockStore() *mockStore {
	return &mockStore{
		leads:        make(map[string]*database.Lead),
		negotiations: make(map[string]*negotiation.Negotiation),
		byLead:       make(map[string]*negotiation.Negotiation),
	}
}

func (s *mockStore) GetLead(_ context.Context, id string) (*database.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead, ok := s.leads[id]
	if !ok {
		return nil, errors.New("lead not found")
	}
	return lead, nil
}

func (s *mockStore) UpdateLeadStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lead, ok := s.leads[id]; ok {
		lead.Status = status
	}
	s.statusUpdates = append(s.statusUpdates, id+":"+status)
	return nil
}

func (s *mockStore) GetNegotiationByLead(_ context.Context, leadID string) (*negotiation.Negotiation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byLead[leadID]
	if !ok {
		return nil, errors.New("negotiation not found")
	}
	return n, nil
}

func (s *mockStore) GetNegotiation(_ context.Context, id string) (*negotiation.Negotiation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.negotiations[id]
	if !ok {
		return nil, errors.New("negotiation not found")
	}
	return n, nil
}

func (s *mockStore) CreateNegotiation(_ context.Context, n *negotiation.Negotiation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.negotiations[n.ID] = n
	s.byLead[n.LeadID] = n
	return nil
}

func (s *mockStore) ListInteractions(_ context.Context, negotiationID string, _ int) ([]negotiation.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []negotiation.Interaction
	for _, rec := range s.interactions {
		if rec.NegotiationID == negotiationID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *mockStore) CreateRun(run *workflow.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

func (s *mockStore) ListDueFollowUps(_ context.Context, _ time.Time, limit int) ([]*negotiation.Negotiation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listLimit = limit
	if len(s.due) > limit {
		return s.due[:limit], nil
	}
	return s.due, nil
}

// negotiation.Store
func (s *mockStore) UpdateNegotiation(_ context.Context, n *negotiation.Negotiation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.negotiations[n.ID] = n
	s.byLead[n.LeadID] = n
	return nil
}

func (s *mockStore) ApplyDiscount(_ context.Context, n *negotiation.Negotiation, _ negotiation.DiscountRecord) error {
	return nil
}

func (s *mockStore) AppendInteraction(_ context.Context, rec *negotiation.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactions = append(s.interactions, *rec)
	return nil
}

// workflow.Store
func (s *mockStore) UpdateRun(run *workflow.Run) error { return nil }

func (s *mockStore) AppendTrace(entry *workflow.TraceEntry) error { return nil }

func (s *mockStore) CreateAsset(asset *workflow.Asset) error { return nil }

type mockQueue struct {
	mu       sync.Mutex
	items    []string
	leases   map[string]string
	deduped  map[string]bool
	enqueued []string
}

func newMockQueue() *mockQueue {
	return &mockQueue{leases: make(map[string]string), deduped: make(map[string]bool)}
}

func (q *mockQueue) Dequeue(_ context.Context, _ string, _ time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", nil
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head, nil
}

func (q *mockQueue) Enqueue(_ context.Context, queueName, leadID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, queueName+"/"+leadID)
	return nil
}

func (q *mockQueue) AcquireLease(_ context.Context, leadID, workerID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if owner, held := q.leases[leadID]; held && owner != workerID {
		return false, nil
	}
	q.leases[leadID] = workerID
	return true, nil
}

func (q *mockQueue) ReleaseLease(_ context.Context, leadID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.leases[leadID] == workerID {
		delete(q.leases, leadID)
	}
	return nil
}

func (q *mockQueue) DedupeOnce(_ context.Context, leadID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deduped[leadID] {
		return false, nil
	}
	q.deduped[leadID] = true
	return true, nil
}

type mockScheduler struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
	cancelled []string
}

func newMockScheduler() *mockScheduler {
	return &mockScheduler{scheduled: make(map[string]time.Time)}
}

func (s *mockScheduler) ScheduleFollowUp(_ context.Context, _, negotiationID string, fireAt time.Time, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled[negotiationID] = fireAt
	return nil
}

func (s *mockScheduler) CancelFollowUp(_ context.Context, negotiationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, negotiationID)
	return nil
}

type mockMessenger struct {
	mu      sync.Mutex
	sent    []string // "channel/template"
	subject string
	err     error
}

func (m *mockMessenger) SendEmail(_ context.Context, template string, _ map[string]any) (*negotiation.Interaction, error) {
	return m.send(negotiation.ChannelEmail, template)
}

func (m *mockMessenger) SendSMS(_ context.Context, template string, _ map[string]any) (*negotiation.Interaction, error) {
	return m.send(negotiation.ChannelSMS, template)
}

func (m *mockMessenger) send(channel negotiation.Channel, template string) (*negotiation.Interaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.sent = append(m.sent, string(channel)+"/"+template)
	return &negotiation.Interaction{Channel: channel, Subject: m.subject, TemplateSlug: template}, nil
}

type mockRenderer struct {
	url  string
	err  error
	kind string
}

func (r *mockRenderer) Render(_ context.Context, kind string, _ float64, _, _ string) (string, error) {
	r.kind = kind
	return r.url, r.err
}

type stubBooks struct{}

func (stubBooks) Lookup(string) *playbook.Playbook { return playbook.Default() }

type invokerFunc func(ctx context.Context, tool string, params map[string]any) (map[string]any, error)

func (f invokerFunc) Invoke(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
	return f(ctx, tool, params)
}

type stubDecider struct {
	rec  *negotiation.Interaction
	tier negotiation.Tier
	err  error
}

func (d *stubDecider) DecideTouch(_ context.Context, _ *database.Lead, _ *negotiation.Negotiation, tier negotiation.Tier) (*negotiation.Interaction, error) {
	d.tier = tier
	return d.rec, d.err
}

func seedNegotiation(s *mockStore, leadID string) *negotiation.Negotiation {
	now := time.Now().UTC().Add(-72 * time.Hour)
	n := &negotiation.Negotiation{
		ID:                 "neg-" + leadID,
		LeadID:             leadID,
		BasePrice:          5000,
		CurrentPrice:       5000,
		MinAcceptablePrice: 4250,
		State:              negotiation.DealProposalSent,
		SDRState:           negotiation.SDRInitialOutreach,
		LastContactAt:      &now,
		Version:            1,
	}
	s.negotiations[n.ID] = n
	s.byLead[leadID] = n
	return n
}

func TestForgeWorker_CompletesRunAndAdvancesLead(t *testing.T) {
	store := newMockStore()
	store.leads["lead-1"] = &database.Lead{ID: "lead-1", Status: database.LeadStatusTriaged}

	invoker := invokerFunc(func(_ context.Context, tool string, _ map[string]any) (map[string]any, error) {
		switch tool {
		case "brand_extract":
			return map[string]any{"palette": "dark"}, nil
		case "strategy_synthesis":
			return map[string]any{"angle": "conversion"}, nil
		case "mockup_generate":
			return map[string]any{"preview_url": "https://cdn.example.com/m1.png"}, nil
		case "vision_audit":
			return map[string]any{"quality_score": 92.0}, nil
		default:
			return nil, errors.New("unknown tool")
		}
	})

	engine := workflow.NewEngine(store, nil, workflow.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, Timeout: time.Second})
	q := newMockQueue()
	w := NewForgeWorker(store, engine, invoker, stubBooks{}, q, nil, nil)

	if err := w.HandleJob(context.Background(), "lead-1"); err != nil {
		t.Fatalf("HandleJob failed: %v", err)
	}

	if len(store.runs) != 1 {
		t.Fatalf("expected 1 run created, got %d", len(store.runs))
	}
	if store.runs[0].Status != workflow.RunStatusComplete {
		t.Errorf("expected complete run, got %s", store.runs[0].Status)
	}
	if store.leads["lead-1"].Status != database.LeadStatusMockupReady {
		t.Errorf("expected lead mockup_ready, got %s", store.leads["lead-1"].Status)
	}
	// forging first, then mockup_ready
	if len(store.statusUpdates) != 2 || store.statusUpdates[0] != "lead-1:forging" {
		t.Errorf("unexpected status sequence: %v", store.statusUpdates)
	}
	// The completed lead is handed to the discovery room.
	if len(q.enqueued) != 1 || q.enqueued[0] != "discovery_queue/lead-1" {
		t.Errorf("expected discovery enqueue, got %v", q.enqueued)
	}
}

func TestDiscoveryWorker_RecordsTouchAndReschedules(t *testing.T) {
	store := newMockStore()
	store.leads["lead-2"] = &database.Lead{ID: "lead-2", Status: database.LeadStatusNegotiating}
	n := seedNegotiation(store, "lead-2")

	machine := negotiation.NewMachine(store, negotiation.DefaultTimingTable(), 7)
	decider := &stubDecider{rec: &negotiation.Interaction{Type: negotiation.InteractionEmailSent, Channel: negotiation.ChannelEmail, TemplateSlug: "follow_up_1_warm"}}
	messenger := &mockMessenger{subject: "Quick follow-up"}
	scheduler := newMockScheduler()
	q := newMockQueue()
	w := NewDiscoveryWorker(store, q, machine, stubBooks{}, decider, messenger, nil, scheduler, nil)

	if err := w.ProcessLead(context.Background(), "lead-2"); err != nil {
		t.Fatalf("ProcessLead failed: %v", err)
	}

	if n.SDRState != negotiation.SDRFollowUp1 {
		t.Errorf("expected cadence at follow_up_1, got %s", n.SDRState)
	}
	if n.NextActionAt == nil {
		t.Fatal("expected next action scheduled")
	}
	fireAt, ok := scheduler.scheduled[n.ID]
	if !ok {
		t.Fatal("expected durable timer scheduled")
	}
	if !fireAt.Equal(*n.NextActionAt) {
		t.Errorf("timer fires at %v, negotiation due at %v", fireAt, *n.NextActionAt)
	}
	if len(store.interactions) != 1 {
		t.Fatalf("expected 1 interaction recorded, got %d", len(store.interactions))
	}
	if store.interactions[0].Subject != "Quick follow-up" {
		t.Errorf("expected sent subject on the record, got %q", store.interactions[0].Subject)
	}
	if len(messenger.sent) != 1 || messenger.sent[0] != "email/follow_up_1_warm" {
		t.Errorf("unexpected sends: %v", messenger.sent)
	}
	// Lease released after processing.
	if _, held := q.leases["lead-2"]; held {
		t.Error("expected lease released")
	}
}

func TestDiscoveryWorker_SendFailureDoesNotAdvanceCadence(t *testing.T) {
	store := newMockStore()
	store.leads["lead-8"] = &database.Lead{ID: "lead-8", ContactEmail: "owner@example.com"}
	n := seedNegotiation(store, "lead-8")

	machine := negotiation.NewMachine(store, negotiation.DefaultTimingTable(), 7)
	decider := &stubDecider{rec: &negotiation.Interaction{Type: negotiation.InteractionEmailSent, Channel: negotiation.ChannelEmail, TemplateSlug: "follow_up_1_cold"}}
	messenger := &mockMessenger{err: errors.New("smtp unavailable")}
	scheduler := newMockScheduler()
	w := NewDiscoveryWorker(store, newMockQueue(), machine, stubBooks{}, decider, messenger, nil, scheduler, nil)

	if err := w.ProcessLead(context.Background(), "lead-8"); err != nil {
		t.Fatalf("ProcessLead failed: %v", err)
	}

	if n.SDRState != negotiation.SDRInitialOutreach {
		t.Errorf("expected cadence unchanged after failed send, got %s", n.SDRState)
	}
	if n.TotalTouches != 0 {
		t.Errorf("expected no touch counted, got %d", n.TotalTouches)
	}
	if len(store.interactions) != 1 || store.interactions[0].Type != negotiation.InteractionSendFailed {
		t.Errorf("expected a send_failed record, got %v", store.interactions)
	}
	if len(scheduler.scheduled) != 0 {
		t.Errorf("expected no timer scheduled, got %v", scheduler.scheduled)
	}
}

func TestDiscoveryWorker_PresentsMockupReadyLead(t *testing.T) {
	store := newMockStore()
	store.leads["lead-11"] = &database.Lead{
		ID:           "lead-11",
		CompanyName:  "Bluebird Bakery",
		ContactEmail: "owner@bluebird.example.com",
		Industry:     "restaurant",
		Status:       database.LeadStatusMockupReady,
	}

	machine := negotiation.NewMachine(store, negotiation.DefaultTimingTable(), 7)
	messenger := &mockMessenger{subject: "Website proposal for Bluebird Bakery"}
	renderer := &mockRenderer{url: "https://docs.example.com/proposal-11.pdf"}
	scheduler := newMockScheduler()
	w := NewDiscoveryWorker(store, newMockQueue(), machine, stubBooks{}, &stubDecider{}, messenger, renderer, scheduler, nil)

	if err := w.ProcessLead(context.Background(), "lead-11"); err != nil {
		t.Fatalf("ProcessLead failed: %v", err)
	}

	n, err := store.GetNegotiationByLead(context.Background(), "lead-11")
	if err != nil {
		t.Fatalf("expected negotiation created: %v", err)
	}
	if n.State != negotiation.DealProposalSent {
		t.Errorf("state = %s, want proposal_sent", n.State)
	}
	if n.CurrentPrice <= 0 || n.MinAcceptablePrice >= n.CurrentPrice {
		t.Errorf("quote not priced: current=%.2f floor=%.2f", n.CurrentPrice, n.MinAcceptablePrice)
	}
	if n.ProposalURL != "https://docs.example.com/proposal-11.pdf" {
		t.Errorf("proposal URL = %q", n.ProposalURL)
	}
	if renderer.kind != "proposal" {
		t.Errorf("expected a proposal render, got %q", renderer.kind)
	}
	if n.TotalTouches != 1 || n.EmailsSent != 1 {
		t.Errorf("counters: touches=%d emails=%d, want 1/1", n.TotalTouches, n.EmailsSent)
	}
	if len(messenger.sent) != 1 || messenger.sent[0] != "email/initial_proposal" {
		t.Errorf("unexpected sends: %v", messenger.sent)
	}
	if len(store.interactions) != 1 || store.interactions[0].TemplateSlug != "initial_proposal" {
		t.Errorf("expected one initial_proposal interaction, got %v", store.interactions)
	}
	if store.leads["lead-11"].Status != database.LeadStatusPresenting {
		t.Errorf("lead status = %s, want presenting", store.leads["lead-11"].Status)
	}
	if n.NextActionAt == nil {
		t.Fatal("expected first follow-up scheduled")
	}
	if fireAt, ok := scheduler.scheduled[n.ID]; !ok || !fireAt.Equal(*n.NextActionAt) {
		t.Errorf("timer not aligned with next_action_at: %v", scheduler.scheduled)
	}
}

func TestDiscoveryWorker_PresentationSendFailureIsRetryable(t *testing.T) {
	store := newMockStore()
	store.leads["lead-12"] = &database.Lead{
		ID:           "lead-12",
		CompanyName:  "Harbor Dental",
		ContactEmail: "frontdesk@harbor.example.com",
		Status:       database.LeadStatusMockupReady,
	}

	machine := negotiation.NewMachine(store, negotiation.DefaultTimingTable(), 7)
	messenger := &mockMessenger{err: errors.New("smtp unavailable")}
	w := NewDiscoveryWorker(store, newMockQueue(), machine, stubBooks{}, &stubDecider{}, messenger, nil, nil, nil)

	if err := w.ProcessLead(context.Background(), "lead-12"); err != nil {
		t.Fatalf("ProcessLead failed: %v", err)
	}

	n, err := store.GetNegotiationByLead(context.Background(), "lead-12")
	if err != nil {
		t.Fatalf("expected negotiation created: %v", err)
	}
	if n.State != negotiation.DealInitial {
		t.Errorf("state = %s, want initial until the proposal lands", n.State)
	}
	if store.leads["lead-12"].Status != database.LeadStatusMockupReady {
		t.Errorf("lead status = %s, want mockup_ready unchanged", store.leads["lead-12"].Status)
	}
	if len(store.interactions) != 1 || store.interactions[0].Type != negotiation.InteractionSendFailed {
		t.Errorf("expected a send_failed record, got %v", store.interactions)
	}

	// A later job reuses the quoted negotiation instead of re-quoting.
	messenger.err = nil
	if err := w.ProcessLead(context.Background(), "lead-12"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if len(store.negotiations) != 1 {
		t.Errorf("expected one negotiation after retry, got %d", len(store.negotiations))
	}
	if n.State != negotiation.DealProposalSent {
		t.Errorf("state = %s after retry, want proposal_sent", n.State)
	}
	if store.leads["lead-12"].Status != database.LeadStatusPresenting {
		t.Errorf("lead status = %s after retry, want presenting", store.leads["lead-12"].Status)
	}
}

func TestDiscoveryWorker_SkipsLeasedLead(t *testing.T) {
	store := newMockStore()
	store.leads["lead-3"] = &database.Lead{ID: "lead-3"}
	n := seedNegotiation(store, "lead-3")

	q := newMockQueue()
	q.leases["lead-3"] = "other-worker"

	machine := negotiation.NewMachine(store, negotiation.DefaultTimingTable(), 7)
	w := NewDiscoveryWorker(store, q, machine, stubBooks{}, &stubDecider{}, nil, nil, nil, nil)

	if err := w.ProcessLead(context.Background(), "lead-3"); err != nil {
		t.Fatalf("ProcessLead failed: %v", err)
	}
	if n.TotalTouches != 0 {
		t.Errorf("expected no touch while leased elsewhere, got %d", n.TotalTouches)
	}
}

func TestDiscoveryWorker_TerminalNegotiationCancelsTimer(t *testing.T) {
	store := newMockStore()
	store.leads["lead-4"] = &database.Lead{ID: "lead-4"}
	n := seedNegotiation(store, "lead-4")
	n.State = negotiation.DealRejected

	scheduler := newMockScheduler()
	machine := negotiation.NewMachine(store, negotiation.DefaultTimingTable(), 7)
	w := NewDiscoveryWorker(store, newMockQueue(), machine, stubBooks{}, &stubDecider{}, nil, nil, scheduler, nil)

	if err := w.ProcessLead(context.Background(), "lead-4"); err != nil {
		t.Fatalf("ProcessLead failed: %v", err)
	}
	if len(scheduler.cancelled) != 1 || scheduler.cancelled[0] != n.ID {
		t.Errorf("expected timer cancelled for %s, got %v", n.ID, scheduler.cancelled)
	}
	if n.TotalTouches != 0 {
		t.Errorf("expected no touch on terminal negotiation, got %d", n.TotalTouches)
	}
}

func TestSweeper_DedupesAndHonorsLimit(t *testing.T) {
	store := newMockStore()
	for _, id := range []string{"lead-a", "lead-b", "lead-c"} {
		store.due = append(store.due, &negotiation.Negotiation{ID: "neg-" + id, LeadID: id})
	}

	q := newMockQueue()
	q.deduped["lead-b"] = true // already queued this window

	s := NewSweeper(store, q, nil, 50)
	enqueued, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if enqueued != 2 {
		t.Errorf("expected 2 enqueued, got %d", enqueued)
	}
	if store.listLimit != 50 {
		t.Errorf("expected batch limit 50 passed to store, got %d", store.listLimit)
	}
	for _, entry := range q.enqueued {
		if entry == "discovery_queue/lead-b" {
			t.Error("deduped lead was enqueued")
		}
	}
}

func TestEventConsumer_PaymentConfirmedClosesDeal(t *testing.T) {
	store := newMockStore()
	store.leads["lead-5"] = &database.Lead{ID: "lead-5", Status: database.LeadStatusNegotiating}
	n := seedNegotiation(store, "lead-5")
	n.State = negotiation.DealAccepted

	scheduler := newMockScheduler()
	machine := negotiation.NewMachine(store, negotiation.DefaultTimingTable(), 7)
	c := NewEventConsumer(store, machine, nil, scheduler, nil)

	msg := &messagebus.PaymentConfirmedMessage{NegotiationID: n.ID, LeadID: "lead-5", SessionID: "cs_123"}
	if err := c.HandlePaymentConfirmed(context.Background(), msg); err != nil {
		t.Fatalf("HandlePaymentConfirmed failed: %v", err)
	}

	if n.State != negotiation.DealPaid {
		t.Errorf("expected paid, got %s", n.State)
	}
	if n.PaymentSessionID != "cs_123" {
		t.Errorf("expected session id persisted, got %q", n.PaymentSessionID)
	}
	if store.leads["lead-5"].Status != database.LeadStatusClosedWon {
		t.Errorf("expected lead closed_won, got %s", store.leads["lead-5"].Status)
	}
	if len(scheduler.cancelled) != 1 {
		t.Errorf("expected timer cancelled, got %v", scheduler.cancelled)
	}

	// Duplicate delivery is dropped without error.
	if err := c.HandlePaymentConfirmed(context.Background(), msg); err != nil {
		t.Fatalf("duplicate confirmation should be ignored: %v", err)
	}
}

func TestEventConsumer_EngagementAdvancesProposal(t *testing.T) {
	store := newMockStore()
	n := seedNegotiation(store, "lead-6")

	machine := negotiation.NewMachine(store, negotiation.DefaultTimingTable(), 7)
	c := NewEventConsumer(store, machine, nil, nil, nil)

	msg := &messagebus.InteractionEventMessage{
		LeadID:     "lead-6",
		Type:       negotiation.InteractionProposalViewed,
		OccurredAt: time.Now().UTC(),
	}
	if err := c.HandleInteractionEvent(context.Background(), msg); err != nil {
		t.Fatalf("HandleInteractionEvent failed: %v", err)
	}

	if n.State != negotiation.DealProspectEngaged {
		t.Errorf("expected prospect_engaged, got %s", n.State)
	}
	if len(store.statusUpdates) != 1 || store.statusUpdates[0] != "lead-6:negotiating" {
		t.Errorf("expected lead moved to negotiating, got %v", store.statusUpdates)
	}
	if len(store.interactions) != 1 {
		t.Errorf("expected interaction persisted, got %d", len(store.interactions))
	}

	// A plain open does not advance the deal.
	n2 := seedNegotiation(store, "lead-7")
	open := &messagebus.InteractionEventMessage{LeadID: "lead-7", Type: negotiation.InteractionEmailOpened}
	if err := c.HandleInteractionEvent(context.Background(), open); err != nil {
		t.Fatalf("HandleInteractionEvent failed: %v", err)
	}
	if n2.State != negotiation.DealProposalSent {
		t.Errorf("expected proposal_sent unchanged, got %s", n2.State)
	}
}

func TestEventConsumer_CheckoutStartedAcceptsDeal(t *testing.T) {
	store := newMockStore()
	store.leads["lead-9"] = &database.Lead{ID: "lead-9", CompanyName: "Bluebird Bakery", Industry: "food"}
	n := seedNegotiation(store, "lead-9")

	renderer := &mockRenderer{url: "https://docs.example.com/contract-9.pdf"}
	machine := negotiation.NewMachine(store, negotiation.DefaultTimingTable(), 7)
	c := NewEventConsumer(store, machine, renderer, nil, nil)

	msg := &messagebus.InteractionEventMessage{LeadID: "lead-9", Type: negotiation.InteractionCheckoutStarted, SessionID: "cs_checkout_9"}
	if err := c.HandleInteractionEvent(context.Background(), msg); err != nil {
		t.Fatalf("HandleInteractionEvent failed: %v", err)
	}

	if n.State != negotiation.DealAccepted {
		t.Fatalf("expected accepted, got %s", n.State)
	}
	if n.PaymentSessionID != "cs_checkout_9" {
		t.Errorf("expected checkout session stored, got %q", n.PaymentSessionID)
	}
	if n.ContractURL != "https://docs.example.com/contract-9.pdf" {
		t.Errorf("expected contract URL stored, got %q", n.ContractURL)
	}
	if renderer.kind != "contract" {
		t.Errorf("expected a contract render, got %q", renderer.kind)
	}
}

func TestEventConsumer_RenderFailureStillAccepts(t *testing.T) {
	store := newMockStore()
	store.leads["lead-10"] = &database.Lead{ID: "lead-10"}
	n := seedNegotiation(store, "lead-10")
	n.State = negotiation.DealFinalOffer

	renderer := &mockRenderer{err: errors.New("document service down")}
	machine := negotiation.NewMachine(store, negotiation.DefaultTimingTable(), 7)
	c := NewEventConsumer(store, machine, renderer, nil, nil)

	msg := &messagebus.InteractionEventMessage{LeadID: "lead-10", Type: negotiation.InteractionCheckoutStarted}
	if err := c.HandleInteractionEvent(context.Background(), msg); err != nil {
		t.Fatalf("HandleInteractionEvent failed: %v", err)
	}

	if n.State != negotiation.DealAccepted {
		t.Errorf("expected accepted despite render failure, got %s", n.State)
	}
	if n.ContractURL != "" {
		t.Errorf("expected empty contract URL, got %q", n.ContractURL)
	}
}
