package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/agos-io/factory/internal/approval"
	"github.com/agos-io/factory/internal/config"
	"github.com/agos-io/factory/internal/database"
	"github.com/agos-io/factory/internal/messagebus"
	"github.com/agos-io/factory/internal/metrics"
	"github.com/agos-io/factory/internal/negotiation"
	"github.com/agos-io/factory/internal/playbook"
	"github.com/agos-io/factory/internal/queue"
	"github.com/agos-io/factory/internal/telemetry"
	factorytemporal "github.com/agos-io/factory/internal/temporal"
	"github.com/agos-io/factory/internal/worker"
	"github.com/agos-io/factory/internal/workflow"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the factory daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("failed to init telemetry: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Printf("[Serve] Telemetry shutdown error: %v", err)
			}
		}()
	}

	m := metrics.NewMetrics()

	db, err := database.NewPostgres(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	bus, err := messagebus.NewNatsMessageBus(messagebus.Config{
		URL:        cfg.Nats.URL,
		StreamName: cfg.Nats.StreamName,
		Timeout:    cfg.Nats.Timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer bus.Close()

	q, err := queue.New(queue.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer q.Close()

	registry, err := playbook.NewRegistry(cfg.Playbooks.Dir)
	if err != nil {
		return fmt.Errorf("failed to load playbooks: %w", err)
	}
	if cfg.Playbooks.Watch {
		go func() {
			if err := registry.Watch(ctx); err != nil {
				log.Printf("[Serve] Playbook watcher stopped: %v", err)
			}
		}()
	}

	approvals := approval.NewManager(db, bus, cfg.Workflow.ApprovalTTL)
	engine := workflow.NewEngine(db, approvals, workflow.RetryPolicy{
		MaxAttempts: cfg.Workflow.ToolMaxRetries,
		BaseDelay:   cfg.Workflow.ToolBaseDelay,
		Timeout:     cfg.Workflow.ToolTimeout,
	})

	var graphs []*workflow.Graph
	if _, statErr := os.Stat(cfg.Workflow.GraphDir); statErr == nil {
		graphs, err = workflow.LoadGraphs(cfg.Workflow.GraphDir)
		if err != nil {
			return fmt.Errorf("failed to load graphs: %w", err)
		}
	}

	pb := registry.Lookup("")
	machine := negotiation.NewMachine(db, pb.TimingTable(), pb.MaxTouches())

	acts := factorytemporal.NewActivities(q, bus, db, queue.DiscoveryQueue)
	tm, err := factorytemporal.NewManager(&cfg.Temporal, acts)
	if err != nil {
		return fmt.Errorf("failed to create temporal manager: %w", err)
	}
	defer tm.Stop()
	if err := tm.Start(); err != nil {
		return fmt.Errorf("failed to start temporal worker: %w", err)
	}
	if err := tm.StartApprovalExpiryWorkflow(ctx, 10*time.Minute); err != nil {
		log.Printf("[Serve] Failed to start approval expiry sweep: %v", err)
	}

	invoker := worker.NewHTTPToolInvoker(cfg.Workflow.ToolServiceURL)
	forge := worker.NewForgeWorker(db, engine, invoker, registry, q, graphs, m)
	if err := bus.SubscribeRoomJobs("architect", func(job *messagebus.RoomJobMessage) {
		if err := forge.HandleJob(ctx, job.LeadID); err != nil {
			log.Printf("[Serve] Forge job for lead %s failed: %v", job.LeadID, err)
		}
	}); err != nil {
		return fmt.Errorf("failed to subscribe to forge jobs: %w", err)
	}

	messenger := worker.NewHTTPMessenger(cfg.Workflow.MessengerURL)
	renderer := worker.NewHTTPDocumentRenderer(cfg.Workflow.DocumentServiceURL)
	discovery := worker.NewDiscoveryWorker(db, q, machine, registry, worker.NewTemplateDecider(), messenger, renderer, tm, m)
	go discovery.Run(ctx)

	consumer := worker.NewEventConsumer(db, machine, renderer, tm, m)
	if err := bus.SubscribePaymentConfirmations(func(msg *messagebus.PaymentConfirmedMessage) {
		if err := consumer.HandlePaymentConfirmed(ctx, msg); err != nil {
			log.Printf("[Serve] Payment confirmation for %s failed: %v", msg.NegotiationID, err)
		}
	}); err != nil {
		return fmt.Errorf("failed to subscribe to payment confirmations: %w", err)
	}
	if err := bus.SubscribeInteractionEvents(func(msg *messagebus.InteractionEventMessage) {
		if err := consumer.HandleInteractionEvent(ctx, msg); err != nil {
			log.Printf("[Serve] Interaction event for lead %s failed: %v", msg.LeadID, err)
		}
	}); err != nil {
		return fmt.Errorf("failed to subscribe to interaction events: %w", err)
	}

	sweeper := worker.NewSweeper(db, q, m, cfg.Sweeper.BatchLimit)
	go sweeper.Run(ctx, cfg.Sweeper.Interval)

	srv := newHTTPServer(cfg, db, bus, q, engine, invoker, approvals, graphs, registry)
	go func() {
		log.Printf("[Serve] HTTP listening on :%d", cfg.Server.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Serve] HTTP server error: %v", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("[Serve] Received %s, shutting down", sig)
	case <-ctx.Done():
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Serve] HTTP shutdown error: %v", err)
	}
	return nil
}

// newHTTPServer builds the metrics/health/admin mux.
func newHTTPServer(cfg *config.Config, db *database.Database, bus *messagebus.NatsMessageBus, q *queue.Queue, engine *workflow.Engine, invoker workflow.ToolInvoker, approvals *approval.Manager, graphs []*workflow.Graph, registry *playbook.Registry) *http.Server {
	byID := make(map[string]*workflow.Graph, len(graphs))
	for _, g := range graphs {
		byID[g.ID] = g
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"database": "ok", "nats": "ok", "redis": "ok"}
		healthy := true
		if err := db.Health(r.Context()); err != nil {
			checks["database"] = err.Error()
			healthy = false
		}
		if err := bus.Health(); err != nil {
			checks["nats"] = err.Error()
			healthy = false
		}
		if err := q.Health(r.Context()); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(checks)
	})

	// POST /approvals/{id}/resolve {"approved": bool, "reason": string}
	mux.HandleFunc("/approvals/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 3 || parts[2] != "resolve" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var body struct {
			Approved bool   `json:"approved"`
			Reason   string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		item, err := approvals.Resolve(r.Context(), parts[1], body.Approved, body.Reason)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}

		// Resume the paused run when the gate guarded one.
		if run, runErr := db.GetRun(item.ContextRef); runErr == nil && run.Status == workflow.RunStatusAwaitingApproval {
			g, ok := byID[run.WorkflowID]
			if !ok && run.WorkflowID == "forge-default" {
				pb := registry.Lookup("")
				g = workflow.DefaultForgeGraph(pb.QualityThreshold, pb.MaxIterations)
				ok = true
			}
			if ok {
				if err := engine.Resume(g, run, body.Approved, body.Reason); err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				if !run.Status.Terminal() {
					go func() {
						if err := engine.Drive(context.Background(), g, run, invoker); err != nil {
							log.Printf("[Serve] Resumed run %s failed to advance: %v", run.ID, err)
							return
						}
						if run.Status != workflow.RunStatusComplete {
							return
						}
						ctx := context.Background()
						if err := db.UpdateLeadStatus(ctx, run.LeadID, database.LeadStatusMockupReady); err != nil {
							log.Printf("[Serve] Failed to mark lead %s mockup_ready: %v", run.LeadID, err)
							return
						}
						if err := q.Enqueue(ctx, queue.DiscoveryQueue, run.LeadID); err != nil {
							log.Printf("[Serve] Failed to enqueue lead %s for discovery: %v", run.LeadID, err)
						}
					}()
				}
			}
		}

		json.NewEncoder(w).Encode(item)
	})

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      otelhttp.NewHandler(mux, "factoryd"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}
