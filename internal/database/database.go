// Package database is the lib/pq-backed Postgres store for runs,
// negotiations, interactions, approvals, and leads. Optimistic version
// columns on the two write-contended aggregates (workflow_runs,
// negotiations) serialize concurrent workers.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/agos-io/factory/internal/workflow"
)

// ErrVersionConflict is returned when an optimistic version check fails; the
// caller should reload the entity and retry.
var ErrVersionConflict = workflow.ErrVersionConflict

// Database wraps the SQL connection. All queries are written with ?
// placeholders and rebound for Postgres.
type Database struct {
	db *sql.DB
}

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL.
func rebind(query string) string {
	n := 1
	out := strings.Builder{}
	for _, ch := range query {
		if ch == '?' {
			out.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

// NewPostgres opens a PostgreSQL connection and initializes the schema.
func NewPostgres(dsn string) (*Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	d := &Database{db: db}
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return d, nil
}

// Close closes the underlying connection pool.
func (d *Database) Close() error {
	return d.db.Close()
}

// Health verifies the connection.
func (d *Database) Health(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Stats reports pool statistics for the metrics gauge.
func (d *Database) Stats() sql.DBStats {
	return d.db.Stats()
}

func (d *Database) initSchema() error {
	schema := `
	-- Leads moving through the rooms pipeline
	CREATE TABLE IF NOT EXISTS leads (
		id TEXT PRIMARY KEY,
		tenant TEXT NOT NULL DEFAULT '',
		company_name TEXT NOT NULL,
		contact_name TEXT,
		contact_email TEXT,
		phone TEXT,
		website_url TEXT,
		industry TEXT,
		status TEXT NOT NULL DEFAULT 'new',
		triage_score REAL,
		signals_json TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- One row per asset-generation attempt
	CREATE TABLE IF NOT EXISTS workflow_runs (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		lead_id TEXT NOT NULL,
		current_node TEXT NOT NULL,
		status TEXT NOT NULL,
		iteration_count INTEGER NOT NULL DEFAULT 1,
		context_json TEXT,
		visited_json TEXT,
		cancel_requested BOOLEAN NOT NULL DEFAULT false,
		error TEXT,
		version BIGINT NOT NULL DEFAULT 1,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	);

	-- Immutable per-transition observability records
	CREATE TABLE IF NOT EXISTS run_traces (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		status TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		context_json TEXT,
		created_at TIMESTAMP NOT NULL
	);

	-- Versioned outputs of generation tools
	CREATE TABLE IF NOT EXISTS assets (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		lead_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		parent_id TEXT,
		preview_url TEXT,
		code_url TEXT,
		created_at TIMESTAMP NOT NULL
	);

	-- One negotiation per lead; version column serializes writers
	CREATE TABLE IF NOT EXISTS negotiations (
		id TEXT PRIMARY KEY,
		lead_id TEXT NOT NULL UNIQUE,
		base_price REAL NOT NULL,
		current_price REAL NOT NULL,
		min_acceptable_price REAL NOT NULL,
		max_discount_pct REAL NOT NULL,
		negotiation_state TEXT NOT NULL,
		sdr_state TEXT NOT NULL,
		total_touches INTEGER NOT NULL DEFAULT 0,
		emails_sent INTEGER NOT NULL DEFAULT 0,
		sms_sent INTEGER NOT NULL DEFAULT 0,
		close_probability REAL NOT NULL DEFAULT 0,
		close_reason TEXT,
		payment_session_id TEXT,
		contract_url TEXT,
		proposal_url TEXT,
		objections_json TEXT,
		last_contact_at TIMESTAMP,
		next_action_at TIMESTAMP,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	-- Append-only discount audit trail; written in the same transaction
	-- as the price change it records
	CREATE TABLE IF NOT EXISTS discount_ledger (
		id SERIAL PRIMARY KEY,
		negotiation_id TEXT NOT NULL,
		pct REAL NOT NULL,
		new_price REAL NOT NULL,
		reason TEXT,
		applied_at TIMESTAMP NOT NULL
	);

	-- Immutable communication / engagement events
	CREATE TABLE IF NOT EXISTS interactions (
		id TEXT PRIMARY KEY,
		negotiation_id TEXT NOT NULL,
		lead_id TEXT NOT NULL,
		interaction_type TEXT NOT NULL,
		channel TEXT,
		subject TEXT,
		body_preview TEXT,
		template_slug TEXT,
		offered_price REAL,
		occurred_at TIMESTAMP NOT NULL
	);

	-- Pending human decisions
	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		context_ref TEXT NOT NULL,
		gate_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		reason TEXT,
		expires_at TIMESTAMP NOT NULL,
		decided_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_leads_status ON leads(status);
	CREATE INDEX IF NOT EXISTS idx_leads_tenant ON leads(tenant);
	CREATE INDEX IF NOT EXISTS idx_runs_lead_id ON workflow_runs(lead_id);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON workflow_runs(status);
	CREATE INDEX IF NOT EXISTS idx_traces_run_id ON run_traces(run_id);
	CREATE INDEX IF NOT EXISTS idx_assets_run_id ON assets(run_id);
	CREATE INDEX IF NOT EXISTS idx_negotiations_next_action ON negotiations(next_action_at);
	CREATE INDEX IF NOT EXISTS idx_negotiations_sdr_state ON negotiations(sdr_state);
	CREATE INDEX IF NOT EXISTS idx_ledger_negotiation_id ON discount_ledger(negotiation_id);
	CREATE INDEX IF NOT EXISTS idx_interactions_negotiation_id ON interactions(negotiation_id);
	CREATE INDEX IF NOT EXISTS idx_interactions_lead_id ON interactions(lead_id);
	CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
	CREATE INDEX IF NOT EXISTS idx_approvals_expires_at ON approvals(expires_at);
	`

	_, err := d.db.Exec(schema)
	return err
}
