package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agos-io/factory/internal/workflow"
)

// CreateRun inserts a new workflow run at version 1.
func (d *Database) CreateRun(run *workflow.Run) error {
	if run == nil {
		return fmt.Errorf("run cannot be nil")
	}
	contextJSON, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("failed to encode run context: %w", err)
	}
	visitedJSON, err := json.Marshal(run.Visited)
	if err != nil {
		return fmt.Errorf("failed to encode visited set: %w", err)
	}

	run.Version = 1
	query := `
		INSERT INTO workflow_runs (id, workflow_id, lead_id, current_node, status, iteration_count,
			context_json, visited_json, cancel_requested, error, version, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = d.db.Exec(rebind(query),
		run.ID, run.WorkflowID, run.LeadID, run.CurrentNode, run.Status, run.IterationCount,
		string(contextJSON), string(visitedJSON), run.CancelRequested, nullString(run.Error),
		run.Version, run.StartedAt, run.CompletedAt, run.UpdatedAt,
	)
	return err
}

// UpdateRun persists a run with an optimistic version check. A stale version
// returns ErrVersionConflict; the in-memory version is bumped on success.
func (d *Database) UpdateRun(run *workflow.Run) error {
	contextJSON, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("failed to encode run context: %w", err)
	}
	visitedJSON, err := json.Marshal(run.Visited)
	if err != nil {
		return fmt.Errorf("failed to encode visited set: %w", err)
	}

	query := `
		UPDATE workflow_runs
		SET current_node = ?, status = ?, iteration_count = ?, context_json = ?, visited_json = ?,
			cancel_requested = ?, error = ?, completed_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`
	res, err := d.db.Exec(rebind(query),
		run.CurrentNode, run.Status, run.IterationCount, string(contextJSON), string(visitedJSON),
		run.CancelRequested, nullString(run.Error), run.CompletedAt, run.UpdatedAt,
		run.ID, run.Version,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrVersionConflict)
	}
	run.Version++
	return nil
}

// GetRun loads one run by id.
func (d *Database) GetRun(id string) (*workflow.Run, error) {
	query := `
		SELECT id, workflow_id, lead_id, current_node, status, iteration_count,
			context_json, visited_json, cancel_requested, error, version, started_at, completed_at, updated_at
		FROM workflow_runs
		WHERE id = ?
	`
	run := &workflow.Run{}
	var contextJSON, visitedJSON sql.NullString
	var errMsg sql.NullString
	var completedAt sql.NullTime

	err := d.db.QueryRow(rebind(query), id).Scan(
		&run.ID, &run.WorkflowID, &run.LeadID, &run.CurrentNode, &run.Status, &run.IterationCount,
		&contextJSON, &visitedJSON, &run.CancelRequested, &errMsg, &run.Version,
		&run.StartedAt, &completedAt, &run.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workflow run not found: %s", id)
	}
	if err != nil {
		return nil, err
	}

	run.Context = map[string]any{}
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &run.Context); err != nil {
			return nil, fmt.Errorf("failed to decode run context: %w", err)
		}
	}
	run.Visited = map[string]bool{}
	if visitedJSON.Valid && visitedJSON.String != "" {
		if err := json.Unmarshal([]byte(visitedJSON.String), &run.Visited); err != nil {
			return nil, fmt.Errorf("failed to decode visited set: %w", err)
		}
	}
	if errMsg.Valid {
		run.Error = errMsg.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return run, nil
}

// RequestRunCancel sets the cooperative cancellation flag; the next
// transition short-circuits to the cancelled state.
func (d *Database) RequestRunCancel(id string) error {
	query := `UPDATE workflow_runs SET cancel_requested = true, updated_at = ? WHERE id = ?`
	res, err := d.db.Exec(rebind(query), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("workflow run not found: %s", id)
	}
	return nil
}

// AppendTrace records one immutable transition entry.
func (d *Database) AppendTrace(entry *workflow.TraceEntry) error {
	contextJSON, err := json.Marshal(entry.Context)
	if err != nil {
		return fmt.Errorf("failed to encode trace context: %w", err)
	}
	query := `
		INSERT INTO run_traces (id, run_id, node_id, status, iteration, context_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = d.db.Exec(rebind(query),
		entry.ID, entry.RunID, entry.NodeID, entry.Status, entry.Iteration,
		string(contextJSON), entry.CreatedAt,
	)
	return err
}

// ListTraces returns a run's transition history in order.
func (d *Database) ListTraces(runID string) ([]*workflow.TraceEntry, error) {
	query := `
		SELECT id, run_id, node_id, status, iteration, context_json, created_at
		FROM run_traces
		WHERE run_id = ?
		ORDER BY created_at ASC
	`
	rows, err := d.db.Query(rebind(query), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*workflow.TraceEntry
	for rows.Next() {
		entry := &workflow.TraceEntry{}
		var contextJSON sql.NullString
		if err := rows.Scan(&entry.ID, &entry.RunID, &entry.NodeID, &entry.Status,
			&entry.Iteration, &contextJSON, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if contextJSON.Valid && contextJSON.String != "" {
			entry.Context = map[string]any{}
			if err := json.Unmarshal([]byte(contextJSON.String), &entry.Context); err != nil {
				return nil, fmt.Errorf("failed to decode trace context: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// CreateAsset inserts one versioned generation output.
func (d *Database) CreateAsset(asset *workflow.Asset) error {
	query := `
		INSERT INTO assets (id, run_id, lead_id, iteration, parent_id, preview_url, code_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := d.db.Exec(rebind(query),
		asset.ID, asset.RunID, asset.LeadID, asset.Iteration,
		nullString(asset.ParentID), nullString(asset.PreviewURL), nullString(asset.CodeURL),
		asset.CreatedAt,
	)
	return err
}

// ListAssets returns a run's assets oldest first, tracing the iteration
// lineage.
func (d *Database) ListAssets(runID string) ([]*workflow.Asset, error) {
	query := `
		SELECT id, run_id, lead_id, iteration, parent_id, preview_url, code_url, created_at
		FROM assets
		WHERE run_id = ?
		ORDER BY iteration ASC
	`
	rows, err := d.db.Query(rebind(query), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []*workflow.Asset
	for rows.Next() {
		a := &workflow.Asset{}
		var parent, preview, code sql.NullString
		if err := rows.Scan(&a.ID, &a.RunID, &a.LeadID, &a.Iteration, &parent, &preview, &code, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.ParentID = parent.String
		a.PreviewURL = preview.String
		a.CodeURL = code.String
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
