package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agos-io/factory/internal/approval"
)

// CreateApproval inserts a pending approval item.
func (d *Database) CreateApproval(ctx context.Context, item *approval.Item) error {
	query := `
		INSERT INTO approvals (id, context_ref, gate_type, status, reason, expires_at, decided_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := d.db.ExecContext(ctx, rebind(query),
		item.ID, item.ContextRef, item.GateType, item.Status,
		nullString(item.Reason), item.ExpiresAt, item.DecidedAt, item.CreatedAt,
	)
	return err
}

// GetApproval loads one item by id.
func (d *Database) GetApproval(ctx context.Context, id string) (*approval.Item, error) {
	query := `
		SELECT id, context_ref, gate_type, status, reason, expires_at, decided_at, created_at
		FROM approvals
		WHERE id = ?
	`
	item := &approval.Item{}
	var reason sql.NullString
	var decidedAt sql.NullTime

	err := d.db.QueryRowContext(ctx, rebind(query), id).Scan(
		&item.ID, &item.ContextRef, &item.GateType, &item.Status,
		&reason, &item.ExpiresAt, &decidedAt, &item.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("approval item not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	item.Reason = reason.String
	if decidedAt.Valid {
		t := decidedAt.Time
		item.DecidedAt = &t
	}
	return item, nil
}

// UpdateApproval persists a decision. Only pending rows accept an update, so
// a decided item stays immutable even under racing resolvers.
func (d *Database) UpdateApproval(ctx context.Context, item *approval.Item) error {
	query := `
		UPDATE approvals
		SET status = ?, reason = ?, decided_at = ?
		WHERE id = ? AND status = ?
	`
	res, err := d.db.ExecContext(ctx, rebind(query),
		item.Status, nullString(item.Reason), item.DecidedAt, item.ID, approval.StatusPending)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("approval item %s is not pending", item.ID)
	}
	return nil
}

// ExpireOverdueApprovals marks pending items past their deadline as expired
// and returns them so callers can fail the blocked entities closed.
func (d *Database) ExpireOverdueApprovals(ctx context.Context, now time.Time) ([]*approval.Item, error) {
	query := `
		UPDATE approvals
		SET status = ?, decided_at = ?
		WHERE status = ? AND expires_at < ?
		RETURNING id, context_ref, gate_type, status, reason, expires_at, decided_at, created_at
	`
	rows, err := d.db.QueryContext(ctx, rebind(query),
		approval.StatusExpired, now, approval.StatusPending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []*approval.Item
	for rows.Next() {
		item := &approval.Item{}
		var reason sql.NullString
		var decidedAt sql.NullTime
		if err := rows.Scan(&item.ID, &item.ContextRef, &item.GateType, &item.Status,
			&reason, &item.ExpiresAt, &decidedAt, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.Reason = reason.String
		if decidedAt.Valid {
			t := decidedAt.Time
			item.DecidedAt = &t
		}
		expired = append(expired, item)
	}
	return expired, rows.Err()
}
