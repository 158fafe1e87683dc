package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agos-io/factory/internal/negotiation"
)

// CreateNegotiation inserts the aggregate at version 1. One negotiation per
// lead; a second insert for the same lead fails on the unique constraint.
func (d *Database) CreateNegotiation(ctx context.Context, n *negotiation.Negotiation) error {
	if n == nil {
		return fmt.Errorf("negotiation cannot be nil")
	}
	objections, err := json.Marshal(n.Objections)
	if err != nil {
		return fmt.Errorf("failed to encode objections: %w", err)
	}

	n.Version = 1
	query := `
		INSERT INTO negotiations (id, lead_id, base_price, current_price, min_acceptable_price,
			max_discount_pct, negotiation_state, sdr_state, total_touches, emails_sent, sms_sent,
			close_probability, close_reason, payment_session_id, contract_url, proposal_url,
			objections_json, last_contact_at, next_action_at, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = d.db.ExecContext(ctx, rebind(query),
		n.ID, n.LeadID, n.BasePrice, n.CurrentPrice, n.MinAcceptablePrice,
		n.MaxDiscountPct, n.State, n.SDRState, n.TotalTouches, n.EmailsSent, n.SMSSent,
		n.CloseProbability, nullString(n.CloseReason), nullString(n.PaymentSessionID),
		nullString(n.ContractURL), nullString(n.ProposalURL),
		string(objections), n.LastContactAt, n.NextActionAt, n.Version, n.CreatedAt, n.UpdatedAt,
	)
	return err
}

// UpdateNegotiation persists the aggregate with an optimistic version check.
func (d *Database) UpdateNegotiation(ctx context.Context, n *negotiation.Negotiation) error {
	objections, err := json.Marshal(n.Objections)
	if err != nil {
		return fmt.Errorf("failed to encode objections: %w", err)
	}

	query := `
		UPDATE negotiations
		SET current_price = ?, negotiation_state = ?, sdr_state = ?, total_touches = ?,
			emails_sent = ?, sms_sent = ?, close_probability = ?, close_reason = ?,
			payment_session_id = ?, contract_url = ?, proposal_url = ?, objections_json = ?,
			last_contact_at = ?, next_action_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`
	res, err := d.db.ExecContext(ctx, rebind(query),
		n.CurrentPrice, n.State, n.SDRState, n.TotalTouches,
		n.EmailsSent, n.SMSSent, n.CloseProbability, nullString(n.CloseReason),
		nullString(n.PaymentSessionID), nullString(n.ContractURL), nullString(n.ProposalURL),
		string(objections), n.LastContactAt, n.NextActionAt, n.UpdatedAt,
		n.ID, n.Version,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("negotiation %s: %w", n.ID, ErrVersionConflict)
	}
	n.Version++
	return nil
}

// ApplyDiscount commits the price change, the caller-set deal stage, and the
// ledger entry in one transaction with a version check. Either both land or
// neither does; a persisted price change without its ledger row can never
// exist.
func (d *Database) ApplyDiscount(ctx context.Context, n *negotiation.Negotiation, rec negotiation.DiscountRecord) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin discount transaction: %w", err)
	}
	defer tx.Rollback()

	update := `
		UPDATE negotiations
		SET current_price = ?, negotiation_state = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`
	res, err := tx.ExecContext(ctx, rebind(update),
		rec.NewPrice, n.State, rec.AppliedAt, n.ID, n.Version)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("negotiation %s: %w", n.ID, ErrVersionConflict)
	}

	insert := `
		INSERT INTO discount_ledger (negotiation_id, pct, new_price, reason, applied_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, rebind(insert),
		n.ID, rec.Pct, rec.NewPrice, rec.Reason, rec.AppliedAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit discount transaction: %w", err)
	}
	n.Version++
	return nil
}

// GetNegotiationByLead loads the aggregate and its discount ledger.
func (d *Database) GetNegotiationByLead(ctx context.Context, leadID string) (*negotiation.Negotiation, error) {
	query := `
		SELECT id, lead_id, base_price, current_price, min_acceptable_price, max_discount_pct,
			negotiation_state, sdr_state, total_touches, emails_sent, sms_sent, close_probability,
			close_reason, payment_session_id, contract_url, proposal_url, objections_json,
			last_contact_at, next_action_at, version, created_at, updated_at
		FROM negotiations
		WHERE lead_id = ?
	`
	return d.scanNegotiation(ctx, d.db.QueryRowContext(ctx, rebind(query), leadID), leadID)
}

// GetNegotiation loads the aggregate by its own id.
func (d *Database) GetNegotiation(ctx context.Context, id string) (*negotiation.Negotiation, error) {
	query := `
		SELECT id, lead_id, base_price, current_price, min_acceptable_price, max_discount_pct,
			negotiation_state, sdr_state, total_touches, emails_sent, sms_sent, close_probability,
			close_reason, payment_session_id, contract_url, proposal_url, objections_json,
			last_contact_at, next_action_at, version, created_at, updated_at
		FROM negotiations
		WHERE id = ?
	`
	return d.scanNegotiation(ctx, d.db.QueryRowContext(ctx, rebind(query), id), id)
}

func (d *Database) scanNegotiation(ctx context.Context, row *sql.Row, ref string) (*negotiation.Negotiation, error) {
	n := &negotiation.Negotiation{}
	var closeReason, session, contract, proposal, objections sql.NullString
	var lastContact, nextAction sql.NullTime

	err := row.Scan(
		&n.ID, &n.LeadID, &n.BasePrice, &n.CurrentPrice, &n.MinAcceptablePrice, &n.MaxDiscountPct,
		&n.State, &n.SDRState, &n.TotalTouches, &n.EmailsSent, &n.SMSSent, &n.CloseProbability,
		&closeReason, &session, &contract, &proposal, &objections,
		&lastContact, &nextAction, &n.Version, &n.CreatedAt, &n.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("negotiation not found: %s", ref)
	}
	if err != nil {
		return nil, err
	}

	n.CloseReason = closeReason.String
	n.PaymentSessionID = session.String
	n.ContractURL = contract.String
	n.ProposalURL = proposal.String
	if objections.Valid && objections.String != "" {
		if err := json.Unmarshal([]byte(objections.String), &n.Objections); err != nil {
			return nil, fmt.Errorf("failed to decode objections: %w", err)
		}
	}
	if lastContact.Valid {
		t := lastContact.Time
		n.LastContactAt = &t
	}
	if nextAction.Valid {
		t := nextAction.Time
		n.NextActionAt = &t
	}

	history, err := d.listDiscounts(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	n.DiscountHistory = history
	return n, nil
}

func (d *Database) listDiscounts(ctx context.Context, negotiationID string) ([]negotiation.DiscountRecord, error) {
	query := `
		SELECT pct, new_price, reason, applied_at
		FROM discount_ledger
		WHERE negotiation_id = ?
		ORDER BY applied_at ASC, id ASC
	`
	rows, err := d.db.QueryContext(ctx, rebind(query), negotiationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []negotiation.DiscountRecord
	for rows.Next() {
		var rec negotiation.DiscountRecord
		var reason sql.NullString
		if err := rows.Scan(&rec.Pct, &rec.NewPrice, &reason, &rec.AppliedAt); err != nil {
			return nil, err
		}
		rec.Reason = reason.String
		history = append(history, rec)
	}
	return history, rows.Err()
}

// ListDueFollowUps returns negotiations whose next action is due, oldest
// first, skipping terminal deals and completed cadences. limit caps a sweep.
func (d *Database) ListDueFollowUps(ctx context.Context, now time.Time, limit int) ([]*negotiation.Negotiation, error) {
	query := `
		SELECT lead_id
		FROM negotiations
		WHERE next_action_at IS NOT NULL
			AND next_action_at <= ?
			AND sdr_state != ?
			AND negotiation_state NOT IN (?, ?)
		ORDER BY next_action_at ASC
		LIMIT ?
	`
	rows, err := d.db.QueryContext(ctx, rebind(query),
		now, negotiation.SDRCompleted, negotiation.DealRejected, negotiation.DealPaid, limit)
	if err != nil {
		return nil, err
	}

	var leadIDs []string
	for rows.Next() {
		var leadID string
		if err := rows.Scan(&leadID); err != nil {
			rows.Close()
			return nil, err
		}
		leadIDs = append(leadIDs, leadID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	due := make([]*negotiation.Negotiation, 0, len(leadIDs))
	for _, leadID := range leadIDs {
		n, err := d.GetNegotiationByLead(ctx, leadID)
		if err != nil {
			return nil, err
		}
		due = append(due, n)
	}
	return due, nil
}

// AppendInteraction records one immutable event.
func (d *Database) AppendInteraction(ctx context.Context, rec *negotiation.Interaction) error {
	query := `
		INSERT INTO interactions (id, negotiation_id, lead_id, interaction_type, channel,
			subject, body_preview, template_slug, offered_price, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := d.db.ExecContext(ctx, rebind(query),
		rec.ID, rec.NegotiationID, rec.LeadID, rec.Type, nullString(string(rec.Channel)),
		nullString(rec.Subject), nullString(rec.BodyPreview), nullString(rec.TemplateSlug),
		rec.OfferedPrice, rec.OccurredAt,
	)
	return err
}

// ListInteractions returns a negotiation's events newest first.
func (d *Database) ListInteractions(ctx context.Context, negotiationID string, limit int) ([]negotiation.Interaction, error) {
	query := `
		SELECT id, negotiation_id, lead_id, interaction_type, channel, subject,
			body_preview, template_slug, offered_price, occurred_at
		FROM interactions
		WHERE negotiation_id = ?
		ORDER BY occurred_at DESC
		LIMIT ?
	`
	rows, err := d.db.QueryContext(ctx, rebind(query), negotiationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []negotiation.Interaction
	for rows.Next() {
		var ev negotiation.Interaction
		var channel, subject, preview, slug sql.NullString
		var price sql.NullFloat64
		if err := rows.Scan(&ev.ID, &ev.NegotiationID, &ev.LeadID, &ev.Type, &channel,
			&subject, &preview, &slug, &price, &ev.OccurredAt); err != nil {
			return nil, err
		}
		ev.Channel = negotiation.Channel(channel.String)
		ev.Subject = subject.String
		ev.BodyPreview = preview.String
		ev.TemplateSlug = slug.String
		ev.OfferedPrice = price.Float64
		events = append(events, ev)
	}
	return events, rows.Err()
}
