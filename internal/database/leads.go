package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agos-io/factory/internal/negotiation"
)

// Lead pipeline statuses, in rooms order.
const (
	LeadStatusNew         = "new"
	LeadStatusTriaged     = "triaged"
	LeadStatusForging     = "forging"
	LeadStatusMockupReady = "mockup_ready"
	LeadStatusPresenting  = "presenting"
	LeadStatusNegotiating = "negotiating"
	LeadStatusClosedWon   = "closed_won"
	LeadStatusClosedLost  = "closed_lost"
)

// Lead is a prospect moving through the rooms pipeline.
type Lead struct {
	ID           string                  `json:"id"`
	Tenant       string                  `json:"tenant,omitempty"`
	CompanyName  string                  `json:"company_name"`
	ContactName  string                  `json:"contact_name,omitempty"`
	ContactEmail string                  `json:"contact_email,omitempty"`
	Phone        string                  `json:"phone,omitempty"`
	WebsiteURL   string                  `json:"website_url,omitempty"`
	Industry     string                  `json:"industry,omitempty"`
	Status       string                  `json:"status"`
	TriageScore  *float64                `json:"triage_score,omitempty"`
	Signals      negotiation.LeadSignals `json:"signals"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// UpsertLead inserts or updates a lead.
func (d *Database) UpsertLead(ctx context.Context, lead *Lead) error {
	if lead == nil {
		return fmt.Errorf("lead cannot be nil")
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = time.Now().UTC()
	}
	lead.UpdatedAt = time.Now().UTC()

	signalsJSON, err := json.Marshal(lead.Signals)
	if err != nil {
		return fmt.Errorf("failed to encode lead signals: %w", err)
	}

	query := `
		INSERT INTO leads (id, tenant, company_name, contact_name, contact_email, phone,
			website_url, industry, status, triage_score, signals_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant = excluded.tenant,
			company_name = excluded.company_name,
			contact_name = excluded.contact_name,
			contact_email = excluded.contact_email,
			phone = excluded.phone,
			website_url = excluded.website_url,
			industry = excluded.industry,
			status = excluded.status,
			triage_score = excluded.triage_score,
			signals_json = excluded.signals_json,
			updated_at = excluded.updated_at
	`
	_, err = d.db.ExecContext(ctx, rebind(query),
		lead.ID, lead.Tenant, lead.CompanyName, nullString(lead.ContactName),
		nullString(lead.ContactEmail), nullString(lead.Phone), nullString(lead.WebsiteURL),
		nullString(lead.Industry), lead.Status, lead.TriageScore, string(signalsJSON),
		lead.CreatedAt, lead.UpdatedAt,
	)
	return err
}

// GetLead loads one lead by id.
func (d *Database) GetLead(ctx context.Context, id string) (*Lead, error) {
	query := `
		SELECT id, tenant, company_name, contact_name, contact_email, phone,
			website_url, industry, status, triage_score, signals_json, created_at, updated_at
		FROM leads
		WHERE id = ?
	`
	lead := &Lead{}
	var contactName, contactEmail, phone, website, industry, signalsJSON sql.NullString
	var triageScore sql.NullFloat64

	err := d.db.QueryRowContext(ctx, rebind(query), id).Scan(
		&lead.ID, &lead.Tenant, &lead.CompanyName, &contactName, &contactEmail, &phone,
		&website, &industry, &lead.Status, &triageScore, &signalsJSON,
		&lead.CreatedAt, &lead.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("lead not found: %s", id)
	}
	if err != nil {
		return nil, err
	}

	lead.ContactName = contactName.String
	lead.ContactEmail = contactEmail.String
	lead.Phone = phone.String
	lead.WebsiteURL = website.String
	lead.Industry = industry.String
	if triageScore.Valid {
		v := triageScore.Float64
		lead.TriageScore = &v
	}
	if signalsJSON.Valid && signalsJSON.String != "" {
		if err := json.Unmarshal([]byte(signalsJSON.String), &lead.Signals); err != nil {
			return nil, fmt.Errorf("failed to decode lead signals: %w", err)
		}
	}
	return lead, nil
}

// UpdateLeadStatus moves a lead to the next pipeline stage.
func (d *Database) UpdateLeadStatus(ctx context.Context, id, status string) error {
	query := `UPDATE leads SET status = ?, updated_at = ? WHERE id = ?`
	res, err := d.db.ExecContext(ctx, rebind(query), status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("lead not found: %s", id)
	}
	return nil
}

// ListLeadsByStatus returns leads in one pipeline stage, oldest first.
func (d *Database) ListLeadsByStatus(ctx context.Context, status string, limit int) ([]*Lead, error) {
	query := `
		SELECT id FROM leads WHERE status = ? ORDER BY updated_at ASC LIMIT ?
	`
	rows, err := d.db.QueryContext(ctx, rebind(query), status, limit)
	if err != nil {
		return nil, err
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	leads := make([]*Lead, 0, len(ids))
	for _, id := range ids {
		lead, err := d.GetLead(ctx, id)
		if err != nil {
			return nil, err
		}
		leads = append(leads, lead)
	}
	return leads, nil
}
