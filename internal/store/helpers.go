package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Lucas123-creator/NeonMarketing.01/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalJSON encodes v for a TEXT column, returning "" for nil maps.
func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal failed: %w", err)
	}
	return string(data), nil
}

// unmarshalHistory decodes the enrollment history column.
func unmarshalHistory(raw string) (map[string]models.StepRecord, error) {
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]models.StepRecord)
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("unmarshal history failed: %w", err)
	}
	return out, nil
}

// unmarshalAddresses decodes the lead addresses column.
func unmarshalAddresses(raw string) (map[models.Channel]string, error) {
	if raw == "" {
		return nil, nil
	}
	out := make(map[models.Channel]string)
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("unmarshal addresses failed: %w", err)
	}
	return out, nil
}

// unmarshalAttributes decodes the lead attributes column.
func unmarshalAttributes(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]any)
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("unmarshal attributes failed: %w", err)
	}
	return out, nil
}

// unmarshalPayload decodes the event payload column.
func unmarshalPayload(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]string)
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("unmarshal payload failed: %w", err)
	}
	return out, nil
}

// nullableTime returns nil for zero timestamps so they land as SQL NULL.
func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// decodeWorkflow unpacks a workflow definition stored as JSON.
func decodeWorkflow(raw string) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return nil, fmt.Errorf("unmarshal workflow definition failed: %w", err)
	}
	return &def, nil
}

// scanLead reads a lead row in the column order used by the SQL stores.
func scanLead(row rowScanner) (*models.Lead, error) {
	var lead models.Lead
	var addresses, attributes sql.NullString
	var createdAt, updatedAt sql.NullTime
	if err := row.Scan(&lead.ID, &lead.ConfidenceScore, &lead.EngagementScore,
		&addresses, &attributes, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if lead.Addresses, err = unmarshalAddresses(addresses.String); err != nil {
		return nil, err
	}
	if lead.Attributes, err = unmarshalAttributes(attributes.String); err != nil {
		return nil, err
	}
	lead.CreatedAt = createdAt.Time
	lead.UpdatedAt = updatedAt.Time
	return &lead, nil
}

// scanLeadRows is scanLead for a *sql.Rows cursor.
func scanLeadRows(rows *sql.Rows) (*models.Lead, error) {
	return scanLead(rows)
}

// scanEnrollment reads an enrollment row in the column order of
// enrollmentColumns.
func scanEnrollment(row rowScanner) (*models.LeadEnrollment, error) {
	var e models.LeadEnrollment
	var currentStep, history, exitReason sql.NullString
	var deadline sql.NullTime
	if err := row.Scan(&e.ID, &e.LeadID, &e.WorkflowID, &e.WorkflowVersion, &e.Status,
		&currentStep, &e.EarliestFireTime, &deadline, &history, &e.RetryCount,
		&exitReason, &e.StopRequested, &e.Paused, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.CurrentStep = currentStep.String
	e.ExitReason = models.ExitReason(exitReason.String)
	e.InFlightDeadline = deadline.Time
	var err error
	if e.History, err = unmarshalHistory(history.String); err != nil {
		return nil, err
	}
	return &e, nil
}

// collectEnrollments drains a cursor of enrollment rows.
func collectEnrollments(rows *sql.Rows) ([]models.LeadEnrollment, error) {
	var out []models.LeadEnrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan enrollment row: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// scanEvent reads a tracked event row in the column order of eventColumns.
func scanEvent(row rowScanner) (*models.TrackedEvent, error) {
	var ev models.TrackedEvent
	var stepID, channel, template, payload sql.NullString
	if err := row.Scan(&ev.ID, &ev.EnrollmentID, &ev.WorkflowID, &stepID, &ev.Kind,
		&channel, &template, &ev.Timestamp, &payload); err != nil {
		return nil, err
	}
	ev.StepID = stepID.String
	ev.Channel = models.Channel(channel.String)
	ev.Template = template.String
	var err error
	if ev.Payload, err = unmarshalPayload(payload.String); err != nil {
		return nil, err
	}
	return &ev, nil
}

// collectEvents drains a cursor of tracked event rows.
func collectEvents(rows *sql.Rows) ([]models.TrackedEvent, error) {
	var out []models.TrackedEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}
