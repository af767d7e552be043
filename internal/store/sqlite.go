// Package store provides storage backends for the sequence engine.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/Lucas123-creator/NeonMarketing.01/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a local SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveWorkflow(def models.WorkflowDefinition) error {
	definition, err := marshalJSON(def)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO workflows (workflow_id, version, definition) VALUES (?, ?, ?)`,
		def.WorkflowID, def.Version, definition)
	if err != nil {
		slog.Error("SQLiteStore SaveWorkflow failed", "error", err, "workflowID", def.WorkflowID)
		return fmt.Errorf("failed to insert workflow %s: %w", def.WorkflowID, err)
	}
	slog.Debug("SQLiteStore SaveWorkflow succeeded", "workflowID", def.WorkflowID, "version", def.Version)
	return nil
}

func (s *SQLiteStore) GetWorkflow(workflowID, version string) (*models.WorkflowDefinition, error) {
	var definition string
	err := s.db.QueryRow(
		`SELECT definition FROM workflows WHERE workflow_id = ? AND version = ?`,
		workflowID, version).Scan(&definition)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetWorkflow failed", "error", err, "workflowID", workflowID)
		return nil, err
	}
	return decodeWorkflow(definition)
}

func (s *SQLiteStore) ListWorkflows() ([]models.WorkflowDefinition, error) {
	rows, err := s.db.Query(`SELECT definition FROM workflows ORDER BY workflow_id, version`)
	if err != nil {
		slog.Error("SQLiteStore ListWorkflows query failed", "error", err)
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer rows.Close()

	var defs []models.WorkflowDefinition
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("failed to scan workflow row: %w", err)
		}
		def, err := decodeWorkflow(definition)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	return defs, rows.Err()
}

func (s *SQLiteStore) SaveLead(lead models.Lead) error {
	addresses, err := marshalJSON(lead.Addresses)
	if err != nil {
		return err
	}
	attributes, err := marshalJSON(lead.Attributes)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO leads (id, confidence_score, engagement_score, addresses, attributes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lead.ID, lead.ConfidenceScore, lead.EngagementScore,
		nilIfEmpty(addresses), nilIfEmpty(attributes), lead.CreatedAt, lead.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveLead failed", "error", err, "leadID", lead.ID)
		return fmt.Errorf("failed to save lead %s: %w", lead.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetLead(id string) (*models.Lead, error) {
	row := s.db.QueryRow(
		`SELECT id, confidence_score, engagement_score, addresses, attributes, created_at, updated_at
		 FROM leads WHERE id = ?`, id)
	lead, err := scanLead(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetLead failed", "error", err, "leadID", id)
		return nil, err
	}
	return lead, nil
}

func (s *SQLiteStore) GetLeadByAddress(channel models.Channel, address string) (*models.Lead, error) {
	// Addresses are stored as a JSON object column, so the lookup scans
	// candidates rather than using an index. Lead counts are small enough
	// per deployment that this has not warranted a join table.
	rows, err := s.db.Query(
		`SELECT id, confidence_score, engagement_score, addresses, attributes, created_at, updated_at
		 FROM leads WHERE addresses LIKE ?`, "%"+address+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to query leads by address: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		lead, err := scanLeadRows(rows)
		if err != nil {
			return nil, err
		}
		if lead.Addresses[channel] == address {
			return lead, nil
		}
	}
	return nil, rows.Err()
}

func (s *SQLiteStore) SaveEnrollment(e models.LeadEnrollment) error {
	history, err := marshalJSON(e.History)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO enrollments
			(id, lead_id, workflow_id, workflow_version, status, current_step, earliest_fire_time,
			 in_flight_deadline, history, retry_count, exit_reason, stop_requested, paused, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.LeadID, e.WorkflowID, e.WorkflowVersion, e.Status, nilIfEmpty(e.CurrentStep),
		e.EarliestFireTime, nullableTime(e.InFlightDeadline), nilIfEmpty(history), e.RetryCount,
		nilIfEmpty(string(e.ExitReason)), e.StopRequested, e.Paused, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveEnrollment failed", "error", err, "enrollmentID", e.ID)
		return fmt.Errorf("failed to save enrollment %s: %w", e.ID, err)
	}
	slog.Debug("SQLiteStore SaveEnrollment succeeded", "enrollmentID", e.ID, "status", e.Status)
	return nil
}

const enrollmentColumns = `id, lead_id, workflow_id, workflow_version, status, current_step,
	earliest_fire_time, in_flight_deadline, history, retry_count, exit_reason,
	stop_requested, paused, created_at, updated_at`

func (s *SQLiteStore) GetEnrollment(id string) (*models.LeadEnrollment, error) {
	rows, err := s.db.Query(`SELECT `+enrollmentColumns+` FROM enrollments WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanEnrollment(rows)
}

func (s *SQLiteStore) ListDueEnrollments(now time.Time) ([]models.LeadEnrollment, error) {
	rows, err := s.db.Query(`
		SELECT `+enrollmentColumns+` FROM enrollments
		WHERE status = ? AND paused = 0 AND earliest_fire_time <= ?
		ORDER BY earliest_fire_time, created_at, id`,
		models.EnrollmentStatusPending, now)
	if err != nil {
		slog.Error("SQLiteStore ListDueEnrollments query failed", "error", err)
		return nil, fmt.Errorf("failed to query due enrollments: %w", err)
	}
	defer rows.Close()
	return collectEnrollments(rows)
}

func (s *SQLiteStore) ListEnrollmentsByStatus(status models.EnrollmentStatus) ([]models.LeadEnrollment, error) {
	rows, err := s.db.Query(`
		SELECT `+enrollmentColumns+` FROM enrollments WHERE status = ?
		ORDER BY earliest_fire_time, created_at, id`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments by status: %w", err)
	}
	defer rows.Close()
	return collectEnrollments(rows)
}

func (s *SQLiteStore) ListEnrollmentsByWorkflow(workflowID string) ([]models.LeadEnrollment, error) {
	rows, err := s.db.Query(`
		SELECT `+enrollmentColumns+` FROM enrollments WHERE workflow_id = ?
		ORDER BY earliest_fire_time, created_at, id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments by workflow: %w", err)
	}
	defer rows.Close()
	return collectEnrollments(rows)
}

func (s *SQLiteStore) ListEnrollmentsByLead(leadID string) ([]models.LeadEnrollment, error) {
	rows, err := s.db.Query(`
		SELECT `+enrollmentColumns+` FROM enrollments WHERE lead_id = ?
		ORDER BY earliest_fire_time, created_at, id`, leadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments by lead: %w", err)
	}
	defer rows.Close()
	return collectEnrollments(rows)
}

func (s *SQLiteStore) AddEvent(ev models.TrackedEvent) (bool, error) {
	payload, err := marshalJSON(ev.Payload)
	if err != nil {
		return false, err
	}
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO tracked_events
			(id, idempotence_key, enrollment_id, workflow_id, step_id, kind, channel, template, timestamp, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.IdempotenceKey(), ev.EnrollmentID, ev.WorkflowID, nilIfEmpty(ev.StepID),
		ev.Kind, nilIfEmpty(string(ev.Channel)), nilIfEmpty(ev.Template), ev.Timestamp, nilIfEmpty(payload))
	if err != nil {
		slog.Error("SQLiteStore AddEvent failed", "error", err, "enrollmentID", ev.EnrollmentID)
		return false, fmt.Errorf("failed to insert event for %s: %w", ev.EnrollmentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const eventColumns = `id, enrollment_id, workflow_id, step_id, kind, channel, template, timestamp, payload`

func (s *SQLiteStore) ListEventsByEnrollment(enrollmentID string) ([]models.TrackedEvent, error) {
	rows, err := s.db.Query(
		`SELECT `+eventColumns+` FROM tracked_events WHERE enrollment_id = ? ORDER BY timestamp`,
		enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *SQLiteStore) ListEventsByWorkflow(workflowID string, since, until time.Time) ([]models.TrackedEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM tracked_events WHERE workflow_id = ?`
	args := []interface{}{workflowID}
	if !since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}
	if !until.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, until)
	}
	query += ` ORDER BY timestamp`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *SQLiteStore) GetRateWindow(workflowID string) (*models.RateWindowState, error) {
	var state models.RateWindowState
	err := s.db.QueryRow(
		`SELECT workflow_id, hour_start, hour_count, day_start, day_count FROM rate_windows WHERE workflow_id = ?`,
		workflowID).Scan(&state.WorkflowID, &state.HourStart, &state.HourCount, &state.DayStart, &state.DayCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rate window for %s: %w", workflowID, err)
	}
	return &state, nil
}

func (s *SQLiteStore) SaveRateWindow(state models.RateWindowState) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO rate_windows (workflow_id, hour_start, hour_count, day_start, day_count)
		VALUES (?, ?, ?, ?, ?)`,
		state.WorkflowID, state.HourStart, state.HourCount, state.DayStart, state.DayCount)
	if err != nil {
		return fmt.Errorf("failed to save rate window for %s: %w", state.WorkflowID, err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
