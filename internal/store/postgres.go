package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/Lucas123-creator/NeonMarketing.01/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveWorkflow(def models.WorkflowDefinition) error {
	definition, err := marshalJSON(def)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO workflows (workflow_id, version, definition) VALUES ($1, $2, $3)
		ON CONFLICT (workflow_id, version) DO UPDATE SET definition = EXCLUDED.definition`,
		def.WorkflowID, def.Version, definition)
	if err != nil {
		slog.Error("PostgresStore SaveWorkflow failed", "error", err, "workflowID", def.WorkflowID)
		return fmt.Errorf("failed to insert workflow %s: %w", def.WorkflowID, err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(workflowID, version string) (*models.WorkflowDefinition, error) {
	var definition string
	err := s.db.QueryRow(
		`SELECT definition FROM workflows WHERE workflow_id = $1 AND version = $2`,
		workflowID, version).Scan(&definition)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetWorkflow failed", "error", err, "workflowID", workflowID)
		return nil, err
	}
	return decodeWorkflow(definition)
}

func (s *PostgresStore) ListWorkflows() ([]models.WorkflowDefinition, error) {
	rows, err := s.db.Query(`SELECT definition FROM workflows ORDER BY workflow_id, version`)
	if err != nil {
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

func (s *PostgresStore) SaveLead(lead models.Lead) error {
	addresses, err := marshalJSON(lead.Addresses)
	if err != nil {
		return err
	}
	attributes, err := marshalJSON(lead.Attributes)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO leads (id, confidence_score, engagement_score, addresses, attributes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			confidence_score = EXCLUDED.confidence_score,
			engagement_score = EXCLUDED.engagement_score,
			addresses = EXCLUDED.addresses,
			attributes = EXCLUDED.attributes,
			updated_at = EXCLUDED.updated_at`,
		lead.ID, lead.ConfidenceScore, lead.EngagementScore,
		nilIfEmpty(addresses), nilIfEmpty(attributes), lead.CreatedAt, lead.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveLead failed", "error", err, "leadID", lead.ID)
		return fmt.Errorf("failed to save lead %s: %w", lead.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetLead(id string) (*models.Lead, error) {
	row := s.db.QueryRow(
		`SELECT id, confidence_score, engagement_score, addresses, attributes, created_at, updated_at
		 FROM leads WHERE id = $1`, id)
	lead, err := scanLead(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return lead, nil
}

func (s *PostgresStore) GetLeadByAddress(channel models.Channel, address string) (*models.Lead, error) {
	rows, err := s.db.Query(
		`SELECT id, confidence_score, engagement_score, addresses, attributes, created_at, updated_at
		 FROM leads WHERE addresses LIKE $1`, "%"+address+"%")
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

func (s *PostgresStore) SaveEnrollment(e models.LeadEnrollment) error {
	history, err := marshalJSON(e.History)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO enrollments
			(id, lead_id, workflow_id, workflow_version, status, current_step, earliest_fire_time,
			 in_flight_deadline, history, retry_count, exit_reason, stop_requested, paused, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_step = EXCLUDED.current_step,
			earliest_fire_time = EXCLUDED.earliest_fire_time,
			in_flight_deadline = EXCLUDED.in_flight_deadline,
			history = EXCLUDED.history,
			retry_count = EXCLUDED.retry_count,
			exit_reason = EXCLUDED.exit_reason,
			stop_requested = EXCLUDED.stop_requested,
			paused = EXCLUDED.paused,
			updated_at = EXCLUDED.updated_at`,
		e.ID, e.LeadID, e.WorkflowID, e.WorkflowVersion, e.Status, nilIfEmpty(e.CurrentStep),
		e.EarliestFireTime, nullableTime(e.InFlightDeadline), nilIfEmpty(history), e.RetryCount,
		nilIfEmpty(string(e.ExitReason)), e.StopRequested, e.Paused, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveEnrollment failed", "error", err, "enrollmentID", e.ID)
		return fmt.Errorf("failed to save enrollment %s: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetEnrollment(id string) (*models.LeadEnrollment, error) {
	rows, err := s.db.Query(`SELECT `+enrollmentColumns+` FROM enrollments WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanEnrollment(rows)
}

func (s *PostgresStore) ListDueEnrollments(now time.Time) ([]models.LeadEnrollment, error) {
	rows, err := s.db.Query(`
		SELECT `+enrollmentColumns+` FROM enrollments
		WHERE status = $1 AND paused = FALSE AND earliest_fire_time <= $2
		ORDER BY earliest_fire_time, created_at, id`,
		models.EnrollmentStatusPending, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due enrollments: %w", err)
	}
	defer rows.Close()
	return collectEnrollments(rows)
}

func (s *PostgresStore) ListEnrollmentsByStatus(status models.EnrollmentStatus) ([]models.LeadEnrollment, error) {
	rows, err := s.db.Query(`
		SELECT `+enrollmentColumns+` FROM enrollments WHERE status = $1
		ORDER BY earliest_fire_time, created_at, id`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments by status: %w", err)
	}
	defer rows.Close()
	return collectEnrollments(rows)
}

func (s *PostgresStore) ListEnrollmentsByWorkflow(workflowID string) ([]models.LeadEnrollment, error) {
	rows, err := s.db.Query(`
		SELECT `+enrollmentColumns+` FROM enrollments WHERE workflow_id = $1
		ORDER BY earliest_fire_time, created_at, id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments by workflow: %w", err)
	}
	defer rows.Close()
	return collectEnrollments(rows)
}

func (s *PostgresStore) ListEnrollmentsByLead(leadID string) ([]models.LeadEnrollment, error) {
	rows, err := s.db.Query(`
		SELECT `+enrollmentColumns+` FROM enrollments WHERE lead_id = $1
		ORDER BY earliest_fire_time, created_at, id`, leadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments by lead: %w", err)
	}
	defer rows.Close()
	return collectEnrollments(rows)
}

func (s *PostgresStore) AddEvent(ev models.TrackedEvent) (bool, error) {
	payload, err := marshalJSON(ev.Payload)
	if err != nil {
		return false, err
	}
	res, err := s.db.Exec(`
		INSERT INTO tracked_events
			(id, idempotence_key, enrollment_id, workflow_id, step_id, kind, channel, template, timestamp, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotence_key) DO NOTHING`,
		ev.ID, ev.IdempotenceKey(), ev.EnrollmentID, ev.WorkflowID, nilIfEmpty(ev.StepID),
		ev.Kind, nilIfEmpty(string(ev.Channel)), nilIfEmpty(ev.Template), ev.Timestamp, nilIfEmpty(payload))
	if err != nil {
		slog.Error("PostgresStore AddEvent failed", "error", err, "enrollmentID", ev.EnrollmentID)
		return false, fmt.Errorf("failed to insert event for %s: %w", ev.EnrollmentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) ListEventsByEnrollment(enrollmentID string) ([]models.TrackedEvent, error) {
	rows, err := s.db.Query(
		`SELECT `+eventColumns+` FROM tracked_events WHERE enrollment_id = $1 ORDER BY timestamp`,
		enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *PostgresStore) ListEventsByWorkflow(workflowID string, since, until time.Time) ([]models.TrackedEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM tracked_events WHERE workflow_id = $1`
	args := []interface{}{workflowID}
	if !since.IsZero() {
		args = append(args, since)
		query += fmt.Sprintf(` AND timestamp >= $%d`, len(args))
	}
	if !until.IsZero() {
		args = append(args, until)
		query += fmt.Sprintf(` AND timestamp <= $%d`, len(args))
	}
	query += ` ORDER BY timestamp`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *PostgresStore) GetRateWindow(workflowID string) (*models.RateWindowState, error) {
	var state models.RateWindowState
	err := s.db.QueryRow(
		`SELECT workflow_id, hour_start, hour_count, day_start, day_count FROM rate_windows WHERE workflow_id = $1`,
		workflowID).Scan(&state.WorkflowID, &state.HourStart, &state.HourCount, &state.DayStart, &state.DayCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rate window for %s: %w", workflowID, err)
	}
	return &state, nil
}

func (s *PostgresStore) SaveRateWindow(state models.RateWindowState) error {
	_, err := s.db.Exec(`
		INSERT INTO rate_windows (workflow_id, hour_start, hour_count, day_start, day_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workflow_id) DO UPDATE SET
			hour_start = EXCLUDED.hour_start,
			hour_count = EXCLUDED.hour_count,
			day_start = EXCLUDED.day_start,
			day_count = EXCLUDED.day_count`,
		state.WorkflowID, state.HourStart, state.HourCount, state.DayStart, state.DayCount)
	if err != nil {
		return fmt.Errorf("failed to save rate window for %s: %w", state.WorkflowID, err)
	}
	return nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}
