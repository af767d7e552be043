// Package store provides storage backends for the sequence engine.
//
// It includes an in-memory store for tests and development, plus SQLite and
// PostgreSQL backed stores for persistent deployments.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Lucas123-creator/NeonMarketing.01/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL-style DSNs and "sqlite"
// otherwise. File paths and file: URIs are treated as SQLite.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// Store is the persistence abstraction shared by the engine, tracker and
// API. All implementations must be safe for concurrent use.
type Store interface {
	// Workflow definitions, keyed by (workflow_id, version). Immutable
	// once saved; a new version is a new row.
	SaveWorkflow(def models.WorkflowDefinition) error
	GetWorkflow(workflowID, version string) (*models.WorkflowDefinition, error)
	ListWorkflows() ([]models.WorkflowDefinition, error)

	// Leads.
	SaveLead(lead models.Lead) error
	GetLead(id string) (*models.Lead, error)
	GetLeadByAddress(channel models.Channel, address string) (*models.Lead, error)

	// Enrollments.
	SaveEnrollment(e models.LeadEnrollment) error
	GetEnrollment(id string) (*models.LeadEnrollment, error)
	ListDueEnrollments(now time.Time) ([]models.LeadEnrollment, error)
	ListEnrollmentsByStatus(status models.EnrollmentStatus) ([]models.LeadEnrollment, error)
	ListEnrollmentsByWorkflow(workflowID string) ([]models.LeadEnrollment, error)
	ListEnrollmentsByLead(leadID string) ([]models.LeadEnrollment, error)

	// Tracked events. AddEvent returns false when the event's idempotence
	// key already exists (duplicate submissions are no-ops).
	AddEvent(ev models.TrackedEvent) (bool, error)
	ListEventsByEnrollment(enrollmentID string) ([]models.TrackedEvent, error)
	ListEventsByWorkflow(workflowID string, since, until time.Time) ([]models.TrackedEvent, error)

	// Rate window counters, persisted so caps survive a restart within a
	// clock window.
	GetRateWindow(workflowID string) (*models.RateWindowState, error)
	SaveRateWindow(state models.RateWindowState) error

	Close() error
}

// InMemoryStore is a mutex-guarded map-backed Store, used by tests and as
// the default backend when no DSN is configured.
type InMemoryStore struct {
	mu          sync.RWMutex
	workflows   map[string]models.WorkflowDefinition // key: id@version
	leads       map[string]models.Lead
	enrollments map[string]models.LeadEnrollment
	events      []models.TrackedEvent
	eventKeys   map[string]bool
	rateWindows map[string]models.RateWindowState
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workflows:   make(map[string]models.WorkflowDefinition),
		leads:       make(map[string]models.Lead),
		enrollments: make(map[string]models.LeadEnrollment),
		eventKeys:   make(map[string]bool),
		rateWindows: make(map[string]models.RateWindowState),
	}
}

func (s *InMemoryStore) SaveWorkflow(def models.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[def.Key()] = def
	return nil
}

func (s *InMemoryStore) GetWorkflow(workflowID, version string) (*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.workflows[workflowID+"@"+version]
	if !ok {
		return nil, nil
	}
	return &def, nil
}

func (s *InMemoryStore) ListWorkflows() ([]models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := make([]models.WorkflowDefinition, 0, len(s.workflows))
	for _, def := range s.workflows {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Key() < defs[j].Key() })
	return defs, nil
}

func (s *InMemoryStore) SaveLead(lead models.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads[lead.ID] = lead
	return nil
}

func (s *InMemoryStore) GetLead(id string) (*models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lead, ok := s.leads[id]
	if !ok {
		return nil, nil
	}
	return &lead, nil
}

func (s *InMemoryStore) GetLeadByAddress(channel models.Channel, address string) (*models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, lead := range s.leads {
		if lead.Addresses[channel] == address {
			l := lead
			return &l, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) SaveEnrollment(e models.LeadEnrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrollments[e.ID] = e
	return nil
}

func (s *InMemoryStore) GetEnrollment(id string) (*models.LeadEnrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.enrollments[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// ListDueEnrollments returns pending enrollments whose fire time has
// passed, ordered by earliest_fire_time then creation time so ties are
// processed deterministically.
func (s *InMemoryStore) ListDueEnrollments(now time.Time) ([]models.LeadEnrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []models.LeadEnrollment
	for _, e := range s.enrollments {
		if e.Status == models.EnrollmentStatusPending && !e.Paused && !e.EarliestFireTime.After(now) {
			due = append(due, e)
		}
	}
	sortEnrollmentsByDue(due)
	return due, nil
}

func (s *InMemoryStore) ListEnrollmentsByStatus(status models.EnrollmentStatus) ([]models.LeadEnrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LeadEnrollment
	for _, e := range s.enrollments {
		if e.Status == status {
			out = append(out, e)
		}
	}
	sortEnrollmentsByDue(out)
	return out, nil
}

func (s *InMemoryStore) ListEnrollmentsByWorkflow(workflowID string) ([]models.LeadEnrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LeadEnrollment
	for _, e := range s.enrollments {
		if e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	sortEnrollmentsByDue(out)
	return out, nil
}

func (s *InMemoryStore) ListEnrollmentsByLead(leadID string) ([]models.LeadEnrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LeadEnrollment
	for _, e := range s.enrollments {
		if e.LeadID == leadID {
			out = append(out, e)
		}
	}
	sortEnrollmentsByDue(out)
	return out, nil
}

func (s *InMemoryStore) AddEvent(ev models.TrackedEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ev.IdempotenceKey()
	if s.eventKeys[key] {
		return false, nil
	}
	s.eventKeys[key] = true
	s.events = append(s.events, ev)
	return true, nil
}

func (s *InMemoryStore) ListEventsByEnrollment(enrollmentID string) ([]models.TrackedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.TrackedEvent
	for _, ev := range s.events {
		if ev.EnrollmentID == enrollmentID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListEventsByWorkflow(workflowID string, since, until time.Time) ([]models.TrackedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.TrackedEvent
	for _, ev := range s.events {
		if ev.WorkflowID != workflowID {
			continue
		}
		if !since.IsZero() && ev.Timestamp.Before(since) {
			continue
		}
		if !until.IsZero() && ev.Timestamp.After(until) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *InMemoryStore) GetRateWindow(workflowID string) (*models.RateWindowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.rateWindows[workflowID]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (s *InMemoryStore) SaveRateWindow(state models.RateWindowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateWindows[state.WorkflowID] = state
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

// sortEnrollmentsByDue orders by earliest_fire_time, then creation time,
// then ID as a final deterministic tie-break.
func sortEnrollmentsByDue(list []models.LeadEnrollment) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].EarliestFireTime.Equal(list[j].EarliestFireTime) {
			return list[i].EarliestFireTime.Before(list[j].EarliestFireTime)
		}
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
