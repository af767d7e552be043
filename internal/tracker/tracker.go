// Package tracker records engagement events and computes workflow
// outcome metrics.
//
// Events are idempotent on (enrollment, step, kind, timestamp), so
// provider webhooks that fire twice do not skew the numbers. Engagement
// scoring is applied to the lead only when an event is newly recorded.
package tracker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/Lucas123-creator/NeonMarketing.01/internal/models"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/store"
	"github.com/google/uuid"
)

// WorkflowMetrics aggregates outcome rates for one workflow. Rates are
// fractions in [0, 1]. Enrollment counts cover the full cohort of the
// workflow ID regardless of version.
type WorkflowMetrics struct {
	WorkflowID     string  `json:"workflow_id"`
	Enrollments    int     `json:"enrollments"`
	ActiveCount    int     `json:"active_count"`
	CompletedCount int     `json:"completed_count"`
	SuccessCount   int     `json:"success_count"`
	SentCount      int     `json:"sent_count"`
	OpenRate       float64 `json:"open_rate"`
	ClickRate      float64 `json:"click_rate"`
	ResponseRate   float64 `json:"response_rate"`
	ConversionRate float64 `json:"conversion_rate"`
}

// Tracker records events and answers metric queries over the store.
type Tracker struct {
	store store.Store
}

// New creates a tracker over the given store.
func New(st store.Store) *Tracker {
	return &Tracker{store: st}
}

// Record stores an event. It returns true when the event was new and
// false when its idempotence key was already present. New events with a
// non-zero engagement delta also update the lead's engagement score.
func (t *Tracker) Record(ev models.TrackedEvent) (bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	added, err := t.store.AddEvent(ev)
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}
	if !added {
		slog.Debug("Tracker Record ignored duplicate event", "enrollmentID", ev.EnrollmentID, "kind", ev.Kind)
		return false, nil
	}

	if delta := models.ScoreDelta(ev.Kind); delta != 0 {
		if err := t.applyScoreDelta(ev.EnrollmentID, delta); err != nil {
			// The event itself is recorded; scoring drift is logged, not
			// propagated, because the caller cannot undo the insert.
			slog.Error("Tracker failed to apply engagement score", "error", err, "enrollmentID", ev.EnrollmentID)
		}
	}

	slog.Debug("Tracker recorded event", "enrollmentID", ev.EnrollmentID, "kind", ev.Kind, "stepID", ev.StepID)
	return true, nil
}

func (t *Tracker) applyScoreDelta(enrollmentID string, delta int) error {
	e, err := t.store.GetEnrollment(enrollmentID)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("enrollment %s not found", enrollmentID)
	}
	lead, err := t.store.GetLead(e.LeadID)
	if err != nil {
		return err
	}
	if lead == nil {
		return fmt.Errorf("lead %s not found", e.LeadID)
	}
	lead.EngagementScore += delta
	lead.UpdatedAt = time.Now().UTC()
	return t.store.SaveLead(*lead)
}

// Replay returns the full event history of an enrollment in timestamp
// order.
func (t *Tracker) Replay(enrollmentID string) ([]models.TrackedEvent, error) {
	return t.store.ListEventsByEnrollment(enrollmentID)
}

// Responded reports whether the enrollment has a responded event at or
// after since. A zero since covers the enrollment's whole lifetime.
func (t *Tracker) Responded(enrollmentID string, since time.Time) (bool, error) {
	events, err := t.store.ListEventsByEnrollment(enrollmentID)
	if err != nil {
		return false, err
	}
	for _, ev := range events {
		if ev.Kind != models.EventResponded {
			continue
		}
		if since.IsZero() || !ev.Timestamp.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

// Metrics computes outcome rates for a workflow within an optional time
// window. Zero since/until mean unbounded. Open, click and response
// rates are per distinct enrollment that had a send inside the window;
// the conversion rate is successful exits over all enrollments.
func (t *Tracker) Metrics(workflowID string, since, until time.Time) (WorkflowMetrics, error) {
	m := WorkflowMetrics{WorkflowID: workflowID}

	events, err := t.store.ListEventsByWorkflow(workflowID, since, until)
	if err != nil {
		return m, fmt.Errorf("failed to list workflow events: %w", err)
	}

	sent := make(map[string]bool)
	opened := make(map[string]bool)
	clicked := make(map[string]bool)
	responded := make(map[string]bool)
	for _, ev := range events {
		switch ev.Kind {
		case models.EventSent:
			sent[ev.EnrollmentID] = true
			m.SentCount++
		case models.EventOpened:
			opened[ev.EnrollmentID] = true
		case models.EventClicked:
			clicked[ev.EnrollmentID] = true
		case models.EventResponded:
			responded[ev.EnrollmentID] = true
		}
	}

	if n := len(sent); n > 0 {
		m.OpenRate = ratioOf(opened, sent)
		m.ClickRate = ratioOf(clicked, sent)
		m.ResponseRate = ratioOf(responded, sent)
	}

	enrollments, err := t.store.ListEnrollmentsByWorkflow(workflowID)
	if err != nil {
		return m, fmt.Errorf("failed to list workflow enrollments: %w", err)
	}
	m.Enrollments = len(enrollments)
	for _, e := range enrollments {
		switch {
		case !e.Status.IsTerminal():
			m.ActiveCount++
		case e.Status == models.EnrollmentStatusCompleted:
			m.CompletedCount++
		case e.ExitReason == models.ExitReasonSuccess:
			m.SuccessCount++
		}
	}
	if m.Enrollments > 0 {
		m.ConversionRate = float64(m.SuccessCount) / float64(m.Enrollments)
	}

	return m, nil
}

// CohortResponseRate returns the fraction of contacted enrollments in
// the workflow's full history that responded. It backs the
// min_response_rate clause of success criteria.
func (t *Tracker) CohortResponseRate(workflowID string) (float64, error) {
	events, err := t.store.ListEventsByWorkflow(workflowID, time.Time{}, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("failed to list workflow events: %w", err)
	}

	sent := make(map[string]bool)
	responded := make(map[string]bool)
	for _, ev := range events {
		switch ev.Kind {
		case models.EventSent:
			sent[ev.EnrollmentID] = true
		case models.EventResponded:
			responded[ev.EnrollmentID] = true
		}
	}
	if len(sent) == 0 {
		return 0, nil
	}
	return ratioOf(responded, sent), nil
}

// MeetsSuccessCriteria evaluates a workflow's success criteria for an
// enrollment that just produced a response-class event. The event kind
// must be listed in response_types, and when min_response_rate is set
// the cohort rate must clear it.
func (t *Tracker) MeetsSuccessCriteria(def *models.WorkflowDefinition, kind models.EventKind) (bool, error) {
	criteria := def.SuccessCriteria
	if len(criteria.ResponseTypes) == 0 {
		return false, nil
	}

	var listed bool
	for _, rt := range criteria.ResponseTypes {
		if rt == string(kind) {
			listed = true
			break
		}
	}
	if !listed {
		return false, nil
	}

	if criteria.MinResponseRate > 0 {
		rate, err := t.CohortResponseRate(def.WorkflowID)
		if err != nil {
			return false, err
		}
		if rate < criteria.MinResponseRate {
			return false, nil
		}
	}
	return true, nil
}

// ratioOf counts how many keys of hit are also in base, over base.
func ratioOf(hit, base map[string]bool) float64 {
	var n int
	for id := range hit {
		if base[id] {
			n++
		}
	}
	return float64(n) / float64(len(base))
}
