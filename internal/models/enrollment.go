// Package models defines enrollment state structures for the sequence engine.
package models

import (
	"errors"
	"time"
)

// EnrollmentStatus represents the scheduling state of a lead enrollment.
type EnrollmentStatus string

const (
	// EnrollmentStatusPending indicates the enrollment is waiting for its
	// next step to become due.
	EnrollmentStatusPending EnrollmentStatus = "pending"
	// EnrollmentStatusInFlight indicates a send has been dispatched and the
	// engine is waiting for a delivery acknowledgment.
	EnrollmentStatusInFlight EnrollmentStatus = "in_flight"
	// EnrollmentStatusCompleted indicates every step has fired.
	EnrollmentStatusCompleted EnrollmentStatus = "completed"
	// EnrollmentStatusExited indicates the enrollment terminated before the
	// sequence end; ExitReason carries why.
	EnrollmentStatusExited EnrollmentStatus = "exited"
)

// IsTerminal reports whether the status admits no further transitions.
func (s EnrollmentStatus) IsTerminal() bool {
	return s == EnrollmentStatusCompleted || s == EnrollmentStatusExited
}

// ExitReason explains why an enrollment left the sequence early.
type ExitReason string

const (
	// ExitReasonSuccess indicates a qualifying response matched the
	// workflow success criteria.
	ExitReasonSuccess ExitReason = "success"
	// ExitReasonStopped indicates the enrollment was stopped externally or
	// stopped advancing after a non-qualifying response.
	ExitReasonStopped ExitReason = "stopped"
	// ExitReasonExhausted indicates a step stayed blocked past max_retries.
	ExitReasonExhausted ExitReason = "exhausted"
	// ExitReasonFailed indicates delivery failed max_retries times.
	ExitReasonFailed ExitReason = "failed"
	// ExitReasonQuarantined indicates corrupt state excluded the enrollment
	// from scheduling pending operator intervention.
	ExitReasonQuarantined ExitReason = "quarantined"
)

// StepRecord captures the history of one step within an enrollment.
type StepRecord struct {
	StepID     string    `json:"step_id"`
	FiredAt    time.Time `json:"fired_at,omitempty"`
	Outcome    string    `json:"outcome,omitempty"` // sent, acked, failed
	RetryCount int       `json:"retry_count,omitempty"`
}

// Step record outcome values.
const (
	StepOutcomeSent   = "sent"
	StepOutcomeAcked  = "acked"
	StepOutcomeFailed = "failed"
)

// Enrollment errors.
var (
	ErrEmptyLeadID           = errors.New("lead_id cannot be empty")
	ErrEnrollmentTerminal    = errors.New("enrollment is in a terminal state")
	ErrEnrollmentNotInFlight = errors.New("enrollment is not in flight")
)

// LeadEnrollment tracks one lead's progress through one workflow instance.
// The engine exclusively owns its transitions.
type LeadEnrollment struct {
	ID               string                `json:"id"`
	LeadID           string                `json:"lead_id"`
	WorkflowID       string                `json:"workflow_id"`
	WorkflowVersion  string                `json:"workflow_version"`
	Status           EnrollmentStatus      `json:"status"`
	CurrentStep      string                `json:"current_step,omitempty"`
	EarliestFireTime time.Time             `json:"earliest_fire_time"`
	InFlightDeadline time.Time             `json:"in_flight_deadline,omitempty"`
	History          map[string]StepRecord `json:"history,omitempty"`
	RetryCount       int                   `json:"retry_count,omitempty"`
	ExitReason       ExitReason            `json:"exit_reason,omitempty"`
	StopRequested    bool                  `json:"stop_requested,omitempty"`
	Paused           bool                  `json:"paused,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// Record stores or updates the history record for a step.
func (e *LeadEnrollment) Record(rec StepRecord) {
	if e.History == nil {
		e.History = make(map[string]StepRecord)
	}
	e.History[rec.StepID] = rec
}

// StepFired reports whether the named step has a fired_at timestamp.
func (e *LeadEnrollment) StepFired(stepID string) (time.Time, bool) {
	rec, ok := e.History[stepID]
	if !ok || rec.FiredAt.IsZero() {
		return time.Time{}, false
	}
	return rec.FiredAt, true
}

// Reschedule moves the earliest fire time forward. The fire time is
// monotonically non-decreasing across the enrollment's lifetime: a
// deferral can never schedule the enrollment earlier than it already was.
func (e *LeadEnrollment) Reschedule(next time.Time) {
	if next.After(e.EarliestFireTime) {
		e.EarliestFireTime = next
	}
}

// Validate checks the fields an enrollment needs before it is admitted.
func (e *LeadEnrollment) Validate() error {
	if e.LeadID == "" {
		return ErrEmptyLeadID
	}
	if e.WorkflowID == "" {
		return ErrEmptyWorkflowID
	}
	return nil
}

// IsValidEnrollmentStatus checks if the given status is valid.
func IsValidEnrollmentStatus(status EnrollmentStatus) bool {
	switch status {
	case EnrollmentStatusPending, EnrollmentStatusInFlight,
		EnrollmentStatusCompleted, EnrollmentStatusExited:
		return true
	default:
		return false
	}
}
