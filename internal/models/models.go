// Package models defines the core data structures for the sequence engine.
//
// It includes workflow definitions, lead enrollments, tracked events, and
// strategy parameters, which are shared across modules.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Channel identifies a delivery channel for a sequence step.
type Channel string

const (
	// ChannelEmail delivers over SMTP email.
	ChannelEmail Channel = "email"
	// ChannelSMS delivers over Twilio SMS.
	ChannelSMS Channel = "sms"
	// ChannelWhatsApp delivers over WhatsApp.
	ChannelWhatsApp Channel = "whatsapp"
)

// IsValidChannel checks if the given channel is supported.
func IsValidChannel(c Channel) bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelWhatsApp:
		return true
	default:
		return false
	}
}

// Validation constants for workflow definitions.
const (
	// MaxStepsPerWorkflow defines the maximum number of steps in a workflow.
	MaxStepsPerWorkflow = 50
	// MaxRequiredFields defines the maximum number of required-field conditions per step.
	MaxRequiredFields = 20
	// HoursPerDay is used to convert delay_days into durations.
	HoursPerDay = 24
)

// Error variables for better error handling and testability.
var (
	ErrEmptyWorkflowID      = errors.New("workflow_id cannot be empty")
	ErrEmptyWorkflowVersion = errors.New("version cannot be empty")
	ErrNoSteps              = errors.New("workflow must define at least one step")
	ErrTooManySteps         = errors.New("workflow exceeds maximum step count")
	ErrEmptyStepID          = errors.New("step_id cannot be empty")
	ErrDuplicateStepID      = errors.New("duplicate step_id in workflow")
	ErrEmptyTemplate        = errors.New("template is required for each step")
	ErrNegativeDelay        = errors.New("delay_days cannot be negative")
	ErrUnknownPreviousStep  = errors.New("previous_step references an unknown step")
	ErrForwardStepReference = errors.New("previous_step must reference an earlier step")
	ErrInvalidTimezone      = errors.New("invalid timezone")
	ErrInvalidWorkingHours  = errors.New("working_hours must be in HH:MM format")
	ErrInvalidWeekday       = errors.New("invalid weekday in working_hours days")
	ErrInvalidRateLimit     = errors.New("rate_limit caps must be positive when set")
	ErrInvalidChannel       = errors.New("invalid channel")
)

// StepConditions holds the named predicates gating a step. All set
// conditions compose with AND semantics.
type StepConditions struct {
	MinConfidenceScore float64  `json:"min_confidence_score,omitempty"`
	RequiredFields     []string `json:"required_fields,omitempty"`
	PreviousStep       string   `json:"previous_step,omitempty"`
	NoResponse         bool     `json:"no_response,omitempty"`
}

// PersonalizationSpec describes field substitution for a step. The engine
// passes it through to the renderer without inspecting use_ai or locales.
type PersonalizationSpec struct {
	Fields  []string `json:"fields,omitempty"`
	UseAI   bool     `json:"use_ai,omitempty"`
	Locales []string `json:"locales,omitempty"`
}

// StepDefinition is a single templated touch within a workflow.
type StepDefinition struct {
	StepID           string              `json:"step_id"`
	Template         string              `json:"template"`
	TemplateVariants []string            `json:"template_variants,omitempty"`
	Channel          Channel             `json:"channel,omitempty"`
	DelayDays        float64             `json:"delay_days"`
	Conditions       StepConditions      `json:"conditions,omitempty"`
	Personalization  PersonalizationSpec `json:"personalization,omitempty"`
}

// Delay returns the step delay as a duration from the previous step's
// completion (or enrollment start for the first step).
func (s StepDefinition) Delay() time.Duration {
	return time.Duration(s.DelayDays * HoursPerDay * float64(time.Hour))
}

// SuccessCriteria defines when an enrollment exits as a success,
// independent of step position.
type SuccessCriteria struct {
	ResponseTypes   []string `json:"response_types,omitempty"`
	MinResponseRate float64  `json:"min_response_rate,omitempty"`
}

// RateLimit holds per-workflow send caps aligned to clock boundaries.
type RateLimit struct {
	EmailsPerHour int `json:"emails_per_hour,omitempty"`
	EmailsPerDay  int `json:"emails_per_day,omitempty"`
}

// WorkingHours defines the permitted time-of-day window and weekdays for
// sends, interpreted in the workflow's timezone.
type WorkingHours struct {
	Start string   `json:"start,omitempty"` // e.g. "09:00"
	End   string   `json:"end,omitempty"`   // e.g. "17:00"
	Days  []string `json:"days,omitempty"`  // e.g. ["mon","tue","wed","thu","fri"]
}

// WorkflowSettings holds workflow-level execution settings.
type WorkflowSettings struct {
	MaxRetries     int          `json:"max_retries,omitempty"`
	TimeoutSeconds int          `json:"timeout_seconds,omitempty"`
	RateLimit      RateLimit    `json:"rate_limit,omitempty"`
	Timezone       string       `json:"timezone,omitempty"`
	WorkingHours   WorkingHours `json:"working_hours,omitempty"`
}

// Tracking lists the metrics and event kinds a workflow cares about. The
// engine records everything; this is advisory metadata for dashboards.
type Tracking struct {
	Metrics []string `json:"metrics,omitempty"`
	Events  []string `json:"events,omitempty"`
}

// WorkflowDefinition is an immutable description of an ordered outreach
// sequence, identified by workflow_id + version. A new version is a new
// definition.
type WorkflowDefinition struct {
	WorkflowID      string           `json:"workflow_id"`
	Name            string           `json:"name,omitempty"`
	Version         string           `json:"version"`
	Steps           []StepDefinition `json:"steps"`
	SuccessCriteria SuccessCriteria  `json:"success_criteria,omitempty"`
	Tracking        Tracking         `json:"tracking,omitempty"`
	Settings        WorkflowSettings `json:"settings,omitempty"`
}

// Defaults applied when settings are omitted from a definition.
const (
	DefaultMaxRetries     = 3
	DefaultTimeoutSeconds = 300
)

// MaxRetries returns the configured retry bound or the default.
func (w *WorkflowDefinition) MaxRetries() int {
	if w.Settings.MaxRetries > 0 {
		return w.Settings.MaxRetries
	}
	return DefaultMaxRetries
}

// DispatchTimeout returns the in-flight acknowledgment timeout.
func (w *WorkflowDefinition) DispatchTimeout() time.Duration {
	secs := w.Settings.TimeoutSeconds
	if secs <= 0 {
		secs = DefaultTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// Location resolves the workflow timezone, defaulting to UTC.
func (w *WorkflowDefinition) Location() (*time.Location, error) {
	if w.Settings.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(w.Settings.Timezone)
}

// Step returns the step with the given ID and its position, or nil.
func (w *WorkflowDefinition) Step(stepID string) (*StepDefinition, int) {
	for i := range w.Steps {
		if w.Steps[i].StepID == stepID {
			return &w.Steps[i], i
		}
	}
	return nil, -1
}

// validWeekdays maps the accepted day abbreviations to time.Weekday.
var validWeekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

// ParseWeekday resolves a day abbreviation such as "mon".
func ParseWeekday(day string) (time.Weekday, error) {
	wd, ok := validWeekdays[day]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWeekday, day)
	}
	return wd, nil
}

// Validate performs comprehensive validation on a WorkflowDefinition.
// Configuration errors are fatal at load time: an invalid workflow must be
// rejected, never partially registered.
func (w *WorkflowDefinition) Validate() error {
	if w.WorkflowID == "" {
		return ErrEmptyWorkflowID
	}
	if w.Version == "" {
		return ErrEmptyWorkflowVersion
	}
	if len(w.Steps) == 0 {
		return ErrNoSteps
	}
	if len(w.Steps) > MaxStepsPerWorkflow {
		return ErrTooManySteps
	}

	// Steps reference each other only by the previous-step relation, never
	// forward, so the adjacency is acyclic when every reference points at
	// an earlier position.
	positions := make(map[string]int, len(w.Steps))
	for i, step := range w.Steps {
		if step.StepID == "" {
			return fmt.Errorf("step %d: %w", i, ErrEmptyStepID)
		}
		if _, dup := positions[step.StepID]; dup {
			return fmt.Errorf("step %q: %w", step.StepID, ErrDuplicateStepID)
		}
		positions[step.StepID] = i
	}
	for i, step := range w.Steps {
		if step.Template == "" {
			return fmt.Errorf("step %q: %w", step.StepID, ErrEmptyTemplate)
		}
		if step.DelayDays < 0 {
			return fmt.Errorf("step %q: %w", step.StepID, ErrNegativeDelay)
		}
		if step.Channel != "" && !IsValidChannel(step.Channel) {
			return fmt.Errorf("step %q: %w: %q", step.StepID, ErrInvalidChannel, step.Channel)
		}
		if len(step.Conditions.RequiredFields) > MaxRequiredFields {
			return fmt.Errorf("step %q: too many required_fields", step.StepID)
		}
		if prev := step.Conditions.PreviousStep; prev != "" {
			pos, ok := positions[prev]
			if !ok {
				return fmt.Errorf("step %q: %w: %q", step.StepID, ErrUnknownPreviousStep, prev)
			}
			if pos >= i {
				return fmt.Errorf("step %q: %w: %q", step.StepID, ErrForwardStepReference, prev)
			}
		}
	}

	return w.validateSettings()
}

// validateSettings validates workflow-level settings.
func (w *WorkflowDefinition) validateSettings() error {
	s := w.Settings
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidTimezone, s.Timezone)
		}
	}
	if s.RateLimit.EmailsPerHour < 0 || s.RateLimit.EmailsPerDay < 0 {
		return ErrInvalidRateLimit
	}
	wh := s.WorkingHours
	if (wh.Start == "") != (wh.End == "") {
		return ErrInvalidWorkingHours
	}
	if wh.Start != "" {
		if _, err := time.Parse("15:04", wh.Start); err != nil {
			return fmt.Errorf("%w: start %q", ErrInvalidWorkingHours, wh.Start)
		}
		if _, err := time.Parse("15:04", wh.End); err != nil {
			return fmt.Errorf("%w: end %q", ErrInvalidWorkingHours, wh.End)
		}
	}
	for _, day := range wh.Days {
		if _, err := ParseWeekday(day); err != nil {
			return err
		}
	}
	return nil
}

// Key returns the registry key for a definition: workflow_id + version.
func (w *WorkflowDefinition) Key() string {
	return w.WorkflowID + "@" + w.Version
}
