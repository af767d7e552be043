// Package models defines tracked events, leads, and strategy parameters.
package models

import (
	"errors"
	"strings"
	"time"
)

// EventKind classifies a tracked delivery or engagement occurrence.
type EventKind string

const (
	// EventSent records a dispatched send.
	EventSent EventKind = "sent"
	// EventDelivered records a delivery acknowledgment from a channel.
	EventDelivered EventKind = "delivered"
	// EventOpened records an open (e.g. tracking pixel hit).
	EventOpened EventKind = "opened"
	// EventClicked records a link click.
	EventClicked EventKind = "clicked"
	// EventResponded records an inbound reply from the lead.
	EventResponded EventKind = "responded"
	// EventFailed records a delivery failure.
	EventFailed EventKind = "failed"
)

// IsValidEventKind checks if the given event kind is supported.
func IsValidEventKind(k EventKind) bool {
	switch k {
	case EventSent, EventDelivered, EventOpened, EventClicked, EventResponded, EventFailed:
		return true
	default:
		return false
	}
}

// Engagement score deltas per event kind. Unlisted kinds score zero.
var engagementScores = map[EventKind]int{
	EventOpened:    1,
	EventClicked:   3,
	EventResponded: 5,
	EventFailed:    -5,
}

// ScoreDelta returns the engagement score contribution of an event kind.
func ScoreDelta(k EventKind) int {
	return engagementScores[k]
}

// Event errors.
var (
	ErrEmptyEnrollmentID = errors.New("enrollment_id cannot be empty")
	ErrInvalidEventKind  = errors.New("invalid event kind")
)

// TrackedEvent is an immutable, append-only record of a delivery or
// engagement occurrence. The event log is the sole source of truth for
// metrics and optimizer input.
type TrackedEvent struct {
	ID           string            `json:"id,omitempty"`
	EnrollmentID string            `json:"enrollment_id"`
	WorkflowID   string            `json:"workflow_id"`
	StepID       string            `json:"step_id,omitempty"`
	Kind         EventKind         `json:"kind"`
	Channel      Channel           `json:"channel,omitempty"`
	Template     string            `json:"template,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Payload      map[string]string `json:"payload,omitempty"`
}

// IdempotenceKey identifies duplicate submissions: a second event with the
// same (enrollment, step, kind, timestamp) is a no-op.
func (e TrackedEvent) IdempotenceKey() string {
	return e.EnrollmentID + "|" + e.StepID + "|" + string(e.Kind) + "|" + e.Timestamp.UTC().Format(time.RFC3339Nano)
}

// Validate checks the fields required to record an event.
func (e *TrackedEvent) Validate() error {
	if e.EnrollmentID == "" {
		return ErrEmptyEnrollmentID
	}
	if !IsValidEventKind(e.Kind) {
		return ErrInvalidEventKind
	}
	return nil
}

// Lead carries the attributes conditions are evaluated against, plus the
// per-channel addresses used for dispatch. Attribute lookup supports
// dotted paths ("company.name") over the nested attribute map.
type Lead struct {
	ID              string            `json:"id"`
	ConfidenceScore float64           `json:"confidence_score,omitempty"`
	EngagementScore int               `json:"engagement_score,omitempty"`
	Addresses       map[Channel]string `json:"addresses,omitempty"`
	Attributes      map[string]any    `json:"attributes,omitempty"`
	CreatedAt       time.Time         `json:"created_at,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at,omitempty"`
}

// Attribute resolves a dotted-path field on the lead record. The second
// return value is false when any path segment is missing.
func (l *Lead) Attribute(path string) (any, bool) {
	if l == nil || l.Attributes == nil {
		return nil, false
	}
	var cur any = l.Attributes
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// HasField reports whether a dotted-path field is present and non-empty.
func (l *Lead) HasField(path string) bool {
	v, ok := l.Attribute(path)
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// Address returns the lead's address for a channel.
func (l *Lead) Address(c Channel) (string, bool) {
	addr, ok := l.Addresses[c]
	return addr, ok && addr != ""
}

// StrategyParameters are the mutable weights influencing template, channel
// and timing choice for one workflow. The optimizer replaces the whole
// value atomically; the scheduler and evaluator only ever read it.
type StrategyParameters struct {
	WorkflowID      string                   `json:"workflow_id"`
	TemplateWeights map[string]float64       `json:"template_weights,omitempty"`
	ChannelPriority []Channel                `json:"channel_priority,omitempty"`
	TimingOffsets   map[string]time.Duration `json:"timing_offsets,omitempty"` // per step_id
	UpdatedAt       time.Time                `json:"updated_at,omitempty"`
}

// DefaultStrategyParameters returns the initial parameters for a workflow:
// uniform template weights and the definition's channel order.
func DefaultStrategyParameters(def *WorkflowDefinition) *StrategyParameters {
	params := &StrategyParameters{
		WorkflowID:      def.WorkflowID,
		TemplateWeights: make(map[string]float64),
		TimingOffsets:   make(map[string]time.Duration),
	}
	seen := make(map[Channel]bool)
	for _, step := range def.Steps {
		params.TemplateWeights[step.Template] = 1.0
		for _, v := range step.TemplateVariants {
			params.TemplateWeights[v] = 1.0
		}
		if step.Channel != "" && !seen[step.Channel] {
			seen[step.Channel] = true
			params.ChannelPriority = append(params.ChannelPriority, step.Channel)
		}
	}
	if len(params.ChannelPriority) == 0 {
		params.ChannelPriority = []Channel{ChannelEmail, ChannelSMS, ChannelWhatsApp}
	}
	return params
}

// Clone returns a deep copy so the optimizer can mutate a candidate
// without touching the published value.
func (p *StrategyParameters) Clone() *StrategyParameters {
	cp := &StrategyParameters{
		WorkflowID:      p.WorkflowID,
		TemplateWeights: make(map[string]float64, len(p.TemplateWeights)),
		ChannelPriority: append([]Channel(nil), p.ChannelPriority...),
		TimingOffsets:   make(map[string]time.Duration, len(p.TimingOffsets)),
		UpdatedAt:       p.UpdatedAt,
	}
	for k, v := range p.TemplateWeights {
		cp.TemplateWeights[k] = v
	}
	for k, v := range p.TimingOffsets {
		cp.TimingOffsets[k] = v
	}
	return cp
}

// RateWindowState holds the per-workflow send counters for the current
// clock hour and day, aligned to the workflow timezone.
type RateWindowState struct {
	WorkflowID string    `json:"workflow_id"`
	HourStart  time.Time `json:"hour_start"`
	HourCount  int       `json:"hour_count"`
	DayStart   time.Time `json:"day_start"`
	DayCount   int       `json:"day_count"`
}

// MessageStatus represents the delivery status reported by a channel.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was accepted by the channel.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message reached the recipient.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusFailed indicates the channel reported a failure.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt is a delivery acknowledgment emitted by a channel service.
type Receipt struct {
	To      string        `json:"to"`
	Channel Channel       `json:"channel"`
	Status  MessageStatus `json:"status"`
	Time    int64         `json:"time"`
}

// Response represents an inbound message from a lead on some channel.
type Response struct {
	From    string  `json:"from"`
	Channel Channel `json:"channel"`
	Body    string  `json:"body"`
	Time    int64   `json:"time"`
}
