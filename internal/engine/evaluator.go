// Package engine drives lead enrollments through their workflow steps.
//
// The engine ticks on an interval, evaluating due enrollments against
// their step conditions, admitting sends through the rate and window
// gate, dispatching through the channel services and advancing the
// enrollment state machine on delivery receipts and responses.
package engine

import (
	"fmt"
	"time"

	"github.com/Lucas123-creator/NeonMarketing.01/internal/models"
)

// DecisionKind classifies the outcome of evaluating a step's conditions.
type DecisionKind string

const (
	// DecisionEligible means every condition passed and the step may fire.
	DecisionEligible DecisionKind = "eligible"
	// DecisionBlocked means a condition failed. The reason distinguishes
	// retryable blocks from ones that end the enrollment.
	DecisionBlocked DecisionKind = "blocked"
	// DecisionWaiting means the step's delay has not elapsed yet.
	DecisionWaiting DecisionKind = "waiting"
)

// Block reasons. BlockHasResponse is terminal for the step; the others
// are retried with backoff until max_retries is exceeded.
const (
	BlockLowConfidence      = "low_confidence"
	BlockHasResponse        = "has_response"
	BlockPrerequisiteNotMet = "prerequisite_not_met"
)

// BlockMissingField names the attribute that a required_fields condition
// could not find on the lead.
func BlockMissingField(field string) string {
	return fmt.Sprintf("missing_field:%s", field)
}

// Decision is the result of evaluating one step for one enrollment.
type Decision struct {
	Kind   DecisionKind
	Reason string    // set when Kind is DecisionBlocked
	Until  time.Time // set when Kind is DecisionWaiting
}

func eligible() Decision               { return Decision{Kind: DecisionEligible} }
func blocked(reason string) Decision   { return Decision{Kind: DecisionBlocked, Reason: reason} }
func waiting(until time.Time) Decision { return Decision{Kind: DecisionWaiting, Until: until} }

// EvaluateStep checks a step's conditions against the lead and the
// enrollment's history. Conditions combine with AND semantics and are
// checked in a fixed order so the reported reason is deterministic.
// The responded flag reports whether the lead has replied on any channel
// inside the step's no_response window: since the prerequisite step
// fired, or over the enrollment's lifetime when the step has no
// prerequisite. The function reads its inputs without mutating them.
func EvaluateStep(step models.StepDefinition, lead *models.Lead, e *models.LeadEnrollment, responded bool, now time.Time) Decision {
	cond := step.Conditions

	if cond.MinConfidenceScore > 0 && lead.ConfidenceScore < cond.MinConfidenceScore {
		return blocked(BlockLowConfidence)
	}

	for _, field := range cond.RequiredFields {
		if !lead.HasField(field) {
			return blocked(BlockMissingField(field))
		}
	}

	if cond.PreviousStep != "" {
		prev, ok := e.History[cond.PreviousStep]
		if !ok || prev.Outcome == models.StepOutcomeFailed {
			return blocked(BlockPrerequisiteNotMet)
		}
		if until := prev.FiredAt.Add(step.Delay()); now.Before(until) {
			return waiting(until)
		}
	}

	if cond.NoResponse && responded {
		return blocked(BlockHasResponse)
	}

	return eligible()
}
