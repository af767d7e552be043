package engine

import (
	"testing"
	"time"

	"github.com/Lucas123-creator/NeonMarketing.01/internal/models"
)

func TestEvaluateStepConditions(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	fired := now.Add(-72 * time.Hour)

	lead := &models.Lead{
		ID:              "lead-1",
		ConfidenceScore: 0.6,
		Attributes:      map[string]any{"first_name": "Dana", "company": map[string]any{"name": "Acme"}},
	}
	enrollment := &models.LeadEnrollment{
		History: map[string]models.StepRecord{
			"intro": {StepID: "intro", FiredAt: fired, Outcome: models.StepOutcomeAcked},
		},
	}

	tests := []struct {
		name       string
		step       models.StepDefinition
		responded  bool
		wantKind   DecisionKind
		wantReason string
	}{
		{
			name:     "no conditions",
			step:     models.StepDefinition{StepID: "s"},
			wantKind: DecisionEligible,
		},
		{
			name:       "confidence too low",
			step:       models.StepDefinition{Conditions: models.StepConditions{MinConfidenceScore: 0.7}},
			wantKind:   DecisionBlocked,
			wantReason: BlockLowConfidence,
		},
		{
			name:     "confidence satisfied",
			step:     models.StepDefinition{Conditions: models.StepConditions{MinConfidenceScore: 0.5}},
			wantKind: DecisionEligible,
		},
		{
			name:       "missing field",
			step:       models.StepDefinition{Conditions: models.StepConditions{RequiredFields: []string{"first_name", "budget"}}},
			wantKind:   DecisionBlocked,
			wantReason: "missing_field:budget",
		},
		{
			name:     "nested field present",
			step:     models.StepDefinition{Conditions: models.StepConditions{RequiredFields: []string{"company.name"}}},
			wantKind: DecisionEligible,
		},
		{
			name:       "prerequisite not fired",
			step:       models.StepDefinition{Conditions: models.StepConditions{PreviousStep: "demo"}},
			wantKind:   DecisionBlocked,
			wantReason: BlockPrerequisiteNotMet,
		},
		{
			name:     "prerequisite fired and delay elapsed",
			step:     models.StepDefinition{DelayDays: 3, Conditions: models.StepConditions{PreviousStep: "intro"}},
			wantKind: DecisionEligible,
		},
		{
			name:     "delay not elapsed",
			step:     models.StepDefinition{DelayDays: 5, Conditions: models.StepConditions{PreviousStep: "intro"}},
			wantKind: DecisionWaiting,
		},
		{
			name:       "no_response violated",
			step:       models.StepDefinition{Conditions: models.StepConditions{NoResponse: true}},
			responded:  true,
			wantKind:   DecisionBlocked,
			wantReason: BlockHasResponse,
		},
		{
			name:     "no_response holds",
			step:     models.StepDefinition{Conditions: models.StepConditions{NoResponse: true}},
			wantKind: DecisionEligible,
		},
		{
			name: "all conditions pass together",
			step: models.StepDefinition{
				DelayDays: 1,
				Conditions: models.StepConditions{
					MinConfidenceScore: 0.5,
					RequiredFields:     []string{"first_name"},
					PreviousStep:       "intro",
					NoResponse:         true,
				},
			},
			wantKind: DecisionEligible,
		},
		{
			name: "first failing condition reported",
			step: models.StepDefinition{
				Conditions: models.StepConditions{
					MinConfidenceScore: 0.9,
					RequiredFields:     []string{"budget"},
				},
			},
			wantKind:   DecisionBlocked,
			wantReason: BlockLowConfidence,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluateStep(tt.step, lead, enrollment, tt.responded, now)
			if got.Kind != tt.wantKind {
				t.Fatalf("Expected kind %s, got %s (reason %q)", tt.wantKind, got.Kind, got.Reason)
			}
			if tt.wantReason != "" && got.Reason != tt.wantReason {
				t.Errorf("Expected reason %q, got %q", tt.wantReason, got.Reason)
			}
		})
	}
}

func TestEvaluateStepWaitingUntil(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	fired := now.Add(-24 * time.Hour)
	enrollment := &models.LeadEnrollment{
		History: map[string]models.StepRecord{
			"intro": {StepID: "intro", FiredAt: fired, Outcome: models.StepOutcomeAcked},
		},
	}
	step := models.StepDefinition{DelayDays: 3, Conditions: models.StepConditions{PreviousStep: "intro"}}

	got := EvaluateStep(step, &models.Lead{}, enrollment, false, now)
	if got.Kind != DecisionWaiting {
		t.Fatalf("Expected waiting, got %s", got.Kind)
	}
	want := fired.Add(72 * time.Hour)
	if !got.Until.Equal(want) {
		t.Errorf("Expected until %v, got %v", want, got.Until)
	}
}

func TestEvaluateStepFailedPrerequisite(t *testing.T) {
	now := time.Now()
	enrollment := &models.LeadEnrollment{
		History: map[string]models.StepRecord{
			"intro": {StepID: "intro", FiredAt: now.Add(-time.Hour), Outcome: models.StepOutcomeFailed},
		},
	}
	step := models.StepDefinition{Conditions: models.StepConditions{PreviousStep: "intro"}}

	got := EvaluateStep(step, &models.Lead{}, enrollment, false, now)
	if got.Kind != DecisionBlocked || got.Reason != BlockPrerequisiteNotMet {
		t.Errorf("A failed prerequisite must block, got %+v", got)
	}
}
