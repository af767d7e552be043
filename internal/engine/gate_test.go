package engine

import (
	"testing"
	"time"

	"github.com/Lucas123-creator/NeonMarketing.01/internal/models"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/store"
)

func gateDefinition(perHour, perDay int) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		WorkflowID: "w",
		Version:    "1",
		Steps:      []models.StepDefinition{{StepID: "s", Template: "t", Channel: models.ChannelEmail}},
		Settings: models.WorkflowSettings{
			RateLimit: models.RateLimit{EmailsPerHour: perHour, EmailsPerDay: perDay},
		},
	}
}

func TestGateHourlyCap(t *testing.T) {
	g := NewGate(store.NewInMemoryStore())
	def := gateDefinition(2, 0)
	now := time.Date(2025, 6, 2, 10, 17, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		res, err := g.Admit(def, now)
		if err != nil || !res.Admitted {
			t.Fatalf("Expected admit %d to pass, got %+v, %v", i, res, err)
		}
	}

	res, err := g.Admit(def, now)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if res.Admitted || res.Reason != DeferHourlyCap {
		t.Fatalf("Expected hourly cap deferral, got %+v", res)
	}
	wantRetry := time.Date(2025, 6, 2, 11, 0, 0, 0, time.UTC)
	if !res.RetryAt.Equal(wantRetry) {
		t.Errorf("Expected retry at the next hour boundary %v, got %v", wantRetry, res.RetryAt)
	}

	// The window is a fixed clock hour, so the counter resets at 11:00.
	res, err = g.Admit(def, wantRetry.Add(time.Minute))
	if err != nil || !res.Admitted {
		t.Errorf("Expected admission after the boundary, got %+v, %v", res, err)
	}
}

func TestGateDailyCap(t *testing.T) {
	g := NewGate(store.NewInMemoryStore())
	def := gateDefinition(0, 3)
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if res, err := g.Admit(def, now.Add(time.Duration(i)*time.Hour)); err != nil || !res.Admitted {
			t.Fatalf("Expected admit %d to pass, got %+v, %v", i, res, err)
		}
	}

	res, err := g.Admit(def, now.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if res.Admitted || res.Reason != DeferDailyCap {
		t.Fatalf("Expected daily cap deferral, got %+v", res)
	}
	wantRetry := time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)
	if !res.RetryAt.Equal(wantRetry) {
		t.Errorf("Expected retry at next midnight %v, got %v", wantRetry, res.RetryAt)
	}
}

func TestGateCountersPersistAcrossRestart(t *testing.T) {
	st := store.NewInMemoryStore()
	def := gateDefinition(2, 0)
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	g := NewGate(st)
	for i := 0; i < 2; i++ {
		if res, _ := g.Admit(def, now); !res.Admitted {
			t.Fatalf("Expected admission %d", i)
		}
	}

	// A fresh gate over the same store sees the consumed slots.
	fresh := NewGate(st)
	res, err := fresh.Admit(def, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if res.Admitted {
		t.Error("Expected cap to hold across gate restarts within the window")
	}
}

func TestGateWorkingHoursInWorkflowTimezone(t *testing.T) {
	g := NewGate(store.NewInMemoryStore())
	def := gateDefinition(0, 0)
	def.Settings.Timezone = "America/New_York"
	def.Settings.WorkingHours = models.WorkingHours{
		Start: "09:00", End: "17:00",
		Days: []string{"mon", "tue", "wed", "thu", "fri"},
	}

	// 13:00 UTC on a Monday is 09:00 in New York (EDT).
	open := time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC)
	res, err := g.Admit(def, open)
	if err != nil || !res.Admitted {
		t.Fatalf("Expected admission at window start, got %+v, %v", res, err)
	}

	// 12:00 UTC is 08:00 in New York, one hour before the window.
	early := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	res, err = g.Admit(def, early)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if res.Admitted || res.Reason != DeferOutsideHours {
		t.Fatalf("Expected working hours deferral, got %+v", res)
	}
	loc, _ := time.LoadLocation("America/New_York")
	wantRetry := time.Date(2025, 6, 2, 9, 0, 0, 0, loc)
	if !res.RetryAt.Equal(wantRetry) {
		t.Errorf("Expected retry at window start %v, got %v", wantRetry, res.RetryAt)
	}
}

func TestGateWeekendDefersToMonday(t *testing.T) {
	g := NewGate(store.NewInMemoryStore())
	def := gateDefinition(0, 0)
	def.Settings.WorkingHours = models.WorkingHours{
		Start: "09:00", End: "17:00",
		Days: []string{"mon", "tue", "wed", "thu", "fri"},
	}

	// Saturday noon UTC.
	saturday := time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC)
	res, err := g.Admit(def, saturday)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if res.Admitted {
		t.Fatal("Expected weekend deferral")
	}
	wantRetry := time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC)
	if !res.RetryAt.Equal(wantRetry) {
		t.Errorf("Expected retry Monday 09:00 %v, got %v", wantRetry, res.RetryAt)
	}
}

func TestGateDeferralDoesNotConsumeSlot(t *testing.T) {
	g := NewGate(store.NewInMemoryStore())
	def := gateDefinition(1, 0)
	def.Settings.WorkingHours = models.WorkingHours{Start: "09:00", End: "17:00"}

	// Outside the window: deferred without touching the counter.
	night := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	if res, _ := g.Admit(def, night); res.Admitted {
		t.Fatal("Expected deferral outside the window")
	}

	// Inside the window the single hourly slot is still available.
	day := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	if res, _ := g.Admit(def, day); !res.Admitted {
		t.Error("Expected the slot to be untouched by the earlier deferral")
	}
}

func TestGateNoLimitsAdmitsEverything(t *testing.T) {
	g := NewGate(store.NewInMemoryStore())
	def := gateDefinition(0, 0)
	now := time.Now()
	for i := 0; i < 10; i++ {
		res, err := g.Admit(def, now)
		if err != nil || !res.Admitted {
			t.Fatalf("Expected unlimited admission, got %+v, %v", res, err)
		}
	}
}
