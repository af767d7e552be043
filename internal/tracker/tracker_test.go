package tracker

import (
	"testing"
	"time"

	"github.com/Lucas123-creator/NeonMarketing.01/internal/models"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/store"
)

func seed(t *testing.T, st store.Store, leadID, enrollmentID string) {
	t.Helper()
	now := time.Now().UTC()
	if err := st.SaveLead(models.Lead{ID: leadID, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("SaveLead failed: %v", err)
	}
	err := st.SaveEnrollment(models.LeadEnrollment{
		ID: enrollmentID, LeadID: leadID, WorkflowID: "w", WorkflowVersion: "1",
		Status: models.EnrollmentStatusPending, EarliestFireTime: now,
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("SaveEnrollment failed: %v", err)
	}
}

func TestRecordIdempotent(t *testing.T) {
	st := store.NewInMemoryStore()
	seed(t, st, "lead-1", "enr-1")
	tr := New(st)

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ev := models.TrackedEvent{
		EnrollmentID: "enr-1", WorkflowID: "w", StepID: "intro",
		Kind: models.EventOpened, Timestamp: ts,
	}

	added, err := tr.Record(ev)
	if err != nil || !added {
		t.Fatalf("Expected first record to be added, got %v, %v", added, err)
	}
	added, err = tr.Record(ev)
	if err != nil {
		t.Fatalf("Duplicate record errored: %v", err)
	}
	if added {
		t.Error("Expected duplicate to be ignored")
	}

	// The engagement score moved exactly once.
	lead, _ := st.GetLead("lead-1")
	if lead.EngagementScore != 1 {
		t.Errorf("Expected engagement score 1, got %d", lead.EngagementScore)
	}
}

func TestRespondedSinceBound(t *testing.T) {
	st := store.NewInMemoryStore()
	seed(t, st, "lead-1", "enr-1")
	tr := New(st)

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if _, err := tr.Record(models.TrackedEvent{
		EnrollmentID: "enr-1", WorkflowID: "w", StepID: "intro",
		Kind: models.EventResponded, Timestamp: ts,
	}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	cases := []struct {
		name  string
		since time.Time
		want  bool
	}{
		{"lifetime", time.Time{}, true},
		{"window opens before the reply", ts.Add(-time.Hour), true},
		{"window opens at the reply", ts, true},
		{"window opens after the reply", ts.Add(time.Hour), false},
	}
	for _, tc := range cases {
		got, err := tr.Responded("enr-1", tc.since)
		if err != nil {
			t.Fatalf("%s: Responded failed: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}

	if got, err := tr.Responded("enr-unknown", time.Time{}); err != nil || got {
		t.Errorf("Expected no responses for unknown enrollment, got %v, %v", got, err)
	}
}

func TestEngagementScoring(t *testing.T) {
	st := store.NewInMemoryStore()
	seed(t, st, "lead-1", "enr-1")
	tr := New(st)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, kind := range []models.EventKind{models.EventSent, models.EventOpened, models.EventClicked, models.EventResponded} {
		ev := models.TrackedEvent{
			EnrollmentID: "enr-1", WorkflowID: "w", StepID: "intro",
			Kind: kind, Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		if _, err := tr.Record(ev); err != nil {
			t.Fatalf("Record %s failed: %v", kind, err)
		}
	}

	// opened +1, clicked +3, responded +5; sent is neutral.
	lead, _ := st.GetLead("lead-1")
	if lead.EngagementScore != 9 {
		t.Errorf("Expected engagement score 9, got %d", lead.EngagementScore)
	}

	failed := models.TrackedEvent{
		EnrollmentID: "enr-1", WorkflowID: "w", StepID: "intro",
		Kind: models.EventFailed, Timestamp: base.Add(time.Hour),
	}
	if _, err := tr.Record(failed); err != nil {
		t.Fatalf("Record failed event errored: %v", err)
	}
	lead, _ = st.GetLead("lead-1")
	if lead.EngagementScore != 4 {
		t.Errorf("Expected failed delivery to subtract 5, got %d", lead.EngagementScore)
	}
}

func TestMetrics(t *testing.T) {
	st := store.NewInMemoryStore()
	tr := New(st)
	now := time.Now().UTC()

	// Three enrollments: one responded and exited successfully, one only
	// opened, one never engaged.
	for i, id := range []string{"enr-1", "enr-2", "enr-3"} {
		seed(t, st, "lead-"+id, id)
		ev := models.TrackedEvent{
			EnrollmentID: id, WorkflowID: "w", StepID: "intro",
			Kind: models.EventSent, Timestamp: now.Add(time.Duration(i) * time.Minute),
		}
		if _, err := tr.Record(ev); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	for _, ev := range []models.TrackedEvent{
		{EnrollmentID: "enr-1", WorkflowID: "w", StepID: "intro", Kind: models.EventOpened, Timestamp: now.Add(10 * time.Minute)},
		{EnrollmentID: "enr-1", WorkflowID: "w", StepID: "intro", Kind: models.EventResponded, Timestamp: now.Add(11 * time.Minute)},
		{EnrollmentID: "enr-2", WorkflowID: "w", StepID: "intro", Kind: models.EventOpened, Timestamp: now.Add(12 * time.Minute)},
	} {
		if _, err := tr.Record(ev); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	success, _ := st.GetEnrollment("enr-1")
	success.Status = models.EnrollmentStatusExited
	success.ExitReason = models.ExitReasonSuccess
	if err := st.SaveEnrollment(*success); err != nil {
		t.Fatalf("SaveEnrollment failed: %v", err)
	}

	m, err := tr.Metrics("w", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Metrics failed: %v", err)
	}
	if m.SentCount != 3 || m.Enrollments != 3 {
		t.Errorf("Unexpected counts: %+v", m)
	}
	if m.OpenRate < 0.66 || m.OpenRate > 0.67 {
		t.Errorf("Expected open rate 2/3, got %v", m.OpenRate)
	}
	if m.ResponseRate < 0.33 || m.ResponseRate > 0.34 {
		t.Errorf("Expected response rate 1/3, got %v", m.ResponseRate)
	}
	if m.SuccessCount != 1 {
		t.Errorf("Expected 1 success, got %d", m.SuccessCount)
	}
	if m.ConversionRate < 0.33 || m.ConversionRate > 0.34 {
		t.Errorf("Expected conversion rate 1/3, got %v", m.ConversionRate)
	}
	if m.ActiveCount != 2 {
		t.Errorf("Expected 2 active enrollments, got %d", m.ActiveCount)
	}
}

func TestMetricsWindow(t *testing.T) {
	st := store.NewInMemoryStore()
	tr := New(st)
	seed(t, st, "lead-1", "enr-1")
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		ev := models.TrackedEvent{
			EnrollmentID: "enr-1", WorkflowID: "w", StepID: "intro",
			Kind: models.EventSent, Timestamp: base.Add(time.Duration(i) * 24 * time.Hour),
		}
		if _, err := tr.Record(ev); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	m, err := tr.Metrics("w", base.Add(12*time.Hour), base.Add(36*time.Hour))
	if err != nil {
		t.Fatalf("Metrics failed: %v", err)
	}
	if m.SentCount != 1 {
		t.Errorf("Expected 1 send inside the window, got %d", m.SentCount)
	}
}

func TestMeetsSuccessCriteria(t *testing.T) {
	st := store.NewInMemoryStore()
	tr := New(st)
	now := time.Now().UTC()

	// Two contacted enrollments, one responded: cohort rate 0.5.
	for _, id := range []string{"enr-1", "enr-2"} {
		seed(t, st, "lead-"+id, id)
		ev := models.TrackedEvent{
			EnrollmentID: id, WorkflowID: "w", StepID: "intro",
			Kind: models.EventSent, Timestamp: now,
		}
		if _, err := tr.Record(ev); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	resp := models.TrackedEvent{
		EnrollmentID: "enr-1", WorkflowID: "w", StepID: "intro",
		Kind: models.EventResponded, Timestamp: now.Add(time.Minute),
	}
	if _, err := tr.Record(resp); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	def := &models.WorkflowDefinition{
		WorkflowID: "w", Version: "1",
		SuccessCriteria: models.SuccessCriteria{
			ResponseTypes:   []string{"responded"},
			MinResponseRate: 0.4,
		},
	}

	ok, err := tr.MeetsSuccessCriteria(def, models.EventResponded)
	if err != nil || !ok {
		t.Errorf("Expected criteria met, got %v, %v", ok, err)
	}

	// An unlisted kind never succeeds.
	ok, err = tr.MeetsSuccessCriteria(def, models.EventClicked)
	if err != nil || ok {
		t.Errorf("Expected unlisted kind to fail, got %v, %v", ok, err)
	}

	// A higher floor fails on the same cohort.
	def.SuccessCriteria.MinResponseRate = 0.9
	ok, err = tr.MeetsSuccessCriteria(def, models.EventResponded)
	if err != nil || ok {
		t.Errorf("Expected rate floor to block success, got %v, %v", ok, err)
	}
}

func TestReplayOrdered(t *testing.T) {
	st := store.NewInMemoryStore()
	tr := New(st)
	seed(t, st, "lead-1", "enr-1")
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	kinds := []models.EventKind{models.EventSent, models.EventOpened, models.EventResponded}
	for i, kind := range kinds {
		ev := models.TrackedEvent{
			EnrollmentID: "enr-1", WorkflowID: "w", StepID: "intro",
			Kind: kind, Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		if _, err := tr.Record(ev); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	events, err := tr.Replay("enr-1")
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	for i, kind := range kinds {
		if events[i].Kind != kind {
			t.Errorf("Event %d: expected %s, got %s", i, kind, events[i].Kind)
		}
	}
}
