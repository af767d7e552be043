package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Lucas123-creator/NeonMarketing.01/internal/engine"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/messaging"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/models"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/optimizer"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/render"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/store"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/tracker"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/workflow"
)

const workflowJSON = `{
	"workflow_id": "outreach",
	"version": "1",
	"steps": [
		{"step_id": "intro", "template": "intro_email", "channel": "email", "delay_days": 0}
	],
	"success_criteria": {"response_types": ["responded"]}
}`

type testServer struct {
	server  *Server
	store   *store.InMemoryStore
	tracker *tracker.Tracker
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewInMemoryStore()
	reg := workflow.NewRegistry(st)
	tr := tracker.New(st)

	rend := render.NewRenderer(nil)
	if err := rend.AddTemplate("intro_email", "Hello {{.first_name}}"); err != nil {
		t.Fatalf("AddTemplate failed: %v", err)
	}
	senders := map[models.Channel]messaging.Service{
		models.ChannelEmail: messaging.NewMockService(models.ChannelEmail),
	}
	eng := engine.NewEngine(st, reg, engine.NewGate(st), tr, optimizer.New(st, reg), rend, senders, nil)

	return &testServer{
		server:  NewServer(st, reg, eng, tr),
		store:   st,
		tracker: tr,
	}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body == "" {
		rd = bytes.NewReader(nil)
	} else {
		rd = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp
}

func (ts *testServer) addLead(t *testing.T, id string) {
	t.Helper()
	err := ts.store.SaveLead(models.Lead{
		ID:              id,
		ConfidenceScore: 0.9,
		Addresses:       map[models.Channel]string{models.ChannelEmail: id + "@example.com"},
		Attributes:      map[string]any{"first_name": "Dana"},
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("SaveLead failed: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Expected JSON content type, got %q", got)
	}
}

func TestRegisterWorkflow(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/workflows", workflowJSON)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	// Same (id, version) pair again is a conflict.
	rec = ts.do(t, http.MethodPost, "/workflows", workflowJSON)
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate version, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/workflows", `{"workflow_id": "broken"`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed JSON, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/workflows", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"outreach"`) {
		t.Errorf("Expected listed workflow, got %s", rec.Body.String())
	}
}

func TestLeadLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/leads", `{"confidence_score": 0.8, "addresses": {"email": "dana@example.com"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	result, ok := resp.Result.(map[string]interface{})
	if !ok || result["lead_id"] == "" {
		t.Fatalf("Expected generated lead_id, got %+v", resp.Result)
	}
	leadID := result["lead_id"].(string)

	rec = ts.do(t, http.MethodGet, "/leads/"+leadID, "")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for existing lead, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/leads/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown lead, got %d", rec.Code)
	}
}

func TestEnrollmentLifecycle(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodPost, "/workflows", workflowJSON); rec.Code != http.StatusCreated {
		t.Fatalf("Workflow registration failed: %s", rec.Body.String())
	}
	ts.addLead(t, "lead-1")

	rec := ts.do(t, http.MethodPost, "/enrollments", `{"lead_id": "lead-1", "workflow_id": "outreach"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var enrolled struct {
		Result models.LeadEnrollment `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &enrolled); err != nil {
		t.Fatalf("Failed to decode enrollment: %v", err)
	}
	id := enrolled.Result.ID
	if id == "" {
		t.Fatal("Expected enrollment ID in response")
	}

	// A second active enrollment in the same workflow is rejected.
	rec = ts.do(t, http.MethodPost, "/enrollments", `{"lead_id": "lead-1", "workflow_id": "outreach"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for duplicate enrollment, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/enrollments", `{"lead_id": "lead-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing workflow_id, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/enrollments/"+id, "")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for existing enrollment, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/enrollments/"+id+"/pause", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Pause failed: %s", rec.Body.String())
	}
	e, _ := ts.store.GetEnrollment(id)
	if !e.Paused {
		t.Error("Expected enrollment paused")
	}

	rec = ts.do(t, http.MethodPost, "/enrollments/"+id+"/resume", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Resume failed: %s", rec.Body.String())
	}
	e, _ = ts.store.GetEnrollment(id)
	if e.Paused {
		t.Error("Expected enrollment resumed")
	}

	rec = ts.do(t, http.MethodPost, "/enrollments/"+id+"/stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Stop failed: %s", rec.Body.String())
	}
	e, _ = ts.store.GetEnrollment(id)
	if !e.StopRequested {
		t.Error("Expected stop flag set")
	}
}

func TestIngestEvent(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodPost, "/workflows", workflowJSON); rec.Code != http.StatusCreated {
		t.Fatalf("Workflow registration failed: %s", rec.Body.String())
	}
	ts.addLead(t, "lead-1")

	rec := ts.do(t, http.MethodPost, "/enrollments", `{"lead_id": "lead-1", "workflow_id": "outreach"}`)
	var enrolled struct {
		Result models.LeadEnrollment `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &enrolled); err != nil {
		t.Fatalf("Failed to decode enrollment: %v", err)
	}
	id := enrolled.Result.ID

	stamp := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC).Format(time.RFC3339)
	body := `{"enrollment_id": "` + id + `", "step_id": "intro", "kind": "opened", "timestamp": "` + stamp + `"}`

	rec = ts.do(t, http.MethodPost, "/events", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp := decodeResponse(t, rec); resp.Status != string(models.APIStatusRecorded) {
		t.Errorf("Expected recorded status, got %q", resp.Status)
	}

	// Resubmitting the same event is acknowledged but not stored twice.
	rec = ts.do(t, http.MethodPost, "/events", body)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for duplicate event, got %d", rec.Code)
	}
	events, err := ts.tracker.Replay(id)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("Expected one stored event, got %d", len(events))
	}

	rec = ts.do(t, http.MethodPost, "/events", `{"enrollment_id": "missing", "kind": "opened"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown enrollment, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/events", `{"kind": "opened"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing enrollment_id, got %d", rec.Code)
	}
}

func TestWorkflowStats(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodPost, "/workflows", workflowJSON); rec.Code != http.StatusCreated {
		t.Fatalf("Workflow registration failed: %s", rec.Body.String())
	}
	ts.addLead(t, "lead-1")

	rec := ts.do(t, http.MethodPost, "/enrollments", `{"lead_id": "lead-1", "workflow_id": "outreach"}`)
	var enrolled struct {
		Result models.LeadEnrollment `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &enrolled); err != nil {
		t.Fatalf("Failed to decode enrollment: %v", err)
	}

	_, err := ts.tracker.Record(models.TrackedEvent{
		EnrollmentID: enrolled.Result.ID,
		WorkflowID:   "outreach",
		StepID:       "intro",
		Kind:         models.EventSent,
		Timestamp:    time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	rec = ts.do(t, http.MethodGet, "/workflows/outreach/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var stats struct {
		Result tracker.WorkflowMetrics `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if stats.Result.SentCount != 1 {
		t.Errorf("Expected one sent event in stats, got %+v", stats.Result)
	}

	rec = ts.do(t, http.MethodGet, "/workflows/outreach/stats?since=garbage", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad since param, got %d", rec.Code)
	}
}

func TestWebhookRegistration(t *testing.T) {
	ts := newTestServer(t)
	called := false
	ts.server.Handle("POST /webhooks/inbound", func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	rec := ts.do(t, http.MethodPost, "/webhooks/inbound", "from=%2B15551234567&body=hi")
	if rec.Code != http.StatusOK || !called {
		t.Errorf("Expected registered webhook to be invoked, got code %d called %v", rec.Code, called)
	}
}
