package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Lucas123-creator/NeonMarketing.01/internal/models"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/util"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/workflow"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

// registerWorkflowHandler accepts a workflow definition JSON document,
// validates it and registers it under its (id, version) pair.
func (s *Server) registerWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.registerWorkflowHandler: processing request")

	def, err := workflow.Parse(r.Body)
	if err != nil {
		slog.Warn("Server.registerWorkflowHandler: invalid definition", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if err := s.registry.Register(*def); err != nil {
		slog.Warn("Server.registerWorkflowHandler: registration failed", "error", err, "workflowID", def.WorkflowID)
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
		return
	}

	slog.Info("Server.registerWorkflowHandler: workflow registered", "workflowID", def.WorkflowID, "version", def.Version)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Workflow registered", map[string]string{
		"workflow_id": def.WorkflowID,
		"version":     def.Version,
	}))
}

func (s *Server) listWorkflowsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.registry.List()))
}

// workflowStatsHandler returns tracker aggregates for a workflow. The
// optional since/until query parameters are RFC 3339 timestamps.
func (s *Server) workflowStatsHandler(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")

	var since, until time.Time
	var err error
	if raw := r.URL.Query().Get("since"); raw != "" {
		if since, err = time.Parse(time.RFC3339, raw); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid since timestamp"))
			return
		}
	}
	if raw := r.URL.Query().Get("until"); raw != "" {
		if until, err = time.Parse(time.RFC3339, raw); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid until timestamp"))
			return
		}
	}

	metrics, err := s.tracker.Metrics(workflowID, since, until)
	if err != nil {
		slog.Error("Server.workflowStatsHandler: metrics failed", "error", err, "workflowID", workflowID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to compute workflow stats"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(metrics))
}

func (s *Server) createLeadHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var lead models.Lead
	if err := json.NewDecoder(r.Body).Decode(&lead); err != nil {
		slog.Warn("Server.createLeadHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if lead.ID == "" {
		lead.ID = util.GenerateLeadID()
	}
	now := time.Now().UTC()
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = now
	}
	lead.UpdatedAt = now

	if err := s.store.SaveLead(lead); err != nil {
		slog.Error("Server.createLeadHandler: save failed", "error", err, "leadID", lead.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save lead"))
		return
	}
	slog.Info("Server.createLeadHandler: lead saved", "leadID", lead.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(map[string]string{"lead_id": lead.ID}))
}

func (s *Server) getLeadHandler(w http.ResponseWriter, r *http.Request) {
	lead, err := s.store.GetLead(r.PathValue("id"))
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load lead"))
		return
	}
	if lead == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Lead not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(lead))
}

// enrollRequest is the body of POST /enrollments.
type enrollRequest struct {
	LeadID     string `json:"lead_id"`
	WorkflowID string `json:"workflow_id"`
	Version    string `json:"version,omitempty"`
}

func (s *Server) enrollHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.enrollHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.LeadID == "" || req.WorkflowID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: lead_id, workflow_id"))
		return
	}

	enrollment, err := s.engine.Enroll(r.Context(), req.LeadID, req.WorkflowID, req.Version)
	if err != nil {
		slog.Warn("Server.enrollHandler: enrollment failed", "error", err, "leadID", req.LeadID, "workflowID", req.WorkflowID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	slog.Info("Server.enrollHandler: lead enrolled", "enrollmentID", enrollment.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(enrollment))
}

func (s *Server) getEnrollmentHandler(w http.ResponseWriter, r *http.Request) {
	enrollment, err := s.store.GetEnrollment(r.PathValue("id"))
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load enrollment"))
		return
	}
	if enrollment == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Enrollment not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(enrollment))
}

func (s *Server) enrollmentEventsHandler(w http.ResponseWriter, r *http.Request) {
	events, err := s.tracker.Replay(r.PathValue("id"))
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load events"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(events))
}

func (s *Server) stopEnrollmentHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.StopEnrollment(id); err != nil {
		slog.Warn("Server.stopEnrollmentHandler: stop failed", "error", err, "enrollmentID", id)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	slog.Info("Server.stopEnrollmentHandler: stop requested", "enrollmentID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Stop requested", nil))
}

func (s *Server) pauseEnrollmentHandler(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, true)
}

func (s *Server) resumeEnrollmentHandler(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, false)
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	id := r.PathValue("id")
	if err := s.engine.PauseEnrollment(id, paused); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Enrollment updated", map[string]bool{"paused": paused}))
}

// ingestEventRequest is the body of POST /events, used by tracking
// pixels and provider webhooks to report engagement.
type ingestEventRequest struct {
	EnrollmentID string            `json:"enrollment_id"`
	StepID       string            `json:"step_id,omitempty"`
	Kind         models.EventKind  `json:"kind"`
	Channel      models.Channel    `json:"channel,omitempty"`
	Timestamp    time.Time         `json:"timestamp,omitempty"`
	Payload      map[string]string `json:"payload,omitempty"`
}

func (s *Server) ingestEventHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req ingestEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.ingestEventHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.EnrollmentID == "" || req.Kind == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: enrollment_id, kind"))
		return
	}

	enrollment, err := s.store.GetEnrollment(req.EnrollmentID)
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load enrollment"))
		return
	}
	if enrollment == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Enrollment not found"))
		return
	}

	stepID := req.StepID
	if stepID == "" {
		stepID = enrollment.CurrentStep
	}
	added, err := s.tracker.Record(models.TrackedEvent{
		EnrollmentID: req.EnrollmentID,
		WorkflowID:   enrollment.WorkflowID,
		StepID:       stepID,
		Kind:         req.Kind,
		Channel:      req.Channel,
		Timestamp:    req.Timestamp,
		Payload:      req.Payload,
	})
	if err != nil {
		slog.Error("Server.ingestEventHandler: record failed", "error", err, "enrollmentID", req.EnrollmentID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to record event"))
		return
	}

	if !added {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Duplicate event ignored", nil))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Recorded())
}
