package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/ensemble/internal/comms"
	"github.com/nidhogg/ensemble/internal/config"
	"github.com/nidhogg/ensemble/internal/fault"
	"github.com/nidhogg/ensemble/internal/team"
	"github.com/nidhogg/ensemble/internal/workflow"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	teams  *team.Registry
	engine *workflow.Engine
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(teams *team.Registry, engine *workflow.Engine, logger *zap.Logger) *Handler {
	return &Handler{teams: teams, engine: engine, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/roles", h.listRoles)

		// Team routes
		r.Post("/teams", h.createTeam)
		r.Get("/teams", h.listTeams)
		r.Get("/teams/{teamID}", h.getTeam)
		r.Post("/teams/{teamID}/collaborations", h.startCollaboration)

		// Collaboration routes
		r.Get("/collaborations/{id}", h.collaborationStatus)
		r.Post("/collaborations/{id}/stop", h.stopCollaboration)
		r.Post("/collaborations/{id}/pause", h.pauseCollaboration)
		r.Post("/collaborations/{id}/resume", h.resumeCollaboration)

		// Messaging routes
		r.Post("/teams/{teamID}/messages", h.sendMessage)
		r.Get("/teams/{teamID}/workers/{workerID}/messages", h.getMessages)
		r.Post("/teams/{teamID}/workers/{workerID}/messages/read", h.markRead)
		r.Post("/teams/{teamID}/messages/{messageID}/respond", h.respondToMessage)

		// Workflow routes
		r.Post("/workflows", h.createWorkflow)
		r.Get("/workflows", h.listWorkflows)
		r.Post("/workflows/{workflowID}/executions", h.executeWorkflow)
		r.Get("/executions/{id}/assignments", h.listAssignments)
		r.Post("/executions/{id}/steps/{stepID}/assign", h.assignStep)
		r.Post("/executions/{id}/assignments/{assignmentID}/complete", h.completeAssignment)
		r.Post("/executions/{id}/assignments/{assignmentID}/fail", h.failAssignment)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "ensemble"})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.teams.Roles().List())
}

type createTeamResponse struct {
	TeamID     string             `json:"team_id"`
	TeamStatus team.Status        `json:"team_status"`
	Agents     []team.RoleBinding `json:"agents"`
}

func (h *Handler) createTeam(w http.ResponseWriter, r *http.Request) {
	var req team.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.New(fault.KindInvalidTeamConfig, "invalid request body: %v", err))
		return
	}
	t, err := h.teams.Create(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createTeamResponse{
		TeamID:     t.ID,
		TeamStatus: t.Status,
		Agents:     t.Bindings,
	})
}

func (h *Handler) listTeams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.teams.List())
}

func (h *Handler) getTeam(w http.ResponseWriter, r *http.Request) {
	t, err := h.teams.Get(chi.URLParam(r, "teamID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type startCollaborationRequest struct {
	TaskDescription string                 `json:"task_description"`
	ExpectedOutput  string                 `json:"expected_output"`
	Context         map[string]interface{} `json:"context"`
	Constraints     struct {
		MaxDurationMinutes int     `json:"max_duration_minutes"`
		QualityThreshold   float64 `json:"quality_threshold"`
		MaxParallelism     int     `json:"max_parallelism"`
	} `json:"constraints"`
}

type startCollaborationResponse struct {
	CollaborationID     string                 `json:"collaboration_id"`
	WorkflowStatus      workflow.ExecStatus    `json:"workflow_status"`
	EstimatedCompletion time.Time              `json:"estimated_completion"`
	InitialAssignments  []*workflow.Assignment `json:"initial_assignments"`
}

func (h *Handler) startCollaboration(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	var req startCollaborationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.New(fault.KindInvalidTeamConfig, "invalid request body: %v", err))
		return
	}
	if req.TaskDescription == "" {
		writeError(w, fault.New(fault.KindInvalidTeamConfig, "task_description is required"))
		return
	}

	ecfg := workflow.ExecutionConfig{
		TaskDescription:  req.TaskDescription,
		ExpectedOutput:   req.ExpectedOutput,
		Context:          req.Context,
		QualityThreshold: req.Constraints.QualityThreshold,
		MaxParallelism:   req.Constraints.MaxParallelism,
	}
	if req.Constraints.MaxDurationMinutes > 0 {
		ecfg.MaxDuration = config.Duration(time.Duration(req.Constraints.MaxDurationMinutes) * time.Minute)
	}

	exec, initial, err := h.engine.StartCollaboration(r.Context(), teamID, ecfg)
	if err != nil {
		writeError(w, err)
		return
	}

	estimate := exec.StartedAt
	for _, ss := range exec.Steps {
		estimate = estimate.Add(ss.Step.EstimatedDuration.Duration())
	}
	writeJSON(w, http.StatusCreated, startCollaborationResponse{
		CollaborationID:     exec.ID,
		WorkflowStatus:      exec.Status,
		EstimatedCompletion: estimate,
		InitialAssignments:  initial,
	})
}

func (h *Handler) collaborationStatus(w http.ResponseWriter, r *http.Request) {
	includeDetails := r.URL.Query().Get("include_details") == "true"
	rep, err := h.engine.Status(chi.URLParam(r, "id"), includeDetails)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{
		"status":   rep.Execution.Status,
		"progress": rep.Progress,
	}
	if includeDetails {
		resp["agents_status"] = rep.Workers
		resp["execution"] = rep.Execution
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) stopCollaboration(w http.ResponseWriter, r *http.Request) {
	var req workflow.StopRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	exec, metrics, err := h.engine.Stop(chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"final_status": exec.Status,
		"results":      exec.Result,
		"metrics":      metrics,
	})
}

func (h *Handler) pauseCollaboration(w http.ResponseWriter, r *http.Request) {
	exec, err := h.engine.Pause(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": exec.Status})
}

func (h *Handler) resumeCollaboration(w http.ResponseWriter, r *http.Request) {
	exec, emitted, err := h.engine.Resume(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          exec.Status,
		"new_assignments": emitted,
	})
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	bus, err := h.teams.Bus(chi.URLParam(r, "teamID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req comms.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.New(fault.KindCommunicationFailed, "invalid request body: %v", err))
		return
	}
	msg, err := bus.Send(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"message_id": msg.ID})
}

func (h *Handler) getMessages(w http.ResponseWriter, r *http.Request) {
	bus, err := h.teams.Bus(chi.URLParam(r, "teamID"))
	if err != nil {
		writeError(w, err)
		return
	}
	workerID := chi.URLParam(r, "workerID")

	f := comms.Filter{}
	if r.URL.Query().Get("unread_only") == "true" {
		f.UnreadOnly = true
	}
	if p := r.URL.Query().Get("priority"); p != "" {
		f.Priority = comms.Priority(p)
	}
	order := comms.SortNewestFirst
	if r.URL.Query().Get("order") == "oldest" {
		order = comms.SortOldestFirst
	}

	msgs, err := bus.Get(workerID, f, 0, order)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages":     msgs,
		"unread_count": bus.UnreadCount(workerID),
	})
}

type markReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	bus, err := h.teams.Bus(chi.URLParam(r, "teamID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.New(fault.KindCommunicationFailed, "invalid request body: %v", err))
		return
	}
	res, err := bus.MarkRead(chi.URLParam(r, "workerID"), req.MessageIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type respondRequest struct {
	ResponderID string `json:"responder_id"`
	Content     string `json:"content"`
}

func (h *Handler) respondToMessage(w http.ResponseWriter, r *http.Request) {
	bus, err := h.teams.Bus(chi.URLParam(r, "teamID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.New(fault.KindCommunicationFailed, "invalid request body: %v", err))
		return
	}

	msg, err := bus.Respond(r.Context(), req.ResponderID, chi.URLParam(r, "messageID"), req.Content)
	if err != nil && fault.KindOf(err) == fault.KindResponseDeadlinePassed && msg != nil {
		// Late responses are kept, the caller just learns they missed the
		// deadline.
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message_id": msg.ID,
			"late":       true,
		})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message_id": msg.ID,
		"late":       msg.Late,
	})
}

type createWorkflowResponse struct {
	WorkflowID       string                    `json:"workflow_id"`
	ValidationStatus workflow.ValidationStatus `json:"validation_status"`
}

func (h *Handler) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflow.CreateTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.New(fault.KindInvalidWorkflow, "invalid request body: %v", err))
		return
	}
	tmpl, vs, err := h.engine.Library().Create(req)
	if err != nil {
		writeJSON(w, statusFor(fault.KindOf(err)), map[string]interface{}{
			"validation_status": vs,
			"error":             errBody(err),
		})
		return
	}
	writeJSON(w, http.StatusCreated, createWorkflowResponse{
		WorkflowID:       tmpl.ID,
		ValidationStatus: vs,
	})
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Library().List())
}

type executeWorkflowRequest struct {
	TeamID          string                   `json:"team_id"`
	ExecutionConfig workflow.ExecutionConfig `json:"execution_config"`
}

func (h *Handler) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	var req executeWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.New(fault.KindInvalidWorkflow, "invalid request body: %v", err))
		return
	}
	exec, initial, err := h.engine.Execute(r.Context(), chi.URLParam(r, "workflowID"), req.TeamID, req.ExecutionConfig)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"execution_id":        exec.ID,
		"initial_assignments": initial,
	})
}

func (h *Handler) listAssignments(w http.ResponseWriter, r *http.Request) {
	assignments, err := h.engine.Assignments(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assignments)
}

type assignStepRequest struct {
	WorkerID string `json:"worker_id"`
}

func (h *Handler) assignStep(w http.ResponseWriter, r *http.Request) {
	var req assignStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.New(fault.KindStepDepsNotMet, "invalid request body: %v", err))
		return
	}
	a, err := h.engine.AssignStep(chi.URLParam(r, "id"), chi.URLParam(r, "stepID"), req.WorkerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

type completeAssignmentRequest struct {
	Output string  `json:"output"`
	Score  float64 `json:"score"`
}

func (h *Handler) completeAssignment(w http.ResponseWriter, r *http.Request) {
	var req completeAssignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.New(fault.KindAssignmentNotFound, "invalid request body: %v", err))
		return
	}
	err := h.engine.CompleteAssignment(chi.URLParam(r, "id"), chi.URLParam(r, "assignmentID"), req.Output, req.Score)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

type failAssignmentRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) failAssignment(w http.ResponseWriter, r *http.Request) {
	var req failAssignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.New(fault.KindAssignmentNotFound, "invalid request body: %v", err))
		return
	}
	err := h.engine.FailAssignment(chi.URLParam(r, "id"), chi.URLParam(r, "assignmentID"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.KindTeamNotFound, fault.KindExecutionNotFound, fault.KindAssignmentNotFound:
		return http.StatusNotFound
	case fault.KindConflict, fault.KindCollaborationActive, fault.KindStepDepsNotMet:
		return http.StatusConflict
	case fault.KindQualityGateFailed, fault.KindInvalidWorkflow:
		return http.StatusUnprocessableEntity
	case fault.KindWorkflowTimeout:
		return http.StatusGatewayTimeout
	case fault.KindAgentInitFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

type errPayload struct {
	Kind     fault.Kind `json:"kind"`
	Message  string     `json:"message"`
	Recovery string     `json:"recovery,omitempty"`
}

func errBody(err error) errPayload {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return errPayload{Kind: fe.Kind, Message: fe.Message, Recovery: fe.Recovery}
	}
	return errPayload{Kind: "INTERNAL", Message: err.Error()}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(fault.KindOf(err)), map[string]interface{}{"error": errBody(err)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
