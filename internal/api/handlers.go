package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fraudlab/ringtrace/internal/auth"
	"github.com/fraudlab/ringtrace/internal/models"
	"github.com/fraudlab/ringtrace/internal/queue"
	"github.com/fraudlab/ringtrace/internal/report"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	token, err := s.authService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid username or password")
		return
	}

	respondJSON(w, http.StatusOK, token)
}

func (s *Server) getCurrentUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "No user in context")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"user_id":  claims.UserID,
		"username": claims.Username,
		"role":     claims.Role,
	})
}

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "username and password are required")
		return
	}

	existing, err := s.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if existing != nil {
		respondError(w, http.StatusConflict, "user_exists", "Username already taken")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "hash_error", err.Error())
		return
	}

	user := &models.User{
		Username:     req.Username,
		PasswordHash: hash,
		Role:         req.Role,
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, user)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	var status *string
	var bucket *models.RiskBucket
	var minScore *float64

	if st := r.URL.Query().Get("status"); st != "" {
		status = &st
	}
	if b := r.URL.Query().Get("bucket"); b != "" {
		rb := models.RiskBucket(b)
		bucket = &rb
	}
	if ms := r.URL.Query().Get("min_score"); ms != "" {
		v, err := strconv.ParseFloat(ms, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "validation_error", "min_score must be a number")
			return
		}
		minScore = &v
	}

	alerts, err := s.store.ListAlertsFiltered(r.Context(), status, bucket, minScore)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, alerts)
}

type createAlertRequest struct {
	AccountID string  `json:"account_id"`
	RiskScore float64 `json:"risk_score"`
	Reason    string  `json:"reason"`
}

func (s *Server) createAlert(w http.ResponseWriter, r *http.Request) {
	var req createAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.AccountID == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "account_id is required")
		return
	}
	if req.RiskScore < 0 || req.RiskScore > 1 {
		respondError(w, http.StatusBadRequest, "validation_error", "risk_score must be in [0, 1]")
		return
	}

	alert := &models.Alert{
		AccountID: req.AccountID,
		RiskScore: req.RiskScore,
		Reason:    req.Reason,
	}
	if err := s.store.CreateAlert(r.Context(), alert); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, alert)
}

func (s *Server) getAlert(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "alertID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid alert ID")
		return
	}

	alert, err := s.store.GetAlert(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if alert == nil {
		respondError(w, http.StatusNotFound, "not_found", "Alert not found")
		return
	}

	respondJSON(w, http.StatusOK, alert)
}

func (s *Server) listCases(w http.ResponseWriter, r *http.Request) {
	var status *models.WorkflowStatus
	if st := r.URL.Query().Get("status"); st != "" {
		ws := models.WorkflowStatus(st)
		status = &ws
	}

	cases, err := s.store.ListCases(r.Context(), status)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, cases)
}

type createCaseRequest struct {
	AlertID    uuid.UUID `json:"alert_id"`
	MaxHops    int       `json:"max_hops,omitempty"`
	CostBudget float64   `json:"cost_budget,omitempty"`
	MaxNodes   int       `json:"max_nodes,omitempty"`

	// Dispatch selects who runs the case: "worker" hands it to the queue,
	// "local" runs it on this process. Defaults to "worker".
	Dispatch string `json:"dispatch,omitempty"`
}

func (s *Server) createCase(w http.ResponseWriter, r *http.Request) {
	var req createCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.AlertID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "validation_error", "alert_id is required")
		return
	}

	alert, err := s.store.GetAlert(r.Context(), req.AlertID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if alert == nil {
		respondError(w, http.StatusNotFound, "not_found", "Alert not found")
		return
	}

	c, err := s.engine.Start(r.Context(), alert, models.Budget{
		MaxHops:    req.MaxHops,
		CostBudget: req.CostBudget,
		MaxNodes:   req.MaxNodes,
	})
	if err != nil {
		if errors.Is(err, models.ErrInvalidAlert) {
			respondError(w, http.StatusUnprocessableEntity, "invalid_alert", err.Error())
			return
		}
		if errors.Is(err, models.ErrStoreUnavailable) {
			respondError(w, http.StatusServiceUnavailable, "graph_unavailable", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "engine_error", err.Error())
		return
	}

	if err := s.store.SaveCase(r.Context(), c); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	switch req.Dispatch {
	case "local":
		if err := s.executor.Launch(c); err != nil {
			respondError(w, http.StatusConflict, "already_running", err.Error())
			return
		}
	default:
		if err := s.queue.EnqueueInvestigation(r.Context(), &queue.Job{
			CaseID:   c.ID,
			AlertID:  alert.ID,
			Priority: priorityForBucket(alert.RiskBucket),
		}); err != nil {
			respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
			return
		}
		_ = s.store.UpdateAlertStatus(r.Context(), alert.ID, "queued")
	}

	respondJSON(w, http.StatusAccepted, c)
}

func priorityForBucket(bucket models.RiskBucket) int {
	switch bucket {
	case models.BucketHigh:
		return 2
	case models.BucketMedium:
		return 1
	default:
		return 0
	}
}

func (s *Server) getCase(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCase(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// runCase resumes a non-terminal case on this process, e.g. after a restart
// or when no worker fleet is deployed.
func (s *Server) runCase(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCase(w, r)
	if !ok {
		return
	}
	if c.Status.Terminal() {
		respondError(w, http.StatusConflict, "case_terminal",
			fmt.Sprintf("Case already %s", c.Status))
		return
	}

	if err := s.executor.Launch(c); err != nil {
		respondError(w, http.StatusConflict, "already_running", err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"case_id": c.ID,
		"stage":   c.Stage,
		"status":  "running",
	})
}

// stopCase requests a graceful stop: the engine finishes the current hop and
// proceeds straight to evidence and reporting at the next expansion decision.
func (s *Server) stopCase(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCase(w, r)
	if !ok {
		return
	}
	if c.Status.Terminal() {
		respondError(w, http.StatusConflict, "case_terminal",
			fmt.Sprintf("Case already %s", c.Status))
		return
	}

	if err := s.store.RequestCaseStop(r.Context(), c.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	s.executor.RequestStop(c.ID)

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"case_id":        c.ID,
		"stop_requested": true,
	})
}

func (s *Server) getCaseReport(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCase(w, r)
	if !ok {
		return
	}
	if c.Report == "" {
		respondError(w, http.StatusNotFound, "report_not_ready", "Case has no report yet")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"case_id":         c.ID,
		"report_markdown": c.Report,
		"evidence":        c.Evidence,
	})
}

func (s *Server) getCaseReportPDF(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCase(w, r)
	if !ok {
		return
	}

	pdf, err := report.CasePDF(c)
	if err != nil {
		respondError(w, http.StatusConflict, "report_not_ready", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="ringtrace-%s.pdf"`, c.ID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

func (s *Server) loadCase(w http.ResponseWriter, r *http.Request) (*models.Case, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "caseID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid case ID")
		return nil, false
	}

	c, err := s.store.GetCase(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return nil, false
	}
	if c == nil {
		respondError(w, http.StatusNotFound, "not_found", "Case not found")
		return nil, false
	}
	return c, true
}

func (s *Server) getGraphSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.graph.Summary(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "graph_unavailable", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) getWorkflowStructure(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, workflowStages())
}

func (s *Server) getQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.GetQueueStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) getActiveWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.queue.GetActiveWorkers(r.Context(), 30*time.Second)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(workers),
		"workers": workers,
	})
}

type stageDescriptor struct {
	Name        models.Stage   `json:"name"`
	Description string         `json:"description"`
	Next        []models.Stage `json:"next,omitempty"`
}

// workflowStages describes the stage machine for clients that render the
// investigation pipeline.
func workflowStages() []stageDescriptor {
	return []stageDescriptor{
		{
			Name:        models.StageLoadContext,
			Description: "Seed the case with the suspect account",
			Next:        []models.Stage{models.StageTraverseGraph},
		},
		{
			Name:        models.StageTraverseGraph,
			Description: "Expand the frontier one hop through the account graph",
			Next:        []models.Stage{models.StageScoreNeighbors, models.StageBuildSubgraph},
		},
		{
			Name:        models.StageScoreNeighbors,
			Description: "Score newly discovered accounts for ring involvement",
			Next:        []models.Stage{models.StageSelectCandidates},
		},
		{
			Name:        models.StageSelectCandidates,
			Description: "Pick the next frontier from medium and high risk accounts",
			Next:        []models.Stage{models.StageDecideExpand},
		},
		{
			Name:        models.StageDecideExpand,
			Description: "Decide whether to expand another hop or wind down",
			Next:        []models.Stage{models.StageTraverseGraph, models.StageBuildSubgraph},
		},
		{
			Name:        models.StageBuildSubgraph,
			Description: "Project the suspected ring out of the explored graph",
			Next:        []models.Stage{models.StageBuildEvidence},
		},
		{
			Name:        models.StageBuildEvidence,
			Description: "Aggregate shared infrastructure and scoring evidence",
			Next:        []models.Stage{models.StageGenerateReport},
		},
		{
			Name:        models.StageGenerateReport,
			Description: "Write the investigation report",
			Next:        []models.Stage{models.StageDone},
		},
		{
			Name:        models.StageDone,
			Description: "Investigation complete",
		},
	}
}
