// Package handlers implements the HTTP handlers for the AgentMart query
// engine: query submission, quota usage, interaction history, feedback and
// tenant-scoped agent management.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/agentmart/agentmart/query-engine/internal/api/middleware"
	"github.com/agentmart/agentmart/query-engine/internal/embeddings"
	"github.com/agentmart/agentmart/query-engine/internal/feedback"
	"github.com/agentmart/agentmart/query-engine/internal/generation"
	"github.com/agentmart/agentmart/query-engine/internal/notify"
	"github.com/agentmart/agentmart/query-engine/internal/pipeline"
	"github.com/agentmart/agentmart/query-engine/internal/quota"
	"github.com/agentmart/agentmart/query-engine/internal/recorder"
	"github.com/agentmart/agentmart/query-engine/internal/retrieval"
	"github.com/agentmart/agentmart/query-engine/internal/store"
	"github.com/agentmart/agentmart/query-engine/internal/vectorstore"
	"github.com/agentmart/agentmart/query-engine/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store            store.Store
	Ledger           *quota.Ledger
	Orchestrator     *pipeline.Orchestrator
	Recorder         *recorder.Recorder
	Adjuster         *feedback.Adjuster
	Notifier         *notify.Service
	VectorDrivers    *vectorstore.Registry
	EmbeddingDrivers *embeddings.Registry
}

// New creates a Handlers instance with all dependencies. The registries may
// be nil; the health endpoint then skips the driver fan-out.
func New(s store.Store, ledger *quota.Ledger, orch *pipeline.Orchestrator, rec *recorder.Recorder, adj *feedback.Adjuster, notifier *notify.Service, vec *vectorstore.Registry, emb *embeddings.Registry) *Handlers {
	return &Handlers{
		Store:            s,
		Ledger:           ledger,
		Orchestrator:     orch,
		Recorder:         rec,
		Adjuster:         adj,
		Notifier:         notifier,
		VectorDrivers:    vec,
		EmbeddingDrivers: emb,
	}
}

// ── Health ───────────────────────────────────────────────────

// Health reports liveness plus a per-driver health fan-out across every
// registered vector store and embedding driver. A failing driver degrades
// the status but never fails the endpoint.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	drivers := map[string]string{}
	if h.VectorDrivers != nil {
		for name, err := range h.VectorDrivers.HealthCheckAll(ctx) {
			drivers["vector:"+name] = healthWord(err)
			if err != nil {
				status = "degraded"
			}
		}
	}
	if h.EmbeddingDrivers != nil {
		for name, err := range h.EmbeddingDrivers.HealthCheckAll(ctx) {
			drivers["embedding:"+name] = healthWord(err)
			if err != nil {
				status = "degraded"
			}
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"service": "agentmart-query-engine",
		"drivers": drivers,
	})
}

func healthWord(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}

// ── Query ────────────────────────────────────────────────────

func (h *Handlers) SubmitQuery(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	tenantID := middleware.GetTenantID(r.Context())
	userID := middleware.GetUserID(r.Context())

	var req models.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.Orchestrator.Execute(r.Context(), tenantID, userID, agentID, &req)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// respondPipelineError maps pipeline failures to HTTP statuses: rejections
// to 429/403, caller mistakes to 400, provider faults to 502/503/504.
func respondPipelineError(w http.ResponseWriter, err error) {
	var rej *quota.RejectionError
	var verr *retrieval.ValidationError

	switch {
	case errors.As(err, &rej):
		status := http.StatusTooManyRequests
		if rej.Reason == models.RejectTenantSuspended {
			status = http.StatusForbidden
		}
		respondJSON(w, status, map[string]string{
			"error":  rej.Error(),
			"reason": string(rej.Reason),
		})
	case errors.As(err, &verr):
		respondError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, generation.ErrTimeout):
		respondError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, generation.ErrThrottled):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, err.Error())
	}
}

// ── Usage ────────────────────────────────────────────────────

func (h *Handlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	usage, err := h.Ledger.Usage(r.Context(), tenantID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, usage)
}

// ── Feedback ─────────────────────────────────────────────────

func (h *Handlers) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	interactionID := chi.URLParam(r, "interactionID")
	tenantID := middleware.GetTenantID(r.Context())
	userID := middleware.GetUserID(r.Context())

	var req models.FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rec, err := h.Recorder.Get(r.Context(), tenantID, interactionID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	sources := make([]string, 0, len(rec.ChunksUsed))
	seen := make(map[string]bool)
	for _, ref := range rec.ChunksUsed {
		if ref.Source != "" && !seen[ref.Source] {
			seen[ref.Source] = true
			sources = append(sources, ref.Source)
		}
	}

	event := &models.FeedbackEvent{
		InteractionID: rec.ID,
		TenantID:      tenantID,
		UserID:        userID,
		Rating:        req.Rating,
		Comment:       req.Comment,
		Correction:    req.Correction,
		Sources:       sources,
	}
	if err := h.Adjuster.Ingest(event); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// A correction becomes a new immutable record pointing back at the
	// original; the original is never rewritten.
	if req.Correction != "" {
		correction := &models.InteractionRecord{
			ID:           uuid.NewString(),
			TenantID:     tenantID,
			UserID:       userID,
			AgentID:      rec.AgentID,
			Prompt:       rec.Prompt,
			Response:     req.Correction,
			Status:       models.InteractionCompleted,
			Model:        rec.Model,
			CorrectionOf: rec.ID,
			CreatedAt:    time.Now().UTC(),
		}
		if err := h.Recorder.Record(r.Context(), correction); err != nil {
			log.Warn().Err(err).Str("interaction", rec.ID).Msg("Correction record not persisted")
		}
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"status":         "accepted",
		"interaction_id": rec.ID,
	})
}

// ── Interactions ─────────────────────────────────────────────

func (h *Handlers) ListInteractions(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	filter := store.InteractionFilter{
		AgentID: r.URL.Query().Get("agent_id"),
		Status:  r.URL.Query().Get("status"),
		Limit:   50,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			filter.Limit = n
		}
	}

	records, err := h.Recorder.List(r.Context(), tenantID, filter)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if records == nil {
		records = []models.InteractionRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

func (h *Handlers) GetInteraction(w http.ResponseWriter, r *http.Request) {
	interactionID := chi.URLParam(r, "interactionID")
	tenantID := middleware.GetTenantID(r.Context())

	rec, err := h.Recorder.Get(r.Context(), tenantID, interactionID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// ── Agents ───────────────────────────────────────────────────

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	agents, err := h.Store.ListAgents(r.Context(), tenantID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if agents == nil {
		agents = []models.AgentInstance{}
	}
	respondJSON(w, http.StatusOK, agents)
}

func (h *Handlers) CreateAgent(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	var req models.AgentInstance
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Model == "" {
		respondError(w, http.StatusBadRequest, "model is required")
		return
	}

	req.ID = uuid.NewString()
	req.TenantID = tenantID
	req.Status = models.AgentActive
	req.QueriesCount = 0
	req.TokensUsed = 0
	req.CreatedAt = time.Now().UTC()
	req.UpdatedAt = req.CreatedAt
	if req.TopK <= 0 {
		req.TopK = pipeline.DefaultTopK
	}

	if err := h.Store.CreateAgent(r.Context(), &req); err != nil {
		respondStoreError(w, err)
		return
	}

	log.Info().Str("agent", req.Name).Str("id", req.ID).Str("tenant", tenantID).Msg("Agent instance created")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	tenantID := middleware.GetTenantID(r.Context())

	agent, err := h.Store.GetAgent(r.Context(), tenantID, agentID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (h *Handlers) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	tenantID := middleware.GetTenantID(r.Context())

	agent, err := h.Store.GetAgent(r.Context(), tenantID, agentID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var req models.AgentInstance
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name != "" {
		agent.Name = req.Name
	}
	if req.Model != "" {
		agent.Model = req.Model
	}
	if req.SystemPrompt != "" {
		agent.SystemPrompt = req.SystemPrompt
	}
	if req.Temperature != 0 {
		agent.Temperature = req.Temperature
	}
	if req.TopK > 0 {
		agent.TopK = req.TopK
	}
	if req.DocScope != "" {
		agent.DocScope = req.DocScope
	}
	if req.MaxQueries > 0 {
		agent.MaxQueries = req.MaxQueries
	}
	if req.Status != "" {
		agent.Status = req.Status
	}
	agent.UpdatedAt = time.Now().UTC()

	if err := h.Store.UpdateAgent(r.Context(), agent); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (h *Handlers) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	tenantID := middleware.GetTenantID(r.Context())

	if err := h.Store.DeleteAgent(r.Context(), tenantID, agentID); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ── Tenants (billing collaborator surface) ───────────────────

func (h *Handlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req models.Tenant
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	limits := models.TrialDefaults(now)
	req.Plan = limits.Plan
	req.Status = models.TenantActive
	req.QueriesLimit = limits.QueriesLimit
	req.UploadBytesLimit = limits.UploadBytesLimit
	req.PeriodStart = limits.PeriodStart
	req.PeriodEnd = limits.PeriodEnd
	req.CreatedAt = now
	req.UpdatedAt = now

	if err := h.Store.CreateTenant(r.Context(), &req); err != nil {
		respondStoreError(w, err)
		return
	}

	log.Info().Str("tenant", req.ID).Str("plan", string(req.Plan)).Msg("Tenant provisioned")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) ResetPeriod(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var limits models.PeriodLimits
	if err := json.NewDecoder(r.Body).Decode(&limits); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if limits.Plan == "" {
		respondError(w, http.StatusBadRequest, "plan is required")
		return
	}
	if limits.PeriodEnd.Before(limits.PeriodStart) {
		respondError(w, http.StatusBadRequest, "period_end must not precede period_start")
		return
	}

	if err := h.Ledger.ResetPeriod(r.Context(), tenantID, limits); err != nil {
		respondStoreError(w, err)
		return
	}
	h.Notifier.PeriodReset(tenantID, limits)

	usage, err := h.Ledger.Usage(r.Context(), tenantID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, usage)
}

// ── Helpers ──────────────────────────────────────────────────

func respondStoreError(w http.ResponseWriter, err error) {
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
