// Package pipeline orchestrates one query end to end: admission against the
// quota ledger, retrieval, generation and recording, with the charge policy
// applied on every exit path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentmart/agentmart/query-engine/internal/generation"
	"github.com/agentmart/agentmart/query-engine/internal/notify"
	"github.com/agentmart/agentmart/query-engine/internal/quota"
	"github.com/agentmart/agentmart/query-engine/internal/recorder"
	"github.com/agentmart/agentmart/query-engine/internal/retrieval"
	"github.com/agentmart/agentmart/query-engine/internal/store"
	"github.com/agentmart/agentmart/query-engine/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("agentmart-query-engine")

// DefaultTopK is used when neither the request nor the agent sets one.
const DefaultTopK = 5

// Config tunes the orchestrator.
type Config struct {
	// Timeout bounds a whole pipeline run, independent of stage budgets.
	Timeout time.Duration
	// ChargeOnRecordingFailure keeps the quota charge when the final record
	// cannot be persisted. Default true: the tenant got their answer.
	ChargeOnRecordingFailure bool
	// Notifier receives quota rejection events. Nil disables dispatch.
	Notifier *notify.Service
}

// DefaultConfig returns the orchestrator defaults: 90s pipeline budget,
// charge on recording failure.
func DefaultConfig() Config {
	return Config{
		Timeout:                  90 * time.Second,
		ChargeOnRecordingFailure: true,
	}
}

// Orchestrator runs queries through admission, retrieval, generation and
// recording.
type Orchestrator struct {
	ledger    *quota.Ledger
	store     store.Store
	retrieval *retrieval.Stage
	gen       *generation.Stage
	recorder  *recorder.Recorder
	cfg       Config
}

// New creates an orchestrator.
func New(ledger *quota.Ledger, s store.Store, ret *retrieval.Stage, gen *generation.Stage, rec *recorder.Recorder, cfg Config) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Orchestrator{
		ledger:    ledger,
		store:     s,
		retrieval: ret,
		gen:       gen,
		recorder:  rec,
		cfg:       cfg,
	}
}

// Execute runs one query. Rejections return a *quota.RejectionError and
// leave only a rejection log entry; every admitted query ends in exactly one
// finalized interaction record, completed or failed.
func (o *Orchestrator) Execute(ctx context.Context, tenantID, userID, agentID string, req *models.QueryRequest) (*models.QueryResponse, error) {
	if req.Prompt == "" {
		return nil, &retrieval.ValidationError{Field: "prompt", Reason: "must not be empty"}
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "pipeline.execute")
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("agent.id", agentID),
	)
	defer span.End()

	r := newRun()
	start := time.Now()

	agent, err := o.store.GetAgent(ctx, tenantID, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if agent.Status != models.AgentActive {
		return nil, fmt.Errorf("agent %s is %s", agentID, agent.Status)
	}

	// ── Admission ───────────────────────────────────────────

	// Per-agent cap checks before the tenant ledger so a capped agent
	// cannot consume tenant quota.
	if agent.MaxQueries > 0 && agent.QueriesCount >= agent.MaxQueries {
		r.transition(StateRejected)
		o.recorder.LogRejection(ctx, tenantID, agentID, models.RejectQuotaExceeded)
		o.cfg.Notifier.QuotaRejected(tenantID, agentID, models.RejectQuotaExceeded)
		return nil, &quota.RejectionError{TenantID: tenantID, Reason: models.RejectQuotaExceeded}
	}

	res, err := o.ledger.Admit(ctx, tenantID, models.QueryCost())
	if err != nil {
		var rej *quota.RejectionError
		if errors.As(err, &rej) {
			r.transition(StateRejected)
			o.recorder.LogRejection(ctx, tenantID, agentID, rej.Reason)
			o.cfg.Notifier.QuotaRejected(tenantID, agentID, rej.Reason)
		}
		return nil, err
	}
	r.transition(StateAdmitted)

	rec := &models.InteractionRecord{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		UserID:    userID,
		AgentID:   agentID,
		Prompt:    req.Prompt,
		Status:    models.InteractionPending,
		Model:     agent.Model,
		CreatedAt: start.UTC(),
	}

	// ── Retrieval ───────────────────────────────────────────

	r.transition(StateRetrieving)

	topK := req.TopK
	if topK <= 0 {
		topK = agent.TopK
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	rec.TopK = topK

	retrieved, err := o.retrieval.Retrieve(ctx, tenantID, req.Prompt, topK, agent.DocScope)
	if err != nil {
		var verr *retrieval.ValidationError
		if errors.As(err, &verr) {
			// Tenant fault discovered post-admission: the charge stands.
			r.transition(StateFailed)
			o.finalizeFailed(ctx, rec, start, err)
			res.Commit(ctx, models.TokenUsage{})
			return nil, err
		}
		r.transition(StateFailed)
		o.finalizeFailed(ctx, rec, start, err)
		res.Release(ctx)
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	rec.RetrievalMs = retrieved.ElapsedMs
	rec.ChunksUsed = chunkRefs(retrieved.Chunks)
	span.SetAttributes(attribute.Int("retrieval.chunks", len(retrieved.Chunks)))

	// ── Generation ──────────────────────────────────────────

	r.transition(StateGenerating)

	genCfg := models.GenerationConfig{
		Model:        agent.Model,
		Temperature:  agent.Temperature,
		SystemPrompt: agent.SystemPrompt,
	}
	result, err := o.gen.Generate(ctx, req.Prompt, retrieved.Chunks, genCfg)
	if err != nil {
		r.transition(StateFailed)
		o.finalizeFailed(ctx, rec, start, err)
		res.Release(ctx)
		return nil, fmt.Errorf("generation: %w", err)
	}
	rec.Response = result.Text
	rec.Model = result.Model
	rec.Usage = result.Usage
	rec.GenerationMs = result.ElapsedMs

	// ── Recording ───────────────────────────────────────────

	r.transition(StateRecording)

	rec.Status = models.InteractionCompleted
	rec.TotalMs = time.Since(start).Milliseconds()

	if err := o.recorder.Record(ctx, rec); err != nil {
		r.transition(StateFailed)
		if o.cfg.ChargeOnRecordingFailure {
			res.Commit(ctx, result.Usage)
		} else {
			res.Release(ctx)
		}
		return nil, err
	}
	r.transition(StateCompleted)

	if err := res.Commit(ctx, result.Usage); err != nil {
		// The answer and record are already out; only token accounting
		// lagged, and Admit reserved the query unit up front.
		log.Error().Err(err).Str("tenant", tenantID).Msg("Quota commit failed after recording")
	}

	o.bumpAgentCounters(ctx, agent, result.Usage)

	return &models.QueryResponse{
		InteractionID: rec.ID,
		Response:      rec.Response,
		Status:        rec.Status,
		Model:         rec.Model,
		Usage:         rec.Usage,
		ChunksUsed:    len(rec.ChunksUsed),
		RetrievalMs:   rec.RetrievalMs,
		GenerationMs:  rec.GenerationMs,
		TotalMs:       rec.TotalMs,
	}, nil
}

// finalizeFailed persists the failed record. Best effort: the failure being
// recorded is already the caller's answer.
func (o *Orchestrator) finalizeFailed(ctx context.Context, rec *models.InteractionRecord, start time.Time, cause error) {
	rec.Status = models.InteractionFailed
	rec.ErrorMessage = cause.Error()
	rec.TotalMs = time.Since(start).Milliseconds()
	if err := o.recorder.Record(ctx, rec); err != nil {
		log.Warn().Err(err).Str("interaction", rec.ID).Msg("Failed-interaction record not persisted")
	}
}

// bumpAgentCounters updates per-agent usage stats. Best effort.
func (o *Orchestrator) bumpAgentCounters(ctx context.Context, agent *models.AgentInstance, usage models.TokenUsage) {
	now := time.Now().UTC()
	agent.QueriesCount++
	agent.TokensUsed += usage.TotalTokens
	agent.LastUsed = &now
	if err := o.store.UpdateAgent(ctx, agent); err != nil {
		log.Warn().Err(err).Str("agent", agent.ID).Msg("Agent counter update failed")
	}
}

func chunkRefs(results []models.SearchResult) []models.ChunkRef {
	if len(results) == 0 {
		return nil
	}
	refs := make([]models.ChunkRef, len(results))
	for i, r := range results {
		refs[i] = models.ChunkRef{
			ID:     r.Chunk.ID,
			Source: r.Chunk.Source,
			Score:  r.Score,
		}
	}
	return refs
}
