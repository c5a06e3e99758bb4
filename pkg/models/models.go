// Package models defines the domain types shared across the AgentMart
// query engine: tenants and their quota state, agent instances, retrieval
// chunks, interaction records and feedback events.
package models

import (
	"time"
)

// ── Tenant & Quota ───────────────────────────────────────────

type Plan string

const (
	PlanTrial        Plan = "trial"
	PlanSubscription Plan = "subscription"
)

type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantDeleted   TenantStatus = "deleted"
)

// Tenant is an isolated customer account. Quota counters are owned by the
// quota ledger and must not be mutated anywhere else.
type Tenant struct {
	ID      string       `json:"id" db:"id"`
	OrgName string       `json:"org_name" db:"org_name"`
	Plan    Plan         `json:"plan" db:"plan"`
	Status  TenantStatus `json:"status" db:"status"`

	QueriesUsed      int64 `json:"queries_used" db:"queries_used"`
	QueriesLimit     int64 `json:"queries_limit" db:"queries_limit"`
	UploadBytesUsed  int64 `json:"upload_bytes_used" db:"upload_bytes_used"`
	UploadBytesLimit int64 `json:"upload_bytes_limit" db:"upload_bytes_limit"`
	TokensUsed       int64 `json:"tokens_used" db:"tokens_used"`

	PeriodStart time.Time `json:"period_start" db:"period_start"`
	PeriodEnd   time.Time `json:"period_end" db:"period_end"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// QuotaState is a read-only snapshot of a tenant's quota counters, returned
// by the usage endpoint.
type QuotaState struct {
	TenantID         string       `json:"tenant_id"`
	Plan             Plan         `json:"plan"`
	Status           TenantStatus `json:"status"`
	QueriesUsed      int64        `json:"queries_used"`
	QueriesLimit     int64        `json:"queries_limit"`
	UploadBytesUsed  int64        `json:"upload_bytes_used"`
	UploadBytesLimit int64        `json:"upload_bytes_limit"`
	TokensUsed       int64        `json:"tokens_used"`
	PeriodStart      time.Time    `json:"period_start"`
	PeriodEnd        time.Time    `json:"period_end"`
}

// Cost is the resource vector checked and charged by an admission.
// A standard query costs one query unit; the ingestion collaborator
// charges upload bytes through the same ledger.
type Cost struct {
	Queries     int64 `json:"queries"`
	UploadBytes int64 `json:"upload_bytes"`
}

// QueryCost is the cost of a single pipeline query.
func QueryCost() Cost { return Cost{Queries: 1} }

// PeriodLimits carries the new limits applied at a billing period rollover.
// The billing collaborator owns plan transitions; the ledger only applies
// what it is told.
type PeriodLimits struct {
	Plan             Plan      `json:"plan"`
	QueriesLimit     int64     `json:"queries_limit"`
	UploadBytesLimit int64     `json:"upload_bytes_limit"`
	PeriodStart      time.Time `json:"period_start"`
	PeriodEnd        time.Time `json:"period_end"`
}

// TrialDefaults returns the limits granted to a fresh trial tenant.
func TrialDefaults(now time.Time) PeriodLimits {
	return PeriodLimits{
		Plan:             PlanTrial,
		QueriesLimit:     100,
		UploadBytesLimit: 10 << 20, // 10 MiB
		PeriodStart:      now,
		PeriodEnd:        now.Add(14 * 24 * time.Hour),
	}
}

// ── Agent Instance ───────────────────────────────────────────

type AgentStatus string

const (
	AgentProvisioning AgentStatus = "provisioning"
	AgentActive       AgentStatus = "active"
	AgentSuspended    AgentStatus = "suspended"
	AgentDeleted      AgentStatus = "deleted"
)

// AgentInstance is a tenant-scoped pipeline configuration: model, prompt and
// document scope. It is immutable for the duration of a single query.
type AgentInstance struct {
	ID           string      `json:"id" db:"id"`
	TenantID     string      `json:"tenant_id" db:"tenant_id"`
	Name         string      `json:"name" db:"name"`
	Status       AgentStatus `json:"status" db:"status"`
	Model        string      `json:"model" db:"model"`
	Temperature  float64     `json:"temperature" db:"temperature"`
	SystemPrompt string      `json:"system_prompt,omitempty" db:"system_prompt"`
	TopK         int         `json:"top_k" db:"top_k"`
	// DocScope restricts retrieval to a namespace within the tenant's corpus.
	// Empty means the whole corpus.
	DocScope string `json:"doc_scope,omitempty" db:"doc_scope"`
	// MaxQueries overrides the tenant-level query limit for this instance
	// when > 0.
	MaxQueries int64 `json:"max_queries,omitempty" db:"max_queries"`

	QueriesCount int64      `json:"queries_count" db:"queries_count"`
	TokensUsed   int64      `json:"tokens_used" db:"tokens_used"`
	LastUsed     *time.Time `json:"last_used,omitempty" db:"last_used"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// GenerationConfig is the slice of agent configuration the generation stage
// needs. Derived from an AgentInstance, never stored.
type GenerationConfig struct {
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
}

// ── Retrieval ────────────────────────────────────────────────

// Chunk is a unit of tenant document text with its embedding vector.
// Produced by the external ingestion collaborator, consumed by retrieval.
type Chunk struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	// Source identifies the originating document or category; rerank
	// weights are keyed by it.
	Source    string    `json:"source,omitempty"`
	Namespace string    `json:"namespace,omitempty"`
	Content   string    `json:"content"`
	Vector    []float64 `json:"vector"`
	// Seq is the insertion sequence within the tenant's corpus. Score ties
	// break by ascending Seq so ordering stays total and stable.
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResult is one scored chunk from a vector search.
type SearchResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// RetrievalResult is the ordered context set handed to generation.
type RetrievalResult struct {
	Chunks    []SearchResult `json:"chunks"`
	ElapsedMs int64          `json:"elapsed_ms"`
}

// ChunkRef is the persisted reference to a chunk used in an interaction.
type ChunkRef struct {
	ID     string  `json:"id"`
	Source string  `json:"source,omitempty"`
	Score  float64 `json:"score"`
}

// ── Generation ───────────────────────────────────────────────

type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// GenerationResult is the output of the generation stage.
type GenerationResult struct {
	Text      string     `json:"text"`
	Model     string     `json:"model"`
	Usage     TokenUsage `json:"usage"`
	Attempts  int        `json:"attempts"`
	ElapsedMs int64      `json:"elapsed_ms"`
}

// ── Interaction Record ───────────────────────────────────────

type InteractionStatus string

const (
	InteractionPending   InteractionStatus = "pending"
	InteractionCompleted InteractionStatus = "completed"
	InteractionFailed    InteractionStatus = "failed"
	InteractionPartial   InteractionStatus = "partial"
)

// InteractionRecord is the durable record of one submitted query. Created
// by the orchestrator at pipeline start (status pending), finalized exactly
// once by the recorder and never mutated afterwards; corrections are new
// records referencing the original via CorrectionOf.
type InteractionRecord struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`
	UserID   string `json:"user_id" db:"user_id"`
	AgentID  string `json:"agent_id" db:"agent_id"`

	Prompt       string            `json:"prompt" db:"prompt"`
	Response     string            `json:"response,omitempty" db:"response"`
	ErrorMessage string            `json:"error_message,omitempty" db:"error_message"`
	Status       InteractionStatus `json:"status" db:"status"`

	Model string     `json:"model" db:"model"`
	Usage TokenUsage `json:"usage"`

	TopK         int        `json:"top_k" db:"top_k"`
	ChunksUsed   []ChunkRef `json:"chunks_used,omitempty"`
	RetrievalMs  int64      `json:"retrieval_ms" db:"retrieval_ms"`
	GenerationMs int64      `json:"generation_ms" db:"generation_ms"`
	TotalMs      int64      `json:"total_ms" db:"total_ms"`

	// CorrectionOf links a correction record back to the interaction it
	// amends.
	CorrectionOf string `json:"correction_of,omitempty" db:"correction_of"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty" db:"finalized_at"`
}

// RejectionReason classifies why admission refused a query.
type RejectionReason string

const (
	RejectQuotaExceeded   RejectionReason = "quota_exceeded"
	RejectPlanExpired     RejectionReason = "plan_expired"
	RejectTenantSuspended RejectionReason = "tenant_suspended"
)

// RejectionEntry is the minimal log entry written for an admission refusal.
// Rejected queries never produce a full InteractionRecord.
type RejectionEntry struct {
	ID        string          `json:"id" db:"id"`
	TenantID  string          `json:"tenant_id" db:"tenant_id"`
	AgentID   string          `json:"agent_id,omitempty" db:"agent_id"`
	Reason    RejectionReason `json:"reason" db:"reason"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// ── Feedback ─────────────────────────────────────────────────

// FeedbackEvent is one rating submitted against an interaction. Events are
// append-only; the adjuster folds them into per-tenant rerank weights.
type FeedbackEvent struct {
	ID            string `json:"id"`
	InteractionID string `json:"interaction_id"`
	TenantID      string `json:"tenant_id"`
	UserID        string `json:"user_id,omitempty"`
	// Rating is 1..5; 3 is neutral.
	Rating     int    `json:"rating"`
	Comment    string `json:"comment,omitempty"`
	Correction string `json:"correction,omitempty"`
	// Sources are the chunk sources the rated interaction drew on; the
	// adjuster shifts their weights.
	Sources   []string  `json:"sources,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ── API wire types ───────────────────────────────────────────

// QueryRequest is the submitQuery payload.
type QueryRequest struct {
	Prompt string `json:"prompt"`
	TopK   int    `json:"top_k,omitempty"`
}

// QueryResponse is returned to the caller on pipeline completion.
type QueryResponse struct {
	InteractionID string            `json:"interaction_id"`
	Response      string            `json:"response,omitempty"`
	Status        InteractionStatus `json:"status"`
	Model         string            `json:"model"`
	Usage         TokenUsage        `json:"usage"`
	ChunksUsed    int               `json:"chunks_used"`
	RetrievalMs   int64             `json:"retrieval_ms"`
	GenerationMs  int64             `json:"generation_ms"`
	TotalMs       int64             `json:"total_ms"`
	Error         string            `json:"error,omitempty"`
}

// FeedbackRequest is the submitFeedback payload.
type FeedbackRequest struct {
	Rating     int    `json:"rating"`
	Comment    string `json:"comment,omitempty"`
	Correction string `json:"correction,omitempty"`
}
