// Package contracts defines the service interfaces for the AgentMart query
// engine.
//
// These interfaces form the boundary between pipeline stages and their
// pluggable backends: vector index drivers, embedding drivers and LLM
// providers all plug in here, so swapping the embedded index for pgvector or
// a scripted test provider for a real one is a single line in the wiring
// code.
package contracts

import (
	"context"
	"errors"

	"github.com/agentmart/agentmart/query-engine/internal/store"
	"github.com/agentmart/agentmart/query-engine/pkg/models"
)

// Store is a type alias for the internal Store interface.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Vector Store Driver ─────────────────────────────────────

// ErrIndexUnavailable signals a transient vector index fault: the driver
// could not reach its backend. Drivers wrap connectivity errors in it so the
// retrieval stage can retry with backoff instead of failing the query
// outright.
var ErrIndexUnavailable = errors.New("vector index unavailable")

// VectorStoreDriver is the interface for tenant-isolated vector indexes.
// Shipped drivers: embedded (in-memory brute force), pgvector.
//
// Isolation contract: Search must scope matching to tenantID inside the
// driver's own query — results from another tenant's corpus must be
// impossible, not filtered out afterwards.
type VectorStoreDriver interface {
	// Kind returns the driver identifier (e.g., "embedded", "pgvector").
	Kind() string

	// Upsert inserts or replaces chunks for a tenant.
	Upsert(ctx context.Context, tenantID string, chunks []models.Chunk) error

	// Search returns up to topK chunks of the given tenant ranked by cosine
	// similarity, ties broken by chunk insertion order. namespace narrows
	// the corpus when non-empty.
	Search(ctx context.Context, tenantID string, vector []float64, topK int, namespace string) ([]models.SearchResult, error)

	// Delete removes chunks by id for a tenant.
	Delete(ctx context.Context, tenantID string, ids []string) error

	// Count returns the number of chunks stored for a tenant.
	Count(ctx context.Context, tenantID string) (int, error)

	// HealthCheck verifies the index is reachable.
	HealthCheck(ctx context.Context) error
}

// ── Embedding Driver ────────────────────────────────────────

// EmbeddingDriver turns text into vectors for retrieval.
// Shipped drivers: OpenAI-compatible HTTP, Ollama, deterministic local
// hashing (dev/tests).
type EmbeddingDriver interface {
	// Kind returns the driver identifier (e.g., "openai", "ollama", "local").
	Kind() string

	// Dimensions returns the vector width this driver produces.
	Dimensions() int

	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float64, error)

	// HealthCheck verifies the driver can embed.
	HealthCheck(ctx context.Context) error
}

// ── Generation Provider ─────────────────────────────────────

// GenerationProvider is the LLM capability consumed by the generation
// stage: generate(prompt, context) -> text.
type GenerationProvider interface {
	// Kind returns the provider identifier (e.g., "openai", "ollama").
	Kind() string

	// Complete sends an assembled chat request and returns the text plus
	// token usage. Implementations surface throttling as
	// generation.ErrThrottled so the stage can back off.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

// CompletionRequest is a provider-neutral chat completion request.
type CompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// ChatMessage is one message in a completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse is a provider-neutral chat completion response.
type CompletionResponse struct {
	Text  string            `json:"text"`
	Model string            `json:"model"`
	Usage models.TokenUsage `json:"usage"`
}

// ── Rerank Weights ──────────────────────────────────────────

// RerankWeighter supplies the per-tenant multiplicative score adjustments
// accumulated from feedback. The retrieval stage consults it on every
// query; implementations must never block.
type RerankWeighter interface {
	// Multiplier returns the weight for a chunk source, 1.0 when no
	// feedback applies.
	Multiplier(tenantID, source string) float64
}
