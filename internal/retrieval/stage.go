// Package retrieval implements the context retrieval stage of the query
// pipeline: embed the query, search the tenant's vector index, fold in the
// tenant's feedback-derived rerank weights and trim to topK.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/agentmart/agentmart/query-engine/pkg/contracts"
	"github.com/agentmart/agentmart/query-engine/pkg/models"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
)

// MaxTopK caps how many chunks a single query may request.
const MaxTopK = 50

// ErrIndexUnavailable signals a transient index fault. Drivers wrap their
// connectivity errors in it; the stage retries and only then surfaces it.
var ErrIndexUnavailable = contracts.ErrIndexUnavailable

// ValidationError marks caller mistakes that must never be retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Config tunes the retrieval stage.
type Config struct {
	// Timeout bounds one Retrieve call, embedding included.
	Timeout time.Duration
	// MaxRetries is the number of extra attempts after a transient index
	// fault.
	MaxRetries uint64
	// RetryBackoff is the base of the exponential backoff between attempts.
	RetryBackoff time.Duration
}

// DefaultConfig returns the stage defaults: 10s budget, 2 retries (3 attempts
// total), 200ms backoff base.
func DefaultConfig() Config {
	return Config{
		Timeout:      10 * time.Second,
		MaxRetries:   2,
		RetryBackoff: 200 * time.Millisecond,
	}
}

// Stage runs tenant-scoped retrieval. Isolation is the driver's contract;
// the stage never filters tenants itself.
type Stage struct {
	embedder contracts.EmbeddingDriver
	index    contracts.VectorStoreDriver
	weights  contracts.RerankWeighter
	cfg      Config
}

// NewStage creates a retrieval stage. weights may be nil, in which case no
// rerank adjustment is applied.
func NewStage(embedder contracts.EmbeddingDriver, index contracts.VectorStoreDriver, weights contracts.RerankWeighter, cfg Config) *Stage {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig().RetryBackoff
	}
	return &Stage{embedder: embedder, index: index, weights: weights, cfg: cfg}
}

// Retrieve embeds the query and returns up to topK chunks from the tenant's
// corpus, rerank-adjusted and ordered score desc with a stable insertion
// tiebreak. An empty corpus yields an empty result, not an error.
func (s *Stage) Retrieve(ctx context.Context, tenantID, query string, topK int, namespace string) (*models.RetrievalResult, error) {
	if topK <= 0 {
		return nil, &ValidationError{Field: "top_k", Reason: "must be positive"}
	}
	if topK > MaxTopK {
		return nil, &ValidationError{Field: "top_k", Reason: fmt.Sprintf("must be <= %d", MaxTopK)}
	}
	if query == "" {
		return nil, &ValidationError{Field: "query", Reason: "must not be empty"}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed query: expected 1 vector, got %d", len(vectors))
	}

	// Over-fetch so a rerank demotion can still be displaced by a chunk just
	// past the cut; trimmed back to topK after re-sort.
	fetchK := topK * 2
	if fetchK > MaxTopK {
		fetchK = MaxTopK
	}

	var raw []models.SearchResult
	backoff := retry.WithMaxRetries(s.cfg.MaxRetries, retry.NewExponential(s.cfg.RetryBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var searchErr error
		raw, searchErr = s.index.Search(ctx, tenantID, vectors[0], fetchK, namespace)
		if searchErr != nil {
			if errors.Is(searchErr, ErrIndexUnavailable) {
				log.Warn().Str("tenant", tenantID).Err(searchErr).Msg("Vector index fault, retrying")
				return retry.RetryableError(searchErr)
			}
			return searchErr
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	adjusted := s.applyWeights(tenantID, raw)
	if len(adjusted) > topK {
		adjusted = adjusted[:topK]
	}

	return &models.RetrievalResult{
		Chunks:    adjusted,
		ElapsedMs: time.Since(start).Milliseconds(),
	}, nil
}

// applyWeights multiplies each score by the tenant's weight for the chunk's
// source, then restores the score-desc / insertion-order invariant.
func (s *Stage) applyWeights(tenantID string, results []models.SearchResult) []models.SearchResult {
	if s.weights == nil || len(results) == 0 {
		return results
	}

	out := make([]models.SearchResult, len(results))
	copy(out, results)
	for i := range out {
		m := s.weights.Multiplier(tenantID, out[i].Chunk.Source)
		if m != 1.0 {
			out[i].Score *= m
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Chunk.Seq < out[j].Chunk.Seq
	})
	return out
}
