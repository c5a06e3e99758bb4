package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/agentmart/agentmart/query-engine/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultMaxChunks is the default cap for the embedded store (50K).
const DefaultMaxChunks = 50_000

// EmbeddedStore is a lightweight in-memory vector index using brute-force
// cosine similarity search. Suitable for development and small workloads
// (≤50K chunks). For production, use pgvector.
//
// Chunks are keyed tenant:id; Search only ever walks chunks whose tenant
// matches, so cross-tenant results cannot occur even transiently.
type EmbeddedStore struct {
	mu        sync.RWMutex
	chunks    map[string]*models.Chunk // key: tenant:id
	nextSeq   int64                    // insertion sequence, used as the score tiebreak
	maxChunks int
}

// EmbeddedOption configures the embedded store.
type EmbeddedOption func(*EmbeddedStore)

// WithMaxChunks sets the maximum number of chunks (default 50K).
func WithMaxChunks(max int) EmbeddedOption {
	return func(s *EmbeddedStore) { s.maxChunks = max }
}

// NewEmbeddedStore creates an in-memory vector index.
func NewEmbeddedStore(opts ...EmbeddedOption) *EmbeddedStore {
	s := &EmbeddedStore{
		chunks:    make(map[string]*models.Chunk),
		maxChunks: DefaultMaxChunks,
	}
	for _, opt := range opts {
		opt(s)
	}
	log.Info().Int("max_chunks", s.maxChunks).Msg("Embedded vector store initialized")
	return s
}

func (s *EmbeddedStore) Kind() string { return "embedded" }

func (s *EmbeddedStore) Upsert(_ context.Context, tenantID string, chunks []models.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check capacity
	newCount := 0
	for _, c := range chunks {
		k := key(tenantID, c.ID)
		if _, exists := s.chunks[k]; !exists {
			newCount++
		}
	}
	total := len(s.chunks) + newCount
	if total > s.maxChunks {
		return fmt.Errorf("embedded vector store capacity exceeded: %d > %d (consider pgvector)", total, s.maxChunks)
	}
	if total > int(float64(s.maxChunks)*0.9) {
		log.Warn().Int("count", total).Int("max", s.maxChunks).Msg("Embedded vector store nearing capacity — consider pgvector")
	}

	now := time.Now()
	for _, c := range chunks {
		cp := c
		cp.TenantID = tenantID
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		k := key(tenantID, cp.ID)
		if prev, exists := s.chunks[k]; exists {
			// Replacing a chunk keeps its original insertion sequence so
			// tiebreak ordering stays stable across re-ingestion.
			cp.Seq = prev.Seq
		} else {
			s.nextSeq++
			cp.Seq = s.nextSeq
		}
		s.chunks[k] = &cp
	}
	return nil
}

func (s *EmbeddedStore) Search(_ context.Context, tenantID string, vector []float64, topK int, namespace string) ([]models.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []models.SearchResult
	for _, c := range s.chunks {
		if c.TenantID != tenantID {
			continue
		}
		if namespace != "" && c.Namespace != namespace {
			continue
		}
		if len(c.Vector) != len(vector) {
			continue
		}
		score := cosineSimilarity(vector, c.Vector)
		candidates = append(candidates, models.SearchResult{Chunk: *c, Score: score})
	}

	// Score descending; equal scores break by insertion sequence so the
	// ordering is total and stable.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Chunk.Seq < candidates[j].Chunk.Seq
	})

	if topK > len(candidates) {
		topK = len(candidates)
	}
	return candidates[:topK], nil
}

func (s *EmbeddedStore) Delete(_ context.Context, tenantID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.chunks, key(tenantID, id))
	}
	return nil
}

func (s *EmbeddedStore) Count(_ context.Context, tenantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, c := range s.chunks {
		if c.TenantID == tenantID {
			count++
		}
	}
	return count, nil
}

func (s *EmbeddedStore) HealthCheck(_ context.Context) error {
	return nil // always healthy — it's in-memory
}

// ── Helpers ─────────────────────────────────────────────────

func key(tenantID, id string) string {
	return tenantID + ":" + id
}

func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
