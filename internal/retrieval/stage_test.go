package retrieval_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/agentmart/agentmart/query-engine/internal/retrieval"
	"github.com/agentmart/agentmart/query-engine/internal/vectorstore"
	"github.com/agentmart/agentmart/query-engine/pkg/contracts"
	"github.com/agentmart/agentmart/query-engine/pkg/models"
)

// fixedEmbedder returns the same vector for every text.
type fixedEmbedder struct {
	vector []float64
}

func (e *fixedEmbedder) Kind() string    { return "fixed" }
func (e *fixedEmbedder) Dimensions() int { return len(e.vector) }
func (e *fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = e.vector
	}
	return out, nil
}
func (e *fixedEmbedder) HealthCheck(context.Context) error { return nil }

// flakyIndex fails the first failures searches with ErrIndexUnavailable,
// then delegates.
type flakyIndex struct {
	contracts.VectorStoreDriver
	mu       sync.Mutex
	failures int
	searches int
}

func (f *flakyIndex) Search(ctx context.Context, tenantID string, vector []float64, topK int, namespace string) ([]models.SearchResult, error) {
	f.mu.Lock()
	f.searches++
	fail := f.searches <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, retrieval.ErrIndexUnavailable
	}
	return f.VectorStoreDriver.Search(ctx, tenantID, vector, topK, namespace)
}

// staticWeights serves fixed multipliers by source.
type staticWeights map[string]float64

func (w staticWeights) Multiplier(_ string, source string) float64 {
	if m, ok := w[source]; ok {
		return m
	}
	return 1.0
}

func newStage(t *testing.T, index contracts.VectorStoreDriver, weights contracts.RerankWeighter) *retrieval.Stage {
	t.Helper()
	embedder := &fixedEmbedder{vector: []float64{1, 0, 0}}
	cfg := retrieval.DefaultConfig()
	cfg.RetryBackoff = 1 // keep retry tests fast
	return retrieval.NewStage(embedder, index, weights, cfg)
}

func seedChunks(t *testing.T, index contracts.VectorStoreDriver, tenantID string, chunks ...models.Chunk) {
	t.Helper()
	if err := index.Upsert(context.Background(), tenantID, chunks); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
}

func TestRetrieve_Validation(t *testing.T) {
	stage := newStage(t, vectorstore.NewEmbeddedStore(), nil)
	ctx := context.Background()

	cases := []struct {
		name  string
		query string
		topK  int
	}{
		{"zero topK", "q", 0},
		{"negative topK", "q", -3},
		{"topK over cap", "q", retrieval.MaxTopK + 1},
		{"empty query", "", 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := stage.Retrieve(ctx, "acme", tc.query, tc.topK, "")
			var verr *retrieval.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Retrieve() error = %v, want ValidationError", err)
			}
		})
	}
}

func TestRetrieve_EmptyCorpus(t *testing.T) {
	stage := newStage(t, vectorstore.NewEmbeddedStore(), nil)

	result, err := stage.Retrieve(context.Background(), "acme", "anything", 5, "")
	if err != nil {
		t.Fatalf("Retrieve() on empty corpus error = %v, want nil", err)
	}
	if len(result.Chunks) != 0 {
		t.Errorf("Retrieve() returned %d chunks, want 0", len(result.Chunks))
	}
}

func TestRetrieve_TenantIsolation(t *testing.T) {
	index := vectorstore.NewEmbeddedStore()
	seedChunks(t, index, "acme",
		models.Chunk{ID: "a1", Content: "acme doc", Vector: []float64{1, 0, 0}})
	seedChunks(t, index, "rival",
		models.Chunk{ID: "r1", Content: "rival doc", Vector: []float64{1, 0, 0}})

	stage := newStage(t, index, nil)
	result, err := stage.Retrieve(context.Background(), "acme", "doc", 10, "")
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(result.Chunks) != 1 {
		t.Fatalf("Retrieve() returned %d chunks, want 1", len(result.Chunks))
	}
	if got := result.Chunks[0].Chunk.TenantID; got != "acme" {
		t.Errorf("chunk tenant = %q, want %q", got, "acme")
	}
}

func TestRetrieve_NamespaceScope(t *testing.T) {
	index := vectorstore.NewEmbeddedStore()
	seedChunks(t, index, "acme",
		models.Chunk{ID: "a1", Namespace: "manuals", Vector: []float64{1, 0, 0}},
		models.Chunk{ID: "a2", Namespace: "faqs", Vector: []float64{1, 0, 0}})

	stage := newStage(t, index, nil)
	result, err := stage.Retrieve(context.Background(), "acme", "q", 10, "manuals")
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(result.Chunks) != 1 || result.Chunks[0].Chunk.ID != "a1" {
		t.Errorf("namespace scope returned wrong chunks: %+v", result.Chunks)
	}
}

func TestRetrieve_StableTiebreak(t *testing.T) {
	index := vectorstore.NewEmbeddedStore()
	// Identical vectors: identical scores, so ordering must fall back to
	// insertion sequence.
	seedChunks(t, index, "acme",
		models.Chunk{ID: "first", Vector: []float64{1, 0, 0}},
		models.Chunk{ID: "second", Vector: []float64{1, 0, 0}},
		models.Chunk{ID: "third", Vector: []float64{1, 0, 0}})

	stage := newStage(t, index, nil)
	for i := 0; i < 5; i++ {
		result, err := stage.Retrieve(context.Background(), "acme", "q", 3, "")
		if err != nil {
			t.Fatalf("Retrieve() error = %v", err)
		}
		want := []string{"first", "second", "third"}
		for j, w := range want {
			if result.Chunks[j].Chunk.ID != w {
				t.Fatalf("run %d: position %d = %q, want %q", i, j, result.Chunks[j].Chunk.ID, w)
			}
		}
	}
}

func TestRetrieve_RanksByScore(t *testing.T) {
	index := vectorstore.NewEmbeddedStore()
	seedChunks(t, index, "acme",
		models.Chunk{ID: "far", Vector: []float64{0, 1, 1}},
		models.Chunk{ID: "near", Vector: []float64{1, 0.1, 0}})

	stage := newStage(t, index, nil)
	result, err := stage.Retrieve(context.Background(), "acme", "q", 2, "")
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if result.Chunks[0].Chunk.ID != "near" {
		t.Errorf("best match = %q, want %q", result.Chunks[0].Chunk.ID, "near")
	}
	if result.Chunks[0].Score <= result.Chunks[1].Score {
		t.Errorf("scores not descending: %f <= %f", result.Chunks[0].Score, result.Chunks[1].Score)
	}
}

func TestRetrieve_RetriesTransientFault(t *testing.T) {
	inner := vectorstore.NewEmbeddedStore()
	seedChunks(t, inner, "acme", models.Chunk{ID: "a1", Vector: []float64{1, 0, 0}})

	index := &flakyIndex{VectorStoreDriver: inner, failures: 2}
	stage := newStage(t, index, nil)

	result, err := stage.Retrieve(context.Background(), "acme", "q", 5, "")
	if err != nil {
		t.Fatalf("Retrieve() error = %v, want success after retries", err)
	}
	if len(result.Chunks) != 1 {
		t.Errorf("Retrieve() returned %d chunks, want 1", len(result.Chunks))
	}
	if index.searches != 3 {
		t.Errorf("search attempts = %d, want 3 (1 + 2 retries)", index.searches)
	}
}

func TestRetrieve_ExhaustedRetriesSurfaceFault(t *testing.T) {
	index := &flakyIndex{VectorStoreDriver: vectorstore.NewEmbeddedStore(), failures: 10}
	stage := newStage(t, index, nil)

	_, err := stage.Retrieve(context.Background(), "acme", "q", 5, "")
	if !errors.Is(err, retrieval.ErrIndexUnavailable) {
		t.Fatalf("Retrieve() error = %v, want ErrIndexUnavailable", err)
	}
	if index.searches != 3 {
		t.Errorf("search attempts = %d, want 3", index.searches)
	}
}

func TestRetrieve_RerankReorders(t *testing.T) {
	index := vectorstore.NewEmbeddedStore()
	// "penalized" scores higher raw, but its source is down-weighted.
	seedChunks(t, index, "acme",
		models.Chunk{ID: "penalized", Source: "stale-doc", Vector: []float64{1, 0, 0}},
		models.Chunk{ID: "boosted", Source: "fresh-doc", Vector: []float64{1, 0.2, 0}})

	stage := newStage(t, index, staticWeights{"stale-doc": 0.5})

	// topK 1: without over-fetch the down-weighted chunk would be the only
	// candidate and the reorder could never surface "boosted".
	result, err := stage.Retrieve(context.Background(), "acme", "q", 1, "")
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(result.Chunks) != 1 {
		t.Fatalf("Retrieve() returned %d chunks, want 1", len(result.Chunks))
	}
	if result.Chunks[0].Chunk.ID != "boosted" {
		t.Errorf("top chunk = %q, want %q (rerank should displace penalized source)", result.Chunks[0].Chunk.ID, "boosted")
	}
}
