package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/agentmart/agentmart/query-engine/internal/quota"
	"github.com/agentmart/agentmart/query-engine/pkg/contracts"
	"github.com/agentmart/agentmart/query-engine/pkg/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// embedBatchSize caps how many chunk texts go to the embedder per call.
const embedBatchSize = 64

// Document is one raw document to index for a tenant.
type Document struct {
	// ID identifies the document; it becomes the Source of every chunk it
	// produces, which is what rerank weights key on.
	ID        string `json:"id"`
	Namespace string `json:"namespace,omitempty"`
	Content   string `json:"content"`
}

// Result summarizes one ingestion run.
type Result struct {
	DocumentsProcessed int   `json:"documents_processed"`
	ChunksStored       int   `json:"chunks_stored"`
	BytesCharged       int64 `json:"bytes_charged"`
	ElapsedMs          int64 `json:"elapsed_ms"`
}

// Ingestor handles document ingestion: charge quota, split, embed, upsert.
type Ingestor struct {
	embedder contracts.EmbeddingDriver
	index    contracts.VectorStoreDriver
	ledger   *quota.Ledger
	splitter SplitterConfig
}

// New creates an ingestor. The ledger may be nil when quota accounting is
// handled by the caller.
func New(embedder contracts.EmbeddingDriver, index contracts.VectorStoreDriver, ledger *quota.Ledger, splitter SplitterConfig) *Ingestor {
	if splitter.ChunkSize <= 0 {
		splitter = DefaultSplitterConfig()
	}
	return &Ingestor{embedder: embedder, index: index, ledger: ledger, splitter: splitter}
}

// Ingest indexes the documents for a tenant. The combined content size is
// admitted against the tenant's upload-bytes quota up front; the reservation
// is released if splitting, embedding or upserting fails, so a failed run
// never leaves phantom bytes charged.
func (ing *Ingestor) Ingest(ctx context.Context, tenantID string, docs []Document) (*Result, error) {
	start := time.Now()

	if len(docs) == 0 {
		return &Result{}, nil
	}

	var totalBytes int64
	for _, d := range docs {
		totalBytes += int64(len(d.Content))
	}

	var res *quota.Reservation
	if ing.ledger != nil {
		var err error
		res, err = ing.ledger.Admit(ctx, tenantID, models.Cost{UploadBytes: totalBytes})
		if err != nil {
			return nil, err
		}
	}

	result, err := ing.run(ctx, tenantID, docs)
	if res != nil {
		if err != nil {
			res.Release(ctx)
		} else if cerr := res.Commit(ctx, models.TokenUsage{}); cerr != nil {
			log.Error().Err(cerr).Str("tenant", tenantID).Msg("Ingest quota commit failed")
		}
	}
	if err != nil {
		return nil, err
	}

	result.BytesCharged = totalBytes
	result.ElapsedMs = time.Since(start).Milliseconds()

	log.Info().
		Str("tenant", tenantID).
		Int("documents", result.DocumentsProcessed).
		Int("chunks", result.ChunksStored).
		Int64("bytes", totalBytes).
		Int64("elapsed_ms", result.ElapsedMs).
		Msg("Ingestion complete")
	return result, nil
}

func (ing *Ingestor) run(ctx context.Context, tenantID string, docs []Document) (*Result, error) {
	type pending struct {
		text      string
		source    string
		namespace string
	}

	var all []pending
	for _, doc := range docs {
		for _, piece := range Split(doc.Content, ing.splitter) {
			all = append(all, pending{text: piece, source: doc.ID, namespace: doc.Namespace})
		}
	}

	var vectors [][]float64
	for i := 0; i < len(all); i += embedBatchSize {
		end := i + embedBatchSize
		if end > len(all) {
			end = len(all)
		}
		texts := make([]string, end-i)
		for j, p := range all[i:end] {
			texts[j] = p.text
		}
		batch, err := ing.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", i, end, err)
		}
		vectors = append(vectors, batch...)
	}
	if len(vectors) != len(all) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(all))
	}

	now := time.Now().UTC()
	chunks := make([]models.Chunk, len(all))
	for i, p := range all {
		chunks[i] = models.Chunk{
			ID:        uuid.NewString(),
			TenantID:  tenantID,
			Source:    p.source,
			Namespace: p.namespace,
			Content:   p.text,
			Vector:    vectors[i],
			CreatedAt: now,
		}
	}

	if err := ing.index.Upsert(ctx, tenantID, chunks); err != nil {
		return nil, fmt.Errorf("upsert chunks: %w", err)
	}

	return &Result{DocumentsProcessed: len(docs), ChunksStored: len(chunks)}, nil
}
