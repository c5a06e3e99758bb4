package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/agentmart/agentmart/query-engine/internal/embeddings"
	"github.com/agentmart/agentmart/query-engine/internal/quota"
	"github.com/agentmart/agentmart/query-engine/internal/store"
	"github.com/agentmart/agentmart/query-engine/internal/vectorstore"
	"github.com/agentmart/agentmart/query-engine/pkg/contracts"
	"github.com/agentmart/agentmart/query-engine/pkg/models"
)

func newTestLedger(t *testing.T, uploadLimit int64) (*quota.Ledger, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	err := s.CreateTenant(context.Background(), &models.Tenant{
		ID: "acme", Status: models.TenantActive, UploadBytesLimit: uploadLimit,
	})
	if err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}
	return quota.NewLedger(s), s
}

func uploadBytesUsed(t *testing.T, s store.Store) int64 {
	t.Helper()
	tenant, err := s.GetTenant(context.Background(), "acme")
	if err != nil {
		t.Fatalf("GetTenant() error = %v", err)
	}
	return tenant.UploadBytesUsed
}

func TestIngest_SplitsEmbedsAndCharges(t *testing.T) {
	ledger, s := newTestLedger(t, 1<<20)
	index := vectorstore.NewEmbeddedStore()
	ing := New(embeddings.NewLocalDriver(32), index, ledger, SplitterConfig{ChunkSize: 100, Overlap: 10})

	content := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 20)
	result, err := ing.Ingest(context.Background(), "acme", []Document{
		{ID: "handbook.md", Namespace: "docs", Content: content},
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if result.DocumentsProcessed != 1 {
		t.Errorf("DocumentsProcessed = %d, want 1", result.DocumentsProcessed)
	}
	if result.ChunksStored < 2 {
		t.Errorf("ChunksStored = %d, want several chunks for a long document", result.ChunksStored)
	}
	if result.BytesCharged != int64(len(content)) {
		t.Errorf("BytesCharged = %d, want %d", result.BytesCharged, len(content))
	}

	// The charge is committed against the tenant's upload-bytes quota.
	if used := uploadBytesUsed(t, s); used != int64(len(content)) {
		t.Errorf("UploadBytesUsed = %d, want %d", used, len(content))
	}

	// The chunks are searchable, tenant-scoped, and carry the document ID
	// as their source.
	vectors, _ := embeddings.NewLocalDriver(32).Embed(context.Background(), []string{"quick brown fox"})
	results, err := index.Search(context.Background(), "acme", vectors[0], 3, "docs")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) == 0 {
		t.Fatal("Search() found nothing after ingestion")
	}
	if results[0].Chunk.Source != "handbook.md" {
		t.Errorf("chunk source = %q, want handbook.md", results[0].Chunk.Source)
	}
}

func TestIngest_QuotaRejectionBeforeWork(t *testing.T) {
	ledger, s := newTestLedger(t, 10)
	index := vectorstore.NewEmbeddedStore()
	ing := New(embeddings.NewLocalDriver(32), index, ledger, DefaultSplitterConfig())

	_, err := ing.Ingest(context.Background(), "acme", []Document{
		{ID: "big.md", Content: strings.Repeat("x", 100)},
	})
	var rej *quota.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("Ingest() error = %v, want RejectionError", err)
	}
	if used := uploadBytesUsed(t, s); used != 0 {
		t.Errorf("UploadBytesUsed = %d, want 0 after rejection", used)
	}
}

// brokenEmbedder fails every Embed call.
type brokenEmbedder struct{}

func (brokenEmbedder) Kind() string                                      { return "broken" }
func (brokenEmbedder) Dimensions() int                                   { return 4 }
func (brokenEmbedder) Embed(context.Context, []string) ([][]float64, error) {
	return nil, errors.New("embedding backend down")
}
func (brokenEmbedder) HealthCheck(context.Context) error { return nil }

var _ contracts.EmbeddingDriver = brokenEmbedder{}

func TestIngest_FailureReleasesCharge(t *testing.T) {
	ledger, s := newTestLedger(t, 1<<20)
	ing := New(brokenEmbedder{}, vectorstore.NewEmbeddedStore(), ledger, DefaultSplitterConfig())

	_, err := ing.Ingest(context.Background(), "acme", []Document{
		{ID: "doc.md", Content: "some content"},
	})
	if err == nil {
		t.Fatal("Ingest() error = nil, want embed failure")
	}
	if used := uploadBytesUsed(t, s); used != 0 {
		t.Errorf("UploadBytesUsed = %d, want 0 (failed run must not leave phantom bytes)", used)
	}
}

func TestIngest_NilLedgerSkipsAccounting(t *testing.T) {
	index := vectorstore.NewEmbeddedStore()
	ing := New(embeddings.NewLocalDriver(32), index, nil, DefaultSplitterConfig())

	result, err := ing.Ingest(context.Background(), "acme", []Document{
		{ID: "doc.md", Content: "unmetered content"},
	})
	if err != nil {
		t.Fatalf("Ingest() with nil ledger error = %v", err)
	}
	if result.ChunksStored != 1 {
		t.Errorf("ChunksStored = %d, want 1", result.ChunksStored)
	}
}

func TestIngest_NoDocumentsIsNoop(t *testing.T) {
	ledger, s := newTestLedger(t, 100)
	ing := New(embeddings.NewLocalDriver(32), vectorstore.NewEmbeddedStore(), ledger, DefaultSplitterConfig())

	result, err := ing.Ingest(context.Background(), "acme", nil)
	if err != nil {
		t.Fatalf("Ingest() with no docs error = %v", err)
	}
	if result.ChunksStored != 0 || result.BytesCharged != 0 {
		t.Errorf("empty ingest result = %+v, want zero values", result)
	}
	if used := uploadBytesUsed(t, s); used != 0 {
		t.Errorf("UploadBytesUsed = %d, want 0", used)
	}
}
