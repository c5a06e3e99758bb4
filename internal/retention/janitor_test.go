package retention_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentmart/agentmart/query-engine/internal/retention"
	"github.com/agentmart/agentmart/query-engine/internal/store"
	"github.com/agentmart/agentmart/query-engine/pkg/models"
)

func seedStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	fresh := time.Now().UTC()

	for _, rec := range []*models.InteractionRecord{
		{ID: "old-1", TenantID: "acme", Prompt: "stale", Status: models.InteractionCompleted, CreatedAt: old},
		{ID: "old-2", TenantID: "acme", Prompt: "stale too", Status: models.InteractionFailed, CreatedAt: old.Add(time.Minute)},
		{ID: "fresh-1", TenantID: "acme", Prompt: "recent", Status: models.InteractionCompleted, CreatedAt: fresh},
	} {
		if err := s.CreateInteraction(ctx, rec); err != nil {
			t.Fatalf("CreateInteraction(%s) error = %v", rec.ID, err)
		}
	}

	for _, e := range []*models.RejectionEntry{
		{ID: "rej-old", TenantID: "acme", Reason: models.RejectQuotaExceeded, CreatedAt: old},
		{ID: "rej-fresh", TenantID: "acme", Reason: models.RejectQuotaExceeded, CreatedAt: fresh},
	} {
		if err := s.CreateRejection(ctx, e); err != nil {
			t.Fatalf("CreateRejection(%s) error = %v", e.ID, err)
		}
	}
	return s
}

func TestSweep_ArchivesThenPurges(t *testing.T) {
	s := seedStore(t)
	dir := t.TempDir()
	archiver := retention.NewLocalFileArchiver(dir, false)

	j := retention.New(s, archiver, retention.Config{
		InteractionTTL: 24 * time.Hour,
		RejectionTTL:   24 * time.Hour,
	})
	j.Sweep(context.Background())

	ctx := context.Background()

	// Expired records are gone, fresh ones survive.
	if _, err := s.GetInteraction(ctx, "acme", "old-1"); err == nil {
		t.Error("old-1 still present after sweep")
	}
	if _, err := s.GetInteraction(ctx, "acme", "fresh-1"); err != nil {
		t.Errorf("fresh-1 purged by sweep: %v", err)
	}
	rejections, _ := s.ListRejections(ctx, "acme", 10)
	if len(rejections) != 1 || rejections[0].ID != "rej-fresh" {
		t.Errorf("rejections after sweep = %+v, want only rej-fresh", rejections)
	}

	// The archive file holds exactly the purged records.
	ids := readArchivedIDs(t, filepath.Join(dir, "interactions"))
	if len(ids) != 2 || !ids["old-1"] || !ids["old-2"] {
		t.Errorf("archived interaction ids = %v, want old-1 and old-2", ids)
	}
	rejIDs := readArchivedIDs(t, filepath.Join(dir, "rejections"))
	if len(rejIDs) != 1 || !rejIDs["rej-old"] {
		t.Errorf("archived rejection ids = %v, want rej-old", rejIDs)
	}
}

func TestSweep_ZeroTTLMeansKeepForever(t *testing.T) {
	s := seedStore(t)
	j := retention.New(s, retention.NewLocalFileArchiver(t.TempDir(), false), retention.Config{})

	j.Sweep(context.Background())

	recs, _ := s.ListInteractions(context.Background(), "acme", store.InteractionFilter{})
	if len(recs) != 3 {
		t.Errorf("interactions after zero-TTL sweep = %d, want 3", len(recs))
	}
}

// failingArchiver refuses every write.
type failingArchiver struct{}

func (failingArchiver) Kind() string { return "failing" }
func (failingArchiver) ArchiveInteractions(context.Context, []models.InteractionRecord) (string, error) {
	return "", errors.New("archive volume offline")
}
func (failingArchiver) ArchiveRejections(context.Context, []models.RejectionEntry) (string, error) {
	return "", errors.New("archive volume offline")
}
func (failingArchiver) HealthCheck(context.Context) error { return nil }

func TestSweep_ArchiveFailureAbortsPurge(t *testing.T) {
	s := seedStore(t)
	j := retention.New(s, failingArchiver{}, retention.Config{
		InteractionTTL: 24 * time.Hour,
		RejectionTTL:   24 * time.Hour,
	})
	j.Sweep(context.Background())

	// Nothing may be deleted without an archived copy; the next sweep
	// retries.
	recs, _ := s.ListInteractions(context.Background(), "acme", store.InteractionFilter{})
	if len(recs) != 3 {
		t.Errorf("interactions after failed archive = %d, want 3 (purge aborted)", len(recs))
	}
	rejections, _ := s.ListRejections(context.Background(), "acme", 10)
	if len(rejections) != 2 {
		t.Errorf("rejections after failed archive = %d, want 2", len(rejections))
	}
}

func TestSweep_BatchSizeBoundsOnePass(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	for i := 0; i < 5; i++ {
		err := s.CreateInteraction(ctx, &models.InteractionRecord{
			ID: string(rune('a' + i)), TenantID: "acme",
			Status: models.InteractionCompleted, CreatedAt: old.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("CreateInteraction() error = %v", err)
		}
	}

	j := retention.New(s, retention.NewLocalFileArchiver(t.TempDir(), false), retention.Config{
		InteractionTTL: 24 * time.Hour,
		BatchSize:      2,
	})
	j.Sweep(ctx)

	recs, _ := s.ListInteractions(ctx, "acme", store.InteractionFilter{})
	if len(recs) != 3 {
		t.Errorf("interactions after capped sweep = %d, want 3 (batch of 2 purged)", len(recs))
	}
}

func TestStartStop_DisabledJanitor(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	j := retention.New(s, retention.NewLocalFileArchiver(t.TempDir(), false), retention.Config{})
	j.Start()
	j.Stop() // must not hang when the loop never started
	j.Stop() // and must be safe to call again
}

func TestDriverRegistry(t *testing.T) {
	archiver := retention.NewLocalFileArchiver(t.TempDir(), false)
	retention.RegisterDriver(archiver)

	got, err := retention.GetDriver("local")
	if err != nil {
		t.Fatalf("GetDriver(local) error = %v", err)
	}
	if got.Kind() != "local" {
		t.Errorf("Kind() = %q, want local", got.Kind())
	}

	if _, err := retention.GetDriver("s3"); err == nil {
		t.Error("GetDriver(unregistered) should return error, got nil")
	}
}

func TestLocalArchiver_HealthCheck(t *testing.T) {
	archiver := retention.NewLocalFileArchiver(t.TempDir(), true)
	if err := archiver.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

// readArchivedIDs decodes every JSONL file in dir and collects the "id"
// field of each line.
func readArchivedIDs(t *testing.T, dir string) map[string]bool {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir(%s) error = %v", dir, err)
	}

	ids := make(map[string]bool)
	for _, entry := range entries {
		f, err := os.Open(filepath.Join(dir, entry.Name()))
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			var line struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			ids[line.ID] = true
		}
		f.Close()
	}
	return ids
}
