package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentmart/agentmart/query-engine/pkg/models"
	"github.com/rs/zerolog/log"
)

// LocalFileArchiver writes expired records as JSONL files to a local
// directory. This is the default archive driver for single-node
// deployments.
//
// Directory structure:
//
//	{basePath}/interactions/2026-08-28T15-04-05Z.jsonl[.gz]
//	{basePath}/rejections/2026-08-28T15-04-05Z.jsonl[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
}

// NewLocalFileArchiver creates a file-based archiver. If basePath is empty,
// it defaults to "~/.agentmart/archive".
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = "/tmp/agentmart/archive"
		} else {
			basePath = filepath.Join(home, ".agentmart", "archive")
		}
	}
	return &LocalFileArchiver{basePath: basePath, compress: compress}
}

func (a *LocalFileArchiver) Kind() string { return "local" }

func (a *LocalFileArchiver) ArchiveInteractions(_ context.Context, records []models.InteractionRecord) (string, error) {
	fpath, err := a.writeJSONL("interactions", func(enc *json.Encoder) error {
		for _, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return fmt.Errorf("encode interaction %s: %w", rec.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	log.Debug().
		Str("path", fpath).
		Int("count", len(records)).
		Msg("Archived interactions to local file")
	return fpath, nil
}

func (a *LocalFileArchiver) ArchiveRejections(_ context.Context, entries []models.RejectionEntry) (string, error) {
	fpath, err := a.writeJSONL("rejections", func(enc *json.Encoder) error {
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return fmt.Errorf("encode rejection %s: %w", e.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	log.Debug().
		Str("path", fpath).
		Int("count", len(entries)).
		Msg("Archived rejections to local file")
	return fpath, nil
}

func (a *LocalFileArchiver) writeJSONL(kind string, write func(*json.Encoder) error) (string, error) {
	dir := filepath.Join(a.basePath, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := time.Now().UTC().Format("2006-01-02T15-04-05Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if a.compress {
		gw := gzip.NewWriter(f)
		defer gw.Close()
		enc = json.NewEncoder(gw)
	}

	if err := write(enc); err != nil {
		return "", err
	}
	return fpath, nil
}

func (a *LocalFileArchiver) HealthCheck(_ context.Context) error {
	// Verify we can write to the base path
	if err := os.MkdirAll(a.basePath, 0o755); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	testFile := filepath.Join(a.basePath, ".healthcheck")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}
