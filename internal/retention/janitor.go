// Package retention implements background expiry of stored records.
//
// The janitor periodically sweeps the store for interactions and rejection
// entries older than their TTLs, archives them through an ArchiveDriver,
// and only then deletes them. Archive failures abort the purge for that
// batch, so data is never dropped without a copy landing somewhere first.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentmart/agentmart/query-engine/internal/store"
	"github.com/agentmart/agentmart/query-engine/pkg/models"

	"github.com/rs/zerolog/log"
)

// ArchiveDriver writes expired records to long-term storage before they are
// purged from the primary store.
type ArchiveDriver interface {
	Kind() string
	ArchiveInteractions(ctx context.Context, records []models.InteractionRecord) (location string, err error)
	ArchiveRejections(ctx context.Context, entries []models.RejectionEntry) (location string, err error)
	HealthCheck(ctx context.Context) error
}

// ── Driver registry ─────────────────────────────────────────

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]ArchiveDriver)
)

// RegisterDriver makes an archive driver available by its Kind.
func RegisterDriver(d ArchiveDriver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[d.Kind()] = d
}

// GetDriver returns the archive driver registered under kind.
func GetDriver(kind string) (ArchiveDriver, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	d, ok := drivers[kind]
	if !ok {
		return nil, fmt.Errorf("archive driver not registered: %s", kind)
	}
	return d, nil
}

// ── Janitor ─────────────────────────────────────────────────

const defaultBatchSize = 5000

// Config controls the janitor sweep.
type Config struct {
	// Interval between sweeps. Zero disables the janitor.
	Interval time.Duration
	// InteractionTTL is the maximum age of an interaction record.
	InteractionTTL time.Duration
	// RejectionTTL is the maximum age of a rejection log entry.
	RejectionTTL time.Duration
	// BatchSize caps how many records one sweep archives and deletes
	// per table. Remaining records wait for the next sweep.
	BatchSize int
}

// Janitor owns record expiry for the engine. Stores do not evict on their
// own; everything flows through the sweep so the archive-before-purge
// guarantee holds for every backend.
type Janitor struct {
	store    store.Store
	archiver ArchiveDriver
	cfg      Config

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a janitor. The archiver must be non-nil; use
// NewLocalFileArchiver for single-node deployments.
func New(s store.Store, archiver ArchiveDriver, cfg Config) *Janitor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Janitor{
		store:    s,
		archiver: archiver,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop. No-op when Interval is zero.
func (j *Janitor) Start() {
	if j.cfg.Interval <= 0 {
		log.Info().Msg("Retention janitor disabled")
		close(j.doneCh)
		return
	}

	log.Info().
		Str("interval", j.cfg.Interval.String()).
		Str("interaction_ttl", j.cfg.InteractionTTL.String()).
		Str("rejection_ttl", j.cfg.RejectionTTL.String()).
		Str("archiver", j.archiver.Kind()).
		Msg("Retention janitor started")

	go j.run()
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
// Safe to call multiple times.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	<-j.doneCh
}

func (j *Janitor) run() {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), j.cfg.Interval)
			j.Sweep(ctx)
			cancel()
		}
	}
}

// Sweep runs one expiry pass. Exported so operators can trigger it out of
// band (and so tests can drive it without the ticker).
func (j *Janitor) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	if j.cfg.InteractionTTL > 0 {
		if err := j.sweepInteractions(ctx, now.Add(-j.cfg.InteractionTTL)); err != nil {
			log.Error().Err(err).Msg("Retention sweep failed for interactions")
		}
	}
	if j.cfg.RejectionTTL > 0 {
		if err := j.sweepRejections(ctx, now.Add(-j.cfg.RejectionTTL)); err != nil {
			log.Error().Err(err).Msg("Retention sweep failed for rejections")
		}
	}
}

func (j *Janitor) sweepInteractions(ctx context.Context, cutoff time.Time) error {
	expired, err := j.store.ListExpiredInteractions(ctx, cutoff, j.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list expired: %w", err)
	}
	if len(expired) == 0 {
		return nil
	}

	location, err := j.archiver.ArchiveInteractions(ctx, expired)
	if err != nil {
		// Leave the records in place; next sweep retries.
		return fmt.Errorf("archive: %w", err)
	}

	ids := make([]string, len(expired))
	for i, rec := range expired {
		ids[i] = rec.ID
	}
	deleted, err := j.store.DeleteInteractions(ctx, ids)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}

	log.Info().
		Int("archived", len(expired)).
		Int("purged", deleted).
		Str("location", location).
		Msg("Expired interactions archived and purged")
	return nil
}

func (j *Janitor) sweepRejections(ctx context.Context, cutoff time.Time) error {
	expired, err := j.store.ListExpiredRejections(ctx, cutoff, j.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list expired: %w", err)
	}
	if len(expired) == 0 {
		return nil
	}

	location, err := j.archiver.ArchiveRejections(ctx, expired)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	ids := make([]string, len(expired))
	for i, e := range expired {
		ids[i] = e.ID
	}
	deleted, err := j.store.DeleteRejections(ctx, ids)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}

	log.Info().
		Int("archived", len(expired)).
		Int("purged", deleted).
		Str("location", location).
		Msg("Expired rejections archived and purged")
	return nil
}
