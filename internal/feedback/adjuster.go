package feedback

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/agentmart/agentmart/query-engine/pkg/models"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultHalfLife is how long a feedback contribution takes to fade to
	// half strength.
	DefaultHalfLife = 7 * 24 * time.Hour

	// MinMultiplier and MaxMultiplier clamp the rerank weight so a burst of
	// ratings can shift ordering but never erase or fabricate relevance.
	MinMultiplier = 0.25
	MaxMultiplier = 4.0

	// deltaPerStep is the contribution of one rating step away from neutral
	// (rating 3). A 5 adds +0.2 per source, a 1 adds -0.2.
	deltaPerStep = 0.1

	defaultPoolSize = 4
)

// sourceWeight is a decayed accumulator. value at time t is
// acc * 0.5^((t-updated)/halfLife); adding a delta folds the decay in first,
// so the pair stays exact without keeping per-event history.
type sourceWeight struct {
	acc     float64
	updated time.Time
}

// Config tunes the adjuster.
type Config struct {
	HalfLife time.Duration
	// PoolSize bounds the async ingest workers.
	PoolSize int
}

// Adjuster folds feedback events into per-tenant source weights and serves
// them to the retrieval stage. Implements contracts.RerankWeighter.
type Adjuster struct {
	journal  *Journal
	halfLife time.Duration
	pool     *ants.Pool
	now      func() time.Time

	mu      sync.RWMutex
	weights map[string]map[string]*sourceWeight // tenant → source → weight
}

// NewAdjuster creates an adjuster over the given journal.
func NewAdjuster(journal *Journal, cfg Config) (*Adjuster, error) {
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = DefaultHalfLife
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}

	pool, err := ants.NewPool(cfg.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("feedback worker pool: %w", err)
	}

	return &Adjuster{
		journal:  journal,
		halfLife: cfg.HalfLife,
		pool:     pool,
		now:      time.Now,
		weights:  make(map[string]map[string]*sourceWeight),
	}, nil
}

// Ingest validates the event and hands it to the worker pool: journal append
// plus weight update happen off the caller's path.
func (a *Adjuster) Ingest(event *models.FeedbackEvent) error {
	if event.Rating < 1 || event.Rating > 5 {
		return fmt.Errorf("rating must be 1..5, got %d", event.Rating)
	}
	if event.TenantID == "" {
		return fmt.Errorf("feedback event missing tenant")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = a.now().UTC()
	}

	return a.pool.Submit(func() {
		if _, err := a.journal.Append(event); err != nil {
			log.Error().Err(err).Str("tenant", event.TenantID).Msg("Feedback journal append failed")
			return
		}
		a.apply(event)
	})
}

// apply folds one event into the weight table.
func (a *Adjuster) apply(event *models.FeedbackEvent) {
	delta := float64(event.Rating-3) * deltaPerStep
	if delta == 0 || len(event.Sources) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	byTenant, ok := a.weights[event.TenantID]
	if !ok {
		byTenant = make(map[string]*sourceWeight)
		a.weights[event.TenantID] = byTenant
	}

	for _, source := range event.Sources {
		w, ok := byTenant[source]
		if !ok {
			w = &sourceWeight{updated: event.CreatedAt}
			byTenant[source] = w
		}
		w.acc = a.decayedValue(w, event.CreatedAt) + delta
		w.updated = event.CreatedAt
	}
}

func (a *Adjuster) decayedValue(w *sourceWeight, at time.Time) float64 {
	age := at.Sub(w.updated)
	if age <= 0 {
		return w.acc
	}
	return w.acc * math.Pow(0.5, age.Seconds()/a.halfLife.Seconds())
}

// Multiplier returns 1 + the source's decayed contribution, clamped to
// [MinMultiplier, MaxMultiplier]. 1.0 when no feedback applies.
func (a *Adjuster) Multiplier(tenantID, source string) float64 {
	return a.MultiplierAt(tenantID, source, a.now())
}

// MultiplierAt evaluates the weight at an explicit instant.
func (a *Adjuster) MultiplierAt(tenantID, source string, at time.Time) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	byTenant, ok := a.weights[tenantID]
	if !ok {
		return 1.0
	}
	w, ok := byTenant[source]
	if !ok {
		return 1.0
	}

	m := 1.0 + a.decayedValue(w, at)
	if m < MinMultiplier {
		return MinMultiplier
	}
	if m > MaxMultiplier {
		return MaxMultiplier
	}
	return m
}

// Rebuild discards a tenant's weight table and replays their journal.
// Used at startup and after crashes; the journal is the source of truth.
func (a *Adjuster) Rebuild(tenantID string) error {
	a.mu.Lock()
	delete(a.weights, tenantID)
	a.mu.Unlock()

	count := 0
	err := a.journal.Replay(tenantID, func(event *models.FeedbackEvent) error {
		a.apply(event)
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("rebuild weights for %s: %w", tenantID, err)
	}
	log.Info().Str("tenant", tenantID).Int("events", count).Msg("Feedback weights rebuilt")
	return nil
}

// Close drains the pool and closes the journal.
func (a *Adjuster) Close() error {
	a.pool.Release()
	return a.journal.Close()
}
