// Package quota implements the tenant quota ledger: atomic
// check-and-reserve admission, reserve/commit/rollback accounting and
// billing period rollover.
//
// Counters live in a sharded lock table — tenants hash to a fixed set of
// buckets, one mutex per bucket — so concurrent admissions for the same
// tenant serialize while unrelated tenants never contend on a global lock.
// Every committed change is written through to the tenant store under the
// bucket lock, so the persisted counters can only trail the in-memory state
// by a failed write, never race ahead of it.
package quota

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/agentmart/agentmart/query-engine/internal/store"
	"github.com/agentmart/agentmart/query-engine/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultShards is the number of lock buckets in the ledger.
const DefaultShards = 64

// RejectionError is returned by Admit when a tenant may not run the query.
// User-visible; never retried.
type RejectionError struct {
	TenantID string
	Reason   models.RejectionReason
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("admission rejected for tenant %s: %s", e.TenantID, e.Reason)
}

type shard struct {
	mu      sync.Mutex
	tenants map[string]*models.Tenant
}

// Ledger owns the per-tenant quota counters. All mutation goes through
// Admit / Reservation.Commit / Reservation.Release / ResetPeriod.
type Ledger struct {
	store  store.TenantStore
	shards []*shard
	now    func() time.Time // injectable clock for tests
}

// NewLedger creates a quota ledger over the given tenant store.
func NewLedger(s store.TenantStore) *Ledger {
	return NewLedgerWithShards(s, DefaultShards)
}

// NewLedgerWithShards creates a ledger with an explicit bucket count.
func NewLedgerWithShards(s store.TenantStore, n int) *Ledger {
	if n <= 0 {
		n = DefaultShards
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{tenants: make(map[string]*models.Tenant)}
	}
	return &Ledger{store: s, shards: shards, now: time.Now}
}

func (l *Ledger) shardFor(tenantID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// loadLocked hydrates the tenant into the shard map if absent.
// Caller must hold the shard lock.
func (l *Ledger) loadLocked(ctx context.Context, sh *shard, tenantID string) (*models.Tenant, error) {
	if t, ok := sh.tenants[tenantID]; ok {
		return t, nil
	}
	t, err := l.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	sh.tenants[tenantID] = t
	return t, nil
}

// writeThroughLocked persists the tenant's counters. Caller must hold the
// shard lock and must roll back the in-memory mutation on error.
func (l *Ledger) writeThroughLocked(ctx context.Context, t *models.Tenant) error {
	cp := *t
	return l.store.UpdateTenantQuota(ctx, &cp)
}

// Admit checks the cost vector against the tenant's remaining quota and, in
// the same atomic step, reserves it. The returned reservation must be
// finished with exactly one of Commit or Release; both are idempotent.
func (l *Ledger) Admit(ctx context.Context, tenantID string, cost models.Cost) (*Reservation, error) {
	sh := l.shardFor(tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	t, err := l.loadLocked(ctx, sh, tenantID)
	if err != nil {
		return nil, fmt.Errorf("quota admit: %w", err)
	}

	if t.Status == models.TenantSuspended || t.Status == models.TenantDeleted {
		return nil, &RejectionError{TenantID: tenantID, Reason: models.RejectTenantSuspended}
	}
	if t.Plan == models.PlanTrial && !t.PeriodEnd.IsZero() && l.now().After(t.PeriodEnd) {
		return nil, &RejectionError{TenantID: tenantID, Reason: models.RejectPlanExpired}
	}
	// A limit of 0 means the dimension is not enforced.
	if t.QueriesLimit > 0 && t.QueriesUsed+cost.Queries > t.QueriesLimit {
		return nil, &RejectionError{TenantID: tenantID, Reason: models.RejectQuotaExceeded}
	}
	if t.UploadBytesLimit > 0 && t.UploadBytesUsed+cost.UploadBytes > t.UploadBytesLimit {
		return nil, &RejectionError{TenantID: tenantID, Reason: models.RejectQuotaExceeded}
	}

	// Reserve as part of the same atomic step — a separate increment call
	// would let two admissions both observe the last free unit.
	t.QueriesUsed += cost.Queries
	t.UploadBytesUsed += cost.UploadBytes

	if err := l.writeThroughLocked(ctx, t); err != nil {
		t.QueriesUsed -= cost.Queries
		t.UploadBytesUsed -= cost.UploadBytes
		return nil, fmt.Errorf("quota persist: %w", err)
	}

	return &Reservation{ledger: l, tenantID: tenantID, cost: cost}, nil
}

// Usage returns a read-only snapshot of the tenant's quota state.
func (l *Ledger) Usage(ctx context.Context, tenantID string) (*models.QuotaState, error) {
	sh := l.shardFor(tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	t, err := l.loadLocked(ctx, sh, tenantID)
	if err != nil {
		return nil, err
	}
	return &models.QuotaState{
		TenantID:         t.ID,
		Plan:             t.Plan,
		Status:           t.Status,
		QueriesUsed:      t.QueriesUsed,
		QueriesLimit:     t.QueriesLimit,
		UploadBytesUsed:  t.UploadBytesUsed,
		UploadBytesLimit: t.UploadBytesLimit,
		TokensUsed:       t.TokensUsed,
		PeriodStart:      t.PeriodStart,
		PeriodEnd:        t.PeriodEnd,
	}, nil
}

// ResetPeriod applies a billing period rollover: used counters zero, new
// limits and bounds take effect. Called by the billing collaborator; the
// ledger never initiates rollovers itself.
func (l *Ledger) ResetPeriod(ctx context.Context, tenantID string, limits models.PeriodLimits) error {
	sh := l.shardFor(tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	t, err := l.loadLocked(ctx, sh, tenantID)
	if err != nil {
		return fmt.Errorf("quota reset: %w", err)
	}

	prev := *t
	t.Plan = limits.Plan
	t.QueriesUsed = 0
	t.UploadBytesUsed = 0
	t.QueriesLimit = limits.QueriesLimit
	t.UploadBytesLimit = limits.UploadBytesLimit
	t.PeriodStart = limits.PeriodStart
	t.PeriodEnd = limits.PeriodEnd

	if err := l.writeThroughLocked(ctx, t); err != nil {
		*t = prev
		return fmt.Errorf("quota reset persist: %w", err)
	}

	log.Info().
		Str("tenant", tenantID).
		Str("plan", string(limits.Plan)).
		Int64("queries_limit", limits.QueriesLimit).
		Time("period_end", limits.PeriodEnd).
		Msg("Billing period reset")
	return nil
}

// ── Reservation ─────────────────────────────────────────────

// Reservation is one admitted cost vector awaiting Commit or Release.
type Reservation struct {
	ledger   *Ledger
	tenantID string
	cost     models.Cost

	// finished flips once, under the shard lock, on the first Commit or
	// Release. Later calls are no-ops so a double release never
	// double-credits quota.
	finished bool
}

// TenantID returns the tenant this reservation charges.
func (r *Reservation) TenantID() string { return r.tenantID }

// Commit finalizes the reservation and records token usage against the
// tenant. Idempotent.
func (r *Reservation) Commit(ctx context.Context, usage models.TokenUsage) error {
	sh := r.ledger.shardFor(r.tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if r.finished {
		return nil
	}
	r.finished = true

	t, ok := sh.tenants[r.tenantID]
	if !ok {
		// Reservation implies the tenant was hydrated at admit time.
		return fmt.Errorf("quota commit: tenant %s not loaded", r.tenantID)
	}

	t.TokensUsed += usage.TotalTokens
	if err := r.ledger.writeThroughLocked(ctx, t); err != nil {
		// The reservation stays charged; only token accounting lagged.
		log.Error().Err(err).Str("tenant", r.tenantID).Msg("Quota commit persist failed")
		return fmt.Errorf("quota commit persist: %w", err)
	}
	return nil
}

// Release rolls the reservation back, crediting the cost vector back to the
// tenant. Idempotent — releasing twice, or after Commit, is a no-op.
func (r *Reservation) Release(ctx context.Context) error {
	sh := r.ledger.shardFor(r.tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if r.finished {
		return nil
	}
	r.finished = true

	t, ok := sh.tenants[r.tenantID]
	if !ok {
		return fmt.Errorf("quota release: tenant %s not loaded", r.tenantID)
	}

	t.QueriesUsed -= r.cost.Queries
	t.UploadBytesUsed -= r.cost.UploadBytes
	if t.QueriesUsed < 0 {
		t.QueriesUsed = 0
	}
	if t.UploadBytesUsed < 0 {
		t.UploadBytesUsed = 0
	}

	if err := r.ledger.writeThroughLocked(ctx, t); err != nil {
		log.Error().Err(err).Str("tenant", r.tenantID).Msg("Quota release persist failed")
		return fmt.Errorf("quota release persist: %w", err)
	}
	return nil
}
