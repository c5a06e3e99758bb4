package quota_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentmart/agentmart/query-engine/internal/quota"
	"github.com/agentmart/agentmart/query-engine/internal/store"
	"github.com/agentmart/agentmart/query-engine/pkg/models"
)

func newLedger(t *testing.T, tenant *models.Tenant) (*quota.Ledger, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	if tenant.Status == "" {
		tenant.Status = models.TenantActive
	}
	if err := s.CreateTenant(context.Background(), tenant); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}
	return quota.NewLedger(s), s
}

func TestAdmitAndCommit(t *testing.T) {
	ledger, _ := newLedger(t, &models.Tenant{ID: "acme", QueriesLimit: 10})
	ctx := context.Background()

	res, err := ledger.Admit(ctx, "acme", models.QueryCost())
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if err := res.Commit(ctx, models.TokenUsage{TotalTokens: 128}); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	usage, err := ledger.Usage(ctx, "acme")
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if usage.QueriesUsed != 1 {
		t.Errorf("QueriesUsed = %d, want 1", usage.QueriesUsed)
	}
	if usage.TokensUsed != 128 {
		t.Errorf("TokensUsed = %d, want 128", usage.TokensUsed)
	}
}

func TestAdmit_ConcurrentNeverOversells(t *testing.T) {
	const limit = 10
	const attempts = 50

	ledger, s := newLedger(t, &models.Tenant{ID: "acme", QueriesLimit: limit})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	rejected := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ledger.Admit(ctx, "acme", models.QueryCost())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				var rej *quota.RejectionError
				if !errors.As(err, &rej) {
					t.Errorf("Admit() unexpected error type: %v", err)
					return
				}
				if rej.Reason != models.RejectQuotaExceeded {
					t.Errorf("Admit() reason = %q, want %q", rej.Reason, models.RejectQuotaExceeded)
				}
				rejected++
				return
			}
			admitted++
			res.Commit(ctx, models.TokenUsage{})
		}()
	}
	wg.Wait()

	if admitted != limit {
		t.Errorf("admitted = %d, want exactly %d", admitted, limit)
	}
	if rejected != attempts-limit {
		t.Errorf("rejected = %d, want %d", rejected, attempts-limit)
	}

	// Persisted counters must agree with the in-memory ledger.
	tenant, err := s.GetTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("GetTenant() error = %v", err)
	}
	if tenant.QueriesUsed != limit {
		t.Errorf("persisted QueriesUsed = %d, want %d", tenant.QueriesUsed, limit)
	}
}

func TestAdmit_SuspendedTenant(t *testing.T) {
	ledger, _ := newLedger(t, &models.Tenant{
		ID: "acme", Status: models.TenantSuspended, QueriesLimit: 10,
	})

	_, err := ledger.Admit(context.Background(), "acme", models.QueryCost())
	var rej *quota.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("Admit() error = %v, want RejectionError", err)
	}
	if rej.Reason != models.RejectTenantSuspended {
		t.Errorf("reason = %q, want %q", rej.Reason, models.RejectTenantSuspended)
	}
}

func TestAdmit_ExpiredTrial(t *testing.T) {
	ledger, _ := newLedger(t, &models.Tenant{
		ID:           "acme",
		Plan:         models.PlanTrial,
		QueriesLimit: 10,
		PeriodEnd:    time.Now().Add(-time.Hour),
	})

	_, err := ledger.Admit(context.Background(), "acme", models.QueryCost())
	var rej *quota.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("Admit() error = %v, want RejectionError", err)
	}
	if rej.Reason != models.RejectPlanExpired {
		t.Errorf("reason = %q, want %q", rej.Reason, models.RejectPlanExpired)
	}
}

func TestAdmit_ZeroLimitIsUnenforced(t *testing.T) {
	ledger, _ := newLedger(t, &models.Tenant{ID: "acme", QueriesLimit: 0})
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		res, err := ledger.Admit(ctx, "acme", models.QueryCost())
		if err != nil {
			t.Fatalf("Admit() #%d error = %v, want nil (limit 0 means unenforced)", i, err)
		}
		res.Commit(ctx, models.TokenUsage{})
	}
}

func TestAdmit_UploadBytesDimension(t *testing.T) {
	ledger, _ := newLedger(t, &models.Tenant{ID: "acme", UploadBytesLimit: 1000})
	ctx := context.Background()

	res, err := ledger.Admit(ctx, "acme", models.Cost{UploadBytes: 900})
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	res.Commit(ctx, models.TokenUsage{})

	if _, err := ledger.Admit(ctx, "acme", models.Cost{UploadBytes: 200}); err == nil {
		t.Fatal("Admit() over upload limit should be rejected, got nil")
	}
}

func TestAdmit_UnknownTenant(t *testing.T) {
	ledger, _ := newLedger(t, &models.Tenant{ID: "acme"})

	_, err := ledger.Admit(context.Background(), "ghost", models.QueryCost())
	if err == nil {
		t.Fatal("Admit() for unknown tenant should return error, got nil")
	}
	var rej *quota.RejectionError
	if errors.As(err, &rej) {
		t.Errorf("unknown tenant should not be a RejectionError, got %v", rej)
	}
}

func TestRelease_CreditsBack(t *testing.T) {
	ledger, _ := newLedger(t, &models.Tenant{ID: "acme", QueriesLimit: 1})
	ctx := context.Background()

	res, err := ledger.Admit(ctx, "acme", models.QueryCost())
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if err := res.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	usage, _ := ledger.Usage(ctx, "acme")
	if usage.QueriesUsed != 0 {
		t.Errorf("QueriesUsed after release = %d, want 0", usage.QueriesUsed)
	}

	// The released unit is admittable again.
	if _, err := ledger.Admit(ctx, "acme", models.QueryCost()); err != nil {
		t.Errorf("Admit() after release error = %v, want nil", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	ledger, _ := newLedger(t, &models.Tenant{ID: "acme", QueriesLimit: 10})
	ctx := context.Background()

	// Burn two units so a double credit would be visible.
	res1, _ := ledger.Admit(ctx, "acme", models.QueryCost())
	res2, _ := ledger.Admit(ctx, "acme", models.QueryCost())
	res1.Commit(ctx, models.TokenUsage{})

	res2.Release(ctx)
	res2.Release(ctx) // double release must not double-credit

	usage, _ := ledger.Usage(ctx, "acme")
	if usage.QueriesUsed != 1 {
		t.Errorf("QueriesUsed = %d, want 1 (one committed, one released once)", usage.QueriesUsed)
	}
}

func TestRelease_AfterCommitIsNoop(t *testing.T) {
	ledger, _ := newLedger(t, &models.Tenant{ID: "acme", QueriesLimit: 10})
	ctx := context.Background()

	res, _ := ledger.Admit(ctx, "acme", models.QueryCost())
	res.Commit(ctx, models.TokenUsage{TotalTokens: 10})
	res.Release(ctx)

	usage, _ := ledger.Usage(ctx, "acme")
	if usage.QueriesUsed != 1 {
		t.Errorf("QueriesUsed = %d, want 1 (release after commit is a no-op)", usage.QueriesUsed)
	}
	if usage.TokensUsed != 10 {
		t.Errorf("TokensUsed = %d, want 10", usage.TokensUsed)
	}
}

func TestResetPeriod(t *testing.T) {
	ledger, s := newLedger(t, &models.Tenant{ID: "acme", QueriesLimit: 5})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := ledger.Admit(ctx, "acme", models.QueryCost())
		if err != nil {
			t.Fatalf("Admit() #%d error = %v", i, err)
		}
		res.Commit(ctx, models.TokenUsage{TotalTokens: 100})
	}

	now := time.Now().UTC()
	limits := models.PeriodLimits{
		Plan:             models.PlanSubscription,
		QueriesLimit:     1000,
		UploadBytesLimit: 1 << 30,
		PeriodStart:      now,
		PeriodEnd:        now.Add(30 * 24 * time.Hour),
	}
	if err := ledger.ResetPeriod(ctx, "acme", limits); err != nil {
		t.Fatalf("ResetPeriod() error = %v", err)
	}

	usage, _ := ledger.Usage(ctx, "acme")
	if usage.QueriesUsed != 0 || usage.UploadBytesUsed != 0 {
		t.Errorf("used counters after reset = %d/%d, want 0/0", usage.QueriesUsed, usage.UploadBytesUsed)
	}
	if usage.QueriesLimit != 1000 {
		t.Errorf("QueriesLimit = %d, want 1000", usage.QueriesLimit)
	}
	if usage.Plan != models.PlanSubscription {
		t.Errorf("Plan = %q, want %q", usage.Plan, models.PlanSubscription)
	}
	// Token lifetime counter survives the rollover.
	if usage.TokensUsed != 300 {
		t.Errorf("TokensUsed = %d, want 300", usage.TokensUsed)
	}

	tenant, _ := s.GetTenant(ctx, "acme")
	if tenant.QueriesUsed != 0 {
		t.Errorf("persisted QueriesUsed = %d, want 0", tenant.QueriesUsed)
	}
}
