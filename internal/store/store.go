// Package store provides the storage interface and implementations for the
// AgentMart query engine. The in-memory store backs local development and
// tests; PostgreSQL backs production.
package store

import (
	"context"
	"time"

	"github.com/agentmart/agentmart/query-engine/pkg/models"
)

// Store is the primary storage interface for the query engine.
// All pipeline code depends on this interface, making it easy to swap
// between in-memory (tests) and PostgreSQL (production) implementations.
type Store interface {
	TenantStore
	AgentStore
	InteractionStore
	RejectionStore

	// Ping checks if the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Tenant Store ────────────────────────────────────────────

// TenantStore persists tenants and their quota counters. Quota counter
// writes go through UpdateTenantQuota and are issued only by the quota
// ledger, which serializes them per tenant.
type TenantStore interface {
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	UpdateTenantQuota(ctx context.Context, tenant *models.Tenant) error
	ListTenants(ctx context.Context) ([]models.Tenant, error)
}

// ── Agent Store ─────────────────────────────────────────────

type AgentStore interface {
	ListAgents(ctx context.Context, tenantID string) ([]models.AgentInstance, error)
	GetAgent(ctx context.Context, tenantID, id string) (*models.AgentInstance, error)
	CreateAgent(ctx context.Context, agent *models.AgentInstance) error
	UpdateAgent(ctx context.Context, agent *models.AgentInstance) error
	DeleteAgent(ctx context.Context, tenantID, id string) error
}

// ── Interaction Store ───────────────────────────────────────

// InteractionFilter defines optional filters for listing interactions.
type InteractionFilter struct {
	AgentID string // exact match on agent_id
	Status  string // exact match on status
	Limit   int    // max results (default 100)
}

// InteractionStore persists interaction records. Records are written once
// via CreateInteraction and must not change afterwards; corrections are new
// records.
type InteractionStore interface {
	CreateInteraction(ctx context.Context, rec *models.InteractionRecord) error
	GetInteraction(ctx context.Context, tenantID, id string) (*models.InteractionRecord, error)
	ListInteractions(ctx context.Context, tenantID string, filter InteractionFilter) ([]models.InteractionRecord, error)

	// ListExpiredInteractions returns up to limit records created before
	// cutoff, oldest first. Used by the retention janitor to archive
	// before purging.
	ListExpiredInteractions(ctx context.Context, cutoff time.Time, limit int) ([]models.InteractionRecord, error)
	DeleteInteractions(ctx context.Context, ids []string) (int, error)
}

// ── Rejection Store ─────────────────────────────────────────

// RejectionStore keeps the minimal log of refused admissions.
type RejectionStore interface {
	CreateRejection(ctx context.Context, entry *models.RejectionEntry) error
	ListRejections(ctx context.Context, tenantID string, limit int) ([]models.RejectionEntry, error)

	ListExpiredRejections(ctx context.Context, cutoff time.Time, limit int) ([]models.RejectionEntry, error)
	DeleteRejections(ctx context.Context, ids []string) (int, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
