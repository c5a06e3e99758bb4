// Package store — in-memory Store implementation.
// Used as a fallback when PostgreSQL is not available (local dev, tests).
// Supports file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentmart/agentmart/query-engine/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Tenants      map[string]*models.Tenant            `json:"tenants"`
	Agents       map[string]*models.AgentInstance     `json:"agents"`       // key: tenant:id
	Interactions map[string]*models.InteractionRecord `json:"interactions"` // key: id
	Rejections   []*models.RejectionEntry             `json:"rejections"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu           sync.RWMutex
	tenants      map[string]*models.Tenant
	agents       map[string]*models.AgentInstance     // key: tenant:id
	interactions map[string]*models.InteractionRecord // key: id
	rejections   []*models.RejectionEntry             // append-only log

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store.
// If AGENTMART_DATA_DIR is set, data is persisted to a JSON file in that
// directory. Otherwise persistence is disabled.
// Record expiry is handled externally by the retention janitor.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		tenants:      make(map[string]*models.Tenant),
		agents:       make(map[string]*models.AgentInstance),
		interactions: make(map[string]*models.InteractionRecord),
		rejections:   make([]*models.RejectionEntry, 0),
		saveCh:       make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
	}

	if dataDir := os.Getenv("AGENTMART_DATA_DIR"); dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().
		Str("snapshot", m.snapshotPath).
		Msg("Memory store configured")

	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Tenants:      m.tenants,
		Agents:       m.agents,
		Interactions: m.interactions,
		Rejections:   m.rejections,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Tenants != nil {
		m.tenants = snap.Tenants
	}
	if snap.Agents != nil {
		m.agents = snap.Agents
	}
	if snap.Interactions != nil {
		m.interactions = snap.Interactions
	}
	if snap.Rejections != nil {
		m.rejections = snap.Rejections
	}

	log.Info().
		Int("tenants", len(m.tenants)).
		Int("agents", len(m.agents)).
		Int("interactions", len(m.interactions)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		// Already closed
		return nil
	default:
		close(m.doneCh)
	}

	// Force a final snapshot write so no in-flight data is lost
	if m.snapshotPath != "" {
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

func key(parts ...string) string {
	k := ""
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// ── Tenant Store ────────────────────────────────────────────

func (m *MemoryStore) GetTenant(_ context.Context, id string) (*models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "tenant", Key: id}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) CreateTenant(_ context.Context, tenant *models.Tenant) error {
	m.mu.Lock()
	cp := *tenant
	m.tenants[tenant.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateTenantQuota(_ context.Context, tenant *models.Tenant) error {
	m.mu.Lock()
	if _, ok := m.tenants[tenant.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "tenant", Key: tenant.ID}
	}
	cp := *tenant
	cp.UpdatedAt = time.Now().UTC()
	m.tenants[tenant.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListTenants(_ context.Context) ([]models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		result = append(result, *t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ── Agent Store ─────────────────────────────────────────────

func (m *MemoryStore) ListAgents(_ context.Context, tenantID string) ([]models.AgentInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.AgentInstance
	for _, a := range m.agents {
		if a.TenantID == tenantID && a.Status != models.AgentDeleted {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) GetAgent(_ context.Context, tenantID, id string) (*models.AgentInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[key(tenantID, id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent instance", Key: id}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) CreateAgent(_ context.Context, agent *models.AgentInstance) error {
	m.mu.Lock()
	cp := *agent
	m.agents[key(agent.TenantID, agent.ID)] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateAgent(_ context.Context, agent *models.AgentInstance) error {
	m.mu.Lock()
	k := key(agent.TenantID, agent.ID)
	if _, ok := m.agents[k]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "agent instance", Key: agent.ID}
	}
	cp := *agent
	cp.UpdatedAt = time.Now().UTC()
	m.agents[k] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteAgent(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	k := key(tenantID, id)
	if _, ok := m.agents[k]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "agent instance", Key: id}
	}
	delete(m.agents, k)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Interaction Store ───────────────────────────────────────

func (m *MemoryStore) CreateInteraction(_ context.Context, rec *models.InteractionRecord) error {
	m.mu.Lock()
	cp := *rec
	m.interactions[rec.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetInteraction(_ context.Context, tenantID, id string) (*models.InteractionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.interactions[id]
	// Tenant mismatch reads as not-found so an ID leak across tenants
	// reveals nothing.
	if !ok || rec.TenantID != tenantID {
		return nil, &ErrNotFound{Entity: "interaction", Key: id}
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ListInteractions(_ context.Context, tenantID string, filter InteractionFilter) ([]models.InteractionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var result []models.InteractionRecord
	for _, rec := range m.interactions {
		if rec.TenantID != tenantID {
			continue
		}
		if filter.AgentID != "" && rec.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && string(rec.Status) != filter.Status {
			continue
		}
		result = append(result, *rec)
	}

	// Newest first by creation time — display ordering, not completion order.
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListExpiredInteractions(_ context.Context, cutoff time.Time, limit int) ([]models.InteractionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.InteractionRecord
	for _, rec := range m.interactions {
		if rec.CreatedAt.Before(cutoff) {
			result = append(result, *rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) DeleteInteractions(_ context.Context, ids []string) (int, error) {
	m.mu.Lock()
	var deleted int
	for _, id := range ids {
		if _, ok := m.interactions[id]; ok {
			delete(m.interactions, id)
			deleted++
		}
	}
	m.mu.Unlock()
	if deleted > 0 {
		m.requestSave()
	}
	return deleted, nil
}

// ── Rejection Store ─────────────────────────────────────────

func (m *MemoryStore) CreateRejection(_ context.Context, entry *models.RejectionEntry) error {
	m.mu.Lock()
	cp := *entry
	m.rejections = append(m.rejections, &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListRejections(_ context.Context, tenantID string, limit int) ([]models.RejectionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []models.RejectionEntry
	for i := len(m.rejections) - 1; i >= 0 && len(result) < limit; i-- {
		if m.rejections[i].TenantID == tenantID {
			result = append(result, *m.rejections[i])
		}
	}
	return result, nil
}

func (m *MemoryStore) ListExpiredRejections(_ context.Context, cutoff time.Time, limit int) ([]models.RejectionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// The log is append-only, so entries are already in creation order.
	var result []models.RejectionEntry
	for _, e := range m.rejections {
		if !e.CreatedAt.Before(cutoff) {
			break
		}
		result = append(result, *e)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) DeleteRejections(_ context.Context, ids []string) (int, error) {
	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}

	m.mu.Lock()
	kept := m.rejections[:0]
	for _, e := range m.rejections {
		if _, drop := idSet[e.ID]; !drop {
			kept = append(kept, e)
		}
	}
	deleted := len(m.rejections) - len(kept)
	m.rejections = kept
	m.mu.Unlock()

	if deleted > 0 {
		m.requestSave()
	}
	return deleted, nil
}
