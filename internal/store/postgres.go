// Package store — PostgreSQL Store implementation backed by pgxpool.
// Connection URL comes from AGENTMART_DATABASE_URL / config.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentmart/agentmart/query-engine/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and runs the embedded migration.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS am_tenants (
			id                 TEXT PRIMARY KEY,
			org_name           TEXT NOT NULL DEFAULT '',
			plan               TEXT NOT NULL DEFAULT 'trial',
			status             TEXT NOT NULL DEFAULT 'active',
			queries_used       BIGINT NOT NULL DEFAULT 0,
			queries_limit      BIGINT NOT NULL DEFAULT 0,
			upload_bytes_used  BIGINT NOT NULL DEFAULT 0,
			upload_bytes_limit BIGINT NOT NULL DEFAULT 0,
			tokens_used        BIGINT NOT NULL DEFAULT 0,
			period_start       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			period_end         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS am_agent_instances (
			id            TEXT NOT NULL,
			tenant_id     TEXT NOT NULL,
			name          TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL DEFAULT 'provisioning',
			model         TEXT NOT NULL DEFAULT '',
			temperature   DOUBLE PRECISION NOT NULL DEFAULT 0.7,
			system_prompt TEXT NOT NULL DEFAULT '',
			top_k         INT NOT NULL DEFAULT 5,
			doc_scope     TEXT NOT NULL DEFAULT '',
			max_queries   BIGINT NOT NULL DEFAULT 0,
			queries_count BIGINT NOT NULL DEFAULT 0,
			tokens_used   BIGINT NOT NULL DEFAULT 0,
			last_used     TIMESTAMPTZ,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, id)
		);

		CREATE TABLE IF NOT EXISTS am_interactions (
			id            TEXT PRIMARY KEY,
			tenant_id     TEXT NOT NULL,
			user_id       TEXT NOT NULL DEFAULT '',
			agent_id      TEXT NOT NULL DEFAULT '',
			prompt        TEXT NOT NULL DEFAULT '',
			response      TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL DEFAULT 'pending',
			model         TEXT NOT NULL DEFAULT '',
			usage         JSONB NOT NULL DEFAULT '{}',
			top_k         INT NOT NULL DEFAULT 0,
			chunks_used   JSONB NOT NULL DEFAULT '[]',
			retrieval_ms  BIGINT NOT NULL DEFAULT 0,
			generation_ms BIGINT NOT NULL DEFAULT 0,
			total_ms      BIGINT NOT NULL DEFAULT 0,
			correction_of TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finalized_at  TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_am_interactions_tenant
			ON am_interactions (tenant_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS am_rejections (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL,
			agent_id   TEXT NOT NULL DEFAULT '',
			reason     TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_am_rejections_tenant
			ON am_rejections (tenant_id, created_at DESC);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Tenant Store ────────────────────────────────────────────

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, org_name, plan, status, queries_used, queries_limit,
		       upload_bytes_used, upload_bytes_limit, tokens_used,
		       period_start, period_end, created_at, updated_at
		FROM am_tenants WHERE id = $1`, id)

	var t models.Tenant
	err := row.Scan(&t.ID, &t.OrgName, &t.Plan, &t.Status, &t.QueriesUsed,
		&t.QueriesLimit, &t.UploadBytesUsed, &t.UploadBytesLimit, &t.TokensUsed,
		&t.PeriodStart, &t.PeriodEnd, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "tenant", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) CreateTenant(ctx context.Context, t *models.Tenant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO am_tenants (id, org_name, plan, status, queries_used,
			queries_limit, upload_bytes_used, upload_bytes_limit, tokens_used,
			period_start, period_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.OrgName, t.Plan, t.Status, t.QueriesUsed, t.QueriesLimit,
		t.UploadBytesUsed, t.UploadBytesLimit, t.TokensUsed,
		t.PeriodStart, t.PeriodEnd, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateTenantQuota(ctx context.Context, t *models.Tenant) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE am_tenants SET plan = $2, status = $3, queries_used = $4,
			queries_limit = $5, upload_bytes_used = $6, upload_bytes_limit = $7,
			tokens_used = $8, period_start = $9, period_end = $10,
			updated_at = NOW()
		WHERE id = $1`,
		t.ID, t.Plan, t.Status, t.QueriesUsed, t.QueriesLimit,
		t.UploadBytesUsed, t.UploadBytesLimit, t.TokensUsed,
		t.PeriodStart, t.PeriodEnd)
	if err != nil {
		return fmt.Errorf("update tenant quota: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "tenant", Key: t.ID}
	}
	return nil
}

func (s *PostgresStore) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, org_name, plan, status, queries_used, queries_limit,
		       upload_bytes_used, upload_bytes_limit, tokens_used,
		       period_start, period_end, created_at, updated_at
		FROM am_tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var result []models.Tenant
	for rows.Next() {
		var t models.Tenant
		if err := rows.Scan(&t.ID, &t.OrgName, &t.Plan, &t.Status, &t.QueriesUsed,
			&t.QueriesLimit, &t.UploadBytesUsed, &t.UploadBytesLimit, &t.TokensUsed,
			&t.PeriodStart, &t.PeriodEnd, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// ── Agent Store ─────────────────────────────────────────────

const agentColumns = `id, tenant_id, name, status, model, temperature,
	system_prompt, top_k, doc_scope, max_queries, queries_count, tokens_used,
	last_used, created_at, updated_at`

func scanAgent(row pgx.Row) (*models.AgentInstance, error) {
	var a models.AgentInstance
	err := row.Scan(&a.ID, &a.TenantID, &a.Name, &a.Status, &a.Model,
		&a.Temperature, &a.SystemPrompt, &a.TopK, &a.DocScope, &a.MaxQueries,
		&a.QueriesCount, &a.TokensUsed, &a.LastUsed, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context, tenantID string) ([]models.AgentInstance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+agentColumns+` FROM am_agent_instances
		WHERE tenant_id = $1 AND status != 'deleted'
		ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var result []models.AgentInstance
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetAgent(ctx context.Context, tenantID, id string) (*models.AgentInstance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+agentColumns+` FROM am_agent_instances
		WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	a, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent instance", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, a *models.AgentInstance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO am_agent_instances (id, tenant_id, name, status, model,
			temperature, system_prompt, top_k, doc_scope, max_queries,
			queries_count, tokens_used, last_used, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		a.ID, a.TenantID, a.Name, a.Status, a.Model, a.Temperature,
		a.SystemPrompt, a.TopK, a.DocScope, a.MaxQueries, a.QueriesCount,
		a.TokensUsed, a.LastUsed, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, a *models.AgentInstance) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE am_agent_instances SET name = $3, status = $4, model = $5,
			temperature = $6, system_prompt = $7, top_k = $8, doc_scope = $9,
			max_queries = $10, queries_count = $11, tokens_used = $12,
			last_used = $13, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2`,
		a.TenantID, a.ID, a.Name, a.Status, a.Model, a.Temperature,
		a.SystemPrompt, a.TopK, a.DocScope, a.MaxQueries, a.QueriesCount,
		a.TokensUsed, a.LastUsed)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "agent instance", Key: a.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, tenantID, id string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM am_agent_instances WHERE tenant_id = $1 AND id = $2`,
		tenantID, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "agent instance", Key: id}
	}
	return nil
}

// ── Interaction Store ───────────────────────────────────────

func (s *PostgresStore) CreateInteraction(ctx context.Context, rec *models.InteractionRecord) error {
	usage, err := json.Marshal(rec.Usage)
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	chunks, err := json.Marshal(rec.ChunksUsed)
	if err != nil {
		return fmt.Errorf("marshal chunks: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO am_interactions (id, tenant_id, user_id, agent_id, prompt,
			response, error_message, status, model, usage, top_k, chunks_used,
			retrieval_ms, generation_ms, total_ms, correction_of, created_at,
			finalized_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18)`,
		rec.ID, rec.TenantID, rec.UserID, rec.AgentID, rec.Prompt,
		rec.Response, rec.ErrorMessage, rec.Status, rec.Model, usage,
		rec.TopK, chunks, rec.RetrievalMs, rec.GenerationMs, rec.TotalMs,
		rec.CorrectionOf, rec.CreatedAt, rec.FinalizedAt)
	if err != nil {
		return fmt.Errorf("create interaction: %w", err)
	}
	return nil
}

const interactionColumns = `id, tenant_id, user_id, agent_id, prompt,
	response, error_message, status, model, usage, top_k, chunks_used,
	retrieval_ms, generation_ms, total_ms, correction_of, created_at,
	finalized_at`

func scanInteraction(row pgx.Row) (*models.InteractionRecord, error) {
	var rec models.InteractionRecord
	var usage, chunks []byte
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.UserID, &rec.AgentID,
		&rec.Prompt, &rec.Response, &rec.ErrorMessage, &rec.Status, &rec.Model,
		&usage, &rec.TopK, &chunks, &rec.RetrievalMs, &rec.GenerationMs,
		&rec.TotalMs, &rec.CorrectionOf, &rec.CreatedAt, &rec.FinalizedAt)
	if err != nil {
		return nil, err
	}
	if len(usage) > 0 {
		if err := json.Unmarshal(usage, &rec.Usage); err != nil {
			return nil, fmt.Errorf("unmarshal usage: %w", err)
		}
	}
	if len(chunks) > 0 {
		if err := json.Unmarshal(chunks, &rec.ChunksUsed); err != nil {
			return nil, fmt.Errorf("unmarshal chunks: %w", err)
		}
	}
	return &rec, nil
}

func (s *PostgresStore) GetInteraction(ctx context.Context, tenantID, id string) (*models.InteractionRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+interactionColumns+` FROM am_interactions
		WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	rec, err := scanInteraction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "interaction", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get interaction: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListInteractions(ctx context.Context, tenantID string, filter InteractionFilter) ([]models.InteractionRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + interactionColumns + ` FROM am_interactions WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	argIdx := 2

	if filter.AgentID != "" {
		query += fmt.Sprintf(" AND agent_id = $%d", argIdx)
		args = append(args, filter.AgentID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer rows.Close()

	var result []models.InteractionRecord
	for rows.Next() {
		rec, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		result = append(result, *rec)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListExpiredInteractions(ctx context.Context, cutoff time.Time, limit int) ([]models.InteractionRecord, error) {
	if limit <= 0 {
		limit = 5000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+interactionColumns+` FROM am_interactions
		WHERE created_at < $1
		ORDER BY created_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired interactions: %w", err)
	}
	defer rows.Close()

	var result []models.InteractionRecord
	for rows.Next() {
		rec, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		result = append(result, *rec)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DeleteInteractions(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM am_interactions WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete interactions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ── Rejection Store ─────────────────────────────────────────

func (s *PostgresStore) CreateRejection(ctx context.Context, entry *models.RejectionEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO am_rejections (id, tenant_id, agent_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.TenantID, entry.AgentID, entry.Reason, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("create rejection: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRejections(ctx context.Context, tenantID string, limit int) ([]models.RejectionEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, agent_id, reason, created_at
		FROM am_rejections WHERE tenant_id = $1
		ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list rejections: %w", err)
	}
	defer rows.Close()

	var result []models.RejectionEntry
	for rows.Next() {
		var e models.RejectionEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.AgentID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rejection: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListExpiredRejections(ctx context.Context, cutoff time.Time, limit int) ([]models.RejectionEntry, error) {
	if limit <= 0 {
		limit = 5000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, agent_id, reason, created_at
		FROM am_rejections WHERE created_at < $1
		ORDER BY created_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired rejections: %w", err)
	}
	defer rows.Close()

	var result []models.RejectionEntry
	for rows.Next() {
		var e models.RejectionEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.AgentID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rejection: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DeleteRejections(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM am_rejections WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete rejections: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
