package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentmart/agentmart/query-engine/pkg/contracts"
	"github.com/agentmart/agentmart/query-engine/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PgvectorStore implements VectorStoreDriver using PostgreSQL with the
// pgvector extension. Users must provide their own PostgreSQL instance with
// pgvector installed. Connection URL comes from AGENTMART_PGVECTOR_URL.
type PgvectorStore struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewPgvectorStore creates a pgvector-backed vector index.
// It creates the required table and index if they don't exist.
func NewPgvectorStore(ctx context.Context, connURL string, dimensions int) (*PgvectorStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}

	s := &PgvectorStore{pool: pool, dimensions: dimensions}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector migrate: %w", err)
	}

	log.Info().Int("dims", dimensions).Msg("pgvector store initialized")
	return s, nil
}

func (s *PgvectorStore) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS am_chunks (
			id         TEXT NOT NULL,
			tenant_id  TEXT NOT NULL,
			namespace  TEXT NOT NULL DEFAULT '',
			source     TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL DEFAULT '',
			vector     vector(%d) NOT NULL,
			seq        BIGSERIAL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, id)
		);

		CREATE INDEX IF NOT EXISTS idx_am_chunks_tenant ON am_chunks (tenant_id);
		CREATE INDEX IF NOT EXISTS idx_am_chunks_ns ON am_chunks (tenant_id, namespace);
	`, s.dimensions)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PgvectorStore) Kind() string { return "pgvector" }

func (s *PgvectorStore) Upsert(ctx context.Context, tenantID string, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	// Use a batch insert with ON CONFLICT
	var sb strings.Builder
	sb.WriteString(`INSERT INTO am_chunks (id, tenant_id, namespace, source, content, vector, created_at)
		VALUES `)

	args := make([]interface{}, 0, len(chunks)*7)
	for i, c := range chunks {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i*7 + 1
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d)", base, base+1, base+2, base+3, base+4, base+5, base+6))
		id := c.ID
		if id == "" {
			id = uuid.NewString()
		}
		now := c.CreatedAt
		if now.IsZero() {
			now = time.Now()
		}
		args = append(args, id, tenantID, c.Namespace, c.Source, c.Content, pgvectorArray(c.Vector), now)
	}

	sb.WriteString(` ON CONFLICT (tenant_id, id) DO UPDATE SET
		content = EXCLUDED.content,
		source = EXCLUDED.source,
		vector = EXCLUDED.vector,
		namespace = EXCLUDED.namespace`)

	_, err := s.pool.Exec(ctx, sb.String(), args...)
	return classifyPgErr("pgvector upsert", err)
}

func (s *PgvectorStore) Search(ctx context.Context, tenantID string, vector []float64, topK int, namespace string) ([]models.SearchResult, error) {
	// Tenant scoping lives in the WHERE clause — isolation at the query
	// boundary, not post-hoc filtering. Ties on distance break by seq.
	query := `SELECT id, tenant_id, namespace, source, content, seq, created_at,
		1 - (vector <=> $1) AS score
		FROM am_chunks
		WHERE tenant_id = $2`

	args := []interface{}{pgvectorArray(vector), tenantID}
	argIdx := 3

	if namespace != "" {
		query += fmt.Sprintf(" AND namespace = $%d", argIdx)
		args = append(args, namespace)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY vector <=> $1, seq LIMIT $%d", argIdx)
	args = append(args, topK)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPgErr("pgvector search", err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		var c models.Chunk
		var score float64
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Namespace, &c.Source, &c.Content, &c.Seq, &c.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		results = append(results, models.SearchResult{Chunk: c, Score: score})
	}
	return results, classifyPgErr("pgvector search", rows.Err())
}

func (s *PgvectorStore) Delete(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := "DELETE FROM am_chunks WHERE tenant_id = $1 AND id = ANY($2)"
	_, err := s.pool.Exec(ctx, query, tenantID, ids)
	return classifyPgErr("pgvector delete", err)
}

func (s *PgvectorStore) Count(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM am_chunks WHERE tenant_id = $1", tenantID).Scan(&count)
	return count, classifyPgErr("pgvector count", err)
}

func (s *PgvectorStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PgvectorStore) Close() {
	s.pool.Close()
}

// classifyPgErr wraps transient connectivity faults in ErrIndexUnavailable so
// the retrieval stage can retry them. Server-reported SQL errors pass through
// untouched unless they belong to the connection or shutdown classes.
func classifyPgErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if pgErrTransient(err) {
		return fmt.Errorf("%s: %w: %v", op, contracts.ErrIndexUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// pgErrTransient reports whether err is worth a retry: a network or pool
// fault, or one of the SQLSTATE classes that signal the server going away
// (08 connection exception, 57P shutdown, 53300 too many connections).
func pgErrTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") ||
			strings.HasPrefix(pgErr.Code, "57P") ||
			pgErr.Code == "53300"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// No SQLSTATE at all: the fault happened before the query reached the
	// server (dial failure, broken connection, closed pool).
	return true
}

// pgvectorArray converts a float64 slice to pgvector's text format: [1.0,2.0,3.0]
func pgvectorArray(v []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(fmt.Sprintf("%g", f))
	}
	sb.WriteByte(']')
	return sb.String()
}
