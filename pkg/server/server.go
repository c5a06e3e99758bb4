// Package server provides the public entry point for initializing the
// AgentMart query engine server.
//
// It lives in pkg/ (not internal/) so sibling services in the AgentMart
// platform can embed the engine and compose it with their own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/agentmart/agentmart/query-engine/internal/api"
	"github.com/agentmart/agentmart/query-engine/internal/api/handlers"
	"github.com/agentmart/agentmart/query-engine/internal/config"
	"github.com/agentmart/agentmart/query-engine/internal/embeddings"
	"github.com/agentmart/agentmart/query-engine/internal/feedback"
	"github.com/agentmart/agentmart/query-engine/internal/generation"
	"github.com/agentmart/agentmart/query-engine/internal/ingest"
	"github.com/agentmart/agentmart/query-engine/internal/notify"
	"github.com/agentmart/agentmart/query-engine/internal/pipeline"
	"github.com/agentmart/agentmart/query-engine/internal/quota"
	"github.com/agentmart/agentmart/query-engine/internal/recorder"
	"github.com/agentmart/agentmart/query-engine/internal/retention"
	"github.com/agentmart/agentmart/query-engine/internal/retrieval"
	"github.com/agentmart/agentmart/query-engine/internal/store"
	"github.com/agentmart/agentmart/query-engine/internal/telemetry"
	"github.com/agentmart/agentmart/query-engine/internal/vectorstore"
	"github.com/agentmart/agentmart/query-engine/pkg/contracts"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized query engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store, exposed for embedding callers.
	Store store.Store

	// VectorIndex is the active vector store driver.
	VectorIndex contracts.VectorStoreDriver

	// Ingestor indexes documents in process, charging upload bytes against
	// the tenant's quota. There is no upload HTTP endpoint; the document
	// service embeds the engine and calls this directly.
	Ingestor *ingest.Ingestor

	// Ledger is the quota ledger.
	Ledger *quota.Ledger

	// Adjuster owns the feedback journal; Close it on shutdown.
	Adjuster *feedback.Adjuster

	// Janitor owns record expiry; Stop it on shutdown.
	Janitor *retention.Janitor

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes all engine components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the engine with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	vectorDrivers, index, err := buildVectorIndex(ctx, cfg)
	if err != nil {
		return nil, err
	}

	embeddingDrivers, embedder, err := buildEmbedder(cfg)
	if err != nil {
		return nil, err
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}

	journal, err := feedback.OpenJournal(filepath.Join(cfg.Database.DataDir, "feedback"))
	if err != nil {
		return nil, err
	}
	adjuster, err := feedback.NewAdjuster(journal, feedback.Config{
		HalfLife: cfg.Feedback.HalfLife,
		PoolSize: cfg.Feedback.PoolSize,
	})
	if err != nil {
		journal.Close()
		return nil, err
	}

	ledger := quota.NewLedgerWithShards(dataStore, cfg.Quota.Shards)
	notifier := notify.NewService(cfg.Notify.WebhookURL, cfg.Notify.Secret)
	ingestor := ingest.New(embedder, index, ledger, ingest.DefaultSplitterConfig())

	retrievalStage := retrieval.NewStage(embedder, index, adjuster, retrieval.Config{
		Timeout:      cfg.Pipeline.RetrievalTimeout,
		MaxRetries:   uint64(cfg.Pipeline.RetrievalRetries),
		RetryBackoff: retrieval.DefaultConfig().RetryBackoff,
	})
	generationStage := generation.NewStage(provider, generation.Config{
		AttemptTimeout:  cfg.Pipeline.GenerationTimeout,
		ThrottleRetries: uint64(cfg.Pipeline.ThrottleRetries),
		Backoff:         cfg.Pipeline.GenerationBackoff,
		Jitter:          cfg.Pipeline.GenerationJitter,
		BackoffCap:      generation.DefaultConfig().BackoffCap,
	})
	rec := recorder.New(dataStore)

	orch := pipeline.New(ledger, dataStore, retrievalStage, generationStage, rec, pipeline.Config{
		Timeout:                  cfg.Pipeline.Timeout,
		ChargeOnRecordingFailure: cfg.Pipeline.ChargeOnRecordingFailure,
		Notifier:                 notifier,
	})

	archiveDir := cfg.Retention.ArchiveDir
	if archiveDir == "" {
		archiveDir = filepath.Join(cfg.Database.DataDir, "archive")
	}
	archiver := retention.NewLocalFileArchiver(archiveDir, cfg.Retention.Compress)
	retention.RegisterDriver(archiver)
	janitor := retention.New(dataStore, archiver, retention.Config{
		Interval:       cfg.Retention.Interval,
		InteractionTTL: cfg.Database.InteractionTTL,
		RejectionTTL:   cfg.Retention.RejectionTTL,
		BatchSize:      cfg.Retention.BatchSize,
	})
	janitor.Start()

	h := handlers.New(dataStore, ledger, orch, rec, adjuster, notifier, vectorDrivers, embeddingDrivers)
	router := api.NewRouter(cfg, h)

	log.Info().
		Str("store", cfg.Database.Driver).
		Str("vector", index.Kind()).
		Str("embedder", embedder.Kind()).
		Str("provider", provider.Kind()).
		Msg("Query engine initialized")

	return &Server{
		Handler:      router,
		Store:        dataStore,
		VectorIndex:  index,
		Ingestor:     ingestor,
		Ledger:       ledger,
		Adjuster:     adjuster,
		Janitor:      janitor,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Database.URL)
	case "", "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Database.Driver)
	}
}

// buildVectorIndex registers every constructible vector driver and selects
// the configured one from the registry. The registry also feeds the health
// fan-out on /health.
func buildVectorIndex(ctx context.Context, cfg *config.Config) (*vectorstore.Registry, contracts.VectorStoreDriver, error) {
	reg := vectorstore.NewRegistry()
	reg.Register("embedded", vectorstore.NewEmbeddedStore(vectorstore.WithMaxChunks(cfg.Vector.MaxChunks)))

	if cfg.Vector.Driver == "pgvector" {
		url := cfg.Vector.PgvectorURL
		if url == "" {
			url = cfg.Database.URL
		}
		pg, err := vectorstore.NewPgvectorStore(ctx, url, cfg.Vector.Dimensions)
		if err != nil {
			return nil, nil, err
		}
		reg.Register("pgvector", pg)
	}

	name := cfg.Vector.Driver
	if name == "" {
		name = "embedded"
	}
	driver, err := reg.Get(name)
	if err != nil {
		return nil, nil, fmt.Errorf("unknown vector driver: %s", name)
	}
	return reg, driver, nil
}

// buildEmbedder mirrors buildVectorIndex for embedding drivers. Remote
// drivers register only when their endpoint or credentials are configured.
func buildEmbedder(cfg *config.Config) (*embeddings.Registry, contracts.EmbeddingDriver, error) {
	reg := embeddings.NewRegistry()
	reg.Register("local", embeddings.NewLocalDriver(cfg.Vector.Dimensions))

	if cfg.Embedding.OpenAIKey != "" {
		reg.Register("openai", embeddings.NewOpenAIDriver(cfg.Embedding.OpenAIKey, cfg.Embedding.Model))
	}
	if cfg.Embedding.Driver == "ollama" {
		reg.Register("ollama", embeddings.NewOllamaDriver(cfg.Embedding.OllamaEndpoint, cfg.Embedding.Model))
	}

	name := cfg.Embedding.Driver
	if name == "" {
		name = "local"
	}
	driver, err := reg.Get(name)
	if err != nil {
		if name == "openai" && cfg.Embedding.OpenAIKey == "" {
			return nil, nil, fmt.Errorf("openai embedding driver requires OPENAI_API_KEY")
		}
		return nil, nil, fmt.Errorf("unknown embedding driver: %s", name)
	}
	return reg, driver, nil
}

func buildProvider(cfg *config.Config) (contracts.GenerationProvider, error) {
	switch cfg.Provider.Kind {
	case "", "openai":
		if cfg.Provider.OpenAIKey == "" {
			return nil, fmt.Errorf("openai provider requires OPENAI_API_KEY")
		}
		return generation.NewOpenAIProvider(cfg.Provider.OpenAIKey, cfg.Provider.OpenAIEndpoint), nil
	case "ollama":
		return generation.NewOllamaProvider(cfg.Provider.OllamaEndpoint), nil
	default:
		return nil, fmt.Errorf("unknown generation provider: %s", cfg.Provider.Kind)
	}
}
