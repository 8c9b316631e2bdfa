// Package app assembles the decision pipeline from configuration. The API,
// the worker and the CLI build the same graph through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/drfirst/go-priorauth/internal/config"
	"github.com/drfirst/go-priorauth/internal/coverage"
	"github.com/drfirst/go-priorauth/internal/domain/authorization"
	"github.com/drfirst/go-priorauth/internal/eligibility"
	redisstore "github.com/drfirst/go-priorauth/internal/infrastructure/redis"
	"github.com/drfirst/go-priorauth/internal/infrastructure/postgres"
	"github.com/drfirst/go-priorauth/internal/llm"
	"github.com/drfirst/go-priorauth/internal/narrative"
	"github.com/drfirst/go-priorauth/internal/observability/metrics"
	"github.com/drfirst/go-priorauth/internal/observability/tracing"
	"github.com/drfirst/go-priorauth/internal/patient"
	"github.com/drfirst/go-priorauth/internal/pipeline"
	"github.com/drfirst/go-priorauth/internal/policy"
	"github.com/drfirst/go-priorauth/internal/vocabulary"
	"github.com/drfirst/go-priorauth/pkg/circuitbreaker"
	"github.com/drfirst/go-priorauth/pkg/idempotency"
	"github.com/drfirst/go-priorauth/pkg/workerpool"
)

// Version is reported by health checks and trace resources.
const Version = "1.0.0"

// RecordStore is where decision records are saved and read back.
type RecordStore interface {
	pipeline.AuditSink
	Load(ctx context.Context, workflowID string) (*authorization.DecisionRecord, error)
	GetAuditTrail(ctx context.Context, workflowID string) ([]*authorization.AuditEntry, error)
	ListByOutcome(ctx context.Context, outcome authorization.State, limit int) ([]string, error)
}

// App holds the assembled pipeline and the connections it owns.
type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	DB          *pgxpool.Pool
	Redis       *redis.Client
	Breakers    *circuitbreaker.Manager
	LLM         *llm.Client
	Index       *policy.Index
	Records     RecordStore
	Inbox       *idempotency.Inbox
	Coordinator *pipeline.Coordinator
	Service     *pipeline.Service
}

// NewLogger builds a production zap logger at level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// Options select optional parts of the graph.
type Options struct {
	// Metrics is registered by the caller; nil disables pipeline metrics.
	Metrics *metrics.Metrics
	// SkipIndexing leaves an in-memory policy index empty.
	SkipIndexing bool
}

// Build connects to the configured stores and wires the pipeline. The caller
// must Start the service and Close the app.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: opts.Metrics}

	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.wire(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	cfg := a.Config
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		a.DB = pool
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("database ping: %w", err)
		}
		dims := 0
		if cfg.Policy.Backend == "pgvector" {
			dims = cfg.LLM.EmbeddingDims
		}
		if err := postgres.EnsureSchema(ctx, pool, dims); err != nil {
			return err
		}
		a.Logger.Info("connected to database")
	}

	if cfg.Redis.Addr != "" {
		client, err := redisstore.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		a.Redis = client
		a.Logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
	}
	return nil
}

func (a *App) wire(ctx context.Context, opts Options) error {
	cfg := a.Config
	logger := a.Logger

	vocab := vocabulary.Default()
	if cfg.ReferenceData.VocabularyPath != "" {
		v, err := vocabulary.Load(cfg.ReferenceData.VocabularyPath)
		if err != nil {
			return err
		}
		vocab = v
	}

	a.Breakers = circuitbreaker.NewManager(logger.Named("circuitbreaker"))
	a.LLM = llm.NewClient(llm.Config{
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
	}, a.Breakers, logger.Named("llm")).
		WithBreakerStateHook(func(name string, _, to circuitbreaker.State) {
			a.Metrics.SetCircuitState(name, string(to))
		})

	formulary, err := a.formulary()
	if err != nil {
		return err
	}
	patients, err := a.patients()
	if err != nil {
		return err
	}
	if err := a.buildIndex(ctx, opts.SkipIndexing); err != nil {
		return err
	}

	if a.DB != nil {
		a.Records = authorization.NewRepository(a.DB, authorization.DefaultRepositoryConfig(), logger.Named("audit"))
		a.Inbox = idempotency.NewInbox(a.DB, idempotency.DefaultInboxConfig(), logger.Named("inbox"))
		a.Inbox.StartCleanup()
	} else {
		a.Records = authorization.NewMemoryRepository()
	}

	reasonerCfg := eligibility.DefaultConfig()
	reasonerCfg.Model = cfg.LLM.ReasoningModel
	reasonerCfg.Temperature = cfg.LLM.Temperature
	reasonerCfg.MaxTokens = cfg.LLM.MaxTokens
	reasonerCfg.MaxContextChars = cfg.Pipeline.MaxContextChars

	genCfg := narrative.DefaultGeneratorConfig()
	genCfg.Model = cfg.LLM.GenerationModel

	valCfg := narrative.DefaultValidatorConfig()
	valCfg.QualityThreshold = cfg.Pipeline.QualityThreshold
	valCfg.LabTolerance = cfg.Pipeline.LabTolerance

	coord, err := pipeline.NewCoordinator(pipeline.Dependencies{
		Patients:    patients,
		Coverage:    coverage.NewResolver(formulary, logger.Named("coverage")),
		Policies:    a.Index,
		Eligibility: eligibility.NewReasoner(a.LLM, vocab, reasonerCfg, logger.Named("eligibility")),
		Writer:      narrative.NewGenerator(a.LLM, genCfg, logger.Named("narrative")),
		Checker:     narrative.NewValidator(vocab, valCfg),
		Audit:       a.Records,
		Metrics:     a.Metrics,
	}, pipeline.ConfigFrom(cfg), logger.Named("pipeline"))
	if err != nil {
		return err
	}
	a.Coordinator = coord

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.Concurrency.Workers
	poolCfg.QueueSize = cfg.Concurrency.QueueSize

	var dedup pipeline.Deduplicator
	if a.Inbox != nil {
		dedup = a.Inbox
	}
	svc, err := pipeline.NewService(coord, poolCfg, dedup, logger.Named("service"))
	if err != nil {
		return err
	}
	a.Service = svc
	return nil
}

func (a *App) formulary() (coverage.ReferenceData, error) {
	rd := a.Config.ReferenceData
	if rd.FormularySource == "postgres" {
		return coverage.NewPostgresStore(a.DB), nil
	}
	t, err := coverage.LoadTable(rd.FormularyPath)
	if err != nil {
		return nil, fmt.Errorf("load formulary: %w", err)
	}
	a.Logger.Info("formulary loaded", zap.String("path", rd.FormularyPath), zap.Int("rules", len(t.All())))
	return t, nil
}

// patients reads a directory of FHIR bundles or a single YAML/JSON file.
func (a *App) patients() (pipeline.PatientSource, error) {
	path := a.Config.ReferenceData.PatientsPath
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("patients: %w", err)
	}
	if info.IsDir() {
		return patient.NewBundleDirectory(path), nil
	}
	store, err := patient.LoadFile(path)
	if err != nil {
		return nil, err
	}
	a.Logger.Info("patients loaded", zap.String("path", path), zap.Int("count", len(store.IDs())))
	return store, nil
}

// Embedder returns the LLM embedder, behind the Redis cache when one is configured.
func (a *App) Embedder() policy.Embedder {
	if a.Redis == nil {
		return a.LLM
	}
	return redisstore.NewEmbeddingCache(a.LLM, a.Redis, a.Config.LLM.EmbeddingModel,
		a.Config.Policy.CacheTTL, a.Metrics, a.Logger.Named("embedding-cache"))
}

func (a *App) buildIndex(ctx context.Context, skip bool) error {
	cfg := a.Config
	idxCfg := policy.DefaultConfig()
	idxCfg.MinSimilarity = cfg.Pipeline.MinSimilarity
	idxCfg.Chunker = policy.Chunker{Size: cfg.Policy.ChunkSize, Overlap: cfg.Policy.ChunkOverlap}

	var store policy.Store
	if cfg.Policy.Backend == "pgvector" {
		store = policy.NewPgvectorStore(a.DB)
	} else {
		store = policy.NewMemoryStore()
	}
	a.Index = policy.NewIndex(store, a.Embedder(), idxCfg, a.Logger.Named("policy"))

	if cfg.Policy.Backend == "pgvector" || skip {
		return nil
	}
	n, err := IndexDirectory(ctx, a.Index, cfg.ReferenceData.PolicyDir)
	if err != nil {
		return err
	}
	a.Logger.Info("policy index built", zap.String("dir", cfg.ReferenceData.PolicyDir), zap.Int("chunks", n))
	return nil
}

// IndexDirectory adds every policy document in dir and returns the chunk count.
func IndexDirectory(ctx context.Context, idx *policy.Index, dir string) (int, error) {
	docs, err := policy.LoadDirectory(dir)
	if err != nil {
		return 0, fmt.Errorf("load policies: %w", err)
	}
	total := 0
	for _, doc := range docs {
		n, err := idx.AddDocument(ctx, doc)
		if err != nil {
			return total, fmt.Errorf("index %s: %w", doc.ID, err)
		}
		total += n
	}
	return total, nil
}

// Close stops the service and releases connections.
func (a *App) Close() {
	var errs []error
	if a.Service != nil {
		errs = append(errs, a.Service.Stop())
	}
	if a.Inbox != nil {
		a.Inbox.Stop()
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if err := errors.Join(errs...); err != nil {
		a.Logger.Warn("shutdown", zap.Error(err))
	}
}

// InitTracing installs the tracer provider for component.
func InitTracing(ctx context.Context, cfg *config.Config, component string) (*tracing.Provider, error) {
	return tracing.Init(ctx, tracing.Config{
		ServiceName:    cfg.Service.Name + "-" + component,
		ServiceVersion: Version,
		Environment:    cfg.Service.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	})
}
