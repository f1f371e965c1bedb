// Package app builds the long-lived services shared by the ada binaries from
// configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"

	"github.com/adaql/ada/internal/api"
	"github.com/adaql/ada/internal/cache"
	"github.com/adaql/ada/internal/config"
	"github.com/adaql/ada/internal/graph"
	"github.com/adaql/ada/internal/llm"
	"github.com/adaql/ada/internal/metadata"
	metapostgres "github.com/adaql/ada/internal/metadata/postgres"
	"github.com/adaql/ada/internal/observability"
	"github.com/adaql/ada/internal/pipeline"
	"github.com/adaql/ada/internal/pipeline/chat"
	"github.com/adaql/ada/internal/pipeline/recommend"
	"github.com/adaql/ada/internal/pipeline/text2sql"
	"github.com/adaql/ada/internal/prompts"
	s3store "github.com/adaql/ada/internal/storage/s3"
	"github.com/adaql/ada/internal/tasks"
	"github.com/adaql/ada/internal/tenant"
	"github.com/adaql/ada/internal/vectorstore"
	"github.com/adaql/ada/internal/warehouse"
)

// VectorIndex is what the pipelines and the seed tool need from the sample
// store.
type VectorIndex interface {
	vectorstore.Searcher
	vectorstore.Scroller
	vectorstore.SeedTarget
	Ready(ctx context.Context) error
}

type Services struct {
	Config     config.Config
	Logger     *slog.Logger
	Tenants    *tenant.Registry
	Prompts    *prompts.Library
	Cache      cache.Store
	Brokers    map[string]cache.Store
	Dispatcher *tasks.Dispatcher
	Metadata   metadata.Repository
	Vectors    VectorIndex
	LLM        llm.Completer

	closers []func() error
}

// Open connects every shared dependency. On error the ones already opened
// are closed again.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (s *Services, err error) {
	s = &Services{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if s.Tenants, err = loadTenants(cfg.Tenants); err != nil {
		return nil, err
	}
	if s.Prompts, err = loadPrompts(ctx, cfg); err != nil {
		return nil, err
	}
	if err = s.openCache(); err != nil {
		return nil, err
	}
	if err = s.openMetadata(ctx); err != nil {
		return nil, err
	}
	if err = s.openVectors(); err != nil {
		return nil, err
	}
	gateway, err := llm.NewGateway(llm.Config{
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		ChatModel:      cfg.LLM.ChatModel,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Temperature:    cfg.LLM.Temperature,
		Timeout:        cfg.LLM.Timeout,
		MaxAttempts:    cfg.LLM.MaxAttempts,
		BaseBackoff:    cfg.LLM.BaseBackoff,
		MaxBackoff:     cfg.LLM.MaxBackoff,
		CostTagHeader:  cfg.LLM.CostTagHeader,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize llm gateway: %w", err)
	}
	s.LLM = gateway
	logger.Info("services ready",
		slog.Int("tenants", len(s.Tenants.IDs())),
		slog.Any("prompt_packs", s.Prompts.PackNames()),
		slog.String("cache_backend", cfg.Cache.Backend),
	)
	return s, nil
}

func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

func loadTenants(cfg config.TenantsConfig) (*tenant.Registry, error) {
	var (
		registry *tenant.Registry
		err      error
	)
	if cfg.File != "" {
		registry, err = tenant.LoadFile(cfg.File)
	} else {
		registry, err = tenant.LoadEnv(os.LookupEnv, cfg.IDs)
	}
	if err != nil {
		return nil, fmt.Errorf("load tenants: %w", err)
	}
	return registry, nil
}

func loadPrompts(ctx context.Context, cfg config.Config) (*prompts.Library, error) {
	var src prompts.Source
	switch cfg.Prompts.Source {
	case "dir":
		src = prompts.DirSource(cfg.Prompts.Path)
	case "objectstore":
		store, err := s3store.New(ctx, s3store.Config{
			Endpoint:        cfg.ObjectStore.Endpoint,
			Region:          cfg.ObjectStore.Region,
			Bucket:          cfg.ObjectStore.Bucket,
			AccessKeyID:     cfg.ObjectStore.AccessKeyID,
			SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
			UseSSL:          cfg.ObjectStore.UseSSL,
			Prefix:          cfg.ObjectStore.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("open prompt bucket: %w", err)
		}
		src = prompts.ObjectSource(store, cfg.Prompts.Path)
	default:
		src = prompts.EmbeddedSource()
	}
	lib, err := prompts.Load(ctx, src, cfg.Prompts.Packs...)
	if err != nil {
		return nil, fmt.Errorf("load prompt packs: %w", err)
	}
	return lib, nil
}

// openCache builds the response cache and one broker store per configured
// broker database. The memory backend shares a single store.
func (s *Services) openCache() error {
	cfg := s.Config.Cache
	s.Brokers = make(map[string]cache.Store)
	dbs := cfg.BrokerDBs
	if len(dbs) == 0 {
		dbs = []int{cfg.DB}
	}

	switch cfg.Backend {
	case "memory":
		store, err := cache.NewMemoryStore(cfg.MemoryLimit)
		if err != nil {
			return fmt.Errorf("initialize memory cache: %w", err)
		}
		s.closers = append(s.closers, store.Close)
		s.Cache = cache.Namespace(store, cfg.CachePrefix)
		s.Brokers[brokerLabel(dbs[0])] = cache.Namespace(store, cfg.BrokerPrefix)
	default:
		store := cache.NewRedisStore(cache.RedisConfig{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB, OpTimeout: cfg.OpTimeout})
		s.closers = append(s.closers, store.Close)
		s.Cache = cache.Namespace(store, cfg.CachePrefix)
		for _, db := range dbs {
			broker := store
			if db != cfg.DB {
				broker = cache.NewRedisStore(cache.RedisConfig{Addr: cfg.Addr, Password: cfg.Password, DB: db, OpTimeout: cfg.OpTimeout})
				s.closers = append(s.closers, broker.Close)
			}
			s.Brokers[brokerLabel(db)] = cache.Namespace(broker, cfg.BrokerPrefix)
		}
	}
	s.Dispatcher = tasks.NewDispatcher(s.Brokers[brokerLabel(dbs[0])], s.Config.Worker.ResultTTL)
	return nil
}

func brokerLabel(db int) string {
	return "db" + strconv.Itoa(db)
}

func (s *Services) openMetadata(ctx context.Context) error {
	if s.Config.Profile == config.ProfileTest {
		s.Logger.Warn("using in-memory metadata store")
		s.Metadata = metadata.NewMemoryStore()
		return nil
	}
	db, err := metapostgres.Open(ctx, s.Config.Metadata)
	if err != nil {
		return fmt.Errorf("open metadata db: %w", err)
	}
	s.closers = append(s.closers, db.Close)
	s.Metadata = metapostgres.NewRepository(db)
	return nil
}

func (s *Services) openVectors() error {
	cfg := s.Config.VectorStore
	if s.Config.Profile == config.ProfileTest {
		s.Logger.Warn("using in-memory vector store")
		s.Vectors = vectorstore.NewMemory(cfg.Dimension)
		return nil
	}
	w, err := vectorstore.NewWeaviate(vectorstore.WeaviateConfig{
		Host:      cfg.Host,
		Scheme:    cfg.Scheme,
		APIKey:    cfg.APIKey,
		Dimension: cfg.Dimension,
		Timeout:   cfg.Timeout,
	})
	if err != nil {
		return fmt.Errorf("initialize vector store: %w", err)
	}
	s.Vectors = w
	return nil
}

// SeedSamples embeds samples with the configured embedding model and writes
// them to the sample collection.
func (s *Services) SeedSamples(ctx context.Context, samples []vectorstore.Sample) (int, error) {
	for _, sample := range samples {
		if _, err := s.Tenants.Resolve(ctx, sample.TenantID); err != nil {
			return 0, err
		}
	}
	embed := func(ctx context.Context, tenantID, text string) ([]float32, error) {
		return s.LLM.Embed(ctx, llm.EmbedCall{UseCase: llm.UseCaseEmbed, TenantID: tenantID, Input: text})
	}
	return vectorstore.Seed(ctx, s.Vectors, embed, s.Config.VectorStore.Collection, samples)
}

// OpenWarehouse builds the warehouse driver. Only workers execute SQL.
func (s *Services) OpenWarehouse() (*warehouse.Driver, error) {
	cfg := s.Config.Warehouse
	dialect, err := warehouse.NewDialect(cfg.Dialect, cfg.DuckDBPath)
	if err != nil {
		return nil, err
	}
	var rules warehouse.Rules
	if cfg.RulesFile != "" {
		if rules, err = warehouse.LoadRules(cfg.RulesFile); err != nil {
			return nil, fmt.Errorf("load warehouse rules: %w", err)
		}
	}
	driver := warehouse.New(dialect, rules, warehouse.Config{
		PollInterval: cfg.PollInterval,
		PollTimeout:  cfg.PollTimeout,
		RowLimit:     cfg.RowLimit,
	}, s.Logger)
	s.closers = append(s.closers, driver.Close)
	return driver, nil
}

func (s *Services) pipelineConfig() pipeline.Config {
	return pipeline.ConfigFrom(s.Config)
}

func (s *Services) observer() graph.Observer {
	return observability.NodeMetrics{}
}

func (s *Services) Text2SQL(validator text2sql.Validator) (*text2sql.Pipeline, error) {
	return text2sql.New(text2sql.Deps{
		LLM:       s.LLM,
		Prompts:   s.Prompts,
		Cache:     s.Cache,
		Vectors:   s.Vectors,
		Schemas:   s.Metadata,
		Validator: validator,
		Observer:  s.observer(),
		Logger:    s.Logger,
		Config:    s.pipelineConfig(),
	})
}

func (s *Services) Chat(t2s *text2sql.Pipeline, executor chat.Executor) (*chat.Pipeline, error) {
	return chat.New(chat.Deps{
		LLM:       s.LLM,
		Prompts:   s.Prompts,
		Text2SQL:  t2s,
		Cache:     s.Cache,
		Threads:   s.Metadata,
		Warehouse: executor,
		Observer:  s.observer(),
		Logger:    s.Logger,
		Config:    s.pipelineConfig(),
	})
}

func (s *Services) Recommender() (*recommend.Pipeline, error) {
	return recommend.New(recommend.Deps{
		LLM:      s.LLM,
		Prompts:  s.Prompts,
		Samples:  s.Vectors,
		Observer: s.observer(),
		Logger:   s.Logger,
		Config:   s.pipelineConfig(),
	})
}

// Readiness checks the metadata store, every cache and broker store, and the
// vector store.
func (s *Services) Readiness() api.ReadinessCheck {
	checks := []api.ReadinessCheck{s.Metadata.HealthCheck, s.Cache.Ping, s.Vectors.Ready}
	labels := make([]string, 0, len(s.Brokers))
	for label := range s.Brokers {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		checks = append(checks, s.Brokers[label].Ping)
	}
	return api.CombineReadinessChecks(checks...)
}

// QueueMonitor samples every broker database. Samples go to InfluxDB when
// configured and to the log otherwise.
func (s *Services) QueueMonitor(queues []string) (*tasks.QueueMonitor, error) {
	var sink observability.TelemetrySink = observability.LogSink{Logger: s.Logger}
	t := s.Config.Telemetry
	if t.InfluxURL != "" {
		influx, err := observability.NewInfluxSink(t.InfluxURL, t.InfluxToken, t.InfluxOrg, t.InfluxBucket)
		if err != nil {
			return nil, fmt.Errorf("initialize influx sink: %w", err)
		}
		s.closers = append(s.closers, func() error { influx.Close(); return nil })
		sink = influx
	}
	return &tasks.QueueMonitor{
		Brokers:  s.Brokers,
		Queues:   queues,
		Sink:     sink,
		Interval: s.Config.Worker.MonitorInterval,
		Logger:   s.Logger,
	}, nil
}

// OpenMetadataDB opens a raw connection for migrations.
func OpenMetadataDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	return metapostgres.Open(ctx, cfg.Metadata)
}
