package main

import (
	"context"

	"github.com/zeitec/verifier-worker/internal/anomaly"
	"github.com/zeitec/verifier-worker/internal/commands"
	"github.com/zeitec/verifier-worker/internal/config"
	"github.com/zeitec/verifier-worker/internal/db"
	"github.com/zeitec/verifier-worker/internal/idempotency"
	"github.com/zeitec/verifier-worker/internal/ingestion"
	"github.com/zeitec/verifier-worker/internal/ledger"
	"github.com/zeitec/verifier-worker/internal/metrics"
	"github.com/zeitec/verifier-worker/internal/mq"
	"github.com/zeitec/verifier-worker/internal/opsserver"
	"github.com/zeitec/verifier-worker/internal/repository"
	"github.com/zeitec/verifier-worker/internal/scheduler"
	"github.com/zeitec/verifier-worker/internal/service"
	"github.com/zeitec/verifier-worker/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func startWorker(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	router *commands.Router,
	publisher *mq.Publisher,
) (*mq.Consumer, error) {
	// Create context for consumer that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection: conn,
		Topology: mq.Topology{
			Exchange: cfg.RabbitMQ.CommandExchange,
			Queue:    cfg.RabbitMQ.CommandQueue,
			DLQ:      cfg.RabbitMQ.DLQQueue,
			Bindings: []string{cfg.RabbitMQ.CommandBinding},
		},
		Tag:           cfg.ServiceName,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Handler:       router.Handle,
		Replier:       publisher,
		Logger:        logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting command consumer",
				zap.String("queue", cfg.RabbitMQ.CommandQueue),
				zap.String("binding", cfg.RabbitMQ.CommandBinding),
				zap.Strings("commands", router.RoutingKeys()),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("worker stopped gracefully")
			return nil
		},
	})

	return consumer, nil
}

func startOpsServer(lc fx.Lifecycle, srv *opsserver.Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return srv.Start()
		},
		OnStop: func(ctx context.Context) error {
			return srv.Stop(ctx)
		},
	})
}

func startScheduler(lc fx.Lifecycle, s *scheduler.CronScheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return s.Start()
		},
		OnStop: func(ctx context.Context) error {
			s.Stop()
			return nil
		},
	})
}

// ProvideDBPool creates the database pool and applies migrations on start
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	pool, err := db.NewPool(lc, logger, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Database.MigrateOnStart {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return db.Migrate(logger, cfg.Database.URL)
			},
		})
	}
	return pool, nil
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideAnomalyDetector creates a new anomaly detector instance
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Anomaly.SpikeThreshold, cfg.Anomaly.MinDataPointsForDetection, cfg.Ingestion.GapThreshold)
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) (*validator.Validator, error) {
	return validator.NewValidator(validator.Rules{
		MaxCapacityKW:    cfg.Registry.MaxDeviceCapacityKW,
		AllowedCountries: cfg.Registry.AllowedCountries,
	})
}

// ProvidePipeline creates the ingestion pipeline
func ProvidePipeline(v *validator.Validator, d *anomaly.Detector) *ingestion.Pipeline {
	return ingestion.NewPipeline(v, d)
}

// ProvideLedger creates the deduplication ledger
func ProvideLedger() *ledger.Postgres {
	return ledger.NewPostgres()
}

// ProvideMetrics creates the metrics recorder
func ProvideMetrics() *metrics.Metrics {
	return metrics.NewMetrics()
}

// ProvideIdempotencyStore opens the reply store and closes it on stop
func ProvideIdempotencyStore(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*idempotency.Store, error) {
	store, err := idempotency.Open(cfg.Idempotency.Path)
	if err != nil {
		return nil, err
	}
	logger.Info("idempotency store opened", zap.String("path", cfg.Idempotency.Path))
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates a new publisher instance
func ProvidePublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	return mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, logger)
}

// ProvideRegistryService creates the registrant and device service
func ProvideRegistryService(
	repo *repository.Repository,
	publisher *mq.Publisher,
	v *validator.Validator,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) *service.RegistryService {
	return service.NewRegistryService(repo, publisher, v, m, cfg.Ingestion.MaxRows, logger)
}

// ProvideIngestionService creates the issuance upload service
func ProvideIngestionService(
	repo *repository.Repository,
	publisher *mq.Publisher,
	l *ledger.Postgres,
	pipeline *ingestion.Pipeline,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) *service.IngestionService {
	return service.NewIngestionService(repo, publisher, l, pipeline, m, cfg.Ingestion.MaxRows, logger)
}

// ProvideReviewService creates the verifier review service
func ProvideReviewService(
	repo *repository.Repository,
	publisher *mq.Publisher,
	l *ledger.Postgres,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) *service.ReviewService {
	return service.NewReviewService(repo, publisher, l, m, cfg, logger)
}

// ProvideRouter creates the command router with every command registered
func ProvideRouter(
	store *idempotency.Store,
	registry *service.RegistryService,
	issuance *service.IngestionService,
	review *service.ReviewService,
	m *metrics.Metrics,
	logger *zap.Logger,
) *commands.Router {
	router := commands.NewRouter(store, m, logger)
	commands.Register(router, registry, issuance, review)
	return router
}

// ProvideOpsServer creates the health and metrics server
func ProvideOpsServer(
	repo *repository.Repository,
	conn *mq.Connection,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) *opsserver.Server {
	broker := func() bool { return !conn.IsClosed() }
	return opsserver.NewServer(cfg.ServicePort, cfg.ServiceName, repo, broker, m.Handler(), logger)
}

// ProvideScheduler creates the periodic job scheduler
func ProvideScheduler(
	repo *repository.Repository,
	store *idempotency.Store,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) *scheduler.CronScheduler {
	return scheduler.NewCronScheduler(scheduler.Config{
		StatsSpec: cfg.Scheduler.StatsSpec,
		PurgeSpec: cfg.Scheduler.PurgeSpec,
		Retention: cfg.Idempotency.Retention,
	}, repo, store, m, logger)
}
