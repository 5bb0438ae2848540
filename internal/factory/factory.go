package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"banking-gateway/internal/audit"
	"banking-gateway/internal/bucketing"
	"banking-gateway/internal/client"
	"banking-gateway/internal/config"
	"banking-gateway/internal/ratelimit"
	redisrepo "banking-gateway/internal/repository/redis"
	"banking-gateway/internal/repository/scylla"
	"banking-gateway/internal/scheduler"
	"banking-gateway/internal/service"
	"banking-gateway/internal/tls"
	"banking-gateway/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	bucketingManager *bucketing.BucketingManager
	engine           *ratelimit.Engine
	tokenCache       *redisrepo.TokenCache
	users            scylla.UserDirectory
	dispatcher       *audit.Dispatcher
	serviceFactory   *service.ServiceFactory
	scheduler        *scheduler.CleanupScheduler

	closeOnce sync.Once
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg.Server, cfg.Environment)
	}

	if err := factory.initializeClients(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeComponents()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("audit_enabled", factory.dispatcher != nil),
		util.Bool("cleanup_enabled", cfg.Cleanup.Enabled),
	)

	return factory, nil
}

// initializeClients connects to the backing stores. Redis is required. The
// user directory falls back to memory outside production. Audit sinks are
// optional.
func (f *Factory) initializeClients() error {
	// Redis
	redisClient, err := client.NewRedisClient(f.config, util.Get())
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient
	util.Info("Redis client initialized and healthy")

	// ScyllaDB
	if scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		if f.config.IsProduction() {
			return fmt.Errorf("scylla: %w", err)
		}
		util.Warn("ScyllaDB unavailable - using in-memory user directory", util.ErrorField(err))
		f.users = scylla.NewMemoryDirectory()
	} else {
		f.scyllaClient = scyllaClient
		f.users = scylla.NewUserRepository(scyllaClient)
		util.Info("ScyllaDB client initialized and healthy")
	}

	if !f.config.Audit.Enabled {
		return nil
	}

	// Kafka
	if len(f.config.Kafka.Brokers) > 0 {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	// Elasticsearch
	if f.config.Elasticsearch.URL != "" {
		if esClient, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
			util.Warn("Elasticsearch initialization failed - proceeding without Elasticsearch", util.ErrorField(err))
		} else {
			f.esClient = esClient
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse
	if f.config.Clickhouse.URL != "" {
		if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			util.Warn("ClickHouse initialization failed - proceeding without ClickHouse", util.ErrorField(err))
		} else {
			f.clickhouseClient = chClient
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	return nil
}

func (f *Factory) initializeComponents() {
	f.bucketingManager = bucketing.NewBucketingManager(f.config.Bucketing.CacheShards)
	f.engine = ratelimit.NewEngine(
		redisrepo.NewBucketCache(f.redisClient),
		f.bucketingManager,
		ratelimit.WithLocalStaleness(f.config.RateLimit.LocalStaleness),
		ratelimit.WithStoreTimeout(f.config.RateLimit.StoreTimeout),
	)
	f.tokenCache = redisrepo.NewTokenCache(f.redisClient)

	f.dispatcher = audit.NewDispatcher(audit.Config{
		Enabled:    f.config.Audit.Enabled,
		BufferSize: f.config.Audit.BufferSize,
	}, f.auditSinks()...)

	var events audit.Emitter = audit.NoOpEmitter{}
	if f.dispatcher != nil {
		events = f.dispatcher
	}

	f.serviceFactory = service.NewServiceFactory(f.config, f.engine, f.tokenCache, f.users, events)
	f.scheduler = scheduler.NewCleanupScheduler(
		f.serviceFactory.RateLimitService(),
		f.serviceFactory.RefreshTokenService(),
		f.config.Cleanup.BucketInterval,
		f.config.Cleanup.TokenInterval,
	)

	util.Info("Components initialized successfully",
		util.Int("cache_shards", f.bucketingManager.Buckets()),
		util.Duration("local_staleness", f.config.RateLimit.LocalStaleness),
	)
}

func (f *Factory) auditSinks() []audit.Sink {
	var sinks []audit.Sink
	if f.kafkaProducer != nil {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer.Writer))
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient.Client, f.esClient.Index()))
	}
	if f.clickhouseClient != nil {
		sinks = append(sinks, audit.NewClickHouseSink(f.clickhouseClient, f.clickhouseClient.Table()))
	}
	if len(sinks) == 0 {
		sinks = append(sinks, audit.LogSink{})
	}
	return sinks
}

// ==============================
// Health Checks
// ==============================

// HealthCheck reports every initialised component, audit sinks included.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	health := make(map[string]error)

	if f.redisClient != nil {
		health["redis"] = f.redisClient.HealthCheck(ctx)
	} else {
		health["redis"] = errors.New("redis client not initialized")
	}

	if f.scyllaClient != nil {
		health["scylla"] = f.scyllaClient.HealthCheck(ctx)
	}

	if f.kafkaProducer != nil {
		health["kafka"] = f.kafkaProducer.HealthCheck(ctx)
	}
	if f.esClient != nil {
		health["elasticsearch"] = f.esClient.HealthCheck(ctx)
	}
	if f.clickhouseClient != nil {
		health["clickhouse"] = f.clickhouseClient.HealthCheck(ctx)
	}

	return health
}

// ==============================
// Lifecycle
// ==============================

// Close releases everything in reverse order of creation. It is safe to call
// more than once.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		// Flush pending events before the sinks go away.
		if f.dispatcher != nil {
			f.dispatcher.Close()
			util.Info("Audit dispatcher closed",
				util.Int("dropped", int(f.dispatcher.Dropped())),
				util.Int("failed", int(f.dispatcher.Failed())))
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

func (f *Factory) Scheduler() *scheduler.CleanupScheduler {
	return f.scheduler
}
