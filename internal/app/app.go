package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/zachbroad/webhook-engine/internal/bus"
	"github.com/zachbroad/webhook-engine/internal/config"
	"github.com/zachbroad/webhook-engine/internal/database"
	"github.com/zachbroad/webhook-engine/internal/delivery"
	"github.com/zachbroad/webhook-engine/internal/registry"
	"github.com/zachbroad/webhook-engine/internal/signing"
	"github.com/zachbroad/webhook-engine/internal/store"
)

// Services holds the components shared by the api and worker binaries.
type Services struct {
	Store      store.Store
	Redis      *redis.Client
	Registry   *registry.Registry
	Executor   *delivery.Executor
	Dispatcher *delivery.Dispatcher
	Publisher  *bus.Publisher

	closers []func()
}

// Open connects the configured store and Redis and builds the delivery stack.
// Call Close when done, even if Open returned an error.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (*Services, error) {
	svc := &Services{}

	s, err := svc.openStore(ctx, cfg, log)
	if err != nil {
		return svc, err
	}
	svc.Store = s

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return svc, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	svc.closers = append(svc.closers, func() { _ = rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		return svc, fmt.Errorf("connect to redis: %w", err)
	}
	svc.Redis = rdb
	log.Info("connected to redis")

	svc.Registry = registry.New(s, log,
		registry.WithAuditor(registry.NewLogAuditor(log)),
		registry.WithDefaultTimeout(cfg.DefaultDeliveryTimeout),
	)
	svc.Executor = delivery.NewExecutor(s, signing.NewProvider(signing.NewClientCredentials()), log,
		delivery.WithLease(cfg.ProcessingLease),
	)
	svc.Dispatcher = delivery.NewDispatcher(svc.Registry, svc.Executor, log, cfg.DispatchConcurrency)
	svc.Publisher = bus.NewPublisher(rdb, cfg.EventStream)
	return svc, nil
}

func (svc *Services) openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, pool.Close)
		log.Info("connected to postgres")
		if cfg.AutoMigrate {
			if err := database.Migrate(ctx, pool, log); err != nil {
				return nil, err
			}
		}
		return store.NewPostgresStore(pool), nil

	case config.DriverMongo:
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURL))
		if err != nil {
			return nil, fmt.Errorf("connect to mongodb: %w", err)
		}
		svc.closers = append(svc.closers, func() { _ = client.Disconnect(context.Background()) })
		if err := client.Ping(ctx, nil); err != nil {
			return nil, fmt.Errorf("ping mongodb: %w", err)
		}
		log.Info("connected to mongodb", zap.String("database", cfg.MongoDatabase))
		ms := store.NewMongoStore(client.Database(cfg.MongoDatabase))
		if err := ms.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return ms, nil

	case config.DriverMemory:
		log.Warn("using in-memory store, subscriptions will not survive a restart")
		return store.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// Close releases connections in reverse order of acquisition.
func (svc *Services) Close() {
	for i := len(svc.closers) - 1; i >= 0; i-- {
		svc.closers[i]()
	}
}
