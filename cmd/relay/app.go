package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"relay/internal/api"
	"relay/internal/bus"
	"relay/internal/config"
	"relay/internal/constants"
	"relay/internal/deadletter"
	"relay/internal/fanout"
	"relay/internal/logger"
	"relay/internal/queue"
	"relay/internal/routing"
	"relay/internal/schema"
	"relay/pkg/bootstrap"
	"relay/pkg/cel"
	"relay/pkg/health"
	"relay/pkg/metrics"
	"relay/pkg/middleware"
	"relay/pkg/ratelimit"
	"relay/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector
	db          *sql.DB
	rdb         *redis.Client

	registry    *schema.Registry
	queues      *queue.Manager
	deadLetters *deadletter.Handler
	topics      *fanout.Fanout
	notifiers   []*fanout.TopicNotifier
	bus         *bus.Bus

	limiter        *ratelimit.Store
	health         *health.CheckerRegistry
	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
		health:      health.NewCheckerRegistry(),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	metrics.Register()

	tp, err := tracing.Init(ctx, a.Config.Tracing, constants.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := a.InitBroker(constants.ServiceName); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.initSchemas(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema registry: %w", err)
	}

	if err := a.initDelivery(); err != nil {
		return fmt.Errorf("failed to initialize delivery: %w", err)
	}

	if err := a.initBus(); err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}

	a.initHTTPServer()
	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return err
	}
	a.rdb = rdb
	if rdb != nil {
		a.health.Register(health.NewRedisChecker(rdb))
	}

	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	a.db = db
	if db != nil {
		a.health.Register(health.NewPostgreSQLChecker(db))
	}

	if a.Config.Broker.Enabled() {
		a.health.RegisterOptional(health.NewKafkaChecker(a.Config.Broker.Kafka.Brokers))
	}
	return nil
}

func (a *App) initSchemas(ctx context.Context) error {
	var opts []schema.Option
	if a.Config.Schemas.Store == constants.SchemaStoreRedis {
		if a.rdb == nil {
			return fmt.Errorf("schemas.store redis requires database.redis")
		}
		opts = append(opts, schema.WithRepository(schema.NewRedisRepository(a.rdb, a.Logger)))
	}

	a.registry = schema.NewRegistry(a.Logger, opts...)
	return a.registry.Load(ctx, a.Config.Schemas.Definitions)
}

// initDelivery builds queues, topics and the dead-letter handler. Queues come
// first because queue subscribers and redrive both enqueue into them.
func (a *App) initDelivery() error {
	queues, err := queue.FromConfig(a.Config.Queues, a.rdb, a.Config.CircuitBreaker, a.Logger)
	if err != nil {
		return err
	}
	a.queues = queues

	topics, err := fanout.FromConfig(a.Config.Topics, fanout.Factory{
		Fanout:         a.Config.Fanout,
		CircuitBreaker: a.Config.CircuitBreaker,
		Producer:       a.Producer,
		Enqueuer:       queues,
	}, a.Logger, fanout.WithNotificationTopics(
		a.Config.Notifications.DeadLetterTopic,
		a.Config.Notifications.DeliveryFailureTopic,
	))
	if err != nil {
		return err
	}
	a.topics = topics

	var store deadletter.Store = deadletter.NewMemoryStore()
	if a.Config.DeadLetter.Store == constants.DeadLetterStorePostgres {
		if a.db == nil {
			return fmt.Errorf("dead_letter.store postgres requires database.postgres")
		}
		store = deadletter.NewPostgresStore(a.db)
	}

	dlOpts := []deadletter.Option{
		deadletter.WithRetention(time.Duration(a.Config.DeadLetter.RetentionDays) * 24 * time.Hour),
		deadletter.WithPageSize(a.Config.DeadLetter.PageSize),
	}
	if topic := a.Config.Notifications.DeadLetterTopic; topic != "" {
		dlOpts = append(dlOpts, deadletter.WithNotifier(a.notifier(topic)))
	}

	a.deadLetters = deadletter.NewHandler(store, queues, a.Logger, dlOpts...)
	queues.SetDeadLetterSink(a.deadLetters)
	return nil
}

func (a *App) notifier(topic string) *fanout.TopicNotifier {
	n := fanout.NewTopicNotifier(a.topics, topic, a.Logger)
	a.notifiers = append(a.notifiers, n)
	return n
}

func (a *App) initBus() error {
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to create expression evaluator: %w", err)
	}

	rules, err := routing.FromConfig(a.Config.Rules, evaluator)
	if err != nil {
		return err
	}

	bindings, err := bus.ParseBindings(a.Config.Schemas.Bindings)
	if err != nil {
		return err
	}

	opts := []bus.Option{
		bus.WithBindings(bindings),
		bus.WithConcurrency(a.Config.Ingestion.Concurrency),
	}
	if topic := a.Config.Notifications.DeliveryFailureTopic; topic != "" {
		opts = append(opts, bus.WithFailureNotifier(a.notifier(topic)))
	}

	a.bus = bus.New(a.registry, routing.NewMatcher(rules, a.Logger), a.queues, a.topics, a.Logger, opts...)
	a.Logger.Infow("Event bus ready",
		"rules", len(rules),
		"queues", len(a.Config.Queues),
		"topics", len(a.Config.Topics),
		"bindings", len(bindings))
	return nil
}

func (a *App) initHTTPServer() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(constants.ServiceName))
	}
	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.LoggerMiddleware(a.Logger))
	router.Use(middleware.RequestIDMiddleware())

	var ingest []gin.HandlerFunc
	if rl := a.Config.Ingestion.RateLimit; rl.Enabled {
		a.limiter = ratelimit.NewStore(ratelimit.FromConfig(rl))
		ingest = append(ingest, a.limiter.Middleware())
		a.Logger.Infow("Ingestion rate limiting enabled", "rps", rl.RPS, "burst", rl.Burst)
	}

	api.NewHandler(api.Deps{
		Events:      a.bus,
		Queues:      a.queues,
		Schemas:     a.registry,
		DeadLetters: a.deadLetters,
		Topics:      a.topics,
		Subscribers: fanout.Factory{
			Fanout:         a.Config.Fanout,
			CircuitBreaker: a.Config.CircuitBreaker,
			Producer:       a.Producer,
			Enqueuer:       a.queues,
		},
	}, a.Logger).RegisterRoutes(router, ingest...)
	api.RegisterSystemRoutes(router, a.health)

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  a.Config.Server.ReadTimeout(),
		WriteTimeout: a.Config.Server.WriteTimeout(),
	}
}

// Run serves HTTP and runs the background loops until ctx is cancelled or
// one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(gCtx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		// Pending long polls return before the server waits on them.
		a.queues.Close()
		return a.server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return a.queues.Run(gCtx, constants.DefaultSweepInterval)
	})

	g.Go(func() error {
		return a.deadLetters.Run(gCtx, time.Duration(a.Config.DeadLetter.SweepIntervalSeconds)*time.Second)
	})

	g.Go(func() error {
		if err := a.registry.Watch(gCtx); err != nil && gCtx.Err() == nil {
			a.Logger.WarnwCtx(gCtx, "Schema watch stopped", "error", err)
		}
		return nil
	})

	if a.limiter != nil {
		g.Go(func() error {
			a.limiter.Run(gCtx)
			return nil
		})
	}

	if a.Consumer != nil {
		topic := a.Config.Ingestion.KafkaTopic
		g.Go(func() error {
			a.Logger.InfowCtx(gCtx, "Starting Kafka ingestion", "topic", topic)
			if err := a.Consumer.Consume(gCtx, topic, a.bus.KafkaHandler()); err != nil && gCtx.Err() == nil {
				return fmt.Errorf("kafka ingestion error: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	return a.Base.Shutdown(ctx, func(ctx context.Context) []error {
		var errs []error

		if a.queues != nil {
			a.queues.Close()
		}
		for _, n := range a.notifiers {
			n.Wait()
		}

		if a.tracerProvider != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancel()
			if err := a.tracerProvider.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		return append(errs, a.dbConnector.ShutdownDatabases(a.rdb, a.db)...)
	})
}
