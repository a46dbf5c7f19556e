package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/catalog-service/internal/domain/catalog"
	"github.com/xenking/catalog-service/internal/events"
	"github.com/xenking/catalog-service/internal/events/memory"
	"github.com/xenking/catalog-service/internal/events/redisstream"
	"github.com/xenking/catalog-service/internal/handler"
	"github.com/xenking/catalog-service/internal/imagefetch"
	"github.com/xenking/catalog-service/internal/inventory"
	"github.com/xenking/catalog-service/internal/storage/postgres"
	s3storage "github.com/xenking/catalog-service/internal/storage/s3"
	"github.com/xenking/catalog-service/pkg/health"
	"github.com/xenking/catalog-service/pkg/httpmiddleware"
)

const healthInterval = 10 * time.Second

// subscriber feeds messages of the event channel to a handler until ctx is
// done.
type subscriber interface {
	Run(ctx context.Context, h events.MessageHandler) error
}

// eventChannel is the configured transport with its optional subscriber.
type eventChannel struct {
	transport events.Transport
	sub       subscriber
	check     health.CheckFunc
	close     func()
}

// Run creates all dependencies, starts the HTTP server and the image event
// consumer, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	return run(ctx, lg, m.TracerProvider(), m.MeterProvider(), cfg)
}

func run(ctx context.Context, lg *zap.Logger, tp trace.TracerProvider, mp metric.MeterProvider, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("events.driver", cfg.Events.Driver),
		zap.String("storage.bucket", cfg.Storage.Bucket),
	)

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Object storage.
	files, err := s3storage.Open(ctx, s3storage.Config{
		Bucket:          cfg.Storage.Bucket,
		Region:          cfg.Storage.Region,
		Endpoint:        cfg.Storage.Endpoint,
		PathStyle:       cfg.Storage.PathStyle,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
	})
	if err != nil {
		return errors.Wrap(err, "open storage")
	}
	if cfg.Storage.CreateBucket {
		if err := files.EnsureBucket(ctx); err != nil {
			return errors.Wrap(err, "ensure bucket")
		}
	}

	// Event channel.
	ch, err := newEventChannel(lg, cfg)
	if err != nil {
		return errors.Wrap(err, "create event channel")
	}
	defer ch.close()

	// Health check service.
	checker := health.New()
	checker.Add(health.Readiness, "postgres", health.PingCheck(pool), health.ProbeOptions{Timeout: 5 * time.Second})
	checker.Add(health.Readiness, "storage", health.PingCheck(files), health.ProbeOptions{Timeout: 5 * time.Second})
	if ch.check != nil {
		checker.Add(health.Readiness, "events", ch.check, health.ProbeOptions{Timeout: 2 * time.Second})
	}
	checker.Add(health.Liveness, "goroutines", health.GoroutineCountCheck(10000), health.ProbeOptions{Timeout: time.Second})

	// Domain.
	products := postgres.NewProductRepository(pool)
	svc := catalog.NewService(
		products,
		files,
		inventory.New(inventory.Config{
			BaseURL:        cfg.Inventory.BaseURL,
			Timeout:        cfg.Inventory.Timeout,
			AttemptTimeout: cfg.Inventory.AttemptTimeout,
			MaxRetries:     cfg.Inventory.MaxRetries,
		}, tp, mp),
		events.NewPublisher(ch.transport),
		imagefetch.New(imagefetch.Config{
			Timeout:  cfg.ImageFetch.Timeout,
			MaxBytes: cfg.ImageFetch.MaxBytes,
		}, tp, mp),
		catalog.WithTracerProvider(tp),
		catalog.WithMeterProvider(mp),
		catalog.WithPresignTTL(cfg.Storage.PresignTTL),
	)
	consumer := catalog.NewImageUpdateConsumer(products,
		catalog.WithTracerProvider(tp),
		catalog.WithMeterProvider(mp),
	)

	// HTTP.
	limiter := httpmiddleware.NewLimiter(httpmiddleware.RateLimitConfig{
		Max:    cfg.RateLimit.Max,
		Window: cfg.RateLimit.Window,
	})
	h := handler.NewHandler(handler.HandlerConfig{
		MaxUploadBytes:   cfg.MaxUploadBytes,
		UploadMiddleware: []mux.MiddlewareFunc{mux.MiddlewareFunc(limiter.Middleware())},
	}, svc)

	router := h.Router()
	router.HandleFunc("/livez", checker.LiveEndpoint).Methods(http.MethodGet)
	router.HandleFunc("/readyz", checker.ReadyEndpoint).Methods(http.MethodGet)
	routeFinder := httpmiddleware.MuxRouteFinder(router)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.Recovery(),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.Instrument("catalog-api", routeFinder, tp, mp),
			httpmiddleware.LogRequests(routeFinder),
		),
	}

	g, gctx := errgroup.WithContext(ctx)

	// Background workers outlive the request drain and stop after it.
	bg, stopBackground := context.WithCancel(zctx.Base(context.WithoutCancel(gctx), lg))
	defer stopBackground()

	g.Go(func() error {
		return checker.Run(bg, healthInterval)
	})
	g.Go(func() error {
		return limiter.Run(bg)
	})
	if ch.sub != nil {
		g.Go(func() error {
			cctx := zctx.Base(bg, lg.Named("consumer"))
			if err := ch.sub.Run(cctx, events.Dispatch(consumer)); err != nil {
				return errors.Wrap(err, "consumer")
			}
			return nil
		})
	}
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	// Graceful shutdown: wait for cancellation, drain, then stop workers.
	g.Go(func() error {
		<-gctx.Done()

		checker.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		stopBackground()
		return nil
	})

	checker.SetReady(true)
	return g.Wait()
}

// newEventChannel builds the configured transport. The consumer is omitted
// when this instance owns no partitions.
func newEventChannel(lg *zap.Logger, cfg *Config) (*eventChannel, error) {
	e := cfg.Events
	switch e.Driver {
	case DriverMemory:
		broker := memory.New(e.RetryPolicy())
		return &eventChannel{
			transport: broker,
			sub:       broker,
			close: func() {
				broker.CloseIntake()
				published, processed := broker.Stats()
				lg.Info("Event broker closed",
					zap.Uint64("published", published),
					zap.Uint64("processed", processed),
					zap.Int("backlog", broker.Backlog()),
					zap.Int("dead_letters", len(broker.DeadLetters())),
				)
			},
		}, nil
	case DriverRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, errors.Wrap(err, "parse redis url")
		}
		rdb := redis.NewClient(opts)

		ch := &eventChannel{
			transport: redisstream.NewPublisher(rdb, e.Topic, e.Partitions, e.MaxLen),
			check: func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			},
			close: func() {
				if err := rdb.Close(); err != nil {
					lg.Warn("Redis close error", zap.Error(err))
				}
			},
		}
		owned := e.OwnedPartitions()
		if len(owned) == 0 {
			lg.Warn("No partitions owned, image event consumer disabled",
				zap.Int("instance_index", e.InstanceIndex),
				zap.Int("instance_count", e.InstanceCount),
			)
			return ch, nil
		}
		ch.sub = redisstream.NewConsumer(rdb, redisstream.ConsumerConfig{
			Topic:      e.Topic,
			Group:      e.Group,
			Name:       e.Consumer,
			Partitions: owned,
			Block:      e.Block,
			Retry:      e.RetryPolicy(),
		})
		return ch, nil
	default:
		return nil, errors.Errorf("unknown event driver %q", e.Driver)
	}
}
