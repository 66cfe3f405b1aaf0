package main

import (
	"context"
	"errors"
	"net/http"

	"stockflow/cmd/server/config"
	grpcadapter "stockflow/internal/adapters/grpc"
	"stockflow/internal/adapters/httpx"
	"stockflow/internal/fulfillment"
	"stockflow/internal/notify"
	"stockflow/internal/observability"
	"stockflow/internal/orders"
	"stockflow/internal/payments"
	"stockflow/internal/realtime"
	"stockflow/internal/reliability"
	"stockflow/internal/saga"
	"stockflow/internal/worker"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// app holds the wired components of one server process.
type app struct {
	cfg          config.Config
	logger       *zap.Logger
	metrics      *observability.Metrics
	stores       stores
	service      *orders.Service
	orchestrator *saga.Orchestrator
	poller       *worker.Poller
	hub          *realtime.Hub
	httpHandler  http.Handler
	grpcServer   *grpcpkg.Server
	health       *health.Server
	closers      []func() error
}

func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger, tracer trace.Tracer) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: observability.New(nil),
		hub:     realtime.NewHub(logger.Named("ws")),
	}

	s, err := buildStores(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	a.stores = s
	a.closers = append(a.closers, s.close)

	var (
		sinks  []saga.Notifier
		locker worker.Locker
	)
	if cfg.Redis.URL != "" {
		client, err := buildRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, a.abort(err)
		}
		a.closers = append(a.closers, client.Close)
		locker = worker.NewRedisLocker(client)
		sinks = append(sinks, notify.NewRedisStreamPublisher(notify.ClientAdapter{Client: client}, cfg.Redis.Stream, cfg.Redis.StatusTTL, cfg.Redis.StreamMaxLen))
		logger.Info("redis enabled", zap.String("stream", cfg.Redis.Stream))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher := notify.NewKafkaPublisher(notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.WriteTimeout))
		a.closers = append(a.closers, publisher.Close)
		sinks = append(sinks, publisher)
		logger.Info("kafka enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	rc := cfg.Reliability
	retry := reliability.RetryPolicy{
		MaxAttempts: rc.RetryMaxAttempts,
		BaseDelay:   rc.RetryBaseDelay,
		MaxDelay:    rc.RetryMaxDelay,
		OnRetry: func(attempt int, err error) {
			logger.Debug("retrying step call", zap.Int("attempt", attempt), zap.Error(err))
		},
	}
	guard := &reliability.Guard{
		Limiter: reliability.NewRateLimiter(rc.RateLimitInterval, rc.RateLimitBurst, a.metrics.AddRateLimitWait),
		Breaker: reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
			MaxFailures:  rc.BreakerMaxFailures,
			ResetTimeout: rc.BreakerResetTimeout,
		}),
	}
	gateway := payments.NewReliableGateway(
		payments.NewSimulatedGateway(s.payments, cfg.Payment.DeclineRate, logger.Named("gateway")),
		guard,
	)
	executor := fulfillment.NewExecutor(s.orders, s.ledger, gateway, retry, logger.Named("executor"))

	sagaOpts := []saga.Option{
		saga.WithNotifier(notify.NewFanoutPublisher(a.hub, sinks...)),
		saga.WithMetrics(a.metrics),
		saga.WithLogger(logger.Named("saga")),
		saga.WithTracer(tracer),
		saga.WithMaxRetries(cfg.Saga.MaxRetries),
	}
	if cfg.Saga.Dispatched() {
		sagaOpts = append(sagaOpts, saga.WithDispatcher(worker.NewOutboxDispatcher(s.events)))
		logger.Info("saga steps dispatched through the outbox")
	}
	a.orchestrator = saga.NewOrchestrator(s.sagas, executor, s.orders, sagaOpts...)
	a.service = orders.NewService(s.orders, s.events, logger.Named("orders"))

	opts := []worker.Option{worker.WithMetrics(a.metrics), worker.WithLogger(logger.Named("outbox"))}
	if locker != nil {
		opts = append(opts, worker.WithLocker(locker))
	}
	a.poller = worker.NewPoller(s.events, a.orchestrator, s.sagas, worker.Config{
		BatchSize:   cfg.Outbox.BatchSize,
		MaxRetries:  cfg.Outbox.MaxRetries,
		Concurrency: cfg.Outbox.Concurrency,
		LockKey:     cfg.Outbox.LockKey,
		LockTTL:     cfg.Outbox.LockTTL,
	}, opts...)

	a.httpHandler = httpx.NewRouter(httpx.NewHandler(a.service, a.orchestrator, a.poller, logger.Named("http")), a.hub)
	a.buildGRPC()
	return a, nil
}

func (a *app) buildGRPC() {
	limiter := reliability.NewRateLimiter(a.cfg.GRPC.RateLimitInterval, a.cfg.GRPC.RateLimitBurst, a.metrics.AddRateLimitWait)
	logger := a.logger.Named("grpc")
	a.grpcServer = grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, a.metrics, logger)),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(limiter, a.metrics, logger)),
	)
	grpcadapter.RegisterControlServer(a.grpcServer, grpcadapter.NewControlServer(a.orchestrator))

	a.health = health.NewServer()
	healthpb.RegisterHealthServer(a.grpcServer, a.health)
	a.setServing(healthpb.HealthCheckResponse_SERVING)

	if !a.cfg.Production() {
		reflection.Register(a.grpcServer)
		logger.Info("gRPC reflection enabled", zap.String("app_env", a.cfg.Env))
	}
}

func (a *app) setServing(status healthpb.HealthCheckResponse_ServingStatus) {
	a.health.SetServingStatus(grpcadapter.ServiceName, status)
	a.health.SetServingStatus("", status)
}

func (a *app) abort(err error) error {
	return errors.Join(err, a.Close())
}

// Close releases external resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
