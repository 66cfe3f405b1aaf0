package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stockflow/cmd/server/config"
	"stockflow/internal/observability"
	"stockflow/internal/telemetry"
	"stockflow/internal/worker"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	tracer, shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: cfg.OTel.ServiceName,
		Endpoint:    cfg.OTel.Endpoint,
		SampleRatio: cfg.OTel.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("flush traces", zap.Error(err))
		}
	}()

	a, err := buildApp(ctx, cfg, logger, tracer)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close resources", zap.Error(err))
		}
	}()

	go a.hub.Run(ctx)

	scheduler, err := worker.Schedule(ctx, a.poller, cfg.Outbox.Schedule, logger.Named("outbox"))
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: a.httpHandler, ReadHeaderTimeout: 5 * time.Second}
	obsSrv := &http.Server{Addr: cfg.Observability.Addr, Handler: observability.NewMux(a.metrics), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 3)
	go func() {
		errCh <- a.grpcServer.Serve(lis)
	}()
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := obsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("observability server error", zap.Error(err))
		}
	}()
	logger.Info("server running",
		zap.String("grpc_addr", cfg.GRPCAddr),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("obs_addr", cfg.Observability.Addr),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	a.setServing(healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	a.grpcServer.GracefulStop()
	_ = obsSrv.Shutdown(shutdownCtx)
	logger.Info("server stopped")
	return runErr
}
