package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/glinharesb/keyring-go/internal/audit"
	"github.com/glinharesb/keyring-go/internal/config"
	"github.com/glinharesb/keyring-go/internal/crypto"
	"github.com/glinharesb/keyring-go/internal/history"
	"github.com/glinharesb/keyring-go/internal/interceptor"
	"github.com/glinharesb/keyring-go/internal/keystore"
	"github.com/glinharesb/keyring-go/internal/logging"
	"github.com/glinharesb/keyring-go/internal/rotation"
	"github.com/glinharesb/keyring-go/internal/scheduler"
	"github.com/glinharesb/keyring-go/internal/server"
	"github.com/glinharesb/keyring-go/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("keyring-server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.InitTracer(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	if tp != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				slog.Error("tracer shutdown", "error", err)
			}
		}()
	}

	if cfg.MasterKey == "" {
		return errors.New("KEYRING_MASTER_KEY is required")
	}
	masterKey, err := crypto.ParseMasterKey(cfg.MasterKey)
	if err != nil {
		return err
	}

	ks, err := keystore.New(cfg.DataDir, keystore.WithLogger(logger))
	if err != nil {
		return err
	}
	defer ks.Close()
	if err := ks.SetMasterKey(masterKey); err != nil {
		return err
	}
	memguard.WipeBytes(masterKey)
	if err := ks.Load(); err != nil {
		return fmt.Errorf("load key store: %w", err)
	}
	slog.Info("key store loaded", "path", ks.Path(), "state", ks.State().String(), "key_count", ks.Manager().Len())

	hist, err := history.Open(cfg.HistoryPath())
	if err != nil {
		return fmt.Errorf("open rotation history: %w", err)
	}
	defer hist.Close()

	auditLogger := audit.NewLogger(cfg.Audit.Buffer, os.Stdout, audit.WithRetention(cfg.Audit.Retention))
	defer auditLogger.Close()

	store := keystore.NewGuarded(ks)
	rotator := rotation.NewService(rotation.WithRecorder(hist), rotation.WithLogger(logger))

	sched, err := scheduler.New(store, rotator, cfg.Policy(), cfg.Rotation.CheckSchedule, cfg.Rotation.Actor,
		scheduler.WithAuditor(auditLogger),
		scheduler.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	limiter := interceptor.NewLimiter(cfg.GRPC.RateLimitRPS)
	opts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptor.RecoveryUnary(logger),
			interceptor.LoggingUnary(logger),
			interceptor.RateLimitUnary(limiter),
			interceptor.AuthUnary(cfg.GRPC.AuthToken),
		),
		grpc.ChainStreamInterceptor(
			interceptor.RecoveryStream(logger),
			interceptor.LoggingStream(logger),
			interceptor.RateLimitStream(limiter),
			interceptor.AuthStream(cfg.GRPC.AuthToken),
		),
	}
	if cfg.GRPC.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.GRPC.TLSCert, cfg.GRPC.TLSKey)
		if err != nil {
			return fmt.Errorf("load tls: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}
	srv := grpc.NewServer(opts...)

	server.Register(srv, server.New(store, rotator,
		server.WithAudit(auditLogger),
		server.WithHistory(hist),
		server.WithBackupDir(cfg.BackupPath()),
		server.WithPolicy(cfg.Policy()),
		server.WithLogger(logger),
	))
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)
	healthSrv.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(srv)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	go func() {
		slog.Info("server starting", "addr", cfg.GRPC.Addr, "tls", cfg.GRPC.TLSCert != "")
		if err := srv.Serve(lis); err != nil {
			slog.Error("serve", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	healthSrv.Shutdown()

	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		slog.Warn("graceful shutdown timed out, forcing stop")
		srv.Stop()
	}
	return nil
}
