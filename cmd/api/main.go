package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/config"
	"tenantgate.org/internal/httpapi"
	"tenantgate.org/internal/notify"
	"tenantgate.org/internal/obs"
	"tenantgate.org/internal/store/memory"
	"tenantgate.org/internal/store/pg"
	"tenantgate.org/internal/store/redisattempts"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("TENANTGATE_CONFIG"), "Path to YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := obs.NewLogger(obs.LoggerConfig{
		Environment: cfg.Environment,
		Level:       cfg.Logger.Level,
		Format:      cfg.Logger.Format,
		Service:     "tenantgate",
	})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	obs.SetLogger(logger)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("tenantgate stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// Инициализация observability (регистрация метрик, build_info)
	obs.Init()
	build := obs.ResolveBuildInfo(version, commit)
	obs.InitBuildInfo(build)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Credential store: PostgreSQL when a DSN is configured, memory otherwise.
	var (
		store auth.Store
		db    *sql.DB
	)
	if cfg.Database.DSN != "" {
		pgStore, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer pgStore.Close()
		store, db = pgStore, pgStore.DB()
	} else {
		logger.Warn("no database configured, using in-memory store")
		store = memory.New()
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	var attempts auth.AttemptStore
	if cfg.Throttle.Backend == "redis" {
		attempts = redisattempts.New(rdb, redisattempts.WithTTL(cfg.Throttle.Window+cfg.Throttle.BlockDuration))
	}
	throttle := auth.NewThrottle(attempts, auth.ThrottleConfig{
		MaxAttempts:   cfg.Throttle.MaxAttempts,
		BlockDuration: cfg.Throttle.BlockDuration,
		Window:        cfg.Throttle.Window,
	})

	var notifier auth.Notifier
	if cfg.RabbitMQ.URL != "" {
		rabbit, err := notify.DialRabbit(notify.RabbitConfig{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
		}, logger)
		if err != nil {
			return err
		}
		defer rabbit.Close()
		notifier = rabbit
	} else {
		notifier = notify.NewLog(logger, cfg.IsDev())
	}

	tokens, err := auth.NewTokenService(cfg.JWT.AccessSecret, cfg.JWT.RefreshSecret,
		auth.WithAccessTTL(cfg.JWT.AccessTTL),
		auth.WithRefreshTTL(cfg.JWT.RefreshTTL),
	)
	if err != nil {
		return err
	}
	evaluator := auth.NewEvaluator(store.Grants(), auth.WithAdminDenyOverride(cfg.Authz.AdminDenyOverride))
	svc, err := auth.NewService(store, tokens,
		auth.WithNotifier(notifier),
		auth.WithThrottle(throttle),
		auth.WithEvaluator(evaluator),
		auth.WithLogger(logger),
		auth.WithRecoveryTTL(cfg.Recovery.TokenTTL),
		auth.WithForgotPasswordFloor(cfg.Recovery.MinResponse),
	)
	if err != nil {
		return err
	}
	defer svc.Wait()
	perms := auth.NewPermissionService(store, evaluator)

	probe := httpapi.ReadyProbe{DB: db}
	if rdb != nil {
		probe.Redis = rdb
	}

	// HTTP API
	api := httpapi.New(svc, perms, probe,
		httpapi.WithBuildInfo(build),
		httpapi.WithLogger(logger),
		httpapi.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		httpapi.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		httpapi.WithRateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
	)
	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	// gRPC health
	grpcServer := grpc.NewServer()
	health := httpapi.NewHealthService(probe, logger)
	health.Register(grpcServer)
	go health.Run(ctx, 10*time.Second)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", build.Version), zap.String("commit", build.Commit))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		go func() {
			logger.Info("grpc listening", zap.String("addr", cfg.Server.GRPCAddr))
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	logger.Info("stopped")
	return runErr
}
