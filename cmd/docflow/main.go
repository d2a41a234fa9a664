package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valinor-ai/docflow/internal/audit"
	"github.com/valinor-ai/docflow/internal/auth"
	"github.com/valinor-ai/docflow/internal/platform/config"
	"github.com/valinor-ai/docflow/internal/platform/database"
	"github.com/valinor-ai/docflow/internal/platform/server"
	"github.com/valinor-ai/docflow/internal/platform/telemetry"
	"github.com/valinor-ai/docflow/internal/rbac"
	"github.com/valinor-ai/docflow/internal/workflow"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	telemetry.SetDefault(logger)

	slog.Info("docflow starting",
		"version", "0.1.0",
		"port", cfg.Server.Port,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Without a database the service runs on in-memory storage.
	var pool *database.Pool
	if cfg.Database.URL != "" {
		slog.Info("connecting to database")
		pool, err = database.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns,
			database.WithPingRetry(cfg.Database.ConnectAttempts, 500*time.Millisecond),
		)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer pool.Close()

		migrationsURL := fmt.Sprintf("file://%s", cfg.Database.MigrationsPath)
		if err := database.RunMigrations(cfg.Database.URL, migrationsURL); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		slog.Info("migrations complete")
	} else {
		slog.Warn("no database configured, using in-memory storage")
	}

	metrics := telemetry.NewMetrics()

	// Audit
	var auditLogger audit.Logger = audit.NopLogger{}
	var auditHandler *audit.Handler
	if pool != nil {
		auditStore := audit.NewStore()
		auditLogger = audit.NewAsyncLogger(pool, auditStore, audit.LoggerConfig{
			BufferSize:    cfg.Audit.BufferSize,
			BatchSize:     cfg.Audit.BatchSize,
			FlushInterval: time.Duration(cfg.Audit.FlushInterval) * time.Millisecond,
			Logger:        logger.With("component", "audit"),
			Observer:      metrics,
		})
		defer auditLogger.Close()
		auditHandler = audit.NewHandler(pool, auditStore)
		slog.Info("audit logger started")
	}

	// RBAC
	var rbacStore rbac.Store
	var repo workflow.Repository
	if pool != nil {
		rbacStore = rbac.NewPGStore(pool)
		repo = workflow.NewPGRepository(pool)
	} else {
		rbacStore = rbac.NewMemoryStore()
		repo = workflow.NewMemoryRepository()
	}
	resolver := rbac.NewResolver(rbacStore)
	rbacService := rbac.NewService(rbacStore, resolver, auditLogger, cfg.RBAC.SuperadminPermission)
	builtins := rbac.DefaultBuiltins(cfg.RBAC.SuperadminPermission, cfg.Workflow.OverridePermission, cfg.RBAC.BootstrapAdmins)
	if err := rbacService.Seed(ctx, builtins); err != nil {
		return fmt.Errorf("seeding rbac: %w", err)
	}

	// Notifications
	notifier, err := buildNotifier(ctx, cfg.Notify, logger, metrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := notifier.Close(); err != nil {
			slog.Warn("closing notifier", "error", err)
		}
	}()

	// Workflow
	definitions := workflow.NewDefinitionStore(repo, auditLogger, workflow.Limits{
		MaxStages: cfg.Workflow.MaxStages,
		MaxQuorum: cfg.Workflow.MaxQuorum,
	})
	engine := workflow.NewEngine(repo, resolver, workflow.Config{OverridePermission: cfg.Workflow.OverridePermission},
		workflow.WithNotifier(notifier),
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger),
	)

	// Auth
	if cfg.Auth.JWT.SigningKey == "" && !cfg.Auth.DevMode {
		return errors.New("auth.jwt.signingkey is required outside dev mode")
	}
	tokenSvc := auth.NewTokenService(cfg.Auth.JWT.SigningKey, cfg.Auth.JWT.Issuer, cfg.Auth.JWT.ExpiryHours)
	if cfg.Auth.DevMode {
		slog.Warn("running in dev mode, 'Bearer dev' with X-Dev-User-* headers acts as any user")
	}

	deps := server.Dependencies{
		RequireStorage:     pool != nil,
		Auth:               tokenSvc,
		DevMode:            cfg.Auth.DevMode,
		RBAC:               resolver,
		RBACHandler:        rbac.NewHandler(rbacService, resolver),
		WorkflowHandler:    workflow.NewHandler(engine, definitions),
		AuditHandler:       auditHandler,
		RBACAuditLogger:    auditLogger,
		Logger:             logger,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
	}
	if pool != nil {
		deps.Storage = pool
	}
	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.Handler()
		deps.MetricsPath = cfg.Metrics.Path
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := server.New(addr, deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		return notifier.Run(gctx)
	})

	slog.Info("server ready", "addr", addr, "dev_mode", cfg.Auth.DevMode, "notify_driver", notifier.Driver())
	return g.Wait()
}
