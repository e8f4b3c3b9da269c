package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duckmesh/duckgate/internal/api"
	"github.com/duckmesh/duckgate/internal/audit"
	"github.com/duckmesh/duckgate/internal/auth"
	"github.com/duckmesh/duckgate/internal/catalog"
	"github.com/duckmesh/duckgate/internal/config"
	"github.com/duckmesh/duckgate/internal/lifecycle"
	"github.com/duckmesh/duckgate/internal/mcpserver"
	"github.com/duckmesh/duckgate/internal/observability"
	"github.com/duckmesh/duckgate/internal/query"
	duckdbexec "github.com/duckmesh/duckgate/internal/query/duckdb"
	s3store "github.com/duckmesh/duckgate/internal/storage/s3"
	"github.com/duckmesh/duckgate/internal/switcher"
	"github.com/duckmesh/duckgate/internal/target"
	"github.com/duckmesh/duckgate/internal/tools"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.LoadFromEnv("duckgate")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, observability.LogOutput(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("duckgate failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	mode := target.ReadWrite
	if cfg.Database.ReadOnly {
		mode = target.ReadOnly
	}
	initial, err := target.Resolve(cfg.Database.Path, target.Options{
		Token:    cfg.Database.MotherDuckToken,
		SaaSMode: cfg.Database.SaaSMode,
		Mode:     mode,
	})
	if err != nil {
		return err
	}
	logger.Info("target resolved",
		slog.String("kind", string(initial.Kind)),
		slog.String("target", initial.Redacted()),
		slog.Bool("read_only", initial.ReadOnly()),
	)

	initSQL, err := lifecycle.LoadInitSQL(cfg.Database.InitSQL)
	if err != nil {
		return err
	}
	var security lifecycle.SecurityPolicy
	if cfg.Database.SecureMode {
		security = lifecycle.SecureMode()
	}
	manager := &lifecycle.Manager{
		Config: lifecycle.Config{
			Ephemeral: cfg.Database.EphemeralConnections,
			Security:  security,
			InitSQL:   initSQL,
			HomeDir:   cfg.Database.HomeDir,
			UserAgent: "duckgate/" + version,
			ObjectStorage: lifecycle.ObjectStorageCredentials{
				AccessKeyID:     cfg.ObjectStore.AccessKeyID,
				SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
				SessionToken:    cfg.ObjectStore.SessionToken,
				Region:          cfg.ObjectStore.Region,
				Endpoint:        cfg.ObjectStore.Endpoint,
				URLStyle:        cfg.ObjectStore.URLStyle,
				UseSSL:          cfg.ObjectStore.UseSSL,
			},
		},
		Logger: logger,
	}
	if initial.Kind == target.KindObjectStorage || cfg.Database.AllowSwitch {
		store, err := s3store.New(s3store.Config{
			Endpoint:        cfg.ObjectStore.Endpoint,
			Region:          cfg.ObjectStore.Region,
			AccessKeyID:     cfg.ObjectStore.AccessKeyID,
			SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
			SessionToken:    cfg.ObjectStore.SessionToken,
			UseSSL:          cfg.ObjectStore.UseSSL,
		})
		if err != nil {
			return err
		}
		manager.Objects = store
	}
	if err := manager.Start(ctx, initial); err != nil {
		return err
	}
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Warn("close database", slog.Any("error", err))
		}
	}()

	var guard *query.StatementGuard
	if cfg.Database.ReadOnly && cfg.Database.StatementGuard {
		guard = &query.StatementGuard{}
	}

	recorders := audit.Multi{audit.LogRecorder{Logger: logger}}
	if cfg.Audit.DSN != "" {
		postgresAudit, err := audit.OpenPostgres(ctx, cfg.Audit.DSN, logger.With(slog.String("component", "audit")))
		if err != nil {
			return err
		}
		defer func() { _ = postgresAudit.Close() }()
		recorders = append(recorders, postgresAudit)
	}

	service := tools.NewService(tools.Config{
		MaxRows:        cfg.Limits.MaxRows,
		MaxChars:       cfg.Limits.MaxChars,
		TimeoutSeconds: cfg.Limits.QueryTimeoutSeconds,
		AllowSwitch:    cfg.Database.AllowSwitch,
	}, tools.Dependencies{
		Leases:    manager,
		Executor:  duckdbexec.NewExecutor(manager, guard, logger),
		Inspector: catalog.NewInspector(manager),
		Switcher: &switcher.Coordinator{
			Leases:     manager,
			ServerMode: mode,
			Token:      cfg.Database.MotherDuckToken,
			SaaSMode:   cfg.Database.SaaSMode,
			Logger:     logger,
		},
		Audit:  recorders,
		Logger: logger,
	})

	if cfg.Transport == config.TransportStdio {
		server := mcpserver.New(service, mcpserver.Options{
			Name:     cfg.Service.Name,
			Version:  version,
			ReadOnly: cfg.Database.ReadOnly,
			Logger:   logger,
		})
		logger.Info("serving mcp over stdio")
		return mcpserver.Serve(ctx, server)
	}
	return serveHTTP(ctx, cfg, logger, service)
}

func serveHTTP(ctx context.Context, cfg config.Config, logger *slog.Logger, service *tools.Service) error {
	deps := api.Dependencies{
		Logger:           logger,
		Tools:            service,
		Readiness:        api.CombineReadinessChecks(service.Ready),
		DependencyTimout: 2 * time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			return err
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		_ = server.Close()
		return err
	}
	return nil
}
