// Package main provides the entry point for the Corral sandbox engine server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/corraldb/corral/cmd/server/config"
	"github.com/corraldb/corral/cmd/server/middleware"
	"github.com/corraldb/corral/pkg/api"
	"github.com/corraldb/corral/pkg/cache"
	"github.com/corraldb/corral/pkg/gateway"
	"github.com/corraldb/corral/pkg/metrics"
	"github.com/corraldb/corral/pkg/registry"
	"github.com/corraldb/corral/pkg/router"
	"github.com/corraldb/corral/pkg/sandbox"
	"github.com/corraldb/corral/pkg/session"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "corral",
	Short: "Corral sandbox engine",
	Long: `Corral provisions isolated per-user sandbox databases on a shared
SQL Server and routes queries through confirmation, quota, and caching
safeguards.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Corral sandbox engine server",
	Long: `Start the sandbox engine server with the specified configuration.

Example:
  corral serve --config ./config.yaml
  corral serve --address 0.0.0.0:8080 --sql-host db.internal --sql-user sa`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "config file path")
	serveCmd.Flags().String("address", "0.0.0.0:8080", "server listen address")
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().String("sql-host", "", "SQL Server host")
	serveCmd.Flags().Int("sql-port", 1433, "SQL Server port")
	serveCmd.Flags().String("sql-user", "", "SQL Server admin login")
	serveCmd.Flags().String("sql-password", "", "SQL Server admin password")
	serveCmd.Flags().String("registry-path", "corral.db", "sandbox registry database path")
	serveCmd.Flags().String("jwt-secret", "", "HS256 secret for session tokens")
	serveCmd.Flags().Bool("metrics", true, "enable Prometheus metrics")
	serveCmd.Flags().String("metrics-address", ":9090", "metrics server address")
	serveCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "graceful shutdown timeout")

	bindings := map[string]string{
		"config":             "config",
		"address":            "address",
		"log_level":          "log-level",
		"sql_server.host":    "sql-host",
		"sql_server.port":    "sql-port",
		"sql_server.user":    "sql-user",
		"session.jwt_secret": "jwt-secret",
		"registry_path":      "registry-path",
		"metrics.enabled":    "metrics",
		"metrics.address":    "metrics-address",
		"shutdown_timeout":   "shutdown-timeout",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, serveCmd.Flags().Lookup(flag)); err != nil {
			panic(fmt.Errorf("failed to bind flag %s: %w", flag, err))
		}
	}
	// The admin password should come from the environment, not argv.
	if err := viper.BindPFlag("sql_server.password", serveCmd.Flags().Lookup("sql-password")); err != nil {
		panic(fmt.Errorf("failed to bind flag sql-password: %w", err))
	}
	// CORRAL_SQL_SERVER_PASSWORD maps onto sql_server.password.
	viper.SetEnvPrefix("CORRAL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Corral sandbox engine\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", commit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogging(cfg.LogLevel)
	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Msg("Starting Corral sandbox engine")

	// Metrics collector and its server
	var collector metrics.Collector
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		promCollector := metrics.NewPrometheusCollector("corral")
		collector = promCollector

		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promCollector.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Address, Handler: metricsMux}
		go func() {
			logger.Info().Str("address", cfg.Metrics.Address).Msg("Starting metrics server")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	} else {
		collector = metrics.NewNoOpCollector()
	}

	// Core components
	gw := gateway.New(gateway.Config{
		Host:           cfg.SQLServer.Host,
		Port:           cfg.SQLServer.Port,
		User:           cfg.SQLServer.User,
		Password:       cfg.SQLServer.Password,
		Database:       cfg.SQLServer.Database,
		ConnectTimeout: cfg.SQLServer.ConnectTimeout,
		MaxOpenConns:   cfg.SQLServer.MaxOpenConns,
		MaxIdleConns:   cfg.SQLServer.MaxIdleConns,
	}, logger)
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing gateway")
		}
	}()

	store, err := registry.Open(cfg.RegistryPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open sandbox registry: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing registry")
		}
	}()

	var resultCache cache.Cache
	if cfg.Cache.Enabled {
		resultCache = cache.New(cfg.Cache.Capacity, cfg.Cache.TTL)
	}

	tracker := session.NewTracker(cfg.Session.MaxConcurrent, cfg.Session.HistorySize)

	manager := sandbox.NewManager(
		sandbox.NewGatewayAdmin(gw),
		store,
		resultCache,
		collector,
		sandbox.Config{
			DefaultTTL:       cfg.Sandbox.DefaultTTL,
			MaxLifetime:      cfg.Sandbox.MaxLifetime,
			MaxSandboxes:     cfg.Sandbox.MaxSandboxes,
			DataMaxBytes:     cfg.Sandbox.DataMaxBytes,
			LogMaxBytes:      cfg.Sandbox.LogMaxBytes,
			SweepSchedule:    cfg.Sandbox.SweepSchedule,
			SweepParallelism: cfg.Sandbox.SweepParallelism,
		},
		logger,
	)
	if err := manager.StartSweeper(); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}
	defer manager.StopSweeper()

	exec := router.New(gw, store, resultCache, tracker, collector, router.Config{
		DefaultTimeout: cfg.Execution.DefaultTimeout,
		MaxTimeout:     cfg.Execution.MaxTimeout,
		MaxRows:        cfg.Execution.MaxRows,
		MaxWorkers:     cfg.Execution.MaxWorkers,
		CacheTTL:       cfg.Cache.TTL,
	}, logger)

	handler := api.NewHandler(exec, manager, gw, logger)

	// HTTP server
	httpServer := &http.Server{
		Addr:    cfg.Address,
		Handler: buildRouter(cfg, handler, tracker, collector, logger),
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Str("address", cfg.Address).Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-shutdownCh:
		logger.Info().Msg("Received shutdown signal")
	case err := <-serverErrCh:
		return err
	}

	logger.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("Starting graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during server shutdown")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("Server shutdown complete")
	return nil
}

// buildRouter assembles the middleware chain and mounts the API.
func buildRouter(cfg *config.Config, handler *api.Handler, tracker *session.Tracker, collector metrics.Collector, logger zerolog.Logger) chi.Router {
	recoverMW := middleware.NewRecoveryMiddleware(logger.With().Str("component", "recovery_middleware").Logger())
	logMW := middleware.NewLoggingMiddleware(logger.With().Str("component", "logging_middleware").Logger())
	metricsMW := middleware.NewMetricsMiddleware(collector)
	authMW := middleware.NewAuthMiddleware(cfg.Session.JWTSecret, tracker, logger.With().Str("component", "auth_middleware").Logger())

	r := chi.NewRouter()
	r.Use(recoverMW.Handler)
	r.Use(logMW.Handler)
	r.Use(metricsMW.Handler)
	if cfg.RateLimit.Enabled {
		r.Use(middleware.RateLimiter(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Liveness stays outside the authenticated group.
	r.Get("/healthz", handler.Health)

	r.Group(func(r chi.Router) {
		r.Use(authMW.Handler)
		r.Mount("/api", handler.Routes())
	})
	return r
}

func loadConfig() (*config.Config, error) {
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return config.Load(viper.GetViper())
}

func setupLogging(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout).
		Level(logLevel).
		With().
		Timestamp().
		Str("service", "corral")

	if logLevel == zerolog.DebugLevel {
		logger = logger.Caller()
	}
	return logger.Logger()
}
