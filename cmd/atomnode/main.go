// Package main implements the atomnode daemon: the local plugin
// installer, execution orchestrator, and HTTP API in a single process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atomnode/node/internal/config"
	"github.com/atomnode/node/internal/db"
	"github.com/atomnode/node/internal/env"
	"github.com/atomnode/node/internal/executionstore"
	"github.com/atomnode/node/internal/httpapi"
	"github.com/atomnode/node/internal/installer"
	"github.com/atomnode/node/internal/orchestrator"
	"github.com/atomnode/node/internal/paths"
	"github.com/atomnode/node/internal/pluginstore"
	"github.com/atomnode/node/internal/supervisor"
)

var (
	version   = "dev"
	buildTime = "unknown"
	cfgRoot   string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:     "atomnode",
	Short:   "atomnode - install, manage, and execute local plugins",
	Version: fmt.Sprintf("%s (built %s)", version, buildTime),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgRoot, "config", "", "install root directory (default: ATOMNODE_HOME or the executable's parent directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon: HTTP API, plugin store, and execution orchestrator",
	RunE:  runServe,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		resolver, err := paths.NewResolver(cfgRoot)
		if err != nil {
			return fmt.Errorf("failed to resolve install root: %w", err)
		}
		if _, err := config.Load(resolver); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		fmt.Println("Configuration is valid")
		return nil
	},
}

func runServe(cmd *cobra.Command, args []string) error {
	resolver, err := paths.NewResolver(cfgRoot)
	if err != nil {
		return fmt.Errorf("failed to resolve install root: %w", err)
	}

	cfg, err := config.Load(resolver)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting atomnode",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("install_root", resolver.Root()),
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
	)

	for _, dir := range []string{resolver.PluginsDir(), resolver.DataDir(), resolver.ConfDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer conn.Close()

	plugins := pluginstore.New(conn)
	executions := executionstore.New(conn)
	provisioner := env.New(logger, cfg.PackagingCLI)
	install := installer.New(logger, plugins, resolver, provisioner)
	sup := supervisor.New(logger, executions, resolver, cfg.PreviewTTL)
	orch := orchestrator.New(logger, plugins, executions, sup, cfg.ScriptInterpreter, version)
	server := httpapi.New(logger, plugins, install, orch)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serveErrCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}

	logger.Info("atomnode stopped")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	var level zap.AtomicLevel
	switch cfg.Level {
	case "debug":
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zapConfig.Level = level

	return zapConfig.Build()
}
