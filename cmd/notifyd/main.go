// Package main implements notifyd, the realtime notification hub. It
// accepts authenticated WebSocket connections from dashboard clients,
// ingests notifications from domain producers over NATS, and serves the
// HTTP polling and sync endpoints degraded clients fall back to.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mailsense/realtime/auth"
	"github.com/mailsense/realtime/config"
	"github.com/mailsense/realtime/hub"
	"github.com/mailsense/realtime/metric"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "notifyd"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// CLI flags win over file settings for log output.
	logLevel := cfg.Log.Level
	if cliCfg.LogLevel != "" {
		logLevel = cliCfg.LogLevel
	}
	logFormat := cfg.Log.Format
	if cliCfg.LogFormat != "" {
		logFormat = cliCfg.LogFormat
	}
	logger := setupLogger(logLevel, logFormat)
	slog.SetDefault(logger)

	slog.Info("Starting notifyd",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()
	return runHub(ctx, cfg, logger, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and handles the version/help exits.
func initializeCLI() (*CLIConfig, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}

	if cliCfg.ShowHelp {
		printHelp()
		return nil, true, nil
	}

	return cliCfg, false, nil
}

func runHub(ctx context.Context, cfg config.Config, logger *slog.Logger, shutdownTimeout time.Duration) error {
	secret := os.Getenv(cfg.Auth.JWTSecretEnv)
	if secret == "" {
		return fmt.Errorf("signing secret not set: export %s", cfg.Auth.JWTSecretEnv)
	}

	var authOpts []auth.Option
	if cfg.Auth.Issuer != "" {
		authOpts = append(authOpts, auth.WithIssuer(cfg.Auth.Issuer))
	}
	authenticator, err := auth.NewJWTAuthenticator([]byte(secret), logger, authOpts...)
	if err != nil {
		return fmt.Errorf("create authenticator: %w", err)
	}

	metricsRegistry := metric.NewMetricsRegistry()

	gateway, err := hub.NewGateway(cfg.Hub, authenticator, logger, metricsRegistry, nil)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	natsConn, err := connectNATS(cfg.NATS, logger)
	if err != nil {
		return err
	}
	defer natsConn.Close()

	ingest, err := hub.NewIngest(natsConn, gateway, logger)
	if err != nil {
		return fmt.Errorf("create ingest: %w", err)
	}

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := gateway.Start(signalCtx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	if err := ingest.Start(); err != nil {
		_ = gateway.Stop(shutdownTimeout)
		return fmt.Errorf("start ingest: %w", err)
	}

	apiServer := &http.Server{
		Addr:              cfg.Hub.ListenAddr,
		Handler:           gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.Hub.MetricsAddr,
		Handler:           metricsRegistry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("API server listening", "addr", cfg.Hub.ListenAddr, "ws_path", cfg.Hub.WSPath)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	if cfg.Hub.MetricsAddr != "" {
		go func() {
			slog.Info("Metrics server listening", "addr", cfg.Hub.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	slog.Info("notifyd started")

	select {
	case err := <-errCh:
		return err
	case <-signalCtx.Done():
		slog.Info("Received shutdown signal")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := ingest.Stop(); err != nil {
		slog.Error("Error stopping ingest", "error", err)
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error stopping API server", "error", err)
	}
	if cfg.Hub.MetricsAddr != "" {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if err := gateway.Stop(shutdownTimeout); err != nil {
		slog.Error("Error stopping gateway", "error", err)
	}

	slog.Info("notifyd shutdown complete")
	return nil
}

func connectNATS(cfg config.NATSConfig, logger *slog.Logger) (*nats.Conn, error) {
	slog.Info("Connecting to NATS", "urls", cfg.URLs)
	conn, err := nats.Connect(
		strings.Join(cfg.URLs, ","),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait.Std()),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}

// printHelp prints help information
func printHelp() {
	printDetailedHelp()
}
