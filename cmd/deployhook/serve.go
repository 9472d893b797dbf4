package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deployhook/internal/config"
	"deployhook/internal/deployment"
	"deployhook/internal/rules"
	"deployhook/internal/security"
	"deployhook/internal/server"
	"deployhook/pkg/fileutil"

	"github.com/spf13/cobra"
)

var (
	logFile         string
	reposDir        string
	host            string
	port            int
	shutdownTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Start the HTTP server to receive GitHub webhook requests.

Push events are matched against the rules file and deployed in the
background. Send SIGHUP to reload the rules file without restarting; on
SIGINT or SIGTERM the server stops accepting requests and waits for
in-flight deployments.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&host, "host", "", "Host to bind to (default from settings: 0.0.0.0)")
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (default from settings: 9000)")
	serveCmd.Flags().StringVar(&logFile, "log", "", "Path to log file")
	serveCmd.Flags().StringVar(&reposDir, "repos-dir", "", "Directory holding working copies")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 0, "Maximum time to wait for in-flight deployments on shutdown (0 = wait for all)")
}

func runServe(cmd *cobra.Command, args []string) error {
	settings, settingsFile, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	// Set up logging
	logger, logFileHandle, err := setupLogging(fileutil.ExpandHome(settings.LogFile))
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFileHandle.Close()

	logger.Info("Starting deployhook", "version", version, "settings", settingsFile)

	if err := settings.SecretWarning(); err != nil {
		logger.Warn("Webhook secret is weak; set WEBHOOK_SECRET to a long random value", "reason", err.Error())
	}

	// Load rules, creating an empty file on first run
	path := rulesPath(settings)
	registry, err := rules.Open(path)
	if err != nil {
		logger.Error("Failed to load deployment rules", "rules", path, "error", err)
		return fmt.Errorf("failed to load deployment rules: %w", err)
	}
	logRules(logger, registry.Current(), path)

	if err := security.ValidateSecurePermissions(path); err != nil {
		logger.Warn("Insecure rules file permissions", "error", err)
	}

	executor, err := newExecutor(settings, logger)
	if err != nil {
		return err
	}
	if len(settings.CloneHosts) == 0 {
		logger.Info("Clone hosts", "allowed", "any HTTPS host")
	} else {
		logger.Info("Clone hosts", "allowed", settings.CloneHosts)
	}
	dispatcher := deployment.NewDispatcher(executor, settings.MaxConcurrent, logger)

	srv := newServer(settings, registry, dispatcher, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go watchReload(ctx, registry, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(settings.Host, settings.Port)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", "error", err)
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")

	shutdownCtx := context.Background()
	if shutdownTimeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(shutdownCtx, shutdownTimeout)
		defer cancel()
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", "error", err, "in_flight", dispatcher.InFlight())
		return err
	}

	logger.Info("Shutdown complete")
	return nil
}

func newServer(settings *config.Settings, registry *rules.Registry, dispatcher server.Dispatcher, logger *slog.Logger) *server.Server {
	srv := server.NewServer(registry, dispatcher, settings.Secret, logger)
	srv.WebhookPath = settings.WebhookPath
	srv.HealthPath = settings.HealthPath
	srv.RateLimit = settings.RateLimit
	srv.MaxPayloadBytes = settings.MaxPayloadBytes
	return srv
}

// watchReload swaps in a fresh rules snapshot on every SIGHUP. A rules file
// that fails to load leaves the current snapshot active.
func watchReload(ctx context.Context, registry *rules.Registry, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			set, err := registry.Reload()
			if err != nil {
				logger.Error("Rules reload failed, keeping previous rules", "rules", registry.Path(), "error", err)
				continue
			}
			logger.Info("Rules reloaded")
			logRules(logger, set, registry.Path())
		}
	}
}

func logRules(logger *slog.Logger, set *rules.Set, path string) {
	logger.Info("Deployment rules loaded",
		"rules", path,
		"count", set.Len(),
		"fingerprint", set.Fingerprint())

	if set.Len() == 0 {
		logger.Warn("No deployment rules configured; pushes will be acknowledged but nothing will deploy", "rules", path)
	}
	for _, w := range set.Warnings() {
		logger.Warn("Deployment rule warning", "warning", w)
	}
}
