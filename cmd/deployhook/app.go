package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"deployhook/internal/config"
	"deployhook/internal/deployment"
	"deployhook/internal/security"
	"deployhook/pkg/fileutil"

	"github.com/spf13/cobra"
)

// loadSettings resolves settings for cmd: defaults, settings file, .env,
// environment, then any flag the user set explicitly.
func loadSettings(cmd *cobra.Command) (*config.Settings, string, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, "", err
	}

	settings, used, err := config.Load(configFile)
	if err != nil {
		return nil, "", err
	}

	if flagChanged(cmd, "rules") {
		settings.RulesFile = rulesFile
	}
	if flagChanged(cmd, "host") {
		settings.Host = host
	}
	if flagChanged(cmd, "port") {
		settings.Port = port
	}
	if flagChanged(cmd, "log") {
		settings.LogFile = logFile
	}
	if flagChanged(cmd, "repos-dir") {
		settings.ReposDir = reposDir
	}

	if err := settings.Validate(); err != nil {
		return nil, "", err
	}

	return settings, used, nil
}

func flagChanged(cmd *cobra.Command, name string) bool {
	f := cmd.Flags().Lookup(name)
	return f != nil && f.Changed
}

// rulesPath returns the expanded rules file location.
func rulesPath(settings *config.Settings) string {
	return fileutil.ExpandHome(settings.RulesFile)
}

// newExecutor wires the configured sync backend and deploy command.
func newExecutor(settings *config.Settings, logger *slog.Logger) (*deployment.Executor, error) {
	deployer, err := deployment.NewCommandDeployer(settings.DeployCommand, settings.DeployTimeout)
	if err != nil {
		return nil, err
	}

	var syncer deployment.Syncer
	switch settings.SyncBackend {
	case config.BackendGoGit:
		syncer = &deployment.GoGitSyncer{Timeout: settings.SyncTimeout}
	default:
		syncer = &deployment.GitSyncer{Timeout: settings.SyncTimeout}
	}

	reposDir := fileutil.ExpandHome(settings.ReposDir)
	if err := security.CreateSecureDir(reposDir, security.PermDirectory); err != nil {
		return nil, fmt.Errorf("failed to prepare repos dir: %w", err)
	}

	return &deployment.Executor{
		ReposDir:   reposDir,
		Syncer:     syncer,
		Deployer:   deployer,
		CloneHosts: settings.CloneHosts,
		Logger:     logger,
		Secrets:    []string{settings.Secret},
	}, nil
}

// setupLogging configures slog for file logging
// Returns both the logger and the file handle (caller must close the file)
func setupLogging(logPath string) (*slog.Logger, *os.File, error) {
	// Create log directory if needed
	logDir := filepath.Dir(logPath)
	if err := security.CreateSecureDir(logDir, security.PermDirectory); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open log file with secure permissions
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, security.PermLogFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Create multi-writer to log to both file and console
	multiWriter := io.MultiWriter(os.Stdout, file)

	// Create JSON handler for structured logging
	handler := slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})

	return slog.New(handler), file, nil
}
