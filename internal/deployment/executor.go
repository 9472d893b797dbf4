package deployment

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"time"

	"deployhook/internal/security"
	"deployhook/pkg/cmdutil"
	"deployhook/pkg/fileutil"
)

// DefaultReposDir is where working copies live, one directory per repository.
const DefaultReposDir = "~/.deployhook/repos"

// MaxLoggedOutput caps how much deploy stdout/stderr is copied into a log line.
const MaxLoggedOutput = 64 * 1024

// Sync actions recorded on a Result.
const (
	SyncClone = "clone"
	SyncPull  = "pull"
)

// Result is the outcome of one job. It is only ever reported through logs.
type Result struct {
	JobID       string
	State       State
	WorkingCopy string
	SyncAction  string
	Deploy      *cmdutil.Result
	Err         error
	Duration    time.Duration
}

// Executor performs the sync-then-deploy sequence for one job.
type Executor struct {
	ReposDir   string
	Syncer     Syncer
	Deployer   Deployer
	CloneHosts []string
	Logger     *slog.Logger

	// Secrets are redacted from deploy output before it is logged.
	Secrets []string
}

// WorkingCopy returns the on-disk location of repo's working copy.
func (e *Executor) WorkingCopy(repo string) string {
	return filepath.Join(fileutil.ExpandHome(e.ReposDir), repo)
}

// Run executes job to completion. It never returns an error or panics:
// failures end the job in StateFailed and are logged.
func (e *Executor) Run(ctx context.Context, job *Job) (result *Result) {
	start := time.Now()
	logger := e.logger().With(job.LogAttrs()...)

	result = &Result{JobID: job.ID, State: StatePending}

	defer func() {
		if r := recover(); r != nil {
			result.State = StateFailed
			result.Err = fmt.Errorf("panic during deployment: %v", r)
			logger.Error("Deployment panicked",
				"state", result.State,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
		result.Duration = time.Since(start)
	}()

	logger.Info("Deployment started", "state", StatePending)

	path, err := e.prepare(job)
	if err != nil {
		return e.fail(logger, result, "Deployment rejected", err)
	}
	result.WorkingCopy = path

	// Sync
	result.State = StateSyncing
	if fileutil.DirExists(path) {
		result.SyncAction = SyncPull
		logger.Info("Syncing working copy", "state", result.State, "action", SyncPull, "path", path)
		err = e.Syncer.Pull(ctx, path, job.Branch)
	} else {
		if err := security.ValidateCloneURL(job.CloneURL, e.CloneHosts); err != nil {
			return e.fail(logger, result, "Deployment rejected", fmt.Errorf("clone url: %w", err))
		}
		result.SyncAction = SyncClone
		logger.Info("Syncing working copy", "state", result.State, "action", SyncClone, "path", path)
		err = e.Syncer.Clone(ctx, job.CloneURL, job.Branch, path)
	}
	if err != nil {
		return e.fail(logger, result, "Sync failed", err)
	}

	// Deploy
	result.State = StateDeploying
	logger.Info("Running deploy command", "state", result.State, "path", path)

	deployResult, err := e.Deployer.Deploy(ctx, path, job.Rule.Target, job.Rule.AppName)
	result.Deploy = deployResult
	if err != nil {
		if deployResult != nil {
			logger.Error("Deploy command output",
				"exit_code", deployResult.ExitCode,
				"stderr", e.output(deployResult.Stderr),
				"stdout", e.output(deployResult.Stdout),
			)
		}
		return e.fail(logger, result, "Deploy failed", err)
	}

	result.State = StateSucceeded
	attrs := []any{
		"state", result.State,
		"sync", result.SyncAction,
		"stdout", e.output(deployResult.Stdout),
	}
	if len(deployResult.Stderr) > 0 {
		attrs = append(attrs, "stderr", e.output(deployResult.Stderr))
	}
	attrs = append(attrs, "duration_ms", time.Since(start).Milliseconds())
	logger.Info("Deployment succeeded", attrs...)

	return result
}

func (e *Executor) prepare(job *Job) (string, error) {
	if e.Syncer == nil || e.Deployer == nil {
		return "", fmt.Errorf("executor is missing a syncer or deployer")
	}
	if err := security.ValidateRepoName(job.Rule.Repo); err != nil {
		return "", err
	}
	if err := security.ValidateBranchName(job.Branch); err != nil {
		return "", err
	}

	base := fileutil.ExpandHome(e.ReposDir)
	path, err := security.EnsureWithin(base, filepath.Join(base, job.Rule.Repo))
	if err != nil {
		return "", err
	}

	return path, nil
}

func (e *Executor) fail(logger *slog.Logger, result *Result, msg string, err error) *Result {
	result.State = StateFailed
	result.Err = err
	logger.Error(msg, "state", result.State, "error", err)
	return result
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// output prepares command output for a log line.
func (e *Executor) output(raw []byte) string {
	return truncate(cmdutil.SanitizeOutput(raw, e.Secrets))
}

func truncate(output []byte) string {
	if len(output) > MaxLoggedOutput {
		return string(output[:MaxLoggedOutput]) + "...(truncated)"
	}
	return string(output)
}
