package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"deployhook/internal/deployment"
	"deployhook/internal/event"
	"deployhook/internal/rules"
	"deployhook/pkg/fileutil"

	"github.com/spf13/cobra"
)

var (
	deployCloneURL string
	deployBranch   string
)

var deployCmd = &cobra.Command{
	Use:   "deploy REPO",
	Short: "Run one deployment now, as if a push had arrived",
	Long: `Match REPO and --branch against the deployment rules and, if a rule
applies, sync the working copy and run the deploy command in the foreground.

The clone URL is only used when no working copy exists yet.`,
	Example: `  deployhook deploy site --clone-url https://github.com/acme/site.git
  deployhook deploy site --branch develop`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().StringVar(&deployCloneURL, "clone-url", "", "HTTPS clone URL of the repository")
	deployCmd.Flags().StringVar(&deployBranch, "branch", rules.DefaultBranch, "Branch that was pushed")
	deployCmd.Flags().StringVar(&reposDir, "repos-dir", "", "Directory holding working copies")
	deployCmd.Flags().StringVar(&logFile, "log", "", "Path to log file")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	settings, _, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	logger, logFileHandle, err := setupLogging(fileutil.ExpandHome(settings.LogFile))
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFileHandle.Close()

	set, err := rules.LoadFile(rulesPath(settings))
	if err != nil {
		return err
	}

	repo := args[0]
	rule, ok := set.Match(repo, deployBranch)
	if !ok {
		return fmt.Errorf("no deployment rule matches %s@%s", repo, deployBranch)
	}

	executor, err := newExecutor(settings, logger)
	if err != nil {
		return err
	}

	if deployCloneURL == "" && !fileutil.DirExists(executor.WorkingCopy(repo)) {
		return fmt.Errorf("no working copy for %s yet; --clone-url is required", repo)
	}

	push := &event.PushEvent{
		RepositoryName: repo,
		CloneURL:       deployCloneURL,
		Branch:         deployBranch,
		Ref:            "refs/heads/" + deployBranch,
	}
	job := deployment.NewJob(rule, push, "manual")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result := executor.Run(ctx, job)
	if result.State != deployment.StateSucceeded {
		return fmt.Errorf("deployment %s failed: %w", job.ID, result.Err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Deployed %s to %s (%s) in %s\n", repo, rule.Target, result.SyncAction, result.Duration.Round(time.Millisecond))
	return nil
}

