package deployment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"deployhook/internal/security"
	"deployhook/pkg/cmdutil"
)

// Syncer is the version-control capability the executor delegates to.
// Any returned error is a sync failure.
type Syncer interface {
	// Clone creates a working copy of cloneURL at path, checked out at branch.
	Clone(ctx context.Context, cloneURL, branch, path string) error
	// Pull brings the working copy at path to the latest state of branch.
	Pull(ctx context.Context, path, branch string) error
}

// GitSyncer implements Syncer with the git command-line client.
type GitSyncer struct {
	// Binary is the git executable; "git" when empty.
	Binary string
	// Timeout bounds each git invocation; zero means no timeout.
	Timeout time.Duration
}

// Clone runs `git clone --branch <branch> -- <url> <path>`.
func (g *GitSyncer) Clone(ctx context.Context, cloneURL, branch, path string) error {
	if err := security.CreateSecureDir(filepath.Dir(path), security.PermDirectory); err != nil {
		return err
	}

	_, err := g.run(ctx, "", "clone", "--branch", branch, "--", cloneURL, path)
	return err
}

// Pull fetches branch from origin and force-checks it out, discarding any
// local changes in the working copy. Working copies are shared by every
// rule for the same repository, so the branch is selected explicitly.
func (g *GitSyncer) Pull(ctx context.Context, path, branch string) error {
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		return fmt.Errorf("working copy %s is not a git repository: %w", path, err)
	}

	refspec := fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch)
	if _, err := g.run(ctx, path, "fetch", "origin", refspec); err != nil {
		return err
	}

	_, err := g.run(ctx, path, "checkout", "--force", "-B", branch, "refs/remotes/origin/"+branch)
	return err
}

func (g *GitSyncer) run(ctx context.Context, dir string, args ...string) (*cmdutil.Result, error) {
	binary := g.Binary
	if binary == "" {
		binary = "git"
	}

	cmd := append([]string{binary}, args...)
	result, err := cmdutil.Run(ctx, cmdutil.ExecOptions{
		Dir:     dir,
		Timeout: g.Timeout,
		// Never block on a credential prompt
		Env: []string{"GIT_TERMINAL_PROMPT=0"},
	}, cmd)
	if err != nil {
		detail := ""
		if result != nil {
			detail = strings.TrimSpace(string(result.Stderr))
		}
		if detail != "" {
			return result, fmt.Errorf("git %s: %w: %s", args[0], err, detail)
		}
		return result, fmt.Errorf("git %s: %w", args[0], err)
	}

	return result, nil
}
