package deployment

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"deployhook/internal/security"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
)

// GoGitSyncer implements Syncer in-process with go-git, for hosts without a
// git binary. Only anonymous HTTPS clones are supported.
type GoGitSyncer struct {
	// Timeout bounds each clone or pull; zero means no timeout.
	Timeout time.Duration
}

// Clone creates a single-branch clone of cloneURL at path.
func (g *GoGitSyncer) Clone(ctx context.Context, cloneURL, branch, path string) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	if err := security.CreateSecureDir(filepath.Dir(path), security.PermDirectory); err != nil {
		return err
	}

	_, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
		URL:           cloneURL,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
	})
	if err != nil {
		return fmt.Errorf("go-git clone: %w", err)
	}

	return nil
}

// Pull fetches branch from origin and force-checks it out, mirroring
// GitSyncer.Pull.
func (g *GoGitSyncer) Pull(ctx context.Context, path, branch string) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	repo, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("go-git open %s: %w", path, err)
	}

	remoteRef := plumbing.NewRemoteReferenceName("origin", branch)
	localRef := plumbing.NewBranchReferenceName(branch)
	refspec := gitconfig.RefSpec(fmt.Sprintf("+%s:%s", localRef, remoteRef))

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{refspec},
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("go-git fetch: %w", err)
	}

	ref, err := repo.Reference(remoteRef, true)
	if err != nil {
		return fmt.Errorf("go-git resolve %s: %w", remoteRef, err)
	}

	if err := repo.Storer.SetReference(plumbing.NewHashReference(localRef, ref.Hash())); err != nil {
		return fmt.Errorf("go-git update %s: %w", localRef, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("go-git worktree: %w", err)
	}

	if err := wt.Checkout(&git.CheckoutOptions{Branch: localRef, Force: true}); err != nil {
		return fmt.Errorf("go-git checkout %s: %w", branch, err)
	}

	return nil
}

func (g *GoGitSyncer) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.Timeout > 0 {
		return context.WithTimeout(ctx, g.Timeout)
	}
	return context.WithCancel(ctx)
}
