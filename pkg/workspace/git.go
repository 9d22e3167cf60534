package workspace

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const DefaultRepositoryURL = "https://github.com/Aircoookie/WLED.git"

var fetchRefSpecs = []config.RefSpec{
	"+refs/heads/*:refs/remotes/origin/*",
	"+refs/tags/*:refs/tags/*",
}

// GitCheckouter fetches URL into an empty directory and checks out a commit,
// branch or tag.
type GitCheckouter struct {
	URL string
}

func NewGitCheckouter(url string) *GitCheckouter {
	if url == "" {
		url = DefaultRepositoryURL
	}
	return &GitCheckouter{URL: url}
}

func (g *GitCheckouter) Checkout(ctx context.Context, dir, revision string) (string, error) {
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		return "", fmt.Errorf("init repository: %w", err)
	}
	if _, err := repo.CreateRemote(&config.RemoteConfig{
		Name: git.DefaultRemoteName,
		URLs: []string{g.URL},
	}); err != nil {
		return "", fmt.Errorf("create remote: %w", err)
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   fetchRefSpecs,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", fmt.Errorf("fetch %s: %w", g.URL, err)
	}

	commit, err := resolve(repo, revision)
	if err != nil {
		return "", err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: commit.Hash, Force: true}); err != nil {
		return "", fmt.Errorf("checkout %s: %w", commit.Hash, err)
	}
	return commit.Hash.String(), nil
}

// resolve tries revision as a commit, then as a remote branch, then as a tag.
func resolve(repo *git.Repository, revision string) (*object.Commit, error) {
	if revision == "" {
		return nil, &ReferenceError{Revision: revision}
	}

	for _, candidate := range []string{revision, git.DefaultRemoteName + "/" + revision} {
		hash, err := repo.ResolveRevision(plumbing.Revision(candidate))
		if err != nil {
			continue
		}
		if c, err := repo.CommitObject(*hash); err == nil {
			return c, nil
		}
	}

	// annotated tags point at a tag object rather than a commit
	if ref, err := repo.Tag(revision); err == nil {
		if tag, err := repo.TagObject(ref.Hash()); err == nil {
			if c, err := tag.Commit(); err == nil {
				return c, nil
			}
		}
	}
	return nil, &ReferenceError{Revision: revision}
}
