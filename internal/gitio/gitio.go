// Package gitio provides the git worktree guard using go-git.
package gitio

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// ErrNotARepository indicates the tree root is not inside a git repository.
// The engine skips the clean-tree guard in that case.
var ErrNotARepository = errors.New("not a git repository")

// Repository wraps a go-git repository.
type Repository struct {
	repo *git.Repository
}

// Open opens the repository containing the given path.
func Open(path string) (*Repository, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, ErrNotARepository
		}
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	return &Repository{repo: repo}, nil
}

// IsClean reports whether the worktree has no uncommitted changes.
func (r *Repository) IsClean() (bool, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("getting worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("computing worktree status: %w", err)
	}
	return status.IsClean(), nil
}

// Head returns the current HEAD commit hash, or "" for an unborn branch.
func (r *Repository) Head() (string, error) {
	ref, err := r.repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}
