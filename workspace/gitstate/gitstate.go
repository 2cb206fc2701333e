// Package gitstate implements workspace.State over an in-process Git
// repository using github.com/go-git/go-git/v5 (spec.md §4.1,
// "Workspace State (snapshots)", content-versioned variant). No external
// `git` binary is shelled out to: every operation is a direct go-git call,
// and the repository carries a private, fixed author identity so commits
// never depend on a user- or system-level gitconfig (the isolation
// invariant named in spec.md §4.1).
package gitstate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/okcvm/okcvm/workspace"
)

const defaultLabel = "snapshot"

var author = &object.Signature{
	Name:  "okcvm",
	Email: "okcvm@localhost",
}

// State is a workspace.State backed by a Git repository rooted at
// internal_root.
type State struct {
	repo *git.Repository
	dir  string
}

// Open opens (initializing if necessary) a Git repository at dir, the
// workspace's internal_root.
func Open(dir string) (*State, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		if err != git.ErrRepositoryNotExists {
			return nil, fmt.Errorf("gitstate: open %s: %w", dir, err)
		}
		repo, err = git.PlainInit(dir, false)
		if err != nil {
			return nil, fmt.Errorf("gitstate: init %s: %w", dir, err)
		}
	}
	return &State{repo: repo, dir: dir}, nil
}

// Snapshot implements workspace.State.Snapshot.
func (s *State) Snapshot(_ context.Context, label string) (string, error) {
	wt, err := s.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("gitstate: worktree: %w", err)
	}
	if err := wt.AddGlob("."); err != nil && err != git.ErrGlobNoMatches {
		return "", fmt.Errorf("gitstate: stage changes: %w", err)
	}

	msg := collapseLabel(label)
	if msg == "" {
		msg = defaultLabel
	}
	sig := *author
	sig.When = time.Now()
	hash, err := wt.Commit(msg, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            &sig,
		Committer:         &sig,
	})
	if err != nil {
		return "", fmt.Errorf("gitstate: commit: %w", err)
	}
	return hash.String(), nil
}

func collapseLabel(label string) string {
	fields := strings.Fields(label)
	return strings.Join(fields, " ")
}

// ListSnapshots implements workspace.State.ListSnapshots.
func (s *State) ListSnapshots(_ context.Context, limit int) ([]workspace.Snapshot, error) {
	if limit <= 0 {
		limit = workspace.DefaultSnapshotLimit
	}
	head, err := s.repo.Head()
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("gitstate: head: %w", err)
	}

	iter, err := s.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("gitstate: log: %w", err)
	}
	defer iter.Close()

	branchByHash := s.branchesByHash()

	out := make([]workspace.Snapshot, 0, limit)
	for len(out) < limit {
		c, err := iter.Next()
		if err != nil {
			break
		}
		out = append(out, workspace.Snapshot{
			ID:        c.Hash.String(),
			Label:     firstLine(c.Message),
			CreatedAt: c.Author.When,
			Branch:    branchByHash[c.Hash.String()],
		})
	}
	return out, nil
}

func firstLine(msg string) string {
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}

func (s *State) branchesByHash() map[string]string {
	out := map[string]string{}
	refs, err := s.repo.Branches()
	if err != nil {
		return out
	}
	defer refs.Close()
	_ = refs.ForEach(func(ref *plumbing.Reference) error {
		out[ref.Hash().String()] = ref.Name().Short()
		return nil
	})
	return out
}

// Restore implements workspace.State.Restore.
func (s *State) Restore(_ context.Context, commitID, branch string, checkout bool) (bool, error) {
	var target plumbing.Hash
	switch {
	case commitID != "":
		if !plumbing.IsHash(commitID) {
			return false, workspace.ErrUnknownSnapshot
		}
		target = plumbing.NewHash(commitID)
		if _, err := s.repo.CommitObject(target); err != nil {
			return false, workspace.ErrUnknownSnapshot
		}
	case branch != "":
		ref, err := s.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
		if err != nil {
			return false, workspace.ErrUnknownSnapshot
		}
		target = ref.Hash()
	default:
		return false, fmt.Errorf("gitstate: restore: either commit id or branch is required")
	}

	wt, err := s.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("gitstate: worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: target, Mode: git.HardReset}); err != nil {
		return false, fmt.Errorf("gitstate: reset: %w", err)
	}
	if checkout {
		if err := wt.Checkout(&git.CheckoutOptions{Hash: target, Force: true}); err != nil {
			return false, fmt.Errorf("gitstate: checkout: %w", err)
		}
	}
	return true, nil
}

// EnsureBranch implements workspace.State.EnsureBranch.
func (s *State) EnsureBranch(_ context.Context, name, commitID string, checkout bool) error {
	if name == "" {
		return fmt.Errorf("gitstate: branch name is required")
	}
	var target plumbing.Hash
	if commitID != "" {
		if !plumbing.IsHash(commitID) {
			return workspace.ErrUnknownSnapshot
		}
		target = plumbing.NewHash(commitID)
	} else {
		head, err := s.repo.Head()
		if err != nil {
			return fmt.Errorf("gitstate: head: %w", err)
		}
		target = head.Hash()
	}

	refName := plumbing.NewBranchReferenceName(name)
	ref := plumbing.NewHashReference(refName, target)
	if err := s.repo.Storer.SetReference(ref); err != nil {
		return fmt.Errorf("gitstate: set branch ref: %w", err)
	}
	if checkout {
		wt, err := s.repo.Worktree()
		if err != nil {
			return fmt.Errorf("gitstate: worktree: %w", err)
		}
		if err := wt.Checkout(&git.CheckoutOptions{Branch: refName, Force: true}); err != nil {
			return fmt.Errorf("gitstate: checkout branch: %w", err)
		}
	}
	return nil
}

// DescribeHead implements workspace.State.DescribeHead.
func (s *State) DescribeHead(_ context.Context) (workspace.Head, error) {
	head, err := s.repo.Head()
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return workspace.Head{}, nil
		}
		return workspace.Head{}, fmt.Errorf("gitstate: head: %w", err)
	}
	var branch string
	if head.Name().IsBranch() {
		branch = head.Name().Short()
	}

	wt, err := s.repo.Worktree()
	if err != nil {
		return workspace.Head{}, fmt.Errorf("gitstate: worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return workspace.Head{}, fmt.Errorf("gitstate: status: %w", err)
	}

	return workspace.Head{
		Commit:  head.Hash().String(),
		Branch:  branch,
		IsDirty: !status.IsClean(),
	}, nil
}
