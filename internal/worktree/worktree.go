// Package worktree reads the repository a process is operating on. It
// answers the two questions the orchestrator keeps asking: what changed
// since the run started, and which commits produced those changes.
package worktree

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrNotRepository indicates the path is not inside a git repository.
var ErrNotRepository = errors.New("worktree: not a git repository")

// CommitInfo is one commit in a Log response.
type CommitInfo struct {
	ShortHash string `json:"short_hash"`
	Message   string `json:"message"`
}

// Tree wraps an opened repository rooted at a working directory.
type Tree struct {
	repo *git.Repository
	path string
}

// Open opens the repository containing path.
func Open(path string) (*Tree, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotRepository, path)
		}
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	return &Tree{repo: repo, path: path}, nil
}

// HeadSHA returns the full hash of the current HEAD commit.
func (t *Tree) HeadSHA() (string, error) {
	head, err := t.repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// Diff returns the unified diff from the since commit to HEAD. Output
// longer than maxBytes is cut at the limit and truncated reports it.
func (t *Tree) Diff(since string, maxBytes int) (diff string, truncated bool, err error) {
	head, err := t.headCommit()
	if err != nil {
		return "", false, err
	}
	base, err := t.commit(since)
	if err != nil {
		return "", false, err
	}

	patch, err := base.Patch(head)
	if err != nil {
		return "", false, fmt.Errorf("computing diff: %w", err)
	}

	out := patch.String()
	if maxBytes > 0 && len(out) > maxBytes {
		return out[:maxBytes], true, nil
	}
	return out, false, nil
}

// Log returns the commits from HEAD back to (but excluding) since,
// newest first. Messages are trimmed to their first line.
func (t *Tree) Log(since string) ([]CommitInfo, error) {
	head, err := t.headCommit()
	if err != nil {
		return nil, err
	}
	stop := plumbing.NewHash(since)

	iter, err := t.repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("walking commit log: %w", err)
	}
	defer iter.Close()

	var out []CommitInfo
	err = iter.ForEach(func(c *object.Commit) error {
		if c.Hash == stop {
			return errStopIteration
		}
		out = append(out, CommitInfo{
			ShortHash: c.Hash.String()[:8],
			Message:   firstLine(c.Message),
		})
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, fmt.Errorf("walking commit log: %w", err)
	}
	return out, nil
}

var errStopIteration = errors.New("stop iteration")

func (t *Tree) headCommit() (*object.Commit, error) {
	head, err := t.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	}
	return t.commit(head.Hash().String())
}

func (t *Tree) commit(sha string) (*object.Commit, error) {
	c, err := t.repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		return nil, fmt.Errorf("resolving commit %s: %w", sha, err)
	}
	return c, nil
}

func firstLine(msg string) string {
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return strings.TrimSpace(msg)
}
