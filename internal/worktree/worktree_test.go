package worktree

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRepo creates a repository with an initial commit and returns
// the path plus a helper that commits a file change.
func newTestRepo(t *testing.T) (string, func(name, content, message string) string) {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	commit := func(name, content, message string) string {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
		_, err := wt.Add(name)
		require.NoError(t, err)
		hash, err := wt.Commit(message, &git.CommitOptions{
			Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
		})
		require.NoError(t, err)
		return hash.String()
	}

	commit("README.md", "hello\n", "initial commit")
	return dir, commit
}

func TestOpenNonRepository(t *testing.T) {
	_, err := Open(t.TempDir())
	assert.ErrorIs(t, err, ErrNotRepository)
}

func TestHeadSHA(t *testing.T) {
	dir, commit := newTestRepo(t)
	sha := commit("a.txt", "a\n", "add a")

	tree, err := Open(dir)
	require.NoError(t, err)

	head, err := tree.HeadSHA()
	require.NoError(t, err)
	assert.Equal(t, sha, head)
}

func TestDiffSinceCommit(t *testing.T) {
	dir, commit := newTestRepo(t)

	tree, err := Open(dir)
	require.NoError(t, err)
	base, err := tree.HeadSHA()
	require.NoError(t, err)

	commit("feature.go", "package feature\n", "add feature")

	diff, truncated, err := tree.Diff(base, 0)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Contains(t, diff, "feature.go")
	assert.Contains(t, diff, "package feature")
}

func TestDiffTruncation(t *testing.T) {
	dir, commit := newTestRepo(t)

	tree, err := Open(dir)
	require.NoError(t, err)
	base, err := tree.HeadSHA()
	require.NoError(t, err)

	commit("big.txt", "line one\nline two\nline three\n", "add big file")

	diff, truncated, err := tree.Diff(base, 16)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Len(t, diff, 16)
}

func TestLogStopsAtSince(t *testing.T) {
	dir, commit := newTestRepo(t)

	tree, err := Open(dir)
	require.NoError(t, err)
	base, err := tree.HeadSHA()
	require.NoError(t, err)

	commit("a.txt", "a\n", "first change\n\nwith a body")
	commit("b.txt", "b\n", "second change")

	log, err := tree.Log(base)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, "second change", log[0].Message)
	assert.Equal(t, "first change", log[1].Message)
	assert.Len(t, log[0].ShortHash, 8)
}
