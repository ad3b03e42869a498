package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fixbench/fixbench/api/schemas"
	"github.com/fixbench/fixbench/internal/config"
)

// upstream is a local repository standing in for the remote forge.
type upstream struct {
	dir    string
	parent string
	fix    string
}

func newUpstream(t *testing.T) upstream {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	sig := &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()}
	write := func(name, contents string) {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
		_, err := wt.Add(name)
		require.NoError(t, err)
	}

	write("app.py", "def handler():\n    return 301\n")
	write("util.py", "helper = True\n")
	write("requirements.txt", "flask==2.1.0\n")
	parent, err := wt.Commit("introduce handler", &git.CommitOptions{Author: sig})
	require.NoError(t, err)

	write("app.py", "def handler():\n    return 302\n")
	write("util.py", "helper = False\n")
	fix, err := wt.Commit("fix redirect status", &git.CommitOptions{Author: sig})
	require.NoError(t, err)

	return upstream{dir: dir, parent: parent.String(), fix: fix.String()}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(config.CacheConfig{Root: t.TempDir(), FetchRateLimit: 100}, zap.NewNop())
}

func TestStoreGet_MaterializesTree(t *testing.T) {
	up := newUpstream(t)
	s := newTestStore(t)

	snap, err := s.Get(context.Background(), up.dir, up.parent)
	require.NoError(t, err)

	assert.Equal(t, up.parent, snap.Commit)
	assert.NotEmpty(t, snap.ContentHash)

	data, err := os.ReadFile(filepath.Join(snap.Path, "app.py"))
	require.NoError(t, err)
	assert.Equal(t, "def handler():\n    return 301\n", string(data), "the snapshot reflects the pre-fix commit")

	// The metadata sidecar must not pollute the tree itself.
	entries, err := os.ReadDir(snap.Path)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), "meta", "snapshot tree stays byte-identical to the commit")
	}
}

func TestStoreGet_Idempotent(t *testing.T) {
	up := newUpstream(t)
	s := newTestStore(t)

	first, err := s.Get(context.Background(), up.dir, up.parent)
	require.NoError(t, err)
	second, err := s.Get(context.Background(), up.dir, up.parent)
	require.NoError(t, err)

	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.Equal(t, first.Path, second.Path)
}

func TestStoreGet_DistinctCommits(t *testing.T) {
	up := newUpstream(t)
	s := newTestStore(t)

	parentSnap, err := s.Get(context.Background(), up.dir, up.parent)
	require.NoError(t, err)
	fixSnap, err := s.Get(context.Background(), up.dir, up.fix)
	require.NoError(t, err)

	assert.NotEqual(t, parentSnap.Path, fixSnap.Path)
	assert.NotEqual(t, parentSnap.ContentHash, fixSnap.ContentHash)
}

func TestStoreGet_UnknownCommit(t *testing.T) {
	up := newUpstream(t)
	s := newTestStore(t)

	_, err := s.Get(context.Background(), up.dir, "0000000000000000000000000000000000000000")
	var srcErr *schemas.SourceUnavailableError
	require.ErrorAs(t, err, &srcErr)
	assert.Equal(t, up.dir, srcErr.Repository)
}

func TestStoreGet_UnknownRepository(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), filepath.Join(t.TempDir(), "nonexistent"), "abc")
	var srcErr *schemas.SourceUnavailableError
	require.ErrorAs(t, err, &srcErr)
}

func TestStoreHumanPatch(t *testing.T) {
	up := newUpstream(t)
	s := newTestStore(t)

	bug := schemas.BugRecord{
		Repository:   up.dir,
		FixCommit:    up.fix,
		ParentCommit: up.parent,
		TouchedFiles: []string{"app.py"},
	}
	diff, err := s.HumanPatch(context.Background(), bug)
	require.NoError(t, err)

	assert.Contains(t, diff, "app.py")
	assert.Contains(t, diff, "-    return 301")
	assert.Contains(t, diff, "+    return 302")
	assert.NotContains(t, diff, "util.py", "the diff is restricted to the touched files")
}

func TestStoreHumanPatch_AllFilesWhenUnrestricted(t *testing.T) {
	up := newUpstream(t)
	s := newTestStore(t)

	bug := schemas.BugRecord{
		Repository:   up.dir,
		FixCommit:    up.fix,
		ParentCommit: up.parent,
	}
	diff, err := s.HumanPatch(context.Background(), bug)
	require.NoError(t, err)
	assert.Contains(t, diff, "app.py")
	assert.Contains(t, diff, "util.py")
}

func TestStoreReadFile(t *testing.T) {
	up := newUpstream(t)
	s := newTestStore(t)

	contents, err := s.ReadFile(context.Background(), up.dir, up.parent, "requirements.txt")
	require.NoError(t, err)
	assert.Equal(t, "flask==2.1.0\n", contents)
}
