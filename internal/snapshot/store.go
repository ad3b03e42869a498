package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fixbench/fixbench/api/schemas"
	"github.com/fixbench/fixbench/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Each materialized tree gets a sibling <dir>.meta.json recording the content
// hash used for cache validation. Kept outside the tree so working copies
// cloned from a snapshot stay byte-identical to the commit.
const metaSuffix = ".meta.json"

type snapshotMeta struct {
	Repository  string    `json:"repository"`
	Commit      string    `json:"commit"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store materializes and caches source trees at specific commits. One shared
// clone per repository feeds any number of commit snapshots; snapshots are
// never mutated after creation and the store never deletes them on its own.
type Store struct {
	cfg     config.CacheConfig
	logger  *zap.Logger
	limiter *rate.Limiter

	mu        sync.Mutex
	repoLocks map[string]*sync.Mutex
}

// New creates a snapshot store rooted at the configured cache directories.
func New(cfg config.CacheConfig, logger *zap.Logger) *Store {
	limit := cfg.FetchRateLimit
	if limit <= 0 {
		limit = 1.0
	}
	return &Store{
		cfg:       cfg,
		logger:    logger.Named("snapshot"),
		limiter:   rate.NewLimiter(rate.Limit(limit), 1),
		repoLocks: make(map[string]*sync.Mutex),
	}
}

// Get returns the snapshot for (repository, commit), materializing the tree
// on first request. Idempotent: repeated calls return a snapshot with the
// same content hash, backed by the cached copy when present.
func (s *Store) Get(ctx context.Context, repository, commit string) (*schemas.Snapshot, error) {
	lock := s.repoLock(repository)
	lock.Lock()
	defer lock.Unlock()

	dir := s.snapshotDir(repository, commit)
	if meta, err := readMeta(dir); err == nil {
		return &schemas.Snapshot{
			Repository:  repository,
			Commit:      commit,
			Path:        dir,
			ContentHash: meta.ContentHash,
			CreatedAt:   meta.CreatedAt,
		}, nil
	}

	repo, err := s.ensureRepo(ctx, repository)
	if err != nil {
		return nil, &schemas.SourceUnavailableError{Repository: repository, Commit: commit, Cause: err}
	}

	commitObj, err := s.resolveCommit(ctx, repo, commit)
	if err != nil {
		return nil, &schemas.SourceUnavailableError{Repository: repository, Commit: commit, Cause: err}
	}

	s.logger.Info("Materializing snapshot",
		zap.String("repository", repository),
		zap.String("commit", shortHash(commit)))

	if err := s.materialize(commitObj, dir); err != nil {
		return nil, &schemas.SourceUnavailableError{Repository: repository, Commit: commit, Cause: err}
	}

	meta := snapshotMeta{
		Repository:  repository,
		Commit:      commit,
		ContentHash: commitObj.TreeHash.String(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := writeMeta(dir, meta); err != nil {
		return nil, fmt.Errorf("writing snapshot metadata: %w", err)
	}

	return &schemas.Snapshot{
		Repository:  repository,
		Commit:      commit,
		Path:        dir,
		ContentHash: meta.ContentHash,
		CreatedAt:   meta.CreatedAt,
	}, nil
}

// HumanPatch extracts the unified diff of the bug's fix commit against its
// parent, restricted to the touched files when the record lists any.
func (s *Store) HumanPatch(ctx context.Context, bug schemas.BugRecord) (string, error) {
	lock := s.repoLock(bug.Repository)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(ctx, bug.Repository)
	if err != nil {
		return "", &schemas.SourceUnavailableError{Repository: bug.Repository, Commit: bug.FixCommit, Cause: err}
	}

	fix, err := s.resolveCommit(ctx, repo, bug.FixCommit)
	if err != nil {
		return "", &schemas.SourceUnavailableError{Repository: bug.Repository, Commit: bug.FixCommit, Cause: err}
	}
	parent, err := s.resolveCommit(ctx, repo, bug.ParentCommit)
	if err != nil {
		return "", &schemas.SourceUnavailableError{Repository: bug.Repository, Commit: bug.ParentCommit, Cause: err}
	}

	parentTree, err := parent.Tree()
	if err != nil {
		return "", fmt.Errorf("reading parent tree: %w", err)
	}
	fixTree, err := fix.Tree()
	if err != nil {
		return "", fmt.Errorf("reading fix tree: %w", err)
	}

	changes, err := object.DiffTreeWithOptions(ctx, parentTree, fixTree, object.DefaultDiffTreeOptions)
	if err != nil {
		return "", fmt.Errorf("diffing commit trees: %w", err)
	}

	if len(bug.TouchedFiles) > 0 {
		changes = filterChanges(changes, bug.TouchedFiles)
	}
	if len(changes) == 0 {
		return "", nil
	}

	patch, err := changes.PatchContext(ctx)
	if err != nil {
		return "", fmt.Errorf("rendering patch: %w", err)
	}
	return patch.String(), nil
}

// ReadFile returns one file's content at a commit without materializing the
// whole tree; the environment manager uses this to collect manifest files.
func (s *Store) ReadFile(ctx context.Context, repository, commit, path string) (string, error) {
	lock := s.repoLock(repository)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(ctx, repository)
	if err != nil {
		return "", err
	}
	commitObj, err := s.resolveCommit(ctx, repo, commit)
	if err != nil {
		return "", err
	}
	file, err := commitObj.File(path)
	if err != nil {
		return "", err
	}
	return file.Contents()
}

// ensureRepo opens the shared clone for a repository, cloning it on first use.
// Remote operations pass through the rate limiter so a wide corpus does not
// hammer the forge.
func (s *Store) ensureRepo(ctx context.Context, repository string) (*git.Repository, error) {
	dir := filepath.Join(s.cfg.RepoDir(), sanitizeRepo(repository))
	repo, err := git.PlainOpen(dir)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("opening clone %s: %w", dir, err)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := repositoryURL(repository)
	s.logger.Info("Cloning repository", zap.String("repository", repository), zap.String("url", url))

	repo, err = git.PlainCloneContext(ctx, dir, true, &git.CloneOptions{URL: url})
	if err != nil {
		return nil, fmt.Errorf("cloning %s: %w", url, err)
	}
	return repo, nil
}

// resolveCommit looks the commit up locally, fetching once from the remote if
// it is not yet present. A commit missing after a fetch is gone for good.
func (s *Store) resolveCommit(ctx context.Context, repo *git.Repository, commit string) (*object.Commit, error) {
	hash := plumbing.NewHash(commit)
	commitObj, err := repo.CommitObject(hash)
	if err == nil {
		return commitObj, nil
	}
	if !errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, err
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	fetchErr := repo.FetchContext(ctx, &git.FetchOptions{Tags: git.AllTags})
	if fetchErr != nil && !errors.Is(fetchErr, git.NoErrAlreadyUpToDate) {
		return nil, fmt.Errorf("fetch failed while resolving %s: %w", commit, fetchErr)
	}

	commitObj, err = repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("commit %s not found after fetch: %w", commit, err)
	}
	return commitObj, nil
}

// materialize writes the commit's tree into dir. The write happens in a
// temporary sibling directory first and lands with a rename, so a crashed
// worker never leaves a half-written snapshot behind the cache key.
func (s *Store) materialize(commit *object.Commit, dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return err
	}
	tmp, err := os.MkdirTemp(filepath.Dir(dir), ".materialize-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	tree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("reading tree: %w", err)
	}

	err = tree.Files().ForEach(func(f *object.File) error {
		target := filepath.Join(tmp, filepath.FromSlash(f.Name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		mode, err := f.Mode.ToOSFileMode()
		if err != nil {
			mode = 0o644
		}
		reader, err := f.Reader()
		if err != nil {
			return fmt.Errorf("reading blob %s: %w", f.Name, err)
		}
		defer reader.Close()

		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, reader); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
	if err != nil {
		return err
	}

	if err := os.Rename(tmp, dir); err != nil {
		// Another worker raced us to the same snapshot; theirs is identical.
		if _, statErr := os.Stat(dir); statErr == nil {
			return nil
		}
		return err
	}
	return nil
}

func (s *Store) snapshotDir(repository, commit string) string {
	return filepath.Join(s.cfg.SnapshotDir(), sanitizeRepo(repository), commit)
}

func (s *Store) repoLock(repository string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.repoLocks[repository]
	if !ok {
		lock = &sync.Mutex{}
		s.repoLocks[repository] = lock
	}
	return lock
}

func filterChanges(changes object.Changes, touched []string) object.Changes {
	allowed := make(map[string]bool, len(touched))
	for _, p := range touched {
		allowed[p] = true
	}
	var kept object.Changes
	for _, c := range changes {
		if allowed[c.From.Name] || allowed[c.To.Name] {
			kept = append(kept, c)
		}
	}
	return kept
}

func readMeta(dir string) (snapshotMeta, error) {
	var meta snapshotMeta
	data, err := os.ReadFile(dir + metaSuffix)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, err
	}
	return meta, nil
}

func writeMeta(dir string, meta snapshotMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(dir+metaSuffix, data, 0o644)
}

func sanitizeRepo(repository string) string {
	return strings.ReplaceAll(repository, "/", "__")
}

func repositoryURL(repository string) string {
	if strings.Contains(repository, "://") || strings.HasPrefix(repository, "git@") {
		return repository
	}
	// Absolute paths address local mirrors directly.
	if filepath.IsAbs(repository) {
		return repository
	}
	return "https://github.com/" + repository + ".git"
}

func shortHash(h string) string {
	if len(h) > 10 {
		return h[:10]
	}
	return h
}
