package orchestrator

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// workspaces tracks the disposable working copies created during a run so
// they are removed both on normal completion and on shutdown. Snapshots are
// never registered here; only copies are disposable.
type workspaces struct {
	root   string
	logger *zap.Logger

	mu    sync.Mutex
	paths map[string]struct{}
}

func newWorkspaces(root string, logger *zap.Logger) *workspaces {
	return &workspaces{root: root, logger: logger, paths: make(map[string]struct{})}
}

// create copies a snapshot tree into a fresh working directory named after
// the run, registered for cleanup.
func (w *workspaces) create(runID, snapshotPath string) (string, error) {
	dir := filepath.Join(w.root, runID)
	if err := copyTree(snapshotPath, dir); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("materializing working copy: %w", err)
	}
	w.mu.Lock()
	w.paths[dir] = struct{}{}
	w.mu.Unlock()
	return dir, nil
}

// release removes one working copy.
func (w *workspaces) release(dir string) {
	w.mu.Lock()
	delete(w.paths, dir)
	w.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		w.logger.Warn("Failed to remove working copy", zap.String("path", dir), zap.Error(err))
	}
}

// releaseAll removes every outstanding working copy, called at shutdown.
func (w *workspaces) releaseAll() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.paths))
	for p := range w.paths {
		paths = append(paths, p)
	}
	w.paths = make(map[string]struct{})
	w.mu.Unlock()
	for _, p := range paths {
		if err := os.RemoveAll(p); err != nil {
			w.logger.Warn("Failed to remove working copy", zap.String("path", p), zap.Error(err))
		}
	}
}

// copyTree duplicates a directory tree, preserving file modes and following
// the source's structure exactly. Symlinks are recreated as symlinks.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
