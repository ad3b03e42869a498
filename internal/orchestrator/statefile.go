package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/fixbench/fixbench/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// progressEntry is the persisted record of one pair's terminal state.
type progressEntry struct {
	Key        string           `json:"key"`
	State      schemas.RunState `json:"state"`
	FinishedAt time.Time        `json:"finished_at"`
}

// progressFile persists which pairs have reached a terminal state, so an
// interrupted queue resumes where it stopped instead of re-running recorded
// work. The file is rewritten atomically on every update; losing the file
// only costs duplicate runs, never ledger corruption.
type progressFile struct {
	path string

	mu      sync.Mutex
	entries map[string]progressEntry
}

func loadProgress(path string) (*progressFile, error) {
	p := &progressFile{path: path, entries: make(map[string]progressEntry)}
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading progress file: %w", err)
	}
	var list []progressEntry
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parsing progress file %s: %w", path, err)
	}
	for _, e := range list {
		p.entries[e.Key] = e
	}
	return p, nil
}

// done reports whether a pair already reached RECORDED. Failure states are
// not skipped on resume: a failed snapshot or install is worth retrying.
func (p *progressFile) done(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	return ok && e.State == schemas.StateRecorded
}

// mark records a pair's terminal state and flushes to disk.
func (p *progressFile) mark(key string, state schemas.RunState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[key] = progressEntry{Key: key, State: state, FinishedAt: time.Now().UTC()}
	return p.flushLocked()
}

func (p *progressFile) flushLocked() error {
	if p.path == "" {
		return nil
	}
	list := make([]progressEntry, 0, len(p.entries))
	for _, e := range p.entries {
		list = append(list, e)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p.path)
}
