package orchestrator

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fixbench/fixbench/api/schemas"
)

// baselineCache runs each bug's test suite once, unpatched, at the fix
// commit. That tree already contains the human repair, so anything failing
// there is broken or flaky independent of any candidate: its verdict is the
// reference for fail-to-pass analysis, and its failure set marks matching
// candidate failures as suspect rather than as signal.
type baselineCache struct {
	snapshots  schemas.SnapshotStore
	runner     schemas.TestRunner
	workspaces *workspaces
	logDir     string
	logger     *zap.Logger

	mu   sync.Mutex
	runs map[string]*baselineRun
}

type baselineRun struct {
	once     sync.Once
	verdict  *schemas.TestVerdict
	failures map[string]struct{}
	err      error
}

func newBaselineCache(snapshots schemas.SnapshotStore, runner schemas.TestRunner, ws *workspaces, logDir string, logger *zap.Logger) *baselineCache {
	return &baselineCache{
		snapshots:  snapshots,
		runner:     runner,
		workspaces: ws,
		logDir:     logDir,
		logger:     logger.Named("baseline"),
		runs:       make(map[string]*baselineRun),
	}
}

// outcome returns the baseline verdict and failure set for a bug, executing
// the suite on first request. Concurrent callers for the same bug share one
// execution.
func (c *baselineCache) outcome(ctx context.Context, bug schemas.BugRecord, env *schemas.Environment, manifest schemas.Manifest, excl schemas.Exclusions) (*schemas.TestVerdict, map[string]struct{}, error) {
	c.mu.Lock()
	run, ok := c.runs[bug.ID()]
	if !ok {
		run = &baselineRun{}
		c.runs[bug.ID()] = run
	}
	c.mu.Unlock()

	run.once.Do(func() {
		run.verdict, run.failures, run.err = c.execute(ctx, bug, env, manifest, excl)
	})
	return run.verdict, run.failures, run.err
}

func (c *baselineCache) execute(ctx context.Context, bug schemas.BugRecord, env *schemas.Environment, manifest schemas.Manifest, excl schemas.Exclusions) (*schemas.TestVerdict, map[string]struct{}, error) {
	// The post-fix tree, not the candidate's pre-fix working copy.
	snapshot, err := c.snapshots.Get(ctx, bug.Repository, bug.FixCommit)
	if err != nil {
		return nil, nil, err
	}

	id := "baseline-" + strings.ReplaceAll(bug.ID(), "/", "_")
	workdir, err := c.workspaces.create(id, snapshot.Path)
	if err != nil {
		return nil, nil, err
	}
	defer c.workspaces.release(workdir)

	c.logger.Info("Running unpatched baseline suite at fix commit", zap.String("bug", bug.ID()))
	logPath := filepath.Join(c.logDir, id+".log")
	verdict, err := c.runner.Run(ctx, env, workdir, manifest.TestCommand, excl, logPath)
	if err != nil {
		return nil, nil, err
	}

	failures := make(map[string]struct{})
	for node, outcome := range verdict.Outcomes {
		if outcome != schemas.TestPassed {
			failures[node] = struct{}{}
		}
	}
	c.logger.Debug("Baseline complete",
		zap.String("bug", bug.ID()),
		zap.Int("pre_existing_failures", len(failures)))
	return verdict, failures, nil
}
