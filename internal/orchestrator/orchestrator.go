// Package orchestrator drives the evaluation queue: it expands the corpus
// into (bug, fix-source) tasks, pushes each through the pipeline stages on a
// bounded worker pool, and guarantees exactly one ledger row per task.
package orchestrator

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/fixbench/fixbench/api/schemas"
	"github.com/fixbench/fixbench/internal/config"
)

// Deps are the injected stage components. Everything is an interface so
// tests substitute stages independently.
type Deps struct {
	Corpus     schemas.CorpusSource
	Patches    schemas.PatchProvider
	Snapshots  schemas.SnapshotStore
	Envs       schemas.EnvironmentManager
	Applicator schemas.PatchApplicator
	Runner     schemas.TestRunner
	Ledger     schemas.Ledger
	// Metrics is optional.
	Metrics schemas.MetricsCollector
	// ExclusionsFor resolves the curated exclusion list per repository.
	ExclusionsFor func(repository string) schemas.Exclusions
}

// Summary is the aggregate outcome of one queue run.
type Summary struct {
	Total    int
	Recorded int
	Failed   int
	Skipped  int
}

// Orchestrator owns the run lifecycle: task expansion, the worker pool, the
// progress file, and working-copy cleanup.
type Orchestrator struct {
	cfg    config.Interface
	logger *zap.Logger
	deps   Deps
}

// New validates and wires the orchestrator.
func New(cfg config.Interface, logger *zap.Logger, deps Deps) (*Orchestrator, error) {
	switch {
	case cfg == nil:
		return nil, errors.New("config cannot be nil")
	case logger == nil:
		return nil, errors.New("logger cannot be nil")
	case deps.Corpus == nil:
		return nil, errors.New("corpus source cannot be nil")
	case deps.Snapshots == nil:
		return nil, errors.New("snapshot store cannot be nil")
	case deps.Envs == nil:
		return nil, errors.New("environment manager cannot be nil")
	case deps.Applicator == nil:
		return nil, errors.New("patch applicator cannot be nil")
	case deps.Runner == nil:
		return nil, errors.New("test runner cannot be nil")
	case deps.Ledger == nil:
		return nil, errors.New("ledger cannot be nil")
	}
	if deps.ExclusionsFor == nil {
		deps.ExclusionsFor = func(string) schemas.Exclusions { return schemas.Exclusions{} }
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "orchestrator")),
		deps:   deps,
	}, nil
}

// Run drains the corpus through the pipeline and returns the aggregate
// summary. Cancelling the context stops cleanly: in-flight tasks finish
// their current stage, pending tasks stay pending, and the progress file
// lets the next invocation resume.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	ocfg := o.cfg.Orchestrator()

	progress, err := loadProgress(ocfg.StateFile)
	if err != nil {
		return nil, err
	}

	tasks, skipped, err := o.expand(ctx, progress)
	if err != nil {
		return nil, err
	}

	ws := newWorkspaces(o.cfg.Cache().WorkDir(), o.logger)
	defer ws.releaseAll()

	pl := &pipeline{
		snapshots:     o.deps.Snapshots,
		envs:          o.deps.Envs,
		applicator:    o.deps.Applicator,
		runner:        o.deps.Runner,
		ledger:        o.deps.Ledger,
		metrics:       o.deps.Metrics,
		exclusionsFor: o.deps.ExclusionsFor,
		workspaces:    ws,
		cacheCfg:      o.cfg.Cache(),
		runnerCfg:     o.cfg.Runner(),
		logger:        o.logger,
	}
	if ocfg.Baseline {
		pl.baselines = newBaselineCache(o.deps.Snapshots, o.deps.Runner, ws, o.cfg.Cache().LogDir(), o.logger)
	}

	concurrency := ocfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	o.logger.Info("Starting evaluation queue",
		zap.Int("tasks", len(tasks)),
		zap.Int("resumed_skips", skipped),
		zap.Int("concurrency", concurrency))

	taskChan := make(chan task)
	summary := &Summary{Total: len(tasks), Skipped: skipped}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			o.runWorker(ctx, workerID, taskChan, pl, progress, summary, &mu)
		}(i + 1)
	}

feed:
	for _, t := range tasks {
		select {
		case taskChan <- t:
		case <-ctx.Done():
			break feed
		}
	}
	close(taskChan)
	wg.Wait()

	o.logger.Info("Evaluation queue finished",
		zap.Int("recorded", summary.Recorded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped))
	return summary, nil
}

// runWorker is the loop for one pool goroutine.
func (o *Orchestrator) runWorker(ctx context.Context, workerID int, taskChan <-chan task, pl *pipeline, progress *progressFile, summary *Summary, mu *sync.Mutex) {
	logger := o.logger.With(zap.Int("worker_id", workerID))
	for {
		select {
		case <-ctx.Done():
			logger.Info("Context cancelled, worker shutting down")
			return
		case t, ok := <-taskChan:
			if !ok {
				return
			}
			state, err := pl.run(ctx, t)
			if err != nil {
				// Only a ledger write failure gets here; the row is lost and
				// the pair stays eligible for the next invocation.
				logger.Error("Run result could not be recorded",
					zap.String("task", t.key()), zap.Error(err))
				continue
			}
			if perr := progress.mark(t.key(), state); perr != nil {
				logger.Warn("Failed to persist progress", zap.Error(perr))
			}
			mu.Lock()
			if state == schemas.StateRecorded {
				summary.Recorded++
			} else {
				summary.Failed++
			}
			mu.Unlock()
		}
	}
}

// expand turns the corpus into the task queue: one human candidate per bug
// (diff resolved lazily in the pipeline) plus every external candidate the
// provider serves. Pairs already recorded by a previous invocation are
// skipped; failed pairs are retried.
func (o *Orchestrator) expand(ctx context.Context, progress *progressFile) ([]task, int, error) {
	bugs, err := o.deps.Corpus.Bugs(ctx)
	if err != nil {
		return nil, 0, err
	}

	ocfg := o.cfg.Orchestrator()
	var tasks []task
	skipped := 0

	add := func(t task) {
		if progress.done(t.key()) {
			skipped++
			return
		}
		tasks = append(tasks, t)
	}

	for _, bug := range bugs {
		add(task{bug: bug, candidate: schemas.PatchCandidate{Source: schemas.FixSourceHuman, Bug: bug}})

		if ocfg.SkipLLM || o.deps.Patches == nil {
			continue
		}
		candidates, cerr := o.deps.Patches.Candidates(ctx, bug)
		if cerr != nil {
			o.logger.Warn("Patch provider failed for bug; human candidate only",
				zap.String("bug", bug.ID()), zap.Error(cerr))
			continue
		}
		for _, c := range candidates {
			add(task{bug: bug, candidate: c})
		}
	}
	return tasks, skipped, nil
}
