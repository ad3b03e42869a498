package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fixbench/fixbench/api/schemas"
	"github.com/fixbench/fixbench/internal/config"
	"github.com/fixbench/fixbench/internal/environment"
	"github.com/fixbench/fixbench/internal/patch"
)

// task is one unit of queue work: evaluate one candidate for one bug.
type task struct {
	bug       schemas.BugRecord
	candidate schemas.PatchCandidate
}

func (t task) key() string {
	return t.bug.ID() + "|" + string(t.candidate.Source)
}

// pipeline pushes one (bug, fix-source) pair through every stage and emits
// exactly one ledger row, whatever happens along the way. Stage components
// are injected as interfaces.
type pipeline struct {
	snapshots  schemas.SnapshotStore
	envs       schemas.EnvironmentManager
	applicator schemas.PatchApplicator
	runner     schemas.TestRunner
	ledger     schemas.Ledger
	// metrics is optional; nil disables complexity annotation.
	metrics schemas.MetricsCollector
	// exclusionsFor resolves the curated exclusion list per repository.
	exclusionsFor func(repository string) schemas.Exclusions

	workspaces *workspaces
	baselines  *baselineCache
	cacheCfg   config.CacheConfig
	runnerCfg  config.RunnerConfig
	logger     *zap.Logger
}

// run processes a task to its terminal state. The returned state is what the
// progress file records; the error is non-nil only when even the ledger
// append failed, which the caller surfaces loudly.
func (p *pipeline) run(ctx context.Context, t task) (schemas.RunState, error) {
	m := newMachine(t.key())
	result := schemas.RunResult{
		RunID:            uuid.NewString(),
		Bug:              t.bug,
		Source:           t.candidate.Source,
		EnvSetup:         schemas.OutcomeSkipped,
		PatchApplication: schemas.OutcomeSkipped,
		LLM:              t.candidate.LLM,
		StartedAt:        time.Now().UTC(),
	}
	logger := p.logger.With(
		zap.String("run_id", result.RunID),
		zap.String("bug", t.bug.ID()),
		zap.String("source", string(t.candidate.Source)))

	// 1. Snapshot at the pre-fix commit.
	snapshot, err := p.snapshots.Get(ctx, t.bug.Repository, t.bug.ParentCommit)
	if err != nil {
		return p.finish(ctx, m, &result, logger, err)
	}
	// The human candidate's diff comes from the fix commit itself, resolved
	// here because it needs the repository objects the snapshot stage fetched.
	// A failure is a source-retrieval failure, same as a missing commit.
	if t.candidate.Source == schemas.FixSourceHuman && t.candidate.Diff == "" {
		diff, derr := p.snapshots.HumanPatch(ctx, t.bug)
		if derr != nil {
			return p.finish(ctx, m, &result, logger, derr)
		}
		t.candidate.Diff = diff
	}
	p.mustAdvance(m, schemas.StateSnapshotReady, logger)

	// 2. Environment for the snapshot's manifest.
	manifest, err := environment.CollectManifest(snapshot.Path, p.runnerCfg.DefaultTestCommand)
	if err != nil {
		return p.finish(ctx, m, &result, logger, err)
	}
	env, err := p.envs.Acquire(ctx, t.bug.Repository, manifest)
	if err != nil {
		result.EnvSetup = schemas.OutcomeFailure
		return p.finish(ctx, m, &result, logger, err)
	}
	defer p.envs.Release(env)
	result.EnvSetup = schemas.OutcomeSuccess
	p.mustAdvance(m, schemas.StateEnvReady, logger)

	// 3. Disposable working copy, patched.
	workdir, err := p.workspaces.create(result.RunID, snapshot.Path)
	if err != nil {
		return p.finish(ctx, m, &result, logger, err)
	}
	defer p.workspaces.release(workdir)

	if err := patch.EnsureGitTree(ctx, workdir); err != nil {
		return p.finish(ctx, m, &result, logger, err)
	}
	patchResult, err := p.applicator.Apply(ctx, workdir, t.candidate)
	result.Patch = patchResult
	if err != nil {
		result.PatchApplication = schemas.OutcomeFailure
		return p.finish(ctx, m, &result, logger, err)
	}
	if patchResult.Partial() {
		result.PatchApplication = schemas.OutcomePartial
	} else {
		result.PatchApplication = schemas.OutcomeSuccess
	}
	p.mustAdvance(m, schemas.StatePatched, logger)

	// 4. Test suite.
	excl := p.exclusionsFor(t.bug.Repository)
	logPath := filepath.Join(p.cacheCfg.LogDir(), result.RunID+".log")
	verdict, err := p.runner.Run(ctx, env, workdir, manifest.TestCommand, excl, logPath)
	if err != nil {
		return p.finish(ctx, m, &result, logger, err)
	}
	p.annotateBaseline(ctx, t, env, manifest, excl, verdict, &result, logger)
	result.Verdict = verdict
	p.mustAdvance(m, schemas.StateTested, logger)

	// 5. Best-effort complexity metrics for the files the patch touched.
	if p.metrics != nil && patchResult.Applied() {
		if rec, merr := p.metrics.Collect(ctx, workdir, patchResult.AppliedFiles); merr != nil {
			logger.Debug("Metrics collection failed", zap.Error(merr))
		} else {
			result.Metrics = rec
		}
	}

	// 6. Record.
	result.State = schemas.StateRecorded
	result.FinishedAt = time.Now().UTC()
	if err := p.ledger.Append(ctx, result); err != nil {
		return m.state, fmt.Errorf("appending ledger row for %s: %w", t.key(), err)
	}
	p.mustAdvance(m, schemas.StateRecorded, logger)
	logger.Info("Run recorded",
		zap.Bool("suite_passed", verdict.Pass()),
		zap.Int("failed", verdict.Failed))
	return m.state, nil
}

// finish routes a stage failure to its terminal state and still writes the
// ledger row: a failed stage is a result, not a lost run.
func (p *pipeline) finish(ctx context.Context, m *machine, result *schemas.RunResult, logger *zap.Logger, cause error) (schemas.RunState, error) {
	failState := failureStateFor(m.state)
	p.mustAdvance(m, failState, logger)

	result.State = failState
	result.Error = cause.Error()
	result.FinishedAt = time.Now().UTC()

	logger.Warn("Run failed",
		zap.String("state", string(failState)),
		zap.Error(cause))

	if err := p.ledger.Append(ctx, *result); err != nil {
		return failState, fmt.Errorf("appending failure row for %s: %w", m.key, err)
	}
	return failState, nil
}

// annotateBaseline stamps the bug's unpatched fix-commit verdict onto the
// result and cross-references the candidate's failures against it: a test
// failing in both predates the candidate and says nothing about it. Baseline
// runs are cached per bug and entirely best-effort.
func (p *pipeline) annotateBaseline(ctx context.Context, t task, env *schemas.Environment, manifest schemas.Manifest, excl schemas.Exclusions, verdict *schemas.TestVerdict, result *schemas.RunResult, logger *zap.Logger) {
	if p.baselines == nil {
		return
	}
	baseline, baselineFailures, err := p.baselines.outcome(ctx, t.bug, env, manifest, excl)
	if err != nil {
		logger.Debug("Baseline run unavailable", zap.Error(err))
		return
	}
	result.Baseline = baseline
	for node, outcome := range verdict.Outcomes {
		if outcome == schemas.TestPassed {
			continue
		}
		if _, ok := baselineFailures[node]; ok {
			verdict.SuspectFlaky = append(verdict.SuspectFlaky, node)
		}
	}
}

// mustAdvance applies a transition that the pipeline's own control flow
// guarantees is legal; a violation is a bug worth crashing the run over.
func (p *pipeline) mustAdvance(m *machine, next schemas.RunState, logger *zap.Logger) {
	if err := m.advance(next); err != nil {
		logger.Panic("State machine violation", zap.Error(err))
	}
}
