package orchestrator

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/fixbench/fixbench/api/schemas"
	"github.com/fixbench/fixbench/internal/config"
)

// -- Stage fakes --

type fakeCorpus struct {
	bugs []schemas.BugRecord
	err  error
}

func (f *fakeCorpus) Bugs(ctx context.Context) ([]schemas.BugRecord, error) {
	return f.bugs, f.err
}

type fakePatches struct {
	candidates map[string][]schemas.PatchCandidate
	err        error
}

func (f *fakePatches) Candidates(ctx context.Context, bug schemas.BugRecord) ([]schemas.PatchCandidate, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.candidates[bug.ID()], nil
}

type fakeSnapshots struct {
	dir       string
	getErr    error
	humanDiff string
	humanErr  error

	mu      sync.Mutex
	commits []string
}

func (f *fakeSnapshots) Get(ctx context.Context, repository, commit string) (*schemas.Snapshot, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.mu.Lock()
	f.commits = append(f.commits, commit)
	f.mu.Unlock()
	return &schemas.Snapshot{Repository: repository, Commit: commit, Path: f.dir}, nil
}

func (f *fakeSnapshots) HumanPatch(ctx context.Context, bug schemas.BugRecord) (string, error) {
	return f.humanDiff, f.humanErr
}

type fakeEnvs struct {
	err      error
	mu       sync.Mutex
	acquired int
	released int
}

func (f *fakeEnvs) Acquire(ctx context.Context, repository string, manifest schemas.Manifest) (*schemas.Environment, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.acquired++
	f.mu.Unlock()
	return &schemas.Environment{
		Repository:   repository,
		ManifestHash: manifest.Hash(),
		Status:       schemas.EnvReady,
		PythonBin:    "/usr/bin/python3",
	}, nil
}

func (f *fakeEnvs) Release(env *schemas.Environment) {
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
}

type fakeApplicator struct {
	result *schemas.PatchResult
	err    error
}

func (f *fakeApplicator) Apply(ctx context.Context, workingCopy string, candidate schemas.PatchCandidate) (*schemas.PatchResult, error) {
	return f.result, f.err
}

type fakeRunner struct {
	verdict *schemas.TestVerdict
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, env *schemas.Environment, workingCopy, testCommand string, excl schemas.Exclusions, logPath string) (*schemas.TestVerdict, error) {
	if f.err != nil {
		return nil, f.err
	}
	v := *f.verdict
	return &v, nil
}

type recordingLedger struct {
	mu      sync.Mutex
	results []schemas.RunResult
	err     error
}

func (l *recordingLedger) Append(ctx context.Context, result schemas.RunResult) error {
	if l.err != nil {
		return l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, result)
	return nil
}

func (l *recordingLedger) all() []schemas.RunResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]schemas.RunResult, len(l.results))
	copy(out, l.results)
	return out
}

// -- Helpers --

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func testConfig(t *testing.T, mutate func(*viper.Viper)) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("cache.root", t.TempDir())
	v.Set("orchestrator.concurrency", 2)
	v.Set("orchestrator.baseline", false)
	v.Set("orchestrator.state_file", "")
	if mutate != nil {
		mutate(v)
	}
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

func snapshotDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("flask==2.1.0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte("x = 1\n"), 0o644))
	return dir
}

func testBug(repo, suffix string) schemas.BugRecord {
	return schemas.BugRecord{
		Repository:   repo,
		FixCommit:    "ffff00000000" + suffix,
		ParentCommit: "eeee00000000" + suffix,
		TouchedFiles: []string{"app.py"},
	}
}

func passingDeps(t *testing.T) (Deps, *recordingLedger) {
	t.Helper()
	ledger := &recordingLedger{}
	deps := Deps{
		Corpus:    &fakeCorpus{bugs: []schemas.BugRecord{testBug("psf/requests", "01")}},
		Snapshots: &fakeSnapshots{dir: snapshotDir(t), humanDiff: "diff --git a/app.py b/app.py\n"},
		Envs:      &fakeEnvs{},
		Applicator: &fakeApplicator{result: &schemas.PatchResult{
			AppliedFiles: []string{"app.py"}, LinesAdded: 1,
		}},
		Runner: &fakeRunner{verdict: &schemas.TestVerdict{Passed: 10}},
		Ledger: ledger,
	}
	return deps, ledger
}

// -- State machine --

func TestMachineTransitions(t *testing.T) {
	m := newMachine("k")
	require.NoError(t, m.advance(schemas.StateSnapshotReady))
	require.NoError(t, m.advance(schemas.StateEnvReady))
	require.NoError(t, m.advance(schemas.StatePatched))
	require.NoError(t, m.advance(schemas.StateTested))
	require.NoError(t, m.advance(schemas.StateRecorded))
}

func TestMachineRejectsIllegalTransitions(t *testing.T) {
	m := newMachine("k")
	assert.Error(t, m.advance(schemas.StatePatched), "cannot skip stages")
	assert.Error(t, m.advance(schemas.StateRecorded))

	require.NoError(t, m.advance(schemas.StateSnapshotFailed))
	assert.Error(t, m.advance(schemas.StateEnvReady), "terminal states have no exits")
}

func TestFailureStateFor(t *testing.T) {
	assert.Equal(t, schemas.StateSnapshotFailed, failureStateFor(schemas.StatePending))
	assert.Equal(t, schemas.StateEnvFailed, failureStateFor(schemas.StateSnapshotReady))
	assert.Equal(t, schemas.StatePatchFailed, failureStateFor(schemas.StateEnvReady))
	assert.Equal(t, schemas.StateTestFailed, failureStateFor(schemas.StatePatched))
}

// -- Progress file --

func TestProgressFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "runs.json")

	p, err := loadProgress(path)
	require.NoError(t, err)
	assert.False(t, p.done("a|human"))

	require.NoError(t, p.mark("a|human", schemas.StateRecorded))
	require.NoError(t, p.mark("b|human", schemas.StateEnvFailed))

	reloaded, err := loadProgress(path)
	require.NoError(t, err)
	assert.True(t, reloaded.done("a|human"))
	assert.False(t, reloaded.done("b|human"), "failed pairs are retried on resume")
	assert.False(t, reloaded.done("c|human"))
}

// -- Workspaces --

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "pkg", "mod.py"), []byte("v = 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "run.sh"), []byte("#!/bin/sh\n"), 0o755))

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, copyTree(src, dst))

	data, err := os.ReadFile(filepath.Join(dst, "pkg", "mod.py"))
	require.NoError(t, err)
	assert.Equal(t, "v = 1\n", string(data))

	info, err := os.Stat(filepath.Join(dst, "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestWorkspacesCleanup(t *testing.T) {
	ws := newWorkspaces(t.TempDir(), zap.NewNop())
	src := snapshotDir(t)

	a, err := ws.create("run-a", src)
	require.NoError(t, err)
	b, err := ws.create("run-b", src)
	require.NoError(t, err)

	ws.release(a)
	_, statErr := os.Stat(a)
	assert.True(t, os.IsNotExist(statErr))

	ws.releaseAll()
	_, statErr = os.Stat(b)
	assert.True(t, os.IsNotExist(statErr))
}

// -- Full runs --

func TestOrchestratorRun_HumanOnly(t *testing.T) {
	defer goleak.VerifyNone(t)
	requireGit(t)

	deps, ledger := passingDeps(t)
	orch, err := New(testConfig(t, nil), zap.NewNop(), deps)
	require.NoError(t, err)

	summary, err := orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Recorded)
	assert.Equal(t, 0, summary.Failed)

	results := ledger.all()
	require.Len(t, results, 1, "exactly one ledger row per pair")
	res := results[0]
	assert.Equal(t, schemas.StateRecorded, res.State)
	assert.Equal(t, schemas.FixSourceHuman, res.Source)
	assert.Equal(t, schemas.OutcomeSuccess, res.EnvSetup)
	require.NotNil(t, res.Verdict)
	assert.True(t, res.Verdict.Pass())

	envs := deps.Envs.(*fakeEnvs)
	assert.Equal(t, envs.acquired, envs.released, "every acquired environment is released")
}

func TestOrchestratorRun_LLMCandidates(t *testing.T) {
	defer goleak.VerifyNone(t)
	requireGit(t)

	deps, ledger := passingDeps(t)
	bug := deps.Corpus.(*fakeCorpus).bugs[0]
	deps.Patches = &fakePatches{candidates: map[string][]schemas.PatchCandidate{
		bug.ID(): {
			{Source: schemas.LLMFixSource("gemini-2.5-flash"), Diff: "diff --git a/app.py b/app.py\n", Bug: bug,
				LLM: &schemas.LLMMetadata{Model: "gemini-2.5-flash", PromptTokens: 500}},
		},
	}}

	orch, err := New(testConfig(t, nil), zap.NewNop(), deps)
	require.NoError(t, err)

	summary, err := orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total, "human plus one LLM candidate")
	assert.Equal(t, 2, summary.Recorded)

	bySource := map[schemas.FixSource]schemas.RunResult{}
	for _, r := range ledger.all() {
		bySource[r.Source] = r
	}
	require.Contains(t, bySource, schemas.FixSourceHuman)
	require.Contains(t, bySource, schemas.LLMFixSource("gemini-2.5-flash"))
	llmRow := bySource[schemas.LLMFixSource("gemini-2.5-flash")]
	require.NotNil(t, llmRow.LLM)
	assert.Equal(t, 500, llmRow.LLM.PromptTokens)
}

func TestOrchestratorRun_SkipLLM(t *testing.T) {
	defer goleak.VerifyNone(t)
	requireGit(t)

	deps, _ := passingDeps(t)
	deps.Patches = &fakePatches{err: errors.New("should never be called")}

	cfg := testConfig(t, func(v *viper.Viper) { v.Set("orchestrator.skip_llm", true) })
	orch, err := New(cfg, zap.NewNop(), deps)
	require.NoError(t, err)

	summary, err := orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Recorded)
}

func TestOrchestratorRun_FailureStillRecords(t *testing.T) {
	defer goleak.VerifyNone(t)

	cases := []struct {
		name      string
		mutate    func(*Deps)
		wantState schemas.RunState
	}{
		{
			name: "snapshot failure",
			mutate: func(d *Deps) {
				d.Snapshots = &fakeSnapshots{getErr: &schemas.SourceUnavailableError{
					Repository: "psf/requests", Commit: "eeee", Cause: errors.New("object not found"),
				}}
			},
			wantState: schemas.StateSnapshotFailed,
		},
		{
			name: "environment failure",
			mutate: func(d *Deps) {
				d.Envs = &fakeEnvs{err: &schemas.EnvironmentSetupFailedError{
					Repository: "psf/requests", Cause: errors.New("resolution impossible"),
				}}
			},
			wantState: schemas.StateEnvFailed,
		},
		{
			name: "patch failure",
			mutate: func(d *Deps) {
				d.Applicator = &fakeApplicator{
					result: &schemas.PatchResult{ConflictFiles: []string{"app.py"}},
					err:    &schemas.PatchApplyError{Source: schemas.FixSourceHuman, Detail: "conflicts"},
				}
			},
			wantState: schemas.StatePatchFailed,
		},
		{
			name: "test harness failure",
			mutate: func(d *Deps) {
				d.Runner = &fakeRunner{err: &schemas.TestExecutionFailedError{
					Workdir: "/tmp/x", Detail: "python missing", Cause: errors.New("exec"),
				}}
			},
			wantState: schemas.StateTestFailed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.wantState == schemas.StatePatchFailed || tc.wantState == schemas.StateTestFailed {
				requireGit(t)
			}
			deps, ledger := passingDeps(t)
			tc.mutate(&deps)

			orch, err := New(testConfig(t, nil), zap.NewNop(), deps)
			require.NoError(t, err)

			summary, err := orch.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, summary.Failed)

			results := ledger.all()
			require.Len(t, results, 1, "a failed stage still yields exactly one row")
			assert.Equal(t, tc.wantState, results[0].State)
			assert.NotEmpty(t, results[0].Error)
		})
	}
}

func TestOrchestratorRun_ResumeSkipsRecorded(t *testing.T) {
	defer goleak.VerifyNone(t)
	requireGit(t)

	stateFile := filepath.Join(t.TempDir(), "runs.json")
	cfgMutate := func(v *viper.Viper) { v.Set("orchestrator.state_file", stateFile) }

	deps, ledger := passingDeps(t)
	orch, err := New(testConfig(t, cfgMutate), zap.NewNop(), deps)
	require.NoError(t, err)
	_, err = orch.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, ledger.all(), 1)

	// Second invocation with the same state file must not repeat the pair.
	deps2, ledger2 := passingDeps(t)
	orch2, err := New(testConfig(t, cfgMutate), zap.NewNop(), deps2)
	require.NoError(t, err)
	summary, err := orch2.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Total)
	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, ledger2.all())
}

func TestOrchestratorRun_Cancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	deps, _ := passingDeps(t)
	bugs := make([]schemas.BugRecord, 50)
	for i := range bugs {
		bugs[i] = testBug("psf/requests", string(rune('a'+i%26))+string(rune('a'+i/26)))
	}
	deps.Corpus = &fakeCorpus{bugs: bugs}
	deps.Snapshots = &fakeSnapshots{getErr: errors.New("slow network")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	orch, err := New(testConfig(t, nil), zap.NewNop(), deps)
	require.NoError(t, err)
	summary, err := orch.Run(ctx)
	require.NoError(t, err, "cancellation is a clean stop, not an error")
	assert.Less(t, summary.Recorded+summary.Failed, len(bugs), "pending tasks stay pending")
}

func TestOrchestratorRun_BaselineMarksSuspectFlaky(t *testing.T) {
	defer goleak.VerifyNone(t)
	requireGit(t)

	deps, ledger := passingDeps(t)
	// The same test fails under both the unpatched baseline and the candidate,
	// so its failure says nothing about the fix.
	deps.Runner = &fakeRunner{verdict: &schemas.TestVerdict{
		Passed: 9,
		Failed: 1,
		Outcomes: map[string]schemas.TestOutcome{
			"tests/test_net.py::test_live": schemas.TestFailed,
		},
	}}

	cfg := testConfig(t, func(v *viper.Viper) { v.Set("orchestrator.baseline", true) })
	orch, err := New(cfg, zap.NewNop(), deps)
	require.NoError(t, err)

	_, err = orch.Run(context.Background())
	require.NoError(t, err)

	results := ledger.all()
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Verdict)
	assert.Equal(t, []string{"tests/test_net.py::test_live"}, results[0].Verdict.SuspectFlaky)

	// The baseline ran against the fix-commit tree, not the pre-fix one the
	// candidate was patched onto, and its verdict is on the row.
	bug := testBug("psf/requests", "01")
	snaps := deps.Snapshots.(*fakeSnapshots)
	snaps.mu.Lock()
	assert.Contains(t, snaps.commits, bug.FixCommit)
	snaps.mu.Unlock()
	require.NotNil(t, results[0].Baseline)
	assert.Equal(t, 1, results[0].Baseline.Failed)
}

func TestOrchestratorRun_BaselineRecordedOnGreenRun(t *testing.T) {
	defer goleak.VerifyNone(t)
	requireGit(t)

	deps, ledger := passingDeps(t)
	cfg := testConfig(t, func(v *viper.Viper) { v.Set("orchestrator.baseline", true) })
	orch, err := New(cfg, zap.NewNop(), deps)
	require.NoError(t, err)

	_, err = orch.Run(context.Background())
	require.NoError(t, err)

	results := ledger.all()
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Baseline, "a passing candidate still carries the baseline reference")
	assert.True(t, results[0].Baseline.Pass())
	assert.Empty(t, results[0].Verdict.SuspectFlaky)
}

func TestOrchestratorNew_Validation(t *testing.T) {
	deps, _ := passingDeps(t)
	cfg := testConfig(t, nil)

	_, err := New(nil, zap.NewNop(), deps)
	assert.Error(t, err)

	broken := deps
	broken.Ledger = nil
	_, err = New(cfg, zap.NewNop(), broken)
	assert.Error(t, err)
}
