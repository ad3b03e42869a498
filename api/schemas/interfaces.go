package schemas

import "context"

// -- Component Interfaces --
//
// The orchestrator is injected with these rather than concrete types, which
// keeps it decoupled and lets tests substitute each stage independently.

// SnapshotStore materializes and caches source trees at specific commits.
type SnapshotStore interface {
	// Get returns the snapshot for (repository, commit), materializing it on
	// first request. Idempotent: repeated calls return identical content.
	Get(ctx context.Context, repository, commit string) (*Snapshot, error)
	// HumanPatch extracts the unified diff of the fix commit against its
	// parent, restricted to the bug's touched files.
	HumanPatch(ctx context.Context, bug BugRecord) (string, error)
}

// EnvironmentManager builds and caches dependency-installed runtimes.
type EnvironmentManager interface {
	// Acquire returns a ready environment for the manifest, installing it on
	// first need. The caller holds a borrow reference until Release.
	Acquire(ctx context.Context, repository string, manifest Manifest) (*Environment, error)
	// Release returns a borrowed environment to the cache, making it
	// eligible for eviction once its borrow count reaches zero.
	Release(env *Environment)
}

// PatchApplicator applies a candidate diff onto a working copy.
type PatchApplicator interface {
	Apply(ctx context.Context, workingCopy string, candidate PatchCandidate) (*PatchResult, error)
}

// TestRunner executes a project's test suite inside an environment.
type TestRunner interface {
	// Run executes testCommand in the working copy, with exclusions applied
	// as collection arguments before execution. Raw output is captured to
	// logPath when non-empty.
	Run(ctx context.Context, env *Environment, workingCopy string, testCommand string, exclusions Exclusions, logPath string) (*TestVerdict, error)
}

// Ledger accepts append-only RunResult rows from concurrent workers.
type Ledger interface {
	Append(ctx context.Context, result RunResult) error
}

// -- External Collaborator Interfaces --

// CorpusSource supplies the immutable BugRecord input queue. The miner behind
// it is out of scope; the pipeline only reads.
type CorpusSource interface {
	Bugs(ctx context.Context) ([]BugRecord, error)
}

// PatchProvider supplies the candidate patches to evaluate for one bug.
// The human candidate comes from the snapshot store's commit diff; LLM
// candidates come from an external client, metadata included.
type PatchProvider interface {
	Candidates(ctx context.Context, bug BugRecord) ([]PatchCandidate, error)
}

// MetricsCollector computes complexity annotations from a patched working
// copy. Best-effort: an error here never fails the run.
type MetricsCollector interface {
	Collect(ctx context.Context, workingCopy string, files []string) (*MetricsRecord, error)
}

// Exclusions is the curated set of known-flaky tests and paths to keep out of
// a run. Applied before execution so excluded tests are never selected.
type Exclusions struct {
	// IgnorePaths are test files or directories passed as --ignore.
	IgnorePaths []string `json:"ignore_paths" yaml:"ignore_paths"`
	// DeselectNodes are individual test node IDs passed as --deselect.
	DeselectNodes []string `json:"deselect_nodes" yaml:"deselect_nodes"`
}

// All returns every exclusion entry, for verdict reporting.
func (e Exclusions) All() []string {
	out := make([]string, 0, len(e.IgnorePaths)+len(e.DeselectNodes))
	out = append(out, e.IgnorePaths...)
	out = append(out, e.DeselectNodes...)
	return out
}

// Empty reports whether no exclusions are configured.
func (e Exclusions) Empty() bool {
	return len(e.IgnorePaths) == 0 && len(e.DeselectNodes) == 0
}
