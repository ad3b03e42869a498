package schemas

import "time"

// -- Patch Result Schemas --

// PatchResult reports per-file application outcome. A conflict in one file
// does not abort the others; an LLM patch that is correct for most files and
// malformed for one still gets its applied files tested.
type PatchResult struct {
	AppliedFiles  []string `json:"applied_files"`
	ConflictFiles []string `json:"conflict_files"`
	// LinesAdded/LinesDeleted count the hunk lines of the files that applied.
	LinesAdded   int `json:"lines_added"`
	LinesDeleted int `json:"lines_deleted"`
}

// Applied reports whether at least one file applied cleanly. The whole
// operation fails only when zero hunks landed.
func (r PatchResult) Applied() bool { return len(r.AppliedFiles) > 0 }

// Partial reports whether the patch applied with conflicts.
func (r PatchResult) Partial() bool { return r.Applied() && len(r.ConflictFiles) > 0 }

// -- Test Verdict Schemas --

// TestOutcome is the per-test result classification.
type TestOutcome string

const (
	TestPassed TestOutcome = "passed"
	TestFailed TestOutcome = "failed"
	// TestErrored covers collection errors and timeouts: a hang is neither
	// proof of correctness nor of a bug, so it is kept apart from "failed".
	TestErrored TestOutcome = "error"
)

// TestVerdict is the structured outcome of one test-suite execution.
// Excluded tests are never counted toward pass or fail; they appear only in
// SkippedByPolicy.
type TestVerdict struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Errored int `json:"errored"`
	// Outcomes maps test node IDs to their classification for the tests the
	// runner could attribute individually (failures and errors).
	Outcomes map[string]TestOutcome `json:"outcomes,omitempty"`
	// SkippedByPolicy lists the exclusions actually applied to this run.
	SkippedByPolicy []string      `json:"skipped_by_policy,omitempty"`
	Duration        time.Duration `json:"duration"`
	TimedOut        bool          `json:"timed_out"`
	// LogPath points at the raw captured output for this run.
	LogPath string `json:"log_path,omitempty"`
	// SuspectFlaky lists tests that failed identically under the unpatched
	// baseline, so their failures here say nothing about the candidate fix.
	SuspectFlaky []string `json:"suspect_flaky,omitempty"`
}

// Pass reports whether the suite passed outright.
func (v TestVerdict) Pass() bool { return v.Failed == 0 && v.Errored == 0 && !v.TimedOut }

// -- Run State Schemas --

// RunState is the pipeline position of one (bug, fix-source) pair. Transitions
// are validated against an explicit table; the states are persisted so a
// stopped queue can resume without repeating recorded work.
type RunState string

const (
	StatePending       RunState = "PENDING"
	StateSnapshotReady RunState = "SNAPSHOT_READY"
	StateEnvReady      RunState = "ENV_READY"
	StatePatched       RunState = "PATCHED"
	StateTested        RunState = "TESTED"
	StateRecorded      RunState = "RECORDED"

	StateSnapshotFailed RunState = "SNAPSHOT_FAILED"
	StateEnvFailed      RunState = "ENV_FAILED"
	StatePatchFailed    RunState = "PATCH_FAILED"
	StateTestFailed     RunState = "TEST_FAILED"
)

// Terminal reports whether the state ends the pipeline for its pair.
func (s RunState) Terminal() bool {
	switch s {
	case StateRecorded, StateSnapshotFailed, StateEnvFailed, StatePatchFailed, StateTestFailed:
		return true
	}
	return false
}

// StageOutcome summarizes one pipeline stage for the ledger.
type StageOutcome string

const (
	OutcomeSuccess StageOutcome = "success"
	OutcomeFailure StageOutcome = "failure"
	OutcomePartial StageOutcome = "partial"
	OutcomeSkipped StageOutcome = "skipped"
)

// -- Run Result Schemas --

// MetricsRecord is the best-effort complexity annotation computed from the
// patched working copy. Failure to compute it never fails the run.
type MetricsRecord struct {
	CyclomaticTotal int     `json:"cyclomatic_total,omitempty"`
	CognitiveTotal  int     `json:"cognitive_total,omitempty"`
	AvgParams       float64 `json:"avg_params,omitempty"`
}

// RunResult is one row of the run ledger: the complete record of pushing one
// (bug, fix-source) pair through the pipeline. Rows are append-only and never
// mutated after being written; re-running appends a new timestamped row.
type RunResult struct {
	RunID            string       `json:"run_id"`
	Bug              BugRecord    `json:"bug"`
	Source           FixSource    `json:"source"`
	State            RunState     `json:"state"`
	EnvSetup         StageOutcome `json:"env_setup"`
	PatchApplication StageOutcome `json:"patch_application"`
	Patch            *PatchResult `json:"patch,omitempty"`
	Verdict          *TestVerdict `json:"verdict,omitempty"`
	// Baseline is the verdict of the unpatched suite at the fix commit,
	// shared across the bug's candidates. It is what makes fail-to-pass
	// transitions computable from the ledger alone.
	Baseline *TestVerdict   `json:"baseline,omitempty"`
	Metrics  *MetricsRecord `json:"metrics,omitempty"`
	LLM      *LLMMetadata   `json:"llm,omitempty"`
	// Error carries the terminal failure detail when State is a failure state.
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Key identifies the (bug, fix-source) pair this row belongs to.
func (r RunResult) Key() string {
	return r.Bug.ID() + "|" + string(r.Source)
}
