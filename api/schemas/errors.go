package schemas

import "fmt"

// -- Pipeline Error Taxonomy --
//
// Failures below the orchestrator are always surfaced as one of these typed
// errors so the final RunResult can classify the stage that broke. None of
// them are swallowed: every attempted (bug, fix-source) pair ends with exactly
// one ledger row whether it succeeded or not.

// SourceUnavailableError means a snapshot could not be materialized because
// the commit cannot be resolved (force-pushed history, shallow clone, deleted
// repository). Retrying cannot fix a missing commit, so it is terminal.
type SourceUnavailableError struct {
	Repository string
	Commit     string
	Cause      error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source unavailable: %s@%s: %v", e.Repository, e.Commit, e.Cause)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Cause }

// EnvironmentSetupFailedError means dependency installation failed. Transient
// network errors get exactly one bounded retry before this surfaces;
// resolution conflicts surface immediately. The captured install log rides
// along for operator diagnosis.
type EnvironmentSetupFailedError struct {
	Repository   string
	ManifestHash string
	Log          string
	Cause        error
}

func (e *EnvironmentSetupFailedError) Error() string {
	return fmt.Sprintf("environment setup failed: %s manifest %s: %v", e.Repository, e.ManifestHash, e.Cause)
}

func (e *EnvironmentSetupFailedError) Unwrap() error { return e.Cause }

// PatchApplyError means zero hunks of a candidate patch applied. Per-file
// conflicts inside an otherwise-applying patch are not errors; they are
// recorded in the PatchResult and the run continues.
type PatchApplyError struct {
	Source FixSource
	Detail string
}

func (e *PatchApplyError) Error() string {
	return fmt.Sprintf("patch from %s applied zero files: %s", e.Source, e.Detail)
}

// TestExecutionFailedError means the test harness itself could not run: the
// interpreter is missing, the runner crashed before collecting tests, the
// working copy is gone. This is a pipeline defect to fix, distinct from a
// legitimately failing test suite.
type TestExecutionFailedError struct {
	Workdir string
	Detail  string
	Cause   error
}

func (e *TestExecutionFailedError) Error() string {
	return fmt.Sprintf("test execution failed in %s: %s: %v", e.Workdir, e.Detail, e.Cause)
}

func (e *TestExecutionFailedError) Unwrap() error { return e.Cause }
