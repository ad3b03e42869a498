package testrunner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fixbench/fixbench/api/schemas"
	"github.com/fixbench/fixbench/internal/config"
)

const pytestOutput = `============================= test session starts ==============================
collected 126 items / 2 deselected / 124 selected

tests/test_models.py ........F...                                        [ 50%]
tests/test_utils.py ....E.......                                        [100%]

=================================== FAILURES ===================================
________________________________ test_redirect _________________________________
AssertionError: assert 301 == 302
=========================== short test summary info ============================
FAILED tests/test_models.py::test_redirect - AssertionError: assert 301 == 302
ERROR tests/test_utils.py::test_proxy - ConnectionError
==================== 1 failed, 120 passed, 2 skipped, 1 error in 42.10s ====================
`

func TestParseOutput(t *testing.T) {
	verdict := ParseOutput(pytestOutput)

	assert.Equal(t, 120, verdict.Passed)
	assert.Equal(t, 1, verdict.Failed)
	assert.Equal(t, 1, verdict.Errored)

	assert.Equal(t, schemas.TestFailed, verdict.Outcomes["tests/test_models.py::test_redirect"])
	assert.Equal(t, schemas.TestErrored, verdict.Outcomes["tests/test_utils.py::test_proxy"])
}

func TestParseOutput_AllPassed(t *testing.T) {
	verdict := ParseOutput("collected 10 items\n.......... \n============ 10 passed in 1.20s ============\n")
	assert.Equal(t, 10, verdict.Passed)
	assert.Equal(t, 0, verdict.Failed)
	assert.True(t, verdict.Pass())
}

func TestParseOutput_ExpectedFailuresStayGreen(t *testing.T) {
	// pytest exits 0 on xfailed/xpassed; neither may flip the verdict.
	verdict := ParseOutput("=== 5 passed, 2 xfailed, 1 xpassed in 0.5s ===\n")
	assert.Equal(t, 5, verdict.Passed)
	assert.Equal(t, 0, verdict.Failed)
	assert.Equal(t, 0, verdict.Errored)
	assert.True(t, verdict.Pass())
}

func TestParseOutput_Garbage(t *testing.T) {
	verdict := ParseOutput("Traceback (most recent call last):\n  ImportError: no module named pytest\n")
	assert.Equal(t, 0, verdict.Passed)
	assert.Equal(t, 0, verdict.Failed)
	assert.Equal(t, 0, verdict.Errored)
}

func newTestRunner() *Runner {
	return NewRunner(config.RunnerConfig{
		DefaultTestCommand: "python -m pytest",
		TestTimeout:        time.Minute,
	}, zap.NewNop())
}

func TestBuildCommand_AppliesExclusionsBeforeExecution(t *testing.T) {
	r := newTestRunner()
	excl := schemas.Exclusions{
		IgnorePaths:   []string{"tests/test_network.py"},
		DeselectNodes: []string{"tests/test_api.py::test_live"},
	}

	args, err := r.buildCommand(t.TempDir(), "python -m pytest -x", excl)
	require.NoError(t, err)

	assert.Equal(t, []string{"python", "-m", "pytest", "-x"}, args[:4])
	assert.Contains(t, args, "--ignore=tests/test_network.py")
	assert.Contains(t, args, "--deselect=tests/test_api.py::test_live")
}

func TestBuildCommand_DefaultsAndTestsDir(t *testing.T) {
	r := newTestRunner()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tests"), 0o755))

	args, err := r.buildCommand(dir, "", schemas.Exclusions{})
	require.NoError(t, err)
	assert.Equal(t, "python", args[0])
	assert.Equal(t, "tests", args[len(args)-1], "collection is pointed at tests/ when the command names no target")
}

func TestBuildCommand_ExplicitTargetSkipsTestsDir(t *testing.T) {
	r := newTestRunner()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tests"), 0o755))

	args, err := r.buildCommand(dir, "python -m pytest tests/unit", schemas.Exclusions{})
	require.NoError(t, err)
	assert.Equal(t, "tests/unit", args[len(args)-1])
}

func TestBuildCommand_GlobalIgnores(t *testing.T) {
	r := newTestRunner()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules"), 0o755))

	args, err := r.buildCommand(dir, "python -m pytest .", schemas.Exclusions{})
	require.NoError(t, err)
	assert.Contains(t, args, "--ignore=node_modules")
}

func TestBuildCommand_BadQuoting(t *testing.T) {
	r := newTestRunner()
	_, err := r.buildCommand(t.TempDir(), `python -m pytest "unterminated`, schemas.Exclusions{})
	assert.Error(t, err)
}

func TestLoadExclusions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exclusions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
psf/requests:
  ignore_paths:
    - tests/test_live.py
  deselect_nodes:
    - tests/test_api.py::test_timeout
`), 0o644))

	set, err := LoadExclusions(path)
	require.NoError(t, err)

	excl := set.For("psf/requests")
	assert.Equal(t, []string{"tests/test_live.py"}, excl.IgnorePaths)
	assert.Equal(t, []string{"tests/test_api.py::test_timeout"}, excl.DeselectNodes)

	assert.True(t, set.For("unknown/repo").Empty())
}

func TestLoadExclusions_MissingFileIsEmpty(t *testing.T) {
	set, err := LoadExclusions(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, set)

	set, err = LoadExclusions("")
	require.NoError(t, err)
	assert.Empty(t, set)
}
