package testrunner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"github.com/fixbench/fixbench/api/schemas"
	"github.com/fixbench/fixbench/internal/config"
)

// globalIgnores are path fragments never worth collecting tests from,
// regardless of project-specific exclusions.
var globalIgnores = []string{"node_modules", ".git", "build", "dist", ".eggs"}

// summaryRe matches the counts in a pytest summary line, e.g.
// "3 failed, 120 passed, 2 skipped, 1 error in 42.10s".
var summaryRe = regexp.MustCompile(`(\d+)\s+(passed|failed|error|errors|skipped|deselected|xfailed|xpassed)`)

// failureRe matches per-test result lines from pytest's verbose or short
// summary output: "FAILED tests/test_x.py::test_name - AssertionError".
var failureRe = regexp.MustCompile(`^(FAILED|ERROR|PASSED)\s+(\S+?)(?:\s+-.*)?$`)

// Runner executes a project's test suite inside a prepared environment
// against a patched working copy, shaping the invocation with the configured
// exclusions and enforcing a hard timeout on the whole process tree.
type Runner struct {
	cfg    config.RunnerConfig
	logger *zap.Logger
}

func NewRunner(cfg config.RunnerConfig, logger *zap.Logger) *Runner {
	return &Runner{cfg: cfg, logger: logger.Named("testrunner")}
}

// Run executes the manifest's test command in workdir using the environment's
// interpreter. Exclusions are applied up front as collection arguments, never
// by post-filtering results. A timeout kills the whole process group and
// yields a verdict with TimedOut set rather than an error: a hang is a test
// outcome, not an infrastructure failure.
func (r *Runner) Run(ctx context.Context, env *schemas.Environment, workdir string, testCommand string, excl schemas.Exclusions, logPath string) (*schemas.TestVerdict, error) {
	args, err := r.buildCommand(workdir, testCommand, excl)
	if err != nil {
		return nil, &schemas.TestExecutionFailedError{Workdir: workdir, Detail: "building test command", Cause: err}
	}

	timeout := r.cfg.TestTimeout
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	r.logger.Debug("Running test suite",
		zap.String("workdir", workdir),
		zap.Strings("command", args))

	start := time.Now()
	output, timedOut, runErr := r.execSuite(runCtx, env, workdir, args)
	duration := time.Since(start)

	if logPath != "" {
		if werr := writeLog(logPath, args, output); werr != nil {
			r.logger.Warn("Failed to write test log", zap.String("path", logPath), zap.Error(werr))
		}
	}

	verdict := ParseOutput(string(output))
	verdict.Duration = duration
	verdict.TimedOut = timedOut
	verdict.LogPath = logPath
	verdict.SkippedByPolicy = excl.All()

	if timedOut {
		r.logger.Warn("Test suite timed out",
			zap.String("workdir", workdir),
			zap.Duration("timeout", timeout))
		return verdict, nil
	}

	// pytest exits 1 on failures and 0 on success; both are valid verdicts.
	// Exit codes past 1 (usage error, internal error, no tests collected
	// with strict config) with nothing parsed mean the harness itself broke.
	if runErr != nil && verdict.Passed == 0 && verdict.Failed == 0 && verdict.Errored == 0 {
		return nil, &schemas.TestExecutionFailedError{
			Workdir: workdir,
			Detail:  tail(string(output), 4000),
			Cause:   runErr,
		}
	}
	return verdict, nil
}

// buildCommand parses the test command and appends ignore/deselect arguments
// for every exclusion plus the global ignores that exist in the tree.
func (r *Runner) buildCommand(workdir, testCommand string, excl schemas.Exclusions) ([]string, error) {
	if strings.TrimSpace(testCommand) == "" {
		testCommand = r.cfg.DefaultTestCommand
	}
	args, err := shlex.Split(testCommand)
	if err != nil {
		return nil, fmt.Errorf("parsing test command %q: %w", testCommand, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty test command")
	}

	for _, p := range excl.IgnorePaths {
		args = append(args, "--ignore="+p)
	}
	for _, node := range excl.DeselectNodes {
		args = append(args, "--deselect="+node)
	}
	for _, dir := range globalIgnores {
		if _, err := os.Stat(filepath.Join(workdir, dir)); err == nil {
			args = append(args, "--ignore="+dir)
		}
	}

	// Point collection at tests/ when present and the command names no
	// target, so sibling projects in a monorepo layout are not swept up.
	if !hasPathArg(args[1:]) {
		if info, err := os.Stat(filepath.Join(workdir, "tests")); err == nil && info.IsDir() {
			args = append(args, "tests")
		}
	}
	return args, nil
}

// execSuite runs the suite in its own process group so a timeout can kill
// spawned workers (pytest-xdist) along with the parent.
func (r *Runner) execSuite(ctx context.Context, env *schemas.Environment, workdir string, args []string) ([]byte, bool, error) {
	prog := args[0]
	venvBin := filepath.Dir(env.PythonBin)
	if candidate := filepath.Join(venvBin, prog); fileExists(candidate) {
		prog = candidate
	}

	cmd := exec.Command(prog, args[1:]...)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(),
		"VIRTUAL_ENV="+filepath.Dir(venvBin),
		"PATH="+venvBin+string(os.PathListSeparator)+os.Getenv("PATH"),
		// The patched sources in the working copy must shadow the copy
		// installed into the shared environment.
		"PYTHONPATH="+workdir,
		"PYTHONDONTWRITEBYTECODE=1",
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Start(); err != nil {
		return nil, false, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return buf.Bytes(), false, err
	case <-ctx.Done():
		// Negative pid signals the whole group.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return buf.Bytes(), true, ctx.Err()
	}
}

// ParseOutput extracts a verdict from pytest output: the summary counts plus
// per-test outcomes from FAILED/ERROR/PASSED lines.
func ParseOutput(output string) *schemas.TestVerdict {
	verdict := &schemas.TestVerdict{Outcomes: make(map[string]schemas.TestOutcome)}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if m := failureRe.FindStringSubmatch(line); m != nil {
			switch m[1] {
			case "FAILED":
				verdict.Outcomes[m[2]] = schemas.TestFailed
			case "ERROR":
				verdict.Outcomes[m[2]] = schemas.TestErrored
			case "PASSED":
				verdict.Outcomes[m[2]] = schemas.TestPassed
			}
		}
	}

	// The last summary line wins; reruns and intermediate progress lines can
	// also match the pattern.
	for _, line := range strings.Split(output, "\n") {
		matches := summaryRe.FindAllStringSubmatch(line, -1)
		if len(matches) == 0 || !looksLikeSummary(line) {
			continue
		}
		verdict.Passed, verdict.Failed, verdict.Errored = 0, 0, 0
		for _, m := range matches {
			n, _ := strconv.Atoi(m[1])
			switch m[2] {
			case "passed":
				verdict.Passed += n
			case "failed":
				verdict.Failed += n
			case "error", "errors":
				verdict.Errored += n
			}
			// xfailed and xpassed are expected states: pytest exits 0 on
			// them, so they count toward neither passed nor failed.
		}
	}
	return verdict
}

func looksLikeSummary(line string) bool {
	return strings.Contains(line, "=") && (strings.Contains(line, "passed") ||
		strings.Contains(line, "failed") || strings.Contains(line, "error"))
}

func hasPathArg(args []string) bool {
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func writeLog(path string, args []string, output []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	header := fmt.Sprintf("$ %s\n\n", strings.Join(args, " "))
	return os.WriteFile(path, append([]byte(header), output...), 0o644)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
