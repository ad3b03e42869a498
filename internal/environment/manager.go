package environment

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fixbench/fixbench/api/schemas"
	"github.com/fixbench/fixbench/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// coreTools are installed into every venv before project dependencies: the
// installers the resolver strategies may invoke, plus the test harness.
var coreTools = []string{"pip", "setuptools", "wheel", "poetry", "uv", "pytest", "pytest-xdist"}

// transientMarkers identify installer failures worth the single bounded
// retry. Anything else (version conflicts, missing system libraries) fails
// immediately: retrying cannot change a resolution conflict.
var transientMarkers = []string{
	"connection reset",
	"connection aborted",
	"read timed out",
	"readtimeouterror",
	"connecttimeouterror",
	"temporary failure in name resolution",
	"network is unreachable",
	"503 service unavailable",
	"502 bad gateway",
}

// entry is one cached environment plus its borrow count. Eviction only
// considers zero-count entries; a borrowed environment is pinned.
type entry struct {
	env  *schemas.Environment
	refs int
}

// runner executes one install step and returns its combined output.
// Pluggable for testing; production uses execStep.
type runner func(ctx context.Context, env *schemas.Environment, cwd string, args []string, timeout time.Duration) ([]byte, error)

// Manager builds and caches isolated, dependency-installed environments keyed
// by manifest hash. It is the most stateful component in the pipeline and the
// only owner of the environments it hands out.
type Manager struct {
	cacheCfg config.CacheConfig
	envCfg   config.EnvironmentConfig
	logger   *zap.Logger
	run      runner

	// installSem caps concurrent installs across distinct manifests.
	installSem *semaphore.Weighted

	mu      sync.Mutex
	entries map[string]*entry
	// keyLocks serialize installs per manifest hash without serializing
	// unrelated projects' installs behind one global lock.
	keyLocks map[string]*sync.Mutex

	// installCount is incremented per actual install, exposed for tests
	// asserting cache reuse.
	installCount int
}

// NewManager creates an environment manager over the configured cache root.
func NewManager(cacheCfg config.CacheConfig, envCfg config.EnvironmentConfig, logger *zap.Logger) *Manager {
	parallel := envCfg.MaxConcurrentInstalls
	if parallel <= 0 {
		parallel = 1
	}
	m := &Manager{
		cacheCfg:   cacheCfg,
		envCfg:     envCfg,
		logger:     logger.Named("environment"),
		installSem: semaphore.NewWeighted(int64(parallel)),
		entries:    make(map[string]*entry),
		keyLocks:   make(map[string]*sync.Mutex),
	}
	m.run = m.execStep
	return m
}

// Acquire returns a ready environment for the manifest, installing one on
// first need. Identical manifests share an environment: the returned value
// is borrowed (reference-counted) and must be handed back via Release.
func (m *Manager) Acquire(ctx context.Context, repository string, manifest schemas.Manifest) (*schemas.Environment, error) {
	key := manifest.Hash()

	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if env := m.borrowReady(key); env != nil {
		m.logger.Debug("Reusing cached environment",
			zap.String("repository", repository), zap.String("manifest", key))
		return env, nil
	}

	// A previous process may have installed this environment; adopt it.
	if env := m.adoptFromDisk(key); env != nil {
		m.logger.Info("Adopted environment from disk cache",
			zap.String("repository", repository), zap.String("manifest", key))
		return m.borrowReady(key), nil
	}

	if err := m.installSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	env, err := m.install(ctx, repository, manifest, key)
	m.installSem.Release(1)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.entries[key] = &entry{env: env, refs: 1}
	m.mu.Unlock()

	m.evictOverBudget()
	return env, nil
}

// Release returns a borrowed environment to the cache. Once its borrow count
// reaches zero it becomes eligible for eviction.
func (m *Manager) Release(env *schemas.Environment) {
	if env == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[env.ManifestHash]; ok && e.refs > 0 {
		e.refs--
		e.env.LastUsed = time.Now().UTC()
	}
}

// InstallCount reports how many real installs have run. Tests use this to
// verify that an unchanged manifest never triggers a second install.
func (m *Manager) InstallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installCount
}

func (m *Manager) borrowReady(key string) *schemas.Environment {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if e.env.Status == schemas.EnvFailed {
		return nil
	}
	e.refs++
	e.env.LastUsed = time.Now().UTC()
	return e.env
}

// failedError returns the cached failure for a manifest, if any. Failed
// installs are remembered so a corpus full of bugs sharing one broken
// manifest fails fast instead of reinstalling per bug.
func (m *Manager) failedError(key, repository string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.env.Status == schemas.EnvFailed {
		return &schemas.EnvironmentSetupFailedError{
			Repository:   repository,
			ManifestHash: key,
			Log:          e.env.InstallLog,
			Cause:        fmt.Errorf("install previously failed"),
		}
	}
	return nil
}

// install creates the venv, installs core tooling, then runs the resolver's
// plan. Transient network failures get exactly one retry with backoff; the
// whole attempt is guarded by a file lock so concurrent worker processes do
// not install the same manifest twice.
func (m *Manager) install(ctx context.Context, repository string, manifest schemas.Manifest, key string) (*schemas.Environment, error) {
	if err := m.failedError(key, repository); err != nil {
		return nil, err
	}

	dir := filepath.Join(m.cacheCfg.EnvDir(), key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating environment dir: %w", err)
	}

	fileLock := flock.New(filepath.Join(m.cacheCfg.EnvDir(), key+".lock"))
	if err := fileLock.Lock(); err != nil {
		return nil, fmt.Errorf("locking environment %s: %w", key, err)
	}
	defer fileLock.Unlock()

	// Another process may have finished the install while we waited.
	if env := m.adoptFromDisk(key); env != nil {
		return m.borrowReady(key), nil
	}

	env := &schemas.Environment{
		Repository:   repository,
		ManifestHash: key,
		Status:       schemas.EnvPending,
		Path:         dir,
		PythonBin:    filepath.Join(dir, "venv", "bin", "python"),
		CreatedAt:    time.Now().UTC(),
		LastUsed:     time.Now().UTC(),
	}

	resolver := SelectResolver(manifest)
	m.logger.Info("Installing environment",
		zap.String("repository", repository),
		zap.String("manifest", key),
		zap.String("resolver", resolver.Name()))

	var logBuf bytes.Buffer
	err := m.runInstall(ctx, env, manifest, resolver, &logBuf)
	env.InstallLog = logBuf.String()

	m.mu.Lock()
	m.installCount++
	m.mu.Unlock()

	if err != nil {
		env.Status = schemas.EnvFailed
		m.mu.Lock()
		m.entries[key] = &entry{env: env}
		m.mu.Unlock()
		_ = writeEnvMeta(env)
		return nil, &schemas.EnvironmentSetupFailedError{
			Repository:   repository,
			ManifestHash: key,
			Log:          env.InstallLog,
			Cause:        err,
		}
	}

	env.Status = schemas.EnvReady
	if err := writeEnvMeta(env); err != nil {
		m.logger.Warn("Failed to persist environment metadata", zap.Error(err))
	}
	m.logger.Info("Environment ready",
		zap.String("repository", repository),
		zap.String("manifest", key),
		zap.Strings("warnings", env.Warnings))
	return env, nil
}

func (m *Manager) runInstall(ctx context.Context, env *schemas.Environment, manifest schemas.Manifest, resolver Resolver, logBuf *bytes.Buffer) error {
	// 1. Create the venv with the base interpreter.
	venvDir := filepath.Join(env.Path, "venv")
	if _, statErr := os.Stat(venvDir); os.IsNotExist(statErr) {
		out, err := m.run(ctx, env, env.Path, []string{m.envCfg.PythonInterpreter, "-m", "venv", venvDir}, m.envCfg.InstallTimeout)
		logBuf.Write(out)
		if err != nil {
			return fmt.Errorf("venv creation failed: %w", err)
		}
	}

	// 2. Core tooling.
	toolArgs := append([]string{"pip", "install", "--upgrade"}, coreTools...)
	if err := m.runWithRetry(ctx, env, env.Path, toolArgs, logBuf); err != nil {
		return fmt.Errorf("core tool install failed: %w", err)
	}

	// 3. Project dependencies per the selected strategy.
	steps, warnings := resolver.Plan(manifest)
	env.Warnings = append(env.Warnings, warnings...)

	cwd := manifest.SourcePath
	for _, step := range steps {
		if stepNeedsSources(step) && cwd == "" {
			env.Warnings = append(env.Warnings, "skipped step without source tree: "+step.desc)
			continue
		}
		stepDir := env.Path
		if stepNeedsSources(step) {
			stepDir = cwd
		}
		if err := m.runWithRetry(ctx, env, stepDir, step.args, logBuf); err != nil {
			if step.optional {
				env.Warnings = append(env.Warnings, step.desc+" failed; continuing: "+err.Error())
				continue
			}
			return fmt.Errorf("%s failed: %w", step.desc, err)
		}
	}
	return nil
}

// runWithRetry runs a step, retrying exactly once after backoff when the
// failure output looks like a transient network error.
func (m *Manager) runWithRetry(ctx context.Context, env *schemas.Environment, cwd string, args []string, logBuf *bytes.Buffer) error {
	out, err := m.run(ctx, env, cwd, args, m.envCfg.InstallTimeout)
	logBuf.Write(out)
	if err == nil {
		return nil
	}
	if !isTransient(string(out)) || ctx.Err() != nil {
		return err
	}

	m.logger.Warn("Transient install failure; retrying once",
		zap.Strings("command", args),
		zap.Duration("backoff", m.envCfg.RetryBackoff))
	select {
	case <-time.After(m.envCfg.RetryBackoff):
	case <-ctx.Done():
		return ctx.Err()
	}

	out, err = m.run(ctx, env, cwd, args, m.envCfg.InstallTimeout)
	logBuf.Write(out)
	return err
}

// execStep runs one installer command with the venv's bin directory first on
// PATH, so "pip", "poetry" and "uv" resolve inside the environment.
func (m *Manager) execStep(ctx context.Context, env *schemas.Environment, cwd string, args []string, timeout time.Duration) ([]byte, error) {
	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	venvBin := filepath.Join(env.Path, "venv", "bin")
	prog := args[0]
	if prog != m.envCfg.PythonInterpreter {
		if _, err := os.Stat(filepath.Join(venvBin, prog)); err == nil {
			prog = filepath.Join(venvBin, prog)
		}
	}

	cmd := exec.CommandContext(stepCtx, prog, args[1:]...)
	cmd.Dir = cwd
	cmd.Env = append(installEnviron(),
		"VIRTUAL_ENV="+filepath.Join(env.Path, "venv"),
		"PATH="+venvBin+string(os.PathListSeparator)+os.Getenv("PATH"),
	)
	return cmd.CombinedOutput()
}

// installEnviron strips any outer virtualenv from the inherited environment
// so the parent process's interpreter never leaks into an install.
func installEnviron() []string {
	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "VIRTUAL_ENV=") || strings.HasPrefix(kv, "PATH=") {
			continue
		}
		env = append(env, kv)
	}
	return env
}

// adoptFromDisk picks up an environment a previous process installed and left
// behind with ready status.
func (m *Manager) adoptFromDisk(key string) *schemas.Environment {
	dir := filepath.Join(m.cacheCfg.EnvDir(), key)
	env, err := readEnvMeta(dir)
	if err != nil || env.Status != schemas.EnvReady {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[key]; !exists {
		m.entries[key] = &entry{env: env}
	}
	return env
}

// -- Eviction --

// evictOverBudget removes least-recently-used, zero-borrow ready environments
// until the cache fits the configured disk budget. Failed entries keep their
// metadata (the install log is the evidence) but lose their venv.
func (m *Manager) evictOverBudget() {
	budget := m.cacheCfg.EnvironmentBudgetMB * 1024 * 1024
	if budget <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	total := int64(0)
	sizes := make(map[string]int64, len(m.entries))
	for key, e := range m.entries {
		size := dirSize(e.env.Path)
		sizes[key] = size
		total += size
	}
	if total <= budget {
		return
	}

	// Oldest first among the evictable.
	var candidates []string
	for key, e := range m.entries {
		if e.refs == 0 && e.env.Status == schemas.EnvReady {
			candidates = append(candidates, key)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return m.entries[candidates[i]].env.LastUsed.Before(m.entries[candidates[j]].env.LastUsed)
	})

	for _, key := range candidates {
		if total <= budget {
			break
		}
		e := m.entries[key]
		m.logger.Info("Evicting environment over disk budget",
			zap.String("manifest", key),
			zap.Int64("size_bytes", sizes[key]))
		if err := os.RemoveAll(e.env.Path); err != nil {
			m.logger.Warn("Eviction failed", zap.String("manifest", key), zap.Error(err))
			continue
		}
		total -= sizes[key]
		delete(m.entries, key)
	}
}

func (m *Manager) keyLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.keyLocks[key] = lock
	}
	return lock
}

// -- Helpers --

func stepNeedsSources(step installStep) bool {
	for _, a := range step.args {
		if a == "." || strings.HasPrefix(a, ".[") {
			return true
		}
	}
	switch step.args[0] {
	case "poetry", "uv":
		return true
	}
	return false
}

func isTransient(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func dirSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

const envMetaFile = "env.json"

func writeEnvMeta(env *schemas.Environment) error {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(env.Path, envMetaFile), data, 0o644)
}

func readEnvMeta(dir string) (*schemas.Environment, error) {
	data, err := os.ReadFile(filepath.Join(dir, envMetaFile))
	if err != nil {
		return nil, err
	}
	var env schemas.Environment
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	env.Path = dir
	return &env, nil
}
