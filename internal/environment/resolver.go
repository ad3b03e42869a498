package environment

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fixbench/fixbench/api/schemas"
)

// manifestCandidates are the files that pin or declare a Python project's
// dependencies, in the order we look for them. Their contents at a commit
// define the manifest hash, so a commit that touches none of them reuses the
// previous environment.
var manifestCandidates = []string{
	"pyproject.toml",
	"uv.lock",
	"poetry.lock",
	"setup.py",
	"setup.cfg",
	"requirements-dev.txt",
	"requirements_dev.txt",
	"requirements-test.txt",
	"test-requirements.txt",
	"requirements.txt",
	"requirements/requirements.txt",
	"requirements/dev.txt",
	"requirements/test.txt",
	"tox.ini",
}

// CollectManifest reads the dependency declaration out of a materialized
// snapshot. Missing candidates are simply absent from the map; an empty map
// means the best-effort resolver is all we have.
func CollectManifest(snapshotPath, defaultTestCommand string) (schemas.Manifest, error) {
	manifest := schemas.Manifest{
		Files:       make(map[string]string),
		TestCommand: defaultTestCommand,
		SourcePath:  snapshotPath,
	}
	for _, name := range manifestCandidates {
		data, err := os.ReadFile(filepath.Join(snapshotPath, filepath.FromSlash(name)))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return manifest, err
		}
		manifest.Files[name] = string(data)
	}
	return manifest, nil
}

// -- Dependency Resolution Strategies --

// installStep is one installer invocation run inside the venv.
type installStep struct {
	args []string
	// optional marks steps whose failure downgrades to a warning instead of
	// failing the environment (e.g. editable install of a package that needs
	// a build toolchain the tests do not).
	optional bool
	desc     string
}

// Resolver selects the install steps for a manifest. Two strategies exist:
// exact pins from a lockfile when one is present, best-effort solving
// otherwise. Ambiguity is reported as warnings on the environment, not as a
// failure, since partial dependency success may still let some tests run.
type Resolver interface {
	Name() string
	// Plan returns the install steps plus any resolution warnings.
	Plan(manifest schemas.Manifest) ([]installStep, []string)
}

// SelectResolver picks the strategy for a manifest: lockfile-exact when any
// pin source exists, best-effort otherwise.
func SelectResolver(manifest schemas.Manifest) Resolver {
	if _, ok := manifest.Files["uv.lock"]; ok {
		return lockfileResolver{}
	}
	if _, ok := manifest.Files["poetry.lock"]; ok {
		return lockfileResolver{}
	}
	for name := range manifest.Files {
		if strings.Contains(name, "requirements") {
			return lockfileResolver{}
		}
	}
	return bestEffortResolver{}
}

// lockfileResolver installs the exact versions a lockfile or requirements
// file pins. This is the reproducible path: the versions match what was in
// effect at the snapshot's commit.
type lockfileResolver struct{}

func (lockfileResolver) Name() string { return "lockfile" }

func (lockfileResolver) Plan(manifest schemas.Manifest) ([]installStep, []string) {
	var steps []installStep
	var warnings []string

	switch {
	case hasFile(manifest, "uv.lock"):
		steps = append(steps, installStep{
			args: []string{"uv", "sync", "--frozen"},
			desc: "uv sync from lockfile",
		})
	case hasFile(manifest, "poetry.lock"):
		steps = append(steps, installStep{
			args: []string{"poetry", "install", "--no-interaction"},
			desc: "poetry install from lockfile",
		})
	default:
		req := firstRequirementsFile(manifest)
		if req == "" {
			warnings = append(warnings, "lockfile resolver selected but no requirements file found")
			return bestEffortResolver{}.Plan(manifest)
		}
		// Install the package itself first so it is importable from the
		// environment. Non-editable: the installed copy must not reference
		// the snapshot tree, which outlives no particular run. Projects
		// without build metadata tolerate this step failing.
		steps = append(steps,
			installStep{args: []string{"pip", "install", "."}, optional: true, desc: "project install"},
			installStep{args: []string{"pip", "install", "-r", req}, desc: "pip install -r " + req},
		)
		if !pinsAreExact(manifest.Files[req]) {
			warnings = append(warnings, "requirements file "+req+" is not fully pinned; installed versions may drift from the commit's era")
		}
	}
	return steps, warnings
}

// bestEffortResolver handles projects with no pin source at all: install the
// package itself and hope its declared ranges still resolve. Old commits
// often predate upper bounds, so this path always carries a warning.
type bestEffortResolver struct{}

func (bestEffortResolver) Name() string { return "best-effort" }

func (bestEffortResolver) Plan(manifest schemas.Manifest) ([]installStep, []string) {
	warnings := []string{"no lockfile or requirements found; dependency versions resolved at install time, not at the commit"}
	steps := []installStep{
		{args: []string{"pip", "install", ".[dev,test,tests,typing]"}, optional: true, desc: "project install with extras"},
		{args: []string{"pip", "install", "."}, desc: "project install"},
	}
	return steps, warnings
}

func hasFile(m schemas.Manifest, name string) bool {
	_, ok := m.Files[name]
	return ok
}

func firstRequirementsFile(m schemas.Manifest) string {
	order := []string{
		"requirements-dev.txt",
		"requirements_dev.txt",
		"requirements-test.txt",
		"test-requirements.txt",
		"requirements.txt",
		"requirements/requirements.txt",
		"requirements/dev.txt",
		"requirements/test.txt",
	}
	for _, name := range order {
		if hasFile(m, name) {
			return name
		}
	}
	return ""
}

// pinsAreExact reports whether every non-comment requirement line carries an
// exact version pin.
func pinsAreExact(contents string) bool {
	for _, line := range strings.Split(contents, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		if !strings.Contains(line, "==") {
			return false
		}
	}
	return true
}
