package patch

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fixbench/fixbench/api/schemas"
)

// strategies are tried in order per file. Direct application first, then
// progressively looser whitespace handling. Context-line fuzzing is left to
// git's default; anything that fails all three is a real conflict.
var strategies = [][]string{
	{"apply"},
	{"apply", "--whitespace=fix"},
	{"apply", "--ignore-whitespace"},
}

// Applicator applies unified diffs to working copies file by file, so one
// conflicting hunk does not discard the rest of a multi-file patch.
type Applicator struct {
	logger *zap.Logger
}

func NewApplicator(logger *zap.Logger) *Applicator {
	return &Applicator{logger: logger.Named("patch")}
}

// Apply splits the candidate's diff into per-file patches and applies each
// independently, escalating through apply strategies. The working copy must
// be a git repository (or at least a tree git apply can address); partial
// success is reported, zero success is an error.
func (a *Applicator) Apply(ctx context.Context, workdir string, candidate schemas.PatchCandidate) (*schemas.PatchResult, error) {
	diff := candidate.Diff
	if strings.TrimSpace(diff) == "" {
		return nil, &schemas.PatchApplyError{
			Source: candidate.Source,
			Detail: "empty diff",
		}
	}

	files := SplitByFile(diff)
	if len(files) == 0 {
		return nil, &schemas.PatchApplyError{
			Source: candidate.Source,
			Detail: "no file headers recognized in diff",
		}
	}
	result := &schemas.PatchResult{}

	for _, fp := range files {
		applied, strategy, err := a.applyFile(ctx, workdir, fp)
		if applied {
			result.AppliedFiles = append(result.AppliedFiles, fp.Path)
			added, deleted := fp.lineStats()
			result.LinesAdded += added
			result.LinesDeleted += deleted
			if strategy > 0 {
				a.logger.Debug("Patch applied with relaxed strategy",
					zap.String("file", fp.Path),
					zap.Strings("strategy", strategies[strategy]))
			}
			continue
		}
		result.ConflictFiles = append(result.ConflictFiles, fp.Path)
		a.logger.Warn("Patch conflict",
			zap.String("file", fp.Path),
			zap.String("workdir", workdir),
			zap.Error(err))
	}

	if len(result.AppliedFiles) == 0 {
		return result, &schemas.PatchApplyError{
			Source: candidate.Source,
			Detail: "conflicts in: " + strings.Join(result.ConflictFiles, ", "),
		}
	}
	return result, nil
}

// applyFile runs the strategy ladder for one file's patch. Returns which
// strategy succeeded for logging.
func (a *Applicator) applyFile(ctx context.Context, workdir string, fp FilePatch) (bool, int, error) {
	var lastErr error
	for i, strategy := range strategies {
		args := append(append([]string{}, strategy...), "-")
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = workdir
		cmd.Stdin = strings.NewReader(fp.Body)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		if err := cmd.Run(); err == nil {
			return true, i, nil
		} else {
			lastErr = fmt.Errorf("git %s: %w: %s", strings.Join(strategy, " "), err, strings.TrimSpace(stderr.String()))
		}
		if ctx.Err() != nil {
			return false, 0, ctx.Err()
		}
	}
	return false, 0, lastErr
}

// FilePatch is the diff of a single file carved out of a larger patch.
type FilePatch struct {
	Path string
	Body string
}

// lineStats counts added and deleted lines from the hunks, skipping the
// +++/--- headers.
func (fp FilePatch) lineStats() (added, deleted int) {
	for _, line := range strings.Split(fp.Body, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			deleted++
		}
	}
	return added, deleted
}

// SplitByFile splits a unified diff into independent per-file patches on
// "diff --git" boundaries. Plain unified diffs without git headers, a shape
// model output often takes and git apply accepts, fall back to bare ---/+++
// header pairs. Each fragment keeps its full header so it can be fed to
// git apply on its own.
func SplitByFile(diff string) []FilePatch {
	lines := strings.Split(diff, "\n")
	patches := splitOnGitHeaders(lines)
	if len(patches) == 0 {
		patches = splitOnBareHeaders(lines)
	}
	return patches
}

func splitOnGitHeaders(lines []string) []FilePatch {
	var patches []FilePatch
	var current []string
	var currentPath string

	for _, line := range lines {
		if strings.HasPrefix(line, "diff --git ") {
			patches = appendPatch(patches, currentPath, current)
			current = nil
			currentPath = pathFromHeader(line)
		}
		if currentPath != "" {
			current = append(current, line)
		}
	}
	return appendPatch(patches, currentPath, current)
}

// splitOnBareHeaders carves file fragments on "--- old" lines immediately
// followed by a "+++ new" line. Requiring the pair keeps deleted lines that
// happen to start with dashes from opening a bogus fragment.
func splitOnBareHeaders(lines []string) []FilePatch {
	var patches []FilePatch
	var current []string
	var currentPath string

	for i, line := range lines {
		if strings.HasPrefix(line, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ ") {
			patches = appendPatch(patches, currentPath, current)
			current = nil
			currentPath = bareHeaderPath(line, lines[i+1])
		}
		if currentPath != "" {
			current = append(current, line)
		}
	}
	return appendPatch(patches, currentPath, current)
}

func appendPatch(patches []FilePatch, path string, body []string) []FilePatch {
	if path == "" || len(body) == 0 {
		return patches
	}
	joined := strings.Join(body, "\n")
	if !strings.HasSuffix(joined, "\n") {
		joined += "\n"
	}
	return append(patches, FilePatch{Path: path, Body: joined})
}

// pathFromHeader extracts the b/ path from a "diff --git a/x b/x" line. The
// new-side path is the one that exists after the patch lands.
func pathFromHeader(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return ""
	}
	return strings.TrimPrefix(fields[3], "b/")
}

// bareHeaderPath takes the new-side path from a ---/+++ pair, falling back to
// the old side for deletions (+++ /dev/null).
func bareHeaderPath(oldLine, newLine string) string {
	path := headerField(newLine)
	if path == "" || path == "/dev/null" {
		path = headerField(oldLine)
	}
	if path == "/dev/null" {
		return ""
	}
	return path
}

func headerField(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return ""
	}
	path := strings.TrimPrefix(fields[1], "a/")
	return strings.TrimPrefix(path, "b/")
}

// EnsureGitTree initializes a throwaway git repository in a working copy that
// was materialized from a snapshot rather than cloned, so git apply has an
// index to work against.
func EnsureGitTree(ctx context.Context, workdir string) error {
	if _, err := os.Stat(filepath.Join(workdir, ".git")); err == nil {
		return nil
	}
	for _, args := range [][]string{
		{"init", "-q"},
		{"add", "-A"},
		{"-c", "user.email=runner@localhost", "-c", "user.name=runner", "commit", "-q", "-m", "baseline", "--no-gpg-sign"},
	} {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = workdir
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
		}
	}
	return nil
}
