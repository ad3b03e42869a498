package corpus

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/fixbench/fixbench/api/schemas"
)

// FilePatchSource serves externally generated patch candidates (LLM output)
// from a JSON file keyed by bug ID. Patch generation itself happens outside
// the pipeline; this only reads its artifacts.
type FilePatchSource struct {
	logger  *zap.Logger
	byBugID map[string][]schemas.PatchCandidate
}

type patchFileEntry struct {
	BugID  string               `json:"bug_id"`
	Source schemas.FixSource    `json:"source"`
	Diff   string               `json:"diff"`
	LLM    *schemas.LLMMetadata `json:"llm,omitempty"`
}

// NewFilePatchSource loads all candidates up front; the file is small
// relative to the work each candidate triggers.
func NewFilePatchSource(path string, logger *zap.Logger) (*FilePatchSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading patch file %s: %w", path, err)
	}
	var entries []patchFileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing patch file %s: %w", path, err)
	}

	s := &FilePatchSource{
		logger:  logger.Named("patches"),
		byBugID: make(map[string][]schemas.PatchCandidate, len(entries)),
	}
	for _, e := range entries {
		if e.BugID == "" || e.Diff == "" {
			s.logger.Warn("Skipping patch entry without bug_id or diff",
				zap.String("bug_id", e.BugID), zap.String("source", string(e.Source)))
			continue
		}
		s.byBugID[e.BugID] = append(s.byBugID[e.BugID], schemas.PatchCandidate{
			Source: e.Source,
			Diff:   e.Diff,
			LLM:    e.LLM,
		})
	}
	s.logger.Info("Loaded patch candidates",
		zap.String("path", path), zap.Int("bugs", len(s.byBugID)))
	return s, nil
}

// Candidates returns the external patches proposed for a bug. The bug record
// is stamped onto each candidate so downstream stages carry full context.
func (s *FilePatchSource) Candidates(ctx context.Context, bug schemas.BugRecord) ([]schemas.PatchCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cands := s.byBugID[bug.ID()]
	out := make([]schemas.PatchCandidate, len(cands))
	for i, c := range cands {
		c.Bug = bug
		out[i] = c
	}
	return out, nil
}
