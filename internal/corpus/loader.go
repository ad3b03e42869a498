package corpus

import (
	"context"
	"fmt"
	"os"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/fixbench/fixbench/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FileSource loads bug records from a JSON corpus file: either a top-level
// array of records or an object with a "bugs" array.
type FileSource struct {
	path   string
	logger *zap.Logger
}

func NewFileSource(path string, logger *zap.Logger) *FileSource {
	return &FileSource{path: path, logger: logger.Named("corpus")}
}

type corpusFile struct {
	Bugs []schemas.BugRecord `json:"bugs"`
}

// Bugs returns the corpus's valid records grouped by repository, so the
// scheduler can interleave work across projects while snapshots of one
// repository land near each other in time. Invalid records are logged and
// skipped, never fatal: one malformed entry must not sink a corpus.
func (s *FileSource) Bugs(ctx context.Context) ([]schemas.BugRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading corpus %s: %w", s.path, err)
	}

	var records []schemas.BugRecord
	if err := json.Unmarshal(data, &records); err != nil {
		var wrapped corpusFile
		if err2 := json.Unmarshal(data, &wrapped); err2 != nil {
			return nil, fmt.Errorf("parsing corpus %s: %w", s.path, err)
		}
		records = wrapped.Bugs
	}

	valid := records[:0]
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			s.logger.Warn("Skipping invalid corpus record",
				zap.String("repository", rec.Repository),
				zap.String("fix_commit", rec.FixCommit),
				zap.Error(err))
			continue
		}
		valid = append(valid, rec)
	}

	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Repository < valid[j].Repository
	})

	s.logger.Info("Loaded corpus",
		zap.String("path", s.path),
		zap.Int("bugs", len(valid)),
		zap.Int("skipped", len(records)-len(valid)))
	return valid, nil
}
