// Package metrics annotates patched files with rough complexity numbers.
// The counts are heuristic token scans, not a real parse: they only need to
// be stable and comparable between the human and candidate versions of the
// same file, never absolutely accurate.
package metrics

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/fixbench/fixbench/api/schemas"
)

// branchRe matches the decision-point keywords counted toward cyclomatic
// complexity in Python source.
var branchRe = regexp.MustCompile(`^\s*(if|elif|for|while|except|case)\b|\band\b|\bor\b`)

var defRe = regexp.MustCompile(`^\s*def\s+\w+\s*\(([^)]*)\)`)

// Collector computes complexity annotations from source text.
type Collector struct {
	logger *zap.Logger
}

func NewCollector(logger *zap.Logger) *Collector {
	return &Collector{logger: logger.Named("metrics")}
}

// Collect scans the given files under the working copy. Unreadable or
// non-Python files are skipped silently; this stage must never fail a run.
func (c *Collector) Collect(ctx context.Context, workingCopy string, files []string) (*schemas.MetricsRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec := &schemas.MetricsRecord{}
	var paramCounts []int

	for _, rel := range files {
		if !strings.HasSuffix(rel, ".py") {
			continue
		}
		cyclomatic, cognitive, params, err := scanFile(filepath.Join(workingCopy, rel))
		if err != nil {
			c.logger.Debug("Skipping unreadable file", zap.String("file", rel), zap.Error(err))
			continue
		}
		rec.CyclomaticTotal += cyclomatic
		rec.CognitiveTotal += cognitive
		paramCounts = append(paramCounts, params...)
	}

	if len(paramCounts) > 0 {
		total := 0
		for _, n := range paramCounts {
			total += n
		}
		rec.AvgParams = float64(total) / float64(len(paramCounts))
	}
	return rec, nil
}

// scanFile counts decision points, nesting-weighted decision points, and the
// parameter count of each function definition.
func scanFile(path string) (cyclomatic, cognitive int, params []int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if branchRe.MatchString(line) {
			cyclomatic++
			// Cognitive complexity weights nesting: approximate depth by
			// indentation level (4-space convention).
			depth := (len(line) - len(strings.TrimLeft(line, " "))) / 4
			cognitive += 1 + depth
		}
		if m := defRe.FindStringSubmatch(line); m != nil {
			params = append(params, countParams(m[1]))
		}
	}
	return cyclomatic, cognitive, params, scanner.Err()
}

func countParams(list string) int {
	list = strings.TrimSpace(list)
	if list == "" {
		return 0
	}
	n := 0
	for _, p := range strings.Split(list, ",") {
		p = strings.TrimSpace(p)
		if p == "" || p == "self" || p == "cls" {
			continue
		}
		n++
	}
	return n
}
