package ledger

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/fixbench/fixbench/api/schemas"
)

// columns is the fixed ledger schema. The order is stable across releases so
// runs from different pipeline versions concatenate cleanly; new columns only
// ever append.
var columns = []string{
	"run_id",
	"bug_id",
	"repository",
	"fix_commit",
	"parent_commit",
	"fix_source",
	"state",
	"env_setup",
	"patch_application",
	"files_applied",
	"files_conflicted",
	"lines_added",
	"lines_deleted",
	"tests_passed",
	"tests_failed",
	"tests_errored",
	"suite_passed",
	"timed_out",
	"suspect_flaky",
	"skipped_by_policy",
	"test_duration_s",
	"log_path",
	"llm_provider",
	"llm_model",
	"llm_latency_ms",
	"llm_prompt_tokens",
	"llm_completion_tokens",
	"cyclomatic_total",
	"cognitive_total",
	"baseline_passed",
	"baseline_failed",
	"baseline_errored",
	"baseline_suite_passed",
	"error",
	"started_at",
	"finished_at",
}

// CSVLedger is the authoritative, append-only run record. Every row is
// flushed and fsynced before Append returns; a crash mid-run loses at most
// the row being written, never a previously acknowledged one. A file lock
// makes appends safe across pipeline processes sharing one ledger file.
type CSVLedger struct {
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	mirror *PostgresMirror
}

// NewCSVLedger opens (or creates) the ledger at path, writing the header row
// on first creation. An existing file's header is validated so rows are never
// appended under a mismatched schema.
func NewCSVLedger(path string, logger *zap.Logger) (*CSVLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger dir: %w", err)
	}

	l := &CSVLedger{path: path, logger: logger.Named("ledger")}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("locking ledger: %w", err)
	}
	defer lock.Unlock()

	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err) || (err == nil && info.Size() == 0):
		if err := l.writeHeader(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("stat ledger: %w", err)
	default:
		if err := l.validateHeader(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// AttachMirror registers an optional secondary sink. Mirror failures are
// logged and never fail Append: the CSV is the only artifact with guarantees.
func (l *CSVLedger) AttachMirror(m *PostgresMirror) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mirror = m
}

// Append writes one run result as a single new row. Rows are never updated
// in place; re-running a pair later appends a newer timestamped row and
// readers take the latest per (bug, source).
func (l *CSVLedger) Append(ctx context.Context, result schemas.RunResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := flock.New(l.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking ledger: %w", err)
	}
	defer lock.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(rowFor(result)); err != nil {
		return fmt.Errorf("writing ledger row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flushing ledger row: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing ledger: %w", err)
	}

	if l.mirror != nil {
		if err := l.mirror.Insert(&result); err != nil {
			l.logger.Warn("Postgres mirror insert failed",
				zap.String("run_id", result.RunID), zap.Error(err))
		}
	}
	return nil
}

// Path returns the ledger file location.
func (l *CSVLedger) Path() string { return l.path }

func (l *CSVLedger) writeHeader() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating ledger: %w", err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(columns); err != nil {
		return fmt.Errorf("writing ledger header: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}

func (l *CSVLedger) validateHeader() error {
	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer f.Close()
	header, err := csv.NewReader(f).Read()
	if err != nil {
		return fmt.Errorf("reading ledger header: %w", err)
	}
	if len(header) != len(columns) {
		return fmt.Errorf("ledger %s has %d columns, expected %d", l.path, len(header), len(columns))
	}
	for i, col := range columns {
		if header[i] != col {
			return fmt.Errorf("ledger %s column %d is %q, expected %q", l.path, i, header[i], col)
		}
	}
	return nil
}

func rowFor(r schemas.RunResult) []string {
	row := map[string]string{
		"run_id":            r.RunID,
		"bug_id":            r.Bug.ID(),
		"repository":        r.Bug.Repository,
		"fix_commit":        r.Bug.FixCommit,
		"parent_commit":     r.Bug.ParentCommit,
		"fix_source":        string(r.Source),
		"state":             string(r.State),
		"env_setup":         string(r.EnvSetup),
		"patch_application": string(r.PatchApplication),
		"error":             r.Error,
		"started_at":        r.StartedAt.UTC().Format(time.RFC3339),
		"finished_at":       r.FinishedAt.UTC().Format(time.RFC3339),
	}

	if p := r.Patch; p != nil {
		row["files_applied"] = strings.Join(p.AppliedFiles, ";")
		row["files_conflicted"] = strings.Join(p.ConflictFiles, ";")
		row["lines_added"] = strconv.Itoa(p.LinesAdded)
		row["lines_deleted"] = strconv.Itoa(p.LinesDeleted)
	}
	if v := r.Verdict; v != nil {
		row["tests_passed"] = strconv.Itoa(v.Passed)
		row["tests_failed"] = strconv.Itoa(v.Failed)
		row["tests_errored"] = strconv.Itoa(v.Errored)
		row["suite_passed"] = strconv.FormatBool(v.Pass())
		row["timed_out"] = strconv.FormatBool(v.TimedOut)
		row["suspect_flaky"] = strings.Join(v.SuspectFlaky, ";")
		row["skipped_by_policy"] = strings.Join(v.SkippedByPolicy, ";")
		row["test_duration_s"] = strconv.FormatFloat(v.Duration.Seconds(), 'f', 2, 64)
		row["log_path"] = v.LogPath
	}
	if m := r.LLM; m != nil {
		row["llm_provider"] = m.Provider
		row["llm_model"] = m.Model
		row["llm_latency_ms"] = strconv.FormatInt(m.ResponseLatency.Milliseconds(), 10)
		row["llm_prompt_tokens"] = strconv.Itoa(m.PromptTokens)
		row["llm_completion_tokens"] = strconv.Itoa(m.CompletionTokens)
	}
	if m := r.Metrics; m != nil {
		row["cyclomatic_total"] = strconv.Itoa(m.CyclomaticTotal)
		row["cognitive_total"] = strconv.Itoa(m.CognitiveTotal)
	}
	if b := r.Baseline; b != nil {
		row["baseline_passed"] = strconv.Itoa(b.Passed)
		row["baseline_failed"] = strconv.Itoa(b.Failed)
		row["baseline_errored"] = strconv.Itoa(b.Errored)
		row["baseline_suite_passed"] = strconv.FormatBool(b.Pass())
	}

	out := make([]string, len(columns))
	for i, col := range columns {
		out[i] = row[col]
	}
	return out
}
