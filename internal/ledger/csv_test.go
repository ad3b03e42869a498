package ledger

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fixbench/fixbench/api/schemas"
)

func sampleResult(runID string, source schemas.FixSource) schemas.RunResult {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return schemas.RunResult{
		RunID: runID,
		Bug: schemas.BugRecord{
			Repository:   "psf/requests",
			FixCommit:    "aaaaaaaaaaaaaaaaaaaa",
			ParentCommit: "bbbbbbbbbbbbbbbbbbbb",
			TouchedFiles: []string{"requests/models.py"},
		},
		Source:           source,
		State:            schemas.StateRecorded,
		EnvSetup:         schemas.OutcomeSuccess,
		PatchApplication: schemas.OutcomeSuccess,
		Patch: &schemas.PatchResult{
			AppliedFiles: []string{"requests/models.py"},
			LinesAdded:   4,
			LinesDeleted: 1,
		},
		Verdict: &schemas.TestVerdict{
			Passed:   120,
			Failed:   1,
			Duration: 42 * time.Second,
		},
		Baseline: &schemas.TestVerdict{
			Passed: 121,
		},
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Minute),
	}
}

func readAll(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSVLedger_HeaderOnCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	l, err := NewCSVLedger(path, zap.NewNop())
	require.NoError(t, err)

	rows := readAll(t, l.Path())
	require.Len(t, rows, 1)
	assert.Equal(t, columns, rows[0])
}

func TestCSVLedger_AppendRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	l, err := NewCSVLedger(path, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, l.Append(context.Background(), sampleResult("run-1", schemas.FixSourceHuman)))

	rows := readAll(t, path)
	require.Len(t, rows, 2)
	row := rows[1]

	col := make(map[string]string, len(columns))
	for i, name := range columns {
		col[name] = row[i]
	}
	assert.Equal(t, "run-1", col["run_id"])
	assert.Equal(t, "psf/requests@aaaaaaaaaa", col["bug_id"])
	assert.Equal(t, "human", col["fix_source"])
	assert.Equal(t, "RECORDED", col["state"])
	assert.Equal(t, "120", col["tests_passed"])
	assert.Equal(t, "1", col["tests_failed"])
	assert.Equal(t, "false", col["suite_passed"])
	assert.Equal(t, "4", col["lines_added"])
	assert.Equal(t, "42.00", col["test_duration_s"])
	assert.Equal(t, "121", col["baseline_passed"])
	assert.Equal(t, "true", col["baseline_suite_passed"])
	assert.Equal(t, "2026-03-01T12:00:00Z", col["started_at"])
}

func TestCSVLedger_AppendOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	l, err := NewCSVLedger(path, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, l.Append(context.Background(), sampleResult("run-1", schemas.FixSourceHuman)))
	require.NoError(t, l.Append(context.Background(), sampleResult("run-2", schemas.FixSourceHuman)))

	rows := readAll(t, path)
	require.Len(t, rows, 3, "re-running a pair appends, never overwrites")
	assert.Equal(t, "run-1", rows[1][0])
	assert.Equal(t, "run-2", rows[2][0])
}

func TestCSVLedger_ReopenValidatesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	l, err := NewCSVLedger(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, l.Append(context.Background(), sampleResult("run-1", schemas.FixSourceHuman)))

	// Reopening the same file keeps existing rows.
	l2, err := NewCSVLedger(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, l2.Append(context.Background(), sampleResult("run-2", schemas.LLMFixSource("m"))))
	assert.Len(t, readAll(t, path), 3)
}

func TestCSVLedger_RejectsForeignSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b,c\n1,2,3\n"), 0o644))

	_, err := NewCSVLedger(path, zap.NewNop())
	assert.Error(t, err, "appending under a mismatched schema must be refused")
}

func TestCSVLedger_ConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	l, err := NewCSVLedger(path, zap.NewNop())
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := sampleResult("run", schemas.FixSourceHuman)
			res.RunID = res.RunID + "-" + string(rune('a'+i))
			assert.NoError(t, l.Append(context.Background(), res))
		}(i)
	}
	wg.Wait()

	rows := readAll(t, path)
	assert.Len(t, rows, n+1, "every concurrent append lands as a complete row")
}

func TestRowFor_FailureRow(t *testing.T) {
	res := schemas.RunResult{
		RunID:            "run-f",
		Bug:              schemas.BugRecord{Repository: "psf/requests", FixCommit: "aaaa", ParentCommit: "bbbb"},
		Source:           schemas.LLMFixSource("gemini-2.5-flash"),
		State:            schemas.StateEnvFailed,
		EnvSetup:         schemas.OutcomeFailure,
		PatchApplication: schemas.OutcomeSkipped,
		Error:            "environment setup failed",
		LLM:              &schemas.LLMMetadata{Provider: "google", Model: "gemini-2.5-flash", PromptTokens: 900},
	}
	row := rowFor(res)
	require.Len(t, row, len(columns))

	col := make(map[string]string, len(columns))
	for i, name := range columns {
		col[name] = row[i]
	}
	assert.Equal(t, "ENV_FAILED", col["state"])
	assert.Equal(t, "failure", col["env_setup"])
	assert.Equal(t, "skipped", col["patch_application"])
	assert.Equal(t, "", col["tests_passed"], "no verdict columns for a run that never tested")
	assert.Equal(t, "", col["baseline_suite_passed"], "no baseline columns when no baseline ran")
	assert.Equal(t, "gemini-2.5-flash", col["llm_model"])
	assert.Equal(t, "900", col["llm_prompt_tokens"])
}
