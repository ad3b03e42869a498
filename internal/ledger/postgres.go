package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/fixbench/fixbench/api/schemas"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS run_ledger (
	run_id          TEXT PRIMARY KEY,
	bug_id          TEXT NOT NULL,
	repository      TEXT NOT NULL,
	fix_source      TEXT NOT NULL,
	state           TEXT NOT NULL,
	tests_passed    INTEGER,
	tests_failed    INTEGER,
	tests_errored   INTEGER,
	suite_passed    BOOLEAN,
	timed_out       BOOLEAN,
	baseline_suite_passed BOOLEAN,
	error           TEXT,
	started_at      TIMESTAMPTZ NOT NULL,
	finished_at     TIMESTAMPTZ NOT NULL
)`

const insertSQL = `
INSERT INTO run_ledger (
	run_id, bug_id, repository, fix_source, state,
	tests_passed, tests_failed, tests_errored, suite_passed, timed_out,
	baseline_suite_passed, error, started_at, finished_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (run_id) DO NOTHING`

// pgxConn is the slice of *pgx.Conn the mirror uses, satisfied by pgxmock in
// tests.
type pgxConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Close(ctx context.Context) error
}

// PostgresMirror duplicates ledger rows into a queryable table for ad-hoc
// analysis. It is best-effort: the CSV file remains the artifact of record.
type PostgresMirror struct {
	conn    pgxConn
	logger  *zap.Logger
	timeout time.Duration
}

// NewPostgresMirror connects and ensures the run_ledger table exists.
func NewPostgresMirror(ctx context.Context, url string, logger *zap.Logger) (*PostgresMirror, error) {
	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	m := newMirror(conn, logger)
	if _, err := conn.Exec(ctx, createTableSQL); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("ensuring run_ledger table: %w", err)
	}
	return m, nil
}

func newMirror(conn pgxConn, logger *zap.Logger) *PostgresMirror {
	return &PostgresMirror{conn: conn, logger: logger.Named("pg-mirror"), timeout: 10 * time.Second}
}

// Insert mirrors one row. Duplicate run IDs are ignored so replaying a ledger
// into the mirror is idempotent.
func (m *PostgresMirror) Insert(result *schemas.RunResult) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var passed, failed, errored int
	var suitePassed, timedOut bool
	if v := result.Verdict; v != nil {
		passed, failed, errored = v.Passed, v.Failed, v.Errored
		suitePassed, timedOut = v.Pass(), v.TimedOut
	}
	// NULL when no baseline ran, so pass-rate queries can tell "green
	// baseline" from "no baseline".
	var baselinePassed *bool
	if b := result.Baseline; b != nil {
		v := b.Pass()
		baselinePassed = &v
	}

	_, err := m.conn.Exec(ctx, insertSQL,
		result.RunID,
		result.Bug.ID(),
		result.Bug.Repository,
		string(result.Source),
		string(result.State),
		passed, failed, errored, suitePassed, timedOut,
		baselinePassed,
		result.Error,
		result.StartedAt.UTC(),
		result.FinishedAt.UTC(),
	)
	return err
}

// Close tears down the connection.
func (m *PostgresMirror) Close(ctx context.Context) error {
	return m.conn.Close(ctx)
}
