package indexdb

import (
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
)

// Reader is the query side of the index.
type Reader struct {
	db *sqlx.DB
}

type Run struct {
	RunID        string `db:"run_id"`
	StartedAt    string `db:"started_at"`
	Seed         int64  `db:"seed"`
	Worlds       int    `db:"worlds"`
	Agents       int    `db:"agents"`
	TuningDigest string `db:"tuning_digest"`
}

// RunSummary totals the tick rows of one run.
type RunSummary struct {
	RunID          string `db:"run_id"`
	Ticks          int64  `db:"ticks"`
	FirstTick      int64  `db:"first_tick"`
	LastTick       int64  `db:"last_tick"`
	Resolves       int64  `db:"resolves"`
	Assigned       int64  `db:"assigned"`
	Completed      int64  `db:"completed"`
	Preempted      int64  `db:"preempted"`
	Conflicts      int64  `db:"conflicts"`
	Rebuilds       int64  `db:"rebuilds"`
	Deferred       int64  `db:"deferred"`
	ScanFailures   int64  `db:"scan_failures"`
	ModuleFailures int64  `db:"module_failures"`
	OracleCalls    int64  `db:"oracle_calls"`
	MemoHits       int64  `db:"memo_hits"`
	MemoMisses     int64  `db:"memo_misses"`
}

// MemoHitRate is hits / (hits + misses), 0 when nothing was looked up.
func (s RunSummary) MemoHitRate() float64 {
	total := s.MemoHits + s.MemoMisses
	if total == 0 {
		return 0
	}
	return float64(s.MemoHits) / float64(total)
}

type ModuleTotal struct {
	ModuleID string `db:"module_id"`
	Assigned int64  `db:"assigned"`
}

func OpenReader(path string) (*Reader, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "indexdb: open reader")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "indexdb: open reader")
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Close() error { return r.db.Close() }

// Runs lists runs, newest first.
func (r *Reader) Runs() ([]Run, error) {
	var out []Run
	err := r.db.Select(&out, `SELECT run_id, started_at, seed, worlds, agents, tuning_digest FROM runs ORDER BY started_at DESC, run_id`)
	return out, err
}

// LatestRun returns the most recently started run.
func (r *Reader) LatestRun() (Run, error) {
	var run Run
	err := r.db.Get(&run, `SELECT run_id, started_at, seed, worlds, agents, tuning_digest FROM runs ORDER BY started_at DESC, run_id LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return run, errors.New("indexdb: no runs recorded")
	}
	return run, err
}

func (r *Reader) Summary(runID string) (RunSummary, error) {
	var s RunSummary
	err := r.db.Get(&s, `SELECT
			? AS run_id,
			COUNT(*) AS ticks,
			COALESCE(MIN(tick),0) AS first_tick,
			COALESCE(MAX(tick),0) AS last_tick,
			COALESCE(SUM(resolves),0) AS resolves,
			COALESCE(SUM(assigned),0) AS assigned,
			COALESCE(SUM(completed),0) AS completed,
			COALESCE(SUM(preempted),0) AS preempted,
			COALESCE(SUM(conflicts),0) AS conflicts,
			COALESCE(SUM(rebuilds),0) AS rebuilds,
			COALESCE(SUM(deferred),0) AS deferred,
			COALESCE(SUM(scan_failures),0) AS scan_failures,
			COALESCE(SUM(module_failures),0) AS module_failures,
			COALESCE(SUM(oracle_calls),0) AS oracle_calls,
			COALESCE(SUM(memo_hits),0) AS memo_hits,
			COALESCE(SUM(memo_misses),0) AS memo_misses
		FROM ticks WHERE run_id = ?`, runID, runID)
	return s, err
}

// TopModules returns the modules that handed out the most jobs in a run.
func (r *Reader) TopModules(runID string, limit int) ([]ModuleTotal, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []ModuleTotal
	err := r.db.Select(&out, `SELECT module_id, SUM(assigned) AS assigned
		FROM module_ticks WHERE run_id = ?
		GROUP BY module_id ORDER BY assigned DESC, module_id LIMIT ?`, runID, limit)
	return out, err
}
