// Package indexdb keeps a SQLite read model of scheduler runs: one row per
// tick with the scheduler counters and one row per (tick, module) with the
// jobs handed out. The JSONL traces stay the source of truth; the index may
// drop rows when its writer falls behind.
package indexdb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"workcraft.ai/internal/sim/simhost"
	"workcraft.ai/internal/sim/tuning"
)

const schemaVersion = "1"

type SQLiteIndex struct {
	db    *sqlx.DB
	runID string

	insertTick   *sqlx.Stmt
	insertModule *sqlx.Stmt

	ch   chan simhost.TickRecord
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Int64
	written atomic.Int64
}

// Stats describes the writer queue.
type Stats struct {
	QueueDepth    int
	QueueCapacity int
	Written       int64
	Dropped       int64
}

// RunInfo is what gets recorded about a run when it starts.
type RunInfo struct {
	Seed   int64
	Worlds int
	Agents int
	Tuning tuning.Tuning
}

// OpenSQLite opens (or creates) the index at path and starts a new run.
func OpenSQLite(path string, info RunInfo) (*SQLiteIndex, error) {
	return openSQLite(path, info, 65536)
}

func openSQLite(path string, info RunInfo, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, errors.New("indexdb: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "indexdb: open")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{db: db, runID: uuid.NewString(), ch: make(chan simhost.TickRecord, queue)}
	if err := s.recordRun(info); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepare(); err != nil {
		s.closeStmts()
		_ = db.Close()
		return nil, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return errors.Wrapf(err, "indexdb: %s", p)
		}
	}
	return nil
}

func initSchema(db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			seed INTEGER NOT NULL,
			worlds INTEGER NOT NULL,
			agents INTEGER NOT NULL,
			tuning_digest TEXT NOT NULL,
			tuning_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			agents INTEGER NOT NULL,
			idle INTEGER NOT NULL,
			live_candidates INTEGER NOT NULL,
			completed INTEGER NOT NULL,
			preempted INTEGER NOT NULL,
			conflicts INTEGER NOT NULL,
			resolves INTEGER NOT NULL,
			assigned INTEGER NOT NULL,
			rebuilds INTEGER NOT NULL,
			deferred INTEGER NOT NULL,
			scan_failures INTEGER NOT NULL,
			module_failures INTEGER NOT NULL,
			oracle_calls INTEGER NOT NULL,
			memo_hits INTEGER NOT NULL,
			memo_misses INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (run_id, tick)
		);`,
		`CREATE TABLE IF NOT EXISTS module_ticks (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			module_id TEXT NOT NULL,
			assigned INTEGER NOT NULL,
			PRIMARY KEY (run_id, tick, module_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_module_ticks_module ON module_ticks(run_id, module_id);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return errors.Wrap(err, "indexdb: schema")
		}
	}
	_, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version',?)`, schemaVersion)
	return err
}

func (s *SQLiteIndex) recordRun(info RunInfo) error {
	b, err := json.Marshal(info.Tuning)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	_, err = s.db.Exec(`INSERT INTO runs(run_id,started_at,seed,worlds,agents,tuning_digest,tuning_json) VALUES(?,?,?,?,?,?,?)`,
		s.runID, time.Now().UTC().Format(time.RFC3339Nano), info.Seed, info.Worlds, info.Agents, hex.EncodeToString(sum[:]), string(b))
	return errors.Wrap(err, "indexdb: record run")
}

func (s *SQLiteIndex) prepare() error {
	var err error
	s.insertTick, err = s.db.Preparex(`INSERT OR REPLACE INTO ticks(run_id,tick,agents,idle,live_candidates,completed,preempted,conflicts,resolves,assigned,rebuilds,deferred,scan_failures,module_failures,oracle_calls,memo_hits,memo_misses,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return errors.Wrap(err, "indexdb: prepare ticks insert")
	}
	s.insertModule, err = s.db.Preparex(`INSERT OR REPLACE INTO module_ticks(run_id,tick,module_id,assigned) VALUES(?,?,?,?)`)
	if err != nil {
		return errors.Wrap(err, "indexdb: prepare module_ticks insert")
	}
	return nil
}

func (s *SQLiteIndex) closeStmts() {
	if s.insertTick != nil {
		_ = s.insertTick.Close()
	}
	if s.insertModule != nil {
		_ = s.insertModule.Close()
	}
}

func (s *SQLiteIndex) RunID() string { return s.runID }

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// WriteTick queues rec. It never blocks: when the queue is full the row is
// dropped and counted.
func (s *SQLiteIndex) WriteTick(rec simhost.TickRecord) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- rec:
	default:
		s.dropped.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		Written:       s.written.Load(),
		Dropped:       s.dropped.Load(),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()
	defer s.closeStmts()

	var (
		tx            *sqlx.Tx
		pending       int64
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 1000
		commitMaxWait = time.Second
	)
	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		pending = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.dropped.Add(pending)
		} else {
			s.written.Add(pending)
		}
		tx = nil
		opCount = 0
		pending = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.dropped.Add(pending)
		tx = nil
		opCount = 0
		pending = 0
		lastCommit = time.Now()
	}

	for rec := range s.ch {
		begin()
		if tx == nil {
			s.dropped.Add(1)
			continue
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			s.dropped.Add(1)
			continue
		}
		st := rec.Scheduler
		if _, err := tx.Stmtx(s.insertTick).Exec(
			s.runID, int64(rec.Tick),
			rec.Agents, rec.Idle, rec.LiveCandidates, rec.Completed, rec.Preempted, rec.Conflicts,
			st.Resolves, st.Assigned, st.Rebuilds, st.Deferred, st.ScanFailures, st.ModuleFailures,
			st.OracleCalls, st.MemoHits, st.MemoMisses,
			string(raw),
		); err != nil {
			s.dropped.Add(1)
			rollback()
			continue
		}
		opCount++
		failed := false
		for _, mc := range st.ByModule {
			if _, err := tx.Stmtx(s.insertModule).Exec(s.runID, int64(rec.Tick), mc.ModuleID, mc.Assigned); err != nil {
				failed = true
				break
			}
			opCount++
		}
		pending++
		if failed {
			rollback()
			continue
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
	commit()
}
