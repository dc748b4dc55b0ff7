package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"

	"workcraft.ai/internal/logging"
	"workcraft.ai/internal/persistence/indexdb"
	persistlog "workcraft.ai/internal/persistence/log"
	"workcraft.ai/internal/sim/simhost"
	"workcraft.ai/internal/sim/tuning"
	"workcraft.ai/internal/transport/observer"
)

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:8080", "http listen address (empty to disable)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml (empty: built-in defaults)")
		watch      = flag.Bool("watch", true, "reload tuning.yaml when it changes")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite run index")
		disableLog = flag.Bool("disable_traces", false, "disable jsonl.zst tick/assignment traces")

		seed        = flag.Int64("seed", 0, "host seed (0: scheduler seed from tuning)")
		worlds      = flag.Int("worlds", 0, "number of worlds (0: default)")
		agents      = flag.Int("agents", 0, "agents per world (0: default)")
		maxTicks    = flag.Uint64("ticks", 0, "stop after n ticks (0: run until signalled)")
		tickRate    = flag.Int("hz", 20, "tick rate (0: back to back)")
		cycleWorld  = flag.Uint64("cycle_world_every", 0, "unload/load the last world every n ticks")
		reloadEvery = flag.Uint64("reload_every", 0, "reload the whole simulation every n ticks")

		logLevel   = flag.String("log_level", "", "trace|debug|info|warn|error (or WC_LOG_LEVEL)")
		logConsole = flag.Bool("log_console", envBool("WC_LOG_CONSOLE", false), "human-readable log output")
	)
	flag.Parse()

	lvl := strings.TrimSpace(*logLevel)
	if lvl == "" {
		lvl = os.Getenv("WC_LOG_LEVEL")
	}
	logger := logging.New(logging.Config{Level: lvl, Console: *logConsole, Service: "schedsim"})

	tp := strings.TrimSpace(*tuningPath)
	var raw []byte
	if tp != "" {
		b, err := os.ReadFile(tp)
		switch {
		case err == nil:
			raw = b
		case errors.Is(err, os.ErrNotExist):
			logger.Warn().Str("path", tp).Msg("tuning file missing; using defaults")
		default:
			logger.Fatal().Err(err).Msg("read tuning")
		}
	}
	tune, err := tuning.Parse(raw)
	if err != nil {
		logger.Fatal().Err(err).Msg("load tuning")
	}

	cfg := simhost.DefaultConfig()
	cfg.Seed = tune.Scheduler.Seed
	if *seed != 0 {
		cfg.Seed = *seed
	}
	if *worlds > 0 {
		cfg.Worlds = *worlds
	}
	if *agents > 0 {
		cfg.AgentsPerWorld = *agents
	}
	cfg.MaxTicks = *maxTicks
	cfg.TickRateHz = *tickRate
	cfg.CycleWorldEveryTicks = *cycleWorld
	cfg.ReloadEveryTicks = *reloadEvery

	host, err := simhost.New(cfg, tune, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("host")
	}

	runDir := filepath.Join(*dataDir, "runs", time.Now().UTC().Format("20060102T150405Z"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		logger.Fatal().Err(err).Msg("create run dir")
	}

	var closers []func() error
	if !*disableLog {
		tl := persistlog.NewTickLogger(runDir)
		al := persistlog.NewAssignmentLogger(runDir)
		host.AddTickLogger(tl)
		host.AddAssignmentLogger(al)
		closers = append(closers, tl.Close, al.Close)
	}

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index", "runs.sqlite"), indexdb.RunInfo{
			Seed:   cfg.Seed,
			Worlds: cfg.Worlds,
			Agents: cfg.AgentsPerWorld,
			Tuning: tune,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("open index")
		}
		host.AddTickLogger(idx)
		closers = append(closers, idx.Close)
		logger.Info().Str("run_id", idx.RunID()).Msg("index run started")
	}

	last := &lastTick{}
	host.AddTickLogger(last)

	ctx, cancel := signalContext()
	defer cancel()

	if tp != "" && *watch {
		w := tuning.NewWatcher(tp, logger, host.QueueTuning)
		w.Prime(raw)
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("tuning watcher stopped")
			}
		}()
	}

	var srv *http.Server
	if a := strings.TrimSpace(*addr); a != "" {
		obs := observer.NewServer(host.Scheduler(), logger)
		host.AddTickLogger(obs)
		srv = &http.Server{Addr: a, Handler: newMux(obs, host, last, idx), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info().Str("addr", a).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("http server")
				cancel()
			}
		}()
	}

	start := time.Now()
	runErr := host.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error().Err(runErr).Msg("run")
	}

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	for _, c := range closers {
		if err := c(); err != nil {
			logger.Warn().Err(err).Msg("close sink")
		}
	}

	tot := last.totals()
	ev := logger.Info().
		Uint64("ticks", host.Tick()).
		Str("elapsed", time.Since(start).Round(time.Millisecond).String()).
		Str("resolves", humanize.Comma(tot.Scheduler.Resolves)).
		Str("assigned", humanize.Comma(tot.Scheduler.Assigned)).
		Str("oracle_calls", humanize.Comma(tot.Scheduler.OracleCalls)).
		Str("rebuilds", humanize.Comma(tot.Scheduler.Rebuilds)).
		Int("conflicts", tot.Conflicts).
		Str("run_dir", runDir)
	if idx != nil {
		st := idx.Stats()
		ev = ev.Int64("index_written", st.Written).Int64("index_dropped", st.Dropped)
	}
	ev.Msg("run finished")
}

// lastTick keeps the latest record and the running totals for /metrics and
// the exit summary.
type lastTick struct {
	mu  sync.Mutex
	rec simhost.TickRecord
	sum simhost.TickRecord
}

func (l *lastTick) WriteTick(rec simhost.TickRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rec = rec
	l.sum.Tick = rec.Tick
	l.sum.Completed += rec.Completed
	l.sum.Preempted += rec.Preempted
	l.sum.Conflicts += rec.Conflicts
	l.sum.Spawned += rec.Spawned
	l.sum.Scheduler.Add(rec.Scheduler)
	return nil
}

func (l *lastTick) latest() simhost.TickRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rec
}

func (l *lastTick) totals() simhost.TickRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sum
}

func newMux(obs *observer.Server, host *simhost.Host, last *lastTick, idx *indexdb.SQLiteIndex) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		rec := last.latest()
		tot := last.totals()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP workcraft_tick Last completed host tick.\n")
		fmt.Fprintf(rw, "# TYPE workcraft_tick gauge\n")
		fmt.Fprintf(rw, "workcraft_tick %d\n", rec.Tick)

		fmt.Fprintf(rw, "# HELP workcraft_agents Agents stepped in the last tick.\n")
		fmt.Fprintf(rw, "# TYPE workcraft_agents gauge\n")
		fmt.Fprintf(rw, "workcraft_agents{state=%q} %d\n", "all", rec.Agents)
		fmt.Fprintf(rw, "workcraft_agents{state=%q} %d\n", "idle", rec.Idle)

		fmt.Fprintf(rw, "# HELP workcraft_live_candidates Unconsumed candidates across loaded worlds.\n")
		fmt.Fprintf(rw, "# TYPE workcraft_live_candidates gauge\n")
		fmt.Fprintf(rw, "workcraft_live_candidates %d\n", rec.LiveCandidates)

		fmt.Fprintf(rw, "# HELP workcraft_scheduler_total Scheduler counters since start.\n")
		fmt.Fprintf(rw, "# TYPE workcraft_scheduler_total counter\n")
		st := tot.Scheduler
		for _, kv := range []struct {
			name string
			v    int64
		}{
			{"resolves", st.Resolves},
			{"assigned", st.Assigned},
			{"rebuilds", st.Rebuilds},
			{"deferred", st.Deferred},
			{"scan_failures", st.ScanFailures},
			{"module_failures", st.ModuleFailures},
			{"oracle_calls", st.OracleCalls},
			{"memo_hits", st.MemoHits},
			{"memo_misses", st.MemoMisses},
		} {
			fmt.Fprintf(rw, "workcraft_scheduler_total{counter=%q} %d\n", kv.name, kv.v)
		}
		for _, mc := range st.ByModule {
			fmt.Fprintf(rw, "workcraft_module_assigned_total{module=%q} %d\n", mc.ModuleID, mc.Assigned)
		}

		fmt.Fprintf(rw, "# HELP workcraft_observers Connected observer sessions.\n")
		fmt.Fprintf(rw, "# TYPE workcraft_observers gauge\n")
		fmt.Fprintf(rw, "workcraft_observers %d\n", obs.Subscribers())

		if idx != nil {
			qs := idx.Stats()
			fmt.Fprintf(rw, "# HELP workcraft_index_queue Index writer queue.\n")
			fmt.Fprintf(rw, "# TYPE workcraft_index_queue gauge\n")
			fmt.Fprintf(rw, "workcraft_index_queue{field=%q} %d\n", "depth", qs.QueueDepth)
			fmt.Fprintf(rw, "workcraft_index_queue{field=%q} %d\n", "capacity", qs.QueueCapacity)
			fmt.Fprintf(rw, "workcraft_index_queue{field=%q} %d\n", "written", qs.Written)
			fmt.Fprintf(rw, "workcraft_index_queue{field=%q} %d\n", "dropped", qs.Dropped)
		}
	})

	mux.HandleFunc("/observer/bootstrap", obs.BootstrapHandler())
	mux.HandleFunc("/observer/ws", obs.WSHandler())

	// Local-only admin endpoints.
	mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(last.latest())
	})
	mux.HandleFunc("/admin/v1/reload", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		host.RequestReload()
		rw.WriteHeader(http.StatusAccepted)
	})

	if envBool("WC_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func isLoopbackRemote(remoteAddr string) bool {
	h, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		h = remoteAddr
	}
	ip := net.ParseIP(strings.Trim(h, "[]"))
	return ip != nil && ip.IsLoopback()
}
