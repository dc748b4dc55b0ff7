package workgiver

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrModulePanic wraps a panic recovered at a module boundary.
	ErrModulePanic = errors.New("work module panicked")
	// ErrScanFailed wraps a failed candidate enumeration.
	ErrScanFailed = errors.New("candidate scan failed")

	// errScanFailedThisTick is the quiet repeat of a scan failure already
	// reported on the current tick.
	errScanFailedThisTick = errors.New("candidate scan already failed this tick")
)

func panicError(moduleID, stage string, r any) error {
	if err, ok := r.(error); ok {
		return errors.WithStack(errors.Wrapf(ErrModulePanic, "module %s %s: %v", moduleID, stage, err))
	}
	return errors.WithStack(errors.Wrapf(ErrModulePanic, "module %s %s: %v", moduleID, stage, r))
}

// failureLog throttles failure lines per module so one broken module
// evaluated for every agent on every tick cannot flood the log.
type failureLog struct {
	log   zerolog.Logger
	every time.Duration
	burst int

	mu    sync.Mutex
	perID map[string]*throttle
}

type throttle struct {
	lim        *rate.Limiter
	suppressed int
}

func newFailureLog(log zerolog.Logger, every time.Duration, burst int) *failureLog {
	if every <= 0 {
		every = time.Second
	}
	if burst <= 0 {
		burst = 5
	}
	return &failureLog{log: log, every: every, burst: burst, perID: map[string]*throttle{}}
}

func (f *failureLog) report(moduleID string, tick uint64, agentID, stage string, err error) {
	f.mu.Lock()
	th := f.perID[moduleID]
	if th == nil {
		th = &throttle{lim: rate.NewLimiter(rate.Every(f.every), f.burst)}
		f.perID[moduleID] = th
	}
	if !th.lim.Allow() {
		th.suppressed++
		f.mu.Unlock()
		return
	}
	suppressed := th.suppressed
	th.suppressed = 0
	f.mu.Unlock()

	ev := f.log.Warn().
		Str("module", moduleID).
		Str("stage", stage).
		Uint64("tick", tick).
		Err(err)
	if agentID != "" {
		ev = ev.Str("agent", agentID)
	}
	if suppressed > 0 {
		ev = ev.Int("suppressed", suppressed)
	}
	ev.Msg("work module failed")
}

func (f *failureLog) forget(moduleID string) {
	f.mu.Lock()
	delete(f.perID, moduleID)
	f.mu.Unlock()
}
