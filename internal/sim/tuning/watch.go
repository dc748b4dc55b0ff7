package tuning

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"workcraft.ai/internal/sim/mathx"
)

const (
	defaultDebounce    = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Watcher reloads a tuning file when it changes on disk. Apply is called
// with every parsed, valid document whose content differs from the last one
// applied. A document that fails to parse, or that Apply rejects, leaves the
// previous tuning in force.
type Watcher struct {
	Path     string
	Apply    func(Tuning) error
	Log      zerolog.Logger
	Debounce time.Duration

	mu       sync.Mutex
	lastHash uint64
}

func NewWatcher(path string, log zerolog.Logger, apply func(Tuning) error) *Watcher {
	return &Watcher{Path: path, Apply: apply, Log: log.With().Str("component", "tuning").Logger()}
}

// Prime records raw as the content currently in force so an unchanged
// rewrite does not trigger Apply.
func (w *Watcher) Prime(raw []byte) {
	w.mu.Lock()
	w.lastHash = mathx.HashString(string(raw))
	w.mu.Unlock()
}

// Reload reads and applies the file once. It reports whether a new
// tuning was applied.
func (w *Watcher) Reload() (bool, error) {
	raw, err := os.ReadFile(w.Path)
	if err != nil {
		return false, err
	}
	h := mathx.HashString(string(raw))
	w.mu.Lock()
	unchanged := h == w.lastHash
	w.mu.Unlock()
	if unchanged {
		return false, nil
	}
	t, err := Parse(raw)
	if err != nil {
		return false, err
	}
	if w.Apply != nil {
		if err := w.Apply(t); err != nil {
			return false, err
		}
	}
	w.mu.Lock()
	w.lastHash = h
	w.mu.Unlock()
	return true, nil
}

// Run watches the file's directory until ctx is done. A broken fsnotify
// watcher is recreated with jittered exponential backoff.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.Path)
	file := filepath.Base(w.Path)
	debounceFor := w.Debounce
	if debounceFor <= 0 {
		debounceFor = defaultDebounce
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceFor, func() {
			if ctx.Err() != nil {
				return
			}
			applied, err := w.Reload()
			switch {
			case err != nil:
				w.Log.Warn().Err(err).Str("path", w.Path).Msg("tuning reload rejected")
			case applied:
				w.Log.Info().Str("path", w.Path).Msg("tuning reloaded")
			default:
				w.Log.Debug().Str("path", w.Path).Msg("tuning unchanged")
			}
		})
	}

	backoff := restartBackoffBase
	wait := func() bool {
		d := backoff + time.Duration(rand.Int64N(int64(backoff/2)+1))
		backoff = min(backoff*2, restartBackoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.Log.Warn().Err(err).Str("dir", dir).Msg("tuning watch init failed")
			if !wait() {
				return nil
			}
			continue
		}
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			w.Log.Warn().Err(err).Str("dir", dir).Msg("tuning watch add failed")
			if !wait() {
				return nil
			}
			continue
		}
		backoff = restartBackoffBase
		w.Log.Debug().Str("dir", dir).Str("file", file).Msg("tuning watcher started")

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					schedule()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					w.Log.Warn().Err(err).Msg("tuning watch overflow, forcing reload")
					schedule()
					continue
				}
				w.Log.Warn().Err(err).Str("dir", dir).Msg("tuning watch error")
			}
		}
		_ = fw.Close()
		w.Log.Warn().Str("dir", dir).Msg("tuning watcher stopped, restarting")
		if !wait() {
			return nil
		}
	}
}
