package config

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher hot-reloads ConfigFile's Tunable fields whenever the file
// changes on disk, the same role the teacher's selectors.Manager plays
// for selectors.yaml. It debounces bursts of filesystem events (editors
// commonly emit several writes per save) and reports each reload to an
// OnReload callback so a caller can push the new values into the running
// scheduler/pool.
type Watcher struct {
	cfg      *Config
	logger   zerolog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	// OnReload, if set, is invoked after every successful reload with the
	// config's new values. Called on the watcher's own goroutine.
	OnReload func(*Config)
}

// NewWatcher builds a Watcher for cfg.ConfigFile. Returns nil, nil if
// ConfigFile is unset, since there is nothing to watch.
func NewWatcher(cfg *Config, logger zerolog.Logger) (*Watcher, error) {
	if cfg.ConfigFile == "" {
		return nil, nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(cfg.ConfigFile); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{cfg: cfg, logger: logger, watcher: fw, debounce: 250 * time.Millisecond}, nil
}

// Run blocks, reloading cfg on every write/create event until stop is
// closed. Safe to run in its own goroutine.
func (w *Watcher) Run(stop <-chan struct{}) {
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
		w.watcher.Close()
	}()

	var fire <-chan time.Time
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.NewTimer(w.debounce)
			fire = pending.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("config: watcher error")
		case <-fire:
			fire = nil
			if err := w.cfg.Reload(); err != nil {
				w.logger.Warn().Err(err).Msg("config: hot-reload failed, keeping previous values")
				continue
			}
			w.logger.Info().Str("file", w.cfg.ConfigFile).Msg("config: reloaded")
			if w.OnReload != nil {
				w.OnReload(w.cfg)
			}
		}
	}
}
