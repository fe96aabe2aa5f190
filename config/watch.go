package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce is how long to wait for more changes before reloading.
const watchDebounce = 500 * time.Millisecond

// Watcher reloads the agentic rule set when the config file changes.
// Only the rule set and council settings are hot-swappable; connection
// and lifetime settings require a restart.
type Watcher struct {
	path    string
	logger  *slog.Logger
	onRules func(AgenticConfig)
}

// NewWatcher creates a config watcher for the given file. onRules is
// called with the freshly loaded agentic section after each change.
func NewWatcher(path string, logger *slog.Logger, onRules func(AgenticConfig)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, logger: logger, onRules: onRules}
}

// Run watches until ctx is cancelled. Returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Watch the directory: editors replace files, which drops the watch
	// on the file itself.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watch error", slog.String("error", err.Error()))
		case <-fire:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFromFile(w.path)
	if err != nil {
		w.logger.Warn("Config reload failed", slog.String("path", w.path), slog.String("error", err.Error()))
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn("Reloaded config invalid, keeping previous rule set", slog.String("error", err.Error()))
		return
	}
	w.logger.Info("Reloaded agentic rule set",
		slog.String("path", w.path),
		slog.Int("rules", len(cfg.Agentic.Rules)))
	if w.onRules != nil {
		w.onRules(cfg.Agentic)
	}
}
