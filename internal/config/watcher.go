package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the config file when it changes on disk, so edits to
// the allow-list or model defaults take effect without a restart.
type Watcher struct {
	loader   *Loader
	logger   zerolog.Logger
	onReload func(*Config)

	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// NewWatcher creates a watcher for the loader's config file. onReload is
// called with each successfully reloaded and validated config.
func NewWatcher(loader *Loader, logger zerolog.Logger, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		loader:   loader,
		logger:   logger.With().Str("component", "config-watcher").Logger(),
		onReload: onReload,
		watcher:  fw,
		debounce: 250 * time.Millisecond,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. Editors typically replace files rather than
// write in place, so the parent directory is watched and events are
// filtered by name.
func (w *Watcher) Start() error {
	configPath := w.loader.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("no config path to watch")
	}

	dir := filepath.Dir(configPath)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go w.run(configPath)

	w.logger.Info().Str("path", configPath).Msg("Config watcher started")
	return nil
}

func (w *Watcher) run(configPath string) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	reload := make(chan struct{}, 1)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(configPath) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")

		case <-reload:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Error().Err(err).Msg("Config reload failed, keeping previous config")
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Error().Err(err).Msg("Reloaded config is invalid, keeping previous config")
		return
	}

	w.logger.Info().Msg("Config reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return nil
	}
	w.stopped = true
	close(w.done)
	return w.watcher.Close()
}
