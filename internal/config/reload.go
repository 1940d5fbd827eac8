package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/klyr/mutator/internal/logging"
)

const defaultDebounce = 300 * time.Millisecond

// Holder keeps the active configuration and swaps it when the file on disk
// changes. A file that fails to load or validate leaves the old
// configuration in place.
type Holder struct {
	mu      sync.RWMutex
	current *Config
	path    string
	logger  zerolog.Logger

	debounce time.Duration

	listenersMu sync.RWMutex
	listeners   []chan<- *Config
	onFailure   func(error)
}

func NewHolder(initial *Config, logger zerolog.Logger) *Holder {
	return &Holder{
		current:  initial,
		path:     initial.Path(),
		logger:   logging.WithComponent(logger, "config"),
		debounce: defaultDebounce,
	}
}

func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Subscribe registers ch to receive every successfully reloaded
// configuration. Sends never block; a full channel misses the update.
func (h *Holder) Subscribe(ch chan<- *Config) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

// OnReloadFailure registers fn to be called with the error of every reload
// whose file fails to load or validate. Subscribers only see successful
// reloads.
func (h *Holder) OnReloadFailure(fn func(error)) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.onFailure = fn
}

func (h *Holder) reloadFailed(err error) {
	h.listenersMu.RLock()
	fn := h.onFailure
	h.listenersMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// Reload loads and validates the file, then swaps it in.
func (h *Holder) Reload() error {
	if h.path == "" {
		return fmt.Errorf("configuration was not loaded from a file")
	}

	next, err := Load(h.path)
	if err != nil {
		h.logger.Error().Str(logging.FieldEvent, "config.reload_failed").Err(err).Msg("failed to load configuration")
		h.reloadFailed(err)
		return err
	}
	if err := next.Validate(); err != nil {
		event := h.logger.Error().Str(logging.FieldEvent, "config.validation_failed").Err(err)
		if verr, ok := err.(*ValidationError); ok {
			event = event.Strs("problems", verr.Problems)
		}
		event.Msg("new configuration failed validation")
		h.reloadFailed(err)
		return err
	}

	h.mu.Lock()
	h.current = next
	h.mu.Unlock()

	h.notify(next)
	h.logger.Info().Str(logging.FieldEvent, "config.reloaded").Str(logging.FieldConfigFile, h.path).Msg("configuration reloaded")
	return nil
}

func (h *Holder) notify(cfg *Config) {
	h.listenersMu.RLock()
	defer h.listenersMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
			h.logger.Warn().Str(logging.FieldEvent, "config.listener_skip").Msg("listener channel full; update skipped")
		}
	}
}

// watchedFiles lists the files whose changes trigger a reload.
func (h *Holder) watchedFiles() []string {
	files := []string{h.path}
	if ff := h.Get().FilterFile; ff != "" {
		files = append(files, h.Get().resolvePath(ff))
	}
	return files
}

// syncWatches points watcher at the directories of the current files,
// dropping directories no longer needed, and returns the files to react to.
// dirs tracks the directories already added and is updated in place.
func (h *Holder) syncWatches(watcher *fsnotify.Watcher, dirs map[string]struct{}) (map[string]struct{}, error) {
	watched := map[string]struct{}{}
	want := map[string]struct{}{}
	for _, f := range h.watchedFiles() {
		watched[filepath.Clean(f)] = struct{}{}
		want[filepath.Dir(f)] = struct{}{}
	}

	var firstErr error
	for dir := range want {
		if _, ok := dirs[dir]; ok {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("watch %s: %w", dir, err)
			}
			continue
		}
		dirs[dir] = struct{}{}
	}
	for dir := range dirs {
		if _, ok := want[dir]; !ok {
			_ = watcher.Remove(dir)
			delete(dirs, dir)
		}
	}
	return watched, firstErr
}

// Watch reloads on changes to the configuration file or its filter file
// until ctx is done. Directories are watched rather than files so editors
// that replace files by rename are seen. The watch set follows the filter
// file of the latest successfully loaded configuration.
func (h *Holder) Watch(ctx context.Context) error {
	if h.path == "" {
		return fmt.Errorf("configuration was not loaded from a file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dirs := map[string]struct{}{}
	watched, err := h.syncWatches(watcher, dirs)
	if err != nil {
		return err
	}
	reloaded := make(chan struct{}, 1)

	h.logger.Info().Str(logging.FieldEvent, "config.watcher_started").Str(logging.FieldConfigFile, h.path).Msg("watching configuration")

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str(logging.FieldEvent, "config.watcher_stopped").Msg("configuration watcher stopped")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if _, ok := watched[filepath.Clean(event.Name)]; !ok {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(h.debounce, func() {
				if h.Reload() != nil {
					return
				}
				select {
				case reloaded <- struct{}{}:
				default:
				}
			})
		case <-reloaded:
			if watched, err = h.syncWatches(watcher, dirs); err != nil {
				h.logger.Error().Str(logging.FieldEvent, "config.watcher_error").Err(err).Msg("cannot watch reloaded configuration files")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Error().Str(logging.FieldEvent, "config.watcher_error").Err(err).Msg("configuration watcher error")
		}
	}
}
