package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/domain/errors"
)

// Watcher hot-reloads the configuration when the backing file changes
// on disk. Reload failures keep the previous config and log a warning;
// a bad edit must never take the pipeline down.
type Watcher struct {
	path      string
	versioned *Versioned
	logger    *zap.Logger
	fsw       *fsnotify.Watcher
	done      chan struct{}

	// debounce coalesces the write bursts editors produce on save.
	debounce time.Duration
}

// NewWatcher watches the given config file. The parent directory is
// watched rather than the file itself so atomic rename-on-save editors
// keep working.
func NewWatcher(path string, versioned *Versioned, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.NewConfigurationError("creating fsnotify watcher failed").WithCause(err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, errors.NewConfigurationError("watching config directory failed").WithCause(err)
	}

	return &Watcher{
		path:      path,
		versioned: versioned,
		logger:    logger,
		fsw:       fsw,
		done:      make(chan struct{}),
		debounce:  200 * time.Millisecond,
	}, nil
}

// Start runs the watch loop until Stop is called.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop ends the watch loop and releases the inotify handle.
func (w *Watcher) Stop() {
	close(w.done)
	w.fsw.Close()
}

func (w *Watcher) loop() {
	var timer *time.Timer
	pending := make(chan struct{}, 1)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
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
				case pending <- struct{}{}:
				default:
				}
			})

		case <-pending:
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}

	w.versioned.Replace(cfg, "watcher", "file changed on disk")
	w.logger.Info("config reloaded",
		zap.String("path", w.path),
		zap.Int64("version", w.versioned.Version()))
}
