package config

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultReloadDebounce = 250 * time.Millisecond

// Watcher reloads the configuration when its file changes and hands every
// valid result to onChange. Invalid edits are logged and ignored, so the
// running configuration stays in place.
type Watcher struct {
	loader   *Loader
	onChange func(Config)
	logger   *zap.Logger
	debounce time.Duration
}

func NewWatcher(loader *Loader, onChange func(Config), logger *zap.Logger) (*Watcher, error) {
	if loader == nil || loader.FilePath() == "" || onChange == nil {
		return nil, errors.New("config watcher needs a config file and a callback")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		loader:   loader,
		onChange: onChange,
		logger:   logger.Named("config"),
		debounce: defaultReloadDebounce,
	}, nil
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	path := filepath.Clean(w.loader.FilePath())
	// Watch the directory, not the file, to catch editors that replace it.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		return err
	}
	w.logger.Info("watching config file", zap.String("path", path))

	var pending <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Error("config reload rejected", zap.Error(err))
		return
	}
	w.logger.Info("config reloaded")
	w.onChange(cfg)
}
