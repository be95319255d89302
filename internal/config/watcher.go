package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// debounceWindow coalesces the burst of fsnotify events an editor save
// produces into one ReloadEvent.
const debounceWindow = 200 * time.Millisecond

// Watcher emits a ReloadEvent whenever config.yaml changes so the daemon can
// react to operator edits without a restart.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	configPath := filepath.Join(w.homeDir, "config.yaml")
	// Watch the directory, not the file: atomic saves (write temp + rename)
	// replace the inode and would silently drop a file watch.
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)

		var pending *ReloadEvent
		debounce := time.NewTimer(debounceWindow)
		if !debounce.Stop() {
			<-debounce.C
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-debounce.C:
				if pending != nil {
					select {
					case w.events <- *pending:
					default:
					}
					w.logger.Info("config file changed", "path", pending.Path, "op", pending.Op.String())
					pending = nil
				}
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Name != configPath {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = &ReloadEvent{Path: ev.Name, Op: ev.Op}
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(debounceWindow)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
