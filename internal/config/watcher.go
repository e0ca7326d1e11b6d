package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces the burst of filesystem events an editor
// save produces into one reload.
const debounceDelay = 250 * time.Millisecond

// Watcher re-reads the config file when it changes on disk. Only
// scrollbackLines and pollIntervalMs are safe to pick up while the
// daemon runs; changes to anything else are logged as needing a
// restart.
type Watcher struct {
	path     string
	logger   *log.Logger
	onChange func(*Config)
	watcher  *fsnotify.Watcher

	mu            sync.Mutex
	last          *Config
	debounceTimer *time.Timer

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher watches the file backing cfg. onChange receives the
// freshly loaded config after every accepted change to a safe field.
func NewWatcher(cfg *Config, onChange func(*Config), logger *log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// Watch the directory, not the file: Save and most editors replace
	// the file by rename, which would orphan a watch on the file itself.
	if err := fsw.Add(filepath.Dir(cfg.Path())); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}
	return &Watcher{
		path:     cfg.Path(),
		logger:   logger,
		onChange: onChange,
		watcher:  fsw,
		last:     cfg,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins the event processing loop.
func (w *Watcher) Start() {
	go w.eventLoop()
}

// Stop shuts down the watcher and waits for the loop to exit. Safe to
// call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
		w.mu.Lock()
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
		}
		w.mu.Unlock()
	})
	<-w.done
}

func (w *Watcher) eventLoop() {
	defer close(w.done)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.resetDebounce()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "err", err)
		}
	}
}

func (w *Watcher) resetDebounce() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	fresh, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous values", "err", err)
		return
	}

	w.mu.Lock()
	prev := w.last
	w.last = fresh
	w.mu.Unlock()

	if fields := restartFields(prev, fresh); len(fields) > 0 {
		w.logger.Warn("config change requires restart", "fields", strings.Join(fields, ", "))
	}
	if prev.ScrollbackLines == fresh.ScrollbackLines && prev.PollIntervalMs == fresh.PollIntervalMs {
		return
	}
	w.logger.Info("config reloaded",
		"scrollbackLines", fresh.ScrollbackLines,
		"pollIntervalMs", fresh.PollIntervalMs)
	if w.onChange != nil {
		w.onChange(fresh)
	}
}

// restartFields names the changed fields that only take effect on the
// next daemon start.
func restartFields(prev, next *Config) []string {
	var fields []string
	if prev.Port != next.Port {
		fields = append(fields, "port")
	}
	if prev.Host != next.Host {
		fields = append(fields, "host")
	}
	if prev.Password != next.Password {
		fields = append(fields, "password")
	}
	if prev.Token != next.Token {
		fields = append(fields, "token")
	}
	if prev.DefaultSession != next.DefaultSession {
		fields = append(fields, "defaultSession")
	}
	if prev.FrontendDir != next.FrontendDir {
		fields = append(fields, "frontendDir")
	}
	return fields
}
