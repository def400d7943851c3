package plugin

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/osakka/toolserver/internal/hosting"
	"github.com/osakka/toolserver/pkg/logging"
	"github.com/osakka/toolserver/pkg/metrics"
)

// debounceWindow coalesces bursts of filesystem events into a single
// reload trigger (spec.md §4.7: "debounce by ~400 ms").
const debounceWindow = 400 * time.Millisecond

// AfterReloadFunc lets the integrating runtime re-register handler bindings
// after a reload completes, without going back through the loader itself
// (spec.md §4.7, afterReloadCallback).
type AfterReloadFunc func(pluginID string, err error)

// watch tracks one plugin's fsnotify watch and debounce timer.
type watch struct {
	mu      sync.Mutex
	timer   *time.Timer
	enabled bool
}

// HotReloadManager watches each loaded plugin's dist/ directory and
// triggers Manager.Reload on modification, debounced (spec.md §4.7).
type HotReloadManager struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	watches  map[string]*watch
	dirToID  map[string]string
	manager  *Manager
	host     hosting.Host
	ctx      context.Context
	cancel   context.CancelFunc
	enabled  bool
	afterFn  AfterReloadFunc
	logger   logging.Logger
	metrics  metrics.Metrics
}

// NewHotReloadManager constructs a HotReloadManager bound to manager and
// host and starts its fsnotify event loop; Close stops it.
func NewHotReloadManager(manager *Manager, host hosting.Host, logger logging.Logger, m metrics.Metrics) (*HotReloadManager, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	hr := &HotReloadManager{
		watcher: fsw,
		watches: make(map[string]*watch),
		dirToID: make(map[string]string),
		manager: manager,
		host:    host,
		ctx:     ctx,
		cancel:  cancel,
		enabled: true,
		logger:  logger.WithComponent("hot_reload"),
		metrics: m.WithPrefix("hot_reload"),
	}
	go hr.run()
	return hr, nil
}

// SetAfterReloadCallback installs the hook invoked after every reload
// attempt (success or failure).
func (hr *HotReloadManager) SetAfterReloadCallback(fn AfterReloadFunc) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.afterFn = fn
}

// SetEnabled toggles hot-reload system-wide. Disabling does not tear down
// existing fsnotify watches; it only suppresses the reload they'd trigger.
func (hr *HotReloadManager) SetEnabled(enabled bool) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.enabled = enabled
}

// SetPluginEnabled toggles hot-reload for a single plugin id.
func (hr *HotReloadManager) SetPluginEnabled(id string, enabled bool) {
	hr.mu.Lock()
	w, ok := hr.watches[id]
	hr.mu.Unlock()
	if !ok {
		return
	}
	w.mu.Lock()
	w.enabled = enabled
	w.mu.Unlock()
}

// Watch starts watching distDir for id, idempotently: re-watching an
// already-watched plugin is a no-op (spec.md §4.7: "idempotently started on
// load").
func (hr *HotReloadManager) Watch(id, distDir string) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	if _, exists := hr.watches[id]; exists {
		return
	}

	if err := hr.watcher.Add(distDir); err != nil {
		hr.logger.Warn("hot_reload_watch_failed", "plugin", id, "dir", distDir, "error", err.Error())
		return
	}

	hr.watches[id] = &watch{enabled: true}
	hr.dirToID[distDir] = id
	hr.logger.Debug("hot_reload_watch_started", "plugin", id, "dir", distDir)
}

// Unwatch stops watching a plugin's dist directory (spec.md §4.7: "stopped
// on unload").
func (hr *HotReloadManager) Unwatch(id string) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	if _, exists := hr.watches[id]; !exists {
		return
	}
	delete(hr.watches, id)
	for dir, watchedID := range hr.dirToID {
		if watchedID == id {
			hr.watcher.Remove(dir)
			delete(hr.dirToID, dir)
		}
	}
}

// Close stops the underlying fsnotify watcher and the event loop.
func (hr *HotReloadManager) Close() error {
	hr.cancel()
	return hr.watcher.Close()
}

func (hr *HotReloadManager) run() {
	for {
		select {
		case <-hr.ctx.Done():
			return
		case event, ok := <-hr.watcher.Events:
			if !ok {
				return
			}
			hr.handleEvent(event)
		case err, ok := <-hr.watcher.Errors:
			if !ok {
				return
			}
			hr.logger.Warn("hot_reload_watcher_error", "error", err.Error())
		}
	}
}

func (hr *HotReloadManager) handleEvent(event fsnotify.Event) {
	dir := filepath.Dir(event.Name)

	hr.mu.Lock()
	id, ok := hr.dirToID[dir]
	var w *watch
	if ok {
		w = hr.watches[id]
	}
	globalEnabled := hr.enabled
	hr.mu.Unlock()
	if !ok || w == nil || !globalEnabled {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.enabled {
		return
	}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceWindow, func() {
		hr.triggerReload(id)
	})
}

func (hr *HotReloadManager) triggerReload(id string) {
	hr.logger.Info("plugin_reload_triggered", "plugin", id)
	ctx, cancel := context.WithTimeout(hr.ctx, 30*time.Second)
	defer cancel()

	err := hr.manager.Reload(ctx, hr.host, id)
	if err != nil {
		hr.metrics.Inc("reloads_failed_total")
		hr.logger.Error("plugin_hot_reload_failed", "plugin", id, "error", err.Error())
	} else {
		hr.metrics.Inc("reloads_succeeded_total")
	}

	hr.mu.Lock()
	fn := hr.afterFn
	hr.mu.Unlock()
	if fn != nil {
		fn(id, err)
	}
}
