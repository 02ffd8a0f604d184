// Package monitor watches directory trees and produces a stream of change
// events for the indexing pipeline. Rapid same-path changes are coalesced
// within a debounce window (latest wins, cross-path order preserved), and a
// periodic reconcile pass diffs the filesystem against the index to correct
// drift for roots where live events are unreliable.
package monitor

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AvengeMedia/dankindex/internal/config"
	"github.com/AvengeMedia/dankindex/internal/errdefs"
	"github.com/AvengeMedia/dankindex/internal/log"
	"github.com/fsnotify/fsnotify"
)

type Op int

const (
	OpCreated Op = iota
	OpModified
	OpRemoved
)

func (o Op) String() string {
	switch o {
	case OpCreated:
		return "created"
	case OpModified:
		return "modified"
	case OpRemoved:
		return "removed"
	}
	return "unknown"
}

type Event struct {
	Op   Op
	Path string
}

// PathLister is the slice of the index store reconciliation needs.
type PathLister interface {
	KnownPaths(prefix string) ([]string, error)
}

type Monitor struct {
	config *config.Config
	lister PathLister

	watcher *fsnotify.Watcher
	events  chan Event

	mu      sync.Mutex
	roots   map[string]bool // root path -> recursive
	pending map[string]Op
	timers  map[string]*time.Timer
	dirty   map[string]bool // roots that dropped events and need reconcile
	running bool
	done    chan struct{}

	reconcileMu   sync.Mutex
	lastReconcile time.Time
	onReconcile   func(time.Time)
}

func New(cfg *config.Config, lister PathLister) (*Monitor, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeUnsupportedPath, "failed to create watcher", err)
	}

	return &Monitor{
		config:  cfg,
		lister:  lister,
		watcher: w,
		events:  make(chan Event, cfg.EventBuffer),
		roots:   make(map[string]bool),
		pending: make(map[string]Op),
		timers:  make(map[string]*time.Timer),
		dirty:   make(map[string]bool),
		done:    make(chan struct{}),
	}, nil
}

// Events is the stream consumed by the indexing pipeline.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// SetOnReconcile registers a callback invoked after each reconcile pass.
func (m *Monitor) SetOnReconcile(fn func(time.Time)) {
	m.reconcileMu.Lock()
	m.onReconcile = fn
	m.reconcileMu.Unlock()
}

func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}

	if m.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			m.mu.Unlock()
			return errdefs.NewCustomError(errdefs.ErrTypeUnsupportedPath, "failed to create watcher", err)
		}
		m.watcher = w
		m.done = make(chan struct{})
	}

	m.running = true
	watcher := m.watcher
	done := m.done
	m.mu.Unlock()

	go m.eventLoop(watcher, done)
	go m.reconcileLoop(done)
	log.Infof("monitor started")
	return nil
}

func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	m.running = false
	close(m.done)

	for path, t := range m.timers {
		t.Stop()
		delete(m.timers, path)
		delete(m.pending, path)
	}

	err := m.watcher.Close()
	m.watcher = nil
	log.Infof("monitor stopped")
	return err
}

func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Watch registers a root for live events. Watching an already-watched root
// is a no-op; a missing path or non-directory fails with an unsupported
// path error.
func (m *Monitor) Watch(root string, recursive bool) error {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return errdefs.NewCustomError(errdefs.ErrTypeUnsupportedPath, root, err)
	}

	m.mu.Lock()
	if _, ok := m.roots[root]; ok {
		m.mu.Unlock()
		return nil
	}
	m.roots[root] = recursive
	watcher := m.watcher
	m.mu.Unlock()

	m.config.AddRoot(root, recursive)

	if watcher == nil {
		return nil
	}
	return m.addWatches(watcher, root, recursive)
}

// Unwatch stops monitoring a root. Silently succeeds when not watched.
func (m *Monitor) Unwatch(root string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.roots[root]; !ok {
		return
	}
	delete(m.roots, root)
	delete(m.dirty, root)

	if m.watcher == nil {
		return
	}
	for _, watched := range m.watcher.WatchList() {
		if watched == root || strings.HasPrefix(watched, root+string(filepath.Separator)) {
			m.watcher.Remove(watched)
		}
	}
}

// Roots returns the currently watched roots.
func (m *Monitor) Roots() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	roots := make([]string, 0, len(m.roots))
	for r := range m.roots {
		roots = append(roots, r)
	}
	return roots
}

// LastReconcile reports when the last reconcile pass finished.
func (m *Monitor) LastReconcile() time.Time {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()
	return m.lastReconcile
}

func (m *Monitor) addWatches(watcher *fsnotify.Watcher, root string, recursive bool) error {
	if !recursive {
		return watcher.Add(root)
	}

	watchCount := 0
	errorCount := 0

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				log.Debugf("permission denied: %s", path)
				return nil
			}
			return err
		}

		if !info.IsDir() {
			return nil
		}

		if path != root && !m.config.ShouldIndexDir(path) {
			return filepath.SkipDir
		}

		if err := watcher.Add(path); err != nil {
			errorCount++
			if errorCount == 1 {
				log.Warnf("failed to add watch for %s: %v", path, err)
			}
			return nil
		}

		watchCount++
		return nil
	})

	if errorCount > 0 {
		log.Warnf("failed to add %d watches (added %d successfully)", errorCount, watchCount)
	} else {
		log.Debugf("added %d directory watches under %s", watchCount, root)
	}

	return err
}

// eventLoop holds its own watcher reference so Stop clearing m.watcher
// cannot race with the channel reads here.
func (m *Monitor) eventLoop(watcher *fsnotify.Watcher, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("monitor error: %v", err)
		}
	}
}

func (m *Monitor) handleEvent(event fsnotify.Event) {
	path := event.Name

	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		info, err := os.Stat(path)
		if err == nil && info.IsDir() {
			m.handleNewDir(path)
			return
		}
		m.queue(path, OpCreated)

	case event.Op&fsnotify.Write == fsnotify.Write:
		m.queue(path, OpModified)

	// A rename surfaces as removed(old) + created(new); the pipeline
	// converges on that, and reconciliation covers missed halves.
	case event.Op&fsnotify.Remove == fsnotify.Remove,
		event.Op&fsnotify.Rename == fsnotify.Rename:
		m.queue(path, OpRemoved)
	}
}

func (m *Monitor) handleNewDir(path string) {
	m.mu.Lock()
	watcher := m.watcher
	root := m.findRoot(path)
	recursive := root != "" && m.roots[root]
	if root != "" {
		// Files may have landed before the watch was in place.
		m.dirty[root] = true
	}
	m.mu.Unlock()

	if watcher == nil || !recursive || !m.config.ShouldIndexDir(path) {
		return
	}
	if err := watcher.Add(path); err != nil {
		log.Debugf("failed to watch new dir %s: %v", path, err)
	}
}

// queue coalesces the event into the per-path debounce window. The latest
// op wins except that a create followed by writes stays a create.
func (m *Monitor) queue(path string, op Op) {
	if op != OpRemoved && !m.config.ShouldIndexFile(path) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	if prev, ok := m.pending[path]; ok {
		if prev == OpCreated && op == OpModified {
			op = OpCreated
		}
		m.pending[path] = op
		return
	}

	m.pending[path] = op
	m.timers[path] = time.AfterFunc(m.config.Debounce(), func() {
		m.flush(path)
	})
}

func (m *Monitor) flush(path string) {
	m.mu.Lock()
	op, ok := m.pending[path]
	delete(m.pending, path)
	delete(m.timers, path)
	running := m.running
	done := m.done
	m.mu.Unlock()

	if !ok || !running {
		return
	}
	m.emit(Event{Op: op, Path: path}, done)
}

func (m *Monitor) emit(ev Event, done <-chan struct{}) {
	if m.config.DropOnOverflow {
		select {
		case m.events <- ev:
		default:
			// Burst overflow: drop and let reconciliation pick it up.
			m.mu.Lock()
			if root := m.findRoot(ev.Path); root != "" {
				m.dirty[root] = true
			}
			m.mu.Unlock()
			log.Warnf("event buffer full, deferring %s to reconcile", ev.Path)
		}
		return
	}

	select {
	case m.events <- ev:
	case <-done:
	}
}

// findRoot must be called with m.mu held.
func (m *Monitor) findRoot(path string) string {
	for root := range m.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return root
		}
	}
	return ""
}
