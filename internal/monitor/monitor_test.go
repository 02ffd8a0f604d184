package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AvengeMedia/dankindex/internal/config"
	"github.com/AvengeMedia/dankindex/internal/errdefs"
)

type fakeLister struct {
	paths []string
}

func (f *fakeLister) KnownPaths(prefix string) ([]string, error) {
	var out []string
	for _, p := range f.paths {
		if p == prefix || strings.HasPrefix(p, prefix+string(filepath.Separator)) {
			out = append(out, p)
		}
	}
	return out, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.WatchRoots = nil
	cfg.DebounceMS = 50
	cfg.EventBuffer = 64
	cfg.ReconcileIntervalMins = 0
	cfg.BuildMaps()
	return cfg
}

func testMonitor(t *testing.T, lister PathLister) *Monitor {
	t.Helper()
	if lister == nil {
		lister = &fakeLister{}
	}
	m, err := New(testConfig(t), lister)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Stop() })
	return m
}

func waitEvent(t *testing.T, m *Monitor, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(timeout):
		t.Fatalf("no event within %v", timeout)
		return Event{}
	}
}

func TestWatchMissingPath(t *testing.T) {
	m := testMonitor(t, nil)

	err := m.Watch(filepath.Join(t.TempDir(), "does-not-exist"), true)
	if !errdefs.IsType(err, errdefs.ErrTypeUnsupportedPath) {
		t.Fatalf("expected unsupported path error, got %v", err)
	}
}

func TestWatchFileNotDir(t *testing.T) {
	m := testMonitor(t, nil)

	path := filepath.Join(t.TempDir(), "plain.txt")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	err := m.Watch(path, false)
	if !errdefs.IsType(err, errdefs.ErrTypeUnsupportedPath) {
		t.Fatalf("expected unsupported path error, got %v", err)
	}
}

func TestWatchIdempotent(t *testing.T) {
	m := testMonitor(t, nil)
	root := t.TempDir()

	if err := m.Watch(root, true); err != nil {
		t.Fatalf("first watch: %v", err)
	}
	if err := m.Watch(root, true); err != nil {
		t.Fatalf("second watch: %v", err)
	}

	if got := len(m.Roots()); got != 1 {
		t.Errorf("expected 1 root, got %d", got)
	}
	if got := len(m.config.WatchRoots); got != 1 {
		t.Errorf("expected 1 config root, got %d", got)
	}
}

func TestUnwatch(t *testing.T) {
	m := testMonitor(t, nil)
	root := t.TempDir()

	if err := m.Watch(root, true); err != nil {
		t.Fatal(err)
	}
	m.Unwatch(root)
	if got := len(m.Roots()); got != 0 {
		t.Errorf("expected 0 roots after unwatch, got %d", got)
	}

	// Unwatching an unknown root is a no-op.
	m.Unwatch(filepath.Join(root, "never-watched"))
}

func TestStartStop(t *testing.T) {
	m := testMonitor(t, nil)

	if m.IsRunning() {
		t.Fatal("monitor should not be running before Start")
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !m.IsRunning() {
		t.Fatal("monitor should be running after Start")
	}
	if err := m.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.IsRunning() {
		t.Fatal("monitor should not be running after Stop")
	}

	// A stopped monitor can be started again.
	if err := m.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !m.IsRunning() {
		t.Fatal("monitor should be running after restart")
	}
}

func TestStopWhileEventsInFlight(t *testing.T) {
	m := testMonitor(t, nil)
	root := t.TempDir()

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if err := m.Watch(root, true); err != nil {
		t.Fatal(err)
	}

	// Keep the watcher busy while Stop tears it down.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 25; i++ {
			os.WriteFile(filepath.Join(root, fmt.Sprintf("f%d.txt", i)), []byte("x"), 0644)
		}
	}()

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	wg.Wait()

	if m.IsRunning() {
		t.Fatal("monitor still running after Stop")
	}
	// Let the detached loops observe the shutdown before the test exits.
	time.Sleep(100 * time.Millisecond)
}

func TestDebounceCoalescesWrites(t *testing.T) {
	m := testMonitor(t, nil)
	root := t.TempDir()

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if err := m.Watch(root, true); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(root, "note.txt")
	if err := os.WriteFile(path, []byte("first"), 0644); err != nil {
		t.Fatal(err)
	}
	// Rapid follow-up writes land inside the debounce window.
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte("again"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	ev := waitEvent(t, m, 5*time.Second)
	if ev.Path != path {
		t.Errorf("expected event for %s, got %s", path, ev.Path)
	}
	if ev.Op != OpCreated {
		t.Errorf("create followed by writes should coalesce to created, got %s", ev.Op)
	}

	// No second event for the same burst.
	select {
	case extra := <-m.Events():
		t.Errorf("unexpected extra event: %s %s", extra.Op, extra.Path)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRemoveEmitsRemoved(t *testing.T) {
	m := testMonitor(t, nil)
	root := t.TempDir()

	path := filepath.Join(root, "gone.txt")
	if err := os.WriteFile(path, []byte("content"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if err := m.Watch(root, true); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, m, 5*time.Second)
	if ev.Op != OpRemoved || ev.Path != path {
		t.Errorf("expected removed %s, got %s %s", path, ev.Op, ev.Path)
	}
}

func TestQueueIgnoresNonIndexableFiles(t *testing.T) {
	m := testMonitor(t, nil)
	root := t.TempDir()

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if err := m.Watch(root, true); err != nil {
		t.Fatal(err)
	}

	// Unknown extension, filtered before the debounce queue.
	if err := os.WriteFile(filepath.Join(root, "blob.bin"), []byte{0, 1, 2}, 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-m.Events():
		t.Errorf("unexpected event for non-indexable file: %s %s", ev.Op, ev.Path)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestReconcileSyntheticEvents(t *testing.T) {
	root := t.TempDir()
	onDisk := filepath.Join(root, "new.txt")
	if err := os.WriteFile(onDisk, []byte("fresh"), 0644); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(root, "vanished.txt")

	lister := &fakeLister{paths: []string{stale}}
	m := testMonitor(t, lister)

	if err := m.Watch(root, true); err != nil {
		t.Fatal(err)
	}
	if err := m.Reconcile(context.Background(), root); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	got := map[string]Op{}
	for i := 0; i < 2; i++ {
		ev := waitEvent(t, m, time.Second)
		got[ev.Path] = ev.Op
	}
	if got[stale] != OpRemoved {
		t.Errorf("expected synthetic removed for %s, got %v", stale, got)
	}
	if got[onDisk] != OpCreated {
		t.Errorf("expected synthetic created for %s, got %v", onDisk, got)
	}
}

func TestReconcileBadRoot(t *testing.T) {
	m := testMonitor(t, nil)

	err := m.Reconcile(context.Background(), filepath.Join(t.TempDir(), "missing"))
	if !errdefs.IsType(err, errdefs.ErrTypeUnsupportedPath) {
		t.Fatalf("expected unsupported path error, got %v", err)
	}
}

func TestReconcileAllUpdatesTimestamp(t *testing.T) {
	root := t.TempDir()
	m := testMonitor(t, nil)

	if err := m.Watch(root, true); err != nil {
		t.Fatal(err)
	}

	var cbTime time.Time
	m.SetOnReconcile(func(ts time.Time) { cbTime = ts })

	if !m.LastReconcile().IsZero() {
		t.Fatal("LastReconcile should start zero")
	}
	m.ReconcileAll(context.Background())

	last := m.LastReconcile()
	if last.IsZero() {
		t.Fatal("LastReconcile not set after ReconcileAll")
	}
	if !cbTime.Equal(last) {
		t.Errorf("callback time %v != LastReconcile %v", cbTime, last)
	}
}
