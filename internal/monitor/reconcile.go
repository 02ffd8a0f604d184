package monitor

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/AvengeMedia/dankindex/internal/errdefs"
	"github.com/AvengeMedia/dankindex/internal/log"
)

func (m *Monitor) reconcileLoop(done <-chan struct{}) {
	interval := m.config.ReconcileInterval()
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	dirtyCheck := time.NewTicker(10 * time.Second)
	defer dirtyCheck.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.ReconcileAll(context.Background())
		case <-dirtyCheck.C:
			m.reconcileDirty()
		}
	}
}

func (m *Monitor) reconcileDirty() {
	m.mu.Lock()
	var roots []string
	for root := range m.dirty {
		roots = append(roots, root)
		delete(m.dirty, root)
	}
	m.mu.Unlock()

	for _, root := range roots {
		if err := m.Reconcile(context.Background(), root); err != nil {
			log.Warnf("reconcile of %s failed: %v", root, err)
		}
	}
}

// ReconcileAll runs a reconcile pass over every watched root.
func (m *Monitor) ReconcileAll(ctx context.Context) {
	for _, root := range m.Roots() {
		if err := m.Reconcile(ctx, root); err != nil {
			log.Warnf("reconcile of %s failed: %v", root, err)
		}
	}

	now := time.Now()
	m.reconcileMu.Lock()
	m.lastReconcile = now
	fn := m.onReconcile
	m.reconcileMu.Unlock()

	if fn != nil {
		fn(now)
	}
}

// Reconcile walks one root and diffs the live tree against the index's
// known paths, emitting synthetic created/removed events for discrepancies.
func (m *Monitor) Reconcile(ctx context.Context, root string) error {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return errdefs.NewCustomError(errdefs.ErrTypeUnsupportedPath, root, err)
	}

	m.mu.Lock()
	recursive := m.roots[root]
	done := m.done
	m.mu.Unlock()

	onDisk := make(map[string]bool)
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if info.IsDir() {
			if path != root && (!recursive || !m.config.ShouldIndexDir(path)) {
				return filepath.SkipDir
			}
			return nil
		}

		if m.config.ShouldIndexFile(path) {
			onDisk[path] = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	known, err := m.lister.KnownPaths(root)
	if err != nil {
		return err
	}

	created, removed := 0, 0
	knownSet := make(map[string]bool, len(known))
	for _, path := range known {
		knownSet[path] = true
		if !onDisk[path] {
			m.emit(Event{Op: OpRemoved, Path: path}, done)
			removed++
		}
	}
	for path := range onDisk {
		if !knownSet[path] {
			m.emit(Event{Op: OpCreated, Path: path}, done)
			created++
		}
	}

	if created > 0 || removed > 0 {
		log.Infof("reconcile %s: +%d new, -%d removed", root, created, removed)
	}
	return nil
}
