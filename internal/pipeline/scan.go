package pipeline

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/AvengeMedia/dankindex/internal/errdefs"
	"github.com/AvengeMedia/dankindex/internal/log"
)

// IndexDirectory walks root and indexes every eligible file through the
// worker pool. One bad file never aborts the scan; its outcome lands in
// the manifest instead. When watch is set the root is also registered
// with the monitor for live updates.
func (p *Pipeline) IndexDirectory(ctx context.Context, root string, recursive, watch bool) (*DirManifest, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeUnsupportedPath, root, err)
	}
	if !info.IsDir() {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeUnsupportedPath, root+" is not a directory", nil)
	}

	root = filepath.Clean(root)
	p.config.AddRoot(root, recursive)

	if watch && p.mon != nil {
		if err := p.mon.Watch(root, recursive); err != nil {
			return nil, err
		}
	}

	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Debugf("skipping %s: %v", path, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != root && (!recursive || !p.config.ShouldIndexDir(path)) {
				return filepath.SkipDir
			}
			return nil
		}
		if p.config.ShouldIndexFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeIndexingFailed, "directory scan failed", err)
	}

	manifest := &DirManifest{Root: root, Total: len(paths)}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, p.config.WorkerCount)
	)

	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(path string) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := p.indexFile(ctx, path, false)
			result := FileResult{Path: path, Outcome: outcome}
			if err != nil {
				result.Error = err.Error()
			}

			mu.Lock()
			manifest.Files = append(manifest.Files, result)
			switch outcome {
			case OutcomeIndexed:
				manifest.Indexed++
			case OutcomeUnchanged:
				manifest.Unchanged++
			case OutcomeFailed:
				manifest.Failed++
			case OutcomeParked:
				manifest.Parked++
			}
			mu.Unlock()
		}(path)
	}
	wg.Wait()

	sort.Slice(manifest.Files, func(i, j int) bool {
		return manifest.Files[i].Path < manifest.Files[j].Path
	})

	log.Infof("scanned %s: %d files, %d indexed, %d unchanged, %d failed",
		root, manifest.Total, manifest.Indexed, manifest.Unchanged, manifest.Failed)
	return manifest, nil
}
