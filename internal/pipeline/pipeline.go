// Package pipeline turns file paths into up-to-date index documents. It
// consumes monitor events and explicit requests through a bounded worker
// pool, skips re-extraction when the content hash is unchanged, and
// records per-file outcomes without ever aborting a batch.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/AvengeMedia/dankindex/internal/cache"
	"github.com/AvengeMedia/dankindex/internal/config"
	"github.com/AvengeMedia/dankindex/internal/errdefs"
	"github.com/AvengeMedia/dankindex/internal/extract"
	"github.com/AvengeMedia/dankindex/internal/index"
	"github.com/AvengeMedia/dankindex/internal/log"
	"github.com/AvengeMedia/dankindex/internal/metastore"
	"github.com/AvengeMedia/dankindex/internal/monitor"
)

const lastReconcileKey = "last_reconcile"

type Outcome string

const (
	OutcomeIndexed   Outcome = "indexed"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeParked    Outcome = "parked"
	OutcomeRemoved   Outcome = "removed"
)

type FileResult struct {
	Path    string  `json:"path"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// DirManifest is the per-item outcome report for a directory scan.
type DirManifest struct {
	Root      string       `json:"root"`
	Total     int          `json:"total"`
	Indexed   int          `json:"indexed"`
	Unchanged int          `json:"unchanged"`
	Failed    int          `json:"failed"`
	Parked    int          `json:"parked"`
	Files     []FileResult `json:"files"`
}

// Stats mirrors the metastore bookkeeping.
type Stats struct {
	TotalDocuments   int            `json:"total_documents"`
	ByStatus         map[string]int `json:"by_status"`
	ByType           map[string]int `json:"by_type"`
	LastReconciledAt time.Time      `json:"last_reconciled_at"`
}

type Pipeline struct {
	config    *config.Config
	store     *index.Store
	meta      *metastore.Store
	cache     *cache.Cache
	extractor extract.Extractor
	mon       *monitor.Monitor

	work chan workItem
	wg   sync.WaitGroup

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

type workItem struct {
	path   string
	remove bool
}

func New(cfg *config.Config, store *index.Store, meta *metastore.Store, c *cache.Cache, extractor extract.Extractor, mon *monitor.Monitor) *Pipeline {
	return &Pipeline{
		config:    cfg,
		store:     store,
		meta:      meta,
		cache:     c,
		extractor: extractor,
		mon:       mon,
		work:      make(chan workItem, cfg.EventBuffer),
	}
}

// Start launches the extraction workers and, when a monitor is attached,
// the event consumer feeding them.
func (p *Pipeline) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	for i := 0; i < p.config.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(done)
	}

	if p.mon != nil {
		p.mon.SetOnReconcile(func(t time.Time) {
			p.RecordReconcile(t)
		})
		go p.consumeEvents(done)
	}

	log.Infof("pipeline started with %d workers", p.config.WorkerCount)
}

func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
	log.Infof("pipeline stopped")
}

func (p *Pipeline) worker(done chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-done:
			return
		case item := <-p.work:
			if item.remove {
				if err := p.RemoveFile(item.path); err != nil {
					log.Debugf("failed to remove %s: %v", item.path, err)
				}
				continue
			}
			if _, err := p.indexFile(context.Background(), item.path, false); err != nil {
				log.Debugf("failed to index %s: %v", item.path, err)
			}
		}
	}
}

func (p *Pipeline) consumeEvents(done chan struct{}) {
	events := p.mon.Events()
	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			item := workItem{path: ev.Path, remove: ev.Op == monitor.OpRemoved}
			select {
			case p.work <- item:
			case <-done:
				return
			}
		}
	}
}

// Submit queues a path for background indexing.
func (p *Pipeline) Submit(path string) {
	select {
	case p.work <- workItem{path: path}:
	default:
		// Queue full: index inline rather than dropping the request.
		if _, err := p.indexFile(context.Background(), path, false); err != nil {
			log.Debugf("failed to index %s: %v", path, err)
		}
	}
}

// IndexFile indexes one file on request. Explicit requests bypass the
// retry parking so a previously failing file gets another chance.
func (p *Pipeline) IndexFile(ctx context.Context, path string) (Outcome, error) {
	return p.indexFile(ctx, path, true)
}

func (p *Pipeline) indexFile(ctx context.Context, path string, explicit bool) (Outcome, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		if err := p.RemoveFile(path); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeRemoved, nil
	}
	if err != nil {
		return OutcomeFailed, errdefs.NewCustomError(errdefs.ErrTypeIndexingFailed, path, err)
	}
	if info.IsDir() {
		return OutcomeSkipped, nil
	}

	hash, err := hashFile(path)
	if err != nil {
		return OutcomeFailed, errdefs.NewCustomError(errdefs.ErrTypeIndexingFailed, path, err)
	}

	meta, known, err := p.meta.Get(path)
	if err != nil {
		return OutcomeFailed, err
	}

	// Unchanged content is a cheap no-op: only indexed_at moves.
	if known && meta.Hash == hash && meta.Status == index.StatusFresh {
		meta.IndexedAt = time.Now()
		if err := p.meta.Put(path, meta); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeUnchanged, nil
	}

	if known && !explicit && meta.FailCount >= p.config.RetryBudget {
		return OutcomeParked, nil
	}

	extractCtx, cancel := context.WithTimeout(ctx, p.config.ExtractTimeout())
	defer cancel()

	res, err := p.extractor.Extract(extractCtx, path)
	if err != nil {
		p.recordFailure(path, info, hash, meta, known)
		return OutcomeFailed, err
	}

	now := time.Now()
	doc := &index.Document{
		Path:        path,
		Name:        filepath.Base(path),
		Body:        res.Text,
		ContentHash: hash,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		CreatedAt:   createdTime(info),
		Tags:        res.Tags,
		Category:    res.Category,
		FileType:    res.FileType,
		IndexedAt:   now,
		Status:      index.StatusFresh,
	}

	if err := p.store.Upsert(doc); err != nil {
		return OutcomeFailed, err
	}

	err = p.meta.Put(path, metastore.DocMeta{
		Hash:      hash,
		ModTime:   info.ModTime(),
		Size:      info.Size(),
		FileType:  res.FileType,
		Status:    index.StatusFresh,
		IndexedAt: now,
		Embedding: res.Embedding,
	})
	if err != nil {
		return OutcomeFailed, err
	}

	p.cacheDocument(doc, res)
	return OutcomeIndexed, nil
}

// recordFailure leaves an existing document untouched (previous state
// stands) and marks unknown paths stale; repeated failures park the path.
func (p *Pipeline) recordFailure(path string, info os.FileInfo, hash string, meta metastore.DocMeta, known bool) {
	if !known {
		meta = metastore.DocMeta{
			Hash:     hash,
			ModTime:  info.ModTime(),
			Size:     info.Size(),
			FileType: extract.ClassifyFileType(path),
			Status:   index.StatusStale,
		}
	}
	meta.FailCount++
	if err := p.meta.Put(path, meta); err != nil {
		log.Debugf("failed to record failure for %s: %v", path, err)
	}
	if meta.FailCount == p.config.RetryBudget {
		log.Warnf("%s failed extraction %d times, parking until re-requested", path, meta.FailCount)
	}
}

func (p *Pipeline) cacheDocument(doc *index.Document, res *extract.Result) {
	if p.cache == nil {
		return
	}

	metadata := map[string]string{
		"name":      doc.Name,
		"file_type": doc.FileType,
		"category":  doc.Category,
		"size":      formatInt(doc.Size),
		"mtime":     doc.ModTime.Format(time.RFC3339),
	}
	if err := p.cache.CacheFile(doc.Path, doc.Body, metadata, res); err != nil {
		if errdefs.IsType(err, errdefs.ErrTypeCapacity) {
			log.Debugf("skipping cache for oversized entry %s", doc.Path)
			return
		}
		log.Debugf("failed to cache %s: %v", doc.Path, err)
	}
}

// RemoveFile tombstones the document and drops its cache entry. The
// tombstone is purged only after a confirmed sync pass.
func (p *Pipeline) RemoveFile(path string) error {
	if err := p.store.MarkDeleted(path); err != nil {
		return err
	}

	meta, known, err := p.meta.Get(path)
	if err != nil {
		return err
	}
	if known {
		meta.Status = index.StatusDeleted
		if err := p.meta.Put(path, meta); err != nil {
			return err
		}
	}

	if p.cache != nil {
		if err := p.cache.Delete(path); err != nil {
			log.Debugf("failed to drop cache entry for %s: %v", path, err)
		}
	}

	log.Debugf("tombstoned %s", path)
	return nil
}

// PurgeDeleted finalizes tombstones after a confirmed sync cycle.
func (p *Pipeline) PurgeDeleted() (int, error) {
	var deleted []string
	err := p.meta.ForEach(func(path string, meta metastore.DocMeta) error {
		if meta.Status == index.StatusDeleted {
			deleted = append(deleted, path)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, path := range deleted {
		if err := p.store.Purge(path); err != nil {
			return 0, err
		}
		if err := p.meta.Delete(path); err != nil {
			return 0, err
		}
	}

	if len(deleted) > 0 {
		log.Infof("purged %d tombstoned documents", len(deleted))
	}
	return len(deleted), nil
}

// GetStats summarizes the index from the metastore bookkeeping.
func (p *Pipeline) GetStats() (*Stats, error) {
	stats := &Stats{
		ByStatus: map[string]int{},
		ByType:   map[string]int{},
	}

	err := p.meta.ForEach(func(path string, meta metastore.DocMeta) error {
		stats.TotalDocuments++
		stats.ByStatus[meta.Status]++
		stats.ByType[meta.FileType]++
		return nil
	})
	if err != nil {
		return nil, err
	}

	if t, err := p.meta.GetTime(lastReconcileKey); err == nil {
		stats.LastReconciledAt = t
	}
	return stats, nil
}

// RecordReconcile persists the time of the last reconcile pass.
func (p *Pipeline) RecordReconcile(t time.Time) {
	if err := p.meta.SetTime(lastReconcileKey, t); err != nil {
		log.Debugf("failed to record reconcile time: %v", err)
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
