package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AvengeMedia/dankindex/internal/cache"
	"github.com/AvengeMedia/dankindex/internal/config"
	"github.com/AvengeMedia/dankindex/internal/errdefs"
	"github.com/AvengeMedia/dankindex/internal/extract"
	"github.com/AvengeMedia/dankindex/internal/index"
	"github.com/AvengeMedia/dankindex/internal/metastore"
)

// stubExtractor counts calls and fails on request, so tests can observe
// when extraction is skipped or retried.
type stubExtractor struct {
	fail  map[string]bool
	calls map[string]int
}

func newStubExtractor() *stubExtractor {
	return &stubExtractor{fail: map[string]bool{}, calls: map[string]int{}}
}

func (s *stubExtractor) Extract(ctx context.Context, path string) (*extract.Result, error) {
	s.calls[path]++
	if s.fail[path] {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeExtraction, path, nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeExtraction, path, err)
	}
	text := string(data)
	return &extract.Result{
		Text:      text,
		FileType:  extract.ClassifyFileType(path),
		Category:  extract.ClassifyCategory(filepath.Base(path), text),
		Embedding: extract.Embed(text),
	}, nil
}

type testEnv struct {
	pipe      *Pipeline
	store     *index.Store
	meta      *metastore.Store
	cache     *cache.Cache
	extractor *stubExtractor
	root      string
	cfg       *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	root := t.TempDir()
	dataDir := t.TempDir()

	cfg := config.Default()
	cfg.IndexPath = filepath.Join(dataDir, "index")
	cfg.CachePath = filepath.Join(dataDir, "cache.db")
	cfg.WorkerCount = 2
	cfg.RetryBudget = 2
	cfg.WatchRoots = []config.WatchRoot{{Path: root, Recursive: true, ExcludeHidden: true}}
	cfg.BuildMaps()

	store, err := index.Open(cfg.IndexPath)
	if err != nil {
		t.Fatalf("index.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	meta, err := metastore.Open(cfg.IndexPath)
	if err != nil {
		t.Fatalf("metastore.Open() error = %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	fileCache, err := cache.Open(cfg.CachePath, time.Hour, 1<<20)
	if err != nil {
		t.Fatalf("cache.Open() error = %v", err)
	}
	t.Cleanup(func() { fileCache.Close() })

	extractor := newStubExtractor()
	pipe := New(cfg, store, meta, fileCache, extractor, nil)

	return &testEnv{
		pipe: pipe, store: store, meta: meta, cache: fileCache,
		extractor: extractor, root: root, cfg: cfg,
	}
}

func (e *testEnv) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestIndexFile(t *testing.T) {
	env := newTestEnv(t)
	path := env.writeFile(t, "doc.txt", "searchable words here")

	outcome, err := env.pipe.IndexFile(context.Background(), path)
	if err != nil {
		t.Fatalf("IndexFile() error = %v", err)
	}
	if outcome != OutcomeIndexed {
		t.Errorf("outcome = %q, want indexed", outcome)
	}

	doc, err := env.store.Get(path)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if doc == nil || doc.Status != index.StatusFresh {
		t.Fatalf("doc = %+v", doc)
	}
	if doc.Body != "searchable words here" {
		t.Errorf("Body = %q", doc.Body)
	}

	meta, found, _ := env.meta.Get(path)
	if !found || meta.Hash == "" {
		t.Fatalf("meta = %+v found = %v", meta, found)
	}

	entry, _ := env.cache.Get(path)
	if entry == nil {
		t.Error("expected cache entry after indexing")
	}
}

func TestUnchangedContentSkipsExtraction(t *testing.T) {
	env := newTestEnv(t)
	path := env.writeFile(t, "doc.txt", "stable content")
	ctx := context.Background()

	if _, err := env.pipe.IndexFile(ctx, path); err != nil {
		t.Fatalf("IndexFile() error = %v", err)
	}
	before, _, _ := env.meta.Get(path)

	time.Sleep(10 * time.Millisecond)

	outcome, err := env.pipe.IndexFile(ctx, path)
	if err != nil {
		t.Fatalf("IndexFile() error = %v", err)
	}
	if outcome != OutcomeUnchanged {
		t.Errorf("outcome = %q, want unchanged", outcome)
	}
	if env.extractor.calls[path] != 1 {
		t.Errorf("extractions = %d, want 1", env.extractor.calls[path])
	}

	// Only the bookkeeping timestamp moves.
	after, _, _ := env.meta.Get(path)
	if !after.IndexedAt.After(before.IndexedAt) {
		t.Error("IndexedAt should refresh on a no-op reindex")
	}
	if after.Hash != before.Hash {
		t.Error("hash should not change")
	}
}

func TestChangedContentReindexes(t *testing.T) {
	env := newTestEnv(t)
	path := env.writeFile(t, "doc.txt", "first version")
	ctx := context.Background()

	env.pipe.IndexFile(ctx, path)
	env.writeFile(t, "doc.txt", "second version, rather different")

	outcome, err := env.pipe.IndexFile(ctx, path)
	if err != nil {
		t.Fatalf("IndexFile() error = %v", err)
	}
	if outcome != OutcomeIndexed {
		t.Errorf("outcome = %q, want indexed", outcome)
	}

	doc, _ := env.store.Get(path)
	if doc.Body != "second version, rather different" {
		t.Errorf("Body = %q, want updated content", doc.Body)
	}
}

func TestRemoveFilePropagates(t *testing.T) {
	env := newTestEnv(t)
	path := env.writeFile(t, "doc.txt", "content")
	ctx := context.Background()

	env.pipe.IndexFile(ctx, path)

	if err := env.pipe.RemoveFile(path); err != nil {
		t.Fatalf("RemoveFile() error = %v", err)
	}

	doc, _ := env.store.Get(path)
	if doc == nil || doc.Status != index.StatusDeleted {
		t.Fatalf("expected tombstone, got %+v", doc)
	}

	meta, found, _ := env.meta.Get(path)
	if !found || meta.Status != index.StatusDeleted {
		t.Errorf("meta = %+v", meta)
	}

	// Deletion reaches the offline cache too.
	if entry, _ := env.cache.Get(path); entry != nil {
		t.Error("cache entry should be dropped on removal")
	}
}

func TestIndexMissingFileTombstones(t *testing.T) {
	env := newTestEnv(t)
	path := env.writeFile(t, "doc.txt", "content")
	ctx := context.Background()

	env.pipe.IndexFile(ctx, path)
	os.Remove(path)

	outcome, err := env.pipe.IndexFile(ctx, path)
	if err != nil {
		t.Fatalf("IndexFile() error = %v", err)
	}
	if outcome != OutcomeRemoved {
		t.Errorf("outcome = %q, want removed", outcome)
	}
}

func TestFailureIsolationAndParking(t *testing.T) {
	env := newTestEnv(t)
	good := env.writeFile(t, "good.txt", "fine content")
	bad := env.writeFile(t, "bad.txt", "will fail")
	env.extractor.fail[bad] = true
	ctx := context.Background()

	// One bad file never aborts the scan.
	manifest, err := env.pipe.IndexDirectory(ctx, env.root, true, false)
	if err != nil {
		t.Fatalf("IndexDirectory() error = %v", err)
	}
	if manifest.Indexed != 1 || manifest.Failed != 1 {
		t.Fatalf("manifest = %+v", manifest)
	}

	if doc, _ := env.store.Get(good); doc == nil {
		t.Error("good file should be indexed despite the bad one")
	}

	// RetryBudget is 2: one more automatic failure, then parked.
	manifest, _ = env.pipe.IndexDirectory(ctx, env.root, true, false)
	if manifest.Failed != 1 {
		t.Fatalf("second pass manifest = %+v", manifest)
	}
	manifest, _ = env.pipe.IndexDirectory(ctx, env.root, true, false)
	if manifest.Parked != 1 {
		t.Fatalf("third pass manifest = %+v", manifest)
	}
	failuresSoFar := env.extractor.calls[bad]
	if failuresSoFar != 2 {
		t.Errorf("extraction attempts = %d, want 2 before parking", failuresSoFar)
	}

	// An explicit request bypasses the parking.
	env.extractor.fail[bad] = false
	outcome, err := env.pipe.IndexFile(ctx, bad)
	if err != nil {
		t.Fatalf("IndexFile() error = %v", err)
	}
	if outcome != OutcomeIndexed {
		t.Errorf("outcome = %q, want indexed after explicit retry", outcome)
	}
}

func TestIndexDirectoryManifest(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "a.txt", "alpha")
	env.writeFile(t, "sub/b.txt", "beta")
	env.writeFile(t, ".hidden/c.txt", "skipped")
	ctx := context.Background()

	manifest, err := env.pipe.IndexDirectory(ctx, env.root, true, false)
	if err != nil {
		t.Fatalf("IndexDirectory() error = %v", err)
	}
	if manifest.Total != 2 {
		t.Errorf("Total = %d, want 2 (hidden excluded)", manifest.Total)
	}
	if manifest.Indexed != 2 {
		t.Errorf("Indexed = %d", manifest.Indexed)
	}
	if len(manifest.Files) != 2 {
		t.Errorf("Files = %+v", manifest.Files)
	}
}

func TestIndexDirectoryBadRoot(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.pipe.IndexDirectory(context.Background(), "/does/not/exist", true, false)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errdefs.IsType(err, errdefs.ErrTypeUnsupportedPath) {
		t.Errorf("error = %v, want unsupported path", err)
	}
}

func TestPurgeDeleted(t *testing.T) {
	env := newTestEnv(t)
	path := env.writeFile(t, "doc.txt", "content")
	ctx := context.Background()

	env.pipe.IndexFile(ctx, path)
	env.pipe.RemoveFile(path)

	n, err := env.pipe.PurgeDeleted()
	if err != nil {
		t.Fatalf("PurgeDeleted() error = %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}

	if doc, _ := env.store.Get(path); doc != nil {
		t.Error("document should be gone after purge")
	}
	if _, found, _ := env.meta.Get(path); found {
		t.Error("meta entry should be gone after purge")
	}
}

func TestGetStats(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "a.txt", "alpha")
	env.writeFile(t, "b.go", "package b")
	ctx := context.Background()

	if _, err := env.pipe.IndexDirectory(ctx, env.root, true, false); err != nil {
		t.Fatalf("IndexDirectory() error = %v", err)
	}

	when := time.Now().Truncate(time.Second)
	env.pipe.RecordReconcile(when)

	stats, err := env.pipe.GetStats()
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.TotalDocuments != 2 {
		t.Errorf("TotalDocuments = %d", stats.TotalDocuments)
	}
	if stats.ByStatus[index.StatusFresh] != 2 {
		t.Errorf("ByStatus = %v", stats.ByStatus)
	}
	if stats.ByType["document"] != 1 || stats.ByType["code"] != 1 {
		t.Errorf("ByType = %v", stats.ByType)
	}
	if !stats.LastReconciledAt.Equal(when) {
		t.Errorf("LastReconciledAt = %v, want %v", stats.LastReconciledAt, when)
	}
}
