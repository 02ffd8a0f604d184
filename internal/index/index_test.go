package index

import (
	"path/filepath"
	"testing"
	"time"

	bleve "github.com/blevesearch/bleve/v2"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "index"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testDoc(path string) *Document {
	return &Document{
		Path:        path,
		Name:        filepath.Base(path),
		Body:        "hello world content",
		ContentHash: "abc123",
		Size:        19,
		ModTime:     time.Now(),
		Tags:        []string{"work", "notes"},
		Category:    "general",
		FileType:    "document",
		IndexedAt:   time.Now(),
		Status:      StatusFresh,
	}
}

func TestUpsertAndGet(t *testing.T) {
	s := testStore(t)
	doc := testDoc("/data/notes.txt")

	if err := s.Upsert(doc); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := s.Get("/data/notes.txt")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("expected document")
	}
	if got.Name != "notes.txt" {
		t.Errorf("Name = %q", got.Name)
	}
	if got.ContentHash != "abc123" {
		t.Errorf("ContentHash = %q", got.ContentHash)
	}
	if got.Status != StatusFresh {
		t.Errorf("Status = %q", got.Status)
	}
	if len(got.Tags) != 2 {
		t.Errorf("Tags = %v", got.Tags)
	}
}

func TestGetUnknownPath(t *testing.T) {
	s := testStore(t)

	got, err := s.Get("/nope")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for unknown path, got %+v", got)
	}
}

func TestUpsertReplacesDocument(t *testing.T) {
	s := testStore(t)
	doc := testDoc("/data/notes.txt")
	if err := s.Upsert(doc); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	doc.Body = "replaced content entirely"
	doc.ContentHash = "def456"
	if err := s.Upsert(doc); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	count, err := s.DocCount()
	if err != nil {
		t.Fatalf("DocCount() error = %v", err)
	}
	if count != 1 {
		t.Errorf("DocCount = %d, want 1", count)
	}

	got, _ := s.Get("/data/notes.txt")
	if got.ContentHash != "def456" {
		t.Errorf("ContentHash = %q, want replacement", got.ContentHash)
	}
}

func TestMarkDeletedTombstone(t *testing.T) {
	s := testStore(t)
	if err := s.Upsert(testDoc("/data/gone.txt")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if err := s.MarkDeleted("/data/gone.txt"); err != nil {
		t.Fatalf("MarkDeleted() error = %v", err)
	}

	// Tombstone still physically present.
	got, err := s.Get("/data/gone.txt")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || got.Status != StatusDeleted {
		t.Fatalf("expected tombstoned document, got %+v", got)
	}

	// But invisible to path listings.
	paths, err := s.KnownPaths("/data")
	if err != nil {
		t.Fatalf("KnownPaths() error = %v", err)
	}
	if len(paths) != 0 {
		t.Errorf("KnownPaths = %v, want empty", paths)
	}
}

func TestMarkDeletedUnknownPath(t *testing.T) {
	s := testStore(t)
	if err := s.MarkDeleted("/never/indexed"); err != nil {
		t.Errorf("MarkDeleted() on unknown path should be a no-op, got %v", err)
	}
}

func TestPurge(t *testing.T) {
	s := testStore(t)
	if err := s.Upsert(testDoc("/data/gone.txt")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := s.MarkDeleted("/data/gone.txt"); err != nil {
		t.Fatalf("MarkDeleted() error = %v", err)
	}

	if err := s.Purge("/data/gone.txt"); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}

	got, _ := s.Get("/data/gone.txt")
	if got != nil {
		t.Errorf("expected document gone after purge, got %+v", got)
	}
}

func TestKnownPathsPrefix(t *testing.T) {
	s := testStore(t)
	for _, p := range []string{"/a/one.txt", "/a/two.txt", "/b/three.txt"} {
		doc := testDoc(p)
		if err := s.Upsert(doc); err != nil {
			t.Fatalf("Upsert(%s) error = %v", p, err)
		}
	}

	paths, err := s.KnownPaths("/a")
	if err != nil {
		t.Fatalf("KnownPaths() error = %v", err)
	}
	if len(paths) != 2 {
		t.Errorf("KnownPaths(/a) = %v, want 2 entries", paths)
	}
}

func TestSearchBody(t *testing.T) {
	s := testStore(t)
	doc := testDoc("/data/unique.txt")
	doc.Body = "zanzibar expedition logbook"
	if err := s.Upsert(doc); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	q := bleve.NewMatchQuery("zanzibar")
	q.SetField("body")
	req := bleve.NewSearchRequest(q)

	result, err := s.Search(req)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if result.Total != 1 {
		t.Errorf("Total = %d, want 1", result.Total)
	}
}
