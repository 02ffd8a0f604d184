// Package index wraps the bleve full-text index holding one document per
// known file. Upserts are atomic per document; deletion is a tombstone
// (status flip) so removals can propagate to the offline cache before the
// document is physically purged.
package index

import (
	"sync"
	"time"

	"github.com/AvengeMedia/dankindex/internal/errdefs"
	"github.com/AvengeMedia/dankindex/internal/log"
	bleve "github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
)

// Document lifecycle states.
const (
	StatusFresh   = "fresh"
	StatusStale   = "stale"
	StatusPending = "pending"
	StatusDeleted = "deleted"
)

type Document struct {
	Path        string    `json:"path"`
	Name        string    `json:"name"`
	Body        string    `json:"body"`
	ContentHash string    `json:"content_hash"`
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"mtime"`
	CreatedAt   time.Time `json:"ctime"`
	Tags        []string  `json:"tags"`
	Category    string    `json:"category"`
	FileType    string    `json:"file_type"`
	IndexedAt   time.Time `json:"indexed_at"`
	Status      string    `json:"status"`
}

type Store struct {
	index bleve.Index
	mu    sync.RWMutex
}

func Open(path string) (*Store, error) {
	idx, err := openOrCreateIndex(path)
	if err != nil {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeIndexingFailed, "failed to open index", err)
	}

	s := &Store{index: idx}

	count, err := idx.DocCount()
	if err == nil && count > 0 {
		log.Infof("loaded existing index with %d documents", count)
	}

	return s, nil
}

func openOrCreateIndex(path string) (bleve.Index, error) {
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		mapping := buildIndexMapping()
		idx, err = bleve.NewUsing(path, mapping, "scorch", "scorch", nil)
		if err != nil {
			return nil, err
		}
		log.Infof("created new index at %s", path)
		return idx, nil
	}
	if err != nil {
		return nil, err
	}
	log.Infof("opened existing index at %s", path)
	return idx, nil
}

func buildIndexMapping() mapping.IndexMapping {
	m := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	keyword := func(store bool) *mapping.FieldMapping {
		f := bleve.NewTextFieldMapping()
		f.Analyzer = "keyword"
		f.Store = store
		return f
	}

	docMapping.AddFieldMappingsAt("path", keyword(true))

	nameField := keyword(true)
	nameField.IncludeTermVectors = true
	docMapping.AddFieldMappingsAt("name", nameField)

	bodyField := bleve.NewTextFieldMapping()
	bodyField.Store = true
	bodyField.IncludeTermVectors = true
	docMapping.AddFieldMappingsAt("body", bodyField)

	docMapping.AddFieldMappingsAt("content_hash", keyword(true))
	docMapping.AddFieldMappingsAt("tags", keyword(true))
	docMapping.AddFieldMappingsAt("category", keyword(true))
	docMapping.AddFieldMappingsAt("file_type", keyword(true))
	docMapping.AddFieldMappingsAt("status", keyword(true))

	mtimeField := bleve.NewDateTimeFieldMapping()
	mtimeField.Store = true
	docMapping.AddFieldMappingsAt("mtime", mtimeField)

	ctimeField := bleve.NewDateTimeFieldMapping()
	ctimeField.Store = true
	docMapping.AddFieldMappingsAt("ctime", ctimeField)

	indexedField := bleve.NewDateTimeFieldMapping()
	indexedField.Store = true
	docMapping.AddFieldMappingsAt("indexed_at", indexedField)

	sizeField := bleve.NewNumericFieldMapping()
	sizeField.Store = true
	docMapping.AddFieldMappingsAt("size", sizeField)

	m.DefaultMapping = docMapping
	return m
}

// Upsert writes the whole document atomically.
func (s *Store) Upsert(doc *Document) error {
	s.mu.Lock()
	err := s.index.Index(doc.Path, doc)
	s.mu.Unlock()

	if err != nil {
		return errdefs.NewCustomError(errdefs.ErrTypeIndexingFailed, doc.Path, err)
	}

	log.Debugf("indexed %s", doc.Path)
	return nil
}

// MarkDeleted tombstones the document: it stays in the index with status
// "deleted" (excluded from search) until Purge. Unknown paths are a no-op.
func (s *Store) MarkDeleted(path string) error {
	doc, err := s.Get(path)
	if err != nil {
		return err
	}
	if doc == nil {
		return nil
	}

	doc.Status = StatusDeleted
	doc.IndexedAt = time.Now()
	return s.Upsert(doc)
}

// Purge physically removes the document.
func (s *Store) Purge(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.index.Delete(path); err != nil {
		return errdefs.NewCustomError(errdefs.ErrTypeIndexingFailed, "delete failed", err)
	}

	log.Debugf("purged %s from index", path)
	return nil
}

// Get fetches a single document's stored fields by path. Returns nil when
// the path is not indexed.
func (s *Store) Get(path string) (*Document, error) {
	req := bleve.NewSearchRequest(bleve.NewDocIDQuery([]string{path}))
	req.Fields = []string{"*"}

	result, err := s.Search(req)
	if err != nil {
		return nil, err
	}
	if len(result.Hits) == 0 {
		return nil, nil
	}

	return DocumentFromFields(result.Hits[0].ID, result.Hits[0].Fields), nil
}

// KnownPaths lists indexed, non-tombstoned paths under the given prefix.
func (s *Store) KnownPaths(prefix string) ([]string, error) {
	s.mu.RLock()
	count, err := s.index.DocCount()
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	pq := bleve.NewPrefixQuery(prefix)
	pq.SetField("path")

	req := bleve.NewSearchRequest(pq)
	req.Size = int(count)
	req.Fields = []string{"status"}

	result, err := s.Search(req)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		if status, ok := hit.Fields["status"].(string); ok && status == StatusDeleted {
			continue
		}
		paths = append(paths, hit.ID)
	}
	return paths, nil
}

// Search executes a prepared request. Query construction lives with the
// query engine; this is the single synchronized entry point.
func (s *Store) Search(req *bleve.SearchRequest) (*bleve.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result, err := s.index.Search(req)
	if err != nil {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeSearchFailed, "search failed", err)
	}
	return result, nil
}

func (s *Store) DocCount() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.DocCount()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Close()
}

// DocumentFromFields rebuilds a Document from bleve stored fields.
func DocumentFromFields(id string, fields map[string]interface{}) *Document {
	doc := &Document{Path: id}

	if v, ok := fields["name"].(string); ok {
		doc.Name = v
	}
	if v, ok := fields["body"].(string); ok {
		doc.Body = v
	}
	if v, ok := fields["content_hash"].(string); ok {
		doc.ContentHash = v
	}
	if v, ok := fields["category"].(string); ok {
		doc.Category = v
	}
	if v, ok := fields["file_type"].(string); ok {
		doc.FileType = v
	}
	if v, ok := fields["status"].(string); ok {
		doc.Status = v
	}
	if v, ok := fields["size"].(float64); ok {
		doc.Size = int64(v)
	}
	if v, ok := fields["mtime"].(string); ok {
		doc.ModTime, _ = time.Parse(time.RFC3339, v)
	}
	if v, ok := fields["ctime"].(string); ok {
		doc.CreatedAt, _ = time.Parse(time.RFC3339, v)
	}
	if v, ok := fields["indexed_at"].(string); ok {
		doc.IndexedAt, _ = time.Parse(time.RFC3339, v)
	}

	switch tags := fields["tags"].(type) {
	case string:
		if tags != "" {
			doc.Tags = []string{tags}
		}
	case []interface{}:
		for _, t := range tags {
			if s, ok := t.(string); ok {
				doc.Tags = append(doc.Tags, s)
			}
		}
	}

	return doc
}
