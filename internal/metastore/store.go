// Package metastore keeps per-path document bookkeeping in bbolt: content
// hash and timestamps for change detection, lifecycle status, extraction
// failure counts, and the optional embedding vector. It is the source of
// truth for incremental re-indexing decisions and index statistics.
package metastore

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	docsBucket  = []byte("docs")
	stateBucket = []byte("state")
)

type Store struct {
	db *bolt.DB
}

type DocMeta struct {
	Hash      string    `json:"hash"`
	ModTime   time.Time `json:"mtime"`
	Size      int64     `json:"size"`
	FileType  string    `json:"file_type"`
	Status    string    `json:"status"`
	FailCount int       `json:"fail_count,omitempty"`
	IndexedAt time.Time `json:"indexed_at"`
	Embedding []float32 `json:"embedding,omitempty"`
}

func Open(indexPath string) (*Store, error) {
	dir := filepath.Dir(indexPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dir, "meta.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(docsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Put(path string, meta DocMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(docsBucket).Put([]byte(path), data)
	})
}

func (s *Store) Get(path string) (DocMeta, bool, error) {
	var meta DocMeta
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(docsBucket).Get([]byte(path))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &meta)
	})

	return meta, found, err
}

func (s *Store) Delete(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(docsBucket).Delete([]byte(path))
	})
}

func (s *Store) ForEach(fn func(path string, meta DocMeta) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(docsBucket).ForEach(func(k, v []byte) error {
			var meta DocMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			return fn(string(k), meta)
		})
	})
}

func (s *Store) ForEachPrefix(prefix string, fn func(path string, meta DocMeta) error) error {
	pfx := []byte(prefix)
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(docsBucket).Cursor()
		for k, v := c.Seek(pfx); k != nil && bytes.HasPrefix(k, pfx); k, v = c.Next() {
			var meta DocMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			if err := fn(string(k), meta); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Count() (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(docsBucket).Stats().KeyN
		return nil
	})
	return count, err
}

// SetTime records a named timestamp (e.g. the last reconcile pass).
func (s *Store) SetTime(key string, t time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put([]byte(key), []byte(t.Format(time.RFC3339Nano)))
	})
}

func (s *Store) GetTime(key string) (time.Time, error) {
	var t time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(stateBucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, string(v))
		if err != nil {
			return err
		}
		t = parsed
		return nil
	})
	return t, err
}

func (s *Store) Close() error {
	return s.db.Close()
}
