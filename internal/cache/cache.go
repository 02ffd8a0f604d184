// Package cache is the offline cache: a TTL/size-bounded bbolt store of
// per-file content, metadata, and analysis results, plus cached search
// results. Reads never touch the network or the extractor, so queries and
// file details can be answered while the index or analysis backend is
// unreachable.
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/AvengeMedia/dankindex/internal/errdefs"
	"github.com/AvengeMedia/dankindex/internal/log"
	bolt "go.etcd.io/bbolt"
)

var (
	filesBucket    = []byte("files")
	searchesBucket = []byte("searches")
)

type Entry struct {
	Path        string            `json:"path"`
	Content     string            `json:"content,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Analysis    json.RawMessage   `json:"analysis,omitempty"`
	CachedAt    time.Time         `json:"cached_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	AccessedAt  time.Time         `json:"accessed_at"`
	AccessCount int               `json:"access_count"`
}

type searchEntry struct {
	Query     string          `json:"query"`
	Results   json.RawMessage `json:"results"`
	CachedAt  time.Time       `json:"cached_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type Cache struct {
	db       *bolt.DB
	ttl      time.Duration
	maxBytes int64

	hits   atomic.Int64
	misses atomic.Int64

	cleanupStop chan struct{}
}

func Open(path string, ttl time.Duration, maxBytes int64) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(filesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(searchesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Cache{db: db, ttl: ttl, maxBytes: maxBytes}, nil
}

// StartCleanupLoop runs Cleanup every interval until the cache is closed.
// Eviction also happens opportunistically when an insert pushes the cache
// over its size bound; the loop covers expiry of entries that are never
// touched again.
func (c *Cache) StartCleanupLoop(interval time.Duration) {
	if interval <= 0 || c.cleanupStop != nil {
		return
	}
	stop := make(chan struct{})
	c.cleanupStop = stop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.Cleanup(); err != nil {
					log.Warnf("scheduled cache cleanup: %v", err)
				}
			}
		}
	}()
}

// CacheFile upserts an entry for path. An entry that alone exceeds the
// configured size bound is rejected with a capacity error rather than
// force-inserted.
func (c *Cache) CacheFile(path, content string, metadata map[string]string, analysis any) error {
	now := time.Now()
	entry := Entry{
		Path:       path,
		Content:    content,
		Metadata:   metadata,
		CachedAt:   now,
		ExpiresAt:  now.Add(c.ttl),
		AccessedAt: now,
	}

	if analysis != nil {
		raw, err := json.Marshal(analysis)
		if err != nil {
			return err
		}
		entry.Analysis = raw
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if int64(len(data)) > c.maxBytes {
		return errdefs.NewCustomError(errdefs.ErrTypeCapacity, path, nil)
	}

	err = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).Put([]byte(path), data)
	})
	if err != nil {
		return err
	}

	total, err := c.totalSize()
	if err == nil && total > c.maxBytes {
		return c.Cleanup()
	}
	return nil
}

// Get returns the cached entry for path, or nil on a miss. Expired entries
// count as misses. Never blocks on network or extraction.
func (c *Cache) Get(path string) (*Entry, error) {
	var entry *Entry

	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(filesBucket)
		v := b.Get([]byte(path))
		if v == nil {
			return nil
		}

		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		if time.Now().After(e.ExpiresAt) {
			return b.Delete([]byte(path))
		}

		e.AccessedAt = time.Now()
		e.AccessCount++
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(path), data); err != nil {
			return err
		}

		entry = &e
		return nil
	})
	if err != nil {
		return nil, err
	}

	if entry == nil {
		c.misses.Add(1)
	} else {
		c.hits.Add(1)
	}
	return entry, nil
}

// Delete drops the entry for path; used for tombstone propagation when a
// document is removed.
func (c *Cache) Delete(path string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).Delete([]byte(path))
	})
}

// ForEach visits every live (non-expired) file entry.
func (c *Cache) ForEach(fn func(e *Entry) error) error {
	now := time.Now()
	return c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if now.After(e.ExpiresAt) {
				return nil
			}
			return fn(&e)
		})
	})
}

// Cleanup evicts expired entries first, then least-recently-used entries
// until total cached bytes are within the configured bound.
func (c *Cache) Cleanup() error {
	type sized struct {
		key        []byte
		size       int64
		accessedAt time.Time
	}

	now := time.Now()
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(filesBucket)

		var live []sized
		var expired [][]byte
		var total int64

		err := b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if now.After(e.ExpiresAt) {
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}
			live = append(live, sized{
				key:        append([]byte(nil), k...),
				size:       int64(len(v)),
				accessedAt: e.AccessedAt,
			})
			total += int64(len(v))
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		if total <= c.maxBytes {
			return c.cleanupSearches(tx, now)
		}

		// Oldest access first.
		sort.Slice(live, func(i, j int) bool {
			return live[i].accessedAt.Before(live[j].accessedAt)
		})

		evicted := 0
		for _, entry := range live {
			if total <= c.maxBytes {
				break
			}
			if err := b.Delete(entry.key); err != nil {
				return err
			}
			total -= entry.size
			evicted++
		}

		if evicted > 0 {
			log.Debugf("cache cleanup evicted %d entries", evicted)
		}
		return c.cleanupSearches(tx, now)
	})
}

func (c *Cache) cleanupSearches(tx *bolt.Tx, now time.Time) error {
	b := tx.Bucket(searchesBucket)

	var stale [][]byte
	err := b.ForEach(func(k, v []byte) error {
		var e searchEntry
		if err := json.Unmarshal(v, &e); err != nil || now.After(e.ExpiresAt) {
			stale = append(stale, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) totalSize() (int64, error) {
	var total int64
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).ForEach(func(k, v []byte) error {
			total += int64(len(v))
			return nil
		})
	})
	return total, err
}

// Stats reports hit/miss counters and current cache size.
func (c *Cache) Stats() (hits, misses, sizeBytes int64) {
	size, _ := c.totalSize()
	return c.hits.Load(), c.misses.Load(), size
}

func (c *Cache) Close() error {
	if c.cleanupStop != nil {
		close(c.cleanupStop)
		c.cleanupStop = nil
	}
	return c.db.Close()
}
