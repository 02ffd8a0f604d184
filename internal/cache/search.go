package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

func searchKey(query string) []byte {
	sum := sha256.Sum256([]byte(query))
	return []byte(hex.EncodeToString(sum[:]))
}

// PutSearch caches serialized search results under a hash of the query so
// repeated queries can be answered offline.
func (c *Cache) PutSearch(query string, results any) error {
	raw, err := json.Marshal(results)
	if err != nil {
		return err
	}

	now := time.Now()
	entry := searchEntry{
		Query:     query,
		Results:   raw,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(searchesBucket).Put(searchKey(query), data)
	})
}

// GetSearch unmarshals cached results for the query into out. Returns
// false on a miss or when the entry has expired.
func (c *Cache) GetSearch(query string, out any) (bool, error) {
	var found bool

	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(searchesBucket).Get(searchKey(query))
		if v == nil {
			return nil
		}

		var e searchEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		if time.Now().After(e.ExpiresAt) {
			return nil
		}

		found = true
		return json.Unmarshal(e.Results, out)
	})

	return found, err
}
