package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/parseltongue/parseltongue-go/internal/models"
	"github.com/parseltongue/parseltongue-go/internal/retrieval"
)

const contextBucket = "context_sets"

// Cache persists retrieval results keyed by store revision, seed set, and
// options. Any write to the store bumps the revision, so stale entries are
// simply never looked up again; Prune clears them out.
type Cache struct {
	db     *bolt.DB
	logger *logrus.Logger
}

// Open creates or opens the cache file at path.
func Open(path string, logger *logrus.Logger) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(contextBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize cache bucket: %w", err)
	}
	return &Cache{db: db, logger: logger}, nil
}

// Key derives the cache key for one retrieval request. Seeds are sorted so
// the key does not depend on argument order.
func Key(revision int64, seeds []string, opts retrieval.Options) string {
	sorted := make([]string, len(seeds))
	copy(sorted, seeds)
	sort.Strings(sorted)

	payload, _ := json.Marshal(struct {
		Revision int64             `json:"revision"`
		Seeds    []string          `json:"seeds"`
		Options  retrieval.Options `json:"options"`
	}{revision, sorted, opts})

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Get returns the cached context set for key, or (nil, false) on a miss.
func (c *Cache) Get(key string) (*models.ContextSet, bool) {
	var data []byte
	c.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket([]byte(contextBucket)).Get([]byte(key)); raw != nil {
			data = make([]byte, len(raw))
			copy(data, raw)
		}
		return nil
	})
	if data == nil {
		return nil, false
	}

	var cs models.ContextSet
	if err := json.Unmarshal(data, &cs); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("Discarding undecodable cache entry")
		c.Delete(key)
		return nil, false
	}
	return &cs, true
}

// Put stores a context set under key.
func (c *Cache) Put(key string, cs *models.ContextSet) error {
	data, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("encode context set: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(contextBucket)).Put([]byte(key), data)
	})
}

// Delete removes one entry.
func (c *Cache) Delete(key string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(contextBucket)).Delete([]byte(key))
	})
}

// Prune drops every cached entry. Useful after bulk ingestion, where every
// prior revision's entries are dead weight.
func (c *Cache) Prune() (int, error) {
	removed := 0
	err := c.db.Update(func(tx *bolt.Tx) error {
		cur := tx.Bucket([]byte(contextBucket)).Cursor()
		for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
			if err := cur.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Close releases the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}
