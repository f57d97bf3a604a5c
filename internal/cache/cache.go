// Package cache provides optional caching of decoded source trees using NutsDB.
package cache

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nutsdb/nutsdb"

	"github.com/radryc/treefs/internal/model"
)

const treeBucket = "tree_cache"

// DefaultTreeTTL is the default time-to-live for cached tree listings.
const DefaultTreeTTL = 10 * time.Minute

// ErrMiss is returned when a tree is not cached.
var ErrMiss = errors.New("cache miss")

// Cache keeps decoded trees keyed by tree hash. Trees are immutable, so the
// TTL only bounds how long unused listings occupy disk.
type Cache struct {
	db     *nutsdb.DB
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a new cache instance at the specified directory. A zero ttl
// selects DefaultTreeTTL.
func New(dir string, ttl time.Duration, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cache")
	if ttl <= 0 {
		ttl = DefaultTreeTTL
	}

	db, err := nutsdb.Open(
		nutsdb.DefaultOptions,
		nutsdb.WithDir(dir),
		nutsdb.WithSegmentSize(64*1024*1024), // 64MB segments
		nutsdb.WithEntryIdxMode(nutsdb.HintKeyAndRAMIdxMode),
		nutsdb.WithRWMode(nutsdb.MMap),
	)
	if err != nil {
		logger.Error("failed to open cache database", "dir", dir, "error", err)
		return nil, err
	}

	err = db.Update(func(tx *nutsdb.Tx) error {
		if err := tx.NewBucket(nutsdb.DataStructureBTree, treeBucket); err != nil && err != nutsdb.ErrBucketAlreadyExist {
			return err
		}
		return nil
	})
	if err != nil {
		logger.Error("failed to create cache bucket", "error", err)
		db.Close()
		return nil, err
	}

	logger.Info("cache initialized", "dir", dir, "ttl", ttl)
	return &Cache{db: db, ttl: ttl, logger: logger}, nil
}

// GetTree retrieves a cached tree. It returns ErrMiss when absent or expired.
func (c *Cache) GetTree(h model.Hash) (*model.Tree, error) {
	var tree model.Tree
	err := c.db.View(func(tx *nutsdb.Tx) error {
		val, err := tx.Get(treeBucket, h[:])
		if err != nil {
			return err
		}
		return json.Unmarshal(val, &tree)
	})
	if err != nil {
		if errors.Is(err, nutsdb.ErrKeyNotFound) || errors.Is(err, nutsdb.ErrNotFoundKey) {
			return nil, ErrMiss
		}
		return nil, err
	}
	c.logger.Debug("cache hit", "tree", h.String(), "entries", len(tree.Entries))
	return &tree, nil
}

// PutTree stores a tree with the cache TTL.
func (c *Cache) PutTree(tree *model.Tree) error {
	ttlSec := uint32(c.ttl.Seconds())
	err := c.db.Update(func(tx *nutsdb.Tx) error {
		data, err := json.Marshal(tree)
		if err != nil {
			return err
		}
		return tx.Put(treeBucket, tree.Hash[:], data, ttlSec)
	})
	if err != nil {
		c.logger.Warn("failed to cache tree", "tree", tree.Hash.String(), "error", err)
		return err
	}
	c.logger.Debug("cached tree", "tree", tree.Hash.String(), "entries", len(tree.Entries), "ttl", ttlSec)
	return nil
}

// Invalidate removes a tree from the cache.
func (c *Cache) Invalidate(h model.Hash) {
	c.db.Update(func(tx *nutsdb.Tx) error {
		tx.Delete(treeBucket, h[:])
		return nil
	})
	c.logger.Debug("invalidated cache", "tree", h.String())
}

// Close closes the cache database.
func (c *Cache) Close() error {
	c.logger.Info("closing cache")
	return c.db.Close()
}
