package overlay

import (
	"errors"
	"fmt"

	"github.com/nutsdb/nutsdb"
)

const snapshotBucket = "dir_snapshots"

// NutsDBOptions tunes the nutsdb snapshot backend.
type NutsDBOptions struct {
	// SegmentSizeMB is the size of each data segment (default 64).
	SegmentSizeMB int64 `mapstructure:"segment_size_mb"`
}

// NutsDBStore persists snapshots in a nutsdb BTree bucket.
type NutsDBStore struct {
	db *nutsdb.DB
}

// OpenNutsDB opens or creates a nutsdb snapshot store in dir.
func OpenNutsDB(dir string, opts NutsDBOptions) (*NutsDBStore, error) {
	segment := opts.SegmentSizeMB
	if segment <= 0 {
		segment = 64
	}

	db, err := nutsdb.Open(
		nutsdb.DefaultOptions,
		nutsdb.WithDir(dir),
		nutsdb.WithSegmentSize(segment*1024*1024),
		nutsdb.WithEntryIdxMode(nutsdb.HintKeyAndRAMIdxMode),
		nutsdb.WithRWMode(nutsdb.MMap),
	)
	if err != nil {
		return nil, fmt.Errorf("open nutsdb at %s: %w", dir, err)
	}

	err = db.Update(func(tx *nutsdb.Tx) error {
		if err := tx.NewBucket(nutsdb.DataStructureBTree, snapshotBucket); err != nil && err != nutsdb.ErrBucketAlreadyExist {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot bucket: %w", err)
	}
	return &NutsDBStore{db: db}, nil
}

func (s *NutsDBStore) Put(key string, value []byte) error {
	return s.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Put(snapshotBucket, []byte(key), value, nutsdb.Persistent)
	})
}

func (s *NutsDBStore) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *nutsdb.Tx) error {
		val, err := tx.Get(snapshotBucket, []byte(key))
		if err != nil {
			return err
		}
		out = make([]byte, len(val))
		copy(out, val)
		return nil
	})
	if isNutsNotFound(err) {
		return nil, ErrNoSnapshot
	}
	return out, err
}

func (s *NutsDBStore) Delete(key string) error {
	err := s.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Delete(snapshotBucket, []byte(key))
	})
	if isNutsNotFound(err) {
		return nil
	}
	return err
}

func (s *NutsDBStore) Keys(prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *nutsdb.Tx) error {
		raw, _, err := tx.PrefixScanEntries(snapshotBucket, []byte(prefix), "", 0, -1, true, false)
		if err != nil && err != nutsdb.ErrBucketNotFound && err != nutsdb.ErrPrefixScan {
			return err
		}
		for _, k := range raw {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *NutsDBStore) Close() error {
	return s.db.Close()
}

func isNutsNotFound(err error) bool {
	return errors.Is(err, nutsdb.ErrKeyNotFound) ||
		errors.Is(err, nutsdb.ErrNotFoundKey) ||
		errors.Is(err, nutsdb.ErrBucketNotFound)
}
