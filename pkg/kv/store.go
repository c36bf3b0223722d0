package kv

import (
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/dsengine/pkg/dserr"
)

// Store wraps one embedded, ordered KV database — one per shard — and
// exposes column-family (bucket) lifecycle, atomic batches, point gets,
// and bounded iterators.
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens (creating if necessary) the KV file at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, dserr.Unrecoverablef("kv.Open mkdir", err)
		}
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, dserr.Recoverablef("kv.Open", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return dserr.Recoverablef("kv.Close", err)
	}
	return nil
}

// Path returns the filesystem path backing this store.
func (s *Store) Path() string { return s.path }

// CreateCF creates a column family (bucket) if it does not already exist.
func (s *Store) CreateCF(name string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return dserr.Unrecoverablef(fmt.Sprintf("kv.CreateCF(%s)", name), err)
	}
	return nil
}

// DropCF deletes a column family and all of its keys. Dropping a column
// family that does not exist returns an error of kind NotFound
// (dserr.IsNotFound), distinct from the Unrecoverable error returned for
// any other failure.
func (s *Store) DropCF(name string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.DeleteBucket([]byte(name))
	})
	if err == bolt.ErrBucketNotFound {
		return dserr.NotFoundf(fmt.Sprintf("kv.DropCF(%s)", name), err)
	}
	if err != nil {
		return dserr.Unrecoverablef(fmt.Sprintf("kv.DropCF(%s)", name), err)
	}
	return nil
}

// HasCF reports whether a column family currently exists.
func (s *Store) HasCF(name string) bool {
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket([]byte(name)) != nil
		return nil
	})
	return found
}

// Get performs a point lookup. A missing key or column family yields
// (nil, false, nil) — not an error, per spec §7's "not-found" taxonomy.
func (s *Store) Get(cf string, key []byte) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cf))
		if b == nil {
			return nil
		}
		v := b.Get(key)
		if v == nil {
			return nil
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, dserr.Recoverablef("kv.Get", err)
	}
	return out, out != nil, nil
}

// ForEach iterates every key/value pair in a column family in key order.
// Used for full restores (e.g. trie_dump / trie_restore, spec §4.1).
func (s *Store) ForEach(cf string, fn func(k, v []byte) error) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cf))
		if b == nil {
			return nil
		}
		return b.ForEach(fn)
	})
	if err != nil {
		return dserr.Recoverablef("kv.ForEach", err)
	}
	return nil
}
