package kv

import (
	"bytes"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/dsengine/pkg/dserr"
)

// Iterator is a bounded forward cursor over one column family, bracketed
// by an optional lower and upper bound (spec §4.2: "Key ranges are
// bracketed with iterate_lower_bound and iterate_upper_bound so no
// cursor can cross into a neighbouring static shape"). The upper bound
// is exclusive.
//
// An Iterator owns a read-only transaction for its entire lifetime; the
// caller must call Close to release it. Key/Value byte slices are only
// valid until the next call on the iterator or until Close.
type Iterator struct {
	tx     *bolt.Tx
	cur    *bolt.Cursor
	lower  []byte
	upper  []byte
	k, v   []byte
	valid  bool
	closed bool
}

// NewIterator opens a bounded iterator over cf. lowerBound/upperBound may
// be nil to mean "unbounded" on that side.
func (s *Store) NewIterator(cf string, lowerBound, upperBound []byte) (*Iterator, error) {
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, dserr.Recoverablef("kv.NewIterator", err)
	}
	bkt := tx.Bucket([]byte(cf))
	if bkt == nil {
		_ = tx.Rollback()
		return nil, dserr.NotFoundf("kv.NewIterator", bolt.ErrBucketNotFound)
	}
	return &Iterator{
		tx:    tx,
		cur:   bkt.Cursor(),
		lower: lowerBound,
		upper: upperBound,
	}, nil
}

// SeekGE positions the iterator at the first key >= key (and within
// bounds), returning whether a valid entry was found.
func (it *Iterator) SeekGE(key []byte) bool {
	seekAt := key
	if it.lower != nil && bytes.Compare(seekAt, it.lower) < 0 {
		seekAt = it.lower
	}
	k, v := it.cur.Seek(seekAt)
	return it.setPos(k, v)
}

// First positions the iterator at its lower bound (or the very first key
// in the column family if unbounded).
func (it *Iterator) First() bool {
	var k, v []byte
	if it.lower != nil {
		k, v = it.cur.Seek(it.lower)
	} else {
		k, v = it.cur.First()
	}
	return it.setPos(k, v)
}

// Next advances the iterator, returning whether a valid next entry exists.
func (it *Iterator) Next() bool {
	k, v := it.cur.Next()
	return it.setPos(k, v)
}

func (it *Iterator) setPos(k, v []byte) bool {
	if k == nil || (it.upper != nil && bytes.Compare(k, it.upper) >= 0) {
		it.valid = false
		it.k, it.v = nil, nil
		return false
	}
	it.valid = true
	it.k, it.v = k, v
	return true
}

// Valid reports whether the iterator currently points at an in-range entry.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the current key. Only valid until the next call or Close.
func (it *Iterator) Key() []byte { return it.k }

// Value returns the current value. Only valid until the next call or Close.
func (it *Iterator) Value() []byte { return it.v }

// Close releases the iterator's read transaction. Safe to call multiple
// times and safe to call at any point (success, error, or cancellation
// per spec §5).
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	if err := it.tx.Rollback(); err != nil && err != bolt.ErrTxClosed {
		return dserr.Recoverablef("kv.Iterator.Close", err)
	}
	return nil
}
