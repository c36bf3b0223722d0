package kv

import (
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/dsengine/pkg/dserr"
)

// Batch accumulates puts and deletes across any number of column
// families and applies them atomically on Commit (spec §4: "prepare_batch
// then commit_batch"; §7: "every logical write is a single atomic KV
// batch"). A Batch wraps exactly one bbolt write transaction.
type Batch struct {
	store   *Store
	tx      *bolt.Tx
	durable bool
	done    bool
}

// NewBatch begins a new atomic write batch. When durable is false, the
// underlying database's fsync is skipped for the duration of the batch
// (spec §4.5: "durable=false disables WAL for that batch"). NoSync is a
// Store-wide setting; pkg/shard holds its mutex across each store_batch
// (spec §5), so no other store_batch on the same shard is in flight while
// it is toggled.
func (s *Store) NewBatch(durable bool) (*Batch, error) {
	tx, err := s.db.Begin(true)
	if err != nil {
		return nil, dserr.Recoverablef("kv.NewBatch", err)
	}
	if !durable {
		s.db.NoSync = true
	}
	return &Batch{store: s, tx: tx, durable: durable}, nil
}

// Put stages a key/value write into the named column family.
func (b *Batch) Put(cf string, key, value []byte) error {
	bkt, err := b.bucket(cf)
	if err != nil {
		return err
	}
	if err := bkt.Put(key, value); err != nil {
		return dserr.Unrecoverablef("kv.Batch.Put", err)
	}
	return nil
}

// Delete stages a key deletion in the named column family. Deleting a
// key that does not exist is a no-op, matching bbolt semantics.
func (b *Batch) Delete(cf string, key []byte) error {
	bkt, err := b.bucket(cf)
	if err != nil {
		return err
	}
	if err := bkt.Delete(key); err != nil {
		return dserr.Unrecoverablef("kv.Batch.Delete", err)
	}
	return nil
}

func (b *Batch) bucket(cf string) (*bolt.Bucket, error) {
	bkt := b.tx.Bucket([]byte(cf))
	if bkt == nil {
		var err error
		bkt, err = b.tx.CreateBucketIfNotExists([]byte(cf))
		if err != nil {
			return nil, dserr.Unrecoverablef("kv.Batch.bucket", err)
		}
	}
	return bkt, nil
}

// Commit applies every staged operation atomically. Either every put and
// delete in the batch becomes visible, or — on any error — none does
// (spec P1).
func (b *Batch) Commit() error {
	if b.done {
		return nil
	}
	b.done = true
	err := b.tx.Commit()
	if !b.durable {
		b.store.db.NoSync = false
	}
	if err != nil {
		return dserr.Recoverablef("kv.Batch.Commit", err)
	}
	return nil
}

// Rollback discards every staged operation. Safe to call after Commit
// (no-op) and safe to call multiple times.
func (b *Batch) Rollback() error {
	if b.done {
		return nil
	}
	b.done = true
	err := b.tx.Rollback()
	if !b.durable {
		b.store.db.NoSync = false
	}
	if err != nil && err != bolt.ErrTxClosed {
		return dserr.Recoverablef("kv.Batch.Rollback", err)
	}
	return nil
}
