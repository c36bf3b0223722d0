package layout

import (
	"github.com/cuemby/dsengine/pkg/kv"
	"github.com/cuemby/dsengine/pkg/lts"
	"github.com/cuemby/dsengine/pkg/types"
)

// kvOp is one put or delete against a named column family, accumulated by
// PrepareBatch and applied atomically by CommitBatch.
type kvOp struct {
	cf     string
	key    []byte
	value  []byte
	delete bool
}

// PreparedBatch is the result of Layout.PrepareBatch: the KV-level puts and
// deletes a store_batch call requires, plus any new LTS trie nodes it
// allocated, computed against committed state but not yet written
// anywhere. It is safe to discard without side effects — the crash-
// consistency guarantee of spec §4.1's two-phase trie mutation.
type PreparedBatch struct {
	ops     []kvOp
	pending *lts.PendingOps // nil for layouts without a trie (Reference)
}

// Entry is one message yielded by an Iterator, paired with the resumable
// position a caller can later pass to update_iterator.
type Entry struct {
	Key     types.MessageKey
	Message types.Message
}

// StreamDescriptor is the layout-specific part of a stream. The DS facade
// wraps it in a ds.Stream together with the shard, the generation and a
// Rank whose X is the shard index and Y the generation id, since a layout
// has no notion of "which shard" it belongs to.
type StreamDescriptor struct {
	Static  lts.StaticKey // zero value for Reference
	Varying []lts.FilterConstraint
}

// Iterator is a resumable cursor over one stream (spec §3, §4.2 read path).
type Iterator interface {
	// Next returns up to batchSize entries with timestamp in (lastSeen, tMax].
	// currentGen tells the layout whether an empty result means "no more
	// right now" (true, I4) or end_of_stream (false, generation closed
	// or dropped).
	Next(batchSize int, tMax int64, currentGen bool) ([]Entry, bool, error)
	// Seek rebinds the iterator to resume just after key, validating that
	// key belongs to this iterator's shape (update_iterator, spec §4.6).
	Seek(key types.MessageKey) error
	Close() error
}

// DeleteSelector decides whether a candidate message should be removed.
type DeleteSelector func(*types.Message) bool

// DeleteIterator walks the same key family as Iterator but removes
// matching entries instead of yielding them.
type DeleteIterator interface {
	DeleteNext(selector DeleteSelector, batchSize int, tMax int64, currentGen bool) (deleted int, endOfStream bool, err error)
	Close() error
}

// Layout is the pluggable storage implementation bound to one generation's
// column families (spec §9: "capability object... StorageLayout").
type Layout interface {
	Kind() types.LayoutKind

	// Create allocates this generation's column families in store.
	Create(store *kv.Store) error
	// Drop removes this generation's column families. Tolerant of
	// "already dropped" (spec §4.4): callers treat dserr.NotFound as success.
	Drop(store *kv.Store) error

	// PrepareBatch computes the KV ops and any new trie nodes a batch
	// requires, against committed state, without mutating it. It may read
	// store (e.g. to resolve a delete matcher's existing keys); the shard
	// holds its mutex across PrepareBatch and CommitBatch, so no other
	// store_batch on that shard can invalidate that read before CommitBatch runs.
	PrepareBatch(store *kv.Store, batch types.Batch) (*PreparedBatch, error)
	// CommitBatch writes prepared's ops in one atomic KV batch and, only
	// on success, merges its trie ops into the live trie.
	CommitBatch(store *kv.Store, durable bool, prepared *PreparedBatch) error

	// GetStreams enumerates the static shapes compatible with topicFilter
	// that this generation has learned.
	GetStreams(topicFilter string) ([]StreamDescriptor, error)
	// MakeIterator opens a read iterator over one stream from startTimeUs.
	MakeIterator(store *kv.Store, desc StreamDescriptor, topicFilter string, startTimeUs int64) (Iterator, error)

	// GetDeleteStreams/MakeDeleteIterator mirror the read path for deletes.
	GetDeleteStreams(topicFilter string) ([]StreamDescriptor, error)
	MakeDeleteIterator(store *kv.Store, desc StreamDescriptor, topicFilter string, startTimeUs int64) (DeleteIterator, error)

	// LookupMessage resolves a previously-issued MessageKey back to its
	// message, used by precondition evaluation and by admin tooling.
	LookupMessage(store *kv.Store, key types.MessageKey) (*types.Message, bool, error)

	// SupportsPreconditions reports whether if_exists/unless_exists
	// preconditions are honored by this layout (spec §9 open question).
	SupportsPreconditions() bool
	// Exists evaluates a precondition matcher against committed state.
	Exists(store *kv.Store, matcher types.Matcher) (bool, error)

	// InheritFrom bulk-loads a predecessor generation's LTS trie into both
	// this generation's in-memory trie and its trie column family, when
	// both generations share a layout kind (spec §4.4, I6). A no-op for
	// layouts without a trie.
	InheritFrom(store *kv.Store, prev Layout) error

	// Dump returns this generation's trie edges for inheritance into a
	// successor generation. Nil for layouts without a trie.
	Dump() []lts.PersistOp
}
