package layout

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuemby/dsengine/pkg/dserr"
	"github.com/cuemby/dsengine/pkg/kv"
	"github.com/cuemby/dsengine/pkg/lts"
	"github.com/cuemby/dsengine/pkg/types"
)

// Reference is the single-CF, full-scan layout of spec §4.3: it exists to
// cross-check the production skipstream-LTS layout and for integration
// tests, not for production scale.
type Reference struct {
	gen types.GenID
	cf  string
}

// NewReference builds the Reference layout bound to generation gen.
func NewReference(gen types.GenID) *Reference {
	return &Reference{gen: gen, cf: fmt.Sprintf("data_%d", gen)}
}

func (r *Reference) Kind() types.LayoutKind { return types.LayoutReference }

func (r *Reference) Create(store *kv.Store) error {
	return store.CreateCF(r.cf)
}

func (r *Reference) Drop(store *kv.Store) error {
	return store.DropCF(r.cf)
}

// referenceKey is timestamp:64 (big-endian, for correct ordered scan)
// followed by the message's 16-byte GUID, so that two messages sharing a
// timestamp never collide.
func referenceKey(tsUs int64, id [16]byte) []byte {
	key := make([]byte, 24)
	binary.BigEndian.PutUint64(key[:8], uint64(tsUs))
	copy(key[8:], id[:])
	return key
}

func referenceKeyTimestamp(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[:8]))
}

func (r *Reference) PrepareBatch(store *kv.Store, batch types.Batch) (*PreparedBatch, error) {
	prepared := &PreparedBatch{}
	for _, op := range batch.Operations {
		if op.Precondition != nil {
			return nil, dserr.Unrecoverablef("layout.Reference.PrepareBatch", dserr.ErrPreconditionsUnsupported)
		}
		switch op.Kind {
		case types.OpStore:
			msg := op.Message
			var idBytes [16]byte
			copy(idBytes[:], msg.ID[:])
			value, err := json.Marshal(msg)
			if err != nil {
				return nil, dserr.Unrecoverablef("layout.Reference.PrepareBatch", err)
			}
			prepared.ops = append(prepared.ops, kvOp{cf: r.cf, key: referenceKey(msg.TimestampUs, idBytes), value: value})

		case types.OpDelete:
			matches, err := r.scanMatches(store, op.Matcher)
			if err != nil {
				return nil, err
			}
			for _, key := range matches {
				prepared.ops = append(prepared.ops, kvOp{cf: r.cf, key: key, delete: true})
			}
		}
	}
	return prepared, nil
}

func (r *Reference) scanMatches(store *kv.Store, matcher *types.Matcher) ([][]byte, error) {
	var keys [][]byte
	err := store.ForEach(r.cf, func(k, v []byte) error {
		if referenceKeyTimestamp(k) != matcher.TimestampUs {
			return nil
		}
		var msg types.Message
		if err := json.Unmarshal(v, &msg); err != nil {
			return dserr.Unrecoverablef("layout.Reference.scanMatches", err)
		}
		if matcher.Matches(&msg) {
			keys = append(keys, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		if dserr.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return keys, nil
}

func (r *Reference) CommitBatch(store *kv.Store, durable bool, prepared *PreparedBatch) error {
	b, err := store.NewBatch(durable)
	if err != nil {
		return err
	}
	for _, op := range prepared.ops {
		if op.delete {
			if err := b.Delete(op.cf, op.key); err != nil {
				_ = b.Rollback()
				return err
			}
			continue
		}
		if err := b.Put(op.cf, op.key, op.value); err != nil {
			_ = b.Rollback()
			return err
		}
	}
	return b.Commit()
}

func (r *Reference) GetStreams(topicFilter string) ([]StreamDescriptor, error) {
	// The reference layout has no trie, so there is exactly one stream
	// per filter: a full scan filtered by topic_matches at read time.
	return []StreamDescriptor{{}}, nil
}

func (r *Reference) GetDeleteStreams(topicFilter string) ([]StreamDescriptor, error) {
	return r.GetStreams(topicFilter)
}

func (r *Reference) MakeIterator(store *kv.Store, desc StreamDescriptor, topicFilter string, startTimeUs int64) (Iterator, error) {
	lower := make([]byte, 8)
	binary.BigEndian.PutUint64(lower, uint64(startTimeUs))
	it, err := store.NewIterator(r.cf, lower, nil)
	if err != nil {
		if dserr.IsNotFound(err) {
			return &referenceIterator{exhausted: true}, nil
		}
		return nil, err
	}
	return &referenceIterator{inner: it, filter: topicFilter, started: false}, nil
}

func (r *Reference) MakeDeleteIterator(store *kv.Store, desc StreamDescriptor, topicFilter string, startTimeUs int64) (DeleteIterator, error) {
	it, err := r.MakeIterator(store, desc, topicFilter, startTimeUs)
	if err != nil {
		return nil, err
	}
	return &referenceDeleteIterator{it: it.(*referenceIterator), cf: r.cf, store: store}, nil
}

func (r *Reference) LookupMessage(store *kv.Store, key types.MessageKey) (*types.Message, bool, error) {
	raw, ok, err := store.Get(r.cf, key.Opaque)
	if err != nil || !ok {
		return nil, ok, err
	}
	var msg types.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, false, dserr.Unrecoverablef("layout.Reference.LookupMessage", err)
	}
	return &msg, true, nil
}

// SupportsPreconditions refuses preconditions, per spec §9's open
// question resolution (see DESIGN.md): the reference layout has no
// transactional read-before-write view cheaper than a full scan, so it
// declines rather than silently racing.
func (r *Reference) SupportsPreconditions() bool { return false }

func (r *Reference) Exists(store *kv.Store, matcher types.Matcher) (bool, error) {
	return false, dserr.Unrecoverablef("layout.Reference.Exists", dserr.ErrPreconditionsUnsupported)
}

func (r *Reference) InheritFrom(store *kv.Store, prev Layout) error { return nil }

func (r *Reference) Dump() []lts.PersistOp { return nil }

func topicMatchesFilter(topic, filter string) bool {
	topicTokens := strings.Split(topic, "/")
	filterTokens := strings.Split(filter, "/")
	for i, ft := range filterTokens {
		if ft == "#" {
			return true
		}
		if i >= len(topicTokens) {
			return false
		}
		if ft == "+" {
			continue
		}
		if ft != topicTokens[i] {
			return false
		}
	}
	return len(topicTokens) == len(filterTokens)
}

type referenceIterator struct {
	inner     *kv.Iterator
	filter    string
	started   bool
	pending   bool // inner rests on an entry no Next call has consumed yet
	exhausted bool
}

func (it *referenceIterator) Next(batchSize int, tMax int64, currentGen bool) ([]Entry, bool, error) {
	if it.exhausted {
		return nil, true, nil
	}
	var out []Entry
	var ok bool
	switch {
	case !it.started:
		it.started = true
		ok = it.inner.First()
	case it.pending:
		ok = it.inner.Valid()
	default:
		ok = it.inner.Next()
	}
	it.pending = false
	for ; ok; ok = it.inner.Next() {
		ts := referenceKeyTimestamp(it.inner.Key())
		if len(out) >= batchSize || ts > tMax {
			it.pending = true
			break
		}
		var msg types.Message
		if err := json.Unmarshal(it.inner.Value(), &msg); err != nil {
			return nil, false, dserr.Unrecoverablef("layout.referenceIterator.Next", err)
		}
		if topicMatchesFilter(msg.Topic, it.filter) {
			out = append(out, Entry{
				Key:     types.MessageKey{TimestampUs: ts, Opaque: append([]byte(nil), it.inner.Key()...)},
				Message: msg,
			})
		}
	}
	if !ok {
		if !currentGen {
			it.exhausted = true
			return out, true, nil
		}
		// Current generation: an empty-or-partial batch is "no more right
		// now", never end_of_stream (I4).
		return out, false, nil
	}
	return out, false, nil
}

func (it *referenceIterator) Seek(key types.MessageKey) error {
	if it.inner == nil {
		return dserr.NotFoundf("layout.referenceIterator.Seek", fmt.Errorf("stream exhausted"))
	}
	it.started = true
	it.pending = it.inner.SeekGE(key.Opaque) && !bytes.Equal(it.inner.Key(), key.Opaque)
	return nil
}

func (it *referenceIterator) Close() error {
	if it.inner == nil {
		return nil
	}
	return it.inner.Close()
}

type referenceDeleteIterator struct {
	it    *referenceIterator
	cf    string
	store *kv.Store
}

func (d *referenceDeleteIterator) DeleteNext(selector DeleteSelector, batchSize int, tMax int64, currentGen bool) (int, bool, error) {
	entries, eos, err := d.it.Next(batchSize, tMax, currentGen)
	if err != nil {
		return 0, false, err
	}
	deleted := 0
	for _, e := range entries {
		msg := e.Message
		if !selector(&msg) {
			continue
		}
		b, err := d.store.NewBatch(true)
		if err != nil {
			return deleted, false, err
		}
		if err := b.Delete(d.cf, e.Key.Opaque); err != nil {
			_ = b.Rollback()
			return deleted, false, err
		}
		if err := b.Commit(); err != nil {
			return deleted, false, err
		}
		deleted++
	}
	return deleted, eos, nil
}

func (d *referenceDeleteIterator) Close() error { return d.it.Close() }
