package layout

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cuemby/dsengine/pkg/dserr"
	"github.com/cuemby/dsengine/pkg/kv"
	"github.com/cuemby/dsengine/pkg/lts"
	"github.com/cuemby/dsengine/pkg/metrics"
	"github.com/cuemby/dsengine/pkg/types"
)

const (
	// DefaultHashWidth is the truncated-MD5 width used for index-stream
	// hashes when a DB config leaves HashWidth at zero (spec §4.2).
	DefaultHashWidth = 8
	levelWidth       = 2 // wildcard_level:16
	tsWidth          = 8 // timestamp:64
)

// SkipstreamLTS is the production layout of spec §4.2: a multi-level
// skip index keyed `static_key ∥ wildcard_level:16 ∥ hash_bytes* ∥
// timestamp:64`, built on the LTS trie (pkg/lts) for topic compression.
type SkipstreamLTS struct {
	gen       types.GenID
	cf        string
	trieCF    string
	trie      *lts.Trie
	keyWidth  int
	hashWidth int
	codec     kv.Codec
}

// NewSkipstreamLTS builds the layout bound to generation gen. keyWidth
// and hashWidth of 0 select the package defaults.
func NewSkipstreamLTS(gen types.GenID, keyWidth, hashWidth int, codec kv.Codec) *SkipstreamLTS {
	if keyWidth <= 0 {
		keyWidth = lts.DefaultKeyWidth
	}
	if hashWidth <= 0 {
		hashWidth = DefaultHashWidth
	}
	return &SkipstreamLTS{
		gen:       gen,
		cf:        fmt.Sprintf("data_%d", gen),
		trieCF:    fmt.Sprintf("trie_%d", gen),
		trie:      lts.New(keyWidth),
		keyWidth:  keyWidth,
		hashWidth: hashWidth,
		codec:     codec,
	}
}

func (s *SkipstreamLTS) Kind() types.LayoutKind { return types.LayoutSkipstreamLTS }

// Trie exposes the generation's in-memory LTS handle. Inheritance does
// not go through it; it uses Dump and InheritFrom.
func (s *SkipstreamLTS) Trie() *lts.Trie { return s.trie }

func (s *SkipstreamLTS) Create(store *kv.Store) error {
	if err := store.CreateCF(s.cf); err != nil {
		return err
	}
	return store.CreateCF(s.trieCF)
}

func (s *SkipstreamLTS) Drop(store *kv.Store) error {
	err := store.DropCF(s.cf)
	if err != nil && !dserr.IsNotFound(err) {
		return err
	}
	trieErr := store.DropCF(s.trieCF)
	if err != nil {
		return err
	}
	return trieErr
}

// LoadTrie rebuilds the in-memory trie from this generation's persisted
// trie column family (spec §4.1 "trie_restore"), used when a shard
// reopens an existing generation.
func (s *SkipstreamLTS) LoadTrie(store *kv.Store) error {
	return store.ForEach(s.trieCF, func(k, v []byte) error {
		op, err := lts.DecodeOp(k, v, s.keyWidth)
		if err != nil {
			return dserr.Unrecoverablef("layout.SkipstreamLTS.LoadTrie", err)
		}
		s.trie.ApplyEdge(op.Parent, op.Token, op.Child, op.Terminal)
		return nil
	})
}

func hashToken(token string, width int) []byte {
	sum := md5.Sum([]byte(token))
	if width > len(sum) {
		width = len(sum)
	}
	return sum[:width]
}

// encodeKey builds one skipstream key. hash must be nil at level 0.
func encodeKey(static lts.StaticKey, level uint16, hash []byte, tsUs int64) []byte {
	buf := make([]byte, 0, len(static)+levelWidth+len(hash)+tsWidth)
	buf = append(buf, static.Bytes()...)
	lvl := make([]byte, levelWidth)
	binary.BigEndian.PutUint16(lvl, level)
	buf = append(buf, lvl...)
	buf = append(buf, hash...)
	ts := make([]byte, tsWidth)
	binary.BigEndian.PutUint64(ts, uint64(tsUs))
	buf = append(buf, ts...)
	return buf
}

func decodeKeyTimestamp(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(key)-tsWidth:]))
}

// prefixFor returns the key prefix identifying one cursor's range: the
// static shape, its level, and (for index levels) the hash value.
func prefixFor(static lts.StaticKey, level uint16, hash []byte) []byte {
	buf := make([]byte, 0, len(static)+levelWidth+len(hash))
	buf = append(buf, static.Bytes()...)
	lvl := make([]byte, levelWidth)
	binary.BigEndian.PutUint16(lvl, level)
	buf = append(buf, lvl...)
	buf = append(buf, hash...)
	return buf
}

// prefixSuccessor returns the smallest byte string greater than every
// string with the given prefix, used as an exclusive upper bound so a
// cursor never crosses into a neighbouring static shape or level.
func prefixSuccessor(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	// All 0xFF: no finite successor: caller should treat as unbounded.
	return nil
}

// dataRecord is the value stored at level 0 (spec §4.2: "the data-stream
// value stores the full varying-token tuple so hash collisions can be
// rejected on final match").
type dataRecord struct {
	ID      [16]byte
	From    string
	Varying []string
	Payload []byte
}

func (s *SkipstreamLTS) PrepareBatch(store *kv.Store, batch types.Batch) (*PreparedBatch, error) {
	prepared := &PreparedBatch{pending: lts.NewPendingOps()}

	for _, op := range batch.Operations {
		if op.Precondition != nil {
			ok, err := s.evalPrecondition(store, op.Precondition)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		switch op.Kind {
		case types.OpStore:
			if err := s.prepareStore(prepared, op.Message); err != nil {
				return nil, err
			}
		case types.OpDelete:
			if err := s.prepareDelete(store, prepared, op.Matcher); err != nil {
				return nil, err
			}
		}
	}
	return prepared, nil
}

func (s *SkipstreamLTS) evalPrecondition(store *kv.Store, pc *types.Precondition) (bool, error) {
	exists, err := s.Exists(store, pc.Matcher)
	if err != nil {
		return false, err
	}
	switch pc.Kind {
	case types.PreconditionIfExists:
		return exists, nil
	case types.PreconditionUnlessExists:
		return !exists, nil
	default:
		return true, nil
	}
}

func (s *SkipstreamLTS) prepareStore(prepared *PreparedBatch, msg *types.Message) error {
	static, varying, err := s.trie.Prepare(msg.Topic, prepared.pending)
	if err != nil {
		return dserr.Unrecoverablef("layout.SkipstreamLTS.prepareStore", err)
	}

	payload := s.codec.Encode(msg.Payload)
	var idBytes [16]byte
	copy(idBytes[:], msg.ID[:])
	record := dataRecord{ID: idBytes, From: msg.From, Varying: varying, Payload: payload}
	value, err := json.Marshal(record)
	if err != nil {
		return dserr.Unrecoverablef("layout.SkipstreamLTS.prepareStore", err)
	}

	dataKey := encodeKey(static, 0, nil, msg.TimestampUs)
	prepared.ops = append(prepared.ops, kvOp{cf: s.cf, key: dataKey, value: value})

	for i, token := range varying {
		level := uint16(i + 1)
		hash := hashToken(token, s.hashWidth)
		idxKey := encodeKey(static, level, hash, msg.TimestampUs)
		prepared.ops = append(prepared.ops, kvOp{cf: s.cf, key: idxKey, value: []byte{}})
	}
	return nil
}

func (s *SkipstreamLTS) prepareDelete(store *kv.Store, prepared *PreparedBatch, matcher *types.Matcher) error {
	static, varying, found := s.trie.LookupTopicKey(matcher.Topic)
	if !found {
		// Trie never learned this topic shape: nothing could have been
		// stored under it, so there is nothing to delete.
		return nil
	}

	dataKey := encodeKey(static, 0, nil, matcher.TimestampUs)
	raw, ok, err := store.Get(s.cf, dataKey)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	var record dataRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return dserr.Unrecoverablef("layout.SkipstreamLTS.prepareDelete", err)
	}

	if !matcher.AnyPayload {
		plain, err := s.codec.Decode(record.Payload)
		if err != nil {
			return dserr.Unrecoverablef("layout.SkipstreamLTS.prepareDelete", err)
		}
		if string(plain) != string(matcher.Payload) {
			return nil
		}
	}

	prepared.ops = append(prepared.ops, kvOp{cf: s.cf, key: dataKey, delete: true})
	for i, token := range varying {
		level := uint16(i + 1)
		hash := hashToken(token, s.hashWidth)
		idxKey := encodeKey(static, level, hash, matcher.TimestampUs)
		prepared.ops = append(prepared.ops, kvOp{cf: s.cf, key: idxKey, delete: true})
	}
	return nil
}

func (s *SkipstreamLTS) CommitBatch(store *kv.Store, durable bool, prepared *PreparedBatch) error {
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
	// Trie mutations ride in the same atomic batch as the payloads they
	// index (spec §4.1 "Failure semantics"): a crash mid-batch applies
	// both or neither.
	if prepared.pending != nil {
		for _, op := range prepared.pending.Ops() {
			key, value := lts.EncodeOp(op)
			if err := b.Put(s.trieCF, key, value); err != nil {
				_ = b.Rollback()
				return err
			}
		}
	}
	if err := b.Commit(); err != nil {
		return err
	}
	// Only after the KV batch durably commits does the trie's in-memory
	// mirror observe the new nodes (spec §4.1 "Failure semantics").
	s.trie.Commit(prepared.pending)
	return nil
}

func (s *SkipstreamLTS) GetStreams(topicFilter string) ([]StreamDescriptor, error) {
	results := s.trie.MatchTopics(topicFilter)
	out := make([]StreamDescriptor, 0, len(results))
	for _, r := range results {
		out = append(out, StreamDescriptor{Static: r.Static, Varying: r.Varying})
	}
	return out, nil
}

func (s *SkipstreamLTS) GetDeleteStreams(topicFilter string) ([]StreamDescriptor, error) {
	return s.GetStreams(topicFilter)
}

func (s *SkipstreamLTS) MakeIterator(store *kv.Store, desc StreamDescriptor, topicFilter string, startTimeUs int64) (Iterator, error) {
	structure, ok := s.trie.ReverseLookup(desc.Static)
	if !ok {
		return nil, dserr.Unrecoverablef("layout.SkipstreamLTS.MakeIterator", fmt.Errorf("static key not found in trie"))
	}

	cursors, err := s.openCursors(store, desc, startTimeUs)
	if err != nil {
		return nil, err
	}
	return &skipstreamIterator{
		layout:    s,
		store:     store,
		structure: structure,
		desc:      desc,
		cursors:   cursors,
		nextSeek:  startTimeUs,
	}, nil
}

func (s *SkipstreamLTS) MakeDeleteIterator(store *kv.Store, desc StreamDescriptor, topicFilter string, startTimeUs int64) (DeleteIterator, error) {
	it, err := s.MakeIterator(store, desc, topicFilter, startTimeUs)
	if err != nil {
		return nil, err
	}
	return &skipstreamDeleteIterator{it: it.(*skipstreamIterator), store: store, layout: s}, nil
}

func (s *SkipstreamLTS) LookupMessage(store *kv.Store, key types.MessageKey) (*types.Message, bool, error) {
	raw, ok, err := store.Get(s.cf, key.Opaque)
	if err != nil || !ok {
		return nil, ok, err
	}
	var record dataRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, dserr.Unrecoverablef("layout.SkipstreamLTS.LookupMessage", err)
	}
	static := lts.StaticKey(key.Opaque[:s.keyWidth])
	structure, ok := s.trie.ReverseLookup(static)
	if !ok {
		return nil, false, dserr.Unrecoverablef("layout.SkipstreamLTS.LookupMessage", dserr.ErrStaticKeyNotFound)
	}
	topic, ok := lts.DecompressTopic(structure, record.Varying)
	if !ok {
		return nil, false, dserr.Unrecoverablef("layout.SkipstreamLTS.LookupMessage", dserr.ErrIteratorShapeMismatch)
	}
	plain, err := s.codec.Decode(record.Payload)
	if err != nil {
		return nil, false, dserr.Unrecoverablef("layout.SkipstreamLTS.LookupMessage", err)
	}
	msg := &types.Message{From: record.From, Topic: topic, TimestampUs: decodeKeyTimestamp(key.Opaque), Payload: plain}
	copy(msg.ID[:], record.ID[:])
	return msg, true, nil
}

func (s *SkipstreamLTS) SupportsPreconditions() bool { return true }

// Exists evaluates an if_exists/unless_exists precondition by resolving
// the matcher's topic through the trie and checking the data key at its
// exact timestamp — the same read the delete path performs.
func (s *SkipstreamLTS) Exists(store *kv.Store, matcher types.Matcher) (bool, error) {
	static, _, found := s.trie.LookupTopicKey(matcher.Topic)
	if !found {
		return false, nil
	}
	dataKey := encodeKey(static, 0, nil, matcher.TimestampUs)
	raw, ok, err := store.Get(s.cf, dataKey)
	if err != nil || !ok {
		return false, err
	}
	if matcher.AnyPayload {
		return true, nil
	}
	var record dataRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return false, dserr.Unrecoverablef("layout.SkipstreamLTS.Exists", err)
	}
	plain, err := s.codec.Decode(record.Payload)
	if err != nil {
		return false, dserr.Unrecoverablef("layout.SkipstreamLTS.Exists", err)
	}
	return string(plain) == string(matcher.Payload), nil
}

func (s *SkipstreamLTS) InheritFrom(store *kv.Store, prev Layout) error {
	if prev.Kind() != types.LayoutSkipstreamLTS {
		return nil
	}
	ops := prev.Dump()
	if len(ops) == 0 {
		return nil
	}

	b, err := store.NewBatch(true)
	if err != nil {
		return err
	}
	for _, op := range ops {
		key, value := lts.EncodeOp(op)
		if err := b.Put(s.trieCF, key, value); err != nil {
			_ = b.Rollback()
			return err
		}
	}
	if err := b.Commit(); err != nil {
		return err
	}

	for _, op := range ops {
		s.trie.ApplyEdge(op.Parent, op.Token, op.Child, op.Terminal)
	}
	return nil
}

func (s *SkipstreamLTS) Dump() []lts.PersistOp { return s.trie.Dump() }

// cursor is one of the W+1 ordered scans the read-path algorithm of spec
// §4.2 advances in lockstep: the data cursor (level 0, unconstrained) and
// one index cursor per filter position pinned to a concrete value.
type cursor struct {
	level uint16
	inner *kv.Iterator
	done  bool
}

func (s *SkipstreamLTS) openCursors(store *kv.Store, desc StreamDescriptor, startTimeUs int64) ([]*cursor, error) {
	var cursors []*cursor

	open := func(level uint16, hash []byte) error {
		prefix := prefixFor(desc.Static, level, hash)
		lower := encodeKey(desc.Static, level, hash, startTimeUs)
		upper := prefixSuccessor(prefix)
		it, err := store.NewIterator(s.cf, lower, upper)
		if err != nil {
			if dserr.IsNotFound(err) {
				cursors = append(cursors, &cursor{level: level, done: true})
				return nil
			}
			return err
		}
		cursors = append(cursors, &cursor{level: level, inner: it})
		return nil
	}

	if err := open(0, nil); err != nil {
		return nil, err
	}
	for i, c := range desc.Varying {
		if c.Any {
			continue
		}
		level := uint16(i + 1)
		if err := open(level, hashToken(c.Value, s.hashWidth)); err != nil {
			return nil, err
		}
	}
	return cursors, nil
}

type skipstreamIterator struct {
	layout    *SkipstreamLTS
	store     *kv.Store
	structure lts.TopicStructure
	desc      StreamDescriptor
	cursors   []*cursor
	nextSeek  int64
	closed    bool
}

func (it *skipstreamIterator) seekAllTo(ts int64) {
	for _, c := range it.cursors {
		if c.done || c.inner == nil {
			continue
		}
		prefix := prefixForCursor(it.desc, c.level, it.layout.hashWidth)
		target := append(append([]byte(nil), prefix...), encodeTS(ts)...)
		if !c.inner.SeekGE(target) {
			c.done = true
		}
	}
}

func prefixForCursor(desc StreamDescriptor, level uint16, hashWidth int) []byte {
	if level == 0 {
		return prefixFor(desc.Static, 0, nil)
	}
	c := desc.Varying[level-1]
	return prefixFor(desc.Static, level, hashToken(c.Value, hashWidth))
}

func encodeTS(ts int64) []byte {
	buf := make([]byte, tsWidth)
	binary.BigEndian.PutUint64(buf, uint64(ts))
	return buf
}

// currentTimestamps returns each live cursor's current key timestamp.
func (it *skipstreamIterator) currentTimestamps() (map[uint16]int64, bool) {
	out := make(map[uint16]int64)
	for _, c := range it.cursors {
		if c.done || c.inner == nil {
			return nil, false
		}
		if !c.inner.Valid() {
			return nil, false
		}
		out[c.level] = decodeKeyTimestamp(c.inner.Key())
	}
	return out, true
}

func (it *skipstreamIterator) dataCursor() *cursor {
	for _, c := range it.cursors {
		if c.level == 0 {
			return c
		}
	}
	return nil
}

// Next implements the skip algorithm of spec §4.2: seek every cursor to
// seek_ts, compare timestamps, skip laggards up to the maximum, and
// yield a message only when every cursor agrees.
func (it *skipstreamIterator) Next(batchSize int, tMax int64, currentGen bool) ([]Entry, bool, error) {
	if it.closed {
		return nil, true, nil
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.NextLatency, "skipstream")

	it.seekAllTo(it.nextSeek)

	var out []Entry
	for len(out) < batchSize {
		tsByLevel, allValid := it.currentTimestamps()
		metrics.SeekTotal.WithLabelValues("skipstream").Inc()
		if !allValid {
			break
		}

		maxTs := int64(-1)
		for _, ts := range tsByLevel {
			if ts > maxTs {
				maxTs = ts
			}
		}
		if maxTs > tMax {
			break
		}

		allEqual := true
		for _, ts := range tsByLevel {
			if ts != maxTs {
				allEqual = false
				break
			}
		}
		if !allEqual {
			metrics.NextTotal.WithLabelValues("", "skip").Inc()
			it.seekAllTo(maxTs)
			continue
		}

		dc := it.dataCursor()
		entry, accepted, err := it.resolve(dc, maxTs)
		if err != nil {
			return out, false, err
		}
		if accepted {
			out = append(out, entry)
			metrics.HitTotal.Inc()
		} else {
			metrics.CollisionTotal.Inc()
		}
		it.seekAllTo(maxTs + 1)
	}

	if len(out) > 0 {
		it.nextSeek = out[len(out)-1].Key.TimestampUs + 1
	}

	_, allValid := it.currentTimestamps()
	if !allValid {
		if !currentGen {
			// Release every cursor's read transaction now; a later Close
			// is then a no-op.
			if err := it.Close(); err != nil {
				return out, false, err
			}
			metrics.EndOfStreamTotal.Inc()
			return out, true, nil
		}
		return out, false, nil
	}
	return out, false, nil
}

func (it *skipstreamIterator) resolve(dc *cursor, ts int64) (Entry, bool, error) {
	raw := dc.inner.Value()
	var record dataRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return Entry{}, false, dserr.Unrecoverablef("layout.skipstreamIterator.resolve", err)
	}

	// Verify every value-pinned constraint against the stored varying
	// tuple to reject hash collisions (spec §4.2 "Tie-breaks").
	for i, c := range it.desc.Varying {
		if c.Any {
			continue
		}
		if i >= len(record.Varying) || record.Varying[i] != c.Value {
			return Entry{}, false, nil
		}
	}

	topic, ok := lts.DecompressTopic(it.structure, record.Varying)
	if !ok {
		return Entry{}, false, dserr.Unrecoverablef("layout.skipstreamIterator.resolve", dserr.ErrIteratorShapeMismatch)
	}
	plain, err := it.layout.codec.Decode(record.Payload)
	if err != nil {
		return Entry{}, false, dserr.Unrecoverablef("layout.skipstreamIterator.resolve", err)
	}
	msg := types.Message{From: record.From, Topic: topic, TimestampUs: ts, Payload: plain}
	copy(msg.ID[:], record.ID[:])

	key := encodeKey(it.desc.Static, 0, nil, ts)
	return Entry{Key: types.MessageKey{TimestampUs: ts, Opaque: key}, Message: msg}, true, nil
}

func (it *skipstreamIterator) Seek(key types.MessageKey) error {
	if len(key.Opaque) < it.layout.keyWidth {
		return dserr.Unrecoverablef("layout.skipstreamIterator.Seek", fmt.Errorf("malformed message key"))
	}
	if !bytes.HasPrefix(key.Opaque, it.desc.Static.Bytes()) {
		return dserr.Unrecoverablef("layout.skipstreamIterator.Seek", dserr.ErrIteratorShapeMismatch)
	}
	it.nextSeek = key.TimestampUs + 1
	return nil
}

func (it *skipstreamIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	for _, c := range it.cursors {
		if c.inner != nil {
			if err := c.inner.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}

type skipstreamDeleteIterator struct {
	it     *skipstreamIterator
	store  *kv.Store
	layout *SkipstreamLTS
}

func (d *skipstreamDeleteIterator) DeleteNext(selector DeleteSelector, batchSize int, tMax int64, currentGen bool) (int, bool, error) {
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
		matcher := types.Matcher{Topic: msg.Topic, TimestampUs: msg.TimestampUs, AnyPayload: true}
		prepared := &PreparedBatch{pending: lts.NewPendingOps()}
		if err := d.layout.prepareDelete(d.store, prepared, &matcher); err != nil {
			return deleted, false, err
		}
		if err := d.layout.CommitBatch(d.store, true, prepared); err != nil {
			return deleted, false, err
		}
		deleted++
	}
	return deleted, eos, nil
}

func (d *skipstreamDeleteIterator) Close() error { return d.it.Close() }
