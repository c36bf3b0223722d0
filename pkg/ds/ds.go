package ds

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/dsengine/pkg/dserr"
	"github.com/cuemby/dsengine/pkg/events"
	"github.com/cuemby/dsengine/pkg/kv"
	"github.com/cuemby/dsengine/pkg/layout"
	"github.com/cuemby/dsengine/pkg/log"
	"github.com/cuemby/dsengine/pkg/metrics"
	"github.com/cuemby/dsengine/pkg/shard"
	"github.com/cuemby/dsengine/pkg/types"
)

// Manager owns every open DB in the process (spec §6.1).
type Manager struct {
	mu      sync.RWMutex
	dbs     map[string]*db
	broker  *events.Broker
	rootDir string

	eventLogSub  events.Subscriber
	eventLogDone chan struct{}
}

// NewManager constructs an empty facade rooted at dataDir; each opened DB
// gets its own subdirectory, each shard within it its own bbolt file
// (spec §6: "one bolt.DB per shard"). A standing event-log consumer is
// started alongside the broker; see startEventLog.
func NewManager(dataDir string) *Manager {
	b := events.NewBroker()
	b.Start()
	m := &Manager{dbs: make(map[string]*db), broker: b, rootDir: dataDir}
	m.startEventLog()
	return m
}

// Events exposes the lifecycle broker for additional subscribers (e.g.
// admin tooling); the facade's own standing consumer is startEventLog.
func (m *Manager) Events() *events.Broker { return m.broker }

// startEventLog subscribes a standing consumer to the lifecycle broker
// that logs every event whose generation is still known, discarding
// stray notifications for generations that have since been dropped —
// e.g. a batch.committed event queued before a concurrent
// drop_generation call and delivered after (spec §9: "events stamped
// with a generation id").
func (m *Manager) startEventLog() {
	sub := m.broker.Subscribe()
	filtered := events.FilterDropped(sub, m.isKnownGeneration)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range filtered {
			log.WithDB(ev.DB).Debug().
				Str("kind", string(ev.Kind)).
				Str("shard", string(ev.Shard)).
				Int64("gen", int64(ev.Gen)).
				Msg("event")
		}
	}()
	m.eventLogSub = sub
	m.eventLogDone = done
}

// isKnownGeneration reports whether gen is still present in shard's
// generation manager, i.e. has not been dropped.
func (m *Manager) isKnownGeneration(dbName string, shardID types.Shard, gen types.GenID) bool {
	m.mu.RLock()
	d, ok := m.dbs[dbName]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	s, ok := d.shards[shardID]
	if !ok {
		return false
	}
	_, ok = s.Generations().Get(gen)
	return ok
}

// Shutdown stops the lifecycle broker and its standing event log
// consumer. Open DBs are left untouched; callers close each one
// individually via CloseDB.
func (m *Manager) Shutdown() {
	m.broker.Unsubscribe(m.eventLogSub)
	<-m.eventLogDone
	m.broker.Stop()
}

type db struct {
	name   string
	cfg    types.DBConfig
	dir    string
	shards map[types.Shard]*shard.Shard
}

// OpenDB opens every shard's store for db, bootstrapping generation 0 on
// first use (spec §6.1 open_db).
func (m *Manager) OpenDB(name string, cfg types.DBConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.dbs[name]; exists {
		return dserr.Unrecoverablef("ds.OpenDB", fmt.Errorf("db %q already open", name))
	}
	if cfg.NShards <= 0 {
		cfg.NShards = 1
	}
	dir := cfg.DataDir
	if dir == "" {
		dir = filepath.Join(m.rootDir, name)
	}

	d := &db{name: name, cfg: cfg, dir: dir, shards: make(map[types.Shard]*shard.Shard)}
	for i := 0; i < cfg.NShards; i++ {
		shardID := types.Shard(fmt.Sprintf("%d", i))
		store, err := kv.Open(filepath.Join(dir, string(shardID)+".db"))
		if err != nil {
			return err
		}
		s, err := shard.Open(store, name, shardID, cfg)
		if err != nil {
			return err
		}
		d.shards[shardID] = s
	}

	m.dbs[name] = d
	log.WithDB(name).Info().Int("shards", cfg.NShards).Msg("database opened")
	return nil
}

// CloseDB closes every shard's store without deleting data on disk.
func (m *Manager) CloseDB(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.dbs[name]
	if !ok {
		return dserr.NotFoundf("ds.CloseDB", fmt.Errorf("db %q not open", name))
	}
	for _, s := range d.shards {
		if err := s.Store().Close(); err != nil {
			return err
		}
	}
	delete(m.dbs, name)
	log.WithDB(name).Info().Msg("database closed")
	return nil
}

// DropDB closes db (if open) and removes its on-disk directory entirely.
func (m *Manager) DropDB(name string) error {
	m.mu.Lock()
	dir := filepath.Join(m.rootDir, name)
	d, open := m.dbs[name]
	if open {
		dir = d.dir
		for _, s := range d.shards {
			_ = s.Store().Close()
		}
		delete(m.dbs, name)
	}
	m.mu.Unlock()

	if err := os.RemoveAll(dir); err != nil {
		return dserr.Unrecoverablef("ds.DropDB", err)
	}
	log.WithDB(name).Info().Msg("database dropped")
	return nil
}

func (m *Manager) lookupDB(name string) (*db, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.dbs[name]
	if !ok {
		return nil, dserr.NotFoundf("ds.lookupDB", fmt.Errorf("db %q not open", name))
	}
	return d, nil
}

// phash hashes a routing key to a shard index. Adapted from the teacher's
// node-assignment hash (a simple base-31 rolling hash), repurposed here
// from "task id -> synthetic IP" to "routing key -> shard index".
func phash(s string) uint32 {
	var hash uint32
	for i := 0; i < len(s); i++ {
		hash = hash*31 + uint32(s[i])
	}
	return hash
}

// shardFor computes the destination shard for a message per
// DBConfig.SerializeBy (spec §3: "phash(key) mod N").
func (d *db) shardFor(msg *types.Message) types.Shard {
	key := msg.From
	if d.cfg.SerializeBy == types.SerializeByTopic {
		key = msg.Topic
	}
	idx := phash(key) % uint32(len(d.shards))
	return types.Shard(fmt.Sprintf("%d", idx))
}

// AddGeneration rolls every shard of db to a new generation at sinceUs,
// returning each shard's new generation id (spec §4.4, fanned out per
// §4.6's per-DB framing).
func (m *Manager) AddGeneration(dbName string, sinceUs int64) (map[types.Shard]types.GenID, error) {
	d, err := m.lookupDB(dbName)
	if err != nil {
		return nil, err
	}
	out := make(map[types.Shard]types.GenID, len(d.shards))
	for id, s := range d.shards {
		genID, err := s.Generations().AddGeneration(sinceUs)
		if err != nil {
			return nil, err
		}
		out[id] = genID
		m.broker.Publish(&events.Event{Kind: events.KindGenerationAdded, DB: dbName, Shard: id, Gen: genID})
	}
	return out, nil
}

// DropGeneration drops one shard's generation (spec §4.4's drop_generation
// is shard-scoped). Dropping a generation that is already gone returns a
// NotFound error (dserr.IsNotFound).
func (m *Manager) DropGeneration(dbName string, shardID types.Shard, genID types.GenID) error {
	d, err := m.lookupDB(dbName)
	if err != nil {
		return err
	}
	s, ok := d.shards[shardID]
	if !ok {
		return dserr.NotFoundf("ds.DropGeneration", fmt.Errorf("shard %q not found", shardID))
	}
	if err := s.Generations().DropGeneration(genID); err != nil {
		return err
	}
	m.broker.Publish(&events.Event{Kind: events.KindGenerationDropped, DB: dbName, Shard: shardID, Gen: genID})
	return nil
}

// ListGenerationsWithLifetimes returns every shard's generation list.
func (m *Manager) ListGenerationsWithLifetimes(dbName string) (map[types.Shard]map[types.GenID]types.GenerationInfo, error) {
	d, err := m.lookupDB(dbName)
	if err != nil {
		return nil, err
	}
	out := make(map[types.Shard]map[types.GenID]types.GenerationInfo, len(d.shards))
	for id, s := range d.shards {
		out[id] = s.Generations().ListGenerationsWithLifetimes()
	}
	return out, nil
}

// StoreBatch routes each operation to its shard (grouping by SerializeBy's
// key) and commits one shard.StoreBatch call per shard touched (spec
// §4.6, §6.1 store_batch). Operations with no Message (deletes) route by
// their Matcher's topic when SerializeBy is topic, or are broadcast to
// every shard when SerializeBy is clientid — a delete-by-topic-matcher
// under client-routing cannot know which shard holds the victim.
func (m *Manager) StoreBatch(dbName string, batch types.Batch) error {
	d, err := m.lookupDB(dbName)
	if err != nil {
		return err
	}

	byShard := make(map[types.Shard][]types.Operation)
	for _, op := range batch.Operations {
		targets := d.targetShards(op)
		for _, sid := range targets {
			byShard[sid] = append(byShard[sid], op)
		}
	}

	for sid, ops := range byShard {
		s, ok := d.shards[sid]
		if !ok {
			continue
		}
		if err := s.StoreBatch(types.Batch{Operations: ops, Opts: batch.Opts}); err != nil {
			return err
		}
		m.broker.Publish(&events.Event{Kind: events.KindBatchCommitted, DB: dbName, Shard: sid})
	}
	return nil
}

func (d *db) targetShards(op types.Operation) []types.Shard {
	if op.Kind == types.OpStore && op.Message != nil {
		return []types.Shard{d.shardFor(op.Message)}
	}
	// Deletes carry a Matcher, not a full Message; a topic is enough to
	// route when SerializeBy is topic, otherwise every shard must be
	// checked since the matcher could land on any of them.
	if op.Kind == types.OpDelete && op.Matcher != nil && d.cfg.SerializeBy == types.SerializeByTopic {
		return []types.Shard{d.shardFor(&types.Message{Topic: op.Matcher.Topic})}
	}
	all := make([]types.Shard, 0, len(d.shards))
	for sid := range d.shards {
		all = append(all, sid)
	}
	return all
}

// Stream is the facade-level handle returned by GetStreams: a layout
// stream wrapped with the shard it came from, ranked (shard, generation)
// per spec §3.
type Stream struct {
	Shard types.Shard
	Gen   types.GenID
	Rank  types.Rank
	desc  layout.StreamDescriptor
}

// GetStreams fans out across every shard of db, collecting the streams
// each shard's open and closed generations have learned for topicFilter
// (spec §4.6).
func (m *Manager) GetStreams(dbName, topicFilter string) ([]Stream, error) {
	d, err := m.lookupDB(dbName)
	if err != nil {
		return nil, err
	}
	var out []Stream
	for sid, s := range d.shards {
		shardIdx := shardIndex(sid)
		for genID, l := range s.Generations().All() {
			descs, err := l.GetStreams(topicFilter)
			if err != nil {
				return nil, err
			}
			for _, desc := range descs {
				out = append(out, Stream{
					Shard: sid,
					Gen:   genID,
					Rank:  types.Rank{X: shardIdx, Y: int64(genID)},
					desc:  desc,
				})
			}
		}
	}
	return out, nil
}

// GetDeleteStreams mirrors GetStreams for the delete path.
func (m *Manager) GetDeleteStreams(dbName, topicFilter string) ([]Stream, error) {
	d, err := m.lookupDB(dbName)
	if err != nil {
		return nil, err
	}
	var out []Stream
	for sid, s := range d.shards {
		shardIdx := shardIndex(sid)
		for genID, l := range s.Generations().All() {
			descs, err := l.GetDeleteStreams(topicFilter)
			if err != nil {
				return nil, err
			}
			for _, desc := range descs {
				out = append(out, Stream{Shard: sid, Gen: genID, Rank: types.Rank{X: shardIdx, Y: int64(genID)}, desc: desc})
			}
		}
	}
	return out, nil
}

func shardIndex(s types.Shard) int64 {
	var n int64
	_, _ = fmt.Sscanf(string(s), "%d", &n)
	return n
}

// Iterator is the facade-level read cursor bound to one shard/generation.
type Iterator struct {
	shard *shard.Shard
	gen   types.GenID
	inner layout.Iterator
}

// MakeIterator opens a read iterator over one stream from startTimeUs
// (spec §4.6 make_iterator). topicFilter must be the same filter passed
// to GetStreams, since the reference layout re-checks it per message
// (the skipstream-LTS layout already narrowed by static/varying shape).
func (m *Manager) MakeIterator(dbName string, stream Stream, topicFilter string, startTimeUs int64) (*Iterator, error) {
	d, err := m.lookupDB(dbName)
	if err != nil {
		return nil, err
	}
	s, ok := d.shards[stream.Shard]
	if !ok {
		return nil, dserr.NotFoundf("ds.MakeIterator", fmt.Errorf("shard %q not found", stream.Shard))
	}
	l, ok := s.Generations().Get(stream.Gen)
	if !ok {
		return nil, dserr.NotFoundf("ds.MakeIterator", dserr.ErrGenerationDropped)
	}
	inner, err := l.MakeIterator(s.Store(), stream.desc, topicFilter, startTimeUs)
	if err != nil {
		return nil, err
	}
	return &Iterator{shard: s, gen: stream.Gen, inner: inner}, nil
}

// UpdateIterator rebinds it to resume just after key, validated against
// the iterator's own shape by the underlying layout (spec §4.6).
func (m *Manager) UpdateIterator(it *Iterator, key types.MessageKey) error {
	return it.inner.Seek(key)
}

// Next returns up to batchSize entries, or reports end_of_stream per the
// layout's contract (spec §4.2 end-of-stream, I4).
func (m *Manager) Next(dbName string, it *Iterator, batchSize int) ([]layout.Entry, bool, error) {
	currentGen := it.shard.Generations().IsOpen(it.gen)
	tMax := it.shard.Watermark()
	entries, eos, err := it.inner.Next(batchSize, tMax, currentGen)
	if err != nil {
		return nil, false, err
	}
	if currentGen && !eos && len(entries) == 0 {
		metrics.FutureReadTotal.Inc()
	}
	return entries, eos, nil
}

// CloseIterator releases the iterator's KV cursors (spec §5 cancellation).
func (m *Manager) CloseIterator(it *Iterator) error {
	return it.inner.Close()
}

// DeleteIterator is the facade-level cursor for the delete path.
type DeleteIterator struct {
	shard *shard.Shard
	gen   types.GenID
	inner layout.DeleteIterator
}

// MakeDeleteIterator mirrors MakeIterator for delete_next.
func (m *Manager) MakeDeleteIterator(dbName string, stream Stream, topicFilter string, startTimeUs int64) (*DeleteIterator, error) {
	d, err := m.lookupDB(dbName)
	if err != nil {
		return nil, err
	}
	s, ok := d.shards[stream.Shard]
	if !ok {
		return nil, dserr.NotFoundf("ds.MakeDeleteIterator", fmt.Errorf("shard %q not found", stream.Shard))
	}
	l, ok := s.Generations().Get(stream.Gen)
	if !ok {
		return nil, dserr.NotFoundf("ds.MakeDeleteIterator", dserr.ErrGenerationDropped)
	}
	inner, err := l.MakeDeleteIterator(s.Store(), stream.desc, topicFilter, startTimeUs)
	if err != nil {
		return nil, err
	}
	return &DeleteIterator{shard: s, gen: stream.Gen, inner: inner}, nil
}

// DeleteNext applies selector to up to batchSize candidates, removing
// matches, and reports how many were deleted plus end-of-stream.
func (m *Manager) DeleteNext(it *DeleteIterator, selector layout.DeleteSelector, batchSize int) (int, bool, error) {
	currentGen := it.shard.Generations().IsOpen(it.gen)
	tMax := it.shard.Watermark()
	return it.inner.DeleteNext(selector, batchSize, tMax, currentGen)
}

// CloseDeleteIterator releases the delete iterator's KV cursors.
func (m *Manager) CloseDeleteIterator(it *DeleteIterator) error {
	return it.inner.Close()
}
