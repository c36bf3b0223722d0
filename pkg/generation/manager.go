package generation

import (
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/cuemby/dsengine/pkg/dserr"
	"github.com/cuemby/dsengine/pkg/kv"
	"github.com/cuemby/dsengine/pkg/layout"
	"github.com/cuemby/dsengine/pkg/log"
	"github.com/cuemby/dsengine/pkg/metrics"
	"github.com/cuemby/dsengine/pkg/types"
)

// MetaCF is the shared metadata column family name every shard uses to
// persist its generation list (spec §6.3).
const MetaCF = "generations"

// record is the on-disk encoding of one generation's metadata entry
// (spec §6.3: "term-encoded {GenId, {since, until?, created_at,
// layout_schema}}" — encoded here as JSON, matching the teacher's
// JSON-encoded bucket values).
type record struct {
	ID        types.GenID
	Since     int64
	Until     *int64
	CreatedAt time.Time
	Layout    types.LayoutKind
}

// Manager owns one shard's ordered generation list and the live Layout
// instance bound to each open or recently-closed generation.
type Manager struct {
	mu      sync.RWMutex
	store   *kv.Store
	db      string
	shard   types.Shard
	cfg     types.DBConfig
	current types.GenID
	infos   map[types.GenID]types.GenerationInfo
	layouts map[types.GenID]layout.Layout
}

// Open loads (or, if MetaCF is empty, creates generation 0 for) a
// shard's generation list.
func Open(store *kv.Store, db string, shard types.Shard, cfg types.DBConfig) (*Manager, error) {
	if err := store.CreateCF(MetaCF); err != nil {
		return nil, err
	}
	m := &Manager{
		store:   store,
		db:      db,
		shard:   shard,
		cfg:     cfg,
		infos:   make(map[types.GenID]types.GenerationInfo),
		layouts: make(map[types.GenID]layout.Layout),
	}

	found := false
	err := store.ForEach(MetaCF, func(k, v []byte) error {
		var rec record
		if err := json.Unmarshal(v, &rec); err != nil {
			return dserr.Unrecoverablef("generation.Open", err)
		}
		info := types.GenerationInfo{ID: rec.ID, Since: rec.Since, Until: rec.Until, CreatedAt: rec.CreatedAt, Layout: rec.Layout}
		m.infos[rec.ID] = info
		l, err := newLayoutFor(rec.Layout, rec.ID, cfg)
		if err != nil {
			return err
		}
		if skip, ok := l.(interface{ LoadTrie(*kv.Store) error }); ok {
			if err := skip.LoadTrie(store); err != nil {
				return err
			}
		}
		m.layouts[rec.ID] = l
		if info.Open() && rec.ID >= m.current {
			m.current = rec.ID
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !found {
		if err := m.bootstrap(); err != nil {
			return nil, err
		}
	}
	metrics.GenerationsTotal.WithLabelValues(m.db, string(m.shard)).Set(float64(len(m.infos)))
	return m, nil
}

func (m *Manager) bootstrap() error {
	l, err := newLayoutFor(m.cfg.Layout, 0, m.cfg)
	if err != nil {
		return err
	}
	if err := l.Create(m.store); err != nil {
		return err
	}
	info := types.GenerationInfo{ID: 0, Since: nowUs(), CreatedAt: time.Now(), Layout: m.cfg.Layout}
	if err := m.persist(info); err != nil {
		return err
	}
	m.infos[0] = info
	m.layouts[0] = l
	m.current = 0
	return nil
}

func newLayoutFor(kind types.LayoutKind, gen types.GenID, cfg types.DBConfig) (layout.Layout, error) {
	switch kind {
	case types.LayoutReference:
		return layout.NewReference(gen), nil
	case types.LayoutSkipstreamLTS:
		return layout.NewSkipstreamLTS(gen, cfg.StaticKeyWidth, cfg.HashWidth, kv.NewCodec(cfg.PayloadCompression)), nil
	default:
		return nil, dserr.Unrecoverablef("generation.newLayoutFor", dserr.ErrIteratorShapeMismatch)
	}
}

func metaKey(id types.GenID) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

func (m *Manager) persist(info types.GenerationInfo) error {
	rec := record{ID: info.ID, Since: info.Since, Until: info.Until, CreatedAt: info.CreatedAt, Layout: info.Layout}
	value, err := json.Marshal(rec)
	if err != nil {
		return dserr.Unrecoverablef("generation.persist", err)
	}
	b, err := m.store.NewBatch(true)
	if err != nil {
		return err
	}
	if err := b.Put(MetaCF, metaKey(info.ID), value); err != nil {
		_ = b.Rollback()
		return err
	}
	return b.Commit()
}

// Current returns the currently-open generation's id and layout.
func (m *Manager) Current() (types.GenID, layout.Layout) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.layouts[m.current]
}

// Get returns the layout bound to a specific generation id.
func (m *Manager) Get(id types.GenID) (layout.Layout, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.layouts[id]
	return l, ok
}

// Info returns one generation's lifetime metadata.
func (m *Manager) Info(id types.GenID) (types.GenerationInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.infos[id]
	return info, ok
}

// IsOpen reports whether id is the shard's currently-open generation.
func (m *Manager) IsOpen(id types.GenID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return id == m.current
}

// AddGeneration closes the current generation at sinceUs and opens a
// new one (spec §4.4). sinceUs is used as given: neither this method nor
// its callers in this module compare it with the shard's watermark.
func (m *Manager) AddGeneration(sinceUs int64) (types.GenID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prevID := m.current
	prevInfo := m.infos[prevID]
	prevInfo.Until = &sinceUs
	if err := m.persist(prevInfo); err != nil {
		return 0, err
	}
	m.infos[prevID] = prevInfo

	newID := prevID + 1
	newLayout, err := newLayoutFor(m.cfg.Layout, newID, m.cfg)
	if err != nil {
		return 0, err
	}
	if err := newLayout.Create(m.store); err != nil {
		return 0, err
	}

	prevLayout := m.layouts[prevID]
	if err := newLayout.InheritFrom(m.store, prevLayout); err != nil {
		log.WithGeneration(m.db, string(m.shard), int64(newID)).Warn().Err(err).Msg("lts inheritance failed")
	}

	newInfo := types.GenerationInfo{ID: newID, Since: sinceUs, CreatedAt: time.Now(), Layout: m.cfg.Layout}
	if err := m.persist(newInfo); err != nil {
		return 0, err
	}
	m.infos[newID] = newInfo
	m.layouts[newID] = newLayout
	m.current = newID

	metrics.GenerationsTotal.WithLabelValues(m.db, string(m.shard)).Set(float64(len(m.infos)))
	log.WithGeneration(m.db, string(m.shard), int64(newID)).Info().Msg("generation opened")
	return newID, nil
}

// DropGeneration removes a generation's column families and metadata
// entry. Not idempotent at the storage layer (spec §4.4); callers must
// tolerate dserr.NotFound on a repeated drop.
func (m *Manager) DropGeneration(id types.GenID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.layouts[id]
	if !ok {
		return dserr.NotFoundf("generation.DropGeneration", dserr.ErrGenerationDropped)
	}
	if err := l.Drop(m.store); err != nil && !dserr.IsNotFound(err) {
		return err
	}

	b, err := m.store.NewBatch(true)
	if err != nil {
		return err
	}
	if err := b.Delete(MetaCF, metaKey(id)); err != nil {
		_ = b.Rollback()
		return err
	}
	if err := b.Commit(); err != nil {
		return err
	}

	delete(m.layouts, id)
	delete(m.infos, id)
	metrics.GenerationsTotal.WithLabelValues(m.db, string(m.shard)).Set(float64(len(m.infos)))
	log.WithGeneration(m.db, string(m.shard), int64(id)).Info().Msg("generation dropped")
	return nil
}

// ListGenerationsWithLifetimes returns every known generation's lifetime.
func (m *Manager) ListGenerationsWithLifetimes() map[types.GenID]types.GenerationInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.GenID]types.GenerationInfo, len(m.infos))
	for id, info := range m.infos {
		out[id] = info
	}
	return out
}

// All returns every live (gen id, layout) pair, used by get_streams fan-
// out across a shard's generations.
func (m *Manager) All() map[types.GenID]layout.Layout {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.GenID]layout.Layout, len(m.layouts))
	for id, l := range m.layouts {
		out[id] = l
	}
	return out
}

func nowUs() int64 {
	return time.Now().UnixMicro()
}
