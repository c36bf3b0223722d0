package shard

import (
	"sync"
	"time"

	"github.com/cuemby/dsengine/pkg/generation"
	"github.com/cuemby/dsengine/pkg/kv"
	"github.com/cuemby/dsengine/pkg/layout"
	"github.com/cuemby/dsengine/pkg/log"
	"github.com/cuemby/dsengine/pkg/metrics"
	"github.com/cuemby/dsengine/pkg/types"
)

// Shard owns one partition's generation list, watermark, and ingest path.
// Writers are serialised by mu (spec §5: "writers within a shard are
// serialised by the shard buffer, single ingest task"); readers take mu
// only briefly, inside Watermark, to read their upper read bound.
type Shard struct {
	mu    sync.Mutex
	store *kv.Store
	db    string
	id    types.Shard
	cfg   types.DBConfig
	gens  *generation.Manager

	latest int64 // microseconds; guarded by mu
}

// Open loads (or bootstraps) a shard's generation list and initialises its
// watermark to wall-clock microseconds (spec §4.5).
func Open(store *kv.Store, db string, id types.Shard, cfg types.DBConfig) (*Shard, error) {
	gens, err := generation.Open(store, db, id, cfg)
	if err != nil {
		return nil, err
	}
	s := &Shard{
		store:  store,
		db:     db,
		id:     id,
		cfg:    cfg,
		gens:   gens,
		latest: time.Now().UnixMicro(),
	}
	metrics.WatermarkMicros.WithLabelValues(db, string(id)).Set(float64(s.latest))
	return s, nil
}

// ID returns the shard's partition index.
func (s *Shard) ID() types.Shard { return s.id }

// Generations exposes the shard's generation manager, used by the DS
// facade for add/drop/list generation calls and for read fan-out.
func (s *Shard) Generations() *generation.Manager { return s.gens }

// Store exposes the shard's underlying KV store, used by the DS facade to
// open iterators and to close/drop the shard's file.
func (s *Shard) Store() *kv.Store { return s.store }

// Watermark returns the shard's current safe read horizon, t_max: the
// commit watermark less the configured safety margin (spec §9's
// resolved cutoff-time open question). A zero margin means t_max ==
// Latest, matching the default; a positive margin holds readers back
// from the most recently committed microseconds.
func (s *Shard) Watermark() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	tMax := s.latest - s.cfg.SafetyMarginUs
	if tMax < 0 {
		tMax = 0
	}
	return tMax
}

// StoreBatch assigns timestamps, dispatches the batch to the current
// generation's layout, and — only once every write has durably committed —
// advances the shard watermark (spec §4.5).
//
// When opts.Atomic is false the buffer is permitted to split the batch;
// here that means each operation is prepared and committed against the
// layout independently, so a failure partway through leaves the earlier
// operations committed rather than aborting the whole call.
func (s *Shard) StoreBatch(batch types.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := metrics.NewTimer()
	genID, l := s.gens.Current()

	assigned, newLatest := s.assignTimestamps(batch.Operations)

	durable := batch.Opts.Durable || batch.Opts.Sync

	if batch.Opts.Atomic {
		if err := s.commitOne(l, types.Batch{Operations: assigned, Opts: batch.Opts}, durable); err != nil {
			return err
		}
		s.latest = newLatest
	} else {
		for _, op := range assigned {
			if err := s.commitOne(l, types.Batch{Operations: []types.Operation{op}, Opts: batch.Opts}, durable); err != nil {
				return err
			}
			if op.Kind == types.OpStore && op.Message != nil && op.Message.TimestampUs > s.latest {
				s.latest = op.Message.TimestampUs
			}
		}
	}
	metrics.WatermarkMicros.WithLabelValues(s.db, string(s.id)).Set(float64(s.latest))
	timer.ObserveDuration(metrics.BatchCommitLatency)
	log.WithGeneration(s.db, string(s.id), int64(genID)).Debug().
		Int("ops", len(batch.Operations)).
		Int64("watermark_us", s.latest).
		Msg("batch committed")
	return nil
}

// assignTimestamps implements spec §4.5's timestamp rule and returns the
// rewritten operation list alongside the watermark value the batch would
// establish if every operation commits. It does not mutate s.latest —
// callers only adopt newLatest after a successful commit.
func (s *Shard) assignTimestamps(ops []types.Operation) ([]types.Operation, int64) {
	out := make([]types.Operation, len(ops))
	latest := s.latest
	for i, op := range ops {
		out[i] = op
		if op.Kind != types.OpStore || op.Message == nil {
			continue
		}
		msg := *op.Message
		if s.cfg.ForceMonotonicTimestamps {
			if msg.TimestampUs <= latest {
				msg.TimestampUs = latest + 1
			}
			latest = msg.TimestampUs
		} else if msg.TimestampUs > latest {
			latest = msg.TimestampUs
		}
		out[i].Message = &msg
	}
	return out, latest
}

func (s *Shard) commitOne(l layout.Layout, batch types.Batch, durable bool) error {
	prepared, err := l.PrepareBatch(s.store, batch)
	if err != nil {
		return err
	}
	return l.CommitBatch(s.store, durable, prepared)
}
