package retention

import (
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/cuemby/dsengine/pkg/ds"
	"github.com/cuemby/dsengine/pkg/dserr"
	"github.com/cuemby/dsengine/pkg/log"
	"github.com/cuemby/dsengine/pkg/types"
)

// Policy configures retention for one database.
type Policy struct {
	DB string
	// MaxGenerationWindow rolls the open generation once it has been open
	// this long. Zero disables automatic rollover for DB.
	MaxGenerationWindow time.Duration
	// DropAfter removes a closed generation once it has been closed this
	// long. Zero disables automatic reclamation for DB.
	DropAfter time.Duration
}

// Sweeper periodically evaluates every registered Policy against its
// database's current generation list and calls add_generation/
// drop_generation as needed.
type Sweeper struct {
	scheduler gocron.Scheduler
	facade    *ds.Manager
	policies  []Policy
}

// NewSweeper builds a sweeper bound to facade; callers must call Start to
// begin running the schedule.
func NewSweeper(facade *ds.Manager) (*Sweeper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, dserr.Unrecoverablef("retention.NewSweeper", err)
	}
	return &Sweeper{scheduler: s, facade: facade}, nil
}

// Register schedules p to be evaluated every interval. Intervals shorter
// than either of p's two thresholds are wasteful but harmless — a sweep
// that finds nothing due is a no-op.
func (sw *Sweeper) Register(p Policy, interval time.Duration) error {
	sw.policies = append(sw.policies, p)
	_, err := sw.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { sw.sweep(p) }),
	)
	if err != nil {
		return dserr.Unrecoverablef("retention.Sweeper.Register", err)
	}
	return nil
}

// Start begins running every registered job's schedule.
func (sw *Sweeper) Start() { sw.scheduler.Start() }

// Shutdown stops the scheduler, waiting for any in-flight sweep to finish.
func (sw *Sweeper) Shutdown() error {
	if err := sw.scheduler.Shutdown(); err != nil {
		return dserr.Recoverablef("retention.Sweeper.Shutdown", err)
	}
	return nil
}

// sweep evaluates one policy. Generation rollover is decided once per DB
// (add_generation fans out to every shard uniformly); generation drop is
// decided per shard, since a shard's closed generations age independently.
func (sw *Sweeper) sweep(p Policy) {
	lifetimes, err := sw.facade.ListGenerationsWithLifetimes(p.DB)
	if err != nil {
		log.WithDB(p.DB).Warn().Err(err).Msg("retention sweep: could not list generations")
		return
	}
	now := time.Now().UnixMicro()

	if p.MaxGenerationWindow > 0 {
		if oldestOpenSince, ok := oldestOpenGeneration(lifetimes); ok {
			if now-oldestOpenSince > p.MaxGenerationWindow.Microseconds() {
				if _, err := sw.facade.AddGeneration(p.DB, now); err != nil {
					log.WithDB(p.DB).Warn().Err(err).Msg("retention sweep: add_generation failed")
				} else {
					log.WithDB(p.DB).Info().Msg("retention sweep: rolled generation")
				}
			}
		}
	}

	if p.DropAfter > 0 {
		for shardID, gens := range lifetimes {
			for genID, info := range gens {
				if info.Until == nil {
					continue
				}
				if now-*info.Until > p.DropAfter.Microseconds() {
					if err := sw.facade.DropGeneration(p.DB, shardID, genID); err != nil && !dserr.IsNotFound(err) {
						log.WithDB(p.DB).Warn().Err(err).Msg("retention sweep: drop_generation failed")
					}
				}
			}
		}
	}
}

// oldestOpenGeneration returns the earliest Since among every shard's
// currently-open generation, used as the DB-wide signal for whether the
// open generation's window has elapsed.
func oldestOpenGeneration(lifetimes map[types.Shard]map[types.GenID]types.GenerationInfo) (int64, bool) {
	var oldest int64
	found := false
	for _, gens := range lifetimes {
		for _, info := range gens {
			if !info.Open() {
				continue
			}
			if !found || info.Since < oldest {
				oldest = info.Since
				found = true
			}
		}
	}
	return oldest, found
}
