/*
Package retention implements the generation rollover/retention sweeper
named in SPEC_FULL.md's supplemented features: spec §4.4 leaves the
decision of *when* to call add_generation/drop_generation to the
operator, so this package schedules that decision with a
gocron.Scheduler, the same way the teacher's internal/taskManager
schedules its own background jobs. The sweeper is a thin caller of
pkg/ds's public facade — it owns no storage-layer state and never
bypasses the atomic-batch/commit path.
*/
package retention
