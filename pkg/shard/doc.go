// Package shard implements the per-shard ingestion buffer and watermark
// of spec §4.5: a single-writer ingest path that assigns timestamps
// (optionally strictly monotonic), groups operations by the shard's
// currently-open generation, and advances the shard's safe read horizon
// (`Latest`, exposed as `t_max`) only after a batch durably commits.
package shard
