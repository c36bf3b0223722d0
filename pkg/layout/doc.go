// Package layout implements the pluggable StorageLayout capability object
// (spec §9 design note, replacing the source's "callback modules chosen at
// runtime" pattern): one instance per open generation, bound to that
// generation's column families in a shard's pkg/kv.Store.
//
// Two implementations are provided: Reference (spec §4.3), a single
// timestamp-keyed column family used for cross-checking and integration
// tests, and SkipstreamLTS (spec §4.2), the production layout built on
// pkg/lts's Learned Topic Structure and a multi-level skip index.
package layout
