/*
Package kv is the Key-Value Backend Adapter (spec §4, component 1): a
thin abstraction over an ordered embedded KV store that supports column
families, atomic write batches, and bounded forward/seek iterators.

The production backend is go.etcd.io/bbolt, used the same way
warren/pkg/storage uses it: one *bolt.DB per store, one bucket per
column family, db.Update/db.View for transactions, and Cursor for
ordered scans. Unlike warren — which stores one flat JSON value per
entity — this package exposes the backend's ordering and batching
primitives directly, because the layouts above it (pkg/layout) depend on
byte-lexicographic key order to implement skip-scanning.

A Store corresponds to one shard: spec §3 says "each shard owns its own
generations, watermark, and KV column families", and bbolt's one-file-
per-database model maps onto that directly — column families for
different generations of the same shard simply become additional
buckets inside the same file.
*/
package kv
