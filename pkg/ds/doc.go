/*
Package ds implements the DS Facade of spec §4.6 and §6.1: the single
entry point a consumer talks to. It owns no storage logic of its own —
every call routes to a shard's buffer (pkg/shard), generation manager
(pkg/generation), or layout (pkg/layout) and wraps their results in the
opaque Stream/Iterator handles spec §3 describes.

A DB is sharded by phash(key) mod n_shards, where key is the client id or
topic depending on DBConfig.SerializeBy. Each shard is an independent
pkg/kv.Store (its own bbolt file) with its own generation list and
watermark; the facade's only cross-shard behaviour is fanning reads out
over every shard and merging nothing — ordering across shards is
explicitly not guaranteed (spec §5).
*/
package ds
