/*
Package types defines the data model shared by every layer of the storage
engine: databases, shards, generations, messages, operations, and
stream/iterator handle shapes.

# Core types

Identity and routing:
  - DB: a named, independent storage namespace with a shard count and a
    routing key (client-id or topic).
  - Shard: a string "0".."N-1" partition of a DB.
  - GenID: a shard-local monotonic generation identifier.

Data:
  - Message: an immutable MQTT-style record (id, from, topic, timestamp,
    payload).
  - Operation: either a Store or a Delete, batched together with optional
    preconditions.
  - Matcher: selects messages by topic/timestamp/payload for deletes and
    preconditions.

Replay:
  - Rank: the (X, Y) ordering key of a Stream — distinct X independent,
    equal X ordered by Y.
  - StreamHandle / IteratorHandle: shard-remembering wrappers around
    layout-specific payloads. pkg/ds returns its own Stream and Iterator
    types rather than these.

None of the types here know how to persist themselves — that is pkg/kv
and pkg/layout's job. This package only defines shapes.
*/
package types
