package types

import (
	"time"

	"github.com/google/uuid"
)

// Shard identifies a partition of a DB by its string index "0".."N-1".
type Shard string

// GenID is a shard-local, monotonically increasing generation identifier.
type GenID int64

// Backend names the underlying KV engine a DB is opened with.
type Backend string

const (
	BackendBolt Backend = "bbolt"
)

// LayoutKind selects the storage layout a DB's generations use.
type LayoutKind string

const (
	LayoutReference     LayoutKind = "reference"
	LayoutSkipstreamLTS LayoutKind = "skipstream-lts"
)

// SerializeBy selects the field used to compute a message's shard.
type SerializeBy string

const (
	SerializeByClientID SerializeBy = "clientid"
	SerializeByTopic    SerializeBy = "topic"
)

// DBConfig is the open_db configuration (spec §6.1).
type DBConfig struct {
	Backend                  Backend
	Layout                   LayoutKind
	NShards                  int
	DataDir                  string
	ForceMonotonicTimestamps bool
	AtomicBatches            bool
	SerializeBy              SerializeBy

	// StaticKeyWidth and HashWidth size the skipstream-LTS key schema
	// (spec §4.2). Zero means "use the package default" (8 bytes each).
	StaticKeyWidth int
	HashWidth      int

	// PayloadCompression toggles snappy compression of stored values.
	// See SPEC_FULL.md "Supplemented features".
	PayloadCompression bool

	// SafetyMarginUs is subtracted from the shard's latest committed
	// timestamp to give the read horizon t_max; see DESIGN.md's resolution
	// of the cutoff-time open question. Zero is a legal default.
	SafetyMarginUs int64
}

// Message is an immutable MQTT-style record.
type Message struct {
	ID          uuid.UUID
	From        string
	Topic       string
	TimestampUs int64
	Payload     []byte
}

// Matcher selects messages for deletion or for a precondition check
// (spec §3: "matcher selects by {topic, timestamp, payload='_' or exact}").
type Matcher struct {
	Topic       string
	TimestampUs int64
	AnyPayload  bool
	Payload     []byte
}

// Matches reports whether m fully identifies msg.
func (m Matcher) Matches(msg *Message) bool {
	if msg.Topic != m.Topic || msg.TimestampUs != m.TimestampUs {
		return false
	}
	if m.AnyPayload {
		return true
	}
	return string(msg.Payload) == string(m.Payload)
}

// OperationKind distinguishes a store from a delete within a batch.
type OperationKind int

const (
	OpStore OperationKind = iota
	OpDelete
)

// PreconditionKind gates an operation on the prior existence (or absence)
// of a matching message.
type PreconditionKind int

const (
	PreconditionNone PreconditionKind = iota
	PreconditionIfExists
	PreconditionUnlessExists
)

// Precondition is evaluated against the same batch's view of storage
// before the operation it guards is applied.
type Precondition struct {
	Kind    PreconditionKind
	Matcher Matcher
}

// Operation is one entry of a store_batch call.
type Operation struct {
	Kind         OperationKind
	Message      *Message // set when Kind == OpStore
	Matcher      *Matcher // set when Kind == OpDelete
	Precondition *Precondition
}

// BatchOpts controls commit semantics for store_batch (spec §4.5, §6.1).
type BatchOpts struct {
	Sync     bool
	Atomic   bool
	Durable  bool
	BatchTag string // caller-supplied label; carried with the batch, not read by the engine
}

// Batch is an ordered sequence of operations submitted together.
type Batch struct {
	Operations []Operation
	Opts       BatchOpts
}

// GenerationInfo describes one generation's lifetime (spec §4.4).
type GenerationInfo struct {
	ID        GenID
	Since     int64 // microseconds
	Until     *int64
	CreatedAt time.Time
	Layout    LayoutKind
}

// Open reports whether the generation is still accepting writes.
func (g GenerationInfo) Open() bool {
	return g.Until == nil
}

// Rank orders streams: distinct X are independent, equal X ordered by Y
// (spec §3). In the production layout X is the shard id and Y the
// generation id.
type Rank struct {
	X int64
	Y int64
}

// Less reports whether r must be drained before other within the same X.
func (r Rank) Less(other Rank) bool {
	if r.X != other.X {
		return r.X < other.X
	}
	return r.Y < other.Y
}

// StreamHandle is a shard-remembering stream handle whose Inner carries a
// layout-specific descriptor. pkg/ds does not use it: its GetStreams
// returns ds.Stream.
type StreamHandle struct {
	Shard Shard
	Gen   GenID
	Rank  Rank
	Inner any
}

// IteratorHandle is a shard-remembering iterator handle whose Inner carries
// a layout-specific cursor (spec §3). pkg/ds does not use it: its
// MakeIterator returns *ds.Iterator.
type IteratorHandle struct {
	Shard Shard
	Gen   GenID
	Inner any
}

// MessageKey is an opaque, serialisable cursor position returned with
// each message from next() and accepted by update_iterator.
type MessageKey struct {
	Shard       Shard
	Gen         GenID
	TimestampUs int64
	Opaque      []byte // layout-specific key: timestamp + GUID (reference) or the level-0 data key static + level + timestamp (skipstream-LTS)
}
