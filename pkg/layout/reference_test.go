package layout

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/dsengine/pkg/kv"
	"github.com/cuemby/dsengine/pkg/types"
)

func openTestKVStore(t *testing.T) *kv.Store {
	t.Helper()
	s, err := kv.Open(filepath.Join(t.TempDir(), "shard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func storeMsg(topic string, tsUs int64, payload string) types.Operation {
	return types.Operation{
		Kind: types.OpStore,
		Message: &types.Message{
			ID:          uuid.New(),
			Topic:       topic,
			TimestampUs: tsUs,
			Payload:     []byte(payload),
		},
	}
}

func TestReferenceStoreAndReplay(t *testing.T) {
	store := openTestKVStore(t)
	ref := NewReference(1)
	require.NoError(t, ref.Create(store))

	batch := types.Batch{Operations: []types.Operation{
		storeMsg("t/1", 100, "M1"),
		storeMsg("t/2", 200, "M2"),
		storeMsg("t/3", 300, "M3"),
	}}
	prepared, err := ref.PrepareBatch(store, batch)
	require.NoError(t, err)
	require.NoError(t, ref.CommitBatch(store, true, prepared))

	streams, err := ref.GetStreams("t/#")
	require.NoError(t, err)
	require.Len(t, streams, 1)

	it, err := ref.MakeIterator(store, streams[0], "t/#", 0)
	require.NoError(t, err)
	defer it.Close()

	// The generation is closed and all three entries fit in one batch, so
	// the same call also reports end_of_stream.
	entries, eos, err := it.Next(10, 1000, false)
	require.NoError(t, err)
	require.True(t, eos)
	require.Len(t, entries, 3)
	require.Equal(t, "t/1", entries[0].Message.Topic)
	require.Equal(t, "t/3", entries[2].Message.Topic)
}

func TestReferenceDeleteRemovesMessage(t *testing.T) {
	store := openTestKVStore(t)
	ref := NewReference(1)
	require.NoError(t, ref.Create(store))

	stores := types.Batch{Operations: []types.Operation{
		storeMsg("t/1", 100, "M1"),
		storeMsg("t/2", 200, "M2"),
		storeMsg("t/3", 300, "M3"),
	}}
	prepared, err := ref.PrepareBatch(store, stores)
	require.NoError(t, err)
	require.NoError(t, ref.CommitBatch(store, true, prepared))

	// Deletes are resolved against committed state, so they go in a
	// second batch after the stores have committed.
	deletes := types.Batch{Operations: []types.Operation{
		{Kind: types.OpDelete, Matcher: &types.Matcher{Topic: "t/2", TimestampUs: 200, AnyPayload: true}},
		{Kind: types.OpDelete, Matcher: &types.Matcher{Topic: "t/3", TimestampUs: 300, AnyPayload: true}},
		{Kind: types.OpDelete, Matcher: &types.Matcher{Topic: "t/4", TimestampUs: 400, AnyPayload: true}},
	}}
	prepared, err = ref.PrepareBatch(store, deletes)
	require.NoError(t, err)
	require.NoError(t, ref.CommitBatch(store, true, prepared))

	streams, err := ref.GetStreams("t/#")
	require.NoError(t, err)
	it, err := ref.MakeIterator(store, streams[0], "t/#", 0)
	require.NoError(t, err)
	defer it.Close()

	entries, _, err := it.Next(10, 1000, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "t/1", entries[0].Message.Topic)
	require.Equal(t, []byte("M1"), entries[0].Message.Payload)
}

func TestReferenceCurrentGenerationEmptyIsNotEndOfStream(t *testing.T) {
	store := openTestKVStore(t)
	ref := NewReference(1)
	require.NoError(t, ref.Create(store))

	batch := types.Batch{Operations: []types.Operation{storeMsg("foo/bar", 50, "hello")}}
	prepared, err := ref.PrepareBatch(store, batch)
	require.NoError(t, err)
	require.NoError(t, ref.CommitBatch(store, true, prepared))

	streams, err := ref.GetStreams("foo/bar")
	require.NoError(t, err)
	it, err := ref.MakeIterator(store, streams[0], "foo/bar", 0)
	require.NoError(t, err)
	defer it.Close()

	entries, eos, err := it.Next(10, 1000, true)
	require.NoError(t, err)
	require.False(t, eos)
	require.Len(t, entries, 1)

	entries, eos, err = it.Next(10, 1000, true)
	require.NoError(t, err)
	require.False(t, eos)
	require.Empty(t, entries)
}

func TestTopicMatchesFilter(t *testing.T) {
	require.True(t, topicMatchesFilter("foo/bar", "foo/bar"))
	require.True(t, topicMatchesFilter("foo/bar", "foo/+"))
	require.True(t, topicMatchesFilter("foo/bar/baz", "foo/#"))
	require.False(t, topicMatchesFilter("foo/bar", "foo/baz"))
	require.False(t, topicMatchesFilter("foo", "foo/bar"))
}
