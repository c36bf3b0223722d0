package layout

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/dsengine/pkg/kv"
	"github.com/cuemby/dsengine/pkg/types"
)

func newTestSkipstream(t *testing.T, store *kv.Store, gen types.GenID) *SkipstreamLTS {
	t.Helper()
	s := NewSkipstreamLTS(gen, 8, 8, kv.NewCodec(false))
	require.NoError(t, s.Create(store))
	return s
}

func TestSkipstreamScenario1DeletesPrecedeRead(t *testing.T) {
	store := openTestKVStore(t)
	s := newTestSkipstream(t, store, 1)

	stores := types.Batch{Operations: []types.Operation{
		storeMsg("t/1", 100, "M1"),
		storeMsg("t/2", 200, "M2"),
		storeMsg("t/3", 300, "M3"),
	}}
	prepared, err := s.PrepareBatch(store, stores)
	require.NoError(t, err)
	require.NoError(t, s.CommitBatch(store, true, prepared))

	// Deletes are resolved against the committed trie and data, so they go
	// in a second batch after the stores have committed.
	deletes := types.Batch{Operations: []types.Operation{
		{Kind: types.OpDelete, Matcher: &types.Matcher{Topic: "t/2", TimestampUs: 200, Payload: []byte("M2")}},
		{Kind: types.OpDelete, Matcher: &types.Matcher{Topic: "t/3", TimestampUs: 300, AnyPayload: true}},
		{Kind: types.OpDelete, Matcher: &types.Matcher{Topic: "t/4", TimestampUs: 400, AnyPayload: true}},
	}}
	prepared, err = s.PrepareBatch(store, deletes)
	require.NoError(t, err)
	require.NoError(t, s.CommitBatch(store, true, prepared))

	// t/1, t/2 and t/3 are each learned as a literal shape of their own.
	streams, err := s.GetStreams("t/#")
	require.NoError(t, err)
	require.Len(t, streams, 3)

	var entries []Entry
	for _, desc := range streams {
		it, err := s.MakeIterator(store, desc, "t/#", 0)
		require.NoError(t, err)
		got, _, err := it.Next(10, 1000, false)
		require.NoError(t, err)
		require.NoError(t, it.Close())
		entries = append(entries, got...)
	}
	require.Len(t, entries, 1)
	require.Equal(t, "t/1", entries[0].Message.Topic)
	require.Equal(t, int64(100), entries[0].Message.TimestampUs)
	require.Equal(t, []byte("M1"), entries[0].Message.Payload)
}

func TestSkipstreamScenario2FooBarVsFooHash(t *testing.T) {
	store := openTestKVStore(t)
	s := newTestSkipstream(t, store, 1)

	var ops []types.Operation
	for i := int64(1); i <= 10; i++ {
		ops = append(ops, storeMsg("foo/bar", i, fmt.Sprintf("a%d", i)))
		ops = append(ops, storeMsg("foo/bar/baz", i, fmt.Sprintf("b%d", i)))
	}
	prepared, err := s.PrepareBatch(store, types.Batch{Operations: ops})
	require.NoError(t, err)
	require.NoError(t, s.CommitBatch(store, true, prepared))

	plusStreams, err := s.GetStreams("+/+")
	require.NoError(t, err)
	require.Len(t, plusStreams, 1)

	hashStreams, err := s.GetStreams("foo/#")
	require.NoError(t, err)
	require.Len(t, hashStreams, 2)

	total := 0
	for _, desc := range hashStreams {
		it, err := s.MakeIterator(store, desc, "foo/#", 0)
		require.NoError(t, err)
		entries, _, err := it.Next(100, 1000, false)
		require.NoError(t, err)
		require.NoError(t, it.Close())

		last := int64(-1)
		for _, e := range entries {
			require.GreaterOrEqual(t, e.Message.TimestampUs, last)
			last = e.Message.TimestampUs
		}
		total += len(entries)
	}
	require.Equal(t, 20, total)
}

func TestSkipstreamScenario3LearnsTwoHundredShapes(t *testing.T) {
	store := openTestKVStore(t)
	s := newTestSkipstream(t, store, 1)

	var ops []types.Operation
	for i := 1; i <= 200; i++ {
		ops = append(ops, storeMsg(fmt.Sprintf("wildcard/%d/suffix/foo", i), 100, "x"))
		ops = append(ops, storeMsg(fmt.Sprintf("wildcard/%d/suffix/bar", i), 100, "y"))
	}
	prepared, err := s.PrepareBatch(store, types.Batch{Operations: ops})
	require.NoError(t, err)
	require.NoError(t, s.CommitBatch(store, true, prepared))

	streams, err := s.GetStreams("wildcard/#")
	require.NoError(t, err)
	require.Len(t, streams, 2)
}

func TestSkipstreamScenario4InheritanceAcrossGeneration(t *testing.T) {
	store := openTestKVStore(t)
	gen1 := newTestSkipstream(t, store, 1)

	var ops []types.Operation
	for i := 1; i <= 200; i++ {
		ops = append(ops, storeMsg(fmt.Sprintf("wildcard/%d/suffix/foo", i), 100, "x"))
		ops = append(ops, storeMsg(fmt.Sprintf("wildcard/%d/suffix/bar", i), 100, "y"))
	}
	prepared, err := gen1.PrepareBatch(store, types.Batch{Operations: ops})
	require.NoError(t, err)
	require.NoError(t, gen1.CommitBatch(store, true, prepared))

	gen2 := newTestSkipstream(t, store, 2)
	require.NoError(t, gen2.InheritFrom(store, gen1))

	var ops2 []types.Operation
	for i := 1; i <= 200; i++ {
		ops2 = append(ops2, storeMsg(fmt.Sprintf("wildcard/%d/suffix/foo", i), 1500, "x"))
		ops2 = append(ops2, storeMsg(fmt.Sprintf("wildcard/%d/suffix/bar", i), 1500, "y"))
	}
	prepared2, err := gen2.PrepareBatch(store, types.Batch{Operations: ops2})
	require.NoError(t, err)
	require.NoError(t, gen2.CommitBatch(store, true, prepared2))

	streams, err := gen2.GetStreams("wildcard/#")
	require.NoError(t, err)
	require.Len(t, streams, 2)
}

func TestSkipstreamScenario6CurrentGenerationEmptyIsNotEndOfStream(t *testing.T) {
	store := openTestKVStore(t)
	s := newTestSkipstream(t, store, 1)

	prepared, err := s.PrepareBatch(store, types.Batch{Operations: []types.Operation{storeMsg("foo/bar", 50, "hello")}})
	require.NoError(t, err)
	require.NoError(t, s.CommitBatch(store, true, prepared))

	streams, err := s.GetStreams("foo/bar")
	require.NoError(t, err)
	require.Len(t, streams, 1)

	it, err := s.MakeIterator(store, streams[0], "foo/bar", 0)
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

func TestSkipstreamClosedGenerationYieldsEndOfStream(t *testing.T) {
	store := openTestKVStore(t)
	s := newTestSkipstream(t, store, 1)

	prepared, err := s.PrepareBatch(store, types.Batch{Operations: []types.Operation{storeMsg("foo/bar", 50, "hello")}})
	require.NoError(t, err)
	require.NoError(t, s.CommitBatch(store, true, prepared))

	streams, err := s.GetStreams("foo/bar")
	require.NoError(t, err)
	it, err := s.MakeIterator(store, streams[0], "foo/bar", 0)
	require.NoError(t, err)
	defer it.Close()

	_, _, err = it.Next(10, 1000, false)
	require.NoError(t, err)

	_, eos, err := it.Next(10, 1000, false)
	require.NoError(t, err)
	require.True(t, eos)
}

func TestSkipstreamLiteralFilterReadsOnlyItsOwnShape(t *testing.T) {
	store := openTestKVStore(t)
	s := newTestSkipstream(t, store, 1)

	prepared, err := s.PrepareBatch(store, types.Batch{Operations: []types.Operation{
		storeMsg("home/alpha/temp", 10, "a"),
		storeMsg("home/beta/temp", 20, "b"),
	}})
	require.NoError(t, err)
	require.NoError(t, s.CommitBatch(store, true, prepared))

	streams, err := s.GetStreams("home/alpha/temp")
	require.NoError(t, err)
	require.Len(t, streams, 1)

	it, err := s.MakeIterator(store, streams[0], "home/alpha/temp", 0)
	require.NoError(t, err)
	defer it.Close()

	entries, _, err := it.Next(10, 1000, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "home/alpha/temp", entries[0].Message.Topic)
}

func TestSkipstreamLookupMessage(t *testing.T) {
	store := openTestKVStore(t)
	s := newTestSkipstream(t, store, 1)

	prepared, err := s.PrepareBatch(store, types.Batch{Operations: []types.Operation{storeMsg("a/b", 42, "payload")}})
	require.NoError(t, err)
	require.NoError(t, s.CommitBatch(store, true, prepared))

	streams, err := s.GetStreams("a/b")
	require.NoError(t, err)
	it, err := s.MakeIterator(store, streams[0], "a/b", 0)
	require.NoError(t, err)
	entries, _, err := it.Next(10, 1000, false)
	require.NoError(t, err)
	require.NoError(t, it.Close())
	require.Len(t, entries, 1)

	msg, ok, err := s.LookupMessage(store, entries[0].Key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a/b", msg.Topic)
	require.Equal(t, []byte("payload"), msg.Payload)
}
