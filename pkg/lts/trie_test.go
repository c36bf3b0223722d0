package lts

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrepareCommitThenLookup(t *testing.T) {
	tr := New(8)
	pending := NewPendingOps()

	static, varying, err := tr.Prepare("home/livingroom/temperature", pending)
	require.NoError(t, err)
	require.Empty(t, varying)
	require.False(t, pending.Empty())

	// Not yet visible to a read-only lookup.
	_, _, found := tr.LookupTopicKey("home/livingroom/temperature")
	require.False(t, found)

	tr.Commit(pending)

	gotStatic, gotVarying, found := tr.LookupTopicKey("home/livingroom/temperature")
	require.True(t, found)
	require.Equal(t, static, gotStatic)
	require.Empty(t, gotVarying)
}

func TestPrepareIsIdempotentWithinABatch(t *testing.T) {
	tr := New(8)
	pending := NewPendingOps()

	s1, v1, err := tr.Prepare("a/b/c", pending)
	require.NoError(t, err)
	s2, v2, err := tr.Prepare("a/b/c", pending)
	require.NoError(t, err)

	require.Equal(t, s1, s2)
	require.Equal(t, v1, v2)
}

func TestCrashBetweenPrepareAndCommitLeavesTrieUntouched(t *testing.T) {
	tr := New(8)
	pending := NewPendingOps()

	_, _, err := tr.Prepare("x/y/z", pending)
	require.NoError(t, err)
	require.NotEmpty(t, pending.Ops())

	// Simulate a crash: pending is simply discarded, Commit never called.
	_, _, found := tr.LookupTopicKey("x/y/z")
	require.False(t, found)

	// A fresh Prepare call for the same topic allocates fresh nodes,
	// proving the previous attempt left no trace in committed state.
	pending2 := NewPendingOps()
	_, _, err = tr.Prepare("x/y/z", pending2)
	require.NoError(t, err)
	require.Equal(t, pending.Ops()[0].Parent, pending2.Ops()[0].Parent)
}

func TestRootThresholdPromotesToWildcard(t *testing.T) {
	tr := New(8)
	pending := NewPendingOps()

	for i := 0; i < RootThreshold; i++ {
		_, _, err := tr.Prepare(fmt.Sprintf("sensor%d/reading", i), pending)
		require.NoError(t, err)
	}
	tr.Commit(pending)

	// The 101st distinct root token should route through the wildcard
	// edge instead of allocating a new literal child of the root.
	pending2 := NewPendingOps()
	_, varying, err := tr.Prepare("sensorOverflow/reading", pending2)
	require.NoError(t, err)
	require.Equal(t, []string{"sensorOverflow"}, varying)
}

func TestNonRootThresholdPromotesToWildcard(t *testing.T) {
	tr := New(8)
	pending := NewPendingOps()

	_, _, err := tr.Prepare("home/anchor", pending)
	require.NoError(t, err)
	tr.Commit(pending)

	for i := 0; i < NonRootThreshold; i++ {
		p := NewPendingOps()
		_, _, err := tr.Prepare(fmt.Sprintf("home/room%d", i), p)
		require.NoError(t, err)
		tr.Commit(p)
	}

	p := NewPendingOps()
	_, varying, err := tr.Prepare("home/roomOverflow", p)
	require.NoError(t, err)
	require.Equal(t, []string{"roomOverflow"}, varying)
}

func TestLookupFailsClosedOnUnknownToken(t *testing.T) {
	tr := New(8)
	pending := NewPendingOps()
	_, _, err := tr.Prepare("a/b", pending)
	require.NoError(t, err)
	tr.Commit(pending)

	_, _, found := tr.LookupTopicKey("a/unseen")
	require.False(t, found)
}

func TestLookupFailsClosedOnNonTerminalPrefix(t *testing.T) {
	tr := New(8)
	pending := NewPendingOps()
	_, _, err := tr.Prepare("a/b/c", pending)
	require.NoError(t, err)
	tr.Commit(pending)

	_, _, found := tr.LookupTopicKey("a/b")
	require.False(t, found)
}

func TestReverseLookupReconstructsStructure(t *testing.T) {
	tr := New(8)
	for i := 0; i < NonRootThreshold+1; i++ {
		p := NewPendingOps()
		_, _, err := tr.Prepare(fmt.Sprintf("home/device%d/temp", i), p)
		require.NoError(t, err)
		tr.Commit(p)
	}

	static, varying, found := tr.LookupTopicKey("home/deviceOverflow/temp")
	require.True(t, found)
	require.Equal(t, []string{"deviceOverflow"}, varying)

	structure, ok := tr.ReverseLookup(static)
	require.True(t, ok)
	require.Equal(t, []string{"home", WildcardToken, "temp"}, structure.Tokens)
	require.Equal(t, 1, structure.NumVarying())
}

func TestMatchTopicsLiteralFilter(t *testing.T) {
	tr := New(8)
	p := NewPendingOps()
	static, _, err := tr.Prepare("home/kitchen/temperature", p)
	require.NoError(t, err)
	tr.Commit(p)

	results := tr.MatchTopics("home/kitchen/temperature")
	require.Len(t, results, 1)
	require.Equal(t, static, results[0].Static)
	require.Empty(t, results[0].Varying)
}

func TestMatchTopicsSingleLevelWildcard(t *testing.T) {
	tr := New(8)
	for _, topic := range []string{"home/kitchen/temperature", "home/bedroom/temperature"} {
		p := NewPendingOps()
		_, _, err := tr.Prepare(topic, p)
		require.NoError(t, err)
		tr.Commit(p)
	}

	results := tr.MatchTopics("home/+/temperature")
	require.Len(t, results, 2)
}

func TestMatchTopicsWildcardEdgeAddsExactConstraint(t *testing.T) {
	tr := New(8)
	// Force promotion of the root's second level to a wildcard edge.
	for i := 0; i < NonRootThreshold; i++ {
		p := NewPendingOps()
		_, _, err := tr.Prepare(fmt.Sprintf("home/sensor%d", i), p)
		require.NoError(t, err)
		tr.Commit(p)
	}
	p := NewPendingOps()
	static, varying, err := tr.Prepare("home/sensorOverflow", p)
	require.NoError(t, err)
	tr.Commit(p)
	require.Equal(t, []string{"sensorOverflow"}, varying)

	// A literal filter for a token that only exists via the wildcard
	// edge should still match, with an exact-value constraint attached.
	results := tr.MatchTopics("home/sensorOverflow")
	require.Len(t, results, 1)
	require.Equal(t, static, results[0].Static)
	require.Equal(t, []FilterConstraint{{Value: "sensorOverflow"}}, results[0].Varying)

	// A '+' filter at that position matches the ten literal children and
	// the wildcard edge; the wildcard match comes last, with an "any" constraint.
	results = tr.MatchTopics("home/+")
	require.Len(t, results, NonRootThreshold+1)
	require.True(t, results[len(results)-1].Varying[0].Any)
}

func TestMatchTopicsMultiLevelWildcard(t *testing.T) {
	tr := New(8)
	for _, topic := range []string{"home/kitchen/temperature", "home/kitchen/humidity", "home/bedroom/temperature"} {
		p := NewPendingOps()
		_, _, err := tr.Prepare(topic, p)
		require.NoError(t, err)
		tr.Commit(p)
	}

	results := tr.MatchTopics("home/#")
	require.Len(t, results, 3)
	for _, r := range results {
		require.True(t, r.MultiLevel)
	}
}

func TestMatchTopicsRootHashMatchesEverything(t *testing.T) {
	tr := New(8)
	for _, topic := range []string{"a/b", "c/d/e"} {
		p := NewPendingOps()
		_, _, err := tr.Prepare(topic, p)
		require.NoError(t, err)
		tr.Commit(p)
	}

	results := tr.MatchTopics("#")
	require.Len(t, results, 2)
}

func TestCompressDecompressTopicRoundTrip(t *testing.T) {
	tr := New(8)
	for i := 0; i < NonRootThreshold+1; i++ {
		p := NewPendingOps()
		_, _, err := tr.Prepare(fmt.Sprintf("home/device%d/temp", i), p)
		require.NoError(t, err)
		tr.Commit(p)
	}

	// device10 was the eleventh token under "home", so it went through the
	// wildcard edge and is a varying token of its shape.
	topic := "home/device10/temp"
	static, _, found := tr.LookupTopicKey(topic)
	require.True(t, found)

	structure, ok := tr.ReverseLookup(static)
	require.True(t, ok)

	varying, ok := CompressTopic(structure, topic)
	require.True(t, ok)
	require.Equal(t, []string{"device10"}, varying)

	restored, ok := DecompressTopic(structure, varying)
	require.True(t, ok)
	require.Equal(t, topic, restored)
}

func TestCompressTopicRejectsIncompatibleArity(t *testing.T) {
	tr := New(8)
	p := NewPendingOps()
	_, _, err := tr.Prepare("a/b/c", p)
	require.NoError(t, err)
	tr.Commit(p)

	static, _, found := tr.LookupTopicKey("a/b/c")
	require.True(t, found)
	structure, ok := tr.ReverseLookup(static)
	require.True(t, ok)

	_, ok = CompressTopic(structure, "a/b")
	require.False(t, ok)
}

func TestDumpAndRestoreInheritance(t *testing.T) {
	tr := New(8)
	topics := []string{"home/kitchen/temperature", "home/bedroom/temperature", "office/desk/humidity"}
	for _, topic := range topics {
		p := NewPendingOps()
		_, _, err := tr.Prepare(topic, p)
		require.NoError(t, err)
		tr.Commit(p)
	}

	dump := tr.Dump()
	require.NotEmpty(t, dump)

	restored := Restore(8, dump)
	for _, topic := range topics {
		wantStatic, wantVarying, found := tr.LookupTopicKey(topic)
		require.True(t, found)

		gotStatic, gotVarying, found := restored.LookupTopicKey(topic)
		require.True(t, found)
		require.Equal(t, wantStatic, gotStatic)
		require.Equal(t, wantVarying, gotVarying)
	}
}

func TestEncodeDecodeTrieKeyValueRoundTrip(t *testing.T) {
	tr := New(8)
	p := NewPendingOps()
	_, _, err := tr.Prepare("a/b", p)
	require.NoError(t, err)
	require.NotEmpty(t, p.Ops())

	for _, op := range p.Ops() {
		key, value := EncodeOp(op)
		gotOp, err := DecodeOp(key, value, 8)
		require.NoError(t, err)
		require.Equal(t, op, gotOp)
	}
}

func TestEqualKeysHelper(t *testing.T) {
	tr := New(8)
	p := NewPendingOps()
	static, _, err := tr.Prepare("a", p)
	require.NoError(t, err)
	require.True(t, equalKeys(static, static))
}
