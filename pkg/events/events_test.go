package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/dsengine/pkg/types"
)

func TestBrokerDeliversPublishedEventsToSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Kind: KindBatchCommitted, DB: "db1", Shard: "0", Gen: 1})

	select {
	case ev := <-sub:
		require.Equal(t, KindBatchCommitted, ev.Kind)
		require.Equal(t, "db1", ev.DB)
		require.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())
	b.Unsubscribe(sub)
	require.Equal(t, 0, b.SubscriberCount())

	// Unsubscribing twice must not panic (closing an already-closed channel).
	b.Unsubscribe(sub)
}

func TestFilterDroppedForwardsEventsForKnownGenerations(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	known := map[types.GenID]bool{1: true, 2: false}
	filtered := FilterDropped(sub, func(db string, shard types.Shard, gen types.GenID) bool {
		return known[gen]
	})

	b.Publish(&Event{Kind: KindBatchCommitted, DB: "db1", Shard: "0", Gen: 1})
	b.Publish(&Event{Kind: KindBatchCommitted, DB: "db1", Shard: "0", Gen: 2})
	b.Publish(&Event{Kind: KindGenerationDropped, DB: "db1", Shard: "0", Gen: 2})
	b.Publish(&Event{Kind: KindBatchCommitted, DB: "db1", Shard: "0", Gen: 1})

	var received []*Event
	for len(received) < 3 {
		select {
		case ev := <-filtered:
			received = append(received, ev)
		case <-time.After(time.Second):
			t.Fatalf("only received %d of 3 expected events", len(received))
		}
	}

	// The second batch.committed (gen 2, dropped) must have been discarded;
	// the generation.dropped event for gen 2 itself always passes through.
	require.Len(t, received, 3)
	require.Equal(t, types.GenID(1), received[0].Gen)
	require.Equal(t, KindGenerationDropped, received[1].Kind)
	require.Equal(t, types.GenID(1), received[2].Gen)

	select {
	case ev := <-filtered:
		t.Fatalf("unexpected extra event delivered: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	b.Unsubscribe(sub)
	_, open := <-filtered
	require.False(t, open)
}
