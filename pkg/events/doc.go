/*
Package events provides an in-memory, generation-tagged event broker.

Spec §9 requires that "any asynchronous callback from a layout to the
shard must carry the generation id it originated from; the shard drops
events for already-dropped generations." This package implements that
broker: every Event carries the shard and GenID it was raised for.
Broker.Publish queues it on the broker's buffered channel, waiting only
while that buffer is full; the broker's fan-out to subscriber channels
does not block. Subscribers are responsible for discarding events whose
generation they no longer track, which FilterDropped does for a
subscription. In this module the subscriber is pkg/ds.Manager's standing
event log; pkg/shard does not subscribe.

The broker is a direct generalisation of warren's pkg/events: the
topic-agnostic in-memory bus is unchanged, only the event payload and its
lifecycle-rather-than-cluster vocabulary differ.
*/
package events
