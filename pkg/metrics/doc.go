/*
Package metrics exposes the storage engine's metrics sink (spec §6.2):
increment-only, fire-and-forget counters for seek/next/hit/collision/
end-of-stream/future-read outcomes, plus a histogram of next() latency.
There is no separate miss counter.
It is built on prometheus/client_golang exactly the way the rest of this
codebase's ambient stack uses it.
*/
package metrics
