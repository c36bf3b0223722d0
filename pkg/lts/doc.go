/*
Package lts implements the Learned Topic Structure (spec §4.1): a trie
over MQTT topic tokens that compresses frequently-seen topic prefixes
into fixed-width static keys, and demotes high-cardinality positions to a
single wildcard edge once a per-node threshold of distinct tokens is
exceeded (100 at the root, 10 elsewhere).

A static key identifies a topic *shape* — a terminal node of the trie —
not a single topic. All concrete topics that share that shape differ
only in their varying (wildcard-routed) tokens, which is what lets the
skipstream-LTS layout (pkg/layout) turn "does this message match this
subscription" into a handful of fixed-width key-range scans instead of a
per-message string match.

Mutation is two-phase, per spec §9's design note replacing the source's
"process-local mutable dictionary used for pending trie persistence
ops": Prepare computes any new nodes a topic requires against the
trie's last-committed state and returns them in a batch-scoped
*PendingOps accumulator without touching committed state; Commit merges
that accumulator into the live trie only after the caller's KV batch
containing the same ops has committed durably. A crash between the two
leaves the trie exactly as it was before Prepare was called — the
allocated static keys are simply never referenced by any committed data.
*/
package lts
