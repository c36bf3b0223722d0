// Package generation implements the per-shard Generation Manager (spec
// §4.4): an ordered sequence of time-bounded generations, each owned by
// one pkg/layout.Layout instance bound to its own column families.
// Exactly one generation is open for writes at a time; adding a new one
// closes the previous and, when both share a layout kind, inherits its
// LTS trie (spec I6).
package generation
