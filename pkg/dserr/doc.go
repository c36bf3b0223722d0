/*
Package dserr implements the three-way error taxonomy from spec §7:
Recoverable, Unrecoverable, and NotFound. The storage layer never retries
internally; it classifies outcomes so callers can decide whether a retry,
a surfaced failure, or a no-op is appropriate.
*/
package dserr
