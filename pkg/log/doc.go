/*
Package log provides structured logging for the storage engine using
zerolog. It wraps the zerolog library to provide JSON-structured logging
with component-specific child loggers, configurable levels, and helper
functions for common logging patterns.

Child loggers are keyed on the axes that actually identify state in this
engine — db, shard, generation, and layout — rather than generic request
ids, so a log line can always be traced back to the exact column-family
set it concerns.
*/
package log
