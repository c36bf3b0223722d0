/*
Package config loads the on-disk counterpart to spec §6.1's in-memory
open_db call: a YAML manifest listing every DB a process should open at
startup. Documents are validated against an embedded JSON Schema before
being decoded into types.DBConfig, following the same embed.FS +
jsonschema.Loaders + jsonschema.Compile pattern as the teacher's
reference schema package.
*/
package config
