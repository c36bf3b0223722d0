package config

import (
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/dsengine/pkg/dserr"
	"github.com/cuemby/dsengine/pkg/types"
)

//go:embed schemas/*
var schemaFiles embed.FS

func loadSchemaFile(s string) (io.ReadCloser, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	return schemaFiles.Open(u.Path)
}

func init() {
	jsonschema.Loaders["embedFS"] = loadSchemaFile
}

// RetentionPolicy configures the optional retention sweeper (pkg/retention)
// for one database; absent from spec.md, added per SPEC_FULL.md's
// supplemented features.
type RetentionPolicy struct {
	MaxGenerationAgeSeconds    int64 `yaml:"max_generation_age_seconds"`
	MaxGenerationWindowSeconds int64 `yaml:"max_generation_window_seconds"`
	DropAfterSeconds           int64 `yaml:"drop_after_seconds"`
}

// DatabaseEntry is one manifest entry, the YAML shape of an open_db call.
type DatabaseEntry struct {
	Name                     string           `yaml:"name"`
	Backend                  string           `yaml:"backend"`
	Layout                   string           `yaml:"layout"`
	NShards                  int              `yaml:"n_shards"`
	DataDir                  string           `yaml:"data_dir"`
	ForceMonotonicTimestamps bool             `yaml:"force_monotonic_timestamps"`
	AtomicBatches            bool             `yaml:"atomic_batches"`
	SerializeBy              string           `yaml:"serialize_by"`
	StaticKeyWidth           int              `yaml:"static_key_width"`
	HashWidth                int              `yaml:"hash_width"`
	PayloadCompression       bool             `yaml:"payload_compression"`
	SafetyMarginUs           int64            `yaml:"safety_margin_us"`
	Retention                *RetentionPolicy `yaml:"retention"`
}

// Manifest is the top-level YAML document: every DB the process should
// open at startup.
type Manifest struct {
	Databases []DatabaseEntry `yaml:"databases"`
}

// DBConfig converts one manifest entry into the facade's open_db argument.
func (e DatabaseEntry) DBConfig() types.DBConfig {
	backend := types.BackendBolt
	if e.Backend != "" {
		backend = types.Backend(e.Backend)
	}
	serializeBy := types.SerializeByClientID
	if e.SerializeBy != "" {
		serializeBy = types.SerializeBy(e.SerializeBy)
	}
	return types.DBConfig{
		Backend:                  backend,
		Layout:                   types.LayoutKind(e.Layout),
		NShards:                  e.NShards,
		DataDir:                  e.DataDir,
		ForceMonotonicTimestamps: e.ForceMonotonicTimestamps,
		AtomicBatches:            e.AtomicBatches,
		SerializeBy:              serializeBy,
		StaticKeyWidth:           e.StaticKeyWidth,
		HashWidth:                e.HashWidth,
		PayloadCompression:       e.PayloadCompression,
		SafetyMarginUs:           e.SafetyMarginUs,
	}
}

// Load reads, schema-validates, and decodes a DB manifest file.
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, dserr.Unrecoverablef("config.Load", err)
	}
	return Parse(raw)
}

// Parse validates raw YAML against the embedded manifest schema and
// decodes it into a Manifest.
func Parse(raw []byte) (*Manifest, error) {
	if err := validate(raw); err != nil {
		return nil, dserr.Unrecoverablef("config.Parse", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, dserr.Unrecoverablef("config.Parse", err)
	}
	return &m, nil
}

// validate re-marshals the YAML document through encoding/json so that
// jsonschema (which only understands encoding/json's decoded shapes) sees
// the same document a JSON manifest would produce.
func validate(raw []byte) error {
	var generic interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return err
	}
	jsonBytes, err := json.Marshal(generic)
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return err
	}

	s, err := jsonschema.Compile("embedFS://schemas/manifest.schema.json")
	if err != nil {
		return err
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("manifest validation: %w", err)
	}
	return nil
}
