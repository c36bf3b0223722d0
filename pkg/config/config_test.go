package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/dsengine/pkg/types"
)

const validManifest = `
databases:
  - name: telemetry
    backend: bbolt
    layout: skipstream-lts
    n_shards: 4
    serialize_by: clientid
    force_monotonic_timestamps: true
    static_key_width: 8
    hash_width: 8
    retention:
      max_generation_window_seconds: 3600
      drop_after_seconds: 86400
  - name: audit
    layout: reference
    n_shards: 1
`

func TestParseValidManifest(t *testing.T) {
	m, err := Parse([]byte(validManifest))
	require.NoError(t, err)
	require.Len(t, m.Databases, 2)

	telemetry := m.Databases[0]
	require.Equal(t, "telemetry", telemetry.Name)
	require.Equal(t, 4, telemetry.NShards)
	require.NotNil(t, telemetry.Retention)
	require.Equal(t, int64(3600), telemetry.Retention.MaxGenerationWindowSeconds)

	cfg := telemetry.DBConfig()
	require.Equal(t, types.LayoutSkipstreamLTS, cfg.Layout)
	require.Equal(t, types.SerializeByClientID, cfg.SerializeBy)
	require.True(t, cfg.ForceMonotonicTimestamps)
}

func TestParseRejectsUnknownLayout(t *testing.T) {
	bad := `
databases:
  - name: bogus
    layout: not-a-real-layout
    n_shards: 1
`
	_, err := Parse([]byte(bad))
	require.Error(t, err)
}

func TestParseRejectsMissingRequiredField(t *testing.T) {
	bad := `
databases:
  - layout: reference
    n_shards: 1
`
	_, err := Parse([]byte(bad))
	require.Error(t, err)
}

func TestParseRejectsZeroShards(t *testing.T) {
	bad := `
databases:
  - name: zero
    layout: reference
    n_shards: 0
`
	_, err := Parse([]byte(bad))
	require.Error(t, err)
}

func TestParseDefaultsBackendAndSerializeBy(t *testing.T) {
	m, err := Parse([]byte(`
databases:
  - name: defaults
    layout: reference
    n_shards: 1
`))
	require.NoError(t, err)
	cfg := m.Databases[0].DBConfig()
	require.Equal(t, types.BackendBolt, cfg.Backend)
	require.Equal(t, types.SerializeByClientID, cfg.SerializeBy)
}
