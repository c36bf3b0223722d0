package generation

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/dsengine/pkg/kv"
	"github.com/cuemby/dsengine/pkg/types"
)

func openTestStore(t *testing.T) *kv.Store {
	t.Helper()
	s, err := kv.Open(filepath.Join(t.TempDir(), "shard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testConfig() types.DBConfig {
	return types.DBConfig{
		Layout:         types.LayoutSkipstreamLTS,
		StaticKeyWidth: 8,
		HashWidth:      8,
	}
}

func TestOpenBootstrapsGenerationZero(t *testing.T) {
	store := openTestStore(t)
	m, err := Open(store, "db1", "0", testConfig())
	require.NoError(t, err)

	id, l := m.Current()
	require.Equal(t, types.GenID(0), id)
	require.NotNil(t, l)

	info, ok := m.Info(0)
	require.True(t, ok)
	require.True(t, info.Open())
}

func TestAddGenerationClosesPrevious(t *testing.T) {
	store := openTestStore(t)
	m, err := Open(store, "db1", "0", testConfig())
	require.NoError(t, err)

	_, ok := m.Get(0)
	require.True(t, ok)

	newID, err := m.AddGeneration(1000)
	require.NoError(t, err)
	require.Equal(t, types.GenID(1), newID)

	prevInfo, ok := m.Info(0)
	require.True(t, ok)
	require.False(t, prevInfo.Open())
	require.NotNil(t, prevInfo.Until)
	require.Equal(t, int64(1000), *prevInfo.Until)

	curID, curLayout := m.Current()
	require.Equal(t, types.GenID(1), curID)
	require.NotNil(t, curLayout)
}

func TestDropGenerationTwiceReturnsError(t *testing.T) {
	store := openTestStore(t)
	m, err := Open(store, "db1", "0", testConfig())
	require.NoError(t, err)

	_, err = m.AddGeneration(1000)
	require.NoError(t, err)

	require.NoError(t, m.DropGeneration(0))

	err = m.DropGeneration(0)
	require.Error(t, err)
}

func TestListGenerationsWithLifetimes(t *testing.T) {
	store := openTestStore(t)
	m, err := Open(store, "db1", "0", testConfig())
	require.NoError(t, err)

	_, err = m.AddGeneration(1000)
	require.NoError(t, err)

	lifetimes := m.ListGenerationsWithLifetimes()
	require.Len(t, lifetimes, 2)
	require.Contains(t, lifetimes, types.GenID(0))
	require.Contains(t, lifetimes, types.GenID(1))
}

func TestReopenPreservesGenerationList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.db")
	store, err := kv.Open(path)
	require.NoError(t, err)

	m, err := Open(store, "db1", "0", testConfig())
	require.NoError(t, err)
	_, err = m.AddGeneration(1000)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store2, err := kv.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store2.Close() })

	m2, err := Open(store2, "db1", "0", testConfig())
	require.NoError(t, err)

	lifetimes := m2.ListGenerationsWithLifetimes()
	require.Len(t, lifetimes, 2)

	id, _ := m2.Current()
	require.Equal(t, types.GenID(1), id)
}
