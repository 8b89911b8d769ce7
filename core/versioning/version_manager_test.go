package versioning

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chronolog-db/chronolog/core/adapter"
	"github.com/chronolog-db/chronolog/core/storage/bufferpool"
	"github.com/chronolog-db/chronolog/core/storage/disk"
	"github.com/chronolog-db/chronolog/core/storage/page"
)

func setupVersionManager(t *testing.T, poolSize int) (*VersionManager, *bufferpool.BufferPoolManager) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	dm, err := disk.NewDiskManager(path, zap.NewNop())
	require.NoError(t, err)
	bpm := bufferpool.NewBufferPoolManager(poolSize, dm, zap.NewNop())
	t.Cleanup(func() {
		bpm.Close()
		dm.Close()
	})
	tree := adapter.NewBTreeAdapter(zap.NewNop())
	return NewVersionManager(bpm, tree, zap.NewNop()), bpm
}

func TestCommitMakesVersionVisible(t *testing.T) {
	vm, _ := setupVersionManager(t, 16)

	v1 := vm.CreateVersion()
	require.NoError(t, vm.ApplyUpdate(v1, page.InvalidVersion, "alpha", "1"))

	// Before commit the version has no published root.
	_, found, err := vm.Get(v1, "alpha")
	require.NoError(t, err)
	require.False(t, found)

	info, err := vm.CommitVersion(v1)
	require.NoError(t, err)
	require.Equal(t, v1, info.Version)
	require.NotEqual(t, uuid.Nil, info.CommitID)
	require.False(t, info.CommittedAt.IsZero())
	require.Equal(t, v1, vm.LastCommitted())

	got, found, err := vm.Get(v1, "alpha")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", got)
}

func TestCopyOnWritePreservesBaseVersion(t *testing.T) {
	vm, _ := setupVersionManager(t, 16)

	v1 := vm.CreateVersion()
	require.NoError(t, vm.ApplyUpdate(v1, page.InvalidVersion, "alpha", "old"))
	require.NoError(t, vm.ApplyUpdate(v1, page.InvalidVersion, "beta", "b1"))
	_, err := vm.CommitVersion(v1)
	require.NoError(t, err)

	v2 := vm.CreateVersion()
	require.NoError(t, vm.ApplyUpdate(v2, v1, "alpha", "new"))
	require.NoError(t, vm.ApplyUpdate(v2, v1, "gamma", "g1"))
	_, err = vm.CommitVersion(v2)
	require.NoError(t, err)

	// The base version still answers with its own snapshot.
	got, found, err := vm.Get(v1, "alpha")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "old", got)
	_, found, err = vm.Get(v1, "gamma")
	require.NoError(t, err)
	require.False(t, found)

	got, found, err = vm.Get(v2, "alpha")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "new", got)
	got, found, err = vm.Get(v2, "beta")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "b1", got)
	got, found, err = vm.Get(v2, "gamma")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "g1", got)
}

func TestAbortDiscardsStagedPages(t *testing.T) {
	vm, bpm := setupVersionManager(t, 16)

	v1 := vm.CreateVersion()
	require.NoError(t, vm.ApplyUpdate(v1, page.InvalidVersion, "alpha", "1"))
	_, err := vm.CommitVersion(v1)
	require.NoError(t, err)

	v2 := vm.CreateVersion()
	require.NoError(t, vm.ApplyUpdate(v2, v1, "alpha", "2"))
	vm.AbortVersion(v2)

	// The aborted version never becomes readable.
	_, found, err := vm.Get(v2, "alpha")
	require.NoError(t, err)
	require.False(t, found)

	// Aborting twice is a no-op, and the pool accounting stays balanced.
	vm.AbortVersion(v2)
	require.Equal(t, bpm.PoolSize(), bpm.ResidentCount()+bpm.FreeCount())

	got, _, err := vm.Get(v1, "alpha")
	require.NoError(t, err)
	require.Equal(t, "1", got)
}

func TestApplyUpdateUnknownVersion(t *testing.T) {
	vm, _ := setupVersionManager(t, 8)
	require.Error(t, vm.ApplyUpdate(99, page.InvalidVersion, "a", "b"))
}

func TestCommitUnknownAndCommittedVersion(t *testing.T) {
	vm, _ := setupVersionManager(t, 8)

	_, err := vm.CommitVersion(99)
	require.Error(t, err)

	v := vm.CreateVersion()
	require.NoError(t, vm.ApplyUpdate(v, page.InvalidVersion, "a", "b"))
	_, err = vm.CommitVersion(v)
	require.NoError(t, err)
	_, err = vm.CommitVersion(v)
	require.Error(t, err)
}

func TestSplitsUnderManyKeys(t *testing.T) {
	vm, _ := setupVersionManager(t, 32)

	v := vm.CreateVersion()
	value := strings.Repeat("x", 40)
	const keys = 300
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("key-%04d", i)
		require.NoError(t, vm.ApplyUpdate(v, page.InvalidVersion, key, value+fmt.Sprint(i)))
	}
	_, err := vm.CommitVersion(v)
	require.NoError(t, err)

	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("key-%04d", i)
		got, found, err := vm.Get(v, key)
		require.NoError(t, err)
		require.True(t, found, "key %q", key)
		require.Equal(t, value+fmt.Sprint(i), got)
	}
}

func TestMultiVersionChain(t *testing.T) {
	vm, _ := setupVersionManager(t, 32)

	base := page.InvalidVersion
	var versions []page.Version
	for round := 0; round < 5; round++ {
		v := vm.CreateVersion()
		require.NoError(t, vm.ApplyUpdate(v, base, "counter", fmt.Sprint(round)))
		require.NoError(t, vm.ApplyUpdate(v, base, fmt.Sprintf("round-%d", round), "present"))
		_, err := vm.CommitVersion(v)
		require.NoError(t, err)
		versions = append(versions, v)
		base = v
	}

	// Every snapshot keeps its own counter and sees exactly the rounds
	// committed up to it.
	for i, v := range versions {
		got, found, err := vm.Get(v, "counter")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, fmt.Sprint(i), got)

		for j := 0; j < 5; j++ {
			_, found, err := vm.Get(v, fmt.Sprintf("round-%d", j))
			require.NoError(t, err)
			require.Equal(t, j <= i, found)
		}
	}
}
