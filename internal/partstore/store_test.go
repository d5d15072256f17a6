package partstore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "partstore.db"), []string{t.TempDir(), t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRejectsNoDataDirs(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "p.db"), nil)
	assert.Error(t, err)
}

func TestReserveRowIDsAccumulates(t *testing.T) {
	s := openTestStore(t)
	first, err := s.ReserveRowIDs(1, 20230101, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 0, first)

	second, err := s.ReserveRowIDs(1, 20230101, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 10, second)
}

func TestReserveRowIDsConcurrentWindowsAreDisjoint(t *testing.T) {
	s := openTestStore(t)
	counts := []uint64{100, 150}
	firsts := make([]uint64, len(counts))

	var wg sync.WaitGroup
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			first, err := s.ReserveRowIDs(1, 5, counts[i])
			assert.NoError(t, err)
			firsts[i] = first
		}(i)
	}
	wg.Wait()

	lo, hi := firsts[0], firsts[1]
	cLo, cHi := counts[0], counts[1]
	if lo > hi {
		lo, hi = hi, lo
		cLo, cHi = cHi, cLo
	}
	assert.EqualValues(t, 0, lo)
	assert.Equal(t, lo+cLo, hi)
	assert.EqualValues(t, 250, hi+cHi)
}

func TestSetRowCountAndCommittedRowCount(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SetRowCount(1, 20230101, 42))
	n, err := s.CommittedRowCount(1, 20230101)
	require.NoError(t, err)
	assert.EqualValues(t, 42, n)
}

func TestUpdateColumnByteSize(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpdateColumnByteSize(7, 20230101, 1024))
	n, err := s.ColumnByteSize(7, 20230101)
	require.NoError(t, err)
	assert.EqualValues(t, 1024, n)
}

func TestAcquireAndReleaseTableLock(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.AcquireTableLock(1, time.Second))
	require.NoError(t, s.ReleaseTableLock(1))
	require.NoError(t, s.AcquireTableLock(1, time.Second))
}

func TestAcquireTableLockTimesOutOnContention(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.AcquireTableLock(1, time.Second))
	err := s.AcquireTableLock(1, 10*time.Millisecond)
	assert.Error(t, err)
}

func TestEnumeratePartitionsSkipsZeroRowCounts(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SetRowCount(1, 10, 100))
	require.NoError(t, s.SetRowCount(1, 20, 0))
	require.NoError(t, s.UpdateColumnByteSize(5, 10, 800))

	infos, err := s.EnumeratePartitions(1, 5, 0, 100)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.EqualValues(t, 10, infos[0].Ptk)
	assert.EqualValues(t, 800, infos[0].Size)
}

func TestListPartitionsIsNotScopedToAColumn(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SetRowCount(1, 10, 100))
	require.NoError(t, s.SetRowCount(1, 20, 50))

	parts, err := s.ListPartitions(1, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, map[PartitionKey]uint64{10: 100, 20: 50}, parts)
}

func TestPurgeTableRemovesReservedAndCommittedEntries(t *testing.T) {
	s := openTestStore(t)
	_, err := s.ReserveRowIDs(1, 10, 5)
	require.NoError(t, err)
	require.NoError(t, s.SetRowCount(1, 10, 5))

	require.NoError(t, s.PurgeTable(1))

	n, err := s.CommittedRowCount(1, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSetRowCountNeverRegresses(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SetRowCount(1, 10, 250))
	require.NoError(t, s.SetRowCount(1, 10, 100)) // slower writer commits late
	n, err := s.CommittedRowCount(1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 250, n)
}

func TestUpdateColumnByteSizeKeepsHighWaterMark(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpdateColumnByteSize(7, 10, 2000))
	require.NoError(t, s.UpdateColumnByteSize(7, 10, 800))
	n, err := s.ColumnByteSize(7, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2000, n)
}

func TestRemoveTableFilesDeletesEveryDataDir(t *testing.T) {
	dirs := []string{t.TempDir(), t.TempDir()}
	s, err := Open(filepath.Join(t.TempDir(), "p.db"), dirs)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	for _, dir := range dirs {
		sub := filepath.Join(dir, "9")
		require.NoError(t, os.MkdirAll(sub, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(sub, "3_20230101"), []byte{1, 2, 3}, 0o644))
	}

	require.NoError(t, s.RemoveTableFiles(9))
	for _, dir := range dirs {
		_, err := os.Stat(filepath.Join(dir, "9"))
		assert.True(t, os.IsNotExist(err))
	}
}

func TestDataDirIsStableForSamePartitionKey(t *testing.T) {
	s := openTestStore(t)
	a := s.DataDir(12345)
	b := s.DataDir(12345)
	assert.Equal(t, a, b)
}
