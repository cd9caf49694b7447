package bitvec

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitVecBasics(t *testing.T) {
	bv := New(10)
	assert.Equal(t, 10, bv.Len())
	assert.Equal(t, 0, bv.PopCount())

	bv.Set(3)
	bv.Set(7)
	assert.True(t, bv.Get(3))
	assert.False(t, bv.Get(4))
	assert.Equal(t, 2, bv.PopCount())

	bv.Clear(3)
	assert.False(t, bv.Get(3))
	assert.Equal(t, 1, bv.PopCount())
}

func TestBitVecPushBack(t *testing.T) {
	bv := New(0)
	for i := 0; i < 200; i++ {
		bv.PushBack(i%3 == 0)
	}
	assert.Equal(t, 200, bv.Len())
	count := 0
	for i := 0; i < 200; i++ {
		if i%3 == 0 {
			count++
			assert.True(t, bv.Get(i), "bit %d", i)
		}
	}
	assert.Equal(t, count, bv.PopCount())
}

func TestBitVecCloneAndOr(t *testing.T) {
	a := New(100)
	a.Set(5)
	b := a.Clone()
	b.Set(6)
	assert.False(t, a.Get(6))

	c := New(100)
	c.Set(99)
	b.Or(c)
	assert.True(t, b.Get(5))
	assert.True(t, b.Get(99))

	assert.True(t, a.IsSubsetOf(b))
	assert.False(t, b.IsSubsetOf(a))
}

func TestRankSelect0(t *testing.T) {
	bv := New(300)
	for _, i := range []int{0, 64, 65, 128, 299} {
		bv.Set(i)
	}
	rs := BuildRankSelect0(bv)
	assert.Equal(t, 295, rs.MaxRank0())

	// rank0 counts zeros strictly below i.
	assert.Equal(t, 0, rs.Rank0(0))
	assert.Equal(t, 0, rs.Rank0(1))
	assert.Equal(t, 1, rs.Rank0(2))
	assert.Equal(t, 63, rs.Rank0(64))
	assert.Equal(t, 63, rs.Rank0(66))

	// select0 inverts rank0 for every zero bit.
	k := 0
	for i := 0; i < 300; i++ {
		if !bv.Get(i) {
			require.Equal(t, i, rs.Select0(k), "k=%d", k)
			require.Equal(t, k, rs.Rank0(i))
			k++
		}
	}
}

func TestDelFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "IsDel")
	d, err := CreateDelFile(path, 8)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, d.PushBack(false))
	}
	d.Set(2)
	d.Set(7)
	assert.Equal(t, 10, d.Len())
	assert.Equal(t, 2, d.PopCount())
	require.NoError(t, d.Flush())
	require.NoError(t, d.Close())

	d2, err := OpenDelFile(path)
	require.NoError(t, err)
	defer d2.Close()
	assert.Equal(t, 10, d2.Len())
	assert.True(t, d2.Get(2))
	assert.True(t, d2.Get(7))
	assert.False(t, d2.Get(3))
	assert.Equal(t, 2, d2.PopCount())
}

func TestDelFileGrow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "IsDel")
	d, err := CreateDelFile(path, 8)
	require.NoError(t, err)
	defer d.Close()

	// Push far beyond the initial capacity to force a file grow+remap.
	for i := 0; i < 5000; i++ {
		require.NoError(t, d.PushBack(i%7 == 0))
	}
	assert.Equal(t, 5000, d.Len())
	for i := 0; i < 5000; i++ {
		require.Equal(t, i%7 == 0, d.Get(i), "bit %d", i)
	}
	assert.GreaterOrEqual(t, d.Unused(), 0)
}

func TestDelFileSnapshotIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "IsDel")
	d, err := CreateDelFile(path, 64)
	require.NoError(t, err)
	defer d.Close()
	for i := 0; i < 8; i++ {
		require.NoError(t, d.PushBack(false))
	}
	d.Set(1)
	snap := d.Snapshot()
	d.Set(2)
	assert.True(t, snap.Get(1))
	assert.False(t, snap.Get(2))
}

func TestPurgedFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	bv := New(1000)
	for i := 0; i < 1000; i += 3 {
		bv.Set(i)
	}
	path := filepath.Join(dir, "IsPurged.rs")
	require.NoError(t, WritePurgedFile(path, bv))

	p, err := ReadPurgedFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1000, p.Len())
	assert.Equal(t, bv.PopCount(), p.PopCount())

	// physical_id = rank0(logical_id) for live rows.
	phys := 0
	for i := 0; i < 1000; i++ {
		if !bv.Get(i) {
			require.Equal(t, phys, p.Rank0(i))
			require.Equal(t, i, p.Select0(phys))
			phys++
		}
	}
}

func TestWriteDelFileFromBitVec(t *testing.T) {
	dir := t.TempDir()
	bv := New(20)
	bv.Set(4)
	bv.Set(19)
	path := filepath.Join(dir, "IsDel")
	require.NoError(t, WriteDelFile(path, bv))

	d, err := OpenDelFile(path)
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, 20, d.Len())
	assert.True(t, d.Get(4))
	assert.True(t, d.Get(19))
	assert.Equal(t, 2, d.PopCount())
}
