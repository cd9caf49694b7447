package zindex

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colgrove/colgrove/internal/sortvec"
)

// buildTestIndex builds an index over keys in row order.
func buildTestIndex(t *testing.T, keys []string, unique bool) *ZintIndex {
	t.Helper()
	vec := sortvec.New(0)
	for _, k := range keys {
		vec.Push([]byte(k))
	}
	z, err := BuildZint(filepath.Join(t.TempDir(), "index-a.zint"), vec, unique)
	require.NoError(t, err)
	t.Cleanup(func() { z.Close() })
	return z
}

func TestZintSearchExact(t *testing.T) {
	// Row ids follow insertion order, keys are unsorted on purpose.
	z := buildTestIndex(t, []string{"mango", "apple", "pear", "apple", "fig"}, false)

	assert.Equal(t, 5, z.NumDataRows())
	ids := z.SearchExactAppend([]byte("apple"), nil)
	assert.Equal(t, []uint32{1, 3}, ids)

	ids = z.SearchExactAppend([]byte("fig"), nil)
	assert.Equal(t, []uint32{4}, ids)

	assert.Empty(t, z.SearchExactAppend([]byte("banana"), nil))
}

func TestZintStoreView(t *testing.T) {
	z := buildTestIndex(t, []string{"x", "y", "z"}, true)
	// The index is also the colgroup store: phys -> key.
	for i, want := range []string{"x", "y", "z"} {
		got, err := z.GetValueAppend(nil, i)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestZintUniqueViolation(t *testing.T) {
	vec := sortvec.New(0)
	vec.Push([]byte("dup"))
	vec.Push([]byte("dup"))
	_, err := BuildZint(filepath.Join(t.TempDir(), "index-u.zint"), vec, true)
	assert.ErrorIs(t, err, ErrKeyExists)
}

func TestZintIterators(t *testing.T) {
	z := buildTestIndex(t, []string{"b", "d", "a", "c"}, false)

	it := z.NewIterForward()
	var keys []string
	for {
		_, key, ok := it.Increment()
		if !ok {
			break
		}
		keys = append(keys, string(key))
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, keys)

	back := z.NewIterBackward()
	keys = keys[:0]
	for {
		_, key, ok := back.Increment()
		if !ok {
			break
		}
		keys = append(keys, string(key))
	}
	assert.Equal(t, []string{"d", "c", "b", "a"}, keys)
}

func TestZintSeekLowerBound(t *testing.T) {
	z := buildTestIndex(t, []string{"b", "d", "f"}, false)

	it := z.NewIterForward()
	cmp, ok := it.SeekLowerBound([]byte("c"))
	require.True(t, ok)
	assert.Positive(t, cmp)
	_, key, ok := it.Increment()
	require.True(t, ok)
	assert.Equal(t, "d", string(key))

	cmp, ok = it.SeekLowerBound([]byte("d"))
	require.True(t, ok)
	assert.Zero(t, cmp)

	_, ok = it.SeekLowerBound([]byte("g"))
	assert.False(t, ok)

	back := z.NewIterBackward()
	cmp, ok = back.SeekLowerBound([]byte("e"))
	require.True(t, ok)
	assert.Negative(t, cmp)
	_, key, ok = back.Increment()
	require.True(t, ok)
	assert.Equal(t, "d", string(key))
}

func TestWritableIndex(t *testing.T) {
	w := NewWritable(false)
	require.NoError(t, w.Insert([]byte("k1"), 0))
	require.NoError(t, w.Insert([]byte("k2"), 1))
	require.NoError(t, w.Insert([]byte("k1"), 2))

	assert.Equal(t, []uint32{0, 2}, w.SearchExactAppend([]byte("k1"), nil))

	w.Remove([]byte("k1"), 0)
	assert.Equal(t, []uint32{2}, w.SearchExactAppend([]byte("k1"), nil))

	w.Replace([]byte("k2"), 1, 9)
	assert.Equal(t, []uint32{9}, w.SearchExactAppend([]byte("k2"), nil))
}

func TestWritableIndexUnique(t *testing.T) {
	w := NewWritable(true)
	require.NoError(t, w.Insert([]byte("pk"), 0))
	err := w.Insert([]byte("pk"), 1)
	assert.ErrorIs(t, err, ErrKeyExists)

	// Removing frees the key for reuse.
	w.Remove([]byte("pk"), 0)
	assert.NoError(t, w.Insert([]byte("pk"), 1))
}

func TestWritableIndexIterator(t *testing.T) {
	w := NewWritable(false)
	for i, k := range []string{"m", "a", "z", "a"} {
		require.NoError(t, w.Insert([]byte(k), uint32(i)))
	}
	it := w.NewIterForward()
	var got []string
	for {
		id, key, ok := it.Increment()
		if !ok {
			break
		}
		got = append(got, fmt.Sprintf("%s/%d", key, id))
	}
	assert.Equal(t, []string{"a/1", "a/3", "m/0", "z/2"}, got)
}

func TestEmptyIndexStore(t *testing.T) {
	e := NewEmptyIndexStore(true)
	assert.True(t, e.IsUniqueInSchema())
	assert.Empty(t, e.SearchExactAppend([]byte("any"), nil))
	_, ok := e.NewIterForward().SeekLowerBound([]byte("any"))
	assert.False(t, ok)
}
