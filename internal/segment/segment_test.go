package segment

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colgrove/colgrove/internal/fs"
	"github.com/colgrove/colgrove/model"
	"github.com/colgrove/colgrove/schema"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	sc, err := schema.New([]schema.Column{
		{ID: 0, Name: "a", Type: schema.TypeInt32},
		{ID: 1, Name: "b", Type: schema.TypeVarBin},
	}, []schema.IndexDef{{Columns: []string{"a"}}})
	require.NoError(t, err)
	return sc
}

// fixedSchema has an in-place updatable residual colgroup.
func fixedSchema(t *testing.T) *schema.Schema {
	t.Helper()
	sc, err := schema.New([]schema.Column{
		{ID: 0, Name: "k", Type: schema.TypeInt32},
		{ID: 1, Name: "v", Type: schema.TypeInt64},
	}, []schema.IndexDef{{Columns: []string{"k"}, Unique: true}})
	require.NoError(t, err)
	require.NotEmpty(t, sc.UpdatableColgroups())
	return sc
}

func encodeRow(t *testing.T, sc *schema.Schema, vals ...any) ([]byte, [][]byte) {
	t.Helper()
	cols, err := sc.EncodeValues(vals...)
	require.NoError(t, err)
	return sc.EncodeRow(nil, cols), cols
}

func TestWritableAppendGet(t *testing.T) {
	sc := testSchema(t)
	w, err := CreateWritable(fs.Default, filepath.Join(t.TempDir(), "wr-0000"), sc)
	require.NoError(t, err)
	defer w.DecRef()

	row, cols := encodeRow(t, sc, int32(1), []byte("x"))
	sub, err := w.AppendRow(row, cols, true)
	require.NoError(t, err)
	assert.Equal(t, model.SubID(0), sub)
	assert.Equal(t, 1, w.NumLogicRows())

	got, err := w.GetValue(nil, sub)
	require.NoError(t, err)
	assert.Equal(t, row, got)

	key := sc.IndexKey(nil, sc.Indexes[0], cols)
	ids, err := w.IndexSearchExactAppend(0, key, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0}, ids)
}

func TestWritableRemoveAndReuse(t *testing.T) {
	sc := testSchema(t)
	w, err := CreateWritable(fs.Default, filepath.Join(t.TempDir(), "wr-0000"), sc)
	require.NoError(t, err)
	defer w.DecRef()

	for i := int32(0); i < 3; i++ {
		row, cols := encodeRow(t, sc, i, []byte("v"))
		_, err := w.AppendRow(row, cols, true)
		require.NoError(t, err)
	}
	require.NoError(t, w.RemoveRow(1, true))
	assert.Equal(t, 1, w.DelCount())
	assert.True(t, w.IsDeleted(1))
	assert.True(t, w.HasDeletedIDs())

	sub, ok := w.TakeDeletedID()
	require.True(t, ok)
	assert.Equal(t, model.SubID(1), sub)

	row, cols := encodeRow(t, sc, int32(9), []byte("re"))
	require.NoError(t, w.ReuseRow(sub, row, cols, true))
	assert.Equal(t, 0, w.DelCount())
	got, err := w.GetValue(nil, sub)
	require.NoError(t, err)
	assert.Equal(t, row, got)
}

func TestWritableReopenReplays(t *testing.T) {
	sc := testSchema(t)
	dir := filepath.Join(t.TempDir(), "wr-0000")
	w, err := CreateWritable(fs.Default, dir, sc)
	require.NoError(t, err)

	row0, cols0 := encodeRow(t, sc, int32(10), []byte("first"))
	_, err = w.AppendRow(row0, cols0, true)
	require.NoError(t, err)
	row1, cols1 := encodeRow(t, sc, int32(11), []byte("second"))
	_, err = w.AppendRow(row1, cols1, true)
	require.NoError(t, err)
	require.NoError(t, w.RemoveRow(0, true))
	require.NoError(t, w.Sync())
	w.DecRef()

	w2, err := OpenWritable(fs.Default, dir, sc)
	require.NoError(t, err)
	defer w2.DecRef()

	assert.Equal(t, 2, w2.NumLogicRows())
	assert.True(t, w2.IsDeleted(0))
	got, err := w2.GetValue(nil, 1)
	require.NoError(t, err)
	assert.Equal(t, row1, got)

	// The rebuilt index skips the removed row.
	key := sc.IndexKey(nil, sc.Indexes[0], cols0)
	ids, err := w2.IndexSearchExactAppend(0, key, nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestWritableUniqueRollback(t *testing.T) {
	sc := fixedSchema(t)
	w, err := CreateWritable(fs.Default, filepath.Join(t.TempDir(), "wr-0000"), sc)
	require.NoError(t, err)
	defer w.DecRef()

	row, cols := encodeRow(t, sc, int32(1), int64(100))
	_, err = w.AppendRow(row, cols, true)
	require.NoError(t, err)

	// Same unique key again: the slot is rolled back to a deleted hole.
	_, err = w.AppendRow(row, cols, true)
	require.Error(t, err)
	assert.Equal(t, 2, w.NumLogicRows())
	assert.Equal(t, 1, w.DelCount())
}

func TestWritableCellUpdateCombine(t *testing.T) {
	sc := fixedSchema(t)
	dir := filepath.Join(t.TempDir(), "wr-0000")
	w, err := CreateWritable(fs.Default, dir, sc)
	require.NoError(t, err)

	row, cols := encodeRow(t, sc, int32(7), int64(1000))
	sub, err := w.AppendRow(row, cols, true)
	require.NoError(t, err)

	// Rewrite the updatable cell in place and observe the combine read.
	cgID := sc.UpdatableColgroups()[0]
	newCols, err := sc.EncodeValues(int32(7), int64(2000))
	require.NoError(t, err)
	cell := sc.ProjectColgroup(nil, sc.Colgroups[cgID], newCols)
	require.NoError(t, w.UpdateCell(sub, cgID, cell))

	want := sc.EncodeRow(nil, newCols)
	got, err := w.GetValue(nil, sub)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// The cell update replays across reopen.
	require.NoError(t, w.Sync())
	w.DecRef()
	w2, err := OpenWritable(fs.Default, dir, sc)
	require.NoError(t, err)
	defer w2.DecRef()
	got, err = w2.GetValue(nil, sub)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestJournalPromotion(t *testing.T) {
	j := &Journal{}
	total := 100000
	// Below the density threshold the journal stays sparse.
	for i := 0; i < 300; i++ {
		j.Add(uint32(i*2), total)
	}
	j.Add(42, total) // duplicate
	ids := j.Drain()
	assert.Len(t, ids, 300)
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i])
	}
	assert.True(t, j.Empty())

	// Crossing ~1/256 of rows promotes to the dense form.
	for i := 0; i < 500; i++ {
		j.Add(uint32(i), total)
	}
	ids = j.Drain()
	assert.Len(t, ids, 500)
	assert.True(t, j.Empty())
}

func TestBookUpdatesJournaling(t *testing.T) {
	sc := testSchema(t)
	w, err := CreateWritable(fs.Default, filepath.Join(t.TempDir(), "wr-0000"), sc)
	require.NoError(t, err)
	defer w.DecRef()

	for i := int32(0); i < 5; i++ {
		row, cols := encodeRow(t, sc, i, []byte("r"))
		_, err := w.AppendRow(row, cols, false)
		require.NoError(t, err)
	}
	// Without book_updates nothing is journaled.
	require.NoError(t, w.RemoveRow(0, false))
	assert.Empty(t, w.DrainUpdates())

	w.EnableBookUpdates()
	require.NoError(t, w.RemoveRow(3, false))
	w.SetDeleted(4)
	assert.Equal(t, []uint32{3, 4}, w.DrainUpdates())
}
