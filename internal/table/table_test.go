package table

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colgrove/colgrove/internal/segment"
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

func newTestTable(t *testing.T, cfg Config) *Table {
	t.Helper()
	tab, err := CreateTable(t.TempDir(), "tbl", testSchema(t), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { tab.Close() })
	return tab
}

func encodeRow(t *testing.T, sc *schema.Schema, vals ...any) []byte {
	t.Helper()
	cols, err := sc.EncodeValues(vals...)
	require.NoError(t, err)
	return sc.EncodeRow(nil, cols)
}

func insert(t *testing.T, tab *Table, ctx *Context, vals ...any) model.LID {
	t.Helper()
	id, err := tab.InsertRow(encodeRow(t, tab.Schema(), vals...), true, ctx)
	require.NoError(t, err)
	return id
}

// liveRows scans the table and returns every live row encoding.
func liveRows(t *testing.T, tab *Table) map[string]bool {
	t.Helper()
	it := tab.CreateStoreIter()
	defer it.Close()
	rows := make(map[string]bool)
	for {
		_, row, ok, err := it.Next(nil)
		require.NoError(t, err)
		if !ok {
			break
		}
		rows[string(row)] = true
	}
	return rows
}

func TestBasicRoundTrip(t *testing.T) {
	tab := newTestTable(t, Config{})
	ctx := tab.NewContext()

	id0 := insert(t, tab, ctx, int32(1), []byte("x"))
	id1 := insert(t, tab, ctx, int32(2), []byte("y"))
	id2 := insert(t, tab, ctx, int32(3), []byte("z"))
	assert.Equal(t, model.LID(0), id0)
	assert.Equal(t, model.LID(1), id1)
	assert.Equal(t, model.LID(2), id2)

	got, err := tab.GetValue(1, nil, ctx)
	require.NoError(t, err)
	assert.Equal(t, encodeRow(t, tab.Schema(), int32(2), []byte("y")), got)

	assert.Equal(t, uint64(3), tab.NumDataRows())
}

func TestTailRotation(t *testing.T) {
	// Row encoding is 4 bytes of int32 plus the raw payload.
	tab := newTestTable(t, Config{MaxWrSegSize: 64})
	ctx := tab.NewContext()

	insert(t, tab, ctx, int32(1), bytes.Repeat([]byte("a"), 16)) // 20 bytes
	insert(t, tab, ctx, int32(2), bytes.Repeat([]byte("b"), 16)) // 20 bytes
	assert.Equal(t, 1, tab.SegmentCount())

	// 40 < 64: filling to the cap rotates on the next insert, not now.
	insert(t, tab, ctx, int32(3), bytes.Repeat([]byte("c"), 26)) // 30 bytes -> 70 total
	assert.Equal(t, 1, tab.SegmentCount())

	id3 := insert(t, tab, ctx, int32(4), []byte("d"))
	assert.Equal(t, 2, tab.SegmentCount())
	assert.Equal(t, model.LID(3), id3)

	tab.rw.RLock()
	assert.Equal(t, []uint64{0, 3, 4}, tab.rowNumVec)
	tab.rw.RUnlock()

	// Rows in the frozen segment stay readable.
	got, err := tab.GetValue(0, nil, ctx)
	require.NoError(t, err)
	assert.Equal(t, encodeRow(t, tab.Schema(), int32(1), bytes.Repeat([]byte("a"), 16)), got)
}

func TestReplaceAcrossSegments(t *testing.T) {
	tab := newTestTable(t, Config{MaxWrSegSize: 48})
	ctx := tab.NewContext()

	insert(t, tab, ctx, int32(1), bytes.Repeat([]byte("x"), 30))
	insert(t, tab, ctx, int32(2), bytes.Repeat([]byte("y"), 30))
	insert(t, tab, ctx, int32(3), []byte("z")) // rotated into a new tail
	require.Equal(t, 2, tab.SegmentCount())

	// LID 0 lives in the frozen segment: replace deletes it there and
	// re-inserts into the tail under a fresh LID.
	newID, err := tab.ReplaceRow(0, encodeRow(t, tab.Schema(), int32(1), []byte("X")), true, ctx)
	require.NoError(t, err)
	assert.Equal(t, model.LID(3), newID)

	_, err = tab.GetValue(0, nil, ctx)
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := tab.GetValue(newID, nil, ctx)
	require.NoError(t, err)
	assert.Equal(t, encodeRow(t, tab.Schema(), int32(1), []byte("X")), got)

	// A tail row keeps its LID on replace.
	sameID, err := tab.ReplaceRow(newID, encodeRow(t, tab.Schema(), int32(1), []byte("XX")), true, ctx)
	require.NoError(t, err)
	assert.Equal(t, newID, sameID)
}

func TestDeletedIDReuseAndScanStability(t *testing.T) {
	tab := newTestTable(t, Config{})
	ctx := tab.NewContext()

	insert(t, tab, ctx, int32(1), []byte("a"))
	insert(t, tab, ctx, int32(2), []byte("b"))
	insert(t, tab, ctx, int32(3), []byte("c"))
	require.NoError(t, tab.RemoveRow(1, true, ctx))

	// With a live scan the removed id must not be reused.
	it := tab.CreateStoreIter()
	id, err := tab.InsertRow(encodeRow(t, tab.Schema(), int32(4), []byte("d")), true, ctx)
	require.NoError(t, err)
	assert.Equal(t, model.LID(3), id)
	it.Close()

	// Without a scan the deleted id is reused.
	id, err = tab.InsertRow(encodeRow(t, tab.Schema(), int32(5), []byte("e")), true, ctx)
	require.NoError(t, err)
	assert.Equal(t, model.LID(1), id)
}

func TestIndexSearch(t *testing.T) {
	tab := newTestTable(t, Config{})
	ctx := tab.NewContext()
	sc := tab.Schema()

	for i := int32(0); i < 10; i++ {
		insert(t, tab, ctx, i%3, []byte{byte(i)})
	}
	cols, err := sc.EncodeValues(int32(1), []byte(""))
	require.NoError(t, err)
	key := sc.IndexKey(nil, sc.Indexes[0], cols)

	ids, err := tab.IndexSearchExact(0, key, ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.LID{1, 4, 7}, ids)

	require.NoError(t, tab.RemoveRow(4, true, ctx))
	ids, err = tab.IndexSearchExact(0, key, ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.LID{1, 7}, ids)
}

func TestIndexOpsRequireTail(t *testing.T) {
	tab := newTestTable(t, Config{MaxWrSegSize: 32})
	ctx := tab.NewContext()
	sc := tab.Schema()

	insert(t, tab, ctx, int32(1), bytes.Repeat([]byte("p"), 40))
	insert(t, tab, ctx, int32(2), []byte("q")) // rotates
	require.Equal(t, 2, tab.SegmentCount())

	cols, err := sc.EncodeValues(int32(1), []byte(""))
	require.NoError(t, err)
	key := sc.IndexKey(nil, sc.Indexes[0], cols)

	// LID 0 is frozen: direct index mutation is rejected.
	err = tab.IndexInsert(0, key, 0, ctx)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// LID 1 is in the tail.
	assert.NoError(t, tab.IndexRemove(0, key, 1, ctx))
}

func TestCompactPreservesLiveRows(t *testing.T) {
	tab := newTestTable(t, Config{MaxWrSegSize: 200})
	ctx := tab.NewContext()

	for i := int32(0); i < 10; i++ {
		insert(t, tab, ctx, i, []byte(fmt.Sprintf("value-%02d", i)))
	}
	// Spill into a second segment so the first freezes.
	insert(t, tab, ctx, int32(99), bytes.Repeat([]byte("fill"), 60))
	insert(t, tab, ctx, int32(100), []byte("tail"))
	require.GreaterOrEqual(t, tab.SegmentCount(), 2)

	require.NoError(t, tab.RemoveRow(2, true, ctx))
	require.NoError(t, tab.RemoveRow(7, true, ctx))

	before := liveRows(t, tab)
	require.True(t, tab.Compact())

	tab.rw.RLock()
	_, isReadOnly := tab.segs[0].(*segment.ReadOnly)
	delCnt := tab.segs[0].DelCount()
	tab.rw.RUnlock()
	assert.True(t, isReadOnly)
	assert.Equal(t, 2, delCnt)

	// Live rows identical, deleted rows stay missing.
	assert.Equal(t, before, liveRows(t, tab))
	_, err := tab.GetValue(2, nil, ctx)
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := tab.GetValue(3, nil, ctx)
	require.NoError(t, err)
	assert.Equal(t, encodeRow(t, tab.Schema(), int32(3), []byte("value-03")), got)

	// Index queries against the purged read-only segment return logical
	// ids.
	sc := tab.Schema()
	cols, err := sc.EncodeValues(int32(5), []byte(""))
	require.NoError(t, err)
	ids, err := tab.IndexSearchExact(0, sc.IndexKey(nil, sc.Indexes[0], cols), ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.LID{5}, ids)
}

func TestCompactNoOpDuringScan(t *testing.T) {
	tab := newTestTable(t, Config{MaxWrSegSize: 32})
	ctx := tab.NewContext()
	insert(t, tab, ctx, int32(1), bytes.Repeat([]byte("x"), 40))
	insert(t, tab, ctx, int32(2), []byte("y"))
	require.Equal(t, 2, tab.SegmentCount())

	it := tab.CreateStoreIter()
	assert.False(t, tab.Compact())
	it.Close()
	assert.True(t, tab.Compact())
}

func TestConcurrentDeleteDuringCompact(t *testing.T) {
	tab := newTestTable(t, Config{MaxWrSegSize: 400})
	ctx := tab.NewContext()
	for i := int32(0); i < 20; i++ {
		insert(t, tab, ctx, i, bytes.Repeat([]byte("d"), 16))
	}
	insert(t, tab, ctx, int32(98), bytes.Repeat([]byte("fill"), 110))
	insert(t, tab, ctx, int32(99), []byte("tail"))
	require.GreaterOrEqual(t, tab.SegmentCount(), 2)

	// Whether the delete lands before the snapshot, in a journal drain,
	// or after the swap, it must be visible once both finish.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		tab.Compact()
	}()
	go func() {
		defer wg.Done()
		dctx := tab.NewContext()
		_ = tab.RemoveRow(5, true, dctx)
	}()
	wg.Wait()

	_, err := tab.GetValue(5, nil, ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	tab.rw.RLock()
	deleted := tab.segs[0].IsDeleted(5)
	tab.rw.RUnlock()
	assert.True(t, deleted)
}

func TestPurgeReclaimsSpace(t *testing.T) {
	tab := newTestTable(t, Config{MaxWrSegSize: 4096, PurgeDeleteThreshold: 0.3})
	ctx := tab.NewContext()

	for i := int32(0); i < 100; i++ {
		insert(t, tab, ctx, i, bytes.Repeat([]byte("p"), 32))
	}
	insert(t, tab, ctx, int32(999), bytes.Repeat([]byte("fill"), 150))
	insert(t, tab, ctx, int32(1000), []byte("tail"))
	require.GreaterOrEqual(t, tab.SegmentCount(), 2)
	require.True(t, tab.Compact())

	// Delete 40% of the frozen rows, then purge.
	for i := model.LID(0); i < 40; i++ {
		require.NoError(t, tab.RemoveRow(i, true, ctx))
	}
	before := liveRows(t, tab)
	liveBefore := tab.NumDataRows()
	sizeBefore := tab.DataStorageSize()

	require.True(t, tab.PurgeDeletedRows())

	assert.Equal(t, liveBefore, tab.NumDataRows())
	assert.Less(t, tab.DataStorageSize(), sizeBefore)
	assert.Equal(t, before, liveRows(t, tab))

	// The purged segment starts with a clean bitmap.
	tab.rw.RLock()
	r := tab.segs[0].(*segment.ReadOnly)
	assert.Equal(t, 0, r.DelCount())
	assert.False(t, r.HasPurged())
	tab.rw.RUnlock()
}

func TestUpdateColumnInPlace(t *testing.T) {
	sc, err := schema.New([]schema.Column{
		{ID: 0, Name: "k", Type: schema.TypeInt32},
		{ID: 1, Name: "v", Type: schema.TypeInt64},
	}, []schema.IndexDef{{Columns: []string{"k"}, Unique: true}})
	require.NoError(t, err)
	tab, err := CreateTable(t.TempDir(), "tbl", sc, Config{MaxWrSegSize: 64})
	require.NoError(t, err)
	defer tab.Close()
	ctx := tab.NewContext()

	for i := int32(0); i < 8; i++ {
		_, err := tab.InsertRow(encodeRow(t, sc, i, int64(i)), true, ctx)
		require.NoError(t, err)
	}
	insert := func(v int32) {
		_, err := tab.InsertRow(encodeRow(t, sc, v, int64(v)), true, ctx)
		require.NoError(t, err)
	}
	insert(100) // rotate
	require.GreaterOrEqual(t, tab.SegmentCount(), 2)
	require.True(t, tab.Compact())

	// In-place update against the read-only segment.
	newVal, err := sc.EncodeValues(int32(3), int64(7777))
	require.NoError(t, err)
	require.NoError(t, tab.UpdateColumn(3, "v", newVal[1], ctx))

	got, err := tab.GetValue(3, nil, ctx)
	require.NoError(t, err)
	assert.Equal(t, sc.EncodeRow(nil, newVal), got)
}

func TestReopenTable(t *testing.T) {
	dir := t.TempDir()
	sc := testSchema(t)
	tab, err := CreateTable(dir, "tbl", sc, Config{MaxWrSegSize: 64})
	require.NoError(t, err)
	ctx := tab.NewContext()

	id0 := insert(t, tab, ctx, int32(1), []byte("persisted"))
	insert(t, tab, ctx, int32(2), bytes.Repeat([]byte("w"), 60))
	insert(t, tab, ctx, int32(3), []byte("tail")) // rotates
	require.True(t, tab.Compact())
	require.NoError(t, tab.Close())

	tab2, err := OpenTable(dir, "tbl", Config{})
	require.NoError(t, err)
	defer tab2.Close()
	ctx2 := tab2.NewContext()

	assert.Equal(t, uint64(3), tab2.NumDataRows())
	got, err := tab2.GetValue(id0, nil, ctx2)
	require.NoError(t, err)
	assert.Equal(t, encodeRow(t, sc, int32(1), []byte("persisted")), got)

	// The reopened table keeps inserting where it left off.
	id, err := tab2.InsertRow(encodeRow(t, sc, int32(4), []byte("more")), true, ctx2)
	require.NoError(t, err)
	assert.Equal(t, model.LID(3), id)
}

func TestCreateTableTwice(t *testing.T) {
	dir := t.TempDir()
	sc := testSchema(t)
	tab, err := CreateTable(dir, "tbl", sc, Config{})
	require.NoError(t, err)
	tab.Close()

	_, err = CreateTable(dir, "tbl", sc, Config{})
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestTooManySegments(t *testing.T) {
	tab := newTestTable(t, Config{MaxWrSegSize: 16, MaxSegNum: 2})
	ctx := tab.NewContext()

	insert(t, tab, ctx, int32(1), bytes.Repeat([]byte("a"), 20))
	insert(t, tab, ctx, int32(2), bytes.Repeat([]byte("b"), 20)) // rotates to 2 segments
	_, err := tab.InsertRow(encodeRow(t, tab.Schema(), int32(3), []byte("c")), true, ctx)
	assert.ErrorIs(t, err, ErrTooManySegments)
}

func TestRemoveRowErrors(t *testing.T) {
	tab := newTestTable(t, Config{})
	ctx := tab.NewContext()
	insert(t, tab, ctx, int32(1), []byte("a"))

	assert.ErrorIs(t, tab.RemoveRow(5, true, ctx), ErrInvalidArgument)
	require.NoError(t, tab.RemoveRow(0, true, ctx))
	assert.ErrorIs(t, tab.RemoveRow(0, true, ctx), ErrNotFound)
}
