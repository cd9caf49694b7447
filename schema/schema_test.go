package schema

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema(t *testing.T) *Schema {
	t.Helper()
	sc, err := New([]Column{
		{ID: 0, Name: "a", Type: TypeInt32},
		{ID: 1, Name: "b", Type: TypeVarBin},
	}, []IndexDef{{Columns: []string{"a"}}})
	require.NoError(t, err)
	return sc
}

func TestNewSchemaColgroups(t *testing.T) {
	sc := testSchema(t)
	require.Len(t, sc.Colgroups, 2)

	// One colgroup per index, then the residual group.
	assert.Equal(t, 0, sc.Colgroups[0].IndexID)
	assert.Equal(t, []int{0}, sc.Colgroups[0].Columns)
	assert.Equal(t, -1, sc.Colgroups[1].IndexID)
	assert.Equal(t, []int{1}, sc.Colgroups[1].Columns)
	assert.False(t, sc.Colgroups[1].Updatable) // varbinary is not fixed

	assert.Equal(t, 4, sc.Columns[0].FixedLen)
	assert.False(t, sc.Columns[1].IsFixed())
}

func TestSchemaErrors(t *testing.T) {
	_, err := New([]Column{
		{ID: 0, Name: "a", Type: TypeInt32},
		{ID: 1, Name: "a", Type: TypeInt64},
	}, nil)
	assert.Error(t, err)

	_, err = New([]Column{
		{ID: 0, Name: "a", Type: TypeInt32},
	}, []IndexDef{{Columns: []string{"nope"}}})
	assert.Error(t, err)

	// A variable-length key column may only sit last.
	_, err = New([]Column{
		{ID: 0, Name: "s", Type: TypeStr},
		{ID: 1, Name: "a", Type: TypeInt32},
	}, []IndexDef{{Columns: []string{"s", "a"}}})
	assert.Error(t, err)
}

func TestUpdatableResidualGroup(t *testing.T) {
	sc, err := New([]Column{
		{ID: 0, Name: "k", Type: TypeInt64},
		{ID: 1, Name: "v1", Type: TypeInt32},
		{ID: 2, Name: "v2", Type: TypeInt32},
	}, []IndexDef{{Columns: []string{"k"}, Unique: true}})
	require.NoError(t, err)
	residual := sc.Colgroups[1]
	assert.True(t, residual.Updatable)
	assert.Equal(t, 8, residual.FixedLen)
	assert.Equal(t, []int{1}, sc.UpdatableColgroups())
}

func TestRowCodecRoundTrip(t *testing.T) {
	sc := testSchema(t)
	cols, err := sc.EncodeValues(int32(-7), []byte("payload"))
	require.NoError(t, err)
	row := sc.EncodeRow(nil, cols)

	var cv ColumnVec
	require.NoError(t, sc.ParseRow(row, &cv))
	require.Len(t, cv.Cols, 2)
	assert.Equal(t, cols[0], cv.Cols[0])
	assert.Equal(t, cols[1], cv.Cols[1])

	// Re-encoding parsed columns reproduces the row byte-for-byte.
	assert.Equal(t, row, sc.EncodeRow(nil, cv.Cols))
}

func TestIndexKeyOrdering(t *testing.T) {
	sc := testSchema(t)
	var prev []byte
	for _, v := range []int32{-100, -1, 0, 1, 42, 1 << 30} {
		cols, err := sc.EncodeValues(v, []byte(""))
		require.NoError(t, err)
		key := sc.IndexKey(nil, sc.Indexes[0], cols)
		if prev != nil {
			assert.Negative(t, bytes.Compare(prev, key), "ordering at %d", v)
		}
		prev = key
	}
}

func TestColgroupProjectionRoundTrip(t *testing.T) {
	sc := testSchema(t)
	cols, err := sc.EncodeValues(int32(5), []byte("vv"))
	require.NoError(t, err)

	for _, cg := range sc.Colgroups {
		rec := sc.ProjectColgroup(nil, cg, cols)
		var cv ColumnVec
		require.NoError(t, sc.ParseColgroup(rec, cg, &cv))
		for j, pos := range cg.Columns {
			assert.Equal(t, cols[pos], cv.Cols[j], "colgroup %s col %d", cg.Name, pos)
		}
	}
}

func TestTSVRoundTrip(t *testing.T) {
	sc, err := New([]Column{
		{ID: 0, Name: "id", Type: TypeUint64},
		{ID: 1, Name: "tag", Type: TypeFixBin, FixedLen: 16},
		{ID: 2, Name: "blob", Type: TypeVarBin},
	}, []IndexDef{{Columns: []string{"id"}, Unique: true}, {Columns: []string{"tag"}}})
	require.NoError(t, err)

	sc2, err := ParseTSV(sc.MarshalTSV(), sc.MarshalIndexTSV())
	require.NoError(t, err)

	require.Len(t, sc2.Columns, 3)
	assert.Equal(t, sc.Columns, sc2.Columns)
	require.Len(t, sc2.Indexes, 2)
	assert.True(t, sc2.Indexes[0].Unique)
	assert.False(t, sc2.Indexes[1].Unique)
	assert.Equal(t, sc.Indexes[0].Columns, sc2.Indexes[0].Columns)
}

func TestFloatKeyOrdering(t *testing.T) {
	sc, err := New([]Column{
		{ID: 0, Name: "f", Type: TypeFloat64},
	}, []IndexDef{{Columns: []string{"f"}}})
	require.NoError(t, err)

	var prev []byte
	for _, v := range []float64{-1e9, -3.5, -0.0001, 0, 0.0001, 2.25, 1e18} {
		cols, eerr := sc.EncodeValues(v)
		require.NoError(t, eerr)
		key := sc.IndexKey(nil, sc.Indexes[0], cols)
		if prev != nil {
			assert.Negative(t, bytes.Compare(prev, key), "ordering at %v", v)
		}
		prev = key

		// Key form converts back to the original column bytes.
		var cv ColumnVec
		require.NoError(t, sc.ParseColgroup(key, sc.Colgroups[0], &cv))
		assert.Equal(t, cols[0], cv.Cols[0])
	}
}
