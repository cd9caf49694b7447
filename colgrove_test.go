package colgrove_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colgrove/colgrove"
	"github.com/colgrove/colgrove/metrics"
	"github.com/colgrove/colgrove/schema"
)

func TestPublicAPI(t *testing.T) {
	sc, err := schema.New([]schema.Column{
		{ID: 0, Name: "a", Type: schema.TypeInt32},
		{ID: 1, Name: "b", Type: schema.TypeVarBin},
	}, []schema.IndexDef{{Columns: []string{"a"}}})
	require.NoError(t, err)

	dir := t.TempDir()
	tab, err := colgrove.CreateTable(dir, "events", sc,
		colgrove.WithMaxWrSegSize(1<<20),
		colgrove.WithDictZip(true),
	)
	require.NoError(t, err)
	defer tab.Close()

	ctx := tab.NewContext()
	cols, err := sc.EncodeValues(int32(42), []byte("hello"))
	require.NoError(t, err)
	row := sc.EncodeRow(nil, cols)

	id, err := tab.InsertRow(row, true, ctx)
	require.NoError(t, err)

	got, err := tab.GetValue(id, nil, ctx)
	require.NoError(t, err)
	assert.Equal(t, row, got)

	key := sc.IndexKey(nil, sc.Indexes[0], cols)
	ids, err := tab.IndexSearchExact(0, key, ctx)
	require.NoError(t, err)
	assert.Equal(t, []colgrove.LID{id}, ids)

	_, err = colgrove.CreateTable(dir, "events", sc)
	assert.ErrorIs(t, err, colgrove.ErrAlreadyInitialized)
}

func TestMetricsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	families, err := reg.Gather()
	require.NoError(t, err)
	_ = families
}
