// Package colgrove is a segmented, column-group storage engine. A table
// presents one monotonically numbered logical row space split across an
// ordered list of segments: many immutable compressed read-only segments
// plus a single tail writable segment that absorbs inserts.
//
// # Segment lifecycle
//
// Segments move monotonically through writable -> frozen -> read-only ->
// purged. The tail freezes when a successor is installed; a background
// convert pipeline rewrites frozen segments into compressed read-only
// form without blocking readers, and a purge pipeline reclaims space
// from logically deleted rows. Both use a triple-drain protocol (no
// lock, reader lock, writer lock) so that every update committed before
// the final swap is reflected in the replacement segment.
//
// # Basic usage
//
//	sc, _ := schema.New([]schema.Column{
//		{ID: 0, Name: "a", Type: schema.TypeInt32},
//		{ID: 1, Name: "b", Type: schema.TypeVarBin},
//	}, []schema.IndexDef{{Columns: []string{"a"}}})
//
//	t, _ := colgrove.CreateTable(dir, "events", sc)
//	defer t.Close()
//
//	ctx := t.NewContext()
//	row, _ := sc.EncodeValues(int32(1), []byte("x"))
//	id, _ := t.InsertRow(sc.EncodeRow(nil, row), true, ctx)
//	val, _ := t.GetValue(id, nil, ctx)
package colgrove
