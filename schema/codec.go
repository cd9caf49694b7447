package schema

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ColumnVec holds per-column byte slices of a parsed row or colgroup
// projection. Slices alias the parsed buffer.
type ColumnVec struct {
	Cols [][]byte
}

func (v *ColumnVec) Reset() { v.Cols = v.Cols[:0] }

// encodeUnit appends the encoding of cols (already raw column bytes) for
// the given column positions to dst.
func (s *Schema) encodeUnit(dst []byte, positions []int, cols [][]byte) []byte {
	for j, pos := range positions {
		c := s.Columns[pos]
		if c.IsFixed() || j == len(positions)-1 {
			dst = append(dst, cols[pos]...)
		} else {
			dst = binary.AppendUvarint(dst, uint64(len(cols[pos])))
			dst = append(dst, cols[pos]...)
		}
	}
	return dst
}

// parseUnit splits data into the column slices for positions, appending
// them to out.Cols in position order.
func (s *Schema) parseUnit(data []byte, positions []int, out *ColumnVec) error {
	off := 0
	for j, pos := range positions {
		c := s.Columns[pos]
		switch {
		case c.IsFixed():
			if off+c.FixedLen > len(data) {
				return fmt.Errorf("schema: row too short for column %q", c.Name)
			}
			out.Cols = append(out.Cols, data[off:off+c.FixedLen])
			off += c.FixedLen
		case j == len(positions)-1:
			out.Cols = append(out.Cols, data[off:])
			off = len(data)
		default:
			n, sz := binary.Uvarint(data[off:])
			if sz <= 0 || off+sz+int(n) > len(data) {
				return fmt.Errorf("schema: bad varlen prefix for column %q", c.Name)
			}
			out.Cols = append(out.Cols, data[off+sz:off+sz+int(n)])
			off += sz + int(n)
		}
	}
	return nil
}

// EncodeRow builds the full row encoding from raw column values, indexed
// by row column position.
func (s *Schema) EncodeRow(dst []byte, cols [][]byte) []byte {
	positions := make([]int, len(s.Columns))
	for i := range positions {
		positions[i] = i
	}
	return s.encodeUnit(dst, positions, cols)
}

// ParseRow splits a row encoding into per-column slices.
func (s *Schema) ParseRow(row []byte, out *ColumnVec) error {
	out.Reset()
	positions := make([]int, len(s.Columns))
	for i := range positions {
		positions[i] = i
	}
	return s.parseUnit(row, positions, out)
}

// ProjectColgroup builds the physical record for one colgroup from parsed
// row columns. Index groups use the ordered key form so the record doubles
// as the index key.
func (s *Schema) ProjectColgroup(dst []byte, cg Colgroup, rowCols [][]byte) []byte {
	if cg.IndexID >= 0 {
		return s.appendIndexKey(dst, cg.Columns, rowCols)
	}
	return s.encodeUnit(dst, cg.Columns, rowCols)
}

// ParseColgroup splits a colgroup record back into the group's columns, in
// group order.
func (s *Schema) ParseColgroup(data []byte, cg Colgroup, out *ColumnVec) error {
	out.Reset()
	if cg.IndexID >= 0 {
		return s.parseIndexKey(data, cg.Columns, out)
	}
	return s.parseUnit(data, cg.Columns, out)
}

// appendIndexKey appends the memcmp-ordered key for the given key columns.
// Fixed numeric columns use order-preserving transforms; a trailing
// variable-length column is appended raw.
func (s *Schema) appendIndexKey(dst []byte, positions []int, rowCols [][]byte) []byte {
	for _, pos := range positions {
		dst = appendOrdered(dst, s.Columns[pos], rowCols[pos])
	}
	return dst
}

// IndexKey builds the key of index idx from parsed row columns.
func (s *Schema) IndexKey(dst []byte, idx Index, rowCols [][]byte) []byte {
	return s.appendIndexKey(dst, idx.Columns, rowCols)
}

func (s *Schema) parseIndexKey(key []byte, positions []int, out *ColumnVec) error {
	off := 0
	for j, pos := range positions {
		c := s.Columns[pos]
		if c.IsFixed() {
			if off+c.FixedLen > len(key) {
				return fmt.Errorf("schema: key too short for column %q", c.Name)
			}
			out.Cols = append(out.Cols, fromOrdered(c, key[off:off+c.FixedLen]))
			off += c.FixedLen
		} else {
			if j != len(positions)-1 {
				return fmt.Errorf("schema: %w", errVarKeyNotLast)
			}
			out.Cols = append(out.Cols, key[off:])
			off = len(key)
		}
	}
	return nil
}

// appendOrdered writes raw column bytes in a form whose lexicographic
// order matches the column's natural order.
func appendOrdered(dst []byte, c Column, raw []byte) []byte {
	switch c.Type {
	case TypeInt32:
		v := binary.LittleEndian.Uint32(raw)
		return binary.BigEndian.AppendUint32(dst, v^0x8000_0000)
	case TypeInt64:
		v := binary.LittleEndian.Uint64(raw)
		return binary.BigEndian.AppendUint64(dst, v^0x8000_0000_0000_0000)
	case TypeUint32:
		return binary.BigEndian.AppendUint32(dst, binary.LittleEndian.Uint32(raw))
	case TypeUint64:
		return binary.BigEndian.AppendUint64(dst, binary.LittleEndian.Uint64(raw))
	case TypeFloat32:
		v := binary.LittleEndian.Uint32(raw)
		return binary.BigEndian.AppendUint32(dst, orderFloat32(v))
	case TypeFloat64:
		v := binary.LittleEndian.Uint64(raw)
		return binary.BigEndian.AppendUint64(dst, orderFloat64(v))
	default:
		return append(dst, raw...)
	}
}

// fromOrdered inverts appendOrdered, returning the little-endian raw form.
func fromOrdered(c Column, key []byte) []byte {
	switch c.Type {
	case TypeInt32:
		v := binary.BigEndian.Uint32(key) ^ 0x8000_0000
		return binary.LittleEndian.AppendUint32(nil, v)
	case TypeInt64:
		v := binary.BigEndian.Uint64(key) ^ 0x8000_0000_0000_0000
		return binary.LittleEndian.AppendUint64(nil, v)
	case TypeUint32:
		return binary.LittleEndian.AppendUint32(nil, binary.BigEndian.Uint32(key))
	case TypeUint64:
		return binary.LittleEndian.AppendUint64(nil, binary.BigEndian.Uint64(key))
	case TypeFloat32:
		return binary.LittleEndian.AppendUint32(nil, unorderFloat32(binary.BigEndian.Uint32(key)))
	case TypeFloat64:
		return binary.LittleEndian.AppendUint64(nil, unorderFloat64(binary.BigEndian.Uint64(key)))
	default:
		out := make([]byte, len(key))
		copy(out, key)
		return out
	}
}

// orderFloat32 maps IEEE-754 bits to a totally ordered unsigned space.
func orderFloat32(v uint32) uint32 {
	if v&0x8000_0000 != 0 {
		return ^v
	}
	return v ^ 0x8000_0000
}

func unorderFloat32(v uint32) uint32 {
	if v&0x8000_0000 != 0 {
		return v ^ 0x8000_0000
	}
	return ^v
}

func orderFloat64(v uint64) uint64 {
	if v&0x8000_0000_0000_0000 != 0 {
		return ^v
	}
	return v ^ 0x8000_0000_0000_0000
}

func unorderFloat64(v uint64) uint64 {
	if v&0x8000_0000_0000_0000 != 0 {
		return v ^ 0x8000_0000_0000_0000
	}
	return ^v
}

// EncodeValues is a convenience for building raw column values from Go
// values in column order. Supported: int32/int64/uint32/uint64, float32/
// float64, string, []byte.
func (s *Schema) EncodeValues(vals ...any) ([][]byte, error) {
	if len(vals) != len(s.Columns) {
		return nil, fmt.Errorf("schema: got %d values for %d columns", len(vals), len(s.Columns))
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		c := s.Columns[i]
		switch x := v.(type) {
		case int32:
			out[i] = binary.LittleEndian.AppendUint32(nil, uint32(x))
		case int64:
			out[i] = binary.LittleEndian.AppendUint64(nil, uint64(x))
		case uint32:
			out[i] = binary.LittleEndian.AppendUint32(nil, x)
		case uint64:
			out[i] = binary.LittleEndian.AppendUint64(nil, x)
		case float32:
			out[i] = binary.LittleEndian.AppendUint32(nil, math.Float32bits(x))
		case float64:
			out[i] = binary.LittleEndian.AppendUint64(nil, math.Float64bits(x))
		case string:
			out[i] = []byte(x)
		case []byte:
			out[i] = x
		default:
			return nil, fmt.Errorf("schema: unsupported value type %T for column %q", v, c.Name)
		}
		if c.IsFixed() && len(out[i]) != c.FixedLen {
			return nil, fmt.Errorf("schema: value for %q is %d bytes, want %d", c.Name, len(out[i]), c.FixedLen)
		}
	}
	return out, nil
}
