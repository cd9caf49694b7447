// Package schema describes the row layout of a composite table: typed
// columns, their grouping into column groups, and the index definitions.
//
// A row is encoded as the concatenation of its column encodings. Fixed
// columns contribute exactly FixedLen bytes; variable-length columns are
// uvarint length-prefixed, except the last column of an encoding unit
// (row or colgroup projection), which runs to the end of the buffer.
package schema

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Type enumerates column types.
type Type uint8

const (
	TypeInt32 Type = iota + 1
	TypeInt64
	TypeUint32
	TypeUint64
	TypeFloat32
	TypeFloat64
	TypeFixBin
	TypeVarBin
	TypeStr
)

var typeNames = map[Type]string{
	TypeInt32:   "int32",
	TypeInt64:   "int64",
	TypeUint32:  "uint32",
	TypeUint64:  "uint64",
	TypeFloat32: "float32",
	TypeFloat64: "float64",
	TypeFixBin:  "fixbin",
	TypeVarBin:  "varbinary",
	TypeStr:     "str",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

func typeByName(s string) (Type, bool) {
	for t, name := range typeNames {
		if name == s {
			return t, true
		}
	}
	return 0, false
}

func builtinFixedLen(t Type) int {
	switch t {
	case TypeInt32, TypeUint32, TypeFloat32:
		return 4
	case TypeInt64, TypeUint64, TypeFloat64:
		return 8
	default:
		return 0
	}
}

// Column describes a single row column.
type Column struct {
	ID       int
	Name     string
	Type     Type
	FixedLen int // > 0 for fixed-width columns
}

func (c Column) IsFixed() bool { return c.FixedLen > 0 }

// Index defines a key -> row-id multimap over a set of columns.
type Index struct {
	Name    string
	Columns []int // positions into Schema.Columns
	Unique  bool
}

// Colgroup is a set of columns stored together in one physical store.
// IndexID >= 0 marks the group as an index colgroup: its store is the
// index itself and its physical encoding is the ordered key form.
type Colgroup struct {
	ID       int
	Name     string
	Columns  []int
	FixedLen int // sum of column widths if all fixed, else 0
	IndexID  int // -1 for the residual group
	// Updatable marks a fixed-length non-index group whose cells may be
	// rewritten in place at a physical id without rewriting the row.
	Updatable bool
}

func (g Colgroup) IsFixed() bool { return g.FixedLen > 0 }

// Schema binds columns, indexes and the derived colgroups.
type Schema struct {
	Columns   []Column
	Indexes   []Index
	Colgroups []Colgroup

	// colPos maps a column name to its position in the row.
	colPos map[string]int
}

var (
	errDupColumn     = errors.New("duplicate column name")
	errUnknownCol    = errors.New("index references unknown column")
	errVarKeyNotLast = errors.New("variable-length index column must be last in its key")
)

// New builds a schema from columns and index definitions (by column name),
// deriving the colgroup layout: one group per index, in index order, then a
// residual group of the remaining columns.
func New(cols []Column, indexes []IndexDef) (*Schema, error) {
	s := &Schema{Columns: cols, colPos: make(map[string]int, len(cols))}
	for i, c := range cols {
		if _, dup := s.colPos[c.Name]; dup {
			return nil, fmt.Errorf("%w: %q", errDupColumn, c.Name)
		}
		s.colPos[c.Name] = i
		if c.FixedLen == 0 {
			s.Columns[i].FixedLen = builtinFixedLen(c.Type)
		}
	}

	indexed := make([]bool, len(cols))
	for _, def := range indexes {
		idx := Index{Name: def.Name, Unique: def.Unique}
		if idx.Name == "" {
			idx.Name = strings.Join(def.Columns, "_")
		}
		for j, name := range def.Columns {
			pos, ok := s.colPos[name]
			if !ok {
				return nil, fmt.Errorf("%w: %q", errUnknownCol, name)
			}
			if !s.Columns[pos].IsFixed() && j != len(def.Columns)-1 {
				return nil, fmt.Errorf("%w: %q", errVarKeyNotLast, name)
			}
			idx.Columns = append(idx.Columns, pos)
			indexed[pos] = true
		}
		s.Indexes = append(s.Indexes, idx)
	}

	for i, idx := range s.Indexes {
		s.Colgroups = append(s.Colgroups, Colgroup{
			ID:       i,
			Name:     idx.Name,
			Columns:  idx.Columns,
			FixedLen: s.groupFixedLen(idx.Columns),
			IndexID:  i,
		})
	}
	var residual []int
	for i := range cols {
		if !indexed[i] {
			residual = append(residual, i)
		}
	}
	if len(residual) > 0 {
		fixed := s.groupFixedLen(residual)
		s.Colgroups = append(s.Colgroups, Colgroup{
			ID:        len(s.Colgroups),
			Name:      "rest",
			Columns:   residual,
			FixedLen:  fixed,
			IndexID:   -1,
			Updatable: fixed > 0,
		})
	}
	return s, nil
}

// IndexDef names an index over columns, by column name.
type IndexDef struct {
	Name    string
	Columns []string
	Unique  bool
}

func (s *Schema) groupFixedLen(cols []int) int {
	total := 0
	for _, pos := range cols {
		if !s.Columns[pos].IsFixed() {
			return 0
		}
		total += s.Columns[pos].FixedLen
	}
	return total
}

// ColPos returns the position of a column by name.
func (s *Schema) ColPos(name string) (int, bool) {
	pos, ok := s.colPos[name]
	return pos, ok
}

// ColumnNum returns the number of row columns.
func (s *Schema) ColumnNum() int { return len(s.Columns) }

// RowFixedLen returns the total row width if every column is fixed, else 0.
func (s *Schema) RowFixedLen() int {
	all := make([]int, len(s.Columns))
	for i := range all {
		all[i] = i
	}
	return s.groupFixedLen(all)
}

// UpdatableColgroups returns the ids of in-place updatable groups.
func (s *Schema) UpdatableColgroups() []int {
	var ids []int
	for _, g := range s.Colgroups {
		if g.Updatable {
			ids = append(ids, g.ID)
		}
	}
	return ids
}

// ColgroupOf returns the colgroup holding a row column, and the column's
// position within the group.
func (s *Schema) ColgroupOf(colPos int) (cgID, sub int) {
	for _, g := range s.Colgroups {
		for j, pos := range g.Columns {
			if pos == colPos {
				return g.ID, j
			}
		}
	}
	return -1, -1
}

// MarshalTSV encodes the column list as id-tagged TSV rows, one per line:
// <colId>\t<colName>\t<typeTag>[\t<fixedLen>].
func (s *Schema) MarshalTSV() string {
	var b strings.Builder
	for _, c := range s.Columns {
		fmt.Fprintf(&b, "%d\t%s\t%s", c.ID, c.Name, c.Type)
		if c.Type == TypeFixBin {
			fmt.Fprintf(&b, "\t%d", c.FixedLen)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// MarshalIndexTSV encodes the index definitions, one per line, as
// comma-separated column name lists. Unique indexes carry a "!" prefix.
func (s *Schema) MarshalIndexTSV() string {
	var b strings.Builder
	for _, idx := range s.Indexes {
		if idx.Unique {
			b.WriteByte('!')
		}
		names := make([]string, len(idx.Columns))
		for j, pos := range idx.Columns {
			names[j] = s.Columns[pos].Name
		}
		b.WriteString(strings.Join(names, ","))
		b.WriteByte('\n')
	}
	return b.String()
}

// ParseTSV rebuilds a schema from the persisted RowSchema and TableIndex
// metadata values.
func ParseTSV(rowSchema, tableIndex string) (*Schema, error) {
	var cols []Column
	for _, line := range strings.Split(strings.TrimRight(rowSchema, "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			return nil, fmt.Errorf("schema: bad RowSchema line %q", line)
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("schema: bad column id in %q", line)
		}
		typ, ok := typeByName(fields[2])
		if !ok {
			return nil, fmt.Errorf("schema: unknown type tag %q", fields[2])
		}
		c := Column{ID: id, Name: fields[1], Type: typ}
		if len(fields) >= 4 {
			if c.FixedLen, err = strconv.Atoi(fields[3]); err != nil {
				return nil, fmt.Errorf("schema: bad fixed len in %q", line)
			}
		}
		cols = append(cols, c)
	}

	var defs []IndexDef
	for _, line := range strings.Split(strings.TrimRight(tableIndex, "\n"), "\n") {
		if line == "" {
			continue
		}
		def := IndexDef{}
		if strings.HasPrefix(line, "!") {
			def.Unique = true
			line = line[1:]
		}
		def.Columns = strings.Split(line, ",")
		defs = append(defs, def)
	}
	return New(cols, defs)
}
