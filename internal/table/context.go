package table

import "github.com/colgrove/colgrove/schema"

// Context carries per-caller scratch buffers, bound to one table. It is
// not safe for concurrent use; allocate one per goroutine.
type Context struct {
	t *Table

	cols1 schema.ColumnVec
	buf   []byte
	key   []byte
	ids   []uint32
}

// NewContext allocates scratch state for calls against t.
func (t *Table) NewContext() *Context {
	return &Context{t: t}
}

func (c *Context) reset() {
	c.cols1.Reset()
	c.buf = c.buf[:0]
	c.key = c.key[:0]
	c.ids = c.ids[:0]
}
