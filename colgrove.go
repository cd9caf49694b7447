package colgrove

import (
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/colgrove/colgrove/internal/table"
	"github.com/colgrove/colgrove/model"
	"github.com/colgrove/colgrove/schema"
)

// Table is a composite table handle.
type Table = table.Table

// LID is the table-wide logical row identifier.
type LID = model.LID

// Context carries per-caller scratch buffers bound to one table.
type Context = table.Context

// StoreIter is a forward scan over every segment.
type StoreIter = table.StoreIter

// Option configures a table.
type Option func(*table.Config)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *table.Config) { c.Logger = l }
}

// WithMaxWrSegSize caps the tail segment's data size in bytes.
func WithMaxWrSegSize(n int64) Option {
	return func(c *table.Config) { c.MaxWrSegSize = n }
}

// WithCompressingWorkMem bounds the memory used per compression chunk
// during convert and purge.
func WithCompressingWorkMem(n int64) Option {
	return func(c *table.Config) { c.CompressingWorkMemSize = n }
}

// WithMaxSegNum reserves the segment capacity.
func WithMaxSegNum(n int) Option {
	return func(c *table.Config) { c.MaxSegNum = n }
}

// WithDictZip enables the dictionary-compressed store for long records.
func WithDictZip(on bool) Option {
	return func(c *table.Config) { c.UseDictZip = on }
}

// WithAutoConvert runs the background convert/purge driver.
func WithAutoConvert(on bool) Option {
	return func(c *table.Config) { c.AutoConvert = on }
}

// WithPurgeDeleteThreshold sets the deleted-row fraction that makes a
// read-only segment purge-eligible.
func WithPurgeDeleteThreshold(f float64) Option {
	return func(c *table.Config) { c.PurgeDeleteThreshold = f }
}

// WithCompactionRate throttles convert/purge writes in bytes/sec.
func WithCompactionRate(r rate.Limit) Option {
	return func(c *table.Config) { c.CompactionRate = r }
}

func buildConfig(opts []Option) table.Config {
	var cfg table.Config
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// CreateTable initializes a new table under dir/name.
func CreateTable(dir, name string, sc *schema.Schema, opts ...Option) (*Table, error) {
	return table.CreateTable(dir, name, sc, buildConfig(opts))
}

// OpenTable loads an existing table.
func OpenTable(dir, name string, opts ...Option) (*Table, error) {
	return table.OpenTable(dir, name, buildConfig(opts))
}
