package table

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/colgrove/colgrove/internal/fs"
	"github.com/colgrove/colgrove/schema"
)

// DBMetaFileName is the table's persistent metadata file.
const DBMetaFileName = "dbmeta.json"

// dbMeta is the persisted key/value metadata of a table.
type dbMeta struct {
	TotalSegNum         int    `json:"TotalSegNum"`
	MinWrSeg            int    `json:"MinWrSeg"`
	MaxWrSegSize        int64  `json:"MaxWrSegSize"`
	ReadonlyDataMemSize int64  `json:"ReadonlyDataMemSize"`
	RowSchema           string `json:"RowSchema"`
	TableIndex          string `json:"TableIndex"`
}

func (m *dbMeta) validate() error {
	if m.RowSchema == "" {
		return fmt.Errorf("%w: dbmeta missing RowSchema", ErrInvalidArgument)
	}
	if m.MaxWrSegSize <= 0 {
		return fmt.Errorf("%w: dbmeta missing MaxWrSegSize", ErrInvalidArgument)
	}
	if m.MinWrSeg < 0 || m.MinWrSeg > m.TotalSegNum {
		return fmt.Errorf("%w: dbmeta MinWrSeg %d outside [0, %d]", ErrInvalidArgument, m.MinWrSeg, m.TotalSegNum)
	}
	return nil
}

func writeDBMeta(fsy fs.FileSystem, dir string, m *dbMeta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return fs.WriteFileAtomic(fsy, filepath.Join(dir, DBMetaFileName), data)
}

func readDBMeta(dir string) (*dbMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, DBMetaFileName))
	if err != nil {
		return nil, err
	}
	m := &dbMeta{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: dbmeta: %v", ErrInvalidArgument, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// segDirName names the i-th segment directory by its on-disk role.
func segDirName(dir string, readonly bool, i int) string {
	if readonly {
		return filepath.Join(dir, fmt.Sprintf("rd-%04d", i))
	}
	return filepath.Join(dir, fmt.Sprintf("wr-%04d", i))
}

// parseSchemaMeta rebuilds the schema from metadata.
func parseSchemaMeta(m *dbMeta) (*schema.Schema, error) {
	sc, err := schema.ParseTSV(m.RowSchema, m.TableIndex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return sc, nil
}
