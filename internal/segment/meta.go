package segment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/colgrove/colgrove/internal/fs"
	"github.com/colgrove/colgrove/internal/store"
)

// SegMetaFileName describes a read-only segment's stores.
const SegMetaFileName = "segmeta.json"

// SegMeta is the per-read-only-segment metadata: how each colgroup is
// stored, so open can reload without probing files.
type SegMeta struct {
	Rows      int            `json:"rows"`
	Colgroups []ColgroupMeta `json:"colgroups"`
}

// ColgroupMeta describes one colgroup's store.
type ColgroupMeta struct {
	Name  string     `json:"name"`
	Kind  store.Kind `json:"kind"`
	Parts int        `json:"parts,omitempty"` // > 1 for multipart stores
	Index bool       `json:"index,omitempty"`
}

// WriteSegMeta persists the metadata atomically.
func WriteSegMeta(fsy fs.FileSystem, dir string, m *SegMeta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return fs.WriteFileAtomic(fsy, filepath.Join(dir, SegMetaFileName), data)
}

// ReadSegMeta loads the metadata.
func ReadSegMeta(dir string) (*SegMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, SegMetaFileName))
	if err != nil {
		return nil, err
	}
	m := &SegMeta{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: segmeta in %s: %v", store.ErrCorrupt, dir, err)
	}
	return m, nil
}

// IndexFilePath names an index colgroup's store file.
func IndexFilePath(dir, name string, kind store.Kind) string {
	return filepath.Join(dir, "index-"+name+store.Ext(kind))
}

// ColgroupFilePath names a non-index colgroup store file. part is used
// only when parts > 1 (numbered shard sequence).
func ColgroupFilePath(dir, name string, kind store.Kind, parts, part int) string {
	if parts > 1 {
		return filepath.Join(dir, fmt.Sprintf("colgroup-%s.%04d%s", name, part, store.Ext(kind)))
	}
	return filepath.Join(dir, "colgroup-"+name+store.Ext(kind))
}
