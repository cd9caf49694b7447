package store

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/colgrove/colgrove/internal/mmap"
)

const (
	dictZipMagic      = 0x4347445A // "CGDZ"
	dictZipVersion    = 1
	dictZipHeaderSize = 32
	dictZipDictID     = 0x636f6c67
	maxDictSize       = 64 << 10
)

// DictZipStore compresses each record with zstd against a shared raw
// dictionary sampled from the input. It is the store of choice for long
// blob-like records.
//
// Layout: magic u32 | version u32 | count u64 | dataSize u64 | dictLen u32
// | pad u32 | offsets (count+1)*u64 | dict | compressed records.
type DictZipStore struct {
	m        *mmap.File
	count    int
	dataSize int64
	dict     []byte
	dec      *zstd.Decoder
}

// DictZipBuilder accumulates records and compresses them at Finish, once
// the dictionary sample is complete.
type DictZipBuilder struct {
	path     string
	recs     [][]byte
	dataSize int64
}

func NewDictZipBuilder(path string) *DictZipBuilder {
	return &DictZipBuilder{path: path}
}

func (b *DictZipBuilder) Append(rec []byte) error {
	cp := make([]byte, len(rec))
	copy(cp, rec)
	b.recs = append(b.recs, cp)
	b.dataSize += int64(len(rec))
	return nil
}

func (b *DictZipBuilder) NumRows() int { return len(b.recs) }

// Finish trains the dictionary, writes the store file atomically and
// opens it.
func (b *DictZipBuilder) Finish() (*DictZipStore, error) {
	dict := sampleDict(b.recs)

	encOpts := []zstd.EOption{zstd.WithEncoderLevel(zstd.SpeedDefault)}
	if len(dict) > 0 {
		encOpts = append(encOpts, zstd.WithEncoderDictRaw(dictZipDictID, dict))
	}
	enc, err := zstd.NewWriter(nil, encOpts...)
	if err != nil {
		return nil, err
	}
	defer enc.Close()

	offsets := make([]uint64, 1, len(b.recs)+1)
	var blob []byte
	for _, rec := range b.recs {
		blob = enc.EncodeAll(rec, blob)
		offsets = append(offsets, uint64(len(blob)))
	}

	hdr := make([]byte, dictZipHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], dictZipMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], dictZipVersion)
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(len(b.recs)))
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(b.dataSize))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(len(dict)))

	out := make([]byte, 0, len(hdr)+8*len(offsets)+len(dict)+len(blob))
	out = append(out, hdr...)
	for _, off := range offsets {
		out = binary.LittleEndian.AppendUint64(out, off)
	}
	out = append(out, dict...)
	out = append(out, blob...)

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, b.path); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	return OpenDictZip(b.path)
}

// sampleDict concatenates sampled records into a raw content dictionary,
// capped at maxDictSize and at one eighth of the total record bytes.
func sampleDict(recs [][]byte) []byte {
	total := 0
	for _, rec := range recs {
		total += len(rec)
	}
	limit := maxDictSize
	if total/8 < limit {
		limit = total / 8
	}
	var dict []byte
	step := 1
	if len(recs) > 256 {
		step = len(recs) / 256
	}
	for i := 0; i < len(recs) && len(dict) < limit; i += step {
		rec := recs[i]
		if len(dict)+len(rec) > limit {
			rec = rec[:limit-len(dict)]
		}
		dict = append(dict, rec...)
	}
	return dict
}

// OpenDictZip maps a dict-zip store file.
func OpenDictZip(path string) (*DictZipStore, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	if len(m.Data) < dictZipHeaderSize || binary.LittleEndian.Uint32(m.Data[0:4]) != dictZipMagic {
		_ = m.Close()
		return nil, fmt.Errorf("%w: dictzip %s bad header", ErrCorrupt, path)
	}
	count := int(binary.LittleEndian.Uint64(m.Data[8:16]))
	dataSize := int64(binary.LittleEndian.Uint64(m.Data[16:24]))
	dictLen := int(binary.LittleEndian.Uint32(m.Data[24:28]))

	offBase := dictZipHeaderSize
	dictBase := offBase + 8*(count+1)
	if dictBase+dictLen > len(m.Data) {
		_ = m.Close()
		return nil, fmt.Errorf("%w: dictzip %s truncated", ErrCorrupt, path)
	}
	dict := m.Data[dictBase : dictBase+dictLen]

	decOpts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
	if dictLen > 0 {
		decOpts = append(decOpts, zstd.WithDecoderDictRaw(dictZipDictID, dict))
	}
	dec, err := zstd.NewReader(nil, decOpts...)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	return &DictZipStore{m: m, count: count, dataSize: dataSize, dict: dict, dec: dec}, nil
}

func (s *DictZipStore) NumDataRows() int   { return s.count }
func (s *DictZipStore) DataSize() int64    { return s.dataSize }
func (s *DictZipStore) StorageSize() int64 { return int64(len(s.m.Data)) }
func (s *DictZipStore) Kind() Kind         { return KindDictZip }

func (s *DictZipStore) GetValueAppend(dst []byte, phys int) ([]byte, error) {
	if phys < 0 || phys >= s.count {
		return dst, fmt.Errorf("%w: dictzip phys %d of %d", ErrOutOfRange, phys, s.count)
	}
	offBase := dictZipHeaderSize
	lo := binary.LittleEndian.Uint64(s.m.Data[offBase+8*phys:])
	hi := binary.LittleEndian.Uint64(s.m.Data[offBase+8*(phys+1):])
	blobBase := uint64(offBase + 8*(s.count+1) + len(s.dict))
	src := s.m.Data[blobBase+lo : blobBase+hi]
	out, err := s.dec.DecodeAll(src, dst)
	if err != nil {
		return dst, fmt.Errorf("%w: dictzip phys %d: %v", ErrCorrupt, phys, err)
	}
	return out, nil
}

func (s *DictZipStore) Close() error {
	s.dec.Close()
	return s.m.Close()
}
