package zindex

import (
	"bytes"
	"fmt"
	"sort"
)

// Writable is the mutable in-memory index of the tail segment. It is not
// persisted: the table rebuilds it from the writable row store on open.
//
// Callers serialize access through the table lock.
type Writable struct {
	unique   bool
	ids      map[string][]uint32
	dataSize int64

	// sortedKeys is a lazily rebuilt snapshot for iteration.
	sortedKeys []string
	dirty      bool
}

// NewWritable returns an empty writable index.
func NewWritable(unique bool) *Writable {
	return &Writable{unique: unique, ids: make(map[string][]uint32)}
}

func (w *Writable) IsUniqueInSchema() bool { return w.unique }

// Insert adds (key, id). Unique indexes reject duplicate keys.
func (w *Writable) Insert(key []byte, id uint32) error {
	k := string(key)
	list, ok := w.ids[k]
	if ok && len(list) > 0 && w.unique {
		return fmt.Errorf("%w: key %q", ErrKeyExists, key)
	}
	if !ok {
		w.dirty = true
	}
	w.ids[k] = append(list, id)
	w.dataSize += int64(len(key))
	return nil
}

// Remove drops (key, id). Unknown pairs are ignored.
func (w *Writable) Remove(key []byte, id uint32) {
	k := string(key)
	list := w.ids[k]
	for i, v := range list {
		if v == id {
			list = append(list[:i], list[i+1:]...)
			w.dataSize -= int64(len(key))
			if len(list) == 0 {
				delete(w.ids, k)
				w.dirty = true
			} else {
				w.ids[k] = list
			}
			return
		}
	}
}

// Replace rebinds a key from oldID to newID.
func (w *Writable) Replace(key []byte, oldID, newID uint32) {
	list := w.ids[string(key)]
	for i, v := range list {
		if v == oldID {
			list[i] = newID
			return
		}
	}
}

func (w *Writable) SearchExactAppend(key []byte, dst []uint32) []uint32 {
	return append(dst, w.ids[string(key)]...)
}

// NumKeys returns the number of distinct keys.
func (w *Writable) NumKeys() int { return len(w.ids) }

// DataSize approximates held key bytes.
func (w *Writable) DataSize() int64 { return w.dataSize }

func (w *Writable) snapshotKeys() []string {
	if w.dirty || w.sortedKeys == nil {
		keys := make([]string, 0, len(w.ids))
		for k := range w.ids {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w.sortedKeys = keys
		w.dirty = false
	}
	return w.sortedKeys
}

type writableIter struct {
	w        *Writable
	keys     []string
	kpos     int
	vpos     int
	backward bool
}

func (w *Writable) NewIterForward() Iterator {
	keys := w.snapshotKeys()
	return &writableIter{w: w, keys: keys}
}

func (w *Writable) NewIterBackward() Iterator {
	keys := w.snapshotKeys()
	return &writableIter{w: w, keys: keys, kpos: len(keys) - 1, backward: true}
}

func (it *writableIter) Reset() {
	it.vpos = 0
	if it.backward {
		it.kpos = len(it.keys) - 1
	} else {
		it.kpos = 0
	}
}

func (it *writableIter) SeekLowerBound(key []byte) (int, bool) {
	it.vpos = 0
	if it.backward {
		up := sort.Search(len(it.keys), func(i int) bool {
			return bytes.Compare([]byte(it.keys[i]), key) > 0
		})
		it.kpos = up - 1
		if it.kpos < 0 {
			return 0, false
		}
	} else {
		it.kpos = sort.Search(len(it.keys), func(i int) bool {
			return bytes.Compare([]byte(it.keys[i]), key) >= 0
		})
		if it.kpos >= len(it.keys) {
			return 0, false
		}
	}
	return bytes.Compare([]byte(it.keys[it.kpos]), key), true
}

func (it *writableIter) Increment() (uint32, []byte, bool) {
	for it.kpos >= 0 && it.kpos < len(it.keys) {
		list := it.w.ids[it.keys[it.kpos]]
		if it.vpos < len(list) {
			id := list[it.vpos]
			key := []byte(it.keys[it.kpos])
			it.vpos++
			if it.vpos >= len(list) {
				it.vpos = 0
				if it.backward {
					it.kpos--
				} else {
					it.kpos++
				}
			}
			return id, key, true
		}
		it.vpos = 0
		if it.backward {
			it.kpos--
		} else {
			it.kpos++
		}
	}
	return 0, nil, false
}
