package structsy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// Ref is the stable identifier of a record. It is assigned at insert,
// survives updates (which may relocate the record physically), and is never
// reused after a remove.
type Ref uint64

func (r Ref) String() string {
	return fmt.Sprintf("#%d", uint64(r))
}

func refKey(r Ref) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(r))
	return b[:]
}

func refFromKey(b []byte) Ref {
	return Ref(binary.BigEndian.Uint64(b))
}

// refValueOffset decodes the slot offset stored as a ref tree value.
func refValueOffset(v []byte) uint64 {
	return binary.BigEndian.Uint64(v)
}

// IndexKey carries one index's encoded field key for a record, supplied by
// the typed layer (or directly by callers of the raw surface).
type IndexKey struct {
	Index *Index
	Key   []byte
}

// indexKeyRaw is the persisted form: index ordinal plus field key bytes.
type indexKeyRaw struct {
	id  uint32
	key []byte
}

type indexKeyRaws []indexKeyRaw

func (a indexKeyRaws) Len() int      { return len(a) }
func (a indexKeyRaws) Swap(i, j int) { a[i], a[j] = a[j], a[i] }
func (a indexKeyRaws) Less(i, j int) bool {
	if a[i].id != a[j].id {
		return a[i].id < a[j].id
	}
	return bytes.Compare(a[i].key, a[j].key) < 0
}

// Record slot layout:
//
//	type-ordinal:uvarint flags:uvarint schema-version:uvarint
//	payload:varbytes
//	index-keys: count:uvarint, then per key: ordinal:uvarint key:varbytes
//
// The stored index keys are the ground truth for what to delete on update
// and remove, even if index computation changes later.
const recordSchemaVersion = 1

func encodeRecord(typeID uint32, payload []byte, keys indexKeyRaws) []byte {
	sz := 3 * binary.MaxVarintLen32
	sz += binary.MaxVarintLen64 + len(payload)
	sz += binary.MaxVarintLen32
	for _, k := range keys {
		sz += 2*binary.MaxVarintLen32 + len(k.key)
	}
	buf := make([]byte, 0, sz)
	buf = appendUvarint(buf, uint64(typeID))
	buf = appendUvarint(buf, 0) // flags
	buf = appendUvarint(buf, recordSchemaVersion)
	buf = appendVarbytes(buf, payload)
	buf = appendUvarint(buf, uint64(len(keys)))
	for _, k := range keys {
		buf = appendUvarint(buf, uint64(k.id))
		buf = appendVarbytes(buf, k.key)
	}
	return buf
}

type record struct {
	typeID  uint32
	payload []byte
	keys    indexKeyRaws
}

func decodeRecord(data []byte) (*record, error) {
	d := makeByteDecoder(data)
	typeID, err := d.Uvarint()
	if err != nil {
		return nil, err
	}
	if _, err := d.Uvarint(); err != nil { // flags
		return nil, err
	}
	if _, err := d.Uvarint(); err != nil { // schema version
		return nil, err
	}
	payload, err := d.VarBytes()
	if err != nil {
		return nil, err
	}
	n, err := d.Uvarinti()
	if err != nil {
		return nil, err
	}
	keys := make(indexKeyRaws, 0, n)
	for i := 0; i < n; i++ {
		id, err := d.Uvarint()
		if err != nil {
			return nil, err
		}
		key, err := d.VarBytes()
		if err != nil {
			return nil, err
		}
		keys = append(keys, indexKeyRaw{id: uint32(id), key: key})
	}
	return &record{typeID: uint32(typeID), payload: payload, keys: keys}, nil
}

// entryKey builds the tree entry for an index key. Unique indexes map the
// field key to the ref; non-unique indexes fold the ref into the entry key
// (the field key encoding is prefix-free, so range scans stay unambiguous)
// and store no value.
func entryKey(unique bool, fieldKey []byte, ref Ref) (key, val []byte) {
	if unique {
		return fieldKey, refKey(ref)
	}
	k := make([]byte, 0, len(fieldKey)+8)
	k = append(k, fieldKey...)
	k = append(k, refKey(ref)...)
	return k, nil
}

// refOfEntry recovers the ref from an index tree entry.
func refOfEntry(unique bool, k, v []byte) Ref {
	if unique {
		return refFromKey(v)
	}
	return refFromKey(k[len(k)-8:])
}

func sortIndexKeys(keys indexKeyRaws) indexKeyRaws {
	sort.Sort(keys)
	return keys
}

// diffIndexKeys walks two sorted key sets and reports entries present only
// in old (removed) or only in new (added). Identical entries are skipped so
// updates touch only the indexes whose keys actually changed.
func diffIndexKeys(old, new indexKeyRaws, removed, added func(id uint32, key []byte)) {
	i, j := 0, 0
	for i < len(old) && j < len(new) {
		o, n := old[i], new[j]
		if o.id < n.id || (o.id == n.id && bytes.Compare(o.key, n.key) < 0) {
			removed(o.id, o.key)
			i++
		} else if o.id > n.id || (o.id == n.id && bytes.Compare(o.key, n.key) > 0) {
			added(n.id, n.key)
			j++
		} else {
			i++
			j++
		}
	}
	for ; i < len(old); i++ {
		removed(old[i].id, old[i].key)
	}
	for ; j < len(new); j++ {
		added(new[j].id, new[j].key)
	}
}
