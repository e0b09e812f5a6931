package structsy

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// metaRoot is the durable committed state: the catalog, every tree root,
// the free list and the id watermarks. One msgpack blob per commit, written
// to a fresh slot and pointed to by one of the two alternating header meta
// slots. The slot with the highest valid txid wins on open.
type metaRoot struct {
	Txid        uint64      `msgpack:"t"`
	NextRef     uint64      `msgpack:"nr"`
	NextTypeID  uint32      `msgpack:"nt"`
	NextIndexID uint32      `msgpack:"ni"`
	DataEnd     uint64      `msgpack:"de"`
	RefRoot     uint64      `msgpack:"rr"`
	Types       []*metaType `msgpack:"ty"`
	Free        []span      `msgpack:"fr"`
	Quar        []quarEntry `msgpack:"q"`
	SelfBlob    span        `msgpack:"sb"`
}

type metaType struct {
	Name    string       `msgpack:"n"`
	ID      uint32       `msgpack:"i"`
	Indexes []*metaIndex `msgpack:"x"`
}

type metaIndex struct {
	Name       string `msgpack:"n"`
	ID         uint32 `msgpack:"i"`
	KeyType    string `msgpack:"k"`
	Unique     bool   `msgpack:"u"`
	Clustering bool   `msgpack:"c"`
	Root       uint64 `msgpack:"r"`
}

// quarEntry holds spans freed by one commit that may still be visible to
// older snapshots. They rejoin the free list once no older snapshot lives;
// after a reopen that is immediately.
type quarEntry struct {
	Txid  uint64 `msgpack:"t"`
	Spans []span `msgpack:"s"`
}

func newMetaRoot(dataStart uint64) *metaRoot {
	return &metaRoot{
		Txid:        1,
		NextRef:     1,
		NextTypeID:  1,
		NextIndexID: 1,
		DataEnd:     dataStart,
	}
}

func (m *metaRoot) clone() *metaRoot {
	c := *m
	c.Types = make([]*metaType, len(m.Types))
	for i, mt := range m.Types {
		t := *mt
		t.Indexes = make([]*metaIndex, len(mt.Indexes))
		for j, mi := range mt.Indexes {
			ix := *mi
			t.Indexes[j] = &ix
		}
		c.Types[i] = &t
	}
	c.Free = append([]span(nil), m.Free...)
	c.Quar = make([]quarEntry, len(m.Quar))
	for i, q := range m.Quar {
		c.Quar[i] = quarEntry{Txid: q.Txid, Spans: append([]span(nil), q.Spans...)}
	}
	return &c
}

func (m *metaRoot) typeNamed(name string) *metaType {
	for _, mt := range m.Types {
		if mt.Name == name {
			return mt
		}
	}
	return nil
}

func (m *metaRoot) typeByID(id uint32) *metaType {
	for _, mt := range m.Types {
		if mt.ID == id {
			return mt
		}
	}
	return nil
}

func (m *metaRoot) index(id uint32) *metaIndex {
	for _, mt := range m.Types {
		for _, mi := range mt.Indexes {
			if mi.ID == id {
				return mi
			}
		}
	}
	return nil
}

func (mt *metaType) index(id uint32) *metaIndex {
	for _, mi := range mt.Indexes {
		if mi.ID == id {
			return mi
		}
	}
	return nil
}

func (m *metaRoot) allocatorState() *allocator {
	return &allocator{
		free:    append([]span(nil), m.Free...),
		dataEnd: m.DataEnd,
	}
}

// Header meta slot: txid, blob offset, blob length, blob xxhash, and an
// xxhash over the preceding fields. 36 bytes, written in place.
func encodeMetaSlot(txid uint64, blobOff uint64, blobLen uint32, blobSum uint64) []byte {
	buf := make([]byte, metaSlotBytes)
	binary.BigEndian.PutUint64(buf[0:], txid)
	binary.BigEndian.PutUint64(buf[8:], blobOff)
	binary.BigEndian.PutUint32(buf[16:], blobLen)
	binary.BigEndian.PutUint64(buf[20:], blobSum)
	binary.BigEndian.PutUint64(buf[28:], xxhash.Sum64(buf[:28]))
	return buf
}

func metaSlotOffset(txid uint64) uint64 {
	if txid%2 == 0 {
		return metaSlot0Off
	}
	return metaSlot1Off
}

// readMetaSlot validates one header slot and loads its blob.
func readMetaSlot(sf *storageFile, slotOff uint64) (*metaRoot, error) {
	buf, err := sf.readAt(slotOff, metaSlotBytes)
	if err != nil {
		return nil, err
	}
	if xxhash.Sum64(buf[:28]) != binary.BigEndian.Uint64(buf[28:]) {
		return nil, nil // empty or torn slot
	}
	txid := binary.BigEndian.Uint64(buf[0:])
	blobOff := binary.BigEndian.Uint64(buf[8:])
	blobLen := binary.BigEndian.Uint32(buf[16:])
	blobSum := binary.BigEndian.Uint64(buf[20:])
	if txid == 0 || blobOff == 0 {
		return nil, nil
	}
	blob, err := sf.readAt(blobOff+slotHeaderSize, int(blobLen))
	if err != nil {
		return nil, err
	}
	if xxhash.Sum64(blob) != blobSum {
		return nil, nil
	}
	var m metaRoot
	if err := msgpack.Unmarshal(blob, &m); err != nil {
		return nil, fmt.Errorf("%w: undecodable meta blob: %v", ErrCorruptHeader, err)
	}
	if m.Txid != txid {
		return nil, nil
	}
	return &m, nil
}

// loadMeta picks the newest valid meta. A fresh file has none.
func loadMeta(sf *storageFile) (*metaRoot, error) {
	m0, err := readMetaSlot(sf, metaSlot0Off)
	if err != nil {
		return nil, err
	}
	m1, err := readMetaSlot(sf, metaSlot1Off)
	if err != nil {
		return nil, err
	}
	switch {
	case m0 == nil && m1 == nil:
		return nil, fmt.Errorf("%w: no valid meta slot", ErrCorruptHeader)
	case m0 == nil:
		return m1, nil
	case m1 == nil:
		return m0, nil
	case m0.Txid > m1.Txid:
		return m0, nil
	default:
		return m1, nil
	}
}

const metaBlobSlack = 128

// finalizeMetaBlob serializes the meta, allocating its own blob slot from
// the same allocator it records. The allocation changes the free list, so
// we allocate with slack and re-serialize until the blob fits.
func finalizeMetaBlob(m *metaRoot, a *allocator) ([]byte, error) {
	slack := metaBlobSlack
	for attempt := 0; attempt < 8; attempt++ {
		m.SelfBlob = span{}
		m.Free = append([]span(nil), a.free...)
		m.DataEnd = a.dataEnd
		probe, err := msgpack.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encoding meta: %w", err)
		}
		n := len(probe) + slack
		off := a.allocate(n)
		m.SelfBlob = span{Off: off, Size: uint64(n) + slotHeaderSize}
		m.Free = append([]span(nil), a.free...)
		m.DataEnd = a.dataEnd
		blob, err := msgpack.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encoding meta: %w", err)
		}
		if len(blob) <= n {
			return blob, nil
		}
		a.release(m.SelfBlob)
		slack *= 2
	}
	return nil, fmt.Errorf("meta blob would not converge")
}

// storeMeta makes the meta durable: blob slot first, then the header slot.
func storeMeta(sf *storageFile, m *metaRoot, blob []byte) error {
	if err := sf.writeSlot(m.SelfBlob.Off, blob); err != nil {
		return err
	}
	if err := sf.sync(); err != nil {
		return err
	}
	slot := encodeMetaSlot(m.Txid, m.SelfBlob.Off, uint32(len(blob)), xxhash.Sum64(blob))
	if err := sf.writeAt(metaSlotOffset(m.Txid), slot); err != nil {
		return err
	}
	return sf.sync()
}
