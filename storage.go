package structsy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// blockFile is the random-access backing of a database: a real file, or an
// in-memory buffer in tests.
type blockFile interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Close() error
}

// The storage file is one flat file:
//
//	header page | commit log region | data region
//
// The data region is a sequence of variable-length slots, each prefixed
// with a 4-byte big-endian length. Everything that persists (record
// payloads, tree nodes, meta blobs, oversized log bodies) is a slot.
const (
	fileMagic     = "structsy"
	formatVersion = 1

	defaultPageSize = 4096
	defaultWALSize  = 1 << 20

	slotHeaderSize = 4
	maxSlotSize    = 1 << 28

	hdrVersionOff  = 8
	hdrPageSizeOff = 12
	hdrUUIDOff     = 16
	hdrWALOff      = 32
	hdrWALSizeOff  = 40

	metaSlot0Off  = 64
	metaSlot1Off  = 192
	metaSlotBytes = 36
)

type storageFile struct {
	f          blockFile
	path       string
	pageSize   uint32
	walOff     uint64
	walSize    uint64
	instanceID uuid.UUID
	noSync     bool
}

func createStorageFile(f blockFile, path string, walSize uint64, noSync bool) (*storageFile, error) {
	if walSize == 0 {
		walSize = defaultWALSize
	}
	sf := &storageFile{
		f:          f,
		path:       path,
		pageSize:   defaultPageSize,
		walOff:     defaultPageSize,
		walSize:    walSize,
		instanceID: uuid.New(),
		noSync:     noSync,
	}

	hdr := make([]byte, sf.pageSize)
	copy(hdr, fileMagic)
	binary.BigEndian.PutUint32(hdr[hdrVersionOff:], formatVersion)
	binary.BigEndian.PutUint32(hdr[hdrPageSizeOff:], sf.pageSize)
	copy(hdr[hdrUUIDOff:], sf.instanceID[:])
	binary.BigEndian.PutUint64(hdr[hdrWALOff:], sf.walOff)
	binary.BigEndian.PutUint64(hdr[hdrWALSizeOff:], sf.walSize)

	if err := sf.writeAt(0, hdr); err != nil {
		return nil, err
	}
	if err := sf.sync(); err != nil {
		return nil, err
	}
	return sf, nil
}

func openStorageFile(f blockFile, path string, noSync bool) (*storageFile, error) {
	hdr := make([]byte, defaultPageSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: truncated header", ErrCorruptHeader)
		}
		return nil, ioErrf(err, "reading header of %s", path)
	}
	if !bytes.Equal(hdr[:len(fileMagic)], []byte(fileMagic)) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptHeader)
	}
	if v := binary.BigEndian.Uint32(hdr[hdrVersionOff:]); v != formatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorruptHeader, v)
	}
	sf := &storageFile{
		f:        f,
		path:     path,
		pageSize: binary.BigEndian.Uint32(hdr[hdrPageSizeOff:]),
		walOff:   binary.BigEndian.Uint64(hdr[hdrWALOff:]),
		walSize:  binary.BigEndian.Uint64(hdr[hdrWALSizeOff:]),
		noSync:   noSync,
	}
	copy(sf.instanceID[:], hdr[hdrUUIDOff:hdrUUIDOff+16])
	if sf.pageSize == 0 || sf.walOff < uint64(sf.pageSize) || sf.walSize == 0 {
		return nil, fmt.Errorf("%w: nonsensical region bounds", ErrCorruptHeader)
	}
	return sf, nil
}

func (sf *storageFile) dataStart() uint64 {
	return sf.walOff + sf.walSize
}

func (sf *storageFile) readAt(off uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := sf.f.ReadAt(buf, int64(off)); err != nil {
		return nil, ioErrf(err, "read %d bytes at %d in %s", n, off, sf.path)
	}
	return buf, nil
}

func (sf *storageFile) writeAt(off uint64, data []byte) error {
	if _, err := sf.f.WriteAt(data, int64(off)); err != nil {
		return ioErrf(err, "write %d bytes at %d in %s", len(data), off, sf.path)
	}
	return nil
}

func (sf *storageFile) readSlot(off uint64) ([]byte, error) {
	szb, err := sf.readAt(off, slotHeaderSize)
	if err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(szb)
	if size > maxSlotSize {
		return nil, fmt.Errorf("slot at %d claims impossible size %d", off, size)
	}
	return sf.readAt(off+slotHeaderSize, int(size))
}

func (sf *storageFile) writeSlot(off uint64, data []byte) error {
	buf := make([]byte, slotHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[slotHeaderSize:], data)
	return sf.writeAt(off, buf)
}

func (sf *storageFile) sync() error {
	if sf.noSync {
		return nil
	}
	if err := sf.f.Sync(); err != nil {
		return ioErrf(err, "fsync %s", sf.path)
	}
	return nil
}

func (sf *storageFile) close() error {
	return sf.f.Close()
}

// span is a reclaimed region of the data region, header included.
type span struct {
	Off  uint64 `msgpack:"o"`
	Size uint64 `msgpack:"s"`
}

func slotSpan(off uint64, data []byte) span {
	return span{Off: off, Size: uint64(len(data)) + slotHeaderSize}
}

// allocator hands out data-region slots. Free spans are reused first-fit;
// when none fits, the region grows. The allocator is part of the committed
// meta, so a crashed commit's allocations simply never happened.
type allocator struct {
	free    []span
	dataEnd uint64
}

const minSplitRemainder = 16

func (a *allocator) clone() *allocator {
	return &allocator{
		free:    append([]span(nil), a.free...),
		dataEnd: a.dataEnd,
	}
}

// allocate reserves room for a slot with a payload of n bytes and returns
// the slot offset.
func (a *allocator) allocate(n int) uint64 {
	total := uint64(n) + slotHeaderSize
	for i, sp := range a.free {
		if sp.Size < total {
			continue
		}
		if sp.Size-total >= minSplitRemainder {
			a.free[i] = span{Off: sp.Off + total, Size: sp.Size - total}
		} else {
			a.free = append(a.free[:i], a.free[i+1:]...)
		}
		return sp.Off
	}
	off := a.dataEnd
	a.dataEnd += total
	return off
}

func (a *allocator) release(sp span) {
	if sp.Size == 0 {
		return
	}
	a.free = append(a.free, sp)
}

func (a *allocator) releaseAll(spans []span) {
	for _, sp := range spans {
		a.release(sp)
	}
}
