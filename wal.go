package structsy

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"
)

// The commit log region holds at most one in-flight entry: commits are
// serialized and each one finishes (or is recovered) before the next entry
// is written, so every commit starts again at the region start.
//
// Entry frame:
//
//	magic:byte txid:uint64 flags:byte body-len:uint32 body-xxhash:uint64
//	header-xxhash:uint64, then the body (snappy-compressed msgpack ops),
//	or an 8-byte slot offset when the body overflowed into the data region.
//
// Recovery decides by comparing the entry's txid against the durable meta:
// the meta is only stored after the apply, so an entry one txid ahead of it
// is exactly an unapplied commit.
const (
	walEntryMagic byte = 0xE1

	walHdrSize = 30

	walFlagOverflow = 0x01
)

const (
	opInsert uint8 = 1 + iota
	opUpdate
	opDelete
	opDefineType
	opDefineIndex
)

type walOp struct {
	Kind   uint8      `msgpack:"k"`
	Ref    uint64     `msgpack:"r,omitempty"`
	TypeID uint32     `msgpack:"t,omitempty"`
	Data   []byte     `msgpack:"d,omitempty"`
	Type   *metaType  `msgpack:"y,omitempty"`
	Index  *metaIndex `msgpack:"x,omitempty"`
}

type walEntry struct {
	Txid uint64  `msgpack:"t"`
	Ops  []walOp `msgpack:"o"`
}

func encodeWALBody(e *walEntry) ([]byte, error) {
	raw, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding log entry: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

func decodeWALBody(body []byte) (*walEntry, error) {
	raw, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable entry body: %v", ErrCorruptLog, err)
	}
	var e walEntry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: undecodable entry body: %v", ErrCorruptLog, err)
	}
	return &e, nil
}

func encodeWALHeader(txid uint64, flags byte, bodyLen int, bodySum uint64) []byte {
	buf := make([]byte, walHdrSize)
	buf[0] = walEntryMagic
	binary.BigEndian.PutUint64(buf[1:], txid)
	buf[9] = flags
	binary.BigEndian.PutUint32(buf[10:], uint32(bodyLen))
	binary.BigEndian.PutUint64(buf[14:], bodySum)
	binary.BigEndian.PutUint64(buf[22:], xxhash.Sum64(buf[:22]))
	return buf
}

// writeWALEntry makes the entry durable before anything else of the commit
// touches the file. Returns the overflow span (zero when inline).
func writeWALEntry(sf *storageFile, a *allocator, txid uint64, body []byte) (span, error) {
	bodySum := xxhash.Sum64(body)
	inline := walHdrSize+len(body) <= int(sf.walSize)

	var overflow span
	var frame []byte
	if inline {
		frame = make([]byte, 0, walHdrSize+len(body))
		frame = append(frame, encodeWALHeader(txid, 0, len(body), bodySum)...)
		frame = append(frame, body...)
	} else {
		off := a.allocate(len(body))
		overflow = span{Off: off, Size: uint64(len(body)) + slotHeaderSize}
		if err := sf.writeSlot(off, body); err != nil {
			return span{}, err
		}
		if err := sf.sync(); err != nil {
			return span{}, err
		}
		frame = make([]byte, 0, walHdrSize+8)
		frame = append(frame, encodeWALHeader(txid, walFlagOverflow, len(body), bodySum)...)
		frame = appendUint64(frame, off)
	}
	if err := sf.writeAt(sf.walOff, frame); err != nil {
		return span{}, err
	}
	if err := sf.sync(); err != nil {
		return span{}, err
	}
	return overflow, nil
}

// invalidateWALEntry retracts a flushed entry whose apply failed, so a
// later open does not replay a commit the caller saw fail.
func invalidateWALEntry(sf *storageFile) error {
	if err := sf.writeAt(sf.walOff, []byte{0}); err != nil {
		return err
	}
	return sf.sync()
}

// pendingWALEntry is what recovery found to replay.
type pendingWALEntry struct {
	entry    *walEntry
	overflow span
}

// recoverWAL inspects the log region against the durable meta. A valid
// entry exactly one txid ahead of the meta is an unapplied commit and is
// returned for replay; a torn entry is discarded; anything else
// inconsistent is corruption.
func recoverWAL(sf *storageFile, m *metaRoot) (*pendingWALEntry, error) {
	hdr, err := sf.readAt(sf.walOff, walHdrSize)
	if err != nil {
		return nil, err
	}
	if hdr[0] != walEntryMagic {
		return nil, nil
	}
	if xxhash.Sum64(hdr[:22]) != binary.BigEndian.Uint64(hdr[22:]) {
		return nil, nil // torn header write
	}
	txid := binary.BigEndian.Uint64(hdr[1:])
	flags := hdr[9]
	bodyLen := binary.BigEndian.Uint32(hdr[10:])
	bodySum := binary.BigEndian.Uint64(hdr[14:])

	if txid <= m.Txid {
		return nil, nil // fully applied, meta already covers it
	}
	if txid > m.Txid+1 {
		return nil, fmt.Errorf("%w: log entry txid %d is ahead of meta txid %d", ErrCorruptLog, txid, m.Txid)
	}

	var body []byte
	var overflow span
	if flags&walFlagOverflow != 0 {
		offb, err := sf.readAt(sf.walOff+walHdrSize, 8)
		if err != nil {
			return nil, err
		}
		off := binary.BigEndian.Uint64(offb)
		overflow = span{Off: off, Size: uint64(bodyLen) + slotHeaderSize}
		body, err = sf.readSlot(off)
		if err != nil || len(body) != int(bodyLen) {
			return nil, nil // overflow body torn
		}
	} else {
		if walHdrSize+uint64(bodyLen) > sf.walSize {
			return nil, fmt.Errorf("%w: inline entry larger than log region", ErrCorruptLog)
		}
		body, err = sf.readAt(sf.walOff+walHdrSize, int(bodyLen))
		if err != nil {
			return nil, err
		}
	}
	if xxhash.Sum64(body) != bodySum {
		return nil, nil // torn body write, flush never completed
	}

	entry, err := decodeWALBody(body)
	if err != nil {
		return nil, err
	}
	if entry.Txid != txid {
		return nil, fmt.Errorf("%w: entry txid mismatch", ErrCorruptLog)
	}
	return &pendingWALEntry{entry: entry, overflow: overflow}, nil
}
