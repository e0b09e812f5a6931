package structsy

import (
	"bytes"
	"errors"
	"testing"
)

func storeInitialMeta(t *testing.T, sf *storageFile) *metaRoot {
	t.Helper()
	m := newMetaRoot(sf.dataStart())
	blob := must(finalizeMetaBlob(m, m.allocatorState()))
	ensure(storeMeta(sf, m, blob))
	return m
}

func TestWALRoundtrip(t *testing.T) {
	f := newMemFile()
	sf := must(createStorageFile(f, "mem", 0, true))
	m := storeInitialMeta(t, sf)

	entry := &walEntry{Txid: 2, Ops: []walOp{
		{Kind: opInsert, Ref: 1, TypeID: 1, Data: []byte("record-bytes")},
		{Kind: opDelete, Ref: 9, TypeID: 1},
	}}
	body := must(encodeWALBody(entry))
	a := m.allocatorState()
	overflow, err := writeWALEntry(sf, a, entry.Txid, body)
	if err != nil {
		t.Fatalf("writeWALEntry: %v", err)
	}
	if overflow.Size != 0 {
		t.Fatalf("small body overflowed: %+v", overflow)
	}

	pending, err := recoverWAL(sf, m)
	if err != nil {
		t.Fatalf("recoverWAL: %v", err)
	}
	if pending == nil {
		t.Fatalf("recoverWAL found nothing")
	}
	got := pending.entry
	if got.Txid != 2 || len(got.Ops) != 2 {
		t.Fatalf("recovered entry = txid %d, %d ops", got.Txid, len(got.Ops))
	}
	if got.Ops[0].Kind != opInsert || !bytes.Equal(got.Ops[0].Data, []byte("record-bytes")) {
		t.Fatalf("recovered op 0 = %+v", got.Ops[0])
	}
	if got.Ops[1].Kind != opDelete || got.Ops[1].Ref != 9 {
		t.Fatalf("recovered op 1 = %+v", got.Ops[1])
	}
}

func TestWALEmptyRegion(t *testing.T) {
	f := newMemFile()
	sf := must(createStorageFile(f, "mem", 0, true))
	m := storeInitialMeta(t, sf)

	pending, err := recoverWAL(sf, m)
	if err != nil || pending != nil {
		t.Fatalf("recoverWAL on empty region = (%v, %v)", pending, err)
	}
}

func TestWALAppliedEntrySkipped(t *testing.T) {
	f := newMemFile()
	sf := must(createStorageFile(f, "mem", 0, true))
	m := storeInitialMeta(t, sf)

	body := must(encodeWALBody(&walEntry{Txid: 1, Ops: nil}))
	_, err := writeWALEntry(sf, m.allocatorState(), 1, body)
	ensure(err)

	pending, err := recoverWAL(sf, m)
	if err != nil || pending != nil {
		t.Fatalf("recoverWAL(applied entry) = (%v, %v), wanted nothing", pending, err)
	}
}

func TestWALTornBodyDiscarded(t *testing.T) {
	f := newMemFile()
	sf := must(createStorageFile(f, "mem", 0, true))
	m := storeInitialMeta(t, sf)

	body := must(encodeWALBody(&walEntry{Txid: 2, Ops: []walOp{{Kind: opDelete, Ref: 1}}}))
	_, err := writeWALEntry(sf, m.allocatorState(), 2, body)
	ensure(err)

	// Flip a byte in the body; the checksum must reject it as a torn write.
	ensure(sf.writeAt(sf.walOff+walHdrSize+2, []byte{0xFF}))
	pending, err := recoverWAL(sf, m)
	if err != nil {
		t.Fatalf("recoverWAL: %v", err)
	}
	if pending != nil {
		t.Fatalf("torn entry was not discarded")
	}
}

func TestWALFutureEntryIsCorruption(t *testing.T) {
	f := newMemFile()
	sf := must(createStorageFile(f, "mem", 0, true))
	m := storeInitialMeta(t, sf)

	body := must(encodeWALBody(&walEntry{Txid: 5, Ops: nil}))
	_, err := writeWALEntry(sf, m.allocatorState(), 5, body)
	ensure(err)

	_, err = recoverWAL(sf, m)
	if !errors.Is(err, ErrCorruptLog) {
		t.Fatalf("recoverWAL = %v, wanted ErrCorruptLog", err)
	}
}

func TestWALInvalidate(t *testing.T) {
	f := newMemFile()
	sf := must(createStorageFile(f, "mem", 0, true))
	m := storeInitialMeta(t, sf)

	body := must(encodeWALBody(&walEntry{Txid: 2, Ops: []walOp{{Kind: opDelete, Ref: 1}}}))
	_, err := writeWALEntry(sf, m.allocatorState(), 2, body)
	ensure(err)
	ensure(invalidateWALEntry(sf))

	pending, err := recoverWAL(sf, m)
	if err != nil || pending != nil {
		t.Fatalf("recoverWAL after invalidate = (%v, %v), wanted nothing", pending, err)
	}
}

func TestWALOverflowBody(t *testing.T) {
	f := newMemFile()
	sf := must(createStorageFile(f, "mem", 64, true))
	m := storeInitialMeta(t, sf)

	// Incompressible payload so the compressed body is still oversized.
	big := make([]byte, 4096)
	x := uint32(0x2545F491)
	for i := range big {
		x = x*1664525 + 1013904223
		big[i] = byte(x >> 24)
	}
	entry := &walEntry{Txid: 2, Ops: []walOp{{Kind: opInsert, Ref: 1, Data: big}}}
	body := must(encodeWALBody(entry))
	if walHdrSize+len(body) <= 64 {
		t.Fatalf("body unexpectedly fits the region")
	}
	a := m.allocatorState()
	overflow, err := writeWALEntry(sf, a, 2, body)
	if err != nil {
		t.Fatalf("writeWALEntry: %v", err)
	}
	if overflow.Size == 0 {
		t.Fatalf("large body did not overflow")
	}

	pending, err := recoverWAL(sf, m)
	if err != nil {
		t.Fatalf("recoverWAL: %v", err)
	}
	if pending == nil || pending.overflow != overflow {
		t.Fatalf("recovered overflow = %+v, wanted %+v", pending, overflow)
	}
	if !bytes.Equal(pending.entry.Ops[0].Data, big) {
		t.Fatalf("recovered op data differs")
	}

	// Replay reproduces the same allocation from the same allocator state.
	a2 := m.allocatorState()
	if off := a2.allocate(int(overflow.Size) - slotHeaderSize); off != overflow.Off {
		t.Fatalf("replay allocation = %d, wanted %d", off, overflow.Off)
	}
}
