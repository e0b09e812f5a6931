package structsy

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// applyCtx executes one commit log entry against a clone of the base meta.
// It owns the allocator for the duration: slots written by this apply that
// get freed again go straight back to the free list, slots that predate it
// go to the freed list for quarantine. The entry is applied identically
// during a live commit and during replay after a crash, so both end in the
// same meta.
type applyCtx struct {
	sf    *storageFile
	a     *allocator
	m     *metaRoot
	fresh map[uint64]struct{}
	freed []span
	refW  *treeWriter
	idxW  map[uint32]*treeWriter
}

func newApplyCtx(sf *storageFile, base *metaRoot, txid uint64) *applyCtx {
	m := base.clone()
	m.Txid = txid
	c := &applyCtx{
		sf:    sf,
		a:     m.allocatorState(),
		m:     m,
		fresh: make(map[uint64]struct{}),
		idxW:  make(map[uint32]*treeWriter),
	}
	c.refW = &treeWriter{sw: c, root: m.RefRoot}
	return c
}

func (c *applyCtx) readSlot(off uint64) ([]byte, error) {
	return c.sf.readSlot(off)
}

func (c *applyCtx) allocSlot(data []byte) (uint64, error) {
	off := c.a.allocate(len(data))
	if err := c.sf.writeSlot(off, data); err != nil {
		return 0, err
	}
	c.fresh[off] = struct{}{}
	return off, nil
}

func (c *applyCtx) freeSlot(sp span) {
	if _, ok := c.fresh[sp.Off]; ok {
		delete(c.fresh, sp.Off)
		c.a.release(sp)
		return
	}
	c.freed = append(c.freed, sp)
}

func (c *applyCtx) indexWriter(id uint32) (*treeWriter, error) {
	if w, ok := c.idxW[id]; ok {
		return w, nil
	}
	mi := c.m.index(id)
	if mi == nil {
		return nil, fmt.Errorf("%w: entry references unknown index %d", ErrCorruptLog, id)
	}
	w := &treeWriter{sw: c, root: mi.Root}
	c.idxW[id] = w
	return w, nil
}

func (c *applyCtx) refOffset(ref Ref) (uint64, []byte, error) {
	t := tree{src: c, root: c.refW.root}
	v, ok, err := t.get(refKey(ref))
	if err != nil {
		return 0, nil, err
	}
	if !ok || len(v) != 8 {
		return 0, nil, fmt.Errorf("%w: entry references unknown record %v", ErrCorruptLog, ref)
	}
	return binary.BigEndian.Uint64(v), v, nil
}

func (c *applyCtx) putEntry(id uint32, key []byte, ref Ref) error {
	mi := c.m.index(id)
	if mi == nil {
		return fmt.Errorf("%w: entry references unknown index %d", ErrCorruptLog, id)
	}
	w, err := c.indexWriter(id)
	if err != nil {
		return err
	}
	ek, ev := entryKey(mi.Unique, key, ref)
	return w.put(ek, ev)
}

func (c *applyCtx) deleteEntry(id uint32, key []byte, ref Ref) error {
	mi := c.m.index(id)
	if mi == nil {
		return fmt.Errorf("%w: entry references unknown index %d", ErrCorruptLog, id)
	}
	w, err := c.indexWriter(id)
	if err != nil {
		return err
	}
	ek, _ := entryKey(mi.Unique, key, ref)
	_, err = w.delete(ek)
	return err
}

func (c *applyCtx) applyAll(e *walEntry) error {
	for i := range e.Ops {
		if err := c.applyOp(&e.Ops[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *applyCtx) applyOp(op *walOp) error {
	switch op.Kind {
	case opInsert:
		return c.applyInsert(op)
	case opUpdate:
		return c.applyUpdate(op)
	case opDelete:
		return c.applyDelete(op)
	case opDefineType:
		return c.applyDefineType(op)
	case opDefineIndex:
		return c.applyDefineIndex(op)
	default:
		return fmt.Errorf("%w: unknown op kind %d", ErrCorruptLog, op.Kind)
	}
}

func (c *applyCtx) applyInsert(op *walOp) error {
	rec, err := decodeRecord(op.Data)
	if err != nil {
		return err
	}
	off, err := c.allocSlot(op.Data)
	if err != nil {
		return err
	}
	if err := c.refW.put(refKey(Ref(op.Ref)), appendUint64(nil, off)); err != nil {
		return err
	}
	for _, k := range rec.keys {
		if err := c.putEntry(k.id, k.key, Ref(op.Ref)); err != nil {
			return err
		}
	}
	if op.Ref >= c.m.NextRef {
		c.m.NextRef = op.Ref + 1
	}
	return nil
}

func (c *applyCtx) applyUpdate(op *walOp) error {
	ref := Ref(op.Ref)
	oldOff, _, err := c.refOffset(ref)
	if err != nil {
		return err
	}
	oldData, err := c.readSlot(oldOff)
	if err != nil {
		return err
	}
	oldRec, err := decodeRecord(oldData)
	if err != nil {
		return err
	}
	newRec, err := decodeRecord(op.Data)
	if err != nil {
		return err
	}

	c.freeSlot(slotSpan(oldOff, oldData))
	off, err := c.allocSlot(op.Data)
	if err != nil {
		return err
	}
	if err := c.refW.put(refKey(ref), appendUint64(nil, off)); err != nil {
		return err
	}

	var derr error
	diffIndexKeys(oldRec.keys, newRec.keys,
		func(id uint32, key []byte) {
			if derr == nil {
				derr = c.deleteEntry(id, key, ref)
			}
		},
		func(id uint32, key []byte) {
			if derr == nil {
				derr = c.putEntry(id, key, ref)
			}
		})
	return derr
}

func (c *applyCtx) applyDelete(op *walOp) error {
	ref := Ref(op.Ref)
	off, _, err := c.refOffset(ref)
	if err != nil {
		return err
	}
	data, err := c.readSlot(off)
	if err != nil {
		return err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return err
	}
	c.freeSlot(slotSpan(off, data))
	if _, err := c.refW.delete(refKey(ref)); err != nil {
		return err
	}
	for _, k := range rec.keys {
		if err := c.deleteEntry(k.id, k.key, ref); err != nil {
			return err
		}
	}
	return nil
}

func (c *applyCtx) applyDefineType(op *walOp) error {
	if op.Type == nil {
		return fmt.Errorf("%w: define-type op without a catalog entry", ErrCorruptLog)
	}
	if c.m.typeNamed(op.Type.Name) != nil {
		return fmt.Errorf("%w: type %s defined twice", ErrCorruptLog, op.Type.Name)
	}
	mt := *op.Type
	mt.Indexes = make([]*metaIndex, len(op.Type.Indexes))
	for i, mi := range op.Type.Indexes {
		ix := *mi
		ix.Root = 0
		mt.Indexes[i] = &ix
		if ix.ID >= c.m.NextIndexID {
			c.m.NextIndexID = ix.ID + 1
		}
	}
	c.m.Types = append(c.m.Types, &mt)
	if mt.ID >= c.m.NextTypeID {
		c.m.NextTypeID = mt.ID + 1
	}
	return nil
}

// backfillEntry carries one precomputed index key for an existing record,
// used when an index is added to a type that already has data. The keys are
// computed by whoever builds the entry; replay just applies them.
type backfillEntry struct {
	Ref uint64 `msgpack:"r"`
	Key []byte `msgpack:"k"`
}

func (c *applyCtx) applyDefineIndex(op *walOp) error {
	if op.Index == nil {
		return fmt.Errorf("%w: define-index op without a catalog entry", ErrCorruptLog)
	}
	mt := c.m.typeByID(op.TypeID)
	if mt == nil {
		return fmt.Errorf("%w: define-index op for unknown type %d", ErrCorruptLog, op.TypeID)
	}
	if mt.index(op.Index.ID) != nil {
		return fmt.Errorf("%w: index %d defined twice", ErrCorruptLog, op.Index.ID)
	}
	ix := *op.Index
	ix.Root = 0
	mt.Indexes = append(mt.Indexes, &ix)
	if ix.ID >= c.m.NextIndexID {
		c.m.NextIndexID = ix.ID + 1
	}

	var fill []backfillEntry
	if len(op.Data) > 0 {
		if err := msgpack.Unmarshal(op.Data, &fill); err != nil {
			return fmt.Errorf("%w: undecodable backfill: %v", ErrCorruptLog, err)
		}
	}
	for _, be := range fill {
		if err := c.backfillRecord(Ref(be.Ref), ix.ID, be.Key); err != nil {
			return err
		}
	}
	return nil
}

// backfillRecord rewrites the record slot so its stored key list covers the
// new index, then adds the index entry. Without the rewrite a later remove
// would leave the entry orphaned.
func (c *applyCtx) backfillRecord(ref Ref, indexID uint32, key []byte) error {
	off, _, err := c.refOffset(ref)
	if err != nil {
		return err
	}
	data, err := c.readSlot(off)
	if err != nil {
		return err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return err
	}
	rec.keys = sortIndexKeys(append(rec.keys, indexKeyRaw{id: indexID, key: key}))

	c.freeSlot(slotSpan(off, data))
	newOff, err := c.allocSlot(encodeRecord(rec.typeID, rec.payload, rec.keys))
	if err != nil {
		return err
	}
	if err := c.refW.put(refKey(ref), appendUint64(nil, newOff)); err != nil {
		return err
	}
	return c.putEntry(indexID, key, ref)
}

// finish folds the final tree roots back into the meta and returns it.
func (c *applyCtx) finish() *metaRoot {
	c.m.RefRoot = c.refW.root
	for id, w := range c.idxW {
		c.m.index(id).Root = w.root
	}
	return c.m
}
