package structsy

import (
	"bytes"
	"fmt"

	"github.com/google/btree"
)

// Tx is a transaction over one snapshot. Read transactions only pin the
// snapshot. Write transactions additionally hold the single writer token
// from Write until Commit or Rollback, buffer their changes in memory, and
// publish them atomically at Commit; nothing touches the file before that.
type Tx struct {
	db       *DB
	snap     *snapshot
	writable bool
	done     bool

	ops     []walOp
	pending map[Ref]*record
	delta   *btree.BTreeG[deltaEntry]
	nextRef uint64
}

// deltaEntry is one uncommitted index-tree entry (or tombstone) in entry-key
// space, kept ordered so scans can merge it with the committed tree.
type deltaEntry struct {
	indexID   uint32
	key       []byte
	val       []byte
	tombstone bool
}

func deltaLess(a, b deltaEntry) bool {
	if a.indexID != b.indexID {
		return a.indexID < b.indexID
	}
	return bytes.Compare(a.key, b.key) < 0
}

func (tx *Tx) Txid() uint64 {
	return tx.snap.txid()
}

func (tx *Tx) Writable() bool {
	return tx.writable
}

func (tx *Tx) Schema() *Schema {
	return tx.db.schema
}

func (tx *Tx) checkWritable() error {
	if tx.done {
		return ErrTxDone
	}
	if !tx.writable {
		return fmt.Errorf("mutation in a read-only transaction")
	}
	return tx.db.checkFailed()
}

func toRawKeys(td *TypeDef, keys []IndexKey) (indexKeyRaws, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	raws := make(indexKeyRaws, 0, len(keys))
	for _, ik := range keys {
		idx := ik.Index
		if idx == nil || idx.typ != td {
			return nil, typeErrf(td, idx, ik.Key, nil, "index key for a different type")
		}
		if idx.id == 0 {
			return nil, typeErrf(td, idx, ik.Key, nil, "index is not bound to an open database")
		}
		raws = append(raws, indexKeyRaw{id: idx.id, key: ik.Key})
	}
	return sortIndexKeys(raws), nil
}

// lookupRef resolves a unique field key through the transaction's own
// changes first, then the snapshot.
func (tx *Tx) lookupRef(idx *Index, fieldKey []byte) (Ref, bool, error) {
	if tx.delta != nil {
		if de, ok := tx.delta.Get(deltaEntry{indexID: idx.id, key: fieldKey}); ok {
			if de.tombstone {
				return 0, false, nil
			}
			return refFromKey(de.val), true, nil
		}
	}
	return tx.snap.lookupUnique(idx.id, fieldKey)
}

// checkUnique rejects keys that already map to a different live record.
func (tx *Tx) checkUnique(td *TypeDef, raws indexKeyRaws, self Ref) error {
	for _, k := range raws {
		idx := td.indexByID(k.id)
		if idx == nil || !idx.unique {
			continue
		}
		ref, ok, err := tx.lookupRef(idx, k.key)
		if err != nil {
			return err
		}
		if ok && ref != self {
			return typeErrf(td, idx, k.key, ErrDuplicateKey, "held by %v", ref)
		}
	}
	return nil
}

func (tx *Tx) deltaPut(unique bool, indexID uint32, fieldKey []byte, ref Ref) {
	ek, ev := entryKey(unique, fieldKey, ref)
	tx.delta.ReplaceOrInsert(deltaEntry{indexID: indexID, key: ek, val: ev})
}

func (tx *Tx) deltaDelete(unique bool, indexID uint32, fieldKey []byte, ref Ref) {
	ek, _ := entryKey(unique, fieldKey, ref)
	tx.delta.ReplaceOrInsert(deltaEntry{indexID: indexID, key: ek, tombstone: true})
}

// getRecord reads through the transaction's pending changes.
func (tx *Tx) getRecord(ref Ref) (*record, bool, error) {
	if tx.pending != nil {
		if rec, ok := tx.pending[ref]; ok {
			if rec == nil {
				return nil, false, nil
			}
			return rec, true, nil
		}
	}
	return tx.snap.loadRecord(ref)
}

// InsertRaw adds a record with a pre-encoded payload and its index keys,
// returning the assigned ref. The keys must cover every declared index of
// the type: a record inserted without its clustering key does not appear
// in default scans.
func (tx *Tx) InsertRaw(td *TypeDef, payload []byte, keys []IndexKey) (Ref, error) {
	if err := tx.checkWritable(); err != nil {
		return 0, err
	}
	td.requireBound()
	raws, err := toRawKeys(td, keys)
	if err != nil {
		return 0, err
	}
	ref := Ref(tx.nextRef)
	if err := tx.checkUnique(td, raws, ref); err != nil {
		return 0, err
	}
	tx.nextRef++

	data := encodeRecord(td.id, payload, raws)
	tx.ops = append(tx.ops, walOp{Kind: opInsert, Ref: uint64(ref), TypeID: td.id, Data: data})
	tx.pending[ref] = &record{typeID: td.id, payload: payload, keys: raws}
	for _, k := range raws {
		tx.deltaPut(td.indexByID(k.id).unique, k.id, k.key, ref)
	}
	return ref, nil
}

// UpdateRaw replaces the record behind ref. The ref stays valid; index
// entries whose keys changed are moved.
func (tx *Tx) UpdateRaw(td *TypeDef, ref Ref, payload []byte, keys []IndexKey) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	td.requireBound()
	old, ok, err := tx.getRecord(ref)
	if err != nil {
		return err
	}
	if !ok || old.typeID != td.id {
		return fmt.Errorf("%w: %s %v", ErrRecordNotFound, td.name, ref)
	}
	raws, err := toRawKeys(td, keys)
	if err != nil {
		return err
	}
	if err := tx.checkUnique(td, raws, ref); err != nil {
		return err
	}

	data := encodeRecord(td.id, payload, raws)
	tx.ops = append(tx.ops, walOp{Kind: opUpdate, Ref: uint64(ref), TypeID: td.id, Data: data})
	tx.pending[ref] = &record{typeID: td.id, payload: payload, keys: raws}
	diffIndexKeys(old.keys, raws,
		func(id uint32, key []byte) {
			tx.deltaDelete(td.indexByID(id).unique, id, key, ref)
		},
		func(id uint32, key []byte) {
			tx.deltaPut(td.indexByID(id).unique, id, key, ref)
		})
	return nil
}

// RemoveRaw deletes the record behind ref. The ref is never reused.
func (tx *Tx) RemoveRaw(td *TypeDef, ref Ref) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	td.requireBound()
	old, ok, err := tx.getRecord(ref)
	if err != nil {
		return err
	}
	if !ok || old.typeID != td.id {
		return fmt.Errorf("%w: %s %v", ErrRecordNotFound, td.name, ref)
	}

	tx.ops = append(tx.ops, walOp{Kind: opDelete, Ref: uint64(ref), TypeID: td.id})
	tx.pending[ref] = nil
	for _, k := range old.keys {
		if idx := td.indexByID(k.id); idx != nil {
			tx.deltaDelete(idx.unique, k.id, k.key, ref)
		}
	}
	return nil
}

// GetRaw returns the stored payload of ref, or ok=false if the ref does not
// resolve to a live record of the given type.
func (tx *Tx) GetRaw(td *TypeDef, ref Ref) ([]byte, bool, error) {
	if tx.done {
		return nil, false, ErrTxDone
	}
	td.requireBound()
	rec, ok, err := tx.getRecord(ref)
	if err != nil || !ok || rec.typeID != td.id {
		return nil, false, err
	}
	return rec.payload, true, nil
}

// Commit publishes the buffered changes atomically and durably. On error
// the transaction is finished and nothing was committed, except for
// ErrWriteLockTimeout which cannot happen here (the token is held since
// Write) and apply-phase failures surfaced as ErrDatabaseFailed.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	if !tx.writable || len(tx.ops) == 0 {
		tx.finish()
		return nil
	}
	if err := tx.db.checkFailed(); err != nil {
		tx.finish()
		return err
	}
	err := tx.db.commit(tx.ops)
	tx.finish()
	return err
}

// Rollback discards the transaction. Safe to call after Commit.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.finish()
}

func (tx *Tx) finish() {
	tx.done = true
	tx.db.releaseSnapshot(tx.snap)
	if tx.writable {
		tx.db.releaseWriter()
	}
	tx.ops = nil
	tx.pending = nil
	tx.delta = nil
}
