package structsy

import (
	"bytes"
	"sort"
)

// RawRange selects index entries in entry-key space. Lower is inclusive and
// Upper exclusive; Prefix, when set, overrides both and selects every entry
// the prefix covers. A zero RawRange selects everything.
type RawRange struct {
	Prefix []byte
	Lower  []byte
	Upper  []byte
}

func (r RawRange) bounds() (lo, hi []byte) {
	if r.Prefix != nil {
		return r.Prefix, prefixSuccessor(r.Prefix)
	}
	return r.Lower, r.Upper
}

// entryIter walks index entries in entry-key order, one direction only.
type entryIter interface {
	next() (k, v []byte, ok bool)
	err() error
}

// treeRangeIter iterates a committed tree within [lo, hi).
type treeRangeIter struct {
	c       *treeCursor
	lo, hi  []byte
	rev     bool
	started bool
}

func newTreeRangeIter(t tree, rng RawRange, rev bool) *treeRangeIter {
	lo, hi := rng.bounds()
	return &treeRangeIter{c: t.cursor(), lo: lo, hi: hi, rev: rev}
}

func (it *treeRangeIter) err() error {
	return it.c.Err()
}

func (it *treeRangeIter) next() ([]byte, []byte, bool) {
	var k, v []byte
	if !it.started {
		it.started = true
		if !it.rev {
			if it.lo != nil {
				k, v = it.c.Seek(it.lo)
			} else {
				k, v = it.c.First()
			}
		} else {
			if it.hi != nil {
				// Last entry below the exclusive upper bound.
				k, v = it.c.Seek(it.hi)
				if k != nil {
					k, v = it.c.Prev()
				} else {
					k, v = it.c.Last()
				}
			} else {
				k, v = it.c.Last()
			}
		}
	} else {
		if it.rev {
			k, v = it.c.Prev()
		} else {
			k, v = it.c.Next()
		}
	}
	if k == nil {
		return nil, nil, false
	}
	if !it.rev && it.hi != nil && bytes.Compare(k, it.hi) >= 0 {
		return nil, nil, false
	}
	if it.rev && it.lo != nil && bytes.Compare(k, it.lo) < 0 {
		return nil, nil, false
	}
	return k, v, true
}

// mergeIter overlays a transaction's uncommitted entries onto the committed
// iterator. On a key collision the delta wins; tombstones drop the entry.
type mergeIter struct {
	base   entryIter
	delta  []deltaEntry // ascending by key
	dpos   int          // next delta position (counts down when rev)
	rev    bool
	bk, bv []byte
	bok    bool
	primed bool
}

func newMergeIter(base entryIter, delta []deltaEntry, rev bool) *mergeIter {
	it := &mergeIter{base: base, delta: delta, rev: rev}
	if rev {
		it.dpos = len(delta) - 1
	}
	return it
}

func (it *mergeIter) err() error {
	return it.base.err()
}

func (it *mergeIter) deltaDone() bool {
	if it.rev {
		return it.dpos < 0
	}
	return it.dpos >= len(it.delta)
}

func (it *mergeIter) advanceDelta() {
	if it.rev {
		it.dpos--
	} else {
		it.dpos++
	}
}

func (it *mergeIter) next() ([]byte, []byte, bool) {
	if !it.primed {
		it.primed = true
		it.bk, it.bv, it.bok = it.base.next()
	}
	for {
		dok := !it.deltaDone()
		if !dok && !it.bok {
			return nil, nil, false
		}
		takeDelta := false
		var equal bool
		if !it.bok {
			takeDelta = true
		} else if dok {
			cmp := bytes.Compare(it.delta[it.dpos].key, it.bk)
			equal = cmp == 0
			if equal {
				takeDelta = true
			} else if it.rev {
				takeDelta = cmp > 0
			} else {
				takeDelta = cmp < 0
			}
		}
		if takeDelta {
			de := it.delta[it.dpos]
			it.advanceDelta()
			if equal {
				it.bk, it.bv, it.bok = it.base.next()
			}
			if de.tombstone {
				continue
			}
			return de.key, de.val, true
		}
		k, v := it.bk, it.bv
		it.bk, it.bv, it.bok = it.base.next()
		return k, v, true
	}
}

// deltaEntriesInRange collects the transaction's pending entries of one
// index inside the range, in ascending key order.
func (tx *Tx) deltaEntriesInRange(indexID uint32, rng RawRange) []deltaEntry {
	if tx.delta == nil || tx.delta.Len() == 0 {
		return nil
	}
	lo, hi := rng.bounds()
	ge := deltaEntry{indexID: indexID, key: lo}
	var out []deltaEntry
	collect := func(de deltaEntry) bool {
		out = append(out, de)
		return true
	}
	if hi != nil {
		tx.delta.AscendRange(ge, deltaEntry{indexID: indexID, key: hi}, collect)
	} else {
		tx.delta.AscendRange(ge, deltaEntry{indexID: indexID + 1}, collect)
	}
	return out
}

// rawIndexScan iterates one index's entries within rng, merged with the
// transaction's own uncommitted changes.
func (tx *Tx) rawIndexScan(idx *Index, rng RawRange, reverse bool) entryIter {
	base := newTreeRangeIter(tx.snap.indexTree(idx.id), rng, reverse)
	delta := tx.deltaEntriesInRange(idx.id, rng)
	if len(delta) == 0 {
		return base
	}
	return newMergeIter(base, delta, reverse)
}

// refScan iterates the ref tree (insertion order), overlaying pending
// inserts, updates and removes. Values are only meaningful for committed
// entries; pending refs resolve through the transaction.
func (tx *Tx) refScan(reverse bool) entryIter {
	base := newTreeRangeIter(tx.snap.refTree(), RawRange{}, reverse)
	if len(tx.pending) == 0 {
		return base
	}
	delta := make([]deltaEntry, 0, len(tx.pending))
	for ref, rec := range tx.pending {
		delta = append(delta, deltaEntry{key: refKey(ref), tombstone: rec == nil})
	}
	sort.Slice(delta, func(i, j int) bool {
		return bytes.Compare(delta[i].key, delta[j].key) < 0
	})
	return newMergeIter(base, delta, reverse)
}
