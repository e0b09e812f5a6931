package structsy

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// Predicate constrains one field of the selected type. Multiple predicates
// on the same field are intersected.
type Predicate struct {
	field string
	eq    bool
	val   any
	hasLo bool
	lo    any
	loInc bool
	hasHi bool
	hi    any
	hiInc bool
}

// Eq matches rows whose field equals v.
func Eq(field string, v any) Predicate {
	return Predicate{field: field, eq: true, val: v}
}

// Gt matches rows whose field is greater than v.
func Gt(field string, v any) Predicate {
	return Predicate{field: field, hasLo: true, lo: v}
}

// Ge matches rows whose field is greater than or equal to v.
func Ge(field string, v any) Predicate {
	return Predicate{field: field, hasLo: true, lo: v, loInc: true}
}

// Lt matches rows whose field is less than v.
func Lt(field string, v any) Predicate {
	return Predicate{field: field, hasHi: true, hi: v}
}

// Le matches rows whose field is less than or equal to v.
func Le(field string, v any) Predicate {
	return Predicate{field: field, hasHi: true, hi: v, hiInc: true}
}

// fieldCond is the merged constraint on one field with bounds already in
// key space, so residual checks are byte comparisons.
type fieldCond struct {
	field  string
	eq     []byte
	lo     []byte // inclusive
	hi     []byte // exclusive means cmp < 0, inclusive cmp <= 0
	hiInc  bool
	empty  bool // contradictory predicates, matches nothing
}

func (c *fieldCond) match(enc []byte) bool {
	if c.empty {
		return false
	}
	if c.eq != nil && !bytes.Equal(enc, c.eq) {
		return false
	}
	if c.lo != nil && bytes.Compare(enc, c.lo) < 0 {
		return false
	}
	if c.hi != nil {
		cmp := bytes.Compare(enc, c.hi)
		if cmp > 0 || (cmp == 0 && !c.hiInc) {
			return false
		}
	}
	return true
}

func compileConds(td *TypeDef, preds []Predicate) ([]*fieldCond, error) {
	var conds []*fieldCond
	byField := make(map[string]*fieldCond)
	for _, p := range preds {
		c := byField[p.field]
		if c == nil {
			c = &fieldCond{field: p.field}
			byField[p.field] = c
			conds = append(conds, c)
		}
		if p.eq {
			enc, err := td.encodeBoundValue(p.field, p.val)
			if err != nil {
				return nil, err
			}
			if c.eq != nil && !bytes.Equal(c.eq, enc) {
				c.empty = true
			}
			c.eq = enc
		}
		if p.hasLo {
			enc, err := td.encodeBoundValue(p.field, p.lo)
			if err != nil {
				return nil, err
			}
			if !p.loInc {
				enc = prefixSuccessor(enc)
				if enc == nil {
					// Nothing sorts above the bound.
					c.empty = true
					continue
				}
			}
			if c.lo == nil || bytes.Compare(enc, c.lo) > 0 {
				c.lo = enc
			}
		}
		if p.hasHi {
			enc, err := td.encodeBoundValue(p.field, p.hi)
			if err != nil {
				return nil, err
			}
			if c.hi == nil || bytes.Compare(enc, c.hi) < 0 || (bytes.Equal(enc, c.hi) && c.hiInc && !p.hiInc) {
				c.hi = enc
				c.hiInc = p.hiInc
			}
		}
	}
	return conds, nil
}

// pickIndex chooses the scan: an equality on a unique index beats an
// equality on any index beats a range, earlier-declared indexes win ties.
// Returns nil when no condition has an index; the caller falls back to a
// full scan.
func pickIndex(td *TypeDef, conds []*fieldCond) (*Index, *fieldCond) {
	var best *Index
	var bestCond *fieldCond
	bestScore := 0
	for _, c := range conds {
		idx := td.indexOnField(c.field)
		if idx == nil {
			continue
		}
		score := 0
		switch {
		case c.eq != nil && idx.unique:
			score = 3
		case c.eq != nil:
			score = 2
		case c.lo != nil || c.hi != nil:
			score = 1
		}
		if score > bestScore || (score == bestScore && score > 0 && idx.pos < best.pos) {
			best, bestCond, bestScore = idx, c, score
		}
	}
	return best, bestCond
}

// condRange translates a field condition into entry-key space. Field keys
// are prefix-free, so a prefix scan of an encoded value matches exactly the
// entries of that value even when refs are folded into the entry keys.
func condRange(c *fieldCond) RawRange {
	if c.eq != nil {
		return RawRange{Prefix: c.eq}
	}
	var r RawRange
	r.Lower = c.lo
	if c.hi != nil {
		if c.hiInc {
			r.Upper = prefixSuccessor(c.hi)
		} else {
			r.Upper = c.hi
		}
	}
	return r
}

// Rows is a lazy result iterator. The plan is built on the first Next:
// one index scan when a predicate has an index, otherwise a full scan in
// clustering order (ref order if the type has no clustering index).
type Rows struct {
	tx      *Tx
	td      *TypeDef
	preds   []Predicate
	reverse bool

	started    bool
	exhausted  bool
	it         entryIter
	chosen     *Index
	residual   []*fieldCond
	err        error
	mismatched int

	ref    Ref
	rowVal reflect.Value
}

// Select queries records of the given type. All predicates must hold for a
// row to be returned.
func (tx *Tx) Select(td *TypeDef, preds ...Predicate) *Rows {
	td.requireBound()
	return &Rows{tx: tx, td: td, preds: preds}
}

// Reverse flips the iteration order. Must be called before the first Next.
func (r *Rows) Reverse() *Rows {
	if r.started {
		panic(fmt.Errorf("Reverse after iteration started"))
	}
	r.reverse = true
	return r
}

func (r *Rows) start() {
	r.started = true
	if r.tx.done {
		r.err = ErrTxDone
		return
	}
	conds, err := compileConds(r.td, r.preds)
	if err != nil {
		r.err = err
		return
	}
	for _, c := range conds {
		if c.empty {
			r.exhausted = true
			return
		}
	}
	idx, cond := pickIndex(r.td, conds)
	// Every condition is rechecked against the decoded row, including the
	// scanned one: an equality combined with a range on the same field
	// narrows the scan but not the range.
	r.residual = conds
	if idx != nil {
		r.chosen = idx
		r.it = r.tx.rawIndexScan(idx, condRange(cond), r.reverse)
		return
	}
	if cl := r.td.clustering; cl != nil {
		r.chosen = cl
		r.it = r.tx.rawIndexScan(cl, RawRange{}, r.reverse)
	} else {
		r.it = r.tx.refScan(r.reverse)
	}
}

// Next advances to the next matching row. It returns false at the end of
// the results or on error; check Err after the loop.
func (r *Rows) Next() bool {
	if !r.started {
		r.start()
	}
	if r.err != nil || r.exhausted {
		return false
	}
	for {
		k, v, ok := r.it.next()
		if !ok {
			r.err = r.it.err()
			return false
		}
		var ref Ref
		if r.chosen != nil {
			ref = refOfEntry(r.chosen.unique, k, v)
		} else {
			ref = refFromKey(k)
		}
		rec, ok, err := r.tx.getRecord(ref)
		if err != nil {
			r.err = err
			return false
		}
		if !ok || rec.typeID != r.td.id {
			continue
		}
		row := reflect.New(r.td.goType)
		if err := msgpack.Unmarshal(rec.payload, row.Interface()); err != nil {
			r.mismatched++
			continue
		}
		if !r.matchResidual(row.Elem()) {
			continue
		}
		r.ref = ref
		r.rowVal = row
		return true
	}
}

func (r *Rows) matchResidual(rowVal reflect.Value) bool {
	for _, c := range r.residual {
		fi := r.td.fields[c.field]
		if fi == nil {
			return false
		}
		enc := fi.encoding().append(nil, rowVal.Field(fi.fieldIndex))
		if !c.match(enc) {
			return false
		}
	}
	return true
}

// Ref returns the ref of the current row.
func (r *Rows) Ref() Ref {
	return r.ref
}

// Decode copies the current row into the given struct pointer.
func (r *Rows) Decode(row any) error {
	if !r.rowVal.IsValid() {
		return fmt.Errorf("Decode before Next")
	}
	dst := reflect.ValueOf(row)
	if dst.Kind() != reflect.Ptr || dst.Elem().Type() != r.td.goType {
		return typeErrf(r.td, nil, nil, nil, "Decode wants *%v, got %v", r.td.goType, dst.Type())
	}
	dst.Elem().Set(r.rowVal.Elem())
	return nil
}

func (r *Rows) Err() error {
	return r.err
}

// Mismatched counts rows skipped because their stored payload no longer
// decodes with the current type definition.
func (r *Rows) Mismatched() int {
	return r.mismatched
}

// Count drains the iterator and returns the number of matching rows.
func (r *Rows) Count() (int, error) {
	n := 0
	for r.Next() {
		n++
	}
	return n, r.Err()
}
