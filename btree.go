package structsy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// Copy-on-write B-tree over storage slots. Readers traverse whatever root
// their snapshot pins; writers rewrite every touched node into a fresh slot
// and hand the old one to the quarantine, so a commit amounts to swapping
// root offsets in the meta.
//
// Node slot format:
//
//	kind:byte (1 leaf, 0 inner)
//	count:uvarint
//	leaf:  count * (key:varbytes value:varbytes)
//	inner: count * key:varbytes, then (count+1) * child-offset:uint64
//
// Separator convention: child i holds keys strictly below keys[i] and at or
// above keys[i-1].
const (
	treeSplitSize    = 4096 - slotHeaderSize
	treeMinNodeBytes = treeSplitSize / 4
)

type nodeSource interface {
	readSlot(off uint64) ([]byte, error)
}

type slotWriter interface {
	nodeSource
	allocSlot(data []byte) (uint64, error)
	freeSlot(sp span)
}

type treeNode struct {
	leaf     bool
	keys     [][]byte
	vals     [][]byte
	children []uint64
}

func (n *treeNode) count() int {
	return len(n.keys)
}

func uvarintLen(v uint64) int {
	var b [binary.MaxVarintLen64]byte
	return binary.PutUvarint(b[:], v)
}

func (n *treeNode) encodedLen() int {
	sz := 1 + uvarintLen(uint64(len(n.keys)))
	for _, k := range n.keys {
		sz += uvarintLen(uint64(len(k))) + len(k)
	}
	if n.leaf {
		for _, v := range n.vals {
			sz += uvarintLen(uint64(len(v))) + len(v)
		}
	} else {
		sz += 8 * len(n.children)
	}
	return sz
}

func (n *treeNode) encode() []byte {
	buf := make([]byte, 0, n.encodedLen())
	if n.leaf {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendUvarint(buf, uint64(len(n.keys)))
	if n.leaf {
		for i, k := range n.keys {
			buf = appendVarbytes(buf, k)
			buf = appendVarbytes(buf, n.vals[i])
		}
	} else {
		for _, k := range n.keys {
			buf = appendVarbytes(buf, k)
		}
		for _, c := range n.children {
			buf = appendUint64(buf, c)
		}
	}
	return buf
}

func decodeTreeNode(data []byte) (*treeNode, error) {
	d := makeByteDecoder(data)
	kind, err := d.Byte()
	if err != nil {
		return nil, err
	}
	count, err := d.Uvarinti()
	if err != nil {
		return nil, err
	}
	n := &treeNode{leaf: kind == 1}
	n.keys = make([][]byte, count)
	if n.leaf {
		n.vals = make([][]byte, count)
		for i := 0; i < count; i++ {
			if n.keys[i], err = d.VarBytes(); err != nil {
				return nil, err
			}
			if n.vals[i], err = d.VarBytes(); err != nil {
				return nil, err
			}
		}
	} else {
		for i := 0; i < count; i++ {
			if n.keys[i], err = d.VarBytes(); err != nil {
				return nil, err
			}
		}
		n.children = make([]uint64, count+1)
		for i := range n.children {
			if n.children[i], err = d.Uint64(); err != nil {
				return nil, err
			}
		}
	}
	return n, nil
}

// childIndex picks the child subtree a key belongs to.
func (n *treeNode) childIndex(key []byte) int {
	return sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(key, n.keys[i]) < 0
	})
}

// entryIndex returns the position of key in a leaf and whether it is present.
func (n *treeNode) entryIndex(key []byte) (int, bool) {
	idx := sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(n.keys[i], key) >= 0
	})
	return idx, idx < len(n.keys) && bytes.Equal(n.keys[idx], key)
}

// tree is a read-only view of a B-tree rooted at a snapshot's root offset.
// A zero root is an empty tree.
type tree struct {
	src  nodeSource
	root uint64
}

func (t tree) get(key []byte) ([]byte, bool, error) {
	off := t.root
	for off != 0 {
		data, err := t.src.readSlot(off)
		if err != nil {
			return nil, false, err
		}
		n, err := decodeTreeNode(data)
		if err != nil {
			return nil, false, err
		}
		if n.leaf {
			idx, ok := n.entryIndex(key)
			if !ok {
				return nil, false, nil
			}
			return n.vals[idx], true, nil
		}
		off = n.children[n.childIndex(key)]
	}
	return nil, false, nil
}

// treeWriter mutates a tree during commit apply. The final root is read
// back from w.root once all mutations are in.
type treeWriter struct {
	sw   slotWriter
	root uint64
}

func (w *treeWriter) load(off uint64) (*treeNode, span, error) {
	data, err := w.sw.readSlot(off)
	if err != nil {
		return nil, span{}, err
	}
	n, err := decodeTreeNode(data)
	if err != nil {
		return nil, span{}, err
	}
	return n, slotSpan(off, data), nil
}

func (w *treeWriter) write(n *treeNode) (uint64, error) {
	return w.sw.allocSlot(n.encode())
}

type childUpdate struct {
	off      uint64
	split    bool
	sep      []byte
	rightOff uint64
}

func (w *treeWriter) put(key, val []byte) error {
	if w.root == 0 {
		n := &treeNode{leaf: true, keys: [][]byte{key}, vals: [][]byte{val}}
		off, err := w.write(n)
		if err != nil {
			return err
		}
		w.root = off
		return nil
	}
	u, err := w.putRec(w.root, key, val)
	if err != nil {
		return err
	}
	if u.split {
		root := &treeNode{
			keys:     [][]byte{u.sep},
			children: []uint64{u.off, u.rightOff},
		}
		off, err := w.write(root)
		if err != nil {
			return err
		}
		w.root = off
	} else {
		w.root = u.off
	}
	return nil
}

func (w *treeWriter) putRec(off uint64, key, val []byte) (childUpdate, error) {
	n, sp, err := w.load(off)
	if err != nil {
		return childUpdate{}, err
	}
	if n.leaf {
		idx, ok := n.entryIndex(key)
		if ok {
			n.vals[idx] = val
		} else {
			n.keys = append(n.keys, nil)
			copy(n.keys[idx+1:], n.keys[idx:])
			n.keys[idx] = key
			n.vals = append(n.vals, nil)
			copy(n.vals[idx+1:], n.vals[idx:])
			n.vals[idx] = val
		}
	} else {
		ci := n.childIndex(key)
		u, err := w.putRec(n.children[ci], key, val)
		if err != nil {
			return childUpdate{}, err
		}
		n.children[ci] = u.off
		if u.split {
			n.keys = append(n.keys, nil)
			copy(n.keys[ci+1:], n.keys[ci:])
			n.keys[ci] = u.sep
			n.children = append(n.children, 0)
			copy(n.children[ci+2:], n.children[ci+1:])
			n.children[ci+1] = u.rightOff
		}
	}
	w.sw.freeSlot(sp)
	return w.writeMaybeSplit(n)
}

func (w *treeWriter) writeMaybeSplit(n *treeNode) (childUpdate, error) {
	if n.encodedLen() <= treeSplitSize || n.count() < 2 {
		off, err := w.write(n)
		return childUpdate{off: off}, err
	}
	left, sep, right := n.split()
	lo, err := w.write(left)
	if err != nil {
		return childUpdate{}, err
	}
	ro, err := w.write(right)
	if err != nil {
		return childUpdate{}, err
	}
	return childUpdate{off: lo, split: true, sep: sep, rightOff: ro}, nil
}

// split divides an oversized node roughly in half by encoded bytes.
func (n *treeNode) split() (*treeNode, []byte, *treeNode) {
	half := n.encodedLen() / 2
	var acc int
	mid := 1
	for i, k := range n.keys {
		entry := uvarintLen(uint64(len(k))) + len(k)
		if n.leaf {
			entry += uvarintLen(uint64(len(n.vals[i]))) + len(n.vals[i])
		} else {
			entry += 8
		}
		acc += entry
		if acc >= half {
			mid = i + 1
			break
		}
	}
	if mid >= n.count() {
		mid = n.count() - 1
	}
	if mid < 1 {
		mid = 1
	}
	if n.leaf {
		left := &treeNode{leaf: true, keys: n.keys[:mid], vals: n.vals[:mid]}
		right := &treeNode{leaf: true, keys: n.keys[mid:], vals: n.vals[mid:]}
		return left, right.keys[0], right
	}
	left := &treeNode{keys: n.keys[:mid], children: n.children[:mid+1]}
	sep := n.keys[mid]
	right := &treeNode{keys: n.keys[mid+1:], children: n.children[mid+1:]}
	return left, sep, right
}

func (w *treeWriter) delete(key []byte) (bool, error) {
	if w.root == 0 {
		return false, nil
	}
	n, found, err := w.delRec(w.root, key)
	if err != nil || !found {
		return false, err
	}
	// Collapse trivial roots.
	for !n.leaf && n.count() == 0 {
		child, csp, err := w.load(n.children[0])
		if err != nil {
			return false, err
		}
		w.sw.freeSlot(csp)
		n = child
	}
	if n.leaf && n.count() == 0 {
		w.root = 0
		return true, nil
	}
	off, err := w.write(n)
	if err != nil {
		return false, err
	}
	w.root = off
	return true, nil
}

// delRec removes key under off. On a hit it frees the node's old slot and
// returns the modified node unwritten, so the parent can merge it with a
// sibling before persisting.
func (w *treeWriter) delRec(off uint64, key []byte) (*treeNode, bool, error) {
	n, sp, err := w.load(off)
	if err != nil {
		return nil, false, err
	}
	if n.leaf {
		idx, ok := n.entryIndex(key)
		if !ok {
			return nil, false, nil
		}
		n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
		n.vals = append(n.vals[:idx], n.vals[idx+1:]...)
		w.sw.freeSlot(sp)
		return n, true, nil
	}

	ci := n.childIndex(key)
	child, found, err := w.delRec(n.children[ci], key)
	if err != nil || !found {
		return nil, false, err
	}
	w.sw.freeSlot(sp)

	if child.encodedLen() < treeMinNodeBytes && len(n.children) > 1 {
		si := ci - 1
		if ci == 0 {
			si = 1
		}
		sib, ssp, err := w.load(n.children[si])
		if err != nil {
			return nil, false, err
		}
		if sib.encodedLen()+child.encodedLen() <= treeSplitSize {
			m := ci
			left, right := child, sib
			if si < ci {
				m = si
				left, right = sib, child
			}
			w.sw.freeSlot(ssp)
			merged := mergeNodes(left, n.keys[m], right)
			mo, err := w.write(merged)
			if err != nil {
				return nil, false, err
			}
			n.keys = append(n.keys[:m], n.keys[m+1:]...)
			n.children = append(n.children[:m+1], n.children[m+2:]...)
			n.children[m] = mo
			return n, true, nil
		}
	}

	co, err := w.write(child)
	if err != nil {
		return nil, false, err
	}
	n.children[ci] = co
	return n, true, nil
}

func mergeNodes(left *treeNode, sep []byte, right *treeNode) *treeNode {
	if left.leaf != right.leaf {
		panic(fmt.Errorf("merging leaf with inner node"))
	}
	if left.leaf {
		return &treeNode{
			leaf: true,
			keys: append(append([][]byte{}, left.keys...), right.keys...),
			vals: append(append([][]byte{}, left.vals...), right.vals...),
		}
	}
	keys := append(append([][]byte{}, left.keys...), sep)
	keys = append(keys, right.keys...)
	return &treeNode{
		keys:     keys,
		children: append(append([]uint64{}, left.children...), right.children...),
	}
}
