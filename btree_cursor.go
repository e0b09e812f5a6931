package structsy

// treeCursor iterates a tree snapshot in key order. It keeps the descent
// path on a stack; inner frames record which child is being traversed,
// the leaf frame records the current entry.
type treeCursor struct {
	src   nodeSource
	root  uint64
	stack []cursorFrame
	err   error
}

type cursorFrame struct {
	n   *treeNode
	idx int
}

func (t tree) cursor() *treeCursor {
	return &treeCursor{src: t.src, root: t.root}
}

func (c *treeCursor) Err() error {
	return c.err
}

func (c *treeCursor) loadNode(off uint64) *treeNode {
	data, err := c.src.readSlot(off)
	if err != nil {
		c.err = err
		return nil
	}
	n, err := decodeTreeNode(data)
	if err != nil {
		c.err = err
		return nil
	}
	return n
}

func (c *treeCursor) current() ([]byte, []byte) {
	if len(c.stack) == 0 {
		return nil, nil
	}
	f := c.stack[len(c.stack)-1]
	if f.idx < 0 || f.idx >= f.n.count() {
		return nil, nil
	}
	return f.n.keys[f.idx], f.n.vals[f.idx]
}

// descend pushes the path from off down to a leaf, taking the leftmost or
// rightmost branch, and leaves the leaf frame at its first or last entry.
func (c *treeCursor) descend(off uint64, last bool) ([]byte, []byte) {
	for {
		n := c.loadNode(off)
		if n == nil {
			c.stack = nil
			return nil, nil
		}
		if n.leaf {
			idx := 0
			if last {
				idx = n.count() - 1
			}
			if idx < 0 || idx >= n.count() {
				// Empty leaf only happens for an empty root.
				c.stack = nil
				return nil, nil
			}
			c.stack = append(c.stack, cursorFrame{n, idx})
			return n.keys[idx], n.vals[idx]
		}
		ci := 0
		if last {
			ci = len(n.children) - 1
		}
		c.stack = append(c.stack, cursorFrame{n, ci})
		off = n.children[ci]
	}
}

func (c *treeCursor) First() ([]byte, []byte) {
	c.stack = c.stack[:0]
	if c.root == 0 || c.err != nil {
		return nil, nil
	}
	return c.descend(c.root, false)
}

func (c *treeCursor) Last() ([]byte, []byte) {
	c.stack = c.stack[:0]
	if c.root == 0 || c.err != nil {
		return nil, nil
	}
	return c.descend(c.root, true)
}

// Seek positions the cursor at the first entry with key >= the given key.
func (c *treeCursor) Seek(key []byte) ([]byte, []byte) {
	c.stack = c.stack[:0]
	if c.root == 0 || c.err != nil {
		return nil, nil
	}
	off := c.root
	for {
		n := c.loadNode(off)
		if n == nil {
			c.stack = nil
			return nil, nil
		}
		if n.leaf {
			idx, _ := n.entryIndex(key)
			c.stack = append(c.stack, cursorFrame{n, idx})
			if idx < n.count() {
				return n.keys[idx], n.vals[idx]
			}
			// Ran off the right edge of this leaf.
			return c.Next()
		}
		ci := n.childIndex(key)
		c.stack = append(c.stack, cursorFrame{n, ci})
		off = n.children[ci]
	}
}

// SeekLast positions the cursor at the last entry that is either prefixed
// by p or ordered before p.
func (c *treeCursor) SeekLast(p []byte) ([]byte, []byte) {
	s := prefixSuccessor(p)
	if s == nil {
		return c.Last()
	}
	k, _ := c.Seek(s)
	if k == nil {
		return c.Last()
	}
	return c.Prev()
}

func (c *treeCursor) Next() ([]byte, []byte) {
	if len(c.stack) == 0 || c.err != nil {
		return nil, nil
	}
	top := &c.stack[len(c.stack)-1]
	top.idx++
	if top.idx < top.n.count() {
		return top.n.keys[top.idx], top.n.vals[top.idx]
	}
	// Pop up to the nearest ancestor with an unvisited right sibling.
	c.stack = c.stack[:len(c.stack)-1]
	for len(c.stack) > 0 {
		f := &c.stack[len(c.stack)-1]
		if f.idx+1 < len(f.n.children) {
			f.idx++
			return c.descend(f.n.children[f.idx], false)
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	return nil, nil
}

func (c *treeCursor) Prev() ([]byte, []byte) {
	if len(c.stack) == 0 || c.err != nil {
		return nil, nil
	}
	top := &c.stack[len(c.stack)-1]
	top.idx--
	if top.idx >= 0 {
		return top.n.keys[top.idx], top.n.vals[top.idx]
	}
	c.stack = c.stack[:len(c.stack)-1]
	for len(c.stack) > 0 {
		f := &c.stack[len(c.stack)-1]
		if f.idx > 0 {
			f.idx--
			return c.descend(f.n.children[f.idx], true)
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	return nil, nil
}
