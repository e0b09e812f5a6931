package structsy

import (
	"bytes"
	"fmt"
	"testing"
)

// memSlots is an in-memory slotWriter for exercising trees without a file.
type memSlots struct {
	slots map[uint64][]byte
	next  uint64
	freed int
}

func newMemSlots() *memSlots {
	return &memSlots{slots: make(map[uint64][]byte), next: 1}
}

func (m *memSlots) readSlot(off uint64) ([]byte, error) {
	data, ok := m.slots[off]
	if !ok {
		return nil, fmt.Errorf("no slot at %d", off)
	}
	return data, nil
}

func (m *memSlots) allocSlot(data []byte) (uint64, error) {
	off := m.next
	m.next += uint64(len(data)) + slotHeaderSize
	m.slots[off] = append([]byte(nil), data...)
	return off, nil
}

func (m *memSlots) freeSlot(sp span) {
	delete(m.slots, sp.Off)
	m.freed++
}

func testKey(i int) []byte {
	return []byte(fmt.Sprintf("key-%06d", i))
}

func testVal(i int) []byte {
	return []byte(fmt.Sprintf("val-%d", i))
}

func buildTestTree(t *testing.T, ms *memSlots, n int) uint64 {
	t.Helper()
	w := &treeWriter{sw: ms}
	// Shuffled-ish insertion order.
	for i := 0; i < n; i++ {
		j := (i * 7919) % n
		if err := w.put(testKey(j), testVal(j)); err != nil {
			t.Fatalf("put %d: %v", j, err)
		}
	}
	return w.root
}

func TestTreePutGet(t *testing.T) {
	ms := newMemSlots()
	const n = 2000
	root := buildTestTree(t, ms, n)

	tr := tree{src: ms, root: root}
	for i := 0; i < n; i++ {
		v, ok, err := tr.get(testKey(i))
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if !ok || !bytes.Equal(v, testVal(i)) {
			t.Fatalf("get %d = (%q, %v), wanted %q", i, v, ok, testVal(i))
		}
	}
	if _, ok, _ := tr.get([]byte("nope")); ok {
		t.Fatalf("get(nope) found something")
	}
}

func TestTreeOverwrite(t *testing.T) {
	ms := newMemSlots()
	w := &treeWriter{sw: ms}
	ensure(w.put([]byte("k"), []byte("v1")))
	ensure(w.put([]byte("k"), []byte("v2")))
	v, ok, err := (tree{src: ms, root: w.root}).get([]byte("k"))
	if err != nil || !ok || !bytes.Equal(v, []byte("v2")) {
		t.Fatalf("get = (%q, %v, %v), wanted v2", v, ok, err)
	}
}

func TestTreeCursorFullScan(t *testing.T) {
	ms := newMemSlots()
	const n = 1500
	root := buildTestTree(t, ms, n)

	c := (tree{src: ms, root: root}).cursor()
	i := 0
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if !bytes.Equal(k, testKey(i)) || !bytes.Equal(v, testVal(i)) {
			t.Fatalf("entry %d = (%q, %q), wanted (%q, %q)", i, k, v, testKey(i), testVal(i))
		}
		i++
	}
	if err := c.Err(); err != nil {
		t.Fatalf("cursor error: %v", err)
	}
	if i != n {
		t.Fatalf("scanned %d entries, wanted %d", i, n)
	}
}

func TestTreeCursorReverseScan(t *testing.T) {
	ms := newMemSlots()
	const n = 800
	root := buildTestTree(t, ms, n)

	c := (tree{src: ms, root: root}).cursor()
	i := n - 1
	for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
		if !bytes.Equal(k, testKey(i)) {
			t.Fatalf("reverse entry = %q, wanted %q", k, testKey(i))
		}
		i--
	}
	if i != -1 {
		t.Fatalf("reverse scan stopped at %d", i)
	}
}

func TestTreeCursorSeek(t *testing.T) {
	ms := newMemSlots()
	root := buildTestTree(t, ms, 1000)
	c := (tree{src: ms, root: root}).cursor()

	k, _ := c.Seek(testKey(123))
	if !bytes.Equal(k, testKey(123)) {
		t.Fatalf("Seek(exact) = %q", k)
	}
	k, _ = c.Seek(append(testKey(123), '!'))
	if !bytes.Equal(k, testKey(124)) {
		t.Fatalf("Seek(between) = %q, wanted %q", k, testKey(124))
	}
	k, _ = c.Seek([]byte("zzz"))
	if k != nil {
		t.Fatalf("Seek(past end) = %q, wanted nil", k)
	}
	k, _ = c.Seek([]byte("a"))
	if !bytes.Equal(k, testKey(0)) {
		t.Fatalf("Seek(before start) = %q, wanted %q", k, testKey(0))
	}
}

func TestTreeDelete(t *testing.T) {
	ms := newMemSlots()
	const n = 1200
	root := buildTestTree(t, ms, n)
	w := &treeWriter{sw: ms, root: root}

	// Delete every third key.
	for i := 0; i < n; i += 3 {
		found, err := w.delete(testKey(i))
		if err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
		if !found {
			t.Fatalf("delete %d: not found", i)
		}
	}
	if found, _ := w.delete([]byte("nope")); found {
		t.Fatalf("delete(nope) reported found")
	}

	tr := tree{src: ms, root: w.root}
	for i := 0; i < n; i++ {
		_, ok, err := tr.get(testKey(i))
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if want := i%3 != 0; ok != want {
			t.Fatalf("get %d = %v, wanted %v", i, ok, want)
		}
	}
}

func TestTreeDeleteAll(t *testing.T) {
	ms := newMemSlots()
	const n = 500
	root := buildTestTree(t, ms, n)
	w := &treeWriter{sw: ms, root: root}
	for i := 0; i < n; i++ {
		if found, err := w.delete(testKey(i)); err != nil || !found {
			t.Fatalf("delete %d = (%v, %v)", i, found, err)
		}
	}
	if w.root != 0 {
		t.Fatalf("root = %d after deleting everything, wanted 0", w.root)
	}
}

func TestTreeLargeValuesSplit(t *testing.T) {
	ms := newMemSlots()
	w := &treeWriter{sw: ms}
	big := bytes.Repeat([]byte{'x'}, 1024)
	const n = 64
	for i := 0; i < n; i++ {
		ensure(w.put(testKey(i), big))
	}
	c := (tree{src: ms, root: w.root}).cursor()
	count := 0
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if len(v) != len(big) {
			t.Fatalf("value at %q has length %d", k, len(v))
		}
		count++
	}
	if count != n {
		t.Fatalf("scanned %d entries, wanted %d", count, n)
	}
}
