package structsy

import "encoding/binary"

// snapshot is an immutable view of one committed txid. It pins the meta of
// that commit; while any transaction holds it, spans freed by later commits
// stay quarantined instead of being reused.
type snapshot struct {
	sf   *storageFile
	meta *metaRoot
}

func (s *snapshot) txid() uint64 {
	return s.meta.Txid
}

func (s *snapshot) readSlot(off uint64) ([]byte, error) {
	return s.sf.readSlot(off)
}

// refTree maps refs to record slot offsets (8-byte values).
func (s *snapshot) refTree() tree {
	return tree{src: s, root: s.meta.RefRoot}
}

func (s *snapshot) indexTree(id uint32) tree {
	mi := s.meta.index(id)
	if mi == nil {
		return tree{src: s}
	}
	return tree{src: s, root: mi.Root}
}

// recordOffset resolves a ref via the indirection tree.
func (s *snapshot) recordOffset(ref Ref) (uint64, bool, error) {
	v, ok, err := s.refTree().get(refKey(ref))
	if err != nil || !ok {
		return 0, false, err
	}
	if len(v) != 8 {
		return 0, false, dataErrf(v, 0, nil, "ref %v maps to malformed offset", ref)
	}
	return binary.BigEndian.Uint64(v), true, nil
}

func (s *snapshot) loadRecord(ref Ref) (*record, bool, error) {
	off, ok, err := s.recordOffset(ref)
	if err != nil || !ok {
		return nil, false, err
	}
	data, err := s.sf.readSlot(off)
	if err != nil {
		return nil, false, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// lookupUnique returns the ref a unique index maps the field key to.
func (s *snapshot) lookupUnique(id uint32, fieldKey []byte) (Ref, bool, error) {
	v, ok, err := s.indexTree(id).get(fieldKey)
	if err != nil || !ok {
		return 0, false, err
	}
	return refFromKey(v), true, nil
}
