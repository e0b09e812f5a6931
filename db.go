package structsy

import (
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/vmihailenco/msgpack/v5"
)

type Options struct {
	// Logf receives diagnostic output. Defaults to discarding it.
	Logf func(format string, args ...any)

	// Verbose enables per-commit logging.
	Verbose bool

	// IsTesting relaxes durability (implies NoSync) and enables extra
	// internal checks.
	IsTesting bool

	// InMemory backs the database with a throwaway memory buffer instead of
	// a file; path is then only used in messages.
	InMemory bool

	// NoSync skips fsync. The file stays consistent on process crash, but
	// recent commits can vanish on power loss.
	NoSync bool

	// WALSize is the size of the commit log region of new files. Bodies
	// larger than the region spill into the data region automatically.
	WALSize uint64

	// LockTimeout bounds how long Write waits for the writer token. Zero
	// means wait indefinitely.
	LockTimeout time.Duration
}

// DB is an open database: one storage file, one bound schema, any number of
// concurrent readers and a single writer at a time.
type DB struct {
	sf      *storageFile
	schema  *Schema
	opts    Options
	logf    func(format string, args ...any)
	verbose bool

	writer chan struct{}

	mu      sync.Mutex
	current *snapshot
	live    map[uint64]int
	failed  bool
	closed  bool
}

// Open opens or creates the database at path and binds the schema to it,
// assigning persistent ordinals to new types and indexes and rejecting
// declarations that conflict with the stored catalog. An unfinished commit
// left by a crash is completed or discarded before Open returns.
func Open(path string, scm *Schema, opts Options) (*DB, error) {
	nonNil(scm)
	if opts.IsTesting {
		opts.NoSync = true
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(format string, args ...any) {}
	}

	var f blockFile
	var created bool
	if opts.InMemory {
		f = newMemFile()
		created = true
	} else {
		of, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, ioErrf(err, "opening %s", path)
		}
		st, err := of.Stat()
		if err != nil {
			of.Close()
			return nil, ioErrf(err, "stat %s", path)
		}
		created = st.Size() == 0
		f = of
	}

	sf, m, err := initStorage(f, path, created, opts)
	if err != nil {
		f.Close()
		return nil, err
	}

	db := &DB{
		sf:      sf,
		schema:  scm,
		opts:    opts,
		logf:    logf,
		verbose: opts.Verbose,
		writer:  make(chan struct{}, 1),
		live:    make(map[uint64]int),
	}
	db.writer <- struct{}{}
	db.current = &snapshot{sf: sf, meta: m}
	db.live[m.Txid] = 1

	if err := db.bindSchema(); err != nil {
		sf.close()
		return nil, err
	}
	if db.verbose {
		db.logf("structsy: opened %s at txid %d, %d types", path, db.currentMeta().Txid, len(db.currentMeta().Types))
	}
	return db, nil
}

func initStorage(f blockFile, path string, created bool, opts Options) (*storageFile, *metaRoot, error) {
	if created {
		sf, err := createStorageFile(f, path, opts.WALSize, opts.NoSync)
		if err != nil {
			return nil, nil, err
		}
		m := newMetaRoot(sf.dataStart())
		blob, err := finalizeMetaBlob(m, m.allocatorState())
		if err != nil {
			return nil, nil, err
		}
		if err := storeMeta(sf, m, blob); err != nil {
			return nil, nil, err
		}
		return sf, m, nil
	}

	sf, err := openStorageFile(f, path, opts.NoSync)
	if err != nil {
		return nil, nil, err
	}
	m, err := loadMeta(sf)
	if err != nil {
		return nil, nil, err
	}
	m, err = recoverStorage(sf, m, opts)
	if err != nil {
		return nil, nil, err
	}
	return sf, m, nil
}

// recoverStorage finishes a commit whose log entry is durable but whose
// meta is not, and folds all quarantined spans back into the free list
// (nothing can hold an old snapshot across a reopen).
func recoverStorage(sf *storageFile, m *metaRoot, opts Options) (*metaRoot, error) {
	pending, err := recoverWAL(sf, m)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		c := newApplyCtx(sf, m, pending.entry.Txid)
		if pending.overflow.Size != 0 {
			// The crashed commit drew the overflow slot from the same
			// allocator state first; reproduce that so replay allocations
			// land where the originals did.
			off := c.a.allocate(int(pending.overflow.Size) - slotHeaderSize)
			if off != pending.overflow.Off {
				return nil, fmt.Errorf("%w: overflow slot moved during replay", ErrCorruptLog)
			}
		}
		if err := c.applyAll(pending.entry); err != nil {
			return nil, err
		}
		m = c.finish()
		for _, q := range m.Quar {
			c.a.releaseAll(q.Spans)
		}
		// Spans this replay superseded (old record versions, the previous
		// meta blob, the overflow slot) stay quarantined until the recovered
		// meta is durable: releasing them now could let the meta blob
		// overwrite state a repeated crash would replay from.
		freed := c.freed
		if m.SelfBlob.Size != 0 {
			freed = append(freed, m.SelfBlob)
		}
		if pending.overflow.Size != 0 {
			freed = append(freed, pending.overflow)
		}
		m.Quar = nil
		if len(freed) > 0 {
			m.Quar = []quarEntry{{Txid: m.Txid, Spans: freed}}
		}
		blob, err := finalizeMetaBlob(m, c.a)
		if err != nil {
			return nil, err
		}
		if err := storeMeta(sf, m, blob); err != nil {
			return nil, err
		}
		if opts.Logf != nil {
			opts.Logf("structsy: recovered commit %d from the log", m.Txid)
		}
		return m, nil
	}

	a := m.allocatorState()
	for _, q := range m.Quar {
		a.releaseAll(q.Spans)
	}
	m.Quar = nil
	m.Free = a.free
	m.DataEnd = a.dataEnd
	return m, nil
}

func (db *DB) currentMeta() *metaRoot {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.current.meta
}

func (db *DB) checkFailed() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.failed {
		return ErrDatabaseFailed
	}
	if db.closed {
		return fmt.Errorf("database is closed")
	}
	return nil
}

func (db *DB) markFailed() {
	db.mu.Lock()
	db.failed = true
	db.mu.Unlock()
}

func (db *DB) acquireSnapshot() *snapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	s := db.current
	db.live[s.txid()]++
	return s
}

func (db *DB) releaseSnapshot(s *snapshot) {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := db.live[s.txid()] - 1
	if n <= 0 {
		delete(db.live, s.txid())
	} else {
		db.live[s.txid()] = n
	}
}

// minLiveTxid is the oldest snapshot still pinned by anyone.
func (db *DB) minLiveTxid() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	min := ^uint64(0)
	for txid := range db.live {
		if txid < min {
			min = txid
		}
	}
	return min
}

func (db *DB) publish(m *metaRoot) {
	db.mu.Lock()
	defer db.mu.Unlock()
	old := db.current
	db.current = &snapshot{sf: db.sf, meta: m}
	db.live[m.Txid]++
	n := db.live[old.txid()] - 1
	if n <= 0 {
		delete(db.live, old.txid())
	} else {
		db.live[old.txid()] = n
	}
}

func (db *DB) acquireWriter() error {
	if db.opts.LockTimeout <= 0 {
		<-db.writer
		return nil
	}
	t := time.NewTimer(db.opts.LockTimeout)
	defer t.Stop()
	select {
	case <-db.writer:
		return nil
	case <-t.C:
		return ErrWriteLockTimeout
	}
}

func (db *DB) releaseWriter() {
	db.writer <- struct{}{}
}

// Read starts a read-only transaction over the current snapshot. It never
// blocks on writers.
func (db *DB) Read() *Tx {
	return &Tx{db: db, snap: db.acquireSnapshot()}
}

// Write starts the single write transaction, waiting for the writer token
// up to Options.LockTimeout.
func (db *DB) Write() (*Tx, error) {
	if err := db.checkFailed(); err != nil {
		return nil, err
	}
	if err := db.acquireWriter(); err != nil {
		return nil, err
	}
	snap := db.acquireSnapshot()
	return &Tx{
		db:       db,
		snap:     snap,
		writable: true,
		pending:  make(map[Ref]*record),
		delta:    btree.NewG(8, deltaLess),
		nextRef:  snap.meta.NextRef,
	}, nil
}

func (db *DB) View(fn func(tx *Tx) error) error {
	tx := db.Read()
	defer tx.Rollback()
	return fn(tx)
}

func (db *DB) Update(fn func(tx *Tx) error) error {
	tx, err := db.Write()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// commit runs the pipeline for a batch of ops. Caller holds the writer
// token. The entry becomes durable first, then the apply writes the new
// trees and record slots, then the new meta. A crash at any point leaves
// either the old state or, after recovery, exactly the new one.
func (db *DB) commit(ops []walOp) error {
	base := db.currentMeta()
	txid := base.Txid + 1
	entry := &walEntry{Txid: txid, Ops: ops}
	body, err := encodeWALBody(entry)
	if err != nil {
		return err
	}

	c := newApplyCtx(db.sf, base, txid)
	overflow, err := writeWALEntry(db.sf, c.a, txid, body)
	if err != nil {
		return err
	}

	err = db.applyAndStore(c, entry, overflow)
	if err != nil {
		if ierr := invalidateWALEntry(db.sf); ierr != nil {
			db.markFailed()
			db.logf("structsy: commit %d failed and the log entry could not be retracted: %v", txid, ierr)
			return fmt.Errorf("%w: %v", ErrDatabaseFailed, err)
		}
		return err
	}
	db.publish(c.m)
	if db.verbose {
		db.logf("structsy: committed txid %d, %d ops", txid, len(ops))
	}
	return nil
}

func (db *DB) applyAndStore(c *applyCtx, entry *walEntry, overflow span) error {
	if err := c.applyAll(entry); err != nil {
		return err
	}
	m := c.finish()
	// The predecessor's meta blob and the entry's overflow slot are dead
	// once this commit's meta is durable, but until then a crash would
	// still read them, so they go through quarantine like any superseded
	// slot. m.SelfBlob still names the predecessor's blob here;
	// finalizeMetaBlob assigns the new one.
	if m.SelfBlob.Size != 0 {
		c.freed = append(c.freed, m.SelfBlob)
	}
	if overflow.Size != 0 {
		c.freed = append(c.freed, overflow)
	}

	minLive := db.minLiveTxid()
	var quar []quarEntry
	for _, q := range m.Quar {
		if q.Txid <= minLive {
			c.a.releaseAll(q.Spans)
		} else {
			quar = append(quar, q)
		}
	}
	if len(c.freed) > 0 {
		quar = append(quar, quarEntry{Txid: m.Txid, Spans: c.freed})
	}
	m.Quar = quar

	blob, err := finalizeMetaBlob(m, c.a)
	if err != nil {
		return err
	}
	return storeMeta(db.sf, m, blob)
}

// bindSchema reconciles the declared schema with the stored catalog:
// assigns ordinals, defines new types and indexes (backfilling the latter
// over existing records), and rejects conflicting declarations.
func (db *DB) bindSchema() error {
	m := db.currentMeta()
	nextType := m.NextTypeID
	nextIndex := m.NextIndexID
	var ops []walOp

	for _, td := range db.schema.types {
		mt := m.typeNamed(td.name)
		if mt == nil {
			nt := &metaType{Name: td.name, ID: nextType}
			nextType++
			for _, idx := range td.indexes {
				nt.Indexes = append(nt.Indexes, &metaIndex{
					Name:       idx.field,
					ID:         nextIndex,
					KeyType:    idx.keyType.String(),
					Unique:     idx.unique,
					Clustering: idx.clustering,
				})
				nextIndex++
			}
			ops = append(ops, walOp{Kind: opDefineType, Type: nt})
			continue
		}

		declared := make(map[string]bool, len(td.indexes))
		for _, idx := range td.indexes {
			declared[idx.field] = true
			mi := indexNamed(mt, idx.field)
			if mi == nil {
				nmi := &metaIndex{
					Name:       idx.field,
					ID:         nextIndex,
					KeyType:    idx.keyType.String(),
					Unique:     idx.unique,
					Clustering: idx.clustering,
				}
				nextIndex++
				fill, err := db.computeBackfill(m, mt, td, idx)
				if err != nil {
					return err
				}
				ops = append(ops, walOp{Kind: opDefineIndex, TypeID: mt.ID, Index: nmi, Data: fill})
				continue
			}
			if mi.Unique != idx.unique || mi.Clustering != idx.clustering || mi.KeyType != idx.keyType.String() {
				return typeErrf(td, idx, nil, ErrConflictingDefinition,
					"stored as unique=%v clustering=%v key=%s", mi.Unique, mi.Clustering, mi.KeyType)
			}
		}
		for _, mi := range mt.Indexes {
			if !declared[mi.Name] {
				return typeErrf(td, nil, nil, ErrConflictingDefinition,
					"stored index %s.%s is not declared", td.name, mi.Name)
			}
		}
	}

	if len(ops) > 0 {
		if err := db.acquireWriter(); err != nil {
			return err
		}
		err := db.commit(ops)
		db.releaseWriter()
		if err != nil {
			return err
		}
		m = db.currentMeta()
	}

	for _, td := range db.schema.types {
		mt := m.typeNamed(td.name)
		if mt == nil {
			return typeErrf(td, nil, nil, nil, "type missing from catalog after binding")
		}
		td.id = mt.ID
		for _, idx := range td.indexes {
			mi := indexNamed(mt, idx.field)
			if mi == nil {
				return typeErrf(td, idx, nil, nil, "index missing from catalog after binding")
			}
			idx.id = mi.ID
		}
	}
	return nil
}

func indexNamed(mt *metaType, name string) *metaIndex {
	for _, mi := range mt.Indexes {
		if mi.Name == name {
			return mi
		}
	}
	return nil
}

// computeBackfill derives the new index's keys for every stored record of
// the type, so defining an index over existing data is a single commit.
func (db *DB) computeBackfill(m *metaRoot, mt *metaType, td *TypeDef, idx *Index) ([]byte, error) {
	snap := &snapshot{sf: db.sf, meta: m}
	var fill []backfillEntry
	cur := snap.refTree().cursor()
	for k, v := cur.First(); k != nil; k, v = cur.Next() {
		off := refValueOffset(v)
		data, err := db.sf.readSlot(off)
		if err != nil {
			return nil, err
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		if rec.typeID != mt.ID {
			continue
		}
		row := reflect.New(td.goType)
		if err := msgpack.Unmarshal(rec.payload, row.Interface()); err != nil {
			return nil, typeErrf(td, idx, k, ErrSchemaMismatch, "cannot backfill %v: %v", refFromKey(k), err)
		}
		fill = append(fill, backfillEntry{
			Ref: uint64(refFromKey(k)),
			Key: idx.fieldKey(row.Elem()),
		})
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if fill == nil {
		return nil, nil
	}
	return msgpack.Marshal(fill)
}

// Close waits for any in-flight write transaction and closes the file.
func (db *DB) Close() error {
	<-db.writer
	db.mu.Lock()
	db.closed = true
	db.mu.Unlock()
	return db.sf.close()
}

// Path returns the file path the database was opened with.
func (db *DB) Path() string {
	return db.sf.path
}

// Txid returns the txid of the latest committed state.
func (db *DB) Txid() uint64 {
	return db.currentMeta().Txid
}

// Defined reports whether the stored catalog has a type of the given name,
// whether or not this process declared it.
func (db *DB) Defined(name string) bool {
	return db.currentMeta().typeNamed(name) != nil
}

// ListDefined returns the names of all types in the stored catalog, in
// definition order.
func (db *DB) ListDefined() []string {
	m := db.currentMeta()
	names := make([]string, 0, len(m.Types))
	for _, mt := range m.Types {
		names = append(names, mt.Name)
	}
	return names
}

// Stats is a point-in-time view of the latest committed state.
type Stats struct {
	Txid             uint64
	NextRef          Ref
	Types            int
	Indexes          int
	DataEnd          uint64
	FreeSpans        int
	FreeBytes        uint64
	QuarantinedBytes uint64
}

func (db *DB) Stats() Stats {
	m := db.currentMeta()
	st := Stats{
		Txid:    m.Txid,
		NextRef: Ref(m.NextRef),
		Types:   len(m.Types),
		DataEnd: m.DataEnd,
	}
	for _, mt := range m.Types {
		st.Indexes += len(mt.Indexes)
	}
	for _, s := range m.Free {
		st.FreeSpans++
		st.FreeBytes += s.Size
	}
	for _, q := range m.Quar {
		for _, s := range q.Spans {
			st.QuarantinedBytes += s.Size
		}
	}
	return st
}
