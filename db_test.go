package structsy

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type Person struct {
	Name string `msgpack:"n"`
	City string `msgpack:"c"`
	Age  int    `msgpack:"a"`
}

// Schemas carry binding state, so every Open gets a fresh one.
func personSchema() *Schema {
	scm := NewSchema()
	AddType[Person](scm, "Person",
		AddIndex[string]("Name", Unique, Clustering),
		AddIndex[string]("City"),
	)
	return scm
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open("test", personSchema(), Options{InMemory: true, IsTesting: true, Logf: t.Logf})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedPeople(t *testing.T, db *DB, people ...Person) map[string]Ref {
	t.Helper()
	refs := make(map[string]Ref)
	err := db.Update(func(tx *Tx) error {
		for i := range people {
			ref, err := Insert(tx, &people[i])
			if err != nil {
				return err
			}
			refs[people[i].Name] = ref
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return refs
}

func TestOpenEmpty(t *testing.T) {
	db := openTestDB(t)
	if db.Txid() == 0 {
		t.Fatalf("Txid = 0 after open")
	}
	err := db.View(func(tx *Tx) error {
		people, err := FetchAll[Person](tx)
		if err != nil {
			return err
		}
		if len(people) != 0 {
			t.Fatalf("fresh database has %d people", len(people))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "people.db")
	db, err := Open(path, personSchema(), Options{IsTesting: true, Logf: t.Logf})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	refs := seedPeople(t, db,
		Person{Name: "alice", City: "nyc", Age: 30},
		Person{Name: "bob", City: "berlin", Age: 25},
	)
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(path, personSchema(), Options{IsTesting: true, Logf: t.Logf})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	err = db2.View(func(tx *Tx) error {
		alice, err := Get[Person](tx, refs["alice"])
		if err != nil {
			return err
		}
		want := Person{Name: "alice", City: "nyc", Age: 30}
		if alice == nil || *alice != want {
			t.Fatalf("Get(alice) = %+v, wanted %+v", alice, want)
		}
		people, err := FetchAll[Person](tx)
		if err != nil {
			return err
		}
		if len(people) != 2 {
			t.Fatalf("FetchAll = %d people, wanted 2", len(people))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestConflictingIndexDefinition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "people.db")
	db := must(Open(path, personSchema(), Options{IsTesting: true}))
	ensure(db.Close())

	scm := NewSchema()
	AddType[Person](scm, "Person",
		AddIndex[string]("Name", Clustering), // stored as unique
		AddIndex[string]("City"),
	)
	_, err := Open(path, scm, Options{IsTesting: true})
	if !errors.Is(err, ErrConflictingDefinition) {
		t.Fatalf("Open with changed uniqueness = %v, wanted ErrConflictingDefinition", err)
	}
}

func TestUndeclaredStoredIndexRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "people.db")
	db := must(Open(path, personSchema(), Options{IsTesting: true}))
	ensure(db.Close())

	scm := NewSchema()
	AddType[Person](scm, "Person",
		AddIndex[string]("Name", Unique, Clustering),
		// City index missing: it would rot if inserts stopped maintaining it.
	)
	_, err := Open(path, scm, Options{IsTesting: true})
	if !errors.Is(err, ErrConflictingDefinition) {
		t.Fatalf("Open without stored index = %v, wanted ErrConflictingDefinition", err)
	}
}

func TestNewIndexBackfill(t *testing.T) {
	path := filepath.Join(t.TempDir(), "people.db")
	db := must(Open(path, personSchema(), Options{IsTesting: true}))
	seedPeople(t, db,
		Person{Name: "alice", City: "nyc", Age: 30},
		Person{Name: "bob", City: "berlin", Age: 25},
		Person{Name: "carol", City: "nyc", Age: 41},
	)
	ensure(db.Close())

	scm := NewSchema()
	AddType[Person](scm, "Person",
		AddIndex[string]("Name", Unique, Clustering),
		AddIndex[string]("City"),
		AddIndex[int]("Age"),
	)
	db2, err := Open(path, scm, Options{IsTesting: true, Logf: t.Logf})
	if err != nil {
		t.Fatalf("reopen with new index: %v", err)
	}
	defer db2.Close()

	err = db2.View(func(tx *Tx) error {
		people, err := FetchAll[Person](tx, Ge("Age", 30))
		if err != nil {
			return err
		}
		names := personNames(people)
		if !reflect.DeepEqual(names, []string{"alice", "carol"}) {
			t.Fatalf("Ge(Age, 30) = %v, wanted [alice carol]", names)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}

	// Removing a backfilled record must clean up the new index too.
	err = db2.Update(func(tx *Tx) error {
		refs, _, err := FetchAllRefs[Person](tx, Eq("Name", "carol"))
		if err != nil {
			return err
		}
		return Remove[Person](tx, refs[0])
	})
	if err != nil {
		t.Fatalf("remove carol: %v", err)
	}
	err = db2.View(func(tx *Tx) error {
		people, err := FetchAll[Person](tx, Ge("Age", 30))
		if err != nil {
			return err
		}
		if names := personNames(people); !reflect.DeepEqual(names, []string{"alice"}) {
			t.Fatalf("Ge(Age, 30) after remove = %v, wanted [alice]", names)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestCrashRecoveryReplaysCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "people.db")
	scm := personSchema()
	db := must(Open(path, scm, Options{IsTesting: true}))
	seedPeople(t, db, Person{Name: "alice", City: "nyc", Age: 30})
	ensure(db.Close())

	// Simulate a crash after the commit log entry became durable but before
	// the apply: write the entry by hand and reopen.
	writeUnappliedInsert(t, path, scm, Person{Name: "bob", City: "berlin", Age: 25})

	db2, err := Open(path, personSchema(), Options{IsTesting: true, Logf: t.Logf})
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer db2.Close()

	err = db2.View(func(tx *Tx) error {
		people, err := FetchAll[Person](tx)
		if err != nil {
			return err
		}
		if names := personNames(people); !reflect.DeepEqual(names, []string{"alice", "bob"}) {
			t.Fatalf("after recovery = %v, wanted [alice bob]", names)
		}
		people, err = FetchAll[Person](tx, Eq("City", "berlin"))
		if err != nil {
			return err
		}
		if len(people) != 1 || people[0].Name != "bob" {
			t.Fatalf("recovered record missing from index: %v", personNames(people))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestCrashRecoveryDiscardsTornCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "people.db")
	scm := personSchema()
	db := must(Open(path, scm, Options{IsTesting: true}))
	seedPeople(t, db, Person{Name: "alice", City: "nyc", Age: 30})
	ensure(db.Close())

	writeUnappliedInsert(t, path, scm, Person{Name: "bob", City: "berlin", Age: 25})

	// Tear the entry body.
	f := must(openDBFile(path))
	sf := must(openStorageFile(f, path, true))
	b := must(sf.readAt(sf.walOff+walHdrSize+3, 3))
	for i := range b {
		b[i] ^= 0xFF
	}
	ensure(sf.writeAt(sf.walOff+walHdrSize+3, b))
	ensure(sf.close())

	db2, err := Open(path, personSchema(), Options{IsTesting: true, Logf: t.Logf})
	if err != nil {
		t.Fatalf("reopen after torn commit: %v", err)
	}
	defer db2.Close()

	err = db2.View(func(tx *Tx) error {
		people, err := FetchAll[Person](tx)
		if err != nil {
			return err
		}
		if names := personNames(people); !reflect.DeepEqual(names, []string{"alice"}) {
			t.Fatalf("after torn commit = %v, wanted [alice]", names)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestWriteLockTimeout(t *testing.T) {
	db, err := Open("test", personSchema(), Options{
		InMemory:    true,
		IsTesting:   true,
		LockTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	tx1, err := db.Write()
	if err != nil {
		t.Fatalf("first Write: %v", err)
	}
	_, err = db.Write()
	if !errors.Is(err, ErrWriteLockTimeout) {
		t.Fatalf("second Write = %v, wanted ErrWriteLockTimeout", err)
	}
	tx1.Rollback()

	tx3, err := db.Write()
	if err != nil {
		t.Fatalf("Write after release: %v", err)
	}
	tx3.Rollback()
}

func TestCommitsReuseSupersededSlots(t *testing.T) {
	db := openTestDB(t)
	refs := seedPeople(t, db, Person{Name: "alice", City: "nyc", Age: 30})

	update := func() {
		err := db.Update(func(tx *Tx) error {
			return Update(tx, refs["alice"], &Person{Name: "alice", City: "nyc", Age: 31})
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	// Let the free list reach its steady state, then check that further
	// commits recycle the slots they supersede (record versions, tree
	// nodes, meta blobs) instead of growing the data region.
	for i := 0; i < 20; i++ {
		update()
	}
	before := db.Stats().DataEnd
	for i := 0; i < 200; i++ {
		update()
	}
	if grown := db.Stats().DataEnd - before; grown > 16384 {
		t.Fatalf("data region grew %d bytes over 200 identical commits", grown)
	}
}

func TestCatalogIntrospection(t *testing.T) {
	db := openTestDB(t)
	if !db.Defined("Person") {
		t.Fatalf("Defined(Person) = false")
	}
	if db.Defined("Animal") {
		t.Fatalf("Defined(Animal) = true")
	}
	if got := db.ListDefined(); !reflect.DeepEqual(got, []string{"Person"}) {
		t.Fatalf("ListDefined = %v", got)
	}

	seedPeople(t, db, Person{Name: "alice", City: "nyc", Age: 30})
	st := db.Stats()
	if st.Txid != db.Txid() {
		t.Fatalf("Stats.Txid = %d, wanted %d", st.Txid, db.Txid())
	}
	if st.Types != 1 || st.Indexes != 2 {
		t.Fatalf("Stats = %d types, %d indexes", st.Types, st.Indexes)
	}
	if st.NextRef < 2 {
		t.Fatalf("Stats.NextRef = %v after an insert", st.NextRef)
	}
	if st.DataEnd == 0 {
		t.Fatalf("Stats.DataEnd = 0")
	}
}

func openDBFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR, 0)
}

// writeUnappliedInsert forges a durable commit log entry that was never
// applied, the state a crash between the log flush and the apply leaves
// behind. The schema must already be bound to the file.
func writeUnappliedInsert(t *testing.T, path string, scm *Schema, p Person) {
	t.Helper()
	f := must(openDBFile(path))
	sf := must(openStorageFile(f, path, true))
	m := must(loadMeta(sf))

	td := scm.TypeNamed("Person")
	payload := must(msgpack.Marshal(&p))
	raws := must(toRawKeys(td, td.buildIndexKeys(reflect.ValueOf(&p).Elem())))
	data := encodeRecord(td.id, payload, raws)

	entry := &walEntry{Txid: m.Txid + 1, Ops: []walOp{
		{Kind: opInsert, Ref: m.NextRef, TypeID: td.id, Data: data},
	}}
	body := must(encodeWALBody(entry))
	_, err := writeWALEntry(sf, m.allocatorState(), entry.Txid, body)
	ensure(err)
	ensure(sf.close())
}

func personNames(people []*Person) []string {
	var names []string
	for _, p := range people {
		names = append(names, p.Name)
	}
	return names
}
