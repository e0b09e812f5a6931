package structsy

import (
	"fmt"
	"reflect"
	"strings"
)

// Schema is the set of type and index declarations a database is opened
// with. Declarations are matched against the catalog stored in the file;
// new ones are assigned persistent ordinals, mismatched ones are rejected.
type Schema struct {
	types       []*TypeDef
	typesByName map[string]*TypeDef
	typesByGo   map[reflect.Type]*TypeDef
}

func NewSchema() *Schema {
	return &Schema{
		typesByName: make(map[string]*TypeDef),
		typesByGo:   make(map[reflect.Type]*TypeDef),
	}
}

func (scm *Schema) Types() []*TypeDef {
	return append([]*TypeDef(nil), scm.types...)
}

func (scm *Schema) TypeNamed(name string) *TypeDef {
	return scm.typesByName[strings.ToLower(name)]
}

func (scm *Schema) typeByGoType(rt reflect.Type) *TypeDef {
	td := scm.typesByGo[rt]
	if td == nil {
		panic(fmt.Errorf("no type defined for %v", rt))
	}
	return td
}

func (scm *Schema) typeByRow(row any) *TypeDef {
	rt := reflect.TypeOf(row)
	if rt.Kind() == reflect.Ptr && rt.Elem().Kind() == reflect.Struct {
		return scm.typeByGoType(rt.Elem())
	}
	panic(fmt.Errorf("expected pointer to a record struct, got %v", rt))
}

// TypeDef describes one record type: its Go struct, its name in the
// catalog, and the indexes declared on its fields.
type TypeDef struct {
	schema     *Schema
	name       string
	goType     reflect.Type
	indexes    []*Index
	clustering *Index
	fields     map[string]*fieldInfo

	id uint32 // persistent ordinal, bound at open
}

type fieldInfo struct {
	name       string
	fieldIndex int
	typ        reflect.Type
	enc        *keyEncoding
}

func (fi *fieldInfo) encoding() *keyEncoding {
	if fi.enc == nil {
		fi.enc = keyEncodingOf(fi.typ)
	}
	return fi.enc
}

// AddType declares a record type backed by struct T. Every index passed in
// must name a field of T whose type matches the index key type.
func AddType[T any](scm *Schema, name string, indexes ...*Index) *TypeDef {
	rt := reflect.TypeOf((*T)(nil)).Elem()
	if rt.Kind() != reflect.Struct {
		panic(fmt.Errorf("record type must be a struct, got %v", rt))
	}
	lower := strings.ToLower(name)
	if scm.typesByName[lower] != nil {
		panic(fmt.Errorf("%w: %s", ErrDuplicateDefinition, name))
	}
	if scm.typesByGo[rt] != nil {
		panic(fmt.Errorf("%w: %v already maps to type %s", ErrDuplicateDefinition, rt, scm.typesByGo[rt].name))
	}

	td := &TypeDef{
		schema: scm,
		name:   name,
		goType: rt,
		fields: make(map[string]*fieldInfo),
	}
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		td.fields[field.Name] = &fieldInfo{name: field.Name, fieldIndex: i, typ: field.Type}
	}

	for pos, idx := range indexes {
		if idx.typ != nil {
			panic(fmt.Errorf("index %q is already attached to type %s", idx.field, idx.typ.name))
		}
		fi := td.fields[idx.field]
		if fi == nil {
			panic(fmt.Errorf("type %s has no field %q for its index", name, idx.field))
		}
		if fi.typ != idx.keyType && !fi.typ.ConvertibleTo(idx.keyType) {
			panic(fmt.Errorf("index %s.%s key type %v does not match field type %v", name, idx.field, idx.keyType, fi.typ))
		}
		if idx.clustering {
			if td.clustering != nil {
				panic(fmt.Errorf("type %s declares two clustering indexes: %s and %s", name, td.clustering.field, idx.field))
			}
			td.clustering = idx
		}
		idx.typ = td
		idx.pos = pos
		td.indexes = append(td.indexes, idx)
	}

	scm.types = append(scm.types, td)
	scm.typesByName[lower] = td
	scm.typesByGo[rt] = td
	return td
}

func (td *TypeDef) Name() string {
	return td.name
}

func (td *TypeDef) Indexes() []*Index {
	return append([]*Index(nil), td.indexes...)
}

func (td *TypeDef) Clustering() *Index {
	return td.clustering
}

func (td *TypeDef) indexByID(id uint32) *Index {
	for _, idx := range td.indexes {
		if idx.id == id {
			return idx
		}
	}
	return nil
}

func (td *TypeDef) indexOnField(field string) *Index {
	for _, idx := range td.indexes {
		if idx.field == field {
			return idx
		}
	}
	return nil
}

func (td *TypeDef) requireBound() {
	if td.id == 0 {
		panic(fmt.Errorf("type %s is not bound to an open database", td.name))
	}
}

// Index declares an index on a single field. Unique indexes reject
// colliding inserts; the clustering index (at most one per type) defines
// the default scan order of its type.
type Index struct {
	typ        *TypeDef
	pos        int
	field      string
	keyType    reflect.Type
	unique     bool
	clustering bool

	id uint32 // persistent ordinal, bound at open
}

type IndexOpt int

const (
	Unique IndexOpt = 1 + iota
	Clustering
)

// AddIndex declares an index keyed by type K on the named field. The index
// must then be attached to a type via AddType.
func AddIndex[K any](field string, opts ...IndexOpt) *Index {
	idx := &Index{
		field:   field,
		keyType: reflect.TypeOf((*K)(nil)).Elem(),
	}
	for _, opt := range opts {
		switch opt {
		case Unique:
			idx.unique = true
		case Clustering:
			idx.clustering = true
		default:
			panic(fmt.Errorf("invalid index option %v", opt))
		}
	}
	return idx
}

func (idx *Index) Type() *TypeDef { return idx.typ }

func (idx *Index) ShortName() string { return idx.field }

func (idx *Index) Unique() bool { return idx.unique }

func (idx *Index) IsClustering() bool { return idx.clustering }

func (idx *Index) FullName() string {
	if idx.typ == nil {
		return "?." + idx.field
	}
	return idx.typ.name + "." + idx.field
}

// encodeBoundValue encodes a query bound or index key value in the key
// space of the given field.
func (td *TypeDef) encodeBoundValue(field string, v any) ([]byte, error) {
	fi := td.fields[field]
	if fi == nil {
		return nil, typeErrf(td, nil, nil, nil, "no field %q", field)
	}
	val := reflect.ValueOf(v)
	if val.Type() != fi.typ {
		if !val.Type().ConvertibleTo(fi.typ) {
			return nil, typeErrf(td, nil, nil, nil, "field %q wants %v, predicate has %v", field, fi.typ, val.Type())
		}
		val = val.Convert(fi.typ)
	}
	return fi.encoding().append(nil, val), nil
}

// fieldKey extracts and encodes the indexed field of a row.
func (idx *Index) fieldKey(rowVal reflect.Value) []byte {
	fi := idx.typ.fields[idx.field]
	val := rowVal.Field(fi.fieldIndex)
	return fi.encoding().append(nil, val)
}

// buildIndexKeys derives the full set of index keys a row contributes.
func (td *TypeDef) buildIndexKeys(rowVal reflect.Value) []IndexKey {
	if len(td.indexes) == 0 {
		return nil
	}
	keys := make([]IndexKey, 0, len(td.indexes))
	for _, idx := range td.indexes {
		keys = append(keys, IndexKey{Index: idx, Key: idx.fieldKey(rowVal)})
	}
	return keys
}
