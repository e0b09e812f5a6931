package structsy

import (
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// Typed surface over the raw record operations. Payloads are msgpack, index
// keys are derived from the declared indexes by reflection.

func typeOf[T any](scm *Schema) *TypeDef {
	return scm.typeByGoType(reflect.TypeOf((*T)(nil)).Elem())
}

func encodeRow(td *TypeDef, row any) ([]byte, []IndexKey, error) {
	payload, err := msgpack.Marshal(row)
	if err != nil {
		return nil, nil, typeErrf(td, nil, nil, err, "encoding row")
	}
	keys := td.buildIndexKeys(reflect.ValueOf(row).Elem())
	return payload, keys, nil
}

// Insert stores a new record and returns its ref.
func Insert[T any](tx *Tx, row *T) (Ref, error) {
	td := typeOf[T](tx.db.schema)
	payload, keys, err := encodeRow(td, row)
	if err != nil {
		return 0, err
	}
	return tx.InsertRaw(td, payload, keys)
}

// Update replaces the record behind ref with row.
func Update[T any](tx *Tx, ref Ref, row *T) error {
	td := typeOf[T](tx.db.schema)
	payload, keys, err := encodeRow(td, row)
	if err != nil {
		return err
	}
	return tx.UpdateRaw(td, ref, payload, keys)
}

// Remove deletes the record behind ref.
func Remove[T any](tx *Tx, ref Ref) error {
	return tx.RemoveRaw(typeOf[T](tx.db.schema), ref)
}

// Get loads the record behind ref, or nil if it does not exist (or is not
// a T). A payload that no longer decodes yields ErrSchemaMismatch.
func Get[T any](tx *Tx, ref Ref) (*T, error) {
	td := typeOf[T](tx.db.schema)
	payload, ok, err := tx.GetRaw(td, ref)
	if err != nil || !ok {
		return nil, err
	}
	row := new(T)
	if err := msgpack.Unmarshal(payload, row); err != nil {
		return nil, typeErrf(td, nil, nil, ErrSchemaMismatch, "decoding %v: %v", ref, err)
	}
	return row, nil
}

// Query starts a typed query over T's records.
func Query[T any](tx *Tx, preds ...Predicate) *Rows {
	return tx.Select(typeOf[T](tx.db.schema), preds...)
}

// FetchAll runs a query to completion and collects the matching rows.
func FetchAll[T any](tx *Tx, preds ...Predicate) ([]*T, error) {
	rows := Query[T](tx, preds...)
	var out []*T
	for rows.Next() {
		row := new(T)
		if err := rows.Decode(row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// FetchAllRefs is FetchAll keeping the refs alongside the rows.
func FetchAllRefs[T any](tx *Tx, preds ...Predicate) ([]Ref, []*T, error) {
	rows := Query[T](tx, preds...)
	var refs []Ref
	var out []*T
	for rows.Next() {
		row := new(T)
		if err := rows.Decode(row); err != nil {
			return nil, nil, err
		}
		refs = append(refs, rows.Ref())
		out = append(out, row)
	}
	return refs, out, rows.Err()
}
