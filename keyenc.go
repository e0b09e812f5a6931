package structsy

import (
	"fmt"
	"math"
	"reflect"
	"sync"
	"time"
)

// Index keys are compared as raw bytes inside the trees, so every component
// encoding must be order-preserving and self-delimiting:
//
//   - unsigned ints: 8 bytes big-endian
//   - signed ints: 8 bytes big-endian with the sign bit flipped
//   - floats: IEEE bits, sign bit flipped for positives, all bits for negatives
//   - bools: one byte
//   - strings and byte slices: 0x00 escaped as 0x00 0xFF, terminated by 0x00 0x01
//   - time: UnixNano as signed int
//   - structs: concatenation of their fields' encodings
//
// The string escape makes encodings prefix-free, which range scans over
// non-unique index entries rely on (the entry key is the field key followed
// by the record ref).

var timeType = reflect.TypeOf((*time.Time)(nil)).Elem()
var byteArrayType = reflect.TypeOf(([]byte)(nil))

func appendKeyBytes(buf []byte, v []byte) []byte {
	for _, b := range v {
		if b == 0x00 {
			buf = append(buf, 0x00, 0xFF)
		} else {
			buf = append(buf, b)
		}
	}
	return append(buf, 0x00, 0x01)
}

func appendKeyUint(buf []byte, v uint64) []byte {
	return appendUint64(buf, v)
}

func appendKeyInt(buf []byte, v int64) []byte {
	return appendUint64(buf, uint64(v)^(1<<63))
}

func appendKeyFloat(buf []byte, v float64) []byte {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return appendUint64(buf, bits)
}

type keyEncoding struct {
	typ        reflect.Type
	components []*keyComponent
}

type keyComponent struct {
	Type    reflect.Type
	Path    string
	Getters []func(v reflect.Value) reflect.Value
	Encode  func(buf []byte, v reflect.Value) []byte
}

func (kc *keyComponent) valueIn(val reflect.Value) reflect.Value {
	for i := len(kc.Getters) - 1; i >= 0; i-- {
		if !val.IsValid() {
			return val
		}
		val = kc.Getters[i](val)
	}
	return val
}

var keyEncodings sync.Map

func keyEncodingOf(typ reflect.Type) *keyEncoding {
	if e, ok := keyEncodings.Load(typ); ok {
		return e.(*keyEncoding)
	}
	enc := &keyEncoding{typ: typ}
	enumerateKeyComponents(typ, func(kc *keyComponent) {
		enc.components = append(enc.components, kc)
	})
	keyEncodings.LoadOrStore(typ, enc)
	return enc
}

func (enc *keyEncoding) append(buf []byte, val reflect.Value) []byte {
	for _, kc := range enc.components {
		cval := kc.valueIn(val)
		if !cval.IsValid() {
			panic(fmt.Errorf("invalid value for key component %v%s", enc.typ, kc.Path))
		}
		buf = kc.Encode(buf, cval)
	}
	return buf
}

// encodeKeyValue encodes an arbitrary value into key bytes.
func encodeKeyValue(buf []byte, v any) []byte {
	val := reflect.ValueOf(v)
	return keyEncodingOf(val.Type()).append(buf, val)
}

func enumerateKeyComponents(typ reflect.Type, f func(kc *keyComponent)) {
	if typ == timeType {
		f(&keyComponent{
			Type: typ,
			Encode: func(buf []byte, v reflect.Value) []byte {
				return appendKeyInt(buf, v.Interface().(time.Time).UnixNano())
			},
		})
		return
	}
	switch typ.Kind() {
	case reflect.String:
		f(&keyComponent{
			Type: typ,
			Encode: func(buf []byte, v reflect.Value) []byte {
				return appendKeyBytes(buf, []byte(v.String()))
			},
		})
	case reflect.Uint, reflect.Uint64, reflect.Uint32, reflect.Uint16, reflect.Uint8, reflect.Uintptr:
		f(&keyComponent{
			Type: typ,
			Encode: func(buf []byte, v reflect.Value) []byte {
				return appendKeyUint(buf, v.Uint())
			},
		})
	case reflect.Int, reflect.Int64, reflect.Int32, reflect.Int16, reflect.Int8:
		f(&keyComponent{
			Type: typ,
			Encode: func(buf []byte, v reflect.Value) []byte {
				return appendKeyInt(buf, v.Int())
			},
		})
	case reflect.Float32, reflect.Float64:
		f(&keyComponent{
			Type: typ,
			Encode: func(buf []byte, v reflect.Value) []byte {
				return appendKeyFloat(buf, v.Float())
			},
		})
	case reflect.Bool:
		f(&keyComponent{
			Type: typ,
			Encode: func(buf []byte, v reflect.Value) []byte {
				if v.Bool() {
					return append(buf, 1)
				}
				return append(buf, 0)
			},
		})
	case reflect.Slice:
		if typ.ConvertibleTo(byteArrayType) {
			f(&keyComponent{
				Type: typ,
				Encode: func(buf []byte, v reflect.Value) []byte {
					return appendKeyBytes(buf, v.Convert(byteArrayType).Interface().([]byte))
				},
			})
			return
		}
		panic(fmt.Errorf("structsy does not know how to key-encode %v", typ))
	case reflect.Ptr:
		get := func(v reflect.Value) reflect.Value {
			if v.IsNil() {
				panic(fmt.Errorf("nil pointer in key of type %v", typ))
			}
			return v.Elem()
		}
		enumerateKeyComponents(typ.Elem(), func(kc *keyComponent) {
			kc.Getters = append(kc.Getters, get)
			f(kc)
		})
	case reflect.Struct:
		n := typ.NumField()
		for i := 0; i < n; i++ {
			i := i
			field := typ.Field(i)
			get := func(v reflect.Value) reflect.Value {
				return v.Field(i)
			}
			enumerateKeyComponents(field.Type, func(kc *keyComponent) {
				kc.Getters = append(kc.Getters, get)
				kc.Path = "." + field.Name + kc.Path
				f(kc)
			})
		}
	default:
		panic(fmt.Errorf("structsy does not know how to key-encode %v", typ))
	}
}
