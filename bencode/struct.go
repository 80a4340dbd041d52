package bencode

import (
	"reflect"
	"strings"
)

// Marshal converts a Go struct (or map[string]any, []any, string, []byte,
// int64-family) into a bencode Value using `bencode:"name"` struct tags,
// the same tagging surface the teacher's jackpal/bencode-go dependency
// exposed, reimplemented on top of our own Value tree.
func Marshal(v interface{}) (Value, error) {
	return marshalReflect(reflect.ValueOf(v))
}

func marshalReflect(rv reflect.Value) (Value, error) {
	if !rv.IsValid() {
		return Value{}, newError("cannot marshal nil value")
	}
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return Value{}, newError("cannot marshal nil pointer")
		}
		return marshalReflect(rv.Elem())
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return Bytestring(append([]byte(nil), rv.Bytes()...)), nil
		}
		items := make([]Value, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			item, err := marshalReflect(rv.Index(i))
			if err != nil {
				return Value{}, err
			}
			items[i] = item
		}
		return Value{Kind: KindList, List: items}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Int64(int64(rv.Uint())), nil
	case reflect.Map:
		m := make(map[string]Value, rv.Len())
		for _, k := range rv.MapKeys() {
			val, err := marshalReflect(rv.MapIndex(k))
			if err != nil {
				return Value{}, err
			}
			m[k.String()] = val
		}
		return Value{Kind: KindDict, Dict: m}, nil
	case reflect.Struct:
		return marshalStruct(rv)
	default:
		return Value{}, newError("cannot marshal kind " + rv.Kind().String())
	}
}

func marshalStruct(rv reflect.Value) (Value, error) {
	m := make(map[string]Value)
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" { // unexported
			continue
		}
		name, omitempty, skip := tagName(field)
		if skip {
			continue
		}
		fv := rv.Field(i)
		if omitempty && isEmptyValue(fv) {
			continue
		}
		val, err := marshalReflect(fv)
		if err != nil {
			return Value{}, err
		}
		m[name] = val
	}
	return Value{Kind: KindDict, Dict: m}, nil
}

func tagName(field reflect.StructField) (name string, omitempty bool, skip bool) {
	tag := field.Tag.Get("bencode")
	if tag == "-" {
		return "", false, true
	}
	if tag == "" {
		return field.Name, false, false
	}
	parts := strings.Split(tag, ",")
	name = parts[0]
	if name == "" {
		name = field.Name
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitempty = true
		}
	}
	return name, omitempty, false
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.String:
		return v.Len() == 0
	case reflect.Slice, reflect.Map:
		return v.Len() == 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// Unmarshal populates the struct pointed to by out from a decoded
// dictionary Value, matching fields by `bencode:"name"` tag.
func Unmarshal(v Value, out interface{}) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return newError("Unmarshal target must be a non-nil pointer")
	}
	return unmarshalReflect(v, rv.Elem())
}

func unmarshalReflect(v Value, rv reflect.Value) error {
	switch rv.Kind() {
	case reflect.String:
		if v.Kind != KindBytes {
			return newError("expected byte-string for string field")
		}
		rv.SetString(v.Str())
		return nil
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			if v.Kind != KindBytes {
				return newError("expected byte-string for []byte field")
			}
			rv.SetBytes(append([]byte(nil), v.Bytes...))
			return nil
		}
		if v.Kind != KindList {
			return newError("expected list for slice field")
		}
		out := reflect.MakeSlice(rv.Type(), len(v.List), len(v.List))
		for i, item := range v.List {
			if err := unmarshalReflect(item, out.Index(i)); err != nil {
				return err
			}
		}
		rv.Set(out)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if v.Kind != KindInt {
			return newError("expected integer for int field")
		}
		rv.SetInt(v.Int)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if v.Kind != KindInt {
			return newError("expected integer for uint field")
		}
		rv.SetUint(uint64(v.Int))
		return nil
	case reflect.Struct:
		if v.Kind != KindDict {
			return newError("expected dictionary for struct field")
		}
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if field.PkgPath != "" {
				continue
			}
			name, _, skip := tagName(field)
			if skip {
				continue
			}
			fval, ok := v.Dict[name]
			if !ok {
				continue
			}
			if err := unmarshalReflect(fval, rv.Field(i)); err != nil {
				return err
			}
		}
		return nil
	default:
		return newError("cannot unmarshal into kind " + rv.Kind().String())
	}
}
