package curator

import (
	"maps"
	"reflect"
	"slices"
	"strings"
	"time"
)

// ExportAttrs is the default serialization strategy: every exported field of
// the struct, named and filtered by its msgpack tags. Fields of Model are
// never exported; the repository manages them.
func ExportAttrs[T Entity](obj T) (Attrs, error) {
	raw, err := encodeMsgpack(nil, obj)
	if err != nil {
		return nil, err
	}
	return DecodeAttrs(raw)
}

// ImportAttrs is the default deserialization strategy, the inverse of
// ExportAttrs. Attributes without a matching field are ignored. Strings bound
// for time fields are parsed with ParseTime, so maps that went through a
// text format (such as an opened encryption envelope) still import.
func ImportAttrs[T Entity](attrs Attrs) (T, error) {
	typ := reflect.TypeFor[T]().Elem()
	obj := reflect.New(typ).Interface().(T)
	if v, changed := coerceValue(attrs, typ); changed {
		attrs = v.(map[string]any)
	}
	raw, err := EncodeAttrs(attrs)
	if err != nil {
		var zero T
		return zero, err
	}
	if err := decodeMsgpack(raw, obj); err != nil {
		var zero T
		return zero, err
	}
	return obj, nil
}

var timeType = reflect.TypeFor[time.Time]()

// coerceValue converts time strings inside v into time.Time wherever typ
// expects a time, reporting whether anything changed. Inputs are never
// modified; unconvertible values are left for the decoder to reject.
func coerceValue(v any, typ reflect.Type) (any, bool) {
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ == timeType {
		if s, ok := v.(string); ok && s != "" {
			if t, err := ParseTime(s); err == nil {
				return t, true
			}
		}
		return v, false
	}
	switch typ.Kind() {
	case reflect.Struct:
		m, ok := v.(map[string]any)
		if !ok {
			return v, false
		}
		fields := make(map[string]reflect.Type)
		collectFields(typ, fields)
		return coerceMap(m, func(k string) reflect.Type { return fields[k] })
	case reflect.Map:
		m, ok := v.(map[string]any)
		if !ok || typ.Key().Kind() != reflect.String {
			return v, false
		}
		return coerceMap(m, func(string) reflect.Type { return typ.Elem() })
	case reflect.Slice, reflect.Array:
		items, ok := v.([]any)
		if !ok || typ.Elem().Kind() == reflect.Uint8 {
			return v, false
		}
		var out []any
		for i, item := range items {
			if cv, changed := coerceValue(item, typ.Elem()); changed {
				if out == nil {
					out = slices.Clone(items)
				}
				out[i] = cv
			}
		}
		if out == nil {
			return items, false
		}
		return out, true
	}
	return v, false
}

func coerceMap(m map[string]any, typeOf func(k string) reflect.Type) (any, bool) {
	var out map[string]any
	for k, item := range m {
		ft := typeOf(k)
		if ft == nil {
			continue
		}
		if cv, changed := coerceValue(item, ft); changed {
			if out == nil {
				out = maps.Clone(m)
			}
			out[k] = cv
		}
	}
	if out == nil {
		return m, false
	}
	return out, true
}

// collectFields maps msgpack attribute names of typ to field types. Untagged
// embedded structs are inlined, as msgpack does.
func collectFields(typ reflect.Type, fields map[string]reflect.Type) {
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag, _, _ := strings.Cut(f.Tag.Get("msgpack"), ",")
		if tag == "-" {
			continue
		}
		if f.Anonymous && tag == "" {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				collectFields(ft, fields)
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		name := tag
		if name == "" {
			name = f.Name
		}
		fields[name] = f.Type
	}
}

// stamp applies save-time timestamps to obj: created_at is kept when set,
// updated_at is always now.
func stamp(m *Model, now time.Time) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
}

// serializeForSave produces the attribute map persisted for obj and stamps
// its timestamps. Nil attributes are dropped; absent means never set.
func (e *EntityType[T]) serializeForSave(obj T, now time.Time) (Attrs, error) {
	e.resolve()
	attrs, err := e.serialize(obj)
	if err != nil {
		return nil, collErrf(e.collection, "", obj.EntityModel().ID, err, "serialize")
	}

	result := make(Attrs, len(attrs)+2)
	for k, v := range attrs {
		if !isNil(v) {
			result[k] = v
		}
	}

	m := obj.EntityModel()
	stamp(m, now)
	result[FieldCreatedAt] = FormatTime(m.CreatedAt)
	result[FieldUpdatedAt] = FormatTime(m.UpdatedAt)
	return result, nil
}

// storedTimestamp reads a timestamp attribute. Missing and empty values are
// reported as absent.
func storedTimestamp(attrs Attrs, field string) (time.Time, bool, error) {
	switch v := attrs[field].(type) {
	case nil:
		return time.Time{}, false, nil
	case string:
		if v == "" {
			return time.Time{}, false, nil
		}
		t, err := ParseTime(v)
		if err != nil {
			return time.Time{}, false, err
		}
		return t, true, nil
	case time.Time:
		if v.IsZero() {
			return time.Time{}, false, nil
		}
		return v.UTC(), true, nil
	default:
		return time.Time{}, false, ErrBadTimestamp
	}
}
