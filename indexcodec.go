package curator

import (
	"bytes"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"

	canonicalTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// FormatTime returns the canonical index form of t: UTC, fixed width,
// nanosecond precision. Byte order of the results equals chronological order
// for years 0000 through 9999.
func FormatTime(t time.Time) string {
	return t.UTC().Format(canonicalTimeLayout)
}

// ParseTime parses a canonical timestamp. RFC 3339 input is accepted too.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(canonicalTimeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w %q", ErrBadTimestamp, s)
		}
	}
	return t.UTC(), nil
}

const (
	ivString  = 's'
	ivBytes   = 'b'
	ivMsgPack = 'm'
)

// EncodeIndexValue converts an index value into the bytes stores compare.
// Strings and times sort in their natural order; other values are encoded
// with msgpack and only support equality against the same representation.
func EncodeIndexValue(v any) ([]byte, error) {
	switch v := v.(type) {
	case string:
		return append([]byte{ivString}, v...), nil
	case []byte:
		return append([]byte{ivBytes}, v...), nil
	case time.Time:
		return append([]byte{ivString}, FormatTime(v)...), nil
	default:
		bb := bytesBuilder{[]byte{ivMsgPack}}
		enc := msgpack.GetEncoder()
		enc.Reset(&bb)
		enc.SetSortMapKeys(true)
		enc.UseCompactInts(true)
		enc.UseCompactFloats(true)
		err := enc.Encode(v)
		msgpack.PutEncoder(enc)
		if err != nil {
			return nil, fmt.Errorf("encode index value %T: %w", v, err)
		}
		return bb.Buf, nil
	}
}

// Index keys are escape(value) 00 01 key, where 00 inside the value is
// escaped as 00 FF. This keeps (value, key) order under byte comparison even
// for values of different lengths.
const (
	ikEscape     = 0x00
	ikEscapedNul = 0xFF
	ikTerminator = 0x01
	ikPastValue  = 0x02
)

func appendEscapedIndexValue(buf, value []byte) []byte {
	for {
		i := bytes.IndexByte(value, ikEscape)
		if i < 0 {
			buf = appendRaw(buf, value)
			break
		}
		buf = appendRaw(buf, value[:i])
		buf = append(buf, ikEscape, ikEscapedNul)
		value = value[i+1:]
	}
	return buf
}

// appendIndexValuePrefix appends the prefix shared by all index keys of value.
func appendIndexValuePrefix(buf, value []byte) []byte {
	buf = appendEscapedIndexValue(buf, value)
	return append(buf, ikEscape, ikTerminator)
}

// appendIndexValueUpperBound appends the smallest key greater than every index key of value.
func appendIndexValueUpperBound(buf, value []byte) []byte {
	buf = appendEscapedIndexValue(buf, value)
	return append(buf, ikEscape, ikPastValue)
}

func appendIndexKey(buf, value []byte, key string) []byte {
	buf = appendIndexValuePrefix(buf, value)
	return append(buf, key...)
}

func decodeIndexKey(raw []byte) (value []byte, key string, err error) {
	value = make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		if b != ikEscape {
			value = append(value, b)
			continue
		}
		if i+1 >= len(raw) {
			return nil, "", dataErrf(raw, i, nil, "truncated index key")
		}
		switch raw[i+1] {
		case ikEscapedNul:
			value = append(value, ikEscape)
			i++
		case ikTerminator:
			return value, string(raw[i+2:]), nil
		default:
			return nil, "", dataErrf(raw, i, nil, "invalid escape in index key")
		}
	}
	return nil, "", dataErrf(raw, len(raw), nil, "unterminated index key")
}

// buildIndex computes the index map for a save: declared fields first, then
// the canonical timestamps, which win over declared fields of the same name.
// Declared fields with nil values are left out.
func buildIndex[T Entity](e *EntityType[T], obj T, attrs Attrs) map[string]any {
	m := obj.EntityModel()
	index := make(map[string]any, len(e.def.Indexes)+2)
	for _, idx := range e.def.Indexes {
		var v any
		if idx.Value != nil {
			v = idx.Value(obj)
		} else {
			v = attrs[idx.Field]
		}
		if isNil(v) {
			continue
		}
		if tm, ok := v.(time.Time); ok {
			v = FormatTime(tm)
		}
		index[idx.Field] = v
	}
	index[FieldCreatedAt] = FormatTime(m.CreatedAt)
	index[FieldUpdatedAt] = FormatTime(m.UpdatedAt)
	return index
}
