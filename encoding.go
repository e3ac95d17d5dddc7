package curator

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodeAttrs encodes an attribute map with msgpack, map keys sorted.
func EncodeAttrs(attrs Attrs) ([]byte, error) {
	return encodeMsgpack(nil, attrs)
}

// DecodeAttrs decodes an attribute map produced by EncodeAttrs. Integers come
// back as int64 or uint64, floats as float64.
func DecodeAttrs(buf []byte) (Attrs, error) {
	var attrs Attrs
	err := decodeMsgpack(buf, &attrs)
	if err != nil {
		return nil, err
	}
	return attrs, nil
}

func encodeMsgpack(buf []byte, v any) ([]byte, error) {
	bb := bytesBuilder{buf}
	enc := msgpack.GetEncoder()
	enc.Reset(&bb)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T using MsgPack: %w", v, err)
	}
	return bb.Buf, nil
}

func decodeMsgpack(buf []byte, ptr any) error {
	var r bytes.Reader
	r.Reset(buf)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	dec.UseLooseInterfaceDecoding(true)
	err := dec.Decode(ptr)
	msgpack.PutDecoder(dec)
	if err != nil {
		return dataErrf(buf, 0, err, "failed to decode msgpack into %v", reflect.TypeOf(ptr))
	}
	return nil
}
