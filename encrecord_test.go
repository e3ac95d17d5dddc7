package curator

import (
	"errors"
	"testing"
)

func TestRecord_RoundTrip(t *testing.T) {
	data := must(encodeMsgpack(nil, storedData{Value: Attrs{"a": "b"}, Index: map[string]any{"a": "b"}}))
	entries := []indexEntry{
		{"a", appendIndexKey(nil, []byte("sb"), "k1")},
		{"created_at", appendIndexKey(nil, []byte("s2024"), "k1")},
	}
	raw := encodeRecord(nil, 7, data, entries)

	var rec record
	ok(t, rec.decode(raw))
	deepEqual(t, rec.Flags, rfDefault)
	deepEqual(t, rec.ModCount, uint64(7))
	deepEqual(t, rec.Data, data)
	deepEqual(t, must(rec.indexEntries()), entries)

	sd := must(rec.data())
	deepEqual(t, sd.Value, Attrs{"a": "b"})
	deepEqual(t, sd.Index, map[string]any{"a": "b"})
}

func TestRecord_NoIndexEntries(t *testing.T) {
	data := must(encodeMsgpack(nil, storedData{Value: Attrs{}}))
	var rec record
	ok(t, rec.decode(encodeRecord(nil, 1, data, nil)))
	isempty(t, must(rec.indexEntries()))
}

func TestRecord_DecodeErrors(t *testing.T) {
	data := must(encodeMsgpack(nil, storedData{Value: Attrs{}}))
	good := encodeRecord(nil, 1, data, []indexEntry{{"f", []byte("key")}})

	tests := []struct {
		name string
		raw  []byte
	}{
		{"short", []byte{1, 1}},
		{"bad flags", append([]byte{0x7F}, good[1:]...)},
		{"unknown version", append([]byte{0x02}, good[1:]...)},
		{"truncated", good[:len(good)-1]},
		{"trailing", append(append([]byte{}, good...), 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec record
			err := rec.decode(tt.raw)
			var de *DataError
			if !errors.As(err, &de) {
				t.Fatalf("decode err = %v, wanted DataError", err)
			}
		})
	}

	var rec record
	ok(t, rec.decode(good))
	rec.Index = []byte{3, 'a'}
	if _, err := rec.indexEntries(); err == nil {
		t.Fatalf("indexEntries on truncated list succeeded")
	}
}
