package curator

import (
	"encoding/binary"
)

type recordFlags uint64

const (
	rfVerBit0 = recordFlags(1 << iota)
	rfVerBit1
	rfVerBit2
	rfVerBit3

	rfVerMask       = (rfVerBit0 | rfVerBit1 | rfVerBit2 | rfVerBit3)
	rfVer1          = rfVerBit0
	rfSupportedMask = rfVer1
	rfDefault       = rfVer1

	minRecordSize       = 4
	maxRecordHeaderSize = binary.MaxVarintLen64 * 4
)

// storedData is the msgpack part of a KVStore record.
type storedData struct {
	Value Attrs          `msgpack:"value"`
	Index map[string]any `msgpack:"index,omitempty"`
}

// indexEntry is an index key contributed by a record.
type indexEntry struct {
	Field string
	Key   []byte
}

// record is the on-disk form of a KVStore value:
//
//	flags modCount dataSize indexSize (uvarints)
//	data (msgpack storedData)
//	index entries: (field varbytes, key varbytes)...
type record struct {
	Flags    recordFlags
	ModCount uint64
	Data     []byte
	Index    []byte
}

func encodeRecord(buf []byte, modCount uint64, data []byte, entries []indexEntry) []byte {
	var index []byte
	for _, e := range entries {
		index = appendVarbytes(index, []byte(e.Field))
		index = appendVarbytes(index, e.Key)
	}

	buf = ensureCapacity(buf, len(buf)+maxRecordHeaderSize+len(data)+len(index))
	buf = appendUvarint(buf, uint64(rfDefault))
	buf = appendUvarint(buf, modCount)
	buf = appendUvarint(buf, uint64(len(data)))
	buf = appendUvarint(buf, uint64(len(index)))
	buf = appendRaw(buf, data)
	buf = appendRaw(buf, index)
	return buf
}

func (rec *record) decode(raw []byte) error {
	if len(raw) < minRecordSize {
		return dataErrf(raw, 0, nil, "invalid record: at least %d bytes required", minRecordSize)
	}
	d := makeByteDecoder(raw)

	flags, err := d.Uvarint()
	if err != nil {
		return err
	}
	if (recordFlags(flags) &^ rfSupportedMask) != 0 {
		return dataErrf(raw, 0, nil, "invalid record: unsupported flags %x", flags)
	}
	if recordFlags(flags)&rfVerMask != rfVer1 {
		return dataErrf(raw, 0, nil, "invalid record: unsupported version %d", flags&uint64(rfVerMask))
	}
	rec.Flags = recordFlags(flags)

	rec.ModCount, err = d.Uvarint()
	if err != nil {
		return err
	}
	dataSize, err := d.Uvarinti()
	if err != nil {
		return err
	}
	indexSize, err := d.Uvarinti()
	if err != nil {
		return err
	}
	rec.Data, err = d.Raw(dataSize)
	if err != nil {
		return err
	}
	rec.Index, err = d.Raw(indexSize)
	if err != nil {
		return err
	}
	if len(d.Buf) != 0 {
		return dataErrf(raw, d.Off(), nil, "invalid record: %d trailing bytes", len(d.Buf))
	}
	return nil
}

func (rec *record) data() (storedData, error) {
	var sd storedData
	err := decodeMsgpack(rec.Data, &sd)
	return sd, err
}

func (rec *record) indexEntries() ([]indexEntry, error) {
	var entries []indexEntry
	d := makeByteDecoder(rec.Index)
	for len(d.Buf) > 0 {
		field, err := d.VarBytes()
		if err != nil {
			return nil, err
		}
		key, err := d.VarBytes()
		if err != nil {
			return nil, err
		}
		entries = append(entries, indexEntry{string(field), key})
	}
	return entries, nil
}
