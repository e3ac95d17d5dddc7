package curator

import (
	"encoding/json"
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpHeaders = DumpFlags(1 << iota)
	DumpRecords
	DumpStats
	DumpIndices
	DumpIndexEntries

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump describes the contents of the given collections in a human-readable
// form, for tests and debugging.
func (s *KVStore) Dump(f DumpFlags, collections ...string) string {
	var buf strings.Builder
	err := s.read(func(tx storageTx) error {
		for _, coll := range collections {
			if err := dumpCollection(&buf, tx, f, coll); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(&buf, "** ERROR: %v\n", err)
	}
	return buf.String()
}

func dumpCollection(w *strings.Builder, tx storageTx, f DumpFlags, coll string) error {
	st, err := collectionStats(tx, coll)
	if err != nil {
		return err
	}
	if f.Contains(DumpHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d records)\n", coll, st.Records)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: index_entries = %d, data_size = %d\n", coll, st.IndexEntries, st.DataSize)
	}

	if f.Contains(DumpRecords) {
		if db := tx.Bucket(coll, dataBucket); db != nil {
			c := db.Cursor()
			var pos int
			for k, v := c.First(); k != nil; k, v = c.Next() {
				pos++
				dumpRecord(w, coll, pos, k, v)
			}
		}
	}

	if f.Contains(DumpIndices) {
		err := tx.ForEachBucket(coll, func(sub string) error {
			field, ok := strings.CutPrefix(sub, indexBucketPrefix)
			if !ok {
				return nil
			}
			ib := tx.Bucket(coll, sub)
			fmt.Fprintln(w, dumpSep2)
			fmt.Fprintf(w, "%s.i.%s (%d entries)\n", coll, field, ib.KeyCount())
			if f.Contains(DumpIndexEntries) {
				c := ib.Cursor()
				var pos int
				for k, _ := c.First(); k != nil; k, _ = c.Next() {
					pos++
					dumpIndexEntry(w, coll, field, pos, k)
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("%s: %w", coll, err)
		}
	}
	return nil
}

func dumpRecord(w *strings.Builder, coll string, pos int, k, v []byte) {
	var rec record
	if err := rec.decode(v); err != nil {
		fmt.Fprintf(w, "%s.%d %s ** ERROR: %v\n", coll, pos, k, err)
		return
	}
	sd, err := rec.data()
	if err != nil {
		fmt.Fprintf(w, "%s.%d %s (m%d) ** ERROR: %v\n", coll, pos, k, rec.ModCount, err)
		return
	}
	j, err := json.Marshal(sd.Value)
	if err != nil {
		fmt.Fprintf(w, "%s.%d %s = (m%d) %v\n", coll, pos, k, rec.ModCount, sd.Value)
		return
	}
	fmt.Fprintf(w, "%s.%d %s = (m%d) %s\n", coll, pos, k, rec.ModCount, j)
}

func dumpIndexEntry(w *strings.Builder, coll, field string, pos int, k []byte) {
	value, key, err := decodeIndexKey(k)
	if err != nil {
		fmt.Fprintf(w, "%s.i.%s.%d ** ERROR: %v\n", coll, field, pos, err)
		return
	}
	fmt.Fprintf(w, "%s.i.%s.%d: %s => %s\n", coll, field, pos, indexValueString(value), key)
}

func indexValueString(v []byte) string {
	if len(v) == 0 {
		return "<empty>"
	}
	switch v[0] {
	case ivString:
		return fmt.Sprintf("%q", v[1:])
	case ivMsgPack:
		var x any
		if err := decodeMsgpack(v[1:], &x); err == nil {
			return fmt.Sprintf("%v", x)
		}
	}
	return hexstr(v)
}
