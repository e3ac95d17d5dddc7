package curator

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func kvSave(t testing.TB, s Store, coll, key string, value Attrs, index map[string]any) string {
	t.Helper()
	k, err := s.Save(context.Background(), SaveRequest{Collection: coll, Key: key, Value: value, Index: index})
	ok(t, err)
	return k
}

func recordKeys(recs []Record) []string {
	var result []string
	for _, r := range recs {
		result = append(result, r.Key)
	}
	return result
}

func TestKVStore_SaveAndFindByKey(t *testing.T) {
	ctx := context.Background()
	eachKVStore(t, KVOptions{}, func(t *testing.T, s *KVStore) {
		key := kvSave(t, s, "things", "", Attrs{"a": "x", "n": 42, "f": 1.5, "l": []any{"p", "q"}, "m": map[string]any{"z": true}}, nil)
		if key == "" {
			t.Fatalf("no key assigned")
		}

		rec := must(s.FindByKey(ctx, "things", key))
		isnonnil(t, rec)
		deepEqual(t, rec.Key, key)
		deepEqual(t, rec.Data, Attrs{"a": "x", "n": int64(42), "f": 1.5, "l": []any{"p", "q"}, "m": map[string]any{"z": true}})

		isnil(t, must(s.FindByKey(ctx, "things", "missing")))
		isnil(t, must(s.FindByKey(ctx, "nothing", key)))
	})
}

func TestKVStore_OverwriteReplacesIndexEntries(t *testing.T) {
	ctx := context.Background()
	eachKVStore(t, KVOptions{}, func(t *testing.T, s *KVStore) {
		kvSave(t, s, "users", "u1", Attrs{"email": "old@example.com"}, map[string]any{"email": "old@example.com", "tag": "a"})
		kvSave(t, s, "users", "u1", Attrs{"email": "new@example.com"}, map[string]any{"email": "new@example.com"})

		isempty(t, must(s.FindByIndex(ctx, "users", "email", Exact("old@example.com"))))
		isempty(t, must(s.FindByIndex(ctx, "users", "tag", Exact("a"))))
		deepEqual(t, recordKeys(must(s.FindByIndex(ctx, "users", "email", Exact("new@example.com")))), []string{"u1"})

		st := must(s.Stats("users"))
		deepEqual(t, st.Records, 1)
		deepEqual(t, st.IndexEntries, 1)
		if !strings.Contains(s.Dump(DumpRecords, "users"), "users.1 u1 = (m2)") {
			t.Errorf("mod count not incremented:\n%s", s.Dump(DumpAll, "users"))
		}
	})
}

func TestKVStore_Delete(t *testing.T) {
	ctx := context.Background()
	eachKVStore(t, KVOptions{}, func(t *testing.T, s *KVStore) {
		kvSave(t, s, "users", "u1", Attrs{"email": "a"}, map[string]any{"email": "a"})
		kvSave(t, s, "users", "u2", Attrs{"email": "b"}, map[string]any{"email": "b"})

		ok(t, s.Delete(ctx, "users", "u1"))
		isnil(t, must(s.FindByKey(ctx, "users", "u1")))
		isempty(t, must(s.FindByIndex(ctx, "users", "email", Exact("a"))))
		deepEqual(t, recordKeys(must(s.FindByIndex(ctx, "users", "email", Exact("b")))), []string{"u2"})

		ok(t, s.Delete(ctx, "users", "u1"))
		ok(t, s.Delete(ctx, "nothing", "u1"))

		st := must(s.Stats("users"))
		deepEqual(t, st, CollectionStats{Records: 1, IndexEntries: 1, DataSize: st.DataSize})
	})
}

func TestKVStore_IndexQueries(t *testing.T) {
	ctx := context.Background()
	eachKVStore(t, KVOptions{}, func(t *testing.T, s *KVStore) {
		for _, r := range []struct{ key, name string }{
			{"k3", "bob"}, {"k1", "alice"}, {"k2", "alice"}, {"k4", "carol"}, {"k5", "bo"}, {"k6", "bob\x00x"},
		} {
			kvSave(t, s, "people", r.key, Attrs{"name": r.name}, map[string]any{"name": r.name, "n": len(r.key)})
		}

		deepEqual(t, recordKeys(must(s.FindByIndex(ctx, "people", "name", Exact("alice")))), []string{"k1", "k2"})
		deepEqual(t, recordKeys(must(s.FindByIndex(ctx, "people", "name", Exact("bob")))), []string{"k3"})
		deepEqual(t, recordKeys(must(s.FindByIndex(ctx, "people", "name", Between("b", "bob")))), []string{"k5", "k3"})
		deepEqual(t, recordKeys(must(s.FindByIndex(ctx, "people", "name", Between("bob", "c")))), []string{"k3", "k6"})
		deepEqual(t, recordKeys(must(s.FindByIndex(ctx, "people", "name", Between(nil, "alice")))), []string{"k1", "k2"})
		deepEqual(t, recordKeys(must(s.FindByIndex(ctx, "people", "name", Between("c", nil)))), []string{"k4"})
		deepEqual(t, len(must(s.FindByIndex(ctx, "people", "name", Between(nil, nil)))), 6)
		deepEqual(t, len(must(s.FindByIndex(ctx, "people", "n", Exact(2)))), 6)
		deepEqual(t, len(must(s.FindByIndex(ctx, "people", "n", Exact(int64(2))))), 6)
		isempty(t, must(s.FindByIndex(ctx, "people", "n", Exact("2"))))
		isempty(t, must(s.FindByIndex(ctx, "people", "missing", Exact("x"))))
		isempty(t, must(s.FindByIndex(ctx, "nothing", "name", Exact("x"))))
	})
}

func TestKVStore_KeySequence(t *testing.T) {
	eachKVStore(t, KVOptions{Keys: KeySequence}, func(t *testing.T, s *KVStore) {
		deepEqual(t, kvSave(t, s, "a", "", Attrs{"x": 1}, nil), "00000000000000000001")
		deepEqual(t, kvSave(t, s, "a", "", Attrs{"x": 2}, nil), "00000000000000000002")
		deepEqual(t, kvSave(t, s, "b", "", Attrs{"x": 3}, nil), "00000000000000000001")
	})
}

func TestKVStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := setupMemory(t, KVOptions{})
	if _, err := s.Save(ctx, SaveRequest{Collection: "a", Value: Attrs{}}); !errors.Is(err, context.Canceled) {
		t.Errorf("Save err = %v", err)
	}
	if err := s.Delete(ctx, "a", "k"); !errors.Is(err, context.Canceled) {
		t.Errorf("Delete err = %v", err)
	}
	if _, err := s.FindByKey(ctx, "a", "k"); !errors.Is(err, context.Canceled) {
		t.Errorf("FindByKey err = %v", err)
	}
	if _, err := s.FindByIndex(ctx, "a", "f", Exact("x")); !errors.Is(err, context.Canceled) {
		t.Errorf("FindByIndex err = %v", err)
	}
}

func TestKVStore_EmptyCollection(t *testing.T) {
	s := setupMemory(t, KVOptions{})
	if _, err := s.Save(context.Background(), SaveRequest{Value: Attrs{}}); err == nil {
		t.Fatalf("Save without collection succeeded")
	}
}

func TestKVStore_DanglingIndexEntry(t *testing.T) {
	s := setupMemory(t, KVOptions{})
	kvSave(t, s, "users", "u1", Attrs{"email": "a"}, map[string]any{"email": "a"})

	tx := must(s.st.BeginTx(true))
	ib := must(tx.CreateBucket("users", indexBucketPrefix+"email"))
	ensure(ib.Put(appendIndexKey(nil, must(EncodeIndexValue("a")), "ghost"), []byte("ghost")))
	ensure(tx.Commit())

	_, err := s.FindByIndex(context.Background(), "users", "email", Exact("a"))
	var de *DataError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, wanted DataError", err)
	}
}

func TestKVStore_CorruptRecord(t *testing.T) {
	s := setupMemory(t, KVOptions{})
	kvSave(t, s, "users", "u1", Attrs{"email": "a"}, nil)

	tx := must(s.st.BeginTx(true))
	ensure(tx.Bucket("users", dataBucket).Put([]byte("u1"), []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}))
	ensure(tx.Commit())

	_, err := s.FindByKey(context.Background(), "users", "u1")
	var de *DataError
	if !errors.As(err, &de) {
		t.Fatalf("FindByKey err = %v, wanted DataError", err)
	}
	if _, err := s.Save(context.Background(), SaveRequest{Collection: "users", Key: "u1", Value: Attrs{}}); !errors.As(err, &de) {
		t.Fatalf("Save over corrupt record err = %v, wanted DataError", err)
	}
}

func TestKVStore_VerboseLogging(t *testing.T) {
	var logs logCapture
	s := setupMemory(t, KVOptions{Logf: logs.Logf, Verbose: true})
	ctx := context.Background()
	kvSave(t, s, "users", "u1", Attrs{"email": "a"}, map[string]any{"email": "a"})
	must(s.FindByIndex(ctx, "users", "email", Exact("a")))
	ok(t, s.Delete(ctx, "users", "u1"))
	ok(t, s.Delete(ctx, "users", "u1"))

	out := logs.String()
	for _, want := range []string{
		"kvstore: PUT users/u1",
		"kvstore: SCAN users.email a => 1",
		"kvstore: DELETE users/u1",
		"kvstore: DELETE.NOOP users/u1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
}

func TestKVStore_Bolt(t *testing.T) {
	s := setupBolt(t, KVOptions{})
	isnonnil(t, s.Bolt())
	if NewMemoryStore(KVOptions{}).Bolt() != nil {
		t.Errorf("memory store has a Bolt handle")
	}
}

func TestKVStore_BoltReopen(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/reopen.db"
	s := must(OpenBolt(path, KVOptions{IsTesting: true}))
	kvSave(t, s, "users", "u1", Attrs{"email": "a"}, map[string]any{"email": "a"})
	ok(t, s.Close())

	s = must(OpenBolt(path, KVOptions{IsTesting: true}))
	defer s.Close()
	deepEqual(t, must(s.FindByKey(ctx, "users", "u1")).Data, Attrs{"email": "a"})
	deepEqual(t, recordKeys(must(s.FindByIndex(ctx, "users", "email", Exact("a")))), []string{"u1"})
}
