package curator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// KeyStrategy decides how a KVStore assigns keys to records saved without one.
type KeyStrategy int

const (
	// KeyUUID assigns random UUIDs.
	KeyUUID KeyStrategy = iota

	// KeySequence assigns zero-padded decimal numbers from a per-collection
	// sequence, so keys sort in insertion order. Caller-chosen keys are not
	// checked against the sequence.
	KeySequence
)

const (
	dataBucket        = "data"
	indexBucketPrefix = "i_"
)

// KVOptions configure a KVStore. Logf defaults to slog; Verbose logs every
// operation. IsTesting, MmapSize and Timeout only apply to Bolt files, with
// IsTesting turning off fsync.
type KVOptions struct {
	Keys      KeyStrategy
	Logf      func(format string, args ...any)
	Verbose   bool
	IsTesting bool
	MmapSize  int
	Timeout   time.Duration
}

// KVStore is a Store on top of an ordered key-value storage. Each collection
// is a root bucket with a data sub-bucket holding the records and one
// sub-bucket per indexed field.
type KVStore struct {
	st      storage
	bdb     *bbolt.DB
	keys    KeyStrategy
	logf    func(format string, args ...any)
	verbose bool

	ReadCount  atomic.Uint64
	WriteCount atomic.Uint64
}

var _ Store = (*KVStore)(nil)

// OpenBolt opens or creates a Bolt database file.
func OpenBolt(path string, opt KVOptions) (*KVStore, error) {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}
	if opt.Timeout != 0 {
		bopt.Timeout = opt.Timeout
	}

	bdb, err := bbolt.Open(path, 0666, bopt)
	if err != nil {
		return nil, fmt.Errorf("kvstore: %w", err)
	}
	s := newKVStore(newBoltStorage(bdb), opt)
	s.bdb = bdb
	return s, nil
}

// NewMemoryStore returns a transient KVStore kept in memory.
func NewMemoryStore(opt KVOptions) *KVStore {
	return newKVStore(newMemStorage(), opt)
}

func newKVStore(st storage, opt KVOptions) *KVStore {
	if opt.Logf == nil {
		opt.Logf = slogf
	}
	return &KVStore{
		st:      st,
		keys:    opt.Keys,
		logf:    opt.Logf,
		verbose: opt.Verbose,
	}
}

// Bolt returns the underlying Bolt database, or nil for memory stores.
func (s *KVStore) Bolt() *bbolt.DB {
	return s.bdb
}

func (s *KVStore) Close() error {
	return s.st.Close()
}

func (s *KVStore) read(f func(tx storageTx) error) error {
	tx, err := s.st.BeginTx(false)
	if err != nil {
		return fmt.Errorf("kvstore: %w", err)
	}
	defer tx.Rollback()
	s.ReadCount.Add(1)
	return f(tx)
}

func (s *KVStore) write(f func(tx storageTx) error) error {
	tx, err := s.st.BeginTx(true)
	if err != nil {
		return fmt.Errorf("kvstore: %w", err)
	}
	defer tx.Rollback()
	s.WriteCount.Add(1)
	if err := f(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type pendingIndexValue struct {
	field string
	value []byte
}

func (s *KVStore) Save(ctx context.Context, req SaveRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Collection == "" {
		return "", errors.New("kvstore: empty collection name")
	}
	data, err := encodeMsgpack(nil, storedData{Value: req.Value, Index: req.Index})
	if err != nil {
		return "", collErrf(req.Collection, "", req.Key, err, "")
	}

	fields := make([]string, 0, len(req.Index))
	for field := range req.Index {
		fields = append(fields, field)
	}
	slices.Sort(fields)
	pending := make([]pendingIndexValue, 0, len(fields))
	for _, field := range fields {
		v, err := EncodeIndexValue(req.Index[field])
		if err != nil {
			return "", collErrf(req.Collection, field, req.Key, err, "")
		}
		pending = append(pending, pendingIndexValue{field, v})
	}

	key := req.Key
	err = s.write(func(tx storageTx) error {
		db, err := tx.CreateBucket(req.Collection, dataBucket)
		if err != nil {
			return err
		}
		if key == "" {
			key, err = s.newKey(db)
			if err != nil {
				return err
			}
		}
		keyRaw := []byte(key)

		var modCount uint64
		if old := db.Get(keyRaw); old != nil {
			var rec record
			if err := rec.decode(old); err != nil {
				return collErrf(req.Collection, "", key, err, "")
			}
			modCount = rec.ModCount
			if err := s.deleteIndexEntries(tx, req.Collection, &rec); err != nil {
				return collErrf(req.Collection, "", key, err, "")
			}
		}

		entries := make([]indexEntry, 0, len(pending))
		for _, p := range pending {
			ib, err := tx.CreateBucket(req.Collection, indexBucketPrefix+p.field)
			if err != nil {
				return err
			}
			ik := appendIndexKey(nil, p.value, key)
			if err := ib.Put(ik, keyRaw); err != nil {
				return err
			}
			entries = append(entries, indexEntry{p.field, ik})
		}

		return db.Put(keyRaw, encodeRecord(nil, modCount+1, data, entries))
	})
	if err != nil {
		return "", err
	}
	if s.verbose {
		s.logf("kvstore: PUT %s/%s => %d bytes, %d index entries", req.Collection, key, len(data), len(pending))
	}
	return key, nil
}

func (s *KVStore) newKey(db storageBucket) (string, error) {
	switch s.keys {
	case KeySequence:
		seq, err := db.NextSequence()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%020d", seq), nil
	default:
		return uuid.NewString(), nil
	}
}

func (s *KVStore) deleteIndexEntries(tx storageTx, coll string, rec *record) error {
	entries, err := rec.indexEntries()
	if err != nil {
		return err
	}
	for _, e := range entries {
		ib := tx.Bucket(coll, indexBucketPrefix+e.Field)
		if ib == nil {
			continue
		}
		if err := ib.Delete(e.Key); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a record and its index entries. Missing records are ignored.
func (s *KVStore) Delete(ctx context.Context, coll, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var found bool
	err := s.write(func(tx storageTx) error {
		db := tx.Bucket(coll, dataBucket)
		if db == nil {
			return nil
		}
		keyRaw := []byte(key)
		old := db.Get(keyRaw)
		if old == nil {
			return nil
		}
		found = true
		var rec record
		if err := rec.decode(old); err != nil {
			return collErrf(coll, "", key, err, "")
		}
		if err := s.deleteIndexEntries(tx, coll, &rec); err != nil {
			return collErrf(coll, "", key, err, "")
		}
		return db.Delete(keyRaw)
	})
	if err != nil {
		return err
	}
	if s.verbose {
		if found {
			s.logf("kvstore: DELETE %s/%s", coll, key)
		} else {
			s.logf("kvstore: DELETE.NOOP %s/%s", coll, key)
		}
	}
	return nil
}

// FindByKey returns the record stored under key, or nil.
func (s *KVStore) FindByKey(ctx context.Context, coll, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var result *Record
	err := s.read(func(tx storageTx) error {
		db := tx.Bucket(coll, dataBucket)
		if db == nil {
			return nil
		}
		raw := db.Get([]byte(key))
		if raw == nil {
			return nil
		}
		attrs, err := decodeRecordValue(coll, key, raw)
		if err != nil {
			return err
		}
		result = &Record{Key: key, Data: attrs}
		return nil
	})
	return result, err
}

// FindByIndex returns the records matching q, ordered by index value and then
// by key.
func (s *KVStore) FindByIndex(ctx context.Context, coll, field string, q IndexQuery) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rang, err := indexRange(q)
	if err != nil {
		return nil, collErrf(coll, field, "", err, "")
	}

	var result []Record
	err = s.read(func(tx storageTx) error {
		ib := tx.Bucket(coll, indexBucketPrefix+field)
		db := tx.Bucket(coll, dataBucket)
		if ib == nil || db == nil {
			return nil
		}
		c := rang.newCursor(ib.Cursor())
		for c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, key, err := decodeIndexKey(c.Key())
			if err != nil {
				return collErrf(coll, field, "", err, "")
			}
			raw := db.Get([]byte(key))
			if raw == nil {
				return collErrf(coll, field, key, dataErrf(c.Key(), 0, nil, "dangling index entry"), "")
			}
			attrs, err := decodeRecordValue(coll, key, raw)
			if err != nil {
				return err
			}
			result = append(result, Record{Key: key, Data: attrs})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.verbose {
		s.logf("kvstore: SCAN %s.%s %v => %d", coll, field, q, len(result))
	}
	return result, nil
}

func decodeRecordValue(coll, key string, raw []byte) (Attrs, error) {
	var rec record
	if err := rec.decode(raw); err != nil {
		return nil, collErrf(coll, "", key, err, "")
	}
	sd, err := rec.data()
	if err != nil {
		return nil, collErrf(coll, "", key, err, "")
	}
	return sd.Value, nil
}

func indexRange(q IndexQuery) (rawRange, error) {
	if !q.IsRange {
		v, err := EncodeIndexValue(q.Value)
		if err != nil {
			return rawRange{}, err
		}
		return rawPrefix(appendIndexValuePrefix(nil, v)), nil
	}
	var rang rawRange
	if q.Lower != nil {
		v, err := EncodeIndexValue(q.Lower)
		if err != nil {
			return rawRange{}, err
		}
		rang.Lower = appendIndexValuePrefix(nil, v)
		rang.LowerInc = true
	}
	if q.Upper != nil {
		v, err := EncodeIndexValue(q.Upper)
		if err != nil {
			return rawRange{}, err
		}
		rang.Upper = appendIndexValueUpperBound(nil, v)
	}
	return rang, nil
}
