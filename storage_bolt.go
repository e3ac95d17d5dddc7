package curator

import (
	"errors"
	"unsafe"

	"go.etcd.io/bbolt"
)

// boltStorage maps a (name, sub) bucket pair onto a top-level bolt bucket
// and, for non-empty sub, a bucket nested inside it.
type boltStorage struct {
	bdb *bbolt.DB
}

var _ storage = (*boltStorage)(nil)

func newBoltStorage(bdb *bbolt.DB) storage {
	return &boltStorage{bdb: bdb}
}

func (s *boltStorage) BeginTx(writable bool) (storageTx, error) {
	btx, err := s.bdb.Begin(writable)
	if err != nil {
		return nil, err
	}
	return boltTx{btx}, nil
}

func (s *boltStorage) Close() error {
	return s.bdb.Close()
}

type boltTx struct {
	btx *bbolt.Tx
}

func (tx boltTx) Writable() bool { return tx.btx.Writable() }

func (tx boltTx) Bucket(name, sub string) storageBucket {
	b := tx.btx.Bucket(stringBytes(name))
	if b != nil && sub != "" {
		b = b.Bucket(stringBytes(sub))
	}
	if b == nil {
		return nil
	}
	return boltBucket{b}
}

func (tx boltTx) CreateBucket(name, sub string) (storageBucket, error) {
	b, err := tx.btx.CreateBucketIfNotExists([]byte(name))
	if err == nil && sub != "" {
		b, err = b.CreateBucketIfNotExists([]byte(sub))
	}
	if err != nil {
		return nil, err
	}
	return boltBucket{b}, nil
}

func (tx boltTx) ForEachBucket(name string, f func(sub string) error) error {
	root := tx.btx.Bucket(stringBytes(name))
	if root == nil {
		return nil
	}
	return root.ForEach(func(k, v []byte) error {
		if v != nil {
			return nil
		}
		return f(string(k))
	})
}

func (tx boltTx) Commit() error { return tx.btx.Commit() }

func (tx boltTx) Rollback() error {
	if err := tx.btx.Rollback(); !errors.Is(err, bbolt.ErrTxClosed) {
		return err
	}
	return nil
}

type boltBucket struct {
	b *bbolt.Bucket
}

func (b boltBucket) Get(key []byte) []byte { return b.b.Get(key) }
func (b boltBucket) Put(key, value []byte) error { return b.b.Put(key, value) }
func (b boltBucket) Delete(key []byte) error { return b.b.Delete(key) }
func (b boltBucket) NextSequence() (uint64, error) { return b.b.NextSequence() }
func (b boltBucket) Cursor() storageCursor { return boltCursor{b.b.Cursor()} }
func (b boltBucket) KeyCount() int { return b.b.Stats().KeyN }

type boltCursor struct {
	*bbolt.Cursor
}

func (c boltCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	limit := append([]byte(nil), prefix...)
	if len(limit) == 0 || !inc(limit) {
		return c.Last()
	}
	if k, _ := c.Seek(limit); k == nil {
		return c.Last()
	}
	return c.Prev()
}

// stringBytes is for read-only lookups; bolt copies keys it retains.
func stringBytes(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
