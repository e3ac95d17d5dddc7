package curator

// storage is the ordered byte store under a KVStore: bbolt on disk, or
// memStorage for tests and transient data.
type storage interface {
	BeginTx(writable bool) (storageTx, error)
	Close() error
}

// storageTx sees a consistent snapshot. Buckets are addressed by a root name
// (the collection) and a sub name; sub "" is the root bucket itself.
type storageTx interface {
	Writable() bool

	// Bucket returns nil when the bucket does not exist.
	Bucket(name, sub string) storageBucket

	// CreateBucket creates the root bucket too when needed.
	CreateBucket(name, sub string) (storageBucket, error)

	// ForEachBucket visits the nested buckets of root name in key order.
	ForEachBucket(name string, f func(sub string) error) error

	Commit() error

	// Rollback is a no-op on a finished tx.
	Rollback() error
}

// storageBucket is a sorted key space. Slices returned by Get and by cursors
// are valid until the end of the tx and must not be modified.
type storageBucket interface {
	Get(key []byte) []byte
	Put(key, value []byte) error
	Delete(key []byte) error
	NextSequence() (uint64, error)
	Cursor() storageCursor
	KeyCount() int
}

// storageCursor methods return nil keys past either end.
type storageCursor interface {
	First() (key, value []byte)
	Last() (key, value []byte)

	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	// SeekLast moves to the last key sorting before the successor of prefix.
	SeekLast(prefix []byte) (key, value []byte)

	Next() (key, value []byte)
	Prev() (key, value []byte)
}
