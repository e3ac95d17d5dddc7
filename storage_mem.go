package curator

import (
	"bytes"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
)

const memBucketSep = "\x00"

var (
	errMemClosed   = errors.New("memory storage closed")
	errMemReadOnly = errors.New("memory tx not writable")
	errMemTxDone   = errors.New("memory tx already finished")
)

var _ storage = (*memStorage)(nil)

// memStorage keeps committed buckets immutable. Readers share the committed
// map; a writer copies a bucket the first time it modifies it.
type memStorage struct {
	writeMu sync.Mutex

	mu      sync.RWMutex
	buckets map[string]*memBucket
	closed  bool
}

func newMemStorage() storage {
	return &memStorage{buckets: make(map[string]*memBucket)}
}

func (s *memStorage) BeginTx(writable bool) (storageTx, error) {
	if writable {
		s.writeMu.Lock()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		if writable {
			s.writeMu.Unlock()
		}
		return nil, errMemClosed
	}
	tx := &memTx{s: s, writable: writable, buckets: s.buckets}
	if writable {
		tx.buckets = make(map[string]*memBucket, len(s.buckets))
		for k, b := range s.buckets {
			tx.buckets[k] = b
		}
		tx.owned = make(map[*memBucket]bool)
	}
	return tx, nil
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buckets = nil
	return nil
}

type memTx struct {
	s        *memStorage
	writable bool
	done     bool
	buckets  map[string]*memBucket
	owned    map[*memBucket]bool // copies private to this tx
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) live() {
	if tx.done {
		panic(errMemTxDone)
	}
}

func (tx *memTx) Bucket(name, sub string) storageBucket {
	tx.live()
	key := memBucketKey(name, sub)
	if tx.buckets[key] == nil {
		return nil
	}
	return &memBucketHandle{tx: tx, key: key}
}

func (tx *memTx) CreateBucket(name, sub string) (storageBucket, error) {
	tx.live()
	if !tx.writable {
		return nil, errMemReadOnly
	}
	for _, key := range []string{memBucketKey(name, ""), memBucketKey(name, sub)} {
		if tx.buckets[key] == nil {
			b := &memBucket{}
			tx.buckets[key] = b
			tx.owned[b] = true
		}
	}
	return &memBucketHandle{tx: tx, key: memBucketKey(name, sub)}, nil
}

func (tx *memTx) ForEachBucket(name string, f func(sub string) error) error {
	tx.live()
	prefix := name + memBucketSep
	var subs []string
	for k := range tx.buckets {
		if sub, ok := strings.CutPrefix(k, prefix); ok && sub != "" {
			subs = append(subs, sub)
		}
	}
	slices.Sort(subs)
	for _, sub := range subs {
		if err := f(sub); err != nil {
			return err
		}
	}
	return nil
}

// mutable returns a bucket of this tx that is safe to modify.
func (tx *memTx) mutable(key string) *memBucket {
	b := tx.buckets[key]
	if !tx.owned[b] {
		b = b.clone()
		tx.buckets[key] = b
		tx.owned[b] = true
	}
	return b
}

func (tx *memTx) Commit() error {
	if tx.done {
		return errMemTxDone
	}
	if !tx.writable {
		return errMemReadOnly
	}
	defer tx.finish()
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	if tx.s.closed {
		return errMemClosed
	}
	tx.s.buckets = tx.buckets
	return nil
}

func (tx *memTx) Rollback() error {
	if !tx.done {
		tx.finish()
	}
	return nil
}

func (tx *memTx) finish() {
	tx.done = true
	if tx.writable {
		tx.owned = nil
		tx.s.writeMu.Unlock()
	}
}

func memBucketKey(name, sub string) string {
	return name + memBucketSep + sub
}

type memKV struct {
	key   []byte
	value []byte
}

type memBucket struct {
	items []memKV
	seq   uint64
}

func (b *memBucket) clone() *memBucket {
	return &memBucket{items: slices.Clone(b.items), seq: b.seq}
}

// search returns the position of the first item whose key is >= key.
func (b *memBucket) search(key []byte) int {
	return sort.Search(len(b.items), func(i int) bool {
		return bytes.Compare(b.items[i].key, key) >= 0
	})
}

func (b *memBucket) lookup(key []byte) (int, bool) {
	i := b.search(key)
	return i, i < len(b.items) && bytes.Equal(b.items[i].key, key)
}

type memBucketHandle struct {
	tx  *memTx
	key string
}

func (h *memBucketHandle) bucket() *memBucket {
	return h.tx.buckets[h.key]
}

func (h *memBucketHandle) writable() (*memBucket, error) {
	h.tx.live()
	if !h.tx.writable {
		return nil, errMemReadOnly
	}
	return h.tx.mutable(h.key), nil
}

func (h *memBucketHandle) Get(key []byte) []byte {
	b := h.bucket()
	if i, found := b.lookup(key); found {
		return b.items[i].value
	}
	return nil
}

func (h *memBucketHandle) Put(key, value []byte) error {
	b, err := h.writable()
	if err != nil {
		return err
	}
	kv := memKV{key: slices.Clone(key), value: append([]byte{}, value...)}
	if i, found := b.lookup(key); found {
		b.items[i] = kv
	} else {
		b.items = slices.Insert(b.items, i, kv)
	}
	return nil
}

func (h *memBucketHandle) Delete(key []byte) error {
	b, err := h.writable()
	if err != nil {
		return err
	}
	if i, found := b.lookup(key); found {
		b.items = slices.Delete(b.items, i, i+1)
	}
	return nil
}

func (h *memBucketHandle) NextSequence() (uint64, error) {
	b, err := h.writable()
	if err != nil {
		return 0, err
	}
	b.seq++
	return b.seq, nil
}

func (h *memBucketHandle) Cursor() storageCursor {
	return &memCursor{items: h.bucket().items, pos: -1}
}

func (h *memBucketHandle) KeyCount() int {
	return len(h.bucket().items)
}

// memCursor iterates over the items of a bucket as of cursor creation.
type memCursor struct {
	items []memKV
	pos   int
}

func (c *memCursor) at(pos int) ([]byte, []byte) {
	c.pos = pos
	if pos < 0 || pos >= len(c.items) {
		return nil, nil
	}
	return c.items[pos].key, c.items[pos].value
}

func (c *memCursor) First() ([]byte, []byte) {
	return c.at(0)
}

func (c *memCursor) Last() ([]byte, []byte) {
	return c.at(len(c.items) - 1)
}

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	b := memBucket{items: c.items}
	return c.at(b.search(seek))
}

func (c *memCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	limit := slices.Clone(prefix)
	if len(limit) == 0 || !inc(limit) {
		return c.Last()
	}
	b := memBucket{items: c.items}
	return c.at(b.search(limit) - 1)
}

func (c *memCursor) Next() ([]byte, []byte) {
	if c.pos >= len(c.items) {
		return nil, nil
	}
	return c.at(c.pos + 1)
}

func (c *memCursor) Prev() ([]byte, []byte) {
	if c.pos < 0 {
		return nil, nil
	}
	return c.at(c.pos - 1)
}
