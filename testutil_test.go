package curator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

type (
	User struct {
		Model
		Email string   `msgpack:"email"`
		Name  string   `msgpack:"name,omitempty"`
		Tags  []string `msgpack:"tags"`
		Nick  *string  `msgpack:"nick"`
	}

	Secret struct {
		Model
		Owner string `msgpack:"owner"`
		Body  string `msgpack:"body"`
	}

	Person struct {
		Model
		Name string `msgpack:"name"`
	}

	Vault struct {
		Model
		Owner     string         `msgpack:"owner"`
		Count     int            `msgpack:"count"`
		Ratio     float64        `msgpack:"ratio"`
		Size      uint64         `msgpack:"size"`
		Expires   time.Time      `msgpack:"expires"`
		Renewed   *time.Time     `msgpack:"renewed"`
		Deadlines []time.Time    `msgpack:"deadlines"`
		Tags      []string       `msgpack:"tags"`
		Limit     *int           `msgpack:"limit"`
		Quota     map[string]int `msgpack:"quota"`
		Active    bool           `msgpack:"active"`
	}
)

var (
	usersType = DefineEntity(EntityDef[*User]{
		Indexes: []Index[*User]{
			{Field: "email"},
			{Field: "name"},
		},
	})
	secretsType = DefineEntity(EntityDef[*Secret]{
		Indexes:   []Index[*Secret]{{Field: "owner"}},
		Encrypted: true,
	})
	vaultsType = DefineEntity(EntityDef[*Vault]{
		Indexes:   []Index[*Vault]{{Field: "owner"}},
		Encrypted: true,
	})
	peopleType = DefineEntity(EntityDef[*Person]{
		Indexes:  []Index[*Person]{{Field: "name"}},
		Migrator: Steps(RenameField("full_name", "name")),
	})
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: t0}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type logCapture struct {
	mu    sync.Mutex
	lines []string
}

func (l *logCapture) Logf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *logCapture) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.lines, "\n")
}

// recordingStore remembers the last save request passed to the wrapped store.
type recordingStore struct {
	Store
	mu   sync.Mutex
	last SaveRequest
}

func (s *recordingStore) Save(ctx context.Context, req SaveRequest) (string, error) {
	s.mu.Lock()
	s.last = req
	s.mu.Unlock()
	return s.Store.Save(ctx, req)
}

func (s *recordingStore) Last() SaveRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// failingStore fails every operation with err.
type failingStore struct {
	err error
}

func (s failingStore) Save(ctx context.Context, req SaveRequest) (string, error) {
	return "", s.err
}

func (s failingStore) Delete(ctx context.Context, collection, key string) error {
	return s.err
}

func (s failingStore) FindByKey(ctx context.Context, collection, key string) (*Record, error) {
	return nil, s.err
}

func (s failingStore) FindByIndex(ctx context.Context, collection, field string, q IndexQuery) ([]Record, error) {
	return nil, s.err
}

func setupBolt(t testing.TB, opt KVOptions) *KVStore {
	t.Helper()

	dbFile := must(os.CreateTemp("", "curator_test_*.db"))
	t.Logf("DB: %s", dbFile.Name())
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	opt.IsTesting = true
	s := must(OpenBolt(dbFile.Name(), opt))
	t.Cleanup(func() { ensure(s.Close()) })
	return s
}

func setupMemory(t testing.TB, opt KVOptions) *KVStore {
	s := NewMemoryStore(opt)
	t.Cleanup(func() { ensure(s.Close()) })
	return s
}

// eachKVStore runs f against every KVStore backend.
func eachKVStore(t *testing.T, opt KVOptions, f func(t *testing.T, s *KVStore)) {
	t.Run("memory", func(t *testing.T) { f(t, setupMemory(t, opt)) })
	t.Run("bolt", func(t *testing.T) { f(t, setupBolt(t, opt)) })
}

func newRepo[T Entity](t testing.TB, store Store, et *EntityType[T], opt Options) *Repository[T] {
	t.Helper()
	r, err := NewRepository(store, et, opt)
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	return r
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func isnil[T any, P ~*T](t testing.TB, a P) {
	if a != nil {
		t.Helper()
		t.Errorf("** got &%v, wanted nil", *a)
	}
}

func isnonnil[T any](t testing.TB, a *T) {
	if a == nil {
		t.Helper()
		t.Fatalf("** got nil %T, wanted non-nil", a)
	}
}

func ok(t testing.TB, err error) {
	if err != nil {
		t.Helper()
		t.Fatalf("** unexpected error: %v", err)
	}
}

func assertPanics(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	fn()
}

func timesEqual(t testing.TB, a, e time.Time) {
	if !a.Equal(e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func userEmails(users []*User) []string {
	var result []string
	for _, u := range users {
		result = append(result, u.Email)
	}
	return result
}

func sampleVault() *Vault {
	return &Vault{
		Owner:     "alice",
		Count:     42,
		Ratio:     2,
		Size:      1 << 63,
		Expires:   time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		Renewed:   ptr(time.Date(2029, 6, 1, 8, 30, 0, 123456789, time.UTC)),
		Deadlines: []time.Time{time.Date(2031, 2, 3, 4, 5, 6, 0, time.UTC)},
		Tags:      []string{"a", "b"},
		Limit:     ptr(-7),
		Quota:     map[string]int{"disk": 10},
		Active:    true,
	}
}

// vaultsEqual compares vaults, times by instant.
func vaultsEqual(t testing.TB, a, e *Vault) {
	t.Helper()
	if a == nil {
		t.Fatalf("** got nil vault")
	}
	timesEqual(t, a.Expires, e.Expires)
	if (a.Renewed == nil) != (e.Renewed == nil) || (a.Renewed != nil && !a.Renewed.Equal(*e.Renewed)) {
		t.Errorf("** Renewed = %v, wanted %v", a.Renewed, e.Renewed)
	}
	if len(a.Deadlines) != len(e.Deadlines) {
		t.Fatalf("** Deadlines = %v, wanted %v", a.Deadlines, e.Deadlines)
	}
	for i := range a.Deadlines {
		timesEqual(t, a.Deadlines[i], e.Deadlines[i])
	}
	ac, ec := *a, *e
	ac.Model, ec.Model = Model{}, Model{}
	ac.Expires, ec.Expires = time.Time{}, time.Time{}
	ac.Renewed, ec.Renewed = nil, nil
	ac.Deadlines, ec.Deadlines = nil, nil
	deepEqual(t, ac, ec)
}

func ptr[T any](v T) *T {
	return &v
}

// brokenListing wraps a storage so that listing nested buckets fails.
type brokenListing struct {
	storage
	err error
}

func (s brokenListing) BeginTx(writable bool) (storageTx, error) {
	tx, err := s.storage.BeginTx(writable)
	if err != nil {
		return nil, err
	}
	return brokenListingTx{tx, s.err}, nil
}

type brokenListingTx struct {
	storageTx
	err error
}

func (tx brokenListingTx) ForEachBucket(name string, f func(sub string) error) error {
	return tx.err
}
