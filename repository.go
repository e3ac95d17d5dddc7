package curator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Options configure a Repository. The zero value works for unencrypted
// entities.
type Options struct {
	Logf    func(format string, args ...any)
	Verbose bool

	// Now is the clock used for timestamps; defaults to time.Now.
	Now func() time.Time

	// Keys is required for encrypted entities.
	Keys KeyProvider

	// Unwrap runs on every stored map before migration. Use it to open
	// encryption envelopes, see Keyring.Unwrap.
	Unwrap func(ctx context.Context, raw Attrs) (Attrs, error)
}

// Repository persists objects of one entity type in one collection of a
// Store. It is safe for concurrent use if the store is.
type Repository[T Entity] struct {
	store   Store
	et      *EntityType[T]
	logf    func(format string, args ...any)
	verbose bool
	now     func() time.Time
	keys    KeyProvider
	unwrap  func(ctx context.Context, raw Attrs) (Attrs, error)
}

// NewRepository binds et to store. It fails when store is nil or when et is
// encrypted and opt.Keys is nil.
func NewRepository[T Entity](store Store, et *EntityType[T], opt Options) (*Repository[T], error) {
	if store == nil {
		return nil, errors.New("curator: nil store")
	}
	et.resolve()
	if et.Encrypted() && opt.Keys == nil {
		return nil, collErrf(et.collection, "", "", ErrNoKeyProvider, "")
	}
	if opt.Logf == nil {
		opt.Logf = slogf
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Repository[T]{
		store:   store,
		et:      et,
		logf:    opt.Logf,
		verbose: opt.Verbose,
		now:     opt.Now,
		keys:    opt.Keys,
		unwrap:  opt.Unwrap,
	}, nil
}

func slogf(format string, args ...any) {
	slog.Debug(fmt.Sprintf(format, args...))
}

func (r *Repository[T]) Collection() string {
	return r.et.collection
}

func (r *Repository[T]) EntityType() *EntityType[T] {
	return r.et
}

// Save writes obj as a whole, replacing any previous version. Objects without
// an ID get the key assigned by the store. CreatedAt is set on first save,
// UpdatedAt on every save.
func (r *Repository[T]) Save(ctx context.Context, obj T) error {
	if isNil(obj) {
		return collErrf(r.et.collection, "", "", nil, "cannot save nil object")
	}
	m := obj.EntityModel()
	attrs, err := r.et.serializeForSave(obj, r.now().UTC())
	if err != nil {
		return err
	}
	index := buildIndex(r.et, obj, attrs)

	value := attrs
	if r.et.Encrypted() {
		value, err = seal(ctx, r.keys, attrs)
		if err != nil {
			return collErrf(r.et.collection, "", m.ID, err, "encrypt")
		}
	}

	key, err := r.store.Save(ctx, SaveRequest{
		Collection: r.et.collection,
		Key:        m.ID,
		Value:      value,
		Index:      index,
	})
	if err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = key
	}
	if r.verbose {
		r.logf("repo: SAVE %s/%s => %v", r.et.collection, m.ID, r.loggable(attrs))
	}
	return nil
}

// Delete removes obj from the store.
func (r *Repository[T]) Delete(ctx context.Context, obj T) error {
	if isNil(obj) || obj.EntityModel().ID == "" {
		return collErrf(r.et.collection, "", "", ErrNoID, "")
	}
	id := obj.EntityModel().ID
	err := r.store.Delete(ctx, r.et.collection, id)
	if err != nil {
		return err
	}
	if r.verbose {
		r.logf("repo: DELETE %s/%s", r.et.collection, id)
	}
	return nil
}

// FindByID returns the object stored under id, or nil if there is none.
func (r *Repository[T]) FindByID(ctx context.Context, id string) (T, error) {
	var zero T
	rec, err := r.store.FindByKey(ctx, r.et.collection, id)
	if err != nil {
		return zero, err
	}
	if rec == nil {
		if r.verbose {
			r.logf("repo: GET.NOTFOUND %s/%s", r.et.collection, id)
		}
		return zero, nil
	}
	if rec.Key == "" {
		rec.Key = id
	}
	obj, err := r.load(ctx, *rec)
	if err != nil {
		return zero, err
	}
	if r.verbose {
		r.logf("repo: GET %s/%s => %v", r.et.collection, id, r.loggable(rec.Data))
	}
	return obj, nil
}

// FindBy returns the objects whose indexed field equals value, in store order.
func (r *Repository[T]) FindBy(ctx context.Context, field string, value any) ([]T, error) {
	f, err := r.finder(field)
	if err != nil {
		return nil, err
	}
	return f(ctx, r, Exact(value))
}

// FindFirstBy returns the first of FindBy's results, or nil.
func (r *Repository[T]) FindFirstBy(ctx context.Context, field string, value any) (T, error) {
	var zero T
	results, err := r.FindBy(ctx, field, value)
	if err != nil || len(results) == 0 {
		return zero, err
	}
	return results[0], nil
}

// FindByCreatedAt returns objects created within [start, end], oldest first.
func (r *Repository[T]) FindByCreatedAt(ctx context.Context, start, end time.Time) ([]T, error) {
	return r.findByTimeRange(ctx, FieldCreatedAt, start, end)
}

// FindByUpdatedAt returns objects last updated within [start, end], oldest first.
func (r *Repository[T]) FindByUpdatedAt(ctx context.Context, start, end time.Time) ([]T, error) {
	return r.findByTimeRange(ctx, FieldUpdatedAt, start, end)
}

func (r *Repository[T]) findByTimeRange(ctx context.Context, field string, start, end time.Time) ([]T, error) {
	f, err := r.finder(field)
	if err != nil {
		return nil, err
	}
	return f(ctx, r, Between(FormatTime(start), FormatTime(end)))
}

func (r *Repository[T]) finder(field string) (finderFunc[T], error) {
	f := r.et.finders[field]
	if f == nil {
		return nil, collErrf(r.et.collection, field, "", ErrUnknownIndex, "")
	}
	return f, nil
}

func (r *Repository[T]) findByIndex(ctx context.Context, field string, q IndexQuery) ([]T, error) {
	recs, err := r.store.FindByIndex(ctx, r.et.collection, field, q)
	if err != nil {
		return nil, err
	}
	if r.verbose {
		r.logf("repo: FIND %s.%s %v => %d", r.et.collection, field, q, len(recs))
	}
	if len(recs) == 0 {
		return nil, nil
	}
	result := make([]T, 0, len(recs))
	for _, rec := range recs {
		obj, err := r.load(ctx, rec)
		if err != nil {
			return nil, err
		}
		result = append(result, obj)
	}
	return result, nil
}

// load turns a stored record into an object. Timestamps come from the stored
// map as it was before migration.
func (r *Repository[T]) load(ctx context.Context, rec Record) (T, error) {
	var zero T
	coll := r.et.collection
	raw := rec.Data
	if raw == nil {
		raw = Attrs{}
	}
	if r.unwrap != nil {
		var err error
		raw, err = r.unwrap(ctx, raw)
		if err != nil {
			return zero, collErrf(coll, "", rec.Key, err, "unwrap")
		}
	}

	migrated, err := r.et.migrator.Migrate(raw)
	if err != nil {
		return zero, migrationFailure(coll, rec.Key, err)
	}

	obj, err := r.et.deserialize(migrated)
	if err != nil {
		return zero, collErrf(coll, "", rec.Key, err, "deserialize")
	}
	if isNil(obj) {
		return zero, collErrf(coll, "", rec.Key, nil, "deserialize returned nil")
	}

	m := obj.EntityModel()
	m.ID = rec.Key
	if t, ok, err := storedTimestamp(raw, FieldCreatedAt); err != nil {
		return zero, collErrf(coll, FieldCreatedAt, rec.Key, err, "")
	} else if ok {
		m.CreatedAt = t
	}
	if t, ok, err := storedTimestamp(raw, FieldUpdatedAt); err != nil {
		return zero, collErrf(coll, FieldUpdatedAt, rec.Key, err, "")
	} else if ok {
		m.UpdatedAt = t
	}
	return obj, nil
}

func (r *Repository[T]) loggable(attrs Attrs) any {
	if r.et.Encrypted() {
		return "<suppressed>"
	}
	return attrs
}
