package curator

import (
	"context"
	"fmt"
)

// Finder is a query bound to one indexed field of a repository.
type Finder[T Entity] struct {
	repo  *Repository[T]
	field string
	find  finderFunc[T]
}

// Finder returns the finder for an indexed field, including created_at and
// updated_at. Unknown fields panic; use FindBy for dynamic field names.
func (r *Repository[T]) Finder(field string) *Finder[T] {
	f := r.et.finders[field]
	if f == nil {
		panic(fmt.Errorf("%s: field %q is not indexed", r.et.collection, field))
	}
	return &Finder[T]{repo: r, field: field, find: f}
}

func (f *Finder[T]) Field() string {
	return f.field
}

// Find returns all objects whose field equals value.
func (f *Finder[T]) Find(ctx context.Context, value any) ([]T, error) {
	return f.find(ctx, f.repo, Exact(value))
}

// First returns the first object whose field equals value, or nil.
func (f *Finder[T]) First(ctx context.Context, value any) (T, error) {
	var zero T
	results, err := f.Find(ctx, value)
	if err != nil || len(results) == 0 {
		return zero, err
	}
	return results[0], nil
}

// Between returns all objects whose field lies within [lower, upper]. A nil
// bound is open.
func (f *Finder[T]) Between(ctx context.Context, lower, upper any) ([]T, error) {
	return f.find(ctx, f.repo, Between(lower, upper))
}
