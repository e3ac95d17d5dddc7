package curator

import (
	"context"
	"fmt"
)

// Attrs is a flat attribute map, the unit of serialization.
type Attrs = map[string]any

// Record is a stored record as returned by a Store.
type Record struct {
	Key  string
	Data Attrs
}

// SaveRequest describes a single whole-record write. An empty Key asks the
// store to assign one.
type SaveRequest struct {
	Collection string
	Key        string
	Value      Attrs
	Index      map[string]any
}

// Store is the key-value store collaborator. Implementations own timeouts,
// retries and consistency; errors they return reach the repository's caller
// unmodified.
//
// FindByKey returns nil, nil for a missing key. Delete of a missing key is
// up to the implementation; the stores in this module treat it as a no-op.
type Store interface {
	Save(ctx context.Context, req SaveRequest) (key string, err error)
	Delete(ctx context.Context, collection, key string) error
	FindByKey(ctx context.Context, collection, key string) (*Record, error)
	FindByIndex(ctx context.Context, collection, field string, q IndexQuery) ([]Record, error)
}

// IndexQuery selects index entries either by exact value or by an inclusive
// range of values.
type IndexQuery struct {
	Value   any
	Lower   any
	Upper   any
	IsRange bool
}

// Exact matches index entries equal to v.
func Exact(v any) IndexQuery {
	return IndexQuery{Value: v}
}

// Between matches index entries in [lower, upper]. A nil bound is open.
func Between(lower, upper any) IndexQuery {
	return IndexQuery{Lower: lower, Upper: upper, IsRange: true}
}

func (q IndexQuery) String() string {
	if q.IsRange {
		return fmt.Sprintf("[%v..%v]", q.Lower, q.Upper)
	}
	return fmt.Sprintf("%v", q.Value)
}
