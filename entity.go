package curator

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/jinzhu/inflection"
)

// Model holds the identity and timestamps managed by a Repository. Embed it
// into entity structs; a zero field means the value is absent.
type Model struct {
	ID        string    `msgpack:"-" json:"-"`
	CreatedAt time.Time `msgpack:"-" json:"-"`
	UpdatedAt time.Time `msgpack:"-" json:"-"`
}

func (m *Model) EntityModel() *Model {
	return m
}

// Entity is implemented by pointers to structs embedding Model.
type Entity interface {
	EntityModel() *Model
}

// Index declares an indexed field. Value extracts the index value from the
// object; when nil, the value is taken from the serialized attribute under
// the same name.
type Index[T Entity] struct {
	Field string
	Value func(obj T) any
}

// EntityDef is the static configuration of an entity type.
type EntityDef[T Entity] struct {
	// Collection overrides the collection name derived from the type name.
	Collection string

	Indexes []Index[T]

	// Encrypted stores every record of this type inside an encryption envelope.
	Encrypted bool

	// Migrator upgrades stored attribute maps to the current shape.
	Migrator Migrator

	// Serialize defaults to ExportAttrs.
	Serialize func(obj T) (Attrs, error)

	// Deserialize defaults to ImportAttrs.
	Deserialize func(attrs Attrs) (T, error)
}

type finderFunc[T Entity] func(ctx context.Context, r *Repository[T], q IndexQuery) ([]T, error)

// EntityType is a defined entity type. Derived configuration is resolved
// once, on first use, and never changes afterwards.
type EntityType[T Entity] struct {
	def EntityDef[T]
	typ reflect.Type

	once        sync.Once
	collection  string
	migrator    Migrator
	serialize   func(obj T) (Attrs, error)
	deserialize func(attrs Attrs) (T, error)
	finders     map[string]finderFunc[T]
}

// DefineEntity validates def and returns the entity type. Invalid
// definitions panic.
func DefineEntity[T Entity](def EntityDef[T]) *EntityType[T] {
	typ := reflect.TypeFor[T]()
	if typ.Kind() != reflect.Pointer || typ.Elem().Kind() != reflect.Struct {
		panic(fmt.Errorf("entity type must be a pointer to a struct, got %v", typ))
	}
	seen := make(map[string]bool, len(def.Indexes))
	for _, idx := range def.Indexes {
		if idx.Field == "" {
			panic(fmt.Errorf("%v: index with empty field name", typ))
		}
		if seen[idx.Field] {
			panic(fmt.Errorf("%v: field %q indexed twice", typ, idx.Field))
		}
		seen[idx.Field] = true
	}
	def.Indexes = append([]Index[T](nil), def.Indexes...)
	return &EntityType[T]{def: def, typ: typ}
}

func (e *EntityType[T]) resolve() *EntityType[T] {
	e.once.Do(func() {
		e.collection = e.def.Collection
		if e.collection == "" {
			e.collection = CollectionName(e.typ)
		}

		e.migrator = e.def.Migrator
		if e.migrator == nil {
			e.migrator = IdentityMigrator
		}

		e.serialize = e.def.Serialize
		if e.serialize == nil {
			e.serialize = ExportAttrs[T]
		}
		e.deserialize = e.def.Deserialize
		if e.deserialize == nil {
			e.deserialize = ImportAttrs[T]
		}

		e.finders = make(map[string]finderFunc[T], len(e.def.Indexes)+2)
		for _, idx := range e.def.Indexes {
			e.finders[idx.Field] = indexFinder[T](idx.Field)
		}
		// Timestamps are always indexed and shadow declared fields of the same name.
		e.finders[FieldCreatedAt] = indexFinder[T](FieldCreatedAt)
		e.finders[FieldUpdatedAt] = indexFinder[T](FieldUpdatedAt)
	})
	return e
}

func indexFinder[T Entity](field string) finderFunc[T] {
	return func(ctx context.Context, r *Repository[T], q IndexQuery) ([]T, error) {
		return r.findByIndex(ctx, field, q)
	}
}

func (e *EntityType[T]) Collection() string {
	return e.resolve().collection
}

func (e *EntityType[T]) Encrypted() bool {
	return e.def.Encrypted
}

// IndexedFields returns the declared indexed fields in declaration order.
func (e *EntityType[T]) IndexedFields() []string {
	fields := make([]string, len(e.def.Indexes))
	for i, idx := range e.def.Indexes {
		fields[i] = idx.Field
	}
	return fields
}

// ShadowedIndexes lists declared indexed fields whose values are replaced by
// the canonical timestamps in every index map. Such a declaration is a
// configuration mistake; it is reported here rather than rejected.
func (e *EntityType[T]) ShadowedIndexes() []string {
	var result []string
	for _, idx := range e.def.Indexes {
		if idx.Field == FieldCreatedAt || idx.Field == FieldUpdatedAt {
			result = append(result, idx.Field)
		}
	}
	return result
}

// CollectionName derives a collection name from a Go type: the snake_case
// type name, pluralized. Pointer types use their element type.
func CollectionName(typ reflect.Type) string {
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	return inflection.Plural(strcase.ToSnake(typ.Name()))
}
