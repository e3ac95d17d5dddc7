package curator

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
)

// Migrator upgrades an attribute map of unknown age to the current shape.
//
// Migrate must be pure and idempotent, and must accept every map any past
// version of the entity ever stored. It must not modify its argument.
// Ambiguous input is an error, never a reason to drop fields.
type Migrator interface {
	Migrate(attrs Attrs) (Attrs, error)
}

type MigratorFunc func(attrs Attrs) (Attrs, error)

func (f MigratorFunc) Migrate(attrs Attrs) (Attrs, error) {
	return f(attrs)
}

// IdentityMigrator returns its input unchanged.
var IdentityMigrator Migrator = MigratorFunc(func(attrs Attrs) (Attrs, error) {
	return attrs, nil
})

// Step is one schema upgrade. Matches recognizes the shape the step upgrades
// from; Apply receives a private copy of the map and returns the upgraded one.
// After Apply, Matches must no longer hold.
type Step struct {
	Name    string
	Matches func(attrs Attrs) bool
	Apply   func(attrs Attrs) (Attrs, error)
}

type stepMigrator struct {
	steps []Step
}

// Steps returns a migrator running the matching steps in order.
func Steps(steps ...Step) Migrator {
	for i, s := range steps {
		if s.Matches == nil || s.Apply == nil {
			panic(fmt.Errorf("migration step %d (%q) needs Matches and Apply", i, s.Name))
		}
	}
	return &stepMigrator{steps: append([]Step(nil), steps...)}
}

func (m *stepMigrator) Migrate(attrs Attrs) (Attrs, error) {
	var copied bool
	for _, s := range m.steps {
		if !s.Matches(attrs) {
			continue
		}
		if !copied {
			attrs = maps.Clone(attrs)
			copied = true
		}
		out, err := s.Apply(attrs)
		if err != nil {
			return nil, &MigrationError{Step: s.Name, Err: err}
		}
		if out == nil {
			return nil, &MigrationError{Step: s.Name, Err: errors.New("step returned nil attributes")}
		}
		attrs = out
	}
	return attrs, nil
}

// RenameField moves oldName to newName. A map holding both names with
// different values cannot be interpreted and fails the migration.
func RenameField(oldName, newName string) Step {
	return Step{
		Name: "rename " + oldName + " to " + newName,
		Matches: func(attrs Attrs) bool {
			_, ok := attrs[oldName]
			return ok
		},
		Apply: func(attrs Attrs) (Attrs, error) {
			v := attrs[oldName]
			if cur, ok := attrs[newName]; ok && !reflect.DeepEqual(cur, v) {
				return nil, fmt.Errorf("both %q and %q are set", oldName, newName)
			}
			delete(attrs, oldName)
			attrs[newName] = v
			return attrs, nil
		},
	}
}

// DefaultField sets name to value when it is missing.
func DefaultField(name string, value any) Step {
	return Step{
		Name: "default " + name,
		Matches: func(attrs Attrs) bool {
			_, ok := attrs[name]
			return !ok
		},
		Apply: func(attrs Attrs) (Attrs, error) {
			attrs[name] = value
			return attrs, nil
		},
	}
}

// ConvertField rewrites name with convert when isOld recognizes its value as
// an old representation.
func ConvertField(name string, isOld func(v any) bool, convert func(v any) (any, error)) Step {
	return Step{
		Name: "convert " + name,
		Matches: func(attrs Attrs) bool {
			v, ok := attrs[name]
			return ok && isOld(v)
		},
		Apply: func(attrs Attrs) (Attrs, error) {
			v, err := convert(attrs[name])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			attrs[name] = v
			return attrs, nil
		},
	}
}

func migrationFailure(coll, key string, err error) error {
	var me *MigrationError
	if errors.As(err, &me) {
		cp := *me
		if cp.Collection == "" {
			cp.Collection = coll
		}
		if cp.Key == "" {
			cp.Key = key
		}
		return &cp
	}
	return &MigrationError{Collection: coll, Key: key, Err: err}
}
