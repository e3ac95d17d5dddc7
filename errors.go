package curator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMigration is matched by every *MigrationError.
	ErrMigration = errors.New("migration failed")

	// ErrUnknownIndex is returned when querying a field that the entity does not index.
	ErrUnknownIndex = errors.New("field is not indexed")

	// ErrNoID is returned when an operation requires an object that has been saved.
	ErrNoID = errors.New("object has no id")

	// ErrNoKeyProvider is returned when an encrypted entity has no key provider.
	ErrNoKeyProvider = errors.New("encrypted entity requires a key provider")

	// ErrBadTimestamp is returned when a stored timestamp cannot be parsed.
	ErrBadTimestamp = errors.New("invalid timestamp")
)

// DataError reports undecodable stored bytes. Off is the position of the
// failure within Data.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{Data: data, Off: off, Err: err, Msg: fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const head, tail = 64, 32
	var buf strings.Builder
	buf.WriteString(e.Msg)
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	n := len(e.Data)
	fmt.Fprintf(&buf, ": (%d) ", n)
	if n <= head+tail {
		fmt.Fprintf(&buf, "%x", e.Data)
	} else {
		fmt.Fprintf(&buf, "%x...%x", e.Data[:head], e.Data[n-tail:])
	}
	return buf.String()
}

// CollectionError describes a failure tied to a collection, and optionally
// to a field and a record key.
type CollectionError struct {
	Collection string
	Field      string
	Key        string
	Msg        string
	Err        error
}

func collErrf(coll, field, key string, err error, format string, args ...any) error {
	return &CollectionError{coll, field, key, fmt.Sprintf(format, args...), err}
}

func (e *CollectionError) Unwrap() error {
	return e.Err
}

func (e *CollectionError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Collection)
	if e.Field != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Field)
	}
	if e.Key != "" {
		buf.WriteByte('/')
		buf.WriteString(e.Key)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// MigrationError reports a stored attribute map that the collection's
// migrator could not interpret.
type MigrationError struct {
	Collection string
	Key        string
	Step       string
	Err        error
}

func (e *MigrationError) Is(target error) bool {
	return target == ErrMigration
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

func (e *MigrationError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Collection)
	if e.Key != "" {
		buf.WriteByte('/')
		buf.WriteString(e.Key)
	}
	buf.WriteString(": migration")
	if e.Step != "" {
		buf.WriteString(" step ")
		buf.WriteString(e.Step)
	}
	buf.WriteString(" failed")
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}
