// Package sqlitestore provides a SQLite-backed curator.Store.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/drouchy/curator"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	key TEXT NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (collection, key)
);
CREATE TABLE IF NOT EXISTS index_entries (
	collection TEXT NOT NULL,
	field TEXT NOT NULL,
	value BLOB NOT NULL,
	key TEXT NOT NULL,
	PRIMARY KEY (collection, field, value, key)
);
CREATE INDEX IF NOT EXISTS index_entries_by_key ON index_entries (collection, key);
`

type Options struct {
	Logf    func(format string, args ...any)
	Verbose bool
}

// Store persists curator records in SQLite. Records hold msgpack-encoded
// attribute maps; index entries hold curator.EncodeIndexValue bytes, whose
// BLOB ordering is the index order.
type Store struct {
	sqlDB   *sql.DB
	logf    func(format string, args ...any)
	verbose bool
}

var _ curator.Store = (*Store)(nil)

// Open opens a SQLite database and creates the curator tables.
func Open(ctx context.Context, dsn string, opt Options) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases shared.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	if opt.Logf == nil {
		opt.Logf = func(format string, args ...any) {
			slog.Debug(fmt.Sprintf(format, args...))
		}
	}
	return &Store{sqlDB: sqlDB, logf: opt.Logf, verbose: opt.Verbose}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.sqlDB
}

func (s *Store) Save(ctx context.Context, req curator.SaveRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Collection == "" {
		return "", errors.New("collection is required")
	}
	data, err := curator.EncodeAttrs(req.Value)
	if err != nil {
		return "", fmt.Errorf("encode %s/%s: %w", req.Collection, req.Key, err)
	}
	type entry struct {
		field string
		value []byte
	}
	entries := make([]entry, 0, len(req.Index))
	for field, v := range req.Index {
		raw, err := curator.EncodeIndexValue(v)
		if err != nil {
			return "", fmt.Errorf("encode %s.%s: %w", req.Collection, field, err)
		}
		entries = append(entries, entry{field, raw})
	}

	key := req.Key
	if key == "" {
		key = uuid.NewString()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("start save transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (collection, key, data) VALUES (?, ?, ?)
		 ON CONFLICT (collection, key) DO UPDATE SET data = excluded.data`,
		req.Collection, key, data)
	if err != nil {
		return "", fmt.Errorf("put record %s/%s: %w", req.Collection, key, err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM index_entries WHERE collection = ? AND key = ?`,
		req.Collection, key)
	if err != nil {
		return "", fmt.Errorf("delete index entries %s/%s: %w", req.Collection, key, err)
	}
	for _, e := range entries {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO index_entries (collection, field, value, key) VALUES (?, ?, ?, ?)`,
			req.Collection, e.field, e.value, key)
		if err != nil {
			return "", fmt.Errorf("put index entry %s.%s/%s: %w", req.Collection, e.field, key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit save: %w", err)
	}
	if s.verbose {
		s.logf("sqlite: PUT %s/%s => %d bytes, %d index entries", req.Collection, key, len(data), len(entries))
	}
	return key, nil
}

// Delete removes a record and its index entries. Missing records are ignored.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start delete transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM index_entries WHERE collection = ? AND key = ?`, collection, key); err != nil {
		return fmt.Errorf("delete index entries %s/%s: %w", collection, key, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND key = ?`, collection, key)
	if err != nil {
		return fmt.Errorf("delete record %s/%s: %w", collection, key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	if s.verbose {
		if n, _ := res.RowsAffected(); n > 0 {
			s.logf("sqlite: DELETE %s/%s", collection, key)
		} else {
			s.logf("sqlite: DELETE.NOOP %s/%s", collection, key)
		}
	}
	return nil
}

// FindByKey returns the record stored under key, or nil.
func (s *Store) FindByKey(ctx context.Context, collection, key string) (*curator.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT data FROM records WHERE collection = ? AND key = ?`,
		collection, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s/%s: %w", collection, key, err)
	}
	attrs, err := curator.DecodeAttrs(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return &curator.Record{Key: key, Data: attrs}, nil
}

// FindByIndex returns the records matching q, ordered by index value and then
// by key.
func (s *Store) FindByIndex(ctx context.Context, collection, field string, q curator.IndexQuery) ([]curator.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := `SELECT r.key, r.data
FROM index_entries i
JOIN records r ON r.collection = i.collection AND r.key = i.key
WHERE i.collection = ? AND i.field = ?`
	args := []any{collection, field}

	if !q.IsRange {
		v, err := curator.EncodeIndexValue(q.Value)
		if err != nil {
			return nil, fmt.Errorf("encode %s.%s: %w", collection, field, err)
		}
		query += ` AND i.value = ?`
		args = append(args, v)
	} else {
		if q.Lower != nil {
			v, err := curator.EncodeIndexValue(q.Lower)
			if err != nil {
				return nil, fmt.Errorf("encode %s.%s: %w", collection, field, err)
			}
			query += ` AND i.value >= ?`
			args = append(args, v)
		}
		if q.Upper != nil {
			v, err := curator.EncodeIndexValue(q.Upper)
			if err != nil {
				return nil, fmt.Errorf("encode %s.%s: %w", collection, field, err)
			}
			query += ` AND i.value <= ?`
			args = append(args, v)
		}
	}
	query += ` ORDER BY i.value ASC, i.key ASC`

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s.%s: %w", collection, field, err)
	}
	defer rows.Close()

	var result []curator.Record
	for rows.Next() {
		var key string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return nil, fmt.Errorf("scan %s.%s: %w", collection, field, err)
		}
		attrs, err := curator.DecodeAttrs(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, key, err)
		}
		result = append(result, curator.Record{Key: key, Data: attrs})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s.%s: %w", collection, field, err)
	}
	if s.verbose {
		s.logf("sqlite: SCAN %s.%s %v => %d", collection, field, q, len(result))
	}
	return result, nil
}
