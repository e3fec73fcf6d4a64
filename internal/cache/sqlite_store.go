package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_namespaces (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_entries (
	namespace     TEXT    NOT NULL REFERENCES cache_namespaces(name) ON DELETE CASCADE,
	cache_key     TEXT    NOT NULL,
	method        TEXT    NOT NULL,
	url           TEXT    NOT NULL,
	status        INTEGER NOT NULL,
	header_json   TEXT    NOT NULL,
	response_type TEXT    NOT NULL,
	body          BLOB    NOT NULL,
	stored_at     INTEGER NOT NULL,
	PRIMARY KEY (namespace, cache_key)
);`

// sqliteStore 把所有命名空间放在同一个数据库文件中。
type sqliteStore struct {
	db *sql.DB
}

// OpenSQLiteStore 在 dir/cache.db 打开（或创建）SQLite 缓存。
func OpenSQLiteStore(dir string) (Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	dsn := filepath.Join(filepath.Clean(dir), "cache.db") +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接串行化写事务，避免并发预缓存触发 SQLITE_BUSY。
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Open(ctx context.Context, namespace string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	return ensureNamespace(ctx, s.db, namespace)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func ensureNamespace(ctx context.Context, db execer, namespace string) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_namespaces (name, created_at) VALUES (?, ?)`,
		namespace, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("open namespace: %w", err)
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, namespace, key string) (*Entry, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT cache_key, method, url, status, header_json, response_type, body, stored_at
		 FROM cache_entries
		 WHERE namespace = ? AND cache_key = ?`,
		namespace, key,
	)

	var (
		entry      Entry
		headerJSON string
		storedAt   int64
	)
	if err := row.Scan(
		&entry.Key,
		&entry.Method,
		&entry.URL,
		&entry.Status,
		&headerJSON,
		&entry.Type,
		&entry.Body,
		&storedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get cache entry: %w", err)
	}

	entry.Header = http.Header{}
	if err := json.Unmarshal([]byte(headerJSON), &entry.Header); err != nil {
		return nil, fmt.Errorf("decode cache header: %w", err)
	}
	entry.StoredAt = time.UnixMilli(storedAt).UTC()
	if entry.Body == nil {
		entry.Body = []byte{}
	}
	return &entry, nil
}

func (s *sqliteStore) Put(ctx context.Context, namespace string, entry Entry) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	if entry.Key == "" {
		return ErrKeyRequired
	}

	header := entry.Header
	if header == nil {
		header = http.Header{}
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode cache header: %w", err)
	}
	body := entry.Body
	if body == nil {
		body = []byte{}
	}
	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureNamespace(ctx, tx, namespace); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cache_entries (namespace, cache_key, method, url, status, header_json, response_type, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(namespace, cache_key) DO UPDATE SET
			method = excluded.method,
			url = excluded.url,
			status = excluded.status,
			header_json = excluded.header_json,
			response_type = excluded.response_type,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		namespace, entry.Key, entry.Method, entry.URL, entry.Status,
		string(headerJSON), entry.Type, body, storedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return tx.Commit()
}

func (s *sqliteStore) Delete(ctx context.Context, namespace string) (bool, error) {
	if err := validateNamespace(namespace); err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE namespace = ?`, namespace); err != nil {
		return false, fmt.Errorf("delete cache entries: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM cache_namespaces WHERE name = ?`, namespace)
	if err != nil {
		return false, fmt.Errorf("delete namespace: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStore) ListNamespaces(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `SELECT name FROM cache_namespaces ORDER BY name`)
}

func (s *sqliteStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	return s.queryStrings(ctx,
		`SELECT cache_key FROM cache_entries WHERE namespace = ? ORDER BY cache_key`, namespace)
}

func (s *sqliteStore) queryStrings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
