package localstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteRepository stores records as rows of a single kv table.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the SQLite database at path.
func OpenSQLite(path string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Keep sqlite responsive under contention.
	_, _ = db.Exec("PRAGMA busy_timeout = 5000;")
	_, _ = db.Exec("PRAGMA journal_mode = WAL;")

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		name  TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Get(name string) ([]byte, error) {
	return sqliteGet(r.db, name)
}

func (r *SQLiteRepository) Update(fn func(tx Tx) error) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(sqliteTx{tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func sqliteGet(q queryRower, name string) ([]byte, error) {
	var v []byte
	err := q.QueryRow(`SELECT value FROM kv WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", name, err)
	}
	return v, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t sqliteTx) Get(name string) ([]byte, error) {
	return sqliteGet(t.tx, name)
}

func (t sqliteTx) Put(name string, value []byte) error {
	_, err := t.tx.Exec(
		`INSERT INTO kv(name, value) VALUES(?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		name, value,
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	return nil
}

func (t sqliteTx) Delete(name string) error {
	if _, err := t.tx.Exec(`DELETE FROM kv WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}
