package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Accessor reads and writes opaque blobs by key. Both KV and Tx implement
// it so callers can run the same code inside or outside a transaction.
type Accessor interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// KV is a durable key-value table, one row per key.
type KV struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewKV creates a KV over an opened database.
func NewKV(db *DB) *KV {
	return &KV{db: db.DB, now: time.Now}
}

type queryer interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func get(ctx context.Context, q queryer, key string) ([]byte, bool, error) {
	var value []byte
	err := q.GetContext(ctx, &value, "SELECT value FROM kv WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func put(ctx context.Context, q queryer, key string, value []byte, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now.Unix())
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func del(ctx context.Context, q queryer, key string) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Get returns the value stored under key.
func (kv *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return get(ctx, kv.db, key)
}

// Put stores value under key, replacing any previous value.
func (kv *KV) Put(ctx context.Context, key string, value []byte) error {
	return put(ctx, kv.db, key, value, kv.now())
}

// Delete removes key. Deleting a missing key is not an error.
func (kv *KV) Delete(ctx context.Context, key string) error {
	return del(ctx, kv.db, key)
}

// Keys lists keys with the given prefix in lexical order.
func (kv *KV) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := kv.db.SelectContext(ctx, &keys,
		"SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key", len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// Size returns the total byte size of stored values.
func (kv *KV) Size(ctx context.Context) (int64, error) {
	var size int64
	if err := kv.db.GetContext(ctx, &size, "SELECT COALESCE(SUM(length(value)), 0) FROM kv"); err != nil {
		return 0, fmt.Errorf("size: %w", err)
	}
	return size, nil
}

// Tx is a KV view bound to an open transaction.
type Tx struct {
	tx  *sqlx.Tx
	now time.Time
}

// Get returns the value stored under key as seen by the transaction.
func (t *Tx) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return get(ctx, t.tx, key)
}

// Put stores value under key within the transaction.
func (t *Tx) Put(ctx context.Context, key string, value []byte) error {
	return put(ctx, t.tx, key, value, t.now)
}

// Delete removes key within the transaction.
func (t *Tx) Delete(ctx context.Context, key string) error {
	return del(ctx, t.tx, key)
}

// Update runs fn in a transaction. Every write made through the Tx commits
// together or not at all. fn must not use the KV itself: the pool holds a
// single connection, so doing so would block until the transaction ends.
func (kv *KV) Update(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := kv.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx, now: kv.now()}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
