package confstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tianshanos/tianshan-core/internal/infrastructure/database"
)

// ErrUnsupported is returned by backends for operations they do not
// implement.
var ErrUnsupported = errors.New("confstore: operation not supported by backend")

// Backend is the capability set shared by non-volatile stores. Records
// are addressed by (namespace, key) and hold opaque blobs; Commit makes
// preceding writes durable on backends that buffer.
type Backend interface {
	Name() string
	Priority() int
	Init() error
	Deinit() error
	Get(namespace, key string) ([]byte, error)
	Set(namespace, key string, value []byte) error
	Erase(namespace, key string) error
	Exists(namespace, key string) bool
	Clear(namespace string) error
	Commit() error
}

// commitTimeout bounds a single KV statement against the database.
const commitTimeout = time.Second

// SQLiteBackend stores records in the kv_store table. It stands in for
// the NVS flash partition: SQLite commits on every statement, so Commit
// is satisfied trivially.
type SQLiteBackend struct {
	db *database.DB
}

// NewSQLiteBackend wraps an open database as a KV backend.
func NewSQLiteBackend(db *database.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

// Name identifies the backend in logs and source reporting.
func (b *SQLiteBackend) Name() string { return "nv" }

// Priority matches SourceNonVolatile.
func (b *SQLiteBackend) Priority() int { return SourceNonVolatile.Priority() }

// Init verifies the database is reachable.
func (b *SQLiteBackend) Init() error {
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()
	return b.db.HealthCheck(ctx)
}

// Deinit is a no-op; the database is owned by the caller.
func (b *SQLiteBackend) Deinit() error { return nil }

// Get returns the blob stored under (namespace, key).
func (b *SQLiteBackend) Get(namespace, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	var value []byte
	err := b.db.QueryRowContext(ctx,
		"SELECT value FROM kv_store WHERE namespace = ? AND key = ?",
		namespace, key,
	).Scan(&value)
	if err != nil {
		return nil, ErrNotFound
	}
	return value, nil
}

// Set stores a blob under (namespace, key), overwriting any prior value.
func (b *SQLiteBackend) Set(namespace, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO kv_store (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, namespace, key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("kv set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Erase removes a record; a missing record is not an error.
func (b *SQLiteBackend) Erase(namespace, key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	_, err := b.db.ExecContext(ctx,
		"DELETE FROM kv_store WHERE namespace = ? AND key = ?",
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("kv erase %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Exists reports whether a record is present.
func (b *SQLiteBackend) Exists(namespace, key string) bool {
	_, err := b.Get(namespace, key)
	return err == nil
}

// Clear removes every record in a namespace.
func (b *SQLiteBackend) Clear(namespace string) error {
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	_, err := b.db.ExecContext(ctx,
		"DELETE FROM kv_store WHERE namespace = ?", namespace,
	)
	if err != nil {
		return fmt.Errorf("kv clear %s: %w", namespace, err)
	}
	return nil
}

// Commit is a no-op; SQLite commits per statement.
func (b *SQLiteBackend) Commit() error { return nil }

// MemoryBackend is an in-memory Backend used by tests and by ephemeral
// deployments without persistent storage.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string][]byte)}
}

func memKey(namespace, key string) string { return namespace + "\x00" + key }

// Name identifies the backend.
func (b *MemoryBackend) Name() string { return "memory" }

// Priority matches SourceNonVolatile so it can substitute for flash.
func (b *MemoryBackend) Priority() int { return SourceNonVolatile.Priority() }

// Init is a no-op.
func (b *MemoryBackend) Init() error { return nil }

// Deinit drops all records.
func (b *MemoryBackend) Deinit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = make(map[string][]byte)
	return nil
}

// Get returns the stored blob or ErrNotFound.
func (b *MemoryBackend) Get(namespace, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.records[memKey(namespace, key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set stores a copy of the blob.
func (b *MemoryBackend) Set(namespace, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	b.records[memKey(namespace, key)] = v
	return nil
}

// Erase removes a record.
func (b *MemoryBackend) Erase(namespace, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, memKey(namespace, key))
	return nil
}

// Exists reports whether a record is present.
func (b *MemoryBackend) Exists(namespace, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.records[memKey(namespace, key)]
	return ok
}

// Clear removes every record in a namespace.
func (b *MemoryBackend) Clear(namespace string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	prefix := namespace + "\x00"
	for k := range b.records {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(b.records, k)
		}
	}
	return nil
}

// Commit is a no-op.
func (b *MemoryBackend) Commit() error { return nil }
