// Package localstate reads and writes the on-disk state the local runtime
// host keeps for KV namespaces.
package localstate

import (
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

// MaxValueSize is the maximum size of a KV value (25 MiB, as in production).
const MaxValueSize = 25 << 20

// MaxKeySize is the maximum length of a KV key in bytes.
const MaxKeySize = 512

// ValueWithMetadata holds a value and its associated metadata.
type ValueWithMetadata struct {
	Value    string
	Metadata *string
}

// ListKey is one entry of a List result.
type ListKey struct {
	Name       string  `json:"name"`
	Expiration *int64  `json:"expiration,omitempty"`
	Metadata   *string `json:"metadata,omitempty"`
}

// ListResult holds a page of keys.
type ListResult struct {
	Keys         []ListKey `json:"keys"`
	ListComplete bool      `json:"list_complete"`
	Cursor       string    `json:"cursor,omitempty"` // empty when the list is complete
}

// KV is one KV namespace stored in its own SQLite file.
type KV struct {
	db      *sql.DB
	Binding string
	now     func() time.Time
}

const kvSchema = `CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	metadata TEXT,
	expires_at INTEGER
)`

// ValidateBindingName rejects binding names that could escape the state
// directory.
func ValidateBindingName(name string) error {
	if name == "" {
		return fmt.Errorf("binding name must not be empty")
	}
	if len(name) > 128 {
		return fmt.Errorf("binding name too long")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("binding name contains path traversal")
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("binding name contains path separator")
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("binding name contains null byte")
	}
	return nil
}

// OpenKV opens (or creates) the namespace for binding under dir. The file is
// stored at {dir}/{binding}.sqlite3.
func OpenKV(dir, binding string) (*KV, error) {
	if err := ValidateBindingName(binding); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating KV directory: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, binding+".sqlite3"))
	if err != nil {
		return nil, fmt.Errorf("opening KV namespace %q: %w", binding, err)
	}
	// WAL lets the runtime host and the CLI read concurrently.
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	return newKV(db, binding)
}

// OpenKVMemory opens an in-memory namespace for tests.
func OpenKVMemory(binding string) (*KV, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory KV namespace: %w", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	return newKV(db, binding)
}

func newKV(db *sql.DB, binding string) (*KV, error) {
	if _, err := db.Exec(kvSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating KV schema: %w", err)
	}
	return &KV{db: db, Binding: binding, now: time.Now}, nil
}

// Close closes the underlying database.
func (kv *KV) Close() error {
	if kv.db != nil {
		return kv.db.Close()
	}
	return nil
}

// Get returns the value for key, or nil when it is missing or expired.
func (kv *KV) Get(key string) (*string, error) {
	v, err := kv.GetWithMetadata(key)
	if err != nil || v == nil {
		return nil, err
	}
	return &v.Value, nil
}

// GetWithMetadata returns the value and metadata for key.
func (kv *KV) GetWithMetadata(key string) (*ValueWithMetadata, error) {
	var (
		value     []byte
		metadata  sql.NullString
		expiresAt sql.NullInt64
	)
	err := kv.db.QueryRow("SELECT value, metadata, expires_at FROM kv WHERE key = ?", key).
		Scan(&value, &metadata, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("KV get %q: %w", key, err)
	}
	if expiresAt.Valid && expiresAt.Int64 <= kv.now().Unix() {
		_, _ = kv.db.Exec("DELETE FROM kv WHERE key = ?", key)
		return nil, nil
	}
	out := &ValueWithMetadata{Value: string(value)}
	if metadata.Valid {
		m := metadata.String
		out.Metadata = &m
	}
	return out, nil
}

// Put stores value under key. ttl is in seconds; nil means no expiry.
func (kv *KV) Put(key, value string, metadata *string, ttl *int) error {
	if key == "" {
		return fmt.Errorf("KV put: key must not be empty")
	}
	if len(key) > MaxKeySize {
		return fmt.Errorf("KV put: key longer than %d bytes", MaxKeySize)
	}
	if len(value) > MaxValueSize {
		return fmt.Errorf("KV put: value exceeds %d bytes", MaxValueSize)
	}
	var expiresAt sql.NullInt64
	if ttl != nil {
		if *ttl < 60 {
			return fmt.Errorf("KV put: expiration_ttl must be at least 60 seconds")
		}
		expiresAt = sql.NullInt64{Int64: kv.now().Unix() + int64(*ttl), Valid: true}
	}
	var meta sql.NullString
	if metadata != nil {
		meta = sql.NullString{String: *metadata, Valid: true}
	}
	_, err := kv.db.Exec(`INSERT INTO kv (key, value, metadata, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, metadata = excluded.metadata, expires_at = excluded.expires_at`,
		key, []byte(value), meta, expiresAt)
	if err != nil {
		return fmt.Errorf("KV put %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (kv *KV) Delete(key string) error {
	if _, err := kv.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("KV delete %q: %w", key, err)
	}
	return nil
}

// List returns up to limit live keys starting with prefix, in key order.
func (kv *KV) List(prefix string, limit int, cursor string) (*ListResult, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	offset := decodeCursor(cursor)
	rows, err := kv.db.Query(`SELECT key, metadata, expires_at FROM kv
		WHERE key LIKE ? ESCAPE '\' AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY key LIMIT ? OFFSET ?`,
		escapeLike(prefix)+"%", kv.now().Unix(), limit+1, offset)
	if err != nil {
		return nil, fmt.Errorf("KV list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	res := &ListResult{}
	for rows.Next() {
		var (
			k         string
			metadata  sql.NullString
			expiresAt sql.NullInt64
		)
		if err := rows.Scan(&k, &metadata, &expiresAt); err != nil {
			return nil, fmt.Errorf("KV list: %w", err)
		}
		entry := ListKey{Name: k}
		if metadata.Valid {
			m := metadata.String
			entry.Metadata = &m
		}
		if expiresAt.Valid {
			e := expiresAt.Int64
			entry.Expiration = &e
		}
		res.Keys = append(res.Keys, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("KV list: %w", err)
	}

	if len(res.Keys) > limit {
		res.Keys = res.Keys[:limit]
		res.Cursor = encodeCursor(offset + limit)
	} else {
		res.ListComplete = true
	}
	return res, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// decodeCursor decodes a base64-encoded cursor to an integer offset.
func decodeCursor(cursor string) int {
	if cursor == "" {
		return 0
	}
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0
	}
	offset, err := strconv.Atoi(string(data))
	if err != nil {
		return 0
	}
	return offset
}

// encodeCursor encodes an integer offset to a base64 cursor string.
func encodeCursor(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}
