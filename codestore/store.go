// Package codestore persists compiled code units, keyed by the SHA-256 of
// their canonical wire form.
package codestore

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/jritten/rubinius/vm/image"
)

// ErrNotFound indicates the requested code unit is not in the store.
var ErrNotFound = errors.New("code unit not found")

// Store is a content-addressed sqlite store for code units. The same unit
// always hashes to the same key because the wire form is canonical CBOR.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) a store at the given path. Use ":memory:" for an
// ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening code store: %w", err)
	}

	// Busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS code_units (
		hash TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		data BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating code_units table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Hash returns the content hash of a code unit's wire form.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores a code unit and returns its content hash. Storing the same
// unit twice is a no-op.
func (s *Store) Put(unit *image.CodeUnit) (string, error) {
	data, err := image.Marshal(unit)
	if err != nil {
		return "", err
	}
	hash := Hash(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO code_units (hash, name, data) VALUES (?, ?, ?)`,
		hash, unit.Name, data)
	if err != nil {
		return "", fmt.Errorf("storing code unit %s: %w", unit.Name, err)
	}
	return hash, nil
}

// Get retrieves a code unit by content hash.
func (s *Store) Get(hash string) (*image.CodeUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	err := s.db.QueryRow(`SELECT data FROM code_units WHERE hash = ?`, hash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading code unit %s: %w", hash, err)
	}
	return image.Unmarshal(data)
}

// Has reports whether the store contains the given hash.
func (s *Store) Has(hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var one int
	err := s.db.QueryRow(`SELECT 1 FROM code_units WHERE hash = ?`, hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Names lists the stored units as hash/name pairs.
func (s *Store) Names() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT hash, name FROM code_units`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var hash, name string
		if err := rows.Scan(&hash, &name); err != nil {
			return nil, err
		}
		out[hash] = name
	}
	return out, rows.Err()
}
