// Package prefstore provides the fail-closed encrypted preference store.
//
// It holds lock, credential, and failure-counter state in a small SQLite
// database that lives outside the main protected data store, so it stays
// readable before a PIN has been entered and survives destruction of that
// store. Record values are cbor-encoded and encrypted with a managed key;
// record keys carry a version suffix (e.g. "pin.v1") so a future KDF
// parameter change can coexist with old records during migration.
package prefstore

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/MaxwellDPS/Flock-You-Android-sub013/memzero"
)

var (
	// ErrSecureStorageCreation marks a fail-closed initialization
	// failure. Callers must refuse to run rather than fall back to
	// unencrypted storage.
	ErrSecureStorageCreation = errors.New("prefstore: secure storage creation failed")

	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("prefstore: record not found")
)

// Cipher is the encryption surface the store needs. Satisfied by
// *keystore.ManagedKey.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(blob []byte) ([]byte, error)
}

// Store is an encrypted key/value preference store.
type Store struct {
	db     *sql.DB
	cipher Cipher
	path   string
	mu     sync.Mutex
}

// Open opens (or creates) the store at path. Any initialization failure
// is wrapped in ErrSecureStorageCreation.
func Open(path string, cipher Cipher) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecureStorageCreation, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: pragma %q: %v", ErrSecureStorageCreation, pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS records (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Monotonic write counter, surfaced for audit display.
	CREATE TABLE IF NOT EXISTS _metadata (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: schema: %v", ErrSecureStorageCreation, err)
	}
	if _, err := db.Exec(
		`INSERT OR IGNORE INTO _metadata (key, value, updated_at) VALUES ('write_counter', '0', ?)`,
		time.Now().Unix(),
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: metadata: %v", ErrSecureStorageCreation, err)
	}

	log.Debug().Str("path", path).Msg("Preference store opened")
	return &Store{db: db, cipher: cipher, path: path}, nil
}

// Put encodes rec, encrypts it, and upserts it under key.
func (s *Store) Put(key string, rec interface{}) error {
	plaintext, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("prefstore: encoding failed for %q: %w", key, err)
	}
	defer memzero.Zero(plaintext)

	blob, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("prefstore: encryption failed for %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	if _, err := s.db.Exec(
		`INSERT INTO records (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, blob, now,
	); err != nil {
		return fmt.Errorf("prefstore: write failed for %q: %w", key, err)
	}
	if _, err := s.db.Exec(
		`UPDATE _metadata SET value = CAST(CAST(value AS INTEGER) + 1 AS TEXT), updated_at = ? WHERE key = 'write_counter'`,
		now,
	); err != nil {
		log.Warn().Err(err).Msg("Failed to bump preference write counter")
	}
	return nil
}

// Get decrypts and decodes the record under key into out.
func (s *Store) Get(key string, out interface{}) error {
	s.mu.Lock()
	var blob []byte
	err := s.db.QueryRow(`SELECT value FROM records WHERE key = ?`, key).Scan(&blob)
	s.mu.Unlock()

	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("prefstore: read failed for %q: %w", key, err)
	}

	plaintext, err := s.cipher.Decrypt(blob)
	if err != nil {
		return fmt.Errorf("prefstore: decryption failed for %q: %w", key, err)
	}
	defer memzero.Zero(plaintext)

	if err := cbor.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("prefstore: decoding failed for %q: %w", key, err)
	}
	return nil
}

// Delete removes the record under key. Missing records are not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM records WHERE key = ?`, key); err != nil {
		return fmt.Errorf("prefstore: delete failed for %q: %w", key, err)
	}
	return nil
}

// WriteCounter returns the monotonic write counter.
func (s *Store) WriteCounter() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value int64
	if err := s.db.QueryRow(
		`SELECT CAST(value AS INTEGER) FROM _metadata WHERE key = 'write_counter'`,
	).Scan(&value); err != nil {
		return 0
	}
	return value
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
