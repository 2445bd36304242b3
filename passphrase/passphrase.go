// Package passphrase manages the symmetric passphrase protecting the main
// encrypted data store: generation, encryption at rest under a managed
// key, and migration from the legacy unprotected key layout.
package passphrase

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/MaxwellDPS/Flock-You-Android-sub013/keystore"
	"github.com/MaxwellDPS/Flock-You-Android-sub013/memzero"
	"github.com/MaxwellDPS/Flock-You-Android-sub013/prefstore"
)

const (
	// KeyAlias is the managed key protecting the passphrase at rest.
	KeyAlias = "storepass"

	// recordKey is versioned so a future scheme change can migrate
	// record-by-record.
	recordKey = "storepass.v1"

	// PassphraseLen is the passphrase size: 256 bits.
	PassphraseLen = 32

	legacyKeyFile  = "legacy-storepass.key"
	legacyBlobFile = "legacy-storepass.blob"
)

// record is the persisted passphrase envelope. TierLabel is stored purely
// for user-facing audit display; it is derived from the key service and
// never trusted as an input.
type record struct {
	Version   int    `cbor:"1,keyasint"`
	Blob      []byte `cbor:"2,keyasint"`
	TierLabel string `cbor:"3,keyasint"`
	CreatedAt int64  `cbor:"4,keyasint"`
}

// Manager produces and protects the store passphrase.
type Manager struct {
	keys      *keystore.Service
	store     *prefstore.Store
	legacyDir string
}

// New creates a passphrase manager. legacyDir is scanned for material
// written by versions that predate the hardware-backed key hierarchy.
func New(keys *keystore.Service, store *prefstore.Store, legacyDir string) *Manager {
	return &Manager{keys: keys, store: store, legacyDir: legacyDir}
}

// GetOrCreatePassphrase returns the store passphrase, decrypting the
// persisted envelope with the current managed key. On decryption failure
// it attempts a one-time migration from the legacy unprotected key; if no
// legacy material exists or migration fails, a fresh passphrase is
// generated and persisted. Previously encrypted data becomes
// unrecoverable; the trade is forensic recovery for availability of the
// lock feature.
//
// SECURITY: The caller must zero the returned bytes immediately after
// handing them to the storage-open call.
func (m *Manager) GetOrCreatePassphrase(ctx context.Context) ([]byte, error) {
	key, err := m.keys.GetOrCreateKey(ctx, KeyAlias, keystore.Profile{
		RequireDeviceUnlocked: true,
	})
	if err != nil {
		return nil, fmt.Errorf("passphrase: key unavailable: %w", err)
	}

	var rec record
	err = m.store.Get(recordKey, &rec)
	switch {
	case err == nil:
		pass, decErr := key.Decrypt(rec.Blob)
		if decErr == nil {
			return pass, nil
		}
		log.Warn().Err(decErr).Msg("Stored passphrase undecryptable, attempting legacy migration")
	case errors.Is(err, prefstore.ErrNotFound):
		// First run under this hierarchy; legacy material may exist.
	default:
		return nil, fmt.Errorf("passphrase: record read failed: %w", err)
	}

	if pass, ok := m.migrateLegacy(key); ok {
		return pass, nil
	}

	return m.regenerate(key)
}

// SecurityLabel returns the persisted tier label for audit display.
func (m *Manager) SecurityLabel() string {
	var rec record
	if err := m.store.Get(recordKey, &rec); err != nil {
		return keystore.TierSoftware.String()
	}
	return rec.TierLabel
}

// migrateLegacy decrypts the legacy blob with the legacy unprotected key,
// re-encrypts under the current managed key, and deletes the legacy files.
func (m *Manager) migrateLegacy(key *keystore.ManagedKey) ([]byte, bool) {
	legacyKey, err := os.ReadFile(filepath.Join(m.legacyDir, legacyKeyFile))
	if err != nil {
		return nil, false
	}
	defer memzero.Zero(legacyKey)

	legacyBlob, err := os.ReadFile(filepath.Join(m.legacyDir, legacyBlobFile))
	if err != nil {
		return nil, false
	}

	pass, err := openLegacyBlob(legacyKey, legacyBlob)
	if err != nil {
		log.Warn().Err(err).Msg("Legacy passphrase migration failed")
		return nil, false
	}

	if err := m.persist(key, pass); err != nil {
		log.Error().Err(err).Msg("Failed to persist migrated passphrase")
		memzero.Zero(pass)
		return nil, false
	}

	os.Remove(filepath.Join(m.legacyDir, legacyKeyFile))
	os.Remove(filepath.Join(m.legacyDir, legacyBlobFile))

	log.Info().Msg("Store passphrase migrated from legacy key to managed key hierarchy")
	return pass, true
}

func (m *Manager) regenerate(key *keystore.ManagedKey) ([]byte, error) {
	pass := make([]byte, PassphraseLen)
	if _, err := rand.Read(pass); err != nil {
		return nil, fmt.Errorf("passphrase: generation failed: %w", err)
	}
	if err := m.persist(key, pass); err != nil {
		memzero.Zero(pass)
		return nil, err
	}

	log.Warn().
		Str("tier", key.Tier().String()).
		Msg("Generated fresh store passphrase; any previously encrypted data is unrecoverable")
	return pass, nil
}

func (m *Manager) persist(key *keystore.ManagedKey, pass []byte) error {
	blob, err := key.Encrypt(pass)
	if err != nil {
		return fmt.Errorf("passphrase: encryption failed: %w", err)
	}
	rec := record{
		Version:   1,
		Blob:      blob,
		TierLabel: m.keys.KeyTier(KeyAlias).String(),
		CreatedAt: time.Now().Unix(),
	}
	if err := m.store.Put(recordKey, rec); err != nil {
		return fmt.Errorf("passphrase: persist failed: %w", err)
	}
	return nil
}

func openLegacyBlob(legacyKey, blob []byte) ([]byte, error) {
	if len(legacyKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("legacy key has wrong length %d", len(legacyKey))
	}
	aead, err := chacha20poly1305.New(legacyKey)
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize() {
		return nil, fmt.Errorf("legacy blob too short")
	}
	pass, err := aead.Open(nil, blob[:aead.NonceSize()], blob[aead.NonceSize():], nil)
	if err != nil {
		return nil, err
	}
	if len(pass) != PassphraseLen {
		memzero.Zero(pass)
		return nil, fmt.Errorf("legacy passphrase has wrong length %d", len(pass))
	}
	return pass, nil
}
