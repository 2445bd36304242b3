package main

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/MaxwellDPS/Flock-You-Android-sub013/prefstore"
)

// dataStore is the protected data store, encrypted under the managed
// store passphrase. It satisfies nuke.StoreController so the destruction
// orchestrator can close it before wiping its files.
type dataStore struct {
	store *prefstore.Store
}

// openDataStore opens the store at path with a cipher built from the
// passphrase. The caller zeroes the passphrase after this returns.
func openDataStore(path string, passphrase []byte) (*dataStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	c, err := newPassCipher(passphrase)
	if err != nil {
		return nil, err
	}
	store, err := prefstore.Open(path, c)
	if err != nil {
		return nil, err
	}
	return &dataStore{store: store}, nil
}

func (d *dataStore) Close() error { return d.store.Close() }

func (d *dataStore) Path() string { return d.store.Path() }

// passCipher derives an AEAD from the 256-bit store passphrase. Blobs are
// nonce||ciphertext, the same envelope the managed keys use.
type passCipher struct {
	aead cipher.AEAD
}

func newPassCipher(passphrase []byte) (*passCipher, error) {
	aead, err := chacha20poly1305.New(passphrase)
	if err != nil {
		return nil, fmt.Errorf("store cipher construction failed: %w", err)
	}
	return &passCipher{aead: aead}, nil
}

func (c *passCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *passCipher) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < c.aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := blob[:c.aead.NonceSize()], blob[c.aead.NonceSize():]
	return c.aead.Open(nil, nonce, ciphertext, nil)
}
