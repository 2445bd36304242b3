// Package memzero provides memory hygiene helpers for sensitive data.
//
// Every component that touches a PIN, derived hash, or plaintext passphrase
// uses this package to guarantee the material is wiped on all exit paths.
// Long-lived secrets are held in memguard enclaves so they stay encrypted
// at rest in memory and are protected from swapping.
package memzero

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrSecretClosed is returned when a Secret is accessed after Close.
var ErrSecretClosed = errors.New("memzero: secret already closed")

// Zero overwrites every byte of buf with zeros.
// SECURITY: Call this via defer immediately after the secret has served
// its purpose.
func Zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

// ZeroRunes overwrites every element of buf with the zero rune.
// PIN digits collected from UI widgets arrive as runes on some platforms.
func ZeroRunes(buf []rune) {
	for i := range buf {
		buf[i] = 0
	}
}

// WithSensitive runs fn over buf and zeroes buf afterwards, on every exit
// path including panics and error returns.
func WithSensitive(buf []byte, fn func([]byte) error) error {
	defer Zero(buf)
	return fn(buf)
}

// Secret holds a private copy of sensitive bytes inside a memguard enclave.
// The plaintext only exists while Open is in flight; Close wipes the copy
// and makes further access fail.
type Secret struct {
	enclave *memguard.Enclave
	mu      sync.Mutex
	closed  bool
}

// NewSecret copies data into a protected enclave and zeroes the caller's
// buffer. The returned Secret owns the only remaining copy.
func NewSecret(data []byte) *Secret {
	enclave := memguard.NewEnclave(data)
	Zero(data)
	return &Secret{enclave: enclave}
}

// Open decrypts the secret into a locked buffer. The caller must call
// Destroy on the returned buffer when done with the plaintext.
func (s *Secret) Open() (*memguard.LockedBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSecretClosed
	}
	return s.enclave.Open()
}

// Use opens the secret, runs fn over the plaintext, and destroys the
// locked buffer afterwards regardless of how fn exits.
func (s *Secret) Use(fn func([]byte) error) error {
	buf, err := s.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Close wipes the internal copy. Safe to call more than once.
func (s *Secret) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	// Opening the enclave and destroying the buffer wipes the backing
	// pages; the enclave itself holds only ciphertext after this.
	if buf, err := s.enclave.Open(); err == nil {
		buf.Destroy()
	}
	s.enclave = nil
}
