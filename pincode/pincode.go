// Package pincode implements the credential records shared by the lock
// state machine and the duress authenticator: salted, iteration-versioned
// PIN hashes with constant-time verification.
package pincode

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/MaxwellDPS/Flock-You-Android-sub013/memzero"
)

// KDF parameters. KDFIterations is a versioned constant: raising it only
// affects newly written records because every record stores the count it
// was derived with.
const (
	KDFVersion    = 1
	KDFIterations = 120_000
	KDFKeyLen     = 32
	SaltLen       = 16

	MinPinLen = 4
	MaxPinLen = 8
)

var (
	ErrPinLength = errors.New("pincode: PIN must be 4-8 digits")
	ErrPinDigits = errors.New("pincode: PIN must contain only digits")
)

// Record is a stored PIN credential. Persisted only inside the fail-closed
// preference store, one record for the unlock PIN and an independent one
// for the duress PIN.
type Record struct {
	Version    int    `cbor:"1,keyasint"`
	Iterations int    `cbor:"2,keyasint"`
	Salt       []byte `cbor:"3,keyasint"`
	Hash       []byte `cbor:"4,keyasint"`
}

// Validate checks PIN format: digits only, 4-8 characters.
func Validate(pin []byte) error {
	if len(pin) < MinPinLen || len(pin) > MaxPinLen {
		return ErrPinLength
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			return ErrPinDigits
		}
	}
	return nil
}

// Derive stretches pin with PBKDF2-HMAC-SHA256 under the given salt and
// iteration count. The caller owns (and must zero) the returned hash.
func Derive(pin, salt []byte, iterations int) []byte {
	return pbkdf2.Key(pin, salt, iterations, KDFKeyLen, sha256.New)
}

// NewRecord derives a fresh record for pin under a random salt.
// The caller's pin buffer is not cleared here; callers zero it themselves.
func NewRecord(pin []byte) (*Record, error) {
	if err := Validate(pin); err != nil {
		return nil, err
	}
	salt, err := generateSalt()
	if err != nil {
		return nil, fmt.Errorf("pincode: salt generation failed: %w", err)
	}
	return &Record{
		Version:    KDFVersion,
		Iterations: KDFIterations,
		Salt:       salt,
		Hash:       Derive(pin, salt, KDFIterations),
	}, nil
}

// Verify checks pin against the record using the iteration count stored in
// the record and a constant-time comparison.
func (r *Record) Verify(pin []byte) bool {
	computed := Derive(pin, r.Salt, r.Iterations)
	defer memzero.Zero(computed)
	return timingSafeEqual(computed, r.Hash)
}

// MatchesUnderSalt derives pin under this record's salt and parameters and
// compares against the stored hash. Used to reject a duress PIN equal to
// the unlock PIN without retaining either plaintext.
func (r *Record) MatchesUnderSalt(pin []byte) bool {
	return r.Verify(pin)
}

// Wipe clears the record's hash and salt.
func (r *Record) Wipe() {
	memzero.Zero(r.Hash)
	memzero.Zero(r.Salt)
}

// KDFDescription returns a human-readable description of the KDF for the
// security info screen.
func KDFDescription() string {
	return fmt.Sprintf("PBKDF2-HMAC-SHA256 (%d iterations, %d-bit output)", KDFIterations, KDFKeyLen*8)
}

func generateSalt() ([]byte, error) {
	salt := make([]byte, SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// timingSafeEqual performs a constant-time comparison of two byte slices
func timingSafeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var result byte
	for i := 0; i < len(a); i++ {
		result |= a[i] ^ b[i]
	}
	return result == 0
}
