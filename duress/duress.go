// Package duress implements the secondary-credential check: a duress PIN
// that outwardly unlocks the app but silently triggers destruction.
//
// The core anti-coercion property is indistinguishable timing: the amount
// of key-derivation work performed is identical whether the entered PIN
// is the duress code, the normal code, or neither, so an observer timing
// the unlock cannot tell a duress trigger from an ordinary failure.
package duress

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/MaxwellDPS/Flock-You-Android-sub013/nuke"
	"github.com/MaxwellDPS/Flock-You-Android-sub013/pincode"
	"github.com/MaxwellDPS/Flock-You-Android-sub013/prefstore"
)

const recordKey = "duresspin.v1"

// ErrSameAsUnlockPin rejects a duress PIN equal to the normal unlock PIN.
var ErrSameAsUnlockPin = errors.New("duress: duress PIN must differ from the unlock PIN")

// Result of a duress-aware PIN check.
type Result int

const (
	// NotEnabled: the feature is off or no duress record exists.
	NotEnabled Result = iota
	// InvalidPin: matched neither credential.
	InvalidPin
	// NormalPin: matched the normal unlock credential.
	NormalPin
	// DuressPin: matched the duress credential; destruction has been
	// scheduled. The caller must present an innocuous unlocked state,
	// never an error or wipe indication.
	DuressPin
)

// Authenticator checks entered credentials against the duress record.
type Authenticator struct {
	mu      sync.Mutex
	store   *prefstore.Store
	enabled func() bool
	trigger nuke.TriggerFunc
}

// New creates the authenticator. enabled reads the armed/disarmed toggle
// from the settings snapshot; a nil func means always armed when a
// record exists.
func New(store *prefstore.Store, enabled func() bool, trigger nuke.TriggerFunc) *Authenticator {
	return &Authenticator{store: store, enabled: enabled, trigger: trigger}
}

// CheckPin classifies an entered PIN. The duress-hash comparison always
// runs first; the normal-hash comparison always runs afterwards when a
// normal record is supplied, regardless of the duress outcome, so the
// cryptographic work is constant across all three outcomes.
func (a *Authenticator) CheckPin(entered []byte, normal *pincode.Record) Result {
	if a.enabled != nil && !a.enabled() {
		return NotEnabled
	}

	rec, err := a.loadRecord()
	if err != nil {
		return NotEnabled
	}

	duressMatch := rec.Verify(entered)
	normalMatch := false
	if normal != nil {
		normalMatch = normal.Verify(entered)
	}

	if duressMatch {
		// Same log line as a normal unlock; output must not differ.
		log.Info().Msg("Unlock verified")
		if a.trigger != nil {
			go a.trigger(nuke.TriggerDuressPin)
		}
		return DuressPin
	}
	if normalMatch {
		return NormalPin
	}
	return InvalidPin
}

// SetDuressPin stores a duress credential with its own independent salt.
// The candidate is rejected if it matches the normal credential. The
// equality is checked only here, at set time.
func (a *Authenticator) SetDuressPin(pin []byte, normal *pincode.Record) error {
	if err := pincode.Validate(pin); err != nil {
		return err
	}
	if normal != nil && normal.MatchesUnderSalt(pin) {
		return ErrSameAsUnlockPin
	}

	rec, err := pincode.NewRecord(pin)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.store.Put(recordKey, rec); err != nil {
		return err
	}
	log.Info().Msg("Duress credential configured")
	return nil
}

// RemoveDuressPin disables the feature by deleting the stored record.
func (a *Authenticator) RemoveDuressPin() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.Delete(recordKey)
}

// Configured reports whether a duress record exists.
func (a *Authenticator) Configured() bool {
	_, err := a.loadRecord()
	return err == nil
}

func (a *Authenticator) loadRecord() (*pincode.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var rec pincode.Record
	if err := a.store.Get(recordKey, &rec); err != nil {
		if !errors.Is(err, prefstore.ErrNotFound) {
			log.Warn().Err(err).Msg("Duress record unreadable")
		}
		return nil, err
	}
	return &rec, nil
}
