// Package applock owns the locked/unlocked state of the app and the
// credential checks that move between them: PIN set/verify/change/remove,
// biometric hooks, failure lockout, and background-timeout re-locking.
//
// Lock state lives only in memory; a cold start always begins Locked.
// The credential record is persisted in the preference store so it
// survives destruction of the main data store.
package applock

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/MaxwellDPS/Flock-You-Android-sub013/duress"
	"github.com/MaxwellDPS/Flock-You-Android-sub013/memzero"
	"github.com/MaxwellDPS/Flock-You-Android-sub013/pincode"
	"github.com/MaxwellDPS/Flock-You-Android-sub013/prefstore"
)

const (
	recordKey = "pin.v1"

	// MaxFailedAttempts is the consecutive-failure count that enters
	// lockout.
	MaxFailedAttempts = 5

	// LockoutDuration is how long lockout lasts. Expiry is observed
	// lazily on the next check.
	LockoutDuration = 30 * time.Second
)

// ErrNoPinSet is returned by operations that require a stored credential.
var ErrNoPinSet = errors.New("applock: no PIN configured")

// VerifyResult classifies one credential check.
type VerifyResult int

const (
	Success VerifyResult = iota
	// InvalidPin covers every comparison failure. Which check actually
	// ran (duress, normal, or none) is never distinguishable from the
	// result.
	InvalidPin
	LockedOut
	// DuressTriggered means destruction has been scheduled. The caller
	// must present a normal unlocked UI, never an error.
	DuressTriggered
	Error
)

func (r VerifyResult) String() string {
	switch r {
	case Success:
		return "success"
	case InvalidPin:
		return "invalid_pin"
	case LockedOut:
		return "locked_out"
	case DuressTriggered:
		return "duress_triggered"
	default:
		return "error"
	}
}

// FailureWatcher receives the outcome of each credential check.
// Satisfied by *authwatch.Watcher.
type FailureWatcher interface {
	RecordFailedAttempt()
	RecordSuccessfulAuth()
}

// DuressChecker classifies an entered PIN against the duress record.
// Satisfied by *duress.Authenticator.
type DuressChecker interface {
	CheckPin(entered []byte, normal *pincode.Record) duress.Result
}

// Config tunes the machine. Zero values take the package defaults.
type Config struct {
	// MaxFailedAttempts is the consecutive-failure count that enters
	// lockout. Defaults to MaxFailedAttempts.
	MaxFailedAttempts int

	// LockoutDuration is how long lockout lasts. Defaults to
	// LockoutDuration.
	LockoutDuration time.Duration

	// BackgroundTimeout re-locks the app when it has been backgrounded
	// longer than this. Negative disables background re-locking (only a
	// process restart re-locks); zero re-locks on every foreground
	// transition.
	BackgroundTimeout time.Duration
}

// Machine is the lock state machine. All state behind one mutex.
type Machine struct {
	mu      sync.Mutex
	cfg     Config
	store   *prefstore.Store
	duress  DuressChecker
	watcher FailureWatcher

	locked         bool
	lockoutUntil   time.Time
	failures       int
	lastUnlockTime time.Time
	backgroundedAt time.Time
}

// New creates the machine in the Locked state.
func New(cfg Config, store *prefstore.Store, dc DuressChecker, fw FailureWatcher) *Machine {
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = MaxFailedAttempts
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = LockoutDuration
	}
	return &Machine{cfg: cfg, store: store, duress: dc, watcher: fw, locked: true}
}

// SetPin derives and persists a new credential under a fresh salt and
// clears the failure counter. The caller's PIN buffer is zeroed before
// return.
func (m *Machine) SetPin(pin []byte) error {
	defer memzero.Zero(pin)

	rec, err := pincode.NewRecord(pin)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Put(recordKey, rec); err != nil {
		return err
	}
	m.failures = 0
	m.lockoutUntil = time.Time{}
	log.Info().Msg("PIN credential configured")
	return nil
}

// VerifyPin checks an entered PIN. During lockout it returns immediately
// without touching credential material, so timing cannot reveal whether
// the lockout or the comparison rejected the attempt.
func (m *Machine) VerifyPin(pin []byte) VerifyResult {
	defer memzero.Zero(pin)

	m.mu.Lock()
	if m.lockedOutLocked() {
		m.mu.Unlock()
		return LockedOut
	}
	m.mu.Unlock()

	rec, err := m.loadRecord()
	if err != nil {
		if !errors.Is(err, ErrNoPinSet) {
			log.Error().Err(err).Msg("Credential record unreadable")
		}
		return Error
	}
	defer rec.Wipe()

	if m.duress != nil {
		switch m.duress.CheckPin(pin, rec) {
		case duress.DuressPin:
			// Appear unlocked; destruction is already scheduled.
			m.recordSuccess()
			return DuressTriggered
		case duress.NormalPin:
			m.recordSuccess()
			return Success
		case duress.InvalidPin:
			// The duress path already ran the normal-hash comparison.
			m.recordFailure()
			return InvalidPin
		case duress.NotEnabled:
			// Fall through to the plain comparison below.
		}
	}

	if rec.Verify(pin) {
		m.recordSuccess()
		return Success
	}
	m.recordFailure()
	return InvalidPin
}

// ChangePin verifies the old PIN, then re-derives the credential under a
// fresh salt. Lockout applies to the old-PIN check.
func (m *Machine) ChangePin(oldPin, newPin []byte) error {
	defer memzero.Zero(newPin)

	switch m.VerifyPin(oldPin) {
	case Success:
	case LockedOut:
		return errors.New("applock: locked out")
	default:
		return errors.New("applock: current PIN incorrect")
	}
	return m.SetPin(newPin)
}

// RemovePin deletes the stored credential and unlocks.
func (m *Machine) RemovePin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Delete(recordKey); err != nil {
		return err
	}
	m.locked = false
	m.failures = 0
	m.lockoutUntil = time.Time{}
	log.Info().Msg("PIN credential removed")
	return nil
}

// IsPinSet reports whether a credential record exists.
func (m *Machine) IsPinSet() bool {
	_, err := m.loadRecord()
	return err == nil
}

// OnBiometricSuccess has the same downstream effects as a PIN match,
// without touching credential material.
func (m *Machine) OnBiometricSuccess() VerifyResult {
	m.mu.Lock()
	if m.lockedOutLocked() {
		m.mu.Unlock()
		return LockedOut
	}
	m.mu.Unlock()

	m.recordSuccess()
	return Success
}

// OnBiometricFailure has the same downstream effects as a PIN mismatch.
func (m *Machine) OnBiometricFailure() {
	m.mu.Lock()
	if m.lockedOutLocked() {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.recordFailure()
}

// Lock transitions to Locked.
func (m *Machine) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked = true
}

// Unlock transitions to Unlocked and records the unlock time.
func (m *Machine) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked = false
	m.lastUnlockTime = time.Now()
}

// IsLocked reports the current state, observing lockout expiry lazily.
func (m *Machine) IsLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

// IsLockedOut reports whether the machine is inside an active lockout.
func (m *Machine) IsLockedOut() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockedOutLocked()
}

// OnAppBackgrounded records the moment the app left the foreground.
func (m *Machine) OnAppBackgrounded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backgroundedAt = time.Now()
}

// OnAppForegrounded re-locks if the app was backgrounded longer than the
// configured timeout. Returns whether the app is now locked.
func (m *Machine) OnAppForegrounded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.cfg.BackgroundTimeout < 0:
		// Background time never re-locks.
	case m.backgroundedAt.IsZero():
		// Never backgrounded this session.
	case time.Since(m.backgroundedAt) >= m.cfg.BackgroundTimeout:
		m.locked = true
	}
	m.backgroundedAt = time.Time{}
	return m.locked
}

func (m *Machine) lockedOutLocked() bool {
	if m.lockoutUntil.IsZero() {
		return false
	}
	if time.Now().After(m.lockoutUntil) {
		m.lockoutUntil = time.Time{}
		m.failures = 0
		return false
	}
	return true
}

func (m *Machine) recordSuccess() {
	m.mu.Lock()
	m.failures = 0
	m.lockoutUntil = time.Time{}
	m.locked = false
	m.lastUnlockTime = time.Now()
	m.mu.Unlock()

	if m.watcher != nil {
		m.watcher.RecordSuccessfulAuth()
	}
}

func (m *Machine) recordFailure() {
	m.mu.Lock()
	m.failures++
	if m.failures >= m.cfg.MaxFailedAttempts {
		m.lockoutUntil = time.Now().Add(m.cfg.LockoutDuration)
		log.Warn().
			Int("failures", m.failures).
			Dur("lockout", m.cfg.LockoutDuration).
			Msg("Consecutive failure limit reached, entering lockout")
	}
	m.mu.Unlock()

	if m.watcher != nil {
		m.watcher.RecordFailedAttempt()
	}
}

func (m *Machine) loadRecord() (*pincode.Record, error) {
	var rec pincode.Record
	if err := m.store.Get(recordKey, &rec); err != nil {
		if errors.Is(err, prefstore.ErrNotFound) {
			return nil, ErrNoPinSet
		}
		return nil, err
	}
	return &rec, nil
}
