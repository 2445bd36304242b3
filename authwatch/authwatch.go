// Package authwatch counts failed unlock attempts in a rolling time
// window and arms the destruction trigger once a threshold is crossed.
//
// The counter state is persisted in the preference store, outside the
// main protected data store: it must remain valid before any PIN has
// been entered and after that store has been destroyed.
package authwatch

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/MaxwellDPS/Flock-You-Android-sub013/nuke"
	"github.com/MaxwellDPS/Flock-You-Android-sub013/prefstore"
)

const recordKey = "failcount.v1"

// Config controls the watcher.
type Config struct {
	// Threshold arms the trigger after this many failures in one
	// window. Zero or negative disables the trigger entirely.
	Threshold int
	// Window is the rolling window; failures older than this restart
	// the count.
	Window time.Duration
}

// counterState is the persisted record. Triggered is a one-way latch.
type counterState struct {
	Version     int   `cbor:"1,keyasint"`
	Count       int   `cbor:"2,keyasint"`
	WindowStart int64 `cbor:"3,keyasint"`
	Triggered   bool  `cbor:"4,keyasint"`
}

// Watcher tracks authentication failures.
type Watcher struct {
	mu      sync.Mutex
	cfg     Config
	store   *prefstore.Store
	trigger nuke.TriggerFunc
	st      counterState
}

// New creates a watcher, restoring persisted counter state so the count
// survives process restarts.
func New(cfg Config, store *prefstore.Store, trigger nuke.TriggerFunc) *Watcher {
	w := &Watcher{cfg: cfg, store: store, trigger: trigger}

	var st counterState
	err := store.Get(recordKey, &st)
	switch {
	case err == nil:
		w.st = st
	case errors.Is(err, prefstore.ErrNotFound):
		w.st = counterState{Version: 1}
	default:
		// Unreadable state is treated as empty; better to under-count
		// than to refuse all authentication.
		log.Warn().Err(err).Msg("Failure counter state unreadable, starting fresh")
		w.st = counterState{Version: 1}
	}
	return w
}

// RecordFailedAttempt registers one failed unlock. Once the trigger has
// fired this is a no-op. Crossing the threshold schedules destruction on
// an independent task; the credential-check path is never blocked.
func (w *Watcher) RecordFailedAttempt() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.st.Triggered {
		return
	}

	now := time.Now()
	if w.st.Count > 0 && w.cfg.Window > 0 {
		if now.Sub(time.Unix(0, w.st.WindowStart)) > w.cfg.Window {
			w.st.Count = 0
		}
	}
	if w.st.Count == 0 {
		w.st.WindowStart = now.UnixNano()
	}
	w.st.Count++

	armed := w.cfg.Threshold > 0 && w.st.Count >= w.cfg.Threshold
	if armed {
		w.st.Triggered = true
	}
	w.persistLocked()

	if armed {
		log.Warn().
			Int("count", w.st.Count).
			Int("threshold", w.cfg.Threshold).
			Msg("Failed-authentication threshold crossed, arming destruction")
		if w.trigger != nil {
			go w.trigger(nuke.TriggerFailedAuth)
		}
	}
}

// RecordSuccessfulAuth resets the counter and window unless the trigger
// has already fired.
func (w *Watcher) RecordSuccessfulAuth() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.st.Triggered {
		return
	}
	if w.st.Count == 0 {
		return
	}
	w.st.Count = 0
	w.st.WindowStart = 0
	w.persistLocked()
}

// RemainingAttempts returns how many failures remain before the trigger
// fires. ok is false when the trigger is disabled.
func (w *Watcher) RemainingAttempts() (remaining int, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cfg.Threshold <= 0 {
		return 0, false
	}
	remaining = w.cfg.Threshold - w.st.Count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Triggered reports whether the one-way latch has fired.
func (w *Watcher) Triggered() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.st.Triggered
}

func (w *Watcher) persistLocked() {
	if err := w.store.Put(recordKey, w.st); err != nil {
		log.Error().Err(err).Msg("Failed to persist failure counter state")
	}
}
