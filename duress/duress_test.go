package duress

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MaxwellDPS/Flock-You-Android-sub013/keystore"
	"github.com/MaxwellDPS/Flock-You-Android-sub013/nuke"
	"github.com/MaxwellDPS/Flock-You-Android-sub013/pincode"
	"github.com/MaxwellDPS/Flock-You-Android-sub013/prefstore"
)

func newTestStore(t *testing.T) *prefstore.Store {
	t.Helper()
	dir := t.TempDir()

	keys, err := keystore.New(keystore.Config{
		Dir:          filepath.Join(dir, "keys"),
		Capabilities: keystore.Capabilities{MaxTier: keystore.TierSoftware},
	})
	if err != nil {
		t.Fatalf("keystore.New failed: %v", err)
	}
	key, err := keys.CreateKey(context.Background(), "prefs", keystore.Profile{})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	store, err := prefstore.Open(filepath.Join(dir, "prefs.db"), key)
	if err != nil {
		t.Fatalf("prefstore.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustRecord(t *testing.T, pin string) *pincode.Record {
	t.Helper()
	rec, err := pincode.NewRecord([]byte(pin))
	if err != nil {
		t.Fatalf("NewRecord(%q) failed: %v", pin, err)
	}
	return rec
}

func TestCheckPinClassification(t *testing.T) {
	store := newTestStore(t)
	normal := mustRecord(t, "1234")

	var fires atomic.Int32
	a := New(store, nil, func(src nuke.TriggerSource) {
		if src != nuke.TriggerDuressPin {
			t.Errorf("unexpected trigger source %q", src)
		}
		fires.Add(1)
	})

	if err := a.SetDuressPin([]byte("9999"), normal); err != nil {
		t.Fatalf("SetDuressPin failed: %v", err)
	}

	if got := a.CheckPin([]byte("1234"), normal); got != NormalPin {
		t.Errorf("normal PIN classified as %v", got)
	}
	if got := a.CheckPin([]byte("0000"), normal); got != InvalidPin {
		t.Errorf("wrong PIN classified as %v", got)
	}
	if fires.Load() != 0 {
		t.Fatal("trigger fired without a duress match")
	}

	if got := a.CheckPin([]byte("9999"), normal); got != DuressPin {
		t.Errorf("duress PIN classified as %v", got)
	}
	deadline := time.Now().Add(2 * time.Second)
	for fires.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fires.Load() != 1 {
		t.Errorf("trigger fired %d times, want 1", fires.Load())
	}
}

func TestNotEnabledWithoutRecord(t *testing.T) {
	store := newTestStore(t)
	normal := mustRecord(t, "1234")

	a := New(store, nil, nil)
	if got := a.CheckPin([]byte("1234"), normal); got != NotEnabled {
		t.Errorf("unconfigured check returned %v, want NotEnabled", got)
	}
	if a.Configured() {
		t.Error("Configured true without a record")
	}
}

func TestDisabledByToggle(t *testing.T) {
	store := newTestStore(t)
	normal := mustRecord(t, "1234")

	enabled := true
	var fires atomic.Int32
	a := New(store, func() bool { return enabled }, func(nuke.TriggerSource) {
		fires.Add(1)
	})
	if err := a.SetDuressPin([]byte("9999"), normal); err != nil {
		t.Fatalf("SetDuressPin failed: %v", err)
	}

	enabled = false
	if got := a.CheckPin([]byte("9999"), normal); got != NotEnabled {
		t.Errorf("disarmed check returned %v, want NotEnabled", got)
	}
	time.Sleep(50 * time.Millisecond)
	if fires.Load() != 0 {
		t.Error("disarmed duress match fired trigger")
	}
}

func TestRejectsSameAsUnlockPin(t *testing.T) {
	store := newTestStore(t)
	normal := mustRecord(t, "1234")

	a := New(store, nil, nil)
	if err := a.SetDuressPin([]byte("1234"), normal); !errors.Is(err, ErrSameAsUnlockPin) {
		t.Errorf("SetDuressPin(same) = %v, want ErrSameAsUnlockPin", err)
	}
	if a.Configured() {
		t.Error("rejected PIN left a record behind")
	}
}

func TestSetValidation(t *testing.T) {
	store := newTestStore(t)
	a := New(store, nil, nil)

	if err := a.SetDuressPin([]byte("12"), nil); !errors.Is(err, pincode.ErrPinLength) {
		t.Errorf("short PIN accepted: %v", err)
	}
	if err := a.SetDuressPin([]byte("12ab"), nil); !errors.Is(err, pincode.ErrPinDigits) {
		t.Errorf("non-digit PIN accepted: %v", err)
	}
}

func TestRemoveDuressPin(t *testing.T) {
	store := newTestStore(t)
	normal := mustRecord(t, "1234")

	a := New(store, nil, nil)
	if err := a.SetDuressPin([]byte("9999"), normal); err != nil {
		t.Fatalf("SetDuressPin failed: %v", err)
	}
	if err := a.RemoveDuressPin(); err != nil {
		t.Fatalf("RemoveDuressPin failed: %v", err)
	}
	if got := a.CheckPin([]byte("9999"), normal); got != NotEnabled {
		t.Errorf("check after removal returned %v, want NotEnabled", got)
	}

	// Removal when nothing is configured is a no-op.
	if err := a.RemoveDuressPin(); err != nil {
		t.Errorf("second RemoveDuressPin errored: %v", err)
	}
}
