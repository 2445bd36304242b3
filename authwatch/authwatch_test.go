package authwatch

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MaxwellDPS/Flock-You-Android-sub013/keystore"
	"github.com/MaxwellDPS/Flock-You-Android-sub013/nuke"
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

func waitForFires(t *testing.T, fires *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fires.Load() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("trigger fired %d times, want %d", fires.Load(), want)
}

func TestThresholdFiresExactlyOnce(t *testing.T) {
	store := newTestStore(t)

	var fires atomic.Int32
	w := New(Config{Threshold: 5, Window: time.Minute}, store, func(src nuke.TriggerSource) {
		if src != nuke.TriggerFailedAuth {
			t.Errorf("unexpected trigger source %q", src)
		}
		fires.Add(1)
	})

	for i := 0; i < 4; i++ {
		w.RecordFailedAttempt()
	}
	if w.Triggered() {
		t.Fatal("triggered before threshold")
	}
	if remaining, ok := w.RemainingAttempts(); !ok || remaining != 1 {
		t.Errorf("RemainingAttempts = %d, %v; want 1, true", remaining, ok)
	}

	w.RecordFailedAttempt()
	if !w.Triggered() {
		t.Fatal("not triggered at threshold")
	}
	waitForFires(t, &fires, 1)

	// Latched: further failures must not re-fire.
	w.RecordFailedAttempt()
	w.RecordFailedAttempt()
	time.Sleep(50 * time.Millisecond)
	if got := fires.Load(); got != 1 {
		t.Errorf("trigger fired %d times after latch, want 1", got)
	}
}

func TestWindowExpiryResetsCount(t *testing.T) {
	store := newTestStore(t)

	var fires atomic.Int32
	w := New(Config{Threshold: 3, Window: 30 * time.Millisecond}, store, func(nuke.TriggerSource) {
		fires.Add(1)
	})

	w.RecordFailedAttempt()
	w.RecordFailedAttempt()
	time.Sleep(50 * time.Millisecond)

	// This failure lands outside the window: the count restarts at 1.
	w.RecordFailedAttempt()
	if w.Triggered() {
		t.Fatal("triggered across an expired window")
	}
	if remaining, _ := w.RemainingAttempts(); remaining != 2 {
		t.Errorf("remaining = %d, want 2 after window reset", remaining)
	}
}

func TestSuccessResetsCounter(t *testing.T) {
	store := newTestStore(t)
	w := New(Config{Threshold: 3, Window: time.Minute}, store, nil)

	w.RecordFailedAttempt()
	w.RecordFailedAttempt()
	w.RecordSuccessfulAuth()

	if remaining, _ := w.RemainingAttempts(); remaining != 3 {
		t.Errorf("remaining = %d, want 3 after success", remaining)
	}
}

func TestDisabledThreshold(t *testing.T) {
	store := newTestStore(t)

	var fires atomic.Int32
	w := New(Config{Threshold: 0, Window: time.Minute}, store, func(nuke.TriggerSource) {
		fires.Add(1)
	})

	for i := 0; i < 20; i++ {
		w.RecordFailedAttempt()
	}
	if _, ok := w.RemainingAttempts(); ok {
		t.Error("RemainingAttempts reported enabled for zero threshold")
	}
	if w.Triggered() {
		t.Error("disabled watcher triggered")
	}
	if fires.Load() != 0 {
		t.Error("disabled watcher fired trigger")
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	store := newTestStore(t)

	w := New(Config{Threshold: 5, Window: time.Hour}, store, nil)
	w.RecordFailedAttempt()
	w.RecordFailedAttempt()
	w.RecordFailedAttempt()

	// A new watcher over the same store models a process restart.
	w2 := New(Config{Threshold: 5, Window: time.Hour}, store, nil)
	if remaining, _ := w2.RemainingAttempts(); remaining != 2 {
		t.Errorf("remaining after restart = %d, want 2", remaining)
	}
}

func TestLatchSurvivesRestart(t *testing.T) {
	store := newTestStore(t)

	var fires atomic.Int32
	w := New(Config{Threshold: 2, Window: time.Hour}, store, func(nuke.TriggerSource) {
		fires.Add(1)
	})
	w.RecordFailedAttempt()
	w.RecordFailedAttempt()
	waitForFires(t, &fires, 1)

	w2 := New(Config{Threshold: 2, Window: time.Hour}, store, func(nuke.TriggerSource) {
		fires.Add(1)
	})
	if !w2.Triggered() {
		t.Fatal("latch lost across restart")
	}
	w2.RecordFailedAttempt()
	w2.RecordSuccessfulAuth()
	time.Sleep(50 * time.Millisecond)
	if got := fires.Load(); got != 1 {
		t.Errorf("trigger fired %d times, want 1", got)
	}
}
