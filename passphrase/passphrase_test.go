package passphrase

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/MaxwellDPS/Flock-You-Android-sub013/keystore"
	"github.com/MaxwellDPS/Flock-You-Android-sub013/prefstore"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()

	keys, err := keystore.New(keystore.Config{
		Dir:          filepath.Join(dir, "keys"),
		Capabilities: keystore.Capabilities{MaxTier: keystore.TierSoftware},
	})
	if err != nil {
		t.Fatalf("keystore.New failed: %v", err)
	}
	prefsKey, err := keys.CreateKey(context.Background(), "prefs", keystore.Profile{})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	store, err := prefstore.Open(filepath.Join(dir, "prefs.db"), prefsKey)
	if err != nil {
		t.Fatalf("prefstore.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return New(keys, store, dir), dir
}

func TestGetOrCreatePassphraseIsStable(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.GetOrCreatePassphrase(ctx)
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if len(first) != PassphraseLen {
		t.Fatalf("expected %d-byte passphrase, got %d", PassphraseLen, len(first))
	}

	second, err := m.GetOrCreatePassphrase(ctx)
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("two calls in the same session returned different passphrases")
	}
}

func TestRegenerateAfterKeyLoss(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.GetOrCreatePassphrase(ctx)
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	// Losing the managed key makes the stored blob undecryptable. The
	// manager must regenerate rather than fail.
	m.keys.DeleteKey(KeyAlias)

	second, err := m.GetOrCreatePassphrase(ctx)
	if err != nil {
		t.Fatalf("call after key loss failed: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Error("passphrase survived key loss; expected regeneration")
	}

	// The regenerated passphrase must itself be stable.
	third, err := m.GetOrCreatePassphrase(ctx)
	if err != nil {
		t.Fatalf("followup call failed: %v", err)
	}
	if !bytes.Equal(second, third) {
		t.Error("regenerated passphrase not stable")
	}
}

func TestLegacyMigration(t *testing.T) {
	m, dir := newTestManager(t)
	ctx := context.Background()

	// Write legacy material: an unprotected key plus the passphrase
	// encrypted under it, the pre-hierarchy layout.
	legacyKey := make([]byte, chacha20poly1305.KeySize)
	rand.Read(legacyKey)
	legacyPass := make([]byte, PassphraseLen)
	rand.Read(legacyPass)

	aead, _ := chacha20poly1305.New(legacyKey)
	nonce := make([]byte, aead.NonceSize())
	rand.Read(nonce)
	blob := aead.Seal(nonce, nonce, legacyPass, nil)

	os.WriteFile(filepath.Join(dir, legacyKeyFile), legacyKey, 0o600)
	os.WriteFile(filepath.Join(dir, legacyBlobFile), blob, 0o600)

	got, err := m.GetOrCreatePassphrase(ctx)
	if err != nil {
		t.Fatalf("GetOrCreatePassphrase failed: %v", err)
	}
	if !bytes.Equal(got, legacyPass) {
		t.Error("migration did not preserve the legacy passphrase")
	}

	// Legacy files are consumed by the migration.
	if _, err := os.Stat(filepath.Join(dir, legacyKeyFile)); !os.IsNotExist(err) {
		t.Error("legacy key file still present after migration")
	}

	// Subsequent calls serve the migrated passphrase from the new envelope.
	again, err := m.GetOrCreatePassphrase(ctx)
	if err != nil {
		t.Fatalf("post-migration call failed: %v", err)
	}
	if !bytes.Equal(again, legacyPass) {
		t.Error("post-migration passphrase differs from migrated value")
	}
}

func TestSecurityLabel(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.GetOrCreatePassphrase(context.Background()); err != nil {
		t.Fatalf("GetOrCreatePassphrase failed: %v", err)
	}
	if label := m.SecurityLabel(); label != keystore.TierSoftware.String() {
		t.Errorf("expected %q label, got %q", keystore.TierSoftware.String(), label)
	}
}
