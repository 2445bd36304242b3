package keystore

import (
	"bytes"
	"context"
	"testing"
)

// softwareOnly simulates a device with no secure hardware.
var softwareOnly = Capabilities{MaxTier: TierSoftware}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := New(Config{Dir: t.TempDir(), Capabilities: softwareOnly})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return svc
}

func TestCreateKeyAndRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	key, err := svc.CreateKey(ctx, "prefs", Profile{})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	if key.Tier() != TierSoftware {
		t.Errorf("expected software tier, got %s", key.Tier())
	}

	blob, err := key.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	plaintext, err := key.Decrypt(blob)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if string(plaintext) != "hello" {
		t.Errorf("round trip mismatch: %q", plaintext)
	}
}

func TestGetOrCreateKeyReturnsSameKey(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.GetOrCreateKey(ctx, "prefs", Profile{})
	if err != nil {
		t.Fatalf("GetOrCreateKey failed: %v", err)
	}
	blob, err := first.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	second, err := svc.GetOrCreateKey(ctx, "prefs", Profile{})
	if err != nil {
		t.Fatalf("second GetOrCreateKey failed: %v", err)
	}
	plaintext, err := second.Decrypt(blob)
	if err != nil {
		t.Fatalf("second handle cannot decrypt first handle's output: %v", err)
	}
	if string(plaintext) != "payload" {
		t.Errorf("round trip mismatch: %q", plaintext)
	}
}

func TestCreateKeyReplacesExisting(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, _ := svc.CreateKey(ctx, "prefs", Profile{})
	blob, _ := first.Encrypt([]byte("old"))

	second, err := svc.CreateKey(ctx, "prefs", Profile{})
	if err != nil {
		t.Fatalf("recreate failed: %v", err)
	}
	if _, err := second.Decrypt(blob); err == nil {
		t.Error("new key decrypted old key's ciphertext; material was not replaced")
	}
}

func TestKeyTier(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if tier := svc.KeyTier("missing"); tier != TierSoftware {
		t.Errorf("missing alias should report SoftwareOnly, got %s", tier)
	}

	if _, err := svc.CreateKey(ctx, "prefs", Profile{RequireUserAuth: true}); err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	if tier := svc.KeyTier("prefs"); tier != TierSoftware {
		t.Errorf("expected SoftwareOnly, got %s", tier)
	}
}

func TestDeleteKey(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if svc.DeleteKey("missing") {
		t.Error("deleting a missing key reported true")
	}

	svc.CreateKey(ctx, "prefs", Profile{})
	if !svc.DeleteKey("prefs") {
		t.Error("deleting an existing key reported false")
	}
	if svc.DeleteKey("prefs") {
		t.Error("second delete reported true")
	}
}

func TestTierOrdering(t *testing.T) {
	if !(TierSoftware < TierTEE && TierTEE < TierStrongBox) {
		t.Error("tier ordering broken")
	}
}

func TestDecryptRejectsTamperedBlob(t *testing.T) {
	svc := newTestService(t)
	key, _ := svc.CreateKey(context.Background(), "prefs", Profile{})

	blob, _ := key.Encrypt([]byte("data"))
	blob[len(blob)-1] ^= 0xff
	if _, err := key.Decrypt(blob); err == nil {
		t.Error("tampered ciphertext decrypted without error")
	}

	if _, err := key.Decrypt([]byte{1, 2}); err == nil {
		t.Error("short blob decrypted without error")
	}
}

func TestDestroyedKeyRefusesUse(t *testing.T) {
	svc := newTestService(t)
	key, err := svc.CreateKey(context.Background(), "prefs", Profile{})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	key.Destroy()
	if _, err := key.Encrypt([]byte("data")); err == nil {
		t.Error("destroyed key still encrypts")
	}

	// The persisted material is untouched; a fresh handle works.
	reloaded, err := svc.GetOrCreateKey(context.Background(), "prefs", Profile{})
	if err != nil {
		t.Fatalf("reload after destroy failed: %v", err)
	}
	if _, err := reloaded.Encrypt([]byte("data")); err != nil {
		t.Errorf("reloaded key unusable: %v", err)
	}
}

func TestFindEncryptedKeyInCMS(t *testing.T) {
	// 256-byte OCTET STRING with two-byte length encoding.
	payload := bytes.Repeat([]byte{0xAB}, 256)
	data := append([]byte{0x30, 0x10, 0x04, 0x82, 0x01, 0x00}, payload...)

	got := findEncryptedKeyInCMS(data[2:])
	if !bytes.Equal(got, payload) {
		t.Error("failed to extract encrypted key from envelope")
	}

	if findEncryptedKeyInCMS([]byte{0x30, 0x03, 0x04, 0x01, 0xFF}) != nil {
		t.Error("extracted a key from an envelope without a 256-byte OCTET STRING")
	}
}
