package keystore

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"
)

// backend stores and retrieves raw key material for one tier. All
// platform errors are translated at this boundary; callers only ever see
// wrapped errors or the documented fallback behavior.
type backend interface {
	tier() SecurityTier
	store(ctx context.Context, alias string, material []byte) error
	load(ctx context.Context, alias string) ([]byte, error)
	remove(alias string) error
}

// --- Software tier ---

// softwareBackend keeps key material in an owner-only file under the
// state directory. Weakest tier, always available.
type softwareBackend struct {
	dir string
}

func (b *softwareBackend) tier() SecurityTier { return TierSoftware }

func (b *softwareBackend) path(alias string) string {
	return filepath.Join(b.dir, alias+".key")
}

func (b *softwareBackend) store(_ context.Context, alias string, material []byte) error {
	if err := os.WriteFile(b.path(alias), material, 0o600); err != nil {
		return fmt.Errorf("software key store failed: %w", err)
	}
	return nil
}

func (b *softwareBackend) load(_ context.Context, alias string) ([]byte, error) {
	material, err := os.ReadFile(b.path(alias))
	if err != nil {
		return nil, fmt.Errorf("software key load failed: %w", err)
	}
	return material, nil
}

func (b *softwareBackend) remove(alias string) error {
	err := os.Remove(b.path(alias))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// --- TEE tier ---

// keyringBackend stores key material in the OS keyring service, which on
// supported devices is backed by a trusted execution environment.
type keyringBackend struct {
	service string
}

func (b *keyringBackend) tier() SecurityTier { return TierTEE }

func (b *keyringBackend) store(_ context.Context, alias string, material []byte) error {
	if err := keyring.Set(b.service, alias, base64.StdEncoding.EncodeToString(material)); err != nil {
		return fmt.Errorf("keyring store failed: %w", err)
	}
	return nil
}

func (b *keyringBackend) load(_ context.Context, alias string) ([]byte, error) {
	encoded, err := keyring.Get(b.service, alias)
	if err != nil {
		return nil, fmt.Errorf("keyring load failed: %w", err)
	}
	material, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("keyring entry corrupted: %w", err)
	}
	return material, nil
}

func (b *keyringBackend) remove(alias string) error {
	err := keyring.Delete(b.service, alias)
	if err != nil && err != keyring.ErrNotFound {
		return err
	}
	return nil
}

// --- StrongBox tier ---

// sealedBackend stores key material sealed by the secure module: the
// material never touches disk in plaintext, and unsealing requires a
// fresh attestation.
type sealedBackend struct {
	dir    string
	sealer *Sealer
}

func (b *sealedBackend) tier() SecurityTier { return TierStrongBox }

func (b *sealedBackend) path(alias string) string {
	return filepath.Join(b.dir, alias+".sealed")
}

func (b *sealedBackend) store(ctx context.Context, alias string, material []byte) error {
	blob, err := b.sealer.Seal(ctx, material)
	if err != nil {
		return fmt.Errorf("sealing key material failed: %w", err)
	}
	if err := os.WriteFile(b.path(alias), blob, 0o600); err != nil {
		return fmt.Errorf("writing sealed blob failed: %w", err)
	}
	return nil
}

func (b *sealedBackend) load(ctx context.Context, alias string) ([]byte, error) {
	blob, err := os.ReadFile(b.path(alias))
	if err != nil {
		return nil, fmt.Errorf("reading sealed blob failed: %w", err)
	}
	material, err := b.sealer.Unseal(ctx, blob)
	if err != nil {
		return nil, fmt.Errorf("unsealing key material failed: %w", err)
	}
	return material, nil
}

func (b *sealedBackend) remove(alias string) error {
	err := os.Remove(b.path(alias))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
