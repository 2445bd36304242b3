// Package keystore implements the hardware-capability-aware key service.
// It detects the strongest security tier the device offers, creates and
// retrieves symmetric keys bound to that tier, and exposes them only as
// opaque handles usable for encrypt/decrypt.
package keystore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/MaxwellDPS/Flock-You-Android-sub013/memzero"
)

const materialLen = chacha20poly1305.KeySize

// ErrKeyNotFound is returned when no key exists at the requested alias.
var ErrKeyNotFound = errors.New("keystore: key not found")

// DefaultKeyringService is the OS keyring namespace used for TEE-tier keys.
const DefaultKeyringService = "flock-guardian"

// Config configures the key service.
type Config struct {
	// Dir holds key metadata, software-tier material, and sealed blobs.
	Dir string
	// Capabilities is the detected (or injected, for tests) device tier.
	Capabilities Capabilities
	// Sealer enables the StrongBox backend. May be nil.
	Sealer *Sealer
	// KeyringService overrides the OS keyring namespace.
	KeyringService string
}

// Service owns all managed keys. Keys never leave the service except as
// opaque ManagedKey handles.
type Service struct {
	dir      string
	caps     Capabilities
	backends map[SecurityTier]backend
}

// keyMeta is the per-alias metadata record persisted beside the material.
// The tier recorded here is the key's actual tier, which may be lower
// than the device maximum if creation fell back.
type keyMeta struct {
	Alias     string       `json:"alias"`
	Tier      SecurityTier `json:"tier"`
	Profile   Profile      `json:"profile"`
	CreatedAt int64        `json:"created_at"`
}

// New creates the key service. The state directory is created owner-only.
func New(cfg Config) (*Service, error) {
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("keystore: failed to create state dir: %w", err)
	}

	keyringService := cfg.KeyringService
	if keyringService == "" {
		keyringService = DefaultKeyringService
	}

	backends := map[SecurityTier]backend{
		TierSoftware: &softwareBackend{dir: cfg.Dir},
	}
	if cfg.Capabilities.MaxTier >= TierTEE {
		backends[TierTEE] = &keyringBackend{service: keyringService}
	}
	if cfg.Capabilities.MaxTier >= TierStrongBox && cfg.Sealer != nil {
		backends[TierStrongBox] = &sealedBackend{dir: cfg.Dir, sealer: cfg.Sealer}
	}

	return &Service{dir: cfg.Dir, caps: cfg.Capabilities, backends: backends}, nil
}

// Capabilities returns the tier capabilities the service was built with.
func (s *Service) Capabilities() Capabilities { return s.caps }

// CreateKey deletes any existing key at alias and creates a fresh one at
// the highest available tier. If creation at the top tier fails (seen on
// devices that report a capability they cannot deliver), it retries once
// at the next tier down with the same profile and logs the downgrade.
// The protection profile is never weakened, only the tier.
func (s *Service) CreateKey(ctx context.Context, alias string, profile Profile) (*ManagedKey, error) {
	s.DeleteKey(alias)

	material := make([]byte, materialLen)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("keystore: material generation failed: %w", err)
	}
	defer memzero.Zero(material)

	tier := s.highestBackedTier()
	err := s.backends[tier].store(ctx, alias, material)
	if err != nil && tier > TierSoftware {
		fallback := tier - 1
		for s.backends[fallback] == nil && fallback > TierSoftware {
			fallback--
		}
		log.Warn().
			Err(err).
			Str("alias", alias).
			Str("requested_tier", tier.String()).
			Str("fallback_tier", fallback.String()).
			Msg("Key creation failed at requested tier, downgrading")
		tier = fallback
		err = s.backends[tier].store(ctx, alias, material)
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: key creation failed for %q: %w", alias, err)
	}

	meta := keyMeta{
		Alias:     alias,
		Tier:      tier,
		Profile:   profile,
		CreatedAt: time.Now().Unix(),
	}
	if err := s.writeMeta(meta); err != nil {
		s.backends[tier].remove(alias)
		return nil, err
	}

	log.Info().
		Str("alias", alias).
		Str("tier", tier.String()).
		Bool("user_auth", profile.RequireUserAuth).
		Msg("Managed key created")

	return newManagedKey(alias, tier, material)
}

// GetOrCreateKey returns the existing key at alias, whatever tier it was
// created at, or creates a new one.
func (s *Service) GetOrCreateKey(ctx context.Context, alias string, profile Profile) (*ManagedKey, error) {
	key, err := s.loadKey(ctx, alias)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		log.Warn().Err(err).Str("alias", alias).Msg("Existing key unusable, recreating")
	}
	return s.CreateKey(ctx, alias, profile)
}

// KeyTier reports the actual tier of the key at alias. Returns
// TierSoftware when the alias does not exist or inspection fails.
func (s *Service) KeyTier(alias string) SecurityTier {
	meta, err := s.readMeta(alias)
	if err != nil {
		return TierSoftware
	}
	return meta.Tier
}

// DeleteKey removes the key at alias. Reports whether anything existed.
func (s *Service) DeleteKey(alias string) bool {
	meta, err := s.readMeta(alias)
	if err != nil {
		return false
	}
	if b := s.backends[meta.Tier]; b != nil {
		if err := b.remove(alias); err != nil {
			log.Warn().Err(err).Str("alias", alias).Msg("Failed to remove key material")
		}
	}
	if err := os.Remove(s.metaPath(alias)); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("alias", alias).Msg("Failed to remove key metadata")
	}
	return true
}

func (s *Service) loadKey(ctx context.Context, alias string) (*ManagedKey, error) {
	meta, err := s.readMeta(alias)
	if err != nil {
		return nil, err
	}
	b := s.backends[meta.Tier]
	if b == nil {
		return nil, fmt.Errorf("keystore: no backend for tier %s", meta.Tier)
	}
	material, err := b.load(ctx, alias)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(material)
	return newManagedKey(alias, meta.Tier, material)
}

func (s *Service) highestBackedTier() SecurityTier {
	for tier := s.caps.MaxTier; tier > TierSoftware; tier-- {
		if s.backends[tier] != nil {
			return tier
		}
	}
	return TierSoftware
}

func (s *Service) metaPath(alias string) string {
	return filepath.Join(s.dir, alias+".meta")
}

func (s *Service) writeMeta(meta keyMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("keystore: failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(meta.Alias), data, 0o600); err != nil {
		return fmt.Errorf("keystore: failed to write metadata: %w", err)
	}
	return nil
}

func (s *Service) readMeta(alias string) (*keyMeta, error) {
	data, err := os.ReadFile(s.metaPath(alias))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("keystore: failed to read metadata: %w", err)
	}
	var meta keyMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("keystore: metadata corrupted: %w", err)
	}
	return &meta, nil
}

// ManagedKey is an opaque handle to a managed symmetric key. The raw
// material lives in a protected enclave; plaintext key bytes exist only
// while an encrypt or decrypt call is in flight.
type ManagedKey struct {
	alias    string
	tier     SecurityTier
	material *memzero.Secret
}

func newManagedKey(alias string, tier SecurityTier, material []byte) (*ManagedKey, error) {
	if len(material) != materialLen {
		return nil, fmt.Errorf("keystore: key material must be %d bytes", materialLen)
	}
	cp := make([]byte, len(material))
	copy(cp, material)
	return &ManagedKey{alias: alias, tier: tier, material: memzero.NewSecret(cp)}, nil
}

// Alias returns the key's stable alias.
func (k *ManagedKey) Alias() string { return k.alias }

// Tier returns the tier this key was actually created at.
func (k *ManagedKey) Tier() SecurityTier { return k.tier }

// Encrypt seals plaintext with a random nonce. Output is nonce||ciphertext.
func (k *ManagedKey) Encrypt(plaintext []byte) ([]byte, error) {
	var out []byte
	err := k.material.Use(func(material []byte) error {
		aead, err := chacha20poly1305.New(material)
		if err != nil {
			return fmt.Errorf("keystore: cipher construction failed: %w", err)
		}
		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("keystore: nonce generation failed: %w", err)
		}
		out = aead.Seal(nonce, nonce, plaintext, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Decrypt opens a nonce||ciphertext blob produced by Encrypt.
func (k *ManagedKey) Decrypt(blob []byte) ([]byte, error) {
	var out []byte
	err := k.material.Use(func(material []byte) error {
		aead, err := chacha20poly1305.New(material)
		if err != nil {
			return fmt.Errorf("keystore: cipher construction failed: %w", err)
		}
		if len(blob) < aead.NonceSize() {
			return fmt.Errorf("keystore: ciphertext too short")
		}
		nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
		out, err = aead.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return fmt.Errorf("keystore: decryption failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Destroy wipes the in-memory key material. The persisted material is
// untouched; the key can be reloaded from its backend.
func (k *ManagedKey) Destroy() {
	k.material.Close()
}
