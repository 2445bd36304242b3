package keystore

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zalando/go-keyring"
)

// SecurityTier is the strongest isolation level a key can be bound to.
// Tiers are ordered: comparison with < and > is meaningful.
type SecurityTier int

const (
	// TierSoftware keys are emulated in ordinary process memory.
	TierSoftware SecurityTier = iota
	// TierTEE keys live in a trusted execution environment sharing the
	// main processor (here: the OS keyring service).
	TierTEE
	// TierStrongBox keys are bound to a dedicated secure module and can
	// only be unsealed with a fresh hardware attestation.
	TierStrongBox
)

func (t SecurityTier) String() string {
	switch t {
	case TierStrongBox:
		return "StrongBox"
	case TierTEE:
		return "TEE"
	default:
		return "SoftwareOnly"
	}
}

// AuthValidity describes how long a user authentication remains valid for
// key use. Positive values are a time window; the sentinels request
// per-operation or every-use authentication.
type AuthValidity time.Duration

const (
	AuthPerOperation AuthValidity = -1
	AuthEveryUse     AuthValidity = -2
)

// Profile is the protection profile requested at key creation time.
// Immutable once a key has been created with it; tier fallback never
// weakens the profile, only the tier.
type Profile struct {
	RequireUserAuth        bool         `json:"require_user_auth"`
	AuthValidity           AuthValidity `json:"auth_validity"`
	BiometricOnly          bool         `json:"biometric_only"`
	InvalidateOnEnrollment bool         `json:"invalidate_on_enrollment"`
	RequireDeviceUnlocked  bool         `json:"require_device_unlocked"`
}

// Capabilities reports what the device's key store can do.
type Capabilities struct {
	MaxTier                  SecurityTier
	SupportsBiometricBinding bool
	SupportsUserAuthGating   bool
}

var (
	detectOnce sync.Once
	detected   Capabilities
)

// DetectCapabilities probes the platform once per process and caches the
// result. It is a pure function of device state: a secure module device
// node plus configured sealing service yields StrongBox, a usable OS
// keyring yields TEE, anything else is software only.
//
// Components take Capabilities by value so tests can inject a
// software-only device instead of consulting this cache.
func DetectCapabilities(sealerConfigured bool, keyringService string) Capabilities {
	detectOnce.Do(func() {
		detected = probeCapabilities(sealerConfigured, keyringService)
		log.Info().
			Str("max_tier", detected.MaxTier.String()).
			Bool("biometric_binding", detected.SupportsBiometricBinding).
			Bool("user_auth_gating", detected.SupportsUserAuthGating).
			Msg("Key store capabilities detected")
	})
	return detected
}

func probeCapabilities(sealerConfigured bool, keyringService string) Capabilities {
	caps := Capabilities{MaxTier: TierSoftware}

	if keyringProbe(keyringService) {
		caps.MaxTier = TierTEE
	}
	if sealerConfigured && hasSecureModule() {
		caps.MaxTier = TierStrongBox
	}

	// Biometric binding and auth gating need at least hardware-backed
	// key storage; a software key cannot enforce either.
	caps.SupportsBiometricBinding = caps.MaxTier >= TierTEE
	caps.SupportsUserAuthGating = caps.MaxTier >= TierTEE
	return caps
}

// hasSecureModule checks for the dedicated secure module device node.
func hasSecureModule() bool {
	_, err := os.Stat("/dev/nsm")
	return err == nil
}

// keyringProbe round-trips a throwaway entry through the OS keyring.
func keyringProbe(service string) bool {
	const probeKey = "capability-probe"
	if err := keyring.Set(service, probeKey, "ok"); err != nil {
		return false
	}
	if _, err := keyring.Get(service, probeKey); err != nil {
		return false
	}
	_ = keyring.Delete(service, probeKey)
	return true
}
