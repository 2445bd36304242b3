package main

import (
	"github.com/MaxwellDPS/Flock-You-Android-sub013/authwatch"
	"github.com/MaxwellDPS/Flock-You-Android-sub013/keystore"
	"github.com/MaxwellDPS/Flock-You-Android-sub013/passphrase"
	"github.com/MaxwellDPS/Flock-You-Android-sub013/pincode"
)

// SecurityInfo is the audit summary exposed for display: how the store
// passphrase is protected and how credentials are derived.
type SecurityInfo struct {
	TierDescription  string `json:"tier_description"`
	KDFDescription   string `json:"kdf_description"`
	IsHardwareBacked bool   `json:"is_hardware_backed"`
	HasTopTier       bool   `json:"has_top_tier"`
}

// buildSecurityInfo reads the persisted tier label rather than the live
// capability probe: what matters for audit is how the current passphrase
// is actually protected, not what the device could do today.
func buildSecurityInfo(pass *passphrase.Manager, caps keystore.Capabilities) SecurityInfo {
	label := pass.SecurityLabel()
	return SecurityInfo{
		TierDescription:  label,
		KDFDescription:   pincode.KDFDescription(),
		IsHardwareBacked: label != keystore.TierSoftware.String(),
		HasTopTier:       caps.MaxTier == keystore.TierStrongBox,
	}
}

// remainingNukeAttempts reports how many failed attempts remain before
// the destruction trigger fires, for the warning UI. ok is false when the
// trigger is disabled.
func remainingNukeAttempts(w *authwatch.Watcher) (int, bool) {
	return w.RemainingAttempts()
}
