// Process hardening for the guardian.
// SECURITY: credential material and the store passphrase pass through this
// process; swap and core dumps would leak them to disk.
package main

import (
	"os"
	"runtime"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// EnforceHardening applies runtime hardening early in startup. Individual
// failures are logged and skipped rather than fatal: a guardian with
// partial hardening still protects better than no guardian at all.
func EnforceHardening(devMode bool) {
	if devMode {
		log.Warn().Msg("SECURITY WARNING: Running in dev mode, hardening not enforced")
		return
	}
	if runtime.GOOS != "linux" {
		log.Warn().Str("os", runtime.GOOS).Msg("Process hardening only supported on Linux")
		return
	}

	if os.Geteuid() == 0 {
		log.Warn().Msg("SECURITY WARNING: Running as root is not recommended")
	}

	// Core dumps would write credential material to disk on a crash.
	if err := disableCoreDumps(); err != nil {
		log.Warn().Err(err).Msg("Failed to disable core dumps")
	} else {
		log.Info().Msg("Disabled core dumps")
	}

	// Keep key material out of swap.
	if err := lockMemory(); err != nil {
		log.Warn().Err(err).Msg("Failed to lock memory (mlockall)")
	} else {
		log.Info().Msg("Memory locked (mlockall)")
	}

	// Prevent privilege escalation via setuid execve.
	if err := setNoNewPrivs(); err != nil {
		log.Warn().Err(err).Msg("Failed to set no_new_privs")
	} else {
		log.Info().Msg("Set no_new_privs flag")
	}
}

func disableCoreDumps() error {
	return unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0})
}

func lockMemory() error {
	return unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE)
}

func setNoNewPrivs() error {
	return unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0)
}
