// Package main implements the Flock guardian: the process that owns the
// app lock, duress credentials, and staged destruction of the protected
// data store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/MaxwellDPS/Flock-You-Android-sub013/applock"
	"github.com/MaxwellDPS/Flock-You-Android-sub013/authwatch"
	"github.com/MaxwellDPS/Flock-You-Android-sub013/duress"
	"github.com/MaxwellDPS/Flock-You-Android-sub013/keystore"
	"github.com/MaxwellDPS/Flock-You-Android-sub013/memzero"
	"github.com/MaxwellDPS/Flock-You-Android-sub013/nuke"
	"github.com/MaxwellDPS/Flock-You-Android-sub013/passphrase"
	"github.com/MaxwellDPS/Flock-You-Android-sub013/prefstore"
)

// Version is set at build time
var Version = "dev"

// Control subjects exposed over NATS.
const (
	SubjectNukeExecute    = "flock.nuke.execute"
	SubjectGuardianStatus = "flock.guardian.status"
)

func main() {
	configPath := flag.String("config", "/etc/flock-guardian/config.yaml", "Path to configuration file")
	devMode := flag.Bool("dev-mode", false, "Run in development mode")
	flag.Parse()

	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *devMode {
		cfg.DevMode = true
	}

	log.Info().
		Str("version", Version).
		Bool("dev_mode", cfg.DevMode).
		Str("state_dir", cfg.StateDir).
		Msg("Guardian starting")

	EnforceHardening(cfg.DevMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Key hierarchy: sealer (when configured) feeds capability detection,
	// capabilities bound the tier every managed key can reach.
	var sealer *keystore.Sealer
	if kmsCfg := cfg.Sealer(); kmsCfg != nil {
		sealer, err = keystore.NewSealer(ctx, *kmsCfg)
		if err != nil {
			log.Warn().Err(err).Msg("Sealing service unavailable, top tier disabled")
		}
	}
	caps := keystore.DetectCapabilities(sealer != nil, keystore.DefaultKeyringService)

	keys, err := keystore.New(keystore.Config{
		Dir:          cfg.KeyStoreDir(),
		Capabilities: caps,
		Sealer:       sealer,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create key service")
	}

	// The preference store holds credential and counter state outside the
	// main data store; it must open before any PIN can be checked.
	prefsKey, err := keys.GetOrCreateKey(ctx, "prefs", keystore.Profile{})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create preference store key")
	}
	prefs, err := prefstore.Open(cfg.PrefStorePath(), prefsKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open preference store")
	}

	passMgr := passphrase.New(keys, prefs, cfg.StateDir)
	pass, err := passMgr.GetOrCreatePassphrase(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to obtain store passphrase")
	}
	store, err := openDataStore(cfg.DatabasePath, pass)
	memzero.Zero(pass)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open protected data store")
	}

	// NATS carries the cross-process destruction protocol. The guardian
	// still functions without it; destruction then skips the broadcast.
	conn := connectNATS(cfg)
	var broadcaster nuke.Broadcaster
	if conn != nil {
		broadcaster = nuke.NewNATSBroadcaster(conn)
	}

	orch := nuke.New(nuke.Config{
		Store:        store,
		DatabasePath: cfg.DatabasePath,
		CacheDirs:    cfg.CacheDirs,
		SettingsDir:  cfg.StateDir,
		GracePeriod:  cfg.GracePeriod(),
		Broadcaster:  broadcaster,
	}, func() nuke.Settings { return cfg.Nuke.Settings })

	watcher := authwatch.New(authwatch.Config{
		Threshold: cfg.Watch.Threshold,
		Window:    cfg.WatchWindow(),
	}, prefs, orch.Trigger)

	duressAuth := duress.New(prefs, nil, orch.Trigger)

	lock := applock.New(applock.Config{
		MaxFailedAttempts: cfg.Lock.MaxFailedAttempts,
		LockoutDuration:   cfg.LockoutDuration(),
		BackgroundTimeout: cfg.BackgroundTimeout(),
	}, prefs, duressAuth, watcher)

	orch.RegisterCanceler(lock.Lock)

	info := buildSecurityInfo(passMgr, caps)
	log.Info().
		Str("tier", info.TierDescription).
		Str("kdf", info.KDFDescription).
		Bool("hardware_backed", info.IsHardwareBacked).
		Msg("Security posture")

	var subs []*nats.Subscription
	if conn != nil {
		subs = subscribeControl(conn, orch, passMgr, caps, watcher)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	cancel()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if conn != nil {
		conn.Drain()
	}

	// The orchestrator closes the store itself during a run; skip the
	// second close if destruction already happened.
	if orch.LastResult() == nil {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close data store")
		}
	}
	if err := prefs.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close preference store")
	}

	log.Info().Msg("Guardian shutdown complete")
}

// connectNATS dials the configured server. Failure is not fatal: a
// guardian without a broker still locks and wipes, it just cannot warn
// the scanner process first.
func connectNATS(cfg *Config) *nats.Conn {
	opts := []nats.Option{
		nats.Name("flock-guardian"),
		nats.ReconnectWait(time.Duration(cfg.NATS.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
	}
	if cfg.NATS.CredentialsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.NATS.CredentialsFile))
	}

	conn, err := nats.Connect(cfg.NATS.URL, opts...)
	if err != nil {
		log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable, destruction broadcast disabled")
		return nil
	}
	log.Info().Str("url", cfg.NATS.URL).Msg("Connected to NATS")
	return conn
}

// statusReply is the payload served on the status subject.
type statusReply struct {
	SecurityInfo
	RemainingNukeAttempts *int `json:"remaining_nuke_attempts"`
}

func subscribeControl(conn *nats.Conn, orch *nuke.Orchestrator, passMgr *passphrase.Manager, caps keystore.Capabilities, watcher *authwatch.Watcher) []*nats.Subscription {
	var subs []*nats.Subscription

	sub, err := conn.Subscribe(SubjectNukeExecute, func(msg *nats.Msg) {
		log.Warn().Msg("Manual destruction requested")
		orch.Trigger(nuke.TriggerManual)
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to subscribe to execute subject")
	} else {
		subs = append(subs, sub)
	}

	sub, err = conn.Subscribe(SubjectGuardianStatus, func(msg *nats.Msg) {
		reply := statusReply{SecurityInfo: buildSecurityInfo(passMgr, caps)}
		if remaining, ok := remainingNukeAttempts(watcher); ok {
			reply.RemainingNukeAttempts = &remaining
		}
		payload, err := json.Marshal(reply)
		if err != nil {
			return
		}
		if msg.Reply != "" {
			msg.Respond(payload)
		}
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to subscribe to status subject")
	} else {
		subs = append(subs, sub)
	}

	return subs
}
