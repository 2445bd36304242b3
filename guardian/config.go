package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MaxwellDPS/Flock-You-Android-sub013/keystore"
	"github.com/MaxwellDPS/Flock-You-Android-sub013/nuke"
)

// Config holds the guardian process configuration
type Config struct {
	// DevMode relaxes isolation and tolerates a missing NATS server
	DevMode bool `yaml:"dev_mode"`

	// StateDir holds the key store, preference store and legacy material
	StateDir string `yaml:"state_dir"`

	// DatabasePath is the protected data store file
	DatabasePath string `yaml:"database_path"`

	// CacheDirs are wiped when cache wiping is enabled
	CacheDirs []string `yaml:"cache_dirs"`

	Lock  LockConfig  `yaml:"lock"`
	Watch WatchConfig `yaml:"watch"`
	NATS  NATSConfig  `yaml:"nats"`
	KMS   KMSConfig   `yaml:"kms"`
	Nuke  NukeConfig  `yaml:"nuke"`
}

// LockConfig holds lock state machine settings
type LockConfig struct {
	MaxFailedAttempts int `yaml:"max_failed_attempts"`
	LockoutSeconds    int `yaml:"lockout_seconds"`

	// BackgroundTimeoutSeconds: negative disables background re-locking,
	// zero re-locks on every foreground transition
	BackgroundTimeoutSeconds int `yaml:"background_timeout_seconds"`
}

// WatchConfig holds failed-authentication trigger settings
type WatchConfig struct {
	// Threshold of zero disables the destruction trigger
	Threshold     int `yaml:"threshold"`
	WindowMinutes int `yaml:"window_minutes"`
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
}

// KMSConfig holds the optional sealed-tier settings
type KMSConfig struct {
	Region        string `yaml:"region"`
	SealingKeyARN string `yaml:"sealing_key_arn"`
}

// NukeConfig holds destruction settings
type NukeConfig struct {
	Settings          nuke.Settings `yaml:",inline"`
	GracePeriodMillis int           `yaml:"grace_period_ms"`
}

// LoadConfig loads configuration from a YAML file. A missing file yields
// the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DevMode:      false,
		StateDir:     "/var/lib/flock-guardian",
		DatabasePath: "/var/lib/flock-guardian/data/flock.db",
		CacheDirs:    []string{"/var/cache/flock-guardian"},
		Lock: LockConfig{
			MaxFailedAttempts:        5,
			LockoutSeconds:           30,
			BackgroundTimeoutSeconds: 60,
		},
		Watch: WatchConfig{
			Threshold:     10,
			WindowMinutes: 60,
		},
		NATS: NATSConfig{
			URL:             "nats://127.0.0.1:4222",
			CredentialsFile: "",
			ReconnectWait:   2000,
			MaxReconnects:   -1, // Unlimited
		},
		Nuke: NukeConfig{
			Settings: nuke.Settings{
				WipeDatabase:     true,
				WipeSettings:     true,
				WipeCache:        true,
				SecureWipe:       true,
				SecureWipePasses: 3,
			},
			GracePeriodMillis: 2000,
		},
	}
}

// KeyStoreDir is where managed key material and metadata live.
func (c *Config) KeyStoreDir() string {
	return filepath.Join(c.StateDir, "keys")
}

// PrefStorePath is the preference store file. It sits outside the main
// data store so it survives destruction and is readable before PIN entry.
func (c *Config) PrefStorePath() string {
	return filepath.Join(c.StateDir, "prefs.db")
}

// Sealer builds the KMS sealer when the sealed tier is configured.
func (c *Config) Sealer() *keystore.KMSConfig {
	if c.KMS.SealingKeyARN == "" {
		return nil
	}
	return &keystore.KMSConfig{
		Region:        c.KMS.Region,
		SealingKeyARN: c.KMS.SealingKeyARN,
	}
}

func (c *Config) BackgroundTimeout() time.Duration {
	return time.Duration(c.Lock.BackgroundTimeoutSeconds) * time.Second
}

func (c *Config) LockoutDuration() time.Duration {
	return time.Duration(c.Lock.LockoutSeconds) * time.Second
}

func (c *Config) WatchWindow() time.Duration {
	return time.Duration(c.Watch.WindowMinutes) * time.Minute
}

func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Nuke.GracePeriodMillis) * time.Millisecond
}
