// Package nuke implements staged destruction of the protected data: a
// cross-process broadcast and grace period, bounded store shutdown, and
// policy-driven wiping of the database, caches, and settings.
package nuke

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultGracePeriod is how long other processes get to release
	// their file handles after the broadcast. Deleting files out from
	// under a process crashes it instead of shutting it down cleanly.
	DefaultGracePeriod = 2 * time.Second

	closeRetries   = 5
	closeBackoff   = 200 * time.Millisecond
	fdReleaseDelay = 100 * time.Millisecond
)

// StoreController closes the protected data store and reports its path.
// Close may transiently fail while readers drain; the orchestrator
// retries with backoff.
type StoreController interface {
	Close() error
	Path() string
}

// Config wires the orchestrator to its targets.
type Config struct {
	// Store is the protected data store. Optional; when nil only
	// DatabasePath is used to locate files.
	Store StoreController

	// DatabasePath is the main store file. Its -wal, -shm and -journal
	// siblings are wiped with it.
	DatabasePath string

	// CacheDirs are wiped recursively when WipeCache is set.
	CacheDirs []string

	// SettingsDir holds the preference store. Wiped last: it may
	// contain the very settings driving the run.
	SettingsDir string

	// GracePeriod overrides DefaultGracePeriod; zero takes the default.
	GracePeriod time.Duration

	Broadcaster Broadcaster
}

// Orchestrator runs destruction. A second trigger while a run is active
// or after one has completed is a no-op: the latch is one-way.
type Orchestrator struct {
	cfg      Config
	settings func() Settings

	mu        sync.Mutex
	cancelers []func()
	started   bool
	result    *Result
	done      chan struct{}
}

// New creates an orchestrator. settings returns the read-only snapshot of
// the user's destruction preferences, captured at trigger time.
func New(cfg Config, settings func() Settings) *Orchestrator {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &Orchestrator{cfg: cfg, settings: settings, done: make(chan struct{})}
}

// RegisterCanceler adds a hook run before wiping, to cancel scheduled
// background work that might reopen the store.
func (o *Orchestrator) RegisterCanceler(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelers = append(o.cancelers, fn)
}

// Trigger schedules a destruction run on an independent goroutine and
// returns immediately. The credential-check path is never blocked by a
// running wipe. Satisfies TriggerFunc.
func (o *Orchestrator) Trigger(source TriggerSource) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	go func() {
		o.run(context.Background(), source)
		close(o.done)
	}()
}

// Execute runs destruction synchronously. If a run was already triggered
// it waits for that run instead of starting another.
func (o *Orchestrator) Execute(ctx context.Context, source TriggerSource) *Result {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		select {
		case <-o.done:
		case <-ctx.Done():
		}
		return o.LastResult()
	}
	o.started = true
	o.mu.Unlock()

	res := o.run(ctx, source)
	close(o.done)
	return res
}

// LastResult returns the completed run's result, or nil.
func (o *Orchestrator) LastResult() *Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

// Done is closed when a triggered run finishes.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

func (o *Orchestrator) run(ctx context.Context, source TriggerSource) *Result {
	s := o.settings()
	res := &Result{
		RunID:     uuid.New().String(),
		Source:    source,
		StartedAt: time.Now(),
	}
	log.Warn().
		Str("run_id", res.RunID).
		Str("source", string(source)).
		Bool("wipe_database", s.WipeDatabase).
		Bool("wipe_settings", s.WipeSettings).
		Bool("wipe_cache", s.WipeCache).
		Msg("Destruction run starting")

	// Ordering is mandatory: broadcast before any deletion so the other
	// process can let go of its file handles instead of crashing.
	if o.cfg.Broadcaster != nil {
		bctx, cancel := context.WithTimeout(ctx, o.cfg.GracePeriod)
		if err := o.cfg.Broadcaster.Announce(bctx, res.RunID, source); err != nil {
			log.Warn().Err(err).Msg("Destruction broadcast failed, proceeding after grace period")
		}
		cancel()
	}
	time.Sleep(o.cfg.GracePeriod)

	o.mu.Lock()
	cancelers := o.cancelers
	o.mu.Unlock()
	for _, cancel := range cancelers {
		cancel()
	}

	if s.WipeDatabase {
		res.Targets = append(res.Targets, o.wipeDatabase(s))
	}
	if s.WipeCache {
		for _, dir := range o.cfg.CacheDirs {
			res.Targets = append(res.Targets, wipeTarget("cache:"+dir, func() error {
				return wipeDir(dir, s)
			}))
		}
	}
	// Settings go last; they may contain the preferences driving this run.
	if s.WipeSettings {
		res.Targets = append(res.Targets, wipeTarget("settings:"+o.cfg.SettingsDir, func() error {
			return wipeDir(o.cfg.SettingsDir, s)
		}))
	}

	for _, tr := range res.Targets {
		if tr.Success {
			// Partial success is still success: any wiped target is
			// strictly better than none.
			res.Success = true
			break
		}
	}
	res.FinishedAt = time.Now()

	o.mu.Lock()
	o.result = res
	o.mu.Unlock()

	log.Warn().
		Str("run_id", res.RunID).
		Bool("success", res.Success).
		Int("targets", len(res.Targets)).
		Dur("elapsed", res.FinishedAt.Sub(res.StartedAt)).
		Msg("Destruction run finished")
	return res
}

func (o *Orchestrator) wipeDatabase(s Settings) TargetResult {
	name := "database:" + o.cfg.DatabasePath

	if o.cfg.Store != nil {
		if err := o.closeStore(); err != nil {
			log.Error().Err(err).Msg("Store close failed after retries, wiping anyway")
		}
		// Give the OS a moment to release the descriptors.
		time.Sleep(fdReleaseDelay)
	}

	return wipeTarget(name, func() error {
		var firstErr error
		for _, path := range databaseFiles(o.cfg.DatabasePath) {
			if err := removeFile(path, s); err != nil {
				log.Error().Err(err).Str("path", path).Msg("Database file wipe failed")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		if firstErr != nil {
			return firstErr
		}
		// Absence of every file is the postcondition, not a clean wipe
		// call.
		for _, path := range databaseFiles(o.cfg.DatabasePath) {
			if _, err := os.Lstat(path); err == nil {
				return fmt.Errorf("file still present after wipe: %s", path)
			}
		}
		return nil
	})
}

func (o *Orchestrator) closeStore() error {
	var err error
	for attempt := 1; attempt <= closeRetries; attempt++ {
		if err = o.cfg.Store.Close(); err == nil {
			return nil
		}
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Msg("Store close failed, retrying")
		time.Sleep(closeBackoff * time.Duration(attempt))
	}
	return err
}

// databaseFiles lists the main store file and its WAL, shared-memory and
// rollback-journal siblings.
func databaseFiles(path string) []string {
	return []string{path, path + "-wal", path + "-shm", path + "-journal"}
}

func wipeTarget(name string, fn func() error) TargetResult {
	tr := TargetResult{Target: name}
	if err := fn(); err != nil {
		tr.Error = err.Error()
		return tr
	}
	tr.Success = true
	return tr
}
