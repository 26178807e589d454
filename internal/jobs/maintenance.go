package jobs

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/engplace/placement/internal/cache"
	"github.com/engplace/placement/internal/generator"
	"github.com/engplace/placement/internal/store"
)

const (
	// DefaultMaxSessionAge is how long an unfinished session may linger
	// before the sweeper removes it.
	DefaultMaxSessionAge = 24 * time.Hour

	// DefaultSweepInterval is how often the sweeper runs.
	DefaultSweepInterval = time.Hour
)

// Maintenance periodically removes stale placement and test sessions and
// purges their cache entries, so abandoned runs never pin cache memory or
// block a user from starting over.
type Maintenance struct {
	store  *store.Store
	cache  cache.Store
	maxAge time.Duration
	sched  *gocron.Scheduler
}

// NewMaintenance creates a sweeper. Non-positive maxAge and interval fall
// back to the defaults.
func NewMaintenance(st *store.Store, cs cache.Store, maxAge, interval time.Duration) (*Maintenance, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxSessionAge
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	m := &Maintenance{
		store:  st,
		cache:  cs,
		maxAge: maxAge,
		sched:  gocron.NewScheduler(time.UTC),
	}
	if _, err := m.sched.Every(interval).Do(func() {
		if err := m.Sweep(); err != nil {
			slog.Error("maintenance sweep failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule maintenance sweep: %w", err)
	}
	return m, nil
}

// Start begins periodic sweeping in the background.
func (m *Maintenance) Start() {
	m.sched.StartAsync()
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (m *Maintenance) Stop() {
	m.sched.Stop()
}

// Sweep removes sessions older than the configured age that never reached a
// finished state, and drops the cache entries keyed by the removed test
// sessions.
func (m *Maintenance) Sweep() error {
	cutoff := time.Now().Add(-m.maxAge)

	placementIDs, err := m.store.DeleteStaleSessions(cutoff)
	if err != nil {
		return fmt.Errorf("delete stale placement sessions: %w", err)
	}

	testIDs, err := m.store.DeleteStaleTestSessions(cutoff)
	if err != nil {
		return fmt.Errorf("delete stale test sessions: %w", err)
	}

	purged := 0
	for _, id := range testIDs {
		purged += m.cache.DeletePrefix(generator.ResultKeyPrefix(id))
		m.cache.Delete(generator.LockKey(id))
		m.cache.Delete(generator.ErrorKey(id))
	}

	if len(placementIDs) > 0 || len(testIDs) > 0 {
		slog.Info("maintenance sweep finished",
			"placement_sessions", len(placementIDs),
			"test_sessions", len(testIDs),
			"cache_entries", purged)
	}
	return nil
}
