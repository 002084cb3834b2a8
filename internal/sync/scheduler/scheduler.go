// Package scheduler starts sync runs in the background: after the device
// reconnects and periodically while it stays online.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/actionunit/aumanager/backend/internal/config"
	"github.com/actionunit/aumanager/backend/internal/logging"
	"github.com/actionunit/aumanager/backend/internal/models"
	"github.com/actionunit/aumanager/backend/internal/network"
	syncpkg "github.com/actionunit/aumanager/backend/internal/sync"
)

// Connectivity is the network surface the scheduler watches.
type Connectivity interface {
	IsOnline(ctx context.Context) bool
	OnReconnect(ctx context.Context) <-chan network.Status
}

// Session reports whether a user is signed in.
type Session interface {
	IsAuthenticated() bool
}

// Depth reports how many queue entries are waiting.
type Depth interface {
	Size(ctx context.Context) (int, error)
}

// Scheduler manages background sync runs.
type Scheduler struct {
	engine      syncpkg.Syncer
	conn        Connectivity
	session     Session
	queue       Depth
	settleDelay time.Duration
	interval    time.Duration
	runTimeout  time.Duration

	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.RWMutex
	isRunning    bool
	lastSyncTime time.Time
	lastTrigger  string
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SettleDelay time.Duration // Wait after a reconnect before syncing (default: 2 seconds)
	Interval    time.Duration // Periodic sync while online, 0 disables (default: 15 minutes)
	RunTimeout  time.Duration // Upper bound of one background run (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SettleDelay: 2 * time.Second,
		Interval:    15 * time.Minute,
		RunTimeout:  5 * time.Minute,
	}
}

// ConfigFrom derives the scheduler configuration from sync settings.
func ConfigFrom(c config.SyncConfig) *SchedulerConfig {
	cfg := DefaultSchedulerConfig()
	cfg.SettleDelay = c.SettleDelay
	cfg.Interval = c.Interval
	return cfg
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.Syncer, conn Connectivity, session Session, queue Depth, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = DefaultSchedulerConfig().RunTimeout
	}

	return &Scheduler{
		engine:      engine,
		conn:        conn,
		session:     session,
		queue:       queue,
		settleDelay: config.SettleDelay,
		interval:    config.Interval,
		runTimeout:  config.RunTimeout,
	}
}

// Start starts the background loops. Calling Start on a running scheduler
// does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	stopCh := s.stopCh

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		select {
		case <-loopCtx.Done():
		case <-stopCh:
		}
	}()

	s.wg.Add(1)
	go s.reconnectLoop(loopCtx)

	if s.interval > 0 {
		s.wg.Add(1)
		go s.periodicSyncLoop(loopCtx)
	}

	logging.Info("[Scheduler] Background sync scheduler started", map[string]interface{}{
		"settle_delay_ms":  s.settleDelay.Milliseconds(),
		"interval_minutes": s.interval.Minutes(),
	})
}

// Stop stops the background loops and waits for a run they started to
// finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("[Scheduler] Background sync scheduler stopped")
}

// reconnectLoop syncs after every offline to online transition once the
// connection has settled.
func (s *Scheduler) reconnectLoop(ctx context.Context) {
	defer s.wg.Done()

	edges := s.conn.OnReconnect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-edges:
			if !ok {
				return
			}
			logging.Info("[Scheduler] Network reconnected, scheduling sync", map[string]interface{}{
				"settle_delay_ms": s.settleDelay.Milliseconds(),
			})
			timer := time.NewTimer(s.settleDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			if s.shouldSync(ctx) {
				s.runSync(ctx, "reconnect")
			}
		}
	}
}

// periodicSyncLoop syncs on every tick while online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.shouldSync(ctx) {
				s.runSync(ctx, "periodic")
			}
		}
	}
}

// shouldSync re-checks the run preconditions at the moment of the trigger.
func (s *Scheduler) shouldSync(ctx context.Context) bool {
	if !s.conn.IsOnline(ctx) {
		logging.Debug("[Scheduler] Skipping sync - device offline")
		return false
	}
	if !s.session.IsAuthenticated() {
		logging.Debug("[Scheduler] Skipping sync - user not authenticated")
		return false
	}
	if s.engine.IsSyncing() {
		logging.Debug("[Scheduler] Sync already in progress, skipping")
		return false
	}
	n, err := s.queue.Size(ctx)
	if err != nil {
		logging.Error("[Scheduler] Could not read queue depth", err)
		return false
	}
	if n == 0 {
		logging.Debug("[Scheduler] Nothing to sync")
		return false
	}
	return true
}

// runSync executes one bounded run.
func (s *Scheduler) runSync(ctx context.Context, trigger string) models.SyncResult {
	syncCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	logging.Info("[Scheduler] Starting sync", map[string]interface{}{"trigger": trigger})
	result := s.engine.SyncAll(syncCtx)

	s.mu.Lock()
	if result.Success {
		s.lastSyncTime = result.Timestamp
	}
	s.lastTrigger = trigger
	s.mu.Unlock()

	if !result.Success {
		logging.Warn("[Scheduler] Sync finished with errors", map[string]interface{}{
			"trigger": trigger,
			"failed":  result.FailedItems,
			"errors":  result.Errors,
		})
	}
	return result
}

// TriggerSync starts a run in the background. It returns false when a run
// is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if s.engine.IsSyncing() {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSync(ctx, "manual")
	}()
	return true
}

// SyncNow runs a sync and waits for its result.
func (s *Scheduler) SyncNow(ctx context.Context) models.SyncResult {
	return s.runSync(ctx, "manual")
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool
	IsOnline       bool
	SyncInProgress bool
	LastSyncTime   *time.Time
	LastTrigger    string
	PendingItems   int
	LastResult     *models.SyncResult
}

// Status returns the current status of the scheduler.
func (s *Scheduler) Status(ctx context.Context) SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:   s.isRunning,
		LastTrigger: s.lastTrigger,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	s.mu.RUnlock()

	status.IsOnline = s.conn.IsOnline(ctx)
	status.SyncInProgress = s.engine.IsSyncing()
	if n, err := s.queue.Size(ctx); err == nil {
		status.PendingItems = n
	}
	if res, ok := s.engine.LastResult(); ok {
		status.LastResult = &res
	}
	return status
}

// IsRunning returns whether the background loops are running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
