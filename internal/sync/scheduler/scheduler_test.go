package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionunit/aumanager/backend/internal/config"
	"github.com/actionunit/aumanager/backend/internal/models"
	"github.com/actionunit/aumanager/backend/internal/network"
)

// =====================================================
// Test Helpers
// =====================================================

type fakeEngine struct {
	mu      sync.Mutex
	calls   int32
	syncing atomic.Bool
	block   chan struct{}
	last    *models.SyncResult
	runs    chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{runs: make(chan struct{}, 16)}
}

func (f *fakeEngine) SyncAll(ctx context.Context) models.SyncResult {
	atomic.AddInt32(&f.calls, 1)
	f.syncing.Store(true)
	defer f.syncing.Store(false)
	if f.block != nil {
		<-f.block
	}
	res := models.SyncResult{Success: true, SyncedItems: 1, Timestamp: time.Now(), Errors: []string{}}
	f.mu.Lock()
	f.last = &res
	f.mu.Unlock()
	f.runs <- struct{}{}
	return res
}

func (f *fakeEngine) IsSyncing() bool { return f.syncing.Load() }

func (f *fakeEngine) LastResult() (models.SyncResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return models.SyncResult{}, false
	}
	return *f.last, true
}

func (f *fakeEngine) count() int { return int(atomic.LoadInt32(&f.calls)) }

type fakeSession struct{ authenticated atomic.Bool }

func (f *fakeSession) IsAuthenticated() bool { return f.authenticated.Load() }

type fakeDepth struct{ n atomic.Int32 }

func (f *fakeDepth) Size(ctx context.Context) (int, error) { return int(f.n.Load()), nil }

type harness struct {
	engine  *fakeEngine
	monitor *network.Monitor
	session *fakeSession
	depth   *fakeDepth
	sched   *Scheduler
}

func newHarness(t *testing.T, cfg *SchedulerConfig) *harness {
	t.Helper()
	h := &harness{
		engine:  newFakeEngine(),
		monitor: network.NewMonitor(network.Offline),
		session: &fakeSession{},
		depth:   &fakeDepth{},
	}
	h.session.authenticated.Store(true)
	h.depth.n.Store(3)
	h.sched = NewScheduler(h.engine, h.monitor, h.session, h.depth, cfg)
	t.Cleanup(func() {
		h.sched.Stop()
		h.monitor.Close()
	})
	return h
}

var online = network.Status{Connected: true, Type: network.TypeWifi}

func waitRun(t *testing.T, e *fakeEngine) {
	t.Helper()
	select {
	case <-e.runs:
	case <-time.After(2 * time.Second):
		t.Fatal("no sync run started")
	}
}

func noRun(t *testing.T, e *fakeEngine, within time.Duration) {
	t.Helper()
	select {
	case <-e.runs:
		t.Fatal("unexpected sync run")
	case <-time.After(within):
	}
}

// =====================================================
// Configuration Tests
// =====================================================

func TestDefaultSchedulerConfig(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	assert.Equal(t, 2*time.Second, cfg.SettleDelay)
	assert.Equal(t, 15*time.Minute, cfg.Interval)
	assert.Equal(t, 5*time.Minute, cfg.RunTimeout)
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.SyncConfig{SettleDelay: time.Second, Interval: 0})
	assert.Equal(t, time.Second, cfg.SettleDelay)
	assert.Zero(t, cfg.Interval)
	assert.Equal(t, 5*time.Minute, cfg.RunTimeout)
}

func TestNewScheduler_nilConfig(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, 2*time.Second, h.sched.settleDelay)
	assert.Equal(t, 15*time.Minute, h.sched.interval)
}

// =====================================================
// Start/Stop Tests
// =====================================================

func TestScheduler_StartStop(t *testing.T) {
	h := newHarness(t, &SchedulerConfig{SettleDelay: time.Millisecond})
	ctx := context.Background()

	h.sched.Start(ctx)
	h.sched.Start(ctx)
	assert.True(t, h.sched.IsRunning())

	h.sched.Stop()
	h.sched.Stop()
	assert.False(t, h.sched.IsRunning())

	// A stopped scheduler can be started again.
	h.sched.Start(ctx)
	assert.True(t, h.sched.IsRunning())
}

func TestScheduler_stopsWithContext(t *testing.T) {
	h := newHarness(t, &SchedulerConfig{SettleDelay: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	h.sched.Start(ctx)
	cancel()

	h.monitor.Report(online)
	noRun(t, h.engine, 100*time.Millisecond)
}

// =====================================================
// Reconnect Tests
// =====================================================

func TestScheduler_syncsAfterReconnect(t *testing.T) {
	h := newHarness(t, &SchedulerConfig{SettleDelay: 20 * time.Millisecond})
	h.sched.Start(context.Background())

	h.monitor.Report(online)
	waitRun(t, h.engine)
	assert.Equal(t, 1, h.engine.count())

	status := h.sched.Status(context.Background())
	assert.Equal(t, "reconnect", status.LastTrigger)
	require.NotNil(t, status.LastSyncTime)
	require.NotNil(t, status.LastResult)
	assert.True(t, status.IsOnline)
}

func TestScheduler_reconnectRechecksAfterSettle(t *testing.T) {
	h := newHarness(t, &SchedulerConfig{SettleDelay: 100 * time.Millisecond})
	h.sched.Start(context.Background())

	h.monitor.Report(online)
	time.Sleep(10 * time.Millisecond)
	h.monitor.Report(network.Offline)

	noRun(t, h.engine, 250*time.Millisecond)
}

func TestScheduler_reconnectSkipsWhenNothingToDo(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{"signed out", func(h *harness) { h.session.authenticated.Store(false) }},
		{"empty queue", func(h *harness) { h.depth.n.Store(0) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &SchedulerConfig{SettleDelay: time.Millisecond})
			tt.setup(h)
			h.sched.Start(context.Background())

			h.monitor.Report(online)
			noRun(t, h.engine, 100*time.Millisecond)
		})
	}
}

func TestScheduler_reconnectSkippedWhileSyncing(t *testing.T) {
	h := newHarness(t, &SchedulerConfig{SettleDelay: time.Millisecond})
	h.engine.syncing.Store(true)
	h.sched.Start(context.Background())

	h.monitor.Report(online)
	noRun(t, h.engine, 100*time.Millisecond)
}

// =====================================================
// Periodic Sync Tests
// =====================================================

func TestScheduler_periodicSync(t *testing.T) {
	h := newHarness(t, &SchedulerConfig{SettleDelay: time.Hour, Interval: 30 * time.Millisecond})
	h.monitor.Report(online)
	h.sched.Start(context.Background())

	waitRun(t, h.engine)
	waitRun(t, h.engine)
	assert.Equal(t, "periodic", h.sched.Status(context.Background()).LastTrigger)
}

func TestScheduler_periodicSyncWaitsForNetwork(t *testing.T) {
	h := newHarness(t, &SchedulerConfig{SettleDelay: time.Hour, Interval: 20 * time.Millisecond})
	h.sched.Start(context.Background())

	noRun(t, h.engine, 100*time.Millisecond)
}

// =====================================================
// Manual Trigger Tests
// =====================================================

func TestScheduler_TriggerSync(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.block = make(chan struct{})

	require.True(t, h.sched.TriggerSync(context.Background()))
	require.Eventually(t, h.engine.IsSyncing, time.Second, 5*time.Millisecond)

	assert.False(t, h.sched.TriggerSync(context.Background()), "a run is already in progress")
	assert.True(t, h.sched.Status(context.Background()).SyncInProgress)

	close(h.engine.block)
	waitRun(t, h.engine)
	assert.Equal(t, 1, h.engine.count())
}

func TestScheduler_SyncNow(t *testing.T) {
	h := newHarness(t, nil)

	res := h.sched.SyncNow(context.Background())
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.SyncedItems)

	status := h.sched.Status(context.Background())
	assert.Equal(t, "manual", status.LastTrigger)
	assert.Equal(t, 3, status.PendingItems)
	assert.False(t, status.IsRunning)
}
