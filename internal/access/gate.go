// Package access decides whether the church's subscription allows writes.
package access

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/actionunit/aumanager/backend/internal/errors"
	"github.com/actionunit/aumanager/backend/internal/logging"
	"github.com/actionunit/aumanager/backend/internal/models"
)

// Plans and statuses reported by the billing API.
const (
	PlanFreeTrial = "free_trial"
	PlanExpired   = "expired"

	StatusActive   = "active"
	StatusTrialing = "trialing"
)

// Permission messages shown by the host app.
const (
	MessageTrial    = "Free trial active - Full access"
	MessageReadOnly = "Read-only mode - Subscribe to edit"
	MessageExpired  = "Subscription expired - Subscribe to continue"
	MessageFull     = "Full access"
)

// Fetcher loads the current subscription status.
type Fetcher interface {
	SubscriptionStatus(ctx context.Context) (*models.SubscriptionStatus, error)
}

// Gate evaluates the last known subscription status. Until a status is
// known every write is allowed, so a device that has never reached the
// billing API keeps working offline.
type Gate struct {
	mu     sync.RWMutex
	status *models.SubscriptionStatus
	now    func() time.Time
}

// NewGate creates a gate with no known status.
func NewGate() *Gate {
	return &Gate{now: time.Now}
}

// WithClock overrides time.Now, for tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Set replaces the known status. An inactive subscription with no days left
// is normalized to the expired plan.
func (g *Gate) Set(s *models.SubscriptionStatus) {
	if s != nil {
		cp := *s
		if !cp.IsActive && cp.DaysRemaining != nil && *cp.DaysRemaining == 0 {
			cp.Plan = PlanExpired
		}
		s = &cp
	}
	g.mu.Lock()
	g.status = s
	g.mu.Unlock()
}

// Status returns the known status, or nil.
func (g *Gate) Status() *models.SubscriptionStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.status == nil {
		return nil
	}
	cp := *g.status
	return &cp
}

// Refresh fetches the status through f and stores it.
func (g *Gate) Refresh(ctx context.Context, f Fetcher) error {
	s, err := f.SubscriptionStatus(ctx)
	if err != nil {
		return err
	}
	g.Set(s)
	logging.Debug("[Access] Subscription status refreshed", map[string]interface{}{
		"plan": s.Plan, "status": s.Status,
	})
	return nil
}

// Known reports whether a status has been loaded.
func (g *Gate) Known() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status != nil
}

// IsPaid reports an active paid plan.
func (g *Gate) IsPaid() bool {
	s := g.Status()
	return s != nil && s.Status == StatusActive && s.Plan != PlanFreeTrial
}

// IsTrial reports a running free trial.
func (g *Gate) IsTrial() bool {
	s := g.Status()
	return s != nil && s.Status == StatusTrialing && s.Plan == PlanFreeTrial
}

// IsGracePeriod reports whether today is on or before the grace period end.
func (g *Gate) IsGracePeriod() bool {
	s := g.Status()
	if s == nil || s.GracePeriodEnd == "" {
		return false
	}
	end, ok := parseEnd(s.GracePeriodEnd)
	if !ok {
		return false
	}
	return !g.now().After(end)
}

// parseEnd accepts a date or a timestamp. A bare date covers the whole day.
func parseEnd(s string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.Add(24*time.Hour - time.Nanosecond), true
	}
	return time.Time{}, false
}

// CanWrite reports whether create, update and delete are allowed.
func (g *Gate) CanWrite() bool {
	if !g.Known() {
		return true
	}
	return g.IsPaid() || g.IsTrial()
}

// IsReadOnly reports a lapsed subscription still inside its grace period.
func (g *Gate) IsReadOnly() bool {
	return !g.CanWrite() && g.IsGracePeriod()
}

// IsExpired reports a lapsed subscription past its grace period.
func (g *Gate) IsExpired() bool {
	if !g.Known() {
		return false
	}
	return !g.IsPaid() && !g.IsTrial() && !g.IsGracePeriod()
}

// PermissionMessage describes the current access level.
func (g *Gate) PermissionMessage() string {
	switch {
	case g.IsTrial():
		return MessageTrial
	case g.IsGracePeriod():
		return MessageReadOnly
	case g.IsExpired():
		return MessageExpired
	default:
		return MessageFull
	}
}

// CheckWrite returns a READ_ONLY error when writes are not allowed.
func (g *Gate) CheckWrite() error {
	if g.CanWrite() {
		return nil
	}
	if g.IsReadOnly() {
		return apperrors.New(apperrors.ErrReadOnly, MessageReadOnly)
	}
	return apperrors.New(apperrors.ErrReadOnly, MessageExpired)
}
