package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/actionunit/aumanager/backend/internal/errors"
	"github.com/actionunit/aumanager/backend/internal/models"
)

var today = time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)

func gateAt(s *models.SubscriptionStatus) *Gate {
	g := NewGate().WithClock(func() time.Time { return today })
	g.Set(s)
	return g
}

func TestGate_unknownAllowsWrites(t *testing.T) {
	g := NewGate()
	assert.True(t, g.CanWrite())
	assert.False(t, g.IsExpired())
	assert.NoError(t, g.CheckWrite())
	assert.Equal(t, MessageFull, g.PermissionMessage())
}

func TestGate_rules(t *testing.T) {
	tests := []struct {
		name     string
		status   models.SubscriptionStatus
		canWrite bool
		readOnly bool
		expired  bool
		message  string
	}{
		{
			name:     "paid",
			status:   models.SubscriptionStatus{IsActive: true, Plan: "annual", Status: StatusActive},
			canWrite: true,
			message:  MessageFull,
		},
		{
			name:     "trial",
			status:   models.SubscriptionStatus{IsActive: true, Plan: PlanFreeTrial, Status: StatusTrialing},
			canWrite: true,
			message:  MessageTrial,
		},
		{
			name:    "active free trial is not paid",
			status:  models.SubscriptionStatus{Plan: PlanFreeTrial, Status: StatusActive},
			expired: true,
			message: MessageExpired,
		},
		{
			name:     "grace period through end of day",
			status:   models.SubscriptionStatus{Plan: "quarterly", Status: "past_due", GracePeriodEnd: "2024-03-10"},
			readOnly: true,
			message:  MessageReadOnly,
		},
		{
			name:    "grace period over",
			status:  models.SubscriptionStatus{Plan: "quarterly", Status: "past_due", GracePeriodEnd: "2024-03-09"},
			expired: true,
			message: MessageExpired,
		},
		{
			name:     "grace period timestamp",
			status:   models.SubscriptionStatus{Plan: "quarterly", Status: "canceled", GracePeriodEnd: "2024-03-10T16:00:00Z"},
			readOnly: true,
			message:  MessageReadOnly,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.status
			g := gateAt(&s)
			assert.Equal(t, tt.canWrite, g.CanWrite())
			assert.Equal(t, tt.readOnly, g.IsReadOnly())
			assert.Equal(t, tt.expired, g.IsExpired())
			assert.Equal(t, tt.message, g.PermissionMessage())
			if tt.canWrite {
				assert.NoError(t, g.CheckWrite())
			} else {
				assert.True(t, apperrors.Is(g.CheckWrite(), apperrors.ErrReadOnly))
			}
		})
	}
}

func TestGate_setNormalizesExpiredPlan(t *testing.T) {
	zero := 0
	g := gateAt(&models.SubscriptionStatus{IsActive: false, Plan: "annual", Status: StatusActive, DaysRemaining: &zero})
	assert.Equal(t, PlanExpired, g.Status().Plan)
}

type fetcherFunc func(ctx context.Context) (*models.SubscriptionStatus, error)

func (f fetcherFunc) SubscriptionStatus(ctx context.Context) (*models.SubscriptionStatus, error) {
	return f(ctx)
}

func TestGate_refresh(t *testing.T) {
	g := NewGate()
	err := g.Refresh(context.Background(), fetcherFunc(func(context.Context) (*models.SubscriptionStatus, error) {
		return nil, errors.New("offline")
	}))
	assert.Error(t, err)
	assert.False(t, g.Known())

	err = g.Refresh(context.Background(), fetcherFunc(func(context.Context) (*models.SubscriptionStatus, error) {
		return &models.SubscriptionStatus{Plan: PlanFreeTrial, Status: StatusTrialing}, nil
	}))
	require.NoError(t, err)
	assert.True(t, g.IsTrial())
}
