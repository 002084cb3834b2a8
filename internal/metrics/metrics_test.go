package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionunit/aumanager/backend/internal/models"
)

func TestSync_records(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewSync(reg)

	s.Run(OutcomeSuccess, 200*time.Millisecond)
	s.Run(OutcomeSkipped, 0)
	s.Entry(models.TypeAttendance, "synced")
	s.Entry(models.TypeAttendance, "synced")
	s.Entry(models.TypeOffering, "failed")
	s.QueueDepth(3)
	s.Refresh(true)
	s.Refresh(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.runs.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.entries.WithLabelValues("attendance", "synced")))
	assert.Equal(t, 3.0, testutil.ToFloat64(s.depth))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.refreshes.WithLabelValues("failure")))

	n, err := testutil.GatherAndCount(reg, "aumanager_sync_run_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSync_nilIsNoop(t *testing.T) {
	var s *Sync
	s.Run(OutcomeSuccess, time.Second)
	s.Entry(models.TypeChurch, "synced")
	s.QueueDepth(1)
	s.Refresh(true)
}
