package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatusUpdateMarksUnhealthyAfterRetries(t *testing.T) {
	status := NewStatus()
	config := Config{Retries: 3}

	for i := 0; i < 2; i++ {
		status.Update(Result{Healthy: false, CheckedAt: time.Now()}, config)
		require.True(t, status.Healthy)
	}
	status.Update(Result{Healthy: false, CheckedAt: time.Now()}, config)
	require.False(t, status.Healthy)
	require.Equal(t, 3, status.ConsecutiveFailures)
}

func TestStatusUpdateRecoversOnSuccess(t *testing.T) {
	status := NewStatus()
	config := Config{Retries: 1}

	status.Update(Result{Healthy: false, CheckedAt: time.Now()}, config)
	require.False(t, status.Healthy)

	status.Update(Result{Healthy: true, CheckedAt: time.Now()}, config)
	require.True(t, status.Healthy)
	require.Equal(t, 0, status.ConsecutiveFailures)
	require.Equal(t, 1, status.ConsecutiveSuccesses)
}

func TestInStartPeriod(t *testing.T) {
	status := NewStatus()
	status.StartedAt = time.Now()

	require.True(t, status.InStartPeriod(Config{StartPeriod: time.Minute}))
	require.False(t, status.InStartPeriod(Config{StartPeriod: 0}))

	status.StartedAt = time.Now().Add(-time.Hour)
	require.False(t, status.InStartPeriod(Config{StartPeriod: time.Minute}))
}
