package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRefresher struct {
	calls atomic.Int32
	err   error
}

func (r *countingRefresher) RefreshStats(ctx context.Context) error {
	r.calls.Add(1)
	return r.err
}

func TestNewScheduler_SchedulesRefresh(t *testing.T) {
	s, err := NewScheduler(&countingRefresher{}, 0, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Entries())
	assert.Equal(t, 30*time.Second, s.interval)
}

func TestScheduler_RefreshesPeriodically(t *testing.T) {
	r := &countingRefresher{err: errors.New("backend down")}
	s, err := NewScheduler(r, time.Second, zerolog.Nop())
	require.NoError(t, err)

	s.Start()
	require.Eventually(t, func() bool { return r.calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond,
		"a failing refresh keeps the job scheduled")
	s.Stop()

	after := r.calls.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, after, r.calls.Load(), "no refresh after Stop")
}
