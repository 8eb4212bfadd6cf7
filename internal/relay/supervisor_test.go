package relay

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBackoffFixedByDefault(t *testing.T) {
	b := FixedBackoff(DefaultReconnectDelay)
	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, 3*time.Second, b.Delay(attempt, nil))
	}
}

func TestBackoffGrowsToCap(t *testing.T) {
	b := Backoff{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, b.Delay(1, nil))
	assert.Equal(t, 2*time.Second, b.Delay(2, nil))
	assert.Equal(t, 4*time.Second, b.Delay(3, nil))
	assert.Equal(t, 5*time.Second, b.Delay(4, nil))
	assert.Equal(t, 5*time.Second, b.Delay(10, nil))
}

func TestBackoffJitterBounds(t *testing.T) {
	b := Backoff{InitialDelay: time.Second, Multiplier: 1, Jitter: true}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		d := b.Delay(1, rng)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.Less(t, d, 1500*time.Millisecond)
	}
}

func newTestSupervisor(attempt func() error) (*Supervisor, *captureSchedule) {
	sched := &captureSchedule{}
	return newSupervisor(FixedBackoff(DefaultReconnectDelay), sched.schedule, attempt, zap.NewNop(), nopRecorder{}), sched
}

func TestSupervisorKeepsOneAttemptPending(t *testing.T) {
	sup, sched := newTestSupervisor(func() error { return nil })

	assert.True(t, sup.Schedule())
	assert.False(t, sup.Schedule())
	assert.False(t, sup.Schedule())
	assert.Equal(t, 1, sched.len())
	assert.True(t, sup.Pending())

	sched.fire(0)
	assert.False(t, sup.Pending())
	assert.Equal(t, 1, sched.len())
}

func TestSupervisorRetriesForeverAtFixedInterval(t *testing.T) {
	calls := 0
	sup, sched := newTestSupervisor(func() error {
		calls++
		return errors.New("hub unreachable")
	})

	require.True(t, sup.Schedule())
	for i := 0; i < 10; i++ {
		sched.fire(i)
	}
	assert.Equal(t, 10, calls)
	assert.Equal(t, 11, sched.len())
	for _, d := range sched.delays {
		assert.Equal(t, DefaultReconnectDelay, d)
	}
	assert.True(t, sup.Pending())
}

func TestSupervisorStopIgnoresLaterSchedules(t *testing.T) {
	calls := 0
	sup, sched := newTestSupervisor(func() error { calls++; return nil })

	require.True(t, sup.Schedule())
	sup.Stop()
	assert.False(t, sup.Pending())

	// a timer that already fired after Stop does nothing
	sched.fire(0)
	assert.Zero(t, calls)
	assert.False(t, sup.Schedule())
}
