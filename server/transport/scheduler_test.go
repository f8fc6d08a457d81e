package transport

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSchedulerFiresAndClears(t *testing.T) {
	s := newScheduler()
	var fired atomic.Int32
	s.Schedule("a", 10*time.Millisecond, func() { fired.Add(1) })

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, s.Pending("a"))
}

func TestSchedulerReplaceReArms(t *testing.T) {
	s := newScheduler()
	var first, second atomic.Int32
	s.Schedule("a", 20*time.Millisecond, func() { first.Add(1) })
	s.Schedule("a", 20*time.Millisecond, func() { second.Add(1) })

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestSchedulerCancelAllInvalidatesInFlight(t *testing.T) {
	s := newScheduler()
	var fired atomic.Int32
	s.Schedule("a", 15*time.Millisecond, func() { fired.Add(1) })
	s.Schedule("b", 15*time.Millisecond, func() { fired.Add(1) })
	s.CancelAll()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.False(t, s.Pending("a"))
	assert.False(t, s.Pending("b"))
}

func TestSchedulerSuspendParksTimers(t *testing.T) {
	s := newScheduler()
	var fired atomic.Int32
	s.Schedule("a", 20*time.Millisecond, func() { fired.Add(1) })
	s.Suspend()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.True(t, s.Pending("a"))

	s.Resume()
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerScheduleWhileSuspended(t *testing.T) {
	s := newScheduler()
	s.Suspend()

	var fired atomic.Int32
	s.Schedule("a", 10*time.Millisecond, func() { fired.Add(1) })
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	s.Resume()
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBackoffDelaySequence(t *testing.T) {
	base := time.Second
	max := 15 * time.Second

	assert.Equal(t, 1*time.Second, BackoffDelay(1, base, max))
	assert.Equal(t, 2*time.Second, BackoffDelay(2, base, max))
	assert.Equal(t, 4*time.Second, BackoffDelay(3, base, max))
	assert.Equal(t, 8*time.Second, BackoffDelay(4, base, max))
	assert.Equal(t, 15*time.Second, BackoffDelay(5, base, max))
	assert.Equal(t, 15*time.Second, BackoffDelay(10, base, max))
	assert.Equal(t, 1*time.Second, BackoffDelay(0, base, max))
}
