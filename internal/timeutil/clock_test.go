package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestMockClockAdvanceFiresInOrder(t *testing.T) {
	clock := NewMockClock(epoch)

	var order []string
	clock.AfterFunc(20*time.Second, func() { order = append(order, "b") })
	clock.AfterFunc(10*time.Second, func() { order = append(order, "a") })
	clock.AfterFunc(40*time.Second, func() { order = append(order, "c") })

	clock.Advance(30 * time.Second)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 1, clock.Pending())
	assert.Equal(t, epoch.Add(30*time.Second), clock.Now())

	clock.Advance(10 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 0, clock.Pending())
}

func TestMockClockNestedTimersUseCallbackTime(t *testing.T) {
	clock := NewMockClock(epoch)

	var firedAt []time.Time
	clock.AfterFunc(30*time.Second, func() {
		firedAt = append(firedAt, clock.Now())
		clock.AfterFunc(30*time.Second, func() {
			firedAt = append(firedAt, clock.Now())
		})
	})

	clock.Advance(90 * time.Second)
	require.Len(t, firedAt, 2)
	assert.Equal(t, epoch.Add(30*time.Second), firedAt[0])
	assert.Equal(t, epoch.Add(60*time.Second), firedAt[1])
	assert.Equal(t, epoch.Add(90*time.Second), clock.Now())
}

func TestMockTimerStop(t *testing.T) {
	clock := NewMockClock(epoch)

	fired := false
	timer := clock.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	clock.Advance(time.Minute)
	assert.False(t, fired)
	assert.Equal(t, 0, clock.Pending())
}

func TestMockTimerStopAfterFire(t *testing.T) {
	clock := NewMockClock(epoch)
	timer := clock.AfterFunc(time.Second, func() {})

	clock.Advance(time.Second)
	assert.False(t, timer.Stop())
}

func TestRealClockAfterFunc(t *testing.T) {
	done := make(chan struct{})
	RealClock{}.AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}
}
