package jsvm

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consolevm/internal/vmerr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1700000000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestGovernorChecksOnlyEveryKSteps(t *testing.T) {
	for _, k := range []int{1, 20} {
		clock := newFakeClock()
		var kill atomic.Bool
		var calls int
		g := NewGovernor(GovernorConfig{CheckInterval: k, MaxTimeWithoutInterrupt: 10 * time.Millisecond},
			func(*vmerr.InterruptSignal) { calls++ },
			WithClock(clock.Now), WithKillSwitch(&kill))

		clock.Advance(time.Second)
		for i := 1; i < k; i++ {
			require.NoError(t, g.Step(), "k=%d step %d", k, i)
		}
		err := g.Step()
		var sig *vmerr.InterruptSignal
		require.True(t, errors.As(err, &sig), "k=%d", k)
		assert.Equal(t, vmerr.ReasonTimeout, sig.Reason)
		assert.Equal(t, 1, calls)
		assert.Equal(t, GovernorTerminated, g.State())

		// Later steps keep failing without interrupting again.
		assert.Same(t, sig, g.Step())
		assert.Equal(t, 1, calls)
		select {
		case <-g.Done():
		default:
			t.Fatal("Done not closed")
		}
	}
}

func TestGovernorWithinBudget(t *testing.T) {
	clock := newFakeClock()
	var kill atomic.Bool
	g := NewGovernor(GovernorConfig{CheckInterval: 1, MaxTimeWithoutInterrupt: time.Second},
		nil, WithClock(clock.Now), WithKillSwitch(&kill))

	for i := 0; i < 100; i++ {
		clock.Advance(5 * time.Millisecond)
		require.NoError(t, g.Step())
	}
	assert.Equal(t, int64(100), g.Steps())
	assert.Equal(t, GovernorRunning, g.State())
	assert.Nil(t, g.Signal())
}

func TestGovernorUpdateResetsClock(t *testing.T) {
	clock := newFakeClock()
	var kill atomic.Bool
	g := NewGovernor(GovernorConfig{CheckInterval: 1, MaxTimeWithoutInterrupt: 100 * time.Millisecond},
		nil, WithClock(clock.Now), WithKillSwitch(&kill))

	clock.Advance(90 * time.Millisecond)
	g.Update()
	clock.Advance(90 * time.Millisecond)
	assert.NoError(t, g.Step())
}

func TestGovernorKillSwitchWinsOverTerminate(t *testing.T) {
	var kill atomic.Bool
	kill.Store(true)
	g := NewGovernor(GovernorConfig{CheckInterval: 1}, nil,
		WithKillSwitch(&kill), WithTerminateFlag(func() bool { return true }))

	err := g.Step()
	var sig *vmerr.InterruptSignal
	require.True(t, errors.As(err, &sig))
	assert.Equal(t, vmerr.ReasonKilled, sig.Reason)
}

func TestGovernorTerminateFlag(t *testing.T) {
	var kill atomic.Bool
	var terminated atomic.Bool
	g := NewGovernor(GovernorConfig{CheckInterval: 1}, nil,
		WithKillSwitch(&kill), WithTerminateFlag(terminated.Load))

	require.NoError(t, g.Step())
	terminated.Store(true)
	err := g.Step()
	var sig *vmerr.InterruptSignal
	require.True(t, errors.As(err, &sig))
	assert.Equal(t, vmerr.ReasonTerminated, sig.Reason)
}

func TestGovernorSuspend(t *testing.T) {
	clock := newFakeClock()
	var kill atomic.Bool
	g := NewGovernor(GovernorConfig{CheckInterval: 1, MaxTimeWithoutInterrupt: 10 * time.Millisecond},
		nil, WithClock(clock.Now), WithKillSwitch(&kill))

	resume := g.Suspend()
	clock.Advance(time.Minute)
	require.NoError(t, g.Step())
	resume()
	resume()
	require.NoError(t, g.Step())

	// Suspension does not hide the kill switch.
	resume = g.Suspend()
	defer resume()
	kill.Store(true)
	assert.Error(t, g.Step())
}

func TestGovernorWatch(t *testing.T) {
	var kill atomic.Bool
	triggered := make(chan *vmerr.InterruptSignal, 1)
	g := NewGovernor(GovernorConfig{CheckInterval: 1}, func(sig *vmerr.InterruptSignal) {
		triggered <- sig
	}, WithKillSwitch(&kill))

	stop := g.Watch(time.Millisecond)
	defer stop()
	kill.Store(true)

	select {
	case sig := <-triggered:
		assert.Equal(t, vmerr.ReasonKilled, sig.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not trigger")
	}
}

func TestGovernorStateString(t *testing.T) {
	assert.Equal(t, "running", GovernorRunning.String())
	assert.Equal(t, "interrupt requested", GovernorInterruptRequested.String())
	assert.Equal(t, "terminated", GovernorTerminated.String())
	assert.Equal(t, "unknown", GovernorState(42).String())
}
