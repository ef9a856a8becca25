package jsvm

import (
	"sync"
	"sync/atomic"
	"time"

	"consolevm/internal/vmerr"
)

// GovernorState is the state of a Governor.
type GovernorState int32

const (
	GovernorRunning GovernorState = iota
	GovernorInterruptRequested
	GovernorTerminated
)

func (s GovernorState) String() string {
	switch s {
	case GovernorRunning:
		return "running"
	case GovernorInterruptRequested:
		return "interrupt requested"
	case GovernorTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// killSwitch stops every running script in the process.
var killSwitch atomic.Bool

// KillAll interrupts every running script at its next checkpoint. New
// scripts are interrupted immediately until ResetKillSwitch.
func KillAll() { killSwitch.Store(true) }

// ResetKillSwitch re-arms script execution after KillAll.
func ResetKillSwitch() { killSwitch.Store(false) }

// Killed reports whether the kill switch is set.
func Killed() bool { return killSwitch.Load() }

// GovernorConfig tunes a Governor.
type GovernorConfig struct {
	// CheckInterval is K: conditions are checked on every K-th step.
	CheckInterval int
	// MaxTimeWithoutInterrupt is the budget between checkpoints; 0 disables it.
	MaxTimeWithoutInterrupt time.Duration
}

// Governor bounds how long a script may run between checkpoints.
//
// Step is called by the watchdog and before every bridged native call. Every
// CheckInterval steps it checks the kill switch, the terminate flag and the
// time budget, in that order. Once triggered it interrupts the engine and
// returns the same signal from every later step.
type Governor struct {
	k      int64
	budget time.Duration

	now        func() time.Time
	kill       *atomic.Bool
	terminated func() bool
	interrupt  func(*vmerr.InterruptSignal)

	mu        sync.Mutex
	steps     int64
	last      time.Time
	suspended int
	state     GovernorState
	signal    *vmerr.InterruptSignal
	done      chan struct{}
}

// GovernorOption customizes a Governor.
type GovernorOption func(*Governor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) GovernorOption {
	return func(g *Governor) { g.now = now }
}

// WithKillSwitch replaces the process-wide kill switch.
func WithKillSwitch(flag *atomic.Bool) GovernorOption {
	return func(g *Governor) { g.kill = flag }
}

// WithTerminateFlag sets the per-instance terminate flag.
func WithTerminateFlag(fn func() bool) GovernorOption {
	return func(g *Governor) { g.terminated = fn }
}

// NewGovernor creates a governor that calls interrupt once it triggers.
func NewGovernor(cfg GovernorConfig, interrupt func(*vmerr.InterruptSignal), opts ...GovernorOption) *Governor {
	if cfg.CheckInterval < 1 {
		cfg.CheckInterval = 1
	}
	g := &Governor{
		k:         int64(cfg.CheckInterval),
		budget:    cfg.MaxTimeWithoutInterrupt,
		now:       time.Now,
		kill:      &killSwitch,
		interrupt: interrupt,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.last = g.now()
	return g
}

// Step counts one step and, on a checkpoint boundary, checks whether the
// script must stop. It returns the interrupt signal once triggered.
func (g *Governor) Step() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.signal != nil {
		return g.signal
	}
	g.steps++
	if g.steps%g.k != 0 {
		return nil
	}

	reason := g.check()
	if reason == "" {
		return nil
	}
	g.state = GovernorInterruptRequested
	g.signal = &vmerr.InterruptSignal{Reason: reason}
	if g.interrupt != nil {
		g.interrupt(g.signal)
	}
	close(g.done)
	g.state = GovernorTerminated
	return g.signal
}

func (g *Governor) check() string {
	switch {
	case g.kill != nil && g.kill.Load():
		return vmerr.ReasonKilled
	case g.terminated != nil && g.terminated():
		return vmerr.ReasonTerminated
	case g.budget > 0 && g.suspended == 0 && g.now().Sub(g.last) > g.budget:
		return vmerr.ReasonTimeout
	}
	return ""
}

// Update resets the checkpoint clock. Natives that block on purpose call it
// so the wait is not counted against the script.
func (g *Governor) Update() {
	g.mu.Lock()
	g.last = g.now()
	g.mu.Unlock()
}

// Suspend stops the time budget while a native blocks on purpose, e.g. for
// input. The kill switch and terminate flag are still checked. The returned
// function resumes the budget with a fresh checkpoint.
func (g *Governor) Suspend() (resume func()) {
	g.mu.Lock()
	g.suspended++
	g.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.suspended--
			g.last = g.now()
			g.mu.Unlock()
		})
	}
}

// Done is closed once the governor has triggered.
func (g *Governor) Done() <-chan struct{} { return g.done }

// State returns the current state.
func (g *Governor) State() GovernorState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Steps returns the number of steps counted so far.
func (g *Governor) Steps() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.steps
}

// Signal returns the interrupt signal, or nil while running.
func (g *Governor) Signal() *vmerr.InterruptSignal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.signal
}

// Watch steps the governor every period on its own goroutine until it
// triggers or the returned stop function is called.
func (g *Governor) Watch(period time.Duration) (stop func()) {
	if period <= 0 {
		period = 5 * time.Millisecond
	}
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if g.Step() != nil {
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
