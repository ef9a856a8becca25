// Package host runs the host thread: a fixed-rate tick loop that drains the
// main queue and ticks every registered computer.
package host

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"consolevm/internal/computer"
	"consolevm/internal/config"
	"consolevm/internal/kernel"
	"consolevm/internal/scheduler"
	"consolevm/pkg/logger"
)

var (
	ErrRunning        = errors.New("host: loop already running")
	ErrDuplicateHost  = errors.New("host: hostname already registered")
	ErrUnknownCommand = errors.New("unknown command")
)

// Config configures the loop.
type Config struct {
	TickInterval time.Duration
}

// DefaultConfig ticks 20 times per second.
func DefaultConfig() Config {
	return Config{TickInterval: config.DefaultTickInterval}
}

// NotifyFunc receives owner notifications from any computer.
type NotifyFunc func(hostname, msg string)

// Loop is the host thread. Everything that must not race with programs
// (device drivers, hostname changes, ROM flashing) runs inside Tick.
type Loop struct {
	cfg       Config
	queue     *scheduler.MainQueue
	computers *xsync.Map[*computer.Computer, struct{}]
	log       zerolog.Logger

	ticks atomic.Int64

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	subscribers []NotifyFunc
}

// New creates a stopped loop with an open main queue.
func New(cfg Config) *Loop {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = config.DefaultTickInterval
	}
	return &Loop{
		cfg:       cfg,
		queue:     scheduler.NewMainQueue(),
		computers: xsync.NewMap[*computer.Computer, struct{}](),
		log:       logger.Component("host"),
	}
}

// Queue is handed to computers so their programs can reach the host thread.
func (l *Loop) Queue() *scheduler.MainQueue { return l.queue }

// Ticks returns the number of completed ticks.
func (l *Loop) Ticks() int64 { return l.ticks.Load() }

// Add registers c. Hostnames must be unique among registered computers.
func (l *Loop) Add(c *computer.Computer) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.Computer(c.Hostname()); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHost, c.Hostname())
	}
	l.computers.Store(c, struct{}{})
	return nil
}

// Remove unregisters c. It is not shut down.
func (l *Loop) Remove(c *computer.Computer) {
	l.computers.Delete(c)
}

// Computer looks up a registered computer by its current hostname.
func (l *Loop) Computer(hostname string) (*computer.Computer, bool) {
	var found *computer.Computer
	l.computers.Range(func(c *computer.Computer, _ struct{}) bool {
		if c.Hostname() == hostname {
			found = c
			return false
		}
		return true
	})
	return found, found != nil
}

// Computers returns the registered computers ordered by hostname.
func (l *Loop) Computers() []*computer.Computer {
	var out []*computer.Computer
	l.computers.Range(func(c *computer.Computer, _ struct{}) bool {
		out = append(out, c)
		return true
	})
	slices.SortFunc(out, func(a, b *computer.Computer) int {
		return strings.Compare(a.Hostname(), b.Hostname())
	})
	return out
}

// Tick drains the main queue, then ticks every computer. Only the loop
// goroutine (or a test standing in for it) may call Tick.
func (l *Loop) Tick() {
	l.queue.Drain()
	l.computers.Range(func(c *computer.Computer, _ struct{}) bool {
		c.Tick()
		return true
	})
	l.ticks.Add(1)
}

// Run ticks every TickInterval until ctx ends or Stop is called. On return
// the main queue is closed, failing any program still waiting on it.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.done != nil {
		l.mu.Unlock()
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel, l.done = cancel, done
	l.mu.Unlock()

	defer func() {
		l.queue.Close()
		cancel()
		close(done)
	}()

	l.log.Info().Dur("interval", l.cfg.TickInterval).Msg("host loop started")
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			executed, failed := l.queue.Stats()
			l.log.Info().
				Int64("ticks", l.ticks.Load()).
				Int64("main_calls", executed).
				Int64("main_failures", failed).
				Msg("host loop stopped")
			return nil
		case <-ticker.C:
			l.Tick()
		}
	}
}

// Stop ends Run and waits for it to return.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Subscribe registers fn for owner notifications.
func (l *Loop) Subscribe(fn NotifyFunc) {
	l.mu.Lock()
	l.subscribers = append(l.subscribers, fn)
	l.mu.Unlock()
}

// Notify implements computer.Notifier.
func (l *Loop) Notify(hostname, msg string) {
	l.log.Info().Str("host", hostname).Str("message", msg).Msg("notification")
	l.mu.Lock()
	subs := slices.Clone(l.subscribers)
	l.mu.Unlock()
	for _, fn := range subs {
		fn(hostname, msg)
	}
}

// ExecuteCommand implements kernel.CommandSink. It runs on the host thread
// from a command device driver, so it must not wait on the main queue.
//
//	hosts              registered hostnames
//	ticks              completed ticks
//	notify <host> msg  send an owner notification
func (l *Loop) ExecuteCommand(cmdline string) (string, error) {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return "", ErrUnknownCommand
	}
	switch fields[0] {
	case "hosts":
		names := make([]string, 0)
		for _, c := range l.Computers() {
			names = append(names, c.Hostname())
		}
		return strings.Join(names, " "), nil
	case "ticks":
		return fmt.Sprint(l.ticks.Load()), nil
	case "notify":
		if len(fields) < 3 {
			return "", errors.New("usage: notify <host> <message>")
		}
		if _, ok := l.Computer(fields[1]); !ok {
			return "", fmt.Errorf("no such host: %s", fields[1])
		}
		l.Notify(fields[1], strings.Join(fields[2:], " "))
		return "ok", nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownCommand, fields[0])
}

var (
	_ computer.Notifier  = (*Loop)(nil)
	_ kernel.CommandSink = (*Loop)(nil)
)
