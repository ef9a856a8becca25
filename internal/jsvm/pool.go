package jsvm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"consolevm/internal/vmerr"
)

// PoolConfig holds configuration for the VM pool.
type PoolConfig struct {
	// MaxSize is the maximum number of scripts running at once.
	MaxSize int
	// AcquireTimeout is the maximum time to wait for a free slot.
	AcquireTimeout time.Duration
}

// DefaultPoolConfig returns a PoolConfig with sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSize:        16,
		AcquireTimeout: 2 * time.Second,
	}
}

// VMPool bounds how many script runtimes exist at once. Every Acquire hands
// out a fresh goja.Runtime: global state is never carried from one program
// to the next.
type VMPool struct {
	slots          chan struct{}
	maxSize        int
	acquireTimeout time.Duration
	createCount    atomic.Int64
	activeCount    atomic.Int64

	mu       sync.Mutex
	closed   bool
	closedCh chan struct{}
}

// NewVMPool creates a new VM pool with the given configuration.
func NewVMPool(cfg PoolConfig) *VMPool {
	def := DefaultPoolConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	return &VMPool{
		slots:          make(chan struct{}, cfg.MaxSize),
		maxSize:        cfg.MaxSize,
		acquireTimeout: cfg.AcquireTimeout,
		closedCh:       make(chan struct{}),
	}
}

func newRuntime() *goja.Runtime {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	return vm
}

// Acquire waits for a free slot and returns a new runtime. It fails with
// vmerr.ErrSlotsExhausted when no slot frees up within the acquire timeout,
// and with the context's error when ctx ends first.
func (p *VMPool) Acquire(ctx context.Context) (*goja.Runtime, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, vmerr.ErrSlotsExhausted
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
	case <-timer.C:
		return nil, vmerr.ErrSlotsExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closedCh:
		return nil, vmerr.ErrSlotsExhausted
	}

	p.createCount.Add(1)
	p.activeCount.Add(1)
	return newRuntime(), nil
}

// Release frees the slot held by vm. The runtime must not be used again.
func (p *VMPool) Release(vm *goja.Runtime) {
	if vm == nil {
		return
	}
	vm.ClearInterrupt()
	p.activeCount.Add(-1)
	<-p.slots
}

// Close rejects further Acquire calls. Runtimes already handed out keep
// their slots until released.
func (p *VMPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.closedCh)
	}
	return nil
}

// Stats returns current pool statistics.
func (p *VMPool) Stats() PoolStats {
	return PoolStats{
		MaxSize: p.maxSize,
		Created: int(p.createCount.Load()),
		Active:  int(p.activeCount.Load()),
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	MaxSize int
	Created int
	Active  int
}
