package jsvm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"consolevm/internal/vmerr"
)

func TestNewVMPool(t *testing.T) {
	pool := NewVMPool(DefaultPoolConfig())
	defer pool.Close()

	stats := pool.Stats()
	if stats.MaxSize != 16 {
		t.Errorf("expected MaxSize 16, got %d", stats.MaxSize)
	}
	if stats.Created != 0 {
		t.Errorf("expected Created 0, got %d", stats.Created)
	}
}

func TestNewVMPool_InvalidConfig(t *testing.T) {
	pool := NewVMPool(PoolConfig{})
	defer pool.Close()

	if stats := pool.Stats(); stats.MaxSize != 16 {
		t.Errorf("expected default MaxSize 16, got %d", stats.MaxSize)
	}
}

func TestVMPool_AcquireReturnsFreshRuntime(t *testing.T) {
	pool := NewVMPool(PoolConfig{MaxSize: 1})
	defer pool.Close()

	ctx := context.Background()
	vm1, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("failed to acquire VM: %v", err)
	}
	if _, err := vm1.RunString("var leaked = 42"); err != nil {
		t.Fatalf("run: %v", err)
	}
	pool.Release(vm1)

	vm2, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("failed to acquire VM: %v", err)
	}
	defer pool.Release(vm2)
	if vm2 == vm1 {
		t.Fatal("runtime reused across acquisitions")
	}
	if v := vm2.Get("leaked"); v != nil {
		t.Errorf("global state leaked: %v", v)
	}

	stats := pool.Stats()
	if stats.Created != 2 || stats.Active != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestVMPool_AcquireTimeout(t *testing.T) {
	pool := NewVMPool(PoolConfig{
		MaxSize:        1,
		AcquireTimeout: 50 * time.Millisecond,
	})
	defer pool.Close()

	vm1, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("failed to acquire VM: %v", err)
	}
	defer pool.Release(vm1)

	if _, err = pool.Acquire(context.Background()); !errors.Is(err, vmerr.ErrSlotsExhausted) {
		t.Errorf("expected ErrSlotsExhausted, got %v", err)
	}
}

func TestVMPool_AcquireCancelled(t *testing.T) {
	pool := NewVMPool(PoolConfig{MaxSize: 1, AcquireTimeout: time.Minute})
	defer pool.Close()

	vm1, _ := pool.Acquire(context.Background())
	defer pool.Release(vm1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestVMPool_ConcurrentAccess(t *testing.T) {
	pool := NewVMPool(PoolConfig{MaxSize: 3, AcquireTimeout: 5 * time.Second})
	defer pool.Close()

	const goroutines = 10
	const iterations = 20

	var wg sync.WaitGroup
	var inUse, peak atomic.Int64

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				vm, err := pool.Acquire(context.Background())
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				n := inUse.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				inUse.Add(-1)
				pool.Release(vm)
			}
		}()
	}
	wg.Wait()

	if peak.Load() > 3 {
		t.Errorf("more than MaxSize runtimes in use: %d", peak.Load())
	}
	if stats := pool.Stats(); stats.Created != goroutines*iterations {
		t.Errorf("expected %d created, got %d", goroutines*iterations, stats.Created)
	}
}

func TestVMPool_Close(t *testing.T) {
	pool := NewVMPool(PoolConfig{MaxSize: 2})

	vm, _ := pool.Acquire(context.Background())
	pool.Release(vm)

	if err := pool.Close(); err != nil {
		t.Fatalf("failed to close pool: %v", err)
	}
	if _, err := pool.Acquire(context.Background()); !errors.Is(err, vmerr.ErrSlotsExhausted) {
		t.Errorf("expected ErrSlotsExhausted after close, got %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Errorf("double close should not error: %v", err)
	}
}

func TestVMPool_ReleaseNil(t *testing.T) {
	pool := NewVMPool(DefaultPoolConfig())
	defer pool.Close()

	pool.Release(nil)
}
