package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// host drains q until stop is closed.
func host(q *MainQueue, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-q.Ready():
			q.Drain()
		case <-time.After(time.Millisecond):
			q.Drain()
		}
	}
}

func TestMainQueue(t *testing.T) {
	t.Run("Call runs on drain", func(t *testing.T) {
		q := NewMainQueue()
		stop := make(chan struct{})
		defer close(stop)
		go host(q, stop)

		executed := false
		if err := q.Call(context.Background(), func() error {
			executed = true
			return nil
		}); err != nil {
			t.Fatalf("Call failed: %v", err)
		}
		if !executed {
			t.Error("callback was not executed")
		}
	})

	t.Run("Call returns callback error", func(t *testing.T) {
		q := NewMainQueue()
		stop := make(chan struct{})
		defer close(stop)
		go host(q, stop)

		want := errors.New("no such computer")
		if err := q.Call(context.Background(), func() error { return want }); !errors.Is(err, want) {
			t.Errorf("expected %v, got %v", want, err)
		}
	})

	t.Run("FIFO order", func(t *testing.T) {
		q := NewMainQueue()
		var order []int
		for i := 0; i < 5; i++ {
			idx := i
			if err := q.Post(func() { order = append(order, idx) }); err != nil {
				t.Fatalf("Post failed: %v", err)
			}
		}
		if n := q.Drain(); n != 5 {
			t.Fatalf("expected 5 executed, got %d", n)
		}
		for i, v := range order {
			if v != i {
				t.Fatalf("expected FIFO order, got %v", order)
			}
		}
	})

	t.Run("Requests queued during drain run next time", func(t *testing.T) {
		q := NewMainQueue()
		var ran []string
		_ = q.Post(func() {
			ran = append(ran, "first")
			_ = q.Post(func() { ran = append(ran, "second") })
		})
		if n := q.Drain(); n != 1 {
			t.Errorf("expected 1, got %d", n)
		}
		if q.Pending() != 1 {
			t.Errorf("expected 1 pending, got %d", q.Pending())
		}
		q.Drain()
		if len(ran) != 2 {
			t.Errorf("expected two runs, got %v", ran)
		}
	})

	t.Run("Panicking callback releases waiter", func(t *testing.T) {
		q := NewMainQueue()
		stop := make(chan struct{})
		defer close(stop)
		go host(q, stop)

		err := q.Call(context.Background(), func() error { panic("tick failed") })
		if !errors.Is(err, ErrCallbackFailed) {
			t.Errorf("expected ErrCallbackFailed, got %v", err)
		}
		if _, failed := q.Stats(); failed != 1 {
			t.Errorf("expected 1 failed, got %d", failed)
		}
	})

	t.Run("Abandoned request is skipped", func(t *testing.T) {
		q := NewMainQueue()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		executed := false
		err := q.Call(ctx, func() error { executed = true; return nil })
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
		if n := q.Drain(); n != 0 {
			t.Errorf("expected nothing executed, got %d", n)
		}
		if executed {
			t.Error("abandoned callback ran")
		}
	})

	t.Run("Close fails pending and future calls", func(t *testing.T) {
		q := NewMainQueue()
		var wg sync.WaitGroup
		errs := make(chan error, 3)
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- q.Call(context.Background(), func() error { return nil })
			}()
		}
		deadline := time.Now().Add(5 * time.Second)
		for q.Pending() < 3 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		q.Close()
		wg.Wait()
		close(errs)
		for err := range errs {
			if !errors.Is(err, ErrQueueClosed) {
				t.Errorf("expected ErrQueueClosed, got %v", err)
			}
		}
		if err := q.Post(func() {}); !errors.Is(err, ErrQueueClosed) {
			t.Errorf("expected ErrQueueClosed after close, got %v", err)
		}
	})

	t.Run("Concurrent callers", func(t *testing.T) {
		q := NewMainQueue()
		stop := make(chan struct{})
		defer close(stop)
		go host(q, stop)

		counter := 0
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = q.Call(context.Background(), func() error { counter++; return nil })
			}()
		}
		wg.Wait()
		if counter != 50 {
			t.Errorf("expected 50, got %d", counter)
		}
	})
}
