package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := NewPool(2, nil)
	defer pool.Close()

	var running, peak int32
	release := make(chan struct{})
	for i := 0; i < 6; i++ {
		if err := pool.Go("job", func(ctx context.Context) {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&running, -1)
		}); err != nil {
			t.Fatalf("go: %v", err)
		}
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	pool.Wait()

	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", got)
	}
}

func TestPoolCloseCancelsJobs(t *testing.T) {
	pool := NewPool(1, nil)
	stopped := make(chan struct{})
	_ = pool.Go("ticker", func(ctx context.Context) {
		<-ctx.Done()
		close(stopped)
	})

	pool.Close()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("job did not observe cancellation")
	}
	if err := pool.Go("late", func(context.Context) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	pool := NewPool(1, nil)
	defer pool.Close()

	_ = pool.Go("panics", func(context.Context) { panic("boom") })
	done := make(chan struct{})
	_ = pool.Go("after", func(context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool stalled after a panicking job")
	}
}

func TestLoopsDoNotTakeSlots(t *testing.T) {
	pool := NewPool(1, nil)
	defer pool.Close()

	for i := 0; i < 3; i++ {
		if err := pool.GoLoop("ticker", func(ctx context.Context) { <-ctx.Done() }); err != nil {
			t.Fatalf("loop: %v", err)
		}
	}
	done := make(chan struct{})
	if err := pool.Go("dispatch", func(context.Context) { close(done) }); err != nil {
		t.Fatalf("go: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job starved behind long-lived loops")
	}
	pool.Wait()
}

func TestCloseStopsLoops(t *testing.T) {
	pool := NewPool(1, nil)
	stopped := make(chan struct{})
	_ = pool.GoLoop("ticker", func(ctx context.Context) {
		<-ctx.Done()
		close(stopped)
	})

	pool.Close()
	select {
	case <-stopped:
	default:
		t.Fatal("Close returned before the loop stopped")
	}
	if err := pool.GoLoop("late", func(context.Context) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
