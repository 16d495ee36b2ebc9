package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/zhouzirui/memorial-call/backend/pkg/logger"
)

// ErrClosed is returned by Go once Close has been called.
var ErrClosed = errors.New("worker pool closed")

const defaultSize = 8

// Pool runs background jobs off the transports' read goroutines. Short jobs
// (outbound dispatch) share a bounded number of slots; long-lived loops
// (progress tickers) run beside them so they can never hold a slot for the
// length of a processing phase.
type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	loops  sync.WaitGroup
	log    logrus.FieldLogger

	mu     sync.Mutex
	closed bool
}

// NewPool 创建后台任务池，size<=0 时使用默认并发。
func NewPool(size int, log logrus.FieldLogger) *Pool {
	if size <= 0 {
		size = defaultSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
		log:    logger.Component(log, "worker"),
	}
}

// Go schedules fn. It never blocks the caller; fn waits for a free slot and
// receives a context cancelled by Close.
func (p *Pool) Go(name string, fn func(ctx context.Context)) error {
	if !p.track(&p.wg) {
		return ErrClosed
	}
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		p.run(name, fn)
	}()
	return nil
}

// GoLoop starts a long-lived job that does not take a slot. Close cancels it;
// Wait does not wait for it.
func (p *Pool) GoLoop(name string, fn func(ctx context.Context)) error {
	if !p.track(&p.loops) {
		return ErrClosed
	}
	go func() {
		defer p.loops.Done()
		p.run(name, fn)
	}()
	return nil
}

func (p *Pool) track(wg *sync.WaitGroup) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	wg.Add(1)
	return true
}

func (p *Pool) run(name string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("job", name).Errorf("background job panicked: %v", r)
		}
	}()
	fn(p.ctx)
}

// Wait blocks until every job scheduled with Go returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close cancels running jobs and loops and waits for them.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
	p.loops.Wait()
}
