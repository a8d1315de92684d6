package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/nogproject/nogb2/backend/internal/nogb2repld/replstate"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultWorkers   = 1
	DefaultQueueSize = 1000
)

var ErrQueueFull = errors.New("replication queue full")
var ErrPoolClosed = errors.New("replication pool closed")

type Runner interface {
	Run(ctx context.Context, job *Job) error
}

type PoolConfig struct {
	Workers   int
	QueueSize int
	// `State` is used to release the claims of jobs that are abandoned
	// during shutdown.
	State *replstate.State
}

type PoolStatus struct {
	Workers  int `json:"workers"`
	Running  int `json:"running"`
	Queued   int `json:"queued"`
	Capacity int `json:"capacity"`
}

// `Pool` runs jobs from a bounded queue.  A weighted semaphore limits the
// number of concurrent transfers to `Workers`.  With the default of one
// worker, transfers are strictly serialized.
type Pool struct {
	lg     Logger
	runner Runner
	state  *replstate.State
	// `ctxSlow` is passed to jobs.  Transfers are not canceled when
	// `Run(ctx)` returns; they are given until `ctxSlow` is canceled.
	ctxSlow context.Context
	workers int
	queue   chan *Job
	sem     *semaphore.Weighted
	running int32

	mu     sync.Mutex
	closed bool
}

func NewPool(
	ctxSlow context.Context, lg Logger, runner Runner, cfg *PoolConfig,
) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Pool{
		lg:      lg,
		runner:  runner,
		state:   cfg.State,
		ctxSlow: ctxSlow,
		workers: workers,
		queue:   make(chan *Job, queueSize),
		sem:     semaphore.NewWeighted(int64(workers)),
	}
}

// `Submit()` queues `job` without blocking.  It returns `ErrQueueFull` if the
// queue is full and `ErrPoolClosed` after `Run()` has returned.
func (p *Pool) Submit(job *Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) Status() PoolStatus {
	return PoolStatus{
		Workers:  p.workers,
		Running:  int(atomic.LoadInt32(&p.running)),
		Queued:   len(p.queue),
		Capacity: cap(p.queue),
	}
}

// `Run()` dispatches queued jobs until `ctx` is canceled.  It then closes the
// pool, waits for running jobs, and abandons queued jobs.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	n := 0

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case job := <-p.queue:
			if err := p.sem.Acquire(ctx, 1); err != nil {
				p.abandon(job)
				n++
				break loop
			}
			wg.Add(1)
			atomic.AddInt32(&p.running, 1)
			go func() {
				defer wg.Done()
				defer p.sem.Release(1)
				defer atomic.AddInt32(&p.running, -1)
				_ = p.runner.Run(p.ctxSlow, job)
			}()
		}
	}

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case job := <-p.queue:
			p.abandon(job)
			n++
			continue
		default:
		}
		break
	}
	if n > 0 {
		p.lg.Warnw(
			"Abandoned queued replication jobs.",
			"n", n,
		)
	}

	wg.Wait()
	return ctx.Err()
}

func (p *Pool) abandon(job *Job) {
	if p.state != nil && job.Handle != "" {
		p.state.Abort(job.Handle)
	}
}
