// Package `sweep` implements the background task that catches up on items
// that are eligible for replication but have no remote replica.
//
// At most one sweep runs at a time.  A sweep seeds the pending queue with the
// missing replicas, then dispatches one handle per delay until the queue is
// drained or the target disables sweeping.  Failed handles are never retried
// by a sweep; an operator must clear the failure first.
package sweep

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nogproject/nogb2/backend/internal/nogb2repld/replstate"
	"golang.org/x/time/rate"
)

const DefaultDelay = 10 * time.Second

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

// `Target` is the coordinator as seen by the sweep.
type Target interface {
	// `SweepRequested()` is called by `Start()`.  It is serialized with
	// `SweepFinished()`, so that a request is never lost to a sweep that
	// is finishing concurrently.
	SweepRequested()
	// `SweepEnabled()` is checked before each iteration.
	SweepEnabled() bool
	ListMissingReplicas(ctx context.Context) ([]string, error)
	// `ReplicateHandle()` errors that wrap `ErrRetryLater` put the handle
	// back at the front of `pending`.  Errors that wrap `ErrStop` end the
	// sweep.  Other errors are counted and the handle is dropped.
	ReplicateHandle(ctx context.Context, handle string) error
	// `SweepFinished()` is called when a sweep exits, so that a new sweep
	// requires an explicit enable.
	SweepFinished()
}

var (
	ErrRetryLater = errors.New("retry later")
	ErrStop       = errors.New("stop sweep")
)

type Config struct {
	State *replstate.State
	Delay time.Duration
}

type Status struct {
	Running    bool      `json:"running"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
	Seeded     int       `json:"seeded"`
	Dispatched int       `json:"dispatched"`
	Skipped    int       `json:"skipped"`
	Retries    int       `json:"retries"`
	Errors     int       `json:"errors"`
	LastErr    string    `json:"lastErr,omitempty"`
}

type Scheduler struct {
	lg     Logger
	target Target
	state  *replstate.State
	delay  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	status Status

	// `gen` counts `Start()` calls.  A sweep that sees a newer `gen` when
	// it is about to finish runs again instead.
	gen uint64
}

func New(lg Logger, target Target, cfg *Config) *Scheduler {
	delay := cfg.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}
	done := make(chan struct{})
	close(done)
	return &Scheduler{
		lg:     lg,
		target: target,
		state:  cfg.State,
		delay:  delay,
		done:   done,
	}
}

// `Start()` starts a sweep unless one is already running.  It reports whether
// it started a new sweep.  If a sweep is running, it will scan again before it
// finishes.  The sweep stops when `ctx` is canceled.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target.SweepRequested()
	s.gen++
	if s.status.Running {
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.status = Status{
		Running:   true,
		StartedAt: time.Now(),
	}
	go s.run(ctx, s.done, s.gen)
	return true
}

// `Stop()` cancels a running sweep without waiting.  Use `Done()` to wait.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// `Done()` returns a channel that is closed when the current sweep has
// exited.  It is closed if no sweep is running.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) update(fn func(st *Status)) {
	s.mu.Lock()
	fn(&s.status)
	s.mu.Unlock()
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}, gen uint64) {
	s.lg.Infow("Sweep started.", "delay", s.delay)
	lim := rate.NewLimiter(rate.Every(s.delay), 1)
	for {
		s.sweep(ctx, lim)
		st, finished := s.finish(ctx, &gen)
		if finished {
			close(done)
			s.lg.Infow(
				"Sweep finished.",
				"dispatched", st.Dispatched,
				"skipped", st.Skipped,
				"retries", st.Retries,
				"errors", st.Errors,
			)
			return
		}
		s.lg.Infow("Sweep restarted for a new request.")
	}
}

// `finish()` clears `Running` and calls `SweepFinished()` under the same lock
// as `Start()`.  It returns false without finishing if `Start()` was called
// since `gen`.
func (s *Scheduler) finish(ctx context.Context, gen *uint64) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != *gen && ctx.Err() == nil {
		*gen = s.gen
		return s.status, false
	}
	s.target.SweepFinished()
	s.status.Running = false
	s.status.FinishedAt = time.Now()
	s.cancel()
	s.cancel = nil
	return s.status, true
}

func (s *Scheduler) enabled(ctx context.Context) bool {
	if !s.target.SweepEnabled() {
		s.lg.Infow("Sweep disabled.")
		return false
	}
	return ctx.Err() == nil
}

// `sweep()` seeds `pending` and dispatches until it is drained.
func (s *Scheduler) sweep(ctx context.Context, lim *rate.Limiter) {
	if !s.enabled(ctx) {
		return
	}
	if !s.seed(ctx) {
		return
	}

	for {
		if !s.enabled(ctx) {
			return
		}
		h, ok := s.state.Pop()
		if !ok {
			s.lg.Infow("Sweep drained pending queue.")
			return
		}
		if s.state.IsFailed(h) || s.state.IsInProgress(h) {
			s.update(func(st *Status) { st.Skipped++ })
			continue
		}

		if err := lim.Wait(ctx); err != nil {
			return
		}
		// The flag may have changed while waiting.
		if !s.enabled(ctx) {
			return
		}

		err := s.target.ReplicateHandle(ctx, h)
		switch {
		case err == nil:
			s.update(func(st *Status) { st.Dispatched++ })

		case errors.Is(err, ErrRetryLater):
			s.state.Requeue(h)
			s.update(func(st *Status) {
				st.Retries++
				st.LastErr = err.Error()
			})
			s.lg.Infow(
				"Sweep will retry dispatch.",
				"handle", h,
				"err", err,
				"retryIn", s.delay,
			)
			// Back off for an additional delay.
			if err := lim.Wait(ctx); err != nil {
				return
			}

		case errors.Is(err, ErrStop):
			s.state.Requeue(h)
			s.update(func(st *Status) {
				st.Errors++
				st.LastErr = err.Error()
			})
			s.lg.Warnw(
				"Sweep stopped.",
				"handle", h,
				"err", err,
			)
			return

		default:
			s.update(func(st *Status) {
				st.Errors++
				st.LastErr = err.Error()
			})
			s.lg.Warnw(
				"Sweep failed to dispatch replication.",
				"handle", h,
				"err", err,
			)
		}
	}
}

// `seed()` adds the missing replicas to `pending`, except failed and
// in-progress handles.
func (s *Scheduler) seed(ctx context.Context) bool {
	missing, err := s.target.ListMissingReplicas(ctx)
	if err != nil {
		s.update(func(st *Status) {
			st.Errors++
			st.LastErr = err.Error()
		})
		s.lg.Errorw(
			"Sweep failed to list missing replicas.",
			"err", err,
		)
		return false
	}

	hs := make([]string, 0, len(missing))
	skipped := 0
	for _, h := range missing {
		if s.state.IsFailed(h) || s.state.IsInProgress(h) {
			skipped++
			continue
		}
		hs = append(hs, h)
	}
	n := s.state.EnqueueAll(hs)
	s.update(func(st *Status) {
		st.Seeded = n
		st.Skipped += skipped
	})
	s.lg.Infow(
		"Sweep seeded pending queue.",
		"missing", len(missing),
		"queued", n,
		"skipped", skipped,
	)
	return true
}
