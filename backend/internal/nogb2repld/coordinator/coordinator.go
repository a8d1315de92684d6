// Package `coordinator` owns the replication configuration, the shared
// replication state, and the worker pool.  It validates replication requests
// and dispatches them asynchronously.
//
// Requests can come from several goroutines at the same time: the change
// observer, the sweep, and the admin API.  A handle is claimed in the state
// before its job is queued, so that a second request for a handle that is
// queued or being transferred is a no-op.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nogproject/nogb2/backend/internal/b2safe"
	"github.com/nogproject/nogb2/backend/internal/eligibility"
	"github.com/nogproject/nogb2/backend/internal/items"
	"github.com/nogproject/nogb2/backend/internal/nogb2repld/replstate"
	"github.com/nogproject/nogb2/backend/internal/nogb2repld/sweep"
	"github.com/nogproject/nogb2/backend/internal/nogb2repld/worker"
)

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

type Config struct {
	Dial         b2safe.DialFunc
	Remote       b2safe.Config
	Store        items.Store
	Policy       *eligibility.Policy
	Disseminator items.Disseminator
	// `State` is created if nil.
	State *replstate.State

	ReplicationOn bool

	Workers               int
	QueueSize             int
	URIField              string
	TmpDir                string
	StabilizeInitialDelay time.Duration
	StabilizeMaxDelay     time.Duration
	StabilizeTimeout      time.Duration
	SweepDelay            time.Duration
}

// `Options` modify a replication request.
type Options struct {
	Force     bool
	Committed bool
}

type Status struct {
	ReplicationOn bool              `json:"replicationOn"`
	Initialized   bool              `json:"initialized"`
	ReplicateAll  bool              `json:"replicateAll"`
	State         replstate.Stats   `json:"state"`
	Pool          worker.PoolStatus `json:"pool"`
	Sweep         sweep.Status      `json:"sweep"`
}

type Coordinator struct {
	lg         Logger
	ctxSlow    context.Context
	dial       b2safe.DialFunc
	remoteCfg  b2safe.Config
	replicaDir string
	store      items.Store
	policy     *eligibility.Policy
	state      *replstate.State
	pool       *worker.Pool
	sweep      *sweep.Scheduler

	// `initMu` serializes `Initialize()`, which may block on the network,
	// without blocking readers of `mu`.
	initMu sync.Mutex

	mu           sync.Mutex
	remote       b2safe.Client
	initialized  bool
	on           bool
	replicateAll bool
}

// `New()` creates a coordinator.  `ctxSlow` bounds transfers and sweeps; it
// should be canceled only after the context of `Serve()` during shutdown.
func New(ctxSlow context.Context, lg Logger, cfg *Config) *Coordinator {
	state := cfg.State
	if state == nil {
		state = replstate.New()
	}
	policy := cfg.Policy
	if policy == nil {
		policy = eligibility.NewPolicy(&eligibility.Config{})
	}

	c := &Coordinator{
		lg:         lg,
		ctxSlow:    ctxSlow,
		dial:       cfg.Dial,
		remoteCfg:  cfg.Remote,
		replicaDir: cfg.Remote.ReplicaDirectory,
		store:      cfg.Store,
		policy:     policy,
		state:      state,
		on:         cfg.ReplicationOn,
	}

	w := worker.New(lg, &worker.Config{
		Store:                 cfg.Store,
		Disseminator:          cfg.Disseminator,
		State:                 state,
		URIField:              cfg.URIField,
		ReplicaDirectory:      c.replicaDir,
		TmpDir:                cfg.TmpDir,
		StabilizeInitialDelay: cfg.StabilizeInitialDelay,
		StabilizeMaxDelay:     cfg.StabilizeMaxDelay,
		StabilizeTimeout:      cfg.StabilizeTimeout,
	})
	c.pool = worker.NewPool(ctxSlow, lg, w, &worker.PoolConfig{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		State:     state,
	})
	c.sweep = sweep.New(lg, sweepTarget{c}, &sweep.Config{
		State: state,
		Delay: cfg.SweepDelay,
	})
	return c
}

// `Serve()` runs the worker pool until `ctx` is canceled.  It then stops a
// running sweep and waits for it.
func (c *Coordinator) Serve(ctx context.Context) error {
	err := c.pool.Run(ctx)
	c.sweep.Stop()
	<-c.sweep.Done()
	return err
}

// `Initialize()` connects to the federation.  It returns whether the
// connection is usable.  Failures are logged, not returned, so that callers
// can run with replication disabled and retry later.  An initialized client
// is reused.
func (c *Coordinator) Initialize(ctx context.Context) bool {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	c.mu.Lock()
	remote := c.remote
	ok := c.initialized
	c.mu.Unlock()
	if ok {
		return true
	}

	if remote == nil {
		if c.dial == nil {
			c.lg.Errorw("Missing federation driver.")
			return false
		}
		r, err := c.dial(&c.remoteCfg)
		if err != nil {
			c.lg.Errorw(
				"Failed to create federation client.",
				"protocol", c.remoteCfg.Protocol,
				"err", err,
			)
			return false
		}
		remote = r
	}

	ok, err := remote.Init(ctx)
	if err != nil || !ok {
		c.lg.Warnw(
			"Failed to connect to federation.",
			"protocol", c.remoteCfg.Protocol,
			"host", c.remoteCfg.Host,
			"err", err,
		)
	} else {
		c.lg.Infow(
			"Connected to federation.",
			"protocol", c.remoteCfg.Protocol,
			"host", c.remoteCfg.Host,
			"zone", c.remoteCfg.Zone,
		)
	}

	c.mu.Lock()
	c.remote = remote
	c.initialized = err == nil && ok
	c.mu.Unlock()
	return err == nil && ok
}

// `CheckConnection()` queries the federation server.  If the query fails, the
// coordinator is marked uninitialized, so that new requests are rejected
// until `Initialize()` succeeds again.
func (c *Coordinator) CheckConnection(ctx context.Context) bool {
	remote, ok := c.client()
	if !ok {
		return false
	}
	if _, err := remote.ServerInfo(ctx); err != nil {
		c.mu.Lock()
		c.initialized = false
		c.mu.Unlock()
		c.lg.Warnw(
			"Lost federation connection.",
			"protocol", c.remoteCfg.Protocol,
			"host", c.remoteCfg.Host,
			"err", err,
		)
		return false
	}
	return true
}

func (c *Coordinator) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

func (c *Coordinator) IsReplicationOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.on
}

func (c *Coordinator) SetReplicationOn(on bool) {
	c.mu.Lock()
	c.on = on
	c.mu.Unlock()
	c.lg.Infow("Changed replication.", "on", on)
}

func (c *Coordinator) IsReplicateAllOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replicateAll
}

// `SetReplicateAll(true)` starts a sweep unless one is running; a running
// sweep scans again before it finishes.  `SetReplicateAll(false)` clears
// `pending`; a running sweep observes the flag and stops.  It returns whether
// a new sweep was started.
func (c *Coordinator) SetReplicateAll(on bool) bool {
	if !on {
		c.mu.Lock()
		c.replicateAll = false
		c.mu.Unlock()
		n := c.state.ClearPending()
		c.lg.Infow("Disabled replicate all.", "clearedPending", n)
		return false
	}

	// The sweep sets the flag via `sweepTarget.SweepRequested()`.
	started := c.sweep.Start(c.ctxSlow)
	c.lg.Infow("Enabled replicate all.", "startedSweep", started)
	return started
}

func (c *Coordinator) client() (b2safe.Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote, c.initialized
}

// `Replicate()` validates the request and queues a job.  It returns before
// the transfer starts.  Transfer errors are recorded in the failure table.
//
// Precondition errors are `*PreconditionError`.  If the queue is full, it
// returns `worker.ErrQueueFull`, which is retryable.  A request for a handle
// that is already queued or in progress returns nil without queueing a second
// job.
func (c *Coordinator) Replicate(
	ctx context.Context, handle string, item items.Item, opts Options,
) error {
	if handle == "" && item != nil {
		handle = item.Handle()
	}
	if !c.IsReplicationOn() {
		return precondition(handle, ErrReplicationOff, nil)
	}
	remote, ok := c.client()
	if !ok {
		return precondition(handle, ErrNotInitialized, nil)
	}
	if item == nil {
		return precondition(handle, ErrMissingItem, nil)
	}
	if !b2safe.IsValidHandle(handle) {
		return precondition(handle, ErrInvalidHandle, nil)
	}
	if err := c.policy.Check(item); err != nil {
		return precondition(handle, ErrNotReplicatable, err)
	}

	if !c.state.Begin(handle) {
		c.lg.Infow(
			"Ignored replication request for handle in progress.",
			"handle", handle,
		)
		return nil
	}
	err := c.pool.Submit(&worker.Job{
		Handle:    handle,
		Item:      item,
		Force:     opts.Force,
		Committed: opts.Committed,
		Remote:    remote,
	})
	if err != nil {
		c.state.Abort(handle)
		return err
	}
	return nil
}

// `ReplicateHandle()` loads the item and calls `Replicate()`.
func (c *Coordinator) ReplicateHandle(
	ctx context.Context, handle string, opts Options,
) error {
	if !b2safe.IsValidHandle(handle) {
		return precondition(handle, ErrInvalidHandle, nil)
	}
	sess, err := c.store.Open(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	item, err := sess.FindByHandle(ctx, handle)
	switch {
	case errors.Is(err, items.ErrNotFound):
		return precondition(handle, ErrMissingItem, nil)
	case err != nil:
		return err
	}
	return c.Replicate(ctx, handle, item, opts)
}

// `ListMissingReplicas()` returns the eligible handles that have no object in
// the replica directory.
func (c *Coordinator) ListMissingReplicas(
	ctx context.Context,
) ([]string, error) {
	remote, ok := c.client()
	if !ok {
		return nil, precondition("", ErrNotInitialized, nil)
	}
	objs, err := remote.ListObjects(ctx, c.replicaDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list replicas: %w", err)
	}
	present := make(map[string]struct{}, len(objs))
	for _, o := range objs {
		present[o.Name] = struct{}{}
	}

	var missing []string
	err = c.forEachItem(ctx, func(it items.Item) error {
		if !c.policy.IsReplicatable(it) {
			return nil
		}
		h := it.Handle()
		if _, ok := present[b2safe.HandleToFileName(h)]; !ok {
			missing = append(missing, h)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return missing, nil
}

// `ReplicateMissing()` replicates up to `max` missing replicas; all if `max`
// is negative.  It returns the number of dispatched jobs.  Items that are
// rejected by a precondition are logged and skipped.  It stops if replication
// is turned off or the queue is full.
func (c *Coordinator) ReplicateMissing(
	ctx context.Context, max int,
) (int, error) {
	missing, err := c.ListMissingReplicas(ctx)
	if err != nil {
		return 0, err
	}
	if max >= 0 && len(missing) > max {
		missing = missing[:max]
	}

	n := 0
	for _, h := range missing {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		err := c.ReplicateHandle(ctx, h, Options{})
		switch {
		case err == nil:
			n++
		case errors.Is(err, ErrReplicationOff):
			return n, err
		case errors.Is(err, ErrNotInitialized):
			return n, err
		case IsPrecondition(err):
			c.lg.Warnw(
				"Skipped missing replica.",
				"handle", h,
				"err", err,
			)
		default:
			return n, err
		}
	}
	return n, nil
}

func (c *Coordinator) PublicItemHandles(ctx context.Context) ([]string, error) {
	pub, _, err := c.partition(ctx)
	return pub, err
}

func (c *Coordinator) NonPublicItemHandles(
	ctx context.Context,
) ([]string, error) {
	_, nonpub, err := c.partition(ctx)
	return nonpub, err
}

func (c *Coordinator) partition(
	ctx context.Context,
) (pub, nonpub []string, err error) {
	err = c.forEachItem(ctx, func(it items.Item) error {
		if c.policy.IsReplicatable(it) {
			pub = append(pub, it.Handle())
		} else {
			nonpub = append(nonpub, it.Handle())
		}
		return nil
	})
	return pub, nonpub, err
}

func (c *Coordinator) forEachItem(
	ctx context.Context, fn func(items.Item) error,
) error {
	sess, err := c.store.Open(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	return sess.ForEachItem(ctx, fn)
}

func (c *Coordinator) Pending() []string {
	return c.state.Pending()
}

func (c *Coordinator) Failed() []replstate.Failure {
	return c.state.Failed()
}

// `ClearFailed()` removes the failure entry, so that the next sweep
// reconsiders the handle.
func (c *Coordinator) ClearFailed(handle string) bool {
	ok := c.state.ClearFailed(handle)
	if ok {
		c.lg.Infow("Cleared replication failure.", "handle", handle)
	}
	return ok
}

func (c *Coordinator) ServerInfo(
	ctx context.Context,
) (map[string]string, error) {
	remote, ok := c.client()
	if !ok {
		return nil, precondition("", ErrNotInitialized, nil)
	}
	return remote.ServerInfo(ctx)
}

func (c *Coordinator) SweepStatus() sweep.Status {
	return c.sweep.Status()
}

// `SweepDone()` returns a channel that is closed when no sweep is running.
func (c *Coordinator) SweepDone() <-chan struct{} {
	return c.sweep.Done()
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	st := Status{
		ReplicationOn: c.on,
		Initialized:   c.initialized,
		ReplicateAll:  c.replicateAll,
	}
	c.mu.Unlock()
	st.State = c.state.Stats()
	st.Pool = c.pool.Status()
	st.Sweep = c.sweep.Status()
	return st
}

// `sweepTarget` adapts the coordinator to `sweep.Target`.
type sweepTarget struct {
	c *Coordinator
}

func (t sweepTarget) SweepRequested() {
	c := t.c
	c.mu.Lock()
	c.replicateAll = true
	c.mu.Unlock()
}

func (t sweepTarget) SweepEnabled() bool {
	c := t.c
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replicateAll && c.on
}

func (t sweepTarget) ListMissingReplicas(
	ctx context.Context,
) ([]string, error) {
	return t.c.ListMissingReplicas(ctx)
}

// `ReplicateHandle()` classifies errors for the sweep like
// `ReplicateMissing()` does.
func (t sweepTarget) ReplicateHandle(ctx context.Context, handle string) error {
	err := t.c.ReplicateHandle(ctx, handle, Options{})
	switch {
	case err == nil:
		return nil
	case IsRetryable(err):
		return fmt.Errorf("%w: %w", sweep.ErrRetryLater, err)
	case errors.Is(err, ErrReplicationOff),
		errors.Is(err, ErrNotInitialized),
		errors.Is(err, worker.ErrPoolClosed):
		return fmt.Errorf("%w: %w", sweep.ErrStop, err)
	default:
		return err
	}
}

func (t sweepTarget) SweepFinished() {
	c := t.c
	c.mu.Lock()
	c.replicateAll = false
	c.mu.Unlock()
}
