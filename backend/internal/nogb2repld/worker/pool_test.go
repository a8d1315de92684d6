package worker_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nogproject/nogb2/backend/internal/items/itemstest"
	"github.com/nogproject/nogb2/backend/internal/nogb2repld/replstate"
	"github.com/nogproject/nogb2/backend/internal/nogb2repld/worker"
	"github.com/nogproject/nogb2/backend/pkg/mulog"
	"github.com/stretchr/testify/require"
)

type doneRunner struct {
	state *replstate.State
}

func (r doneRunner) Run(ctx context.Context, job *worker.Job) error {
	r.state.Done(job.Handle)
	return nil
}

func TestPoolSerializesTransfers(t *testing.T) {
	var its []*itemstest.Item
	for i := 0; i < 4; i++ {
		its = append(its, itemstest.NewPublicItem(fmt.Sprintf("11234/%d", i)))
	}
	f := newFixture(t, its...)
	f.remote.StoreDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := worker.NewPool(ctx, f.lg, f.w, &worker.PoolConfig{
		QueueSize: 10,
		State:     f.state,
	})
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	for _, it := range its {
		require.True(t, f.state.Begin(it.H))
		require.NoError(t, pool.Submit(&worker.Job{
			Handle: it.H, Item: it, Committed: true, Remote: f.remote,
		}))
	}

	require.Eventually(t, func() bool {
		return f.state.Stats().Succeeded == int64(len(its))
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, f.remote.MaxActive())
	require.Equal(t, 1, pool.Status().Workers)

	cancel()
	require.Equal(t, context.Canceled, <-done)
	require.Equal(t, worker.ErrPoolClosed, pool.Submit(&worker.Job{}))
}

func TestPoolQueueFull(t *testing.T) {
	state := replstate.New()
	pool := worker.NewPool(
		context.Background(), mulog.NewRecorder(), doneRunner{state},
		&worker.PoolConfig{QueueSize: 2, State: state},
	)
	require.NoError(t, pool.Submit(&worker.Job{Handle: "1/a"}))
	require.NoError(t, pool.Submit(&worker.Job{Handle: "1/b"}))
	require.Equal(t, worker.ErrQueueFull, pool.Submit(&worker.Job{Handle: "1/c"}))
	require.Equal(t, 2, pool.Status().Queued)
}

func TestPoolShutdownReleasesQueuedJobs(t *testing.T) {
	state := replstate.New()
	pool := worker.NewPool(
		context.Background(), mulog.NewRecorder(), doneRunner{state},
		&worker.PoolConfig{QueueSize: 4, State: state},
	)
	for _, h := range []string{"1/a", "1/b", "1/c"} {
		require.True(t, state.Begin(h))
		require.NoError(t, pool.Submit(&worker.Job{Handle: h}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Equal(t, context.Canceled, pool.Run(ctx))
	require.Empty(t, state.InProgress())
	require.Equal(t, worker.ErrPoolClosed, pool.Submit(&worker.Job{}))
}

type blockingRunner struct {
	state   *replstate.State
	started chan string
	release chan struct{}
}

func (r blockingRunner) Run(ctx context.Context, job *worker.Job) error {
	r.started <- job.Handle
	<-r.release
	r.state.Done(job.Handle)
	return nil
}

func TestPoolShutdownCountsJobWaitingForWorker(t *testing.T) {
	state := replstate.New()
	lg := mulog.NewRecorder()
	runner := blockingRunner{
		state:   state,
		started: make(chan string, 1),
		release: make(chan struct{}),
	}
	pool := worker.NewPool(
		context.Background(), lg, runner,
		&worker.PoolConfig{QueueSize: 4, State: state},
	)
	for _, h := range []string{"1/a", "1/b", "1/c"} {
		require.True(t, state.Begin(h))
		require.NoError(t, pool.Submit(&worker.Job{Handle: h}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	require.Equal(t, "1/a", <-runner.started)
	// `1/b` has left the queue and waits for the busy worker.
	require.Eventually(t, func() bool {
		return pool.Status().Queued == 1
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		return lg.Has("warning", "Abandoned queued replication jobs.")
	}, 5*time.Second, time.Millisecond)
	close(runner.release)
	require.Equal(t, context.Canceled, <-done)

	var n interface{}
	for _, e := range lg.Entries() {
		if e.Msg == "Abandoned queued replication jobs." {
			n = e.KV[1]
		}
	}
	require.Equal(t, 2, n)
	require.Empty(t, state.InProgress())
	require.Equal(t, int64(1), state.Stats().Succeeded)
}
