package worker_test

import (
	"context"
	"errors"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/nogproject/nogb2/backend/internal/b2safe/b2safetest"
	"github.com/nogproject/nogb2/backend/internal/items"
	"github.com/nogproject/nogb2/backend/internal/items/itemstest"
	"github.com/nogproject/nogb2/backend/internal/nogb2repld/replstate"
	"github.com/nogproject/nogb2/backend/internal/nogb2repld/worker"
	"github.com/nogproject/nogb2/backend/pkg/mulog"
	"github.com/stretchr/testify/require"
)

const replicaDir = "/zone/home/repl"

type fakeDisseminator struct {
	empty bool
	err   error
}

func (d *fakeDisseminator) Disseminate(
	ctx context.Context, sess items.Session, item items.Item, dst string,
) error {
	if d.err != nil {
		return d.err
	}
	content := []byte("package " + item.Handle())
	if d.empty {
		content = nil
	}
	return ioutil.WriteFile(dst, content, 0666)
}

type fixture struct {
	lg     *mulog.Recorder
	store  *itemstest.Store
	remote *b2safetest.Remote
	state  *replstate.State
	diss   *fakeDisseminator
	tmpDir string
	w      *worker.Worker
}

func newFixture(t *testing.T, its ...*itemstest.Item) *fixture {
	tmpDir, err := ioutil.TempDir("", "worker-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	f := &fixture{
		lg:     mulog.NewRecorder(),
		store:  itemstest.NewStore(its...),
		remote: b2safetest.New(),
		state:  replstate.New(),
		diss:   &fakeDisseminator{},
		tmpDir: tmpDir,
	}
	f.w = worker.New(f.lg, &worker.Config{
		Store:                 f.store,
		Disseminator:          f.diss,
		State:                 f.state,
		ReplicaDirectory:      replicaDir,
		TmpDir:                tmpDir,
		StabilizeInitialDelay: 2 * time.Millisecond,
		StabilizeMaxDelay:     10 * time.Millisecond,
		StabilizeTimeout:      50 * time.Millisecond,
	})
	return f
}

func (f *fixture) run(t *testing.T, job *worker.Job) error {
	require.True(t, f.state.Begin(job.Handle))
	if job.Remote == nil {
		job.Remote = f.remote
	}
	return f.w.Run(context.Background(), job)
}

func (f *fixture) requireCleanedUp(t *testing.T) {
	opened, closed := f.store.Sessions()
	require.Equal(t, opened, closed)
	for _, ses := range f.store.OpenedSessions() {
		require.Equal(t, []bool{true, false}, ses.BypassSeen)
	}
	infos, err := ioutil.ReadDir(f.tmpDir)
	require.NoError(t, err)
	require.Empty(t, infos)
}

func TestRunStoresPackage(t *testing.T) {
	it := itemstest.NewPublicItem("11234/1-1")
	f := newFixture(t, it)

	require.NoError(t, f.run(t, &worker.Job{Handle: "11234/1-1", Item: it}))

	o, ok := f.remote.Get(replicaDir + "/11234_1-1.zip")
	require.True(t, ok)
	require.Equal(t, "package 11234/1-1", string(o.Content))
	require.Equal(t, "http://hdl.handle.net/11234/1-1", o.ReferenceURI)

	require.False(t, f.state.IsInProgress("11234/1-1"))
	require.False(t, f.state.IsFailed("11234/1-1"))
	require.Equal(t, int64(1), f.state.Stats().Succeeded)
	require.True(t, f.lg.Has("info", "Replicated item."))
	f.requireCleanedUp(t)
}

func TestTransportFailure(t *testing.T) {
	it := itemstest.NewPublicItem("11234/1")
	f := newFixture(t, it)
	f.remote.StoreErr = b2safetest.ErrInjected

	err := f.run(t, &worker.Job{Handle: "11234/1", Item: it})
	require.True(t, errors.Is(err, b2safetest.ErrInjected))

	require.False(t, f.state.IsInProgress("11234/1"))
	require.True(t, f.state.IsFailed("11234/1"))
	require.Contains(t, f.state.Failed()[0].Err, "injected")
	require.True(t, f.lg.Has("error", "Replication failed."))
	f.requireCleanedUp(t)
}

func TestEmptyPackage(t *testing.T) {
	it := itemstest.NewPublicItem("11234/1")
	f := newFixture(t, it)
	f.diss.empty = true

	err := f.run(t, &worker.Job{Handle: "11234/1", Item: it})
	require.Equal(t, worker.ErrEmptyPackage, err)
	require.True(t, f.state.IsFailed("11234/1"))
	require.Equal(t, 0, f.remote.Stores())
	f.requireCleanedUp(t)
}

func TestDisseminatorError(t *testing.T) {
	it := itemstest.NewPublicItem("11234/1")
	f := newFixture(t, it)
	f.diss.err = errors.New("no bitstream")

	err := f.run(t, &worker.Job{Handle: "11234/1", Item: it})
	require.Error(t, err)
	require.True(t, f.state.IsFailed("11234/1"))
	f.requireCleanedUp(t)
}

func TestMissingURI(t *testing.T) {
	it := itemstest.NewPublicItem("11234/1")
	delete(it.Meta, items.FieldIdentifierURI)
	f := newFixture(t, it)

	err := f.run(t, &worker.Job{Handle: "11234/1", Item: it})
	require.Equal(t, worker.ErrMissingURI, err)
	require.True(t, f.state.IsFailed("11234/1"))
	require.Equal(t, 0, f.remote.Stores())
	f.requireCleanedUp(t)
}

func TestOpenSessionError(t *testing.T) {
	it := itemstest.NewPublicItem("11234/1")
	f := newFixture(t, it)
	f.store.OpenErr = errors.New("db down")

	err := f.run(t, &worker.Job{Handle: "11234/1", Item: it})
	require.Error(t, err)
	require.True(t, f.state.IsFailed("11234/1"))
}

func TestMissingHandleIsDropped(t *testing.T) {
	f := newFixture(t)
	err := f.w.Run(context.Background(), &worker.Job{Remote: f.remote})
	require.Equal(t, worker.ErrMissingHandle, err)
	require.Empty(t, f.state.Failed())
}

func TestStabilizeWaitsForArchived(t *testing.T) {
	it := itemstest.NewPublicItem("11234/1")
	f := newFixture(t, it)
	f.store.FindHook = func(handle string, n int) (*itemstest.Item, error) {
		c := it.Clone()
		c.Archived = n >= 3
		return c, nil
	}

	require.NoError(t, f.run(t, &worker.Job{Handle: "11234/1", Item: it}))
	require.Equal(t, 3, f.store.Finds("11234/1"))
	require.False(t, f.lg.Has("warning", "did not become stable"))
}

func TestStabilizeDegraded(t *testing.T) {
	it := itemstest.NewPublicItem("11234/1")
	it.Archived = false
	f := newFixture(t, it)

	require.NoError(t, f.run(t, &worker.Job{Handle: "11234/1", Item: it}))
	require.True(t, f.store.Finds("11234/1") > 1)
	require.True(t, f.lg.Has("warning", "did not become stable"))
	require.Equal(t, 1, f.remote.Stores())
}

func TestStabilizeItemNeverFound(t *testing.T) {
	f := newFixture(t)

	err := f.run(t, &worker.Job{Handle: "11234/404"})
	require.Equal(t, worker.ErrMissingItem, err)
	require.True(t, f.state.IsFailed("11234/404"))
}

func TestCommittedSkipsWait(t *testing.T) {
	it := itemstest.NewPublicItem("11234/1")
	it.Archived = false
	f := newFixture(t, it)

	require.NoError(t, f.run(t, &worker.Job{
		Handle:    "11234/1",
		Item:      it,
		Committed: true,
	}))
	require.Equal(t, 0, f.store.Finds("11234/1"))
	require.False(t, f.lg.Has("warning", "did not become stable"))
}

func TestForceOverwrites(t *testing.T) {
	it := itemstest.NewPublicItem("11234/1")
	f := newFixture(t, it)
	path := replicaDir + "/11234_1.zip"
	f.remote.Put(path, []byte("old"), "")

	require.NoError(t, f.run(t, &worker.Job{Handle: "11234/1", Item: it}))
	o, _ := f.remote.Get(path)
	require.Equal(t, "old", string(o.Content))

	require.NoError(t, f.run(t, &worker.Job{
		Handle: "11234/1", Item: it, Force: true,
	}))
	o, _ = f.remote.Get(path)
	require.Equal(t, "package 11234/1", string(o.Content))
	require.Equal(t, 2, o.Version)
}
