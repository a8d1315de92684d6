// Package `worker` transfers archival packages to the federation.  A `Worker`
// executes one `Job`.  A `Pool` runs workers from a bounded queue with a
// bounded number of concurrent transfers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/nogproject/nogb2/backend/internal/b2safe"
	"github.com/nogproject/nogb2/backend/internal/items"
	"github.com/nogproject/nogb2/backend/internal/nogb2repld/replstate"
)

const (
	DefaultStabilizeInitialDelay = 250 * time.Millisecond
	DefaultStabilizeMaxDelay     = 4 * time.Second
	DefaultStabilizeTimeout      = 20 * time.Second
)

var (
	ErrMissingHandle = errors.New("missing handle")
	ErrMissingRemote = errors.New("missing federation client")
	ErrMissingItem   = errors.New("item not found")
	ErrEmptyPackage  = errors.New("archival package missing or empty")
	ErrMissingURI    = errors.New("missing reference URI")
)

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

type Config struct {
	Store        items.Store
	Disseminator items.Disseminator
	State        *replstate.State
	// `URIField` is the metadata field with the reference URI.
	URIField         string
	ReplicaDirectory string
	// `TmpDir` holds the packages during transfer.  Empty means
	// `os.TempDir()`.
	TmpDir                string
	StabilizeInitialDelay time.Duration
	StabilizeMaxDelay     time.Duration
	StabilizeTimeout      time.Duration
}

type Worker struct {
	lg               Logger
	store            items.Store
	diss             items.Disseminator
	state            *replstate.State
	uriField         string
	replicaDir       string
	tmpDir           string
	stabilizeInitial time.Duration
	stabilizeMax     time.Duration
	stabilizeTimeout time.Duration
}

func New(lg Logger, cfg *Config) *Worker {
	w := &Worker{
		lg:               lg,
		store:            cfg.Store,
		diss:             cfg.Disseminator,
		state:            cfg.State,
		uriField:         cfg.URIField,
		replicaDir:       cfg.ReplicaDirectory,
		tmpDir:           cfg.TmpDir,
		stabilizeInitial: cfg.StabilizeInitialDelay,
		stabilizeMax:     cfg.StabilizeMaxDelay,
		stabilizeTimeout: cfg.StabilizeTimeout,
	}
	if w.uriField == "" {
		w.uriField = items.FieldIdentifierURI
	}
	if w.tmpDir == "" {
		w.tmpDir = os.TempDir()
	}
	if w.stabilizeInitial <= 0 {
		w.stabilizeInitial = DefaultStabilizeInitialDelay
	}
	if w.stabilizeMax <= 0 {
		w.stabilizeMax = DefaultStabilizeMaxDelay
	}
	if w.stabilizeTimeout <= 0 {
		w.stabilizeTimeout = DefaultStabilizeTimeout
	}
	return w
}

// `Run()` executes `job`.  The caller must have claimed `job.Handle` with
// `State.Begin()`, which marks the handle in progress and clears a previous
// failure.  `Run()` always releases the claim: on success, the handle is
// removed from the state; on failure, it is moved to the failure table.
//
// The returned error is informational.  The outcome is recorded in the state.
func (w *Worker) Run(ctx context.Context, job *Job) (err error) {
	handle := job.Handle
	if handle == "" && job.Item != nil {
		handle = job.Item.Handle()
	}
	if handle == "" {
		// There is no key for the failure table.
		w.lg.Errorw(
			"Dropped replication job without handle.",
			"err", ErrMissingHandle,
		)
		return ErrMissingHandle
	}

	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("replication panic: %v", r)
		}
		if err != nil {
			w.state.Fail(handle, err)
			w.lg.Errorw(
				"Replication failed.",
				"handle", handle,
				"err", err,
			)
			return
		}
		w.state.Done(handle)
		w.lg.Infow(
			"Replicated item.",
			"handle", handle,
			"duration", time.Since(started),
		)
	}()

	if job.Remote == nil {
		return ErrMissingRemote
	}

	sess, err := w.store.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	prev := sess.IgnoreAuthorization(true)
	defer func() {
		sess.IgnoreAuthorization(prev)
		sess.Close()
	}()

	item, err := w.stableItem(ctx, sess, handle, job)
	if err != nil {
		return err
	}

	return w.transfer(ctx, sess, handle, item, job)
}

func (w *Worker) transfer(
	ctx context.Context,
	sess items.Session,
	handle string,
	item items.Item,
	job *Job,
) error {
	tmp := filepath.Join(
		w.tmpDir, fmt.Sprintf("nogb2-%s.zip", uuid.New()),
	)
	defer func() {
		if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
			w.lg.Warnw(
				"Failed to remove temporary package.",
				"path", tmp,
				"err", err,
			)
		}
	}()

	if err := w.diss.Disseminate(ctx, sess, item, tmp); err != nil {
		return fmt.Errorf("failed to create package: %w", err)
	}
	fi, err := os.Stat(tmp)
	if err != nil || fi.Size() == 0 {
		return ErrEmptyPackage
	}

	uri, ok := items.FirstValue(item, w.uriField)
	if !ok {
		return ErrMissingURI
	}

	obj := &b2safe.DataObject{
		Dir:          w.replicaDir,
		Name:         b2safe.HandleToFileName(handle),
		LocalPath:    tmp,
		ReferenceURI: uri,
		Size:         fi.Size(),
	}
	if err := job.Remote.Store(ctx, obj, job.Force); err != nil {
		return fmt.Errorf("failed to store `%s`: %w", obj.Path(), err)
	}
	return nil
}

// `stableItem()` reloads the item until it is archived.  If the item does not
// become stable before the timeout, the worker continues with the last state
// that it has seen and logs a warning.  A committed job skips the wait.
func (w *Worker) stableItem(
	ctx context.Context, sess items.Session, handle string, job *Job,
) (items.Item, error) {
	if job.Committed && job.Item != nil {
		return job.Item, nil
	}

	last := job.Item
	bo := newBackoff(
		w.stabilizeInitial, w.stabilizeMax, w.stabilizeTimeout,
	)
	tries := 0
	for {
		tries++
		it, err := sess.FindByHandle(ctx, handle)
		switch {
		case err == nil:
			last = it
			if it.IsArchived() {
				return it, nil
			}
		case errors.Is(err, items.ErrNotFound):
		default:
			w.lg.Warnw(
				"Failed to load item.",
				"handle", handle,
				"err", err,
			)
		}
		if job.Committed && last != nil {
			return last, nil
		}

		ok, err := bo.Wait(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
	}

	if last == nil {
		return nil, ErrMissingItem
	}
	w.lg.Warnw(
		"Item did not become stable; continuing with last known state.",
		"handle", handle,
		"tries", tries,
		"timeout", w.stabilizeTimeout,
		"archived", last.IsArchived(),
	)
	return last, nil
}
