// Package `observe` turns item change events into replication requests.  It
// polls the event journal after the last processed event and saves the
// journal position, so that a restart continues where it stopped.
package observe

import (
	"context"
	"errors"
	"time"

	"github.com/nogproject/nogb2/backend/internal/items"
	"github.com/nogproject/nogb2/backend/internal/nogb2repld/coordinator"
	"github.com/oklog/ulid/v2"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultBatchSize    = 100
	DefaultRetryDelay   = 20 * time.Second
)

// `StateName` is the key of the journal position in the state store.
const StateName = "items"

type Journal interface {
	// `EventsAfter()` returns up to `limit` events after `after` in ID
	// order.  The zero ULID means from the beginning.
	EventsAfter(
		ctx context.Context, after ulid.ULID, limit int,
	) ([]items.Event, error)
}

type Replicator interface {
	ReplicateHandle(
		ctx context.Context, handle string, opts coordinator.Options,
	) error
}

// `StateStore` preserves the journal position across restarts.
type StateStore interface {
	// `LoadULID()` returns the zero ULID if there is no saved position.
	LoadULID(name string) (ulid.ULID, error)
	SaveULID(name string, id ulid.ULID) error
}

type Config struct {
	Journal      Journal
	Replicator   Replicator
	StateStore   StateStore
	PollInterval time.Duration
	BatchSize    int
	RetryDelay   time.Duration
}

type Observer struct {
	lg           Logger
	journal      Journal
	repl         Replicator
	state        StateStore
	pollInterval time.Duration
	batchSize    int
	retryDelay   time.Duration
}

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

func NewObserver(lg Logger, cfg *Config) *Observer {
	o := &Observer{
		lg:           lg,
		journal:      cfg.Journal,
		repl:         cfg.Replicator,
		state:        cfg.StateStore,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		retryDelay:   cfg.RetryDelay,
	}
	if o.state == nil {
		o.state = NewVolatileStateStore()
	}
	if o.pollInterval <= 0 {
		o.pollInterval = DefaultPollInterval
	}
	if o.batchSize <= 0 {
		o.batchSize = DefaultBatchSize
	}
	if o.retryDelay <= 0 {
		o.retryDelay = DefaultRetryDelay
	}
	return o
}

// `Watch()` polls the journal until `ctx` is canceled.  Errors are logged and
// polling is retried after a delay.
func (o *Observer) Watch(ctx context.Context) error {
	o.lg.Infow("Started watching item events.", "every", o.pollInterval)
	for {
		wait := o.pollInterval
		if _, err := o.PollAll(ctx); err != nil {
			select {
			default:
			case <-ctx.Done():
				return ctx.Err()
			}
			wait = o.retryDelay
			o.lg.Errorw(
				"Will retry watch item events.",
				"err", err,
				"retryIn", wait,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// `PollAll()` processes batches until the journal is exhausted.  It returns
// the number of processed events.
func (o *Observer) PollAll(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := o.Poll(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n < o.batchSize {
			return total, nil
		}
	}
}

// `Poll()` processes one batch of events.  The position is saved after each
// event.  Processing stops at the first event that could not be handed to
// the coordinator for a reason that may resolve itself, so that the event is
// retried.
func (o *Observer) Poll(ctx context.Context) (int, error) {
	tail, err := o.state.LoadULID(StateName)
	if err != nil {
		return 0, err
	}
	evs, err := o.journal.EventsAfter(ctx, tail, o.batchSize)
	if err != nil {
		return 0, err
	}

	for i, ev := range evs {
		if err := o.handleEvent(ctx, ev); err != nil {
			return i, err
		}
		if err := o.state.SaveULID(StateName, ev.Id); err != nil {
			return i, err
		}
	}
	return len(evs), nil
}

func (o *Observer) handleEvent(ctx context.Context, ev items.Event) error {
	err := o.repl.ReplicateHandle(ctx, ev.Handle, coordinator.Options{
		Committed: ev.Committed,
	})
	switch {
	case err == nil:
		return nil
	// Wait for the federation instead of dropping events.
	case errors.Is(err, coordinator.ErrNotInitialized):
		return err
	case coordinator.IsPrecondition(err):
		o.lg.Infow(
			"Ignored item event.",
			"eventId", ev.Id.String(),
			"handle", ev.Handle,
			"kind", string(ev.Kind),
			"reason", err.Error(),
		)
		return nil
	default:
		return err
	}
}
