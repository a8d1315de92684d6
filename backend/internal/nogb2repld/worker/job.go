package worker

import (
	"github.com/nogproject/nogb2/backend/internal/b2safe"
	"github.com/nogproject/nogb2/backend/internal/items"
)

// `Job` is a request to replicate one item.  It is created when dispatched and
// dropped when the worker finishes.
type Job struct {
	Handle string
	// `Item` is the snapshot that the caller has checked.  The worker
	// reloads the item in its own session, and uses the snapshot only if
	// the reload fails.
	Item items.Item
	// `Force` overwrites an existing remote object.
	Force bool
	// `Committed` tells that the item transaction has committed, so that
	// the stabilization wait can be skipped.
	Committed bool
	// `Remote` is the shared federation session at dispatch time.
	Remote b2safe.Client
}
