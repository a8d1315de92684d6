// Package `items` declares the narrow interfaces through which the replication
// subsystem consumes the repository metadata store, authorization, and
// archival-package serialization.  Implementations live elsewhere, see
// `itemsmgo` and `aip`.
package items

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"
)

var ErrNotFound = errors.New("item not found")

// Metadata fields that the default configuration consults.
const (
	FieldRightsLabel   = "dc.rights.label"
	FieldEmbargoLift   = "local.embargo.lift"
	FieldIdentifierURI = "dc.identifier.uri"
)

// `Item` is a read-only snapshot of a repository item.
type Item interface {
	Handle() string
	// `Values()` returns all values of a qualified metadata field, like
	// `dc.identifier.uri`, in document order.
	Values(field string) []string
	// `MetadataFields()` returns the fields that have values, sorted.
	MetadataFields() []string
	IsArchived() bool
	IsWithdrawn() bool
	Collection() string
	Bitstreams() []Bitstream
}

type Bitstream struct {
	Name string
	// `Path` is the location of the content in the local asset store.
	Path       string
	Size       int64
	ReadGroups []string
}

// `Session` is a database context.  A session is private to one job or one
// request and must be closed by its owner.
type Session interface {
	FindByHandle(ctx context.Context, handle string) (Item, error)
	// `ForEachItem()` visits all items.  It stops at the first error
	// returned by `fn` and returns it.
	ForEachItem(ctx context.Context, fn func(Item) error) error
	// `IgnoreAuthorization()` changes the authorization bypass and returns
	// the previous state, so that callers can restore it.
	IgnoreAuthorization(on bool) (prev bool)
	IgnoresAuthorization() bool
	Close()
}

type Store interface {
	// `Open()` returns a fresh session.  Sessions are never shared.
	Open(ctx context.Context) (Session, error)
}

type Authorizer interface {
	CanRead(item Item) (bool, error)
}

// `Disseminator` writes a self-contained archival package for `item` to the
// file `dst`.
type Disseminator interface {
	Disseminate(ctx context.Context, sess Session, item Item, dst string) error
}

type EventKind string

const (
	EventCreated  EventKind = "created"
	EventModified EventKind = "modified"
)

// `Event` is a content-change notification.  `Committed` tells that the
// producer emitted the event after the item transaction had committed, so
// that consumers need not wait for the item to become stable.
type Event struct {
	Id        ulid.ULID
	Handle    string
	Kind      EventKind
	Committed bool
}

// `FirstValue()` returns the first non-empty value of `field`.
func FirstValue(item Item, field string) (string, bool) {
	for _, v := range item.Values(field) {
		if v != "" {
			return v, true
		}
	}
	return "", false
}
