// Package `itemsmgo` implements `items.Store` on MongoDB.  Items are stored in
// the collection `<ns>.items` keyed by handle.  Change events are stored in
// `<ns>.events` keyed by ULID strings, whose sort order is the event order.
package itemsmgo

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"sort"
	"sync"

	"github.com/nogproject/nogb2/backend/internal/items"
	"github.com/oklog/ulid/v2"
	mgo "gopkg.in/mgo.v2"
	bson "gopkg.in/mgo.v2/bson"
)

// `KeyX` is the Mongo field name for the Go field `X`.
const (
	KeyId        = "_id"
	KeyArchived  = "archived"
	KeyWithdrawn = "withdrawn"
)

type ItemDoc struct {
	Handle     string         `bson:"_id"`
	Archived   bool           `bson:"archived"`
	Withdrawn  bool           `bson:"withdrawn"`
	Collection string         `bson:"collection"`
	Metadata   []MetadataDoc  `bson:"metadata"`
	ReadGroups []string       `bson:"readGroups"`
	Bitstreams []BitstreamDoc `bson:"bitstreams"`
}

type MetadataDoc struct {
	K string `bson:"k"`
	V string `bson:"v"`
}

type BitstreamDoc struct {
	Name       string   `bson:"name"`
	Path       string   `bson:"path"`
	Size       int64    `bson:"size"`
	ReadGroups []string `bson:"readGroups"`
}

type EventDoc struct {
	Id        string `bson:"_id"`
	Handle    string `bson:"h"`
	Kind      string `bson:"k"`
	Committed bool   `bson:"c"`
}

// `Store` holds the root session.  Each `Open()` and each journal query uses
// a copy of it, so that a connection problem in one job does not affect
// other jobs.
type Store struct {
	mgs     *mgo.Session
	itemsC  string
	eventsC string
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

var _ items.Store = (*Store)(nil)

func NewStore(mgs *mgo.Session, ns string) *Store {
	return &Store{
		mgs:     mgs,
		itemsC:  ns + ".items",
		eventsC: ns + ".events",
		entropy: ulid.Monotonic(crand.Reader, 0),
	}
}

func (s *Store) Open(ctx context.Context) (items.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn := s.mgs.Copy()
	return &Session{
		conn:  conn,
		items: conn.DB("").C(s.itemsC),
	}, nil
}

// `PutItem()` inserts or replaces an item.
func (s *Store) PutItem(doc *ItemDoc) error {
	conn := s.mgs.Copy()
	defer conn.Close()
	_, err := conn.DB("").C(s.itemsC).UpsertId(doc.Handle, doc)
	return err
}

// `AppendEvent()` adds a change event.  IDs are monotonic within the process.
func (s *Store) AppendEvent(
	handle string, kind items.EventKind, committed bool,
) (items.Event, error) {
	s.mu.Lock()
	id, err := ulid.New(ulid.Now(), s.entropy)
	s.mu.Unlock()
	if err != nil {
		return items.Event{}, err
	}

	conn := s.mgs.Copy()
	defer conn.Close()
	if err := conn.DB("").C(s.eventsC).Insert(EventDoc{
		Id:        id.String(),
		Handle:    handle,
		Kind:      string(kind),
		Committed: committed,
	}); err != nil {
		return items.Event{}, err
	}
	return items.Event{
		Id:        id,
		Handle:    handle,
		Kind:      kind,
		Committed: committed,
	}, nil
}

// `EventsAfter()` implements `observe.Journal`.
func (s *Store) EventsAfter(
	ctx context.Context, after ulid.ULID, limit int,
) ([]items.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn := s.mgs.Copy()
	defer conn.Close()

	var sel bson.M
	if after != (ulid.ULID{}) {
		sel = bson.M{KeyId: bson.M{"$gt": after.String()}}
	}
	var docs []EventDoc
	err := conn.DB("").C(s.eventsC).Find(sel).
		Sort(KeyId).Limit(limit).All(&docs)
	if err != nil {
		return nil, err
	}

	evs := make([]items.Event, 0, len(docs))
	for _, d := range docs {
		id, err := ulid.Parse(d.Id)
		if err != nil {
			return nil, fmt.Errorf("invalid event id `%s`: %w", d.Id, err)
		}
		evs = append(evs, items.Event{
			Id:        id,
			Handle:    d.Handle,
			Kind:      items.EventKind(d.Kind),
			Committed: d.Committed,
		})
	}
	return evs, nil
}

type Session struct {
	conn   *mgo.Session
	items  *mgo.Collection
	bypass bool
}

func (ses *Session) FindByHandle(
	ctx context.Context, handle string,
) (items.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc ItemDoc
	err := ses.items.FindId(handle).One(&doc)
	switch {
	case err == mgo.ErrNotFound:
		return nil, items.ErrNotFound
	case err != nil:
		return nil, err
	}
	return &Item{doc: doc}, nil
}

func (ses *Session) ForEachItem(
	ctx context.Context, fn func(items.Item) error,
) error {
	iter := ses.items.Find(nil).Sort(KeyId).Iter()
	var doc ItemDoc
	for iter.Next(&doc) {
		if err := ctx.Err(); err != nil {
			_ = iter.Close()
			return err
		}
		if err := fn(&Item{doc: doc}); err != nil {
			_ = iter.Close()
			return err
		}
		doc = ItemDoc{}
	}
	return iter.Close()
}

func (ses *Session) IgnoreAuthorization(on bool) bool {
	prev := ses.bypass
	ses.bypass = on
	return prev
}

func (ses *Session) IgnoresAuthorization() bool {
	return ses.bypass
}

func (ses *Session) Close() {
	if ses.conn != nil {
		ses.conn.Close()
		ses.conn = nil
	}
}

// `Item` is a snapshot of an `ItemDoc`.
type Item struct {
	doc ItemDoc
}

func (it *Item) Handle() string { return it.doc.Handle }
func (it *Item) IsArchived() bool { return it.doc.Archived }
func (it *Item) IsWithdrawn() bool { return it.doc.Withdrawn }
func (it *Item) Collection() string { return it.doc.Collection }
func (it *Item) ReadGroups() []string { return it.doc.ReadGroups }

func (it *Item) Values(field string) []string {
	var vs []string
	for _, m := range it.doc.Metadata {
		if m.K == field {
			vs = append(vs, m.V)
		}
	}
	return vs
}

func (it *Item) MetadataFields() []string {
	seen := make(map[string]struct{})
	var fs []string
	for _, m := range it.doc.Metadata {
		if _, ok := seen[m.K]; ok {
			continue
		}
		seen[m.K] = struct{}{}
		fs = append(fs, m.K)
	}
	sort.Strings(fs)
	return fs
}

func (it *Item) Bitstreams() []items.Bitstream {
	bs := make([]items.Bitstream, 0, len(it.doc.Bitstreams))
	for _, d := range it.doc.Bitstreams {
		bs = append(bs, items.Bitstream{
			Name:       d.Name,
			Path:       d.Path,
			Size:       d.Size,
			ReadGroups: d.ReadGroups,
		})
	}
	return bs
}

// `GroupAuthorizer` allows reading items whose read groups contain `Group`,
// usually the anonymous group.
type GroupAuthorizer struct {
	Group string
}

func (a GroupAuthorizer) CanRead(item items.Item) (bool, error) {
	it, ok := item.(*Item)
	if !ok {
		return false, fmt.Errorf("unsupported item type %T", item)
	}
	for _, g := range it.doc.ReadGroups {
		if g == a.Group {
			return true, nil
		}
	}
	return false, nil
}
