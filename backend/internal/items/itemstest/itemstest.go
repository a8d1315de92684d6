// Package `itemstest` provides an in-memory `items.Store` for tests.
package itemstest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/nogproject/nogb2/backend/internal/items"
)

var ErrStoreClosed = errors.New("store closed")

// `Item` is a plain value implementation of `items.Item`.
type Item struct {
	H          string
	Meta       map[string][]string
	Archived   bool
	Withdrawn  bool
	Coll       string
	Files      []items.Bitstream
	ReadGroups []string
}

func (it *Item) Handle() string { return it.H }
func (it *Item) Values(field string) []string { return it.Meta[field] }
func (it *Item) IsArchived() bool { return it.Archived }

func (it *Item) MetadataFields() []string {
	fs := make([]string, 0, len(it.Meta))
	for k, v := range it.Meta {
		if len(v) > 0 {
			fs = append(fs, k)
		}
	}
	sort.Strings(fs)
	return fs
}

func (it *Item) IsWithdrawn() bool { return it.Withdrawn }
func (it *Item) Collection() string { return it.Coll }
func (it *Item) Bitstreams() []items.Bitstream { return it.Files }

// `Clone()` returns a deep copy, so that sessions hand out snapshots.
func (it *Item) Clone() *Item {
	c := *it
	c.Meta = make(map[string][]string, len(it.Meta))
	for k, v := range it.Meta {
		c.Meta[k] = append([]string(nil), v...)
	}
	c.Files = append([]items.Bitstream(nil), it.Files...)
	c.ReadGroups = append([]string(nil), it.ReadGroups...)
	return &c
}

// `NewPublicItem()` returns an item that passes the default eligibility
// policy.
func NewPublicItem(handle string) *Item {
	return &Item{
		H: handle,
		Meta: map[string][]string{
			items.FieldRightsLabel:   {"PUB"},
			items.FieldIdentifierURI: {"http://hdl.handle.net/" + handle},
		},
		Archived:   true,
		Coll:       "123456789/1",
		ReadGroups: []string{"Anonymous"},
	}
}

// `Store` keeps items in a map.  Counters record session use, so that tests
// can check the per-job session discipline.
type Store struct {
	mu       sync.Mutex
	items    map[string]*Item
	opened   int
	closed   int
	OpenErr  error
	FindHook func(handle string, n int) (*Item, error)
	finds    map[string]int
	sessions []*Session
}

func NewStore(its ...*Item) *Store {
	s := &Store{
		items: make(map[string]*Item),
		finds: make(map[string]int),
	}
	for _, it := range its {
		s.items[it.H] = it
	}
	return s
}

func (s *Store) Put(it *Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[it.H] = it
}

// `Update()` modifies an item in place while holding the store lock.
func (s *Store) Update(handle string, fn func(*Item)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[handle]; ok {
		fn(it)
	}
}

func (s *Store) Open(ctx context.Context) (items.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	s.opened++
	ses := &Session{store: s}
	s.sessions = append(s.sessions, ses)
	return ses, nil
}

// `OpenedSessions()` returns all sessions in the order they were opened.
func (s *Store) OpenedSessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Session(nil), s.sessions...)
}

// `Sessions()` returns the number of opened and closed sessions.
func (s *Store) Sessions() (opened, closed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened, s.closed
}

func (s *Store) Finds(handle string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finds[handle]
}

type Session struct {
	store      *Store
	bypass     bool
	closed     bool
	BypassSeen []bool
}

func (ses *Session) FindByHandle(
	ctx context.Context, handle string,
) (items.Item, error) {
	s := ses.store
	s.mu.Lock()
	s.finds[handle]++
	n := s.finds[handle]
	hook := s.FindHook
	it, ok := s.items[handle]
	var snap *Item
	if ok {
		snap = it.Clone()
	}
	s.mu.Unlock()

	if hook != nil {
		hit, err := hook(handle, n)
		switch {
		case err != nil:
			return nil, err
		case hit == nil:
			return nil, items.ErrNotFound
		}
		return hit, nil
	}
	if !ok {
		return nil, items.ErrNotFound
	}
	return snap, nil
}

func (ses *Session) ForEachItem(
	ctx context.Context, fn func(items.Item) error,
) error {
	s := ses.store
	s.mu.Lock()
	hs := make([]string, 0, len(s.items))
	for h := range s.items {
		hs = append(hs, h)
	}
	sort.Strings(hs)
	snaps := make([]*Item, 0, len(hs))
	for _, h := range hs {
		snaps = append(snaps, s.items[h].Clone())
	}
	s.mu.Unlock()

	for _, it := range snaps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(it); err != nil {
			return err
		}
	}
	return nil
}

func (ses *Session) IgnoreAuthorization(on bool) bool {
	prev := ses.bypass
	ses.bypass = on
	ses.BypassSeen = append(ses.BypassSeen, on)
	return prev
}

func (ses *Session) IgnoresAuthorization() bool {
	return ses.bypass
}

func (ses *Session) Close() {
	if ses.closed {
		return
	}
	ses.closed = true
	ses.store.mu.Lock()
	ses.store.closed++
	ses.store.mu.Unlock()
}

// `GroupAuthorizer` allows reading items whose read groups contain `Group`.
type GroupAuthorizer struct {
	Group string
	Err   error
}

func (a GroupAuthorizer) CanRead(item items.Item) (bool, error) {
	if a.Err != nil {
		return false, a.Err
	}
	it, ok := item.(*Item)
	if !ok {
		return false, nil
	}
	for _, g := range it.ReadGroups {
		if g == a.Group {
			return true, nil
		}
	}
	return false, nil
}
