// Package `replstate` holds the process-wide replication state: the `pending`
// FIFO, the `inProgress` set, and the `failed` table.  All operations are
// guarded by a single mutex, and each operation keeps the three collections
// disjoint: a handle is in at most one of them at any time.
package replstate

import (
	"sort"
	"sync"
	"time"

	"github.com/paulbellamy/ratecounter"
)

// `RateInterval` is the window of the success and failure rates in `Stats`.
const RateInterval = time.Hour

type Failure struct {
	Handle string    `json:"handle"`
	Err    string    `json:"err"`
	At     time.Time `json:"at"`
}

type Stats struct {
	Pending          int   `json:"pending"`
	InProgress       int   `json:"inProgress"`
	Failed           int   `json:"failed"`
	Succeeded        int64 `json:"succeeded"`
	Failures         int64 `json:"failures"`
	SucceededPerHour int64 `json:"succeededPerHour"`
	FailedPerHour    int64 `json:"failedPerHour"`
}

// `claim` remembers what `Begin()` displaced, so that `Abort()` can restore
// it for a job that never ran.
type claim struct {
	since     time.Time
	failure   *Failure
	pendingAt int
}

type State struct {
	mu         sync.Mutex
	pending    []string
	isPending  map[string]struct{}
	inProgress map[string]claim
	failed     map[string]Failure

	nSucceeded  int64
	nFailures   int64
	succeededHz *ratecounter.RateCounter
	failedHz    *ratecounter.RateCounter
}

func New() *State {
	return &State{
		isPending:   make(map[string]struct{}),
		inProgress:  make(map[string]claim),
		failed:      make(map[string]Failure),
		succeededHz: ratecounter.NewRateCounter(RateInterval),
		failedHz:    ratecounter.NewRateCounter(RateInterval),
	}
}

// `Enqueue()` appends `handle` to `pending`.  It is a no-op if the handle is
// already pending or in progress.  Enqueueing a failed handle clears its
// failure entry.  It reports whether the handle was added.
func (s *State) Enqueue(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(handle)
}

func (s *State) enqueueLocked(handle string) bool {
	if _, ok := s.inProgress[handle]; ok {
		return false
	}
	if _, ok := s.isPending[handle]; ok {
		return false
	}
	delete(s.failed, handle)
	s.pending = append(s.pending, handle)
	s.isPending[handle] = struct{}{}
	return true
}

func (s *State) EnqueueAll(handles []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range handles {
		if s.enqueueLocked(h) {
			n++
		}
	}
	return n
}

// `Requeue()` puts `handle` at the front of `pending`, for example after a
// dispatch was rejected because the queue was full.  It has the same no-op
// rules as `Enqueue()`.
func (s *State) Requeue(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enqueueLocked(handle) {
		return false
	}
	n := len(s.pending)
	copy(s.pending[1:], s.pending[:n-1])
	s.pending[0] = handle
	return true
}

// `Pop()` removes and returns the oldest pending handle.
func (s *State) Pop() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return "", false
	}
	h := s.pending[0]
	s.pending[0] = ""
	s.pending = s.pending[1:]
	delete(s.isPending, h)
	return h, true
}

func (s *State) RemovePending(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removePendingLocked(handle)
}

func (s *State) removePendingLocked(handle string) bool {
	return s.removePendingAtLocked(handle) >= 0
}

// `removePendingAtLocked()` returns the former position, or -1.
func (s *State) removePendingAtLocked(handle string) int {
	if _, ok := s.isPending[handle]; !ok {
		return -1
	}
	delete(s.isPending, handle)
	for i, h := range s.pending {
		if h == handle {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return i
		}
	}
	return -1
}

func (s *State) ClearPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.pending)
	s.pending = nil
	s.isPending = make(map[string]struct{})
	return n
}

// `Begin()` claims `handle` for a transfer.  It returns false if a transfer
// for the handle is already in progress; the existing transfer wins.
// Otherwise, it removes the handle from `pending` and `failed` and marks it
// in progress.
func (s *State) Begin(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inProgress[handle]; ok {
		return false
	}
	c := claim{
		since:     time.Now(),
		pendingAt: s.removePendingAtLocked(handle),
	}
	if f, ok := s.failed[handle]; ok {
		c.failure = &f
		delete(s.failed, handle)
	}
	s.inProgress[handle] = c
	return true
}

// `Abort()` releases a claim without recording an outcome, for example when
// the job could not be queued.  It restores the failure entry or the pending
// position that `Begin()` removed.
func (s *State) Abort(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.inProgress[handle]
	if !ok {
		return
	}
	delete(s.inProgress, handle)

	switch {
	case c.failure != nil:
		s.failed[handle] = *c.failure
	case c.pendingAt >= 0:
		if _, ok := s.isPending[handle]; ok {
			return
		}
		i := c.pendingAt
		if i > len(s.pending) {
			i = len(s.pending)
		}
		s.pending = append(s.pending, "")
		copy(s.pending[i+1:], s.pending[i:])
		s.pending[i] = handle
		s.isPending[handle] = struct{}{}
	}
}

func (s *State) Done(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inProgress, handle)
	s.nSucceeded++
	s.succeededHz.Incr(1)
}

func (s *State) Fail(handle string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inProgress, handle)
	s.removePendingLocked(handle)
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	s.failed[handle] = Failure{
		Handle: handle,
		Err:    msg,
		At:     time.Now(),
	}
	s.nFailures++
	s.failedHz.Incr(1)
}

func (s *State) ClearFailed(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.failed[handle]; !ok {
		return false
	}
	delete(s.failed, handle)
	return true
}

func (s *State) IsFailed(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.failed[handle]
	return ok
}

func (s *State) IsInProgress(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inProgress[handle]
	return ok
}

func (s *State) IsPending(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.isPending[handle]
	return ok
}

// `Pending()` returns the pending handles in FIFO order.
func (s *State) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.pending...)
}

func (s *State) InProgress() []string {
	s.mu.Lock()
	hs := make([]string, 0, len(s.inProgress))
	for h := range s.inProgress {
		hs = append(hs, h)
	}
	s.mu.Unlock()
	sort.Strings(hs)
	return hs
}

// `Failed()` returns the failure table sorted by handle.
func (s *State) Failed() []Failure {
	s.mu.Lock()
	fs := make([]Failure, 0, len(s.failed))
	for _, f := range s.failed {
		fs = append(fs, f)
	}
	s.mu.Unlock()
	sort.Slice(fs, func(i, j int) bool {
		return fs[i].Handle < fs[j].Handle
	})
	return fs
}

func (s *State) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Pending:          len(s.pending),
		InProgress:       len(s.inProgress),
		Failed:           len(s.failed),
		Succeeded:        s.nSucceeded,
		Failures:         s.nFailures,
		SucceededPerHour: s.succeededHz.Rate(),
		FailedPerHour:    s.failedHz.Rate(),
	}
}
