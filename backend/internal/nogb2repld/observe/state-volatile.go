package observe

import (
	"sync"

	"github.com/oklog/ulid/v2"
)

type VolatileStateStore struct {
	mu   sync.Mutex
	data map[string]ulid.ULID
}

func NewVolatileStateStore() *VolatileStateStore {
	return &VolatileStateStore{
		data: make(map[string]ulid.ULID),
	}
}

func (s *VolatileStateStore) LoadULID(name string) (ulid.ULID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[name], nil
}

func (s *VolatileStateStore) SaveULID(name string, id ulid.ULID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[name] = id
	return nil
}
