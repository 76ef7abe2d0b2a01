package region

import "sync"

// Store is the in-memory registry of regions for one monitoring session.
// Iteration follows registration order; re-registering an id keeps its slot.
type Store struct {
	mu      sync.RWMutex
	regions map[string]Region
	order   []string
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{regions: make(map[string]Region)}
}

// Register validates r and stores it, replacing any region with the same id.
// An invalid region leaves the previous definition in place.
func (s *Store) Register(r Region) (replaced bool, err error) {
	if err := r.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, replaced = s.regions[r.ID]
	if !replaced {
		s.order = append(s.order, r.ID)
	}
	s.regions[r.ID] = r
	return replaced, nil
}

// Unregister removes the region and reports whether it existed.
func (s *Store) Unregister(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.regions[id]; !ok {
		return false
	}
	delete(s.regions, id)
	for i, other := range s.order {
		if other == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the region registered under id.
func (s *Store) Get(id string) (Region, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.regions[id]
	return r, ok
}

// List returns every region in registration order.
func (s *Store) List() []Region {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Region, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.regions[id])
	}
	return out
}

// Len returns the number of registered regions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
