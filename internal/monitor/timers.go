package monitor

import (
	"sync"
	"time"

	"geofenced/internal/timeutil"
)

type timerKind int

const (
	timerEnter timerKind = iota
	timerDwell
	timerExit
)

func (k timerKind) String() string {
	switch k {
	case timerEnter:
		return "enter"
	case timerDwell:
		return "dwell"
	case timerExit:
		return "exit"
	default:
		return "unknown"
	}
}

var timerKinds = []timerKind{timerEnter, timerDwell, timerExit}

type timerKey struct {
	regionID string
	kind     timerKind
}

type timerEntry struct {
	timer timeutil.Timer
	token uint64
}

// timerSet holds every scheduled dwell and debounce timer, keyed by region id.
// A firing timer must claim its entry; a cancelled or replaced entry makes
// the claim fail, so a late callback is a no-op.
type timerSet struct {
	mu      sync.Mutex
	clock   timeutil.Clock
	seq     uint64
	entries map[timerKey]timerEntry
}

func newTimerSet(clock timeutil.Clock) *timerSet {
	return &timerSet{
		clock:   clock,
		entries: make(map[timerKey]timerEntry),
	}
}

// schedule arms fn after d, replacing any timer already under key.
func (s *timerSet) schedule(key timerKey, d time.Duration, fn func(token uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		old.timer.Stop()
	}
	s.seq++
	token := s.seq
	t := s.clock.AfterFunc(d, func() { fn(token) })
	s.entries[key] = timerEntry{timer: t, token: token}
}

func (s *timerSet) has(key timerKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// claim removes the entry if it is still the one identified by token.
func (s *timerSet) claim(key timerKey, token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.token != token {
		return false
	}
	delete(s.entries, key)
	return true
}

func (s *timerSet) cancel(key timerKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(key)
}

func (s *timerSet) cancelRegion(regionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range timerKinds {
		s.cancelLocked(timerKey{regionID: regionID, kind: k})
	}
}

func (s *timerSet) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		s.cancelLocked(key)
	}
}

func (s *timerSet) cancelLocked(key timerKey) {
	if e, ok := s.entries[key]; ok {
		e.timer.Stop()
		delete(s.entries, key)
	}
}

func (s *timerSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *timerSet) lenRegion(regionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range timerKinds {
		if _, ok := s.entries[timerKey{regionID: regionID, kind: k}]; ok {
			n++
		}
	}
	return n
}
