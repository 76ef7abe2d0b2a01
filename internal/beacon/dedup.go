package beacon

import "sync"

// Deduplicator remembers the last snapshot observed for each region and
// reports only snapshots that differ from it.
type Deduplicator struct {
	mu   sync.Mutex
	last map[string]Snapshot
}

// NewDeduplicator creates an empty Deduplicator.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{last: make(map[string]Snapshot)}
}

// Observe records snap as the latest snapshot for regionID. It returns the
// snapshot and true when it differs from the previous one, or false when the
// ranging update should be suppressed. A region with no history compares
// against the empty snapshot, so an empty first scan is suppressed.
func (d *Deduplicator) Observe(regionID string, snap Snapshot) (Snapshot, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.last[regionID]
	d.last[regionID] = snap.clone()

	if prev.Equal(snap) {
		return Snapshot{}, false
	}
	return snap, true
}

// Last returns the most recent snapshot recorded for regionID.
func (d *Deduplicator) Last(regionID string) (Snapshot, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap, ok := d.last[regionID]
	if !ok {
		return Snapshot{}, false
	}
	return snap.clone(), true
}

// Forget drops the history for regionID.
func (d *Deduplicator) Forget(regionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.last, regionID)
}

// Reset drops the history for every region.
func (d *Deduplicator) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = make(map[string]Snapshot)
}
