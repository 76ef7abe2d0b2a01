package host

import (
	"sync"
	"time"

	"geofenced/internal/beacon"
)

// scanWindow groups advertisements seen during one scan window into a
// snapshot. Beacons keep the order in which they were first seen; a beacon
// heard twice keeps its latest signal reading.
type scanWindow struct {
	mu    sync.Mutex
	order []beacon.ID
	seen  map[beacon.ID]beacon.Beacon
}

func newScanWindow() *scanWindow {
	return &scanWindow{seen: make(map[beacon.ID]beacon.Beacon)}
}

// observe records the iBeacon frames found in manufacturer data. It reports
// whether any frame was an iBeacon.
func (w *scanWindow) observe(manufacturer map[uint16][]byte, rssi int) bool {
	data, ok := manufacturer[beacon.AppleCompanyID]
	if !ok {
		return false
	}
	id, txPower, ok := beacon.ParseIBeacon(data)
	if !ok {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, known := w.seen[id]; !known {
		w.order = append(w.order, id)
	}
	w.seen[id] = beacon.Beacon{ID: id, RSSI: rssi, TxPower: txPower}
	return true
}

// flush returns the window's snapshot and starts a new window. An empty
// window yields an empty snapshot so regions can observe absence.
func (w *scanWindow) flush(at time.Time) beacon.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := beacon.Snapshot{Beacons: make([]beacon.Beacon, 0, len(w.order)), Timestamp: at}
	for _, id := range w.order {
		snap.Beacons = append(snap.Beacons, w.seen[id])
	}
	w.order = w.order[:0]
	clear(w.seen)
	return snap
}
