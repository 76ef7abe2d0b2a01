// Package beacon models proximity beacon scans and suppresses repeated
// ranging results.
package beacon

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ID is the identity of a single beacon. It is comparable with ==.
type ID struct {
	UUID  uuid.UUID `json:"uuid"`
	Major uint16    `json:"major"`
	Minor uint16    `json:"minor"`
}

func (id ID) String() string {
	return fmt.Sprintf("%s:%d:%d", id.UUID, id.Major, id.Minor)
}

// Beacon is one observed beacon with its signal strength.
type Beacon struct {
	ID
	RSSI    int `json:"rssi"`
	TxPower int `json:"tx_power,omitempty"`
}

// Snapshot is one scan's worth of observed beacons, in scan order.
type Snapshot struct {
	Beacons   []Beacon  `json:"beacons"`
	Timestamp time.Time `json:"timestamp"`
}

// Equal reports whether both snapshots carry the same beacon identities in
// the same order. Signal strength and timestamps are ignored.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s.Beacons) != len(other.Beacons) {
		return false
	}
	for i := range s.Beacons {
		if s.Beacons[i].ID != other.Beacons[i].ID {
			return false
		}
	}
	return true
}

// Filter returns a snapshot holding only the beacons accepted by keep,
// preserving scan order.
func (s Snapshot) Filter(keep func(Beacon) bool) Snapshot {
	out := Snapshot{Timestamp: s.Timestamp}
	for _, b := range s.Beacons {
		if keep(b) {
			out.Beacons = append(out.Beacons, b)
		}
	}
	return out
}

// Len returns the number of beacons in the snapshot.
func (s Snapshot) Len() int {
	return len(s.Beacons)
}

// IDs returns the identities in scan order.
func (s Snapshot) IDs() []ID {
	ids := make([]ID, len(s.Beacons))
	for i, b := range s.Beacons {
		ids[i] = b.ID
	}
	return ids
}

func (s Snapshot) clone() Snapshot {
	out := Snapshot{Timestamp: s.Timestamp}
	if s.Beacons != nil {
		out.Beacons = append([]Beacon(nil), s.Beacons...)
	}
	return out
}
