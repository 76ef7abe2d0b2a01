package beacon

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testUUID  = uuid.MustParse("f7826da6-4fa2-4e98-8024-bc5b71e0893e")
	otherUUID = uuid.MustParse("2f234454-cf6d-4a0f-adf2-f4911ba9ffa6")
)

func snap(ids ...ID) Snapshot {
	s := Snapshot{Timestamp: time.Unix(1700000000, 0)}
	for i, id := range ids {
		s.Beacons = append(s.Beacons, Beacon{ID: id, RSSI: -60 - i})
	}
	return s
}

func TestSnapshotEqual(t *testing.T) {
	a := ID{UUID: testUUID, Major: 1, Minor: 1}
	b := ID{UUID: testUUID, Major: 1, Minor: 2}
	c := ID{UUID: otherUUID, Major: 1, Minor: 1}

	tests := []struct {
		name  string
		left  Snapshot
		right Snapshot
		want  bool
	}{
		{"both empty", snap(), snap(), true},
		{"same order", snap(a, b), snap(a, b), true},
		{"different order", snap(a, b), snap(b, a), false},
		{"different length", snap(a), snap(a, b), false},
		{"different uuid", snap(a), snap(c), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.left.Equal(tt.right))
			assert.Equal(t, tt.want, tt.right.Equal(tt.left))
		})
	}
}

func TestSnapshotEqualIgnoresSignal(t *testing.T) {
	id := ID{UUID: testUUID, Major: 7, Minor: 9}
	left := Snapshot{Beacons: []Beacon{{ID: id, RSSI: -40}}, Timestamp: time.Unix(1, 0)}
	right := Snapshot{Beacons: []Beacon{{ID: id, RSSI: -90}}, Timestamp: time.Unix(2, 0)}

	assert.True(t, left.Equal(right))
}

func TestDeduplicatorSuppressesRepeats(t *testing.T) {
	d := NewDeduplicator()
	a := ID{UUID: testUUID, Major: 1, Minor: 1}

	emitted := 0
	for i := 0; i < 5; i++ {
		if _, ok := d.Observe("lobby", snap(a)); ok {
			emitted++
		}
	}
	assert.Equal(t, 1, emitted)
}

func TestDeduplicatorPerRegion(t *testing.T) {
	d := NewDeduplicator()
	a := ID{UUID: testUUID, Major: 1, Minor: 1}

	_, ok := d.Observe("lobby", snap(a))
	assert.True(t, ok)
	_, ok = d.Observe("dock", snap(a))
	assert.True(t, ok, "history is kept per region")
}

func TestDeduplicatorOverwritesOnSuppression(t *testing.T) {
	d := NewDeduplicator()
	a := ID{UUID: testUUID, Major: 1, Minor: 1}

	first := snap(a)
	d.Observe("lobby", first)

	second := snap(a)
	second.Beacons[0].RSSI = -30
	_, ok := d.Observe("lobby", second)
	assert.False(t, ok)

	last, found := d.Last("lobby")
	require.True(t, found)
	if diff := cmp.Diff(second, last); diff != "" {
		t.Errorf("last snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestDeduplicatorEmptyFirstScan(t *testing.T) {
	d := NewDeduplicator()
	a := ID{UUID: testUUID, Major: 1, Minor: 1}

	_, ok := d.Observe("lobby", snap())
	assert.False(t, ok)

	_, ok = d.Observe("lobby", snap(a))
	assert.True(t, ok)

	_, ok = d.Observe("lobby", snap())
	assert.True(t, ok, "losing every beacon is a change")
}

func TestDeduplicatorForget(t *testing.T) {
	d := NewDeduplicator()
	a := ID{UUID: testUUID, Major: 1, Minor: 1}

	d.Observe("lobby", snap(a))
	d.Forget("lobby")

	_, ok := d.Observe("lobby", snap(a))
	assert.True(t, ok)

	d.Reset()
	_, found := d.Last("lobby")
	assert.False(t, found)
}

func TestParseIBeacon(t *testing.T) {
	id := ID{UUID: testUUID, Major: 513, Minor: 65535}
	payload := EncodeIBeacon(id, -59)

	got, tx, ok := ParseIBeacon(payload)
	require.True(t, ok)
	assert.Equal(t, id, got)
	assert.Equal(t, -59, tx)
}

func TestParseIBeaconRejects(t *testing.T) {
	valid := EncodeIBeacon(ID{UUID: testUUID}, -59)

	wrongType := append([]byte(nil), valid...)
	wrongType[0] = 0x03

	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"short", valid[:10]},
		{"wrong type", wrongType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, ok := ParseIBeacon(tt.payload)
			assert.False(t, ok)
		})
	}
}
