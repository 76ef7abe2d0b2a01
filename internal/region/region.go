// Package region defines monitored regions and the in-memory registry that
// holds them for the lifetime of a monitoring session.
package region

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"geofenced/internal/beacon"
)

// ErrInvalid is wrapped by every region validation failure.
var ErrInvalid = errors.New("region: invalid region")

// Kind is the kind of area a region describes.
type Kind string

const (
	KindGeoCircle Kind = "geo-circle"
	KindBeacon    Kind = "beacon-proximity"
)

// Trigger is a bitmask of the events a region reports.
type Trigger uint8

const (
	TriggerEnter Trigger = 1 << iota
	TriggerExit
	TriggerDwell
	TriggerRanging
)

// TriggerAll enables every event for a region.
const TriggerAll = TriggerEnter | TriggerExit | TriggerDwell | TriggerRanging

var triggerNames = []struct {
	t    Trigger
	name string
}{
	{TriggerEnter, "enter"},
	{TriggerExit, "exit"},
	{TriggerDwell, "dwell"},
	{TriggerRanging, "ranging"},
}

// Has reports whether every bit of x is set.
func (t Trigger) Has(x Trigger) bool {
	return t&x == x
}

// Strings returns the trigger names in canonical order.
func (t Trigger) Strings() []string {
	var out []string
	for _, tn := range triggerNames {
		if t.Has(tn.t) {
			out = append(out, tn.name)
		}
	}
	return out
}

func (t Trigger) String() string {
	return strings.Join(t.Strings(), "|")
}

// ParseTriggers converts trigger names into a mask.
func ParseTriggers(names []string) (Trigger, error) {
	var t Trigger
	for _, n := range names {
		found := false
		for _, tn := range triggerNames {
			if strings.EqualFold(n, tn.name) {
				t |= tn.t
				found = true
				break
			}
		}
		if !found {
			return 0, &ValidationError{Field: "triggers", Message: fmt.Sprintf("unknown trigger %q", n)}
		}
	}
	return t, nil
}

// BeaconIdentity selects beacons by UUID with optional major/minor wildcards.
// A nil Major or Minor matches any value.
type BeaconIdentity struct {
	UUID    uuid.UUID
	Major   *uint16
	Minor   *uint16
	MinRSSI int
}

// Matches reports whether b falls inside the identity and, when MinRSSI is
// set, is strong enough to count as near.
func (bi BeaconIdentity) Matches(b beacon.Beacon) bool {
	if b.UUID != bi.UUID {
		return false
	}
	if bi.Major != nil && b.Major != *bi.Major {
		return false
	}
	if bi.Minor != nil && b.Minor != *bi.Minor {
		return false
	}
	if bi.MinRSSI != 0 && b.RSSI < bi.MinRSSI {
		return false
	}
	return true
}

// Region is an immutable region definition.
type Region struct {
	ID       string
	Kind     Kind
	Center   Coordinate
	Radius   float64
	Beacon   BeaconIdentity
	Triggers Trigger
	Dwell    time.Duration
	Debounce time.Duration
}

const maxIDLength = 256

// MaxDelay bounds the dwell and debounce windows.
const MaxDelay = 7 * 24 * time.Hour

// Validate checks the region definition.
func (r Region) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return &ValidationError{Field: "id", Message: "must not be empty"}
	}
	if len(r.ID) > maxIDLength {
		return &ValidationError{Field: "id", Message: fmt.Sprintf("longer than %d bytes", maxIDLength)}
	}

	switch r.Kind {
	case KindGeoCircle:
		if err := r.Center.Validate(); err != nil {
			return err
		}
		if math.IsNaN(r.Radius) || math.IsInf(r.Radius, 0) || r.Radius <= 0 {
			return &ValidationError{Field: "radius", Message: "must be a positive number of meters"}
		}
		if r.Triggers.Has(TriggerRanging) {
			return &ValidationError{Field: "triggers", Message: "ranging requires a beacon region"}
		}
	case KindBeacon:
		if r.Beacon.UUID == uuid.Nil {
			return &ValidationError{Field: "uuid", Message: "must not be empty"}
		}
		if r.Beacon.MinRSSI > 0 {
			return &ValidationError{Field: "min_rssi", Message: "must be negative dBm"}
		}
	default:
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", r.Kind)}
	}

	if r.Triggers == 0 {
		return &ValidationError{Field: "triggers", Message: "at least one trigger is required"}
	}
	if r.Triggers&^TriggerAll != 0 {
		return &ValidationError{Field: "triggers", Message: "unknown trigger bits"}
	}
	if r.Dwell < 0 {
		return &ValidationError{Field: "dwell", Message: "must not be negative"}
	}
	if r.Debounce < 0 {
		return &ValidationError{Field: "debounce", Message: "must not be negative"}
	}
	if r.Dwell > MaxDelay {
		return &ValidationError{Field: "dwell", Message: "exceeds maximum of " + MaxDelay.String()}
	}
	if r.Debounce > MaxDelay {
		return &ValidationError{Field: "debounce", Message: "exceeds maximum of " + MaxDelay.String()}
	}
	return nil
}

// ValidationError describes why a region was rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("region: %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrInvalid.
func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}
