package region

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Definition is the wire and on-disk form of a region.
type Definition struct {
	ID              string   `json:"id" yaml:"id" toml:"id"`
	Kind            string   `json:"kind" yaml:"kind" toml:"kind"`
	Latitude        *float64 `json:"latitude,omitempty" yaml:"latitude,omitempty" toml:"latitude,omitempty"`
	Longitude       *float64 `json:"longitude,omitempty" yaml:"longitude,omitempty" toml:"longitude,omitempty"`
	Radius          *float64 `json:"radius,omitempty" yaml:"radius,omitempty" toml:"radius,omitempty"`
	UUID            string   `json:"uuid,omitempty" yaml:"uuid,omitempty" toml:"uuid,omitempty"`
	Major           *uint16  `json:"major,omitempty" yaml:"major,omitempty" toml:"major,omitempty"`
	Minor           *uint16  `json:"minor,omitempty" yaml:"minor,omitempty" toml:"minor,omitempty"`
	MinRSSI         int      `json:"min_rssi,omitempty" yaml:"min_rssi,omitempty" toml:"min_rssi,omitempty"`
	Triggers        []string `json:"triggers,omitempty" yaml:"triggers,omitempty" toml:"triggers,omitempty"`
	DwellSeconds    *float64 `json:"dwell_seconds,omitempty" yaml:"dwell_seconds,omitempty" toml:"dwell_seconds,omitempty"`
	DebounceSeconds *float64 `json:"debounce_seconds,omitempty" yaml:"debounce_seconds,omitempty" toml:"debounce_seconds,omitempty"`
}

// Defaults fill the timing and trigger fields a definition leaves out.
type Defaults struct {
	Dwell    time.Duration
	Debounce time.Duration
}

// Region converts the definition into a validated Region.
func (d Definition) Region(defaults Defaults) (Region, error) {
	r := Region{
		ID:       d.ID,
		Kind:     Kind(d.Kind),
		Dwell:    defaults.Dwell,
		Debounce: defaults.Debounce,
	}

	switch r.Kind {
	case KindGeoCircle:
		if d.Latitude == nil || d.Longitude == nil {
			return Region{}, &ValidationError{Field: "center", Message: "latitude and longitude are required"}
		}
		if d.Radius == nil {
			return Region{}, &ValidationError{Field: "radius", Message: "is required"}
		}
		r.Center = Coordinate{Latitude: *d.Latitude, Longitude: *d.Longitude}
		r.Radius = *d.Radius
	case KindBeacon:
		u, err := uuid.Parse(d.UUID)
		if err != nil {
			return Region{}, &ValidationError{Field: "uuid", Message: err.Error()}
		}
		r.Beacon = BeaconIdentity{UUID: u, Major: d.Major, Minor: d.Minor, MinRSSI: d.MinRSSI}
	}

	if len(d.Triggers) == 0 {
		r.Triggers = TriggerEnter | TriggerExit | TriggerDwell
		if r.Kind == KindBeacon {
			r.Triggers |= TriggerRanging
		}
	} else {
		t, err := ParseTriggers(d.Triggers)
		if err != nil {
			return Region{}, err
		}
		r.Triggers = t
	}

	if d.DwellSeconds != nil {
		dur, err := seconds("dwell", *d.DwellSeconds)
		if err != nil {
			return Region{}, err
		}
		r.Dwell = dur
	}
	if d.DebounceSeconds != nil {
		dur, err := seconds("debounce", *d.DebounceSeconds)
		if err != nil {
			return Region{}, err
		}
		r.Debounce = dur
	}

	if err := r.Validate(); err != nil {
		return Region{}, err
	}
	return r, nil
}

// DefinitionOf returns the definition of r with every field explicit.
func DefinitionOf(r Region) Definition {
	d := Definition{
		ID:       r.ID,
		Kind:     string(r.Kind),
		Triggers: r.Triggers.Strings(),
	}
	dwell := r.Dwell.Seconds()
	debounce := r.Debounce.Seconds()
	d.DwellSeconds = &dwell
	d.DebounceSeconds = &debounce

	switch r.Kind {
	case KindGeoCircle:
		lat, lon, radius := r.Center.Latitude, r.Center.Longitude, r.Radius
		d.Latitude, d.Longitude, d.Radius = &lat, &lon, &radius
	case KindBeacon:
		d.UUID = r.Beacon.UUID.String()
		d.Major = r.Beacon.Major
		d.Minor = r.Beacon.Minor
		d.MinRSSI = r.Beacon.MinRSSI
	}
	return d
}

// ParseDefinitions validates raw JSON against the region schema and decodes
// it. The input may be a single definition or an array of them.
func ParseDefinitions(data []byte) ([]Definition, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ValidationError{Field: "json", Message: err.Error()}
	}

	if _, isList := doc.([]any); !isList {
		if err := ValidateDocument(doc); err != nil {
			return nil, err
		}
		var d Definition
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decode region: %w", err)
		}
		return []Definition{d}, nil
	}

	for i, item := range doc.([]any) {
		if err := ValidateDocument(item); err != nil {
			return nil, fmt.Errorf("region %d: %w", i, err)
		}
	}
	var defs []Definition
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("decode regions: %w", err)
	}
	return defs, nil
}

// seconds converts a seconds field, rejecting values a Duration cannot hold
// before they wrap.
func seconds(field string, s float64) (time.Duration, error) {
	switch {
	case math.IsNaN(s):
		return 0, &ValidationError{Field: field, Message: "is not a number"}
	case s < 0:
		return 0, &ValidationError{Field: field, Message: "must not be negative"}
	case s > MaxDelay.Seconds():
		return 0, &ValidationError{Field: field, Message: "exceeds maximum of " + MaxDelay.String()}
	}
	return time.Duration(s * float64(time.Second)), nil
}
