// Package host adapts platform location services and beacon scanners into
// samples for the engine.
//
// Sources feed a Target until their context is cancelled. A source whose
// platform service is missing returns ErrSensorUnavailable from Run; the
// daemon logs it and keeps running without that input.
package host

import (
	"context"
	"errors"

	"geofenced/internal/beacon"
	"geofenced/internal/monitor"
	"geofenced/internal/permission"
)

// ErrSensorUnavailable is returned when a platform sensor service cannot be
// reached.
var ErrSensorUnavailable = errors.New("host: sensor unavailable")

// Target receives samples and unsolicited permission changes.
type Target interface {
	IngestLocation(fix monitor.Fix)
	IngestBeacons(snap beacon.Snapshot)
	SetHostState(state permission.State) error
}

// Source produces samples until ctx is done.
type Source interface {
	Run(ctx context.Context, target Target) error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, target Target) error

// Run implements Source.
func (f SourceFunc) Run(ctx context.Context, target Target) error {
	return f(ctx, target)
}
