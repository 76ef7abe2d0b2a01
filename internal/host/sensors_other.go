//go:build !linux

package host

import (
	"context"
	"log/slog"
	"time"

	"geofenced/internal/permission"
)

// GeoClue is only available on Linux.
type GeoClue struct{}

// NewGeoClue returns a source that reports ErrSensorUnavailable.
func NewGeoClue(desktopID string, logger *slog.Logger) *GeoClue {
	return &GeoClue{}
}

func (g *GeoClue) Open() error  { return ErrSensorUnavailable }
func (g *GeoClue) Close() error { return nil }

func (g *GeoClue) SetResultHandler(fn permission.ResultFunc)       {}
func (g *GeoClue) SetStateHandler(fn func(permission.State) error) {}

func (g *GeoClue) Check(ctx context.Context) (permission.State, error) {
	return permission.Restricted, ErrSensorUnavailable
}

func (g *GeoClue) Request(ctx context.Context, requestID string) error {
	return ErrSensorUnavailable
}

func (g *GeoClue) Run(ctx context.Context, target Target) error {
	return ErrSensorUnavailable
}

// BlueZ is only available on Linux.
type BlueZ struct{}

// NewBlueZ returns a source that reports ErrSensorUnavailable.
func NewBlueZ(adapter string, window time.Duration, logger *slog.Logger) *BlueZ {
	return &BlueZ{}
}

func (b *BlueZ) Run(ctx context.Context, target Target) error {
	return ErrSensorUnavailable
}
