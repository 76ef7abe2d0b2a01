package host

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"geofenced/internal/beacon"
	"geofenced/internal/monitor"
	"geofenced/internal/permission"
	"geofenced/internal/region"
	"geofenced/internal/timeutil"
)

// Record is one line of a replay file.
//
//	{"delay":"2s","type":"location","latitude":52.52,"longitude":13.40,"accuracy":12}
//	{"type":"beacons","beacons":[{"uuid":"f7826da6-...","major":1,"minor":2,"rssi":-60}]}
//	{"type":"permission","state":"denied"}
type Record struct {
	Delay     string         `json:"delay,omitempty"`
	Type      string         `json:"type"`
	Latitude  float64        `json:"latitude,omitempty"`
	Longitude float64        `json:"longitude,omitempty"`
	Accuracy  float64        `json:"accuracy,omitempty"`
	Beacons   []ReplayBeacon `json:"beacons,omitempty"`
	State     string         `json:"state,omitempty"`
}

// ReplayBeacon is a beacon inside a replayed scan.
type ReplayBeacon struct {
	UUID  string `json:"uuid"`
	Major uint16 `json:"major"`
	Minor uint16 `json:"minor"`
	RSSI  int    `json:"rssi"`
}

// Replay feeds recorded samples from a JSON-lines file. Each record waits
// for its delay before it is applied; timestamps come from the clock at
// the moment the record is applied.
type Replay struct {
	path  string
	clock timeutil.Clock
	log   *slog.Logger

	// Speed divides every delay. Values <= 0 are treated as 1.
	Speed float64
}

// NewReplay creates a replay source for path.
func NewReplay(path string, logger *slog.Logger) *Replay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replay{path: path, clock: timeutil.RealClock{}, log: logger, Speed: 1}
}

// Run implements Source. It returns nil once the file is exhausted.
func (r *Replay) Run(ctx context.Context, target Target) error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()

	n, err := r.play(ctx, f, target)
	if err != nil {
		return err
	}
	r.log.Info("replay finished", "path", r.path, "records", n)
	return nil
}

func (r *Replay) play(ctx context.Context, in io.Reader, target Target) (int, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var line, applied int
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return applied, fmt.Errorf("replay line %d: %w", line, err)
		}
		if err := r.wait(ctx, rec.Delay); err != nil {
			if ctx.Err() != nil {
				return applied, err
			}
			return applied, fmt.Errorf("replay line %d: %w", line, err)
		}
		if err := r.apply(rec, target); err != nil {
			return applied, fmt.Errorf("replay line %d: %w", line, err)
		}
		applied++
	}
	if err := scanner.Err(); err != nil {
		return applied, fmt.Errorf("read replay file: %w", err)
	}
	return applied, nil
}

func (r *Replay) wait(ctx context.Context, delay string) error {
	if delay == "" {
		return ctx.Err()
	}
	d, err := time.ParseDuration(delay)
	if err != nil {
		return fmt.Errorf("invalid delay %q: %w", delay, err)
	}
	if r.Speed > 0 {
		d = time.Duration(float64(d) / r.Speed)
	}
	if d <= 0 {
		return ctx.Err()
	}

	done := make(chan struct{})
	t := r.clock.AfterFunc(d, func() { close(done) })
	defer t.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Replay) apply(rec Record, target Target) error {
	now := r.clock.Now()

	switch rec.Type {
	case "location":
		target.IngestLocation(monitor.Fix{
			Coordinate: region.Coordinate{Latitude: rec.Latitude, Longitude: rec.Longitude},
			Accuracy:   rec.Accuracy,
			Timestamp:  now,
		})

	case "beacons":
		snap := beacon.Snapshot{Beacons: make([]beacon.Beacon, 0, len(rec.Beacons)), Timestamp: now}
		for _, b := range rec.Beacons {
			u, err := uuid.Parse(b.UUID)
			if err != nil {
				return fmt.Errorf("beacon uuid: %w", err)
			}
			snap.Beacons = append(snap.Beacons, beacon.Beacon{
				ID:   beacon.ID{UUID: u, Major: b.Major, Minor: b.Minor},
				RSSI: b.RSSI,
			})
		}
		target.IngestBeacons(snap)

	case "permission":
		state, err := permission.ParseState(rec.State)
		if err != nil {
			return err
		}
		if err := target.SetHostState(state); err != nil {
			return fmt.Errorf("apply permission %s: %w", state, err)
		}

	default:
		return fmt.Errorf("unknown record type %q", rec.Type)
	}
	return nil
}
