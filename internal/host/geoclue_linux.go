//go:build linux

package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"geofenced/internal/monitor"
	"geofenced/internal/permission"
	"geofenced/internal/region"
)

// GeoClue2 D-Bus names
const (
	geoclueService         = "org.freedesktop.GeoClue2"
	geoclueManagerPath     = "/org/freedesktop/GeoClue2/Manager"
	geoclueManagerIface    = "org.freedesktop.GeoClue2.Manager"
	geoclueClientIface     = "org.freedesktop.GeoClue2.Client"
	geoclueLocationIface   = "org.freedesktop.GeoClue2.Location"
	dbusPropertiesIface    = "org.freedesktop.DBus.Properties"
	dbusAccessDenied       = "org.freedesktop.DBus.Error.AccessDenied"
	geoclueAccuracyExact   = uint32(8)
	geoclueAccuracyNone    = uint32(0)
	geoclueSignalQueueSize = 16
)

// GeoClue is a location source backed by GeoClue2 on the system bus. It
// also acts as the permission host: starting the GeoClue client is what
// asks the desktop agent for access.
type GeoClue struct {
	desktopID string
	log       *slog.Logger

	mu       sync.Mutex
	conn     *dbus.Conn
	client   dbus.BusObject
	active   bool
	stopping bool
	onResult permission.ResultFunc
	onState  func(permission.State) error
}

var _ permission.Host = (*GeoClue)(nil)

// NewGeoClue creates an unconnected GeoClue source.
func NewGeoClue(desktopID string, logger *slog.Logger) *GeoClue {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeoClue{desktopID: desktopID, log: logger}
}

// Open connects to the system bus and creates a GeoClue client.
func (g *GeoClue) Open() error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("%w: system bus: %v", ErrSensorUnavailable, err)
	}

	var clientPath dbus.ObjectPath
	mgr := conn.Object(geoclueService, geoclueManagerPath)
	if err := mgr.Call(geoclueManagerIface+".GetClient", 0).Store(&clientPath); err != nil {
		conn.Close()
		return fmt.Errorf("%w: geoclue GetClient: %v", ErrSensorUnavailable, err)
	}

	client := conn.Object(geoclueService, clientPath)
	if err := client.SetProperty(geoclueClientIface+".DesktopId", dbus.MakeVariant(g.desktopID)); err != nil {
		conn.Close()
		return fmt.Errorf("set geoclue desktop id: %w", err)
	}
	if err := client.SetProperty(geoclueClientIface+".RequestedAccuracyLevel", dbus.MakeVariant(geoclueAccuracyExact)); err != nil {
		g.log.Debug("geoclue accuracy level not accepted", "error", err)
	}

	g.mu.Lock()
	g.conn = conn
	g.client = client
	g.mu.Unlock()

	g.log.Info("geoclue client created", "path", string(clientPath))
	return nil
}

// Close stops the client and disconnects from the bus.
func (g *GeoClue) Close() error {
	g.mu.Lock()
	conn, client, active := g.conn, g.client, g.active
	g.stopping = true
	g.active = false
	g.conn = nil
	g.client = nil
	g.mu.Unlock()

	if conn == nil {
		return nil
	}
	if active {
		client.Call(geoclueClientIface+".Stop", 0)
	}
	return conn.Close()
}

// SetResultHandler wires prompt outcomes into the permission gate.
func (g *GeoClue) SetResultHandler(fn permission.ResultFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onResult = fn
}

// SetStateHandler receives unsolicited permission changes, such as the
// agent withdrawing access while the client is running.
func (g *GeoClue) SetStateHandler(fn func(permission.State) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onState = fn
}

// Check implements permission.Host. A running client means access was
// granted. A service that offers no accuracy level at all is restricted.
func (g *GeoClue) Check(ctx context.Context) (permission.State, error) {
	g.mu.Lock()
	conn, active := g.conn, g.active
	g.mu.Unlock()

	if conn == nil {
		return permission.Restricted, ErrSensorUnavailable
	}
	if active {
		return permission.GrantedForeground, nil
	}

	v, err := conn.Object(geoclueService, geoclueManagerPath).
		GetProperty(geoclueManagerIface + ".AvailableAccuracyLevel")
	if err != nil {
		return permission.NotDetermined, fmt.Errorf("read accuracy level: %w", err)
	}
	if level, ok := v.Value().(uint32); ok && level == geoclueAccuracyNone {
		return permission.Restricted, nil
	}
	return permission.NotDetermined, nil
}

// Request implements permission.Host. Starting the client makes the agent
// ask the user; the outcome is reported through the result handler.
func (g *GeoClue) Request(ctx context.Context, requestID string) error {
	g.mu.Lock()
	client, fn := g.client, g.onResult
	g.mu.Unlock()

	if client == nil {
		return ErrSensorUnavailable
	}

	go func() {
		call := client.CallWithContext(context.Background(), geoclueClientIface+".Start", 0)
		granted := call.Err == nil

		var derr dbus.Error
		if call.Err != nil && !(errors.As(call.Err, &derr) && derr.Name == dbusAccessDenied) {
			g.log.Warn("geoclue start failed", "request_id", requestID, "error", call.Err)
		}

		g.mu.Lock()
		g.active = granted
		g.stopping = false
		g.mu.Unlock()

		if fn == nil {
			return
		}
		if err := fn(requestID, granted, false); err != nil {
			g.log.Debug("permission result not applied", "request_id", requestID, "error", err)
		}
	}()
	return nil
}

// Run implements Source. It forwards LocationUpdated signals as fixes and
// reports the client being deactivated as a revocation.
func (g *GeoClue) Run(ctx context.Context, target Target) error {
	g.mu.Lock()
	conn, client := g.conn, g.client
	g.mu.Unlock()
	if conn == nil {
		return ErrSensorUnavailable
	}

	path := client.Path()
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(geoclueClientIface),
		dbus.WithMatchMember("LocationUpdated"),
	); err != nil {
		return fmt.Errorf("match LocationUpdated: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(dbusPropertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return fmt.Errorf("match PropertiesChanged: %w", err)
	}

	signals := make(chan *dbus.Signal, geoclueSignalQueueSize)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			if sig.Path != path {
				continue
			}
			switch sig.Name {
			case geoclueClientIface + ".LocationUpdated":
				g.handleLocation(conn, sig, target)
			case dbusPropertiesIface + ".PropertiesChanged":
				g.handleProperties(sig, target)
			}
		}
	}
}

func (g *GeoClue) handleLocation(conn *dbus.Conn, sig *dbus.Signal, target Target) {
	if len(sig.Body) < 2 {
		return
	}
	locPath, ok := sig.Body[1].(dbus.ObjectPath)
	if !ok {
		return
	}

	fix, err := readLocation(conn.Object(geoclueService, locPath))
	if err != nil {
		g.log.Warn("failed to read geoclue location", "path", string(locPath), "error", err)
		return
	}
	target.IngestLocation(fix)
}

func (g *GeoClue) handleProperties(sig *dbus.Signal, target Target) {
	if len(sig.Body) < 2 {
		return
	}
	if iface, _ := sig.Body[0].(string); iface != geoclueClientIface {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	v, ok := changed["Active"]
	if !ok {
		return
	}
	active, _ := v.Value().(bool)

	g.mu.Lock()
	wasActive, stopping, fn := g.active, g.stopping, g.onState
	g.active = active
	g.mu.Unlock()

	if wasActive && !active && !stopping {
		g.log.Info("geoclue client deactivated by the agent")
		if fn == nil {
			fn = target.SetHostState
		}
		if err := fn(permission.Denied); err != nil {
			g.log.Warn("failed to apply revocation", "error", err)
		}
	}
}

func readLocation(obj dbus.BusObject) (monitor.Fix, error) {
	var fix monitor.Fix

	lat, err := floatProperty(obj, "Latitude")
	if err != nil {
		return fix, err
	}
	lon, err := floatProperty(obj, "Longitude")
	if err != nil {
		return fix, err
	}
	acc, err := floatProperty(obj, "Accuracy")
	if err != nil {
		return fix, err
	}

	fix.Coordinate = region.Coordinate{Latitude: lat, Longitude: lon}
	fix.Accuracy = acc
	fix.Timestamp = time.Now()

	// Timestamp is (tt): seconds and microseconds since the epoch
	if v, err := obj.GetProperty(geoclueLocationIface + ".Timestamp"); err == nil {
		if parts, ok := v.Value().([]interface{}); ok && len(parts) == 2 {
			sec, _ := parts[0].(uint64)
			usec, _ := parts[1].(uint64)
			if sec > 0 {
				fix.Timestamp = time.Unix(int64(sec), int64(usec)*int64(time.Microsecond))
			}
		}
	}
	return fix, nil
}

func floatProperty(obj dbus.BusObject, name string) (float64, error) {
	v, err := obj.GetProperty(geoclueLocationIface + "." + name)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", name, err)
	}
	f, ok := v.Value().(float64)
	if !ok {
		return 0, fmt.Errorf("%s has type %s", name, v.Signature())
	}
	return f, nil
}
