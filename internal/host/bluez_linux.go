//go:build linux

package host

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"
)

// BlueZ D-Bus names
const (
	bluezService         = "org.bluez"
	bluezAdapterIface    = "org.bluez.Adapter1"
	bluezDeviceIface     = "org.bluez.Device1"
	objectManagerIface   = "org.freedesktop.DBus.ObjectManager"
	bluezSignalQueueSize = 64
)

// BlueZ scans for iBeacon advertisements through the BlueZ discovery API
// and emits one snapshot per scan window.
type BlueZ struct {
	adapter string
	window  time.Duration
	log     *slog.Logger

	scan *scanWindow
	rssi map[dbus.ObjectPath]int
}

// NewBlueZ creates a scanner on adapter (for example "hci0").
func NewBlueZ(adapter string, window time.Duration, logger *slog.Logger) *BlueZ {
	if logger == nil {
		logger = slog.Default()
	}
	if window <= 0 {
		window = 2 * time.Second
	}
	return &BlueZ{
		adapter: adapter,
		window:  window,
		log:     logger,
		scan:    newScanWindow(),
		rssi:    make(map[dbus.ObjectPath]int),
	}
}

// Run implements Source. Discovery is stopped when ctx is done.
func (b *BlueZ) Run(ctx context.Context, target Target) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("%w: system bus: %v", ErrSensorUnavailable, err)
	}
	defer conn.Close()

	adapterPath := dbus.ObjectPath("/org/bluez/" + b.adapter)
	adapter := conn.Object(bluezService, adapterPath)

	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(true),
	}
	if err := adapter.Call(bluezAdapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		return fmt.Errorf("%w: set discovery filter on %s: %v", ErrSensorUnavailable, b.adapter, err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchPathNamespace(adapterPath),
		dbus.WithMatchInterface(dbusPropertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return fmt.Errorf("match PropertiesChanged: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath("/"),
		dbus.WithMatchInterface(objectManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		return fmt.Errorf("match InterfacesAdded: %w", err)
	}

	signals := make(chan *dbus.Signal, bluezSignalQueueSize)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	if err := adapter.Call(bluezAdapterIface+".StartDiscovery", 0).Err; err != nil {
		return fmt.Errorf("%w: start discovery on %s: %v", ErrSensorUnavailable, b.adapter, err)
	}
	defer adapter.Call(bluezAdapterIface+".StopDiscovery", 0)

	b.log.Info("beacon scanning started", "adapter", b.adapter, "window", b.window)

	ticker := time.NewTicker(b.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.log.Info("beacon scanning stopped", "adapter", b.adapter)
			return nil
		case now := <-ticker.C:
			target.IngestBeacons(b.scan.flush(now))
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			b.handleSignal(sig)
		}
	}
}

func (b *BlueZ) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case dbusPropertiesIface + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return
		}
		if iface, _ := sig.Body[0].(string); iface != bluezDeviceIface {
			return
		}
		if props, ok := sig.Body[1].(map[string]dbus.Variant); ok {
			b.observe(sig.Path, props)
		}

	case objectManagerIface + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok {
			return
		}
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return
		}
		if props, ok := ifaces[bluezDeviceIface]; ok {
			b.observe(path, props)
		}
	}
}

// observe handles one device property update. RSSI and manufacturer data
// may arrive in separate updates, so the last RSSI per device is kept.
func (b *BlueZ) observe(path dbus.ObjectPath, props map[string]dbus.Variant) {
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			b.rssi[path] = int(rssi)
		}
	}

	v, ok := props["ManufacturerData"]
	if !ok {
		return
	}
	raw, ok := v.Value().(map[uint16]dbus.Variant)
	if !ok {
		return
	}
	data := make(map[uint16][]byte, len(raw))
	for company, payload := range raw {
		if bs, ok := payload.Value().([]byte); ok {
			data[company] = bs
		}
	}

	if b.scan.observe(data, b.rssi[path]) {
		b.log.Debug("ibeacon advertisement", "device", string(path), "rssi", b.rssi[path])
	}
}
